package store

import (
	"context"
	"errors"
	"time"

	"chatapp/pkg/domain"
)

// ErrDuplicate is returned when a write violates a uniqueness constraint.
var ErrDuplicate = errors.New("duplicate record")

// Store runs units of work against persistent storage. Every repository call
// made inside fn belongs to one transaction that commits when fn returns nil
// and rolls back otherwise.
type Store interface {
	Transact(ctx context.Context, fn func(Repos) error) error
	View(ctx context.Context, fn func(Repos) error) error
	Close() error
}

// Repos groups the per-entity repositories bound to a single unit of work.
type Repos interface {
	Users() UserRepository
	Requests() RequestRepository
	Friendships() FriendshipRepository
	Rooms() RoomRepository
	Messages() MessageRepository
}

// UserRepository persists user records.
type UserRepository interface {
	// Create assigns u.ID. Username or email collisions return ErrDuplicate.
	Create(u *domain.User) error
	GetByID(id int64) (domain.User, bool, error)
	GetByEmail(email string) (domain.User, bool, error)
	CountExisting(ids []int64) (int, error)
	List() ([]domain.User, error)
	SetResetToken(id int64, token string, expiry time.Time) error
	// ConsumeResetToken swaps the password hash and clears the token when token
	// matches and has not expired at now. It reports the affected user.
	ConsumeResetToken(token, passwordHash string, now time.Time) (int64, bool, error)
}

// RequestRepository persists pending friend requests.
type RequestRepository interface {
	// Create returns ErrDuplicate when the ordered pair already has a request.
	Create(r domain.FriendRequest) error
	Exists(fromUser, toUser int64) (bool, error)
	ListIncoming(toUser int64) ([]domain.FriendRequest, error)
	// LockByToken reads the request and holds it until the unit of work ends.
	LockByToken(token string) (domain.FriendRequest, bool, error)
	Delete(token string) (bool, error)
	DeleteForRecipient(token string, toUser int64) (bool, error)
}

// FriendshipRepository persists directed friendship rows.
type FriendshipRepository interface {
	// CreatePair inserts both directions, skipping rows that already exist.
	CreatePair(a, b int64) error
	// DeletePair removes both directions and reports how many rows went away.
	DeletePair(a, b int64) (int64, error)
	ListFriendIDs(userID int64) ([]int64, error)
	AreFriends(a, b int64) (bool, error)
}

// RoomRepository persists chat rooms and their memberships.
type RoomRepository interface {
	// Create assigns room.ID and inserts one membership per room.Members entry.
	Create(room *domain.ChatRoom) error
	Get(id int64) (domain.ChatRoom, bool, error)
	ListForUser(userID int64) ([]domain.ChatRoom, error)
	// LockRoom serializes room-scoped mutations until the unit of work ends.
	LockRoom(id int64) (bool, error)
	IsMember(userID, roomID int64) (bool, error)
	// LockMembership holds the membership row so it cannot be removed until
	// the unit of work ends.
	LockMembership(userID, roomID int64) (bool, error)
	DeleteMembership(userID, roomID int64) (bool, error)
	CountMembers(roomID int64) (int64, error)
	// Delete removes the room together with its remaining memberships.
	Delete(roomID int64) error
}

// MessageRepository persists room messages.
type MessageRepository interface {
	// Create assigns m.ID.
	Create(m *domain.Message) error
	ListByRoom(roomID int64) ([]domain.Message, error)
	DeleteByRoom(roomID int64) error
}
