package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"chatapp/pkg/domain"
)

type pairKey [2]int64

type memoryState struct {
	nextUserID    int64
	nextRoomID    int64
	nextMessageID int64

	users       map[int64]domain.User
	requests    map[string]domain.FriendRequest
	friendships map[pairKey]time.Time
	rooms       map[int64]time.Time
	memberships map[pairKey]time.Time // {userID, roomID}
	messages    []domain.Message
}

func newMemoryState() *memoryState {
	return &memoryState{
		users:       make(map[int64]domain.User),
		requests:    make(map[string]domain.FriendRequest),
		friendships: make(map[pairKey]time.Time),
		rooms:       make(map[int64]time.Time),
		memberships: make(map[pairKey]time.Time),
	}
}

func (st *memoryState) clone() *memoryState {
	out := &memoryState{
		nextUserID:    st.nextUserID,
		nextRoomID:    st.nextRoomID,
		nextMessageID: st.nextMessageID,
		users:         make(map[int64]domain.User, len(st.users)),
		requests:      make(map[string]domain.FriendRequest, len(st.requests)),
		friendships:   make(map[pairKey]time.Time, len(st.friendships)),
		rooms:         make(map[int64]time.Time, len(st.rooms)),
		memberships:   make(map[pairKey]time.Time, len(st.memberships)),
		messages:      append([]domain.Message(nil), st.messages...),
	}
	for k, v := range st.users {
		out.users[k] = v
	}
	for k, v := range st.requests {
		out.requests[k] = v
	}
	for k, v := range st.friendships {
		out.friendships[k] = v
	}
	for k, v := range st.rooms {
		out.rooms[k] = v
	}
	for k, v := range st.memberships {
		out.memberships[k] = v
	}
	return out
}

// MemoryStore keeps everything in-process (single instance only). Units of
// work are serialized and a failed one is rolled back from a snapshot.
type MemoryStore struct {
	mu    sync.Mutex
	state *memoryState
}

// NewMemoryStore builds an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{state: newMemoryState()}
}

func (s *MemoryStore) Transact(ctx context.Context, fn func(Repos) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return err
	}
	snapshot := s.state.clone()
	if err := fn(memRepos{st: s.state}); err != nil {
		s.state = snapshot
		return err
	}
	return nil
}

func (s *MemoryStore) View(ctx context.Context, fn func(Repos) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return err
	}
	return fn(memRepos{st: s.state})
}

func (s *MemoryStore) Close() error { return nil }

type memRepos struct {
	st *memoryState
}

func (r memRepos) Users() UserRepository             { return memUsers(r) }
func (r memRepos) Requests() RequestRepository       { return memRequests(r) }
func (r memRepos) Friendships() FriendshipRepository { return memFriendships(r) }
func (r memRepos) Rooms() RoomRepository             { return memRooms(r) }
func (r memRepos) Messages() MessageRepository       { return memMessages(r) }

type memUsers struct{ st *memoryState }

func (r memUsers) Create(u *domain.User) error {
	for _, existing := range r.st.users {
		if existing.Username == u.Username {
			return fmt.Errorf("%w: username", ErrDuplicate)
		}
		if existing.Email == u.Email {
			return fmt.Errorf("%w: email", ErrDuplicate)
		}
	}
	r.st.nextUserID++
	u.ID = r.st.nextUserID
	now := time.Now().UTC()
	if u.CreatedAt.IsZero() {
		u.CreatedAt = now
	}
	u.UpdatedAt = now
	r.st.users[u.ID] = *u
	return nil
}

func (r memUsers) GetByID(id int64) (domain.User, bool, error) {
	u, ok := r.st.users[id]
	return u, ok, nil
}

func (r memUsers) GetByEmail(email string) (domain.User, bool, error) {
	for _, u := range r.st.users {
		if u.Email == email {
			return u, true, nil
		}
	}
	return domain.User{}, false, nil
}

func (r memUsers) CountExisting(ids []int64) (int, error) {
	count := 0
	for _, id := range ids {
		if _, ok := r.st.users[id]; ok {
			count++
		}
	}
	return count, nil
}

func (r memUsers) List() ([]domain.User, error) {
	res := make([]domain.User, 0, len(r.st.users))
	for _, u := range r.st.users {
		res = append(res, u)
	}
	sort.Slice(res, func(i, j int) bool { return res[i].ID < res[j].ID })
	return res, nil
}

func (r memUsers) SetResetToken(id int64, token string, expiry time.Time) error {
	u, ok := r.st.users[id]
	if !ok {
		return nil
	}
	expiry = expiry.UTC()
	u.ResetToken = token
	u.ResetTokenExpiry = &expiry
	u.UpdatedAt = time.Now().UTC()
	r.st.users[id] = u
	return nil
}

func (r memUsers) ConsumeResetToken(token, passwordHash string, now time.Time) (int64, bool, error) {
	if token == "" {
		return 0, false, nil
	}
	for id, u := range r.st.users {
		if u.ResetToken != token {
			continue
		}
		if u.ResetTokenExpiry == nil || u.ResetTokenExpiry.Before(now) {
			return 0, false, nil
		}
		u.PasswordHash = passwordHash
		u.ResetToken = ""
		u.ResetTokenExpiry = nil
		u.UpdatedAt = time.Now().UTC()
		r.st.users[id] = u
		return id, true, nil
	}
	return 0, false, nil
}

type memRequests struct{ st *memoryState }

func (r memRequests) Create(req domain.FriendRequest) error {
	if _, ok := r.st.requests[req.Token]; ok {
		return fmt.Errorf("%w: token", ErrDuplicate)
	}
	exists, _ := r.Exists(req.FromUser, req.ToUser)
	if exists {
		return fmt.Errorf("%w: request pair", ErrDuplicate)
	}
	r.st.requests[req.Token] = req
	return nil
}

func (r memRequests) Exists(fromUser, toUser int64) (bool, error) {
	for _, req := range r.st.requests {
		if req.FromUser == fromUser && req.ToUser == toUser {
			return true, nil
		}
	}
	return false, nil
}

func (r memRequests) ListIncoming(toUser int64) ([]domain.FriendRequest, error) {
	res := make([]domain.FriendRequest, 0)
	for _, req := range r.st.requests {
		if req.ToUser == toUser {
			res = append(res, req)
		}
	}
	sort.Slice(res, func(i, j int) bool {
		if res[i].CreatedAt.Equal(res[j].CreatedAt) {
			return res[i].Token < res[j].Token
		}
		return res[i].CreatedAt.Before(res[j].CreatedAt)
	})
	return res, nil
}

func (r memRequests) LockByToken(token string) (domain.FriendRequest, bool, error) {
	req, ok := r.st.requests[token]
	return req, ok, nil
}

func (r memRequests) Delete(token string) (bool, error) {
	if _, ok := r.st.requests[token]; !ok {
		return false, nil
	}
	delete(r.st.requests, token)
	return true, nil
}

func (r memRequests) DeleteForRecipient(token string, toUser int64) (bool, error) {
	req, ok := r.st.requests[token]
	if !ok || req.ToUser != toUser {
		return false, nil
	}
	delete(r.st.requests, token)
	return true, nil
}

type memFriendships struct{ st *memoryState }

func (r memFriendships) CreatePair(a, b int64) error {
	now := time.Now().UTC()
	for _, key := range []pairKey{{a, b}, {b, a}} {
		if _, ok := r.st.friendships[key]; !ok {
			r.st.friendships[key] = now
		}
	}
	return nil
}

func (r memFriendships) DeletePair(a, b int64) (int64, error) {
	var removed int64
	for _, key := range []pairKey{{a, b}, {b, a}} {
		if _, ok := r.st.friendships[key]; ok {
			delete(r.st.friendships, key)
			removed++
		}
	}
	return removed, nil
}

func (r memFriendships) ListFriendIDs(userID int64) ([]int64, error) {
	ids := make([]int64, 0)
	for key := range r.st.friendships {
		if key[0] == userID {
			ids = append(ids, key[1])
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

func (r memFriendships) AreFriends(a, b int64) (bool, error) {
	_, ok := r.st.friendships[pairKey{a, b}]
	return ok, nil
}

type memRooms struct{ st *memoryState }

func (r memRooms) Create(room *domain.ChatRoom) error {
	seen := make(map[int64]struct{}, len(room.Members))
	for _, userID := range room.Members {
		if _, dup := seen[userID]; dup {
			return fmt.Errorf("%w: membership", ErrDuplicate)
		}
		seen[userID] = struct{}{}
	}
	r.st.nextRoomID++
	room.ID = r.st.nextRoomID
	if room.CreatedAt.IsZero() {
		room.CreatedAt = time.Now().UTC()
	}
	r.st.rooms[room.ID] = room.CreatedAt
	for _, userID := range room.Members {
		r.st.memberships[pairKey{userID, room.ID}] = room.CreatedAt
	}
	return nil
}

func (r memRooms) Get(id int64) (domain.ChatRoom, bool, error) {
	createdAt, ok := r.st.rooms[id]
	if !ok {
		return domain.ChatRoom{}, false, nil
	}
	return domain.ChatRoom{ID: id, Members: r.members(id), CreatedAt: createdAt}, true, nil
}

func (r memRooms) members(roomID int64) []int64 {
	ids := make([]int64, 0)
	for key := range r.st.memberships {
		if key[1] == roomID {
			ids = append(ids, key[0])
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

func (r memRooms) ListForUser(userID int64) ([]domain.ChatRoom, error) {
	res := make([]domain.ChatRoom, 0)
	for key := range r.st.memberships {
		if key[0] != userID {
			continue
		}
		room, ok, _ := r.Get(key[1])
		if ok {
			res = append(res, room)
		}
	}
	sort.Slice(res, func(i, j int) bool {
		if res[i].CreatedAt.Equal(res[j].CreatedAt) {
			return res[i].ID < res[j].ID
		}
		return res[i].CreatedAt.Before(res[j].CreatedAt)
	})
	return res, nil
}

// Units of work are already serialized, so locks only report existence.
func (r memRooms) LockRoom(id int64) (bool, error) {
	_, ok := r.st.rooms[id]
	return ok, nil
}

func (r memRooms) LockMembership(userID, roomID int64) (bool, error) {
	return r.IsMember(userID, roomID)
}

func (r memRooms) IsMember(userID, roomID int64) (bool, error) {
	_, ok := r.st.memberships[pairKey{userID, roomID}]
	return ok, nil
}

func (r memRooms) DeleteMembership(userID, roomID int64) (bool, error) {
	key := pairKey{userID, roomID}
	if _, ok := r.st.memberships[key]; !ok {
		return false, nil
	}
	delete(r.st.memberships, key)
	return true, nil
}

func (r memRooms) CountMembers(roomID int64) (int64, error) {
	var count int64
	for key := range r.st.memberships {
		if key[1] == roomID {
			count++
		}
	}
	return count, nil
}

func (r memRooms) Delete(roomID int64) error {
	for key := range r.st.memberships {
		if key[1] == roomID {
			delete(r.st.memberships, key)
		}
	}
	delete(r.st.rooms, roomID)
	return nil
}

type memMessages struct{ st *memoryState }

func (r memMessages) Create(m *domain.Message) error {
	r.st.nextMessageID++
	m.ID = r.st.nextMessageID
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC()
	}
	r.st.messages = append(r.st.messages, *m)
	return nil
}

func (r memMessages) ListByRoom(roomID int64) ([]domain.Message, error) {
	res := make([]domain.Message, 0)
	for _, m := range r.st.messages {
		if m.ChatroomID == roomID {
			res = append(res, m)
		}
	}
	sort.SliceStable(res, func(i, j int) bool {
		return res[i].CreatedAt.Before(res[j].CreatedAt)
	})
	return res, nil
}

func (r memMessages) DeleteByRoom(roomID int64) error {
	kept := r.st.messages[:0]
	for _, m := range r.st.messages {
		if m.ChatroomID != roomID {
			kept = append(kept, m)
		}
	}
	r.st.messages = kept
	return nil
}
