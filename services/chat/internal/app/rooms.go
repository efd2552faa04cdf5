package app

import (
	"context"
	"fmt"

	"chatapp/pkg/apperr"
	"chatapp/pkg/domain"
	"chatapp/pkg/store"
)

// CreateChatRoom opens a room holding actor and the invitees. It returns false
// when no invitee other than the actor is named.
func (a *App) CreateChatRoom(ctx context.Context, actor int64, memberIDs []int64) (domain.ChatRoom, bool, error) {
	invitees := make([]int64, 0, len(memberIDs))
	seen := map[int64]struct{}{actor: {}}
	for _, id := range memberIDs {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		invitees = append(invitees, id)
	}
	if len(invitees) == 0 {
		return domain.ChatRoom{}, false, nil
	}

	room := domain.ChatRoom{
		Members:   append([]int64{actor}, invitees...),
		CreatedAt: a.now().UTC(),
	}
	err := a.transact(ctx, func(r store.Repos) error {
		known, err := r.Users().CountExisting(invitees)
		if err != nil {
			return err
		}
		if known != len(invitees) {
			return apperr.Validation("memberIds", "unknown user in member list")
		}
		if a.requireFriendsForRooms {
			for _, id := range invitees {
				ok, err := r.Friendships().AreFriends(actor, id)
				if err != nil {
					return err
				}
				if !ok {
					return apperr.Forbidden(fmt.Sprintf("user %d is not your friend", id))
				}
			}
		}
		return r.Rooms().Create(&room)
	})
	if err != nil {
		return domain.ChatRoom{}, false, err
	}
	return room, true, nil
}

func (a *App) ListMyRooms(ctx context.Context, actor int64) ([]domain.ChatRoom, error) {
	var rooms []domain.ChatRoom
	err := a.view(ctx, func(r store.Repos) error {
		var err error
		rooms, err = r.Rooms().ListForUser(actor)
		return err
	})
	return rooms, err
}

// LeaveChatRoom drops actor's membership. A room left with exactly one member
// is dissolved in the same unit of work. The room row lock serializes
// concurrent leaves.
func (a *App) LeaveChatRoom(ctx context.Context, actor, roomID int64) (bool, error) {
	left, dissolved := false, false
	err := a.transact(ctx, func(r store.Repos) error {
		exists, err := r.Rooms().LockRoom(roomID)
		if err != nil || !exists {
			return err
		}
		if left, err = r.Rooms().DeleteMembership(actor, roomID); err != nil {
			return err
		}
		remaining, err := r.Rooms().CountMembers(roomID)
		if err != nil {
			return err
		}
		if remaining != 1 {
			return nil
		}
		// the last membership goes first: it waits on a poster holding that
		// row, so the message sweep below sees whatever they committed
		if err := r.Rooms().Delete(roomID); err != nil {
			return err
		}
		if err := r.Messages().DeleteByRoom(roomID); err != nil {
			return err
		}
		dissolved = true
		return nil
	})
	if err != nil {
		return false, err
	}
	if left {
		a.publish(ctx, domain.RoomEvent{Type: domain.EventMemberLeft, RoomID: roomID, UserID: actor})
	}
	if dissolved {
		a.publish(ctx, domain.RoomEvent{Type: domain.EventRoomDissolved, RoomID: roomID})
	}
	return left, nil
}
