package app

import (
	"context"
	"errors"
	"strings"

	"chatapp/pkg/domain"
	"chatapp/pkg/store"
)

// SendFriendRequest records actor -> target. It returns false when the target
// is unknown, is the actor, or already has a request from the actor.
func (a *App) SendFriendRequest(ctx context.Context, actor, target int64) (bool, error) {
	if actor == target {
		return false, nil
	}
	created := false
	err := a.transact(ctx, func(r store.Repos) error {
		if _, ok, err := r.Users().GetByID(target); err != nil || !ok {
			return err
		}
		exists, err := r.Requests().Exists(actor, target)
		if err != nil || exists {
			return err
		}
		// a concurrent duplicate still fails here and aborts the unit of work
		err = r.Requests().Create(domain.FriendRequest{
			Token:     a.newToken(),
			FromUser:  actor,
			ToUser:    target,
			CreatedAt: a.now().UTC(),
		})
		created = err == nil
		return err
	})
	if errors.Is(err, store.ErrDuplicate) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return created, nil
}

func (a *App) ListIncomingRequests(ctx context.Context, actor int64) ([]domain.FriendRequest, error) {
	var requests []domain.FriendRequest
	err := a.view(ctx, func(r store.Repos) error {
		var err error
		requests, err = r.Requests().ListIncoming(actor)
		return err
	})
	return requests, err
}

// AcceptFriendRequest consumes the request named by token and pairs actor with
// its sender. The token alone authorizes the accept.
func (a *App) AcceptFriendRequest(ctx context.Context, actor int64, token string) (bool, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return false, nil
	}
	accepted := false
	err := a.transact(ctx, func(r store.Repos) error {
		req, ok, err := r.Requests().LockByToken(token)
		if err != nil || !ok {
			return err
		}
		if req.FromUser == actor {
			return nil
		}
		if err := r.Friendships().CreatePair(actor, req.FromUser); err != nil {
			return err
		}
		accepted, err = r.Requests().Delete(token)
		return err
	})
	if err != nil {
		return false, err
	}
	return accepted, nil
}

// DeleteFriendRequest dismisses a request. Only its recipient may do so.
func (a *App) DeleteFriendRequest(ctx context.Context, token string, actor int64) (bool, error) {
	deleted := false
	err := a.transact(ctx, func(r store.Repos) error {
		var err error
		deleted, err = r.Requests().DeleteForRecipient(strings.TrimSpace(token), actor)
		return err
	})
	if err != nil {
		return false, err
	}
	return deleted, nil
}

// RemoveFriend deletes both edges and reports true only if both existed.
// A lone half edge is removed too, but reported as false.
func (a *App) RemoveFriend(ctx context.Context, actor, other int64) (bool, error) {
	var removed int64
	err := a.transact(ctx, func(r store.Repos) error {
		var err error
		removed, err = r.Friendships().DeletePair(actor, other)
		return err
	})
	if err != nil {
		return false, err
	}
	if removed == 1 {
		logger(ctx).Warn("asymmetric friendship removed", "user_id", actor, "other_id", other)
	}
	return removed == 2, nil
}

func (a *App) ListFriends(ctx context.Context, actor int64) ([]int64, error) {
	var ids []int64
	err := a.view(ctx, func(r store.Repos) error {
		var err error
		ids, err = r.Friendships().ListFriendIDs(actor)
		return err
	})
	return ids, err
}

// ListMutualFriends intersects the friend sets of actor and other.
func (a *App) ListMutualFriends(ctx context.Context, actor, other int64) ([]int64, error) {
	var mine, theirs []int64
	err := a.view(ctx, func(r store.Repos) error {
		var err error
		if mine, err = r.Friendships().ListFriendIDs(actor); err != nil {
			return err
		}
		theirs, err = r.Friendships().ListFriendIDs(other)
		return err
	})
	if err != nil {
		return nil, err
	}
	set := make(map[int64]struct{}, len(theirs))
	for _, id := range theirs {
		set[id] = struct{}{}
	}
	mutual := make([]int64, 0)
	for _, id := range mine {
		if _, ok := set[id]; ok {
			mutual = append(mutual, id)
			delete(set, id)
		}
	}
	return mutual, nil
}
