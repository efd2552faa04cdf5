package app

import (
	"context"
	"encoding/json"
	"strings"

	"chatapp/pkg/apperr"
	"chatapp/pkg/domain"
	"chatapp/pkg/store"
)

// PostMessage stores text in the room and hands it to fan-out. Membership is
// checked before the text and held for the duration of the insert. Fan-out
// failures are logged only.
func (a *App) PostMessage(ctx context.Context, actor, roomID int64, text string) (domain.Message, error) {
	msg := domain.Message{
		FromUser:   actor,
		ChatroomID: roomID,
		Text:       text,
		CreatedAt:  a.now().UTC(),
	}
	err := a.transact(ctx, func(r store.Repos) error {
		member, err := r.Rooms().LockMembership(actor, roomID)
		if err != nil {
			return err
		}
		if !member {
			return ErrNotMember
		}
		if strings.TrimSpace(text) == "" {
			return apperr.Validation("message", "message must not be empty")
		}
		return r.Messages().Create(&msg)
	})
	if err != nil {
		return domain.Message{}, err
	}
	a.publish(ctx, domain.RoomEvent{Type: domain.EventMessage, RoomID: roomID, UserID: actor, Message: &msg})
	return msg, nil
}

// ListRoomMessages returns the room's messages oldest first.
func (a *App) ListRoomMessages(ctx context.Context, actor, roomID int64) ([]domain.Message, error) {
	var messages []domain.Message
	err := a.view(ctx, func(r store.Repos) error {
		member, err := r.Rooms().IsMember(actor, roomID)
		if err != nil {
			return err
		}
		if !member {
			return ErrNotMember
		}
		messages, err = r.Messages().ListByRoom(roomID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return messages, nil
}

// SubscribeRoom streams live room events to a current member until ctx ends
// or cancel is called.
func (a *App) SubscribeRoom(ctx context.Context, actor, roomID int64) (<-chan []byte, func(), error) {
	err := a.view(ctx, func(r store.Repos) error {
		member, err := r.Rooms().IsMember(actor, roomID)
		if err != nil {
			return err
		}
		if !member {
			return ErrNotMember
		}
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	ch, cancel, err := a.subscriber.Subscribe(ctx, domain.RoomTopic(roomID))
	if err != nil {
		return nil, nil, apperr.Internal("subscribe to room", err)
	}
	return ch, cancel, nil
}

// publish delivers at most once. The request context may already be done, so
// the send gets its own deadline.
func (a *App) publish(ctx context.Context, event domain.RoomEvent) {
	payload, err := json.Marshal(event)
	if err != nil {
		logger(ctx).Warn("encode room event failed", "room_id", event.RoomID, "err", err)
		return
	}
	pubCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), a.storageTimeout)
	defer cancel()
	if err := a.publisher.Publish(pubCtx, domain.RoomTopic(event.RoomID), payload); err != nil {
		logger(ctx).Warn("room fan-out failed", "room_id", event.RoomID, "type", event.Type, "err", err)
	}
}
