package server

import (
	"context"

	"chatapp/pkg/domain"
)

// operationInput is the union of every operation's request fields.
type operationInput struct {
	Username    string  `json:"username"`
	Email       string  `json:"email"`
	Password    string  `json:"password"`
	Token       string  `json:"token"`
	NewPassword string  `json:"newPassword"`
	UserID      int64   `json:"userId"`
	RoomID      int64   `json:"roomId"`
	MemberIDs   []int64 `json:"memberIds"`
	Message     string  `json:"message"`
}

// call carries the resolved actor (zero for anonymous operations) and input.
type call struct {
	actor int64
	token string
	in    operationInput
}

type operation struct {
	Name      string   `json:"name"`
	Route     string   `json:"route"`
	Anonymous bool     `json:"anonymous"`
	Fields    []string `json:"fields"`
	handle    func(context.Context, call) (any, error)
}

type okResponse struct {
	OK bool `json:"ok"`
}

type roomResponse struct {
	OK   bool             `json:"ok"`
	Room *domain.ChatRoom `json:"room,omitempty"`
}

func nonNil[T any](items []T) []T {
	if items == nil {
		return []T{}
	}
	return items
}

func newOperation(name string, anonymous bool, fields []string, handle func(context.Context, call) (any, error)) operation {
	if fields == nil {
		fields = []string{}
	}
	return operation{Name: name, Route: "/api/" + name, Anonymous: anonymous, Fields: fields, handle: handle}
}

func (s *Server) operationTable() []operation {
	a := s.app
	return []operation{
		newOperation("register", true, []string{"username", "email", "password"}, func(ctx context.Context, c call) (any, error) {
			return a.Register(ctx, c.in.Username, c.in.Email, c.in.Password)
		}),
		newOperation("login", true, []string{"email", "password"}, func(ctx context.Context, c call) (any, error) {
			return a.Login(ctx, c.in.Email, c.in.Password)
		}),
		newOperation("requestPasswordReset", true, []string{"email"}, func(ctx context.Context, c call) (any, error) {
			// same answer whether or not the address is registered
			if _, err := a.RequestPasswordReset(ctx, c.in.Email); err != nil {
				return nil, err
			}
			return okResponse{OK: true}, nil
		}),
		newOperation("resetPassword", true, []string{"token", "newPassword"}, func(ctx context.Context, c call) (any, error) {
			ok, err := a.ResetPassword(ctx, c.in.Token, c.in.NewPassword)
			if err != nil {
				return nil, err
			}
			return okResponse{OK: ok}, nil
		}),
		newOperation("logout", false, nil, func(ctx context.Context, c call) (any, error) {
			if err := a.Logout(ctx, c.token); err != nil {
				return nil, err
			}
			return okResponse{OK: true}, nil
		}),
		newOperation("me", false, nil, func(ctx context.Context, c call) (any, error) {
			profile, err := a.Me(ctx, c.actor)
			if err != nil {
				return nil, err
			}
			profile.Friends = nonNil(profile.Friends)
			profile.Requests = nonNil(profile.Requests)
			return profile, nil
		}),
		newOperation("listUsers", false, nil, func(ctx context.Context, c call) (any, error) {
			users, err := a.ListUsers(ctx, c.actor)
			if err != nil {
				return nil, err
			}
			return map[string]any{"users": nonNil(users)}, nil
		}),
		newOperation("sendFriendRequest", false, []string{"userId"}, func(ctx context.Context, c call) (any, error) {
			ok, err := a.SendFriendRequest(ctx, c.actor, c.in.UserID)
			if err != nil {
				return nil, err
			}
			return okResponse{OK: ok}, nil
		}),
		newOperation("listIncomingRequests", false, nil, func(ctx context.Context, c call) (any, error) {
			requests, err := a.ListIncomingRequests(ctx, c.actor)
			if err != nil {
				return nil, err
			}
			return map[string]any{"requests": nonNil(requests)}, nil
		}),
		newOperation("acceptFriendRequest", false, []string{"token"}, func(ctx context.Context, c call) (any, error) {
			ok, err := a.AcceptFriendRequest(ctx, c.actor, c.in.Token)
			if err != nil {
				return nil, err
			}
			return okResponse{OK: ok}, nil
		}),
		newOperation("deleteFriendRequest", false, []string{"token"}, func(ctx context.Context, c call) (any, error) {
			ok, err := a.DeleteFriendRequest(ctx, c.in.Token, c.actor)
			if err != nil {
				return nil, err
			}
			return okResponse{OK: ok}, nil
		}),
		newOperation("removeFriend", false, []string{"userId"}, func(ctx context.Context, c call) (any, error) {
			ok, err := a.RemoveFriend(ctx, c.actor, c.in.UserID)
			if err != nil {
				return nil, err
			}
			return okResponse{OK: ok}, nil
		}),
		newOperation("listFriends", false, nil, func(ctx context.Context, c call) (any, error) {
			ids, err := a.ListFriends(ctx, c.actor)
			if err != nil {
				return nil, err
			}
			return map[string]any{"friends": nonNil(ids)}, nil
		}),
		newOperation("listMutualFriends", false, []string{"userId"}, func(ctx context.Context, c call) (any, error) {
			ids, err := a.ListMutualFriends(ctx, c.actor, c.in.UserID)
			if err != nil {
				return nil, err
			}
			return map[string]any{"friends": nonNil(ids)}, nil
		}),
		newOperation("createChatRoom", false, []string{"memberIds"}, func(ctx context.Context, c call) (any, error) {
			room, ok, err := a.CreateChatRoom(ctx, c.actor, c.in.MemberIDs)
			if err != nil {
				return nil, err
			}
			if !ok {
				return roomResponse{}, nil
			}
			return roomResponse{OK: true, Room: &room}, nil
		}),
		newOperation("listMyRooms", false, nil, func(ctx context.Context, c call) (any, error) {
			rooms, err := a.ListMyRooms(ctx, c.actor)
			if err != nil {
				return nil, err
			}
			return map[string]any{"rooms": nonNil(rooms)}, nil
		}),
		newOperation("leaveChatRoom", false, []string{"roomId"}, func(ctx context.Context, c call) (any, error) {
			ok, err := a.LeaveChatRoom(ctx, c.actor, c.in.RoomID)
			if err != nil {
				return nil, err
			}
			return okResponse{OK: ok}, nil
		}),
		newOperation("postMessage", false, []string{"roomId", "message"}, func(ctx context.Context, c call) (any, error) {
			return a.PostMessage(ctx, c.actor, c.in.RoomID, c.in.Message)
		}),
		newOperation("listRoomMessages", false, []string{"roomId"}, func(ctx context.Context, c call) (any, error) {
			messages, err := a.ListRoomMessages(ctx, c.actor, c.in.RoomID)
			if err != nil {
				return nil, err
			}
			return map[string]any{"messages": nonNil(messages)}, nil
		}),
	}
}
