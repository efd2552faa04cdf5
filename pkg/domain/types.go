package domain

import (
	"strconv"
	"time"
)

// User is a registered account. Credential and reset fields never leave the server.
type User struct {
	ID               int64      `json:"id"`
	Username         string     `json:"username"`
	Email            string     `json:"email,omitempty"`
	PasswordHash     string     `json:"-"`
	ResetToken       string     `json:"-"`
	ResetTokenExpiry *time.Time `json:"-"`
	CreatedAt        time.Time  `json:"createdAt"`
	UpdatedAt        time.Time  `json:"updatedAt"`
}

// FriendRequest is an outstanding request from one user to another.
// Token is the capability used to accept it.
type FriendRequest struct {
	Token     string    `json:"token"`
	FromUser  int64     `json:"fromUser"`
	ToUser    int64     `json:"toUser"`
	CreatedAt time.Time `json:"createdAt"`
}

// Friendship is one directed edge; an undirected friendship is the pair (A,B) + (B,A).
type Friendship struct {
	UserID    int64     `json:"userId"`
	FriendID  int64     `json:"friendId"`
	CreatedAt time.Time `json:"createdAt"`
}

type ChatRoom struct {
	ID        int64     `json:"id"`
	Members   []int64   `json:"members,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

type ChatMembership struct {
	UserID    int64     `json:"userId"`
	RoomID    int64     `json:"roomId"`
	CreatedAt time.Time `json:"createdAt"`
}

type Message struct {
	ID         int64     `json:"id"`
	FromUser   int64     `json:"fromUser"`
	ChatroomID int64     `json:"chatroomId"`
	Text       string    `json:"message"`
	CreatedAt  time.Time `json:"createdAt"`
}

// Profile is the actor's own view of their account.
type Profile struct {
	User     User            `json:"user"`
	Friends  []int64         `json:"friends"`
	Requests []FriendRequest `json:"requests"`
}

const (
	EventMessage       = "message"
	EventMemberLeft    = "member_left"
	EventRoomDissolved = "room_dissolved"
)

// RoomEvent is the payload published on a room topic.
type RoomEvent struct {
	Type    string   `json:"type"`
	RoomID  int64    `json:"roomId"`
	UserID  int64    `json:"userId,omitempty"`
	Message *Message `json:"message,omitempty"`
}

// RoomTopic is the fan-out topic live messages for a room are published on.
func RoomTopic(roomID int64) string {
	return "room:" + strconv.FormatInt(roomID, 10)
}
