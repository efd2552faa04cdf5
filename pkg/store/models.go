package store

import "time"

// GORM models used for persistence.
type UserModel struct {
	ID               int64   `gorm:"primaryKey;autoIncrement"`
	Username         string  `gorm:"uniqueIndex;not null"`
	Email            string  `gorm:"uniqueIndex;not null"`
	PasswordHash     string  `gorm:"not null"`
	ResetToken       *string `gorm:"uniqueIndex"`
	ResetTokenExpiry *time.Time
	CreatedAt        time.Time `gorm:"not null"`
	UpdatedAt        time.Time
}

func (UserModel) TableName() string { return "users" }

type FriendRequestModel struct {
	Token     string    `gorm:"primaryKey"`
	FromUser  int64     `gorm:"not null;uniqueIndex:idx_friend_request_pair"`
	ToUser    int64     `gorm:"not null;uniqueIndex:idx_friend_request_pair;index"`
	CreatedAt time.Time `gorm:"not null"`
}

func (FriendRequestModel) TableName() string { return "friend_requests" }

type FriendshipModel struct {
	UserID    int64     `gorm:"primaryKey;autoIncrement:false"`
	FriendID  int64     `gorm:"primaryKey;autoIncrement:false;index"`
	CreatedAt time.Time `gorm:"not null"`
}

func (FriendshipModel) TableName() string { return "friendships" }

type ChatRoomModel struct {
	ID        int64     `gorm:"primaryKey;autoIncrement"`
	CreatedAt time.Time `gorm:"not null"`
}

func (ChatRoomModel) TableName() string { return "chat_rooms" }

type ChatMembershipModel struct {
	UserID    int64     `gorm:"primaryKey;autoIncrement:false"`
	RoomID    int64     `gorm:"primaryKey;autoIncrement:false;index"`
	CreatedAt time.Time `gorm:"not null"`
}

func (ChatMembershipModel) TableName() string { return "chat_memberships" }

type MessageModel struct {
	ID         int64     `gorm:"primaryKey;autoIncrement"`
	FromUser   int64     `gorm:"not null"`
	ChatroomID int64     `gorm:"not null;index"`
	Text       string    `gorm:"type:text;not null"`
	CreatedAt  time.Time `gorm:"not null;index"`
}

func (MessageModel) TableName() string { return "messages" }
