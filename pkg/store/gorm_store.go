package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"os"
	"sort"
	"strings"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"

	"chatapp/pkg/domain"
)

const migrateLockID int64 = 73217321

// GormStore implements Store using GORM. Postgres is the production dialect;
// sqlite serves local runs and tests.
type GormStore struct {
	db *gorm.DB
}

// Open picks the dialector for driver ("postgres" or "sqlite") and opens the store.
func Open(driver, dsn string) (*GormStore, error) {
	switch strings.ToLower(strings.TrimSpace(driver)) {
	case "", "postgres":
		return NewGormStore(postgres.Open(dsn))
	case "sqlite":
		return NewGormStore(sqlite.Open(dsn))
	default:
		return nil, fmt.Errorf("unsupported database driver %q", driver)
	}
}

// NewGormStore opens the DB and runs auto-migrations.
func NewGormStore(dialector gorm.Dialector) (*GormStore, error) {
	gormLog := gormlogger.New(
		log.New(os.Stdout, "\r\n", log.LstdFlags),
		gormlogger.Config{
			SlowThreshold:             time.Second,
			LogLevel:                  gormlogger.Warn,
			IgnoreRecordNotFoundError: true,
			Colorful:                  false,
		},
	)
	db, err := gorm.Open(dialector, &gorm.Config{
		Logger:         gormLog,
		TranslateError: true,
		NowFunc:        func() time.Time { return time.Now().UTC() },
	})
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if db.Dialector.Name() == "sqlite" {
		// sqlite allows a single writer
		sqlDB, err := db.DB()
		if err != nil {
			return nil, fmt.Errorf("get sql db: %w", err)
		}
		sqlDB.SetMaxOpenConns(1)
	}
	if err := withMigrationLock(db, func(tx *gorm.DB) error {
		if err := tx.AutoMigrate(
			&UserModel{},
			&FriendRequestModel{},
			&FriendshipModel{},
			&ChatRoomModel{},
			&ChatMembershipModel{},
			&MessageModel{},
		); err != nil {
			return fmt.Errorf("auto migrate: %w", err)
		}
		return nil
	}); err != nil {
		return nil, err
	}
	return &GormStore{db: db}, nil
}

func withMigrationLock(db *gorm.DB, fn func(*gorm.DB) error) error {
	if db.Dialector.Name() != "postgres" {
		return fn(db)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	sqlDB, err := db.DB()
	if err != nil {
		return fmt.Errorf("get sql db: %w", err)
	}
	conn, err := sqlDB.Conn(ctx)
	if err != nil {
		return fmt.Errorf("open sql conn: %w", err)
	}
	defer conn.Close()
	if err := execAdvisory(ctx, conn, "SELECT pg_advisory_lock($1)", migrateLockID); err != nil {
		return fmt.Errorf("acquire migrate lock: %w", err)
	}
	defer func() {
		_ = execAdvisory(ctx, conn, "SELECT pg_advisory_unlock($1)", migrateLockID)
	}()
	return fn(db)
}

func execAdvisory(ctx context.Context, conn *sql.Conn, query string, lockID int64) error {
	_, err := conn.ExecContext(ctx, query, lockID)
	return err
}

// Transact runs fn inside a database transaction bound to ctx.
func (s *GormStore) Transact(ctx context.Context, fn func(Repos) error) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(gormRepos{db: tx})
	})
}

// View runs read-only work without opening a transaction.
func (s *GormStore) View(ctx context.Context, fn func(Repos) error) error {
	return fn(gormRepos{db: s.db.WithContext(ctx)})
}

// Ping checks database connectivity.
func (s *GormStore) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// Close releases the underlying connection pool.
func (s *GormStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

type gormRepos struct {
	db *gorm.DB
}

func (r gormRepos) Users() UserRepository             { return gormUsers(r) }
func (r gormRepos) Requests() RequestRepository       { return gormRequests(r) }
func (r gormRepos) Friendships() FriendshipRepository { return gormFriendships(r) }
func (r gormRepos) Rooms() RoomRepository             { return gormRooms(r) }
func (r gormRepos) Messages() MessageRepository       { return gormMessages(r) }

func translate(err error) error {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return fmt.Errorf("%w: %v", ErrDuplicate, err)
	}
	return err
}

type gormUsers struct{ db *gorm.DB }

func (r gormUsers) Create(u *domain.User) error {
	model := userToModel(*u)
	if err := r.db.Create(&model).Error; err != nil {
		return translate(err)
	}
	*u = userFromModel(model)
	return nil
}

func (r gormUsers) GetByID(id int64) (domain.User, bool, error) {
	return r.first("id = ?", id)
}

func (r gormUsers) GetByEmail(email string) (domain.User, bool, error) {
	return r.first("email = ?", email)
}

func (r gormUsers) first(query string, args ...any) (domain.User, bool, error) {
	var model UserModel
	if err := r.db.Where(query, args...).First(&model).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.User{}, false, nil
		}
		return domain.User{}, false, err
	}
	return userFromModel(model), true, nil
}

func (r gormUsers) CountExisting(ids []int64) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	var count int64
	if err := r.db.Model(&UserModel{}).Where("id IN ?", ids).Count(&count).Error; err != nil {
		return 0, err
	}
	return int(count), nil
}

func (r gormUsers) List() ([]domain.User, error) {
	var models []UserModel
	if err := r.db.Order("id ASC").Find(&models).Error; err != nil {
		return nil, err
	}
	res := make([]domain.User, 0, len(models))
	for _, m := range models {
		res = append(res, userFromModel(m))
	}
	return res, nil
}

func (r gormUsers) SetResetToken(id int64, token string, expiry time.Time) error {
	return translate(r.db.Model(&UserModel{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"reset_token":        token,
			"reset_token_expiry": expiry.UTC(),
			"updated_at":         time.Now().UTC(),
		}).Error)
}

func (r gormUsers) ConsumeResetToken(token, passwordHash string, now time.Time) (int64, bool, error) {
	var model UserModel
	err := r.db.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("reset_token = ? AND reset_token_expiry >= ?", token, now.UTC()).
		First(&model).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	res := r.db.Model(&UserModel{}).
		Where("id = ? AND reset_token = ?", model.ID, token).
		Updates(map[string]any{
			"password_hash":      passwordHash,
			"reset_token":        nil,
			"reset_token_expiry": nil,
			"updated_at":         time.Now().UTC(),
		})
	if res.Error != nil {
		return 0, false, res.Error
	}
	return model.ID, res.RowsAffected == 1, nil
}

type gormRequests struct{ db *gorm.DB }

func (r gormRequests) Create(req domain.FriendRequest) error {
	model := FriendRequestModel{
		Token:     req.Token,
		FromUser:  req.FromUser,
		ToUser:    req.ToUser,
		CreatedAt: req.CreatedAt,
	}
	return translate(r.db.Create(&model).Error)
}

func (r gormRequests) Exists(fromUser, toUser int64) (bool, error) {
	var count int64
	if err := r.db.Model(&FriendRequestModel{}).
		Where("from_user = ? AND to_user = ?", fromUser, toUser).
		Count(&count).Error; err != nil {
		return false, err
	}
	return count > 0, nil
}

func (r gormRequests) ListIncoming(toUser int64) ([]domain.FriendRequest, error) {
	var models []FriendRequestModel
	if err := r.db.Where("to_user = ?", toUser).Order("created_at ASC").Find(&models).Error; err != nil {
		return nil, err
	}
	res := make([]domain.FriendRequest, 0, len(models))
	for _, m := range models {
		res = append(res, requestFromModel(m))
	}
	return res, nil
}

func (r gormRequests) LockByToken(token string) (domain.FriendRequest, bool, error) {
	var model FriendRequestModel
	err := r.db.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("token = ?", token).
		First(&model).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return domain.FriendRequest{}, false, nil
	}
	if err != nil {
		return domain.FriendRequest{}, false, err
	}
	return requestFromModel(model), true, nil
}

func (r gormRequests) Delete(token string) (bool, error) {
	res := r.db.Where("token = ?", token).Delete(&FriendRequestModel{})
	return res.RowsAffected > 0, res.Error
}

func (r gormRequests) DeleteForRecipient(token string, toUser int64) (bool, error) {
	res := r.db.Where("token = ? AND to_user = ?", token, toUser).Delete(&FriendRequestModel{})
	return res.RowsAffected > 0, res.Error
}

type gormFriendships struct{ db *gorm.DB }

func (r gormFriendships) CreatePair(a, b int64) error {
	now := time.Now().UTC()
	rows := []FriendshipModel{
		{UserID: a, FriendID: b, CreatedAt: now},
		{UserID: b, FriendID: a, CreatedAt: now},
	}
	return r.db.Clauses(clause.OnConflict{DoNothing: true}).Create(&rows).Error
}

func (r gormFriendships) DeletePair(a, b int64) (int64, error) {
	res := r.db.
		Where("(user_id = ? AND friend_id = ?) OR (user_id = ? AND friend_id = ?)", a, b, b, a).
		Delete(&FriendshipModel{})
	return res.RowsAffected, res.Error
}

func (r gormFriendships) ListFriendIDs(userID int64) ([]int64, error) {
	var ids []int64
	if err := r.db.Model(&FriendshipModel{}).
		Where("user_id = ?", userID).
		Order("friend_id ASC").
		Pluck("friend_id", &ids).Error; err != nil {
		return nil, err
	}
	return ids, nil
}

func (r gormFriendships) AreFriends(a, b int64) (bool, error) {
	var count int64
	if err := r.db.Model(&FriendshipModel{}).
		Where("user_id = ? AND friend_id = ?", a, b).
		Count(&count).Error; err != nil {
		return false, err
	}
	return count > 0, nil
}

type gormRooms struct{ db *gorm.DB }

func (r gormRooms) Create(room *domain.ChatRoom) error {
	model := ChatRoomModel{CreatedAt: room.CreatedAt}
	if err := r.db.Create(&model).Error; err != nil {
		return err
	}
	memberships := make([]ChatMembershipModel, 0, len(room.Members))
	for _, userID := range room.Members {
		memberships = append(memberships, ChatMembershipModel{
			UserID:    userID,
			RoomID:    model.ID,
			CreatedAt: model.CreatedAt,
		})
	}
	if len(memberships) > 0 {
		if err := r.db.Create(&memberships).Error; err != nil {
			return translate(err)
		}
	}
	room.ID = model.ID
	room.CreatedAt = model.CreatedAt
	return nil
}

func (r gormRooms) Get(id int64) (domain.ChatRoom, bool, error) {
	var model ChatRoomModel
	if err := r.db.First(&model, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.ChatRoom{}, false, nil
		}
		return domain.ChatRoom{}, false, err
	}
	rooms, err := r.withMembers([]ChatRoomModel{model})
	if err != nil {
		return domain.ChatRoom{}, false, err
	}
	return rooms[0], true, nil
}

func (r gormRooms) ListForUser(userID int64) ([]domain.ChatRoom, error) {
	var models []ChatRoomModel
	if err := r.db.
		Where("id IN (?)", r.db.Model(&ChatMembershipModel{}).Select("room_id").Where("user_id = ?", userID)).
		Order("created_at ASC").
		Order("id ASC").
		Find(&models).Error; err != nil {
		return nil, err
	}
	return r.withMembers(models)
}

func (r gormRooms) withMembers(models []ChatRoomModel) ([]domain.ChatRoom, error) {
	rooms := make([]domain.ChatRoom, 0, len(models))
	if len(models) == 0 {
		return rooms, nil
	}
	ids := make([]int64, 0, len(models))
	for _, m := range models {
		ids = append(ids, m.ID)
	}
	var memberships []ChatMembershipModel
	if err := r.db.Where("room_id IN ?", ids).Find(&memberships).Error; err != nil {
		return nil, err
	}
	members := make(map[int64][]int64, len(models))
	for _, m := range memberships {
		members[m.RoomID] = append(members[m.RoomID], m.UserID)
	}
	for _, m := range models {
		memberIDs := members[m.ID]
		sort.Slice(memberIDs, func(i, j int) bool { return memberIDs[i] < memberIDs[j] })
		rooms = append(rooms, domain.ChatRoom{ID: m.ID, Members: memberIDs, CreatedAt: m.CreatedAt})
	}
	return rooms, nil
}

func (r gormRooms) LockRoom(id int64) (bool, error) {
	var model ChatRoomModel
	err := r.db.Clauses(clause.Locking{Strength: "UPDATE"}).First(&model, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return false, nil
	}
	return err == nil, err
}

func (r gormRooms) IsMember(userID, roomID int64) (bool, error) {
	var count int64
	err := r.db.Model(&ChatMembershipModel{}).
		Where("user_id = ? AND room_id = ?", userID, roomID).
		Count(&count).Error
	return count > 0, err
}

func (r gormRooms) LockMembership(userID, roomID int64) (bool, error) {
	var model ChatMembershipModel
	err := r.db.Clauses(clause.Locking{Strength: "SHARE"}).
		Where("user_id = ? AND room_id = ?", userID, roomID).
		First(&model).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return false, nil
	}
	return err == nil, err
}

func (r gormRooms) DeleteMembership(userID, roomID int64) (bool, error) {
	res := r.db.Where("user_id = ? AND room_id = ?", userID, roomID).Delete(&ChatMembershipModel{})
	return res.RowsAffected > 0, res.Error
}

func (r gormRooms) CountMembers(roomID int64) (int64, error) {
	var count int64
	err := r.db.Model(&ChatMembershipModel{}).Where("room_id = ?", roomID).Count(&count).Error
	return count, err
}

func (r gormRooms) Delete(roomID int64) error {
	if err := r.db.Where("room_id = ?", roomID).Delete(&ChatMembershipModel{}).Error; err != nil {
		return err
	}
	return r.db.Delete(&ChatRoomModel{}, "id = ?", roomID).Error
}

type gormMessages struct{ db *gorm.DB }

func (r gormMessages) Create(m *domain.Message) error {
	model := MessageModel{
		FromUser:   m.FromUser,
		ChatroomID: m.ChatroomID,
		Text:       m.Text,
		CreatedAt:  m.CreatedAt,
	}
	if err := r.db.Create(&model).Error; err != nil {
		return err
	}
	*m = messageFromModel(model)
	return nil
}

func (r gormMessages) ListByRoom(roomID int64) ([]domain.Message, error) {
	var models []MessageModel
	if err := r.db.Where("chatroom_id = ?", roomID).
		Order("created_at ASC").
		Order("id ASC").
		Find(&models).Error; err != nil {
		return nil, err
	}
	res := make([]domain.Message, 0, len(models))
	for _, m := range models {
		res = append(res, messageFromModel(m))
	}
	return res, nil
}

func (r gormMessages) DeleteByRoom(roomID int64) error {
	return r.db.Where("chatroom_id = ?", roomID).Delete(&MessageModel{}).Error
}

func userToModel(u domain.User) UserModel {
	var token *string
	if u.ResetToken != "" {
		t := u.ResetToken
		token = &t
	}
	return UserModel{
		ID:               u.ID,
		Username:         u.Username,
		Email:            u.Email,
		PasswordHash:     u.PasswordHash,
		ResetToken:       token,
		ResetTokenExpiry: u.ResetTokenExpiry,
		CreatedAt:        u.CreatedAt,
		UpdatedAt:        u.UpdatedAt,
	}
}

func userFromModel(m UserModel) domain.User {
	u := domain.User{
		ID:               m.ID,
		Username:         m.Username,
		Email:            m.Email,
		PasswordHash:     m.PasswordHash,
		ResetTokenExpiry: m.ResetTokenExpiry,
		CreatedAt:        m.CreatedAt,
		UpdatedAt:        m.UpdatedAt,
	}
	if m.ResetToken != nil {
		u.ResetToken = *m.ResetToken
	}
	return u
}

func requestFromModel(m FriendRequestModel) domain.FriendRequest {
	return domain.FriendRequest{
		Token:     m.Token,
		FromUser:  m.FromUser,
		ToUser:    m.ToUser,
		CreatedAt: m.CreatedAt,
	}
}

func messageFromModel(m MessageModel) domain.Message {
	return domain.Message{
		ID:         m.ID,
		FromUser:   m.FromUser,
		ChatroomID: m.ChatroomID,
		Text:       m.Text,
		CreatedAt:  m.CreatedAt,
	}
}
