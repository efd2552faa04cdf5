package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"chatapp/internal/util"
	"chatapp/pkg/apperr"
	"chatapp/pkg/auth"
	"chatapp/pkg/fanout"
	"chatapp/pkg/mailer"
	"chatapp/pkg/store"
)

const (
	defaultStorageTimeout = 5 * time.Second
	defaultResetTokenTTL  = time.Hour
)

// Signer issues and checks session credentials.
type Signer interface {
	Sign(userID int64) (string, error)
	Verify(token string) (int64, error)
	Revoke(token string) error
	// RevokeUser invalidates every credential issued to userID before since.
	RevokeUser(userID int64, since time.Time) error
}

// Config holds runtime configuration for the core application.
type Config struct {
	Store      store.Store
	Signer     Signer
	Hasher     auth.Hasher
	Mailer     mailer.Mailer
	Publisher  fanout.Publisher
	Subscriber fanout.Subscriber

	StorageTimeout         time.Duration
	ResetTokenTTL          time.Duration
	// ResetResponseFloor is the minimum time RequestPasswordReset takes, so
	// known and unknown addresses answer alike. Zero disables it.
	ResetResponseFloor     time.Duration
	FrontendURL            string
	RequireFriendsForRooms bool

	Now      func() time.Time
	NewToken func() string
}

// App is the core application service: identity, friends, rooms and messages.
type App struct {
	store      store.Store
	signer     Signer
	hasher     auth.Hasher
	mailer     mailer.Mailer
	publisher  fanout.Publisher
	subscriber fanout.Subscriber

	storageTimeout         time.Duration
	resetTokenTTL          time.Duration
	resetResponseFloor     time.Duration
	frontendURL            string
	requireFriendsForRooms bool

	now      func() time.Time
	newToken func() string
	sleep    func(context.Context, time.Duration)
}

// New validates cfg and fills defaults.
func New(cfg Config) (*App, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("store required")
	}
	if cfg.Signer == nil {
		return nil, fmt.Errorf("signer required")
	}
	hasher := cfg.Hasher
	if hasher == nil {
		hasher = auth.NewBcryptHasher(auth.DefaultCost)
	}
	mail := cfg.Mailer
	if mail == nil {
		mail = mailer.LogMailer{}
	}
	publisher := cfg.Publisher
	subscriber := cfg.Subscriber
	if publisher == nil || subscriber == nil {
		local := fanout.NewLocalBroker()
		if publisher == nil {
			publisher = local
		}
		if subscriber == nil {
			subscriber = local
		}
	}
	storageTimeout := cfg.StorageTimeout
	if storageTimeout <= 0 {
		storageTimeout = defaultStorageTimeout
	}
	resetTTL := cfg.ResetTokenTTL
	if resetTTL <= 0 {
		resetTTL = defaultResetTokenTTL
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	newToken := cfg.NewToken
	if newToken == nil {
		newToken = uuid.NewString
	}
	return &App{
		store:                  cfg.Store,
		signer:                 cfg.Signer,
		hasher:                 hasher,
		mailer:                 mail,
		publisher:              publisher,
		subscriber:             subscriber,
		storageTimeout:         storageTimeout,
		resetTokenTTL:          resetTTL,
		resetResponseFloor:     cfg.ResetResponseFloor,
		frontendURL:            cfg.FrontendURL,
		requireFriendsForRooms: cfg.RequireFriendsForRooms,
		now:                    now,
		newToken:               newToken,
		sleep:                  sleepContext,
	}, nil
}

// holdUntil blocks until deadline or until ctx ends.
func (a *App) holdUntil(ctx context.Context, deadline time.Time) {
	if d := deadline.Sub(a.now()); d > 0 {
		a.sleep(ctx, d)
	}
}

func sleepContext(ctx context.Context, d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}

// transact runs fn as one unit of work bounded by the storage timeout.
func (a *App) transact(ctx context.Context, fn func(store.Repos) error) error {
	ctx, cancel := context.WithTimeout(ctx, a.storageTimeout)
	defer cancel()
	return storageError(ctx, a.store.Transact(ctx, fn))
}

func (a *App) view(ctx context.Context, fn func(store.Repos) error) error {
	ctx, cancel := context.WithTimeout(ctx, a.storageTimeout)
	defer cancel()
	return storageError(ctx, a.store.View(ctx, fn))
}

// storageError passes typed errors through and classifies everything else.
func storageError(ctx context.Context, err error) error {
	if err == nil {
		return nil
	}
	if _, ok := apperr.As(err); ok {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return apperr.Timeout(err)
	}
	return apperr.Internal("storage failure", err)
}

func (a *App) audit(ctx context.Context, event, outcome string, attrs ...any) {
	logAttrs := append([]any{"event", event, "outcome", outcome}, attrs...)
	logger := util.LoggerFromContext(ctx)
	if outcome == "success" {
		logger.Info("security_event", logAttrs...)
		return
	}
	logger.Warn("security_event", logAttrs...)
}

func logger(ctx context.Context) *slog.Logger {
	return util.LoggerFromContext(ctx)
}
