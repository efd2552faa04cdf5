package app

import (
	"context"
	"errors"
	"strings"
	"time"
	"unicode/utf8"

	"chatapp/pkg/apperr"
	"chatapp/pkg/domain"
	"chatapp/pkg/mailer"
	"chatapp/pkg/store"
)

const (
	minUsernameLength = 6
	minPasswordLength = 8
	// bcrypt rejects longer inputs.
	maxPasswordBytes = 72
)

// AuthResult is returned by register and login.
type AuthResult struct {
	Token string      `json:"token"`
	User  domain.User `json:"user"`
}

// Register validates input, stores a new user and signs a session for it.
func (a *App) Register(ctx context.Context, username, email, password string) (AuthResult, error) {
	username = strings.TrimSpace(username)
	email = normalizeEmail(email)
	if utf8.RuneCountInString(username) < minUsernameLength {
		return AuthResult{}, apperr.Validation("username", "username must be at least 6 characters")
	}
	if !strings.Contains(email, "@") {
		return AuthResult{}, apperr.Validation("email", "must be a valid email")
	}
	if err := validatePassword(password); err != nil {
		return AuthResult{}, err
	}
	hash, err := a.hasher.Hash(password)
	if err != nil {
		return AuthResult{}, apperr.Internal("hash password", err)
	}

	user := domain.User{Username: username, Email: email, PasswordHash: hash}
	err = a.transact(ctx, func(r store.Repos) error {
		if err := r.Users().Create(&user); err != nil {
			if errors.Is(err, store.ErrDuplicate) {
				return ErrUsernameOrEmailTaken
			}
			return err
		}
		return nil
	})
	if err != nil {
		a.audit(ctx, "register", "rejected", "reason", apperr.KindOf(err))
		return AuthResult{}, err
	}
	token, err := a.signer.Sign(user.ID)
	if err != nil {
		return AuthResult{}, apperr.Internal("sign session", err)
	}
	a.audit(ctx, "register", "success", "user_id", user.ID)
	return AuthResult{Token: token, User: user}, nil
}

// Login checks credentials by email. Unknown email and wrong password fail alike.
func (a *App) Login(ctx context.Context, email, password string) (AuthResult, error) {
	email = normalizeEmail(email)
	var user domain.User
	var found bool
	err := a.view(ctx, func(r store.Repos) error {
		var err error
		user, found, err = r.Users().GetByEmail(email)
		return err
	})
	if err != nil {
		return AuthResult{}, err
	}
	if !found || !a.hasher.Verify(password, user.PasswordHash) {
		a.audit(ctx, "login", "rejected", "reason", "invalid_credentials")
		return AuthResult{}, ErrInvalidCredentials
	}
	token, err := a.signer.Sign(user.ID)
	if err != nil {
		return AuthResult{}, apperr.Internal("sign session", err)
	}
	a.audit(ctx, "login", "success", "user_id", user.ID)
	return AuthResult{Token: token, User: user}, nil
}

// RequestPasswordReset stores a fresh single-use token and mails it.
// It reports whether a mail was handed to the mailer; transports must not
// expose that to callers. Every outcome is held to the response floor.
func (a *App) RequestPasswordReset(ctx context.Context, email string) (bool, error) {
	defer a.holdUntil(ctx, a.now().Add(a.resetResponseFloor))
	email = normalizeEmail(email)
	token := a.newToken()
	expiry := a.now().Add(a.resetTokenTTL)
	var user domain.User
	var found bool
	err := a.transact(ctx, func(r store.Repos) error {
		var err error
		user, found, err = r.Users().GetByEmail(email)
		if err != nil || !found {
			return err
		}
		return r.Users().SetResetToken(user.ID, token, expiry)
	})
	if err != nil {
		return false, err
	}
	if !found {
		a.audit(ctx, "password_reset_request", "rejected", "reason", "unknown_email")
		return false, nil
	}

	msg, err := mailResetMessage(a.frontendURL, user.Email, token, a.resetTokenTTL)
	if err == nil {
		err = a.mailer.Send(ctx, msg)
	}
	if err != nil {
		logger(ctx).Warn("reset mail not sent", "user_id", user.ID, "err", err)
		return false, nil
	}
	a.audit(ctx, "password_reset_request", "success", "user_id", user.ID)
	return true, nil
}

// ResetPassword swaps the password if token is live, clearing the token in the
// same write. Sessions issued before the reset stop verifying.
func (a *App) ResetPassword(ctx context.Context, token, newPassword string) (bool, error) {
	token = strings.TrimSpace(token)
	if err := validatePassword(newPassword); err != nil {
		return false, err
	}
	if token == "" {
		return false, nil
	}
	hash, err := a.hasher.Hash(newPassword)
	if err != nil {
		return false, apperr.Internal("hash password", err)
	}
	now := a.now()
	var userID int64
	var ok bool
	err = a.transact(ctx, func(r store.Repos) error {
		var err error
		userID, ok, err = r.Users().ConsumeResetToken(token, hash, now)
		return err
	})
	if err != nil {
		return false, err
	}
	if !ok {
		a.audit(ctx, "password_reset", "rejected", "reason", "invalid_or_expired_token")
		return false, nil
	}
	if err := a.signer.RevokeUser(userID, now); err != nil {
		logger(ctx).Warn("revoke sessions after reset failed", "user_id", userID, "err", err)
	}
	a.audit(ctx, "password_reset", "success", "user_id", userID)
	return true, nil
}

// Me returns the actor's account with friend ids and pending requests.
func (a *App) Me(ctx context.Context, actor int64) (domain.Profile, error) {
	var profile domain.Profile
	err := a.view(ctx, func(r store.Repos) error {
		user, ok, err := r.Users().GetByID(actor)
		if err != nil {
			return err
		}
		if !ok {
			return apperr.NotFound("user not found")
		}
		friends, err := r.Friendships().ListFriendIDs(actor)
		if err != nil {
			return err
		}
		requests, err := r.Requests().ListIncoming(actor)
		if err != nil {
			return err
		}
		profile = domain.Profile{User: user, Friends: friends, Requests: requests}
		return nil
	})
	return profile, err
}

// ListUsers returns the user directory. Only the actor's own email is shown.
func (a *App) ListUsers(ctx context.Context, actor int64) ([]domain.User, error) {
	var users []domain.User
	err := a.view(ctx, func(r store.Repos) error {
		var err error
		users, err = r.Users().List()
		return err
	})
	if err != nil {
		return nil, err
	}
	for i := range users {
		if users[i].ID != actor {
			users[i].Email = ""
		}
	}
	return users, nil
}

func validatePassword(password string) error {
	if utf8.RuneCountInString(password) < minPasswordLength {
		return apperr.Validation("password", "password must be at least 8 characters")
	}
	if len(password) > maxPasswordBytes {
		return apperr.Validation("password", "password must be at most 72 bytes")
	}
	return nil
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

func mailResetMessage(frontendURL, to, token string, ttl time.Duration) (mailer.Message, error) {
	return mailer.ResetMail(frontendURL, to, token, ttl.String())
}
