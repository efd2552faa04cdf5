package app

import (
	"context"
	"strings"

	"chatapp/pkg/apperr"
)

// Authenticate resolves a bearer credential to the actor's user id.
func (a *App) Authenticate(ctx context.Context, token string) (int64, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return 0, ErrUnauthenticated
	}
	userID, err := a.signer.Verify(token)
	if err != nil {
		logger(ctx).Debug("credential rejected", "err", err)
		return 0, &apperr.Error{Kind: ErrUnauthenticated.Kind, Message: ErrUnauthenticated.Message, Cause: err}
	}
	return userID, nil
}

// Logout revokes the credential until it would have expired.
func (a *App) Logout(ctx context.Context, token string) error {
	if err := a.signer.Revoke(strings.TrimSpace(token)); err != nil {
		return apperr.Internal("revoke session", err)
	}
	a.audit(ctx, "logout", "success")
	return nil
}
