package app

import "chatapp/pkg/apperr"

var (
	// ErrInvalidCredentials is shared by the unknown-email and wrong-password paths.
	ErrInvalidCredentials   = apperr.Auth("credentials do not match")
	ErrUnauthenticated      = apperr.Unauthenticated("not authenticated")
	ErrNotMember            = apperr.Forbidden("not a member of this chat room")
	ErrUsernameOrEmailTaken = apperr.Conflict("username or email already in use")
)
