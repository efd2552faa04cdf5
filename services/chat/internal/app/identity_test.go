package app

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"chatapp/pkg/apperr"
)

func TestRegisterThenLogin(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	reg, err := env.app.Register(ctx, "alice1", "a@x.com", "password1")
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if reg.Token == "" || reg.User.ID == 0 {
		t.Fatalf("unexpected register result: %+v", reg)
	}
	if reg.User.PasswordHash == "password1" {
		t.Fatalf("password stored in clear")
	}

	login, err := env.app.Login(ctx, "a@x.com", "password1")
	if err != nil {
		t.Fatalf("login: %v", err)
	}
	if login.User.ID != reg.User.ID || login.Token == "" {
		t.Fatalf("unexpected login result: %+v", login)
	}
	actor, err := env.app.Authenticate(ctx, login.Token)
	if err != nil || actor != reg.User.ID {
		t.Fatalf("authenticate: actor=%d err=%v", actor, err)
	}
}

func TestRegisterValidation(t *testing.T) {
	env := newTestEnv(t, nil)
	cases := []struct {
		username, email, password, field string
	}{
		{"alice", "a@x.com", "password1", "username"},
		{"alice1", "ax.com", "password1", "email"},
		{"alice1", "a@x.com", "short", "password"},
	}
	for _, tc := range cases {
		_, err := env.app.Register(context.Background(), tc.username, tc.email, tc.password)
		appErr, ok := apperr.As(err)
		if !ok || appErr.Kind != apperr.KindValidation || appErr.Field != tc.field {
			t.Fatalf("expected validation error on %s, got %v", tc.field, err)
		}
	}
}

func TestRegisterDuplicateIsConflict(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	if _, err := env.app.Register(ctx, "alice1", "a@x.com", "password1"); err != nil {
		t.Fatalf("register: %v", err)
	}
	_, err := env.app.Register(ctx, "alice1", "other@x.com", "password1")
	if !errors.Is(err, ErrUsernameOrEmailTaken) {
		t.Fatalf("expected conflict on username, got %v", err)
	}
	_, err = env.app.Register(ctx, "alice22", "A@X.com", "password1")
	if apperr.KindOf(err) != apperr.KindConflict {
		t.Fatalf("expected conflict on email, got %v", err)
	}
}

func TestConcurrentRegistrationsResolveToOneWinner(t *testing.T) {
	env := newTestEnv(t, nil)
	const callers = 8
	var wg sync.WaitGroup
	errs := make(chan error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := env.app.Register(context.Background(), "racer1", "race@x.com", "password1")
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	wins := 0
	for err := range errs {
		switch {
		case err == nil:
			wins++
		case !errors.Is(err, ErrUsernameOrEmailTaken):
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if wins != 1 {
		t.Fatalf("expected exactly one registration, got %d", wins)
	}
}

func TestLoginFailuresShareOneMessage(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	env.register(t, "alice1")

	_, errUnknown := env.app.Login(ctx, "nobody@example.com", "password1")
	_, errWrong := env.app.Login(ctx, "alice1@example.com", "password2")
	if !errors.Is(errUnknown, ErrInvalidCredentials) || !errors.Is(errWrong, ErrInvalidCredentials) {
		t.Fatalf("expected invalid credentials, got %v / %v", errUnknown, errWrong)
	}
	if errUnknown.Error() != errWrong.Error() {
		t.Fatalf("messages differ: %q vs %q", errUnknown, errWrong)
	}
}

func TestPasswordResetIsSingleUse(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	env.register(t, "alice1")

	sent, err := env.app.RequestPasswordReset(ctx, "alice1@example.com")
	if err != nil || !sent {
		t.Fatalf("request reset: sent=%v err=%v", sent, err)
	}
	token := env.mailer.lastToken(t)
	if env.mailer.sent[0].To != "alice1@example.com" {
		t.Fatalf("mail sent to %q", env.mailer.sent[0].To)
	}

	ok, err := env.app.ResetPassword(ctx, token, "newpassword")
	if err != nil || !ok {
		t.Fatalf("reset: ok=%v err=%v", ok, err)
	}
	ok, err = env.app.ResetPassword(ctx, token, "another-password")
	if err != nil || ok {
		t.Fatalf("second reset should fail: ok=%v err=%v", ok, err)
	}

	if _, err := env.app.Login(ctx, "alice1@example.com", "password1"); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("old password still accepted: %v", err)
	}
	res, err := env.app.Login(ctx, "alice1@example.com", "newpassword")
	if err != nil {
		t.Fatalf("login with new password: %v", err)
	}
	if _, err := env.app.Authenticate(ctx, res.Token); err != nil {
		t.Fatalf("session issued after reset rejected: %v", err)
	}
}

func TestPasswordResetWindow(t *testing.T) {
	now := time.Now()
	env := newTestEnv(t, func(cfg *Config) {
		cfg.Now = func() time.Time { return now }
	})
	ctx := context.Background()
	env.register(t, "alice1")

	if _, err := env.app.RequestPasswordReset(ctx, "alice1@example.com"); err != nil {
		t.Fatalf("request reset: %v", err)
	}
	token := env.mailer.lastToken(t)

	now = now.Add(time.Hour + time.Minute)
	ok, err := env.app.ResetPassword(ctx, token, "newpassword")
	if err != nil || ok {
		t.Fatalf("expired token accepted: ok=%v err=%v", ok, err)
	}

	if _, err := env.app.RequestPasswordReset(ctx, "alice1@example.com"); err != nil {
		t.Fatalf("request reset: %v", err)
	}
	token = env.mailer.lastToken(t)
	now = now.Add(59 * time.Minute)
	ok, err = env.app.ResetPassword(ctx, token, "newpassword")
	if err != nil || !ok {
		t.Fatalf("token inside window rejected: ok=%v err=%v", ok, err)
	}
}

func TestResetPasswordValidatesNewPassword(t *testing.T) {
	env := newTestEnv(t, nil)
	_, err := env.app.ResetPassword(context.Background(), "whatever", "short")
	appErr, ok := apperr.As(err)
	if !ok || appErr.Field != "password" {
		t.Fatalf("expected password validation, got %v", err)
	}
	ok2, err := env.app.ResetPassword(context.Background(), "no-such-token", "longenough")
	if err != nil || ok2 {
		t.Fatalf("unknown token: ok=%v err=%v", ok2, err)
	}
}

func TestRequestPasswordResetUnknownEmailSendsNothing(t *testing.T) {
	env := newTestEnv(t, nil)
	sent, err := env.app.RequestPasswordReset(context.Background(), "ghost@example.com")
	if err != nil || sent {
		t.Fatalf("unexpected: sent=%v err=%v", sent, err)
	}
	if len(env.mailer.sent) != 0 {
		t.Fatalf("mail sent for unknown email")
	}
}

func TestRequestPasswordResetMailFailureIsNotFatal(t *testing.T) {
	env := newTestEnv(t, nil)
	env.register(t, "alice1")
	env.mailer.err = errors.New("smtp down")
	sent, err := env.app.RequestPasswordReset(context.Background(), "alice1@example.com")
	if err != nil || sent {
		t.Fatalf("unexpected: sent=%v err=%v", sent, err)
	}
}

func TestRequestPasswordResetHoldsResponseFloor(t *testing.T) {
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	env := newTestEnv(t, func(cfg *Config) {
		cfg.ResetResponseFloor = 750 * time.Millisecond
		cfg.Now = func() time.Time { return now }
	})
	env.register(t, "alice1")
	var waits []time.Duration
	env.app.sleep = func(_ context.Context, d time.Duration) { waits = append(waits, d) }

	ctx := context.Background()
	for _, email := range []string{"alice1@example.com", "ghost@example.com"} {
		if _, err := env.app.RequestPasswordReset(ctx, email); err != nil {
			t.Fatalf("%s: %v", email, err)
		}
	}
	env.mailer.err = errors.New("smtp down")
	if _, err := env.app.RequestPasswordReset(ctx, "alice1@example.com"); err != nil {
		t.Fatalf("mail failure: %v", err)
	}
	if len(waits) != 3 {
		t.Fatalf("expected every outcome to wait, got %v", waits)
	}
	for _, d := range waits {
		if d != 750*time.Millisecond {
			t.Fatalf("unexpected wait %s", d)
		}
	}
}

func TestRequestPasswordResetFloorCountsElapsedTime(t *testing.T) {
	start := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	calls := 0
	env := newTestEnv(t, func(cfg *Config) {
		cfg.ResetResponseFloor = time.Second
		// each clock read advances 400ms
		cfg.Now = func() time.Time {
			calls++
			return start.Add(time.Duration(calls) * 400 * time.Millisecond)
		}
	})
	var waits []time.Duration
	env.app.sleep = func(_ context.Context, d time.Duration) { waits = append(waits, d) }
	if _, err := env.app.RequestPasswordReset(context.Background(), "ghost@example.com"); err != nil {
		t.Fatalf("reset: %v", err)
	}
	if len(waits) != 1 || waits[0] <= 0 || waits[0] >= time.Second {
		t.Fatalf("expected a partial wait, got %v", waits)
	}
}

func TestSleepContextStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	start := time.Now()
	sleepContext(ctx, time.Minute)
	if time.Since(start) > time.Second {
		t.Fatalf("sleep ignored cancelled context")
	}
}

func TestAuthenticateRejectsBadCredentials(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	for _, token := range []string{"", "   ", "not-a-jwt"} {
		if _, err := env.app.Authenticate(ctx, token); !errors.Is(err, ErrUnauthenticated) {
			t.Fatalf("token %q: expected unauthenticated, got %v", token, err)
		}
	}
}

func TestLogoutRevokesCredential(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	res, err := env.app.Register(ctx, "alice1", "a@x.com", "password1")
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := env.app.Logout(ctx, res.Token); err != nil {
		t.Fatalf("logout: %v", err)
	}
	if _, err := env.app.Authenticate(ctx, res.Token); !errors.Is(err, ErrUnauthenticated) {
		t.Fatalf("expected revoked token to fail, got %v", err)
	}
}

func TestMeAndListUsers(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	alice := env.register(t, "alice1")
	bob := env.register(t, "bobby1")
	if _, err := env.app.SendFriendRequest(ctx, bob, alice); err != nil {
		t.Fatalf("send: %v", err)
	}

	profile, err := env.app.Me(ctx, alice)
	if err != nil {
		t.Fatalf("me: %v", err)
	}
	if profile.User.ID != alice || len(profile.Requests) != 1 || profile.Requests[0].FromUser != bob {
		t.Fatalf("unexpected profile: %+v", profile)
	}
	if _, err := env.app.Me(ctx, 999); apperr.KindOf(err) != apperr.KindNotFound {
		t.Fatalf("expected not found, got %v", err)
	}

	users, err := env.app.ListUsers(ctx, alice)
	if err != nil || len(users) != 2 {
		t.Fatalf("list users: %v %v", users, err)
	}
	for _, u := range users {
		if u.ID == alice && u.Email == "" {
			t.Fatalf("own email hidden")
		}
		if u.ID == bob && u.Email != "" {
			t.Fatalf("other email exposed: %q", u.Email)
		}
	}
}
