package server

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"golang.org/x/crypto/bcrypt"

	"chatapp/internal/security"
	"chatapp/internal/util"
	"chatapp/pkg/apperr"
	"chatapp/pkg/auth"
	"chatapp/pkg/fanout"
	"chatapp/pkg/mailer"
	"chatapp/pkg/session"
	"chatapp/pkg/store"
	"chatapp/services/chat/internal/app"
)

type denyLimiter struct{ keys []string }

func (l *denyLimiter) Allow(_ context.Context, key string) bool {
	l.keys = append(l.keys, key)
	return false
}

type recordingAlerter struct{ events []string }

func (a *recordingAlerter) Observe(_ context.Context, event, outcome, _ string) (security.AlertResult, error) {
	a.events = append(a.events, event+":"+outcome)
	return security.AlertResult{Triggered: true, Count: 1, Threshold: 1}, nil
}

type staticKeys []session.JWK

func (k staticKeys) JWKS() []session.JWK { return k }

type discardMailer struct{}

func (discardMailer) Send(context.Context, mailer.Message) error { return nil }

func newTestServer(t *testing.T, cfg Config) (*Server, *app.App) {
	t.Helper()
	signer, err := session.NewHS256Signer("test-secret", session.Options{
		TTL:     time.Hour,
		Revoker: session.NewMemoryTokenRevoker(),
	})
	if err != nil {
		t.Fatalf("new signer: %v", err)
	}
	broker := fanout.NewLocalBroker()
	core, err := app.New(app.Config{
		Store:      store.NewMemoryStore(),
		Signer:     signer,
		Hasher:     auth.NewBcryptHasher(bcrypt.MinCost),
		Mailer:     discardMailer{},
		Publisher:  broker,
		Subscriber: broker,
	})
	if err != nil {
		t.Fatalf("new app: %v", err)
	}
	cfg.App = core
	return New(cfg), core
}

func doJSON(t *testing.T, h http.Handler, method, path, token string, body any) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	out := map[string]any{}
	if rec.Body.Len() > 0 {
		if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
			t.Fatalf("decode %s response %q: %v", path, rec.Body.String(), err)
		}
	}
	return rec, out
}

func registerUser(t *testing.T, h http.Handler, username string) (string, int64) {
	t.Helper()
	rec, body := doJSON(t, h, http.MethodPost, "/api/register", "", map[string]string{
		"username": username,
		"email":    username + "@example.com",
		"password": "password1",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("register %s: %d %v", username, rec.Code, body)
	}
	user := body["user"].(map[string]any)
	return body["token"].(string), int64(user["id"].(float64))
}

func TestHealthz(t *testing.T) {
	srv, _ := newTestServer(t, Config{})
	rec, body := doJSON(t, srv.Router(), http.MethodGet, "/healthz", "", nil)
	if rec.Code != http.StatusOK || body["status"] != "ok" {
		t.Fatalf("unexpected health response: %d %v", rec.Code, body)
	}
	if rec.Header().Get("X-Request-Id") == "" {
		t.Fatalf("expected request id header")
	}
}

func TestOperationsListing(t *testing.T) {
	srv, _ := newTestServer(t, Config{})
	rec, body := doJSON(t, srv.Router(), http.MethodGet, "/api/operations", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status %d", rec.Code)
	}
	ops := body["operations"].([]any)
	anonymous := map[string]bool{}
	for _, raw := range ops {
		op := raw.(map[string]any)
		anonymous[op["name"].(string)] = op["anonymous"].(bool)
	}
	for _, name := range []string{
		"register", "login", "requestPasswordReset", "resetPassword",
		"sendFriendRequest", "listIncomingRequests", "acceptFriendRequest", "deleteFriendRequest",
		"removeFriend", "listFriends", "listMutualFriends", "createChatRoom", "listMyRooms",
		"leaveChatRoom", "postMessage", "listRoomMessages",
	} {
		if _, ok := anonymous[name]; !ok {
			t.Fatalf("operation %s missing from listing", name)
		}
	}
	for name, anon := range anonymous {
		wantAnon := name == "register" || name == "login" || name == "requestPasswordReset" || name == "resetPassword"
		if anon != wantAnon {
			t.Fatalf("operation %s anonymous=%v", name, anon)
		}
	}
}

func TestJWKSRoute(t *testing.T) {
	srv, _ := newTestServer(t, Config{})
	rec, _ := doJSON(t, srv.Router(), http.MethodGet, "/.well-known/jwks.json", "", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 without rsa keys, got %d", rec.Code)
	}

	srv, _ = newTestServer(t, Config{Keys: staticKeys{{Kty: "RSA", Kid: "k1", Alg: "RS256", Use: "sig", N: "n", E: "AQAB"}}})
	rec, body := doJSON(t, srv.Router(), http.MethodGet, "/.well-known/jwks.json", "", nil)
	if rec.Code != http.StatusOK || rec.Header().Get("Cache-Control") != "public, max-age=300" {
		t.Fatalf("unexpected jwks answer: %d %q", rec.Code, rec.Header().Get("Cache-Control"))
	}
	keys, _ := body["keys"].([]any)
	if len(keys) != 1 || keys[0].(map[string]any)["kid"] != "k1" {
		t.Fatalf("unexpected keys: %v", body)
	}
}

func TestOperationsRequirePost(t *testing.T) {
	srv, _ := newTestServer(t, Config{})
	rec, _ := doJSON(t, srv.Router(), http.MethodGet, "/api/login", "", nil)
	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", rec.Code)
	}
}

func TestAuthenticatedOperationsRejectMissingOrBadToken(t *testing.T) {
	srv, _ := newTestServer(t, Config{})
	h := srv.Router()
	rec, body := doJSON(t, h, http.MethodPost, "/api/listFriends", "", nil)
	if rec.Code != http.StatusUnauthorized || body["kind"] != "unauthenticated" {
		t.Fatalf("missing token: %d %v", rec.Code, body)
	}
	rec, body = doJSON(t, h, http.MethodPost, "/api/listFriends", "garbage", nil)
	if rec.Code != http.StatusUnauthorized || body["kind"] != "unauthenticated" {
		t.Fatalf("bad token: %d %v", rec.Code, body)
	}
}

func TestRegisterErrorsMapToStatus(t *testing.T) {
	srv, _ := newTestServer(t, Config{})
	h := srv.Router()
	rec, body := doJSON(t, h, http.MethodPost, "/api/register", "", map[string]string{
		"username": "alice", "email": "a@x.com", "password": "password1",
	})
	if rec.Code != http.StatusBadRequest || body["field"] != "username" || body["kind"] != "validation" {
		t.Fatalf("validation: %d %v", rec.Code, body)
	}
	registerUser(t, h, "alice1")
	rec, body = doJSON(t, h, http.MethodPost, "/api/register", "", map[string]string{
		"username": "alice1", "email": "other@x.com", "password": "password1",
	})
	if rec.Code != http.StatusConflict {
		t.Fatalf("conflict: %d %v", rec.Code, body)
	}
	rec, body = doJSON(t, h, http.MethodPost, "/api/login", "", map[string]string{
		"email": "alice1@example.com", "password": "wrong-password",
	})
	if rec.Code != http.StatusUnauthorized || body["error"] != "credentials do not match" {
		t.Fatalf("login: %d %v", rec.Code, body)
	}
}

func TestServerErrorsCarryRequestID(t *testing.T) {
	tests := []struct {
		err        error
		status     int
		retry      string
		wantReqID  bool
		wantErrMsg string
	}{
		{apperr.Internal("storage failure", errors.New("disk on fire")), http.StatusInternalServerError, "", true, "storage failure"},
		{apperr.Timeout(context.DeadlineExceeded), http.StatusServiceUnavailable, "1", true, ""},
		{apperr.NotFound("user not found"), http.StatusNotFound, "", false, "user not found"},
		{errors.New("untyped"), http.StatusInternalServerError, "", true, "internal error"},
	}
	for _, tc := range tests {
		h := util.WithRequestID(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			writeAppError(w, r, tc.err)
		}))
		req := httptest.NewRequest(http.MethodPost, "/api/me", nil)
		req.Header.Set("X-Request-Id", "req-42")
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)

		var body errorBody
		if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if rec.Code != tc.status || rec.Header().Get("Retry-After") != tc.retry {
			t.Fatalf("%v: status=%d retry=%q", tc.err, rec.Code, rec.Header().Get("Retry-After"))
		}
		if (body.RequestID == "req-42") != tc.wantReqID {
			t.Fatalf("%v: unexpected request id %q", tc.err, body.RequestID)
		}
		if tc.wantErrMsg != "" && body.Error != tc.wantErrMsg {
			t.Fatalf("%v: error = %q", tc.err, body.Error)
		}
		if strings.Contains(rec.Body.String(), "disk on fire") {
			t.Fatalf("cause leaked into response: %s", rec.Body.String())
		}
	}
}

func TestInvalidJSONBody(t *testing.T) {
	srv, _ := newTestServer(t, Config{})
	req := httptest.NewRequest(http.MethodPost, "/api/login", strings.NewReader("{"))
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestRequestPasswordResetAnswersUniformly(t *testing.T) {
	srv, _ := newTestServer(t, Config{})
	h := srv.Router()
	registerUser(t, h, "alice1")
	for _, email := range []string{"alice1@example.com", "ghost@example.com"} {
		rec, body := doJSON(t, h, http.MethodPost, "/api/requestPasswordReset", "", map[string]string{"email": email})
		if rec.Code != http.StatusOK || body["ok"] != true {
			t.Fatalf("%s: %d %v", email, rec.Code, body)
		}
	}
}

func TestAnonymousOperationsAreRateLimited(t *testing.T) {
	limiter := &denyLimiter{}
	srv, _ := newTestServer(t, Config{AnonLimiter: limiter})
	req := httptest.NewRequest(http.MethodPost, "/api/login", strings.NewReader(`{}`))
	req.RemoteAddr = "203.0.113.7:4242"
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)
	if rec.Code != http.StatusTooManyRequests || rec.Header().Get("Retry-After") == "" {
		t.Fatalf("expected 429, got %d", rec.Code)
	}
	if len(limiter.keys) != 1 || limiter.keys[0] != "login|203.0.113.7" {
		t.Fatalf("unexpected limiter keys: %v", limiter.keys)
	}
}

func TestRejectedAuthIsObserved(t *testing.T) {
	alerter := &recordingAlerter{}
	srv, _ := newTestServer(t, Config{Alerter: alerter})
	h := srv.Router()
	registerUser(t, h, "alice1")

	rec, _ := doJSON(t, h, http.MethodPost, "/api/login", "", map[string]string{
		"email":    "alice1@example.com",
		"password": "wrong-password",
	})
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for bad login, got %d", rec.Code)
	}
	rec, _ = doJSON(t, h, http.MethodPost, "/api/me", "not-a-token", nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for bad token, got %d", rec.Code)
	}
	want := []string{"login:rejected", "authenticate:rejected"}
	if strings.Join(alerter.events, ",") != strings.Join(want, ",") {
		t.Fatalf("unexpected observed events: %v", alerter.events)
	}
}

func TestFriendAndRoomFlowOverHTTP(t *testing.T) {
	srv, _ := newTestServer(t, Config{})
	h := srv.Router()
	aliceToken, aliceID := registerUser(t, h, "alice1")
	bobToken, bobID := registerUser(t, h, "bobby1")
	charlieToken, _ := registerUser(t, h, "charlie")

	rec, body := doJSON(t, h, http.MethodPost, "/api/sendFriendRequest", aliceToken, map[string]any{"userId": bobID})
	if rec.Code != http.StatusOK || body["ok"] != true {
		t.Fatalf("send request: %d %v", rec.Code, body)
	}
	_, body = doJSON(t, h, http.MethodPost, "/api/listIncomingRequests", bobToken, nil)
	requests := body["requests"].([]any)
	if len(requests) != 1 {
		t.Fatalf("requests: %v", body)
	}
	token := requests[0].(map[string]any)["token"].(string)
	_, body = doJSON(t, h, http.MethodPost, "/api/acceptFriendRequest", bobToken, map[string]any{"token": token})
	if body["ok"] != true {
		t.Fatalf("accept: %v", body)
	}
	_, body = doJSON(t, h, http.MethodPost, "/api/listFriends", aliceToken, nil)
	friends := body["friends"].([]any)
	if len(friends) != 1 || int64(friends[0].(float64)) != bobID {
		t.Fatalf("alice friends: %v", body)
	}

	_, body = doJSON(t, h, http.MethodPost, "/api/createChatRoom", aliceToken, map[string]any{"memberIds": []int64{}})
	if body["ok"] != false {
		t.Fatalf("empty room: %v", body)
	}
	_, body = doJSON(t, h, http.MethodPost, "/api/createChatRoom", aliceToken, map[string]any{"memberIds": []int64{bobID}})
	if body["ok"] != true {
		t.Fatalf("create room: %v", body)
	}
	roomID := int64(body["room"].(map[string]any)["id"].(float64))

	rec, body = doJSON(t, h, http.MethodPost, "/api/postMessage", charlieToken, map[string]any{"roomId": roomID, "message": "hi"})
	if rec.Code != http.StatusForbidden || body["kind"] != "authorization" {
		t.Fatalf("non-member post: %d %v", rec.Code, body)
	}
	rec, body = doJSON(t, h, http.MethodPost, "/api/postMessage", aliceToken, map[string]any{"roomId": roomID, "message": "hi bob"})
	if rec.Code != http.StatusOK || body["message"] != "hi bob" || int64(body["fromUser"].(float64)) != aliceID {
		t.Fatalf("post: %d %v", rec.Code, body)
	}
	_, body = doJSON(t, h, http.MethodPost, "/api/listRoomMessages", bobToken, map[string]any{"roomId": roomID})
	if len(body["messages"].([]any)) != 1 {
		t.Fatalf("messages: %v", body)
	}

	_, body = doJSON(t, h, http.MethodPost, "/api/leaveChatRoom", bobToken, map[string]any{"roomId": roomID})
	if body["ok"] != true {
		t.Fatalf("leave: %v", body)
	}
	_, body = doJSON(t, h, http.MethodPost, "/api/listMyRooms", aliceToken, nil)
	if len(body["rooms"].([]any)) != 0 {
		t.Fatalf("room should be dissolved: %v", body)
	}
}

func TestLogoutRevokesToken(t *testing.T) {
	srv, _ := newTestServer(t, Config{})
	h := srv.Router()
	token, _ := registerUser(t, h, "alice1")
	rec, _ := doJSON(t, h, http.MethodPost, "/api/logout", token, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("logout: %d", rec.Code)
	}
	rec, _ = doJSON(t, h, http.MethodPost, "/api/me", token, nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected revoked token to fail, got %d", rec.Code)
	}
}

func TestRoomEventsStream(t *testing.T) {
	srv, core := newTestServer(t, Config{KeepAlive: time.Hour})
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()
	h := srv.Router()
	aliceToken, aliceID := registerUser(t, h, "alice1")
	_, bobID := registerUser(t, h, "bobby1")
	room, _, err := core.CreateChatRoom(context.Background(), aliceID, []int64{bobID})
	if err != nil {
		t.Fatalf("create room: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"/api/rooms/"+strconv.FormatInt(room.ID, 10)+"/events", nil)
	req.Header.Set("Authorization", "Bearer "+aliceToken)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("open stream: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK || !strings.HasPrefix(resp.Header.Get("Content-Type"), "text/event-stream") {
		t.Fatalf("unexpected stream response: %d %s", resp.StatusCode, resp.Header.Get("Content-Type"))
	}
	reader := bufio.NewReader(resp.Body)
	line, err := reader.ReadString('\n')
	if err != nil || !strings.HasPrefix(line, ": connected") {
		t.Fatalf("expected connected comment, got %q %v", line, err)
	}

	if _, err := core.PostMessage(context.Background(), bobID, room.ID, "live hello"); err != nil {
		t.Fatalf("post: %v", err)
	}
	for {
		line, err = reader.ReadString('\n')
		if err != nil {
			t.Fatalf("read stream: %v", err)
		}
		if strings.HasPrefix(line, "event: ") {
			break
		}
	}
	if strings.TrimSpace(line) != "event: message" {
		t.Fatalf("unexpected event line %q", line)
	}
	data, err := reader.ReadString('\n')
	if err != nil || !strings.Contains(data, "live hello") {
		t.Fatalf("unexpected data line %q %v", data, err)
	}
}

func TestRoomEventsRejectsNonMember(t *testing.T) {
	srv, core := newTestServer(t, Config{})
	h := srv.Router()
	_, aliceID := registerUser(t, h, "alice1")
	_, bobID := registerUser(t, h, "bobby1")
	charlieToken, _ := registerUser(t, h, "charlie")
	room, _, err := core.CreateChatRoom(context.Background(), aliceID, []int64{bobID})
	if err != nil {
		t.Fatalf("create room: %v", err)
	}
	req := httptest.NewRequest(http.MethodGet, "/api/rooms/"+strconv.FormatInt(room.ID, 10)+"/events?token="+charlieToken, nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", rec.Code)
	}
}
