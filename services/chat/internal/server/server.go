package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"chatapp/internal/security"
	"chatapp/internal/util"
	"chatapp/pkg/apperr"
	"chatapp/pkg/session"
	"chatapp/services/chat/internal/app"
)

const defaultKeepAlive = 25 * time.Second

// Limiter throttles anonymous operations per caller.
type Limiter interface {
	Allow(ctx context.Context, key string) bool
}

// Alerter counts rejected security events per client address.
type Alerter interface {
	Observe(ctx context.Context, event, outcome, ip string) (security.AlertResult, error)
}

// KeySet publishes the public verification keys of the session signer.
type KeySet interface {
	JWKS() []session.JWK
}

// Config wires required dependencies for the HTTP server.
type Config struct {
	App            *app.App
	TrustedProxies *util.TrustedProxies
	// Keys is optional; without RS256 keys the JWKS route answers 404.
	Keys KeySet
	// AllowedOrigins lists browser origins for CORS; empty allows any.
	AllowedOrigins []string
	// AnonLimiter is optional; nil disables throttling.
	AnonLimiter Limiter
	// Alerter is optional.
	Alerter Alerter
	// KeepAlive is the comment interval on idle event streams.
	KeepAlive time.Duration
}

// Server exposes the chat operations over HTTP.
type Server struct {
	app            *app.App
	trustedProxies *util.TrustedProxies
	keys           KeySet
	cors           func(http.Handler) http.Handler
	anonLimiter    Limiter
	alerter        Alerter
	keepAlive      time.Duration
	operations     []operation
	mux            *http.ServeMux
}

// New constructs the server with routes configured.
func New(cfg Config) *Server {
	keepAlive := cfg.KeepAlive
	if keepAlive <= 0 {
		keepAlive = defaultKeepAlive
	}
	s := &Server{
		app:            cfg.App,
		trustedProxies: cfg.TrustedProxies,
		keys:           cfg.Keys,
		cors:           util.WithCORS(cfg.AllowedOrigins),
		anonLimiter:    cfg.AnonLimiter,
		alerter:        cfg.Alerter,
		keepAlive:      keepAlive,
		mux:            http.NewServeMux(),
	}
	s.operations = s.operationTable()
	s.routes()
	return s
}

// Router returns the configured handler.
func (s *Server) Router() http.Handler {
	return util.WithRequestID(
		util.WithRequestLog("chat",
			util.WithSecurityHeaders(s.cors(s.withClientIP(s.mux)))))
}

func (s *Server) routes() {
	s.mux.HandleFunc("/healthz", s.handleHealth)
	s.mux.HandleFunc("/api/operations", s.handleOperations)
	s.mux.HandleFunc("/.well-known/jwks.json", s.handleJWKS)
	for _, op := range s.operations {
		s.mux.Handle(op.Route, s.serveOperation(op))
	}
	s.mux.HandleFunc("GET /api/rooms/{id}/events", s.handleRoomEvents)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleJWKS(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	var keys []session.JWK
	if s.keys != nil {
		keys = s.keys.JWKS()
	}
	if len(keys) == 0 {
		writeError(w, http.StatusNotFound, "no public keys")
		return
	}
	w.Header().Set("Cache-Control", "public, max-age=300")
	writeJSON(w, http.StatusOK, map[string]any{"keys": keys})
}

func (s *Server) handleOperations(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"operations": s.operations})
}

// serveOperation decodes the JSON body, resolves the actor unless the
// operation is anonymous, and runs the handler.
func (s *Server) serveOperation(op operation) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			methodNotAllowed(w)
			return
		}
		c := call{}
		if op.Anonymous {
			if !s.allowAnon(r, op.Name) {
				s.audit(r, "rate_limit", "rejected", "operation", op.Name)
				w.Header().Set("Retry-After", "60")
				writeError(w, http.StatusTooManyRequests, "too many requests")
				return
			}
		} else {
			actor, token, ok := s.authenticate(w, r, op.Name)
			if !ok {
				return
			}
			c.actor, c.token = actor, token
			r = r.WithContext(util.ContextWithLogger(r.Context(),
				util.LoggerFromContext(r.Context()).With("user_id", actor)))
		}
		if err := decodeBody(r, &c.in); err != nil {
			writeAppError(w, r, apperr.Validation("body", "invalid JSON body"))
			return
		}
		out, err := op.handle(r.Context(), c)
		if err != nil {
			if op.Anonymous && apperr.KindOf(err) == apperr.KindAuth {
				s.audit(r, op.Name, "rejected", "kind", apperr.KindAuth)
			}
			writeAppError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, out)
	})
}

// authenticate is the gate in front of every non-anonymous route.
func (s *Server) authenticate(w http.ResponseWriter, r *http.Request, operation string) (int64, string, bool) {
	token, ok := bearerToken(r)
	if !ok {
		s.audit(r, "authenticate", "rejected", "operation", operation, "reason", "missing_bearer")
		writeAppError(w, r, app.ErrUnauthenticated)
		return 0, "", false
	}
	actor, err := s.app.Authenticate(r.Context(), token)
	if err != nil {
		s.audit(r, "authenticate", "rejected", "operation", operation, "reason", "invalid_token")
		writeAppError(w, r, err)
		return 0, "", false
	}
	return actor, token, true
}

func (s *Server) allowAnon(r *http.Request, operation string) bool {
	if s.anonLimiter == nil {
		return true
	}
	return s.anonLimiter.Allow(r.Context(), operation+"|"+util.ClientIP(r, s.trustedProxies))
}

// withClientIP adds the resolved caller address to the request-scoped logger.
func (s *Server) withClientIP(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		logger := util.LoggerFromContext(r.Context()).With("client_ip", util.ClientIP(r, s.trustedProxies))
		next.ServeHTTP(w, r.WithContext(util.ContextWithLogger(r.Context(), logger)))
	})
}

func (s *Server) audit(r *http.Request, event, outcome string, attrs ...any) {
	logAttrs := []any{
		"event", event,
		"outcome", outcome,
		"path", r.URL.Path,
		"method", r.Method,
	}
	logAttrs = append(logAttrs, attrs...)
	logger := util.LoggerFromContext(r.Context())
	if outcome == "success" {
		logger.Info("security_event", logAttrs...)
		return
	}
	logger.Warn("security_event", logAttrs...)
	s.observe(r, event, outcome)
}

func (s *Server) observe(r *http.Request, event, outcome string) {
	if s.alerter == nil {
		return
	}
	ip := util.ClientIP(r, s.trustedProxies)
	result, err := s.alerter.Observe(r.Context(), event, outcome, ip)
	logger := util.LoggerFromContext(r.Context())
	if err != nil {
		logger.Warn("security alert check failed", "event", event, "err", err)
		return
	}
	if result.Triggered {
		logger.Error("security_alert",
			"event", event,
			"outcome", outcome,
			"client_ip", ip,
			"count", result.Count,
			"threshold", result.Threshold,
			"window", result.Window.String(),
		)
	}
}

func decodeBody(r *http.Request, dst any) error {
	err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(dst)
	if errors.Is(err, io.EOF) {
		return nil
	}
	return err
}

func methodNotAllowed(w http.ResponseWriter) {
	writeError(w, http.StatusMethodNotAllowed, "method not allowed")
}

type errorBody struct {
	Error     string `json:"error"`
	Kind      string `json:"kind,omitempty"`
	Field     string `json:"field,omitempty"`
	RequestID string `json:"requestId,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorBody{Error: msg})
}

// writeAppError maps the error kind to a status. Causes stay in the log;
// 5xx bodies carry the request id instead.
func writeAppError(w http.ResponseWriter, r *http.Request, err error) {
	appErr, ok := apperr.As(err)
	if !ok {
		appErr = apperr.Internal("internal error", err)
	}
	status := statusFor(appErr.Kind)
	logger := util.LoggerFromContext(r.Context())
	if status >= http.StatusInternalServerError {
		logger.Error("operation failed", "path", r.URL.Path, "kind", appErr.Kind, "err", err)
	} else {
		logger.Debug("operation rejected", "path", r.URL.Path, "kind", appErr.Kind, "err", err)
	}
	if appErr.Kind == apperr.KindStorageTimeout {
		w.Header().Set("Retry-After", "1")
	}
	body := errorBody{Error: appErr.Message, Kind: string(appErr.Kind), Field: appErr.Field}
	if status >= http.StatusInternalServerError {
		body.RequestID = util.RequestIDFromContext(r.Context())
	}
	writeJSON(w, status, body)
}

func statusFor(kind apperr.Kind) int {
	switch kind {
	case apperr.KindValidation:
		return http.StatusBadRequest
	case apperr.KindAuth, apperr.KindUnauthenticated:
		return http.StatusUnauthorized
	case apperr.KindAuthorization:
		return http.StatusForbidden
	case apperr.KindConflict:
		return http.StatusConflict
	case apperr.KindNotFound:
		return http.StatusNotFound
	case apperr.KindStorageTimeout:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func bearerToken(r *http.Request) (string, bool) {
	authHeader := r.Header.Get("Authorization")
	if !strings.HasPrefix(authHeader, "Bearer ") {
		util.LoggerFromContext(r.Context()).Warn("missing bearer prefix", "path", r.URL.Path)
		return "", false
	}
	token := strings.TrimSpace(strings.TrimPrefix(authHeader, "Bearer "))
	if token == "" {
		util.LoggerFromContext(r.Context()).Warn("empty bearer token", "path", r.URL.Path)
		return "", false
	}
	return token, true
}
