package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"chatapp/pkg/apperr"
	"chatapp/pkg/domain"
)

// handleRoomEvents streams live room events as server-sent events. Browsers
// cannot set headers on EventSource, so ?token= is accepted as well.
func (s *Server) handleRoomEvents(w http.ResponseWriter, r *http.Request) {
	if token := strings.TrimSpace(r.URL.Query().Get("token")); token != "" {
		r.Header.Set("Authorization", "Bearer "+token)
	}
	actor, _, ok := s.authenticate(w, r, "roomEvents")
	if !ok {
		return
	}
	roomID, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil || roomID <= 0 {
		writeAppError(w, r, apperr.Validation("roomId", "invalid room id"))
		return
	}
	events, cancel, err := s.app.SubscribeRoom(r.Context(), actor, roomID)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	defer cancel()

	rc := http.NewResponseController(w)
	// the server write timeout would otherwise end the stream
	_ = rc.SetWriteDeadline(time.Time{})

	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, ": connected\n\n")
	if err := rc.Flush(); err != nil {
		return
	}

	ticker := time.NewTicker(s.keepAlive)
	defer ticker.Stop()
	for {
		select {
		case <-r.Context().Done():
			return
		case <-ticker.C:
			fmt.Fprint(w, ": ping\n\n")
			if err := rc.Flush(); err != nil {
				return
			}
		case payload, open := <-events:
			if !open {
				return
			}
			var ev domain.RoomEvent
			if err := json.Unmarshal(payload, &ev); err != nil {
				continue
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Type, payload)
			if err := rc.Flush(); err != nil {
				return
			}
			if ev.Type == domain.EventRoomDissolved || (ev.Type == domain.EventMemberLeft && ev.UserID == actor) {
				return
			}
		}
	}
}
