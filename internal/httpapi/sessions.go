package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"time"

	"kasirkantin/backend/internal/domain"
)

func (a *API) handleSessions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w)
		return
	}

	session, err := a.service.CreateSession(r.Context())
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, domain.SessionResponse{Session: session})
}

func (a *API) handleSessionActions(w http.ResponseWriter, r *http.Request) {
	sessionID, action, ok := pathID(r.URL.Path, "/api/v1/sessions/")
	if !ok {
		writeError(w, http.StatusBadRequest, errors.New("invalid session path"))
		return
	}

	switch {
	case action == "" && r.Method == http.MethodGet:
		session, err := a.service.GetSession(r.Context(), sessionID)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, domain.SessionResponse{Session: session})
	case action == "cart" && r.Method == http.MethodPatch:
		if !requireRole(w, r, staffRoles...) {
			return
		}
		var req domain.SessionCartRequest
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		session, err := a.service.UpdateSessionCart(r.Context(), sessionID, req)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, domain.SessionResponse{Session: session})
	case action == "status" && r.Method == http.MethodPatch:
		if !requireRole(w, r, staffRoles...) {
			return
		}
		var patch domain.SessionStatusPatch
		if err := decodeJSON(r, &patch); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		session, err := a.service.UpdateSessionStatus(r.Context(), sessionID, patch)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, domain.SessionResponse{Session: session})
	case action == "stream" && r.Method == http.MethodGet:
		updates, err := a.service.SubscribeSession(r.Context(), sessionID)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		streamEvents(w, r, a.heartbeat, "session", updates)
	case action == "" || action == "cart" || action == "status" || action == "stream":
		writeMethodNotAllowed(w)
	default:
		writeError(w, http.StatusNotFound, errors.New("unknown session action"))
	}
}

func (a *API) handleOrderStream(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w)
		return
	}
	events, err := a.service.SubscribeOrders(r.Context())
	if err != nil {
		writeServiceError(w, err)
		return
	}
	streamEvents(w, r, a.heartbeat, "order", events)
}

// streamEvents writes each value from updates as a Server-Sent Event until the
// client goes away or the channel closes. Comment lines keep idle proxies open.
func streamEvents[T any](w http.ResponseWriter, r *http.Request, heartbeat time.Duration, event string, updates <-chan T) {
	rc := http.NewResponseController(w)
	// Streams outlive the server's write timeout.
	_ = rc.SetWriteDeadline(time.Time{})

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	if err := rc.Flush(); err != nil {
		log.Printf("[realtime] WARN: streaming unsupported: %v", err)
		return
	}

	ticker := time.NewTicker(heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-ticker.C:
			if _, err := fmt.Fprint(w, ": ping\n\n"); err != nil {
				return
			}
		case update, ok := <-updates:
			if !ok {
				return
			}
			payload, err := json.Marshal(update)
			if err != nil {
				log.Printf("[realtime] WARN: encode %s event: %v", event, err)
				continue
			}
			if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, payload); err != nil {
				return
			}
		}
		if err := rc.Flush(); err != nil {
			return
		}
	}
}
