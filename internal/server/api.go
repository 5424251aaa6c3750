package server

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/ewoodhouse/parley/internal/recap"
	"github.com/ewoodhouse/parley/internal/session"
	"github.com/ewoodhouse/parley/internal/transcript"
)

// SessionControl is the slice of the session controller the HTTP layer
// drives.
type SessionControl interface {
	Start(ctx context.Context) error
	Stop()
	Status() session.Status
	Transcript() []transcript.Entry
}

// Recapper produces a written and spoken recap of a finished conversation.
type Recapper interface {
	Recap(ctx context.Context, entries []transcript.Entry) (recap.Result, error)
}

func registerAPIRoutes(mux *http.ServeMux, hub *Hub, ctrl SessionControl, recapper Recapper, hooks Hooks) {
	mux.HandleFunc("GET /api/status", func(w http.ResponseWriter, r *http.Request) {
		status := ctrl.Status()
		var warnings []string
		if hooks.Warnings != nil {
			warnings = hooks.Warnings()
		}
		if warnings == nil {
			warnings = []string{}
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"state":         string(status.State),
			"playback_busy": status.PlaybackBusy,
			"warnings":      warnings,
		})
	})

	mux.HandleFunc("GET /api/transcript", func(w http.ResponseWriter, r *http.Request) {
		entries := ctrl.Transcript()
		if entries == nil {
			entries = []transcript.Entry{}
		}
		writeJSON(w, http.StatusOK, entries)
	})

	mux.HandleFunc("POST /api/session/start", func(w http.ResponseWriter, r *http.Request) {
		if err := ctrl.Start(r.Context()); err != nil {
			status := http.StatusBadGateway
			if errors.Is(err, session.ErrSessionActive) {
				status = http.StatusConflict
			}
			writeJSONError(w, status, fmt.Sprintf("start session: %v", err))
			return
		}
		w.WriteHeader(http.StatusNoContent)
	})

	mux.HandleFunc("POST /api/session/stop", func(w http.ResponseWriter, r *http.Request) {
		ctrl.Stop()
		w.WriteHeader(http.StatusNoContent)
	})

	mux.HandleFunc("POST /api/recap", func(w http.ResponseWriter, r *http.Request) {
		if recapper == nil {
			writeJSONError(w, http.StatusServiceUnavailable, "recaps are not configured")
			return
		}

		entries := ctrl.Transcript()
		if len(entries) == 0 {
			writeJSONError(w, http.StatusConflict, "no conversation to recap")
			return
		}

		result, err := recapper.Recap(r.Context(), entries)
		if err != nil {
			status := http.StatusBadGateway
			if errors.Is(err, recap.ErrConversationTooShort) {
				status = http.StatusConflict
			}
			writeJSONError(w, status, fmt.Sprintf("recap: %v", err))
			return
		}

		hub.BroadcastRecapReady(result.Summary)
		writeJSON(w, http.StatusOK, map[string]any{
			"summary": result.Summary,
			"audio":   base64.StdEncoding.EncodeToString(result.Audio),
		})
	})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeJSONError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
