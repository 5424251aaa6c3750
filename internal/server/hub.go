package server

import (
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/ewoodhouse/parley/internal/session"
	"github.com/ewoodhouse/parley/internal/transcript"
)

// Hub fans session events out to every connected UI client. It implements
// session.Broadcaster; slow clients drop events rather than block the
// audio path.
type Hub struct {
	mu      sync.RWMutex
	clients map[chan []byte]struct{}
}

func NewHub() *Hub {
	return &Hub{clients: make(map[chan []byte]struct{})}
}

func (h *Hub) Subscribe() chan []byte {
	ch := make(chan []byte, 64)
	h.mu.Lock()
	h.clients[ch] = struct{}{}
	h.mu.Unlock()
	return ch
}

func (h *Hub) Unsubscribe(ch chan []byte) {
	h.mu.Lock()
	delete(h.clients, ch)
	h.mu.Unlock()
	close(ch)
}

func (h *Hub) Broadcast(msg []byte) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for ch := range h.clients {
		select {
		case ch <- msg:
		default:
		}
	}
}

func (h *Hub) BroadcastStateChanged(state session.State) {
	h.broadcastEvent(StateChangedEvent{
		Event: newEvent("state_changed", time.Now().UTC()),
		State: string(state),
	})
}

func (h *Hub) BroadcastTranscript(entries []transcript.Entry) {
	h.broadcastEvent(TranscriptEvent{
		Event:   newEvent("transcript", time.Now().UTC()),
		Entries: entries,
	})
}

func (h *Hub) BroadcastPlayback(busy bool) {
	h.broadcastEvent(PlaybackEvent{
		Event: newEvent("playback", time.Now().UTC()),
		Busy:  busy,
	})
}

func (h *Hub) BroadcastSessionError(message string) {
	h.broadcastEvent(SessionErrorEvent{
		Event:   newEvent("session_error", time.Now().UTC()),
		Message: message,
	})
}

func (h *Hub) BroadcastRecapReady(summary string) {
	h.broadcastEvent(RecapReadyEvent{
		Event:   newEvent("recap_ready", time.Now().UTC()),
		Summary: summary,
	})
}

func (h *Hub) broadcastEvent(event any) {
	payload, err := json.Marshal(event)
	if err != nil {
		log.Printf("event marshal error: %v", err)
		return
	}
	h.Broadcast(payload)
}
