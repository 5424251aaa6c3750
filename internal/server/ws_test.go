package server

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ewoodhouse/parley/internal/session"
	"github.com/ewoodhouse/parley/internal/transcript"
)

func clientCount(h *Hub) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func dialWS(t *testing.T, hub *Hub) (*websocket.Conn, func()) {
	t.Helper()
	mux := http.NewServeMux()
	registerWSRoute(mux, hub)
	srv := httptest.NewServer(mux)

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		srv.Close()
		t.Fatalf("dial failed: %v", err)
	}
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	return conn, func() {
		conn.Close()
		srv.Close()
	}
}

func readEvent(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, msg, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	var payload map[string]any
	if err := json.Unmarshal(msg, &payload); err != nil {
		t.Fatalf("unmarshal failed: %v", err)
	}
	return payload
}

func TestWSEndpointGreetsAndForwardsEvents(t *testing.T) {
	hub := NewHub()
	conn, cleanup := dialWS(t, hub)
	defer cleanup()

	greeting := readEvent(t, conn)
	if greeting["type"] != "connection" {
		t.Fatalf("expected connection greeting, got %#v", greeting["type"])
	}
	if greeting["connected"] != true {
		t.Fatalf("expected connected true, got %#v", greeting["connected"])
	}

	// The handler subscribes after the greeting; wait for it before
	// broadcasting so the event is not dropped.
	deadline := time.Now().Add(2 * time.Second)
	for clientCount(hub) == 0 {
		if time.Now().After(deadline) {
			t.Fatal("handler never subscribed to the hub")
		}
		time.Sleep(time.Millisecond)
	}

	hub.BroadcastPlayback(true)

	event := readEvent(t, conn)
	if event["type"] != "playback" {
		t.Fatalf("expected playback event, got %#v", event["type"])
	}
	if event["busy"] != true {
		t.Fatalf("expected busy true, got %#v", event["busy"])
	}
}

func TestWSEndpointUnsubscribesWhenClientCloses(t *testing.T) {
	hub := NewHub()
	conn, cleanup := dialWS(t, hub)
	defer cleanup()

	readEvent(t, conn) // greeting

	deadline := time.Now().Add(2 * time.Second)
	for clientCount(hub) == 0 {
		if time.Now().After(deadline) {
			t.Fatal("handler never subscribed to the hub")
		}
		time.Sleep(time.Millisecond)
	}

	// Closing with no broadcasts in flight: the handler must still notice
	// and drop its subscription rather than wait for the next event.
	conn.Close()

	deadline = time.Now().Add(2 * time.Second)
	for clientCount(hub) != 0 {
		if time.Now().After(deadline) {
			t.Fatalf("expected handler to unsubscribe after close, still %d clients", clientCount(hub))
		}
		time.Sleep(time.Millisecond)
	}
}

func TestWSBroadcastEventShape(t *testing.T) {
	hub := NewHub()
	ch := hub.Subscribe()
	defer hub.Unsubscribe(ch)

	hub.BroadcastTranscript([]transcript.Entry{
		{Speaker: transcript.SpeakerModel, Text: "test line", Final: false},
	})

	select {
	case msg := <-ch:
		var payload map[string]any
		if err := json.Unmarshal(msg, &payload); err != nil {
			t.Fatalf("unmarshal failed: %v", err)
		}
		if payload["type"] != "transcript" {
			t.Fatalf("expected event type transcript, got %#v", payload["type"])
		}
		if payload["version"] == nil {
			t.Fatalf("expected version field in payload: %s", string(msg))
		}
		if payload["timestamp"] == nil {
			t.Fatalf("expected timestamp field in payload: %s", string(msg))
		}
	case <-time.After(1 * time.Second):
		t.Fatal("timeout waiting for websocket broadcast")
	}
}

func TestHubStateChangedEvent(t *testing.T) {
	hub := NewHub()
	ch := hub.Subscribe()
	defer hub.Unsubscribe(ch)

	hub.BroadcastStateChanged(session.StateConnecting)

	select {
	case msg := <-ch:
		var payload map[string]any
		if err := json.Unmarshal(msg, &payload); err != nil {
			t.Fatalf("unmarshal failed: %v", err)
		}
		if payload["type"] != "state_changed" {
			t.Fatalf("expected event type state_changed, got %#v", payload["type"])
		}
		if payload["state"] != "connecting" {
			t.Fatalf("expected state connecting, got %#v", payload["state"])
		}
	case <-time.After(1 * time.Second):
		t.Fatal("timeout waiting for hub broadcast")
	}
}

func TestHubSlowClientDoesNotBlock(t *testing.T) {
	hub := NewHub()
	ch := hub.Subscribe()
	defer hub.Unsubscribe(ch)

	// Fill the client's buffer and keep broadcasting; the hub must not block.
	done := make(chan struct{})
	go func() {
		for range 200 {
			hub.BroadcastPlayback(true)
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("hub blocked on a slow client")
	}
}
