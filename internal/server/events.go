package server

import (
	"time"

	"github.com/ewoodhouse/parley/internal/transcript"
)

const EventVersion = 1

type Event struct {
	Type      string `json:"type"`
	Version   int    `json:"version"`
	Timestamp string `json:"timestamp"`
}

type StateChangedEvent struct {
	Event
	State string `json:"state"`
}

type TranscriptEvent struct {
	Event
	Entries []transcript.Entry `json:"entries"`
}

type PlaybackEvent struct {
	Event
	Busy bool `json:"busy"`
}

type SessionErrorEvent struct {
	Event
	Message string `json:"message"`
}

type RecapReadyEvent struct {
	Event
	Summary string `json:"summary"`
}

type ConnectionEvent struct {
	Event
	Connected bool `json:"connected"`
}

func newEvent(eventType string, now time.Time) Event {
	if now.IsZero() {
		now = time.Now().UTC()
	}
	return Event{
		Type:      eventType,
		Version:   EventVersion,
		Timestamp: now.UTC().Format(time.RFC3339Nano),
	}
}
