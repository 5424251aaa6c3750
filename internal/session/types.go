package session

import (
	"github.com/ewoodhouse/parley/internal/codec"
	"github.com/ewoodhouse/parley/internal/transcript"
)

// State is the session lifecycle. Error is momentary: any failure performs
// the same total teardown as a user stop and lands back in Idle.
type State string

const (
	StateIdle       State = "idle"
	StateConnecting State = "connecting"
	StateActive     State = "active"
	StateError      State = "error"
)

// Capture acquires the microphone. Exactly one handle exists per live
// session.
type Capture interface {
	Open(sampleRate int, onFrame func(codec.Frame)) (CaptureHandle, error)
}

type CaptureHandle interface {
	// Stop is idempotent and safe even if the open never completed.
	Stop()
}

// CaptureFunc adapts a plain open function to the Capture interface.
type CaptureFunc func(sampleRate int, onFrame func(codec.Frame)) (CaptureHandle, error)

func (f CaptureFunc) Open(sampleRate int, onFrame func(codec.Frame)) (CaptureHandle, error) {
	return f(sampleRate, onFrame)
}

// Playback is the scheduling surface of the output side.
type Playback interface {
	Enqueue(payload string, sampleRate, channels int) error
	Interrupt()
	Teardown()
}

// PlaybackFactory opens the output device and returns a scheduler for one
// session. onIdle fires when the in-flight set empties.
type PlaybackFactory func(onIdle func()) (Playback, error)

// Broadcaster surfaces session state to the UI layer. Implementations must
// tolerate being called from transport and device threads.
type Broadcaster interface {
	BroadcastStateChanged(state State)
	BroadcastTranscript(entries []transcript.Entry)
	BroadcastPlayback(busy bool)
	BroadcastSessionError(message string)
}
