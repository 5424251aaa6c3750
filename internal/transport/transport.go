// Package transport defines the bidirectional streaming channel to the remote
// conversational endpoint, and implements it for the Gemini Live API. The
// session layer treats the channel as opaque: outbound encoded frames in,
// demuxed audio/transcript/lifecycle messages out.
package transport

import "context"

type Speaker string

const (
	SpeakerUser  Speaker = "user"
	SpeakerModel Speaker = "model"
)

// Fragment is one streamed piece of transcription for either direction of the
// conversation.
type Fragment struct {
	Speaker Speaker
	Text    string
	Final   bool
}

// AudioChunk is one inbound block of synthesized audio, still in its opaque
// encoded form, plus the format it must be decoded against.
type AudioChunk struct {
	Payload    string
	SampleRate int
	Channels   int
}

// Message is one demuxed inbound server message. Any combination of fields
// may be set; all may be empty for messages the session has no use for.
type Message struct {
	Fragment     *Fragment
	Audio        *AudioChunk
	Interrupted  bool
	TurnComplete bool
}

// Handler receives the inbound callback surface of a connection. Callbacks
// fire on the transport's read goroutine and must not block for long.
//
// After Dial returns successfully, exactly one of Closed or Errored ends the
// stream, unless the owner closes the connection first, in which case neither
// fires.
type Handler interface {
	Opened()
	Message(msg Message)
	Closed()
	Errored(err error)
}

// Config describes the desired remote session: audio responses with
// transcription enabled in both directions, spoken with the given voice.
type Config struct {
	Endpoint        string
	APIKey          string
	Model           string
	Voice           string
	InputSampleRate int
}

// Conn is an open channel. Owned exclusively by one session while active.
type Conn interface {
	// Send transmits one encoded audio frame payload.
	Send(payload string) error
	// Close tears the channel down. Idempotent.
	Close() error
}

// Dialer opens connections. The ctx bounds the entire handshake: dial, setup,
// and the wait for the remote open acknowledgment.
type Dialer interface {
	Dial(ctx context.Context, cfg Config, h Handler) (Conn, error)
}
