package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// DefaultEndpoint is the Gemini Live bidirectional streaming endpoint.
const DefaultEndpoint = "wss://generativelanguage.googleapis.com/ws/google.ai.generativelanguage.v1beta.GenerativeService.BidiGenerateContent"

const (
	defaultSetupTimeout  = 15 * time.Second
	defaultOutputRate    = 24000
	defaultOutputChannel = 1
)

// GeminiDialer dials the Gemini Live API over a websocket.
type GeminiDialer struct{}

// Dial opens the socket, sends the session setup (audio responses, prebuilt
// voice, transcription both ways), and waits for the server's setup
// acknowledgment before handing the connection back. The wait is bounded by
// the ctx deadline, falling back to a fixed timeout so a dead endpoint cannot
// hang the caller.
func (GeminiDialer) Dial(ctx context.Context, cfg Config, h Handler) (Conn, error) {
	endpoint := cfg.Endpoint
	if endpoint == "" {
		endpoint = DefaultEndpoint
	}

	ws, _, err := websocket.DefaultDialer.DialContext(ctx, endpoint+"?key="+url.QueryEscape(cfg.APIKey), nil)
	if err != nil {
		return nil, fmt.Errorf("dial live endpoint: %w", err)
	}

	c := &geminiConn{ws: ws, handler: h, inputRate: cfg.InputSampleRate}

	if err := c.writeJSON(newSetupMessage(cfg)); err != nil {
		_ = ws.Close()
		return nil, fmt.Errorf("send session setup: %w", err)
	}

	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(defaultSetupTimeout)
	}
	if err := c.awaitSetupComplete(deadline); err != nil {
		_ = ws.Close()
		return nil, err
	}

	h.Opened()
	go c.readLoop()
	return c, nil
}

type geminiConn struct {
	ws        *websocket.Conn
	handler   Handler
	inputRate int

	writeMu sync.Mutex // gorilla permits one concurrent writer

	closeOnce sync.Once
	closedMu  sync.Mutex
	closed    bool
}

func (c *geminiConn) Send(payload string) error {
	msg := realtimeInputMessage{}
	msg.RealtimeInput.Audio = &mediaBlob{
		MimeType: fmt.Sprintf("audio/pcm;rate=%d", c.inputRate),
		Data:     payload,
	}
	if err := c.writeJSON(msg); err != nil {
		return fmt.Errorf("send audio frame: %w", err)
	}
	return nil
}

func (c *geminiConn) Close() error {
	c.closeOnce.Do(func() {
		c.markClosed()

		c.writeMu.Lock()
		_ = c.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		c.writeMu.Unlock()

		_ = c.ws.Close()
	})
	return nil
}

func (c *geminiConn) writeJSON(v any) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.ws.WriteJSON(v)
}

func (c *geminiConn) markClosed() {
	c.closedMu.Lock()
	c.closed = true
	c.closedMu.Unlock()
}

func (c *geminiConn) isClosed() bool {
	c.closedMu.Lock()
	defer c.closedMu.Unlock()
	return c.closed
}

// awaitSetupComplete consumes messages until the server acknowledges the
// session setup. Audio or content before the acknowledgment would be a
// protocol violation, so anything else is skipped.
func (c *geminiConn) awaitSetupComplete(deadline time.Time) error {
	_ = c.ws.SetReadDeadline(deadline)
	defer func() { _ = c.ws.SetReadDeadline(time.Time{}) }()

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			return fmt.Errorf("await setup acknowledgment: %w", err)
		}

		var sm serverMessage
		if err := json.Unmarshal(data, &sm); err != nil {
			slog.Warn("live transport: skipping unparseable message during setup", "error", err)
			continue
		}
		if sm.SetupComplete != nil {
			return nil
		}
	}
}

func (c *geminiConn) readLoop() {
	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if c.isClosed() {
				// Local close; the owner already knows.
				return
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.handler.Closed()
			} else {
				c.handler.Errored(err)
			}
			return
		}

		var sm serverMessage
		if err := json.Unmarshal(data, &sm); err != nil {
			slog.Warn("live transport: skipping unparseable server message", "error", err)
			continue
		}

		if sm.GoAway != nil {
			c.markClosed()
			_ = c.ws.Close()
			c.handler.Closed()
			return
		}

		for _, msg := range sm.demux() {
			c.handler.Message(msg)
		}
	}
}

// demux flattens one wire message into the bounded Message vocabulary the
// session consumes. The interruption signal is emitted first so the session
// flushes playback before scheduling anything newer.
func (sm *serverMessage) demux() []Message {
	sc := sm.ServerContent
	if sc == nil {
		return nil
	}

	var out []Message
	if sc.Interrupted {
		out = append(out, Message{Interrupted: true})
	}

	if sc.ModelTurn != nil {
		for _, p := range sc.ModelTurn.Parts {
			if p.InlineData == nil || p.InlineData.Data == "" {
				continue
			}
			out = append(out, Message{Audio: &AudioChunk{
				Payload:    p.InlineData.Data,
				SampleRate: sampleRateFromMime(p.InlineData.MimeType),
				Channels:   defaultOutputChannel,
			}})
		}
	}

	if tr := sc.InputTranscription; tr != nil && tr.Text != "" {
		out = append(out, Message{Fragment: &Fragment{Speaker: SpeakerUser, Text: tr.Text, Final: tr.Finished}})
	}
	if tr := sc.OutputTranscription; tr != nil && tr.Text != "" {
		out = append(out, Message{Fragment: &Fragment{Speaker: SpeakerModel, Text: tr.Text, Final: tr.Finished}})
	}

	if sc.TurnComplete {
		out = append(out, Message{TurnComplete: true})
	}
	return out
}

// sampleRateFromMime extracts the rate from mime types like
// "audio/pcm;rate=24000".
func sampleRateFromMime(mime string) int {
	for _, param := range strings.Split(mime, ";") {
		if after, ok := strings.CutPrefix(strings.TrimSpace(param), "rate="); ok {
			if rate, err := strconv.Atoi(after); err == nil && rate > 0 {
				return rate
			}
		}
	}
	return defaultOutputRate
}
