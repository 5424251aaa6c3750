// Package session coordinates one live conversation: lifecycle state,
// resource acquisition, demux of inbound transport messages, and guaranteed
// teardown.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ewoodhouse/parley/internal/codec"
	"github.com/ewoodhouse/parley/internal/transcript"
	"github.com/ewoodhouse/parley/internal/transport"
)

const defaultConnectTimeout = 15 * time.Second

// Config fixes the audio formats and remote endpoint for every session the
// controller runs.
type Config struct {
	InputSampleRate  int
	OutputSampleRate int
	ConnectTimeout   time.Duration
	Transport        transport.Config
}

// Controller runs at most one live session at a time. Capture frames and
// inbound transport messages arrive on their own threads; every transition
// and resource-handle mutation is serialized through the controller's mutex.
type Controller struct {
	cfg         Config
	capture     Capture
	dialer      transport.Dialer
	newPlayback PlaybackFactory
	hub         Broadcaster

	mu           sync.Mutex
	state        State
	sess         *liveSession
	playbackBusy bool

	// transcripts outlives the session so the recap flow can summarize a
	// conversation that just ended; it is replaced on the next start.
	transcripts *transcript.Aggregator
}

// liveSession holds the resources owned by one session. Handles are written
// only under the controller mutex; the once guarantees they are released
// exactly once no matter how many teardown paths race.
type liveSession struct {
	mic    CaptureHandle
	player Playback
	conn   transport.Conn
	agg    *transcript.Aggregator
	once   sync.Once
}

func NewController(cfg Config, cap Capture, dialer transport.Dialer, newPlayback PlaybackFactory, hub Broadcaster) *Controller {
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = defaultConnectTimeout
	}
	return &Controller{
		cfg:         cfg,
		capture:     cap,
		dialer:      dialer,
		newPlayback: newPlayback,
		hub:         hub,
		state:       StateIdle,
	}
}

// Start brings a session from Idle to Active: microphone first (so an
// acquisition failure aborts before any transport bytes are sent), then the
// output device, then the transport handshake, bounded by the connect
// timeout. Any failure performs full teardown and returns to Idle. A second
// start while one session is connecting or active is rejected.
func (c *Controller) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.state != StateIdle {
		c.mu.Unlock()
		return ErrSessionActive
	}
	sess := &liveSession{agg: transcript.NewAggregator()}
	c.sess = sess
	c.state = StateConnecting
	c.playbackBusy = false
	c.transcripts = sess.agg
	c.mu.Unlock()
	c.broadcastState(StateConnecting)

	mic, err := c.capture.Open(c.cfg.InputSampleRate, func(frame codec.Frame) {
		c.sendFrame(sess, frame)
	})
	if err != nil {
		return c.failStart(sess, fmt.Errorf("acquire microphone: %w", err))
	}
	// A stop that lands mid-acquisition tears the session down before the
	// handle is registered, so the handle must be released here or it leaks.
	c.mu.Lock()
	if c.sess != sess {
		c.mu.Unlock()
		mic.Stop()
		return ErrStopped
	}
	sess.mic = mic
	c.mu.Unlock()

	player, err := c.newPlayback(func() { c.playbackIdle(sess) })
	if err != nil {
		return c.failStart(sess, fmt.Errorf("acquire audio output: %w", err))
	}
	c.mu.Lock()
	if c.sess != sess {
		c.mu.Unlock()
		player.Teardown()
		return ErrStopped
	}
	sess.player = player
	c.mu.Unlock()

	dialCtx, cancel := context.WithTimeout(ctx, c.cfg.ConnectTimeout)
	defer cancel()

	conn, err := c.dialer.Dial(dialCtx, c.cfg.Transport, &sessionHandler{c: c, sess: sess})
	if err != nil {
		return c.failStart(sess, fmt.Errorf("open transport: %w", err))
	}

	c.mu.Lock()
	if c.sess != sess {
		// Stopped while the handshake was in flight.
		c.mu.Unlock()
		_ = conn.Close()
		return ErrStopped
	}
	sess.conn = conn
	c.state = StateActive
	c.mu.Unlock()

	slog.Info("session active",
		"input_rate", c.cfg.InputSampleRate,
		"output_rate", c.cfg.OutputSampleRate)
	c.broadcastState(StateActive)
	return nil
}

// Stop ends the current session, releasing every resource. Idempotent; a
// no-op when nothing is running.
func (c *Controller) Stop() {
	c.mu.Lock()
	sess := c.sess
	c.mu.Unlock()
	if sess == nil {
		return
	}
	c.teardown(sess)
}

// Status reports the lifecycle state plus the Active-internal playback flag.
// The flag is display-only; it never drives transitions.
type Status struct {
	State        State `json:"state"`
	PlaybackBusy bool  `json:"playback_busy"`
}

func (c *Controller) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Status{State: c.state, PlaybackBusy: c.playbackBusy}
}

// Transcript returns the ordered entries of the current session, or of the
// most recently ended one.
func (c *Controller) Transcript() []transcript.Entry {
	c.mu.Lock()
	agg := c.transcripts
	c.mu.Unlock()
	if agg == nil {
		return nil
	}
	return agg.Entries()
}

// sendFrame forwards one captured frame. Frames that fire while the session
// is still connecting, or after stop was requested, are dropped: no transport
// bytes before the handshake, no new sends after cancellation.
func (c *Controller) sendFrame(sess *liveSession, frame codec.Frame) {
	c.mu.Lock()
	conn := sess.conn
	ok := c.sess == sess && c.state == StateActive && conn != nil
	c.mu.Unlock()
	if !ok {
		return
	}

	if err := conn.Send(frame.Payload); err != nil {
		// The read side will surface the terminal error; just note the drop.
		slog.Warn("dropping outbound frame", "error", err)
	}
}

func (c *Controller) handleMessage(sess *liveSession, msg transport.Message) {
	c.mu.Lock()
	if c.sess != sess {
		c.mu.Unlock()
		return
	}
	player := sess.player
	agg := sess.agg
	c.mu.Unlock()

	if msg.Interrupted {
		// Barge-in: flush playback, stay Active.
		player.Interrupt()
		c.setPlaybackBusy(false)
	}

	if msg.Audio != nil {
		err := player.Enqueue(msg.Audio.Payload, msg.Audio.SampleRate, msg.Audio.Channels)
		switch {
		case err == nil:
			c.setPlaybackBusy(true)
		case errors.Is(err, codec.ErrMalformedPayload):
			slog.Warn("dropping malformed audio chunk", "error", err)
		default:
			slog.Error("schedule audio chunk failed", "error", err)
		}
	}

	if f := msg.Fragment; f != nil {
		entries := agg.Append(transcript.Speaker(f.Speaker), f.Text, f.Final)
		if c.hub != nil {
			c.hub.BroadcastTranscript(entries)
		}
	}
}

func (c *Controller) playbackIdle(sess *liveSession) {
	c.mu.Lock()
	current := c.sess == sess
	c.mu.Unlock()
	if current {
		c.setPlaybackBusy(false)
	}
}

func (c *Controller) setPlaybackBusy(busy bool) {
	c.mu.Lock()
	changed := c.playbackBusy != busy
	c.playbackBusy = busy
	c.mu.Unlock()
	if changed && c.hub != nil {
		c.hub.BroadcastPlayback(busy)
	}
}

// failStart is the bounded failure path out of Connecting.
func (c *Controller) failStart(sess *liveSession, err error) error {
	slog.Error("session start failed", "error", err)
	c.broadcastState(StateError)
	if c.hub != nil {
		c.hub.BroadcastSessionError(err.Error())
	}
	c.teardown(sess)
	return err
}

// failActive handles a mid-session transport error: same total teardown as a
// user stop, with a user-visible error surfaced first.
func (c *Controller) failActive(sess *liveSession, err error) {
	c.mu.Lock()
	current := c.sess == sess
	c.mu.Unlock()
	if !current {
		return
	}

	slog.Error("session transport error", "error", err)
	c.broadcastState(StateError)
	if c.hub != nil {
		c.hub.BroadcastSessionError(err.Error())
	}
	c.teardown(sess)
}

// teardown releases every resource of sess exactly once, no matter how many
// paths invoke it (user stop, remote close, transport error — possibly
// concurrently). A second caller observes already-nulled handles and does
// nothing.
func (c *Controller) teardown(sess *liveSession) {
	sess.once.Do(func() {
		c.mu.Lock()
		mic, player, conn := sess.mic, sess.player, sess.conn
		sess.mic, sess.player, sess.conn = nil, nil, nil
		if c.sess == sess {
			c.sess = nil
			c.state = StateIdle
			c.playbackBusy = false
		}
		c.mu.Unlock()

		if mic != nil {
			mic.Stop()
		}
		if player != nil {
			player.Teardown()
		}
		if conn != nil {
			_ = conn.Close()
		}

		slog.Info("session torn down")
		c.broadcastState(StateIdle)
	})
}

func (c *Controller) broadcastState(state State) {
	if c.hub != nil {
		c.hub.BroadcastStateChanged(state)
	}
}

// sessionHandler routes transport callbacks to the controller, pinned to the
// session they belong to so late callbacks from a dead connection cannot
// touch a newer session.
type sessionHandler struct {
	c    *Controller
	sess *liveSession
}

func (h *sessionHandler) Opened() {
	slog.Info("live transport opened")
}

func (h *sessionHandler) Message(msg transport.Message) {
	h.c.handleMessage(h.sess, msg)
}

func (h *sessionHandler) Closed() {
	// Graceful remote close is a normal stop, not an error.
	slog.Info("live transport closed by remote")
	h.c.teardown(h.sess)
}

func (h *sessionHandler) Errored(err error) {
	h.c.failActive(h.sess, err)
}
