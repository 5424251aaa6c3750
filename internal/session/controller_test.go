package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ewoodhouse/parley/internal/codec"
	"github.com/ewoodhouse/parley/internal/transcript"
	"github.com/ewoodhouse/parley/internal/transport"
)

type fakeMic struct {
	mu    sync.Mutex
	stops int
}

func (m *fakeMic) Stop() {
	m.mu.Lock()
	m.stops++
	m.mu.Unlock()
}

type fakeCapture struct {
	mu      sync.Mutex
	openErr error
	opens   int
	mic     *fakeMic
	onFrame func(codec.Frame)
}

func (c *fakeCapture) Open(sampleRate int, onFrame func(codec.Frame)) (CaptureHandle, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.opens++
	if c.openErr != nil {
		return nil, c.openErr
	}
	c.mic = &fakeMic{}
	c.onFrame = onFrame
	return c.mic, nil
}

type fakePlayer struct {
	mu         sync.Mutex
	enqueued   []string
	enqueueErr error
	interrupts int
	teardowns  int
}

func (p *fakePlayer) Enqueue(payload string, sampleRate, channels int) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.enqueueErr != nil {
		err := p.enqueueErr
		p.enqueueErr = nil
		return err
	}
	p.enqueued = append(p.enqueued, payload)
	return nil
}

func (p *fakePlayer) Interrupt() {
	p.mu.Lock()
	p.interrupts++
	p.mu.Unlock()
}

func (p *fakePlayer) Teardown() {
	p.mu.Lock()
	p.teardowns++
	p.mu.Unlock()
}

type fakeConn struct {
	mu     sync.Mutex
	sent   []string
	closes int
}

func (c *fakeConn) Send(payload string) error {
	c.mu.Lock()
	c.sent = append(c.sent, payload)
	c.mu.Unlock()
	return nil
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	c.closes++
	c.mu.Unlock()
	return nil
}

type fakeDialer struct {
	mu      sync.Mutex
	dialErr error
	dials   int
	conn    *fakeConn
	handler transport.Handler
}

func (d *fakeDialer) Dial(ctx context.Context, cfg transport.Config, h transport.Handler) (transport.Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dials++
	if d.dialErr != nil {
		return nil, d.dialErr
	}
	d.conn = &fakeConn{}
	d.handler = h
	return d.conn, nil
}

type fakeHub struct {
	mu          sync.Mutex
	states      []State
	errMessages []string
	transcripts [][]transcript.Entry
	playback    []bool
}

func (h *fakeHub) BroadcastStateChanged(state State) {
	h.mu.Lock()
	h.states = append(h.states, state)
	h.mu.Unlock()
}

func (h *fakeHub) BroadcastTranscript(entries []transcript.Entry) {
	h.mu.Lock()
	h.transcripts = append(h.transcripts, entries)
	h.mu.Unlock()
}

func (h *fakeHub) BroadcastPlayback(busy bool) {
	h.mu.Lock()
	h.playback = append(h.playback, busy)
	h.mu.Unlock()
}

func (h *fakeHub) BroadcastSessionError(message string) {
	h.mu.Lock()
	h.errMessages = append(h.errMessages, message)
	h.mu.Unlock()
}

type harness struct {
	controller *Controller
	capture    *fakeCapture
	dialer     *fakeDialer
	player     *fakePlayer
	hub        *fakeHub
	factoryErr error
}

func newHarness() *harness {
	h := &harness{
		capture: &fakeCapture{},
		dialer:  &fakeDialer{},
		player:  &fakePlayer{},
		hub:     &fakeHub{},
	}
	factory := PlaybackFactory(func(onIdle func()) (Playback, error) {
		if h.factoryErr != nil {
			return nil, h.factoryErr
		}
		return h.player, nil
	})
	h.controller = NewController(Config{
		InputSampleRate:  16000,
		OutputSampleRate: 24000,
		ConnectTimeout:   time.Second,
	}, h.capture, h.dialer, factory, h.hub)
	return h
}

func TestController_StartToActive(t *testing.T) {
	h := newHarness()

	if err := h.controller.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	status := h.controller.Status()
	if status.State != StateActive {
		t.Fatalf("expected state active, got %s", status.State)
	}
	if status.PlaybackBusy {
		t.Error("expected playback idle on a fresh session")
	}

	h.hub.mu.Lock()
	defer h.hub.mu.Unlock()
	if len(h.hub.states) != 2 || h.hub.states[0] != StateConnecting || h.hub.states[1] != StateActive {
		t.Fatalf("expected connecting then active broadcasts, got %v", h.hub.states)
	}
}

func TestController_SecondStartRejected(t *testing.T) {
	h := newHarness()

	if err := h.controller.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if err := h.controller.Start(context.Background()); !errors.Is(err, ErrSessionActive) {
		t.Fatalf("expected ErrSessionActive, got %v", err)
	}

	// The rejected start must not have touched the devices.
	h.capture.mu.Lock()
	defer h.capture.mu.Unlock()
	if h.capture.opens != 1 {
		t.Fatalf("expected one mic acquisition, got %d", h.capture.opens)
	}
}

func TestController_MicFailureAbortsBeforeTransport(t *testing.T) {
	h := newHarness()
	h.capture.openErr = errors.New("device busy")

	err := h.controller.Start(context.Background())
	if err == nil {
		t.Fatal("expected Start to fail")
	}

	h.dialer.mu.Lock()
	dials := h.dialer.dials
	h.dialer.mu.Unlock()
	if dials != 0 {
		t.Fatal("expected no transport dial after microphone failure")
	}

	if got := h.controller.Status().State; got != StateIdle {
		t.Fatalf("expected return to idle after failure, got %s", got)
	}

	h.hub.mu.Lock()
	defer h.hub.mu.Unlock()
	if len(h.hub.errMessages) == 0 {
		t.Fatal("expected a user-visible error message")
	}
}

func TestController_DialFailureReleasesAcquiredResources(t *testing.T) {
	h := newHarness()
	h.dialer.dialErr = errors.New("connection refused")

	if err := h.controller.Start(context.Background()); err == nil {
		t.Fatal("expected Start to fail")
	}

	h.capture.mic.mu.Lock()
	stops := h.capture.mic.stops
	h.capture.mic.mu.Unlock()
	if stops != 1 {
		t.Fatalf("expected mic released exactly once, got %d", stops)
	}

	h.player.mu.Lock()
	teardowns := h.player.teardowns
	h.player.mu.Unlock()
	if teardowns != 1 {
		t.Fatalf("expected playback released exactly once, got %d", teardowns)
	}

	if got := h.controller.Status().State; got != StateIdle {
		t.Fatalf("expected idle after dial failure, got %s", got)
	}
}

func TestController_DemuxAudioAndTranscript(t *testing.T) {
	h := newHarness()
	if err := h.controller.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	h.dialer.handler.Message(transport.Message{
		Audio: &transport.AudioChunk{Payload: "AAAA", SampleRate: 24000, Channels: 1},
	})
	h.dialer.handler.Message(transport.Message{
		Fragment: &transport.Fragment{Speaker: transport.SpeakerModel, Text: "Hi there", Final: false},
	})

	h.player.mu.Lock()
	enqueued := len(h.player.enqueued)
	h.player.mu.Unlock()
	if enqueued != 1 {
		t.Fatalf("expected 1 enqueued chunk, got %d", enqueued)
	}

	if !h.controller.Status().PlaybackBusy {
		t.Error("expected playback busy after audio was scheduled")
	}

	entries := h.controller.Transcript()
	if len(entries) != 1 || entries[0].Speaker != transcript.SpeakerModel || entries[0].Text != "Hi there" {
		t.Fatalf("unexpected transcript entries: %+v", entries)
	}

	h.hub.mu.Lock()
	defer h.hub.mu.Unlock()
	if len(h.hub.transcripts) != 1 {
		t.Fatalf("expected 1 transcript broadcast, got %d", len(h.hub.transcripts))
	}
}

func TestController_InterruptedStaysActive(t *testing.T) {
	h := newHarness()
	if err := h.controller.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	h.dialer.handler.Message(transport.Message{Interrupted: true})

	h.player.mu.Lock()
	interrupts := h.player.interrupts
	h.player.mu.Unlock()
	if interrupts != 1 {
		t.Fatalf("expected 1 playback interrupt, got %d", interrupts)
	}
	if got := h.controller.Status().State; got != StateActive {
		t.Fatalf("expected barge-in to keep the session active, got %s", got)
	}
}

func TestController_DecodeErrorDoesNotEndSession(t *testing.T) {
	h := newHarness()
	if err := h.controller.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	h.player.mu.Lock()
	h.player.enqueueErr = codec.ErrMalformedPayload
	h.player.mu.Unlock()

	h.dialer.handler.Message(transport.Message{Audio: &transport.AudioChunk{Payload: "bad", SampleRate: 24000, Channels: 1}})
	h.dialer.handler.Message(transport.Message{Audio: &transport.AudioChunk{Payload: "good", SampleRate: 24000, Channels: 1}})

	if got := h.controller.Status().State; got != StateActive {
		t.Fatalf("expected session to survive a malformed chunk, got %s", got)
	}

	h.player.mu.Lock()
	defer h.player.mu.Unlock()
	if len(h.player.enqueued) != 1 || h.player.enqueued[0] != "good" {
		t.Fatalf("expected the valid chunk to still play, got %v", h.player.enqueued)
	}
}

func TestController_FramesGatedOutsideActive(t *testing.T) {
	h := newHarness()
	if err := h.controller.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	frame := codec.EncodeFrame([]float32{0.1, -0.1})
	h.capture.onFrame(frame)

	h.dialer.conn.mu.Lock()
	sent := len(h.dialer.conn.sent)
	h.dialer.conn.mu.Unlock()
	if sent != 1 {
		t.Fatalf("expected frame sent while active, got %d", sent)
	}

	h.controller.Stop()

	// A capture callback still in flight after stop must not initiate a send.
	h.capture.onFrame(frame)

	h.dialer.conn.mu.Lock()
	defer h.dialer.conn.mu.Unlock()
	if len(h.dialer.conn.sent) != 1 {
		t.Fatalf("expected no new sends after stop, got %d", len(h.dialer.conn.sent))
	}
}

func TestController_RemoteCloseIsNormalStop(t *testing.T) {
	h := newHarness()
	if err := h.controller.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	h.dialer.handler.Closed()

	if got := h.controller.Status().State; got != StateIdle {
		t.Fatalf("expected idle after remote close, got %s", got)
	}

	h.hub.mu.Lock()
	defer h.hub.mu.Unlock()
	if len(h.hub.errMessages) != 0 {
		t.Fatalf("expected no error message on graceful close, got %v", h.hub.errMessages)
	}
}

func TestController_TransportErrorTriggersTotalTeardown(t *testing.T) {
	h := newHarness()
	if err := h.controller.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	h.dialer.handler.Errored(errors.New("connection reset"))

	if got := h.controller.Status().State; got != StateIdle {
		t.Fatalf("expected idle after transport error, got %s", got)
	}

	h.hub.mu.Lock()
	errCount := len(h.hub.errMessages)
	h.hub.mu.Unlock()
	if errCount != 1 {
		t.Fatalf("expected one user-visible error, got %d", errCount)
	}

	h.capture.mic.mu.Lock()
	defer h.capture.mic.mu.Unlock()
	if h.capture.mic.stops != 1 {
		t.Fatalf("expected mic released exactly once, got %d", h.capture.mic.stops)
	}
}

func TestController_ConcurrentStopAndErrorReleaseOnce(t *testing.T) {
	h := newHarness()
	if err := h.controller.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		h.controller.Stop()
	}()
	go func() {
		defer wg.Done()
		h.dialer.handler.Errored(errors.New("remote error"))
	}()
	wg.Wait()

	h.capture.mic.mu.Lock()
	stops := h.capture.mic.stops
	h.capture.mic.mu.Unlock()
	if stops != 1 {
		t.Fatalf("expected mic released exactly once under the race, got %d", stops)
	}

	h.player.mu.Lock()
	teardowns := h.player.teardowns
	h.player.mu.Unlock()
	if teardowns != 1 {
		t.Fatalf("expected playback released exactly once under the race, got %d", teardowns)
	}

	h.dialer.conn.mu.Lock()
	closes := h.dialer.conn.closes
	h.dialer.conn.mu.Unlock()
	if closes != 1 {
		t.Fatalf("expected transport closed exactly once under the race, got %d", closes)
	}

	// And a later stop is a silent no-op.
	h.controller.Stop()
	if got := h.controller.Status().State; got != StateIdle {
		t.Fatalf("expected idle, got %s", got)
	}
}

func TestController_StopDuringMicAcquisitionReleasesMic(t *testing.T) {
	entered := make(chan struct{})
	release := make(chan struct{})
	mic := &fakeMic{}
	dialer := &fakeDialer{}
	player := &fakePlayer{}

	c := NewController(Config{InputSampleRate: 16000, OutputSampleRate: 24000},
		CaptureFunc(func(sampleRate int, onFrame func(codec.Frame)) (CaptureHandle, error) {
			close(entered)
			<-release
			return mic, nil
		}),
		dialer,
		func(onIdle func()) (Playback, error) { return player, nil },
		&fakeHub{},
	)

	errCh := make(chan error, 1)
	go func() { errCh <- c.Start(context.Background()) }()

	<-entered
	c.Stop()
	close(release)

	if err := <-errCh; !errors.Is(err, ErrStopped) {
		t.Fatalf("expected ErrStopped, got %v", err)
	}

	mic.mu.Lock()
	stops := mic.stops
	mic.mu.Unlock()
	if stops != 1 {
		t.Fatalf("expected the late-acquired mic released exactly once, got %d", stops)
	}

	dialer.mu.Lock()
	dials := dialer.dials
	dialer.mu.Unlock()
	if dials != 0 {
		t.Fatal("expected no transport dial after stop")
	}
	if got := c.Status().State; got != StateIdle {
		t.Fatalf("expected idle after cancelled start, got %s", got)
	}
}

func TestController_StopDuringPlaybackAcquisitionReleasesBothDevices(t *testing.T) {
	entered := make(chan struct{})
	release := make(chan struct{})
	mic := &fakeMic{}
	dialer := &fakeDialer{}
	player := &fakePlayer{}

	c := NewController(Config{InputSampleRate: 16000, OutputSampleRate: 24000},
		CaptureFunc(func(sampleRate int, onFrame func(codec.Frame)) (CaptureHandle, error) {
			return mic, nil
		}),
		dialer,
		func(onIdle func()) (Playback, error) {
			close(entered)
			<-release
			return player, nil
		},
		&fakeHub{},
	)

	errCh := make(chan error, 1)
	go func() { errCh <- c.Start(context.Background()) }()

	<-entered
	c.Stop()
	close(release)

	if err := <-errCh; !errors.Is(err, ErrStopped) {
		t.Fatalf("expected ErrStopped, got %v", err)
	}

	mic.mu.Lock()
	stops := mic.stops
	mic.mu.Unlock()
	if stops != 1 {
		t.Fatalf("expected mic released exactly once, got %d", stops)
	}

	player.mu.Lock()
	teardowns := player.teardowns
	player.mu.Unlock()
	if teardowns != 1 {
		t.Fatalf("expected the late-acquired output released exactly once, got %d", teardowns)
	}

	dialer.mu.Lock()
	dials := dialer.dials
	dialer.mu.Unlock()
	if dials != 0 {
		t.Fatal("expected no transport dial after stop")
	}
}

type blockingDialer struct {
	entered chan struct{}
	release chan struct{}
	conn    *fakeConn
}

func (d *blockingDialer) Dial(ctx context.Context, cfg transport.Config, h transport.Handler) (transport.Conn, error) {
	close(d.entered)
	<-d.release
	return d.conn, nil
}

func TestController_StopDuringDialReleasesEverything(t *testing.T) {
	mic := &fakeMic{}
	player := &fakePlayer{}
	dialer := &blockingDialer{
		entered: make(chan struct{}),
		release: make(chan struct{}),
		conn:    &fakeConn{},
	}

	c := NewController(Config{InputSampleRate: 16000, OutputSampleRate: 24000},
		CaptureFunc(func(sampleRate int, onFrame func(codec.Frame)) (CaptureHandle, error) {
			return mic, nil
		}),
		dialer,
		func(onIdle func()) (Playback, error) { return player, nil },
		&fakeHub{},
	)

	errCh := make(chan error, 1)
	go func() { errCh <- c.Start(context.Background()) }()

	<-dialer.entered
	c.Stop()
	close(dialer.release)

	if err := <-errCh; !errors.Is(err, ErrStopped) {
		t.Fatalf("expected ErrStopped, got %v", err)
	}

	mic.mu.Lock()
	stops := mic.stops
	mic.mu.Unlock()
	if stops != 1 {
		t.Fatalf("expected mic released exactly once, got %d", stops)
	}

	player.mu.Lock()
	teardowns := player.teardowns
	player.mu.Unlock()
	if teardowns != 1 {
		t.Fatalf("expected output released exactly once, got %d", teardowns)
	}

	dialer.conn.mu.Lock()
	closes := dialer.conn.closes
	dialer.conn.mu.Unlock()
	if closes != 1 {
		t.Fatalf("expected the late-opened connection closed exactly once, got %d", closes)
	}
}

func TestController_RestartAfterStop(t *testing.T) {
	h := newHarness()
	if err := h.controller.Start(context.Background()); err != nil {
		t.Fatalf("first Start failed: %v", err)
	}
	h.controller.Stop()

	if err := h.controller.Start(context.Background()); err != nil {
		t.Fatalf("second Start failed: %v", err)
	}
	if got := h.controller.Status().State; got != StateActive {
		t.Fatalf("expected active after restart, got %s", got)
	}
}

func TestController_TranscriptSurvivesStop(t *testing.T) {
	h := newHarness()
	if err := h.controller.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	h.dialer.handler.Message(transport.Message{
		Fragment: &transport.Fragment{Speaker: transport.SpeakerUser, Text: "remember me", Final: true},
	})
	h.controller.Stop()

	entries := h.controller.Transcript()
	if len(entries) != 1 || entries[0].Text != "remember me" {
		t.Fatalf("expected transcript to outlive the session for recap, got %+v", entries)
	}
}
