// Package playback decodes inbound audio chunks and schedules them for
// gapless sequential playback against a monotonically advancing output
// timeline.
package playback

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ewoodhouse/parley/internal/codec"
)

// ErrTornDown is returned by Enqueue after Teardown released the output
// device.
var ErrTornDown = errors.New("playback scheduler torn down")

// Device is the output backend. One device is held per live session and
// released exactly once at teardown.
type Device interface {
	NewSource(pcm []byte, sampleRate, channels int) (Source, error)
	Close() error
}

// Source is one playable decoded buffer.
type Source interface {
	Play()
	Stop()
}

// Clock abstracts the output clock so scheduling is testable. The real
// implementation is the wall clock.
type Clock interface {
	Now() time.Time
	AfterFunc(d time.Duration, f func()) Timer
}

type Timer interface {
	Stop() bool
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

func (realClock) AfterFunc(d time.Duration, f func()) Timer { return time.AfterFunc(d, f) }

// Scheduler owns every in-flight playback source from creation until its
// completion fires or it is forcibly stopped. The timeline cursor only moves
// forward, except for the explicit reset to zero on Interrupt.
type Scheduler struct {
	dev    Device
	clock  Clock
	onIdle func()

	mu       sync.Mutex
	epoch    time.Time
	cursor   float64 // seconds on the output timeline
	inflight map[*entry]struct{}
	closed   bool
}

type entry struct {
	src        Source
	startTimer Timer
	doneTimer  Timer
	started    bool
}

// NewScheduler wires a scheduler to an output device. onIdle fires whenever
// the in-flight set becomes empty through normal completion; it may be nil.
func NewScheduler(dev Device, onIdle func()) *Scheduler {
	return newScheduler(dev, realClock{}, onIdle)
}

func newScheduler(dev Device, clock Clock, onIdle func()) *Scheduler {
	return &Scheduler{
		dev:      dev,
		clock:    clock,
		onIdle:   onIdle,
		epoch:    clock.Now(),
		inflight: make(map[*entry]struct{}),
	}
}

// Enqueue decodes one inbound chunk and schedules it at
// max(cursor, now) — back-to-back with the previous chunk in arrival order,
// clamped so network jitter can never schedule an overlap or a negative gap.
// A decode failure leaves the timeline untouched so later valid chunks still
// play in order.
func (s *Scheduler) Enqueue(payload string, sampleRate, channels int) error {
	buf, err := codec.Decode(payload, sampleRate, channels)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrTornDown
	}

	src, err := s.dev.NewSource(buf.PCM, buf.SampleRate, buf.Channels)
	if err != nil {
		return fmt.Errorf("create playback source: %w", err)
	}

	now := s.clock.Now().Sub(s.epoch).Seconds()
	startAt := s.cursor
	if now > startAt {
		startAt = now
	}

	e := &entry{src: src}
	s.inflight[e] = struct{}{}

	delay := time.Duration((startAt - now) * float64(time.Second))
	if delay < 0 {
		delay = 0
	}
	duration := buf.Duration()
	e.startTimer = s.clock.AfterFunc(delay, func() { s.start(e, duration) })

	s.cursor = startAt + buf.Seconds()
	return nil
}

func (s *Scheduler) start(e *entry, duration time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.inflight[e]; !ok || s.closed {
		return
	}
	e.started = true
	e.doneTimer = s.clock.AfterFunc(duration, func() { s.complete(e) })
	// Play under the lock: an interrupt that flushes this entry either runs
	// first (and the membership check above bails) or stops the source only
	// after it is audible. Play must never land on a stopped source.
	e.src.Play()
}

func (s *Scheduler) complete(e *entry) {
	s.mu.Lock()
	if _, ok := s.inflight[e]; !ok {
		s.mu.Unlock()
		return
	}
	delete(s.inflight, e)
	idle := len(s.inflight) == 0
	s.mu.Unlock()

	e.src.Stop()
	if idle && s.onIdle != nil {
		s.onIdle()
	}
}

// Busy reports whether any source is still in flight.
func (s *Scheduler) Busy() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.inflight) > 0
}

// Interrupt stops every in-flight source immediately — including ones
// scheduled but not yet audible — clears the set, and resets the timeline to
// zero anchored at this instant, so the next Enqueue starts fresh from now.
// Used on barge-in.
func (s *Scheduler) Interrupt() {
	s.mu.Lock()
	stopped := s.flushLocked()
	s.mu.Unlock()

	for _, src := range stopped {
		src.Stop()
	}
}

// Teardown is Interrupt plus release of the output device. Idempotent and
// safe to call concurrently with itself.
func (s *Scheduler) Teardown() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	stopped := s.flushLocked()
	s.mu.Unlock()

	for _, src := range stopped {
		src.Stop()
	}
	_ = s.dev.Close()
}

// flushLocked cancels all timers and empties the in-flight set, returning the
// sources that had already started so the caller can stop them outside the
// lock.
func (s *Scheduler) flushLocked() []Source {
	var stopped []Source
	for e := range s.inflight {
		if e.startTimer != nil {
			e.startTimer.Stop()
		}
		if e.doneTimer != nil {
			e.doneTimer.Stop()
		}
		if e.started {
			stopped = append(stopped, e.src)
		}
	}
	s.inflight = make(map[*entry]struct{})
	s.cursor = 0
	s.epoch = s.clock.Now()
	return stopped
}
