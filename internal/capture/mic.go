// Package capture owns the microphone input stream and cuts it into
// fixed-size transport frames.
package capture

import (
	"errors"
	"fmt"
	"sync"

	"github.com/gordonklaus/portaudio"

	"github.com/ewoodhouse/parley/internal/codec"
)

// FrameSize is the fixed capture window in samples. 4096 at 16 kHz is ~256ms
// per frame: small enough to keep the conversation responsive, large enough
// to not flood the transport with tiny messages.
const FrameSize = 4096

// ErrDeviceUnavailable is returned by Open when the microphone cannot be
// acquired (no device, or permission denied).
var ErrDeviceUnavailable = errors.New("audio input device unavailable")

// OnFrame receives one encoded frame per capture window. It is invoked on the
// capture subsystem's thread, not the caller's, and must not block.
type OnFrame func(codec.Frame)

// Mic is an open, running capture stream. The caller that Opened it owns it
// and must Stop it exactly when the session ends; Stop is idempotent.
type Mic struct {
	mu      sync.Mutex
	stream  *portaudio.Stream
	stopped bool
}

// Open acquires the default input device exclusively and starts delivering
// frames to onFrame. PortAudio itself must already be initialized by the
// process (portaudio.Initialize in the shell).
func Open(sampleRate int, onFrame OnFrame) (*Mic, error) {
	stream, err := portaudio.OpenDefaultStream(1, 0, float64(sampleRate), FrameSize, func(in []float32) {
		onFrame(codec.EncodeFrame(in))
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDeviceUnavailable, err)
	}

	if err := stream.Start(); err != nil {
		_ = stream.Close()
		return nil, fmt.Errorf("%w: %v", ErrDeviceUnavailable, err)
	}

	return &Mic{stream: stream}, nil
}

// Stop disconnects and releases the device. Safe to call more than once, on a
// nil Mic, or on a Mic whose open never completed.
func (m *Mic) Stop() {
	if m == nil {
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.stopped || m.stream == nil {
		return
	}
	m.stopped = true

	_ = m.stream.Stop()
	_ = m.stream.Close()
	m.stream = nil
}
