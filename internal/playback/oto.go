package playback

import (
	"bytes"
	"fmt"
	"sync"

	"github.com/ebitengine/oto/v3"
)

// oto allows exactly one audio context per process, so the context is created
// on first open and suspended/resumed across sessions rather than destroyed.
var (
	otoOnce    sync.Once
	otoCtx     *oto.Context
	otoInitErr error
)

// OtoDevice renders PCM16-LE through the system's default output via oto.
type OtoDevice struct {
	ctx *oto.Context
}

// OpenOutputDevice acquires the output at the session's fixed output format.
// Fails when no output device can be acquired. Close releases it for the
// next session.
func OpenOutputDevice(sampleRate, channels int) (*OtoDevice, error) {
	otoOnce.Do(func() {
		ctx, ready, err := oto.NewContext(&oto.NewContextOptions{
			SampleRate:   sampleRate,
			ChannelCount: channels,
			Format:       oto.FormatSignedInt16LE,
		})
		if err != nil {
			otoInitErr = err
			return
		}
		<-ready
		otoCtx = ctx
	})
	if otoInitErr != nil {
		return nil, fmt.Errorf("open audio output: %w", otoInitErr)
	}

	if err := otoCtx.Resume(); err != nil {
		return nil, fmt.Errorf("resume audio output: %w", err)
	}
	return &OtoDevice{ctx: otoCtx}, nil
}

func (d *OtoDevice) NewSource(pcm []byte, _, _ int) (Source, error) {
	return &otoSource{player: d.ctx.NewPlayer(bytes.NewReader(pcm))}, nil
}

func (d *OtoDevice) Close() error {
	return d.ctx.Suspend()
}

type otoSource struct {
	player *oto.Player
}

func (s *otoSource) Play() {
	s.player.Play()
}

func (s *otoSource) Stop() {
	_ = s.player.Close()
}
