// Package codec converts between the float sample buffers the audio devices
// work with and the base64 PCM16-LE payloads the transport carries.
package codec

import (
	"encoding/base64"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"time"
)

// SampleWidth is the byte width of one encoded sample (signed 16-bit).
const SampleWidth = 2

// ErrMalformedPayload is returned by Decode when an inbound payload cannot be
// interpreted as base64-encoded PCM16-LE audio.
var ErrMalformedPayload = errors.New("malformed audio payload")

// Frame is one fixed-size block of captured input samples, ready to send as a
// single transport unit. Immutable after creation.
type Frame struct {
	PCM     []int16
	Payload string
}

// EncodeFrame quantizes captured float samples and wraps them in a Frame.
func EncodeFrame(samples []float32) Frame {
	pcm := Quantize(samples)
	return Frame{PCM: pcm, Payload: Marshal(pcm)}
}

// Quantize converts normalized float samples in [-1, 1] to signed 16-bit
// integers via round(s*32768), clamping at the boundary so +1.0 does not
// overflow.
func Quantize(samples []float32) []int16 {
	pcm := make([]int16, len(samples))
	for i, s := range samples {
		v := math.Round(float64(s) * 32768)
		if v > math.MaxInt16 {
			v = math.MaxInt16
		} else if v < math.MinInt16 {
			v = math.MinInt16
		}
		pcm[i] = int16(v)
	}
	return pcm
}

// Marshal packs samples as contiguous little-endian bytes and base64-encodes
// the result.
func Marshal(pcm []int16) string {
	raw := make([]byte, len(pcm)*SampleWidth)
	for i, s := range pcm {
		binary.LittleEndian.PutUint16(raw[i*SampleWidth:], uint16(s))
	}
	return base64.StdEncoding.EncodeToString(raw)
}

// Buffer is decoded inbound audio ready for playback.
type Buffer struct {
	PCM        []byte
	SampleRate int
	Channels   int
}

// Decode is the inverse of EncodeFrame/Marshal for inbound chunks. It returns
// ErrMalformedPayload when the base64 is invalid or the decoded byte length is
// not a multiple of the sample width.
func Decode(payload string, sampleRate, channels int) (*Buffer, error) {
	if sampleRate <= 0 || channels <= 0 {
		return nil, fmt.Errorf("%w: invalid format %d Hz / %d ch", ErrMalformedPayload, sampleRate, channels)
	}

	raw, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	if len(raw)%SampleWidth != 0 {
		return nil, fmt.Errorf("%w: %d bytes is not a whole number of samples", ErrMalformedPayload, len(raw))
	}

	return &Buffer{PCM: raw, SampleRate: sampleRate, Channels: channels}, nil
}

// Samples returns the buffer as normalized float samples in [-1, 1].
func (b *Buffer) Samples() []float32 {
	out := make([]float32, len(b.PCM)/SampleWidth)
	for i := range out {
		s := int16(binary.LittleEndian.Uint16(b.PCM[i*SampleWidth:]))
		out[i] = float32(s) / 32768
	}
	return out
}

// Duration is the playback time of the buffer at its sample rate.
func (b *Buffer) Duration() time.Duration {
	frames := len(b.PCM) / (SampleWidth * b.Channels)
	return time.Duration(float64(frames) / float64(b.SampleRate) * float64(time.Second))
}

// Seconds is Duration as a float, convenient for timeline arithmetic.
func (b *Buffer) Seconds() float64 {
	return float64(len(b.PCM)/(SampleWidth*b.Channels)) / float64(b.SampleRate)
}
