// Package recap turns a finished conversation into a short written summary
// and, when a voice is configured, a spoken rendition of it.
package recap

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/ewoodhouse/parley/internal/llm"
	"github.com/ewoodhouse/parley/internal/transcript"
)

// Conversations below this many words are not worth recapping.
const minWords = 20

var ErrConversationTooShort = errors.New("conversation too short to recap")

const systemPrompt = `You summarize spoken conversations between a user and a voice assistant.
Write a recap of at most four sentences, in plain prose, covering what was
discussed and anything that was decided or left open. Do not add preamble.`

// Result is one finished recap. Audio is empty when no voice is configured
// or synthesis failed; the written summary stands on its own.
type Result struct {
	Summary string
	Audio   []byte
}

// Synthesizer renders text as speech.
type Synthesizer interface {
	Synthesize(ctx context.Context, text string) ([]byte, error)
}

type ClientFactory func(provider, model string) (llm.Client, error)

type Service struct {
	provider string
	model    string
	factory  ClientFactory
	voice    Synthesizer
	sleep    func(time.Duration)
}

// New builds a recap service. voice may be nil for text-only recaps.
func New(provider, model string, factory ClientFactory, voice Synthesizer) *Service {
	return &Service{
		provider: provider,
		model:    model,
		factory:  factory,
		voice:    voice,
		sleep:    time.Sleep,
	}
}

func (s *Service) Recap(ctx context.Context, entries []transcript.Entry) (Result, error) {
	text := FormatTranscript(entries)
	if len(strings.Fields(text)) < minWords {
		return Result{}, ErrConversationTooShort
	}

	client, err := s.factory(s.provider, s.model)
	if err != nil {
		return Result{}, fmt.Errorf("create llm client: %w", err)
	}

	backoff := []time.Duration{1 * time.Second, 4 * time.Second, 16 * time.Second}
	var summary string
	var lastErr error
	for attempt := range backoff {
		summary, lastErr = client.Complete(ctx, systemPrompt, text)
		if lastErr == nil {
			break
		}
		if attempt < len(backoff)-1 {
			s.sleep(backoff[attempt])
		}
	}
	if lastErr != nil {
		return Result{}, fmt.Errorf("recap failed after retries: %w", lastErr)
	}
	summary = strings.TrimSpace(summary)

	result := Result{Summary: summary}
	if s.voice != nil {
		audio, err := s.voice.Synthesize(ctx, summary)
		if err != nil {
			// The written recap is still useful on its own.
			slog.Warn("recap synthesis failed, returning text only", "error", err)
		} else {
			result.Audio = audio
		}
	}
	return result, nil
}

// FormatTranscript renders entries as speaker-labelled lines for the model.
func FormatTranscript(entries []transcript.Entry) string {
	var b strings.Builder
	for _, e := range entries {
		label := "User"
		if e.Speaker == transcript.SpeakerModel {
			label = "Assistant"
		}
		text := strings.TrimSpace(e.Text)
		if text == "" {
			continue
		}
		fmt.Fprintf(&b, "%s: %s\n", label, text)
	}
	return b.String()
}
