// Package transcript merges streamed partial transcript fragments into
// per-speaker-turn entries.
package transcript

import "sync"

type Speaker string

const (
	SpeakerUser  Speaker = "user"
	SpeakerModel Speaker = "model"
)

// Entry is one speaker turn. Entries are append-only and never reordered.
type Entry struct {
	Speaker Speaker `json:"speaker"`
	Text    string  `json:"text"`
	Final   bool    `json:"final"`
}

// Aggregator holds the ordered transcript of the current session.
type Aggregator struct {
	mu      sync.Mutex
	entries []Entry
}

func NewAggregator() *Aggregator {
	return &Aggregator{}
}

// Append merges a streamed fragment into the transcript. A fragment for the
// same speaker as the last entry extends that entry in place while it is not
// final; a final fragment closes the entry, so the next fragment for that
// speaker starts a new one. Returns a copy of the updated entries for
// display.
func (a *Aggregator) Append(speaker Speaker, text string, final bool) []Entry {
	a.mu.Lock()
	defer a.mu.Unlock()

	if n := len(a.entries); n > 0 && a.entries[n-1].Speaker == speaker && !a.entries[n-1].Final {
		a.entries[n-1].Text += text
		a.entries[n-1].Final = final
	} else {
		a.entries = append(a.entries, Entry{Speaker: speaker, Text: text, Final: final})
	}

	return a.snapshot()
}

// Entries returns a copy of the current ordered transcript.
func (a *Aggregator) Entries() []Entry {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.snapshot()
}

func (a *Aggregator) snapshot() []Entry {
	if len(a.entries) == 0 {
		return nil
	}
	out := make([]Entry, len(a.entries))
	copy(out, a.entries)
	return out
}
