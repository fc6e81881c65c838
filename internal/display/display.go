// Package display keeps the text side of the assistant UI: the status line,
// the rolling subtitle history and whether a session is configured or
// running. It holds no rendering code; the local API serves [View] values to
// whatever draws them.
package display

import (
	"log/slog"
	"sync"
)

// DefaultMaxSubtitles is the number of subtitle entries kept.
const DefaultMaxSubtitles = 5

// Speaker identifies who a subtitle belongs to.
type Speaker string

const (
	User Speaker = "user"
	AI   Speaker = "ai"
)

// Phase is the coarse UI mode.
type Phase string

const (
	// PhaseConfig shows the session configuration, before Start or after Stop.
	PhaseConfig Phase = "config"

	// PhaseActive shows the status line and subtitles of a running session.
	PhaseActive Phase = "active"
)

// Entry is one subtitle line.
type Entry struct {
	Speaker Speaker `json:"speaker"`
	Text    string  `json:"text"`

	// Interim marks the single live user entry that is still being
	// recognized.
	Interim bool `json:"interim,omitempty"`
}

// View is a copy of the board contents.
type View struct {
	Phase  Phase  `json:"phase"`
	Status string `json:"status"`

	// Subtitles is ordered oldest first.
	Subtitles []Entry `json:"subtitles"`

	// Dismissable reports whether the control that stops the displayed
	// extension should be visible.
	Dismissable bool `json:"dismissable"`
}

// Option configures a [Board].
type Option func(*Board)

// WithMaxSubtitles overrides [DefaultMaxSubtitles].
func WithMaxSubtitles(n int) Option {
	return func(b *Board) {
		if n > 0 {
			b.max = n
		}
	}
}

// Board is the display model.
//
// Board is safe for concurrent use.
type Board struct {
	mu          sync.Mutex
	max         int
	phase       Phase
	status      string
	entries     []Entry
	interim     int // index into entries, -1 if none
	dismissable bool
}

// New returns an empty board in [PhaseConfig].
func New(opts ...Option) *Board {
	b := &Board{
		max:     DefaultMaxSubtitles,
		phase:   PhaseConfig,
		interim: -1,
	}
	for _, o := range opts {
		o(b)
	}
	return b
}

// SetPhase switches between the config and active layouts. Entering
// [PhaseConfig] clears the subtitles.
func (b *Board) SetPhase(p Phase) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.phase = p
	if p == PhaseConfig {
		b.entries = nil
		b.interim = -1
		b.dismissable = false
	}
}

// SetStatus replaces the status line.
func (b *Board) SetStatus(text string) {
	b.mu.Lock()
	b.status = text
	b.mu.Unlock()
	slog.Debug("status", "text", text)
}

// Status returns the status line.
func (b *Board) Status() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.status
}

// SetDismissable shows or hides the dismiss control.
func (b *Board) SetDismissable(v bool) {
	b.mu.Lock()
	b.dismissable = v
	b.mu.Unlock()
}

// AddSubtitle records text for speaker.
//
// An interim user entry is created once and then updated in place. A final
// user entry finalizes the interim entry if there is one. An AI entry drops
// any interim user entry before it is appended. The oldest entries are
// dropped beyond the limit.
func (b *Board) AddSubtitle(speaker Speaker, text string, interim bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch {
	case interim && speaker == User:
		if b.interim < 0 {
			b.entries = append(b.entries, Entry{Speaker: User, Interim: true})
			b.interim = len(b.entries) - 1
		}
		b.entries[b.interim].Text = text
	case speaker == User && b.interim >= 0:
		b.entries[b.interim] = Entry{Speaker: User, Text: text}
		b.interim = -1
	default:
		if speaker == AI && b.interim >= 0 {
			b.entries = append(b.entries[:b.interim], b.entries[b.interim+1:]...)
			b.interim = -1
		}
		b.entries = append(b.entries, Entry{Speaker: speaker, Text: text})
	}

	if drop := len(b.entries) - b.max; drop > 0 {
		b.entries = append([]Entry(nil), b.entries[drop:]...)
		if b.interim >= 0 {
			b.interim -= drop
			if b.interim < 0 {
				b.interim = -1
			}
		}
	}
}

// ClearSubtitles removes every subtitle.
func (b *Board) ClearSubtitles() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.entries = nil
	b.interim = -1
}

// View returns a copy of the board.
func (b *Board) View() View {
	b.mu.Lock()
	defer b.mu.Unlock()
	return View{
		Phase:       b.phase,
		Status:      b.status,
		Subtitles:   append([]Entry{}, b.entries...),
		Dismissable: b.dismissable,
	}
}
