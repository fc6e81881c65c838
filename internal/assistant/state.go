// Package assistant holds the visual status state machine of the voice
// assistant: which of the six modes is shown, the 300 ms easing between
// modes, the glow level associated with each mode, and the speech amplitude
// fed to the visualizer.
package assistant

import (
	"fmt"
	"strings"
)

// State is one of the assistant's visual modes.
type State int

const (
	Idle State = iota
	Listening
	Thinking
	Speaking
	Searching
	Displaying
)

var stateNames = [...]string{
	Idle:       "idle",
	Listening:  "listening",
	Thinking:   "thinking",
	Speaking:   "speaking",
	Searching:  "searching",
	Displaying: "displaying",
}

// String returns the lowercase state name.
func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "unknown"
	}
	return stateNames[s]
}

// IsValid reports whether s is a known state.
func (s State) IsValid() bool {
	return s >= Idle && s <= Displaying
}

// MarshalText implements encoding.TextMarshaler.
func (s State) MarshalText() ([]byte, error) {
	if !s.IsValid() {
		return nil, fmt.Errorf("assistant: invalid state %d", int(s))
	}
	return []byte(s.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *State) UnmarshalText(b []byte) error {
	for i, name := range stateNames {
		if name == string(b) {
			*s = State(i)
			return nil
		}
	}
	return fmt.Errorf("assistant: unknown state %q", b)
}

// GlowTarget returns the glow intensity the visualizer eases towards while s
// is the target state.
func (s State) GlowTarget() float64 {
	switch s {
	case Speaking:
		return 50
	case Thinking:
		return 45
	case Listening:
		return 40
	case Searching, Displaying:
		return 42
	default:
		return 30
	}
}

// Event is an explicit status change emitted by a pipeline component. It
// travels alongside the human-readable status text so that the state machine
// never depends on matching message wording.
type Event int

const (
	EventReady Event = iota
	EventListening
	EventThinking
	EventSpeaking
	EventSearching
)

// State maps an event to the state it requests.
func (e Event) State() State {
	switch e {
	case EventListening:
		return Listening
	case EventThinking:
		return Thinking
	case EventSpeaking:
		return Speaking
	case EventSearching:
		return Searching
	default:
		return Idle
	}
}

// String returns the event name used in logs.
func (e Event) String() string {
	return e.State().String()
}

// keywordTable is checked in order against lowercased status text.
var keywordTable = []struct {
	keyword string
	state   State
}{
	{"listening", Listening},
	{"speech detected", Listening},
	{"speaking", Speaking},
	{"ai responding", Speaking},
	{"thinking", Thinking},
	{"processing", Thinking},
}

// StatusFromText derives a state from unstructured status text, for
// messages that arrive without an explicit Event. Unrecognized text maps to
// Idle.
func StatusFromText(text string) State {
	lower := strings.ToLower(text)
	for _, k := range keywordTable {
		if strings.Contains(lower, k.keyword) {
			return k.state
		}
	}
	return Idle
}
