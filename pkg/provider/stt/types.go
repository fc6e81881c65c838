package stt

import "time"

// Transcript is one recognition result. Interim results may be revised by
// later ones; a final result is committed and will not change.
type Transcript struct {
	Text    string
	IsFinal bool

	// Confidence is in [0,1], or zero when the recognizer does not report it.
	Confidence float64

	// Words is filled by recognizers with word timing; may be empty.
	Words []WordDetail

	// Duration is the audio span the result covers.
	Duration time.Duration
}

// WordDetail is the timing of one recognized word, relative to the start of
// the stream.
type WordDetail struct {
	Word       string
	Start, End time.Duration
	Confidence float64
}

// KeywordBoost biases recognition toward a word the assistant expects to
// hear, such as its own name. Boost uses the recognizer's scale.
type KeywordBoost struct {
	Keyword string
	Boost   float64
}
