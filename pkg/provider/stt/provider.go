// Package stt defines the Provider interface for streaming Speech-to-Text
// backends.
//
// An STT provider wraps a real-time transcription service (e.g., Deepgram)
// and exposes a uniform recognizer lifecycle. One SessionHandle corresponds
// to one utterance: it is opened when voice activity starts, accepts raw PCM
// while the user speaks, is finalized when voice activity stops, and ends
// once the provider has delivered its last result. Interim guesses arrive on
// Partials and authoritative text on Finals.
//
// Implementations must be safe for concurrent use.
package stt

import (
	"context"
	"errors"
)

// ErrSessionClosed is returned by SessionHandle methods after the stream has
// ended or been closed.
var ErrSessionClosed = errors.New("stt: session closed")

// StreamConfig describes the audio format and recognition hints for a new STT
// session.
type StreamConfig struct {
	// SampleRate is the audio sample rate in Hz. 16000 is the common
	// STT-optimised rate.
	SampleRate int

	// Channels is the number of audio channels. 1 = mono.
	Channels int

	// Language is the BCP-47 language tag for recognition (e.g., "en-US").
	// An empty string lets the provider pick its default.
	Language string

	// Keywords is a list of vocabulary hints that increase recognition
	// probability for uncommon words.
	Keywords []KeywordBoost
}

// SessionHandle represents one open recognition stream.
//
// The lifecycle mirrors a browser speech recognizer: StartStream is "start"
// (the returned handle means recognition has started), Finalize is "stop",
// and the closing of both result channels is "end". If the stream ended
// because of a failure, Err reports it once the channels are closed.
//
// All methods must be safe for concurrent use.
type SessionHandle interface {
	// SendAudio delivers a chunk of raw little-endian PCM to the provider.
	// Calling SendAudio after Finalize or Close returns ErrSessionClosed.
	SendAudio(chunk []byte) error

	// Partials returns a read-only channel of interim transcripts. It is
	// closed when the stream ends.
	Partials() <-chan Transcript

	// Finals returns a read-only channel of committed transcripts. It is
	// closed when the stream ends.
	Finals() <-chan Transcript

	// Finalize stops accepting audio and asks the provider to flush pending
	// results. The stream ends asynchronously once the provider is done.
	// Calling Finalize more than once is safe.
	Finalize() error

	// Err returns the failure that ended the stream, or nil if it ended
	// normally. It is only meaningful once Partials and Finals are closed.
	Err() error

	// Close aborts the stream immediately and releases all resources. After
	// Close returns, both channels are closed. Calling Close more than once
	// is safe and returns nil.
	Close() error
}

// Provider is the abstraction over any STT backend.
//
// Implementations must be safe for concurrent use.
type Provider interface {
	// StartStream opens a new recognition stream. The returned handle is
	// ready to accept audio immediately.
	//
	// Returns an error if the provider cannot establish the session (e.g.,
	// authentication failure or ctx already cancelled).
	StartStream(ctx context.Context, cfg StreamConfig) (SessionHandle, error)
}
