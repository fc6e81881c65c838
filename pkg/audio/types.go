// Package audio provides the playback and capture primitives of the Spark
// client.
//
// The playback side is pull-based: the remote service streams 16-bit PCM
// which is decoded into a [PlaybackBuffer], and an output [Device] pulls
// fixed-size frames from it on its own clock. Every frame written to the
// device also passes through an [OutputTap] so that an [Analyzer] can derive
// a live amplitude for the visualizer.
//
// The capture side is push-based: a [Source] delivers [AudioFrame] values of
// raw little-endian PCM which are converted with [FormatConverter] before
// they reach voice activity detection and speech recognition.
//
// This package lives under pkg/ because device backends (for example the
// PortAudio adapter in audio/portaudio) implement [Device] and [Source].
package audio

import "time"

const (
	// OutputSampleRate is the fixed sample rate of synthesized speech.
	OutputSampleRate = 24000

	// FrameSize is the number of samples the output device pulls per callback.
	FrameSize = 4096

	// AmplitudeWindow is the number of most recent output samples the
	// analyzer considers.
	AmplitudeWindow = 256

	// AmplitudeGain scales the RMS of the amplitude window before clamping.
	AmplitudeGain = 15.0
)

// AudioFrame represents a single chunk of captured PCM audio.
type AudioFrame struct {
	// Data is raw little-endian int16 PCM.
	Data []byte

	// SampleRate in Hz (e.g., 48000 for a sound card, 16000 for STT).
	SampleRate int

	// Channels: 1 for mono, 2 for interleaved stereo.
	Channels int

	// Timestamp marks when this frame was captured, relative to stream start.
	Timestamp time.Duration
}

// Duration returns the playback length of the frame.
func (f AudioFrame) Duration() time.Duration {
	if f.SampleRate <= 0 || f.Channels <= 0 {
		return 0
	}
	samples := len(f.Data) / 2 / f.Channels
	return time.Duration(samples) * time.Second / time.Duration(f.SampleRate)
}
