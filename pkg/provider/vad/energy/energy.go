// Package energy provides a pure-Go RMS energy voice activity detector that
// implements vad.Engine.
//
// The detector maps the RMS level of each frame onto a pseudo-probability
// (RMS × gain, clamped to 1) and applies hysteresis: speech starts after a
// run of frames above the speech threshold and ends after a hangover of
// frames below the silence threshold.
package energy

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/MrWong99/spark/pkg/provider/vad"
)

const (
	defaultGain     = 10.0
	defaultOnset    = 60 * time.Millisecond
	defaultHangover = 600 * time.Millisecond
)

// Option is a functional option for configuring the Engine.
type Option func(*Engine)

// WithGain sets the factor applied to the frame RMS before thresholding.
func WithGain(g float64) Option {
	return func(e *Engine) {
		if g > 0 {
			e.gain = g
		}
	}
}

// WithOnset sets how long the level must stay above the speech threshold
// before speech start is reported.
func WithOnset(d time.Duration) Option {
	return func(e *Engine) {
		e.onset = d
	}
}

// WithHangover sets how long the level must stay below the silence threshold
// before speech end is reported.
func WithHangover(d time.Duration) Option {
	return func(e *Engine) {
		e.hangover = d
	}
}

// Engine creates energy-based VAD sessions.
type Engine struct {
	gain     float64
	onset    time.Duration
	hangover time.Duration
}

var _ vad.Engine = (*Engine)(nil)

// New returns an Engine with the given options applied.
func New(opts ...Option) *Engine {
	e := &Engine{gain: defaultGain, onset: defaultOnset, hangover: defaultHangover}
	for _, o := range opts {
		o(e)
	}
	return e
}

// NewSession implements vad.Engine.
func (e *Engine) NewSession(cfg vad.Config) (vad.SessionHandle, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	frameDur := time.Duration(cfg.FrameSizeMs) * time.Millisecond
	return &session{
		cfg:            cfg,
		gain:           e.gain,
		frameBytes:     cfg.FrameBytes(),
		onsetFrames:    framesFor(e.onset, frameDur),
		hangoverFrames: framesFor(e.hangover, frameDur),
	}, nil
}

// framesFor returns how many frames of length frame cover d, at least one.
func framesFor(d, frame time.Duration) int {
	return max(int((d+frame-1)/frame), 1)
}

var errClosed = errors.New("energy vad: session closed")

// session implements vad.SessionHandle. It is safe for concurrent use.
type session struct {
	cfg            vad.Config
	gain           float64
	frameBytes     int
	onsetFrames    int
	hangoverFrames int

	mu         sync.Mutex
	inSpeech   bool
	aboveCount int
	belowCount int
	closed     bool
}

// ProcessFrame implements vad.SessionHandle.
func (s *session) ProcessFrame(frame []byte) (vad.VADEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return vad.VADEvent{}, errClosed
	}
	if len(frame) != s.frameBytes {
		return vad.VADEvent{}, fmt.Errorf("energy vad: frame is %d bytes, want %d", len(frame), s.frameBytes)
	}

	p := min(rms(frame)*s.gain, 1)
	ev := vad.VADEvent{Probability: p}

	if s.inSpeech {
		if p < s.cfg.SilenceThreshold {
			s.belowCount++
		} else {
			s.belowCount = 0
		}
		if s.belowCount >= s.hangoverFrames {
			s.inSpeech = false
			s.belowCount = 0
			ev.Type = vad.VADSpeechEnd
		} else {
			ev.Type = vad.VADSpeechContinue
		}
		return ev, nil
	}

	if p >= s.cfg.SpeechThreshold {
		s.aboveCount++
	} else {
		s.aboveCount = 0
	}
	if s.aboveCount >= s.onsetFrames {
		s.inSpeech = true
		s.aboveCount = 0
		ev.Type = vad.VADSpeechStart
	} else {
		ev.Type = vad.VADSilence
	}
	return ev, nil
}

// Reset implements vad.SessionHandle.
func (s *session) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.inSpeech = false
	s.aboveCount = 0
	s.belowCount = 0
}

// Close implements vad.SessionHandle.
func (s *session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// rms returns the root mean square of little-endian int16 PCM, normalized to
// [0, 1].
func rms(pcm []byte) float64 {
	n := len(pcm) / 2
	if n == 0 {
		return 0
	}
	var sum float64
	for i := range n {
		v := float64(int16(binary.LittleEndian.Uint16(pcm[i*2:]))) / 32768
		sum += v * v
	}
	return math.Sqrt(sum / float64(n))
}
