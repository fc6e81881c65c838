package audio

import (
	"math"
	"sync"
)

// OutputTap remembers the most recent samples handed to the output device.
// It is safe for concurrent use: the device writes from its callback while
// the analyzer reads from a timer.
type OutputTap struct {
	mu   sync.Mutex
	ring []float32
	pos  int
	full bool
}

// NewOutputTap returns a tap that keeps the last size samples. A size of zero
// or less selects [AmplitudeWindow].
func NewOutputTap(size int) *OutputTap {
	if size <= 0 {
		size = AmplitudeWindow
	}
	return &OutputTap{ring: make([]float32, size)}
}

// Write records samples, overwriting the oldest ones.
func (t *OutputTap) Write(samples []float32) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(samples) >= len(t.ring) {
		copy(t.ring, samples[len(samples)-len(t.ring):])
		t.pos = 0
		t.full = true
		return
	}
	for _, s := range samples {
		t.ring[t.pos] = s
		t.pos++
		if t.pos == len(t.ring) {
			t.pos = 0
			t.full = true
		}
	}
}

// Window copies the retained samples, oldest first, into a new slice.
func (t *OutputTap) Window() []float32 {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.full {
		return append([]float32(nil), t.ring[:t.pos]...)
	}
	out := make([]float32, 0, len(t.ring))
	out = append(out, t.ring[t.pos:]...)
	return append(out, t.ring[:t.pos]...)
}

// Clear forgets all retained samples.
func (t *OutputTap) Clear() {
	t.mu.Lock()
	defer t.mu.Unlock()
	clear(t.ring)
	t.pos = 0
	t.full = false
}

// Analyzer derives a normalized loudness value from an [OutputTap].
type Analyzer struct {
	tap  *OutputTap
	gain float64
}

// NewAnalyzer returns an analyzer reading from tap. A gain of zero or less
// selects [AmplitudeGain].
func NewAnalyzer(tap *OutputTap, gain float64) *Analyzer {
	if gain <= 0 {
		gain = AmplitudeGain
	}
	return &Analyzer{tap: tap, gain: gain}
}

// Sample returns the RMS of the tap window multiplied by the gain and clamped
// to [0, 1]. An empty window yields 0.
func (a *Analyzer) Sample() float64 {
	return Amplitude(a.tap.Window(), a.gain)
}

// Amplitude returns RMS(samples) * gain clamped to [0, 1].
func Amplitude(samples []float32, gain float64) float64 {
	if len(samples) == 0 {
		return 0
	}
	var sum float64
	for _, s := range samples {
		sum += float64(s) * float64(s)
	}
	rms := math.Sqrt(sum / float64(len(samples)))
	return min(max(rms*gain, 0), 1)
}
