// Package mock provides in-memory mock implementations of the [audio.Device]
// and [audio.Source] interfaces for use in unit tests.
//
// All mocks are safe for concurrent use. They record every method call so that
// tests can assert on call counts, and they expose exported fields that the
// test can set to control return values.
//
// Typical usage:
//
//	dev := &mock.Device{}
//	buf := audio.NewPlaybackBuffer()
//	_ = dev.Start(buf)
//	frame := dev.PullFrame(audio.FrameSize) // drives the source like a callback
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/spark/pkg/audio"
)

// ─── Device ───────────────────────────────────────────────────────────────────

// Device is a mock implementation of [audio.Device]. It never pulls on its
// own; tests drive it with [Device.PullFrame].
type Device struct {
	mu sync.Mutex

	// StartErr is returned by Start.
	StartErr error

	// StopErr is returned by Stop.
	StopErr error

	// StartCalls and StopCalls count invocations.
	StartCalls int
	StopCalls  int

	src     audio.FrameSource
	running bool
}

var _ audio.Device = (*Device)(nil)

// Start implements [audio.Device].
func (d *Device) Start(src audio.FrameSource) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.StartCalls++
	if d.StartErr != nil {
		return d.StartErr
	}
	d.src = src
	d.running = true
	return nil
}

// Stop implements [audio.Device].
func (d *Device) Stop() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.StopCalls++
	d.running = false
	return d.StopErr
}

// Running implements [audio.Device].
func (d *Device) Running() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.running
}

// Calls returns the Start and Stop call counts. Thread-safe.
func (d *Device) Calls() (starts, stops int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.StartCalls, d.StopCalls
}

// PullFrame simulates one output callback of n samples. It returns nil when
// the device is not running.
func (d *Device) PullFrame(n int) []float32 {
	d.mu.Lock()
	src, running := d.src, d.running
	d.mu.Unlock()
	if !running || src == nil {
		return nil
	}
	out := make([]float32, n)
	src.Pull(out)
	return out
}

// ─── Source ───────────────────────────────────────────────────────────────────

// Source is a mock implementation of [audio.Source]. Frames written with
// [Source.Emit] are delivered on the channel returned by Start.
type Source struct {
	mu sync.Mutex

	// StartErr is returned by Start.
	StartErr error

	// StartCalls and StopCalls count invocations.
	StartCalls int
	StopCalls  int

	ch chan audio.AudioFrame
}

var _ audio.Source = (*Source)(nil)

// Start implements [audio.Source].
func (s *Source) Start(_ context.Context) (<-chan audio.AudioFrame, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.StartCalls++
	if s.StartErr != nil {
		return nil, s.StartErr
	}
	s.ch = make(chan audio.AudioFrame, 64)
	return s.ch, nil
}

// Stop implements [audio.Source]. It closes the frame channel.
func (s *Source) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.StopCalls++
	if s.ch != nil {
		close(s.ch)
		s.ch = nil
	}
	return nil
}

// Emit delivers a frame to the consumer. It is a no-op when not started.
func (s *Source) Emit(f audio.AudioFrame) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ch != nil {
		s.ch <- f
	}
}

// Started reports whether the source is capturing. Thread-safe.
func (s *Source) Started() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ch != nil
}
