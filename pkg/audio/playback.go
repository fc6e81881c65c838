package audio

import (
	"log/slog"
	"sync"
)

// PlaybackStats is a point-in-time view of a [PlaybackBuffer]'s counters.
type PlaybackStats struct {
	// Enqueued is the number of samples appended since the last Reset.
	Enqueued uint64 `json:"enqueued"`

	// Consumed is the number of real (non-padding) samples pulled since the
	// last Reset.
	Consumed uint64 `json:"consumed"`

	// Queued is the number of samples currently waiting.
	Queued int `json:"queued"`

	// HighWater is the largest queue length observed since creation.
	HighWater int `json:"high_water"`

	// Underruns counts pulls that had to pad a partially filled frame.
	Underruns uint64 `json:"underruns"`
}

// PlaybackOption configures a [PlaybackBuffer].
type PlaybackOption func(*PlaybackBuffer)

// WithHighWaterWarning logs a single warning when the queue first grows past
// n samples. The queue itself stays unbounded.
func WithHighWaterWarning(n int) PlaybackOption {
	return func(b *PlaybackBuffer) {
		b.warnAt = n
	}
}

// PlaybackBuffer is an unbounded FIFO of normalized mono samples that feeds
// the output device.
//
// Producers append with [PlaybackBuffer.Enqueue] or
// [PlaybackBuffer.EnqueuePCM16]; the device consumes from the head with
// [PlaybackBuffer.Pull]. A single mutex guards the queue, so
// [PlaybackBuffer.Reset] is atomic with respect to an in-progress pull.
//
// PlaybackBuffer is safe for concurrent use.
type PlaybackBuffer struct {
	mu        sync.Mutex
	queue     []float32
	enqueued  uint64
	consumed  uint64
	underruns uint64
	highWater int

	warnAt   int
	warnOnce sync.Once
	oddOnce  sync.Once
}

// NewPlaybackBuffer returns an empty buffer.
func NewPlaybackBuffer(opts ...PlaybackOption) *PlaybackBuffer {
	b := &PlaybackBuffer{}
	for _, o := range opts {
		o(b)
	}
	return b
}

// Enqueue appends samples to the tail of the queue.
func (b *PlaybackBuffer) Enqueue(samples []float32) {
	if len(samples) == 0 {
		return
	}
	b.mu.Lock()
	b.queue = append(b.queue, samples...)
	b.enqueued += uint64(len(samples))
	n := len(b.queue)
	if n > b.highWater {
		b.highWater = n
	}
	b.mu.Unlock()

	if b.warnAt > 0 && n > b.warnAt {
		b.warnOnce.Do(func() {
			slog.Warn("playback buffer grew past high-water mark", "samples", n, "mark", b.warnAt)
		})
	}
}

// EnqueuePCM16 decodes little-endian int16 PCM and appends the samples. A
// trailing odd byte is dropped.
func (b *PlaybackBuffer) EnqueuePCM16(pcm []byte) {
	if len(pcm)%2 != 0 {
		b.oddOnce.Do(func() {
			slog.Warn("playback buffer: odd byte count in PCM chunk, dropping last byte", "bytes", len(pcm))
		})
	}
	b.Enqueue(DecodePCM16(pcm))
}

// Pull fills out with samples from the head of the queue and zero-pads any
// shortfall. It returns the number of real samples copied. Pull never fails;
// an empty queue yields a frame of silence.
func (b *PlaybackBuffer) Pull(out []float32) int {
	b.mu.Lock()
	n := copy(out, b.queue)
	b.queue = b.queue[n:]
	if len(b.queue) == 0 {
		b.queue = nil
	}
	b.consumed += uint64(n)
	if n > 0 && n < len(out) {
		b.underruns++
	}
	b.mu.Unlock()

	clear(out[n:])
	return n
}

// Reset discards every queued sample and zeroes the enqueue and consume
// counters.
func (b *PlaybackBuffer) Reset() {
	b.mu.Lock()
	b.queue = nil
	b.enqueued = 0
	b.consumed = 0
	b.mu.Unlock()
}

// IsEmpty reports whether no samples are waiting.
func (b *PlaybackBuffer) IsEmpty() bool {
	return b.Len() == 0
}

// Len returns the number of queued samples.
func (b *PlaybackBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.queue)
}

// Stats returns a snapshot of the buffer counters.
func (b *PlaybackBuffer) Stats() PlaybackStats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return PlaybackStats{
		Enqueued:  b.enqueued,
		Consumed:  b.consumed,
		Queued:    len(b.queue),
		HighWater: b.highWater,
		Underruns: b.underruns,
	}
}
