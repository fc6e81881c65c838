package audio

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// FrameSource supplies output samples on demand. [PlaybackBuffer] is the
// canonical implementation.
type FrameSource interface {
	// Pull fills out completely and returns how many samples were real audio.
	Pull(out []float32) int
}

// Device is an output sink that pulls fixed-size frames from a FrameSource on
// its own clock.
//
// Implementations must be safe for concurrent use.
type Device interface {
	// Start begins pulling from src. Calling Start on a running device is a
	// no-op and returns nil.
	Start(src FrameSource) error

	// Stop halts the device. It is safe to call Stop more than once.
	Stop() error

	// Running reports whether the device is currently pulling frames.
	Running() bool
}

// Source captures mono or stereo little-endian PCM audio.
//
// Implementations must be safe for concurrent use.
type Source interface {
	// Start begins capture. The returned channel is closed when capture ends,
	// either because Stop was called, ctx was cancelled, or the input ran dry.
	Start(ctx context.Context) (<-chan AudioFrame, error)

	// Stop ends capture. It is safe to call Stop more than once.
	Stop() error
}

// ErrSourceStarted is returned by [Source.Start] when capture is already running.
var ErrSourceStarted = errors.New("audio: source already started")

// ─── PCM writer device ────────────────────────────────────────────────────────

// DeviceOption configures a [PCMWriterDevice].
type DeviceOption func(*PCMWriterDevice)

// WithFrameSize overrides the number of samples pulled per tick.
func WithFrameSize(n int) DeviceOption {
	return func(d *PCMWriterDevice) {
		if n > 0 {
			d.frameSize = n
		}
	}
}

// WithFrameInterval overrides the tick interval. By default the interval is
// derived from the frame size and [OutputSampleRate], which keeps the device
// at real-time pace.
func WithFrameInterval(iv time.Duration) DeviceOption {
	return func(d *PCMWriterDevice) {
		d.interval = iv
	}
}

// PCMWriterDevice is a pure-Go output [Device] that writes every pulled frame
// as little-endian int16 PCM to an io.Writer. Pipe its output into a player
// such as `aplay -f S16_LE -r 24000 -c 1`, or pass io.Discard for a headless
// client that still needs a real-time playback clock.
type PCMWriterDevice struct {
	w         io.Writer
	frameSize int
	interval  time.Duration

	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	running atomic.Bool
}

var _ Device = (*PCMWriterDevice)(nil)

// NewPCMWriterDevice returns a stopped device writing to w.
func NewPCMWriterDevice(w io.Writer, opts ...DeviceOption) *PCMWriterDevice {
	d := &PCMWriterDevice{w: w, frameSize: FrameSize}
	for _, o := range opts {
		o(d)
	}
	if d.interval <= 0 {
		d.interval = time.Duration(d.frameSize) * time.Second / OutputSampleRate
	}
	return d
}

// Start implements [Device].
func (d *PCMWriterDevice) Start(src FrameSource) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.running.Load() {
		return nil
	}
	ctx, cancel := context.WithCancel(context.Background())
	d.cancel = cancel
	d.done = make(chan struct{})
	d.running.Store(true)
	go d.loop(ctx, src, d.done)
	return nil
}

func (d *PCMWriterDevice) loop(ctx context.Context, src FrameSource, done chan struct{}) {
	defer close(done)
	defer d.running.Store(false)

	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	frame := make([]float32, d.frameSize)
	var pcm []byte
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			src.Pull(frame)
			pcm = EncodePCM16(pcm, frame)
			if _, err := d.w.Write(pcm); err != nil {
				slog.Warn("pcm device: write failed, stopping", "err", err)
				return
			}
		}
	}
}

// Stop implements [Device].
func (d *PCMWriterDevice) Stop() error {
	d.mu.Lock()
	cancel, done := d.cancel, d.done
	d.cancel, d.done = nil, nil
	d.mu.Unlock()
	if cancel == nil {
		return nil
	}
	cancel()
	<-done
	return nil
}

// Running implements [Device].
func (d *PCMWriterDevice) Running() bool {
	return d.running.Load()
}

// ─── PCM reader source ────────────────────────────────────────────────────────

// SourceOption configures a [PCMReaderSource].
type SourceOption func(*PCMReaderSource)

// WithFrameDuration sets the capture chunk length. Default 20 ms.
func WithFrameDuration(dur time.Duration) SourceOption {
	return func(s *PCMReaderSource) {
		if dur > 0 {
			s.frameDur = dur
		}
	}
}

// WithRealtime paces reads to the capture clock. Use it for file input so a
// recording is replayed at speaking speed.
func WithRealtime() SourceOption {
	return func(s *PCMReaderSource) {
		s.realtime = true
	}
}

// PCMReaderSource is a pure-Go [Source] that reads raw little-endian int16
// PCM from an io.Reader, such as stdin fed by `arecord -f S16_LE`.
//
// The reader is consumed by one long-lived goroutine started on the first
// Start. Each Start subscribes to it and Stop only ends that subscription, so
// the same source serves one session after another. Frames read while nobody
// is subscribed are dropped, like a live microphone nobody listens to.
type PCMReaderSource struct {
	r        io.Reader
	format   Format
	frameDur time.Duration
	realtime bool

	mu      sync.Mutex
	pumping bool
	drained bool
	sub     *subscription
}

// subscription is one Start/Stop cycle.
type subscription struct {
	frames chan AudioFrame
	done   chan struct{}
	once   sync.Once
}

func (sub *subscription) cancel() {
	sub.once.Do(func() { close(sub.done) })
}

var _ Source = (*PCMReaderSource)(nil)

// NewPCMReaderSource returns a source reading PCM in the given format from r.
func NewPCMReaderSource(r io.Reader, format Format, opts ...SourceOption) *PCMReaderSource {
	if format.Channels <= 0 {
		format.Channels = 1
	}
	s := &PCMReaderSource{r: r, format: format, frameDur: 20 * time.Millisecond}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Start implements [Source]. Once the reader hit EOF the returned channel is
// already closed.
func (s *PCMReaderSource) Start(ctx context.Context) (<-chan AudioFrame, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sub != nil {
		return nil, ErrSourceStarted
	}

	out := make(chan AudioFrame, 16)
	if s.drained {
		close(out)
		return out, nil
	}

	sub := &subscription{frames: make(chan AudioFrame, 16), done: make(chan struct{})}
	s.sub = sub
	if !s.pumping {
		s.pumping = true
		go s.readLoop()
	}
	go s.forward(ctx, sub, out)
	return out, nil
}

// forward copies the subscription to out until it ends or ctx is done. The
// slot stays taken until Stop.
func (s *PCMReaderSource) forward(ctx context.Context, sub *subscription, out chan<- AudioFrame) {
	defer close(out)
	defer sub.cancel()

	for {
		select {
		case f, ok := <-sub.frames:
			if !ok {
				return
			}
			select {
			case out <- f:
			case <-sub.done:
				return
			case <-ctx.Done():
				return
			}
		case <-sub.done:
			return
		case <-ctx.Done():
			return
		}
	}
}

// readLoop owns the reader. It is the only sender on subscription frames and
// closes the current subscription's frames at EOF.
func (s *PCMReaderSource) readLoop() {
	samples := int(int64(s.format.SampleRate) * int64(s.frameDur) / int64(time.Second))
	frameBytes := max(samples, 1) * 2 * s.format.Channels

	var ticker *time.Ticker
	if s.realtime {
		ticker = time.NewTicker(s.frameDur)
		defer ticker.Stop()
	}

	var ts time.Duration
	for {
		buf := make([]byte, frameBytes)
		n, err := io.ReadFull(s.r, buf)
		if n > 0 {
			frame := AudioFrame{
				Data:       buf[:n-n%2],
				SampleRate: s.format.SampleRate,
				Channels:   s.format.Channels,
				Timestamp:  ts,
			}
			ts += frame.Duration()

			s.mu.Lock()
			sub := s.sub
			s.mu.Unlock()
			if sub != nil {
				select {
				case sub.frames <- frame:
				case <-sub.done:
				}
			}
		}
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrUnexpectedEOF) {
				slog.Warn("pcm source: read failed", "err", err)
			}
			s.mu.Lock()
			s.drained = true
			if s.sub != nil {
				close(s.sub.frames)
			}
			s.mu.Unlock()
			return
		}
		if ticker != nil {
			<-ticker.C
		}
	}
}

// Stop implements [Source]. It ends the current subscription and leaves the
// reader open for the next Start.
func (s *PCMReaderSource) Stop() error {
	s.mu.Lock()
	sub := s.sub
	s.sub = nil
	s.mu.Unlock()
	if sub != nil {
		sub.cancel()
	}
	return nil
}
