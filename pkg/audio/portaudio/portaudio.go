//go:build portaudio

// Package portaudio adapts the system sound card to the [audio.Device] and
// [audio.Source] interfaces using PortAudio callback streams.
//
// The package is only compiled with the "portaudio" build tag because it
// links against the native PortAudio library via cgo.
package portaudio

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	pa "github.com/gordonklaus/portaudio"

	"github.com/MrWong99/spark/pkg/audio"
)

var (
	initMu   sync.Mutex
	initRefs int
)

// acquire initializes PortAudio on first use. Every successful acquire must
// be paired with release.
func acquire() error {
	initMu.Lock()
	defer initMu.Unlock()
	if initRefs == 0 {
		if err := pa.Initialize(); err != nil {
			return fmt.Errorf("portaudio: initialize: %w", err)
		}
	}
	initRefs++
	return nil
}

func release() {
	initMu.Lock()
	defer initMu.Unlock()
	initRefs--
	if initRefs == 0 {
		if err := pa.Terminate(); err != nil {
			slog.Warn("portaudio: terminate failed", "err", err)
		}
	}
}

// ─── Output ───────────────────────────────────────────────────────────────────

// Output plays mono float32 audio on the default output device. The stream
// callback pulls exactly one frame per invocation.
type Output struct {
	sampleRate int
	frameSize  int

	mu     sync.Mutex
	stream *pa.Stream
}

var _ audio.Device = (*Output)(nil)

// NewOutput returns a stopped output device.
func NewOutput(sampleRate, frameSize int) *Output {
	if sampleRate <= 0 {
		sampleRate = audio.OutputSampleRate
	}
	if frameSize <= 0 {
		frameSize = audio.FrameSize
	}
	return &Output{sampleRate: sampleRate, frameSize: frameSize}
}

// Start implements [audio.Device].
func (o *Output) Start(src audio.FrameSource) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.stream != nil {
		return nil
	}
	if err := acquire(); err != nil {
		return err
	}
	stream, err := pa.OpenDefaultStream(0, 1, float64(o.sampleRate), o.frameSize, func(out []float32) {
		src.Pull(out)
	})
	if err != nil {
		release()
		return fmt.Errorf("portaudio: open output stream: %w", err)
	}
	if err := stream.Start(); err != nil {
		_ = stream.Close()
		release()
		return fmt.Errorf("portaudio: start output stream: %w", err)
	}
	o.stream = stream
	return nil
}

// Stop implements [audio.Device].
func (o *Output) Stop() error {
	o.mu.Lock()
	stream := o.stream
	o.stream = nil
	o.mu.Unlock()
	if stream == nil {
		return nil
	}
	defer release()
	if err := stream.Stop(); err != nil {
		_ = stream.Close()
		return fmt.Errorf("portaudio: stop output stream: %w", err)
	}
	return stream.Close()
}

// Running implements [audio.Device].
func (o *Output) Running() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.stream != nil
}

// ─── Input ────────────────────────────────────────────────────────────────────

// Input captures mono int16 audio from the default input device.
type Input struct {
	sampleRate int
	frameSize  int

	mu     sync.Mutex
	stream *pa.Stream
	out    chan audio.AudioFrame
	cancel context.CancelFunc
}

var _ audio.Source = (*Input)(nil)

// NewInput returns a stopped capture source. frameSize is the number of
// samples delivered per frame.
func NewInput(sampleRate, frameSize int) *Input {
	if sampleRate <= 0 {
		sampleRate = 48000
	}
	if frameSize <= 0 {
		frameSize = sampleRate / 50
	}
	return &Input{sampleRate: sampleRate, frameSize: frameSize}
}

// Start implements [audio.Source]. Frames are dropped when the consumer falls
// behind so that the callback never blocks.
func (in *Input) Start(ctx context.Context) (<-chan audio.AudioFrame, error) {
	in.mu.Lock()
	defer in.mu.Unlock()
	if in.stream != nil {
		return nil, audio.ErrSourceStarted
	}
	if err := acquire(); err != nil {
		return nil, err
	}

	out := make(chan audio.AudioFrame, 32)
	var mu sync.Mutex
	closed := false
	stream, err := pa.OpenDefaultStream(1, 0, float64(in.sampleRate), in.frameSize, func(samples []int16) {
		pcm := make([]byte, len(samples)*2)
		for i, s := range samples {
			pcm[i*2] = byte(s)
			pcm[i*2+1] = byte(s >> 8)
		}
		mu.Lock()
		defer mu.Unlock()
		if closed {
			return
		}
		select {
		case out <- audio.AudioFrame{Data: pcm, SampleRate: in.sampleRate, Channels: 1}:
		default:
		}
	})
	if err != nil {
		release()
		return nil, fmt.Errorf("portaudio: open input stream: %w", err)
	}
	if err := stream.Start(); err != nil {
		_ = stream.Close()
		release()
		return nil, fmt.Errorf("portaudio: start input stream: %w", err)
	}

	ctx, cancel := context.WithCancel(ctx)
	in.stream, in.out, in.cancel = stream, out, cancel
	go func() {
		<-ctx.Done()
		if err := in.stopStream(); err != nil {
			slog.Warn("portaudio: input shutdown failed", "err", err)
		}
		mu.Lock()
		closed = true
		close(out)
		mu.Unlock()
	}()
	return out, nil
}

// Stop implements [audio.Source].
func (in *Input) Stop() error {
	in.mu.Lock()
	cancel := in.cancel
	in.cancel = nil
	in.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	return nil
}

func (in *Input) stopStream() error {
	in.mu.Lock()
	stream := in.stream
	in.stream = nil
	in.mu.Unlock()
	if stream == nil {
		return nil
	}
	defer release()
	if err := stream.Stop(); err != nil {
		_ = stream.Close()
		return err
	}
	return stream.Close()
}
