// Package speech turns microphone audio into finalized user utterances.
//
// A [Pipeline] feeds every captured frame to a VAD session. Speech start
// opens one recognition stream, speech end finalizes it, and the end of the
// stream decides whether the accumulated text is sent. The pipeline is the
// only writer of its [RecognitionState]; callers observe it through
// [Pipeline.State] and the [Handler] callbacks.
package speech

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/MrWong99/spark/internal/assistant"
	"github.com/MrWong99/spark/internal/observe"
	"github.com/MrWong99/spark/pkg/audio"
	"github.com/MrWong99/spark/pkg/provider/stt"
	"github.com/MrWong99/spark/pkg/provider/vad"
)

// Status lines reported through [Handler.OnStatus].
const (
	StatusListening = "Listening..."
	StatusThinking  = "Thinking..."
	StatusReady     = "Ready"

	// StatusNotSent is reported when a transcript could not be delivered.
	StatusNotSent = "Not connected"
)

// RecognitionState tracks whether speech-to-text is capturing.
type RecognitionState int

const (
	// Idle means no recognition stream is open.
	Idle RecognitionState = iota

	// Listening means a stream is open and receives microphone audio.
	Listening

	// Finalizing means the stream was asked to flush and will end soon.
	Finalizing
)

// String returns the lower-case state name.
func (s RecognitionState) String() string {
	switch s {
	case Idle:
		return "idle"
	case Listening:
		return "listening"
	case Finalizing:
		return "finalizing"
	default:
		return "unknown"
	}
}

// Handler receives the pipeline's output. Methods are called from pipeline
// goroutines and must not block for long.
type Handler interface {
	// OnInterim receives live partial text. It is for display only.
	OnInterim(text string)

	// OnTranscript receives a finalized utterance that should be sent to the
	// remote service. It reports whether the text was sent.
	OnTranscript(text string) bool

	// OnStatus reports a recognizer status change together with the
	// human-readable status line.
	OnStatus(ev assistant.Event, status string)
}

// Config wires a [Pipeline] to its collaborators.
type Config struct {
	// Recognizer opens recognition streams. Required.
	Recognizer stt.Provider

	// Stream is passed to every StartStream call. A zero SampleRate means
	// the VAD sample rate; a zero Channels means mono.
	Stream stt.StreamConfig

	// VAD creates the voice activity session used by [Pipeline.Run]. Required.
	VAD vad.Engine

	// VADConfig configures the VAD session. Microphone frames are converted
	// to mono PCM at VADConfig.SampleRate.
	VADConfig vad.Config

	// Talking reports whether the assistant is currently speaking. May be
	// nil, in which case the assistant is never considered to be talking.
	Talking func() bool

	// Constrained suppresses sending transcripts. Recognition still runs and
	// interim text is still shown.
	Constrained bool

	// Handler receives transcripts and status changes. Required.
	Handler Handler
}

// Option configures a [Pipeline].
type Option func(*Pipeline)

// WithMetrics sets the metrics recorder. Defaults to [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(p *Pipeline) {
		p.metrics = m
	}
}

// WithStateHook registers fn to be called on every [RecognitionState]
// change. fn runs while the pipeline is locked and must not call back into
// it.
func WithStateHook(fn func(from, to RecognitionState)) Option {
	return func(p *Pipeline) {
		p.onState = fn
	}
}

// Pipeline is the speech input state machine over {Idle, Listening,
// Finalizing}. A recognizer is never started while the state is not Idle.
//
// Pipeline is safe for concurrent use.
type Pipeline struct {
	cfg     Config
	metrics *observe.Metrics
	onState func(from, to RecognitionState)

	mu          sync.Mutex
	state       RecognitionState
	handle      stt.SessionHandle
	gen         uint64
	startedAt   time.Time
	finals      []string
	constrained bool
}

// New validates cfg and returns a pipeline in the Idle state.
func New(cfg Config, opts ...Option) (*Pipeline, error) {
	var errs []error
	if cfg.Recognizer == nil {
		errs = append(errs, errors.New("recognizer is required"))
	}
	if cfg.VAD == nil {
		errs = append(errs, errors.New("vad engine is required"))
	}
	if cfg.Handler == nil {
		errs = append(errs, errors.New("handler is required"))
	}
	if err := cfg.VADConfig.Validate(); err != nil {
		errs = append(errs, err)
	}
	if err := errors.Join(errs...); err != nil {
		return nil, fmt.Errorf("speech: %w", err)
	}
	if cfg.Stream.SampleRate == 0 {
		cfg.Stream.SampleRate = cfg.VADConfig.SampleRate
	}
	if cfg.Stream.Channels == 0 {
		cfg.Stream.Channels = 1
	}

	p := &Pipeline{
		cfg:         cfg,
		constrained: cfg.Constrained,
	}
	for _, o := range opts {
		o(p)
	}
	if p.metrics == nil {
		p.metrics = observe.DefaultMetrics()
	}
	return p, nil
}

// Run feeds frames to voice activity detection until frames is closed or ctx
// is cancelled. While Listening, the same audio is forwarded to the open
// recognition stream. Any in-flight recognition is aborted when Run returns.
func (p *Pipeline) Run(ctx context.Context, frames <-chan audio.AudioFrame) error {
	sess, err := p.cfg.VAD.NewSession(p.cfg.VADConfig)
	if err != nil {
		return fmt.Errorf("speech: open vad session: %w", err)
	}
	defer func() {
		p.Abort()
		if err := sess.Close(); err != nil {
			slog.Warn("speech: close vad session", "err", err)
		}
	}()

	conv := audio.FormatConverter{Target: audio.Format{SampleRate: p.cfg.VADConfig.SampleRate, Channels: 1}}
	frameBytes := p.cfg.VADConfig.FrameBytes()
	var pending []byte

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case frame, ok := <-frames:
			if !ok {
				return nil
			}
			pending = append(pending, conv.Convert(frame).Data...)
			off := 0
			for len(pending)-off >= frameBytes {
				chunk := pending[off : off+frameBytes]
				off += frameBytes
				p.detect(ctx, sess, chunk)
				p.forward(chunk)
			}
			pending = append(pending[:0], pending[off:]...)
		}
	}
}

func (p *Pipeline) detect(ctx context.Context, sess vad.SessionHandle, chunk []byte) {
	ev, err := sess.ProcessFrame(chunk)
	if err != nil {
		slog.Warn("speech: vad frame failed", "err", err)
		return
	}
	switch ev.Type {
	case vad.VADSpeechStart:
		p.OnSpeechStart(ctx)
	case vad.VADSpeechEnd:
		p.OnSpeechEnd()
	}
}

// forward sends chunk to the open stream while Listening.
func (p *Pipeline) forward(chunk []byte) {
	p.mu.Lock()
	h := p.handle
	listening := p.state == Listening
	p.mu.Unlock()
	if h == nil || !listening {
		return
	}

	var data []byte
	if rate := p.cfg.Stream.SampleRate; rate != p.cfg.VADConfig.SampleRate {
		data = audio.ResampleMono16(chunk, p.cfg.VADConfig.SampleRate, rate)
	} else {
		data = append([]byte(nil), chunk...)
	}
	if err := h.SendAudio(data); err != nil && !errors.Is(err, stt.ErrSessionClosed) {
		slog.Debug("speech: send audio failed", "err", err)
	}
}

// OnSpeechStart handles a VAD speech start edge. It opens a recognition
// stream only if the assistant is not talking and the pipeline is Idle.
func (p *Pipeline) OnSpeechStart(ctx context.Context) {
	if p.talking() {
		return
	}
	p.mu.Lock()
	if p.state != Idle {
		p.mu.Unlock()
		slog.Debug("speech: recognition already active, ignoring speech start", "state", p.state)
		return
	}
	p.setState(Listening)
	p.gen++
	gen := p.gen
	p.finals = nil
	p.startedAt = time.Now()
	p.mu.Unlock()

	h, err := p.cfg.Recognizer.StartStream(ctx, p.cfg.Stream)
	if err != nil {
		p.mu.Lock()
		current := gen == p.gen
		if current {
			p.setState(Idle)
		}
		p.mu.Unlock()
		if current {
			slog.Warn("speech: start recognition", "err", err)
			p.metrics.RecordProviderError(ctx, "stt", "start")
			p.metrics.RecordRecognition(ctx, "error", 0)
			p.cfg.Handler.OnStatus(assistant.EventReady, "Recognition error: "+err.Error())
		}
		return
	}

	p.mu.Lock()
	if gen != p.gen {
		// Aborted while the stream was opening.
		p.mu.Unlock()
		_ = h.Close()
		return
	}
	p.handle = h
	finalize := p.state == Finalizing
	p.mu.Unlock()

	go p.watch(gen, h)
	p.cfg.Handler.OnStatus(assistant.EventListening, StatusListening)

	if finalize {
		// Speech ended before the stream finished opening.
		if err := h.Finalize(); err != nil {
			slog.Warn("speech: finalize recognition", "err", err)
		}
	}
}

// OnSpeechEnd handles a VAD speech end edge. It finalizes the stream when
// Listening and does nothing otherwise.
func (p *Pipeline) OnSpeechEnd() {
	p.mu.Lock()
	if p.state != Listening {
		p.mu.Unlock()
		return
	}
	p.setState(Finalizing)
	h := p.handle
	p.mu.Unlock()

	if h == nil {
		// Still opening; OnSpeechStart finalizes once the handle exists.
		return
	}
	if err := h.Finalize(); err != nil {
		slog.Warn("speech: finalize recognition", "err", err)
	}
}

// watch drains one stream's results and runs the end-of-stream decision.
func (p *Pipeline) watch(gen uint64, h stt.SessionHandle) {
	partials, finals := h.Partials(), h.Finals()
	for partials != nil || finals != nil {
		select {
		case t, ok := <-partials:
			if !ok {
				partials = nil
				continue
			}
			if t.Text != "" && p.current(gen) {
				p.cfg.Handler.OnInterim(t.Text)
			}
		case t, ok := <-finals:
			if !ok {
				finals = nil
				continue
			}
			if text := strings.TrimSpace(t.Text); text != "" {
				p.mu.Lock()
				if gen == p.gen {
					p.finals = append(p.finals, text)
				}
				p.mu.Unlock()
			}
		}
	}
	p.end(gen, h)
}

func (p *Pipeline) end(gen uint64, h stt.SessionHandle) {
	streamErr := h.Err()
	_ = h.Close()

	p.mu.Lock()
	if gen != p.gen {
		p.mu.Unlock()
		return
	}
	text := strings.Join(p.finals, " ")
	p.finals = nil
	p.handle = nil
	p.setState(Idle)
	elapsed := time.Since(p.startedAt)
	constrained := p.constrained
	p.mu.Unlock()

	ctx := context.Background()
	if streamErr != nil {
		slog.Warn("speech: recognition failed", "err", streamErr)
		p.metrics.RecordRecognition(ctx, "error", elapsed)
		p.cfg.Handler.OnStatus(assistant.EventReady, "Recognition error: "+streamErr.Error())
		return
	}

	talking := p.talking()
	if text != "" && !talking && !constrained {
		if !p.cfg.Handler.OnTranscript(text) {
			p.metrics.RecordRecognition(ctx, "dropped", elapsed)
			p.cfg.Handler.OnStatus(assistant.EventReady, StatusNotSent)
			return
		}
		p.metrics.RecordRecognition(ctx, "sent", elapsed)
		p.cfg.Handler.OnStatus(assistant.EventThinking, StatusThinking)
		return
	}

	outcome := "empty"
	if text != "" {
		outcome = "suppressed"
	}
	p.metrics.RecordRecognition(ctx, outcome, elapsed)
	if !talking {
		p.cfg.Handler.OnStatus(assistant.EventReady, StatusReady)
	}
}

// Abort cancels any in-flight recognition without emitting a transcript and
// returns the pipeline to Idle. Safe to call at any time.
func (p *Pipeline) Abort() {
	p.mu.Lock()
	p.gen++
	h := p.handle
	p.handle = nil
	p.finals = nil
	p.setState(Idle)
	p.mu.Unlock()

	if h != nil {
		if err := h.Close(); err != nil {
			slog.Debug("speech: close recognition", "err", err)
		}
	}
}

// SetConstrained toggles transcript suppression at runtime.
func (p *Pipeline) SetConstrained(v bool) {
	p.mu.Lock()
	p.constrained = v
	p.mu.Unlock()
}

// State returns the current recognition state.
func (p *Pipeline) State() RecognitionState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

func (p *Pipeline) current(gen uint64) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return gen == p.gen
}

func (p *Pipeline) talking() bool {
	return p.cfg.Talking != nil && p.cfg.Talking()
}

// setState must be called with p.mu held.
func (p *Pipeline) setState(s RecognitionState) {
	if p.state == s {
		return
	}
	from := p.state
	p.state = s
	if p.onState != nil {
		p.onState(from, s)
	}
}
