// Package session owns one running conversation with the remote AI service.
//
// A [Session] wires the playback buffer, amplitude analyzer, speech input
// pipeline, transport, assistant state machine and extension manager
// together and runs the periodic timers that connect them. It is the only
// writer of the "assistant is talking" flag.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/spark/internal/assistant"
	"github.com/MrWong99/spark/internal/display"
	"github.com/MrWong99/spark/internal/extension"
	"github.com/MrWong99/spark/internal/observe"
	"github.com/MrWong99/spark/internal/speech"
	"github.com/MrWong99/spark/internal/transport"
	"github.com/MrWong99/spark/pkg/audio"
)

// Status lines set by the session.
const (
	StatusReady          = speech.StatusReady
	StatusResponding     = "AI responding..."
	StatusEnded          = "Session ended"
	StatusStopped        = "Session stopped"
	StatusTransportError = "Connection error"
	StatusInputError     = "Microphone error"
	StatusVADError       = "VAD error"
)

// Default timer intervals.
const (
	DefaultAmplitudeInterval = 50 * time.Millisecond
	DefaultDrainInterval     = 200 * time.Millisecond
	DefaultDrainConfirm      = 300 * time.Millisecond
	DefaultDismissInterval   = time.Second
)

// Timers holds the periodic intervals of a session. Zero values select the
// defaults.
type Timers struct {
	// Amplitude is how often the output amplitude is sampled.
	Amplitude time.Duration

	// Drain is how often an empty playback buffer is checked while the
	// assistant is talking, and DrainConfirm how long it must stay empty
	// before talking ends.
	Drain        time.Duration
	DrainConfirm time.Duration

	// Dismiss is how often the dismiss control visibility is refreshed.
	Dismiss time.Duration

	// Tick is the easing step of the state machine.
	Tick time.Duration
}

func (t Timers) withDefaults() Timers {
	if t.Amplitude <= 0 {
		t.Amplitude = DefaultAmplitudeInterval
	}
	if t.Drain <= 0 {
		t.Drain = DefaultDrainInterval
	}
	if t.DrainConfirm <= 0 {
		t.DrainConfirm = DefaultDrainConfirm
	}
	if t.Dismiss <= 0 {
		t.Dismiss = DefaultDismissInterval
	}
	if t.Tick <= 0 {
		t.Tick = assistant.FrameInterval
	}
	return t
}

// Config wires a [Session] to its collaborators. Machine, Board, Extensions
// and Output outlive the session and are shared with the local API.
type Config struct {
	Transport transport.Config

	Machine    *assistant.Machine
	Board      *display.Board
	Extensions *extension.Manager

	// Output plays synthesized speech. Required.
	Output audio.Device

	// Input captures the microphone. When nil the session only plays the
	// remote side.
	Input audio.Source

	// Speech configures recognition. Its Handler and Talking fields are
	// set by the session. Ignored when Input is nil.
	Speech speech.Config

	// PlaybackWarn logs once when the playback queue grows past this many
	// samples. Zero disables the warning.
	PlaybackWarn int

	Timers Timers
}

// Option configures a [Session].
type Option func(*Session)

// WithMetrics sets the metrics recorder. Defaults to [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(s *Session) {
		s.metrics = m
	}
}

// Stats is a point-in-time view of a running session.
type Stats struct {
	ID          string              `json:"id"`
	StartedAt   time.Time           `json:"started_at"`
	Talking     bool                `json:"talking"`
	Recognition string              `json:"recognition"`
	Playback    audio.PlaybackStats `json:"playback"`
}

// Session is one live conversation.
//
// Session is safe for concurrent use.
type Session struct {
	id        string
	startedAt time.Time
	cfg       Config
	timers    Timers
	metrics   *observe.Metrics

	buf      *audio.PlaybackBuffer
	tap      *audio.OutputTap
	analyzer *audio.Analyzer
	pipeline *speech.Pipeline
	tr       *transport.Transport

	talking  atomic.Bool
	audioGen atomic.Uint64

	cancel   context.CancelFunc
	group    *errgroup.Group
	started  chan struct{}
	stopOnce sync.Once
	stopErr  error
	done     chan struct{}
}

// Start opens the transport, sends the handshake and starts audio, speech
// and timers. The returned session runs until [Session.Stop] is called or
// the remote side closes the connection.
func Start(ctx context.Context, cfg Config, opts ...Option) (_ *Session, err error) {
	if err := validate(cfg); err != nil {
		return nil, err
	}

	s := &Session{
		id:        uuid.NewString(),
		startedAt: time.Now().UTC(),
		cfg:       cfg,
		timers:    cfg.Timers.withDefaults(),
		tap:       audio.NewOutputTap(audio.AmplitudeWindow),
		started:   make(chan struct{}),
		done:      make(chan struct{}),
	}
	for _, o := range opts {
		o(s)
	}
	if s.metrics == nil {
		s.metrics = observe.DefaultMetrics()
	}
	var bufOpts []audio.PlaybackOption
	if cfg.PlaybackWarn > 0 {
		bufOpts = append(bufOpts, audio.WithHighWaterWarning(cfg.PlaybackWarn))
	}
	s.buf = audio.NewPlaybackBuffer(bufOpts...)
	s.analyzer = audio.NewAnalyzer(s.tap, audio.AmplitudeGain)

	ctx = observe.WithSessionID(ctx, s.id)
	ctx, span := observe.StartSpan(ctx, "session.start", observe.AttrRemoteURL.String(cfg.Transport.URL))
	defer func() { observe.EndSpan(span, err) }()
	log := observe.Logger(ctx)

	if cfg.Input != nil {
		sc := cfg.Speech
		sc.Handler = speechHandler{s}
		sc.Talking = s.talking.Load
		s.pipeline, err = speech.New(sc, speech.WithMetrics(s.metrics))
		if err != nil {
			return nil, fmt.Errorf("session: %w", err)
		}
	}

	// The UI switches before dialing so inbound traffic is never
	// overwritten by the initial status.
	cfg.Board.SetPhase(display.PhaseActive)
	cfg.Board.ClearSubtitles()
	s.setStatus(assistant.EventReady, StatusReady)

	if err := cfg.Output.Start(s.source()); err != nil {
		log.Warn("session: output device did not start, retrying on first audio", "err", err)
	}

	s.tr, err = transport.Dial(ctx, cfg.Transport, transportHandler{s}, transport.WithMetrics(s.metrics))
	if err != nil {
		if serr := cfg.Output.Stop(); serr != nil {
			log.Warn("session: stop output device", "err", serr)
		}
		cfg.Board.SetPhase(display.PhaseConfig)
		s.setStatus(assistant.EventReady, StatusTransportError)
		return nil, fmt.Errorf("session: %w", err)
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s.cancel = cancel
	g, gctx := errgroup.WithContext(runCtx)
	s.group = g

	g.Go(func() error { return s.amplitudeLoop(gctx) })
	g.Go(func() error { return s.drainLoop(gctx) })
	g.Go(func() error { return s.dismissLoop(gctx) })
	g.Go(func() error { return s.tickLoop(gctx) })
	if cfg.Input != nil {
		g.Go(func() error { return s.listen(gctx) })
	}

	s.metrics.ActiveSessions.Add(ctx, 1)
	close(s.started)
	log.Info("session started", "url", cfg.Transport.URL, "speech_input", cfg.Input != nil)
	return s, nil
}

func validate(cfg Config) error {
	var errs []error
	if cfg.Machine == nil {
		errs = append(errs, errors.New("machine is required"))
	}
	if cfg.Board == nil {
		errs = append(errs, errors.New("board is required"))
	}
	if cfg.Extensions == nil {
		errs = append(errs, errors.New("extension manager is required"))
	}
	if cfg.Output == nil {
		errs = append(errs, errors.New("output device is required"))
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("session: %w", err)
	}
	return nil
}

// ID returns the session identifier.
func (s *Session) ID() string { return s.id }

// Done is closed once the session has fully stopped.
func (s *Session) Done() <-chan struct{} { return s.done }

// Talking reports whether the assistant is speaking.
func (s *Session) Talking() bool { return s.talking.Load() }

// SetConstrained toggles sending transcripts without stopping recognition.
func (s *Session) SetConstrained(v bool) {
	if s.pipeline != nil {
		s.pipeline.SetConstrained(v)
	}
}

// Stats returns a snapshot of the session.
func (s *Session) Stats() Stats {
	rec := speech.Idle
	if s.pipeline != nil {
		rec = s.pipeline.State()
	}
	return Stats{
		ID:          s.id,
		StartedAt:   s.startedAt,
		Talking:     s.talking.Load(),
		Recognition: rec.String(),
		Playback:    s.buf.Stats(),
	}
}

// Stop ends the session. Every teardown step runs even if an earlier one
// fails; the failures are joined. Safe to call more than once.
func (s *Session) Stop(ctx context.Context) error {
	s.stop(ctx, StatusStopped)
	return s.stopErr
}

func (s *Session) stop(ctx context.Context, status string) {
	s.stopOnce.Do(func() {
		var errs []error

		s.cancel()
		if s.pipeline != nil {
			s.pipeline.Abort()
		}
		if s.cfg.Input != nil {
			if err := s.cfg.Input.Stop(); err != nil {
				errs = append(errs, fmt.Errorf("stop input: %w", err))
			}
		}
		if err := s.group.Wait(); err != nil && !errors.Is(err, context.Canceled) {
			errs = append(errs, err)
		}
		if err := s.tr.Close(); err != nil {
			errs = append(errs, err)
		}
		if err := s.cfg.Output.Stop(); err != nil {
			errs = append(errs, fmt.Errorf("stop output: %w", err))
		}
		if err := s.cfg.Extensions.StopAll(ctx); err != nil {
			errs = append(errs, fmt.Errorf("stop extensions: %w", err))
		}

		s.audioGen.Add(1)
		s.buf.Reset()
		s.tap.Clear()
		s.setTalking(false)
		s.cfg.Machine.ZeroAmplitude()
		s.cfg.Machine.Apply(assistant.EventReady, status)
		s.cfg.Board.SetPhase(display.PhaseConfig)
		s.cfg.Board.SetStatus(status)
		s.metrics.ActiveSessions.Add(ctx, -1)

		s.stopErr = errors.Join(errs...)
		if s.stopErr != nil {
			slog.Warn("session stopped with errors", "session_id", s.id, "err", s.stopErr)
		} else {
			slog.Info("session stopped", "session_id", s.id, "status", status)
		}
		close(s.done)
	})
}

// setTalking is the only writer of the talking flag. It reports whether the
// value changed.
func (s *Session) setTalking(v bool) bool {
	return s.talking.CompareAndSwap(!v, v)
}

func (s *Session) setStatus(ev assistant.Event, text string) {
	s.cfg.Board.SetStatus(text)
	s.cfg.Machine.Apply(ev, text)
}

// startSpeaking marks the assistant as talking. The status is set only on
// the edge.
func (s *Session) startSpeaking() {
	if s.setTalking(true) {
		s.setStatus(assistant.EventSpeaking, StatusResponding)
	}
}

// ─── Playback ─────────────────────────────────────────────────────────────────

// tapSource feeds the output device and records what it played.
type tapSource struct {
	s *Session
}

func (s *Session) source() audio.FrameSource { return tapSource{s} }

func (t tapSource) Pull(out []float32) int {
	n := t.s.buf.Pull(out)
	t.s.tap.Write(out)
	if n > 0 && n < len(out) {
		t.s.metrics.PlaybackUnderruns.Add(context.Background(), 1)
	}
	return n
}

func (s *Session) enqueue(pcm []byte) {
	s.audioGen.Add(1)
	s.buf.EnqueuePCM16(pcm)
	s.metrics.SamplesEnqueued.Add(context.Background(), int64(len(pcm)/2))

	// The device may have been stopped or failed to start; resume it.
	if !s.cfg.Output.Running() {
		if err := s.cfg.Output.Start(s.source()); err != nil {
			slog.Warn("session: resume output device", "session_id", s.id, "err", err)
		}
	}
}

// ─── Timers ───────────────────────────────────────────────────────────────────

func (s *Session) amplitudeLoop(ctx context.Context) error {
	t := time.NewTicker(s.timers.Amplitude)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			s.metrics.PlaybackQueued.Record(ctx, int64(s.buf.Len()))
			if s.talking.Load() && s.cfg.Output.Running() {
				s.cfg.Machine.SetAmplitude(s.analyzer.Sample())
			}
		}
	}
}

// drainLoop ends talking when the playback buffer stays empty for the
// confirmation window. New audio or audio_end during the window cancels it.
func (s *Session) drainLoop(ctx context.Context) error {
	t := time.NewTicker(s.timers.Drain)
	defer t.Stop()

	var confirm <-chan time.Time
	var gen uint64
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			if confirm == nil && s.talking.Load() && s.buf.IsEmpty() {
				gen = s.audioGen.Load()
				confirm = time.After(s.timers.DrainConfirm)
			}
		case <-confirm:
			confirm = nil
			if gen != s.audioGen.Load() || !s.buf.IsEmpty() {
				continue
			}
			if s.setTalking(false) {
				s.cfg.Machine.ZeroAmplitude()
				s.setStatus(assistant.EventReady, StatusReady)
				slog.Debug("session: playback drained", "session_id", s.id)
			}
		}
	}
}

func (s *Session) dismissLoop(ctx context.Context) error {
	t := time.NewTicker(s.timers.Dismiss)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			s.cfg.Board.SetDismissable(s.cfg.Extensions.ActiveName() != "")
		}
	}
}

func (s *Session) tickLoop(ctx context.Context) error {
	t := time.NewTicker(s.timers.Tick)
	defer t.Stop()
	last := time.Now()
	for {
		select {
		case <-ctx.Done():
			return nil
		case now := <-t.C:
			s.cfg.Machine.Tick(now.Sub(last))
			last = now
		}
	}
}

// listen captures the microphone and runs speech input until ctx ends.
// Capture and VAD failures are reported on the status line and do not end
// the session.
func (s *Session) listen(ctx context.Context) error {
	frames, err := s.cfg.Input.Start(ctx)
	if err != nil {
		slog.Error("session: start microphone", "session_id", s.id, "err", err)
		s.setStatus(assistant.EventReady, StatusInputError)
		return nil
	}
	if err := s.pipeline.Run(ctx, frames); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("session: speech input", "session_id", s.id, "err", err)
		s.setStatus(assistant.EventReady, StatusVADError)
	}
	return nil
}

// ─── Handlers ─────────────────────────────────────────────────────────────────

// transportHandler receives inbound traffic for a session.
type transportHandler struct {
	s *Session
}

var _ transport.Handler = transportHandler{}

func (h transportHandler) OnSubtitle(text string) {
	h.s.cfg.Board.AddSubtitle(display.AI, text, false)
}

func (h transportHandler) OnAudioStart() {
	h.s.startSpeaking()
}

func (h transportHandler) OnAudioEnd() {
	s := h.s
	s.audioGen.Add(1)
	s.setTalking(false)
	s.buf.Reset()
	s.tap.Clear()
	s.cfg.Machine.ZeroAmplitude()
	s.setStatus(assistant.EventReady, StatusReady)
}

func (h transportHandler) OnAudio(pcm []byte) {
	h.s.startSpeaking()
	h.s.enqueue(pcm)
}

func (h transportHandler) OnCommand(ctx context.Context, cmd extension.Command) extension.Result {
	return h.s.cfg.Extensions.HandleMessage(ctx, cmd)
}

func (h transportHandler) OnClosed(err error) {
	status := StatusEnded
	if err != nil {
		status = StatusTransportError
	}
	h.s.cfg.Board.SetStatus(status)
	// Teardown waits for the read loop, which is calling us.
	go func() {
		<-h.s.started
		h.s.stop(context.Background(), status)
	}()
}

// speechHandler receives recognizer output for a session.
type speechHandler struct {
	s *Session
}

var _ speech.Handler = speechHandler{}

func (h speechHandler) OnInterim(text string) {
	h.s.cfg.Board.AddSubtitle(display.User, text, true)
}

func (h speechHandler) OnTranscript(text string) bool {
	h.s.cfg.Board.AddSubtitle(display.User, text, false)
	return h.s.tr.SendText(text)
}

func (h speechHandler) OnStatus(ev assistant.Event, status string) {
	h.s.setStatus(ev, status)
}
