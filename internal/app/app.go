// Package app wires all Spark subsystems into a running application.
//
// The App struct owns the full lifecycle: New creates and connects all
// subsystems, Run serves the local API and opens the first session, and
// Shutdown tears everything down in order.
//
// For testing, inject test doubles via functional options (WithLoader,
// WithMetrics). When an option is not provided, New creates real
// implementations from the config.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/spark/internal/api"
	"github.com/MrWong99/spark/internal/assistant"
	"github.com/MrWong99/spark/internal/config"
	"github.com/MrWong99/spark/internal/display"
	"github.com/MrWong99/spark/internal/extension"
	"github.com/MrWong99/spark/internal/extension/mcpframe"
	"github.com/MrWong99/spark/internal/health"
	"github.com/MrWong99/spark/internal/observe"
	"github.com/MrWong99/spark/internal/session"
	"github.com/MrWong99/spark/internal/speech"
	"github.com/MrWong99/spark/internal/transport"
	"github.com/MrWong99/spark/pkg/audio"
	"github.com/MrWong99/spark/pkg/provider/stt"
	"github.com/MrWong99/spark/pkg/provider/vad"
)

// Defaults applied when the config leaves a value unset.
const (
	DefaultExtensionsDir = "extensions"

	DefaultVADSampleRate       = 16000
	DefaultVADFrameSizeMs      = 20
	DefaultVADSpeechThreshold  = 0.5
	DefaultVADSilenceThreshold = 0.35

	shutdownTimeout = 5 * time.Second
)

// Providers holds one value per provider slot. Nil means the slot is not
// configured. Populated by main.go via the config registry.
type Providers struct {
	STT    stt.Provider
	VAD    vad.Engine
	Output audio.Device
	Input  audio.Source
}

// App owns all subsystem lifetimes.
type App struct {
	cfg       *config.Config
	providers *Providers

	metrics    *observe.Metrics
	logLevel   *slog.LevelVar
	loader     extension.Loader
	autoStart  bool
	machine    *assistant.Machine
	board      *display.Board
	extensions *extension.Manager
	sessions   *session.Manager
	api        *api.Server
	health     *health.Handler
	handler    http.Handler
	server     *http.Server

	// closers are called in order during Shutdown.
	closers []func() error

	// stopOnce guards the Shutdown path.
	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithLoader injects an extension loader instead of spawning extension
// processes from extensions.dir.
func WithLoader(l extension.Loader) Option {
	return func(a *App) { a.loader = l }
}

// WithMetrics sets the metrics recorder. Defaults to [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithLogLevel lets configuration reloads change the log level.
func WithLogLevel(v *slog.LevelVar) Option {
	return func(a *App) { a.logLevel = v }
}

// WithAutoStart controls whether Run opens a session immediately. It is on
// by default; when off, sessions are started through the API.
func WithAutoStart(on bool) Option {
	return func(a *App) { a.autoStart = on }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App by wiring all subsystems together. The providers struct
// comes from main.go (populated via the config registry).
func New(ctx context.Context, cfg *config.Config, providers *Providers, opts ...Option) (*App, error) {
	if providers == nil {
		providers = &Providers{}
	}
	a := &App{
		cfg:       cfg,
		providers: providers,
		autoStart: true,
	}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}

	// ── 1. State machine + display ───────────────────────────────────────
	a.machine = assistant.NewMachine(assistant.WithTransitionHook(func(from, to assistant.State) {
		a.metrics.RecordStateTransition(context.Background(), from.String(), to.String())
	}))
	a.board = display.New()

	// ── 2. Extensions ────────────────────────────────────────────────────
	a.initExtensions()

	// ── 3. Sessions ──────────────────────────────────────────────────────
	base, err := a.sessionConfig()
	if err != nil {
		return nil, fmt.Errorf("app: %w", err)
	}
	a.sessions = session.NewManager(base, session.WithMetrics(a.metrics))

	// ── 4. HTTP surface ──────────────────────────────────────────────────
	a.initHTTP()

	slog.Info("app initialised",
		"speech_input", providers.Input != nil,
		"extensions_dir", a.extensionsDir(),
	)
	return a, nil
}

// ─── Init helpers ────────────────────────────────────────────────────────────

func (a *App) initExtensions() {
	if a.loader == nil {
		ec := a.cfg.Extensions
		var opts []mcpframe.Option
		if ec.Entrypoint != "" {
			opts = append(opts, mcpframe.WithEntrypoint(ec.Entrypoint))
		}
		if ec.LoadTimeout > 0 {
			opts = append(opts, mcpframe.WithLoadTimeout(ec.LoadTimeout))
		}
		a.loader = mcpframe.New(a.extensionsDir(), opts...)
	}

	opts := []extension.Option{extension.WithMetrics(a.metrics)}
	if f := a.cfg.Extensions.Fade; f != nil {
		opts = append(opts, extension.WithFade(*f))
	}
	a.extensions = extension.NewManager(a.loader, a.machine, opts...)
	a.closers = append(a.closers, func() error {
		return a.extensions.StopAll(context.Background())
	})
}

func (a *App) extensionsDir() string {
	if a.cfg.Extensions.Dir != "" {
		return a.cfg.Extensions.Dir
	}
	return DefaultExtensionsDir
}

// sessionConfig translates the file config into the template every session
// starts from.
func (a *App) sessionConfig() (session.Config, error) {
	hs, err := Handshake(a.cfg.Assistant)
	if err != nil {
		return session.Config{}, err
	}

	output := a.providers.Output
	if output == nil {
		slog.Warn("no output device configured; assistant audio is discarded")
		output = audio.NewPCMWriterDevice(io.Discard, audio.WithFrameSize(a.frameSize()))
	}

	cfg := session.Config{
		Transport:    transportConfig(a.cfg.Transport, hs),
		Machine:      a.machine,
		Board:        a.board,
		Extensions:   a.extensions,
		Output:       output,
		PlaybackWarn: a.cfg.Audio.PlaybackWarnSamples,
		Timers: session.Timers{
			Amplitude:    a.cfg.Timers.Amplitude,
			Drain:        a.cfg.Timers.Drain,
			DrainConfirm: a.cfg.Timers.DrainConfirm,
			Dismiss:      a.cfg.Timers.Dismiss,
			Tick:         a.cfg.Timers.Tick,
		},
	}

	if in := a.providers.Input; in != nil {
		if a.providers.STT == nil || a.providers.VAD == nil {
			return session.Config{}, errors.New("speech input requires an STT provider and a VAD engine")
		}
		cfg.Input = in
		cfg.Speech = speech.Config{
			Recognizer:  a.providers.STT,
			VAD:         a.providers.VAD,
			VADConfig:   VADConfig(a.cfg.VAD),
			Stream:      streamConfig(a.cfg.Speech),
			Constrained: a.cfg.Speech.Constrained,
		}
	}
	return cfg, nil
}

func (a *App) frameSize() int {
	if a.cfg.Audio.FrameSize > 0 {
		return a.cfg.Audio.FrameSize
	}
	return audio.FrameSize
}

func (a *App) initHTTP() {
	a.api = api.New(a.machine, a.board, a.extensions, api.WithSessions(a.sessions))
	a.health = health.New(
		health.DirChecker("extensions", a.extensionsDir(), true),
		health.Checker{
			Name:     "session",
			Optional: true,
			Check: func(context.Context) error {
				if a.sessions.Active() == nil {
					return session.ErrNoSession
				}
				return nil
			},
		},
	)

	mux := http.NewServeMux()
	a.api.Register(mux)
	a.health.Register(mux)
	mux.Handle("GET /metrics", promhttp.Handler())
	a.handler = observe.Middleware(a.metrics)(mux)

	if addr := a.cfg.Server.ListenAddr; addr != "" {
		a.server = &http.Server{
			Addr:              addr,
			Handler:           a.handler,
			ReadHeaderTimeout: 10 * time.Second,
			IdleTimeout:       60 * time.Second,
		}
	}
}

// ─── Accessors ───────────────────────────────────────────────────────────────

// Handler returns the local API handler, including health and metrics.
func (a *App) Handler() http.Handler { return a.handler }

// Sessions returns the session manager.
func (a *App) Sessions() *session.Manager { return a.sessions }

// Machine returns the assistant state machine.
func (a *App) Machine() *assistant.Machine { return a.machine }

// Board returns the status display.
func (a *App) Board() *display.Board { return a.board }

// Extensions returns the extension manager.
func (a *App) Extensions() *extension.Manager { return a.extensions }

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run serves the local API, opens the first session when auto start is on,
// and blocks until ctx is cancelled. Failing to open the first session is
// the only fatal session error.
func (a *App) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(ctx)

	if a.server != nil {
		ln, err := a.listen()
		if err != nil {
			return fmt.Errorf("app: listen %s: %w", a.server.Addr, err)
		}
		slog.Info("local api listening", "addr", ln.Addr().String())
		g.Go(func() error {
			err := a.serve(ln)
			if errors.Is(err, http.ErrServerClosed) {
				return nil
			}
			return err
		})
		g.Go(func() error {
			<-gctx.Done()
			sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			return a.server.Shutdown(sctx)
		})
	}

	if a.autoStart {
		s, err := a.sessions.Start(gctx)
		if err != nil {
			cancel()
			_ = g.Wait()
			return fmt.Errorf("app: open session: %w", err)
		}
		slog.Info("session opened", "session_id", s.ID())
	}

	<-gctx.Done()
	return g.Wait()
}

func (a *App) listen() (net.Listener, error) {
	return net.Listen("tcp", a.server.Addr)
}

func (a *App) serve(ln net.Listener) error {
	if tls := a.cfg.Server.TLS; tls != nil {
		return a.server.ServeTLS(ln, tls.CertFile, tls.KeyFile)
	}
	return a.server.Serve(ln)
}

// ─── Reload ──────────────────────────────────────────────────────────────────

// ApplyConfig applies the hot-reloadable parts of a changed configuration:
// the log level, the handshake for the next session, and the constrained
// mode. Everything else is logged as requiring a restart.
func (a *App) ApplyConfig(old, next *config.Config) {
	d := config.Diff(old, next)
	if d.LogLevelChanged && a.logLevel != nil {
		a.logLevel.Set(SlogLevel(d.NewLogLevel))
		slog.Info("log level changed", "level", d.NewLogLevel)
	}

	// The prompt file content can change without any field changing.
	if hs, err := Handshake(next.Assistant); err != nil {
		slog.Warn("keeping previous handshake", "err", err)
	} else if hs != a.sessions.Handshake() {
		a.sessions.SetHandshake(hs)
	}

	if d.ConstrainedChanged {
		a.sessions.SetConstrained(d.NewConstrained)
		slog.Info("constrained mode changed", "constrained", d.NewConstrained)
	}
	if len(d.RestartRequired) > 0 {
		slog.Warn("configuration changes need a restart to take effect", "sections", d.RestartRequired)
	}
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown stops the active session and tears down all subsystems. It
// respects the context deadline: if ctx expires before all closers finish,
// remaining closers are skipped and the context error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Info("shutting down", "closers", len(a.closers))

		if err := a.sessions.Stop(ctx); err != nil && !errors.Is(err, session.ErrNoSession) {
			slog.Warn("session stop error", "err", err)
		}

		for i, closer := range a.closers {
			select {
			case <-ctx.Done():
				slog.Warn("shutdown deadline exceeded", "remaining", len(a.closers)-i)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := closer(); err != nil {
				slog.Warn("closer error", "index", i, "err", err)
			}
		}

		slog.Info("shutdown complete")
	})
	return shutdownErr
}

// ─── Helpers ─────────────────────────────────────────────────────────────────

// Handshake builds the session handshake from the assistant config.
func Handshake(ac config.AssistantConfig) (transport.Handshake, error) {
	prompt, err := ac.Prompt()
	if err != nil {
		return transport.Handshake{}, err
	}
	return transport.Handshake{SystemPrompt: prompt, VoiceName: ac.VoiceName}, nil
}

// VADConfig fills unset detector settings with defaults.
func VADConfig(vc config.VADConfig) vad.Config {
	out := vad.Config{
		SampleRate:       vc.SampleRate,
		FrameSizeMs:      vc.FrameSizeMs,
		SpeechThreshold:  vc.SpeechThreshold,
		SilenceThreshold: vc.SilenceThreshold,
	}
	if out.SampleRate == 0 {
		out.SampleRate = DefaultVADSampleRate
	}
	if out.FrameSizeMs == 0 {
		out.FrameSizeMs = DefaultVADFrameSizeMs
	}
	if out.SpeechThreshold == 0 {
		out.SpeechThreshold = DefaultVADSpeechThreshold
	}
	if out.SilenceThreshold == 0 {
		out.SilenceThreshold = min(DefaultVADSilenceThreshold, out.SpeechThreshold)
	}
	return out
}

// SlogLevel converts a config level to a slog level. Unknown levels map to
// info.
func SlogLevel(level config.LogLevel) slog.Level {
	switch level {
	case config.LogDebug:
		return slog.LevelDebug
	case config.LogWarn:
		return slog.LevelWarn
	case config.LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func transportConfig(tc config.TransportConfig, hs transport.Handshake) transport.Config {
	out := transport.Config{
		URL:          tc.URL,
		Handshake:    hs,
		DialTimeout:  tc.DialTimeout,
		DialAttempts: tc.DialAttempts,
		Backoff:      tc.Backoff,
		MaxBackoff:   tc.MaxBackoff,
	}
	if len(tc.Headers) > 0 {
		out.Header = make(http.Header, len(tc.Headers))
		for k, v := range tc.Headers {
			out.Header.Set(k, v)
		}
	}
	return out
}

func streamConfig(sc config.SpeechConfig) stt.StreamConfig {
	out := stt.StreamConfig{Language: sc.Language}
	for _, kw := range sc.Keywords {
		out.Keywords = append(out.Keywords, stt.KeywordBoost{Keyword: kw.Keyword, Boost: kw.Boost})
	}
	return out
}
