// Command spark is the voice assistant client: it streams the microphone to a
// remote conversation service, plays the spoken replies, and hosts the
// extensions the service asks for.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/spark/internal/app"
	"github.com/MrWong99/spark/internal/config"
	"github.com/MrWong99/spark/internal/observe"
	"github.com/MrWong99/spark/internal/resilience"
	"github.com/MrWong99/spark/pkg/audio"
	"github.com/MrWong99/spark/pkg/provider/stt"
	"github.com/MrWong99/spark/pkg/provider/stt/deepgram"
	sttmock "github.com/MrWong99/spark/pkg/provider/stt/mock"
	"github.com/MrWong99/spark/pkg/provider/vad"
	"github.com/MrWong99/spark/pkg/provider/vad/energy"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	autoStart := flag.Bool("autostart", true, "open a session at startup")
	reloadEvery := flag.Duration("reload-interval", 5*time.Second, "how often the config file is checked for changes (0 disables)")
	flag.Parse()

	// ── Logger ────────────────────────────────────────────────────────────────
	var level slog.LevelVar
	slog.SetDefault(newLogger(&level))

	// ── Load configuration ────────────────────────────────────────────────────
	var application *app.App
	watcher, err := config.NewWatcher(*configPath, func(old, next *config.Config) {
		if application != nil {
			application.ApplyConfig(old, next)
		}
	}, config.WithInterval(*reloadEvery))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "spark: config file %q not found, copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "spark: %v\n", err)
		}
		return 1
	}
	cfg := watcher.Current()
	level.Set(app.SlogLevel(cfg.Server.LogLevel))

	slog.Info("spark starting",
		"version", version,
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Telemetry ─────────────────────────────────────────────────────────────
	otelShutdown, err := observe.InitProvider(context.Background(), observe.ProviderConfig{
		ServiceName:    "spark",
		ServiceVersion: version,
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := otelShutdown(ctx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()

	// ── Provider registry ─────────────────────────────────────────────────────
	reg := config.NewRegistry()
	registerBuiltinProviders(reg, cfg.Audio)

	// ── Instantiate providers ─────────────────────────────────────────────────
	providers, err := buildProviders(cfg, reg)
	if err != nil {
		slog.Error("failed to build providers", "err", err)
		return 1
	}

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Startup summary ───────────────────────────────────────────────────────
	// stdout may carry the PCM output stream.
	printStartupSummary(os.Stderr, cfg)

	application, err = app.New(ctx, cfg, providers,
		app.WithLogLevel(&level),
		app.WithAutoStart(*autoStart),
	)
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		return 1
	}

	slog.Info("client ready, press Ctrl+C to shut down")

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return application.Run(gctx) })
	if *reloadEvery > 0 {
		g.Go(func() error { return watcher.Run(gctx) })
	}
	runErr := g.Wait()
	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		slog.Error("run error", "err", runErr)
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	slog.Info("stopping…")

	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		return 1
	}
	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		return 1
	}
	slog.Info("goodbye")
	return 0
}

// ── Provider wiring ───────────────────────────────────────────────────────────

// registerBuiltinProviders wires all built-in provider factories into reg.
// Each factory receives a config.ProviderEntry and constructs the appropriate
// provider from the real implementation packages. Audio factories take their
// sample rates and frame size from ac.
func registerBuiltinProviders(reg *config.Registry, ac config.AudioConfig) {
	// ── STT ───────────────────────────────────────────────────────────────────

	reg.RegisterSTT("deepgram", func(entry config.ProviderEntry) (stt.Provider, error) {
		var opts []deepgram.Option
		if entry.Model != "" {
			opts = append(opts, deepgram.WithModel(entry.Model))
		}
		if lang := entry.OptionString("language", ""); lang != "" {
			opts = append(opts, deepgram.WithLanguage(lang))
		}
		if entry.BaseURL != "" {
			opts = append(opts, deepgram.WithEndpoint(entry.BaseURL))
		}
		return deepgram.New(entry.APIKey, opts...)
	})

	// mock never produces transcripts; it lets the client run without an STT
	// account.
	reg.RegisterSTT("mock", func(config.ProviderEntry) (stt.Provider, error) {
		return &sttmock.Provider{}, nil
	})

	// ── VAD ───────────────────────────────────────────────────────────────────

	reg.RegisterVAD("energy", func(entry config.ProviderEntry) (vad.Engine, error) {
		var opts []energy.Option
		if g := entry.OptionFloat("gain", 0); g > 0 {
			opts = append(opts, energy.WithGain(g))
		}
		if ms := entry.OptionFloat("onset_ms", -1); ms >= 0 {
			opts = append(opts, energy.WithOnset(time.Duration(ms*float64(time.Millisecond))))
		}
		if ms := entry.OptionFloat("hangover_ms", -1); ms >= 0 {
			opts = append(opts, energy.WithHangover(time.Duration(ms*float64(time.Millisecond))))
		}
		return energy.New(opts...), nil
	})

	// ── Audio ─────────────────────────────────────────────────────────────────

	// pcm writes raw little-endian int16 to a file or stdout and reads the
	// same format from a file or stdin.
	reg.RegisterOutput("pcm", func(entry config.ProviderEntry) (audio.Device, error) {
		w, err := openOutput(entry.OptionString("path", "-"))
		if err != nil {
			return nil, err
		}
		return audio.NewPCMWriterDevice(w, audio.WithFrameSize(ac.FrameSize)), nil
	})

	reg.RegisterInput("pcm", func(entry config.ProviderEntry) (audio.Source, error) {
		path := entry.OptionString("path", "-")
		r, err := openInput(path)
		if err != nil {
			return nil, err
		}
		format := audio.Format{
			SampleRate: orDefault(ac.InputSampleRate, app.DefaultVADSampleRate),
			Channels:   int(entry.OptionFloat("channels", 1)),
		}
		var opts []audio.SourceOption
		if path != "-" {
			opts = append(opts, audio.WithRealtime())
		}
		return audio.NewPCMReaderSource(r, format, opts...), nil
	})

	registerPortAudio(reg, ac)

	for _, kind := range []string{"stt", "vad", "output", "input"} {
		for _, name := range reg.Names(kind) {
			slog.Debug("registered provider", "kind", kind, "name", name)
		}
	}
}

// buildProviders instantiates all providers named in cfg using the registry
// and returns them in an [app.Providers] struct for the application to consume.
func buildProviders(cfg *config.Config, reg *config.Registry) (*app.Providers, error) {
	ps := &app.Providers{}

	if config.Enabled(cfg.Audio.Output) {
		d, err := reg.CreateOutput(cfg.Audio.Output)
		if err != nil {
			return nil, fmt.Errorf("create output device %q: %w", cfg.Audio.Output.Name, err)
		}
		ps.Output = d
		slog.Info("provider created", "kind", "output", "name", cfg.Audio.Output.Name)
	}

	if !config.Enabled(cfg.Audio.Input) {
		slog.Info("speech input disabled")
		return ps, nil
	}

	src, err := reg.CreateInput(cfg.Audio.Input)
	if err != nil {
		return nil, fmt.Errorf("create input device %q: %w", cfg.Audio.Input.Name, err)
	}
	ps.Input = src
	slog.Info("provider created", "kind", "input", "name", cfg.Audio.Input.Name)

	primary, err := reg.CreateSTT(cfg.Providers.STT)
	if err != nil {
		return nil, fmt.Errorf("create stt provider %q: %w", cfg.Providers.STT.Name, err)
	}
	slog.Info("provider created", "kind", "stt", "name", cfg.Providers.STT.Name)
	ps.STT = primary

	if len(cfg.Providers.STTFallbacks) > 0 {
		fb := resilience.NewSTTFallback(primary, cfg.Providers.STT.Name, resilience.FallbackConfig{})
		for _, entry := range cfg.Providers.STTFallbacks {
			p, err := reg.CreateSTT(entry)
			if errors.Is(err, config.ErrProviderNotRegistered) {
				slog.Warn("unknown stt fallback, skipping", "name", entry.Name)
				continue
			} else if err != nil {
				return nil, fmt.Errorf("create stt fallback %q: %w", entry.Name, err)
			}
			fb.AddFallback(entry.Name, p)
			slog.Info("provider created", "kind", "stt-fallback", "name", entry.Name)
		}
		ps.STT = fb
	}

	v, err := reg.CreateVAD(cfg.Providers.VAD)
	if err != nil {
		return nil, fmt.Errorf("create vad provider %q: %w", cfg.Providers.VAD.Name, err)
	}
	ps.VAD = v
	slog.Info("provider created", "kind", "vad", "name", cfg.Providers.VAD.Name)

	return ps, nil
}

func orDefault(v, def int) int {
	if v > 0 {
		return v
	}
	return def
}

func openOutput(path string) (io.Writer, error) {
	if path == "-" {
		return os.Stdout, nil
	}
	return os.Create(path)
}

func openInput(path string) (io.Reader, error) {
	if path == "-" {
		return os.Stdin, nil
	}
	return os.Open(path)
}

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(w io.Writer, cfg *config.Config) {
	fmt.Fprintln(w, "╔═══════════════════════════════════════╗")
	fmt.Fprintln(w, "║          Spark — startup summary      ║")
	fmt.Fprintln(w, "╠═══════════════════════════════════════╣")
	printRow(w, "Remote", cfg.Transport.URL)
	printRow(w, "Voice", cfg.Assistant.VoiceName)
	printProvider(w, "Output", cfg.Audio.Output)
	printProvider(w, "Input", cfg.Audio.Input)
	if config.Enabled(cfg.Audio.Input) {
		printProvider(w, "STT", cfg.Providers.STT)
		printProvider(w, "VAD", cfg.Providers.VAD)
		fmt.Fprintf(w, "║  STT fallbacks   : %-19d ║\n", len(cfg.Providers.STTFallbacks))
	}
	printRow(w, "Extensions", cfg.Extensions.Dir)
	if cfg.Server.ListenAddr != "" {
		printRow(w, "Listen addr", cfg.Server.ListenAddr)
	}
	fmt.Fprintln(w, "╚═══════════════════════════════════════╝")
}

func printProvider(w io.Writer, kind string, entry config.ProviderEntry) {
	value := entry.Name
	if entry.Model != "" {
		value = entry.Name + " / " + entry.Model
	}
	printRow(w, kind, value)
}

func printRow(w io.Writer, kind, value string) {
	if value == "" || value == config.DeviceNone {
		value = "(not configured)"
	}
	if len(value) > 19 {
		value = value[:16] + "…"
	}
	fmt.Fprintf(w, "║  %-12s    : %-19s ║\n", kind, value)
}

// ── Logger ─────────────────────────────────────────────────────────────────────

func newLogger(level *slog.LevelVar) *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}
