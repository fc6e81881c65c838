package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"os"
	"regexp"
	"slices"

	"gopkg.in/yaml.v3"
)

// ValidProviderNames lists known provider names per provider kind.
// Used by [Validate] to warn about unrecognised provider names.
var ValidProviderNames = map[string][]string{
	"stt":   {"deepgram", "mock"},
	"vad":   {"energy"},
	"audio": {"portaudio", "pcm", DeviceNone},
}

// entrypointPattern matches a bare executable name without path separators.
var entrypointPattern = regexp.MustCompile(`^[A-Za-z0-9._-]+$`)

// Load reads the YAML configuration file at path and returns a validated [Config].
// It is a convenience wrapper around [LoadFromReader] and [Validate].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r and validates the result.
// Useful in tests where configs are constructed from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if tls := cfg.Server.TLS; tls != nil && (tls.CertFile == "" || tls.KeyFile == "") {
		errs = append(errs, errors.New("server.tls requires both cert_file and key_file"))
	}

	// Transport
	if cfg.Transport.URL == "" {
		errs = append(errs, errors.New("transport.url is required"))
	} else if u, err := url.Parse(cfg.Transport.URL); err != nil {
		errs = append(errs, fmt.Errorf("transport.url: %w", err))
	} else if u.Scheme != "ws" && u.Scheme != "wss" {
		errs = append(errs, fmt.Errorf("transport.url scheme %q is invalid; valid values: ws, wss", u.Scheme))
	}
	if cfg.Transport.DialAttempts < 0 {
		errs = append(errs, fmt.Errorf("transport.dial_attempts %d must not be negative", cfg.Transport.DialAttempts))
	}
	if cfg.Transport.DialTimeout < 0 || cfg.Transport.Backoff < 0 || cfg.Transport.MaxBackoff < 0 {
		errs = append(errs, errors.New("transport durations must not be negative"))
	}

	// Assistant
	if cfg.Assistant.SystemPrompt != "" && cfg.Assistant.SystemPromptFile != "" {
		errs = append(errs, errors.New("assistant.system_prompt and assistant.system_prompt_file are mutually exclusive"))
	}
	if cfg.Assistant.VoiceName == "" {
		slog.Warn("assistant.voice_name is empty; the remote service will use its default voice")
	}

	// Provider name validation — warn for unknown provider names.
	validateProviderName("stt", cfg.Providers.STT.Name)
	for _, fb := range cfg.Providers.STTFallbacks {
		validateProviderName("stt", fb.Name)
	}
	validateProviderName("vad", cfg.Providers.VAD.Name)
	validateProviderName("audio", cfg.Audio.Output.Name)
	validateProviderName("audio", cfg.Audio.Input.Name)

	for i, fb := range cfg.Providers.STTFallbacks {
		if fb.Name == "" {
			errs = append(errs, fmt.Errorf("providers.stt_fallbacks[%d].name is required", i))
		}
	}

	// A microphone is useless without a recognizer and a detector.
	if Enabled(cfg.Audio.Input) {
		if cfg.Providers.STT.Name == "" {
			errs = append(errs, errors.New("audio.input requires providers.stt to be configured"))
		}
		if cfg.Providers.VAD.Name == "" {
			errs = append(errs, errors.New("audio.input requires providers.vad to be configured"))
		}
	}
	if !Enabled(cfg.Audio.Output) {
		slog.Warn("audio.output is not configured; assistant speech will not be audible")
	}

	// Audio
	if cfg.Audio.OutputSampleRate < 0 || cfg.Audio.InputSampleRate < 0 {
		errs = append(errs, errors.New("audio sample rates must not be negative"))
	}
	if cfg.Audio.FrameSize < 0 {
		errs = append(errs, fmt.Errorf("audio.frame_size %d must not be negative", cfg.Audio.FrameSize))
	}
	if cfg.Audio.PlaybackWarnSamples < 0 {
		errs = append(errs, fmt.Errorf("audio.playback_warn_samples %d must not be negative", cfg.Audio.PlaybackWarnSamples))
	}

	// VAD
	v := cfg.VAD
	if v.SpeechThreshold < 0 || v.SpeechThreshold > 1 {
		errs = append(errs, fmt.Errorf("vad.speech_threshold %.2f is out of range [0, 1]", v.SpeechThreshold))
	}
	if v.SilenceThreshold < 0 || v.SilenceThreshold > 1 {
		errs = append(errs, fmt.Errorf("vad.silence_threshold %.2f is out of range [0, 1]", v.SilenceThreshold))
	}
	if v.SpeechThreshold != 0 && v.SilenceThreshold > v.SpeechThreshold {
		errs = append(errs, fmt.Errorf("vad.silence_threshold %.2f must not exceed vad.speech_threshold %.2f", v.SilenceThreshold, v.SpeechThreshold))
	}
	if v.SampleRate < 0 || v.FrameSizeMs < 0 {
		errs = append(errs, errors.New("vad.sample_rate and vad.frame_size_ms must not be negative"))
	}

	// Speech
	for i, kw := range cfg.Speech.Keywords {
		if kw.Keyword == "" {
			errs = append(errs, fmt.Errorf("speech.keywords[%d].keyword is required", i))
		}
	}

	// Extensions
	if ep := cfg.Extensions.Entrypoint; ep != "" && !entrypointPattern.MatchString(ep) {
		errs = append(errs, fmt.Errorf("extensions.entrypoint %q must be a file name without path separators", ep))
	}
	if cfg.Extensions.LoadTimeout < 0 {
		errs = append(errs, errors.New("extensions.load_timeout must not be negative"))
	}
	if cfg.Extensions.Fade != nil && *cfg.Extensions.Fade < 0 {
		errs = append(errs, errors.New("extensions.fade must not be negative"))
	}
	if cfg.Extensions.Dir != "" {
		if info, err := os.Stat(cfg.Extensions.Dir); err != nil || !info.IsDir() {
			slog.Warn("extensions.dir does not exist; extension commands will fail", "dir", cfg.Extensions.Dir)
		}
	}

	// Timers
	t := cfg.Timers
	if t.Amplitude < 0 || t.Drain < 0 || t.DrainConfirm < 0 || t.Dismiss < 0 || t.Tick < 0 {
		errs = append(errs, errors.New("timers must not be negative"))
	}

	return errors.Join(errs...)
}

// validateProviderName logs a warning if name is non-empty and not found in
// the [ValidProviderNames] list for the given kind.
func validateProviderName(kind, name string) {
	if name == "" {
		return
	}
	known, ok := ValidProviderNames[kind]
	if !ok {
		return
	}
	if slices.Contains(known, name) {
		return
	}
	slog.Warn("unknown provider name — may be a typo or third-party provider",
		"kind", kind,
		"name", name,
		"known", known,
	)
}
