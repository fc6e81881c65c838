// Package config provides the configuration schema, loader, and provider registry
// for the Spark voice assistant client.
package config

import (
	"fmt"
	"os"
	"time"
)

// LogLevel controls log verbosity.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// DeviceNone disables an audio device slot.
const DeviceNone = "none"

// Config is the root configuration structure for Spark.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Transport  TransportConfig  `yaml:"transport"`
	Assistant  AssistantConfig  `yaml:"assistant"`
	Providers  ProvidersConfig  `yaml:"providers"`
	Audio      AudioConfig      `yaml:"audio"`
	VAD        VADConfig        `yaml:"vad"`
	Speech     SpeechConfig     `yaml:"speech"`
	Extensions ExtensionsConfig `yaml:"extensions"`
	Timers     TimersConfig     `yaml:"timers"`
}

// ServerConfig holds the local HTTP API and logging settings.
type ServerConfig struct {
	// ListenAddr is the TCP address of the local API (e.g., "127.0.0.1:8088").
	// Empty disables the API.
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity.
	LogLevel LogLevel `yaml:"log_level"`

	// TLS configures TLS for the API. When nil, the API runs plain HTTP.
	TLS *TLSConfig `yaml:"tls"`
}

// TLSConfig holds TLS certificate paths for enabling HTTPS.
type TLSConfig struct {
	// CertFile is the path to the PEM-encoded TLS certificate.
	CertFile string `yaml:"cert_file"`

	// KeyFile is the path to the PEM-encoded TLS private key.
	KeyFile string `yaml:"key_file"`
}

// TransportConfig describes the remote AI service connection.
type TransportConfig struct {
	// URL is the ws:// or wss:// endpoint of the remote service.
	URL string `yaml:"url"`

	// Headers are added to the WebSocket upgrade request, e.g. for
	// authentication.
	Headers map[string]string `yaml:"headers"`

	// DialTimeout bounds each connection attempt.
	DialTimeout time.Duration `yaml:"dial_timeout"`

	// DialAttempts is the number of connection attempts before giving up.
	DialAttempts int `yaml:"dial_attempts"`

	// Backoff is the delay before the second attempt. It doubles on every
	// further attempt up to MaxBackoff.
	Backoff    time.Duration `yaml:"backoff"`
	MaxBackoff time.Duration `yaml:"max_backoff"`
}

// AssistantConfig is the handshake sent when a session opens.
type AssistantConfig struct {
	// SystemPrompt is the instruction text for the remote assistant.
	SystemPrompt string `yaml:"system_prompt"`

	// SystemPromptFile reads the system prompt from a file instead.
	// Mutually exclusive with SystemPrompt.
	SystemPromptFile string `yaml:"system_prompt_file"`

	// VoiceName selects the remote assistant's voice (e.g., "Puck").
	VoiceName string `yaml:"voice_name"`
}

// Prompt returns the effective system prompt, reading SystemPromptFile when
// it is set.
func (a AssistantConfig) Prompt() (string, error) {
	if a.SystemPromptFile == "" {
		return a.SystemPrompt, nil
	}
	b, err := os.ReadFile(a.SystemPromptFile)
	if err != nil {
		return "", fmt.Errorf("config: read system prompt: %w", err)
	}
	return string(b), nil
}

// ProvidersConfig selects the speech input providers. Each entry names a
// provider registered in the [Registry].
type ProvidersConfig struct {
	STT ProviderEntry `yaml:"stt"`

	// STTFallbacks are tried in order when the primary recognizer fails to
	// open a stream.
	STTFallbacks []ProviderEntry `yaml:"stt_fallbacks"`

	VAD ProviderEntry `yaml:"vad"`
}

// ProviderEntry is the common configuration block shared by all provider types.
// The Name field is used to look up the constructor in the [Registry].
type ProviderEntry struct {
	// Name selects the registered provider implementation (e.g., "deepgram", "energy").
	Name string `yaml:"name"`

	// APIKey is the authentication key for the provider's API if any.
	APIKey string `yaml:"api_key"`

	// BaseURL overrides the provider's default API endpoint.
	// Leave empty to use the provider's built-in default.
	BaseURL string `yaml:"base_url"`

	// Model selects a specific model within the provider (e.g., "nova-2").
	Model string `yaml:"model"`

	// Options holds provider-specific configuration values not covered by the
	// standard fields above. Values may be strings, numbers, booleans, or nested maps.
	Options map[string]any `yaml:"options"`
}

// OptionString returns the string option key, or def when it is missing or
// not a string.
func (e ProviderEntry) OptionString(key, def string) string {
	if v, ok := e.Options[key].(string); ok && v != "" {
		return v
	}
	return def
}

// OptionFloat returns the numeric option key, or def when it is missing.
func (e ProviderEntry) OptionFloat(key string, def float64) float64 {
	switch v := e.Options[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	}
	return def
}

// AudioConfig selects the audio devices and playback format.
type AudioConfig struct {
	// Output plays the assistant's voice ("portaudio", "pcm" or "none").
	Output ProviderEntry `yaml:"output"`

	// Input captures the microphone ("portaudio", "pcm" or "none").
	Input ProviderEntry `yaml:"input"`

	// OutputSampleRate is the rate of the PCM received from the service.
	OutputSampleRate int `yaml:"output_sample_rate"`

	// FrameSize is the number of samples the output device pulls per callback.
	FrameSize int `yaml:"frame_size"`

	// InputSampleRate is the native microphone rate.
	InputSampleRate int `yaml:"input_sample_rate"`

	// PlaybackWarnSamples logs a warning when the queue grows beyond this many
	// samples. Zero disables the warning.
	PlaybackWarnSamples int `yaml:"playback_warn_samples"`
}

// Enabled reports whether entry selects a device.
func Enabled(entry ProviderEntry) bool {
	return entry.Name != "" && entry.Name != DeviceNone
}

// VADConfig tunes the voice activity detector.
type VADConfig struct {
	SampleRate       int     `yaml:"sample_rate"`
	FrameSizeMs      int     `yaml:"frame_size_ms"`
	SpeechThreshold  float64 `yaml:"speech_threshold"`
	SilenceThreshold float64 `yaml:"silence_threshold"`
}

// SpeechConfig configures recognition.
type SpeechConfig struct {
	// Language is the BCP-47 recognition language. Empty uses the provider
	// default.
	Language string `yaml:"language"`

	// Constrained keeps recognition running but never sends transcripts.
	Constrained bool `yaml:"constrained"`

	// Keywords boosts recognition of uncommon words.
	Keywords []KeywordConfig `yaml:"keywords"`
}

// KeywordConfig is a single recognition hint.
type KeywordConfig struct {
	Keyword string  `yaml:"keyword"`
	Boost   float64 `yaml:"boost"`
}

// ExtensionsConfig locates the extension executables.
type ExtensionsConfig struct {
	// Dir contains one sub-directory per extension.
	Dir string `yaml:"dir"`

	// Entrypoint is the executable name inside each extension directory.
	Entrypoint string `yaml:"entrypoint"`

	// LoadTimeout bounds starting an extension process.
	LoadTimeout time.Duration `yaml:"load_timeout"`

	// Fade is the pause between hiding an extension and stopping it.
	Fade *time.Duration `yaml:"fade"`
}

// TimersConfig overrides the session's periodic intervals. Zero values keep
// the defaults.
type TimersConfig struct {
	Amplitude    time.Duration `yaml:"amplitude"`
	Drain        time.Duration `yaml:"drain"`
	DrainConfirm time.Duration `yaml:"drain_confirm"`
	Dismiss      time.Duration `yaml:"dismiss"`
	Tick         time.Duration `yaml:"tick"`
}
