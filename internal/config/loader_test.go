package config_test

import (
	"slices"
	"strings"
	"testing"

	"github.com/MrWong99/spark/internal/config"
)

func TestValidate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		yaml    string
		wantErr []string
	}{
		{
			name:    "missing url",
			yaml:    "server:\n  log_level: info\n",
			wantErr: []string{"transport.url is required"},
		},
		{
			name:    "http scheme",
			yaml:    "transport:\n  url: https://example.com\n",
			wantErr: []string{"scheme"},
		},
		{
			name:    "invalid log level",
			yaml:    "server:\n  log_level: verbose\ntransport:\n  url: ws://x\n",
			wantErr: []string{"log_level"},
		},
		{
			name:    "half tls",
			yaml:    "server:\n  tls:\n    cert_file: c.pem\ntransport:\n  url: ws://x\n",
			wantErr: []string{"cert_file and key_file"},
		},
		{
			name: "both prompts",
			yaml: `
transport:
  url: ws://x
assistant:
  system_prompt: a
  system_prompt_file: b.txt
`,
			wantErr: []string{"mutually exclusive"},
		},
		{
			name: "microphone without providers",
			yaml: `
transport:
  url: ws://x
audio:
  input:
    name: portaudio
`,
			wantErr: []string{"providers.stt", "providers.vad"},
		},
		{
			name: "thresholds inverted",
			yaml: `
transport:
  url: ws://x
vad:
  speech_threshold: 0.3
  silence_threshold: 0.6
`,
			wantErr: []string{"must not exceed"},
		},
		{
			name: "threshold out of range",
			yaml: `
transport:
  url: ws://x
vad:
  speech_threshold: 1.5
`,
			wantErr: []string{"speech_threshold"},
		},
		{
			name: "entrypoint with path",
			yaml: `
transport:
  url: ws://x
extensions:
  entrypoint: ../../bin/sh
`,
			wantErr: []string{"entrypoint"},
		},
		{
			name: "negative timers",
			yaml: `
transport:
  url: ws://x
timers:
  drain: -1s
`,
			wantErr: []string{"timers"},
		},
		{
			name: "fallback without name",
			yaml: `
transport:
  url: ws://x
providers:
  stt_fallbacks:
    - api_key: k
`,
			wantErr: []string{"stt_fallbacks[0].name"},
		},
		{
			name: "empty keyword",
			yaml: `
transport:
  url: ws://x
speech:
  keywords:
    - boost: 1
`,
			wantErr: []string{"speech.keywords[0]"},
		},
		{
			name: "microphone with providers",
			yaml: `
transport:
  url: wss://x/live
audio:
  input:
    name: pcm
providers:
  stt:
    name: mock
  vad:
    name: energy
`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := config.LoadFromReader(strings.NewReader(tt.yaml))
			if len(tt.wantErr) == 0 {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if err == nil {
				t.Fatalf("expected error containing %q, got nil", tt.wantErr)
			}
			for _, want := range tt.wantErr {
				if !strings.Contains(err.Error(), want) {
					t.Errorf("error should mention %q, got: %v", want, err)
				}
			}
		})
	}
}

func TestValidate_MultipleErrors(t *testing.T) {
	t.Parallel()
	yaml := `
server:
  log_level: loud
transport:
  dial_attempts: -1
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected errors, got nil")
	}
	errStr := err.Error()
	for _, want := range []string{"log_level", "transport.url", "dial_attempts"} {
		if !strings.Contains(errStr, want) {
			t.Errorf("error should mention %q, got: %v", want, err)
		}
	}
}

func TestValidProviderNames(t *testing.T) {
	t.Parallel()
	for kind, want := range map[string]string{"stt": "deepgram", "vad": "energy", "audio": "portaudio"} {
		if !slices.Contains(config.ValidProviderNames[kind], want) {
			t.Errorf("ValidProviderNames[%q] should contain %q", kind, want)
		}
	}
}
