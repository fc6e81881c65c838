package energy

import (
	"encoding/binary"
	"errors"
	"testing"
	"time"

	"github.com/MrWong99/spark/pkg/provider/vad"
)

// tone returns a 20ms 16kHz frame where every sample has the given level.
func tone(level int16) []byte {
	buf := make([]byte, 320*2)
	for i := range 320 {
		binary.LittleEndian.PutUint16(buf[i*2:], uint16(level))
	}
	return buf
}

func testConfig() vad.Config {
	return vad.Config{SampleRate: 16000, FrameSizeMs: 20, SpeechThreshold: 0.5, SilenceThreshold: 0.35}
}

func TestNewSession_InvalidConfig(t *testing.T) {
	t.Parallel()
	e := New()
	tests := []struct {
		name string
		cfg  vad.Config
	}{
		{name: "zero rate", cfg: vad.Config{FrameSizeMs: 20, SpeechThreshold: 0.5}},
		{name: "zero frame", cfg: vad.Config{SampleRate: 16000, SpeechThreshold: 0.5}},
		{name: "speech above one", cfg: vad.Config{SampleRate: 16000, FrameSizeMs: 20, SpeechThreshold: 1.5}},
		{name: "silence above speech", cfg: vad.Config{SampleRate: 16000, FrameSizeMs: 20, SpeechThreshold: 0.3, SilenceThreshold: 0.4}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := e.NewSession(tc.cfg); !errors.Is(err, vad.ErrInvalidConfig) {
				t.Errorf("got %v, want ErrInvalidConfig", err)
			}
		})
	}
}

func TestSession_SpeechLifecycle(t *testing.T) {
	t.Parallel()
	e := New(WithOnset(40*time.Millisecond), WithHangover(60*time.Millisecond))
	s, err := e.NewSession(testConfig())
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}
	defer s.Close()

	loud := tone(8000) // rms ~0.244 * 10 -> clamped 1
	quiet := tone(100) // rms ~0.003 * 10 -> 0.03

	steps := []struct {
		frame []byte
		want  vad.VADEventType
	}{
		{quiet, vad.VADSilence},
		{loud, vad.VADSilence},
		{loud, vad.VADSpeechStart},
		{loud, vad.VADSpeechContinue},
		{quiet, vad.VADSpeechContinue},
		{quiet, vad.VADSpeechContinue},
		{quiet, vad.VADSpeechEnd},
		{quiet, vad.VADSilence},
	}
	for i, st := range steps {
		ev, err := s.ProcessFrame(st.frame)
		if err != nil {
			t.Fatalf("step %d: %v", i, err)
		}
		if ev.Type != st.want {
			t.Errorf("step %d: got %v, want %v", i, ev.Type, st.want)
		}
	}
}

func TestSession_ShortBurstIgnored(t *testing.T) {
	t.Parallel()
	s, err := New(WithOnset(60*time.Millisecond)).NewSession(testConfig())
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}
	for i, f := range [][]byte{tone(8000), tone(8000), tone(0), tone(8000)} {
		ev, _ := s.ProcessFrame(f)
		if ev.Type != vad.VADSilence {
			t.Errorf("frame %d: got %v, want silence", i, ev.Type)
		}
	}
}

func TestSession_Reset(t *testing.T) {
	t.Parallel()
	s, _ := New(WithOnset(0)).NewSession(testConfig())
	if ev, _ := s.ProcessFrame(tone(8000)); ev.Type != vad.VADSpeechStart {
		t.Fatalf("got %v, want speech start", ev.Type)
	}
	s.Reset()
	if ev, _ := s.ProcessFrame(tone(8000)); ev.Type != vad.VADSpeechStart {
		t.Errorf("after reset: got %v, want speech start", ev.Type)
	}
}

func TestSession_FrameSizeMismatch(t *testing.T) {
	t.Parallel()
	s, _ := New().NewSession(testConfig())
	if _, err := s.ProcessFrame(make([]byte, 10)); err == nil {
		t.Error("expected error for wrong frame size")
	}
}

func TestSession_Closed(t *testing.T) {
	t.Parallel()
	s, _ := New().NewSession(testConfig())
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	if _, err := s.ProcessFrame(tone(0)); err == nil {
		t.Error("expected error after close")
	}
}
