package audio_test

import (
	"math"
	"testing"

	"github.com/MrWong99/spark/pkg/audio"
)

func TestAmplitude(t *testing.T) {
	t.Parallel()
	constant := func(v float32, n int) []float32 {
		s := make([]float32, n)
		for i := range s {
			s[i] = v
		}
		return s
	}

	tests := []struct {
		name    string
		samples []float32
		want    float64
	}{
		{name: "empty", samples: nil, want: 0},
		{name: "silence", samples: make([]float32, 256), want: 0},
		{name: "quiet", samples: constant(0.02, 256), want: 0.3},
		{name: "negative quiet", samples: constant(-0.02, 256), want: 0.3},
		{name: "clamped", samples: constant(0.5, 256), want: 1},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got := audio.Amplitude(tc.samples, audio.AmplitudeGain)
			if math.Abs(got-tc.want) > 1e-6 {
				t.Errorf("got %v, want %v", got, tc.want)
			}
		})
	}
}

func TestOutputTap_KeepsMostRecent(t *testing.T) {
	t.Parallel()
	tap := audio.NewOutputTap(4)
	tap.Write([]float32{1, 2, 3})
	tap.Write([]float32{4, 5})

	got := tap.Window()
	want := []float32{2, 3, 4, 5}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("position %d: got %v, want %v", i, got[i], want[i])
		}
	}
}

func TestOutputTap_LargeWriteKeepsTail(t *testing.T) {
	t.Parallel()
	tap := audio.NewOutputTap(3)
	tap.Write([]float32{1, 2, 3, 4, 5, 6})
	got := tap.Window()
	if len(got) != 3 || got[0] != 4 || got[2] != 6 {
		t.Errorf("got %v, want [4 5 6]", got)
	}
}

func TestOutputTap_PartialWindow(t *testing.T) {
	t.Parallel()
	tap := audio.NewOutputTap(0)
	tap.Write([]float32{0.1})
	if got := tap.Window(); len(got) != 1 {
		t.Errorf("expected 1 retained sample, got %d", len(got))
	}
	tap.Clear()
	if got := tap.Window(); len(got) != 0 {
		t.Errorf("expected empty window after clear, got %d", len(got))
	}
}

func TestAnalyzer_FollowsTap(t *testing.T) {
	t.Parallel()
	tap := audio.NewOutputTap(audio.AmplitudeWindow)
	a := audio.NewAnalyzer(tap, 0)

	if got := a.Sample(); got != 0 {
		t.Errorf("empty tap: got %v, want 0", got)
	}

	loud := make([]float32, audio.FrameSize)
	for i := range loud {
		loud[i] = 0.9
	}
	tap.Write(loud)
	if got := a.Sample(); got != 1 {
		t.Errorf("loud tap: got %v, want 1", got)
	}

	tap.Write(make([]float32, audio.AmplitudeWindow))
	if got := a.Sample(); got != 0 {
		t.Errorf("silent tap: got %v, want 0", got)
	}
}
