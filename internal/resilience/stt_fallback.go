package resilience

import (
	"context"

	"github.com/MrWong99/spark/pkg/provider/stt"
)

// STTFallback implements [stt.Provider] with failover across several
// recognizers. Each recognizer has its own circuit breaker, so one that keeps
// failing to open streams is skipped until its reset timeout elapses.
type STTFallback struct {
	group *FallbackGroup[stt.Provider]
}

var _ stt.Provider = (*STTFallback)(nil)

// NewSTTFallback creates an [STTFallback] with primary as the preferred backend.
func NewSTTFallback(primary stt.Provider, primaryName string, cfg FallbackConfig) *STTFallback {
	return &STTFallback{group: NewFallbackGroup(primary, primaryName, cfg)}
}

// AddFallback registers an additional recognizer.
func (f *STTFallback) AddFallback(name string, provider stt.Provider) {
	f.group.AddFallback(name, provider)
}

// StartStream opens a recognition stream on the first healthy recognizer.
func (f *STTFallback) StartStream(ctx context.Context, cfg stt.StreamConfig) (stt.SessionHandle, error) {
	return ExecuteWithResult(f.group, func(p stt.Provider) (stt.SessionHandle, error) {
		return p.StartStream(ctx, cfg)
	})
}

// Healthy reports whether any recognizer is currently accepting streams.
func (f *STTFallback) Healthy() bool {
	return f.group.Healthy()
}
