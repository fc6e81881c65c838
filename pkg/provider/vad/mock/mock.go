// Package mock provides scripted test doubles for the vad interfaces.
//
//	sess := &mock.Session{Script: []vad.VADEvent{
//	    {Type: vad.VADSpeechStart}, {Type: vad.VADSpeechContinue}, {Type: vad.VADSpeechEnd},
//	}}
//	eng := &mock.Engine{Session: sess}
//
// Every frame the pipeline submits consumes one scripted event; after the
// script runs out the session keeps answering EventResult.
package mock

import (
	"sync"

	"github.com/MrWong99/spark/pkg/provider/vad"
)

// Engine hands out Session, or a silent Session when it is nil.
type Engine struct {
	mu sync.Mutex

	Session vad.SessionHandle

	// Err fails every NewSession call.
	Err error

	configs []vad.Config
}

var _ vad.Engine = (*Engine)(nil)

// NewSession implements [vad.Engine].
func (e *Engine) NewSession(cfg vad.Config) (vad.SessionHandle, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.configs = append(e.configs, cfg)
	if e.Err != nil {
		return nil, e.Err
	}
	if e.Session != nil {
		return e.Session, nil
	}
	return &Session{EventResult: vad.VADEvent{Type: vad.VADSilence}}, nil
}

// Configs returns the config of every NewSession call.
func (e *Engine) Configs() []vad.Config {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]vad.Config(nil), e.configs...)
}

// Session replays Script, then EventResult.
type Session struct {
	mu sync.Mutex

	Script      []vad.VADEvent
	EventResult vad.VADEvent

	// Err fails every ProcessFrame call.
	Err error

	frames [][]byte
	resets int
	closes int
}

var _ vad.SessionHandle = (*Session)(nil)

// ProcessFrame implements [vad.SessionHandle]. The frame is copied.
func (s *Session) ProcessFrame(frame []byte) (vad.VADEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.frames = append(s.frames, append([]byte(nil), frame...))
	if s.Err != nil {
		return vad.VADEvent{}, s.Err
	}
	if len(s.Script) == 0 {
		return s.EventResult, nil
	}
	ev := s.Script[0]
	s.Script = s.Script[1:]
	return ev, nil
}

// Reset implements [vad.SessionHandle].
func (s *Session) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.resets++
}

// Close implements [vad.SessionHandle].
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closes++
	return nil
}

// Frames returns copies of the processed frames in order.
func (s *Session) Frames() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([][]byte(nil), s.frames...)
}

// Resets returns how often Reset was called.
func (s *Session) Resets() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.resets
}

// Closes returns how often Close was called.
func (s *Session) Closes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closes
}
