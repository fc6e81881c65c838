package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/MrWong99/spark/internal/transport"
)

var (
	// ErrNoSession is returned by [Manager.Stop] when nothing is running.
	ErrNoSession = errors.New("session: no active session")

	// ErrActive is returned by [Manager.Start] while a session is running or
	// starting.
	ErrActive = errors.New("session: a session is already active")

	// ErrStartAborted is returned by [Manager.Start] when [Manager.Stop] was
	// called while the session was still dialing.
	ErrStartAborted = errors.New("session: start aborted")
)

// Manager starts and stops sessions. Only one session can be active at a
// time. The handshake used by the next session can be replaced at any time,
// for example by a configuration reload.
//
// All exported methods are safe for concurrent use.
type Manager struct {
	mu     sync.Mutex
	base   Config
	opts   []Option
	active *Session

	// pending is set while Start dials. The lock is not held during the dial.
	pending *pendingStart
}

type pendingStart struct {
	cancel context.CancelFunc
}

// NewManager returns a Manager that starts sessions from base.
func NewManager(base Config, opts ...Option) *Manager {
	return &Manager{base: base, opts: opts}
}

// Start begins a new session. It returns [ErrActive] if one is already
// running or starting, and [ErrStartAborted] if Stop is called before the
// dial completes.
func (m *Manager) Start(ctx context.Context) (*Session, error) {
	m.mu.Lock()
	switch {
	case m.active != nil:
		id := m.active.ID()
		m.mu.Unlock()
		return nil, fmt.Errorf("%w (id=%s)", ErrActive, id)
	case m.pending != nil:
		m.mu.Unlock()
		return nil, fmt.Errorf("%w (starting)", ErrActive)
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	p := &pendingStart{cancel: cancel}
	m.pending = p
	base, opts := m.base, m.opts
	m.mu.Unlock()

	s, err := Start(ctx, base, opts...)

	m.mu.Lock()
	aborted := m.pending != p
	if !aborted {
		m.pending = nil
		if err == nil {
			m.active = s
		}
	}
	constrained := m.base.Speech.Constrained
	m.mu.Unlock()

	switch {
	case aborted && err != nil:
		return nil, fmt.Errorf("%w: %w", ErrStartAborted, err)
	case aborted:
		if serr := s.Stop(context.WithoutCancel(ctx)); serr != nil {
			slog.Warn("session: stop aborted session", "id", s.ID(), "err", serr)
		}
		return nil, ErrStartAborted
	case err != nil:
		return nil, err
	}

	// SetConstrained may have run during the dial.
	if constrained != base.Speech.Constrained {
		s.SetConstrained(constrained)
	}

	// Sessions closed by the remote side release the slot themselves.
	go func() {
		<-s.Done()
		m.mu.Lock()
		if m.active == s {
			m.active = nil
		}
		m.mu.Unlock()
	}()
	return s, nil
}

// Stop ends the active session, or aborts one that is still dialing.
func (m *Manager) Stop(ctx context.Context) error {
	m.mu.Lock()
	s := m.active
	m.active = nil
	p := m.pending
	m.pending = nil
	m.mu.Unlock()

	if p != nil {
		p.cancel()
		return nil
	}
	if s == nil {
		return ErrNoSession
	}
	return s.Stop(ctx)
}

// Active returns the running session, or nil. A session that is still
// dialing is not active yet.
func (m *Manager) Active() *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.active
}

// SetHandshake replaces the handshake sent by sessions started after this
// call. A running session keeps the handshake it opened with.
func (m *Manager) SetHandshake(h transport.Handshake) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.base.Transport.Handshake = h
	slog.Info("session handshake updated", "voice_name", h.VoiceName)
}

// Handshake returns the handshake the next session will send.
func (m *Manager) Handshake() transport.Handshake {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.base.Transport.Handshake
}

// SetConstrained toggles transcript sending for the active session and for
// sessions started later, including one that is dialing.
func (m *Manager) SetConstrained(v bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.base.Speech.Constrained = v
	if m.active != nil {
		m.active.SetConstrained(v)
	}
}
