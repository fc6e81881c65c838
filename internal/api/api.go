// Package api serves the local HTTP control surface: the assistant state for
// visualizers (as a snapshot and as a WebSocket feed), the dismiss control of
// the active extension, and session start and stop.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/spark/internal/assistant"
	"github.com/MrWong99/spark/internal/display"
	"github.com/MrWong99/spark/internal/session"
)

const (
	// DefaultStreamInterval is how often the state feed is refreshed between
	// state changes, so amplitude and easing reach the visualizer.
	DefaultStreamInterval = 50 * time.Millisecond

	writeTimeout = 5 * time.Second
)

// StateSource provides assistant snapshots. [*assistant.Machine] implements it.
type StateSource interface {
	Snapshot() assistant.Snapshot
	Subscribe(buffer int) (<-chan assistant.Snapshot, func())
}

// ViewSource provides the status display. [*display.Board] implements it.
type ViewSource interface {
	View() display.View
}

// Dismisser stops the active extension. [*extension.Manager] implements it.
type Dismisser interface {
	ActiveName() string
	StopAll(ctx context.Context) error
}

// Sessions starts and stops sessions. [*session.Manager] implements it.
type Sessions interface {
	Start(ctx context.Context) (*session.Session, error)
	Stop(ctx context.Context) error
	Active() *session.Session
}

// State is the body of GET /state and of every feed message.
type State struct {
	Assistant assistant.Snapshot `json:"assistant"`
	Display   display.View       `json:"display"`
	Session   *session.Stats     `json:"session,omitempty"`
}

// Option configures a [Server].
type Option func(*Server)

// WithSessions enables the session endpoints.
func WithSessions(s Sessions) Option {
	return func(srv *Server) { srv.sessions = s }
}

// WithStreamInterval sets the feed refresh interval. Defaults to
// [DefaultStreamInterval].
func WithStreamInterval(d time.Duration) Option {
	return func(srv *Server) {
		if d > 0 {
			srv.interval = d
		}
	}
}

// WithOriginPatterns allows cross-origin WebSocket clients whose host matches
// one of the patterns.
func WithOriginPatterns(patterns ...string) Option {
	return func(srv *Server) { srv.origins = patterns }
}

// Server holds the API handlers. It is safe for concurrent use.
type Server struct {
	machine  StateSource
	board    ViewSource
	ext      Dismisser
	sessions Sessions
	interval time.Duration
	origins  []string
}

// New returns a Server reading from machine and board and dismissing through
// ext.
func New(machine StateSource, board ViewSource, ext Dismisser, opts ...Option) *Server {
	s := &Server{
		machine:  machine,
		board:    board,
		ext:      ext,
		interval: DefaultStreamInterval,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Register adds the API routes to mux.
func (s *Server) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /state", s.handleState)
	mux.HandleFunc("GET /state/stream", s.handleStream)
	mux.HandleFunc("POST /extensions/stop", s.handleDismiss)
	mux.HandleFunc("POST /session/start", s.handleSessionStart)
	mux.HandleFunc("POST /session/stop", s.handleSessionStop)
}

// State returns the current combined state.
func (s *Server) State() State {
	st := State{
		Assistant: s.machine.Snapshot(),
		Display:   s.board.View(),
	}
	if s.sessions != nil {
		if sess := s.sessions.Active(); sess != nil {
			stats := sess.Stats()
			st.Session = &stats
		}
	}
	return st
}

func (s *Server) handleState(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.State())
}

// handleStream upgrades to a WebSocket and pushes the state on every change
// and on every refresh tick whose state differs from the last one sent.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: s.origins})
	if err != nil {
		slog.Warn("api: state stream upgrade failed", "err", err)
		return
	}
	defer conn.CloseNow()

	// The feed is one-way; CloseRead cancels ctx when the client goes away.
	ctx := conn.CloseRead(r.Context())

	updates, cancel := s.machine.Subscribe(4)
	defer cancel()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	var last []byte
	push := func() error {
		b, err := json.Marshal(s.State())
		if err != nil {
			return err
		}
		if bytes.Equal(b, last) {
			return nil
		}
		last = b
		wctx, wcancel := context.WithTimeout(ctx, writeTimeout)
		defer wcancel()
		return conn.Write(wctx, websocket.MessageText, b)
	}

	if err := push(); err != nil {
		return
	}
	for {
		select {
		case <-ctx.Done():
			conn.Close(websocket.StatusNormalClosure, "")
			return
		case _, ok := <-updates:
			if !ok {
				conn.Close(websocket.StatusGoingAway, "")
				return
			}
		case <-ticker.C:
		}
		if err := push(); err != nil {
			slog.Debug("api: state stream closed", "err", err)
			return
		}
	}
}

func (s *Server) handleDismiss(w http.ResponseWriter, r *http.Request) {
	name := s.ext.ActiveName()
	if err := s.ext.StopAll(r.Context()); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"stopped": name})
}

func (s *Server) handleSessionStart(w http.ResponseWriter, r *http.Request) {
	if s.sessions == nil {
		writeError(w, http.StatusNotImplemented, errors.New("session control is disabled"))
		return
	}
	// The session outlives the request.
	sess, err := s.sessions.Start(context.WithoutCancel(r.Context()))
	switch {
	case errors.Is(err, session.ErrActive), errors.Is(err, session.ErrStartAborted):
		writeError(w, http.StatusConflict, err)
	case err != nil:
		writeError(w, http.StatusBadGateway, err)
	default:
		writeJSON(w, http.StatusCreated, map[string]string{"id": sess.ID()})
	}
}

func (s *Server) handleSessionStop(w http.ResponseWriter, r *http.Request) {
	if s.sessions == nil {
		writeError(w, http.StatusNotImplemented, errors.New("session control is disabled"))
		return
	}
	err := s.sessions.Stop(r.Context())
	switch {
	case errors.Is(err, session.ErrNoSession):
		writeError(w, http.StatusNotFound, err)
	case err != nil:
		// Teardown is best effort; the session is gone either way.
		slog.Warn("api: session stop reported errors", "err", err)
		w.WriteHeader(http.StatusNoContent)
	default:
		w.WriteHeader(http.StatusNoContent)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("api: encode response", "err", err)
	}
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
