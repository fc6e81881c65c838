package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/spark/internal/assistant"
	"github.com/MrWong99/spark/internal/display"
	"github.com/MrWong99/spark/internal/session"
)

type fakeDismisser struct {
	mu     sync.Mutex
	active string
	calls  int
	err    error
}

func (d *fakeDismisser) ActiveName() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.active
}

func (d *fakeDismisser) StopAll(context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls++
	if d.err != nil {
		return d.err
	}
	d.active = ""
	return nil
}

type fakeSessions struct {
	startErr error
	stopErr  error
}

func (f *fakeSessions) Start(context.Context) (*session.Session, error) { return nil, f.startErr }
func (f *fakeSessions) Stop(context.Context) error                      { return f.stopErr }
func (f *fakeSessions) Active() *session.Session                        { return nil }

type fixture struct {
	machine *assistant.Machine
	board   *display.Board
	ext     *fakeDismisser
	mux     *http.ServeMux
}

func newFixture(opts ...Option) *fixture {
	f := &fixture{
		machine: assistant.NewMachine(),
		board:   display.New(),
		ext:     &fakeDismisser{},
		mux:     http.NewServeMux(),
	}
	New(f.machine, f.board, f.ext, opts...).Register(f.mux)
	return f
}

func (f *fixture) do(method, path string) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	f.mux.ServeHTTP(rec, httptest.NewRequest(method, path, nil))
	return rec
}

func TestGetState(t *testing.T) {
	t.Parallel()

	f := newFixture()
	f.board.SetPhase(display.PhaseActive)
	f.board.AddSubtitle(display.AI, "hello", false)
	f.machine.Apply(assistant.EventListening, "Listening...")

	rec := f.do("GET", "/state")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var st State
	if err := json.NewDecoder(rec.Body).Decode(&st); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if st.Assistant.State != assistant.Listening {
		t.Errorf("assistant.state = %v, want listening", st.Assistant.State)
	}
	if st.Assistant.Status != "Listening..." {
		t.Errorf("assistant.status = %q", st.Assistant.Status)
	}
	if st.Display.Phase != display.PhaseActive || len(st.Display.Subtitles) != 1 {
		t.Errorf("display = %+v", st.Display)
	}
	if st.Session != nil {
		t.Errorf("session = %+v, want nil without session control", st.Session)
	}
}

func TestDismiss(t *testing.T) {
	t.Parallel()

	f := newFixture()
	f.ext.active = "clock"

	rec := f.do("POST", "/extensions/stop")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `"stopped":"clock"`) {
		t.Errorf("body = %s", rec.Body)
	}
	if f.ext.calls != 1 || f.ext.ActiveName() != "" {
		t.Errorf("calls=%d active=%q", f.ext.calls, f.ext.ActiveName())
	}

	f.ext.err = errors.New("frame hung")
	if rec := f.do("POST", "/extensions/stop"); rec.Code != http.StatusInternalServerError {
		t.Errorf("failing stop status = %d, want 500", rec.Code)
	}
	if rec := f.do("GET", "/extensions/stop"); rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("GET status = %d, want 405", rec.Code)
	}
}

func TestSessionEndpoints(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		sessions Sessions
		path     string
		want     int
	}{
		{"start disabled", nil, "/session/start", http.StatusNotImplemented},
		{"stop disabled", nil, "/session/stop", http.StatusNotImplemented},
		{"start while active", &fakeSessions{startErr: fmt.Errorf("%w (id=x)", session.ErrActive)}, "/session/start", http.StatusConflict},
		{"start dial failure", &fakeSessions{startErr: errors.New("dial refused")}, "/session/start", http.StatusBadGateway},
		{"stop without session", &fakeSessions{stopErr: session.ErrNoSession}, "/session/stop", http.StatusNotFound},
		{"stop with teardown errors", &fakeSessions{stopErr: errors.New("device busy")}, "/session/stop", http.StatusNoContent},
		{"stop", &fakeSessions{}, "/session/stop", http.StatusNoContent},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			var opts []Option
			if tt.sessions != nil {
				opts = append(opts, WithSessions(tt.sessions))
			}
			f := newFixture(opts...)
			if rec := f.do("POST", tt.path); rec.Code != tt.want {
				t.Errorf("status = %d, want %d (body %s)", rec.Code, tt.want, rec.Body)
			}
		})
	}
}

func TestStateStream(t *testing.T) {
	t.Parallel()

	f := newFixture(WithStreamInterval(10 * time.Millisecond))
	srv := httptest.NewServer(f.mux)
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(srv.URL, "http")+"/state/stream", nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.CloseNow()

	read := func() State {
		t.Helper()
		typ, b, err := conn.Read(ctx)
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		if typ != websocket.MessageText {
			t.Fatalf("message type = %v, want text", typ)
		}
		var st State
		if err := json.Unmarshal(b, &st); err != nil {
			t.Fatalf("decode: %v", err)
		}
		return st
	}

	if st := read(); st.Assistant.State != assistant.Idle {
		t.Errorf("first state = %v, want idle", st.Assistant.State)
	}

	f.machine.Request(assistant.Speaking)
	f.board.SetStatus("AI responding...")
	for {
		st := read()
		if st.Assistant.State == assistant.Speaking && st.Display.Status == "AI responding..." {
			break
		}
	}

	if err := conn.Close(websocket.StatusNormalClosure, ""); err != nil {
		t.Errorf("close: %v", err)
	}
}
