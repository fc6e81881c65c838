package extension

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/MrWong99/spark/internal/observe"
)

// DefaultFade is the delay between a STOP request and the STOP entry point,
// matching the visual fade-out of the extension.
const DefaultFade = 300 * time.Millisecond

// Option configures a [Manager].
type Option func(*Manager)

// WithFade sets the fade-out delay played before STOP. Zero disables it.
func WithFade(d time.Duration) Option {
	return func(m *Manager) {
		m.fade = max(d, 0)
	}
}

// WithMetrics sets the metrics recorder. Defaults to [observe.DefaultMetrics].
func WithMetrics(met *observe.Metrics) Option {
	return func(m *Manager) {
		m.metrics = met
	}
}

type instance struct {
	name    string
	id      string
	frame   Frame
	started time.Time
}

// Manager owns the single active extension slot. Operations are serialized:
// a START issued while another extension is active stops that extension
// before loading the new one.
//
// No operation panics or returns an error across the boundary; every
// outcome is a [Result].
//
// Manager is safe for concurrent use.
type Manager struct {
	loader  Loader
	display Display
	fade    time.Duration
	metrics *observe.Metrics

	mu     sync.Mutex
	active *instance

	nameMu sync.RWMutex
	name   string
}

// NewManager creates a manager that loads frames with loader and reports the
// displayed extension to display.
func NewManager(loader Loader, display Display, opts ...Option) *Manager {
	m := &Manager{
		loader:  loader,
		display: display,
		fade:    DefaultFade,
	}
	for _, o := range opts {
		o(m)
	}
	if m.metrics == nil {
		m.metrics = observe.DefaultMetrics()
	}
	return m
}

// HandleMessage dispatches cmd by its upper-cased type. Unknown types and
// names outside [A-Za-z0-9_-] are rejected without touching any frame.
func (m *Manager) HandleMessage(ctx context.Context, cmd Command) (res Result) {
	typ := strings.ToUpper(cmd.Type)
	start := time.Now()
	ctx, span := observe.StartSpan(ctx, "extension.command",
		observe.AttrExtensionType.String(typ),
		observe.AttrExtension.String(cmd.Function),
	)

	defer func() {
		if r := recover(); r != nil {
			slog.Error("extension: command panicked", "type", typ, "function", cmd.Function, "panic", r)
			res = failure(fmt.Errorf("extension %s: panic: %v", cmd.Function, r))
		}
		status := "ok"
		var spanErr error
		if !res.Success {
			status = "error"
			spanErr = errors.New(res.Error)
		}
		observe.EndSpan(span, spanErr)
		m.metrics.RecordExtensionCommand(ctx, typ, status, time.Since(start))
	}()

	if cmd.Type == "" || cmd.Function == "" {
		return failure(errors.New("invalid message format: type and function are required"))
	}
	if !ValidName(cmd.Function) {
		return failure(fmt.Errorf("invalid function name %q", cmd.Function))
	}

	slog.Debug("extension: command", "type", typ, "function", cmd.Function)
	switch typ {
	case TypeStart:
		return m.Start(ctx, cmd.Function, cmd.Args)
	case TypeSet:
		return m.Set(ctx, cmd.Function, cmd.Args)
	case TypeGet:
		return m.Get(ctx, cmd.Function, cmd.Args)
	case TypeStop:
		return m.Stop(ctx, cmd.Function)
	default:
		return failure(fmt.Errorf("unknown message type %q", cmd.Type))
	}
}

// Start stops the active extension, loads name, forces the displaying state
// and invokes its START entry point. If START fails the new frame is torn
// down again.
func (m *Manager) Start(ctx context.Context, name string, args json.RawMessage) Result {
	if !ValidName(name) {
		return failure(fmt.Errorf("invalid function name %q", name))
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	stopped := m.active != nil
	if stopped {
		if err := m.stopLocked(ctx, false); err != nil {
			slog.Warn("extension: stop before start failed", "err", err)
		}
	}

	frame, err := m.loader.Load(ctx, name)
	if err != nil {
		if stopped {
			m.display.SetDisplaying("")
		}
		return failure(fmt.Errorf("start extension %s: %w", name, err))
	}

	inst := &instance{name: name, id: uuid.NewString(), frame: frame, started: time.Now()}
	m.setActive(inst)
	m.metrics.ActiveExtensions.Add(ctx, 1)
	m.display.SetDisplaying(name)
	slog.Info("extension loaded", "name", name, "instance", inst.id)

	data, err := call(func() (any, error) { return frame.Start(ctx, args) })
	if err != nil {
		if terr := m.teardownLocked(ctx); terr != nil {
			slog.Warn("extension: teardown after failed start", "name", name, "err", terr)
		}
		m.display.SetDisplaying("")
		return failure(fmt.Errorf("start extension %s: %w", name, err))
	}
	if data == nil {
		data = map[string]string{"message": fmt.Sprintf("extension %s started", name)}
	}
	return Result{Success: true, Data: data}
}

// Set forwards args to the SET entry point of the active extension name.
func (m *Manager) Set(ctx context.Context, name string, args json.RawMessage) Result {
	m.mu.Lock()
	defer m.mu.Unlock()

	inst, err := m.lookupLocked(name)
	if err != nil {
		return failure(err)
	}
	data, err := call(func() (any, error) { return inst.frame.Set(ctx, args) })
	if err != nil {
		return failure(fmt.Errorf("set extension %s: %w", name, err))
	}
	if data == nil {
		data = map[string]string{"message": fmt.Sprintf("extension %s updated", name)}
	}
	return Result{Success: true, Data: data}
}

// Get forwards args to the GET entry point of the active extension name.
func (m *Manager) Get(ctx context.Context, name string, args json.RawMessage) Result {
	m.mu.Lock()
	defer m.mu.Unlock()

	inst, err := m.lookupLocked(name)
	if err != nil {
		return failure(err)
	}
	data, err := call(func() (any, error) { return inst.frame.Get(ctx, args) })
	if err != nil {
		return failure(fmt.Errorf("get extension %s: %w", name, err))
	}
	return Result{Success: true, Data: data}
}

// Stop stops extension name. Stopping an extension that is not running
// succeeds without doing anything. A failing STOP entry point still tears the
// frame down.
func (m *Manager) Stop(ctx context.Context, name string) Result {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.active == nil || m.active.name != name {
		return Result{Success: true, Message: fmt.Sprintf("extension %s is not running", name)}
	}
	if err := m.stopLocked(ctx, true); err != nil {
		return failure(fmt.Errorf("stop extension %s: %w", name, err))
	}
	return Result{Success: true, Message: fmt.Sprintf("extension %s stopped", name)}
}

// StopAll stops every active extension. Failures are logged and joined but
// never interrupt the cleanup.
func (m *Manager) StopAll(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.active == nil {
		return nil
	}
	name := m.active.name
	err := m.stopLocked(ctx, true)
	if err != nil {
		slog.Warn("extension: stop failed", "name", name, "err", err)
	}
	return err
}

// ActiveName returns the name of the active extension, or "" if none. It
// does not wait for in-flight commands.
func (m *Manager) ActiveName() string {
	m.nameMu.RLock()
	defer m.nameMu.RUnlock()
	return m.name
}

func (m *Manager) lookupLocked(name string) (*instance, error) {
	if m.active == nil || m.active.name != name {
		return nil, fmt.Errorf("extension %s is not running, call START first", name)
	}
	return m.active, nil
}

// stopLocked plays the fade, invokes STOP and tears the frame down. With
// release set, the display returns to idle afterwards.
func (m *Manager) stopLocked(ctx context.Context, release bool) error {
	inst := m.active
	if m.fade > 0 {
		t := time.NewTimer(m.fade)
		select {
		case <-ctx.Done():
			t.Stop()
		case <-t.C:
		}
	}

	_, stopErr := call(func() (any, error) { return nil, inst.frame.Stop(ctx) })
	err := errors.Join(stopErr, m.teardownLocked(ctx))
	if release {
		m.display.SetDisplaying("")
	}
	slog.Info("extension stopped", "name", inst.name, "instance", inst.id, "ran", time.Since(inst.started))
	return err
}

// teardownLocked closes the active frame and clears the slot.
func (m *Manager) teardownLocked(ctx context.Context) error {
	inst := m.active
	_, err := call(func() (any, error) { return nil, inst.frame.Close() })
	m.setActive(nil)
	m.metrics.ActiveExtensions.Add(ctx, -1)
	return err
}

func (m *Manager) setActive(inst *instance) {
	m.active = inst
	name := ""
	if inst != nil {
		name = inst.name
	}
	m.nameMu.Lock()
	m.name = name
	m.nameMu.Unlock()
}

// call runs fn and converts a panic inside the frame into an error.
func call(fn func() (any, error)) (v any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return fn()
}

func failure(err error) Result {
	return Result{Success: false, Error: err.Error()}
}
