// Package mock provides test doubles for the extension package interfaces.
//
// Loader hands out Frames and keeps an ordered event log of everything that
// happened to them ("load:name", "start:name", "stop:name", "close:name"),
// which lets tests assert cross-frame ordering.
package mock

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/MrWong99/spark/internal/extension"
)

// Loader is a mock implementation of extension.Loader.
type Loader struct {
	mu sync.Mutex

	// Frames maps extension names to the frame returned by Load. Names
	// without an entry get a fresh default Frame.
	Frames map[string]*Frame

	// LoadErr, if non-nil, is returned by every Load call.
	LoadErr error

	// LoadCalls records the name of every Load call in order.
	LoadCalls []string

	events []string
}

// Load records the call and returns the configured frame.
func (l *Loader) Load(_ context.Context, name string) (extension.Frame, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.LoadCalls = append(l.LoadCalls, name)
	if l.LoadErr != nil {
		return nil, l.LoadErr
	}
	f, ok := l.Frames[name]
	if !ok {
		f = &Frame{}
		if l.Frames == nil {
			l.Frames = make(map[string]*Frame)
		}
		l.Frames[name] = f
	}
	f.bind(name, l.record)
	l.events = append(l.events, "load:"+name)
	return f, nil
}

// Events returns a copy of the event log. Thread-safe.
func (l *Loader) Events() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.events...)
}

func (l *Loader) record(ev string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, ev)
}

// Ensure Loader implements extension.Loader at compile time.
var _ extension.Loader = (*Loader)(nil)

// Frame is a mock implementation of extension.Frame.
type Frame struct {
	mu   sync.Mutex
	name string
	log  func(string)

	// StartResult and StartErr are returned by Start.
	StartResult any
	StartErr    error

	// SetResult and SetErr are returned by Set.
	SetResult any
	SetErr    error

	// GetResult and GetErr are returned by Get.
	GetResult any
	GetErr    error

	// StopErr is returned by Stop.
	StopErr error

	// CloseErr is returned by Close.
	CloseErr error

	// PanicOn names an entry point ("START", "SET", "GET", "STOP") that
	// panics instead of returning.
	PanicOn string

	// --- Call records ---

	// StartArgs, SetArgs and GetArgs record the arguments of each call.
	StartArgs []json.RawMessage
	SetArgs   []json.RawMessage
	GetArgs   []json.RawMessage

	// StopCallCount is the number of times Stop was called.
	StopCallCount int

	// CloseCallCount is the number of times Close was called.
	CloseCallCount int
}

func (f *Frame) bind(name string, log func(string)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.name = name
	f.log = log
}

func (f *Frame) event(kind string) {
	f.mu.Lock()
	log, name := f.log, f.name
	f.mu.Unlock()
	if log != nil {
		log(kind + ":" + name)
	}
}

// Start records the call and returns StartResult, StartErr.
func (f *Frame) Start(_ context.Context, args json.RawMessage) (any, error) {
	f.event("start")
	f.mu.Lock()
	defer f.mu.Unlock()
	f.StartArgs = append(f.StartArgs, args)
	if f.PanicOn == extension.TypeStart {
		panic("mock: START panicked")
	}
	return f.StartResult, f.StartErr
}

// Set records the call and returns SetResult, SetErr.
func (f *Frame) Set(_ context.Context, args json.RawMessage) (any, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.SetArgs = append(f.SetArgs, args)
	if f.PanicOn == extension.TypeSet {
		panic("mock: SET panicked")
	}
	return f.SetResult, f.SetErr
}

// Get records the call and returns GetResult, GetErr.
func (f *Frame) Get(_ context.Context, args json.RawMessage) (any, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.GetArgs = append(f.GetArgs, args)
	if f.PanicOn == extension.TypeGet {
		panic("mock: GET panicked")
	}
	return f.GetResult, f.GetErr
}

// Stop records the call and returns StopErr.
func (f *Frame) Stop(context.Context) error {
	f.event("stop")
	f.mu.Lock()
	defer f.mu.Unlock()
	f.StopCallCount++
	if f.PanicOn == extension.TypeStop {
		panic("mock: STOP panicked")
	}
	return f.StopErr
}

// Close records the call and returns CloseErr.
func (f *Frame) Close() error {
	f.event("close")
	f.mu.Lock()
	defer f.mu.Unlock()
	f.CloseCallCount++
	return f.CloseErr
}

// Stops returns the number of Stop calls. Thread-safe.
func (f *Frame) Stops() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.StopCallCount
}

// Closes returns the number of Close calls. Thread-safe.
func (f *Frame) Closes() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.CloseCallCount
}

// Ensure Frame implements extension.Frame at compile time.
var _ extension.Frame = (*Frame)(nil)
