// Command spark-timer is an example extension: a countdown timer the
// assistant can start, adjust and query by voice.
//
// Install it as <extensions.dir>/timer/extension.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/MrWong99/spark/pkg/extkit"
)

func main() {
	// stdout carries the MCP stream; logs go to stderr.
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, nil)))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	t := &timer{now: time.Now}
	if err := extkit.Serve(ctx, "timer", "1.0.0", t.handlers()); err != nil {
		slog.Error("timer extension stopped", "err", err)
		os.Exit(1)
	}
}

// timer counts down to a deadline. Zero deadline means not running.
type timer struct {
	now func() time.Time

	mu       sync.Mutex
	label    string
	deadline time.Time
}

type status struct {
	Label     string  `json:"label,omitempty"`
	Running   bool    `json:"running"`
	Remaining float64 `json:"remaining_seconds"`
}

func (t *timer) handlers() extkit.Handlers {
	return extkit.Handlers{
		Start: t.start,
		Set:   t.set,
		Get:   func(context.Context, map[string]any) (any, error) { return t.status(), nil },
		Stop: func(context.Context) error {
			t.mu.Lock()
			defer t.mu.Unlock()
			t.deadline = time.Time{}
			return nil
		},
	}
}

func (t *timer) start(_ context.Context, args map[string]any) (any, error) {
	secs, err := seconds(args, "seconds")
	if err != nil {
		return nil, err
	}
	t.mu.Lock()
	t.deadline = t.now().Add(secs)
	t.label, _ = args["label"].(string)
	t.mu.Unlock()
	return t.status(), nil
}

// set adds "add_seconds" to the running timer and renames it to "label".
func (t *timer) set(_ context.Context, args map[string]any) (any, error) {
	t.mu.Lock()
	if t.deadline.IsZero() {
		t.mu.Unlock()
		return nil, fmt.Errorf("no timer is running")
	}
	if _, ok := args["add_seconds"]; ok {
		d, err := seconds(args, "add_seconds")
		if err != nil {
			t.mu.Unlock()
			return nil, err
		}
		t.deadline = t.deadline.Add(d)
	}
	if l, ok := args["label"].(string); ok {
		t.label = l
	}
	t.mu.Unlock()
	return t.status(), nil
}

func (t *timer) status() status {
	t.mu.Lock()
	defer t.mu.Unlock()
	st := status{Label: t.label}
	if t.deadline.IsZero() {
		return st
	}
	left := t.deadline.Sub(t.now())
	if left > 0 {
		st.Running = true
		st.Remaining = left.Round(time.Second).Seconds()
	}
	return st
}

func seconds(args map[string]any, key string) (time.Duration, error) {
	v, ok := args[key].(float64)
	if !ok {
		return 0, fmt.Errorf("%s must be a number", key)
	}
	return time.Duration(v * float64(time.Second)), nil
}
