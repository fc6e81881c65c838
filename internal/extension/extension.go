// Package extension runs sandboxed mini-app extensions on command from the
// remote service.
//
// An extension is loaded into an isolated [Frame] by a [Loader] and exposes
// four entry points: START, SET, GET and STOP. The [Manager] holds at most one
// active extension and forces the assistant into the displaying state while
// it is active.
package extension

import (
	"context"
	"encoding/json"
	"regexp"
)

// Command types accepted by [Manager.HandleMessage]. Matching is
// case-insensitive.
const (
	TypeStart = "START"
	TypeSet   = "SET"
	TypeGet   = "GET"
	TypeStop  = "STOP"
)

var namePattern = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// ValidName reports whether name is an acceptable extension name.
func ValidName(name string) bool {
	return namePattern.MatchString(name)
}

// Command is an extension control message as received from the remote
// service.
type Command struct {
	Type     string          `json:"type"`
	Function string          `json:"function"`
	Args     json.RawMessage `json:"args,omitempty"`

	// RequestID is echoed back verbatim in the function response. The
	// remote service may use strings or numbers.
	RequestID json.RawMessage `json:"requestId,omitempty"`
}

// Result is the uniform outcome of every extension operation.
type Result struct {
	Success bool   `json:"success"`
	Data    any    `json:"data,omitempty"`
	Message string `json:"message,omitempty"`
	Error   string `json:"error,omitempty"`
}

// Frame is one loaded extension running in isolation.
type Frame interface {
	// Start invokes the START entry point.
	Start(ctx context.Context, args json.RawMessage) (any, error)

	// Set invokes the SET entry point.
	Set(ctx context.Context, args json.RawMessage) (any, error)

	// Get invokes the GET entry point.
	Get(ctx context.Context, args json.RawMessage) (any, error)

	// Stop invokes the STOP entry point.
	Stop(ctx context.Context) error

	// Close tears the frame down and releases everything it owns. Calling
	// Close more than once is safe.
	Close() error
}

// Loader creates frames.
type Loader interface {
	// Load creates an isolated frame for the named extension, waits until it
	// is ready, and verifies that all four entry points exist. On failure no
	// frame is left behind.
	Load(ctx context.Context, name string) (Frame, error)
}

// Display is the part of the assistant state machine the manager drives.
type Display interface {
	// SetDisplaying marks name as displayed. An empty name releases the
	// display.
	SetDisplaying(name string)
}
