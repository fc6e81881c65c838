// Package mcpframe loads extensions as isolated child processes that speak
// MCP over stdio.
//
// Each extension lives at <dir>/<name>/<entrypoint>. Loading starts the
// executable, completes the MCP initialize handshake (the readiness wait),
// and lists its tools to verify the START, SET, GET and STOP entry points.
// A frame that fails any step is closed before the error is returned.
package mcpframe

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/MrWong99/spark/internal/extension"
	"github.com/MrWong99/spark/pkg/extkit"
)

// Defaults applied by [New].
const (
	DefaultEntrypoint  = "extension"
	DefaultLoadTimeout = 10 * time.Second
)

// ErrNotFound is returned when no executable exists for an extension name.
var ErrNotFound = errors.New("mcpframe: extension not found")

// TransportFunc returns the MCP transport used to reach one extension.
type TransportFunc func(ctx context.Context, name, path string) (mcpsdk.Transport, error)

// Option configures a [Loader].
type Option func(*Loader)

// WithEntrypoint sets the executable file name inside each extension
// directory.
func WithEntrypoint(name string) Option {
	return func(l *Loader) {
		l.entrypoint = name
	}
}

// WithLoadTimeout bounds the handshake and entry point check.
func WithLoadTimeout(d time.Duration) Option {
	return func(l *Loader) {
		l.timeout = d
	}
}

// WithTransport replaces process spawning, for example with in-memory
// transports in tests.
func WithTransport(fn TransportFunc) Option {
	return func(l *Loader) {
		l.transport = fn
	}
}

// Loader implements [extension.Loader] on top of an MCP client.
type Loader struct {
	dir        string
	entrypoint string
	timeout    time.Duration
	transport  TransportFunc
	client     *mcpsdk.Client
}

var _ extension.Loader = (*Loader)(nil)

// New creates a Loader serving extensions from dir.
func New(dir string, opts ...Option) *Loader {
	l := &Loader{
		dir:        dir,
		entrypoint: DefaultEntrypoint,
		timeout:    DefaultLoadTimeout,
		client: mcpsdk.NewClient(
			&mcpsdk.Implementation{Name: "spark-extension-host", Version: "1.0.0"},
			nil,
		),
	}
	l.transport = l.commandTransport
	for _, o := range opts {
		o(l)
	}
	return l
}

// Path returns the executable path for the named extension.
func (l *Loader) Path(name string) string {
	return filepath.Join(l.dir, name, l.entrypoint)
}

// Load starts the extension and verifies its entry points.
func (l *Loader) Load(ctx context.Context, name string) (extension.Frame, error) {
	if !extension.ValidName(name) {
		return nil, fmt.Errorf("mcpframe: invalid extension name %q", name)
	}

	if l.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, l.timeout)
		defer cancel()
	}

	transport, err := l.transport(ctx, name, l.Path(name))
	if err != nil {
		return nil, err
	}

	session, err := l.client.Connect(ctx, transport, nil)
	if err != nil {
		return nil, fmt.Errorf("mcpframe: connect to %s: %w", name, err)
	}

	have := make(map[string]bool, len(extkit.EntryPoints))
	for tool, err := range session.Tools(ctx, nil) {
		if err != nil {
			_ = session.Close()
			return nil, fmt.Errorf("mcpframe: list entry points of %s: %w", name, err)
		}
		have[tool.Name] = true
	}
	for _, ep := range extkit.EntryPoints {
		if !have[ep] {
			_ = session.Close()
			return nil, fmt.Errorf("mcpframe: entry point %s not found in extension %s", ep, name)
		}
	}

	slog.Debug("mcpframe: extension ready", "name", name)
	return &frame{name: name, session: session}, nil
}

func (l *Loader) commandTransport(_ context.Context, name, path string) (mcpsdk.Transport, error) {
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s (%s)", ErrNotFound, name, path)
		}
		return nil, fmt.Errorf("mcpframe: stat %s: %w", path, err)
	}
	if info.IsDir() {
		return nil, fmt.Errorf("%w: %s is a directory", ErrNotFound, path)
	}
	// The process outlives the load context; closing the session ends it.
	cmd := exec.Command(path)
	cmd.Dir = filepath.Dir(path)
	cmd.Stderr = os.Stderr
	return &mcpsdk.CommandTransport{Command: cmd}, nil
}

// frame is one connected extension.
type frame struct {
	name    string
	session *mcpsdk.ClientSession

	closeOnce sync.Once
	closeErr  error
}

func (f *frame) Start(ctx context.Context, args json.RawMessage) (any, error) {
	return f.call(ctx, extension.TypeStart, args)
}

func (f *frame) Set(ctx context.Context, args json.RawMessage) (any, error) {
	return f.call(ctx, extension.TypeSet, args)
}

func (f *frame) Get(ctx context.Context, args json.RawMessage) (any, error) {
	return f.call(ctx, extension.TypeGet, args)
}

func (f *frame) Stop(ctx context.Context) error {
	_, err := f.call(ctx, extension.TypeStop, nil)
	return err
}

func (f *frame) Close() error {
	f.closeOnce.Do(func() {
		f.closeErr = f.session.Close()
	})
	return f.closeErr
}

func (f *frame) call(ctx context.Context, tool string, args json.RawMessage) (any, error) {
	arguments, err := decodeArgs(args)
	if err != nil {
		return nil, fmt.Errorf("mcpframe: %s %s: %w", f.name, tool, err)
	}

	res, err := f.session.CallTool(ctx, &mcpsdk.CallToolParams{
		Name:      tool,
		Arguments: arguments,
	})
	if err != nil {
		return nil, fmt.Errorf("mcpframe: %s %s: %w", f.name, tool, err)
	}

	var sb strings.Builder
	for _, c := range res.Content {
		if tc, ok := c.(*mcpsdk.TextContent); ok {
			sb.WriteString(tc.Text)
		}
	}
	text := sb.String()

	if res.IsError {
		if text == "" {
			text = "extension reported an error"
		}
		return nil, errors.New(text)
	}
	if res.StructuredContent != nil {
		return res.StructuredContent, nil
	}
	if text == "" {
		return nil, nil
	}
	if json.Valid([]byte(text)) {
		return json.RawMessage(text), nil
	}
	return text, nil
}

// decodeArgs turns wire arguments into a tool argument object. Non-object
// values are wrapped as {"value": v}.
func decodeArgs(raw json.RawMessage) (map[string]any, error) {
	args := map[string]any{}
	if len(raw) == 0 || string(raw) == "null" {
		return args, nil
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, fmt.Errorf("decode args: %w", err)
	}
	if m, ok := v.(map[string]any); ok {
		return m, nil
	}
	args["value"] = v
	return args, nil
}
