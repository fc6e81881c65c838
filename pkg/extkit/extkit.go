// Package extkit helps write Spark extensions.
//
// An extension is an executable that speaks MCP over stdin/stdout and
// exposes exactly four tools: START, SET, GET and STOP. extkit registers
// those tools from a [Handlers] value so an extension's main function is a
// single call to [Serve].
//
//	func main() {
//	    err := extkit.Serve(context.Background(), "clock", "1.0.0", extkit.Handlers{
//	        Start: func(ctx context.Context, args map[string]any) (any, error) { ... },
//	        ...
//	    })
//	    ...
//	}
package extkit

import (
	"context"
	"encoding/json"
	"fmt"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"
)

// EntryPoints lists the tool names every extension must expose.
var EntryPoints = []string{"START", "SET", "GET", "STOP"}

// Handlers implements the four extension entry points. A nil handler
// answers with an empty successful result.
type Handlers struct {
	Start func(ctx context.Context, args map[string]any) (any, error)
	Set   func(ctx context.Context, args map[string]any) (any, error)
	Get   func(ctx context.Context, args map[string]any) (any, error)
	Stop  func(ctx context.Context) error
}

// NewServer returns an MCP server exposing h as the four entry points.
func NewServer(name, version string, h Handlers) *mcpsdk.Server {
	s := mcpsdk.NewServer(&mcpsdk.Implementation{Name: name, Version: version}, nil)

	stop := func(ctx context.Context, _ map[string]any) (any, error) {
		if h.Stop == nil {
			return nil, nil
		}
		return nil, h.Stop(ctx)
	}
	fns := []func(context.Context, map[string]any) (any, error){h.Start, h.Set, h.Get, stop}
	descriptions := []string{
		"Start the extension with the supplied arguments.",
		"Update the running extension.",
		"Read data from the running extension.",
		"Stop the extension and release its resources.",
	}
	for i, tool := range EntryPoints {
		mcpsdk.AddTool(s, &mcpsdk.Tool{Name: tool, Description: descriptions[i]}, toolHandler(fns[i]))
	}
	return s
}

// Serve runs an extension over stdin/stdout until the host disconnects or
// ctx is cancelled.
func Serve(ctx context.Context, name, version string, h Handlers) error {
	if err := NewServer(name, version, h).Run(ctx, &mcpsdk.StdioTransport{}); err != nil {
		return fmt.Errorf("extkit: serve %s: %w", name, err)
	}
	return nil
}

// toolHandler adapts fn to an MCP tool. The result travels as JSON text so
// hosts can decode any shape; errors become tool errors rather than
// protocol errors.
func toolHandler(fn func(context.Context, map[string]any) (any, error)) mcpsdk.ToolHandlerFor[map[string]any, any] {
	return func(ctx context.Context, _ *mcpsdk.CallToolRequest, args map[string]any) (*mcpsdk.CallToolResult, any, error) {
		if fn == nil {
			return &mcpsdk.CallToolResult{}, nil, nil
		}
		out, err := fn(ctx, args)
		if err != nil {
			return &mcpsdk.CallToolResult{
				IsError: true,
				Content: []mcpsdk.Content{&mcpsdk.TextContent{Text: err.Error()}},
			}, nil, nil
		}
		if out == nil {
			return &mcpsdk.CallToolResult{}, nil, nil
		}
		b, err := json.Marshal(out)
		if err != nil {
			return nil, nil, fmt.Errorf("encode result: %w", err)
		}
		return &mcpsdk.CallToolResult{
			Content: []mcpsdk.Content{&mcpsdk.TextContent{Text: string(b)}},
		}, nil, nil
	}
}
