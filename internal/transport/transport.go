// Package transport is the persistent WebSocket connection to the remote AI
// service.
//
// After the connection opens, the handshake is the first frame sent. Inbound
// frames are read by a single goroutine and fully dispatched one at a time:
// text frames are demultiplexed into subtitles, audio control messages and
// extension commands; binary frames carry raw PCM. Extension commands run
// on a separate worker, in arrival order, so a slow extension never stalls
// audio.
package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"github.com/coder/websocket"

	"github.com/MrWong99/spark/internal/extension"
	"github.com/MrWong99/spark/internal/observe"
)

// Inbound message types.
const (
	TypeSubtitle   = "subtitle"
	TypeAudioStart = "audio_start"
	TypeAudioEnd   = "audio_end"

	// TypeFunctionResponse is the outbound reply to an extension command.
	TypeFunctionResponse = "function_response"
)

// maxFallbackSubtitle is the length limit, in characters, for unstructured
// text that is shown as a subtitle.
const maxFallbackSubtitle = 200

// Defaults applied by [Dial].
const (
	defaultDialTimeout  = 10 * time.Second
	defaultDialAttempts = 3
	defaultBackoff      = 500 * time.Millisecond
	defaultMaxBackoff   = 5 * time.Second
	defaultWriteTimeout = 5 * time.Second
	defaultReadLimit    = 4 << 20
	commandQueueSize    = 16
)

// ErrClosed is returned by Dial when ctx ends before a connection is made.
var ErrClosed = errors.New("transport: closed")

// Handshake is the configuration message sent once the connection opens.
type Handshake struct {
	SystemPrompt string `json:"system_prompt"`
	VoiceName    string `json:"voice_name"`
}

// FunctionResponse wraps an extension result for the remote service.
type FunctionResponse struct {
	Type      string           `json:"type"`
	RequestID json.RawMessage  `json:"requestId"`
	Function  string           `json:"function"`
	Result    extension.Result `json:"result"`
}

// Handler receives demultiplexed inbound traffic. All methods except
// OnCommand are called from the read goroutine, one message at a time.
type Handler interface {
	// OnSubtitle receives AI speech text.
	OnSubtitle(text string)

	// OnAudioStart marks the start of synthesized speech.
	OnAudioStart()

	// OnAudioEnd marks the end of synthesized speech.
	OnAudioEnd()

	// OnAudio receives one binary frame of s16le mono PCM.
	OnAudio(pcm []byte)

	// OnCommand executes an extension command. It runs on the command
	// worker.
	OnCommand(ctx context.Context, cmd extension.Command) extension.Result

	// OnClosed is called once when the connection ends without
	// [Transport.Close] having been called. err is nil for a normal close
	// by the remote side.
	OnClosed(err error)
}

// Config configures [Dial].
type Config struct {
	// URL is the WebSocket endpoint (ws:// or wss://). Required.
	URL string

	// Handshake is sent as the first frame.
	Handshake Handshake

	// Header is sent with the upgrade request. May be nil.
	Header http.Header

	// DialTimeout bounds each connection attempt. Default 10s.
	DialTimeout time.Duration

	// DialAttempts is the number of attempts before Dial gives up. Default 3.
	DialAttempts int

	// Backoff is the delay after the first failed attempt. It doubles up to
	// MaxBackoff. Defaults 500ms and 5s.
	Backoff    time.Duration
	MaxBackoff time.Duration

	// ReadLimit is the largest accepted inbound frame. Default 4 MiB.
	ReadLimit int64
}

// Option configures a [Transport].
type Option func(*Transport)

// WithMetrics sets the metrics recorder. Defaults to [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(t *Transport) {
		t.metrics = m
	}
}

// Transport is an open session connection.
//
// Transport is safe for concurrent use.
type Transport struct {
	conn    *websocket.Conn
	handler Handler
	metrics *observe.Metrics

	open      atomic.Bool
	closing   atomic.Bool
	closeOnce sync.Once
	cancel    context.CancelFunc
	commands  chan extension.Command
	wg        sync.WaitGroup
	done      chan struct{}
}

// Dial connects to cfg.URL, retrying with exponential backoff, sends the
// handshake and starts reading. Once open, a dropped connection is reported
// through [Handler.OnClosed] and never re-established implicitly.
func Dial(ctx context.Context, cfg Config, h Handler, opts ...Option) (*Transport, error) {
	if cfg.URL == "" {
		return nil, errors.New("transport: url is required")
	}
	if h == nil {
		return nil, errors.New("transport: handler is required")
	}
	cfg = withDefaults(cfg)

	conn, err := dialWithRetry(ctx, cfg)
	if err != nil {
		return nil, err
	}
	conn.SetReadLimit(cfg.ReadLimit)

	hs, err := json.Marshal(cfg.Handshake)
	if err != nil {
		conn.CloseNow()
		return nil, fmt.Errorf("transport: encode handshake: %w", err)
	}
	wctx, cancel := context.WithTimeout(ctx, defaultWriteTimeout)
	err = conn.Write(wctx, websocket.MessageText, hs)
	cancel()
	if err != nil {
		conn.CloseNow()
		return nil, fmt.Errorf("transport: send handshake: %w", err)
	}

	t := &Transport{
		conn:     conn,
		handler:  h,
		commands: make(chan extension.Command, commandQueueSize),
		done:     make(chan struct{}),
	}
	for _, o := range opts {
		o(t)
	}
	if t.metrics == nil {
		t.metrics = observe.DefaultMetrics()
	}
	t.open.Store(true)

	// The session outlives the dial context; Close cancels it.
	runCtx, runCancel := context.WithCancel(context.WithoutCancel(ctx))
	t.cancel = runCancel
	t.wg.Add(2)
	go t.readLoop(runCtx)
	go t.commandLoop(runCtx)
	go func() {
		t.wg.Wait()
		close(t.done)
	}()

	slog.Info("transport connected", "url", cfg.URL)
	return t, nil
}

func withDefaults(cfg Config) Config {
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = defaultDialTimeout
	}
	if cfg.DialAttempts <= 0 {
		cfg.DialAttempts = defaultDialAttempts
	}
	if cfg.Backoff <= 0 {
		cfg.Backoff = defaultBackoff
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = defaultMaxBackoff
	}
	if cfg.ReadLimit <= 0 {
		cfg.ReadLimit = defaultReadLimit
	}
	return cfg
}

// dialWithRetry tries to connect with exponential backoff.
func dialWithRetry(ctx context.Context, cfg Config) (*websocket.Conn, error) {
	backoff := cfg.Backoff
	var lastErr error
	for attempt := 1; attempt <= cfg.DialAttempts; attempt++ {
		actx, cancel := context.WithTimeout(ctx, cfg.DialTimeout)
		conn, _, err := websocket.Dial(actx, cfg.URL, &websocket.DialOptions{HTTPHeader: cfg.Header})
		cancel()
		if err == nil {
			return conn, nil
		}
		lastErr = err

		slog.Warn("transport: dial attempt failed",
			"url", cfg.URL,
			"attempt", attempt,
			"max_attempts", cfg.DialAttempts,
			"err", err,
		)
		if attempt == cfg.DialAttempts {
			break
		}

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: %w", ErrClosed, ctx.Err())
		case <-time.After(backoff):
		}
		backoff = min(backoff*2, cfg.MaxBackoff)
	}
	return nil, fmt.Errorf("transport: dial %s after %d attempts: %w", cfg.URL, cfg.DialAttempts, lastErr)
}

// IsOpen reports whether sends are currently accepted.
func (t *Transport) IsOpen() bool {
	return t.open.Load()
}

// Done is closed once the read loop and command worker have exited.
func (t *Transport) Done() <-chan struct{} {
	return t.done
}

// SendText sends a transcript as a raw text frame. It returns false, and the
// message is dropped, when the connection is not open or the write fails.
func (t *Transport) SendText(text string) bool {
	return t.send("transcript", []byte(text))
}

// SendJSON encodes v and sends it as a text frame. It returns false, and the
// message is dropped, when the connection is not open or the write fails.
func (t *Transport) SendJSON(v any) bool {
	b, err := json.Marshal(v)
	if err != nil {
		slog.Warn("transport: encode message", "err", err)
		return false
	}
	return t.send("json", b)
}

func (t *Transport) send(kind string, data []byte) bool {
	ctx := context.Background()
	if !t.open.Load() {
		t.metrics.RecordSendDropped(ctx, kind)
		return false
	}
	wctx, cancel := context.WithTimeout(ctx, defaultWriteTimeout)
	defer cancel()
	if err := t.conn.Write(wctx, websocket.MessageText, data); err != nil {
		slog.Warn("transport: send failed", "kind", kind, "err", err)
		t.metrics.RecordSendDropped(ctx, kind)
		return false
	}
	return true
}

// Close closes the connection and stops the read loop and command worker.
// It waits for both to exit. Safe to call more than once.
func (t *Transport) Close() error {
	var err error
	t.closeOnce.Do(func() {
		t.closing.Store(true)
		wasOpen := t.open.Swap(false)
		cerr := t.conn.Close(websocket.StatusNormalClosure, "session stopped")
		t.cancel()
		<-t.done
		// After a remote close the connection is already gone.
		if wasOpen && !isNormalClose(cerr) {
			err = fmt.Errorf("transport: close: %w", cerr)
		}
	})
	return err
}

func (t *Transport) readLoop(ctx context.Context) {
	defer t.wg.Done()
	defer close(t.commands)

	for {
		typ, data, err := t.conn.Read(ctx)
		if err != nil {
			t.open.Store(false)
			if t.closing.Load() {
				return
			}
			if isNormalClose(err) {
				slog.Info("transport: connection closed by remote")
				err = nil
			} else {
				slog.Warn("transport: read failed", "err", err)
			}
			t.handler.OnClosed(err)
			return
		}

		switch typ {
		case websocket.MessageBinary:
			t.metrics.RecordTransportMessage(ctx, "audio")
			t.handler.OnAudio(data)
		case websocket.MessageText:
			t.dispatchText(ctx, data)
		}
	}
}

// inbound covers every text message shape.
type inbound struct {
	Type      string          `json:"type"`
	Function  string          `json:"function"`
	Text      string          `json:"text"`
	Args      json.RawMessage `json:"args"`
	RequestID json.RawMessage `json:"requestId"`
}

func (t *Transport) dispatchText(ctx context.Context, data []byte) {
	if !json.Valid(data) {
		text := strings.TrimSpace(string(data))
		if text != "" && utf8.RuneCount(data) < maxFallbackSubtitle {
			t.metrics.RecordTransportMessage(ctx, "fallback")
			t.handler.OnSubtitle(string(data))
		} else {
			t.metrics.RecordTransportMessage(ctx, "ignored")
		}
		return
	}

	var msg inbound
	if err := json.Unmarshal(data, &msg); err != nil {
		// Valid JSON that is not an object.
		t.metrics.RecordTransportMessage(ctx, "ignored")
		return
	}

	if msg.Type != "" && msg.Function != "" {
		t.metrics.RecordTransportMessage(ctx, "command")
		cmd := extension.Command{
			Type:      msg.Type,
			Function:  msg.Function,
			Args:      msg.Args,
			RequestID: msg.RequestID,
		}
		select {
		case t.commands <- cmd:
		case <-ctx.Done():
		}
		return
	}

	switch msg.Type {
	case TypeSubtitle:
		if msg.Text != "" {
			t.metrics.RecordTransportMessage(ctx, "subtitle")
			t.handler.OnSubtitle(msg.Text)
		}
	case TypeAudioStart:
		t.metrics.RecordTransportMessage(ctx, "audio_start")
		t.handler.OnAudioStart()
	case TypeAudioEnd:
		t.metrics.RecordTransportMessage(ctx, "audio_end")
		t.handler.OnAudioEnd()
	default:
		t.metrics.RecordTransportMessage(ctx, "ignored")
		slog.Debug("transport: ignoring message", "type", msg.Type)
	}
}

func (t *Transport) commandLoop(ctx context.Context) {
	defer t.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case cmd, ok := <-t.commands:
			if !ok {
				return
			}
			res := t.handler.OnCommand(ctx, cmd)
			if !hasRequestID(cmd.RequestID) {
				continue
			}
			t.SendJSON(FunctionResponse{
				Type:      TypeFunctionResponse,
				RequestID: cmd.RequestID,
				Function:  cmd.Function,
				Result:    res,
			})
		}
	}
}

// hasRequestID reports whether raw holds a usable request id. Empty strings,
// zero, false and null do not count.
func hasRequestID(raw json.RawMessage) bool {
	raw = bytes.TrimSpace(raw)
	switch string(raw) {
	case "", "null", `""`, "0", "false":
		return false
	}
	return true
}

func isNormalClose(err error) bool {
	if err == nil {
		return true
	}
	switch websocket.CloseStatus(err) {
	case websocket.StatusNormalClosure, websocket.StatusGoingAway:
		return true
	}
	return false
}
