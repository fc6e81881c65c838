package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/spark/internal/extension"
)

// ── Helpers ───────────────────────────────────────────────────────────────────

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

// startServer launches a WebSocket test server that hands every accepted
// connection to handler. The server is closed when the test finishes.
func startServer(t *testing.T, handler func(conn *websocket.Conn)) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: true})
		if err != nil {
			return
		}
		defer conn.Close(websocket.StatusNormalClosure, "done")
		handler(conn)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func read(t *testing.T, conn *websocket.Conn) (websocket.MessageType, []byte) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	typ, data, err := conn.Read(ctx)
	if err != nil {
		t.Errorf("server read: %v", err)
	}
	return typ, data
}

func write(t *testing.T, conn *websocket.Conn, typ websocket.MessageType, data string) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := conn.Write(ctx, typ, []byte(data)); err != nil {
		t.Errorf("server write: %v", err)
	}
}

// recorder is a Handler that logs every callback as a string event.
type recorder struct {
	events chan string
}

func newRecorder() *recorder {
	return &recorder{events: make(chan string, 64)}
}

func (r *recorder) OnSubtitle(text string) { r.events <- "subtitle:" + text }
func (r *recorder) OnAudioStart()          { r.events <- "audio_start" }
func (r *recorder) OnAudioEnd()            { r.events <- "audio_end" }
func (r *recorder) OnAudio(pcm []byte)     { r.events <- fmt.Sprintf("audio:%d", len(pcm)) }

func (r *recorder) OnCommand(_ context.Context, cmd extension.Command) extension.Result {
	r.events <- "command:" + cmd.Type + ":" + cmd.Function
	return extension.Result{Success: true, Data: cmd.Function}
}

func (r *recorder) OnClosed(err error) {
	r.events <- fmt.Sprintf("closed:%v", err == nil)
}

func (r *recorder) expect(t *testing.T, want ...string) {
	t.Helper()
	for _, w := range want {
		select {
		case got := <-r.events:
			if got != w {
				t.Fatalf("event = %q, want %q", got, w)
			}
		case <-time.After(3 * time.Second):
			t.Fatalf("timed out waiting for event %q", w)
		}
	}
}

func (r *recorder) expectNone(t *testing.T, wait time.Duration) {
	t.Helper()
	select {
	case got := <-r.events:
		t.Fatalf("unexpected event %q", got)
	case <-time.After(wait):
	}
}

func dial(t *testing.T, srv *httptest.Server, h Handler) *Transport {
	t.Helper()
	tr, err := Dial(context.Background(), Config{
		URL:       wsURL(srv),
		Handshake: Handshake{SystemPrompt: "be brief", VoiceName: "Puck"},
	}, h)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	t.Cleanup(func() { _ = tr.Close() })
	return tr
}

// ── Tests ─────────────────────────────────────────────────────────────────────

func TestDial_SendsHandshakeFirst(t *testing.T) {
	t.Parallel()

	got := make(chan Handshake, 1)
	srv := startServer(t, func(conn *websocket.Conn) {
		typ, data := read(t, conn)
		if typ != websocket.MessageText {
			t.Errorf("handshake frame type = %v, want text", typ)
		}
		var hs Handshake
		if err := json.Unmarshal(data, &hs); err != nil {
			t.Errorf("decode handshake: %v", err)
		}
		got <- hs
		<-conn.CloseRead(context.Background()).Done()
	})

	tr := dial(t, srv, newRecorder())
	if !tr.IsOpen() {
		t.Error("IsOpen() = false after Dial")
	}

	select {
	case hs := <-got:
		if hs.SystemPrompt != "be brief" || hs.VoiceName != "Puck" {
			t.Errorf("handshake = %+v", hs)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("handshake not received")
	}
}

func TestTransport_DemultiplexesInbound(t *testing.T) {
	t.Parallel()

	srv := startServer(t, func(conn *websocket.Conn) {
		read(t, conn)
		write(t, conn, websocket.MessageText, `{"type":"subtitle","text":"Hi there"}`)
		write(t, conn, websocket.MessageText, `{"type":"audio_start"}`)
		write(t, conn, websocket.MessageBinary, string(make([]byte, 480)))
		write(t, conn, websocket.MessageText, `{"type":"audio_end"}`)
		write(t, conn, websocket.MessageText, `{"type":"subtitle","text":""}`)
		write(t, conn, websocket.MessageText, `{"type":"mystery"}`)
		write(t, conn, websocket.MessageText, `[1,2,3]`)
		write(t, conn, websocket.MessageText, strings.Repeat("x", 250))
		write(t, conn, websocket.MessageText, "   ")
		write(t, conn, websocket.MessageText, "plain words")
		// 150 two-byte characters: over the limit in bytes, under it in characters.
		write(t, conn, websocket.MessageText, strings.Repeat("ж", 150))
		<-conn.CloseRead(context.Background()).Done()
	})

	rec := newRecorder()
	dial(t, srv, rec)

	rec.expect(t,
		"subtitle:Hi there",
		"audio_start",
		"audio:480",
		"audio_end",
		"subtitle:plain words",
		"subtitle:"+strings.Repeat("ж", 150),
	)
	rec.expectNone(t, 50*time.Millisecond)
}

func TestTransport_CommandResponses(t *testing.T) {
	t.Parallel()

	responses := make(chan FunctionResponse, 4)
	srv := startServer(t, func(conn *websocket.Conn) {
		read(t, conn)
		// No requestId: executed, never answered.
		write(t, conn, websocket.MessageText, `{"type":"START","function":"clock"}`)
		write(t, conn, websocket.MessageText, `{"type":"SET","function":"clock","requestId":0}`)
		write(t, conn, websocket.MessageText, `{"type":"GET","function":"clock","requestId":"r-1"}`)
		_, data := read(t, conn)
		var resp FunctionResponse
		if err := json.Unmarshal(data, &resp); err != nil {
			t.Errorf("decode response: %v", err)
		}
		responses <- resp
		<-conn.CloseRead(context.Background()).Done()
	})

	rec := newRecorder()
	dial(t, srv, rec)

	rec.expect(t, "command:START:clock", "command:SET:clock", "command:GET:clock")

	select {
	case resp := <-responses:
		if resp.Type != TypeFunctionResponse {
			t.Errorf("type = %q", resp.Type)
		}
		if string(resp.RequestID) != `"r-1"` {
			t.Errorf("requestId = %s, want \"r-1\"", resp.RequestID)
		}
		if resp.Function != "clock" || !resp.Result.Success {
			t.Errorf("response = %+v", resp)
		}
		if resp.Result.Data != "clock" {
			t.Errorf("result data = %v", resp.Result.Data)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("function_response not received")
	}
}

func TestTransport_RemoteCloseReported(t *testing.T) {
	t.Parallel()

	srv := startServer(t, func(conn *websocket.Conn) {
		read(t, conn)
	})

	rec := newRecorder()
	tr := dial(t, srv, rec)

	rec.expect(t, "closed:true")
	select {
	case <-tr.Done():
	case <-time.After(3 * time.Second):
		t.Fatal("Done not closed after remote close")
	}
	if tr.IsOpen() {
		t.Error("IsOpen() = true after remote close")
	}
	if tr.SendText("hello") {
		t.Error("SendText succeeded on a closed connection")
	}
	if tr.SendJSON(map[string]string{"a": "b"}) {
		t.Error("SendJSON succeeded on a closed connection")
	}
}

func TestTransport_LocalCloseIsSilent(t *testing.T) {
	t.Parallel()

	srv := startServer(t, func(conn *websocket.Conn) {
		for {
			if _, _, err := conn.Read(context.Background()); err != nil {
				return
			}
		}
	})

	rec := newRecorder()
	tr := dial(t, srv, rec)

	if err := tr.Close(); err != nil {
		t.Errorf("Close: %v", err)
	}
	if err := tr.Close(); err != nil {
		t.Errorf("second Close: %v", err)
	}
	rec.expectNone(t, 50*time.Millisecond)
	if tr.SendText("late") {
		t.Error("SendText succeeded after Close")
	}
}

func TestTransport_SendText(t *testing.T) {
	t.Parallel()

	got := make(chan string, 1)
	srv := startServer(t, func(conn *websocket.Conn) {
		read(t, conn)
		typ, data := read(t, conn)
		if typ != websocket.MessageText {
			t.Errorf("transcript frame type = %v, want text", typ)
		}
		got <- string(data)
		<-conn.CloseRead(context.Background()).Done()
	})

	tr := dial(t, srv, newRecorder())
	if !tr.SendText("what time is it") {
		t.Fatal("SendText returned false")
	}
	select {
	case s := <-got:
		if s != "what time is it" {
			t.Errorf("server received %q", s)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("transcript not received")
	}
}

func TestDial_GivesUpAfterAttempts(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "nope", http.StatusServiceUnavailable)
	}))
	t.Cleanup(srv.Close)

	_, err := Dial(context.Background(), Config{
		URL:          wsURL(srv),
		DialAttempts: 2,
		Backoff:      time.Millisecond,
	}, newRecorder())
	if err == nil {
		t.Fatal("expected dial error")
	}
	if !strings.Contains(err.Error(), "after 2 attempts") {
		t.Errorf("error = %v", err)
	}
}

func TestDial_Validation(t *testing.T) {
	t.Parallel()

	if _, err := Dial(context.Background(), Config{}, newRecorder()); err == nil {
		t.Error("expected error for missing url")
	}
	if _, err := Dial(context.Background(), Config{URL: "ws://127.0.0.1:1"}, nil); err == nil {
		t.Error("expected error for missing handler")
	}
}

func TestHasRequestID(t *testing.T) {
	t.Parallel()

	tests := []struct {
		raw  string
		want bool
	}{
		{raw: "", want: false},
		{raw: "null", want: false},
		{raw: `""`, want: false},
		{raw: "0", want: false},
		{raw: "false", want: false},
		{raw: `"abc"`, want: true},
		{raw: "17", want: true},
		{raw: " 17 ", want: true},
	}
	for _, tc := range tests {
		if got := hasRequestID(json.RawMessage(tc.raw)); got != tc.want {
			t.Errorf("hasRequestID(%q) = %v, want %v", tc.raw, got, tc.want)
		}
	}
}
