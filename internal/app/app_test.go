package app

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/tobwen/voxloop/internal/config"
	"github.com/tobwen/voxloop/internal/tooldispatch"
	"github.com/tobwen/voxloop/internal/transcript"
	"github.com/tobwen/voxloop/internal/wire"
	"github.com/tobwen/voxloop/pkg/audio"
	"github.com/tobwen/voxloop/pkg/playback"
)

// fakeAgent is a scripted remote agent: it accepts the websocket upgrade,
// acknowledges the configuration handshake, then hands the connection to
// the script.
type fakeAgent struct {
	t   *testing.T
	srv *httptest.Server

	mu       sync.Mutex
	script   func(ctx context.Context, conn *websocket.Conn)
	received []map[string]any
}

func newFakeAgent(t *testing.T) *fakeAgent {
	t.Helper()
	fa := &fakeAgent{t: t}
	fa.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			t.Errorf("accept: %v", err)
			return
		}
		defer conn.Close(websocket.StatusNormalClosure, "")
		ctx := r.Context()

		// Handshake: read session.configure, acknowledge.
		fa.readMsg(ctx, conn)
		fa.writeMsg(ctx, conn, map[string]any{"type": "session.ready", "session_id": "sess-test"})

		fa.mu.Lock()
		script := fa.script
		fa.mu.Unlock()
		if script != nil {
			script(ctx, conn)
		}
		// Keep reading so client sends don't block, until the client hangs up.
		for {
			if _, _, err := conn.Read(ctx); err != nil {
				return
			}
		}
	}))
	t.Cleanup(fa.srv.Close)
	return fa
}

// setScript installs the post-handshake behavior. Call before the client
// connects.
func (fa *fakeAgent) setScript(script func(ctx context.Context, conn *websocket.Conn)) {
	fa.mu.Lock()
	fa.script = script
	fa.mu.Unlock()
}

func (fa *fakeAgent) url() string {
	return "ws" + strings.TrimPrefix(fa.srv.URL, "http")
}

func (fa *fakeAgent) readMsg(ctx context.Context, conn *websocket.Conn) map[string]any {
	_, data, err := conn.Read(ctx)
	if err != nil {
		fa.t.Errorf("server read: %v", err)
		return nil
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		fa.t.Errorf("server decode: %v", err)
		return nil
	}
	fa.mu.Lock()
	fa.received = append(fa.received, m)
	fa.mu.Unlock()
	return m
}

func (fa *fakeAgent) writeMsg(ctx context.Context, conn *websocket.Conn, m map[string]any) {
	data, err := json.Marshal(m)
	if err != nil {
		fa.t.Fatalf("server encode: %v", err)
	}
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		fa.t.Errorf("server write: %v", err)
	}
}

// chunkCollector is a playback sink recording rendered chunks.
type chunkCollector struct {
	mu     sync.Mutex
	chunks []audio.Chunk
	played chan struct{}
}

func newChunkCollector() *chunkCollector {
	return &chunkCollector{played: make(chan struct{}, 16)}
}

func (c *chunkCollector) Play(_ context.Context, chunk audio.Chunk) error {
	c.mu.Lock()
	c.chunks = append(c.chunks, chunk)
	c.mu.Unlock()
	c.played <- struct{}{}
	return nil
}

func testConfig(url string) *config.Config {
	cfg := config.Default()
	cfg.Session.URL = url
	cfg.Session.ConnectTimeoutMs = 5000
	return cfg
}

func startApp(t *testing.T, fa *fakeAgent, collab Collaborators, opts ...Option) *App {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	opts = append(opts, WithMetricsProvider())
	a, err := New(ctx, testConfig(fa.url()), collab, opts...)
	if err != nil {
		t.Fatalf("New() = %v", err)
	}
	t.Cleanup(func() {
		shutCtx, shutCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutCancel()
		a.Shutdown(shutCtx)
	})
	return a
}

func TestAudioAndTranscriptFlow(t *testing.T) {
	frame := audio.Encode([]float32{0.25, -0.5, 0.75})

	fa := newFakeAgent(t)
	fa.setScript(func(ctx context.Context, conn *websocket.Conn) {
		for _, m := range []map[string]any{
			{"type": "audio.delta", "audio": frame},
			{"type": "transcript.delta", "delta": "Hello "},
			{"type": "transcript.delta", "delta": "there."},
			{"type": "text.delta", "delta": "Hello there."}, // duplicate channel
			{"type": "response.done"},
		} {
			d, _ := json.Marshal(m)
			conn.Write(ctx, websocket.MessageText, d)
		}
	})

	sink := newChunkCollector()
	var mu sync.Mutex
	var finals []transcript.Entry
	collab := Collaborators{
		Output: sink,
		Transcripts: func(e transcript.Entry) {
			if e.Final {
				mu.Lock()
				finals = append(finals, e)
				mu.Unlock()
			}
		},
	}
	startApp(t, fa, collab)

	select {
	case <-sink.played:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for audio playback")
	}
	sink.mu.Lock()
	if len(sink.chunks) != 1 || sink.chunks[0].DurationSamples() != 3 {
		t.Errorf("chunks = %+v, want one 3-sample chunk", sink.chunks)
	}
	sink.mu.Unlock()

	deadline := time.After(5 * time.Second)
	for {
		mu.Lock()
		n := len(finals)
		mu.Unlock()
		if n > 0 {
			break
		}
		select {
		case <-deadline:
			t.Fatal("timed out waiting for final transcript")
		case <-time.After(10 * time.Millisecond):
		}
	}
	mu.Lock()
	defer mu.Unlock()
	if finals[0].Text != "Hello there." {
		t.Errorf("final transcript = %q, want %q", finals[0].Text, "Hello there.")
	}
	if len(finals) != 1 {
		t.Errorf("finals = %d, want 1 (plain text channel suppressed)", len(finals))
	}
}

func TestToolCallRoundTrip(t *testing.T) {
	resultSeen := make(chan map[string]any, 2)

	fa := newFakeAgent(t)
	fa.setScript(func(ctx context.Context, conn *websocket.Conn) {
		for _, m := range []map[string]any{
			{"type": "tool.argsDelta", "call_id": "call-7", "delta": `{"city":`},
			{"type": "tool.argsDelta", "call_id": "call-7", "delta": `"Oslo"}`},
			{"type": "item.done", "item": map[string]any{
				"kind": "function_call", "call_id": "call-7", "name": "get_weather",
			}},
		} {
			d, _ := json.Marshal(m)
			conn.Write(ctx, websocket.MessageText, d)
		}
		// Collect the tool.result and the follow-up response.request.
		for i := 0; i < 2; i++ {
			if m := fa.readMsg(ctx, conn); m != nil {
				resultSeen <- m
			}
		}
	})

	reg := tooldispatch.NewRegistry()
	reg.Register(tooldispatch.Capability{
		Schema: wire.ToolSchema{Name: "get_weather"},
		Handler: func(_ context.Context, args map[string]any) (string, error) {
			if args["city"] != "Oslo" {
				t.Errorf("args = %v, want city=Oslo", args)
			}
			return `{"temp_c":4}`, nil
		},
	})

	startApp(t, fa, Collaborators{Output: newChunkCollector()}, WithRegistry(reg))

	var got []map[string]any
	for i := 0; i < 2; i++ {
		select {
		case m := <-resultSeen:
			got = append(got, m)
		case <-time.After(5 * time.Second):
			t.Fatalf("timed out waiting for outbound message %d", i)
		}
	}
	if got[0]["type"] != "tool.result" || got[0]["call_id"] != "call-7" {
		t.Errorf("first outbound = %v, want tool.result for call-7", got[0])
	}
	if got[0]["output"] != `{"temp_c":4}` {
		t.Errorf("tool output = %v", got[0]["output"])
	}
	// Silent turn: a follow-up response must be requested.
	if got[1]["type"] != "response.request" {
		t.Errorf("second outbound = %v, want response.request", got[1])
	}
}

func TestSendText(t *testing.T) {
	outbound := make(chan map[string]any, 2)

	fa := newFakeAgent(t)
	fa.setScript(func(ctx context.Context, conn *websocket.Conn) {
		for i := 0; i < 2; i++ {
			if m := fa.readMsg(ctx, conn); m != nil {
				outbound <- m
			}
		}
	})

	a := startApp(t, fa, Collaborators{Output: newChunkCollector()})
	if err := a.SendText("what time is it?"); err != nil {
		t.Fatalf("SendText() = %v", err)
	}

	var got []map[string]any
	for i := 0; i < 2; i++ {
		select {
		case m := <-outbound:
			got = append(got, m)
		case <-time.After(5 * time.Second):
			t.Fatal("timed out waiting for outbound messages")
		}
	}
	if got[0]["type"] != "conversation.append" {
		t.Errorf("first outbound = %v, want conversation.append", got[0])
	}
	if got[1]["type"] != "response.request" {
		t.Errorf("second outbound = %v, want response.request", got[1])
	}
}

func TestNewRequiresOutputSink(t *testing.T) {
	t.Parallel()

	_, err := New(context.Background(), config.Default(), Collaborators{}, WithMetricsProvider())
	if err == nil {
		t.Fatal("New() without output sink = nil, want error")
	}
}

var _ playback.Sink = (*chunkCollector)(nil)
