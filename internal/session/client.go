// Package session owns the socket lifecycle for a duplex voice-agent
// session: dialing, the configuration handshake, in-order message dispatch,
// and deterministic teardown.
//
// A [Client] is the only component with an externally visible lifecycle.
// Inbound messages are read by a single receive goroutine and routed
// strictly in arrival order through a dispatch table to the hooks registered
// via [Client.SetHooks] — no two messages from the same session are ever
// handled in parallel. Malformed or unknown messages are logged, counted,
// and dropped; the session continues.
//
// The client never retries: a failed or timed-out connect is surfaced to
// the caller, and an unrecoverable socket error transitions the session to
// disconnected and notifies the Disconnected hook so dependent components
// can stop their timers and loops.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/tobwen/voxloop/internal/observe"
	"github.com/tobwen/voxloop/internal/wire"
)

// DefaultHandshakeTimeout bounds the wait for the session.ready /
// session.configured acknowledgement after the socket opens.
const DefaultHandshakeTimeout = 15 * time.Second

// ErrNotConnected is returned by outbound operations attempted while the
// session is not in the connected state.
var ErrNotConnected = errors.New("session: not connected")

// ConnectionError wraps a failure to open the socket or complete the
// configuration handshake. It is surfaced to the caller of [Client.Connect]
// and never retried internally.
type ConnectionError struct {
	Stage string // "dial" or "handshake"
	Err   error
}

// Error implements the error interface.
func (e *ConnectionError) Error() string {
	return fmt.Sprintf("session: connect (%s): %v", e.Stage, e.Err)
}

// Unwrap returns the underlying error for errors.Is / errors.As chains.
func (e *ConnectionError) Unwrap() error { return e.Err }

// State is the connection state of a session.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateClosing      State = "closing"
)

// Config holds everything needed to open and configure a session.
type Config struct {
	// URL is the websocket endpoint of the remote agent.
	URL string

	// APIKey is sent as a bearer token on the upgrade request.
	APIKey string

	// Params is the session configuration sent in the handshake: voice
	// profile, turn-detection thresholds, tool schemas, instructions.
	Params wire.SessionParams

	// HandshakeTimeout bounds the configure handshake. Zero selects
	// [DefaultHandshakeTimeout].
	HandshakeTimeout time.Duration
}

// Hooks are the per-message-kind consumers the receive loop dispatches to.
// Nil hooks are skipped. All hooks are invoked from the receive goroutine in
// arrival order and must not block; long work belongs on the consumer's own
// goroutine.
type Hooks struct {
	AudioDelta             func(wire.AudioDelta)
	TextDelta              func(wire.TextDelta)
	TranscriptDelta        func(wire.TranscriptDelta)
	SpeechStarted          func()
	SpeechStopped          func()
	TranscriptionCompleted func(wire.TranscriptionCompleted)
	ToolArgsDelta          func(wire.ToolArgsDelta)
	ToolArgsDone           func(wire.ToolArgsDone)
	ItemDone               func(wire.ItemDone)
	ResponseDone           func()

	// RemoteError receives structured error events from the far end. The
	// session stays connected unless the far end closes the socket.
	RemoteError func(wire.RemoteError)

	// Disconnected fires exactly once when the session leaves the connected
	// state for any reason other than an explicit Close: socket error, far
	// end closing, or context cancellation.
	Disconnected func(err error)
}

// Client manages one duplex session with the remote agent. All exported
// methods are safe for concurrent use.
type Client struct {
	cfg     Config
	hooks   Hooks
	metrics *observe.Metrics

	mu        sync.Mutex
	state     State
	sessionID string
	conn      *websocket.Conn
	ctx       context.Context
	cancel    context.CancelFunc

	wg sync.WaitGroup
}

// Option is a functional option for configuring a [Client].
type Option func(*Client)

// WithMetrics overrides the metrics instance. Defaults to
// [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(c *Client) { c.metrics = m }
}

// New creates a disconnected Client with the given config. Call
// [Client.SetHooks] before [Client.Connect] so no early message is missed.
func New(cfg Config, opts ...Option) *Client {
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = DefaultHandshakeTimeout
	}
	c := &Client{
		cfg:     cfg,
		state:   StateDisconnected,
		metrics: observe.DefaultMetrics(),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// SetHooks replaces the registered hooks. Must be called before Connect;
// changing hooks on a live session is not supported.
func (c *Client) SetHooks(h Hooks) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.hooks = h
}

// State returns the current connection state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// SessionID returns the identifier assigned by the far end in session.ready,
// or "" before the handshake completes.
func (c *Client) SessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID
}

// Connect opens the socket, sends the session.configure handshake, and
// returns once the far end acknowledges with session.ready or
// session.configured. Returns a *[ConnectionError] if the dial fails or the
// acknowledgement does not arrive within the handshake timeout.
//
// ctx governs the connection attempt only; once connected the session stays
// alive until [Client.Close] or a socket error.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.state != StateDisconnected {
		state := c.state
		c.mu.Unlock()
		return fmt.Errorf("session: connect from state %q", state)
	}
	c.state = StateConnecting
	c.mu.Unlock()

	start := time.Now()

	conn, _, err := websocket.Dial(ctx, c.cfg.URL, &websocket.DialOptions{
		HTTPHeader: http.Header{
			"Authorization": []string{"Bearer " + c.cfg.APIKey},
		},
	})
	if err != nil {
		c.setState(StateDisconnected)
		return &ConnectionError{Stage: "dial", Err: err}
	}

	sessCtx, sessCancel := context.WithCancel(context.Background())

	c.mu.Lock()
	c.conn = conn
	c.ctx = sessCtx
	c.cancel = sessCancel
	c.mu.Unlock()

	// The receive loop starts before the handshake completes so that the
	// acknowledgement — and anything the far end sends right after it — is
	// processed in arrival order by the same goroutine.
	ready := make(chan string, 1)
	c.wg.Add(1)
	go c.receiveLoop(ready)

	if err := c.writeJSON(sessCtx, wire.NewSessionConfigure(c.cfg.Params)); err != nil {
		c.teardown(websocket.StatusInternalError, "handshake write failed", false)
		return &ConnectionError{Stage: "handshake", Err: err}
	}

	select {
	case id := <-ready:
		c.mu.Lock()
		c.sessionID = id
		c.state = StateConnected
		c.mu.Unlock()

		c.metrics.ConnectDuration.Record(ctx, time.Since(start).Seconds())
		c.metrics.ActiveSessions.Add(ctx, 1)
		slog.Info("session connected", "session_id", id, "url", c.cfg.URL)
		return nil

	case <-time.After(c.cfg.HandshakeTimeout):
		c.teardown(websocket.StatusPolicyViolation, "handshake timeout", false)
		return &ConnectionError{Stage: "handshake", Err: context.DeadlineExceeded}

	case <-ctx.Done():
		c.teardown(websocket.StatusNormalClosure, "connect cancelled", false)
		return &ConnectionError{Stage: "handshake", Err: ctx.Err()}
	}
}

// SendText sends one user text turn. A no-op with a logged diagnostic when
// not connected.
func (c *Client) SendText(text string) error {
	return c.sendConnected("text turn", wire.NewConversationAppend(text))
}

// SendAudioFrame sends one wire-encoded microphone frame. A no-op with a
// logged diagnostic when not connected.
func (c *Client) SendAudioFrame(frame string) error {
	return c.sendConnected("audio frame", wire.NewAudioAppend(frame))
}

// SendResponseCancel interrupts the in-progress agent response (barge-in).
func (c *Client) SendResponseCancel() error {
	return c.sendConnected("response cancel", wire.NewResponseCancel())
}

// RequestResponse asks the agent to produce a reply, optionally voice-tagged.
func (c *Client) RequestResponse(voice string) error {
	return c.sendConnected("response request", wire.NewResponseRequest(voice))
}

// SendToolResult returns a serialized tool invocation result to the agent.
func (c *Client) SendToolResult(callID, output string, isErr bool) error {
	return c.sendConnected("tool result", wire.NewToolResult(callID, output, isErr))
}

// Reconfigure performs an explicit mid-session re-negotiation by resending
// session.configure with the given parameters.
func (c *Client) Reconfigure(params wire.SessionParams) error {
	return c.sendConnected("reconfigure", wire.NewSessionConfigure(params))
}

// Close terminates the session and releases all owned resources. Safe to
// call from any prior state and any number of times; subsequent calls are
// no-ops and return nil. The Disconnected hook does NOT fire for an explicit
// Close.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.state == StateDisconnected || c.state == StateClosing {
		c.mu.Unlock()
		return nil
	}
	// Closing mid-connect must not decrement the active-session gauge
	// that only a completed handshake increments.
	wasConnected := c.state == StateConnected
	c.state = StateClosing
	c.mu.Unlock()

	c.teardown(websocket.StatusNormalClosure, "session closed", wasConnected)
	slog.Info("session closed")
	return nil
}

// ── internals ─────────────────────────────────────────────────────────────────

func (c *Client) setState(s State) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state = s
}

// sendConnected marshals and writes msg if the session is connected,
// otherwise logs a diagnostic and returns [ErrNotConnected].
func (c *Client) sendConnected(what string, msg any) error {
	c.mu.Lock()
	connected := c.state == StateConnected || c.state == StateConnecting
	ctx := c.ctx
	c.mu.Unlock()

	if !connected || ctx == nil {
		slog.Debug("dropping outbound message: session not connected", "what", what)
		return ErrNotConnected
	}
	return c.writeJSON(ctx, msg)
}

// writeJSON marshals v and writes it as a text websocket frame.
func (c *Client) writeJSON(ctx context.Context, v any) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}

	data, err := wireMarshal(v)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, data)
}

// wireMarshal marshals an outbound message.
func wireMarshal(v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("session: marshal: %w", err)
	}
	return data, nil
}

// teardown cancels the receive loop, closes the socket, clears owned state,
// and waits for the receive goroutine to exit. wasConnected says whether the
// handshake had completed, so the caller captures it before mutating state.
// Idempotent.
func (c *Client) teardown(code websocket.StatusCode, reason string, wasConnected bool) {
	c.mu.Lock()
	conn := c.conn
	cancel := c.cancel
	c.conn = nil
	c.cancel = nil
	c.state = StateDisconnected
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if conn != nil {
		_ = conn.Close(code, reason)
		if wasConnected {
			c.metrics.ActiveSessions.Add(context.Background(), -1)
		}
	}
	c.wg.Wait()
}

// receiveLoop reads messages from the socket one at a time and dispatches
// them in arrival order. It exits when the socket closes or the session
// context is cancelled. On an unrecoverable error while connected, it
// transitions the session to disconnected and fires the Disconnected hook.
func (c *Client) receiveLoop(ready chan<- string) {
	defer c.wg.Done()

	c.mu.Lock()
	ctx := c.ctx
	conn := c.conn
	hooks := c.hooks
	c.mu.Unlock()

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return // explicit teardown
			}
			c.handleSocketError(err, hooks)
			return
		}

		evt, err := wire.Decode(data)
		if err != nil {
			c.metrics.ProtocolErrors.Add(ctx, 1)
			slog.Warn("dropping malformed inbound message", "err", err)
			continue
		}

		c.dispatch(evt, hooks, ready)
	}
}

// handleSocketError transitions to disconnected after an unrecoverable read
// error and notifies the Disconnected hook so dependent components stop
// referencing the dead session.
func (c *Client) handleSocketError(err error, hooks Hooks) {
	c.mu.Lock()
	wasConnected := c.state == StateConnected
	c.state = StateDisconnected
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()

	if conn != nil {
		_ = conn.Close(websocket.StatusInternalError, "read error")
	}
	if wasConnected {
		c.metrics.ActiveSessions.Add(context.Background(), -1)
		slog.Error("session socket error", "err", err)
		if hooks.Disconnected != nil {
			hooks.Disconnected(err)
		}
	}
}

// dispatch routes one decoded event to the matching hook. It runs on the
// receive goroutine, so routing order is exactly arrival order.
func (c *Client) dispatch(evt wire.Event, hooks Hooks, ready chan<- string) {
	switch e := evt.(type) {
	case wire.SessionReady:
		select {
		case ready <- e.SessionID:
		default:
		}
	case wire.SessionConfigured:
		select {
		case ready <- "":
		default:
		}
	case wire.AudioDelta:
		if hooks.AudioDelta != nil {
			hooks.AudioDelta(e)
		}
	case wire.TextDelta:
		if hooks.TextDelta != nil {
			hooks.TextDelta(e)
		}
	case wire.TranscriptDelta:
		if hooks.TranscriptDelta != nil {
			hooks.TranscriptDelta(e)
		}
	case wire.SpeechStarted:
		if hooks.SpeechStarted != nil {
			hooks.SpeechStarted()
		}
	case wire.SpeechStopped:
		if hooks.SpeechStopped != nil {
			hooks.SpeechStopped()
		}
	case wire.TranscriptionCompleted:
		if hooks.TranscriptionCompleted != nil {
			hooks.TranscriptionCompleted(e)
		}
	case wire.ToolArgsDelta:
		if hooks.ToolArgsDelta != nil {
			hooks.ToolArgsDelta(e)
		}
	case wire.ToolArgsDone:
		if hooks.ToolArgsDone != nil {
			hooks.ToolArgsDone(e)
		}
	case wire.ItemDone:
		if hooks.ItemDone != nil {
			hooks.ItemDone(e)
		}
	case wire.ResponseDone:
		if hooks.ResponseDone != nil {
			hooks.ResponseDone()
		}
	case wire.RemoteError:
		c.metrics.RemoteErrors.Add(context.Background(), 1)
		slog.Warn("remote error event", "code", e.Code, "message", e.Message)
		if hooks.RemoteError != nil {
			hooks.RemoteError(e)
		}
	}
}
