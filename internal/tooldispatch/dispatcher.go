package tooldispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/kaptinlin/jsonrepair"

	"github.com/tobwen/voxloop/internal/observe"
	"github.com/tobwen/voxloop/internal/wire"
)

const (
	// DefaultSeenCapacity bounds the recently-dispatched call-id set.
	DefaultSeenCapacity = 100

	// DefaultExecuteTimeout bounds a single capability invocation.
	DefaultExecuteTimeout = 30 * time.Second
)

// Status is the lifecycle phase of a single tool call.
type Status int

const (
	// Accumulating: argument fragments are still arriving.
	Accumulating Status = iota

	// Ready: the matching argsDone has been observed.
	Ready

	// Dispatched: the capability has been invoked. A call id that reaches
	// Dispatched is never invoked again.
	Dispatched

	// Completed: the capability returned and the result was sent.
	Completed

	// Failed: the capability errored or the arguments did not parse.
	Failed
)

// String returns the human-readable name of the status.
func (s Status) String() string {
	switch s {
	case Accumulating:
		return "accumulating"
	case Ready:
		return "ready"
	case Dispatched:
		return "dispatched"
	case Completed:
		return "completed"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

// ResultSender is the outbound surface the dispatcher needs from the
// session: returning tool results and requesting a fresh agent response.
// Implemented by [session.Client].
type ResultSender interface {
	SendToolResult(callID, output string, isErr bool) error
	RequestResponse(voice string) error
}

// toolCall is the accumulation record for one call id.
type toolCall struct {
	name   string
	args   strings.Builder
	status Status
}

// Option is a functional option for configuring a [Dispatcher].
type Option func(*Dispatcher)

// WithSeenCapacity overrides the recently-seen id set capacity.
func WithSeenCapacity(n int) Option {
	return func(d *Dispatcher) {
		if n > 0 {
			d.seen = newSeenSet(n)
		}
	}
}

// WithExecuteTimeout overrides the per-invocation capability timeout.
func WithExecuteTimeout(t time.Duration) Option {
	return func(d *Dispatcher) {
		if t > 0 {
			d.timeout = t
		}
	}
}

// WithVoice sets the voice tag used when requesting a follow-up response
// after a tool result.
func WithVoice(voice string) Option {
	return func(d *Dispatcher) { d.voice = voice }
}

// WithMetrics overrides the metrics instance. Defaults to
// [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(d *Dispatcher) { d.metrics = m }
}

// Dispatcher owns the tool-call table and the recently-seen id set. It is
// driven by the session's inbound hooks and invokes capabilities
// asynchronously, so the socket receive loop never blocks on a slow tool.
//
// All exported methods are safe for concurrent use.
type Dispatcher struct {
	registry *Registry
	sender   ResultSender
	metrics  *observe.Metrics
	timeout  time.Duration
	voice    string

	mu       sync.Mutex
	pending  map[string]*toolCall
	seen     *seenSet
	hadAudio bool
	closed   bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a Dispatcher invoking capabilities from registry and replying
// through sender.
func New(registry *Registry, sender ResultSender, opts ...Option) *Dispatcher {
	ctx, cancel := context.WithCancel(context.Background())
	d := &Dispatcher{
		registry: registry,
		sender:   sender,
		metrics:  observe.DefaultMetrics(),
		timeout:  DefaultExecuteTimeout,
		pending:  make(map[string]*toolCall),
		seen:     newSeenSet(DefaultSeenCapacity),
		ctx:      ctx,
		cancel:   cancel,
	}
	for _, o := range opts {
		o(d)
	}
	return d
}

// OnArgumentDelta appends an argument fragment to the call's accumulator,
// creating the record on first sight of the id.
func (d *Dispatcher) OnArgumentDelta(callID, fragment string) {
	if callID == "" {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return
	}
	tc, ok := d.pending[callID]
	if !ok {
		tc = &toolCall{}
		d.pending[callID] = tc
	}
	if tc.status != Accumulating {
		return
	}
	tc.args.WriteString(fragment)
}

// OnArgumentsDone records the final name and, when non-empty, the
// authoritative full argument string for the call. It does NOT trigger
// execution; [Dispatcher.OnItemDone] is the single authoritative trigger.
func (d *Dispatcher) OnArgumentsDone(callID, name, args string) {
	if callID == "" {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return
	}
	tc, ok := d.pending[callID]
	if !ok {
		tc = &toolCall{}
		d.pending[callID] = tc
	}
	if tc.status != Accumulating {
		return
	}
	if name != "" {
		tc.name = name
	}
	if args != "" {
		tc.args.Reset()
		tc.args.WriteString(args)
	}
	tc.status = Ready
}

// OnItemDone is the single authoritative execution trigger. Non-call items
// are ignored. A call id already in the recently-seen set is a silent no-op
// so that redundant item.done deliveries never re-invoke the capability.
func (d *Dispatcher) OnItemDone(item wire.Item) {
	if item.Kind != "function_call" && item.Kind != "tool_call" {
		return
	}
	callID := item.CallID
	if callID == "" {
		callID = item.ID
	}
	if callID == "" {
		return
	}

	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	if d.seen.Contains(callID) {
		d.mu.Unlock()
		d.metrics.DuplicateToolCalls.Add(context.Background(), 1)
		slog.Debug("duplicate tool call ignored", "call_id", callID)
		return
	}
	d.seen.Add(callID)

	tc, ok := d.pending[callID]
	if !ok {
		tc = &toolCall{}
	}
	delete(d.pending, callID)
	if item.Name != "" {
		tc.name = item.Name
	}
	if item.Arguments != "" {
		tc.args.Reset()
		tc.args.WriteString(item.Arguments)
	}
	tc.status = Dispatched
	rawArgs := tc.args.String()
	name := tc.name

	d.wg.Add(1)
	d.mu.Unlock()

	go d.execute(callID, name, rawArgs)
}

// SynthesizeCall injects a call extracted from narrated text, following the
// same at-most-once and result-reporting path as structurally delivered
// calls. The generated id is returned for logging.
func (d *Dispatcher) SynthesizeCall(name, rawArgs string) string {
	callID := "synth_" + uuid.NewString()
	d.OnItemDone(wire.Item{Kind: "function_call", CallID: callID, Name: name, Arguments: rawArgs})
	return callID
}

// NoteAudioActivity records that the current agent turn produced spoken
// output. A tool result sent during such a turn must not request a fresh
// response, or the agent would answer twice.
func (d *Dispatcher) NoteAudioActivity() {
	d.mu.Lock()
	d.hadAudio = true
	d.mu.Unlock()
}

// TurnFinished resets the per-turn audio flag. Wired to the session's
// response.done hook.
func (d *Dispatcher) TurnFinished() {
	d.mu.Lock()
	d.hadAudio = false
	d.mu.Unlock()
}

// Pending returns the number of calls still accumulating arguments.
func (d *Dispatcher) Pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.pending)
}

// Close cancels in-flight invocations and waits for their goroutines.
func (d *Dispatcher) Close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	d.mu.Unlock()

	d.cancel()
	d.wg.Wait()
	return nil
}

// execute runs one dispatched call to completion: parse, invoke, report.
// Runs on its own goroutine; d.wg has already been incremented.
func (d *Dispatcher) execute(callID, name, rawArgs string) {
	defer d.wg.Done()

	args, err := parseArguments(rawArgs)
	if err != nil {
		d.finish(callID, name, Failed, fmt.Sprintf("invalid arguments: %v", err))
		return
	}

	capability, ok := d.registry.Lookup(name)
	if !ok {
		d.finish(callID, name, Failed, fmt.Sprintf("unknown tool %q", name))
		return
	}

	ctx, cancel := context.WithTimeout(d.ctx, d.timeout)
	defer cancel()

	start := time.Now()
	output, err := capability.Handler(ctx, args)
	d.metrics.ToolExecutionDuration.Record(context.Background(),
		time.Since(start).Seconds())

	if err != nil {
		d.finish(callID, name, Failed, err.Error())
		return
	}
	d.finish(callID, name, Completed, output)
}

// finish sends the result (or failure payload) back to the session and,
// when the turn produced no audio by the time the result goes out, asks
// the agent to speak a follow-up. The audio flag is read here rather than
// at dispatch time: the agent often narrates while a slow capability is
// still running, and that narration must suppress the follow-up.
func (d *Dispatcher) finish(callID, name string, status Status, payload string) {
	isErr := status == Failed
	d.metrics.RecordToolCall(context.Background(), name, status.String())
	if isErr {
		slog.Warn("tool call failed", "call_id", callID, "tool", name, "reason", payload)
	} else {
		slog.Debug("tool call completed", "call_id", callID, "tool", name)
	}

	if err := d.sender.SendToolResult(callID, payload, isErr); err != nil {
		slog.Warn("tool result send failed", "call_id", callID, "err", err)
		return
	}

	d.mu.Lock()
	requestReply := !d.hadAudio
	d.mu.Unlock()
	if requestReply {
		if err := d.sender.RequestResponse(d.voice); err != nil {
			slog.Warn("follow-up response request failed", "call_id", callID, "err", err)
		}
	}
}

// parseArguments decodes a JSON argument payload, attempting a repair pass
// when the payload is syntactically broken. Streaming agents occasionally
// emit truncated or single-quoted JSON.
func parseArguments(raw string) (map[string]any, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return map[string]any{}, nil
	}
	var args map[string]any
	err := json.Unmarshal([]byte(raw), &args)
	if err == nil {
		return args, nil
	}
	fixed, repairErr := jsonrepair.JSONRepair(raw)
	if repairErr != nil {
		return nil, fmt.Errorf("tooldispatch: arguments are not valid JSON: %w", err)
	}
	if err := json.Unmarshal([]byte(fixed), &args); err != nil {
		return nil, fmt.Errorf("tooldispatch: arguments are not valid JSON after repair: %w", err)
	}
	return args, nil
}
