package tooldispatch

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/tobwen/voxloop/internal/wire"
)

type sentResult struct {
	callID string
	output string
	isErr  bool
}

// fakeSender records outbound tool results and response requests.
type fakeSender struct {
	results  chan sentResult
	requests atomic.Int64
}

func newFakeSender() *fakeSender {
	return &fakeSender{results: make(chan sentResult, 16)}
}

func (f *fakeSender) SendToolResult(callID, output string, isErr bool) error {
	f.results <- sentResult{callID: callID, output: output, isErr: isErr}
	return nil
}

func (f *fakeSender) RequestResponse(string) error {
	f.requests.Add(1)
	return nil
}

func (f *fakeSender) awaitResult(t *testing.T) sentResult {
	t.Helper()
	select {
	case r := <-f.results:
		return r
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for tool result")
		return sentResult{}
	}
}

// awaitRequests waits for the response-request count to reach want. The
// request is sent after the result, so a plain Load right after awaitResult
// can observe the count too early.
func (f *fakeSender) awaitRequests(t *testing.T, want int64) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if f.requests.Load() == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("response requests = %d, want %d", f.requests.Load(), want)
}

func (f *fakeSender) assertNoResult(t *testing.T) {
	t.Helper()
	select {
	case r := <-f.results:
		t.Fatalf("unexpected tool result: %+v", r)
	case <-time.After(100 * time.Millisecond):
	}
}

func newTestDispatcher(t *testing.T, opts ...Option) (*Dispatcher, *Registry, *fakeSender) {
	t.Helper()
	reg := NewRegistry()
	sender := newFakeSender()
	d := New(reg, sender, opts...)
	t.Cleanup(func() { d.Close() })
	return d, reg, sender
}

func TestRegistryRejectsInvalidCapabilities(t *testing.T) {
	t.Parallel()
	reg := NewRegistry()

	if err := reg.Register(Capability{Handler: func(context.Context, map[string]any) (string, error) { return "", nil }}); err == nil {
		t.Error("Register accepted a capability without a name")
	}
	if err := reg.Register(Capability{Schema: wire.ToolSchema{Name: "x"}}); err == nil {
		t.Error("Register accepted a capability without a handler")
	}
}

func TestRegistrySchemasSorted(t *testing.T) {
	t.Parallel()
	reg := NewRegistry()
	noop := func(context.Context, map[string]any) (string, error) { return "", nil }
	for _, n := range []string{"zeta", "alpha", "mid"} {
		if err := reg.Register(Capability{Schema: wire.ToolSchema{Name: n}, Handler: noop}); err != nil {
			t.Fatalf("Register(%q) = %v", n, err)
		}
	}
	schemas := reg.Schemas()
	want := []string{"alpha", "mid", "zeta"}
	for i, s := range schemas {
		if s.Name != want[i] {
			t.Errorf("Schemas()[%d] = %q, want %q", i, s.Name, want[i])
		}
	}
}

func TestFragmentsAssembleAndDispatchOnce(t *testing.T) {
	t.Parallel()
	d, reg, sender := newTestDispatcher(t)

	var calls atomic.Int64
	var gotX atomic.Int64
	err := reg.Register(Capability{
		Schema: wire.ToolSchema{Name: "lookup"},
		Handler: func(_ context.Context, args map[string]any) (string, error) {
			calls.Add(1)
			if x, ok := args["x"].(float64); ok {
				gotX.Store(int64(x))
			}
			return `{"ok":true}`, nil
		},
	})
	if err != nil {
		t.Fatalf("Register() = %v", err)
	}

	d.OnArgumentDelta("abc", `{"x":1`)
	d.OnArgumentDelta("abc", `}`)
	d.OnItemDone(wire.Item{Kind: "function_call", CallID: "abc", Name: "lookup"})

	r := sender.awaitResult(t)
	if r.callID != "abc" || r.isErr {
		t.Fatalf("result = %+v, want callID abc without error", r)
	}
	if n := calls.Load(); n != 1 {
		t.Fatalf("handler invocations = %d, want 1", n)
	}
	if gotX.Load() != 1 {
		t.Errorf("parsed x = %d, want 1", gotX.Load())
	}

	// Redundant item.done for the same id must be a silent no-op.
	d.OnItemDone(wire.Item{Kind: "function_call", CallID: "abc", Name: "lookup"})
	sender.assertNoResult(t)
	if n := calls.Load(); n != 1 {
		t.Errorf("handler invocations after duplicate = %d, want 1", n)
	}
}

func TestItemArgumentsAreAuthoritative(t *testing.T) {
	t.Parallel()
	d, reg, sender := newTestDispatcher(t)

	got := make(chan map[string]any, 1)
	reg.Register(Capability{
		Schema: wire.ToolSchema{Name: "set"},
		Handler: func(_ context.Context, args map[string]any) (string, error) {
			got <- args
			return "done", nil
		},
	})

	d.OnArgumentDelta("c1", `{"stale":true}`)
	d.OnItemDone(wire.Item{Kind: "function_call", CallID: "c1", Name: "set", Arguments: `{"fresh":true}`})

	sender.awaitResult(t)
	args := <-got
	if _, stale := args["stale"]; stale {
		t.Error("accumulated fragments used despite authoritative item arguments")
	}
	if v, ok := args["fresh"].(bool); !ok || !v {
		t.Errorf("args = %v, want fresh=true", args)
	}
}

func TestMalformedArgumentsAreRepaired(t *testing.T) {
	t.Parallel()
	d, reg, sender := newTestDispatcher(t)

	got := make(chan map[string]any, 1)
	reg.Register(Capability{
		Schema: wire.ToolSchema{Name: "fix"},
		Handler: func(_ context.Context, args map[string]any) (string, error) {
			got <- args
			return "ok", nil
		},
	})

	// Single quotes and a trailing comma: repairable, not valid JSON.
	d.OnItemDone(wire.Item{Kind: "function_call", CallID: "r1", Name: "fix",
		Arguments: `{'city': 'Berlin',}`})

	r := sender.awaitResult(t)
	if r.isErr {
		t.Fatalf("result = %+v, want repaired success", r)
	}
	args := <-got
	if args["city"] != "Berlin" {
		t.Errorf("args = %v, want city=Berlin", args)
	}
}

func TestUnparsableArgumentsReportStructuredError(t *testing.T) {
	t.Parallel()
	d, reg, sender := newTestDispatcher(t)

	var calls atomic.Int64
	reg.Register(Capability{
		Schema: wire.ToolSchema{Name: "never"},
		Handler: func(context.Context, map[string]any) (string, error) {
			calls.Add(1)
			return "", nil
		},
	})

	d.OnItemDone(wire.Item{Kind: "function_call", CallID: "bad", Name: "never",
		Arguments: `]]]not json at all[[[`})

	r := sender.awaitResult(t)
	if !r.isErr {
		t.Fatalf("result = %+v, want error result", r)
	}
	if !strings.Contains(r.output, "invalid arguments") {
		t.Errorf("output = %q, want structured parse error", r.output)
	}
	if calls.Load() != 0 {
		t.Error("handler invoked despite unparsable arguments")
	}
}

func TestHandlerErrorBecomesFailedResult(t *testing.T) {
	t.Parallel()
	d, reg, sender := newTestDispatcher(t)

	reg.Register(Capability{
		Schema: wire.ToolSchema{Name: "boom"},
		Handler: func(context.Context, map[string]any) (string, error) {
			return "", errors.New("downstream unavailable")
		},
	})

	d.OnItemDone(wire.Item{Kind: "function_call", CallID: "e1", Name: "boom", Arguments: `{}`})

	r := sender.awaitResult(t)
	if !r.isErr || r.output != "downstream unavailable" {
		t.Errorf("result = %+v, want error with handler message", r)
	}
}

func TestUnknownToolReportsError(t *testing.T) {
	t.Parallel()
	d, _, sender := newTestDispatcher(t)

	d.OnItemDone(wire.Item{Kind: "function_call", CallID: "u1", Name: "nope", Arguments: `{}`})

	r := sender.awaitResult(t)
	if !r.isErr || !strings.Contains(r.output, "unknown tool") {
		t.Errorf("result = %+v, want unknown-tool error", r)
	}
}

func TestFollowUpRequestGatedByTurnAudio(t *testing.T) {
	t.Parallel()
	d, reg, sender := newTestDispatcher(t)

	reg.Register(Capability{
		Schema:  wire.ToolSchema{Name: "t"},
		Handler: func(context.Context, map[string]any) (string, error) { return "r", nil },
	})

	// Silent turn: the agent produced no audio, so the dispatcher must
	// explicitly request a spoken follow-up.
	d.OnItemDone(wire.Item{Kind: "function_call", CallID: "q1", Name: "t", Arguments: `{}`})
	sender.awaitResult(t)
	sender.awaitRequests(t, 1)

	// Spoken turn: requesting again would produce a double answer.
	d.NoteAudioActivity()
	d.OnItemDone(wire.Item{Kind: "function_call", CallID: "q2", Name: "t", Arguments: `{}`})
	sender.awaitResult(t)
	time.Sleep(100 * time.Millisecond)
	if n := sender.requests.Load(); n != 1 {
		t.Fatalf("response requests after spoken turn = %d, want still 1", n)
	}

	// response.done resets the flag for the next turn.
	d.TurnFinished()
	d.OnItemDone(wire.Item{Kind: "function_call", CallID: "q3", Name: "t", Arguments: `{}`})
	sender.awaitResult(t)
	sender.awaitRequests(t, 2)
}

func TestAudioDuringExecutionSuppressesFollowUp(t *testing.T) {
	t.Parallel()
	d, reg, sender := newTestDispatcher(t)

	release := make(chan struct{})
	running := make(chan struct{})
	reg.Register(Capability{
		Schema: wire.ToolSchema{Name: "slow"},
		Handler: func(context.Context, map[string]any) (string, error) {
			close(running)
			<-release
			return "done", nil
		},
	})

	// The turn is silent at dispatch time, but the agent starts narrating
	// while the capability runs. No follow-up may be requested.
	d.OnItemDone(wire.Item{Kind: "function_call", CallID: "slow-1", Name: "slow", Arguments: `{}`})

	select {
	case <-running:
	case <-time.After(2 * time.Second):
		t.Fatal("capability never started")
	}
	d.NoteAudioActivity()
	close(release)

	sender.awaitResult(t)
	time.Sleep(100 * time.Millisecond)
	if n := sender.requests.Load(); n != 0 {
		t.Fatalf("response requests = %d, want 0 after mid-execution audio", n)
	}
}

func TestNonCallItemsIgnored(t *testing.T) {
	t.Parallel()
	d, _, sender := newTestDispatcher(t)

	d.OnItemDone(wire.Item{Kind: "message", ID: "m1"})
	d.OnItemDone(wire.Item{Kind: "function_call"}) // no id at all
	sender.assertNoResult(t)
}

func TestSynthesizedCallFollowsDispatchPath(t *testing.T) {
	t.Parallel()
	d, reg, sender := newTestDispatcher(t)

	var calls atomic.Int64
	reg.Register(Capability{
		Schema: wire.ToolSchema{Name: "wave"},
		Handler: func(context.Context, map[string]any) (string, error) {
			calls.Add(1)
			return "ok", nil
		},
	})

	id := d.SynthesizeCall("wave", `{"hand":"left"}`)
	if id == "" {
		t.Fatal("SynthesizeCall returned empty id")
	}
	r := sender.awaitResult(t)
	if r.callID != id || r.isErr {
		t.Errorf("result = %+v, want success for %q", r, id)
	}
	if calls.Load() != 1 {
		t.Errorf("handler invocations = %d, want 1", calls.Load())
	}
}

func TestSeenSetEvictsOldest(t *testing.T) {
	t.Parallel()

	s := newSeenSet(3)
	for _, id := range []string{"a", "b", "c"} {
		s.Add(id)
	}
	s.Add("d") // evicts "a"

	if s.Contains("a") {
		t.Error("oldest id not evicted at capacity")
	}
	for _, id := range []string{"b", "c", "d"} {
		if !s.Contains(id) {
			t.Errorf("id %q missing after eviction", id)
		}
	}
	if s.Len() != 3 {
		t.Errorf("Len() = %d, want 3", s.Len())
	}

	// Re-adding an existing id must not grow or reorder the set.
	s.Add("b")
	if s.Len() != 3 {
		t.Errorf("Len() after duplicate Add = %d, want 3", s.Len())
	}
}

func TestCloseWaitsForInFlight(t *testing.T) {
	t.Parallel()
	reg := NewRegistry()
	sender := newFakeSender()
	d := New(reg, sender)

	started := make(chan struct{})
	reg.Register(Capability{
		Schema: wire.ToolSchema{Name: "slow"},
		Handler: func(ctx context.Context, _ map[string]any) (string, error) {
			close(started)
			<-ctx.Done()
			return "", ctx.Err()
		},
	})

	d.OnItemDone(wire.Item{Kind: "function_call", CallID: "s1", Name: "slow", Arguments: `{}`})
	<-started

	done := make(chan struct{})
	go func() {
		d.Close()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Close did not return after cancelling in-flight call")
	}
}
