// Package turn implements the barge-in and echo-suppression state machine.
//
// The coordinator decides whether a remote "speech started" signal is a
// genuine user interruption (flush playback, cancel the agent response) or
// an echo artifact of just-finished playback (ignore). Without it, every
// instance of the agent hearing its own played-back audio would be
// misinterpreted as the user interrupting, causing infinite interruption
// loops.
//
// All state transitions are centralized in this package; other components
// read the state through [Coordinator.State] but never mutate it.
package turn

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/tobwen/voxloop/internal/observe"
)

// DefaultCooldown is the post-playback window during which speech signals
// are presumed to be echo artifacts. Hand-tuned; override via [WithCooldown].
const DefaultCooldown = 500 * time.Millisecond

// State is the current phase of the conversational turn.
type State int

const (
	// Idle: nobody is speaking.
	Idle State = iota

	// AgentSpeaking: agent audio is playing or queued.
	AgentSpeaking

	// Cooldown: playback just drained; speech signals are echo until the
	// cooldown timer expires.
	Cooldown

	// UserSpeaking: the user has the floor.
	UserSpeaking
)

// String returns the human-readable name of the state.
func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case AgentSpeaking:
		return "agentSpeaking"
	case Cooldown:
		return "cooldown"
	case UserSpeaking:
		return "userSpeaking"
	default:
		return "unknown"
	}
}

// Flusher is the playback operation the coordinator needs: immediate
// cancellation of in-flight and queued audio. Implemented by
// [playback.Scheduler].
type Flusher interface {
	Flush()
}

// Canceller sends the barge-in control message to the remote agent.
// Implemented by [session.Client].
type Canceller interface {
	SendResponseCancel() error
}

// Option is a functional option for configuring a [Coordinator].
type Option func(*Coordinator)

// WithCooldown overrides the post-playback echo-suppression window.
func WithCooldown(d time.Duration) Option {
	return func(c *Coordinator) {
		if d > 0 {
			c.cooldown = d
		}
	}
}

// WithMetrics overrides the metrics instance. Defaults to
// [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(c *Coordinator) { c.metrics = m }
}

// Coordinator owns the turn state machine. All exported methods are safe
// for concurrent use.
type Coordinator struct {
	playback Flusher
	session  Canceller
	cooldown time.Duration
	metrics  *observe.Metrics

	mu            sync.Mutex
	state         State
	cooldownTimer *time.Timer
	onChange      func(State)
	closed        bool
}

// New creates a Coordinator in the Idle state.
func New(playback Flusher, session Canceller, opts ...Option) *Coordinator {
	c := &Coordinator{
		playback: playback,
		session:  session,
		cooldown: DefaultCooldown,
		metrics:  observe.DefaultMetrics(),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// State returns the current turn state.
func (c *Coordinator) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// OnStateChange registers a callback invoked after every transition with the
// new state. Only one callback may be registered; subsequent calls replace
// it. The callback runs while no lock is held and must not block.
func (c *Coordinator) OnStateChange(cb func(State)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onChange = cb
}

// MicOpen reports whether local microphone audio should be transmitted
// upstream. Capture is never hard-muted — only transmission is gated during
// the cooldown window, relying on acoustic echo cancellation upstream for
// the remainder.
func (c *Coordinator) MicOpen() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state != Cooldown
}

// AgentAudioArrived records that agent audio is being received and reports
// whether the chunk should be played. Any pending cooldown is abandoned — a
// new agent turn has begun. While the user holds the floor the frame is a
// straggler of the cancelled response and must not restart playback, so it
// is rejected and no transition happens.
func (c *Coordinator) AgentAudioArrived() bool {
	c.mu.Lock()
	if c.closed || c.state == UserSpeaking {
		c.mu.Unlock()
		return false
	}
	if c.state == AgentSpeaking {
		c.mu.Unlock()
		return true
	}
	c.stopCooldownLocked()
	cb := c.transitionLocked(AgentSpeaking)
	c.mu.Unlock()

	if cb != nil {
		cb(AgentSpeaking)
	}
	return true
}

// SpeechStarted handles the remote turn-detection "user started speaking"
// signal.
//
//   - While AgentSpeaking it is a genuine barge-in: playback is flushed
//     immediately, exactly one response.cancel is sent, and the user takes
//     the floor.
//   - While in Cooldown it is treated as an echo artifact of the
//     just-finished playback and ignored — nothing is playing, so there is
//     nothing to interrupt.
//   - While Idle the user simply takes the floor.
func (c *Coordinator) SpeechStarted() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}

	switch c.state {
	case Cooldown:
		c.mu.Unlock()
		c.metrics.EchoSuppressed.Add(context.Background(), 1)
		slog.Debug("speech.started during cooldown: suppressed as echo")
		return

	case AgentSpeaking:
		cb := c.transitionLocked(UserSpeaking)
		c.mu.Unlock()

		c.playback.Flush()
		c.metrics.PlaybackFlushes.Add(context.Background(), 1)
		c.metrics.BargeIns.Add(context.Background(), 1)
		if err := c.session.SendResponseCancel(); err != nil {
			slog.Warn("barge-in cancel failed", "err", err)
		}
		slog.Info("barge-in: playback flushed, response cancelled")
		if cb != nil {
			cb(UserSpeaking)
		}
		return

	case Idle:
		cb := c.transitionLocked(UserSpeaking)
		c.mu.Unlock()
		if cb != nil {
			cb(UserSpeaking)
		}
		return

	default: // already UserSpeaking
		c.mu.Unlock()
	}
}

// SpeechStopped handles the remote "user stopped speaking" confirmation:
// the floor returns to idle.
func (c *Coordinator) SpeechStopped() {
	c.mu.Lock()
	if c.closed || c.state != UserSpeaking {
		c.mu.Unlock()
		return
	}
	cb := c.transitionLocked(Idle)
	c.mu.Unlock()

	if cb != nil {
		cb(Idle)
	}
}

// PlaybackDrained handles the scheduler's drained notification: the agent
// has finished speaking, so the cooldown window opens and its single-shot
// timer is armed.
func (c *Coordinator) PlaybackDrained() {
	c.mu.Lock()
	if c.closed || c.state != AgentSpeaking {
		c.mu.Unlock()
		return
	}
	cb := c.transitionLocked(Cooldown)
	c.stopCooldownLocked()
	c.cooldownTimer = time.AfterFunc(c.cooldown, c.cooldownExpired)
	c.mu.Unlock()

	if cb != nil {
		cb(Cooldown)
	}
}

// Close cancels the cooldown timer and freezes the machine. Safe to call
// multiple times; used on session teardown so no timer fires against a
// dead session.
func (c *Coordinator) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	c.stopCooldownLocked()
	return nil
}

// cooldownExpired is the single-shot timer callback ending the cooldown
// window: echo suppression ends and microphone transmission resumes.
func (c *Coordinator) cooldownExpired() {
	c.mu.Lock()
	if c.closed || c.state != Cooldown {
		c.mu.Unlock()
		return
	}
	c.cooldownTimer = nil
	cb := c.transitionLocked(Idle)
	c.mu.Unlock()

	if cb != nil {
		cb(Idle)
	}
}

// transitionLocked applies a state change and returns the registered change
// callback (or nil). Must be called with c.mu held; the caller invokes the
// callback after unlocking.
func (c *Coordinator) transitionLocked(next State) func(State) {
	prev := c.state
	c.state = next
	slog.Debug("turn state transition", "from", prev.String(), "to", next.String())
	return c.onChange
}

// stopCooldownLocked cancels a pending cooldown timer, if any. Must be
// called with c.mu held.
func (c *Coordinator) stopCooldownLocked() {
	if c.cooldownTimer != nil {
		c.cooldownTimer.Stop()
		c.cooldownTimer = nil
	}
}
