// Package transcript assembles streamed text deltas into turn-level
// transcript entries for downstream display.
//
// Agent text arrives on two channels that frequently carry the same
// content: the plain text channel and the audio transcript channel (the
// text of what the voice actually says). The [Aggregator] applies a
// per-turn precedence rule so the user never sees the same sentence twice,
// and additionally scans finalized agent text for narrated pseudo tool
// calls that some remote agents emit as prose instead of structural
// messages.
package transcript

import (
	"log/slog"
	"strings"
	"sync"
)

// Channel identifies which of the two agent text streams a delta arrived on.
type Channel string

const (
	// ChannelText is the plain text channel.
	ChannelText Channel = "plain-text"

	// ChannelAudio is the audio transcript channel: the text of the
	// agent's spoken audio. Takes precedence over ChannelText within a
	// turn, as both usually carry identical content.
	ChannelAudio Channel = "audio-transcript"
)

// Role marks who produced a transcript entry.
type Role string

const (
	RoleAgent Role = "agent"
	RoleUser  Role = "user"
)

// Entry is one unit of transcript text delivered to the consumer.
type Entry struct {
	Role  Role
	Text  string
	Final bool
}

// Consumer receives assembled transcript entries. Partial entries carry the
// accumulated text so far for the active turn; a final entry replaces all
// partials for that turn. Implementations run on the session's dispatch
// path and must not block.
type Consumer func(Entry)

// Synthesizer receives pseudo calls extracted from narrated agent text.
// Implemented by [tooldispatch.Dispatcher].
type Synthesizer interface {
	SynthesizeCall(name, rawArgs string) string
}

// Option is a functional option for configuring an [Aggregator].
type Option func(*Aggregator)

// WithScanner enables pseudo-call extraction on finalized agent text. Calls
// whose name resolves against s are forwarded to syn and stripped from the
// text shown to the user.
func WithScanner(s *Scanner, syn Synthesizer) Option {
	return func(a *Aggregator) {
		a.scanner = s
		a.synthesizer = syn
	}
}

// Aggregator assembles the active agent turn from streamed deltas and
// forwards finalized user utterances. Safe for concurrent use.
type Aggregator struct {
	consumer    Consumer
	scanner     *Scanner
	synthesizer Synthesizer

	mu       sync.Mutex
	audio    strings.Builder
	text     strings.Builder
	sawAudio bool
	done     bool
}

// New creates an Aggregator delivering entries to consumer. A nil consumer
// discards entries; pseudo-call extraction still runs when configured.
func New(consumer Consumer, opts ...Option) *Aggregator {
	a := &Aggregator{consumer: consumer}
	for _, o := range opts {
		o(a)
	}
	return a
}

// OnDelta appends a streamed fragment to the active turn buffer. Plain text
// deltas are discarded once an audio transcript delta has been observed for
// the turn, since both channels narrate the same content.
func (a *Aggregator) OnDelta(ch Channel, text string) {
	if text == "" {
		return
	}
	a.mu.Lock()
	if a.done {
		a.resetLocked()
	}
	var emit string
	switch ch {
	case ChannelAudio:
		a.sawAudio = true
		a.audio.WriteString(text)
		emit = a.audio.String()
	case ChannelText:
		if a.sawAudio {
			a.mu.Unlock()
			return
		}
		a.text.WriteString(text)
		emit = a.text.String()
	default:
		a.mu.Unlock()
		return
	}
	consumer := a.consumer
	a.mu.Unlock()

	if consumer != nil {
		consumer(Entry{Role: RoleAgent, Text: emit, Final: false})
	}
}

// OnDone finalizes the active turn for the given channel. When fullText is
// non-empty it is authoritative and replaces the accumulated fragments. A
// plain text done is ignored if the turn produced audio transcript content.
func (a *Aggregator) OnDone(ch Channel, fullText string) {
	a.mu.Lock()
	if ch == ChannelText && a.sawAudio {
		a.mu.Unlock()
		return
	}

	final := fullText
	if final == "" {
		switch ch {
		case ChannelAudio:
			final = a.audio.String()
		case ChannelText:
			final = a.text.String()
		}
	}
	a.done = true
	consumer := a.consumer
	a.mu.Unlock()

	final = a.extractCalls(final)
	if final == "" {
		return
	}
	if consumer != nil {
		consumer(Entry{Role: RoleAgent, Text: final, Final: true})
	}
}

// Finalize closes the active turn using whichever channel won precedence.
// Used when the remote signals turn completion without a channel-specific
// done message.
func (a *Aggregator) Finalize() {
	a.mu.Lock()
	if a.done {
		a.mu.Unlock()
		return
	}
	ch := ChannelText
	if a.sawAudio {
		ch = ChannelAudio
	}
	a.mu.Unlock()
	a.OnDone(ch, "")
}

// OnUserTranscription forwards a finalized recognized user utterance.
func (a *Aggregator) OnUserTranscription(text string) {
	if text == "" {
		return
	}
	a.mu.Lock()
	consumer := a.consumer
	a.mu.Unlock()
	if consumer != nil {
		consumer(Entry{Role: RoleUser, Text: text, Final: true})
	}
}

// TurnFinished resets the per-turn state. Wired to the session's
// response.done hook.
func (a *Aggregator) TurnFinished() {
	a.mu.Lock()
	a.resetLocked()
	a.mu.Unlock()
}

func (a *Aggregator) resetLocked() {
	a.audio.Reset()
	a.text.Reset()
	a.sawAudio = false
	a.done = false
}

// extractCalls strips narrated pseudo calls from finalized text and
// forwards each to the synthesizer. Returns the cleaned text.
func (a *Aggregator) extractCalls(text string) string {
	if a.scanner == nil || a.synthesizer == nil {
		return strings.TrimSpace(text)
	}
	cleaned, calls := a.scanner.Scan(text)
	for _, c := range calls {
		id := a.synthesizer.SynthesizeCall(c.Name, c.Args)
		slog.Debug("narrated tool call extracted",
			"tool", c.Name, "call_id", id)
	}
	return cleaned
}
