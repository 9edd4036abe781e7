// Package playback provides the gapless FIFO playback scheduler for
// agent audio.
//
// The [Scheduler] owns an ordered queue of decoded [audio.Chunk] values and
// plays them back-to-back through a [Sink]: a chunk starts only after the
// previous one has fully completed or been flushed, and no two chunks ever
// play concurrently. Flush (barge-in) is immediate — in-flight playback is
// cancelled and all queued chunks are discarded with no graceful drain.
package playback

import (
	"context"
	"sync"

	"github.com/tobwen/voxloop/pkg/audio"
)

// defaultQueueCap is the initial capacity hint for the playback queue.
const defaultQueueCap = 16

// Sink renders a single chunk of audio. Play must block until the chunk has
// been fully rendered or ctx is cancelled, and must return ctx.Err() in the
// cancelled case. The scheduler calls Play sequentially from its dispatch
// goroutine, never concurrently.
type Sink interface {
	Play(ctx context.Context, chunk audio.Chunk) error
}

// SinkFunc adapts a plain function to the [Sink] interface.
type SinkFunc func(ctx context.Context, chunk audio.Chunk) error

// Play implements [Sink].
func (f SinkFunc) Play(ctx context.Context, chunk audio.Chunk) error { return f(ctx, chunk) }

// Option configures a [Scheduler] during construction.
type Option func(*Scheduler)

// WithQueueCapacity sets the initial capacity hint for the internal queue.
// This does not impose a hard limit — the queue grows as needed.
func WithQueueCapacity(n int) Option {
	return func(s *Scheduler) {
		if n > 0 {
			s.queue = make([]audio.Chunk, 0, n)
		}
	}
}

// Scheduler plays decoded audio chunks strictly in enqueue order with no
// gaps and no overlap. All exported methods are safe for concurrent use.
type Scheduler struct {
	sink Sink

	mu            sync.Mutex
	queue         []audio.Chunk
	playing       *audio.Chunk       // currently playing chunk, or nil
	cancelPlaying context.CancelFunc // cancels the in-flight sink.Play
	drainedCbs    []func()           // persistent drained notifications
	completeCb    func()             // turn-completion notification
	responseDone  bool               // latched by MarkResponseComplete
	closed        bool

	notify chan struct{} // signalled when a chunk is enqueued
	done   chan struct{} // closed by Close to stop the dispatch goroutine
	wg     sync.WaitGroup
}

// New creates a [Scheduler] that renders chunks through sink. The scheduler
// starts its background dispatch goroutine immediately; call
// [Scheduler.Close] to stop it and release resources.
func New(sink Sink, opts ...Option) *Scheduler {
	s := &Scheduler{
		sink:   sink,
		queue:  make([]audio.Chunk, 0, defaultQueueCap),
		notify: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
	for _, o := range opts {
		o(s)
	}
	s.wg.Add(1)
	go s.dispatch()
	return s
}

// Enqueue appends chunk to the queue. If nothing is currently playing,
// playback starts immediately. Chunks are played exactly once, in enqueue
// order.
func (s *Scheduler) Enqueue(chunk audio.Chunk) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}
	s.queue = append(s.queue, chunk)

	// Wake the dispatch goroutine.
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

// Flush immediately stops any in-progress playback, discards all queued
// chunks, and resets to idle. The response-complete latch is cleared so a
// cancelled turn never fires its completion callback. Drained callbacks are
// NOT invoked — a flush is an interruption, not a natural end of playback.
func (s *Scheduler) Flush() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.queue = s.queue[:0]
	s.responseDone = false
	if s.cancelPlaying != nil {
		s.cancelPlaying()
		s.cancelPlaying = nil
	}
	s.playing = nil
}

// OnDrained registers a persistent callback fired each time the queue becomes
// empty with nothing playing after a chunk completes naturally. Callbacks are
// invoked from the dispatch goroutine and must not block.
func (s *Scheduler) OnDrained(cb func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.drainedCbs = append(s.drainedCbs, cb)
}

// OnTurnComplete registers the callback fired when a response marked complete
// via [Scheduler.MarkResponseComplete] has fully finished playing. Only one
// callback may be registered; subsequent calls replace it.
func (s *Scheduler) OnTurnComplete(cb func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.completeCb = cb
}

// MarkResponseComplete latches the "remote response fully received" flag.
// When the latch is set and the queue is empty with nothing playing, the
// turn-completion callback fires exactly once and the latch resets. If
// playback is already idle the callback fires immediately.
func (s *Scheduler) MarkResponseComplete() {
	s.mu.Lock()
	s.responseDone = true
	idle := s.playing == nil && len(s.queue) == 0
	var cb func()
	if idle {
		s.responseDone = false
		cb = s.completeCb
	}
	s.mu.Unlock()

	if cb != nil {
		cb()
	}
}

// Current returns the chunk currently being rendered, if any. Used by the
// lip-sync analyzer to sample the live amplitude window.
func (s *Scheduler) Current() (audio.Chunk, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.playing == nil {
		return audio.Chunk{}, false
	}
	return *s.playing, true
}

// Idle reports whether the queue is empty and nothing is playing.
func (s *Scheduler) Idle() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.playing == nil && len(s.queue) == 0
}

// Close stops the dispatch goroutine, cancels in-flight playback, and
// discards queued chunks. Close is idempotent — subsequent calls are no-ops
// and return nil.
func (s *Scheduler) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.queue = nil
	if s.cancelPlaying != nil {
		s.cancelPlaying()
		s.cancelPlaying = nil
	}
	s.mu.Unlock()

	close(s.done)
	s.wg.Wait()
	return nil
}

// dispatch is the background goroutine that pulls chunks from the queue and
// renders them through the sink one at a time. It runs until Close is called.
func (s *Scheduler) dispatch() {
	defer s.wg.Done()

	for {
		select {
		case <-s.done:
			return
		case <-s.notify:
		}

		for {
			chunk, ctx, cancel, ok := s.dequeue()
			if !ok {
				break
			}

			err := s.sink.Play(ctx, chunk)
			flushed := err != nil && ctx.Err() != nil
			cancel()

			s.mu.Lock()
			if s.playing != nil && s.playing.Seq == chunk.Seq {
				s.playing = nil
				s.cancelPlaying = nil
			}
			drained := !flushed && len(s.queue) == 0 && s.playing == nil
			var drainedCbs []func()
			var completeCb func()
			if drained {
				drainedCbs = append(drainedCbs, s.drainedCbs...)
				if s.responseDone {
					s.responseDone = false
					completeCb = s.completeCb
				}
			}
			s.mu.Unlock()

			for _, cb := range drainedCbs {
				cb()
			}
			if completeCb != nil {
				completeCb()
			}

			if flushed {
				// Queue was cleared by Flush; wait for fresh work.
				break
			}
		}
	}
}

// dequeue pops the head of the queue and marks it as currently playing.
// Returns ok=false if the queue is empty or the scheduler is closed.
func (s *Scheduler) dequeue() (audio.Chunk, context.Context, context.CancelFunc, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed || len(s.queue) == 0 {
		return audio.Chunk{}, nil, nil, false
	}

	chunk := s.queue[0]
	s.queue = s.queue[1:]

	ctx, cancel := context.WithCancel(context.Background())
	s.playing = &chunk
	s.cancelPlaying = cancel
	return chunk, ctx, cancel, true
}
