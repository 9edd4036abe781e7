// Package lipsync derives a bounded-rate amplitude envelope from the audio
// chunk currently being played, for downstream mouth/viseme animation.
//
// The [Analyzer] samples the playback scheduler at a fixed tick rate and
// emits one root-mean-square energy value per tick while audio is playing.
// When playback goes idle it emits a single zero sample (closing the mouth)
// and then stays silent until playback resumes. Because the analyzer samples
// rather than queues, no backpressure handling is needed on the consumer
// side.
package lipsync

import (
	"math"
	"sync"
	"time"

	"github.com/tobwen/voxloop/pkg/audio"
)

// DefaultInterval is the default tick rate: roughly one sample per rendered
// animation frame at 60 fps.
const DefaultInterval = 16 * time.Millisecond

// PlaybackSource exposes the chunk currently being rendered. Implemented by
// [playback.Scheduler].
type PlaybackSource interface {
	Current() (audio.Chunk, bool)
}

// Sink receives amplitude samples. It is invoked from the analyzer's tick
// goroutine and must not block.
type Sink func(amplitude float64)

// Option configures an [Analyzer] during construction.
type Option func(*Analyzer)

// WithInterval overrides the tick interval. Useful in tests to keep suite
// execution fast.
func WithInterval(d time.Duration) Option {
	return func(a *Analyzer) {
		if d > 0 {
			a.interval = d
		}
	}
}

// Analyzer periodically measures the energy of the currently playing chunk
// and forwards it to a sink. Safe for concurrent use.
type Analyzer struct {
	source   PlaybackSource
	sink     Sink
	interval time.Duration

	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// New creates an [Analyzer] sampling source and emitting to sink. The tick
// goroutine starts immediately; call [Analyzer.Close] to stop it.
func New(source PlaybackSource, sink Sink, opts ...Option) *Analyzer {
	a := &Analyzer{
		source:   source,
		sink:     sink,
		interval: DefaultInterval,
		done:     make(chan struct{}),
	}
	for _, o := range opts {
		o(a)
	}
	a.wg.Add(1)
	go a.tick()
	return a
}

// Close stops the tick goroutine. Idempotent.
func (a *Analyzer) Close() error {
	a.closeOnce.Do(func() { close(a.done) })
	a.wg.Wait()
	return nil
}

// tick is the sampling loop. It emits an amplitude per tick while playing
// and exactly one zero sample on each transition to idle.
func (a *Analyzer) tick() {
	defer a.wg.Done()

	ticker := time.NewTicker(a.interval)
	defer ticker.Stop()

	wasPlaying := false
	for {
		select {
		case <-a.done:
			return
		case <-ticker.C:
		}

		chunk, ok := a.source.Current()
		if !ok {
			if wasPlaying {
				wasPlaying = false
				a.sink(0)
			}
			continue
		}

		wasPlaying = true
		a.sink(RMS(chunk.Samples))
	}
}

// RMS computes the root-mean-square energy of a normalized sample buffer.
// Returns 0 for an empty buffer. The result is in [0.0, 1.0] for input
// samples within [-1.0, 1.0].
func RMS(samples []float32) float64 {
	if len(samples) == 0 {
		return 0
	}
	var sum float64
	for _, s := range samples {
		sum += float64(s) * float64(s)
	}
	return math.Sqrt(sum / float64(len(samples)))
}
