package commands

import (
	"context"
	"encoding/binary"
	"io"
	"math"
	"os"
	"sync"
	"time"

	"github.com/tobwen/voxloop/internal/app"
	"github.com/tobwen/voxloop/pkg/audio"
	"github.com/tobwen/voxloop/pkg/playback"
)

// micFrameSamples is the capture buffer size streamed from a mic file.
// 320 samples is 20ms at 16kHz, matching typical capture cadence.
const micFrameSamples = 320

// pacedSink plays agent audio at real-time speed by sleeping for each
// chunk's duration, optionally appending raw PCM16 to a file.
type pacedSink struct {
	sampleRate int

	mu  sync.Mutex
	out *os.File
}

func newPacedSink(sampleRate int, path string) (*pacedSink, error) {
	s := &pacedSink{sampleRate: sampleRate}
	if path != "" {
		f, err := os.Create(path)
		if err != nil {
			return nil, err
		}
		s.out = f
	}
	return s, nil
}

// Play implements [playback.Sink]. It blocks for the chunk's wall-clock
// duration so the scheduler's pacing matches a real audio device.
func (s *pacedSink) Play(ctx context.Context, chunk audio.Chunk) error {
	if err := s.write(chunk.Samples); err != nil {
		return err
	}

	rate := chunk.SampleRate
	if rate <= 0 {
		rate = s.sampleRate
	}
	d := time.Duration(len(chunk.Samples)) * time.Second / time.Duration(rate)

	select {
	case <-time.After(d):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *pacedSink) write(samples []float32) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.out == nil {
		return nil
	}

	buf := make([]byte, len(samples)*2)
	for i, f := range samples {
		if f > 1.0 {
			f = 1.0
		} else if f < -1.0 {
			f = -1.0
		}
		binary.LittleEndian.PutUint16(buf[i*2:], uint16(int16(f*math.MaxInt16)))
	}
	_, err := s.out.Write(buf)
	return err
}

func (s *pacedSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.out == nil {
		return nil
	}
	err := s.out.Close()
	s.out = nil
	return err
}

// fileMicSource replays a raw PCM16LE file as microphone capture, pacing
// frames at real-time speed.
type fileMicSource struct {
	format    audio.Format
	frames    chan []float32
	closeOnce sync.Once
	done      chan struct{}
}

func newFileMicSource(path string, sampleRate int) (*fileMicSource, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}

	m := &fileMicSource{
		format: audio.Format{SampleRate: sampleRate, Channels: 1},
		frames: make(chan []float32),
		done:   make(chan struct{}),
	}
	go m.pump(f)
	return m, nil
}

func (m *fileMicSource) Frames() <-chan []float32 { return m.frames }

func (m *fileMicSource) Format() audio.Format { return m.format }

func (m *fileMicSource) Close() error {
	m.closeOnce.Do(func() { close(m.done) })
	return nil
}

func (m *fileMicSource) pump(f *os.File) {
	defer f.Close()
	defer close(m.frames)

	frameDur := time.Duration(micFrameSamples) * time.Second / time.Duration(m.format.SampleRate)
	ticker := time.NewTicker(frameDur)
	defer ticker.Stop()

	raw := make([]byte, micFrameSamples*2)
	for {
		select {
		case <-m.done:
			return
		case <-ticker.C:
		}

		n, err := io.ReadFull(f, raw)
		if n == 0 {
			return
		}
		samples := make([]float32, n/2)
		for i := range samples {
			samples[i] = float32(int16(binary.LittleEndian.Uint16(raw[i*2:]))) / math.MaxInt16
		}

		select {
		case m.frames <- samples:
		case <-m.done:
			return
		}

		if err != nil {
			return
		}
	}
}

var (
	_ playback.Sink = (*pacedSink)(nil)
	_ app.MicSource = (*fileMicSource)(nil)
)
