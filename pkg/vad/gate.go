// Package vad provides a lightweight local voice-activity estimate based on
// RMS energy with hysteresis.
//
// The remote agent performs the authoritative turn detection; this gate is a
// local supplement used to avoid streaming obvious silence and to support
// the post-playback cooldown window. It is deliberately simple — no model,
// no allocations on the hot path — and processes one microphone buffer per
// call.
//
// A single Gate maintains per-stream state and must not be shared across
// goroutines.
package vad

import "math"

// Config holds the parameters for an energy gate. Zero values select the
// defaults noted per field.
type Config struct {
	// SpeechThreshold is the RMS level at or above which frames count toward
	// a speech onset. Default 0.015.
	SpeechThreshold float64

	// SilenceThreshold is the RMS level below which frames count toward a
	// speech end. Must be ≤ SpeechThreshold. Default 0.008.
	SilenceThreshold float64

	// SpeechFrames is the number of consecutive speech frames required to
	// enter the speaking state. Default 3 (~60ms at 20ms frames).
	SpeechFrames int

	// SilenceFrames is the number of consecutive silence frames required to
	// leave the speaking state. Default 25 (~500ms at 20ms frames).
	SilenceFrames int
}

func (c Config) withDefaults() Config {
	if c.SpeechThreshold == 0 {
		c.SpeechThreshold = 0.015
	}
	if c.SilenceThreshold == 0 {
		c.SilenceThreshold = 0.008
	}
	if c.SpeechFrames == 0 {
		c.SpeechFrames = 3
	}
	if c.SilenceFrames == 0 {
		c.SilenceFrames = 25
	}
	return c
}

// Gate is an RMS-energy speech detector with hysteresis: separate enter and
// leave thresholds plus consecutive-frame counters prevent flickering between
// states on marginal input.
type Gate struct {
	cfg          Config
	inSpeech     bool
	speechCount  int
	silenceCount int
}

// New creates a Gate with the given config; zero fields take defaults.
func New(cfg Config) *Gate {
	return &Gate{cfg: cfg.withDefaults()}
}

// Process feeds one buffer of normalized samples and reports whether the
// stream is currently considered speech.
func (g *Gate) Process(samples []float32) bool {
	level := rms(samples)

	if g.inSpeech {
		if level < g.cfg.SilenceThreshold {
			g.silenceCount++
			g.speechCount = 0
			if g.silenceCount >= g.cfg.SilenceFrames {
				g.inSpeech = false
				g.silenceCount = 0
			}
		} else {
			g.silenceCount = 0
		}
	} else {
		if level >= g.cfg.SpeechThreshold {
			g.speechCount++
			g.silenceCount = 0
			if g.speechCount >= g.cfg.SpeechFrames {
				g.inSpeech = true
				g.speechCount = 0
			}
		} else {
			g.speechCount = 0
		}
	}

	return g.inSpeech
}

// Speaking reports the current state without consuming a frame.
func (g *Gate) Speaking() bool { return g.inSpeech }

// Reset clears all accumulated state. Use when the input stream is
// interrupted or restarted.
func (g *Gate) Reset() {
	g.inSpeech = false
	g.speechCount = 0
	g.silenceCount = 0
}

func rms(samples []float32) float64 {
	if len(samples) == 0 {
		return 0
	}
	var sum float64
	for _, s := range samples {
		sum += float64(s) * float64(s)
	}
	return math.Sqrt(sum / float64(len(samples)))
}
