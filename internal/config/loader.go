package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/tobwen/voxloop/internal/tooldispatch/mcptools"
)

// Load reads the YAML configuration file at path and returns a validated
// [Config]. It is a convenience wrapper around [LoadFromReader].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r on top of [Default] values
// and validates the result. Useful in tests where configs are constructed
// from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Session
	switch {
	case cfg.Session.URL == "":
		errs = append(errs, errors.New("session.url is required"))
	case !strings.HasPrefix(cfg.Session.URL, "ws://") && !strings.HasPrefix(cfg.Session.URL, "wss://"):
		errs = append(errs, fmt.Errorf("session.url %q must use the ws:// or wss:// scheme", cfg.Session.URL))
	}
	if cfg.Session.ConnectTimeoutMs <= 0 {
		errs = append(errs, fmt.Errorf("session.connect_timeout_ms %d must be positive", cfg.Session.ConnectTimeoutMs))
	}
	if cfg.Session.TurnThreshold < 0 || cfg.Session.TurnThreshold > 1 {
		errs = append(errs, fmt.Errorf("session.turn_threshold %.2f is out of range [0, 1]", cfg.Session.TurnThreshold))
	}
	if cfg.Session.TurnSilenceMs < 0 {
		errs = append(errs, fmt.Errorf("session.turn_silence_ms %d must not be negative", cfg.Session.TurnSilenceMs))
	}

	// Audio
	if cfg.Audio.SampleRate <= 0 {
		errs = append(errs, fmt.Errorf("audio.sample_rate %d must be positive", cfg.Audio.SampleRate))
	}
	if cfg.Audio.Channels != 1 && cfg.Audio.Channels != 2 {
		errs = append(errs, fmt.Errorf("audio.channels %d must be 1 or 2", cfg.Audio.Channels))
	}

	// Turn
	if cfg.Turn.CooldownMs < 0 {
		errs = append(errs, fmt.Errorf("turn.cooldown_ms %d must not be negative", cfg.Turn.CooldownMs))
	}

	// VAD
	if cfg.VAD.SpeechThreshold < 0 || cfg.VAD.SpeechThreshold > 1 {
		errs = append(errs, fmt.Errorf("vad.speech_threshold %.3f is out of range [0, 1]", cfg.VAD.SpeechThreshold))
	}
	if cfg.VAD.SilenceThreshold > cfg.VAD.SpeechThreshold {
		errs = append(errs, fmt.Errorf("vad.silence_threshold %.3f must not exceed vad.speech_threshold %.3f",
			cfg.VAD.SilenceThreshold, cfg.VAD.SpeechThreshold))
	}
	if cfg.VAD.SpeechFrames <= 0 || cfg.VAD.SilenceFrames <= 0 {
		errs = append(errs, errors.New("vad.speech_frames and vad.silence_frames must be positive"))
	}

	// Tools
	if cfg.Tools.SeenCapacity <= 0 {
		errs = append(errs, fmt.Errorf("tools.seen_capacity %d must be positive", cfg.Tools.SeenCapacity))
	}
	if cfg.Tools.ExecuteTimeoutMs <= 0 {
		errs = append(errs, fmt.Errorf("tools.execute_timeout_ms %d must be positive", cfg.Tools.ExecuteTimeoutMs))
	}

	// MCP servers
	namesSeen := make(map[string]int, len(cfg.Tools.MCP))
	for i, srv := range cfg.Tools.MCP {
		prefix := fmt.Sprintf("tools.mcp[%d]", i)
		if srv.Name == "" {
			errs = append(errs, fmt.Errorf("%s.name is required", prefix))
		} else {
			if prev, ok := namesSeen[srv.Name]; ok {
				errs = append(errs, fmt.Errorf("%s.name %q is a duplicate of tools.mcp[%d]", prefix, srv.Name, prev))
			}
			namesSeen[srv.Name] = i
		}
		if srv.Transport != "" && !srv.Transport.IsValid() {
			errs = append(errs, fmt.Errorf("%s.transport %q is invalid; valid values: stdio, http", prefix, srv.Transport))
		}
		if srv.Transport == mcptools.TransportStdio && srv.Command == "" {
			errs = append(errs, fmt.Errorf("%s.command is required when transport is stdio", prefix))
		}
		if srv.Transport == mcptools.TransportStreamableHTTP && srv.URL == "" {
			errs = append(errs, fmt.Errorf("%s.url is required when transport is http", prefix))
		}
	}

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}

	return errors.Join(errs...)
}
