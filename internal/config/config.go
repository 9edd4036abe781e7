// Package config provides the configuration schema, loader, and file
// watcher for the voxloop streaming client.
package config

import (
	"log/slog"
	"time"

	"github.com/tobwen/voxloop/internal/tooldispatch/mcptools"
)

// LogLevel controls log verbosity.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// Slog maps l to the corresponding slog level. Unrecognised values map to
// info.
func (l LogLevel) Slog() slog.Level {
	switch l {
	case LogDebug:
		return slog.LevelDebug
	case LogWarn:
		return slog.LevelWarn
	case LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Config is the root configuration structure, typically loaded from a YAML
// file using [Load] or [LoadFromReader].
type Config struct {
	Session SessionConfig `yaml:"session"`
	Audio   AudioConfig   `yaml:"audio"`
	Turn    TurnConfig    `yaml:"turn"`
	VAD     VADConfig     `yaml:"vad"`
	Tools   ToolsConfig   `yaml:"tools"`
	Server  ServerConfig  `yaml:"server"`
}

// SessionConfig holds the remote agent endpoint and the negotiated session
// parameters.
type SessionConfig struct {
	// URL is the websocket endpoint of the remote agent
	// (e.g., "wss://agent.example.com/v1/realtime").
	URL string `yaml:"url"`

	// APIKeyEnv names the environment variable holding the bearer token.
	// The key itself never appears in the config file.
	APIKeyEnv string `yaml:"api_key_env"`

	// Voice is the voice profile id requested during configuration.
	Voice string `yaml:"voice"`

	// Instructions is the system instructions text sent on configure.
	Instructions string `yaml:"instructions"`

	// ConnectTimeoutMs bounds the dial plus configure handshake.
	ConnectTimeoutMs int `yaml:"connect_timeout_ms"`

	// TurnThreshold is the remote turn-detection speech-probability
	// threshold in [0, 1].
	TurnThreshold float64 `yaml:"turn_threshold"`

	// TurnSilenceMs is the trailing-silence duration that ends a user
	// turn on the remote side.
	TurnSilenceMs int `yaml:"turn_silence_ms"`
}

// ConnectTimeout returns the handshake timeout as a duration.
func (s SessionConfig) ConnectTimeout() time.Duration {
	return time.Duration(s.ConnectTimeoutMs) * time.Millisecond
}

// AudioConfig describes the local capture format. Playback format follows
// whatever the remote sends; capture is converted to mono at SampleRate
// before encoding.
type AudioConfig struct {
	SampleRate int `yaml:"sample_rate"`
	Channels   int `yaml:"channels"`
}

// TurnConfig holds the barge-in coordination settings.
type TurnConfig struct {
	// CooldownMs is the post-playback window during which speech signals
	// are suppressed as echo.
	CooldownMs int `yaml:"cooldown_ms"`
}

// Cooldown returns the echo-suppression window as a duration.
func (t TurnConfig) Cooldown() time.Duration {
	return time.Duration(t.CooldownMs) * time.Millisecond
}

// VADConfig holds the local amplitude-gate thresholds applied to captured
// microphone audio before transmission.
type VADConfig struct {
	// SpeechThreshold is the RMS level above which a frame counts toward
	// speech onset.
	SpeechThreshold float64 `yaml:"speech_threshold"`

	// SilenceThreshold is the RMS level below which a frame counts toward
	// speech end. Must be at or below SpeechThreshold (hysteresis).
	SilenceThreshold float64 `yaml:"silence_threshold"`

	// SpeechFrames is the number of consecutive loud frames required to
	// open the gate.
	SpeechFrames int `yaml:"speech_frames"`

	// SilenceFrames is the number of consecutive quiet frames required to
	// close it.
	SilenceFrames int `yaml:"silence_frames"`
}

// ToolsConfig holds tool-dispatch settings and the MCP servers to import
// capabilities from.
type ToolsConfig struct {
	// SeenCapacity bounds the recently-dispatched call-id set.
	SeenCapacity int `yaml:"seen_capacity"`

	// ExecuteTimeoutMs bounds a single capability invocation.
	ExecuteTimeoutMs int `yaml:"execute_timeout_ms"`

	MCP []MCPServerConfig `yaml:"mcp"`
}

// ExecuteTimeout returns the per-invocation timeout as a duration.
func (t ToolsConfig) ExecuteTimeout() time.Duration {
	return time.Duration(t.ExecuteTimeoutMs) * time.Millisecond
}

// MCPServerConfig describes one MCP tool server to connect to.
type MCPServerConfig struct {
	// Name is a unique human-readable identifier, used in logs.
	Name string `yaml:"name"`

	// Transport is "stdio" or "http".
	Transport mcptools.Transport `yaml:"transport"`

	// Command is the executable (with optional arguments) launched when
	// Transport is "stdio".
	Command string `yaml:"command"`

	// URL is the endpoint address when Transport is "http".
	URL string `yaml:"url"`

	// Env holds additional environment variables injected into the
	// subprocess for stdio transport. May be nil.
	Env map[string]string `yaml:"env"`
}

// ServerConfig holds the local observability endpoint and logging settings.
type ServerConfig struct {
	// MetricsAddr is the TCP address serving /metrics and the health
	// endpoints (e.g., ":9090"). Empty disables the endpoint.
	MetricsAddr string `yaml:"metrics_addr"`

	// LogLevel controls verbosity.
	LogLevel LogLevel `yaml:"log_level"`
}

// Default returns a Config populated with working defaults for everything
// except the session URL, which has no sensible default and must be set.
func Default() *Config {
	return &Config{
		Session: SessionConfig{
			APIKeyEnv:        "VOXLOOP_API_KEY",
			Voice:            "alloy",
			ConnectTimeoutMs: 15000,
			TurnThreshold:    0.5,
			TurnSilenceMs:    500,
		},
		Audio: AudioConfig{
			SampleRate: 16000,
			Channels:   1,
		},
		Turn: TurnConfig{
			CooldownMs: 500,
		},
		VAD: VADConfig{
			SpeechThreshold:  0.015,
			SilenceThreshold: 0.008,
			SpeechFrames:     3,
			SilenceFrames:    25,
		},
		Tools: ToolsConfig{
			SeenCapacity:     100,
			ExecuteTimeoutMs: 30000,
		},
		Server: ServerConfig{
			LogLevel: LogInfo,
		},
	}
}
