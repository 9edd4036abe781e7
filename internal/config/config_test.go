package config

import (
	"log/slog"
	"strings"
	"testing"
)

const minimalYAML = `
session:
  url: wss://agent.example.com/v1/realtime
`

func TestLoadFromReaderAppliesDefaults(t *testing.T) {
	t.Parallel()

	cfg, err := LoadFromReader(strings.NewReader(minimalYAML))
	if err != nil {
		t.Fatalf("LoadFromReader() = %v", err)
	}

	if cfg.Session.URL != "wss://agent.example.com/v1/realtime" {
		t.Errorf("url = %q", cfg.Session.URL)
	}
	if cfg.Session.APIKeyEnv != "VOXLOOP_API_KEY" {
		t.Errorf("api_key_env default = %q, want VOXLOOP_API_KEY", cfg.Session.APIKeyEnv)
	}
	if cfg.Audio.SampleRate != 16000 || cfg.Audio.Channels != 1 {
		t.Errorf("audio defaults = %d/%d, want 16000/1", cfg.Audio.SampleRate, cfg.Audio.Channels)
	}
	if cfg.Turn.CooldownMs != 500 {
		t.Errorf("cooldown default = %d, want 500", cfg.Turn.CooldownMs)
	}
	if cfg.Tools.SeenCapacity != 100 {
		t.Errorf("seen_capacity default = %d, want 100", cfg.Tools.SeenCapacity)
	}
	if cfg.Server.LogLevel != LogInfo {
		t.Errorf("log_level default = %q, want info", cfg.Server.LogLevel)
	}
}

func TestLoadFromReaderOverridesDefaults(t *testing.T) {
	t.Parallel()

	cfg, err := LoadFromReader(strings.NewReader(`
session:
  url: ws://localhost:8080/session
  voice: marin
  connect_timeout_ms: 3000
turn:
  cooldown_ms: 250
server:
  log_level: debug
`))
	if err != nil {
		t.Fatalf("LoadFromReader() = %v", err)
	}
	if cfg.Session.Voice != "marin" {
		t.Errorf("voice = %q, want marin", cfg.Session.Voice)
	}
	if got := cfg.Session.ConnectTimeout().Milliseconds(); got != 3000 {
		t.Errorf("connect timeout = %dms, want 3000", got)
	}
	if got := cfg.Turn.Cooldown().Milliseconds(); got != 250 {
		t.Errorf("cooldown = %dms, want 250", got)
	}
	if cfg.Server.LogLevel.Slog() != slog.LevelDebug {
		t.Errorf("slog level = %v, want debug", cfg.Server.LogLevel.Slog())
	}
}

func TestLoadFromReaderRejectsUnknownFields(t *testing.T) {
	t.Parallel()

	_, err := LoadFromReader(strings.NewReader(`
session:
  url: wss://a.example.com
  definitely_not_a_field: true
`))
	if err == nil {
		t.Fatal("unknown field accepted")
	}
}

func TestValidateFailures(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			name:    "missing url",
			mutate:  func(c *Config) { c.Session.URL = "" },
			wantErr: "session.url is required",
		},
		{
			name:    "http url scheme",
			mutate:  func(c *Config) { c.Session.URL = "https://agent.example.com" },
			wantErr: "ws:// or wss://",
		},
		{
			name:    "turn threshold out of range",
			mutate:  func(c *Config) { c.Session.TurnThreshold = 1.5 },
			wantErr: "turn_threshold",
		},
		{
			name:    "zero sample rate",
			mutate:  func(c *Config) { c.Audio.SampleRate = 0 },
			wantErr: "sample_rate",
		},
		{
			name:    "three channels",
			mutate:  func(c *Config) { c.Audio.Channels = 3 },
			wantErr: "channels",
		},
		{
			name:    "negative cooldown",
			mutate:  func(c *Config) { c.Turn.CooldownMs = -1 },
			wantErr: "cooldown_ms",
		},
		{
			name: "inverted vad hysteresis",
			mutate: func(c *Config) {
				c.VAD.SpeechThreshold = 0.01
				c.VAD.SilenceThreshold = 0.02
			},
			wantErr: "silence_threshold",
		},
		{
			name:    "bad log level",
			mutate:  func(c *Config) { c.Server.LogLevel = "verbose" },
			wantErr: "log_level",
		},
		{
			name: "mcp stdio without command",
			mutate: func(c *Config) {
				c.Tools.MCP = []MCPServerConfig{{Name: "x", Transport: "stdio"}}
			},
			wantErr: "command is required",
		},
		{
			name: "duplicate mcp server names",
			mutate: func(c *Config) {
				c.Tools.MCP = []MCPServerConfig{
					{Name: "dup", Transport: "http", URL: "https://a"},
					{Name: "dup", Transport: "http", URL: "https://b"},
				}
			},
			wantErr: "duplicate",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			cfg := Default()
			cfg.Session.URL = "wss://agent.example.com"
			tc.mutate(cfg)

			err := Validate(cfg)
			if err == nil {
				t.Fatal("Validate() = nil, want error")
			}
			if !strings.Contains(err.Error(), tc.wantErr) {
				t.Errorf("error = %q, want substring %q", err, tc.wantErr)
			}
		})
	}
}

func TestValidateCollectsAllFailures(t *testing.T) {
	t.Parallel()

	cfg := Default()
	cfg.Session.URL = ""
	cfg.Audio.SampleRate = 0
	cfg.Server.LogLevel = "loud"

	err := Validate(cfg)
	if err == nil {
		t.Fatal("Validate() = nil, want joined errors")
	}
	for _, want := range []string{"session.url", "sample_rate", "log_level"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("joined error missing %q: %q", want, err)
		}
	}
}
