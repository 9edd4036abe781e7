package config

// ConfigDiff describes what changed between two configs. Only changes that
// can be applied to a live session without reconnecting are tracked in
// detail; anything else sets RestartRequired.
type ConfigDiff struct {
	// SessionParamsChanged is true when voice, instructions, or the remote
	// turn-detection thresholds changed. Applied via mid-session
	// re-negotiation.
	SessionParamsChanged bool

	// CooldownChanged is true when the echo-suppression window changed.
	CooldownChanged bool

	LogLevelChanged bool
	NewLogLevel     LogLevel

	// RestartRequired is true when the endpoint, authentication, audio
	// format, or tooling setup changed. These cannot be applied to a live
	// session.
	RestartRequired bool
}

// Empty reports whether the diff contains no changes at all.
func (d ConfigDiff) Empty() bool {
	return !d.SessionParamsChanged && !d.CooldownChanged &&
		!d.LogLevelChanged && !d.RestartRequired
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Session.Voice != new.Session.Voice ||
		old.Session.Instructions != new.Session.Instructions ||
		old.Session.TurnThreshold != new.Session.TurnThreshold ||
		old.Session.TurnSilenceMs != new.Session.TurnSilenceMs {
		d.SessionParamsChanged = true
	}

	if old.Turn.CooldownMs != new.Turn.CooldownMs {
		d.CooldownChanged = true
	}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	if old.Session.URL != new.Session.URL ||
		old.Session.APIKeyEnv != new.Session.APIKeyEnv ||
		old.Session.ConnectTimeoutMs != new.Session.ConnectTimeoutMs ||
		old.Audio != new.Audio ||
		old.VAD != new.VAD ||
		toolsChanged(old.Tools, new.Tools) ||
		old.Server.MetricsAddr != new.Server.MetricsAddr {
		d.RestartRequired = true
	}

	return d
}

// toolsChanged compares the tooling setup, including the MCP server list.
func toolsChanged(old, new ToolsConfig) bool {
	if old.SeenCapacity != new.SeenCapacity ||
		old.ExecuteTimeoutMs != new.ExecuteTimeoutMs ||
		len(old.MCP) != len(new.MCP) {
		return true
	}
	for i := range old.MCP {
		a, b := old.MCP[i], new.MCP[i]
		if a.Name != b.Name || a.Transport != b.Transport ||
			a.Command != b.Command || a.URL != b.URL {
			return true
		}
		if len(a.Env) != len(b.Env) {
			return true
		}
		for k, v := range a.Env {
			if b.Env[k] != v {
				return true
			}
		}
	}
	return false
}
