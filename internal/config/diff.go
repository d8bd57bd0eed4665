package config

import "reflect"

// Diff describes what changed between two configs. Log level changes can be
// applied to the running process; provider changes take effect for sessions
// opened after the reload; server changes need a restart.
type Diff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// ServerChanged is true when listen_addr or TLS changed. These cannot
	// be applied without restarting the listener.
	ServerChanged bool

	// Provider sections. Running sessions keep their clients; new sessions
	// pick up the reloaded values.
	ASRChanged     bool
	LLMChanged     bool
	TTSChanged     bool
	SessionChanged bool
}

// Any reports whether the diff contains any change at all.
func (d Diff) Any() bool {
	return d.LogLevelChanged || d.ServerChanged ||
		d.ASRChanged || d.LLMChanged || d.TTSChanged || d.SessionChanged
}

// Compare returns the differences between old and new.
func Compare(old, new *Config) Diff {
	d := Diff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}
	if old.Server.ListenAddr != new.Server.ListenAddr ||
		!reflect.DeepEqual(old.Server.TLS, new.Server.TLS) {
		d.ServerChanged = true
	}

	d.ASRChanged = old.ASR != new.ASR
	d.LLMChanged = old.LLM != new.LLM
	d.TTSChanged = old.TTS != new.TTS
	d.SessionChanged = old.Session != new.Session

	return d
}
