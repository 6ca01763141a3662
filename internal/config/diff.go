package config

import "reflect"

// ConfigDiff describes what changed between two configs.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// SessionChanged is true when any per-session tunable changed
	// (transcription, vocabulary, turn, response, outbound, pipeline or
	// history).
	// New values apply to sessions started after the reload.
	SessionChanged bool

	// RestartRequired lists the top-level sections that changed but are only
	// read at startup.
	RestartRequired []string
}

// IsEmpty reports whether the diff contains no changes at all.
func (d ConfigDiff) IsEmpty() bool {
	return !d.LogLevelChanged && !d.SessionChanged && len(d.RestartRequired) == 0
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	d.SessionChanged = old.Pipeline != new.Pipeline ||
		!reflect.DeepEqual(old.Transcription, new.Transcription) ||
		old.Turn != new.Turn ||
		old.Response != new.Response ||
		old.Outbound != new.Outbound ||
		old.Session.MaxHistory != new.Session.MaxHistory

	oldServer, newServer := old.Server, new.Server
	oldServer.LogLevel, newServer.LogLevel = "", ""
	oldSession, newSession := old.Session, new.Session
	oldSession.MaxHistory, newSession.MaxHistory = 0, 0

	for _, s := range []struct {
		name     string
		old, new any
	}{
		{"server", oldServer, newServer},
		{"providers", old.Providers, new.Providers},
		{"session", oldSession, newSession},
		{"gateway", old.Gateway, new.Gateway},
		{"storage", old.Storage, new.Storage},
		{"observability", old.Observability, new.Observability},
	} {
		if !reflect.DeepEqual(s.old, s.new) {
			d.RestartRequired = append(d.RestartRequired, s.name)
		}
	}
	return d
}
