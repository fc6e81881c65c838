package config

// ConfigDiff describes what changed between two configs.
// Only fields that can be safely hot-reloaded are tracked.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// HandshakeChanged is true if the system prompt or the voice changed.
	// The new handshake applies to the next session.
	HandshakeChanged    bool
	SystemPromptChanged bool
	VoiceChanged        bool

	// ConstrainedChanged is true if speech.constrained was toggled.
	ConstrainedChanged bool
	NewConstrained     bool

	// RestartRequired lists top-level sections that changed but only take
	// effect after a restart.
	RestartRequired []string
}

// Empty reports whether nothing changed.
func (d ConfigDiff) Empty() bool {
	return !d.LogLevelChanged && !d.HandshakeChanged && !d.ConstrainedChanged && len(d.RestartRequired) == 0
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	oa, na := old.Assistant, new.Assistant
	if oa.SystemPrompt != na.SystemPrompt || oa.SystemPromptFile != na.SystemPromptFile {
		d.SystemPromptChanged = true
	}
	if oa.VoiceName != na.VoiceName {
		d.VoiceChanged = true
	}
	d.HandshakeChanged = d.SystemPromptChanged || d.VoiceChanged

	if old.Speech.Constrained != new.Speech.Constrained {
		d.ConstrainedChanged = true
		d.NewConstrained = new.Speech.Constrained
	}

	if old.Server.ListenAddr != new.Server.ListenAddr {
		d.RestartRequired = append(d.RestartRequired, "server")
	}
	if !sameTransport(old.Transport, new.Transport) {
		d.RestartRequired = append(d.RestartRequired, "transport")
	}
	if !sameEntry(old.Providers.STT, new.Providers.STT) || !sameEntry(old.Providers.VAD, new.Providers.VAD) {
		d.RestartRequired = append(d.RestartRequired, "providers")
	}
	if !sameEntry(old.Audio.Output, new.Audio.Output) || !sameEntry(old.Audio.Input, new.Audio.Input) ||
		old.Audio.OutputSampleRate != new.Audio.OutputSampleRate || old.Audio.FrameSize != new.Audio.FrameSize {
		d.RestartRequired = append(d.RestartRequired, "audio")
	}
	if old.Extensions.Dir != new.Extensions.Dir || old.Extensions.Entrypoint != new.Extensions.Entrypoint {
		d.RestartRequired = append(d.RestartRequired, "extensions")
	}

	return d
}

func sameTransport(a, b TransportConfig) bool {
	if a.URL != b.URL || a.DialTimeout != b.DialTimeout || a.DialAttempts != b.DialAttempts ||
		a.Backoff != b.Backoff || a.MaxBackoff != b.MaxBackoff || len(a.Headers) != len(b.Headers) {
		return false
	}
	for k, v := range a.Headers {
		if b.Headers[k] != v {
			return false
		}
	}
	return true
}

// sameEntry compares the fields that select and address a provider.
// Options are not compared.
func sameEntry(a, b ProviderEntry) bool {
	return a.Name == b.Name && a.APIKey == b.APIKey && a.BaseURL == b.BaseURL && a.Model == b.Model
}
