package config

// ConfigDiff describes what changed between two configs.
// Only fields that can be applied to a running client are tracked; everything
// else takes effect on the next process start.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// LanguageChanged is set when session.target_language differs. The CLI
	// applies it through the controller's ChangeLanguage.
	LanguageChanged bool
	NewLanguage     string

	// RestartRequired lists the dotted keys of changed fields that are not
	// hot-reloadable.
	RestartRequired []string
}

// Empty reports whether nothing changed.
func (d ConfigDiff) Empty() bool {
	return !d.LogLevelChanged && !d.LanguageChanged && len(d.RestartRequired) == 0
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}
	if old.Session.TargetLanguage != new.Session.TargetLanguage {
		d.LanguageChanged = true
		d.NewLanguage = new.Session.TargetLanguage
	}

	restart := func(key string, changed bool) {
		if changed {
			d.RestartRequired = append(d.RestartRequired, key)
		}
	}
	restart("server.listen_addr", old.Server.ListenAddr != new.Server.ListenAddr)
	restart("backend.endpoint", old.Backend.Endpoint != new.Backend.Endpoint)
	restart("backend.dialect", old.Backend.Dialect != new.Backend.Dialect)
	restart("session.language_policy", old.Session.LanguagePolicy != new.Session.LanguagePolicy)
	restart("audio", old.Audio != new.Audio)
	restart("vad", !vadEqual(old.VAD, new.VAD))
	restart("encoder", !encoderEqual(old.Encoder, new.Encoder))
	restart("playback.player", old.Playback.Player != new.Playback.Player)
	restart("resilience", !derefEqual(old.Resilience.MaxFailures, new.Resilience.MaxFailures) ||
		old.Resilience.ResetTimeout != new.Resilience.ResetTimeout)

	return d
}

func vadEqual(a, b VADConfig) bool {
	return derefEqual(a.Threshold, b.Threshold) &&
		a.Hold == b.Hold &&
		a.Tick == b.Tick &&
		a.FFTSize == b.FFTSize &&
		derefEqual(a.Smoothing, b.Smoothing)
}

func encoderEqual(a, b EncoderConfig) bool {
	return a.Policy == b.Policy &&
		a.Interval == b.Interval &&
		derefEqual(a.MinFrames, b.MinFrames) &&
		a.Bitrate == b.Bitrate
}

func derefEqual[T comparable](a, b *T) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}
