package config

import "slices"

// ConfigDiff describes what changed between two configs.
// Only fields that can be safely hot-reloaded are tracked.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// VADChanged is set when any barge-in tuning value changed.
	VADChanged bool

	// WakeWordsChanged is set when the phrase list or fuzzy threshold changed.
	WakeWordsChanged bool

	// VoicePrintChanged is set when verification was toggled or retuned, or
	// the allow-list changed.
	VoicePrintChanged bool
}

// Any reports whether anything hot-reloadable changed.
func (d ConfigDiff) Any() bool {
	return d.LogLevelChanged || d.VADChanged || d.WakeWordsChanged || d.VoicePrintChanged
}

// Diff compares old and new configs and returns what changed.
// Only tracks changes that are safe to apply without restart.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.LogLevel != new.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.LogLevel
	}

	ov, nv := old.VAD, new.VAD
	if ov.EnergyThreshold != nv.EnergyThreshold ||
		ov.SpeakingBoost != nv.SpeakingBoost ||
		ov.SpeechWindow != nv.SpeechWindow {
		d.VADChanged = true
	}

	if !slices.Equal(old.WakeWord.Words, new.WakeWord.Words) ||
		old.WakeWord.FuzzyThreshold != new.WakeWord.FuzzyThreshold {
		d.WakeWordsChanged = true
	}

	op, np := old.VoicePrint, new.VoicePrint
	if op.Enabled != np.Enabled ||
		op.Threshold != np.Threshold ||
		op.MinAudioLength != np.MinAudioLength ||
		!slices.Equal(op.AllowedSpeakers, np.AllowedSpeakers) {
		d.VoicePrintChanged = true
	}

	return d
}
