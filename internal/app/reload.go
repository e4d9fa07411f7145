package app

import (
	"log/slog"

	"github.com/linkinwong/xiaozhi/internal/config"
	"github.com/linkinwong/xiaozhi/internal/phonetic"
)

// ApplyConfig applies the hot-reloadable differences between old and cur.
// It is the config watcher's change callback; settings that need a restart
// are left alone.
func (a *App) ApplyConfig(old, cur *config.Config) {
	d := config.Diff(old, cur)
	if !d.Any() {
		return
	}

	if d.LogLevelChanged && a.logLevel != nil {
		a.logLevel.Set(SlogLevel(d.NewLogLevel))
		slog.Info("log level changed", "level", d.NewLogLevel)
	}

	if d.VADChanged && a.vadProc != nil {
		v := cur.VAD
		a.vadProc.SetEnergyThreshold(v.EnergyThreshold)
		a.vadProc.SetSpeakingBoost(v.SpeakingBoost)
		a.vadProc.SetSpeechWindow(v.SpeechWindow)
		slog.Info("vad tuning reloaded",
			"energy_threshold", v.EnergyThreshold,
			"speaking_boost", v.SpeakingBoost,
			"speech_window", v.SpeechWindow,
		)
	}

	if d.WakeWordsChanged && a.wakeProc != nil {
		ww := cur.WakeWord
		a.wakeProc.SetMatcher(phonetic.New(ww.Words, phonetic.WithFuzzyThreshold(ww.FuzzyThreshold)))
		slog.Info("wake words reloaded", "words", ww.Words)
	}

	if d.VoicePrintChanged && a.verifier != nil {
		vp := cur.VoicePrint
		a.verifier.SetEnabled(vp.Enabled)
		a.verifier.SetThreshold(vp.Threshold)
		a.verifier.SetMinLength(vp.MinAudioLength)
		a.verifier.SetAllowed(vp.AllowedSpeakers)
		slog.Info("voiceprint settings reloaded", "enabled", vp.Enabled, "threshold", vp.Threshold)
	}
}

// SlogLevel maps a config log level to its slog level. Unknown values map
// to Info.
func SlogLevel(l config.LogLevel) slog.Level {
	switch l {
	case config.LogDebug:
		return slog.LevelDebug
	case config.LogWarn:
		return slog.LevelWarn
	case config.LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
