//go:build silero

package main

import (
	"github.com/linkinwong/xiaozhi/internal/config"
	"github.com/linkinwong/xiaozhi/pkg/provider/vad"
	"github.com/linkinwong/xiaozhi/pkg/provider/vad/silero"
)

func init() {
	extraProviders = append(extraProviders, func(reg *config.Registry) {
		reg.RegisterVAD("silero", func(entry config.ProviderEntry) (vad.Engine, error) {
			var opts []silero.Option
			if ms := config.Option(entry, "min_silence_ms", 0); ms > 0 {
				opts = append(opts, silero.WithMinSilenceMs(ms))
			}
			if ms := config.Option(entry, "speech_pad_ms", 0); ms > 0 {
				opts = append(opts, silero.WithSpeechPadMs(ms))
			}
			return silero.New(entry.Model, opts...)
		})
	})
}
