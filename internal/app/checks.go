package app

import (
	"context"
	"errors"

	"github.com/linkinwong/xiaozhi/internal/health"
	"github.com/linkinwong/xiaozhi/internal/resilience"
)

var (
	errAudioFailed   = errors.New("audio input failed")
	errAudioInactive = errors.New("audio input stream inactive")
)

// Checkers returns the readiness checks for the operations endpoint.
func (a *App) Checkers() []health.Checker {
	return []health.Checker{
		{
			Name: "audio",
			Check: func(context.Context) error {
				if a.fanout.Failed() {
					return errAudioFailed
				}
				if !a.providers.Stream.IsActive() {
					return errAudioInactive
				}
				return nil
			},
		},
		{
			Name: "transport",
			Check: func(context.Context) error {
				if a.breaker.State() == resilience.StateOpen {
					return resilience.ErrCircuitOpen
				}
				return nil
			},
		},
	}
}
