package app

import (
	"fmt"
	"log/slog"

	"github.com/linkinwong/xiaozhi/internal/command"
	"github.com/linkinwong/xiaozhi/internal/detector"
	"github.com/linkinwong/xiaozhi/internal/device"
	"github.com/linkinwong/xiaozhi/internal/verify"
)

// onDetectorError runs on the goroutine of a loop that stopped itself after
// repeated failures. The loop is restarted up to maxDetectorRestarts times.
func (a *App) onDetectorError(name string, err error) {
	if a.detectorsOff.Load() || a.ctx.Err() != nil {
		return
	}
	loop := a.detector(name)
	if loop == nil {
		return
	}

	a.restartMu.Lock()
	a.restarts[name]++
	n := a.restarts[name]
	a.restartMu.Unlock()

	if n > maxDetectorRestarts {
		slog.Error("detector stopped permanently", "detector", name, "restarts", n-1, "err", err)
		a.Alert("detector stopped", fmt.Sprintf("%s: %v", name, err))
		return
	}

	slog.Warn("restarting detector", "detector", name, "attempt", n, "err", err)
	a.metrics.RecordDetectorRestart(a.ctx)
	if err := loop.Start(a.ctx); err != nil {
		slog.Error("failed to restart detector", "detector", name, "err", err)
		return
	}
	// The VAD loop only runs paused outside Speaking.
	if name == queueVAD && !a.machine.Is(device.Speaking) {
		loop.Pause()
	}
}

func (a *App) detector(name string) *detector.Loop {
	switch name {
	case queueWakeWord:
		return a.wakeLoop
	case queueVAD:
		return a.vadLoop
	}
	return nil
}

// DetectorState returns the lifecycle state of the named detector. A
// detector that is not configured reports Stopped.
func (a *App) DetectorState(name string) detector.RunState {
	if l := a.detector(name); l != nil {
		return l.RunState()
	}
	return detector.Stopped
}

// Restarts returns how often the named detector has been restarted.
func (a *App) Restarts(name string) int {
	a.restartMu.Lock()
	defer a.restartMu.Unlock()
	return min(a.restarts[name], maxDetectorRestarts)
}

// onAudioFatal runs on the capture goroutine once the input device is given
// up on. The detectors are switched off for the rest of the process.
func (a *App) onAudioFatal(err error) {
	slog.Error("audio input failed", "err", err)
	a.detectorsOff.Store(true)
	a.machine.Bind(nil, nil)
	a.aborter.BindWakeWord(nil)
	for _, l := range []*detector.Loop{a.wakeLoop, a.vadLoop} {
		if l != nil {
			l.Stop()
		}
	}
	a.Alert("audio device error", err.Error())
	a.sched.Schedule(command.To(device.Idle))
}

// onVerified forwards a verification result to the VAD processor. A failed
// recognition counts as a speaker that may not interrupt.
func (a *App) onVerified(r verify.Result) {
	if a.vadProc == nil {
		return
	}
	if r.Err != nil {
		slog.Error("speaker verification failed", "err", r.Err)
		a.vadProc.OnVerified("", false)
		return
	}
	a.vadProc.OnVerified(r.Match.Name, r.Allowed)
}
