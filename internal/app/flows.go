package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/linkinwong/xiaozhi/internal/command"
	"github.com/linkinwong/xiaozhi/internal/device"
	"github.com/linkinwong/xiaozhi/internal/observe"
	"github.com/linkinwong/xiaozhi/pkg/transport"
)

// errChannelNotOpened is returned when the transport reports a failed open
// without an error of its own.
var errChannelNotOpened = errors.New("app: audio channel did not open")

// ─── Public triggers ─────────────────────────────────────────────────────────

// ToggleChatState starts a conversation from Idle, ends it from Listening
// and interrupts playback from Speaking.
func (a *App) ToggleChatState() {
	a.pauseWake()
	a.sched.Schedule(command.Of(command.ToggleChat))
}

// StartListening begins a push-to-talk turn.
func (a *App) StartListening() {
	a.sched.Schedule(command.Of(command.StartListening))
}

// StopListening ends a push-to-talk turn.
func (a *App) StopListening() {
	a.sched.Schedule(command.Of(command.StopListening))
}

// Abort interrupts playback.
func (a *App) Abort(reason transport.AbortReason) {
	a.aborter.Abort(reason)
}

// OnModeChanged switches between auto (continuous) and manual conversation.
// It is only allowed while idle; otherwise it alerts and returns false.
func (a *App) OnModeChanged(auto bool) bool {
	if !a.machine.Is(device.Idle) {
		a.Alert("notice", "the conversation mode can only be changed while idle")
		return false
	}
	a.flags.SetKeepListening(auto)
	slog.Info("conversation mode changed", "auto", auto)
	return true
}

// Alert logs a warning and shows it on the display.
func (a *App) Alert(title, msg string) {
	slog.Warn("alert", "title", title, "message", msg)
	a.display.SetText(title + ": " + msg)
}

// ─── Scheduled handlers ──────────────────────────────────────────────────────

// handle runs one command on the scheduler goroutine.
func (a *App) handle(ctx context.Context, cmd command.Command) error {
	switch cmd.Kind {
	case command.SetState:
		a.machine.SetState(cmd.State)
	case command.ToggleChat:
		a.toggleChat()
	case command.StartListening:
		a.startListening()
	case command.StopListening:
		a.stopListening(ctx)
	case command.Abort:
		a.aborter.Abort(cmd.Reason)
	case command.WakeWord:
		a.wakeWordDetected(cmd.Text)
	case command.ChannelOpened:
		a.channelOpened()
	case command.ChannelClosed:
		a.channelClosed()
	case command.NetworkError:
		a.networkError(cmd.Text)
	case command.TTSStopped:
		a.ttsStopped()
	case command.Alert:
		a.Alert(cmd.Title, cmd.Text)
	default:
		return fmt.Errorf("app: unhandled command %s", cmd)
	}
	return nil
}

func (a *App) toggleChat() {
	switch a.machine.State() {
	case device.Idle:
		a.sched.Schedule(command.To(device.Connecting))
		a.goAsync(func(ctx context.Context) {
			if err := a.openChannel(ctx, a.timings.ToggleOpen); err != nil {
				a.connectFailed(err, false)
				return
			}
			a.flags.SetKeepListening(true)
			a.beginListening(ctx, transport.ModeAuto)
		})
	case device.Speaking:
		a.aborter.Abort(transport.ReasonNone)
	case device.Listening:
		a.goAsync(a.closeChannel)
		a.sched.Schedule(command.To(device.Idle))
	}
}

func (a *App) startListening() {
	a.flags.SetKeepListening(false)
	a.pauseWake()

	switch a.machine.State() {
	case device.Idle:
		a.sched.Schedule(command.To(device.Connecting))
		a.goAsync(func(ctx context.Context) {
			if err := a.openChannel(ctx, a.timings.ListenOpen); err != nil {
				a.connectFailed(err, true)
				return
			}
			if err := a.providers.Stream.Reinitialize(); err != nil {
				slog.Warn("failed to reinitialise input stream", "err", err)
			}
			a.beginListening(ctx, transport.ModeManual)
		})
	case device.Speaking:
		if !a.aborter.InProgress() {
			a.aborter.Abort(transport.ReasonWakeWordDetected)
		}
	}
}

func (a *App) stopListening(ctx context.Context) {
	if !a.machine.Is(device.Listening) {
		return
	}
	err := a.send(ctx, "listen_stop", func(ctx context.Context) error {
		return transport.SendStopListening(ctx, a.providers.Channel)
	})
	if err != nil {
		slog.Warn("failed to stop listening", "err", err)
	}
	a.machine.SetState(device.Idle)
}

// onWakeWord runs on the wake word loop goroutine. During playback the
// interrupt is issued directly so it is not queued behind other commands.
func (a *App) onWakeWord(word, text string) {
	slog.Info("wake word detected", "word", word, "text", text)
	if a.machine.Is(device.Speaking) {
		a.aborter.Abort(transport.ReasonWakeWordDetected)
		return
	}
	a.sched.Schedule(command.Wake(word))
}

func (a *App) wakeWordDetected(word string) {
	switch a.machine.State() {
	case device.Speaking:
		a.aborter.Abort(transport.ReasonWakeWordDetected)
	case device.Idle:
		a.pauseWake()
		a.sched.Schedule(command.To(device.Connecting))
		a.goAsync(func(ctx context.Context) {
			if err := a.openChannel(ctx, a.timings.ListenOpen); err != nil {
				a.connectFailed(err, true)
				return
			}
			err := a.send(ctx, "listen_detect", func(ctx context.Context) error {
				return transport.SendWakeWordDetected(ctx, a.providers.Channel, word)
			})
			if err != nil {
				slog.Warn("failed to report wake word", "word", word, "err", err)
			}
			a.flags.SetKeepListening(true)
			a.beginListening(ctx, transport.ModeAuto)
		})
	}
}

// ttsStopped lets queued speech finish before returning to listening or
// idle. A state change made meanwhile (an abort, a network error) wins.
func (a *App) ttsStopped() {
	if l := a.vadLoop; l != nil && !a.detectorsOff.Load() && l.IsRunning() && !l.IsPaused() {
		l.Pause()
	}
	a.goAsync(func(ctx context.Context) {
		if !a.waitPlaybackDrained(ctx) {
			return
		}
		a.flags.SetTTSPlaying(false)
		if !a.machine.Is(device.Speaking) {
			return
		}
		if a.flags.KeepListening() {
			a.beginListening(ctx, transport.ModeAuto)
			return
		}
		a.sched.Schedule(command.To(device.Idle))
	})
}

func (a *App) waitPlaybackDrained(ctx context.Context) bool {
	for range a.timings.DrainAttempts {
		if a.inbound.Len() == 0 {
			break
		}
		if !sleep(ctx, a.timings.DrainPoll) {
			return false
		}
	}
	return sleep(ctx, a.timings.DrainGrace)
}

// ─── Channel events ──────────────────────────────────────────────────────────

func (a *App) onChannelOpened() { a.sched.Schedule(command.Of(command.ChannelOpened)) }

func (a *App) onChannelClosed() { a.sched.Schedule(command.Of(command.ChannelClosed)) }

func (a *App) onNetworkError(msg string) { a.sched.Schedule(command.Network(msg)) }

func (a *App) channelOpened() {
	if !a.providers.Stream.IsActive() {
		if err := a.providers.Stream.Resume(); err != nil {
			slog.Warn("failed to resume input stream", "err", err)
		}
	}
	a.goAsync(func(ctx context.Context) {
		if err := a.things.SendDescriptors(ctx); err != nil {
			slog.Warn("failed to send iot descriptors", "err", err)
		}
		a.things.PushStates(ctx, true)
		if err := a.bridge.Start(ctx); err != nil {
			slog.Warn("failed to start mcp bridge", "err", err)
		}
	})
}

func (a *App) channelClosed() {
	a.machine.SetState(device.Idle)
	a.flags.SetKeepListening(false)
	if l := a.wake(); l != nil {
		switch {
		case !l.IsRunning():
			if err := l.Start(a.ctx); err != nil {
				slog.Warn("failed to restart wake word detector", "err", err)
			}
		case l.IsPaused():
			l.Resume()
		}
	}
	if err := a.bridge.Close(); err != nil {
		slog.Warn("mcp bridge close error", "err", err)
	}
}

func (a *App) networkError(msg string) {
	prev := a.machine.State()
	a.flags.SetKeepListening(false)
	a.machine.SetState(device.Idle)
	a.resumeWake()
	if prev != device.Connecting && a.providers.Channel.IsAudioChannelOpened() {
		a.goAsync(a.closeChannel)
	}
	a.Alert("network error", msg)
}

// ─── Transport helpers ───────────────────────────────────────────────────────

// openChannel opens the audio channel through the transport circuit breaker.
func (a *App) openChannel(ctx context.Context, timeout time.Duration) error {
	ctx, span := observe.StartSpan(ctx, "open_audio_channel")
	defer span.End()
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	err := a.breaker.Execute(func() error {
		ok, err := a.providers.Channel.OpenAudioChannel(ctx)
		if err != nil {
			return err
		}
		if !ok {
			return errChannelNotOpened
		}
		return nil
	})
	if err != nil {
		span.RecordError(err)
		a.metrics.RecordTransportError(ctx, "open")
		return err
	}
	a.metrics.RecordChannelOpen(ctx, time.Since(start))
	observe.Logger(ctx).Info("audio channel opened", "session_id", a.providers.Channel.SessionID(), "elapsed", time.Since(start))
	return nil
}

func (a *App) connectFailed(err error, resumeWake bool) {
	slog.Error("failed to open audio channel", "err", err)
	a.Alert("error", "unable to connect to the server")
	a.sched.Schedule(command.To(device.Idle))
	if resumeWake {
		a.resumeWake()
	}
}

func (a *App) closeChannel(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, a.timings.Close)
	defer cancel()
	if err := a.providers.Channel.CloseAudioChannel(ctx); err != nil {
		slog.Warn("failed to close audio channel", "err", err)
	}
}

// beginListening asks the server to start a turn and enters Listening.
func (a *App) beginListening(ctx context.Context, mode transport.ListenMode) {
	err := a.send(ctx, "listen_start", func(ctx context.Context) error {
		return transport.SendStartListening(ctx, a.providers.Channel, mode)
	})
	if err != nil {
		slog.Error("failed to start listening", "mode", mode, "err", err)
		a.Alert("error", "unable to start listening")
		a.sched.Schedule(command.To(device.Idle))
		return
	}
	a.sched.Schedule(command.To(device.Listening))
}

func (a *App) send(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	ctx, cancel := context.WithTimeout(ctx, a.timings.Send)
	defer cancel()
	if err := fn(ctx); err != nil {
		a.metrics.RecordTransportError(ctx, op)
		return fmt.Errorf("app: %s: %w", op, err)
	}
	return nil
}

// sleep waits for d and reports false when ctx ended first.
func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
