package app

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/linkinwong/xiaozhi/internal/device"
	"github.com/linkinwong/xiaozhi/pkg/audio"
	"github.com/linkinwong/xiaozhi/pkg/transport"
)

// uplink encodes captured audio and sends it while the device is listening.
// Frames captured in any other state are discarded, and a partly filled
// packet is dropped when listening ends.
func (a *App) uplink(ctx context.Context) error {
	packetBytes := audio.SamplesPerFrame(a.cfg.Audio.InputSampleRate, a.cfg.Audio.FrameDurationMs) * 2
	buf := make([]byte, 0, packetBytes)

	for {
		frame, err := a.uplinkQ.Pop(ctx)
		if err != nil {
			return nil
		}
		if !a.machine.Is(device.Listening) || !a.providers.Channel.IsAudioChannelOpened() {
			buf = buf[:0]
			continue
		}

		buf = append(buf, frame...)
		for len(buf) >= packetBytes {
			a.sendPacket(ctx, buf[:packetBytes])
			buf = append(buf[:0], buf[packetBytes:]...)
		}
	}
}

func (a *App) sendPacket(ctx context.Context, pcm []byte) {
	packet, err := a.providers.Codec.Encode(pcm)
	if err != nil {
		slog.Warn("failed to encode audio", "err", err)
		return
	}
	ctx, cancel := context.WithTimeout(ctx, a.timings.Send)
	defer cancel()
	if err := a.providers.Channel.SendAudio(ctx, packet); err != nil {
		if errors.Is(err, transport.ErrNotConnected) {
			slog.Debug("dropping audio packet: channel closed")
			return
		}
		a.metrics.RecordTransportError(ctx, "audio")
		slog.Warn("failed to send audio", "err", err)
	}
}

// playback decodes queued server audio and writes it to the output while
// the device is speaking.
func (a *App) playback(ctx context.Context) error {
	expected := audio.SamplesPerFrame(a.cfg.Audio.OutputSampleRate, a.cfg.Audio.FrameDurationMs)
	t := time.NewTicker(a.timings.OutputPoll)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
		}
		for a.machine.Is(device.Speaking) {
			packet, ok := a.inbound.TryPop()
			if !ok {
				break
			}
			a.play(ctx, packet, expected)
		}
	}
}

func (a *App) play(ctx context.Context, packet []byte, expected int) {
	pcm, err := a.providers.Codec.Decode(packet, expected)
	if err != nil {
		slog.Warn("skipping undecodable audio packet", "bytes", len(packet), "err", err)
		return
	}
	a.flags.SetTTSPlaying(true)
	if err := a.providers.Stream.WriteFrame(ctx, a.volume.Apply(pcm)); err != nil && ctx.Err() == nil {
		slog.Warn("failed to write audio", "err", err)
	}
}
