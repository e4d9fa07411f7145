// Package malgo implements [audio.Stream] on top of miniaudio through
// github.com/gen2brain/malgo.
//
// A [Device] opens one capture and one playback device on the system default
// audio endpoints. Capture and playback run at independent sample rates, so
// 16 kHz microphone input and 24 kHz synthesised speech need no resampling.
//
// ReadFrame skips stale input: when more than two frames are buffered only
// the most recent frame is kept, so consumers always work on live audio.
package malgo

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	ma "github.com/gen2brain/malgo"

	"github.com/linkinwong/xiaozhi/pkg/audio"
)

var _ audio.Stream = (*Device)(nil)

const (
	defaultPeriodMs = 20

	// maxBufferedOutputMs bounds queued playback audio; WriteFrame blocks
	// beyond it so the caller is paced by the device clock.
	maxBufferedOutputMs = 400

	// maxBufferedInputMs bounds captured audio nobody has read yet.
	maxBufferedInputMs = 2000
)

// Config selects the device formats.
type Config struct {
	InputSampleRate  int
	OutputSampleRate int
	Channels         int

	// PeriodMs is the device callback period. Defaults to 20ms.
	PeriodMs int
}

// Device is a duplex [audio.Stream] backed by two miniaudio devices.
type Device struct {
	cfg Config

	// ctlMu serialises device lifecycle calls. It is never taken by the
	// device callbacks, so Start and Stop may block on them safely.
	ctlMu    sync.Mutex
	mctx     *ma.AllocatedContext
	capture  *ma.Device
	playback *ma.Device

	// mu guards the sample buffers shared with the callbacks.
	mu  sync.Mutex
	in  []byte
	out []byte

	active atomic.Bool
	closed atomic.Bool

	inReady  chan struct{} // buffered(1); signalled by the capture callback
	outSpace chan struct{} // buffered(1); signalled by the playback callback
}

// Open initialises the audio context and starts both devices.
func Open(cfg Config) (*Device, error) {
	if cfg.PeriodMs <= 0 {
		cfg.PeriodMs = defaultPeriodMs
	}
	if cfg.Channels <= 0 {
		cfg.Channels = 1
	}
	d := &Device{
		cfg:      cfg,
		inReady:  make(chan struct{}, 1),
		outSpace: make(chan struct{}, 1),
	}

	mctx, err := ma.InitContext(nil, ma.ContextConfig{}, nil)
	if err != nil {
		return nil, fmt.Errorf("malgo: init context: %w", err)
	}
	d.mctx = mctx

	if err := d.openDevices(); err != nil {
		_ = mctx.Uninit()
		mctx.Free()
		return nil, err
	}
	d.active.Store(true)
	return d, nil
}

func (d *Device) bytesPer(ms, rate int) int {
	return rate * ms / 1000 * 2 * d.cfg.Channels
}

// openDevices must be called with d.ctlMu held or before d is shared.
func (d *Device) openDevices() error {
	capCfg := ma.DefaultDeviceConfig(ma.Capture)
	capCfg.PeriodSizeInMilliseconds = uint32(d.cfg.PeriodMs)
	capCfg.Capture.Format = ma.FormatS16
	capCfg.Capture.Channels = uint32(d.cfg.Channels)
	capCfg.SampleRate = uint32(d.cfg.InputSampleRate)
	capCfg.Alsa.NoMMap = 1

	capture, err := ma.InitDevice(d.mctx.Context, capCfg, ma.DeviceCallbacks{Data: d.onCapture})
	if err != nil {
		return fmt.Errorf("malgo: init capture device: %w", err)
	}

	playCfg := ma.DefaultDeviceConfig(ma.Playback)
	playCfg.PeriodSizeInMilliseconds = uint32(d.cfg.PeriodMs)
	playCfg.Playback.Format = ma.FormatS16
	playCfg.Playback.Channels = uint32(d.cfg.Channels)
	playCfg.SampleRate = uint32(d.cfg.OutputSampleRate)
	playCfg.Alsa.NoMMap = 1

	playback, err := ma.InitDevice(d.mctx.Context, playCfg, ma.DeviceCallbacks{Data: d.onPlayback})
	if err != nil {
		capture.Uninit()
		return fmt.Errorf("malgo: init playback device: %w", err)
	}

	if err := capture.Start(); err != nil {
		capture.Uninit()
		playback.Uninit()
		return fmt.Errorf("malgo: start capture device: %w", err)
	}
	if err := playback.Start(); err != nil {
		_ = capture.Stop()
		capture.Uninit()
		playback.Uninit()
		return fmt.Errorf("malgo: start playback device: %w", err)
	}
	d.capture = capture
	d.playback = playback
	return nil
}

func (d *Device) closeDevices() {
	if d.capture != nil {
		_ = d.capture.Stop()
		d.capture.Uninit()
		d.capture = nil
	}
	if d.playback != nil {
		_ = d.playback.Stop()
		d.playback.Uninit()
		d.playback = nil
	}
}

func (d *Device) onCapture(_, input []byte, _ uint32) {
	d.mu.Lock()
	d.in = append(d.in, input...)
	if limit := d.bytesPer(maxBufferedInputMs, d.cfg.InputSampleRate); len(d.in) > limit {
		d.in = d.in[len(d.in)-limit:]
	}
	d.mu.Unlock()
	select {
	case d.inReady <- struct{}{}:
	default:
	}
}

func (d *Device) onPlayback(output, _ []byte, _ uint32) {
	d.mu.Lock()
	n := copy(output, d.out)
	d.out = d.out[n:]
	d.mu.Unlock()
	clear(output[n:])
	select {
	case d.outSpace <- struct{}{}:
	default:
	}
}

// ReadFrame implements [audio.Stream].
func (d *Device) ReadFrame(ctx context.Context, frameSize int) ([]byte, error) {
	need := frameSize * 2 * d.cfg.Channels
	for {
		if d.closed.Load() {
			return nil, audio.ErrStreamClosed
		}
		d.mu.Lock()
		if len(d.in) > 2*need {
			skipped := len(d.in) - need
			d.in = d.in[skipped:]
			slog.Debug("malgo: skipped stale input", "bytes", skipped)
		}
		if len(d.in) >= need {
			frame := make([]byte, need)
			copy(frame, d.in)
			d.in = d.in[need:]
			d.mu.Unlock()
			return frame, nil
		}
		d.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-d.inReady:
		}
	}
}

// WriteFrame implements [audio.Stream].
func (d *Device) WriteFrame(ctx context.Context, pcm []byte) error {
	limit := d.bytesPer(maxBufferedOutputMs, d.cfg.OutputSampleRate)
	for {
		if d.closed.Load() {
			return audio.ErrStreamClosed
		}
		d.mu.Lock()
		if len(d.out) < limit {
			d.out = append(d.out, pcm...)
			d.mu.Unlock()
			return nil
		}
		d.mu.Unlock()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-d.outSpace:
		}
	}
}

// Pause implements [audio.Stream].
func (d *Device) Pause() error {
	d.ctlMu.Lock()
	defer d.ctlMu.Unlock()
	if d.closed.Load() {
		return audio.ErrStreamClosed
	}
	if !d.active.Load() {
		return nil
	}
	if err := d.capture.Stop(); err != nil {
		return fmt.Errorf("malgo: stop capture: %w", err)
	}
	d.active.Store(false)
	d.mu.Lock()
	d.in = nil
	d.mu.Unlock()
	return nil
}

// Resume implements [audio.Stream].
func (d *Device) Resume() error {
	d.ctlMu.Lock()
	defer d.ctlMu.Unlock()
	if d.closed.Load() {
		return audio.ErrStreamClosed
	}
	if d.active.Load() {
		return nil
	}
	if err := d.capture.Start(); err != nil {
		return fmt.Errorf("malgo: start capture: %w", err)
	}
	d.active.Store(true)
	return nil
}

// IsActive implements [audio.Stream].
func (d *Device) IsActive() bool {
	return d.active.Load() && !d.closed.Load()
}

// Reinitialize implements [audio.Stream]. Buffered input and output are
// discarded.
func (d *Device) Reinitialize() error {
	d.ctlMu.Lock()
	defer d.ctlMu.Unlock()
	if d.closed.Load() {
		return audio.ErrStreamClosed
	}
	d.closeDevices()
	d.mu.Lock()
	d.in = nil
	d.out = nil
	d.mu.Unlock()
	if err := d.openDevices(); err != nil {
		d.active.Store(false)
		return err
	}
	d.active.Store(true)
	slog.Info("malgo: audio devices reinitialised")
	return nil
}

// ClearOutput drops queued playback audio.
func (d *Device) ClearOutput() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.out = nil
}

// Close implements [audio.Stream].
func (d *Device) Close() error {
	d.ctlMu.Lock()
	defer d.ctlMu.Unlock()
	if !d.closed.CompareAndSwap(false, true) {
		return nil
	}
	d.closeDevices()
	err := d.mctx.Uninit()
	d.mctx.Free()
	if err != nil {
		return fmt.Errorf("malgo: uninit context: %w", err)
	}
	return nil
}
