package app_test

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/linkinwong/xiaozhi/internal/app"
	"github.com/linkinwong/xiaozhi/internal/config"
	"github.com/linkinwong/xiaozhi/internal/detector"
	"github.com/linkinwong/xiaozhi/internal/device"
	"github.com/linkinwong/xiaozhi/pkg/audio"
	audiomock "github.com/linkinwong/xiaozhi/pkg/audio/mock"
	codecmock "github.com/linkinwong/xiaozhi/pkg/codec/mock"
	speakermock "github.com/linkinwong/xiaozhi/pkg/provider/speaker/mock"
	vadmock "github.com/linkinwong/xiaozhi/pkg/provider/vad/mock"
	wakemock "github.com/linkinwong/xiaozhi/pkg/provider/wakeword/mock"
	"github.com/linkinwong/xiaozhi/pkg/transport"
	transportmock "github.com/linkinwong/xiaozhi/pkg/transport/mock"
	"github.com/linkinwong/xiaozhi/pkg/types"
)

// ── Helpers ──────────────────────────────────────────────────────────────────

// recordingDisplay records everything the app shows.
type recordingDisplay struct {
	mu       sync.Mutex
	statuses []string
	emotions []string
	texts    []string
	chats    []string
}

func (d *recordingDisplay) SetStatus(text string) {
	d.mu.Lock()
	d.statuses = append(d.statuses, text)
	d.mu.Unlock()
}

func (d *recordingDisplay) SetEmotion(emotion string) {
	d.mu.Lock()
	d.emotions = append(d.emotions, emotion)
	d.mu.Unlock()
}

func (d *recordingDisplay) SetText(text string) {
	d.mu.Lock()
	d.texts = append(d.texts, text)
	d.mu.Unlock()
}

func (d *recordingDisplay) SetChatMessage(role, text string) {
	d.mu.Lock()
	d.chats = append(d.chats, role+": "+text)
	d.mu.Unlock()
}

func (d *recordingDisplay) hasStatus(s string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return slices.Contains(d.statuses, s)
}

func (d *recordingDisplay) textContaining(sub string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return slices.ContainsFunc(d.texts, func(t string) bool { return strings.Contains(t, sub) })
}

func (d *recordingDisplay) snapshot() (emotions, chats []string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return slices.Clone(d.emotions), slices.Clone(d.chats)
}

type harness struct {
	app     *app.App
	stream  *audiomock.Stream
	channel *transportmock.Channel
	codec   *codecmock.Codec
	wake    *wakemock.Engine
	display *recordingDisplay
}

type setup struct {
	cfg       *config.Config
	providers *app.Providers
	opts      []app.Option
}

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.WakeWord.Words = []string{"小美"}
	cfg.WakeWord.Debounce = 0
	cfg.VAD.Enabled = false
	return cfg
}

func fastTimings() app.Timings {
	t := app.DefaultTimings()
	t.ToggleOpen = time.Second
	t.ListenOpen = time.Second
	t.Close = 200 * time.Millisecond
	t.Send = 200 * time.Millisecond
	t.DrainPoll = 5 * time.Millisecond
	t.DrainGrace = 10 * time.Millisecond
	t.OutputPoll = 2 * time.Millisecond
	return t
}

// newApp builds an App on mocks without running it.
func newApp(t *testing.T, customize ...func(*setup)) *harness {
	t.Helper()

	h := &harness{
		stream:  audiomock.NewStream(256),
		channel: transportmock.New(),
		codec:   &codecmock.Codec{},
		wake:    &wakemock.Engine{},
		display: &recordingDisplay{},
	}
	h.channel.SessionIDValue = "session-1"
	h.channel.InvokeOpenedCallback = true

	s := &setup{
		cfg: testConfig(),
		providers: &app.Providers{
			Stream:   h.stream,
			Channel:  h.channel,
			Codec:    h.codec,
			WakeWord: h.wake,
		},
		opts: []app.Option{app.WithDisplay(h.display), app.WithTimings(fastTimings())},
	}
	for _, fn := range customize {
		fn(s)
	}

	a, err := app.New(s.cfg, s.providers, s.opts...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	h.app = a
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		if err := a.Shutdown(ctx); err != nil {
			t.Errorf("Shutdown: %v", err)
		}
	})
	return h
}

// startApp builds and runs an App, returning once it is running.
func startApp(t *testing.T, customize ...func(*setup)) *harness {
	t.Helper()
	h := newApp(t, customize...)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.app.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(3 * time.Second):
			t.Error("Run did not return after cancel")
		}
	})

	eventually(t, "app running", func() bool { return h.display.hasStatus(device.StatusStandby) })
	return h
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func waitState(t *testing.T, h *harness, want device.State) {
	t.Helper()
	eventually(t, "state "+want.String(), func() bool { return h.app.State() == want })
}

// frame returns one 20ms capture frame at 16kHz filled with v.
func frame(v int16) []byte {
	samples := make([]int16, audio.SamplesPerFrame(16000, 20))
	for i := range samples {
		samples[i] = v
	}
	return audio.Int16ToBytes(samples)
}

func sentText(h *harness, subs ...string) bool {
	for _, msg := range h.channel.Texts() {
		s := string(msg)
		ok := true
		for _, sub := range subs {
			if !strings.Contains(s, sub) {
				ok = false
				break
			}
		}
		if ok {
			return true
		}
	}
	return false
}

// feed pushes frames filled with v every millisecond until the returned
// function is called.
func feed(h *harness, v int16) (stop func()) {
	done := make(chan struct{})
	exited := make(chan struct{})
	go func() {
		defer close(exited)
		for {
			select {
			case <-done:
				return
			case <-time.After(time.Millisecond):
				h.stream.Feed(frame(v))
			}
		}
	}()
	return func() {
		close(done)
		<-exited
	}
}

// withVAD enables barge-in detection on a mock classifier that marks every
// frame as speech.
func withVAD() func(*setup) {
	return func(s *setup) {
		s.cfg.VAD.Enabled = true
		s.providers.VAD = &vadmock.Engine{Session: &vadmock.Session{
			EventResult: types.VADEvent{Type: types.VADSpeechContinue, Probability: 0.9},
		}}
	}
}

// toSpeaking drives a running app from Idle to Speaking.
func toSpeaking(t *testing.T, h *harness) {
	t.Helper()
	toListening(t, h)
	h.channel.EmitJSON(`{"type":"tts","state":"start"}`)
	waitState(t, h, device.Speaking)
}

// toListening drives a running app from Idle to Listening in auto mode.
func toListening(t *testing.T, h *harness) {
	t.Helper()
	h.app.ToggleChatState()
	waitState(t, h, device.Listening)
}

// ── Construction ─────────────────────────────────────────────────────────────

func TestNew_Validation(t *testing.T) {
	t.Parallel()

	full := func() *app.Providers {
		return &app.Providers{
			Stream:  audiomock.NewStream(1),
			Channel: transportmock.New(),
			Codec:   &codecmock.Codec{},
		}
	}

	tests := []struct {
		name      string
		cfg       *config.Config
		providers *app.Providers
	}{
		{name: "nil config", cfg: nil, providers: full()},
		{name: "nil providers", cfg: testConfig(), providers: nil},
		{name: "missing stream", cfg: testConfig(), providers: func() *app.Providers { p := full(); p.Stream = nil; return p }()},
		{name: "missing channel", cfg: testConfig(), providers: func() *app.Providers { p := full(); p.Channel = nil; return p }()},
		{name: "missing codec", cfg: testConfig(), providers: func() *app.Providers { p := full(); p.Codec = nil; return p }()},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if _, err := app.New(tt.cfg, tt.providers); err == nil {
				t.Fatal("expected an error")
			}
		})
	}
}

func TestNew_OptionalProvidersDisabled(t *testing.T) {
	t.Parallel()

	h := startApp(t, func(s *setup) { s.providers.WakeWord = nil })
	if got := h.app.State(); got != device.Idle {
		t.Fatalf("State() = %v, want idle", got)
	}
	if _, err := h.app.VoicePrint(context.Background(), app.VoicePrintCommand{Action: app.ActionGetAllowed}); !errors.Is(err, app.ErrVoicePrintUnavailable) {
		t.Fatalf("VoicePrint error = %v, want ErrVoicePrintUnavailable", err)
	}
}

// ── Conversation flows ───────────────────────────────────────────────────────

func TestToggleChatState_FromIdleListensInAutoMode(t *testing.T) {
	t.Parallel()

	h := startApp(t)
	toListening(t, h)

	if got := h.channel.ListenStarts(); !slices.Equal(got, []transport.ListenMode{transport.ModeAuto}) {
		t.Fatalf("ListenStarts = %v, want [auto]", got)
	}
	if !h.display.hasStatus(device.StatusConnecting) || !h.display.hasStatus(device.StatusListening) {
		t.Fatal("display did not show connecting and listening")
	}
	eventually(t, "iot descriptors", func() bool { return sentText(h, `"type":"iot"`, `"descriptors"`) })
}

func TestToggleChatState_OpenFailureReturnsToIdle(t *testing.T) {
	t.Parallel()

	h := startApp(t, func(s *setup) {
		s.providers.Channel.(*transportmock.Channel).OpenErr = errors.New("connection refused")
	})

	h.app.ToggleChatState()
	eventually(t, "connect alert", func() bool { return h.display.textContaining("error") })
	waitState(t, h, device.Idle)

	if got := h.channel.ListenStarts(); len(got) != 0 {
		t.Fatalf("ListenStarts = %v, want none", got)
	}
}

func TestToggleChatState_FromListeningClosesChannel(t *testing.T) {
	t.Parallel()

	h := startApp(t)
	toListening(t, h)

	h.app.ToggleChatState()
	waitState(t, h, device.Idle)
	eventually(t, "channel closed", func() bool { return !h.channel.IsAudioChannelOpened() })
}

func TestStartStopListening_Manual(t *testing.T) {
	t.Parallel()

	h := startApp(t)
	h.app.StartListening()
	waitState(t, h, device.Listening)

	if got := h.channel.ListenStarts(); !slices.Equal(got, []transport.ListenMode{transport.ModeManual}) {
		t.Fatalf("ListenStarts = %v, want [manual]", got)
	}
	if _, _, reinit := h.stream.Counts(); reinit != 1 {
		t.Fatalf("Reinitialize calls = %d, want 1", reinit)
	}

	h.app.StopListening()
	waitState(t, h, device.Idle)
	if !sentText(h, `"type":"listen"`, `"state":"stop"`) {
		t.Fatal("listen stop was not sent")
	}
}

func TestWakeWord_FromIdleStartsConversation(t *testing.T) {
	t.Parallel()

	h := startApp(t, withVAD())
	h.wake.Say("小美")
	h.stream.Feed(frame(0))

	waitState(t, h, device.Listening)
	if !sentText(h, `"state":"detect"`, `"text":"小美"`) {
		t.Fatal("wake word detection was not reported")
	}
	if got := h.channel.ListenStarts(); !slices.Equal(got, []transport.ListenMode{transport.ModeAuto}) {
		t.Fatalf("ListenStarts = %v, want [auto]", got)
	}
	eventually(t, "wake word paused", func() bool { return h.app.DetectorState("wake_word") == detector.Paused })
	if got := h.app.DetectorState("vad"); got != detector.Stopped {
		t.Fatalf("vad state = %v while listening, want stopped", got)
	}
}

func TestWakeWord_DuringSpeakingAbortsAndRelistens(t *testing.T) {
	t.Parallel()

	h := startApp(t)
	toListening(t, h)
	h.channel.EmitJSON(`{"type":"tts","state":"start"}`)
	waitState(t, h, device.Speaking)

	h.wake.Say("小美")
	h.stream.Feed(frame(0))

	select {
	case reason := <-h.channel.AbortSent():
		if reason != transport.ReasonWakeWordDetected {
			t.Fatalf("abort reason = %v, want wake_word_detected", reason)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("abort was not sent")
	}
	eventually(t, "relisten", func() bool { return len(h.channel.ListenStarts()) >= 2 })
	waitState(t, h, device.Listening)
}

func TestVAD_BargeInAbortsOnce(t *testing.T) {
	t.Parallel()

	h := startApp(t, withVAD())
	toSpeaking(t, h)
	eventually(t, "vad running", func() bool { return h.app.DetectorState("vad") == detector.Running })
	for range 20 {
		h.channel.EmitAudio(frame(1000))
	}

	stop := feed(h, 3000)
	defer stop()

	select {
	case reason := <-h.channel.AbortSent():
		if reason != transport.ReasonUserInterruption {
			t.Fatalf("abort reason = %v, want user_interruption", reason)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("abort was not sent")
	}
	waitState(t, h, device.Idle)
	if n := h.app.QueuedPlayback(); n != 0 {
		t.Fatalf("inbound queue length = %d after barge-in, want 0", n)
	}

	select {
	case reason := <-h.channel.AbortSent():
		t.Fatalf("second abort sent: %v", reason)
	case <-time.After(200 * time.Millisecond):
	}
	if got := h.channel.Aborts(); len(got) != 1 {
		t.Fatalf("aborts sent = %v, want one", got)
	}
}

func TestVAD_QuietSpeechDoesNotInterrupt(t *testing.T) {
	t.Parallel()

	h := startApp(t, withVAD())
	toSpeaking(t, h)
	eventually(t, "vad running", func() bool { return h.app.DetectorState("vad") == detector.Running })

	// Below energy threshold plus speaking boost.
	stop := feed(h, 1000)
	defer stop()

	select {
	case reason := <-h.channel.AbortSent():
		t.Fatalf("abort sent for quiet audio: %v", reason)
	case <-time.After(300 * time.Millisecond):
	}
	if got := h.app.State(); got != device.Speaking {
		t.Fatalf("state = %v, want speaking", got)
	}
}

func TestToggleChatState_DuringSpeakingAborts(t *testing.T) {
	t.Parallel()

	h := startApp(t)
	toListening(t, h)
	h.channel.EmitJSON(`{"type":"tts","state":"start"}`)
	waitState(t, h, device.Speaking)

	h.app.ToggleChatState()
	select {
	case reason := <-h.channel.AbortSent():
		if reason != transport.ReasonNone {
			t.Fatalf("abort reason = %v, want none", reason)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("abort was not sent")
	}
	if n := h.stream.OutputClears(); n != 1 {
		t.Fatalf("device output clears = %d, want 1", n)
	}
	waitState(t, h, device.Idle)
}

func TestOnModeChanged(t *testing.T) {
	t.Parallel()

	h := startApp(t)
	if !h.app.OnModeChanged(true) {
		t.Fatal("OnModeChanged in idle returned false")
	}

	h.app.StartListening()
	waitState(t, h, device.Listening)
	if h.app.OnModeChanged(false) {
		t.Fatal("OnModeChanged while listening returned true")
	}
	if !h.display.textContaining("idle") {
		t.Fatal("expected an alert")
	}
}

// ── Inbound messages ─────────────────────────────────────────────────────────

func TestTTS_StopReturnsToListeningInAutoMode(t *testing.T) {
	t.Parallel()

	h := startApp(t)
	toListening(t, h)

	h.channel.EmitJSON(`{"type":"tts","state":"start"}`)
	waitState(t, h, device.Speaking)

	h.channel.EmitAudio(frame(1000))
	eventually(t, "playback", func() bool { return len(h.stream.WrittenFrames()) == 1 })
	if got := h.stream.WrittenFrames()[0]; !slices.Equal(got, frame(1000)) {
		t.Fatal("played audio differs from the decoded packet")
	}
	if _, decoded := h.codec.Calls(); decoded != 1 {
		t.Fatalf("Decode calls = %d, want 1", decoded)
	}

	h.channel.EmitJSON(`{"type":"tts","state":"stop"}`)
	eventually(t, "second listen start", func() bool { return len(h.channel.ListenStarts()) == 2 })
	waitState(t, h, device.Listening)
}

func TestTTS_StopReturnsToIdleInManualMode(t *testing.T) {
	t.Parallel()

	h := startApp(t)
	h.app.StartListening()
	waitState(t, h, device.Listening)

	h.channel.EmitJSON(`{"type":"tts","state":"start"}`)
	waitState(t, h, device.Speaking)
	h.channel.EmitJSON(`{"type":"tts","state":"stop"}`)
	waitState(t, h, device.Idle)

	if got := len(h.channel.ListenStarts()); got != 1 {
		t.Fatalf("ListenStarts = %d, want 1", got)
	}
}

func TestIncomingAudio_DroppedOutsideSpeaking(t *testing.T) {
	t.Parallel()

	h := startApp(t)
	toListening(t, h)
	h.channel.EmitAudio(frame(1000))

	time.Sleep(50 * time.Millisecond)
	if got := len(h.stream.WrittenFrames()); got != 0 {
		t.Fatalf("wrote %d frames outside Speaking", got)
	}
}

func TestIncomingJSON_ChatAndEmotion(t *testing.T) {
	t.Parallel()

	h := startApp(t)
	h.channel.EmitJSON(`{"type":"stt","text":"what time is it"}`)
	h.channel.EmitJSON(`{"type":"tts","state":"sentence_start","text":"it is noon"}`)
	h.channel.EmitJSON(`{"type":"llm","emotion":"happy"}`)
	h.channel.EmitJSON(`not json`)
	h.channel.EmitJSON(`{"type":"unknown"}`)

	emotions, chats := h.display.snapshot()
	wantChats := []string{"user: what time is it", "assistant: it is noon"}
	if !slices.Equal(chats, wantChats) {
		t.Fatalf("chats = %v, want %v", chats, wantChats)
	}
	if !slices.Contains(emotions, "happy") {
		t.Fatalf("emotions = %v, want happy", emotions)
	}
}

func TestIoTCommand_SetVolumeScalesPlayback(t *testing.T) {
	t.Parallel()

	h := startApp(t)
	toListening(t, h)

	h.channel.EmitJSON(`{"type":"iot","commands":[{"name":"Speaker","method":"SetVolume","parameters":{"volume":50}}]}`)
	eventually(t, "volume state push", func() bool { return sentText(h, `"states"`, `"volume":50`) })

	h.channel.EmitJSON(`{"type":"tts","state":"start"}`)
	waitState(t, h, device.Speaking)
	h.channel.EmitAudio(frame(1000))
	eventually(t, "playback", func() bool { return len(h.stream.WrittenFrames()) == 1 })
	if got := h.stream.WrittenFrames()[0]; !slices.Equal(got, frame(500)) {
		t.Fatal("playback was not scaled to half volume")
	}
}

// ── Uplink ───────────────────────────────────────────────────────────────────

func TestUplink_SendsOnePacketPerFrameDuration(t *testing.T) {
	t.Parallel()

	h := startApp(t)
	toListening(t, h)

	// 60ms packets from 20ms capture frames.
	for range 3 {
		h.stream.Feed(frame(7))
	}
	eventually(t, "uplink packet", func() bool { return len(h.channel.Audio()) == 1 })
	if got, want := len(h.channel.Audio()[0]), 3*len(frame(7)); got != want {
		t.Fatalf("packet bytes = %d, want %d", got, want)
	}
}

func TestUplink_DiscardsWhileIdle(t *testing.T) {
	t.Parallel()

	h := startApp(t)
	h.channel.SetOpened(true)
	for range 6 {
		h.stream.Feed(frame(7))
	}
	time.Sleep(50 * time.Millisecond)
	if got := len(h.channel.Audio()); got != 0 {
		t.Fatalf("sent %d packets while idle", got)
	}
}

// ── Channel events ───────────────────────────────────────────────────────────

func TestNetworkError_ReturnsToIdle(t *testing.T) {
	t.Parallel()

	h := startApp(t)
	toListening(t, h)

	h.channel.EmitNetworkError("connection reset")
	waitState(t, h, device.Idle)
	eventually(t, "network alert", func() bool { return h.display.textContaining("connection reset") })
	eventually(t, "channel closed", func() bool { return !h.channel.IsAudioChannelOpened() })
}

func TestChannelClosed_ReturnsToIdle(t *testing.T) {
	t.Parallel()

	h := startApp(t)
	toListening(t, h)

	if err := h.channel.CloseAudioChannel(context.Background()); err != nil {
		t.Fatalf("CloseAudioChannel: %v", err)
	}
	waitState(t, h, device.Idle)

	// The channel reopens on the next turn.
	h.app.ToggleChatState()
	waitState(t, h, device.Listening)
}

// ── Voiceprint ───────────────────────────────────────────────────────────────

func withVerifier(v *speakermock.Verifier, store *config.Store) func(*setup) {
	return func(s *setup) {
		s.providers.Verifier = v
		if store != nil {
			s.opts = append(s.opts, app.WithStore(store))
		}
	}
}

func openStore(t *testing.T) *config.Store {
	t.Helper()
	store, err := config.OpenStore(filepath.Join(t.TempDir(), "config.yaml"), config.WithEnv(func(string) string { return "" }))
	if err != nil {
		t.Fatalf("OpenStore: %v", err)
	}
	return store
}

func TestVAD_UnlistedSpeakerDoesNotInterrupt(t *testing.T) {
	t.Parallel()

	v := &speakermock.Verifier{Match: types.SpeakerMatch{Name: "bob", Score: 0.9}}
	h := startApp(t, withVerifier(v, nil), withVAD(), func(s *setup) {
		s.cfg.VoicePrint.Enabled = true
		s.cfg.VoicePrint.AllowedSpeakers = []string{"alice"}
	})
	toSpeaking(t, h)
	eventually(t, "vad running", func() bool { return h.app.DetectorState("vad") == detector.Running })

	stop := feed(h, 3000)
	defer stop()

	eventually(t, "recognition", func() bool { return v.RecognizeCount() >= 1 })
	if got := v.Calls()[0].Samples; got < 2*16000 {
		t.Fatalf("submitted %d samples, want at least 2s", got)
	}
	select {
	case reason := <-h.channel.AbortSent():
		t.Fatalf("abort sent for unlisted speaker: %v", reason)
	case <-time.After(300 * time.Millisecond):
	}
	if got := h.app.State(); got != device.Speaking {
		t.Fatalf("state = %v, want speaking", got)
	}

	// Detection keeps running and interrupts once an allowed speaker talks.
	v.SetResult(types.SpeakerMatch{Name: "alice", Score: 0.9}, nil)
	select {
	case reason := <-h.channel.AbortSent():
		if reason != transport.ReasonUserInterruption {
			t.Fatalf("abort reason = %v, want user_interruption", reason)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("allowed speaker did not interrupt")
	}
	waitState(t, h, device.Idle)
}

func TestVoicePrint_CommandsPersist(t *testing.T) {
	t.Parallel()

	store := openStore(t)
	h := newApp(t, withVerifier(&speakermock.Verifier{}, store))
	ctx := context.Background()

	tests := []struct {
		name  string
		cmd   app.VoicePrintCommand
		check func(t *testing.T, cfg *config.Config)
	}{
		{
			name: "set threshold",
			cmd:  app.VoicePrintCommand{Action: app.ActionSetThreshold, Value: []byte(`0.5`)},
			check: func(t *testing.T, cfg *config.Config) {
				if cfg.VoicePrint.Threshold != 0.5 {
					t.Errorf("threshold = %v, want 0.5", cfg.VoicePrint.Threshold)
				}
			},
		},
		{
			name: "enable",
			cmd:  app.VoicePrintCommand{Action: app.ActionEnable, Value: []byte(`true`)},
			check: func(t *testing.T, cfg *config.Config) {
				if !cfg.VoicePrint.Enabled {
					t.Error("enabled = false, want true")
				}
			},
		},
		{
			name: "add allowed",
			cmd:  app.VoicePrintCommand{Action: app.ActionAddAllowed, Name: "alice"},
			check: func(t *testing.T, cfg *config.Config) {
				if !slices.Equal(cfg.VoicePrint.AllowedSpeakers, []string{"alice"}) {
					t.Errorf("allowed = %v, want [alice]", cfg.VoicePrint.AllowedSpeakers)
				}
			},
		},
		{
			name: "min length is clamped",
			cmd:  app.VoicePrintCommand{Action: app.ActionSetMinLength, Value: []byte(`10`)},
			check: func(t *testing.T, cfg *config.Config) {
				if cfg.VoicePrint.MinAudioLength != config.MaxAudioLength {
					t.Errorf("min length = %v, want %v", cfg.VoicePrint.MinAudioLength, config.MaxAudioLength)
				}
			},
		},
		{
			name: "remove allowed",
			cmd:  app.VoicePrintCommand{Action: app.ActionRemoveAllowed, Name: "alice"},
			check: func(t *testing.T, cfg *config.Config) {
				if len(cfg.VoicePrint.AllowedSpeakers) != 0 {
					t.Errorf("allowed = %v, want empty", cfg.VoicePrint.AllowedSpeakers)
				}
			},
		},
	}
	// Subtests share the store and run in order.
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := h.app.VoicePrint(ctx, tt.cmd); err != nil {
				t.Fatalf("VoicePrint: %v", err)
			}
			tt.check(t, store.Config())
		})
	}
}

func TestVoicePrint_RegisterFromWAV(t *testing.T) {
	t.Parallel()

	v := &speakermock.Verifier{}
	h := newApp(t, withVerifier(v, nil))

	path := filepath.Join(t.TempDir(), "bob.wav")
	if err := os.WriteFile(path, audio.EncodeWAV(frame(100), 16000, 1), 0o644); err != nil {
		t.Fatal(err)
	}

	ctx := context.Background()
	if _, err := h.app.VoicePrint(ctx, app.VoicePrintCommand{Action: app.ActionRegister, Name: "bob", AudioPath: path}); err != nil {
		t.Fatalf("register: %v", err)
	}
	if !slices.Equal(v.Enrolled, []string{"bob"}) {
		t.Fatalf("Enrolled = %v, want [bob]", v.Enrolled)
	}

	got, err := h.app.VoicePrint(ctx, app.VoicePrintCommand{Action: app.ActionGetAllowed})
	if err != nil {
		t.Fatalf("get_allowed: %v", err)
	}
	if !slices.Equal(got.([]string), []string{"bob"}) {
		t.Fatalf("allowed = %v, want [bob]", got)
	}

	if _, err := h.app.VoicePrint(ctx, app.VoicePrintCommand{Action: app.ActionRemove, Name: "bob"}); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if !slices.Equal(v.Removed, []string{"bob"}) {
		t.Fatalf("Removed = %v, want [bob]", v.Removed)
	}
}

func TestVoicePrint_Errors(t *testing.T) {
	t.Parallel()

	h := newApp(t, withVerifier(&speakermock.Verifier{}, nil))
	ctx := context.Background()

	tests := []struct {
		name    string
		cmd     app.VoicePrintCommand
		wantErr error
	}{
		{name: "unknown action", cmd: app.VoicePrintCommand{Action: "dance"}, wantErr: app.ErrUnknownAction},
		{name: "register without path", cmd: app.VoicePrintCommand{Action: app.ActionRegister, Name: "bob"}},
		{name: "register missing file", cmd: app.VoicePrintCommand{Action: app.ActionRegister, Name: "bob", AudioPath: "/nonexistent.wav"}, wantErr: os.ErrNotExist},
		{name: "bad threshold value", cmd: app.VoicePrintCommand{Action: app.ActionSetThreshold, Value: []byte(`"high"`)}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := h.app.VoicePrint(ctx, tt.cmd)
			if err == nil {
				t.Fatal("expected an error")
			}
			if tt.wantErr != nil && !errors.Is(err, tt.wantErr) {
				t.Fatalf("error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

// ── Hot reload ───────────────────────────────────────────────────────────────

func TestApplyConfig(t *testing.T) {
	t.Parallel()

	var level slog.LevelVar
	h := newApp(t, withVerifier(&speakermock.Verifier{}, nil), func(s *setup) {
		s.opts = append(s.opts, app.WithLogLevel(&level))
	})

	old := testConfig()
	cur := testConfig()
	cur.LogLevel = config.LogDebug
	cur.VoicePrint.AllowedSpeakers = []string{"carol"}
	h.app.ApplyConfig(old, cur)

	if level.Level() != slog.LevelDebug {
		t.Fatalf("log level = %v, want debug", level.Level())
	}
	got, err := h.app.VoicePrint(context.Background(), app.VoicePrintCommand{Action: app.ActionGetAllowed})
	if err != nil {
		t.Fatal(err)
	}
	if !slices.Equal(got.([]string), []string{"carol"}) {
		t.Fatalf("allowed = %v, want [carol]", got)
	}
}

func TestSlogLevel(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in   config.LogLevel
		want slog.Level
	}{
		{config.LogDebug, slog.LevelDebug},
		{config.LogInfo, slog.LevelInfo},
		{config.LogWarn, slog.LevelWarn},
		{config.LogError, slog.LevelError},
		{"verbose", slog.LevelInfo},
	}
	for _, tt := range tests {
		if got := app.SlogLevel(tt.in); got != tt.want {
			t.Errorf("SlogLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

// ── Failure handling ─────────────────────────────────────────────────────────

func TestDetectorRestart_AlertsAfterLimit(t *testing.T) {
	t.Parallel()

	h := startApp(t, func(s *setup) {
		s.providers.WakeWord = &wakemock.Engine{FeedErr: errors.New("model crashed")}
	})

	stop := feed(h, 0)
	defer stop()

	eventually(t, "detector alert", func() bool { return h.display.textContaining("detector stopped") })
	if got := h.app.Restarts("wake_word"); got != 3 {
		t.Fatalf("Restarts = %d, want 3", got)
	}
}

func TestAudioFatal_DisablesDetectorsAndFailsReadiness(t *testing.T) {
	t.Parallel()

	h := newApp(t)
	h.stream.FailReads(errors.New("device unplugged"), audio.DefaultMaxFailures)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- h.app.Run(ctx) }()

	eventually(t, "audio alert", func() bool { return h.display.textContaining("audio device error") })
	checks := h.app.Checkers()
	if err := checks[0].Check(ctx); err == nil {
		t.Fatal("audio check passed after the device failed")
	}
	if err := checks[1].Check(ctx); err != nil {
		t.Fatalf("transport check: %v", err)
	}

	cancel()
	<-done
}

func TestShutdown_Idempotent(t *testing.T) {
	t.Parallel()

	h := newApp(t)
	ctx := context.Background()
	if err := h.app.Shutdown(ctx); err != nil {
		t.Fatalf("first Shutdown: %v", err)
	}
	if err := h.app.Shutdown(ctx); err != nil {
		t.Fatalf("second Shutdown: %v", err)
	}
	if _, _, closes := h.wake.Counts(); closes != 1 {
		t.Fatalf("wake engine Close calls = %d, want 1", closes)
	}
}
