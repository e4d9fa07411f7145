package energy_test

import (
	"testing"

	"github.com/linkinwong/xiaozhi/pkg/audio"
	"github.com/linkinwong/xiaozhi/pkg/provider/vad"
	"github.com/linkinwong/xiaozhi/pkg/provider/vad/energy"
	"github.com/linkinwong/xiaozhi/pkg/types"
)

func tone(amplitude int16, n int) []byte {
	s := make([]int16, n)
	for i := range s {
		if i%2 == 0 {
			s[i] = amplitude
		} else {
			s[i] = -amplitude
		}
	}
	return audio.Int16ToBytes(s)
}

func TestSession_Hysteresis(t *testing.T) {
	t.Parallel()

	sess, err := energy.New().NewSession(vad.Config{SampleRate: 16000, FrameSizeMs: 20})
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}
	defer sess.Close()

	steps := []struct {
		amp  int16
		want types.VADEventType
	}{
		{50, types.VADSilence},
		{1000, types.VADSpeechStart},
		{250, types.VADSpeechContinue}, // between thresholds keeps the gate open
		{1000, types.VADSpeechContinue},
		{100, types.VADSpeechEnd},
		{250, types.VADSilence},
	}
	for i, st := range steps {
		ev, err := sess.ProcessFrame(tone(st.amp, 320))
		if err != nil {
			t.Fatalf("step %d: %v", i, err)
		}
		if ev.Type != st.want {
			t.Fatalf("step %d (amp %d): type = %v, want %v", i, st.amp, ev.Type, st.want)
		}
	}
}

func TestSession_ResetClosesGate(t *testing.T) {
	t.Parallel()

	sess, _ := energy.New().NewSession(vad.Config{SampleRate: 16000})
	_, _ = sess.ProcessFrame(tone(1000, 320))
	sess.Reset()
	ev, _ := sess.ProcessFrame(tone(250, 320))
	if ev.Type != types.VADSilence {
		t.Fatalf("after Reset type = %v, want silence", ev.Type)
	}
}

func TestNewSession_RejectsInvertedThresholds(t *testing.T) {
	t.Parallel()

	_, err := energy.New().NewSession(vad.Config{SampleRate: 16000, SpeechThreshold: 100, SilenceThreshold: 200})
	if err == nil {
		t.Fatal("expected error for silence threshold above speech threshold")
	}
}

func TestSession_ClosedErrors(t *testing.T) {
	t.Parallel()

	sess, _ := energy.New().NewSession(vad.Config{SampleRate: 16000})
	_ = sess.Close()
	if _, err := sess.ProcessFrame(tone(1000, 320)); err == nil {
		t.Fatal("ProcessFrame after Close returned nil error")
	}
}
