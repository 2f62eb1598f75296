package bargein

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/acme/outbound-dialer/internal/config"
	"github.com/acme/outbound-dialer/internal/telephony"
	"github.com/acme/outbound-dialer/internal/telephony/mock"
)

type harness struct {
	srv     *mock.Server
	det     *Detector
	req     Request
	events  <-chan telephony.Event
	grammar string
}

func newHarness(t *testing.T, modules ...string) *harness {
	t.Helper()
	dir := t.TempDir()
	audio := filepath.Join(dir, "greeting.wav")
	require.NoError(t, os.WriteFile(audio, []byte("RIFF"), 0o644))
	grammarDir := filepath.Join(dir, "grammar")
	require.NoError(t, os.Mkdir(grammarDir, 0o755))

	srv := mock.NewServer(mock.WithModules(modules...), mock.WithPlaybackLength(time.Hour))
	t.Cleanup(func() { _ = srv.Close() })
	_, err := srv.Originate(context.Background(), "chan-1", "+15550001", nil)
	require.NoError(t, err)
	srv.Answer("chan-1")

	cfg := config.BargeInConfig{
		ASRModule:       "mod_vosk",
		ASREngine:       "vosk",
		SpeechThreshold: 1500 * time.Millisecond,
		SmoothingDelay:  10 * time.Millisecond,
		MinConfidence:   50,
		PollInterval:    10 * time.Millisecond,
		Timeout:         5 * time.Second,
		GrammarDir:      grammarDir,
	}
	events, stop := srv.Subscribe("chan-1")
	t.Cleanup(stop)

	return &harness{
		srv:     srv,
		det:     NewDetector(srv, cfg, zap.NewNop()),
		req:     Request{CallID: "chan-1", AudioFile: audio},
		events:  events,
		grammar: grammarDir,
	}
}

func (h *harness) run(ctx context.Context) <-chan Result {
	done := make(chan Result, 1)
	go func() { done <- h.det.Run(ctx, h.req) }()
	return done
}

func (h *harness) waitPlayback(t *testing.T) {
	t.Helper()
	for {
		select {
		case ev := <-h.events:
			if ev.Kind == telephony.EventPlaybackStarted {
				return
			}
		case <-time.After(2 * time.Second):
			t.Fatal("playback never started")
		}
	}
}

func (h *harness) say(text string, confidence float64, d time.Duration) {
	h.srv.Speak("chan-1", telephony.Speech{Text: text, Confidence: confidence, Final: true, Duration: d})
}

func (h *harness) hear(text string, d time.Duration) {
	h.srv.Speak("chan-1", telephony.Speech{Text: text, Confidence: 80, Duration: d})
}

func result(t *testing.T, done <-chan Result) Result {
	t.Helper()
	select {
	case r := <-done:
		return r
	case <-time.After(3 * time.Second):
		t.Fatal("detector did not finish")
		return Result{}
	}
}

func TestBargeInFiresOnThirdFragment(t *testing.T) {
	h := newHarness(t, "mod_vosk")
	done := h.run(context.Background())
	h.waitPlayback(t)

	h.say("hello", 80, 500*time.Millisecond)
	h.say("who is", 80, 600*time.Millisecond)
	require.Never(t, func() bool { return len(done) > 0 }, 150*time.Millisecond, 10*time.Millisecond)
	assert.Empty(t, h.srv.CommandsMatching("break"))

	h.say("this", 80, 500*time.Millisecond)
	res := result(t, done)

	assert.True(t, res.BargedIn)
	assert.Equal(t, ReasonBargeIn, res.Reason)
	assert.Equal(t, "hello who is this", res.Transcription)
	assert.Equal(t, 1600*time.Millisecond, res.SpeechDuration)
	assert.Equal(t, StateFinished, res.State)
	assert.False(t, res.Fallback)
	assert.Len(t, h.srv.CommandsMatching("break chan-1"), 1)
}

func TestPartialHypothesesAreNotSummed(t *testing.T) {
	h := newHarness(t, "mod_vosk")
	done := h.run(context.Background())
	h.waitPlayback(t)

	h.hear("hello", 300*time.Millisecond)
	h.hear("hello there", 600*time.Millisecond)
	h.hear("hello there how", 900*time.Millisecond)
	require.Never(t, func() bool { return len(done) > 0 }, 150*time.Millisecond, 10*time.Millisecond)

	h.say("hello there how are you", 80, 1600*time.Millisecond)
	res := result(t, done)

	assert.True(t, res.BargedIn)
	assert.Equal(t, "hello there how are you", res.Transcription)
	assert.Equal(t, 1600*time.Millisecond, res.SpeechDuration)
}

func TestPartialCountsOnTopOfCommittedSpeech(t *testing.T) {
	h := newHarness(t, "mod_vosk")
	done := h.run(context.Background())
	h.waitPlayback(t)

	h.hear("yes", 300*time.Millisecond)
	h.say("yes", 80, 400*time.Millisecond)
	h.hear("I would", 700*time.Millisecond)
	require.Never(t, func() bool { return len(done) > 0 }, 100*time.Millisecond, 10*time.Millisecond)

	h.hear("I would like", 1200*time.Millisecond)
	res := result(t, done)

	assert.True(t, res.BargedIn)
	assert.Equal(t, "yes I would like", res.Transcription)
	assert.Equal(t, 1600*time.Millisecond, res.SpeechDuration)
}

func TestPlaybackFinishingFirstIsNotBargeIn(t *testing.T) {
	h := newHarness(t, "mod_vosk")
	done := h.run(context.Background())
	h.waitPlayback(t)

	h.say("hmm", 90, time.Second)
	require.NoError(t, h.srv.StopPlayback(context.Background(), "chan-1"))

	res := result(t, done)
	assert.False(t, res.BargedIn)
	assert.Equal(t, ReasonPlaybackFinished, res.Reason)
	assert.Equal(t, "hmm", res.Transcription)
}

func TestLowConfidenceDuplicatesAndMalformedAreIgnored(t *testing.T) {
	h := newHarness(t, "mod_vosk")
	done := h.run(context.Background())
	h.waitPlayback(t)

	h.say("noise", 20, time.Second)
	h.srv.Emit(telephony.Event{Kind: telephony.EventSpeech, ChannelID: "chan-1"})
	h.say("yes", 80, time.Second)
	h.say("yes", 80, time.Second)
	require.Never(t, func() bool { return len(done) > 0 }, 100*time.Millisecond, 10*time.Millisecond)

	h.say("please", 80, time.Second)
	res := result(t, done)
	assert.True(t, res.BargedIn)
	assert.Equal(t, "yes please", res.Transcription)
	assert.Equal(t, 2*time.Second, res.SpeechDuration)
}

func TestTimeoutFinishesNormally(t *testing.T) {
	h := newHarness(t, "mod_vosk")
	h.det.cfg.Timeout = 50 * time.Millisecond

	res := result(t, h.run(context.Background()))
	assert.False(t, res.BargedIn)
	assert.Equal(t, ReasonTimeout, res.Reason)
	assert.GreaterOrEqual(t, res.Latency, 50*time.Millisecond)
}

func TestGrammarFileRemoved(t *testing.T) {
	h := newHarness(t, "mod_vosk")
	h.req.Keywords = []string{"stop", "not interested"}
	done := h.run(context.Background())
	h.waitPlayback(t)

	entries, err := os.ReadDir(h.grammar)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	body, err := os.ReadFile(filepath.Join(h.grammar, entries[0].Name()))
	require.NoError(t, err)
	assert.Contains(t, string(body), "<item>not interested</item>")

	started := h.srv.CommandsMatching("execute chan-1 detect_speech")
	require.Len(t, started, 1)
	assert.True(t, strings.HasSuffix(started[0], entries[0].Name()))

	require.NoError(t, h.srv.StopPlayback(context.Background(), "chan-1"))
	result(t, done)

	entries, err = os.ReadDir(h.grammar)
	require.NoError(t, err)
	assert.Empty(t, entries)
	assert.Len(t, h.srv.CommandsMatching("execute chan-1 detect_speech stop"), 1)
}

func TestFallbackWhenModuleMissing(t *testing.T) {
	h := newHarness(t)
	done := h.run(context.Background())
	h.waitPlayback(t)

	assert.Equal(t, "any", h.srv.Variables("chan-1")["playback_terminators"])
	assert.Empty(t, h.srv.CommandsMatching("execute chan-1 detect_speech"))
	require.NoError(t, h.srv.StopPlayback(context.Background(), "chan-1"))

	res := result(t, done)
	assert.True(t, res.Fallback)
	assert.False(t, res.BargedIn)
	assert.Equal(t, ReasonModuleMissing, res.Reason)
}

func TestFallbackWhenAudioMissing(t *testing.T) {
	h := newHarness(t, "mod_vosk")
	h.req.AudioFile = filepath.Join(t.TempDir(), "absent.wav")
	h.det.cfg.Timeout = 30 * time.Millisecond

	res := result(t, h.run(context.Background()))
	assert.True(t, res.Fallback)
	assert.Equal(t, ReasonAudioMissing, res.Reason)
}

func TestHangupEndsPhase(t *testing.T) {
	h := newHarness(t, "mod_vosk")
	done := h.run(context.Background())
	h.waitPlayback(t)

	h.srv.HangupWith("chan-1", "NORMAL_CLEARING", "")
	res := result(t, done)
	assert.Equal(t, ReasonHangup, res.Reason)
	assert.Equal(t, StateFinished, res.State)
}

func TestOpenGrammar(t *testing.T) {
	body, err := Grammar(nil)
	require.NoError(t, err)
	assert.Contains(t, string(body), `<ruleref special="GARBAGE"></ruleref>`)
	assert.NotContains(t, string(body), "<one-of>")

	body, err = Grammar([]string{"Yes", "yes", " "})
	require.NoError(t, err)
	assert.Equal(t, 1, strings.Count(string(body), "<item>yes</item>"))
}
