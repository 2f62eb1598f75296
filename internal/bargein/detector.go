// Package bargein plays a prompt while listening for the callee, and stops
// the prompt once they have talked over it for long enough.
package bargein

import (
	"context"
	"errors"
	"os"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/acme/outbound-dialer/internal/config"
	"github.com/acme/outbound-dialer/internal/echo"
	"github.com/acme/outbound-dialer/internal/telephony"
)

const cleanupTimeout = 2 * time.Second

// State is the position of one prompt phase.
type State string

const (
	StateIdle      State = "idle"
	StatePlaying   State = "playing"
	StateListening State = "listening"
	StateFinished  State = "finished"
)

// Reasons a phase finished.
const (
	ReasonBargeIn          = "barge_in"
	ReasonPlaybackFinished = "playback_finished"
	ReasonTimeout          = "timeout"
	ReasonHangup           = "hangup"
	ReasonCancelled        = "cancelled"
	ReasonStreamClosed     = "stream_closed"
	ReasonModuleMissing    = "asr_module_missing"
	ReasonAudioMissing     = "audio_missing"
	ReasonSetupFailed      = "setup_failed"
)

// Request describes one prompt phase on a live channel.
type Request struct {
	CallID    string
	AudioFile string
	// Keywords gate detection; empty accepts any speech.
	Keywords []string
}

// Result is always populated, whatever path the phase took.
type Result struct {
	BargedIn       bool
	Transcription  string
	Latency        time.Duration
	SpeechDuration time.Duration
	Fallback       bool
	Reason         string
	State          State
}

// CaptureSource supplies the most recent far-end audio of a channel.
type CaptureSource interface {
	Latest(channelID string, window time.Duration) ([]float64, error)
}

// Detector runs prompt phases. One Detector serves every call; each Run is
// independent.
type Detector struct {
	client  telephony.Client
	cfg     config.BargeInConfig
	echoCfg config.EchoConfig
	capture CaptureSource
	log     *zap.Logger
	now     func() time.Time
	onFire  func()
}

// Option customises the detector.
type Option func(*Detector)

// WithEcho enables echo suppression using capture for far-end audio.
func WithEcho(cfg config.EchoConfig, capture CaptureSource) Option {
	return func(d *Detector) {
		d.echoCfg = cfg
		d.capture = capture
	}
}

// WithClock overrides the time source used for latency and timeouts.
func WithClock(now func() time.Time) Option {
	return func(d *Detector) { d.now = now }
}

// OnBargeIn registers a hook called each time a barge-in fires.
func OnBargeIn(fn func()) Option {
	return func(d *Detector) { d.onFire = fn }
}

// NewDetector builds a detector.
func NewDetector(client telephony.Client, cfg config.BargeInConfig, log *zap.Logger, opts ...Option) *Detector {
	d := &Detector{
		client: client,
		cfg:    cfg,
		log:    log,
		now:    func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Run plays the prompt and returns once the phase finishes. It never fails:
// setup problems fall back to a plain interruptible playback and are
// reported in Result.Reason.
func (d *Detector) Run(ctx context.Context, req Request) Result {
	s := &session{d: d, req: req, state: StateIdle, start: d.now()}
	s.log = d.log.With(zap.String("channel_id", req.CallID))

	if reason, ok := d.preconditions(ctx, req); !ok {
		s.log.Warn("bargein: falling back to plain playback", zap.String("reason", reason))
		return s.fallback(ctx, reason)
	}

	grammar, err := writeGrammar(d.cfg.GrammarDir, req.Keywords)
	if err != nil {
		s.log.Warn("bargein: grammar", zap.Error(err))
		return s.fallback(ctx, ReasonSetupFailed)
	}
	defer os.Remove(grammar)

	events, unsubscribe := d.client.Subscribe(req.CallID)
	defer unsubscribe()

	s.filter = d.echoFilter(req.AudioFile, s.log)

	if err := d.client.Execute(ctx, req.CallID, "detect_speech", d.cfg.ASREngine+" "+grammarRoot+" "+grammar); err != nil {
		s.log.Warn("bargein: start recognizer", zap.Error(err))
		unsubscribe()
		return s.fallback(ctx, ReasonSetupFailed)
	}
	defer d.stopRecognizer(ctx, req.CallID, s.log)

	s.start = d.now()
	s.enter(StatePlaying)
	if err := d.client.Execute(ctx, req.CallID, "playback", req.AudioFile); err != nil {
		s.log.Warn("bargein: start playback", zap.Error(err))
		return s.finish(false, ReasonSetupFailed)
	}

	return s.listen(ctx, events)
}

func (d *Detector) preconditions(ctx context.Context, req Request) (string, bool) {
	loaded, err := d.client.ModuleLoaded(ctx, d.cfg.ASRModule)
	if err != nil || !loaded {
		if err != nil {
			d.log.Debug("bargein: module check", zap.String("module", d.cfg.ASRModule), zap.Error(err))
		}
		return ReasonModuleMissing, false
	}
	if _, err := os.Stat(req.AudioFile); err != nil {
		return ReasonAudioMissing, false
	}
	return "", true
}

func (d *Detector) echoFilter(audioFile string, log *zap.Logger) *echo.Filter {
	if !d.echoCfg.Enabled || d.capture == nil {
		return nil
	}
	f := echo.New(d.echoCfg, log)
	if err := f.SetReferenceFile(audioFile); err != nil {
		log.Debug("bargein: no echo reference", zap.Error(err))
	}
	return f
}

func (d *Detector) stopRecognizer(ctx context.Context, id string, log *zap.Logger) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cleanupTimeout)
	defer cancel()
	if err := d.client.Execute(ctx, id, "detect_speech", "stop"); err != nil && !errors.Is(err, telephony.ErrCommandFailed) {
		log.Debug("bargein: stop recognizer", zap.Error(err))
	}
}

type session struct {
	d      *Detector
	req    Request
	log    *zap.Logger
	filter *echo.Filter

	state     State
	start     time.Time
	fragments []string
	speech    time.Duration
	degraded  bool

	// The recognizer re-reports a growing hypothesis until it turns final,
	// so partials replace each other instead of adding up.
	partialText string
	partialDur  time.Duration
}

func (s *session) enter(next State) {
	if s.state == next {
		return
	}
	s.log.Debug("bargein: state", zap.String("from", string(s.state)), zap.String("to", string(next)))
	s.state = next
}

func (s *session) listen(ctx context.Context, events <-chan telephony.Event) Result {
	cfg := s.d.cfg
	deadline := s.start.Add(cfg.Timeout)
	poll := cfg.PollInterval
	if poll <= 0 {
		poll = 100 * time.Millisecond
	}
	wait := time.NewTimer(poll)
	defer wait.Stop()

	for {
		if cfg.Timeout > 0 && !s.d.now().Before(deadline) {
			return s.finish(false, ReasonTimeout)
		}

		if !wait.Stop() {
			select {
			case <-wait.C:
			default:
			}
		}
		wait.Reset(poll)

		select {
		case <-ctx.Done():
			return s.finish(false, ReasonCancelled)
		case <-wait.C:
			continue
		case ev, ok := <-events:
			if !ok {
				return s.finish(false, ReasonStreamClosed)
			}
			switch ev.Kind {
			case telephony.EventPlaybackStopped:
				return s.finish(false, ReasonPlaybackFinished)
			case telephony.EventHangup:
				return s.finish(false, ReasonHangup)
			case telephony.EventSpeech:
				if s.accept(ev) && s.totalSpeech() >= cfg.SpeechThreshold {
					return s.bargeIn(ctx)
				}
			}
		}
	}
}

// accept folds a speech event into the transcript. It reports whether the
// event counted.
func (s *session) accept(ev telephony.Event) bool {
	sp := ev.Speech
	if sp == nil {
		s.log.Debug("bargein: skip speech event without payload")
		return false
	}
	text := strings.TrimSpace(sp.Text)
	if text == "" || sp.Confidence < s.d.cfg.MinConfidence {
		return false
	}

	if !sp.Final {
		if strings.EqualFold(s.partialText, text) && sp.Duration <= s.partialDur {
			return false
		}
		if s.isEcho() {
			s.log.Debug("bargein: ignore echo", zap.String("text", text))
			return false
		}
		s.partialText = text
		s.partialDur = max(s.partialDur, sp.Duration)
		s.enter(StateListening)
		return true
	}

	covered := max(sp.Duration, s.partialDur)
	s.partialText, s.partialDur = "", 0
	if n := len(s.fragments); n > 0 && strings.EqualFold(s.fragments[n-1], text) {
		return false
	}
	if s.isEcho() {
		s.log.Debug("bargein: ignore echo", zap.String("text", text))
		return false
	}

	s.fragments = append(s.fragments, text)
	s.speech += covered
	s.enter(StateListening)
	return true
}

// totalSpeech is committed speech plus the utterance still being recognized.
func (s *session) totalSpeech() time.Duration {
	return s.speech + s.partialDur
}

func (s *session) transcript() string {
	parts := s.fragments
	if s.partialText != "" {
		parts = append(append([]string(nil), parts...), s.partialText)
	}
	return strings.Join(parts, " ")
}

func (s *session) isEcho() bool {
	if s.filter == nil || !s.filter.HasReference() {
		return false
	}
	window := s.d.cfg.CaptureWindow
	if window <= 0 {
		window = 500 * time.Millisecond
	}
	samples, err := s.d.capture.Latest(s.req.CallID, window)
	if err != nil || len(samples) == 0 {
		return false
	}
	return s.filter.IsProbableEcho(samples)
}

func (s *session) bargeIn(ctx context.Context) Result {
	latency := s.d.now().Sub(s.start)
	if delay := s.d.cfg.SmoothingDelay; delay > 0 {
		t := time.NewTimer(delay)
		select {
		case <-ctx.Done():
		case <-t.C:
		}
		t.Stop()
	}

	stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cleanupTimeout)
	defer cancel()
	if err := s.d.client.StopPlayback(stopCtx, s.req.CallID); err != nil {
		s.log.Warn("bargein: stop playback", zap.Error(err))
	}
	if s.d.onFire != nil {
		s.d.onFire()
	}

	res := s.finish(true, ReasonBargeIn)
	res.Latency = latency
	s.log.Info("bargein: triggered",
		zap.Duration("latency", latency),
		zap.Duration("speech", s.totalSpeech()),
		zap.String("transcript", res.Transcription),
	)
	return res
}

func (s *session) finish(bargedIn bool, reason string) Result {
	s.enter(StateFinished)
	return Result{
		BargedIn:       bargedIn,
		Transcription:  s.transcript(),
		Latency:        s.d.now().Sub(s.start),
		SpeechDuration: s.totalSpeech(),
		Fallback:       s.degraded,
		Reason:         reason,
		State:          s.state,
	}
}

// fallback plays the prompt with DTMF or voice interrupt handled by the
// media server, and waits for it to end.
func (s *session) fallback(ctx context.Context, reason string) Result {
	s.degraded = true
	id := s.req.CallID

	events, unsubscribe := s.d.client.Subscribe(id)
	defer unsubscribe()

	if err := s.d.client.SetVariable(ctx, id, "playback_terminators", "any"); err != nil {
		s.log.Debug("bargein: set terminators", zap.Error(err))
	}
	s.start = s.d.now()
	s.enter(StatePlaying)
	if err := s.d.client.Execute(ctx, id, "playback", s.req.AudioFile); err != nil {
		s.log.Warn("bargein: fallback playback", zap.Error(err))
		return s.finish(false, reason)
	}

	var timeout <-chan time.Time
	if s.d.cfg.Timeout > 0 {
		t := time.NewTimer(s.d.cfg.Timeout)
		defer t.Stop()
		timeout = t.C
	}
	for {
		select {
		case <-ctx.Done():
			return s.finish(false, reason)
		case <-timeout:
			return s.finish(false, reason)
		case ev, ok := <-events:
			if !ok || ev.Kind == telephony.EventPlaybackStopped || ev.Kind == telephony.EventHangup {
				return s.finish(false, reason)
			}
		}
	}
}
