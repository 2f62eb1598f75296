// Package interaction drives the conversation on answered calls. It only
// records what happened; reconciliation turns that into call status.
package interaction

import (
	"context"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/acme/outbound-dialer/internal/bargein"
	"github.com/acme/outbound-dialer/internal/domain"
	"github.com/acme/outbound-dialer/internal/service/outcome"
	"github.com/acme/outbound-dialer/internal/telephony"
	"github.com/acme/outbound-dialer/internal/theme"
)

const commandTimeout = 5 * time.Second

// PromptPlayer is satisfied by *bargein.Detector.
type PromptPlayer interface {
	Run(ctx context.Context, req bargein.Request) bargein.Result
}

// Runner starts one session per answered channel this instance originated.
type Runner struct {
	client   telephony.Client
	player   PromptPlayer
	themes   *theme.Registry
	outcomes outcome.Store
	instance string
	log      *zap.Logger
	now      func() time.Time
	// recordPath names the stereo recording the echo filter reads back.
	recordPath func(channelID string) string

	mu     sync.Mutex
	active map[string]struct{}
	wg     sync.WaitGroup
}

// Option customises a Runner.
type Option func(*Runner)

// WithRecording records every owned channel in stereo to path(channel id)
// from answer until hangup.
func WithRecording(path func(channelID string) string) Option {
	return func(r *Runner) { r.recordPath = path }
}

// NewRunner builds a runner for the given dispatcher instance.
func NewRunner(client telephony.Client, player PromptPlayer, themes *theme.Registry, outcomes outcome.Store, instance string, log *zap.Logger, opts ...Option) *Runner {
	r := &Runner{
		client:   client,
		player:   player,
		themes:   themes,
		outcomes: outcomes,
		instance: instance,
		log:      log,
		now:      func() time.Time { return time.Now().UTC() },
		active:   make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run consumes answered events until ctx is done, then waits for running
// sessions to finish.
func (r *Runner) Run(ctx context.Context) error {
	events, unsubscribe := r.client.Subscribe("")
	defer func() {
		unsubscribe()
		r.wg.Wait()
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			if ev.Kind == telephony.EventAnswered {
				r.start(ctx, ev.ChannelID)
			}
		}
	}
}

// Active reports how many sessions are running.
func (r *Runner) Active() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.active)
}

func (r *Runner) start(ctx context.Context, id string) {
	r.mu.Lock()
	if _, running := r.active[id]; running {
		r.mu.Unlock()
		return
	}
	r.active[id] = struct{}{}
	r.mu.Unlock()

	r.wg.Add(1)
	go func() {
		defer func() {
			r.mu.Lock()
			delete(r.active, id)
			r.mu.Unlock()
			r.wg.Done()
		}()
		r.Handle(ctx, id)
	}()
}

// Handle runs the conversation on one answered channel. Channels owned by
// another instance are left alone.
func (r *Runner) Handle(ctx context.Context, id string) {
	log := r.log.With(zap.String("channel_id", id))

	cmdCtx, cancel := context.WithTimeout(ctx, commandTimeout)
	owner, err := r.client.GetVariable(cmdCtx, id, telephony.VarInstance)
	if err != nil {
		cancel()
		log.Debug("interaction: channel gone before start", zap.Error(err))
		return
	}
	if owner != r.instance {
		cancel()
		return
	}
	scenario, err := r.client.GetVariable(cmdCtx, id, telephony.VarScenario)
	if err != nil {
		log.Debug("interaction: scenario lookup failed, using fallback theme", zap.Error(err))
	}
	r.startRecording(cmdCtx, id, log)
	cancel()

	r.record(ctx, id, outcome.Outcome{Answered: true, UpdatedAt: r.now()}, log)

	th := r.themes.Get(scenario)
	s := session{}
	for _, p := range th.Prompts {
		res := r.player.Run(ctx, bargein.Request{CallID: id, AudioFile: p.File, Keywords: p.Keywords})
		if s.add(res) {
			break
		}
	}

	result, classified := th.Classify(s.transcript())
	if !s.hungUp && ctx.Err() == nil {
		if obj, ok := th.Objection(s.transcript()); ok && obj.Reply != "" {
			s.add(r.player.Run(ctx, bargein.Request{CallID: id, AudioFile: obj.Reply}))
			if !classified {
				result, classified = th.Classify(s.transcript())
			}
		}
	}
	if !s.hungUp && ctx.Err() == nil && th.Closing != "" {
		s.add(r.player.Run(ctx, bargein.Request{CallID: id, AudioFile: th.Closing}))
	}

	o := outcome.Outcome{
		Answered:   true,
		BargedIn:   s.bargedIn,
		Transcript: s.transcript(),
		Latency:    s.latency,
		UpdatedAt:  r.now(),
	}
	if classified {
		o.Qualification = result
		o.Sentiment = sentiment(result)
	}
	r.record(ctx, id, o, log)

	if !s.hungUp {
		hangCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), commandTimeout)
		if err := r.client.Hangup(hangCtx, id, "NORMAL_CLEARING"); err != nil {
			log.Debug("interaction: hangup", zap.Error(err))
		}
		cancel()
	}
	log.Info("interaction: finished",
		zap.String("theme", th.Name),
		zap.String("qualification", string(o.Qualification)),
		zap.Bool("barged_in", o.BargedIn),
	)
}

func (r *Runner) startRecording(ctx context.Context, id string, log *zap.Logger) {
	if r.recordPath == nil {
		return
	}
	if err := r.client.SetVariable(ctx, id, "RECORD_STEREO", "true"); err != nil {
		log.Warn("interaction: stereo recording", zap.Error(err))
	}
	if err := r.client.Execute(ctx, id, "record_session", r.recordPath(id)); err != nil {
		log.Warn("interaction: start recording", zap.Error(err))
	}
}

func (r *Runner) record(ctx context.Context, id string, o outcome.Outcome, log *zap.Logger) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), commandTimeout)
	defer cancel()
	if err := r.outcomes.Record(ctx, id, o); err != nil {
		log.Warn("interaction: record outcome", zap.Error(err))
	}
}

type session struct {
	fragments []string
	bargedIn  bool
	latency   time.Duration
	hungUp    bool
}

// add folds a phase result in and reports whether the prompt sequence
// should stop.
func (s *session) add(res bargein.Result) bool {
	if t := strings.TrimSpace(res.Transcription); t != "" {
		s.fragments = append(s.fragments, t)
	}
	if res.BargedIn && !s.bargedIn {
		s.bargedIn = true
		s.latency = res.Latency
	}
	switch res.Reason {
	case bargein.ReasonHangup, bargein.ReasonStreamClosed:
		s.hungUp = true
		return true
	case bargein.ReasonCancelled:
		return true
	}
	return res.BargedIn
}

func (s *session) transcript() string {
	return strings.Join(s.fragments, " ")
}

func sentiment(r domain.CallResult) string {
	switch r {
	case domain.CallResultLead:
		return "positive"
	case domain.CallResultNotInterested:
		return "negative"
	default:
		return "neutral"
	}
}
