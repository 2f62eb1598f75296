// Package dispatcher launches, retries and reconciles outbound calls.
package dispatcher

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/acme/outbound-dialer/internal/config"
	"github.com/acme/outbound-dialer/internal/domain"
	"github.com/acme/outbound-dialer/internal/observability"
	"github.com/acme/outbound-dialer/internal/repository"
	"github.com/acme/outbound-dialer/internal/service/concurrency"
	"github.com/acme/outbound-dialer/internal/service/outcome"
	"github.com/acme/outbound-dialer/internal/telephony"
)

const tracerName = "outbound.dispatcher"

// ErrRunning is returned by Start on a dispatcher that is already running.
var ErrRunning = errors.New("dispatcher: already running")

// Campaigns is the part of the campaign service the dispatcher needs.
type Campaigns interface {
	ListByStatus(ctx context.Context, status domain.CampaignStatus, limit int) ([]*domain.Campaign, error)
	Complete(ctx context.Context, id uuid.UUID) (*domain.Campaign, error)
}

// Calls is the call transition service.
type Calls interface {
	Apply(ctx context.Context, id uuid.UUID, current *domain.Call, ev domain.CallEvent) (*domain.Call, error)
	GetByChannel(ctx context.Context, channelID string) (*domain.Call, error)
}

// Config gathers the settings of every loop.
type Config struct {
	InstanceID       string
	Dispatcher       config.DispatcherConfig
	Retry            config.RetryConfig
	Reconcile        config.ReconcileConfig
	Throttle         config.ThrottleConfig
	OriginateTimeout time.Duration
}

// ConfigFrom picks the dispatcher settings out of the application config.
func ConfigFrom(cfg *config.Config) Config {
	return Config{
		InstanceID:       cfg.App.InstanceID,
		Dispatcher:       cfg.Dispatcher,
		Retry:            cfg.Retry,
		Reconcile:        cfg.Reconcile,
		Throttle:         cfg.Throttle,
		OriginateTimeout: cfg.Telephony.OriginateTimeout,
	}
}

// Deps are the collaborators of a Dispatcher. Metrics may be nil.
type Deps struct {
	Campaigns Campaigns
	Calls     Calls
	Repo      repository.CallRepository
	Client    telephony.Client
	Lease     concurrency.Lease
	Outcomes  outcome.Store
	Metrics   *observability.Metrics
	Log       *zap.Logger
}

// Dispatcher owns the launch, retry, reconcile and tracker loops of one
// process. Campaigns are only launched while this process holds their lease.
type Dispatcher struct {
	cfg       Config
	ceilings  concurrency.Ceilings
	campaigns Campaigns
	calls     Calls
	repo      repository.CallRepository
	client    telephony.Client
	lease     concurrency.Lease
	outcomes  outcome.Store
	metrics   *observability.Metrics
	log       *zap.Logger
	now       func() time.Time

	mu     sync.Mutex
	held   map[uuid.UUID]struct{}
	cancel context.CancelFunc
	done   chan struct{}
	err    error
}

// Option customises the dispatcher.
type Option func(*Dispatcher)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(d *Dispatcher) { d.now = now }
}

// New builds a dispatcher.
func New(cfg Config, deps Deps, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		cfg: cfg,
		ceilings: concurrency.Ceilings{
			System:             cfg.Throttle.GlobalConcurrency,
			DefaultPerCampaign: cfg.Throttle.DefaultPerCampaign,
		},
		campaigns: deps.Campaigns,
		calls:     deps.Calls,
		repo:      deps.Repo,
		client:    deps.Client,
		lease:     deps.Lease,
		outcomes:  deps.Outcomes,
		metrics:   deps.Metrics,
		log:       deps.Log,
		now:       func() time.Time { return time.Now().UTC() },
		held:      make(map[uuid.UUID]struct{}),
	}
	if d.metrics == nil {
		d.metrics = observability.NewMetrics(nil)
	}
	if d.log == nil {
		d.log = zap.NewNop()
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Start launches every loop in the background.
func (d *Dispatcher) Start(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.cancel != nil {
		return ErrRunning
	}

	ctx, cancel := context.WithCancel(ctx)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return d.loop(gctx, "launch", d.cfg.Dispatcher.PollInterval, d.LaunchCycle) })
	g.Go(func() error { return d.loop(gctx, "retry", d.cfg.Retry.Interval, d.RetryCycle) })
	g.Go(func() error { return d.loop(gctx, "reconcile", d.cfg.Reconcile.Interval, d.Reconcile) })
	g.Go(func() error { return d.track(gctx) })

	d.cancel = cancel
	d.done = make(chan struct{})
	done := d.done
	go func() {
		err := g.Wait()
		d.releaseLeases()
		d.mu.Lock()
		if errors.Is(err, context.Canceled) {
			err = nil
		}
		d.err = err
		d.cancel = nil
		d.mu.Unlock()
		close(done)
	}()

	d.log.Info("dispatcher: started", zap.String("instance", d.cfg.InstanceID))
	return nil
}

// Stop cancels the loops and waits for the cycle in flight to return.
// Calls already originated are left to reconciliation.
func (d *Dispatcher) Stop() error {
	d.mu.Lock()
	cancel := d.cancel
	d.mu.Unlock()
	if cancel == nil {
		return nil
	}
	cancel()
	return d.Wait()
}

// Wait blocks until the loops have exited.
func (d *Dispatcher) Wait() error {
	d.mu.Lock()
	done := d.done
	d.mu.Unlock()
	if done == nil {
		return nil
	}
	<-done

	d.mu.Lock()
	defer d.mu.Unlock()
	return d.err
}

// Run starts the dispatcher and blocks until ctx is cancelled.
func (d *Dispatcher) Run(ctx context.Context) error {
	if err := d.Start(ctx); err != nil {
		return err
	}
	return d.Wait()
}

func (d *Dispatcher) loop(ctx context.Context, name string, interval time.Duration, cycle func(context.Context) error) error {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		started := time.Now()
		err := cycle(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		d.metrics.ObserveCycle(name, started, err)
		if err != nil {
			d.log.Error("dispatcher: cycle failed", zap.String("cycle", name), zap.Error(err))
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (d *Dispatcher) hold(id uuid.UUID) {
	d.mu.Lock()
	d.held[id] = struct{}{}
	d.mu.Unlock()
}

func (d *Dispatcher) releaseLeases() {
	d.mu.Lock()
	ids := make([]uuid.UUID, 0, len(d.held))
	for id := range d.held {
		ids = append(ids, id)
	}
	d.held = make(map[uuid.UUID]struct{})
	d.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for _, id := range ids {
		if err := d.lease.Release(ctx, id); err != nil {
			d.log.Warn("dispatcher: release lease", zap.String("campaign_id", id.String()), zap.Error(err))
		}
	}
}
