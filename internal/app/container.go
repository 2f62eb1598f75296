package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	redis "github.com/redis/go-redis/v9"

	"github.com/acme/outbound-dialer/internal/bargein"
	"github.com/acme/outbound-dialer/internal/config"
	"github.com/acme/outbound-dialer/internal/dispatcher"
	"github.com/acme/outbound-dialer/internal/echo"
	"github.com/acme/outbound-dialer/internal/infra/db"
	redisinfra "github.com/acme/outbound-dialer/internal/infra/redis"
	"github.com/acme/outbound-dialer/internal/interaction"
	"github.com/acme/outbound-dialer/internal/observability"
	"github.com/acme/outbound-dialer/internal/queue"
	"github.com/acme/outbound-dialer/internal/repository"
	"github.com/acme/outbound-dialer/internal/repository/memory"
	pgrepo "github.com/acme/outbound-dialer/internal/repository/postgres"
	scyllarepo "github.com/acme/outbound-dialer/internal/repository/scylla"
	callsvc "github.com/acme/outbound-dialer/internal/service/call"
	campaignsvc "github.com/acme/outbound-dialer/internal/service/campaign"
	"github.com/acme/outbound-dialer/internal/service/concurrency"
	"github.com/acme/outbound-dialer/internal/service/outcome"
	"github.com/acme/outbound-dialer/internal/telephony"
	"github.com/acme/outbound-dialer/internal/telephony/esl"
	"github.com/acme/outbound-dialer/internal/telephony/mock"
	"github.com/acme/outbound-dialer/internal/theme"
	"github.com/acme/outbound-dialer/migrations"
	"github.com/acme/outbound-dialer/pkg/logger"
)

const (
	StorageMemory   = "memory"
	StoragePostgres = "postgres"

	DriverESL  = "esl"
	DriverMock = "mock"

	SinkKafka = "kafka"
	SinkMQTT  = "mqtt"
	SinkNone  = "none"
)

// Container wires together shared infrastructure dependencies.
type Container struct {
	Config  *config.Config
	Logger  *logger.Logger
	Metrics *observability.Metrics

	// Nil when the matching backend is not configured.
	Postgres *db.Postgres
	Scylla   *db.Scylla
	Redis    *redis.Client
	Kafka    *queue.Kafka

	Telephony telephony.Client

	memory *memory.Store
	events *queue.CallEvents

	components struct {
		once         sync.Once
		err          error
		repositories *repositories
		services     *services
		runtime      *runtime
	}
}

type repositories struct {
	Campaigns     repository.CampaignRepository
	BusinessHours repository.BusinessHourRepository
	Contacts      repository.ContactRepository
	Calls         repository.CallRepository
	Stats         repository.CampaignStatisticsRepository
	Attempts      repository.AttemptJournal
}

type services struct {
	Campaign *campaignsvc.Service
	Call     *callsvc.Service
}

type runtime struct {
	Themes     *theme.Registry
	Outcomes   outcome.Store
	Lease      concurrency.Lease
	Capture    echo.FileCapture
	Detector   *bargein.Detector
	Runner     *interaction.Runner
	Dispatcher *dispatcher.Dispatcher
}

// Build loads the configuration file and constructs a container.
func Build(ctx context.Context, configPath string) (*Container, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}

	lg, err := logger.New(cfg.App.Env)
	if err != nil {
		return nil, err
	}

	c, err := New(ctx, cfg, lg)
	if err != nil {
		lg.Sync()
		return nil, err
	}
	return c, nil
}

// New connects the configured backends and wires every component.
func New(ctx context.Context, cfg *config.Config, lg *logger.Logger) (*Container, error) {
	c := &Container{
		Config:  cfg,
		Logger:  lg,
		Metrics: observability.NewMetrics(nil),
	}
	if err := c.connect(ctx); err != nil {
		_ = c.Close(context.Background())
		return nil, err
	}
	c.initComponents()
	if err := c.components.err; err != nil {
		_ = c.Close(context.Background())
		return nil, err
	}
	return c, nil
}

func (c *Container) connect(ctx context.Context) error {
	cfg := c.Config
	log := c.Logger.Logger

	switch strings.ToLower(cfg.App.Storage) {
	case StorageMemory:
		c.memory = memory.NewStore()
		log.Warn("app: using in-memory storage, state is lost on exit")
	case StoragePostgres, "":
		pg, err := db.NewPostgres(ctx, cfg.Postgres)
		if err != nil {
			return fmt.Errorf("bootstrap postgres: %w", err)
		}
		c.Postgres = pg
		if err := pg.Migrate(ctx, migrations.Postgres, log); err != nil {
			return fmt.Errorf("bootstrap postgres: %w", err)
		}

		redisClient, err := redisinfra.NewClient(ctx, cfg.Redis)
		if err != nil {
			return fmt.Errorf("bootstrap redis: %w", err)
		}
		c.Redis = redisClient
	default:
		return fmt.Errorf("bootstrap: unknown storage %q", cfg.App.Storage)
	}

	if cfg.Scylla.Enabled {
		scylla, err := db.NewScylla(cfg.Scylla)
		if err != nil {
			return fmt.Errorf("bootstrap scylla: %w", err)
		}
		c.Scylla = scylla
		if err := scylla.ApplySchema(migrations.Scylla); err != nil {
			return fmt.Errorf("bootstrap scylla: %w", err)
		}
	}

	var pub queue.Publisher
	switch strings.ToLower(cfg.Events.Sink) {
	case SinkKafka:
		kafka, err := queue.NewKafka(cfg.Kafka)
		if err != nil {
			return fmt.Errorf("bootstrap kafka: %w", err)
		}
		c.Kafka = kafka
		pub = queue.NewKafkaPublisher(kafka)
	case SinkMQTT:
		mqttPub, err := queue.NewMQTTPublisher(cfg.MQTT)
		if err != nil {
			return fmt.Errorf("bootstrap mqtt: %w", err)
		}
		pub = mqttPub
	case SinkNone, "":
		pub = queue.NopPublisher{}
	default:
		return fmt.Errorf("bootstrap: unknown event sink %q", cfg.Events.Sink)
	}
	c.events = queue.NewCallEvents(pub, cfg.Kafka.EventTopic)

	switch strings.ToLower(cfg.Telephony.Driver) {
	case DriverMock:
		c.Telephony = mock.NewServer(
			mock.WithScript(mock.Randomized(time.Now().UnixNano(), 0.6, time.Second, 8*time.Second)),
			mock.WithModules(cfg.BargeIn.ASRModule),
		)
		log.Warn("app: using the simulated media server")
	case DriverESL, "":
		c.Telephony = esl.New(cfg.Telephony, log.Named("esl"))
	default:
		return fmt.Errorf("bootstrap: unknown telephony driver %q", cfg.Telephony.Driver)
	}
	return nil
}

func (c *Container) initComponents() {
	c.components.once.Do(func() {
		cfg := c.Config
		log := c.Logger.Logger

		repos := c.buildRepositories()

		services := &services{
			Campaign: campaignsvc.NewService(
				repos.Campaigns,
				repos.BusinessHours,
				repos.Contacts,
				repos.Calls,
				repos.Stats,
				campaignsvc.Defaults{
					MaxConcurrentCalls: cfg.Throttle.DefaultPerCampaign,
					BatchSize:          cfg.Dispatcher.DefaultBatchSize,
					MaxRetries:         cfg.Retry.DefaultMaxRetries,
					Scenario:           cfg.Themes.Fallback,
				},
				log.Named("campaign"),
			),
			Call: callsvc.NewService(
				repos.Calls,
				repos.Contacts,
				repos.Stats,
				repos.Attempts,
				c.events,
				log.Named("call"),
			),
		}

		themes, err := theme.Load(cfg.Themes.Dir, cfg.Themes.Fallback, log.Named("theme"))
		if err != nil {
			c.components.err = fmt.Errorf("bootstrap themes: %w", err)
			return
		}

		rt := &runtime{Themes: themes}
		if c.Redis != nil {
			rt.Outcomes = outcome.NewRedisStore(c.Redis, cfg.Redis.OutcomeTTL)
			rt.Lease = concurrency.NewRedisLease(c.Redis, cfg.App.InstanceID, cfg.Dispatcher.LeaseKeyPrefix, cfg.Dispatcher.LeaseTTL)
		} else {
			rt.Outcomes = outcome.NewMemoryStore()
			rt.Lease = concurrency.NewLocalLease(cfg.App.InstanceID, cfg.Dispatcher.LeaseTTL)
		}

		rt.Capture = echo.FileCapture{Dir: cfg.Telephony.RecordDir, Channel: -1}
		rt.Detector = bargein.NewDetector(c.Telephony, cfg.BargeIn, log.Named("bargein"),
			bargein.WithEcho(cfg.Echo, rt.Capture),
			bargein.OnBargeIn(c.Metrics.BargeIn),
		)
		var runnerOpts []interaction.Option
		if cfg.Echo.Enabled && cfg.Telephony.RecordDir != "" {
			runnerOpts = append(runnerOpts, interaction.WithRecording(rt.Capture.Path))
		}
		rt.Runner = interaction.NewRunner(c.Telephony, rt.Detector, themes, rt.Outcomes, cfg.App.InstanceID, log.Named("interaction"), runnerOpts...)
		rt.Dispatcher = dispatcher.New(dispatcher.ConfigFrom(cfg), dispatcher.Deps{
			Campaigns: services.Campaign,
			Calls:     services.Call,
			Repo:      repos.Calls,
			Client:    c.Telephony,
			Lease:     rt.Lease,
			Outcomes:  rt.Outcomes,
			Metrics:   c.Metrics,
			Log:       log.Named("dispatcher"),
		})

		c.components.repositories = repos
		c.components.services = services
		c.components.runtime = rt
	})
}

func (c *Container) buildRepositories() *repositories {
	var repos *repositories
	if c.memory != nil {
		repos = &repositories{
			Campaigns:     c.memory.Campaigns(),
			BusinessHours: c.memory.BusinessHours(),
			Contacts:      c.memory.Contacts(),
			Calls:         c.memory.Calls(),
			Stats:         c.memory.Stats(),
			Attempts:      c.memory.Attempts(),
		}
	} else {
		sqlDB := c.Postgres.DB()
		repos = &repositories{
			Campaigns:     pgrepo.NewCampaignRepository(sqlDB),
			BusinessHours: pgrepo.NewBusinessHourRepository(sqlDB),
			Contacts:      pgrepo.NewContactRepository(sqlDB),
			Calls:         pgrepo.NewCallRepository(sqlDB),
			Stats:         pgrepo.NewCampaignStatisticsRepository(sqlDB),
		}
	}
	if c.Scylla != nil {
		repos.Attempts = scyllarepo.NewAttemptJournal(c.Scylla.Session())
	}
	return repos
}

// Repositories exposes initialized repositories.
func (c *Container) Repositories() *repositories {
	c.initComponents()
	return c.components.repositories
}

// Services exposes initialized services.
func (c *Container) Services() *services {
	c.initComponents()
	return c.components.services
}

// Runtime exposes the dispatcher side: lease, outcome store, barge-in and
// interaction runner.
func (c *Container) Runtime() *runtime {
	c.initComponents()
	return c.components.runtime
}

// Health pings every configured backend and returns the failures by name.
func (c *Container) Health(ctx context.Context) map[string]string {
	errs := make(map[string]string)
	if c.Postgres != nil {
		if err := c.Postgres.DB().PingContext(ctx); err != nil {
			errs["postgres"] = err.Error()
		}
	}
	if c.Redis != nil {
		if err := c.Redis.Ping(ctx).Err(); err != nil {
			errs["redis"] = err.Error()
		}
	}
	if c.Scylla != nil {
		if err := c.Scylla.Session().Query("SELECT now() FROM system.local").WithContext(ctx).Exec(); err != nil {
			errs["scylla"] = err.Error()
		}
	}
	return errs
}

// EnsureTopics creates the call event topic when Kafka is the sink.
func (c *Container) EnsureTopics(ctx context.Context) error {
	if c.Kafka == nil {
		return nil
	}
	partitions := c.Config.Kafka.Partitions
	if partitions <= 0 {
		partitions = 12
	}
	return c.Kafka.EnsureTopics(ctx, []string{c.Config.Kafka.EventTopic}, partitions, 1)
}

// Close releases all held resources.
func (c *Container) Close(ctx context.Context) error {
	var errs []error
	if c.Telephony != nil {
		if err := c.Telephony.Close(); err != nil {
			errs = append(errs, fmt.Errorf("telephony close: %w", err))
		}
	}
	if c.events != nil {
		if err := c.events.Close(); err != nil {
			errs = append(errs, fmt.Errorf("event sink close: %w", err))
		}
	}
	if c.Redis != nil {
		if err := c.Redis.Close(); err != nil {
			errs = append(errs, fmt.Errorf("redis close: %w", err))
		}
	}
	if c.Scylla != nil {
		if err := c.Scylla.Close(); err != nil {
			errs = append(errs, fmt.Errorf("scylla close: %w", err))
		}
	}
	if c.Postgres != nil {
		if err := c.Postgres.Close(); err != nil {
			errs = append(errs, fmt.Errorf("postgres close: %w", err))
		}
	}
	if c.Logger != nil {
		c.Logger.Sync()
	}
	return errors.Join(errs...)
}
