package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config captures the full configuration surface for the dialer.
type Config struct {
	App        AppConfig        `mapstructure:"app"`
	HTTP       HTTPConfig       `mapstructure:"http"`
	Postgres   PostgresConfig   `mapstructure:"postgres"`
	Scylla     ScyllaConfig     `mapstructure:"scylla"`
	Kafka      KafkaConfig      `mapstructure:"kafka"`
	MQTT       MQTTConfig       `mapstructure:"mqtt"`
	Events     EventsConfig     `mapstructure:"events"`
	Redis      RedisConfig      `mapstructure:"redis"`
	Telemetry  TelemetryConfig  `mapstructure:"telemetry"`
	Metrics    MetricsConfig    `mapstructure:"metrics"`
	Dispatcher DispatcherConfig `mapstructure:"dispatcher"`
	Retry      RetryConfig      `mapstructure:"retry"`
	Reconcile  ReconcileConfig  `mapstructure:"reconcile"`
	Throttle   ThrottleConfig   `mapstructure:"throttle"`
	Telephony  TelephonyConfig  `mapstructure:"telephony"`
	BargeIn    BargeInConfig    `mapstructure:"bargein"`
	Echo       EchoConfig       `mapstructure:"echo"`
	Themes     ThemesConfig     `mapstructure:"themes"`
}

type AppConfig struct {
	Name    string `mapstructure:"name"`
	Env     string `mapstructure:"env"`
	Version string `mapstructure:"version"`
	// InstanceID identifies this process when acquiring dispatcher leases.
	InstanceID string `mapstructure:"instance_id"`
	// Storage is postgres for production or memory for dry runs.
	Storage string `mapstructure:"storage"`
}

type HTTPConfig struct {
	Port         int           `mapstructure:"port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	IdleTimeout  time.Duration `mapstructure:"idle_timeout"`
}

type PostgresConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	User            string        `mapstructure:"user"`
	Password        string        `mapstructure:"password"`
	Database        string        `mapstructure:"database"`
	SSLMode         string        `mapstructure:"ssl_mode"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
	MaxConnIdleTime time.Duration `mapstructure:"max_conn_idle_time"`
}

type ScyllaConfig struct {
	Enabled     bool          `mapstructure:"enabled"`
	Hosts       []string      `mapstructure:"hosts"`
	Port        int           `mapstructure:"port"`
	Keyspace    string        `mapstructure:"keyspace"`
	Consistency string        `mapstructure:"consistency"`
	Timeout     time.Duration `mapstructure:"timeout"`
}

type KafkaConfig struct {
	Brokers    []string `mapstructure:"brokers"`
	ClientID   string   `mapstructure:"client_id"`
	EventTopic string   `mapstructure:"event_topic"`
	Partitions int      `mapstructure:"partitions"`
}

type MQTTConfig struct {
	Broker      string `mapstructure:"broker"`
	ClientID    string `mapstructure:"client_id"`
	QoS         byte   `mapstructure:"qos"`
	TopicPrefix string `mapstructure:"topic_prefix"`
}

// EventsConfig selects where call lifecycle events are published.
type EventsConfig struct {
	// Sink is one of kafka, mqtt or none.
	Sink string `mapstructure:"sink"`
}

type RedisConfig struct {
	Address      string        `mapstructure:"address"`
	Password     string        `mapstructure:"password"`
	DB           int           `mapstructure:"db"`
	DialTimeout  time.Duration `mapstructure:"dial_timeout"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	PoolSize     int           `mapstructure:"pool_size"`
	MinIdleConns int           `mapstructure:"min_idle_conns"`
	MaxRetries   int           `mapstructure:"max_retries"`
	OutcomeTTL   time.Duration `mapstructure:"outcome_ttl"`
}

type TelemetryConfig struct {
	Endpoint        string        `mapstructure:"endpoint"`
	ServiceName     string        `mapstructure:"service_name"`
	SampleRatio     float64       `mapstructure:"sample_ratio"`
	TracingEnabled  bool          `mapstructure:"tracing_enabled"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Path    string `mapstructure:"path"`
}

type DispatcherConfig struct {
	PollInterval     time.Duration `mapstructure:"poll_interval"`
	InterCallDelay   time.Duration `mapstructure:"inter_call_delay"`
	DefaultBatchSize int           `mapstructure:"default_batch_size"`
	CampaignLimit    int           `mapstructure:"campaign_limit"`
	LeaseTTL         time.Duration `mapstructure:"lease_ttl"`
	LeaseKeyPrefix   string        `mapstructure:"lease_key_prefix"`
}

type RetryConfig struct {
	Interval          time.Duration `mapstructure:"interval"`
	NoAnswerDelay     time.Duration `mapstructure:"no_answer_delay"`
	BusyDelay         time.Duration `mapstructure:"busy_delay"`
	PriorityBoost     int           `mapstructure:"priority_boost"`
	BatchSize         int           `mapstructure:"batch_size"`
	DefaultMaxRetries int           `mapstructure:"default_max_retries"`
}

type ReconcileConfig struct {
	Interval   time.Duration `mapstructure:"interval"`
	Grace      time.Duration `mapstructure:"grace"`
	StuckAfter time.Duration `mapstructure:"stuck_after"`
	BatchSize  int           `mapstructure:"batch_size"`
}

type ThrottleConfig struct {
	GlobalConcurrency  int `mapstructure:"global_concurrency"`
	DefaultPerCampaign int `mapstructure:"default_per_campaign"`
}

type TelephonyConfig struct {
	// Driver is esl for a real media server or mock for dry runs.
	Driver           string        `mapstructure:"driver"`
	Address          string        `mapstructure:"address"`
	Password         string        `mapstructure:"password"`
	DialString       string        `mapstructure:"dial_string"`
	CallerID         string        `mapstructure:"caller_id"`
	CommandTimeout   time.Duration `mapstructure:"command_timeout"`
	OriginateTimeout time.Duration `mapstructure:"originate_timeout"`
	RecordDir        string        `mapstructure:"record_dir"`
}

type BargeInConfig struct {
	ASRModule       string        `mapstructure:"asr_module"`
	ASREngine       string        `mapstructure:"asr_engine"`
	SpeechThreshold time.Duration `mapstructure:"speech_threshold"`
	SmoothingDelay  time.Duration `mapstructure:"smoothing_delay"`
	MinConfidence   float64       `mapstructure:"min_confidence"`
	PollInterval    time.Duration `mapstructure:"poll_interval"`
	Timeout         time.Duration `mapstructure:"timeout"`
	GrammarDir      string        `mapstructure:"grammar_dir"`
	CaptureWindow   time.Duration `mapstructure:"capture_window"`
}

type EchoConfig struct {
	Enabled         bool    `mapstructure:"enabled"`
	Advanced        bool    `mapstructure:"advanced"`
	LoudThreshold   float64 `mapstructure:"loud_threshold"`
	RMSTolerance    float64 `mapstructure:"rms_tolerance"`
	ZCRTolerance    float64 `mapstructure:"zcr_tolerance"`
	CepstralMin     float64 `mapstructure:"cepstral_min"`
	SpectralMin     float64 `mapstructure:"spectral_min"`
	XCorrMin        float64 `mapstructure:"xcorr_min"`
	CombinedMin     float64 `mapstructure:"combined_min"`
	ReferenceWindow int     `mapstructure:"reference_window"`
}

type ThemesConfig struct {
	Dir      string `mapstructure:"dir"`
	Fallback string `mapstructure:"fallback"`
}

// Load reads configuration from file and environment variables. A .env file
// next to the process is loaded first when present.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("config: failed to load .env: %w", err)
	}

	v := viper.New()
	setDefaults(v)

	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	v.AutomaticEnv()
	v.SetEnvPrefix("DIALER")
	v.SetEnvKeyReplacer(NewEnvReplacer())

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("config: failed to read config file: %w", err)
	}

	cfg := new(Config)
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("config: failed to unmarshal config: %w", err)
	}

	if cfg.App.InstanceID == "" {
		host, _ := os.Hostname()
		cfg.App.InstanceID = fmt.Sprintf("%s-%d", host, os.Getpid())
	}

	return cfg, nil
}

// NewEnvReplacer standardizes environment variable names.
func NewEnvReplacer() *strings.Replacer {
	return strings.NewReplacer(".", "_", "-", "_")
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "outbound-dialer")
	v.SetDefault("app.env", "development")
	v.SetDefault("app.storage", "postgres")
	v.SetDefault("http.port", 8080)
	v.SetDefault("events.sink", "kafka")
	v.SetDefault("kafka.event_topic", "dialer.call-events")
	v.SetDefault("kafka.partitions", 12)
	v.SetDefault("mqtt.qos", 1)
	v.SetDefault("mqtt.topic_prefix", "dialer")
	v.SetDefault("redis.outcome_ttl", 6*time.Hour)
	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.path", "/metrics")

	v.SetDefault("dispatcher.poll_interval", 2*time.Second)
	v.SetDefault("dispatcher.inter_call_delay", 200*time.Millisecond)
	v.SetDefault("dispatcher.default_batch_size", 10)
	v.SetDefault("dispatcher.campaign_limit", 200)
	v.SetDefault("dispatcher.lease_ttl", 15*time.Second)
	v.SetDefault("dispatcher.lease_key_prefix", "dialer:lease")

	v.SetDefault("retry.interval", 10*time.Second)
	v.SetDefault("retry.no_answer_delay", 30*time.Minute)
	v.SetDefault("retry.busy_delay", 5*time.Minute)
	v.SetDefault("retry.priority_boost", 10)
	v.SetDefault("retry.batch_size", 100)
	v.SetDefault("retry.default_max_retries", 2)

	v.SetDefault("reconcile.interval", 15*time.Second)
	v.SetDefault("reconcile.grace", 20*time.Second)
	v.SetDefault("reconcile.stuck_after", 2*time.Minute)
	v.SetDefault("reconcile.batch_size", 500)

	v.SetDefault("throttle.global_concurrency", 30)
	v.SetDefault("throttle.default_per_campaign", 5)

	v.SetDefault("telephony.driver", "esl")
	v.SetDefault("telephony.address", "127.0.0.1:8021")
	v.SetDefault("telephony.password", "ClueCon")
	v.SetDefault("telephony.dial_string", "sofia/gateway/default")
	v.SetDefault("telephony.command_timeout", 5*time.Second)
	v.SetDefault("telephony.originate_timeout", 10*time.Second)

	v.SetDefault("bargein.asr_module", "mod_vosk")
	v.SetDefault("bargein.asr_engine", "vosk")
	v.SetDefault("bargein.speech_threshold", 1500*time.Millisecond)
	v.SetDefault("bargein.smoothing_delay", 150*time.Millisecond)
	v.SetDefault("bargein.min_confidence", 50.0)
	v.SetDefault("bargein.poll_interval", 100*time.Millisecond)
	v.SetDefault("bargein.timeout", 30*time.Second)
	v.SetDefault("bargein.capture_window", 500*time.Millisecond)

	v.SetDefault("echo.enabled", true)
	v.SetDefault("echo.advanced", true)
	v.SetDefault("echo.loud_threshold", 0.6)
	v.SetDefault("echo.rms_tolerance", 0.2)
	v.SetDefault("echo.zcr_tolerance", 0.15)
	v.SetDefault("echo.cepstral_min", 0.9)
	v.SetDefault("echo.spectral_min", 0.9)
	v.SetDefault("echo.xcorr_min", 0.7)
	v.SetDefault("echo.combined_min", 0.75)
	v.SetDefault("echo.reference_window", 4096)

	v.SetDefault("themes.dir", "themes")
	v.SetDefault("themes.fallback", "general")
}
