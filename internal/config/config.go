// Package config loads controller settings from an optional YAML file and
// ANALYSIS_-prefixed environment variables.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"

	"github.com/ahrav/analysis-armada/internal/app/analysis"
	"github.com/ahrav/analysis-armada/internal/infra/cluster/kubernetes"
)

// EnvPrefix is prepended to every environment override, e.g.
// ANALYSIS_DATABASE_URL or ANALYSIS_POLICY_IGNORE_LIMIT.
const EnvPrefix = "ANALYSIS"

// Config is the full controller configuration.
type Config struct {
	LogLevel  string          `mapstructure:"log_level" validate:"oneof=debug info warn error DEBUG INFO WARN ERROR"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Kafka     KafkaConfig     `mapstructure:"kafka"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
	Cluster   ClusterConfig   `mapstructure:"cluster"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Policy    PolicyConfig    `mapstructure:"policy"`
	Executor  ExecutorConfig  `mapstructure:"executor"`
	Subjects  SubjectsConfig  `mapstructure:"subjects"`
	Server    ServerConfig    `mapstructure:"server"`
}

// DatabaseConfig selects the store backend. With an empty URL the controller
// keeps all state in memory.
type DatabaseConfig struct {
	URL             string        `mapstructure:"url"`
	MinConns        int32         `mapstructure:"min_conns" validate:"gte=0"`
	MaxConns        int32         `mapstructure:"max_conns" validate:"gte=1"`
	ConnectTimeout  time.Duration `mapstructure:"connect_timeout" validate:"gt=0"`
	MigrateOnStart  bool          `mapstructure:"migrate_on_start"`
	UseAdvisoryLock bool          `mapstructure:"use_advisory_lock"`
}

// KafkaConfig configures the event bus. With no brokers events stay
// in-process.
type KafkaConfig struct {
	Brokers        []string      `mapstructure:"brokers"`
	QueueTopic     string        `mapstructure:"queue_topic" validate:"required_with=Brokers"`
	LifecycleTopic string        `mapstructure:"lifecycle_topic" validate:"required_with=Brokers"`
	RequestTopic   string        `mapstructure:"request_topic" validate:"required_with=Brokers"`
	GroupID        string        `mapstructure:"group_id" validate:"required_with=Brokers"`
	ConnectTimeout time.Duration `mapstructure:"connect_timeout" validate:"gt=0"`
	PublishRetry   time.Duration `mapstructure:"publish_retry" validate:"gte=0"`
}

// TelemetryConfig configures OTLP export. An empty endpoint disables it.
type TelemetryConfig struct {
	ServiceName      string  `mapstructure:"service_name" validate:"required"`
	ExporterEndpoint string  `mapstructure:"exporter_endpoint"`
	SamplingRatio    float64 `mapstructure:"sampling_ratio" validate:"gte=0,lte=1"`
	Insecure         bool    `mapstructure:"insecure"`
}

// ClusterConfig selects the leader election mode.
type ClusterConfig struct {
	Mode string `mapstructure:"mode" validate:"oneof=standalone kubernetes"`
	// Kubernetes is only validated in kubernetes mode.
	Kubernetes kubernetes.K8sConfig `mapstructure:"kubernetes" validate:"-"`
}

// SchedulerConfig mirrors analysis.SchedulerConfig.
type SchedulerConfig struct {
	Interval      time.Duration `mapstructure:"interval" validate:"gt=0"`
	Workers       int           `mapstructure:"workers" validate:"gte=1"`
	BatchSize     int           `mapstructure:"batch_size" validate:"gte=1"`
	RatePerSecond float64       `mapstructure:"rate_per_second" validate:"gte=0"`
	Burst         int           `mapstructure:"burst" validate:"gte=1"`
	PurgeEvery    int           `mapstructure:"purge_every" validate:"gte=0"`
}

// PolicyConfig mirrors analysis.Policy and analysis.RetryPolicy.
type PolicyConfig struct {
	IgnoreMinutes         int           `mapstructure:"ignore_minutes" validate:"gte=1"`
	ExtendedIgnoreMinutes int           `mapstructure:"extended_ignore_minutes" validate:"gtefield=IgnoreMinutes"`
	IgnoreLimit           int           `mapstructure:"ignore_limit" validate:"gte=1"`
	QueueBacklogWarning   int           `mapstructure:"queue_backlog_warning" validate:"gte=0"`
	Retention             time.Duration `mapstructure:"retention" validate:"gt=0"`
	RetryDelay            time.Duration `mapstructure:"retry_delay" validate:"gt=0"`
	MaxRetries            int           `mapstructure:"max_retries" validate:"gte=0"`
}

// ExecutorConfig tunes the worker task executor.
type ExecutorConfig struct {
	TaskTimeout  time.Duration `mapstructure:"task_timeout" validate:"gt=0"`
	StateRetries int           `mapstructure:"state_retries" validate:"gte=0"`
}

// SubjectsConfig locates the subject catalog.
type SubjectsConfig struct {
	CatalogPath  string   `mapstructure:"catalog_path" validate:"required"`
	DemoPatterns []string `mapstructure:"demo_patterns"`
}

// ServerConfig holds listener addresses.
type ServerConfig struct {
	HealthAddr  string `mapstructure:"health_addr" validate:"required"`
	MetricsAddr string `mapstructure:"metrics_addr"`
	GRPCAddr    string `mapstructure:"grpc_addr"`
}

func setDefaults(v *viper.Viper) {
	policy := analysis.DefaultPolicy()
	retry := analysis.DefaultRetryPolicy()
	sched := analysis.DefaultSchedulerConfig()

	v.SetDefault("log_level", "info")

	v.SetDefault("database.url", "")
	v.SetDefault("database.min_conns", 5)
	v.SetDefault("database.max_conns", 20)
	v.SetDefault("database.connect_timeout", 2*time.Minute)
	v.SetDefault("database.migrate_on_start", true)
	v.SetDefault("database.use_advisory_lock", true)

	v.SetDefault("kafka.brokers", []string{})
	v.SetDefault("kafka.queue_topic", "analysis-queue")
	v.SetDefault("kafka.lifecycle_topic", "analysis-lifecycle")
	v.SetDefault("kafka.request_topic", "analysis-requests")
	v.SetDefault("kafka.group_id", "analysis-controller")
	v.SetDefault("kafka.connect_timeout", 2*time.Minute)
	v.SetDefault("kafka.publish_retry", 10*time.Second)

	v.SetDefault("telemetry.service_name", "analysis-controller")
	v.SetDefault("telemetry.exporter_endpoint", "")
	v.SetDefault("telemetry.sampling_ratio", 0.1)
	v.SetDefault("telemetry.insecure", true)

	v.SetDefault("cluster.mode", "standalone")
	v.SetDefault("cluster.kubernetes.namespace", "")
	v.SetDefault("cluster.kubernetes.identity", "")
	v.SetDefault("cluster.kubernetes.leader_lock_id", "analysis-controller-leader-lock")
	v.SetDefault("cluster.kubernetes.lease_duration", 15*time.Second)
	v.SetDefault("cluster.kubernetes.renew_deadline", 10*time.Second)
	v.SetDefault("cluster.kubernetes.retry_period", 2*time.Second)

	v.SetDefault("scheduler.interval", sched.Interval)
	v.SetDefault("scheduler.workers", sched.Workers)
	v.SetDefault("scheduler.batch_size", sched.BatchSize)
	v.SetDefault("scheduler.rate_per_second", sched.RatePerSecond)
	v.SetDefault("scheduler.burst", sched.Burst)
	v.SetDefault("scheduler.purge_every", sched.PurgeEvery)

	v.SetDefault("policy.ignore_minutes", policy.IgnoreMinutes)
	v.SetDefault("policy.extended_ignore_minutes", policy.ExtendedIgnoreMinutes)
	v.SetDefault("policy.ignore_limit", policy.IgnoreLimit)
	v.SetDefault("policy.queue_backlog_warning", policy.QueueBacklogWarning)
	v.SetDefault("policy.retention", policy.Retention)
	v.SetDefault("policy.retry_delay", retry.Delay)
	v.SetDefault("policy.max_retries", retry.MaxRetries)

	v.SetDefault("executor.task_timeout", 30*time.Minute)
	v.SetDefault("executor.state_retries", 2)

	v.SetDefault("subjects.catalog_path", "/etc/analysis/subjects.yaml")
	v.SetDefault("subjects.demo_patterns", []string{})

	v.SetDefault("server.health_addr", ":8080")
	v.SetDefault("server.metrics_addr", ":9090")
	v.SetDefault("server.grpc_addr", ":50051")
}

// Load reads path when it is not empty, applies environment overrides and
// validates the result.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks every field constraint.
func (c *Config) Validate() error {
	validate := validator.New(validator.WithRequiredStructEnabled())
	if err := validate.Struct(c); err != nil {
		return validationError(err)
	}
	if c.Cluster.Mode == "kubernetes" {
		if err := validate.Struct(&c.Cluster.Kubernetes); err != nil {
			return validationError(err)
		}
	}
	return nil
}

func validationError(err error) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return fmt.Errorf("invalid config: %w", err)
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		msgs = append(msgs, fmt.Sprintf("%s failed %q", fe.Namespace(), fe.Tag()))
	}
	return fmt.Errorf("invalid config: %s", strings.Join(msgs, "; "))
}

// AnalysisPolicy converts the policy section.
func (c *Config) AnalysisPolicy() analysis.Policy {
	return analysis.Policy{
		IgnoreMinutes:         c.Policy.IgnoreMinutes,
		ExtendedIgnoreMinutes: c.Policy.ExtendedIgnoreMinutes,
		IgnoreLimit:           c.Policy.IgnoreLimit,
		QueueBacklogWarning:   c.Policy.QueueBacklogWarning,
		Retention:             c.Policy.Retention,
	}
}

// RetryPolicy converts the retry fields of the policy section.
func (c *Config) RetryPolicy() analysis.RetryPolicy {
	return analysis.RetryPolicy{Delay: c.Policy.RetryDelay, MaxRetries: c.Policy.MaxRetries}
}

// SchedulerConfig converts the scheduler section.
func (c *Config) SchedulerConfig() analysis.SchedulerConfig {
	return analysis.SchedulerConfig{
		Interval:      c.Scheduler.Interval,
		Workers:       c.Scheduler.Workers,
		BatchSize:     c.Scheduler.BatchSize,
		RatePerSecond: c.Scheduler.RatePerSecond,
		Burst:         c.Scheduler.Burst,
		PurgeEvery:    c.Scheduler.PurgeEvery,
	}
}
