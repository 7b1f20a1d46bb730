package config

import (
	"fmt"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"

	"outbox/pkg/utils"
)

const envPrefix = "OUTBOX"

type Config struct {
	Redis     RedisConfig     `mapstructure:"redis"`
	Postgres  PostgresConfig  `mapstructure:"postgres"`
	Transport TransportConfig `mapstructure:"transport"`
	Pool      PoolConfig      `mapstructure:"pool"`
	Tracker   TrackerConfig   `mapstructure:"tracker"`
	Worker    WorkerConfig    `mapstructure:"worker"`
	Metrics   MetricsConfig   `mapstructure:"metrics"`
	Inbound   InboundConfig   `mapstructure:"inbound"`
}

type RedisConfig struct {
	Address   string `mapstructure:"address"`
	Password  string `mapstructure:"password"`
	DB        int    `mapstructure:"db"`
	KeyPrefix string `mapstructure:"key_prefix"`
}

type PostgresConfig struct {
	DSN      string `mapstructure:"dsn"`
	KeyCache int    `mapstructure:"key_cache"`
	// Host name local actors are published under; their keys are read from Postgres.
	LocalDomain string `mapstructure:"local_domain"`
}

type TransportConfig struct {
	UserAgent      string        `mapstructure:"user_agent"`
	DNSTimeout     time.Duration `mapstructure:"dns_timeout"`
	ConnectTimeout time.Duration `mapstructure:"connect_timeout"`
	ReadTimeout    time.Duration `mapstructure:"read_timeout"`
	MaxBodySize    int64         `mapstructure:"max_body_size"`
	Nameservers    []string      `mapstructure:"nameservers"`
	// Requests per second allowed per destination host; zero disables limiting.
	HostRateLimit float64 `mapstructure:"host_rate_limit"`
	HostRateBurst int     `mapstructure:"host_rate_burst"`
	// Hosts with a live rate limiter; older ones are forgotten first.
	HostRateLimiters int `mapstructure:"host_rate_limiters"`
	// Only for development federations on a private network.
	AllowPrivateAddresses bool `mapstructure:"allow_private_addresses"`
	// Extra trust roots added to the system pool.
	CAFile        string `mapstructure:"ca_file"`
	CADir         string `mapstructure:"ca_dir"`
	MinTLSVersion string `mapstructure:"min_tls_version"`
}

type PoolConfig struct {
	MaxIdleTime     time.Duration `mapstructure:"max_idle_time"`
	ReaperFrequency time.Duration `mapstructure:"reaper_frequency"`
}

type TrackerConfig struct {
	FailureThreshold int           `mapstructure:"failure_threshold"`
	StatsRetention   time.Duration `mapstructure:"stats_retention"`
}

type WorkerConfig struct {
	Count       int           `mapstructure:"count"`
	QueueKey    string        `mapstructure:"queue_key"`
	MaxAttempts int           `mapstructure:"max_attempts"`
	Concurrency int           `mapstructure:"concurrency"`
	RetryBase   time.Duration `mapstructure:"retry_base"`
	RetryMax    time.Duration `mapstructure:"retry_max"`
}

type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Address string `mapstructure:"address"`
}

// InboundConfig controls the acknowledgement listener. Verified inbound requests
// mark their sender's inboxes reachable again.
type InboundConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Address string `mapstructure:"address"`
	Path    string `mapstructure:"path"`
}

// Default returns the configuration used when no file or environment overrides are present.
func Default() *Config {
	return &Config{
		Redis: RedisConfig{
			Address:   "localhost:6379",
			KeyPrefix: "outbox",
		},
		Postgres: PostgresConfig{
			KeyCache: 1024,
		},
		Transport: TransportConfig{
			UserAgent:        "outbox/0.1.0",
			DNSTimeout:       5 * time.Second,
			ConnectTimeout:   10 * time.Second,
			ReadTimeout:      10 * time.Second,
			MaxBodySize:      1 << 20,
			HostRateLimiters: 4096,
		},
		Pool: PoolConfig{
			MaxIdleTime:     5 * time.Minute,
			ReaperFrequency: 30 * time.Second,
		},
		Tracker: TrackerConfig{
			FailureThreshold: 7,
			StatsRetention:   28 * 24 * time.Hour,
		},
		Worker: WorkerConfig{
			Count:       5,
			QueueKey:    "outbox:deliveries",
			MaxAttempts: 16,
			Concurrency: 8,
			RetryBase:   30 * time.Second,
			RetryMax:    6 * time.Hour,
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Address: ":9394",
		},
		Inbound: InboundConfig{
			Address: ":8089",
			Path:    "/inbox",
		},
	}
}

// LoadConfig reads a YAML/JSON/TOML file and applies OUTBOX_* environment overrides,
// e.g. OUTBOX_REDIS_ADDRESS or OUTBOX_TRANSPORT_MAX_BODY_SIZE.
func LoadConfig(path string) (*Config, error) {
	v := newViper()
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg, viper.DecodeHook(decodeHooks())); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func newViper() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults double as the key registry AutomaticEnv needs for Unmarshal.
	d := Default()
	v.SetDefault("redis.address", d.Redis.Address)
	v.SetDefault("redis.password", d.Redis.Password)
	v.SetDefault("redis.db", d.Redis.DB)
	v.SetDefault("redis.key_prefix", d.Redis.KeyPrefix)
	v.SetDefault("postgres.dsn", d.Postgres.DSN)
	v.SetDefault("postgres.key_cache", d.Postgres.KeyCache)
	v.SetDefault("postgres.local_domain", d.Postgres.LocalDomain)
	v.SetDefault("transport.user_agent", d.Transport.UserAgent)
	v.SetDefault("transport.dns_timeout", d.Transport.DNSTimeout)
	v.SetDefault("transport.connect_timeout", d.Transport.ConnectTimeout)
	v.SetDefault("transport.read_timeout", d.Transport.ReadTimeout)
	v.SetDefault("transport.max_body_size", d.Transport.MaxBodySize)
	v.SetDefault("transport.nameservers", d.Transport.Nameservers)
	v.SetDefault("transport.host_rate_limit", d.Transport.HostRateLimit)
	v.SetDefault("transport.host_rate_burst", d.Transport.HostRateBurst)
	v.SetDefault("transport.host_rate_limiters", d.Transport.HostRateLimiters)
	v.SetDefault("transport.allow_private_addresses", d.Transport.AllowPrivateAddresses)
	v.SetDefault("transport.ca_file", d.Transport.CAFile)
	v.SetDefault("transport.ca_dir", d.Transport.CADir)
	v.SetDefault("transport.min_tls_version", d.Transport.MinTLSVersion)
	v.SetDefault("pool.max_idle_time", d.Pool.MaxIdleTime)
	v.SetDefault("pool.reaper_frequency", d.Pool.ReaperFrequency)
	v.SetDefault("tracker.failure_threshold", d.Tracker.FailureThreshold)
	v.SetDefault("tracker.stats_retention", d.Tracker.StatsRetention)
	v.SetDefault("worker.count", d.Worker.Count)
	v.SetDefault("worker.queue_key", d.Worker.QueueKey)
	v.SetDefault("worker.max_attempts", d.Worker.MaxAttempts)
	v.SetDefault("worker.concurrency", d.Worker.Concurrency)
	v.SetDefault("worker.retry_base", d.Worker.RetryBase)
	v.SetDefault("worker.retry_max", d.Worker.RetryMax)
	v.SetDefault("metrics.enabled", d.Metrics.Enabled)
	v.SetDefault("metrics.address", d.Metrics.Address)
	v.SetDefault("inbound.enabled", d.Inbound.Enabled)
	v.SetDefault("inbound.address", d.Inbound.Address)
	v.SetDefault("inbound.path", d.Inbound.Path)
	return v
}

func decodeHooks() mapstructure.DecodeHookFunc {
	return mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
		dataSizeHook,
	)
}

// dataSizeHook lets int64 settings such as transport.max_body_size be written as "1MiB".
func dataSizeHook(from, to reflect.Type, data interface{}) (interface{}, error) {
	if from.Kind() != reflect.String || to.Kind() != reflect.Int64 {
		return data, nil
	}
	return utils.ParseDataSize(data.(string))
}

// LoadFromEnv builds a configuration from defaults and the handful of variables
// operators usually set in container deployments.
func LoadFromEnv() *Config {
	cfg := Default()
	cfg.Redis.Address = getEnv("OUTBOX_REDIS_ADDRESS", cfg.Redis.Address)
	cfg.Redis.Password = getEnv("OUTBOX_REDIS_PASSWORD", cfg.Redis.Password)
	cfg.Postgres.DSN = getEnv("OUTBOX_POSTGRES_DSN", cfg.Postgres.DSN)
	cfg.Postgres.LocalDomain = getEnv("OUTBOX_POSTGRES_LOCAL_DOMAIN", cfg.Postgres.LocalDomain)
	cfg.Metrics.Address = getEnv("OUTBOX_METRICS_ADDRESS", cfg.Metrics.Address)
	cfg.Transport.MaxBodySize = utils.ParseDataSizeWithDefault(os.Getenv("OUTBOX_TRANSPORT_MAX_BODY_SIZE"), cfg.Transport.MaxBodySize)

	if workers := os.Getenv("OUTBOX_WORKER_COUNT"); workers != "" {
		if n, err := strconv.Atoi(workers); err == nil && n > 0 {
			cfg.Worker.Count = n
		}
	}
	return cfg
}

// Validate rejects settings that would make delivery unsafe or stall it.
func (c *Config) Validate() error {
	if c.Transport.MaxBodySize <= 0 {
		return fmt.Errorf("transport.max_body_size must be positive, got %d", c.Transport.MaxBodySize)
	}
	if v := c.Transport.MinTLSVersion; v != "" && v != "1.2" && v != "1.3" {
		return fmt.Errorf("transport.min_tls_version must be 1.2 or 1.3, got %q", v)
	}
	if c.Transport.DNSTimeout <= 0 {
		return fmt.Errorf("transport.dns_timeout must be positive")
	}
	if c.Pool.MaxIdleTime <= 0 {
		return fmt.Errorf("pool.max_idle_time must be positive")
	}
	if c.Tracker.FailureThreshold <= 0 {
		return fmt.Errorf("tracker.failure_threshold must be positive")
	}
	if c.Worker.Count <= 0 {
		return fmt.Errorf("worker.count must be positive")
	}
	if c.Worker.Concurrency <= 0 {
		return fmt.Errorf("worker.concurrency must be positive")
	}
	if c.Worker.RetryBase <= 0 || c.Worker.RetryMax < c.Worker.RetryBase {
		return fmt.Errorf("worker.retry_base must be positive and not exceed worker.retry_max")
	}
	if c.Inbound.Enabled && !strings.HasPrefix(c.Inbound.Path, "/") {
		return fmt.Errorf("inbound.path must start with /, got %q", c.Inbound.Path)
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
