package config

import (
	"bytes"
	_ "embed"
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/spf13/viper"
)

//go:embed defaults.yaml
var defaults []byte

type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Log       LogConfig       `mapstructure:"log"`
	Postgres  PostgresConfig  `mapstructure:"postgres"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Kafka     KafkaConfig     `mapstructure:"kafka"`
	Limiter   LimiterConfig   `mapstructure:"limiter"`
	Lifecycle LifecycleConfig `mapstructure:"lifecycle"`
	Breaker   BreakerConfig   `mapstructure:"breaker"`
	Auth      AuthConfig      `mapstructure:"auth"`
	Admin     AdminConfig     `mapstructure:"admin"`
	Audit     AuditConfig     `mapstructure:"audit"`
	Services  []ServiceConfig `mapstructure:"services"`
	Upstreams UpstreamsConfig `mapstructure:"upstreams"`
	Tiers     []TierConfig    `mapstructure:"tiers"`
}

type ServerConfig struct {
	Addr            string        `mapstructure:"addr"`
	Environment     string        `mapstructure:"environment"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

type LogConfig struct {
	Level string `mapstructure:"level"`
}

type PostgresConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	LogLevel        string        `mapstructure:"log_level"`
}

type RedisConfig struct {
	Enabled     bool          `mapstructure:"enabled"`
	Addr        string        `mapstructure:"addr"`
	Password    string        `mapstructure:"password"`
	DB          int           `mapstructure:"db"`
	DialTimeout time.Duration `mapstructure:"dial_timeout"`
	// Pub/sub channel used to broadcast key deactivations between gateway instances
	EvictionChannel string `mapstructure:"eviction_channel"`
}

type KafkaConfig struct {
	Enabled bool     `mapstructure:"enabled"`
	Brokers []string `mapstructure:"brokers"`
	Topic   string   `mapstructure:"topic"`
}

type LimiterConfig struct {
	// "memory" or "redis"
	Backend         string        `mapstructure:"backend"`
	Shards          int           `mapstructure:"shards"`
	ConfigTTL       time.Duration `mapstructure:"config_ttl"`
	LookupTimeout   time.Duration `mapstructure:"lookup_timeout"`
	JanitorInterval time.Duration `mapstructure:"janitor_interval"`
	SlotTTL         time.Duration `mapstructure:"slot_ttl"`
}

type LifecycleConfig struct {
	Enabled   bool          `mapstructure:"enabled"`
	Interval  time.Duration `mapstructure:"interval"`
	BatchSize int           `mapstructure:"batch_size"`
}

type BreakerConfig struct {
	MaxFailures     int           `mapstructure:"max_failures"`
	Timeout         time.Duration `mapstructure:"timeout"`
	HalfOpenSuccess int           `mapstructure:"half_open_success"`
}

type AuthConfig struct {
	JWTSecret string        `mapstructure:"jwt_secret"`
	TokenTTL  time.Duration `mapstructure:"token_ttl"`
}

type AdminConfig struct {
	RPS   float64 `mapstructure:"rps"`
	Burst int     `mapstructure:"burst"`
}

type AuditConfig struct {
	Enabled       bool          `mapstructure:"enabled"`
	BufferSize    int           `mapstructure:"buffer_size"`
	BatchSize     int           `mapstructure:"batch_size"`
	FlushInterval time.Duration `mapstructure:"flush_interval"`
}

type ServiceConfig struct {
	Path   string `mapstructure:"path"`
	Target string `mapstructure:"target"`
}

// Health probing of service targets
type UpstreamsConfig struct {
	HealthCheck    bool          `mapstructure:"health_check"`
	HealthEndpoint string        `mapstructure:"health_endpoint"`
	Interval       time.Duration `mapstructure:"interval"`
	Timeout        time.Duration `mapstructure:"timeout"`
	MaxFailures    int           `mapstructure:"max_failures"`
}

type TierConfig struct {
	Name               string          `mapstructure:"name"`
	RequestsPerMinute  uint            `mapstructure:"requests_per_minute"`
	BurstLimit         uint            `mapstructure:"burst_limit"`
	ConcurrentRequests uint            `mapstructure:"concurrent_requests"`
	EndpointLimits     map[string]uint `mapstructure:"endpoint_limits"`
}

// Reads embedded defaults, merges the YAML file at path (if present) and applies GATEWAY_* env overrides
func Load(path string) (*Config, error) {
	v := viper.New()

	v.SetConfigType("yaml")
	if err := v.ReadConfig(bytes.NewReader(defaults)); err != nil {
		return nil, fmt.Errorf("read defaults: %w", err)
	}

	if path != "" {
		v.SetConfigFile(path)
		if err := v.MergeInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) && !errors.Is(err, fs.ErrNotExist) {
				return nil, fmt.Errorf("merge %s: %w", path, err)
			}
		}
	}

	v.SetEnvPrefix("GATEWAY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func (c *Config) Validate() error {
	switch c.Limiter.Backend {
	case "memory":
	case "redis":
		if !c.Redis.Enabled {
			return errors.New("limiter.backend=redis requires redis.enabled")
		}
	default:
		return fmt.Errorf("unknown limiter backend %q", c.Limiter.Backend)
	}

	if c.Limiter.ConfigTTL <= 0 || c.Limiter.ConfigTTL > time.Minute {
		return fmt.Errorf("limiter.config_ttl must be in (0, 1m], got %s", c.Limiter.ConfigTTL)
	}
	if c.Limiter.LookupTimeout <= 0 {
		return errors.New("limiter.lookup_timeout must be positive")
	}

	return nil
}

func (c *Config) IsProduction() bool {
	return c.Server.Environment == "production"
}
