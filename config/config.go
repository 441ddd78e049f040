package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

type Config struct {
	App       AppConfig
	Database  DatabaseConfig
	Redis     RedisConfig
	Scheduler SchedulerConfig
	Metrics   MetricsConfig
	Engine    EngineConfig
}

type AppConfig struct {
	Name    string
	Version string
	Env     string
}

type DatabaseConfig struct {
	URL      string
	MaxConns int32 `mapstructure:"max_conns"`
}

type RedisConfig struct {
	Addr           string
	Password       string
	DB             int
	PolicyCacheTTL time.Duration `mapstructure:"policy_cache_ttl"`
}

// Enabled reports whether a Redis address was configured. Without one the
// policy catalog is read straight from Postgres.
func (r RedisConfig) Enabled() bool {
	return r.Addr != ""
}

type SchedulerConfig struct {
	Interval     time.Duration
	BatchSize    int           `mapstructure:"batch_size"`
	BatchTimeout time.Duration `mapstructure:"batch_timeout"`
}

type MetricsConfig struct {
	Addr string
}

type EngineConfig struct {
	MaxMatchAttempts int `mapstructure:"max_match_attempts"`
}

const envPrefix = "COMMISSION"

// Load reads configuration from defaults, an optional YAML file and
// COMMISSION_* environment variables, in increasing order of precedence.
// A .env file in the working directory is loaded first when present.
func Load(path string) (*Config, error) {
	_ = godotenv.Load()

	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("config: decode: %w", err)
	}

	if cfg.Database.URL == "" {
		cfg.Database.URL = getEnv("DATABASE_URL", "")
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "commissiond")
	v.SetDefault("app.version", "dev")
	v.SetDefault("app.env", "development")

	v.SetDefault("database.url", "")
	v.SetDefault("database.max_conns", 10)

	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.policy_cache_ttl", "1m")

	v.SetDefault("scheduler.interval", "1h")
	v.SetDefault("scheduler.batch_size", 500)
	v.SetDefault("scheduler.batch_timeout", "5m")

	v.SetDefault("metrics.addr", ":9090")

	v.SetDefault("engine.max_match_attempts", 3)
}

func (c *Config) validate() error {
	if c.Database.URL == "" {
		return errors.New("config: missing database url")
	}
	if c.Scheduler.Interval <= 0 {
		return errors.New("config: scheduler interval must be positive")
	}
	if c.Scheduler.BatchSize <= 0 {
		return errors.New("config: scheduler batch size must be positive")
	}
	if c.Engine.MaxMatchAttempts <= 0 {
		return errors.New("config: engine max match attempts must be positive")
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
