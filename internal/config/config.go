package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Clinic    ClinicConfig    `mapstructure:"clinic"`
	Queue     QueueConfig     `mapstructure:"queue"`
	Auth      AuthConfig      `mapstructure:"auth"`
	RateLimit RateLimitConfig `mapstructure:"ratelimit"`
	Realtime  RealtimeConfig  `mapstructure:"realtime"`
	Email     EmailConfig     `mapstructure:"email"`
	Log       LogConfig       `mapstructure:"log"`
}

type ServerConfig struct {
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	AllowedOrigins  []string      `mapstructure:"allowed_origins"`
}

type DatabaseConfig struct {
	Driver          string        `mapstructure:"driver"`
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	User            string        `mapstructure:"user"`
	Password        string        `mapstructure:"password"`
	Name            string        `mapstructure:"name"`
	SSLMode         string        `mapstructure:"sslmode"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}

// DSN is the lib/pq connection string.
func (c DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Name, c.SSLMode,
	)
}

type RedisConfig struct {
	Enabled          bool          `mapstructure:"enabled"`
	URL              string        `mapstructure:"url"`
	MaxRetries       int           `mapstructure:"max_retries"`
	RetryBackoff     time.Duration `mapstructure:"retry_backoff"`
	PoolSize         int           `mapstructure:"pool_size"`
	MinIdleConns     int           `mapstructure:"min_idle_conns"`
	PublishQueueSize int           `mapstructure:"publish_queue_size"`
	PublishTimeout   time.Duration `mapstructure:"publish_timeout"`
}

type ClinicConfig struct {
	Timezone          string  `mapstructure:"timezone"`
	DefaultAvgMinutes float64 `mapstructure:"default_avg_minutes"`
	HistorySize       int     `mapstructure:"history_size"`
	AverageWindow     int     `mapstructure:"average_window"`
	MinSampleMinutes  int     `mapstructure:"min_sample_minutes"`
	MaxSampleMinutes  int     `mapstructure:"max_sample_minutes"`
	FarWaitMinutes    int     `mapstructure:"far_wait_minutes"`
	TurnWindowMinutes int     `mapstructure:"turn_window_minutes"`
}

// Location loads the clinic time zone.
func (c ClinicConfig) Location() (*time.Location, error) {
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return nil, fmt.Errorf("failed to load clinic timezone %q: %w", c.Timezone, err)
	}
	return loc, nil
}

type QueueConfig struct {
	CommitRetries  int           `mapstructure:"commit_retries"`
	StatusCacheTTL time.Duration `mapstructure:"status_cache_ttl"`
}

type AuthConfig struct {
	Disabled bool          `mapstructure:"disabled"`
	Secret   string        `mapstructure:"secret"`
	Issuer   string        `mapstructure:"issuer"`
	TokenTTL time.Duration `mapstructure:"token_ttl"`
}

type RateLimitConfig struct {
	RPS   float64 `mapstructure:"rps"`
	Burst int     `mapstructure:"burst"`
}

type RealtimeConfig struct {
	SendBuffer     int           `mapstructure:"send_buffer"`
	WriteTimeout   time.Duration `mapstructure:"write_timeout"`
	PingInterval   time.Duration `mapstructure:"ping_interval"`
	MaxMessageSize int64         `mapstructure:"max_message_size"`
}

type EmailConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
	From     string `mapstructure:"from"`

	// Delivery runs on a background worker pool.
	Workers       int           `mapstructure:"workers"`
	QueueSize     int           `mapstructure:"queue_size"`
	RetryAttempts int           `mapstructure:"retry_attempts"`
	RetryDelay    time.Duration `mapstructure:"retry_delay"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", 15*time.Second)
	v.SetDefault("server.write_timeout", 15*time.Second)
	v.SetDefault("server.shutdown_timeout", 10*time.Second)
	v.SetDefault("server.allowed_origins", []string{"*"})

	v.SetDefault("database.driver", "postgres")
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "postgres")
	v.SetDefault("database.password", "postgres")
	v.SetDefault("database.name", "opd_queue")
	v.SetDefault("database.sslmode", "disable")
	v.SetDefault("database.max_open_conns", 20)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_lifetime", 30*time.Minute)

	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.url", "redis://localhost:6379/0")
	v.SetDefault("redis.max_retries", 3)
	v.SetDefault("redis.retry_backoff", 100*time.Millisecond)
	v.SetDefault("redis.pool_size", 10)
	v.SetDefault("redis.min_idle_conns", 2)
	v.SetDefault("redis.publish_queue_size", 256)
	v.SetDefault("redis.publish_timeout", 2*time.Second)

	v.SetDefault("clinic.timezone", "Asia/Kolkata")
	v.SetDefault("clinic.default_avg_minutes", 15.0)
	v.SetDefault("clinic.history_size", 10)
	v.SetDefault("clinic.average_window", 3)
	v.SetDefault("clinic.min_sample_minutes", 1)
	v.SetDefault("clinic.max_sample_minutes", 120)
	v.SetDefault("clinic.far_wait_minutes", 60)
	v.SetDefault("clinic.turn_window_minutes", 15)

	v.SetDefault("queue.commit_retries", 3)
	v.SetDefault("queue.status_cache_ttl", 2*time.Second)

	v.SetDefault("auth.disabled", false)
	v.SetDefault("auth.secret", "")
	v.SetDefault("auth.issuer", "opd-queue")
	v.SetDefault("auth.token_ttl", 12*time.Hour)

	v.SetDefault("ratelimit.rps", 5.0)
	v.SetDefault("ratelimit.burst", 10)

	v.SetDefault("realtime.send_buffer", 32)
	v.SetDefault("realtime.write_timeout", 10*time.Second)
	v.SetDefault("realtime.ping_interval", 30*time.Second)
	v.SetDefault("realtime.max_message_size", 4096)

	v.SetDefault("email.enabled", false)
	v.SetDefault("email.host", "localhost")
	v.SetDefault("email.port", 587)
	v.SetDefault("email.username", "")
	v.SetDefault("email.password", "")
	v.SetDefault("email.from", "queue@clinic.local")
	v.SetDefault("email.workers", 2)
	v.SetDefault("email.queue_size", 100)
	v.SetDefault("email.retry_attempts", 3)
	v.SetDefault("email.retry_delay", 5*time.Second)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "console")
}

// Load reads config.yaml from the given file, or from "." and "./config" when
// path is empty, then applies OPDQ_* environment overrides
// (OPDQ_DATABASE_HOST overrides database.host). A missing file is not an error.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
	}

	v.SetEnvPrefix("OPDQ")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	switch c.Database.Driver {
	case "postgres", "memory":
	default:
		return fmt.Errorf("unsupported database driver %q", c.Database.Driver)
	}
	if !c.Auth.Disabled && c.Auth.Secret == "" {
		return errors.New("auth.secret is required unless auth.disabled is set")
	}
	if c.Clinic.MinSampleMinutes < 1 || c.Clinic.MaxSampleMinutes < c.Clinic.MinSampleMinutes {
		return fmt.Errorf("invalid sample bounds [%d,%d]", c.Clinic.MinSampleMinutes, c.Clinic.MaxSampleMinutes)
	}
	if c.Clinic.HistorySize < 1 || c.Clinic.AverageWindow < 1 {
		return errors.New("clinic.history_size and clinic.average_window must be positive")
	}
	if c.Queue.CommitRetries < 1 {
		return errors.New("queue.commit_retries must be at least 1")
	}
	if _, err := c.Clinic.Location(); err != nil {
		return err
	}
	return nil
}
