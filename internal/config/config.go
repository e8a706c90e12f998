// Package config loads parleyd settings from YAML with PARLEY_* environment
// overrides.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Auth      AuthConfig      `yaml:"auth"`
	Database  DatabaseConfig  `yaml:"database"`
	Broker    BrokerConfig    `yaml:"broker"`
	Loader    LoaderConfig    `yaml:"loader"`
	Live      LiveConfig      `yaml:"live"`
	Publisher PublisherConfig `yaml:"publisher"`
	Logging   LoggingConfig   `yaml:"logging"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
}

type ServerConfig struct {
	Addr            string   `yaml:"addr"`
	ShutdownTimeout Duration `yaml:"shutdown_timeout"`
	AllowedOrigins  []string `yaml:"allowed_origins"`
}

type AuthConfig struct {
	Secret     string `yaml:"secret"`
	Issuer     string `yaml:"issuer"`
	Audience   string `yaml:"audience"`
	CookieName string `yaml:"cookie_name"`
}

const (
	DriverPgx  = "pgx"
	DriverBun  = "bun"
	DriverGorm = "gorm"
)

type DatabaseConfig struct {
	URL      string `yaml:"url"`
	MaxConns int32  `yaml:"max_conns"`
	Driver   string `yaml:"driver"`
}

const (
	BrokerMemory   = "memory"
	BrokerPostgres = "postgres"
	BrokerRabbitMQ = "rabbitmq"
	BrokerKafka    = "kafka"
)

type BrokerConfig struct {
	Kind        string    `yaml:"kind"`
	RabbitMQURL string    `yaml:"rabbitmq_url"`
	KafkaSeeds  []string  `yaml:"kafka_seeds"`
	MaxPayload  SizeBytes `yaml:"max_payload"`
}

type LoaderConfig struct {
	Wait        Duration `yaml:"wait"`
	MaxBatch    int      `yaml:"max_batch"`
	FlushOnWait bool     `yaml:"flush_on_wait"`
}

type LiveConfig struct {
	BufferSize int      `yaml:"buffer_size"`
	OriginTTL  Duration `yaml:"origin_ttl"`
}

type PublisherConfig struct {
	Timeout Duration `yaml:"timeout"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // text|json
}

type RateLimitConfig struct {
	RPS   float64 `yaml:"rps"`
	Burst int     `yaml:"burst"`
}

// Load reads path (optional), applies environment overrides and validates.
func Load(path string) (*Config, error) {
	return LoadOver(Config{}, path)
}

// LoadOver is Load starting from base instead of the zero Config.
func LoadOver(base Config, path string) (*Config, error) {
	cfg := base
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
		dec := yaml.NewDecoder(bytes.NewReader(b))
		dec.KnownFields(true)
		if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}
	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}
	var errs []error
	parse := func(key string, fn func(string) error) {
		if v, ok := lookup(key); ok && v != "" {
			if err := fn(v); err != nil {
				errs = append(errs, fmt.Errorf("config: %s: %w", key, err))
			}
		}
	}

	str("PARLEY_ADDR", &c.Server.Addr)
	str("PARLEY_AUTH_SECRET", &c.Auth.Secret)
	str("PARLEY_AUTH_ISSUER", &c.Auth.Issuer)
	str("PARLEY_AUTH_AUDIENCE", &c.Auth.Audience)
	str("PARLEY_DATABASE_URL", &c.Database.URL)
	str("PARLEY_DATABASE_DRIVER", &c.Database.Driver)
	str("PARLEY_BROKER", &c.Broker.Kind)
	str("PARLEY_RABBITMQ_URL", &c.Broker.RabbitMQURL)
	str("PARLEY_LOG_LEVEL", &c.Logging.Level)
	str("PARLEY_LOG_FORMAT", &c.Logging.Format)

	if v, ok := lookup("PARLEY_KAFKA_SEEDS"); ok && v != "" {
		c.Broker.KafkaSeeds = splitList(v)
	}
	if v, ok := lookup("PARLEY_ALLOWED_ORIGINS"); ok && v != "" {
		c.Server.AllowedOrigins = splitList(v)
	}
	parse("PARLEY_DATABASE_MAX_CONNS", func(v string) error {
		n, err := strconv.ParseInt(v, 10, 32)
		c.Database.MaxConns = int32(n)
		return err
	})
	parse("PARLEY_LOADER_WAIT", func(v string) (err error) {
		c.Loader.Wait, err = parseDuration(v)
		return err
	})
	parse("PARLEY_LOADER_MAX_BATCH", func(v string) (err error) {
		c.Loader.MaxBatch, err = strconv.Atoi(v)
		return err
	})
	parse("PARLEY_LIVE_BUFFER", func(v string) (err error) {
		c.Live.BufferSize, err = strconv.Atoi(v)
		return err
	})
	parse("PARLEY_PUBLISH_TIMEOUT", func(v string) (err error) {
		c.Publisher.Timeout, err = parseDuration(v)
		return err
	})
	parse("PARLEY_BROKER_MAX_PAYLOAD", func(v string) (err error) {
		c.Broker.MaxPayload, err = parseSize(v)
		return err
	})
	parse("PARLEY_RATE_RPS", func(v string) (err error) {
		c.RateLimit.RPS, err = strconv.ParseFloat(v, 64)
		return err
	})
	parse("PARLEY_RATE_BURST", func(v string) (err error) {
		c.RateLimit.Burst, err = strconv.Atoi(v)
		return err
	})
	return errors.Join(errs...)
}

func splitList(v string) []string {
	var out []string
	for _, p := range strings.Split(v, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// Validate fills defaults and rejects inconsistent settings.
func (c *Config) Validate() error {
	if c.Server.Addr == "" {
		c.Server.Addr = ":8080"
	}
	if c.Server.ShutdownTimeout <= 0 {
		c.Server.ShutdownTimeout = Duration(10 * time.Second)
	}
	if c.Auth.CookieName == "" {
		c.Auth.CookieName = "parley_session"
	}
	if c.Database.Driver == "" {
		c.Database.Driver = DriverPgx
	}
	if c.Broker.Kind == "" {
		c.Broker.Kind = BrokerPostgres
	}
	if c.Loader.Wait <= 0 {
		c.Loader.Wait = Duration(2 * time.Millisecond)
	}
	if c.Loader.MaxBatch <= 0 {
		c.Loader.MaxBatch = 500
	}
	if c.Live.BufferSize <= 0 {
		c.Live.BufferSize = 64
	}
	if c.Live.OriginTTL <= 0 {
		c.Live.OriginTTL = Duration(10 * time.Minute)
	}
	if c.Publisher.Timeout <= 0 {
		c.Publisher.Timeout = Duration(2 * time.Second)
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
	if c.RateLimit.RPS > 0 && c.RateLimit.Burst <= 0 {
		c.RateLimit.Burst = int(c.RateLimit.RPS) + 1
	}

	if c.Auth.Secret == "" {
		return errors.New("config: auth.secret is required")
	}
	switch c.Database.Driver {
	case DriverPgx, DriverBun, DriverGorm:
	default:
		return fmt.Errorf("config: unknown database.driver %q", c.Database.Driver)
	}
	switch c.Broker.Kind {
	case BrokerMemory:
	case BrokerPostgres:
		if c.Database.URL == "" {
			return errors.New("config: broker postgres needs database.url")
		}
	case BrokerRabbitMQ:
		if c.Broker.RabbitMQURL == "" {
			return errors.New("config: broker.rabbitmq_url is required")
		}
	case BrokerKafka:
		if len(c.Broker.KafkaSeeds) == 0 {
			return errors.New("config: broker.kafka_seeds is required")
		}
	default:
		return fmt.Errorf("config: unknown broker.kind %q", c.Broker.Kind)
	}
	switch c.Logging.Format {
	case "text", "json":
	default:
		return fmt.Errorf("config: unknown logging.format %q", c.Logging.Format)
	}
	return nil
}
