// Package config loads the sagad configuration.
//
// Sources, lowest precedence first: defaults, the .env file, SAGA_*
// environment variables, command line flags.
package config

import (
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/go-viper/mapstructure/v2"
	"github.com/joho/godotenv"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const (
	EnvVarPrefix    = "SAGA"
	EnvVarSeparator = "_"
	DotEnvFile      = ".env"
)

var (
	identifierPattern = regexp.MustCompile(`^[a-z_][a-z0-9_]*$`)
	mongoURIPattern   = regexp.MustCompile(`^mongodb(\+srv)?://`)
)

// Store backends.
const (
	StoreMemory   = "memory"
	StorePostgres = "postgres"
	StoreMongo    = "mongo"
)

// Config is the sagad configuration.
type Config struct {
	ServiceName string `mapstructure:"service_name"`
	HTTPAddr    string `mapstructure:"http_addr"`
	LogLevel    string `mapstructure:"log_level"`

	Store               string `mapstructure:"store"`
	PostgresDSN         string `mapstructure:"postgres_dsn"`
	PostgresTablePrefix string `mapstructure:"postgres_table_prefix"`
	MongoURI            string `mapstructure:"mongo_uri"`
	MongoDatabase       string `mapstructure:"mongo_database"`

	RedisAddr     string `mapstructure:"redis_addr"`
	RedisPassword string `mapstructure:"redis_password"`
	RedisDB       int    `mapstructure:"redis_db"`
	QueueKey      string `mapstructure:"queue_key"`
	AgentPrefix   string `mapstructure:"agent_prefix"`

	LeaseTTL          time.Duration `mapstructure:"lease_ttl"`
	Concurrency       int           `mapstructure:"concurrency"`
	DefaultRetryDelay time.Duration `mapstructure:"default_retry_delay"`
	MaxRetryDelay     time.Duration `mapstructure:"max_retry_delay"`
	StepTimeout       time.Duration `mapstructure:"step_timeout"`

	HTTPRateLimit float64 `mapstructure:"http_rate_limit"` // dispatches per second, 0 = unlimited
	HTTPRateBurst int     `mapstructure:"http_rate_burst"`
}

// Default returns the default configuration.
func Default() *Config {
	return &Config{
		ServiceName:         "sagad",
		HTTPAddr:            ":8080",
		LogLevel:            "info",
		Store:               StoreMemory,
		PostgresTablePrefix: "saga_",
		MongoDatabase:       "sagas",
		QueueKey:            "saga:queue",
		AgentPrefix:         "saga:agent:",
		LeaseTTL:            30 * time.Second,
		Concurrency:         8,
		DefaultRetryDelay:   time.Second,
		MaxRetryDelay:       5 * time.Minute,
		StepTimeout:         30 * time.Second,
		HTTPRateBurst:       10,
	}
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	validation.ErrorTag = "mapstructure"

	return validation.ValidateStruct(c,
		validation.Field(&c.ServiceName, validation.Required),
		validation.Field(&c.HTTPAddr, validation.Required),
		validation.Field(&c.LogLevel, validation.Required, validation.In("debug", "info", "warn", "error")),
		validation.Field(&c.Store, validation.Required, validation.In(StoreMemory, StorePostgres, StoreMongo)),
		validation.Field(&c.PostgresDSN, validation.When(c.Store == StorePostgres, validation.Required)),
		validation.Field(&c.PostgresTablePrefix, validation.Match(identifierPattern)),
		validation.Field(&c.MongoURI, validation.When(c.Store == StoreMongo, validation.Required, validation.Match(mongoURIPattern))),
		validation.Field(&c.MongoDatabase, validation.When(c.Store == StoreMongo, validation.Required)),
		validation.Field(&c.RedisDB, validation.Min(0)),
		validation.Field(&c.QueueKey, validation.When(c.RedisAddr != "", validation.Required)),
		validation.Field(&c.AgentPrefix, validation.When(c.RedisAddr != "", validation.Required)),
		validation.Field(&c.LeaseTTL, validation.Required, validation.Min(time.Second)),
		validation.Field(&c.Concurrency, validation.Required, validation.Min(1)),
		validation.Field(&c.DefaultRetryDelay, validation.Required),
		validation.Field(&c.MaxRetryDelay, validation.Required, validation.Min(c.DefaultRetryDelay)),
		validation.Field(&c.StepTimeout, validation.Required),
		validation.Field(&c.HTTPRateLimit, validation.Min(0.0)),
		validation.Field(&c.HTTPRateBurst, validation.Min(1)),
	)
}

// SlogLevel returns LogLevel as a slog.Level.
func (c *Config) SlogLevel() slog.Level {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return slog.LevelInfo
	}
	return level
}

// RegisterFlags defines one flag per configuration key on fs. Flag names
// use dashes: --http-addr sets http_addr.
func RegisterFlags(fs *pflag.FlagSet) {
	d := Default()
	fs.String("service-name", d.ServiceName, "service name reported by /health")
	fs.String("http-addr", d.HTTPAddr, "HTTP listen address")
	fs.String("log-level", d.LogLevel, "log level (debug, info, warn, error)")
	fs.String("store", d.Store, "store backend (memory, postgres, mongo)")
	fs.String("postgres-dsn", d.PostgresDSN, "PostgreSQL connection string")
	fs.String("postgres-table-prefix", d.PostgresTablePrefix, "prefix of the saga tables")
	fs.String("mongo-uri", d.MongoURI, "MongoDB connection string")
	fs.String("mongo-database", d.MongoDatabase, "MongoDB database")
	fs.String("redis-addr", d.RedisAddr, "Redis address for the queue, leases, agents and rate limits (empty = in-process)")
	fs.String("redis-password", d.RedisPassword, "Redis password")
	fs.Int("redis-db", d.RedisDB, "Redis database")
	fs.String("queue-key", d.QueueKey, "Redis list holding queued instances")
	fs.String("agent-prefix", d.AgentPrefix, "Redis stream prefix of agent requests")
	fs.Duration("lease-ttl", d.LeaseTTL, "instance lease TTL")
	fs.Int("concurrency", d.Concurrency, "instances executed at once")
	fs.Duration("default-retry-delay", d.DefaultRetryDelay, "backoff base when a definition sets none")
	fs.Duration("max-retry-delay", d.MaxRetryDelay, "backoff cap")
	fs.Duration("step-timeout", d.StepTimeout, "step timeout when a step sets none")
	fs.Float64("http-rate-limit", d.HTTPRateLimit, "external HTTP dispatches per second (0 = unlimited)")
	fs.Int("http-rate-burst", d.HTTPRateBurst, "external HTTP dispatch burst")
}

// Load loads the configuration using a new viper session and the .env
// file of the working directory. flags may be nil.
func Load(flags *pflag.FlagSet) (*Config, error) {
	return LoadFromViper(viper.New(), DotEnvFile, flags)
}

// LoadFromViper is Load with an explicit viper session and .env path.
// A missing .env file is not an error.
func LoadFromViper(v *viper.Viper, dotEnvFile string, flags *pflag.FlagSet) (*Config, error) {
	var defaults map[string]any
	if err := mapstructure.Decode(Default(), &defaults); err != nil {
		return nil, fmt.Errorf("decode defaults: %w", err)
	}
	if err := v.MergeConfigMap(defaults); err != nil {
		return nil, fmt.Errorf("merge defaults: %w", err)
	}

	if dotEnvFile != "" {
		_ = godotenv.Load(dotEnvFile)
	}

	v.SetEnvPrefix(EnvVarPrefix)
	v.AllowEmptyEnv(false)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", EnvVarSeparator))
	v.AutomaticEnv()

	if flags != nil {
		var bindErr error
		flags.VisitAll(func(f *pflag.Flag) {
			key := strings.ReplaceAll(f.Name, "-", EnvVarSeparator)
			if err := v.BindPFlag(key, f); err != nil && bindErr == nil {
				bindErr = err
			}
		})
		if bindErr != nil {
			return nil, fmt.Errorf("bind flags: %w", bindErr)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unable to decode config into struct, %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}
