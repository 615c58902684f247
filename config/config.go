// Package config loads the service configuration from defaults, an optional
// YAML file, HEALTHSTREAM_ environment variables and command line flags.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const EnvPrefix = "HEALTHSTREAM"

// Stream drivers.
const (
	DriverRedis  = "redis"
	DriverKafka  = "kafka"
	DriverMemory = "memory"
)

// Store drivers.
const (
	StorePostgres = "postgres"
	StoreMemory   = "memory"
)

type Log struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

type HTTP struct {
	Addr            string        `mapstructure:"addr"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

type Stream struct {
	Driver        string        `mapstructure:"driver"`
	Name          string        `mapstructure:"name"`
	Group         string        `mapstructure:"group"`
	Consumer      string        `mapstructure:"consumer"`
	Start         string        `mapstructure:"start"`
	BatchSize     int           `mapstructure:"batch_size"`
	Block         time.Duration `mapstructure:"block"`
	IdlePause     time.Duration `mapstructure:"idle_pause"`
	ErrorPause    time.Duration `mapstructure:"error_pause"`
	BackoffCap    time.Duration `mapstructure:"backoff_cap"`
	ReclaimAfter  time.Duration `mapstructure:"reclaim_after"`
	DeadLetter    string        `mapstructure:"dead_letter"`
	MaxDeliveries int           `mapstructure:"max_deliveries"`
}

type Redis struct {
	Addr     string `mapstructure:"addr"`
	DB       int    `mapstructure:"db"`
	Password string `mapstructure:"password"`
}

type Kafka struct {
	Brokers    []string `mapstructure:"brokers"`
	Partitions int32    `mapstructure:"partitions"`
}

type Postgres struct {
	DSN      string `mapstructure:"dsn"`
	MaxConns int32  `mapstructure:"max_conns"`
	Migrate  bool   `mapstructure:"migrate"`
	Dedupe   bool   `mapstructure:"dedupe"`
}

type Store struct {
	Driver string `mapstructure:"driver"`
}

type Telemetry struct {
	OTLPEndpoint string `mapstructure:"otlp_endpoint"`
	ServiceName  string `mapstructure:"service_name"`
}

type Config struct {
	Log       Log       `mapstructure:"log"`
	HTTP      HTTP      `mapstructure:"http"`
	Stream    Stream    `mapstructure:"stream"`
	Redis     Redis     `mapstructure:"redis"`
	Kafka     Kafka     `mapstructure:"kafka"`
	Store     Store     `mapstructure:"store"`
	Postgres  Postgres  `mapstructure:"postgres"`
	Telemetry Telemetry `mapstructure:"telemetry"`

	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	v.SetDefault("http.addr", ":8000")
	v.SetDefault("http.shutdown_timeout", 10*time.Second)

	v.SetDefault("stream.driver", DriverRedis)
	v.SetDefault("stream.name", "health-data-stream")
	v.SetDefault("stream.group", "health-data-group")
	v.SetDefault("stream.consumer", "")
	v.SetDefault("stream.start", "$")
	v.SetDefault("stream.batch_size", 10)
	v.SetDefault("stream.block", 5*time.Second)
	v.SetDefault("stream.idle_pause", 100*time.Millisecond)
	v.SetDefault("stream.error_pause", time.Second)
	v.SetDefault("stream.backoff_cap", 10*time.Second)
	v.SetDefault("stream.reclaim_after", 30*time.Second)
	v.SetDefault("stream.dead_letter", "")
	v.SetDefault("stream.max_deliveries", 0)

	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.password", "")

	v.SetDefault("kafka.brokers", []string{"localhost:9092"})
	v.SetDefault("kafka.partitions", 1)

	v.SetDefault("store.driver", StorePostgres)

	v.SetDefault("postgres.dsn", "")
	v.SetDefault("postgres.max_conns", 10)
	v.SetDefault("postgres.migrate", true)
	v.SetDefault("postgres.dedupe", false)

	v.SetDefault("telemetry.otlp_endpoint", "")
	v.SetDefault("telemetry.service_name", "healthstream")

	v.SetDefault("shutdown_timeout", 10*time.Second)
}

// RegisterFlags adds the command line flags understood by Load to fs.
func RegisterFlags(fs *pflag.FlagSet) {
	fs.String("config", "", "path to a YAML configuration file")

	fs.String("log.level", "info", "log level (debug, info, warn, error)")
	fs.String("log.format", "json", "log format (json, console)")
	fs.String("http.addr", ":8000", "HTTP listen address")

	fs.String("stream.driver", DriverRedis, "append log backend (redis, kafka, memory)")
	fs.String("stream.name", "health-data-stream", "stream name")
	fs.String("stream.group", "health-data-group", "consumer group name")
	fs.Int("stream.batch_size", 10, "entries read per poll")
	fs.Duration("stream.block", 5*time.Second, "how long a poll waits for new entries")

	fs.String("redis.addr", "localhost:6379", "redis address")
	fs.StringSlice("kafka.brokers", []string{"localhost:9092"}, "kafka bootstrap servers")

	fs.String("store.driver", StorePostgres, "metrics store (postgres, memory)")
	fs.String("postgres.dsn", "", "postgres connection string")
	fs.Bool("postgres.dedupe", false, "skip entries that were already persisted")

	fs.String("telemetry.otlp_endpoint", "", "OTLP gRPC endpoint for traces, disabled when empty")

	fs.Duration("shutdown_timeout", 10*time.Second, "how long to wait for the consumer to stop")
}

// Load resolves the configuration. Flags only override values when set on the
// command line; fs may be nil.
func Load(fs *pflag.FlagSet) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if fs != nil {
		if err := v.BindPFlags(fs); err != nil {
			return nil, fmt.Errorf("bind flags: %w", err)
		}
	}

	if path := v.GetString("config"); path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config file %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Validate reports every invalid setting at once.
func (c *Config) Validate() error {
	var errs []error

	switch c.Stream.Driver {
	case DriverRedis, DriverKafka, DriverMemory:
	default:
		errs = append(errs, fmt.Errorf("stream.driver: unknown driver %q", c.Stream.Driver))
	}

	if c.Stream.Name == "" {
		errs = append(errs, errors.New("stream.name: must not be empty"))
	}
	if c.Stream.Group == "" {
		errs = append(errs, errors.New("stream.group: must not be empty"))
	}
	if c.Stream.BatchSize <= 0 {
		errs = append(errs, fmt.Errorf("stream.batch_size: must be positive, got %d", c.Stream.BatchSize))
	}
	if c.Stream.Block < 0 {
		errs = append(errs, errors.New("stream.block: must not be negative"))
	}
	if c.Stream.BackoffCap <= 0 {
		errs = append(errs, errors.New("stream.backoff_cap: must be positive"))
	}
	if c.Stream.MaxDeliveries < 0 {
		errs = append(errs, errors.New("stream.max_deliveries: must not be negative"))
	}
	if c.Stream.DeadLetter != "" && c.Stream.DeadLetter == c.Stream.Name {
		errs = append(errs, errors.New("stream.dead_letter: must differ from stream.name"))
	}

	if c.Stream.Driver == DriverKafka && len(c.Kafka.Brokers) == 0 {
		errs = append(errs, errors.New("kafka.brokers: required for the kafka driver"))
	}
	if c.Stream.Driver == DriverRedis && c.Redis.Addr == "" {
		errs = append(errs, errors.New("redis.addr: required for the redis driver"))
	}

	switch c.Store.Driver {
	case StorePostgres:
		if c.Postgres.DSN == "" {
			errs = append(errs, errors.New("postgres.dsn: required for the postgres store"))
		}
	case StoreMemory:
	default:
		errs = append(errs, fmt.Errorf("store.driver: unknown driver %q", c.Store.Driver))
	}

	return errors.Join(errs...)
}
