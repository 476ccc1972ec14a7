package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultConfigFile is the path checked for YAML configuration.
const DefaultConfigFile = "forgeline.yaml"

// Load returns a Config using the hierarchy: defaults < YAML < ENV.
// YAML file is optional; missing file is not an error.
func Load() (*Config, error) {
	return LoadFrom(DefaultConfigFile)
}

// LoadFrom returns a Config loaded from the given YAML path using the
// hierarchy: defaults < YAML < ENV. The YAML file is optional.
func LoadFrom(yamlPath string) (*Config, error) {
	return LoadWithOverrides(yamlPath, Overrides{})
}

// loadYAML reads the YAML file and unmarshals it over cfg.
// Returns nil if the file does not exist.
func loadYAML(cfg *Config, path string) error {
	data, err := os.ReadFile(path) //nolint:gosec // G304: operator-supplied config path
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("read %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}

	return nil
}

// loadEnv overlays environment variables onto cfg.
// Only non-empty env values override the current config.
func loadEnv(cfg *Config) {
	setString(&cfg.Server.Port, "FORGELINE_PORT")
	setString(&cfg.Server.CORSOrigin, "FORGELINE_CORS_ORIGIN")
	setDuration(&cfg.Server.ShutdownTimeout, "FORGELINE_SHUTDOWN_TIMEOUT")
	setInt(&cfg.Server.EmbeddedWorkers, "FORGELINE_EMBEDDED_WORKERS")

	setString(&cfg.Logging.Level, "FORGELINE_LOG_LEVEL")
	setString(&cfg.Logging.Service, "FORGELINE_LOG_SERVICE")
	setString(&cfg.Logging.Format, "FORGELINE_LOG_FORMAT")
	setBool(&cfg.Logging.Async, "FORGELINE_LOG_ASYNC")

	setString(&cfg.Store.Driver, "FORGELINE_STORE")
	setString(&cfg.Store.SQLitePath, "FORGELINE_SQLITE_PATH")

	setString(&cfg.Postgres.DSN, "DATABASE_URL")
	setInt32(&cfg.Postgres.MaxConns, "FORGELINE_PG_MAX_CONNS")
	setInt32(&cfg.Postgres.MinConns, "FORGELINE_PG_MIN_CONNS")
	setDuration(&cfg.Postgres.MaxConnLifetime, "FORGELINE_PG_MAX_CONN_LIFETIME")
	setDuration(&cfg.Postgres.MaxConnIdleTime, "FORGELINE_PG_MAX_CONN_IDLE_TIME")
	setDuration(&cfg.Postgres.HealthCheck, "FORGELINE_PG_HEALTH_CHECK")

	setString(&cfg.NATS.URL, "NATS_URL")
	setString(&cfg.NATS.SubjectPrefix, "FORGELINE_NATS_PREFIX")

	setString(&cfg.Bus.Fanout, "FORGELINE_BUS_FANOUT")
	setString(&cfg.Bus.History, "FORGELINE_BUS_HISTORY")
	setString(&cfg.Bus.HistoryBucket, "FORGELINE_BUS_HISTORY_BUCKET")
	setDuration(&cfg.Bus.HistoryTTL, "FORGELINE_HISTORY_TTL")
	setInt(&cfg.Bus.MaxEvents, "FORGELINE_HISTORY_MAX_EVENTS")
	setInt(&cfg.Bus.SubscriberBuffer, "FORGELINE_SUBSCRIBER_BUFFER")
	setDuration(&cfg.Bus.PruneInterval, "FORGELINE_PRUNE_INTERVAL")
	setDuration(&cfg.Bus.AppendTimeout, "FORGELINE_APPEND_TIMEOUT")

	setDuration(&cfg.Queue.PollInterval, "FORGELINE_QUEUE_POLL")
	setDuration(&cfg.Queue.DequeueTimeout, "FORGELINE_DEQUEUE_TIMEOUT")

	setInt(&cfg.Runner.Workers, "FORGELINE_WORKERS")
	setDuration(&cfg.Runner.RetryBackoff, "FORGELINE_RETRY_BACKOFF")
	setDuration(&cfg.Runner.ContinueDelay, "FORGELINE_CONTINUE_DELAY")
	setString(&cfg.Runner.DefaultModel, "FORGELINE_DEFAULT_MODEL")

	setString(&cfg.Engine.Kind, "FORGELINE_ENGINE")
	setString(&cfg.Engine.Command, "FORGELINE_ENGINE_COMMAND")
	setList(&cfg.Engine.Args, "FORGELINE_ENGINE_ARGS")
	setDuration(&cfg.Engine.SessionTimeout, "FORGELINE_SESSION_TIMEOUT")
	setInt(&cfg.Engine.MaxProcesses, "FORGELINE_ENGINE_MAX_PROCESSES")
	setInt(&cfg.Engine.SimulatedFeatures, "FORGELINE_SIMULATED_FEATURES")
	setDuration(&cfg.Engine.SimulatedStepDelay, "FORGELINE_SIMULATED_STEP_DELAY")

	setString(&cfg.Workspace.Root, "FORGELINE_WORKSPACE_ROOT")

	setInt(&cfg.Breaker.MaxFailures, "FORGELINE_BREAKER_MAX_FAILURES")
	setDuration(&cfg.Breaker.Timeout, "FORGELINE_BREAKER_TIMEOUT")

	setInt64(&cfg.Cache.L1MaxSizeMB, "FORGELINE_CACHE_L1_SIZE_MB")
	setString(&cfg.Cache.L2Bucket, "FORGELINE_CACHE_L2_BUCKET")
	setDuration(&cfg.Cache.TTL, "FORGELINE_CACHE_TTL")

	setString(&cfg.Otel.Endpoint, "OTEL_EXPORTER_OTLP_ENDPOINT")
	setString(&cfg.Otel.ServiceName, "OTEL_SERVICE_NAME")
	setBool(&cfg.Otel.Insecure, "FORGELINE_OTEL_INSECURE")
	setFloat64(&cfg.Otel.SampleRate, "FORGELINE_OTEL_SAMPLE_RATE")
}

// A natskv run log is stored as a single value, so its event cap must keep
// the encoded log under the JetStream default max payload.
const (
	kvMaxValueBytes = 1 << 20
	kvEventBytes    = 1 << 10 // bound on one encoded event with truncated tool output

	MaxKVHistoryEvents = kvMaxValueBytes / kvEventBytes
)

// validate checks that required fields are set and enumerations are known.
func validate(cfg *Config) error {
	if cfg.Server.Port == "" {
		return errors.New("server.port is required")
	}
	switch cfg.Store.Driver {
	case "memory":
	case "sqlite":
		if cfg.Store.SQLitePath == "" {
			return errors.New("store.sqlite_path is required for the sqlite driver")
		}
	case "postgres":
		if cfg.Postgres.DSN == "" {
			return errors.New("postgres.dsn is required for the postgres driver")
		}
		if cfg.Postgres.MaxConns < 1 {
			return errors.New("postgres.max_conns must be >= 1")
		}
	default:
		return fmt.Errorf("store.driver %q is not one of memory, sqlite, postgres", cfg.Store.Driver)
	}
	switch cfg.Bus.Fanout {
	case "memory":
	case "nats":
		if cfg.NATS.URL == "" {
			return errors.New("nats.url is required for the nats fanout")
		}
	default:
		return fmt.Errorf("bus.fanout %q is not one of memory, nats", cfg.Bus.Fanout)
	}
	switch cfg.Bus.History {
	case "store":
	case "natskv":
		if cfg.NATS.URL == "" {
			return errors.New("nats.url is required for the natskv history")
		}
		if cfg.Bus.MaxEvents < 1 || cfg.Bus.MaxEvents > MaxKVHistoryEvents {
			return fmt.Errorf("bus.max_events must be between 1 and %d for the natskv history", MaxKVHistoryEvents)
		}
	default:
		return fmt.Errorf("bus.history %q is not one of store, natskv", cfg.Bus.History)
	}
	if cfg.Bus.HistoryTTL <= 0 {
		return errors.New("bus.history_ttl must be > 0")
	}
	if cfg.Bus.MaxEvents < 0 {
		return errors.New("bus.max_events must be >= 0")
	}
	if cfg.Queue.PollInterval <= 0 {
		return errors.New("queue.poll_interval must be > 0")
	}
	if cfg.Runner.Workers < 1 {
		return errors.New("runner.workers must be >= 1")
	}
	if cfg.Runner.RetryBackoff < 0 || cfg.Runner.ContinueDelay < 0 {
		return errors.New("runner delays must be >= 0")
	}
	switch cfg.Engine.Kind {
	case "simulated":
	case "exec":
		if cfg.Engine.Command == "" {
			return errors.New("engine.command is required for the exec engine")
		}
	default:
		return fmt.Errorf("engine.kind %q is not one of simulated, exec", cfg.Engine.Kind)
	}
	if cfg.Workspace.Root == "" {
		return errors.New("workspace.root is required")
	}
	if cfg.Breaker.MaxFailures < 1 {
		return errors.New("breaker.max_failures must be >= 1")
	}
	return nil
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setList(dst *[]string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = strings.Fields(v)
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setInt32(dst *int32, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 32); err == nil {
			*dst = int32(n)
		}
	}
}

func setFloat64(dst *float64, key string) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func setInt64(dst *int64, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			*dst = n
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *time.Duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = d
		}
	}
}

// Overrides carries command-line values. Nil fields leave the config as
// loaded; set fields win over YAML and ENV.
type Overrides struct {
	Port     *string
	LogLevel *string
	Store    *string
	Workers  *int
	Engine   *string
}

// LoadWithOverrides loads yamlPath like LoadFrom and applies o on top before
// validating.
func LoadWithOverrides(yamlPath string, o Overrides) (*Config, error) {
	cfg := Defaults()

	if err := loadYAML(&cfg, yamlPath); err != nil {
		return nil, fmt.Errorf("config yaml: %w", err)
	}

	loadEnv(&cfg)
	applyOverrides(&cfg, o)

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validate: %w", err)
	}

	return &cfg, nil
}

func applyOverrides(cfg *Config, o Overrides) {
	if o.Port != nil {
		cfg.Server.Port = *o.Port
	}
	if o.LogLevel != nil {
		cfg.Logging.Level = *o.LogLevel
	}
	if o.Store != nil {
		cfg.Store.Driver = *o.Store
	}
	if o.Workers != nil {
		cfg.Runner.Workers = *o.Workers
	}
	if o.Engine != nil {
		cfg.Engine.Kind = *o.Engine
	}
}
