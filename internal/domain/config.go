package domain

import "time"

// Config holds the complete Heron configuration.
type Config struct {
	// Server settings
	Server ServerConfig `koanf:"server" json:"server"`

	// Tier determines which backends are used by default
	Tier Tier `koanf:"tier" json:"tier"`

	// Target labels the environment being monitored (dev, prod, ...).
	// Cache keys, bus subjects and stored runs are isolated per target.
	Target string `koanf:"target" json:"target"`

	// ModelsPath points at the YAML file with model definitions
	ModelsPath string `koanf:"models_path" json:"modelsPath"`

	// WatchModels reloads the model catalog when ModelsPath changes
	WatchModels bool `koanf:"watch_models" json:"watchModels"`

	// Component configurations
	Warehouse WarehouseConfig  `koanf:"warehouse" json:"warehouse"`
	Store     RepositoryConfig `koanf:"store" json:"store"`
	Cache     CacheConfig      `koanf:"cache" json:"cache"`
	EventBus  EventBusConfig   `koanf:"event_bus" json:"eventBus"`
	Runner    RunnerConfig     `koanf:"runner" json:"runner"`

	// Observability
	Logging LoggingConfig `koanf:"logging" json:"logging"`
	Tracing TracingConfig `koanf:"tracing" json:"tracing"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host         string `koanf:"host" json:"host"`
	Port         int    `koanf:"port" json:"port"`
	ReadTimeout  int    `koanf:"read_timeout" json:"readTimeout"`   // seconds
	WriteTimeout int    `koanf:"write_timeout" json:"writeTimeout"` // seconds
}

// WarehouseConfig describes the database holding the monitored models.
type WarehouseConfig struct {
	RepositoryConfig `koanf:",squash"`

	// Schema qualifies model table names when set
	Schema string `koanf:"schema" json:"schema"`

	// CacheTTL enables dataset caching when positive
	CacheTTL time.Duration `koanf:"cache_ttl" json:"cacheTtl"`
}

// RunnerConfig controls how many models are analyzed concurrently.
type RunnerConfig struct {
	Workers int `koanf:"workers" json:"workers"`

	// Async enables the bus-driven worker
	Async bool `koanf:"async" json:"async"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string `koanf:"level" json:"level"`   // debug, info, warn, error
	Format string `koanf:"format" json:"format"` // json, text
}

// TracingConfig holds OpenTelemetry settings.
type TracingConfig struct {
	Enabled     bool   `koanf:"enabled" json:"enabled"`
	ServiceName string `koanf:"service_name" json:"serviceName"`

	// Endpoint is the OTLP gRPC collector, e.g. "otel-collector:4317"
	Endpoint string `koanf:"endpoint" json:"endpoint"`

	// CAPath enables TLS to the collector; without it the link is plaintext
	CAPath string `koanf:"ca_path" json:"caPath"`

	// SampleRatio is the fraction of root spans kept, 0 meaning all
	SampleRatio float64 `koanf:"sample_ratio" json:"sampleRatio"`
}

// Tier represents the deployment tier.
type Tier string

const (
	// TierCommunity runs on SQLite, an in-process cache and channels
	TierCommunity Tier = "community"

	// TierPro runs on PostgreSQL, Redis and NATS
	TierPro Tier = "pro"
)

// DefaultConfig returns a default configuration for the Community tier.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:         "0.0.0.0",
			Port:         8080,
			ReadTimeout:  30,
			WriteTimeout: 120,
		},
		Tier:       TierCommunity,
		Target:     "dev",
		ModelsPath: "./models.yml",
		Warehouse: WarehouseConfig{
			RepositoryConfig: RepositoryConfig{
				Driver:     "sqlite",
				SQLitePath: "./warehouse.db",
			},
		},
		Store: RepositoryConfig{
			Driver:     "sqlite",
			SQLitePath: "./heron.db",
		},
		Cache: CacheConfig{
			Type:         "memory",
			LocalMaxSize: 1000,
			LocalTTL:     5 * time.Minute,
		},
		EventBus: EventBusConfig{
			Type:              "channel",
			ChannelBufferSize: 1000,
		},
		Runner: RunnerConfig{
			Workers: 4,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Tracing: TracingConfig{
			Enabled:     false,
			ServiceName: "heron",
		},
	}
}

// ProConfig returns a configuration for the Pro tier.
func ProConfig() *Config {
	cfg := DefaultConfig()
	cfg.Tier = TierPro
	cfg.Target = "prod"
	cfg.Warehouse = WarehouseConfig{
		RepositoryConfig: RepositoryConfig{
			Driver:       "postgres",
			PostgresHost: "localhost",
			PostgresPort: 5432,
			PostgresDB:   "analytics",
		},
		CacheTTL: 10 * time.Minute,
	}
	cfg.Store = RepositoryConfig{
		Driver:       "postgres",
		PostgresHost: "localhost",
		PostgresPort: 5432,
		PostgresDB:   "heron",
	}
	cfg.Cache = CacheConfig{
		Type:           "redis",
		RedisAddr:      "localhost:6379",
		EnableTwoPhase: true,
		LocalMaxSize:   200,
		LocalTTL:       time.Minute,
	}
	cfg.EventBus = EventBusConfig{
		Type:              "nats",
		NATSUrl:           "nats://localhost:4222",
		NATSMaxReconnects: 10,
		NATSReconnectWait: 5,
	}
	cfg.Runner = RunnerConfig{Workers: 8, Async: true}
	cfg.Tracing.Enabled = true
	return cfg
}
