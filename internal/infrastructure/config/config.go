package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
)

// EnvPrefix prefixes environment overrides. Nested keys are separated by a
// double underscore: SPACE_BRIDGE__QUEUE_SIZE sets bridge.queue_size.
const EnvPrefix = "SPACE_"

// DefaultPath is read when Load is given an empty path.
const DefaultPath = "configs/config.yaml"

type Config struct {
	Version     string `koanf:"version"`
	Environment string `koanf:"environment"`
	LogLevel    string `koanf:"log_level"`
	// NodeID tags mutations this node forwards; generated when empty.
	NodeID string `koanf:"node_id"`

	Server    ServerConfig    `koanf:"server"`
	Redis     RedisConfig     `koanf:"redis"`
	NATS      NATSConfig      `koanf:"nats"`
	Bridge    BridgeConfig    `koanf:"bridge"`
	WebSocket WebSocketConfig `koanf:"websocket"`
	Telemetry TelemetryConfig `koanf:"telemetry"`
}

type ServerConfig struct {
	Port            int           `koanf:"port"`
	ReadTimeout     time.Duration `koanf:"read_timeout"`
	WriteTimeout    time.Duration `koanf:"write_timeout"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout"`
	// ReusePort lets a replacement process bind while the old one drains.
	ReusePort bool `koanf:"reuse_port"`
}

type RedisConfig struct {
	URL          string        `koanf:"url"`
	Password     string        `koanf:"password"`
	DB           int           `koanf:"db"`
	PoolSize     int           `koanf:"pool_size"`
	DialTimeout  time.Duration `koanf:"dial_timeout"`
	WriteTimeout time.Duration `koanf:"write_timeout"`
}

type NATSConfig struct {
	URL           string        `koanf:"url"`
	Stream        string        `koanf:"stream"`
	MaxAge        time.Duration `koanf:"max_age"`
	ReconnectWait time.Duration `koanf:"reconnect_wait"`
}

// BridgeConfig controls upstream replication.
type BridgeConfig struct {
	// Transport is "redis", "nats" or "none".
	Transport      string        `koanf:"transport"`
	StreamPrefix   string        `koanf:"stream_prefix"`
	MaxLen         int64         `koanf:"max_len"`
	QueueSize      int           `koanf:"queue_size"`
	ReadBlock      time.Duration `koanf:"read_block"`
	ReadBatch      int64         `koanf:"read_batch"`
	InitialBackoff time.Duration `koanf:"initial_backoff"`
	MaxBackoff     time.Duration `koanf:"max_backoff"`
	// CatchUpTimeout bounds the log replay a newly hosted space waits for.
	CatchUpTimeout time.Duration `koanf:"catch_up_timeout"`
}

type WebSocketConfig struct {
	SendQueueSize      int           `koanf:"send_queue_size"`
	WriteTimeout       time.Duration `koanf:"write_timeout"`
	PingInterval       time.Duration `koanf:"ping_interval"`
	PongTimeout        time.Duration `koanf:"pong_timeout"`
	MaxMessageSize     int64         `koanf:"max_message_size"`
	RateLimitPerSecond float64       `koanf:"rate_limit_per_second"`
	Burst              int           `koanf:"burst"`
}

type TelemetryConfig struct {
	Enabled        bool          `koanf:"enabled"`
	ServiceName    string        `koanf:"service_name"`
	OTLPEndpoint   string        `koanf:"otlp_endpoint"`
	SampleRate     float64       `koanf:"sample_rate"`
	EnableTracing  bool          `koanf:"enable_tracing"`
	EnableMetrics  bool          `koanf:"enable_metrics"`
	ExportInterval time.Duration `koanf:"export_interval"`
}

// Defaults returns the configuration used before file and env overrides.
func Defaults() *Config {
	return &Config{
		Version:     "dev",
		Environment: "development",
		LogLevel:    "info",
		Server: ServerConfig{
			Port:            8080,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    30 * time.Second,
			ShutdownTimeout: 30 * time.Second,
		},
		Redis: RedisConfig{
			URL:          "localhost:6379",
			PoolSize:     10,
			DialTimeout:  5 * time.Second,
			WriteTimeout: 3 * time.Second,
		},
		NATS: NATSConfig{
			URL:           "nats://localhost:4222",
			Stream:        "SPACES",
			MaxAge:        time.Hour,
			ReconnectWait: 2 * time.Second,
		},
		Bridge: BridgeConfig{
			Transport:      "redis",
			StreamPrefix:   "space",
			MaxLen:         10000,
			QueueSize:      4096,
			ReadBlock:      5 * time.Second,
			ReadBatch:      100,
			InitialBackoff: 100 * time.Millisecond,
			MaxBackoff:     10 * time.Second,
			CatchUpTimeout: 10 * time.Second,
		},
		WebSocket: WebSocketConfig{
			SendQueueSize:      256,
			WriteTimeout:       10 * time.Second,
			PingInterval:       30 * time.Second,
			PongTimeout:        60 * time.Second,
			MaxMessageSize:     64 * 1024,
			RateLimitPerSecond: 50,
			Burst:              100,
		},
		Telemetry: TelemetryConfig{
			ServiceName:    "space-broker",
			OTLPEndpoint:   "localhost:4317",
			SampleRate:     1.0,
			EnableTracing:  true,
			EnableMetrics:  true,
			ExportInterval: 30 * time.Second,
		},
	}
}

// Load layers defaults, the YAML file at path (optional) and SPACE_*
// environment variables, then validates the result.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(structs.Provider(Defaults(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("loading defaults: %w", err)
	}

	explicit := path != ""
	if !explicit {
		path = DefaultPath
	}
	if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
		// The default file is optional; an explicit one is not.
		if explicit || !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("loading config file %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
		return nil, fmt.Errorf("loading environment variables: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}
	if cfg.NodeID == "" {
		cfg.NodeID = generateNodeID()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// generateNodeID combines the hostname with a random suffix so two processes
// on one host never share an id.
func generateNodeID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "node"
	}
	return host + "-" + uuid.NewString()[:8]
}

func envKey(s string) string {
	return strings.ReplaceAll(strings.ToLower(strings.TrimPrefix(s, EnvPrefix)), "__", ".")
}

// Validate rejects configurations the node cannot run with.
func (c *Config) Validate() error {
	var errs []error
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port %d out of range", c.Server.Port))
	}
	switch c.Bridge.Transport {
	case "redis":
		if c.Redis.URL == "" {
			errs = append(errs, errors.New("redis.url is required for the redis transport"))
		}
	case "nats":
		if c.NATS.URL == "" {
			errs = append(errs, errors.New("nats.url is required for the nats transport"))
		}
		if c.NATS.Stream == "" || c.Bridge.StreamPrefix == "" {
			errs = append(errs, errors.New("nats.stream and bridge.stream_prefix are required for the nats transport"))
		}
	case "none":
	default:
		errs = append(errs, fmt.Errorf("bridge.transport %q must be redis, nats or none", c.Bridge.Transport))
	}
	if c.Bridge.QueueSize <= 0 {
		errs = append(errs, errors.New("bridge.queue_size must be positive"))
	}
	if c.Bridge.InitialBackoff <= 0 || c.Bridge.MaxBackoff < c.Bridge.InitialBackoff {
		errs = append(errs, errors.New("bridge backoff must satisfy 0 < initial_backoff <= max_backoff"))
	}
	if c.Bridge.CatchUpTimeout <= 0 {
		errs = append(errs, errors.New("bridge.catch_up_timeout must be positive"))
	}
	if c.WebSocket.SendQueueSize <= 0 {
		errs = append(errs, errors.New("websocket.send_queue_size must be positive"))
	}
	if c.WebSocket.RateLimitPerSecond <= 0 || c.WebSocket.Burst <= 0 {
		errs = append(errs, errors.New("websocket rate limit and burst must be positive"))
	}
	if c.Telemetry.SampleRate < 0 || c.Telemetry.SampleRate > 1 {
		errs = append(errs, fmt.Errorf("telemetry.sample_rate %v must be within [0,1]", c.Telemetry.SampleRate))
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}
