package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// ErrInvalid is wrapped by every validation error.
var ErrInvalid = errors.New("invalid configuration")

// Transport modes.
const (
	ModeAPI    = "api"
	ModeDirect = "direct"
	ModeAgent  = "agent"
)

// Auth modes.
const (
	AuthNone   = "none"
	AuthAPIKey = "apikey"
	AuthMTLS   = "mtls"
)

// Default values applied when fields are absent from the config file.
const (
	DefaultEndpoint            = "localhost:50051"
	DefaultKeyEnv              = "TENDRL_KEY"
	DefaultAgentSocket         = "/var/lib/tendrl/tendrl_agent.sock"
	DefaultAgentSubBatch       = 10
	DefaultTargetCPUPercent    = 65.0
	DefaultTargetMemPercent    = 75.0
	DefaultMinBatchSize        = 10
	DefaultMaxBatchSize        = 100
	DefaultMinBatchInterval    = 100 * time.Millisecond
	DefaultMaxBatchInterval    = time.Second
	DefaultMaxQueueSize        = 1000
	DefaultDBPath              = "tendrl_offline.db"
	DefaultOfflineTTL          = time.Hour
	DefaultOfflineMaxRecords   = 100000
	DefaultCheckMsgRate        = 3 * time.Second
	DefaultSampleInterval      = time.Second
	DefaultSampleWindow        = 5
	DefaultMaxAttempts         = 5
	DefaultAttemptTimeout      = 10 * time.Second
	DefaultBackoffInitial      = 200 * time.Millisecond
	DefaultBackoffMax          = 10 * time.Second
	DefaultHealthCheckInterval = 30 * time.Second
	DefaultShutdownGrace       = 5 * time.Second
	DefaultLogLevel            = "info"

	DefaultCollectorGRPCAddr     = ":50051"
	DefaultCollectorRetention    = 15 * time.Minute
	DefaultCollectorFeedInterval = 2 * time.Second
)

// Config is the top-level configuration for the client and the development
// collector. Fields map 1:1 to config.example.yaml.
type Config struct {
	Client    ClientConfig    `yaml:"client"`
	Collector CollectorConfig `yaml:"collector"`
}

// ClientConfig holds all client-side settings.
type ClientConfig struct {
	// Mode is one of: api | direct | agent. "api" is an alias of "direct".
	Mode string `yaml:"mode"`

	// Headless sends every message inline on the caller's goroutine instead
	// of queueing it.
	Headless bool `yaml:"headless"`

	// Endpoint is the gRPC address of the collector (host:port).
	Endpoint string `yaml:"endpoint"`

	// Auth configures how the client authenticates to the collector.
	Auth AuthConfig `yaml:"auth"`

	// AgentSocket is the Unix socket of the local agent (agent mode).
	AgentSocket string `yaml:"agent_socket"`

	// AgentSubBatch is how many messages go into one agent frame.
	AgentSubBatch int `yaml:"agent_sub_batch"`

	TargetCPUPercent float64 `yaml:"target_cpu_percent"`
	TargetMemPercent float64 `yaml:"target_mem_percent"`
	CPUWeight        float64 `yaml:"cpu_weight"`
	MemWeight        float64 `yaml:"mem_weight"`

	MinBatchSize     int           `yaml:"min_batch_size"`
	MaxBatchSize     int           `yaml:"max_batch_size"`
	MinBatchInterval time.Duration `yaml:"min_batch_interval"`
	MaxBatchInterval time.Duration `yaml:"max_batch_interval"`

	// MaxQueueSize bounds the in-memory queue.
	MaxQueueSize int `yaml:"max_queue_size"`

	// OfflineStorage enables the SQLite store for undeliverable messages.
	OfflineStorage    bool          `yaml:"offline_storage"`
	DBPath            string        `yaml:"db_path"`
	OfflineTTL        time.Duration `yaml:"offline_ttl"`
	OfflineMaxRecords int           `yaml:"offline_max_records"`

	// CheckMsgRate is how often the collector is asked for inbound messages.
	// Zero disables checking.
	CheckMsgRate time.Duration `yaml:"check_msg_rate"`

	SampleInterval time.Duration `yaml:"sample_interval"`
	SampleWindow   int           `yaml:"sample_window"`

	MaxAttempts         int           `yaml:"max_attempts"`
	AttemptTimeout      time.Duration `yaml:"attempt_timeout"`
	BackoffInitial      time.Duration `yaml:"backoff_initial"`
	BackoffMax          time.Duration `yaml:"backoff_max"`
	HealthCheckInterval time.Duration `yaml:"health_check_interval"`
	ShutdownGrace       time.Duration `yaml:"shutdown_grace"`

	LogLevel string `yaml:"log_level"`
	LogJSON  bool   `yaml:"log_json"`

	// MetricsAddr, when set, makes the CLI serve /metrics on this address.
	MetricsAddr string `yaml:"metrics_addr"`
}

// AuthConfig specifies how the client authenticates to the collector.
type AuthConfig struct {
	// Mode is one of: none | apikey | mtls.
	Mode string `yaml:"mode"`

	// KeyEnv is the name of the environment variable that holds the API key.
	KeyEnv string `yaml:"key_env"`

	// mTLS fields, used when Mode == "mtls".
	CertFile   string `yaml:"cert_file"`
	KeyFile    string `yaml:"key_file"`
	CAFile     string `yaml:"ca_file"`
	ServerName string `yaml:"server_name"`
}

// Key returns the API key value resolved from the environment.
// Returns empty string if KeyEnv is unset or the variable is not found.
func (a AuthConfig) Key() string {
	if a.KeyEnv == "" {
		return ""
	}
	return os.Getenv(a.KeyEnv)
}

// CollectorConfig holds the development collector settings.
type CollectorConfig struct {
	// GRPCAddr is the listen address of the gRPC receiver.
	GRPCAddr string `yaml:"grpc_addr"`

	// AgentSocket, when set, also serves the agent protocol on this socket.
	AgentSocket string `yaml:"agent_socket"`

	// HTTPAddr, when set, serves /metrics, the /api/v1 inspection API and
	// the /ws/feed live stream on this address.
	HTTPAddr string `yaml:"http_addr"`

	// FeedInterval is how often the live stream broadcasts.
	FeedInterval time.Duration `yaml:"feed_interval"`

	// Auth configures how incoming calls are authenticated.
	Auth CollectorAuthConfig `yaml:"auth"`

	// Retention is how long received messages are kept in memory.
	Retention time.Duration `yaml:"retention"`
}

// CollectorAuthConfig configures collector authentication.
type CollectorAuthConfig struct {
	// Mode is one of: apikey | none.
	Mode string `yaml:"mode"`

	// KeyEnv is the name of the environment variable holding the expected API key.
	KeyEnv string `yaml:"key_env"`
}

// Key returns the expected API key resolved from the environment.
func (a CollectorAuthConfig) Key() string {
	if a.KeyEnv == "" {
		return ""
	}
	return os.Getenv(a.KeyEnv)
}

// Load reads and parses the YAML config file at path.
// Missing optional fields are filled with defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read file: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML config data on top of the defaults and validates it.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parse yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	return cfg, nil
}

// Default returns a Config pre-populated with default values.
func Default() *Config {
	return &Config{
		Client:    DefaultClient(),
		Collector: DefaultCollector(),
	}
}

// DefaultClient returns the default client settings.
func DefaultClient() ClientConfig {
	return ClientConfig{
		Mode:                ModeDirect,
		Endpoint:            DefaultEndpoint,
		Auth:                AuthConfig{Mode: AuthNone, KeyEnv: DefaultKeyEnv},
		AgentSocket:         DefaultAgentSocket,
		AgentSubBatch:       DefaultAgentSubBatch,
		TargetCPUPercent:    DefaultTargetCPUPercent,
		TargetMemPercent:    DefaultTargetMemPercent,
		CPUWeight:           1,
		MemWeight:           1,
		MinBatchSize:        DefaultMinBatchSize,
		MaxBatchSize:        DefaultMaxBatchSize,
		MinBatchInterval:    DefaultMinBatchInterval,
		MaxBatchInterval:    DefaultMaxBatchInterval,
		MaxQueueSize:        DefaultMaxQueueSize,
		DBPath:              DefaultDBPath,
		OfflineTTL:          DefaultOfflineTTL,
		OfflineMaxRecords:   DefaultOfflineMaxRecords,
		CheckMsgRate:        DefaultCheckMsgRate,
		SampleInterval:      DefaultSampleInterval,
		SampleWindow:        DefaultSampleWindow,
		MaxAttempts:         DefaultMaxAttempts,
		AttemptTimeout:      DefaultAttemptTimeout,
		BackoffInitial:      DefaultBackoffInitial,
		BackoffMax:          DefaultBackoffMax,
		HealthCheckInterval: DefaultHealthCheckInterval,
		ShutdownGrace:       DefaultShutdownGrace,
		LogLevel:            DefaultLogLevel,
		LogJSON:             true,
	}
}

// DefaultCollector returns the default collector settings.
func DefaultCollector() CollectorConfig {
	return CollectorConfig{
		GRPCAddr:     DefaultCollectorGRPCAddr,
		Auth:         CollectorAuthConfig{Mode: AuthNone},
		Retention:    DefaultCollectorRetention,
		FeedInterval: DefaultCollectorFeedInterval,
	}
}

// Validate checks structural constraints of the whole tree.
func (c *Config) Validate() error {
	if err := c.Client.Validate(); err != nil {
		return err
	}
	return c.Collector.Validate()
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalid, fmt.Sprintf(format, args...))
}

// Validate checks required fields, enums and ranges.
func (c *ClientConfig) Validate() error {
	switch c.Mode {
	case ModeAPI, ModeDirect:
		if c.Endpoint == "" && !c.Headless {
			return invalid("client.endpoint is required in %s mode", c.Mode)
		}
	case ModeAgent:
		if c.AgentSocket == "" {
			return invalid("client.agent_socket is required in agent mode")
		}
	default:
		return invalid("client.mode: unknown mode %q", c.Mode)
	}

	switch c.Auth.Mode {
	case AuthNone, "":
	case AuthAPIKey:
		if c.Auth.KeyEnv == "" {
			return invalid("client.auth.key_env is required for apikey auth")
		}
		if c.Auth.Key() == "" {
			return invalid("client.auth: environment variable %s holds no API key", c.Auth.KeyEnv)
		}
	case AuthMTLS:
		if c.Auth.CertFile == "" || c.Auth.KeyFile == "" {
			return invalid("client.auth: cert_file and key_file are required for mtls auth")
		}
	default:
		return invalid("client.auth.mode: unknown mode %q", c.Auth.Mode)
	}

	if c.TargetCPUPercent <= 0 || c.TargetCPUPercent > 100 {
		return invalid("client.target_cpu_percent must be in (0, 100]")
	}
	if c.TargetMemPercent <= 0 || c.TargetMemPercent > 100 {
		return invalid("client.target_mem_percent must be in (0, 100]")
	}
	if c.CPUWeight < 0 || c.MemWeight < 0 {
		return invalid("client.cpu_weight and client.mem_weight must not be negative")
	}
	if c.MinBatchSize < 1 {
		return invalid("client.min_batch_size must be at least 1")
	}
	if c.MaxBatchSize < c.MinBatchSize {
		return invalid("client.max_batch_size (%d) is below min_batch_size (%d)", c.MaxBatchSize, c.MinBatchSize)
	}
	if c.MinBatchInterval <= 0 {
		return invalid("client.min_batch_interval must be positive")
	}
	if c.MaxBatchInterval < c.MinBatchInterval {
		return invalid("client.max_batch_interval (%v) is below min_batch_interval (%v)", c.MaxBatchInterval, c.MinBatchInterval)
	}
	if c.MaxQueueSize < 1 {
		return invalid("client.max_queue_size must be positive")
	}
	if c.OfflineStorage {
		if c.DBPath == "" {
			return invalid("client.db_path is required when offline_storage is enabled")
		}
		if c.OfflineTTL <= 0 {
			return invalid("client.offline_ttl must be positive")
		}
	}
	if c.OfflineMaxRecords < 0 {
		return invalid("client.offline_max_records must not be negative")
	}
	if c.CheckMsgRate < 0 {
		return invalid("client.check_msg_rate must not be negative")
	}
	if c.SampleInterval <= 0 {
		return invalid("client.sample_interval must be positive")
	}
	if c.SampleWindow < 1 {
		return invalid("client.sample_window must be at least 1")
	}
	if c.AgentSubBatch < 1 {
		return invalid("client.agent_sub_batch must be at least 1")
	}
	if c.MaxAttempts < 1 {
		return invalid("client.max_attempts must be at least 1")
	}
	if c.AttemptTimeout <= 0 {
		return invalid("client.attempt_timeout must be positive")
	}
	if c.BackoffInitial <= 0 || c.BackoffMax < c.BackoffInitial {
		return invalid("client.backoff_initial must be positive and not above backoff_max")
	}
	if c.HealthCheckInterval <= 0 {
		return invalid("client.health_check_interval must be positive")
	}
	if c.ShutdownGrace < 0 {
		return invalid("client.shutdown_grace must not be negative")
	}
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return invalid("client.log_level: unknown level %q", c.LogLevel)
	}
	return nil
}

// Validate checks collector settings.
func (c *CollectorConfig) Validate() error {
	if c.GRPCAddr == "" && c.AgentSocket == "" {
		return invalid("collector: grpc_addr or agent_socket is required")
	}
	switch c.Auth.Mode {
	case AuthNone, "":
	case AuthAPIKey:
		if c.Auth.KeyEnv == "" {
			return invalid("collector.auth.key_env is required for apikey auth")
		}
	default:
		return invalid("collector.auth.mode: unknown mode %q", c.Auth.Mode)
	}
	if c.Retention <= 0 {
		return invalid("collector.retention must be positive")
	}
	if c.FeedInterval <= 0 {
		return invalid("collector.feed_interval must be positive")
	}
	return nil
}
