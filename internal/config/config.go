// Package config loads carebridge settings from defaults, CAREBRIDGE_*
// environment variables and an optional YAML file, in that order of
// increasing precedence.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"carebridge/internal/audit"
)

const envPrefix = "CAREBRIDGE_"

type Config struct {
	HTTP      HTTPConfig      `yaml:"http"`
	WebSocket WebSocketConfig `yaml:"websocket"`
	Auth      AuthConfig      `yaml:"auth"`
	Registry  RegistryConfig  `yaml:"registry"`
	Hub       HubConfig       `yaml:"hub"`
	RateLimit RateLimitConfig `yaml:"ratelimit"`
	Calls     CallsConfig     `yaml:"calls"`
	Audit     audit.Config    `yaml:"audit"`
	NATS      NATSConfig      `yaml:"nats"`
	Log       LogConfig       `yaml:"log"`
}

type HTTPConfig struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	AllowedOrigins  []string      `yaml:"allowed_origins"`
}

// Addr is the listen address.
func (h HTTPConfig) Addr() string {
	return fmt.Sprintf("%s:%d", h.Host, h.Port)
}

type WebSocketConfig struct {
	PingInterval     time.Duration `yaml:"ping_interval"`
	MissedHeartbeats int           `yaml:"missed_heartbeats"`
	WriteTimeout     time.Duration `yaml:"write_timeout"`
	BufferSize       int           `yaml:"buffer_size"`
	MaxMessageSize   int64         `yaml:"max_message_size"`
}

type AuthConfig struct {
	Secret                  string        `yaml:"secret"`
	Issuer                  string        `yaml:"issuer"`
	Audience                string        `yaml:"audience"`
	Leeway                  time.Duration `yaml:"leeway"`
	AllowAnonymous          bool          `yaml:"allow_anonymous"`
	AllowAnonymousMessaging bool          `yaml:"allow_anonymous_messaging"`
}

// RegistryConfig controls whether an identity may hold several live
// connections. When false a new connection replaces the previous one.
type RegistryConfig struct {
	MultiSession bool `yaml:"multi_session"`
}

type HubConfig struct {
	QueueSize     int           `yaml:"queue_size"`
	SweepInterval time.Duration `yaml:"sweep_interval"`
}

type RateLimitConfig struct {
	MaxMessages     int           `yaml:"max_messages"`
	Window          time.Duration `yaml:"window"`
	IdleTTL         time.Duration `yaml:"idle_ttl"`
	TypingPerSecond float64       `yaml:"typing_per_second"`
	TypingBurst     int           `yaml:"typing_burst"`
}

type CallsConfig struct {
	RingTimeout time.Duration `yaml:"ring_timeout"`
}

// NATSConfig configures alert ingest. Ingest is off unless Enabled.
type NATSConfig struct {
	Enabled       bool          `yaml:"enabled"`
	URL           string        `yaml:"url"`
	SubjectPrefix string        `yaml:"subject_prefix"`
	Queue         string        `yaml:"queue"`
	MaxReconnects int           `yaml:"max_reconnects"`
	ReconnectWait time.Duration `yaml:"reconnect_wait"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// DefaultConfig returns production defaults. Auth.Secret has no default
// and must be provided.
func DefaultConfig() *Config {
	return &Config{
		HTTP: HTTPConfig{
			Host:            "0.0.0.0",
			Port:            8080,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    30 * time.Second,
			ShutdownTimeout: 30 * time.Second,
		},
		WebSocket: WebSocketConfig{
			PingInterval:     25 * time.Second,
			MissedHeartbeats: 3,
			WriteTimeout:     10 * time.Second,
			BufferSize:       100,
			MaxMessageSize:   64 * 1024,
		},
		Auth: AuthConfig{
			Issuer:         "carebridge",
			Leeway:         30 * time.Second,
			AllowAnonymous: true,
		},
		Registry: RegistryConfig{MultiSession: false},
		Hub: HubConfig{
			QueueSize:     1024,
			SweepInterval: 5 * time.Second,
		},
		RateLimit: RateLimitConfig{
			MaxMessages:     30,
			Window:          time.Minute,
			IdleTTL:         5 * time.Minute,
			TypingPerSecond: 2,
			TypingBurst:     4,
		},
		Calls: CallsConfig{RingTimeout: 45 * time.Second},
		Audit: audit.DefaultConfig(),
		NATS: NATSConfig{
			URL:           "nats://127.0.0.1:4222",
			SubjectPrefix: "carebridge.alerts",
			Queue:         "carebridge",
			MaxReconnects: -1,
			ReconnectWait: 2 * time.Second,
		},
		Log: LogConfig{Level: "info", Format: "json"},
	}
}

// Validate checks every section.
func (c *Config) Validate() error {
	if c.HTTP.Port <= 0 || c.HTTP.Port > 65535 {
		return errors.New("HTTP port must be between 1 and 65535")
	}
	if c.HTTP.Host == "" {
		return errors.New("HTTP host cannot be empty")
	}
	if c.HTTP.ReadTimeout <= 0 || c.HTTP.WriteTimeout <= 0 {
		return errors.New("HTTP timeouts must be positive")
	}
	if c.HTTP.ShutdownTimeout <= 0 {
		return errors.New("HTTP shutdown timeout must be positive")
	}

	if c.WebSocket.PingInterval <= 0 {
		return errors.New("WebSocket ping interval must be positive")
	}
	if c.WebSocket.MissedHeartbeats <= 0 {
		return errors.New("WebSocket missed heartbeats must be positive")
	}
	if c.WebSocket.WriteTimeout <= 0 {
		return errors.New("WebSocket write timeout must be positive")
	}
	if c.WebSocket.BufferSize <= 0 {
		return errors.New("WebSocket buffer size must be positive")
	}
	if c.WebSocket.MaxMessageSize <= 0 {
		return errors.New("WebSocket max message size must be positive")
	}

	if c.Auth.Secret == "" {
		return errors.New("auth secret cannot be empty")
	}
	if len(c.Auth.Secret) < 16 {
		return errors.New("auth secret must be at least 16 bytes")
	}
	if c.Auth.Leeway < 0 {
		return errors.New("auth leeway cannot be negative")
	}

	if c.Hub.QueueSize <= 0 {
		return errors.New("hub queue size must be positive")
	}
	if c.Hub.SweepInterval <= 0 {
		return errors.New("hub sweep interval must be positive")
	}

	if c.RateLimit.MaxMessages <= 0 {
		return errors.New("rate limit max messages must be positive")
	}
	if c.RateLimit.Window <= 0 {
		return errors.New("rate limit window must be positive")
	}
	if c.RateLimit.IdleTTL < c.RateLimit.Window {
		return errors.New("rate limit idle ttl must be at least the window")
	}
	if c.RateLimit.TypingPerSecond <= 0 || c.RateLimit.TypingBurst <= 0 {
		return errors.New("typing throttle must be positive")
	}

	if c.Calls.RingTimeout <= 0 {
		return errors.New("call ring timeout must be positive")
	}

	if err := c.Audit.Validate(); err != nil {
		return err
	}

	if c.NATS.Enabled && c.NATS.URL == "" {
		return errors.New("nats url cannot be empty when ingest is enabled")
	}

	switch strings.ToLower(c.Log.Format) {
	case "json", "console":
	default:
		return fmt.Errorf("unknown log format %q", c.Log.Format)
	}
	return nil
}

// LoadFromEnv applies CAREBRIDGE_* variables over the defaults. Values
// that fail to parse are ignored.
func LoadFromEnv() *Config {
	config := DefaultConfig()
	applyEnv(config)
	return config
}

func applyEnv(c *Config) {
	envString("HTTP_HOST", &c.HTTP.Host)
	envInt("HTTP_PORT", &c.HTTP.Port)
	envDuration("HTTP_READ_TIMEOUT", &c.HTTP.ReadTimeout)
	envDuration("HTTP_WRITE_TIMEOUT", &c.HTTP.WriteTimeout)
	envDuration("HTTP_SHUTDOWN_TIMEOUT", &c.HTTP.ShutdownTimeout)
	envList("HTTP_ALLOWED_ORIGINS", &c.HTTP.AllowedOrigins)

	envDuration("WEBSOCKET_PING_INTERVAL", &c.WebSocket.PingInterval)
	envInt("WEBSOCKET_MISSED_HEARTBEATS", &c.WebSocket.MissedHeartbeats)
	envDuration("WEBSOCKET_WRITE_TIMEOUT", &c.WebSocket.WriteTimeout)
	envInt("WEBSOCKET_BUFFER_SIZE", &c.WebSocket.BufferSize)
	if v, ok := os.LookupEnv(envPrefix + "WEBSOCKET_MAX_MESSAGE_SIZE"); ok {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			c.WebSocket.MaxMessageSize = n
		}
	}

	envString("AUTH_SECRET", &c.Auth.Secret)
	envString("AUTH_ISSUER", &c.Auth.Issuer)
	envString("AUTH_AUDIENCE", &c.Auth.Audience)
	envDuration("AUTH_LEEWAY", &c.Auth.Leeway)
	envBool("AUTH_ALLOW_ANONYMOUS", &c.Auth.AllowAnonymous)
	envBool("AUTH_ALLOW_ANONYMOUS_MESSAGING", &c.Auth.AllowAnonymousMessaging)

	envBool("REGISTRY_MULTI_SESSION", &c.Registry.MultiSession)

	envInt("HUB_QUEUE_SIZE", &c.Hub.QueueSize)
	envDuration("HUB_SWEEP_INTERVAL", &c.Hub.SweepInterval)

	envInt("RATELIMIT_MAX_MESSAGES", &c.RateLimit.MaxMessages)
	envDuration("RATELIMIT_WINDOW", &c.RateLimit.Window)
	envDuration("RATELIMIT_IDLE_TTL", &c.RateLimit.IdleTTL)
	if v, ok := os.LookupEnv(envPrefix + "RATELIMIT_TYPING_PER_SECOND"); ok {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			c.RateLimit.TypingPerSecond = f
		}
	}
	envInt("RATELIMIT_TYPING_BURST", &c.RateLimit.TypingBurst)

	envDuration("CALLS_RING_TIMEOUT", &c.Calls.RingTimeout)

	envString("AUDIT_PATH", &c.Audit.Path)
	envInt("AUDIT_MAX_CONNECTIONS", &c.Audit.MaxConnections)
	envDuration("AUDIT_WRITE_TIMEOUT", &c.Audit.WriteTimeout)
	envDuration("AUDIT_RETRY_DELAY", &c.Audit.RetryDelay)

	envBool("NATS_ENABLED", &c.NATS.Enabled)
	envString("NATS_URL", &c.NATS.URL)
	envString("NATS_SUBJECT_PREFIX", &c.NATS.SubjectPrefix)
	envString("NATS_QUEUE", &c.NATS.Queue)
	envInt("NATS_MAX_RECONNECTS", &c.NATS.MaxReconnects)
	envDuration("NATS_RECONNECT_WAIT", &c.NATS.ReconnectWait)

	envString("LOG_LEVEL", &c.Log.Level)
	envString("LOG_FORMAT", &c.Log.Format)
}

func envString(key string, dst *string) {
	if v, ok := os.LookupEnv(envPrefix + key); ok && v != "" {
		*dst = v
	}
}

func envInt(key string, dst *int) {
	if v, ok := os.LookupEnv(envPrefix + key); ok {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func envBool(key string, dst *bool) {
	if v, ok := os.LookupEnv(envPrefix + key); ok {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func envDuration(key string, dst *time.Duration) {
	if v, ok := os.LookupEnv(envPrefix + key); ok {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = d
		}
	}
}

func envList(key string, dst *[]string) {
	v, ok := os.LookupEnv(envPrefix + key)
	if !ok || v == "" {
		return
	}
	var out []string
	for _, item := range strings.Split(v, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	*dst = out
}

// LoadFromFile reads a YAML file over the defaults and validates the
// result. ${VAR} references in the file are expanded from the environment.
func LoadFromFile(path string) (*Config, error) {
	config := DefaultConfig()
	if err := applyFile(config, path); err != nil {
		return nil, err
	}
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration in %s: %w", path, err)
	}
	return config, nil
}

// applyFile decodes path onto c; keys absent from the file keep their
// current values.
func applyFile(c *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file %s: %w", path, err)
	}
	expanded := os.ExpandEnv(string(data))
	if err := yaml.Unmarshal([]byte(expanded), c); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return nil
}

// LoadConfigWithPrecedence resolves file > environment > defaults and
// validates the result. An empty path skips the file.
func LoadConfigWithPrecedence(path string) (*Config, error) {
	config := LoadFromEnv()
	if path != "" {
		if err := applyFile(config, path); err != nil {
			return nil, err
		}
	}
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return config, nil
}
