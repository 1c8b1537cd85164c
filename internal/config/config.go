package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"cipherchat/internal/ratelimit"
	dbconfig "cipherchat/pkg/database"
)

// EnvPrefix namespaces every environment override, e.g. CIPHERCHAT_HTTP_PORT
const EnvPrefix = "CIPHERCHAT"

// MinSecretLength is the shortest accepted server secret in bytes
const MinSecretLength = 32

// ARCHITECTURAL DISCOVERY: Configuration layer serves as system-wide settings coordinator
// Clean separation between configuration management and business logic
type Config struct {
	Database  *dbconfig.Config `mapstructure:"database"`
	HTTP      *HTTPConfig      `mapstructure:"http"`
	WebSocket *WebSocketConfig `mapstructure:"websocket"`
	Auth      *AuthConfig      `mapstructure:"auth"`
	Throttle  *ThrottleConfig  `mapstructure:"throttle"`
	Log       *LogConfig       `mapstructure:"log"`
}

// FUNCTIONAL DISCOVERY: HTTP configuration balances performance and reliability
type HTTPConfig struct {
	Host         string        `mapstructure:"host"`
	Port         int           `mapstructure:"port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	Mode         string        `mapstructure:"mode"`
}

// Addr is the listen address
func (h *HTTPConfig) Addr() string {
	return fmt.Sprintf("%s:%d", h.Host, h.Port)
}

type WebSocketConfig struct {
	PingInterval time.Duration `mapstructure:"ping_interval"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	BufferSize   int           `mapstructure:"buffer_size"`
	ReadLimit    int64         `mapstructure:"read_limit"`
	HubBuffer    int           `mapstructure:"hub_buffer"`
}

// AuthConfig carries the server secret. Claim and room keys are both derived from it.
type AuthConfig struct {
	Secret     string        `mapstructure:"secret"`
	Issuer     string        `mapstructure:"issuer"`
	Audience   string        `mapstructure:"audience"`
	TokenTTL   time.Duration `mapstructure:"token_ttl"`
	BcryptCost int           `mapstructure:"bcrypt_cost"`
}

type ThrottleConfig struct {
	SendMax       int           `mapstructure:"send_max"`
	SendWindow    time.Duration `mapstructure:"send_window"`
	RequestMax    int           `mapstructure:"request_max"`
	RequestWindow time.Duration `mapstructure:"request_window"`
	SweepInterval time.Duration `mapstructure:"sweep_interval"`
	IdleTTL       time.Duration `mapstructure:"idle_ttl"`
}

// SendPolicy throttles sendMessage per identity
func (t *ThrottleConfig) SendPolicy() ratelimit.Policy {
	return ratelimit.Policy{Max: t.SendMax, Window: t.SendWindow}
}

// RequestPolicy throttles REST calls per caller
func (t *ThrottleConfig) RequestPolicy() ratelimit.Policy {
	return ratelimit.Policy{Max: t.RequestMax, Window: t.RequestWindow}
}

// Limiter returns the sweep settings shared by both policies
func (t *ThrottleConfig) Limiter() ratelimit.Config {
	return ratelimit.Config{SweepInterval: t.SweepInterval, IdleTTL: t.IdleTTL}
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// FUNCTIONAL DISCOVERY: Production-ready defaults; only the secret has no default
func DefaultConfig() *Config {
	return &Config{
		Database: dbconfig.DefaultConfig(),
		HTTP: &HTTPConfig{
			Host:         "0.0.0.0",
			Port:         8080,
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 30 * time.Second,
			Mode:         "release",
		},
		WebSocket: &WebSocketConfig{
			PingInterval: 30 * time.Second,
			ReadTimeout:  60 * time.Second,
			WriteTimeout: 5 * time.Second,
			BufferSize:   100,
			ReadLimit:    8192,
			HubBuffer:    1000,
		},
		Auth: &AuthConfig{
			Issuer:     "cipherchat",
			Audience:   "cipherchat-clients",
			TokenTTL:   24 * time.Hour,
			BcryptCost: 10,
		},
		Throttle: &ThrottleConfig{
			SendMax:       5,
			SendWindow:    30 * time.Second,
			RequestMax:    60,
			RequestWindow: time.Minute,
			SweepInterval: time.Minute,
			IdleTTL:       10 * time.Minute,
		},
		Log: &LogConfig{
			Level:  "info",
			Format: "console",
		},
	}
}

// Load reads defaults, then the optional YAML file at path, then CIPHERCHAT_* variables
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	setDefaults(v, DefaultConfig())

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	cfg := DefaultConfig()
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// setDefaults registers every key so AutomaticEnv can resolve it
func setDefaults(v *viper.Viper, d *Config) {
	v.SetDefault("database.path", d.Database.DatabasePath)
	v.SetDefault("database.max_connections", d.Database.MaxConnections)
	v.SetDefault("database.conn_max_lifetime", d.Database.ConnMaxLifetime)
	v.SetDefault("database.conn_max_idle_time", d.Database.ConnMaxIdleTime)
	v.SetDefault("database.busy_timeout", d.Database.BusyTimeout)
	v.SetDefault("database.write_timeout", d.Database.WriteTimeout)
	v.SetDefault("database.write_retry_delay", d.Database.WriteRetryDelay)

	v.SetDefault("http.host", d.HTTP.Host)
	v.SetDefault("http.port", d.HTTP.Port)
	v.SetDefault("http.read_timeout", d.HTTP.ReadTimeout)
	v.SetDefault("http.write_timeout", d.HTTP.WriteTimeout)
	v.SetDefault("http.mode", d.HTTP.Mode)

	v.SetDefault("websocket.ping_interval", d.WebSocket.PingInterval)
	v.SetDefault("websocket.read_timeout", d.WebSocket.ReadTimeout)
	v.SetDefault("websocket.write_timeout", d.WebSocket.WriteTimeout)
	v.SetDefault("websocket.buffer_size", d.WebSocket.BufferSize)
	v.SetDefault("websocket.read_limit", d.WebSocket.ReadLimit)
	v.SetDefault("websocket.hub_buffer", d.WebSocket.HubBuffer)

	v.SetDefault("auth.secret", d.Auth.Secret)
	v.SetDefault("auth.issuer", d.Auth.Issuer)
	v.SetDefault("auth.audience", d.Auth.Audience)
	v.SetDefault("auth.token_ttl", d.Auth.TokenTTL)
	v.SetDefault("auth.bcrypt_cost", d.Auth.BcryptCost)

	v.SetDefault("throttle.send_max", d.Throttle.SendMax)
	v.SetDefault("throttle.send_window", d.Throttle.SendWindow)
	v.SetDefault("throttle.request_max", d.Throttle.RequestMax)
	v.SetDefault("throttle.request_window", d.Throttle.RequestWindow)
	v.SetDefault("throttle.sweep_interval", d.Throttle.SweepInterval)
	v.SetDefault("throttle.idle_ttl", d.Throttle.IdleTTL)

	v.SetDefault("log.level", d.Log.Level)
	v.SetDefault("log.format", d.Log.Format)
}

// FUNCTIONAL DISCOVERY: Comprehensive validation prevents invalid system configurations
// Critical for preventing runtime failures in production deployment
func (c *Config) Validate() error {
	if c.Database == nil {
		return fmt.Errorf("database configuration is required")
	}
	if err := c.Database.Validate(); err != nil {
		return fmt.Errorf("database: %w", err)
	}

	if c.HTTP == nil {
		return fmt.Errorf("HTTP configuration is required")
	}
	// port 0 binds an ephemeral port
	if c.HTTP.Port < 0 || c.HTTP.Port > 65535 {
		return fmt.Errorf("HTTP port must be between 0 and 65535")
	}
	if c.HTTP.ReadTimeout <= 0 || c.HTTP.WriteTimeout <= 0 {
		return fmt.Errorf("HTTP timeouts must be positive")
	}
	if c.HTTP.Host == "" {
		return fmt.Errorf("HTTP host cannot be empty")
	}
	switch c.HTTP.Mode {
	case "debug", "release", "test":
	default:
		return fmt.Errorf("HTTP mode must be debug, release or test, got %q", c.HTTP.Mode)
	}

	if c.WebSocket == nil {
		return fmt.Errorf("WebSocket configuration is required")
	}
	if c.WebSocket.PingInterval <= 0 || c.WebSocket.ReadTimeout <= 0 || c.WebSocket.WriteTimeout <= 0 {
		return fmt.Errorf("WebSocket intervals must be positive")
	}
	if c.WebSocket.PingInterval >= c.WebSocket.ReadTimeout {
		return fmt.Errorf("WebSocket ping interval must be shorter than the read timeout")
	}
	if c.WebSocket.BufferSize <= 0 || c.WebSocket.HubBuffer <= 0 {
		return fmt.Errorf("WebSocket buffer sizes must be positive")
	}
	if c.WebSocket.ReadLimit <= 0 {
		return fmt.Errorf("WebSocket read limit must be positive")
	}

	if c.Auth == nil {
		return fmt.Errorf("auth configuration is required")
	}
	if len(c.Auth.Secret) < MinSecretLength {
		return fmt.Errorf("auth secret must be at least %d bytes", MinSecretLength)
	}
	if c.Auth.Issuer == "" || c.Auth.Audience == "" {
		return fmt.Errorf("auth issuer and audience are required")
	}
	if c.Auth.TokenTTL <= 0 {
		return fmt.Errorf("auth token TTL must be positive")
	}
	if c.Auth.BcryptCost < 4 || c.Auth.BcryptCost > 31 {
		return fmt.Errorf("auth bcrypt cost must be between 4 and 31")
	}

	if c.Throttle == nil {
		return fmt.Errorf("throttle configuration is required")
	}
	t := c.Throttle
	if t.SendMax <= 0 || t.RequestMax <= 0 {
		return fmt.Errorf("throttle maximums must be positive")
	}
	if t.SendWindow <= 0 || t.RequestWindow <= 0 || t.SweepInterval <= 0 {
		return fmt.Errorf("throttle windows must be positive")
	}
	if t.IdleTTL < t.SendWindow || t.IdleTTL < t.RequestWindow {
		return fmt.Errorf("throttle idle TTL must cover the longest window")
	}

	if c.Log == nil {
		return fmt.Errorf("log configuration is required")
	}
	switch c.Log.Format {
	case "console", "json":
	default:
		return fmt.Errorf("log format must be console or json, got %q", c.Log.Format)
	}

	return nil
}
