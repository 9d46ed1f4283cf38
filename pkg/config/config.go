package config

import (
	"fmt"
	"os"
	"time"

	"peercall/pkg/tracing"
	"peercall/pkg/validation"

	"gopkg.in/yaml.v2"
)

type Config struct {
	Server struct {
		Address         string        `yaml:"address"`
		ReadTimeout     time.Duration `yaml:"read_timeout"`
		WriteTimeout    time.Duration `yaml:"write_timeout"`
		ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
		InstanceID      string        `yaml:"instance_id"`
	} `yaml:"server"`

	// Signal configures the relay channel on both ends.
	Signal struct {
		URL          string        `yaml:"url"`
		PingInterval time.Duration `yaml:"ping_interval"`
		PongTimeout  time.Duration `yaml:"pong_timeout"`
		WriteTimeout time.Duration `yaml:"write_timeout"`
		SendBuffer   int           `yaml:"send_buffer"`
		DialAttempts int           `yaml:"dial_attempts"`
	} `yaml:"signal"`

	WebRTC struct {
		ReflectionServers []string `yaml:"reflection_servers"`
		PortRange         struct {
			Min uint16 `yaml:"min"`
			Max uint16 `yaml:"max"`
		} `yaml:"port_range"`
		CredentialsURL     string        `yaml:"credentials_url"`
		CredentialsTimeout time.Duration `yaml:"credentials_timeout"`
	} `yaml:"webrtc"`

	Call struct {
		SetupTimeout           time.Duration `yaml:"setup_timeout"`
		CheckingTimeout        time.Duration `yaml:"checking_timeout"`
		DisconnectedGrace      time.Duration `yaml:"disconnected_grace"`
		MaxPathRestarts        int           `yaml:"max_path_restarts"`
		CredentialSafetyMargin time.Duration `yaml:"credential_safety_margin"`
		SilenceChecks          int           `yaml:"silence_checks"`
		SilenceCheckInterval   time.Duration `yaml:"silence_check_interval"`
		NotificationBuffer     int           `yaml:"notification_buffer"`
	} `yaml:"call"`

	// Turn configures TURN REST credentials issued by the relay.
	Turn struct {
		SharedSecret string        `yaml:"shared_secret"`
		URIs         []string      `yaml:"uris"`
		TTL          time.Duration `yaml:"ttl"`
	} `yaml:"turn"`

	Monitoring struct {
		PrometheusEnabled bool `yaml:"prometheus_enabled"`
	} `yaml:"monitoring"`

	Tracing tracing.Config `yaml:"tracing"`

	Logging struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"logging"`

	Redis struct {
		Enabled  bool   `yaml:"enabled"`
		Address  string `yaml:"address"`
		Password string `yaml:"password"`
		DB       int    `yaml:"db"`
		PoolSize int    `yaml:"pool_size"`
	} `yaml:"redis"`

	Auth struct {
		JWTSecret       string        `yaml:"jwt_secret"`
		AccessTokenTTL  time.Duration `yaml:"access_token_ttl"`
		RefreshTokenTTL time.Duration `yaml:"refresh_token_ttl"`
		AllowedOrigins  []string      `yaml:"allowed_origins"`
		// IssueTokens exposes POST /api/v1/auth/token for development setups
		// without an identity provider.
		IssueTokens bool `yaml:"issue_tokens"`
	} `yaml:"auth"`

	RateLimiting struct {
		Enabled bool `yaml:"enabled"`

		HTTP struct {
			RequestsPerSecond float64 `yaml:"requests_per_second"`
			Burst             int     `yaml:"burst"`
			MaxConcurrent     int     `yaml:"max_concurrent"` // global concurrent HTTP requests
		} `yaml:"http"`

		WebSocket struct {
			MessagesPerSecond   float64 `yaml:"messages_per_second"`
			Burst               int     `yaml:"burst"`
			MaxMessageSizeBytes int64   `yaml:"max_message_size_bytes"`
		} `yaml:"websocket"`
	} `yaml:"rate_limiting"`
}

// Validate checks that configuration values are within acceptable ranges.
func (c *Config) Validate() error {
	// Server
	if c.Server.Address == "" {
		return fmt.Errorf("server.address must not be empty")
	}
	if c.Server.ReadTimeout <= 0 {
		return fmt.Errorf("server.read_timeout must be > 0")
	}
	if c.Server.WriteTimeout <= 0 {
		return fmt.Errorf("server.write_timeout must be > 0")
	}
	if c.Server.ShutdownTimeout <= 0 {
		return fmt.Errorf("server.shutdown_timeout must be > 0")
	}

	// Signal
	if c.Signal.PingInterval <= 0 {
		return fmt.Errorf("signal.ping_interval must be > 0")
	}
	if c.Signal.PongTimeout <= c.Signal.PingInterval {
		return fmt.Errorf("signal.pong_timeout must be > signal.ping_interval")
	}
	if c.Signal.WriteTimeout <= 0 {
		return fmt.Errorf("signal.write_timeout must be > 0")
	}
	if c.Signal.SendBuffer <= 0 {
		return fmt.Errorf("signal.send_buffer must be > 0")
	}
	if c.Signal.DialAttempts < 0 {
		return fmt.Errorf("signal.dial_attempts must be >= 0")
	}
	if c.Signal.URL != "" {
		if err := validation.ValidateURL(c.Signal.URL); err != nil {
			return fmt.Errorf("signal.url: %w", err)
		}
	}

	// WebRTC
	for _, uri := range c.WebRTC.ReflectionServers {
		if err := validation.ValidateICEServerURL(uri); err != nil {
			return fmt.Errorf("webrtc.reflection_servers: %w", err)
		}
	}
	if c.WebRTC.PortRange.Min > 0 || c.WebRTC.PortRange.Max > 0 {
		if c.WebRTC.PortRange.Min == 0 || c.WebRTC.PortRange.Max == 0 {
			return fmt.Errorf("webrtc.port_range.min and max must both be set when one is set")
		}
		if c.WebRTC.PortRange.Min >= c.WebRTC.PortRange.Max {
			return fmt.Errorf("webrtc.port_range.min must be < max")
		}
	}
	if c.WebRTC.CredentialsTimeout <= 0 {
		return fmt.Errorf("webrtc.credentials_timeout must be > 0")
	}

	// Call
	if c.Call.SetupTimeout < 0 {
		return fmt.Errorf("call.setup_timeout must be >= 0")
	}
	if c.Call.CheckingTimeout <= 0 {
		return fmt.Errorf("call.checking_timeout must be > 0")
	}
	if c.Call.DisconnectedGrace <= 0 {
		return fmt.Errorf("call.disconnected_grace must be > 0")
	}
	if c.Call.MaxPathRestarts < 0 {
		return fmt.Errorf("call.max_path_restarts must be >= 0")
	}
	if c.Call.CredentialSafetyMargin < 0 {
		return fmt.Errorf("call.credential_safety_margin must be >= 0")
	}
	if c.Call.SilenceChecks <= 0 {
		return fmt.Errorf("call.silence_checks must be > 0")
	}
	if c.Call.SilenceCheckInterval <= 0 {
		return fmt.Errorf("call.silence_check_interval must be > 0")
	}
	if c.Call.NotificationBuffer <= 0 {
		return fmt.Errorf("call.notification_buffer must be > 0")
	}

	// Turn
	if c.Turn.SharedSecret != "" {
		if len(c.Turn.URIs) == 0 {
			return fmt.Errorf("turn.uris must not be empty when turn.shared_secret is set")
		}
		for _, uri := range c.Turn.URIs {
			if err := validation.ValidateICEServerURL(uri); err != nil {
				return fmt.Errorf("turn.uris: %w", err)
			}
		}
		if c.Turn.TTL <= c.Call.CredentialSafetyMargin {
			return fmt.Errorf("turn.ttl must be > call.credential_safety_margin")
		}
	}

	// Logging
	if err := validation.ValidateNonEmptyString(c.Logging.Level, "logging.level"); err != nil {
		return err
	}

	// Redis
	if c.Redis.Enabled {
		if c.Redis.Address == "" {
			return fmt.Errorf("redis.address must not be empty when redis.enabled=true")
		}
		if c.Redis.PoolSize <= 0 {
			return fmt.Errorf("redis.pool_size must be > 0 when redis.enabled=true")
		}
	}

	// Auth
	if c.Auth.JWTSecret == "" {
		return fmt.Errorf("auth.jwt_secret must not be empty")
	}
	if c.Auth.AccessTokenTTL <= 0 {
		return fmt.Errorf("auth.access_token_ttl must be > 0")
	}
	if c.Auth.RefreshTokenTTL < c.Auth.AccessTokenTTL {
		return fmt.Errorf("auth.refresh_token_ttl must be >= auth.access_token_ttl")
	}

	// Rate limiting
	if c.RateLimiting.Enabled {
		if c.RateLimiting.HTTP.RequestsPerSecond <= 0 {
			return fmt.Errorf("rate_limiting.http.requests_per_second must be > 0 when rate limiting is enabled")
		}
		if c.RateLimiting.HTTP.Burst <= 0 {
			return fmt.Errorf("rate_limiting.http.burst must be > 0 when rate limiting is enabled")
		}
		if c.RateLimiting.HTTP.MaxConcurrent < 0 {
			return fmt.Errorf("rate_limiting.http.max_concurrent must be >= 0 when rate limiting is enabled")
		}
		if c.RateLimiting.WebSocket.MessagesPerSecond <= 0 {
			return fmt.Errorf("rate_limiting.websocket.messages_per_second must be > 0 when rate limiting is enabled")
		}
		if c.RateLimiting.WebSocket.Burst <= 0 {
			return fmt.Errorf("rate_limiting.websocket.burst must be > 0 when rate limiting is enabled")
		}
	}
	if c.RateLimiting.WebSocket.MaxMessageSizeBytes < 0 {
		return fmt.Errorf("rate_limiting.websocket.max_message_size_bytes must be >= 0")
	}

	return nil
}

// Load reads configuration from YAML file, applies defaults and env overrides.
func Load(configPath string) (*Config, error) {
	// If file does not exist, fall back to defaults
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		cfg := DefaultConfig()
		cfg.applyEnvOverrides()
		return cfg, nil
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", configPath, err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config yaml: %w", err)
	}

	cfg.applyEnvOverrides()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// DefaultConfig returns configuration with sane defaults.
func DefaultConfig() *Config {
	cfg := &Config{}

	cfg.Server.Address = ":8080"
	cfg.Server.ReadTimeout = 30 * time.Second
	cfg.Server.WriteTimeout = 30 * time.Second
	cfg.Server.ShutdownTimeout = 30 * time.Second

	cfg.Signal.URL = "ws://localhost:8080/ws"
	cfg.Signal.PingInterval = 30 * time.Second
	cfg.Signal.PongTimeout = 60 * time.Second
	cfg.Signal.WriteTimeout = 10 * time.Second
	cfg.Signal.SendBuffer = 64
	cfg.Signal.DialAttempts = 5

	cfg.WebRTC.ReflectionServers = []string{
		"stun:stun.l.google.com:19302",
		"stun:stun1.l.google.com:19302",
	}
	cfg.WebRTC.CredentialsURL = "http://localhost:8080"
	cfg.WebRTC.CredentialsTimeout = 5 * time.Second

	cfg.Call.SetupTimeout = 45 * time.Second
	cfg.Call.CheckingTimeout = 10 * time.Second
	cfg.Call.DisconnectedGrace = 3 * time.Second
	cfg.Call.MaxPathRestarts = 3
	cfg.Call.CredentialSafetyMargin = 5 * time.Minute
	cfg.Call.SilenceChecks = 5
	cfg.Call.SilenceCheckInterval = 200 * time.Millisecond
	cfg.Call.NotificationBuffer = 32

	cfg.Turn.TTL = 12 * time.Hour

	cfg.Monitoring.PrometheusEnabled = true

	cfg.Tracing = tracing.DefaultConfig()

	cfg.Logging.Level = "info"
	cfg.Logging.Format = "json"

	cfg.Redis.Enabled = false
	cfg.Redis.Address = "localhost:6379"
	cfg.Redis.DB = 0
	cfg.Redis.PoolSize = 10

	cfg.Auth.JWTSecret = "change-me-in-production"
	cfg.Auth.AccessTokenTTL = 24 * time.Hour
	cfg.Auth.RefreshTokenTTL = 7 * 24 * time.Hour
	cfg.Auth.AllowedOrigins = []string{"*"}

	// Rate limiting defaults (disabled by default)
	cfg.RateLimiting.Enabled = false
	cfg.RateLimiting.HTTP.RequestsPerSecond = 50
	cfg.RateLimiting.HTTP.Burst = 100
	cfg.RateLimiting.HTTP.MaxConcurrent = 0
	cfg.RateLimiting.WebSocket.MessagesPerSecond = 50
	cfg.RateLimiting.WebSocket.Burst = 100
	cfg.RateLimiting.WebSocket.MaxMessageSizeBytes = 64 * 1024

	return cfg
}

func (c *Config) applyEnvOverrides() {
	if addr := os.Getenv("PEERCALL_SERVER_ADDRESS"); addr != "" {
		c.Server.Address = addr
	}
	if url := os.Getenv("PEERCALL_SIGNAL_URL"); url != "" {
		c.Signal.URL = url
	}
	if url := os.Getenv("PEERCALL_CREDENTIALS_URL"); url != "" {
		c.WebRTC.CredentialsURL = url
	}
	if level := os.Getenv("PEERCALL_LOG_LEVEL"); level != "" {
		c.Logging.Level = level
	}
	if secret := os.Getenv("PEERCALL_JWT_SECRET"); secret != "" {
		c.Auth.JWTSecret = secret
	}
	if secret := os.Getenv("PEERCALL_TURN_SECRET"); secret != "" {
		c.Turn.SharedSecret = secret
	}
	if addr := os.Getenv("PEERCALL_REDIS_ADDRESS"); addr != "" {
		c.Redis.Enabled = true
		c.Redis.Address = addr
	}
}
