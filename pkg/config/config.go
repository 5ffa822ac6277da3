package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v2"
)

type Config struct {
	Server struct {
		Address         string        `yaml:"address"`
		ReadTimeout     time.Duration `yaml:"read_timeout"`
		WriteTimeout    time.Duration `yaml:"write_timeout"`
		ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
		PingInterval    time.Duration `yaml:"ping_interval"`
	} `yaml:"server"`

	API struct {
		BaseURL  string        `yaml:"base_url"`
		APIKey   string        `yaml:"api_key"`
		Timeout  time.Duration `yaml:"timeout"`
		CacheTTL time.Duration `yaml:"cache_ttl"`

		Retry struct {
			MaxAttempts  int           `yaml:"max_attempts"`
			InitialDelay time.Duration `yaml:"initial_delay"`
			MaxDelay     time.Duration `yaml:"max_delay"`
		} `yaml:"retry"`

		CircuitBreaker struct {
			FailureThreshold int           `yaml:"failure_threshold"`
			SuccessThreshold int           `yaml:"success_threshold"`
			Timeout          time.Duration `yaml:"timeout"`
		} `yaml:"circuit_breaker"`
	} `yaml:"api"`

	Providers struct {
		Default string `yaml:"default"`
		Agora   struct {
			SignalingURL string `yaml:"signaling_url"`
		} `yaml:"agora"`
		LiveKit struct {
			SignalingURL string `yaml:"signaling_url"`
		} `yaml:"livekit"`
		TRTC struct {
			SignalingURL string `yaml:"signaling_url"`
		} `yaml:"trtc"`
	} `yaml:"providers"`

	Messaging struct {
		MaxEncodedSize      int           `yaml:"max_encoded_size"`
		BytesPerSecond      int           `yaml:"bytes_per_second"`
		ParamsRetryAttempts int           `yaml:"params_retry_attempts"`
		ParamsRetryDelay    time.Duration `yaml:"params_retry_delay"`
	} `yaml:"messaging"`

	Stats struct {
		PollInterval time.Duration `yaml:"poll_interval"`
	} `yaml:"stats"`

	Credentials struct {
		WarnBefore time.Duration `yaml:"warn_before"`
	} `yaml:"credentials"`

	WebRTC struct {
		ICEServers []struct {
			URLs       []string `yaml:"urls"`
			Username   string   `yaml:"username,omitempty"`
			Credential string   `yaml:"credential,omitempty"`
		} `yaml:"ice_servers"`
		PortRange struct {
			Min uint16 `yaml:"min"`
			Max uint16 `yaml:"max"`
		} `yaml:"port_range"`
	} `yaml:"webrtc"`

	Monitoring struct {
		PrometheusEnabled bool `yaml:"prometheus_enabled"`
	} `yaml:"monitoring"`

	Tracing struct {
		Enabled     bool    `yaml:"enabled"`
		JaegerURL   string  `yaml:"jaeger_url"`
		Environment string  `yaml:"environment"`
		SampleRate  float64 `yaml:"sample_rate"`
	} `yaml:"tracing"`

	Logging struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"logging"`

	Redis struct {
		Enabled      bool   `yaml:"enabled"`
		Address      string `yaml:"address"`
		Password     string `yaml:"password"`
		DB           int    `yaml:"db"`
		PoolSize     int    `yaml:"pool_size"`
		StateChannel string `yaml:"state_channel"`
	} `yaml:"redis"`

	Auth struct {
		Enabled        bool          `yaml:"enabled"`
		JWTSecret      string        `yaml:"jwt_secret"`
		TokenTTL       time.Duration `yaml:"token_ttl"`
		AllowedOrigins []string      `yaml:"allowed_origins"`
	} `yaml:"auth"`

	Backup struct {
		Enabled   bool          `yaml:"enabled"`
		Dir       string        `yaml:"dir"`
		Interval  time.Duration `yaml:"interval"`
		Retention time.Duration `yaml:"retention"`
	} `yaml:"backup"`

	RateLimiting struct {
		Enabled           bool    `yaml:"enabled"`
		RequestsPerSecond float64 `yaml:"requests_per_second"`
		Burst             int     `yaml:"burst"`
		MaxConcurrent     int     `yaml:"max_concurrent"`
		MessagesPerSecond float64 `yaml:"messages_per_second"`
		MessageBurst      int     `yaml:"message_burst"`
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

	// API
	if c.API.BaseURL == "" {
		return fmt.Errorf("api.base_url must not be empty")
	}
	if c.API.Timeout <= 0 {
		return fmt.Errorf("api.timeout must be > 0")
	}
	if c.API.Retry.MaxAttempts < 0 {
		return fmt.Errorf("api.retry.max_attempts must be >= 0")
	}
	if c.API.CircuitBreaker.FailureThreshold <= 0 {
		return fmt.Errorf("api.circuit_breaker.failure_threshold must be > 0")
	}

	// Providers
	switch c.Providers.Default {
	case "agora", "livekit", "trtc":
	default:
		return fmt.Errorf("providers.default must be one of agora, livekit, trtc")
	}

	// Messaging
	if c.Messaging.MaxEncodedSize <= 0 {
		return fmt.Errorf("messaging.max_encoded_size must be > 0")
	}
	if c.Messaging.BytesPerSecond <= 0 {
		return fmt.Errorf("messaging.bytes_per_second must be > 0")
	}
	if c.Messaging.ParamsRetryAttempts < 0 {
		return fmt.Errorf("messaging.params_retry_attempts must be >= 0")
	}
	if c.Messaging.ParamsRetryDelay < 0 {
		return fmt.Errorf("messaging.params_retry_delay must be >= 0")
	}

	// Stats
	if c.Stats.PollInterval <= 0 {
		return fmt.Errorf("stats.poll_interval must be > 0")
	}

	// WebRTC
	if c.WebRTC.PortRange.Min > 0 || c.WebRTC.PortRange.Max > 0 {
		if c.WebRTC.PortRange.Min == 0 || c.WebRTC.PortRange.Max == 0 {
			return fmt.Errorf("webrtc.port_range.min and max must both be set when one is set")
		}
		if c.WebRTC.PortRange.Min >= c.WebRTC.PortRange.Max {
			return fmt.Errorf("webrtc.port_range.min must be < max")
		}
	}

	// Tracing
	if c.Tracing.Enabled {
		if c.Tracing.JaegerURL == "" {
			return fmt.Errorf("tracing.jaeger_url must not be empty when tracing.enabled=true")
		}
		if c.Tracing.SampleRate < 0 || c.Tracing.SampleRate > 1 {
			return fmt.Errorf("tracing.sample_rate must be within [0, 1]")
		}
	}

	// Backup
	if c.Backup.Enabled {
		if c.Backup.Dir == "" {
			return fmt.Errorf("backup.dir must not be empty when backup.enabled=true")
		}
		if c.Backup.Interval <= 0 {
			return fmt.Errorf("backup.interval must be > 0")
		}
	}

	// Logging
	if c.Logging.Level == "" {
		return fmt.Errorf("logging.level must not be empty")
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
	if c.Auth.Enabled && c.Auth.JWTSecret == "" {
		return fmt.Errorf("auth.jwt_secret must not be empty when auth.enabled=true")
	}

	// Rate limiting
	if c.RateLimiting.Enabled {
		if c.RateLimiting.RequestsPerSecond <= 0 {
			return fmt.Errorf("rate_limiting.requests_per_second must be > 0 when rate limiting is enabled")
		}
		if c.RateLimiting.Burst <= 0 {
			return fmt.Errorf("rate_limiting.burst must be > 0 when rate limiting is enabled")
		}
		if c.RateLimiting.MessagesPerSecond < 0 {
			return fmt.Errorf("rate_limiting.messages_per_second must be >= 0")
		}
	}

	return nil
}

// Load reads configuration from YAML file, applies defaults and env overrides.
func Load(configPath string) (*Config, error) {
	cfg := DefaultConfig()

	// If file does not exist, fall back to defaults
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		cfg.applyEnvOverrides()
		return cfg, cfg.Validate()
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", configPath, err)
	}
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
	cfg.Server.ShutdownTimeout = 15 * time.Second
	cfg.Server.PingInterval = 30 * time.Second

	cfg.API.BaseURL = "http://localhost:3000/api"
	cfg.API.Timeout = 10 * time.Second
	cfg.API.CacheTTL = 5 * time.Minute
	cfg.API.Retry.MaxAttempts = 3
	cfg.API.Retry.InitialDelay = 200 * time.Millisecond
	cfg.API.Retry.MaxDelay = 2 * time.Second
	cfg.API.CircuitBreaker.FailureThreshold = 5
	cfg.API.CircuitBreaker.SuccessThreshold = 2
	cfg.API.CircuitBreaker.Timeout = 30 * time.Second

	cfg.Providers.Default = "agora"

	// Observed data channel limits: ~960 byte frames at ~5.7 KB/s.
	cfg.Messaging.MaxEncodedSize = 960
	cfg.Messaging.BytesPerSecond = 5700
	cfg.Messaging.ParamsRetryAttempts = 3
	cfg.Messaging.ParamsRetryDelay = 100 * time.Millisecond

	cfg.Stats.PollInterval = time.Second
	cfg.Credentials.WarnBefore = 30 * time.Second

	cfg.Monitoring.PrometheusEnabled = true

	cfg.Tracing.JaegerURL = "http://localhost:14268/api/traces"
	cfg.Tracing.Environment = "development"
	cfg.Tracing.SampleRate = 1.0

	cfg.Logging.Level = "info"
	cfg.Logging.Format = "json"

	cfg.Redis.Address = "localhost:6379"
	cfg.Redis.PoolSize = 10
	cfg.Redis.StateChannel = "avatarlink:provider-state"

	cfg.Auth.TokenTTL = 24 * time.Hour
	cfg.Auth.AllowedOrigins = []string{"*"}

	cfg.Backup.Dir = "data/backups"
	cfg.Backup.Interval = 6 * time.Hour
	cfg.Backup.Retention = 7 * 24 * time.Hour

	cfg.RateLimiting.RequestsPerSecond = 20
	cfg.RateLimiting.Burst = 40
	cfg.RateLimiting.MaxConcurrent = 64
	cfg.RateLimiting.MessagesPerSecond = 2
	cfg.RateLimiting.MessageBurst = 5

	return cfg
}

func (c *Config) applyEnvOverrides() {
	if addr := os.Getenv("AVATARLINK_SERVER_ADDRESS"); addr != "" {
		c.Server.Address = addr
	}
	if u := os.Getenv("AVATARLINK_API_BASE_URL"); u != "" {
		c.API.BaseURL = u
	}
	if key := os.Getenv("AVATARLINK_API_KEY"); key != "" {
		c.API.APIKey = key
	}
	if p := os.Getenv("AVATARLINK_PROVIDER"); p != "" {
		c.Providers.Default = p
	}
	if level := os.Getenv("AVATARLINK_LOG_LEVEL"); level != "" {
		c.Logging.Level = level
	}
	if addr := os.Getenv("AVATARLINK_REDIS_ADDRESS"); addr != "" {
		c.Redis.Enabled = true
		c.Redis.Address = addr
	}
	if secret := os.Getenv("AVATARLINK_JWT_SECRET"); secret != "" {
		c.Auth.Enabled = true
		c.Auth.JWTSecret = secret
	}
	if v := os.Getenv("AVATARLINK_MAX_ENCODED_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Messaging.MaxEncodedSize = n
		}
	}
}
