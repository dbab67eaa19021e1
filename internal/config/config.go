package config

import "time"

// Config holds server configuration values.
type Config struct {
	Addr              string        `mapstructure:"addr" yaml:"addr"`
	ReadHeaderTimeout time.Duration `mapstructure:"read_header_timeout" yaml:"read_header_timeout"`
	ShutdownTimeout   time.Duration `mapstructure:"shutdown_timeout" yaml:"shutdown_timeout"`
	LogLevel          string        `mapstructure:"log_level" yaml:"log_level"`

	DatabasePath string        `mapstructure:"database_path" yaml:"database_path"`
	JWTSecret    string        `mapstructure:"jwt_secret" yaml:"jwt_secret"`
	JWTIssuer    string        `mapstructure:"jwt_issuer" yaml:"jwt_issuer"`
	JWTAudience  string        `mapstructure:"jwt_audience" yaml:"jwt_audience"`
	JWTTTL       time.Duration `mapstructure:"jwt_ttl" yaml:"jwt_ttl"`

	// WSRateLimit is the sustained inbound websocket events per second per connection.
	WSRateLimit float64 `mapstructure:"ws_rate_limit" yaml:"ws_rate_limit"`
	WSRateBurst int     `mapstructure:"ws_rate_burst" yaml:"ws_rate_burst"`

	ThreadPageSize   int           `mapstructure:"thread_page_size" yaml:"thread_page_size"`
	MessagePageLimit int           `mapstructure:"message_page_limit" yaml:"message_page_limit"`
	TypingTTL        time.Duration `mapstructure:"typing_ttl" yaml:"typing_ttl"`

	Client ClientConfig `mapstructure:"client" yaml:"client"`
}

// ClientConfig holds the inbox client settings.
type ClientConfig struct {
	BaseURL   string `mapstructure:"base_url" yaml:"base_url"`
	PushURL   string `mapstructure:"push_url" yaml:"push_url"`
	TokenFile string `mapstructure:"token_file" yaml:"token_file"`

	PollInterval         time.Duration `mapstructure:"poll_interval" yaml:"poll_interval"`
	PollFailureThreshold int           `mapstructure:"poll_failure_threshold" yaml:"poll_failure_threshold"`
	TypingIdle           time.Duration `mapstructure:"typing_idle" yaml:"typing_idle"`
	TypingExpiry         time.Duration `mapstructure:"typing_expiry" yaml:"typing_expiry"`
	FallbackWindow       time.Duration `mapstructure:"fallback_window" yaml:"fallback_window"`
	MinBackoff           time.Duration `mapstructure:"min_backoff" yaml:"min_backoff"`
	MaxBackoff           time.Duration `mapstructure:"max_backoff" yaml:"max_backoff"`
	PageSize             int           `mapstructure:"page_size" yaml:"page_size"`
	ScrollThreshold      int           `mapstructure:"scroll_threshold" yaml:"scroll_threshold"`
	EventQueue           int           `mapstructure:"event_queue" yaml:"event_queue"`
}

// Default returns configuration with reasonable starter defaults.
func Default() Config {
	return Config{
		Addr:              ":8080",
		ReadHeaderTimeout: 5 * time.Second,
		ShutdownTimeout:   5 * time.Second,
		LogLevel:          "info",
		DatabasePath:      "wirechat.db",
		JWTSecret:         "change-me",
		JWTIssuer:         "wirechat",
		JWTAudience:       "wirechat-inbox",
		JWTTTL:            24 * time.Hour,
		WSRateLimit:       10,
		WSRateBurst:       20,
		ThreadPageSize:    20,
		MessagePageLimit:  50,
		TypingTTL:         6 * time.Second,
		Client:            DefaultClient(),
	}
}

// DefaultClient returns the inbox client defaults.
func DefaultClient() ClientConfig {
	return ClientConfig{
		BaseURL:              "http://localhost:8080",
		PollInterval:         15 * time.Second,
		PollFailureThreshold: 3,
		TypingIdle:           1500 * time.Millisecond,
		TypingExpiry:         6 * time.Second,
		FallbackWindow:       30 * time.Second,
		MinBackoff:           500 * time.Millisecond,
		MaxBackoff:           30 * time.Second,
		PageSize:             50,
		ScrollThreshold:      5,
		EventQueue:           256,
	}
}

// UpdateFrom overwrites non-zero values from other config into receiver.
func (c *Config) UpdateFrom(other Config) {
	if other.Addr != "" {
		c.Addr = other.Addr
	}
	if other.ReadHeaderTimeout != 0 {
		c.ReadHeaderTimeout = other.ReadHeaderTimeout
	}
	if other.ShutdownTimeout != 0 {
		c.ShutdownTimeout = other.ShutdownTimeout
	}
	if other.LogLevel != "" {
		c.LogLevel = other.LogLevel
	}
	if other.DatabasePath != "" {
		c.DatabasePath = other.DatabasePath
	}
	if other.JWTSecret != "" {
		c.JWTSecret = other.JWTSecret
	}
	if other.Client.BaseURL != "" {
		c.Client.BaseURL = other.Client.BaseURL
	}
	if other.Client.PushURL != "" {
		c.Client.PushURL = other.Client.PushURL
	}
	if other.Client.TokenFile != "" {
		c.Client.TokenFile = other.Client.TokenFile
	}
}
