package core

import (
	"crypto/subtle"
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the entire perimeter configuration.
type Config struct {
	Environment string          `yaml:"environment"`
	Server      ServerConfig    `yaml:"server"`
	Origins     OriginConfig    `yaml:"origins"`
	RateLimit   RateLimitConfig `yaml:"rate_limit"`
	Analysis    AnalysisConfig  `yaml:"analysis"`
	Uploads     UploadConfig    `yaml:"uploads"`
	Store       StoreConfig     `yaml:"store"`
	Bus         BusConfig       `yaml:"bus"`
	Syslog      SyslogConfig    `yaml:"syslog"`
	Alerts      AlertConfig     `yaml:"alerts"`
	Logging     LoggingConfig   `yaml:"logging"`
}

// ServerConfig holds API server and credential settings.
type ServerConfig struct {
	Host            string   `yaml:"host"`
	Port            int      `yaml:"port"`
	APIKeys         []string `yaml:"api_keys"`
	JWTSecret       string   `yaml:"jwt_secret"`
	JWTIssuer       string   `yaml:"jwt_issuer"`
	PrivilegedRoles []string `yaml:"privileged_roles"`
	MaxBodyBytes    int64    `yaml:"max_body_bytes"`
}

// OriginConfig is the cross-origin allow-list.
type OriginConfig struct {
	Allowed        []string `yaml:"allowed"`
	Development    []string `yaml:"development"`
	PreviewPattern string   `yaml:"preview_pattern"`
}

// RateWindow is one admit budget: MaxAttempts per Window.
type RateWindow struct {
	MaxAttempts int           `yaml:"max_attempts"`
	Window      time.Duration `yaml:"window"`
}

// RateLimitConfig selects the counter backend and the per-scope budgets.
type RateLimitConfig struct {
	Backend       string     `yaml:"backend"` // "memory" or "redis"
	RedisAddr     string     `yaml:"redis_addr"`
	RedisPassword string     `yaml:"redis_password"`
	RedisDB       int        `yaml:"redis_db"`
	Prefix        string     `yaml:"prefix"`
	Submissions   RateWindow `yaml:"submissions"`
	Uploads       RateWindow `yaml:"uploads"`
	Analysis      RateWindow `yaml:"analysis"`
}

// AnalysisConfig configures the threat-analysis pipeline and its reasoning service.
type AnalysisConfig struct {
	Provider         string        `yaml:"provider"` // "chat" or "gemini"
	APIURL           string        `yaml:"api_url"`
	APIKey           string        `yaml:"api_key"`
	Model            string        `yaml:"model"`
	MaxTokens        int           `yaml:"max_tokens"`
	MaxEvents        int           `yaml:"max_events"`
	FetchLimit       int           `yaml:"fetch_limit"`
	TimeWindow       string        `yaml:"time_window"`
	ScheduleInterval time.Duration `yaml:"schedule_interval"`
}

// UploadConfig bounds file-upload validation.
type UploadConfig struct {
	MaxSize int64 `yaml:"max_size"`
}

// StoreConfig selects the persistence driver.
type StoreConfig struct {
	Driver string `yaml:"driver"` // "memory", "postgres" or "sqlite"
	DSN    string `yaml:"dsn"`
}

// BusConfig holds NATS event bus settings.
// MaxDeliver bounds how often a failing event is handed to a subscriber;
// RedeliveryDelay is the first backoff and doubles per attempt.
type BusConfig struct {
	Enabled         bool          `yaml:"enabled"`
	URL             string        `yaml:"url"`
	Embedded        bool          `yaml:"embedded"`
	DataDir         string        `yaml:"data_dir"`
	Port            int           `yaml:"port"`
	MaxDeliver      int           `yaml:"max_deliver"`
	RedeliveryDelay time.Duration `yaml:"redelivery_delay"`
}

// SyslogConfig enables the syslog event feed.
type SyslogConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Protocol string `yaml:"protocol"` // "udp", "tcp" or "both"
}

// AlertConfig holds alert fan-out settings.
type AlertConfig struct {
	WebhookURLs   []string      `yaml:"webhook_urls"`
	Webhook       WebhookConfig `yaml:"webhook"`
	EnableConsole bool          `yaml:"enable_console"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// DefaultConfig returns a Config with sane defaults. Zero-config works out of the box.
func DefaultConfig() *Config {
	return &Config{
		Environment: "production",
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            1790,
			JWTIssuer:       "perimeter",
			PrivilegedRoles: []string{"admin", "super_admin"},
			MaxBodyBytes:    1 << 20,
		},
		Origins: OriginConfig{
			Development:    []string{"http://localhost:3000", "http://localhost:5173", "http://127.0.0.1:5173"},
			PreviewPattern: `^https://preview--[a-z0-9-]{1,63}\.lovable\.app$`,
		},
		RateLimit: RateLimitConfig{
			Backend:     "memory",
			Prefix:      "perimeter:rl:",
			Submissions: RateWindow{MaxAttempts: 5, Window: time.Minute},
			Uploads:     RateWindow{MaxAttempts: 10, Window: time.Minute},
			Analysis:    RateWindow{MaxAttempts: 10, Window: time.Hour},
		},
		Analysis: AnalysisConfig{
			Provider:   "chat",
			APIURL:     "https://ai.gateway.lovable.dev/v1/chat/completions",
			Model:      "google/gemini-2.5-flash",
			MaxTokens:  2000,
			MaxEvents:  100,
			FetchLimit: 100,
			TimeWindow: "24 hours",
		},
		Uploads: UploadConfig{
			MaxSize: 10 << 20,
		},
		Store: StoreConfig{
			Driver: "memory",
		},
		Bus: BusConfig{
			URL:             "nats://127.0.0.1:4222",
			DataDir:         "./data/nats",
			Port:            4222,
			MaxDeliver:      5,
			RedeliveryDelay: 2 * time.Second,
		},
		Syslog: SyslogConfig{
			Host:     "0.0.0.0",
			Port:     1514,
			Protocol: "udp",
		},
		Alerts: AlertConfig{
			Webhook:       DefaultWebhookConfig(),
			EnableConsole: true,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "console",
		},
	}
}

// LoadConfig loads configuration from a YAML file, falling back to defaults.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parsing config file: %w", err)
			}
		case os.IsNotExist(err):
		default:
			return nil, fmt.Errorf("reading config file: %w", err)
		}
	}

	cfg.applyEnv()
	return cfg, nil
}

// applyEnv fills secrets and deployment switches from the environment when
// the file left them unset.
func (c *Config) applyEnv() {
	if env := os.Getenv("PERIMETER_ENV"); env != "" {
		c.Environment = env
	}
	if len(c.Server.APIKeys) == 0 {
		if key := os.Getenv("PERIMETER_API_KEY"); key != "" {
			c.Server.APIKeys = []string{key}
		}
	}
	if c.Server.JWTSecret == "" {
		c.Server.JWTSecret = os.Getenv("PERIMETER_JWT_SECRET")
	}
	if c.Analysis.APIKey == "" {
		c.Analysis.APIKey = os.Getenv("PERIMETER_AI_API_KEY")
	}
	if dsn := os.Getenv("PERIMETER_DATABASE_URL"); dsn != "" && c.Store.DSN == "" {
		c.Store.DSN = dsn
		if c.Store.Driver == "memory" {
			c.Store.Driver = "postgres"
		}
	}
	if addr := os.Getenv("PERIMETER_REDIS_ADDR"); addr != "" && c.RateLimit.RedisAddr == "" {
		c.RateLimit.RedisAddr = addr
		c.RateLimit.Backend = "redis"
	}
}

// SaveConfig writes the configuration to a YAML file.
func SaveConfig(cfg *Config, path string) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}
	return os.WriteFile(path, data, 0600)
}

// Validate reports configuration problems. Warnings are survivable;
// errors must block startup.
func (c *Config) Validate() (warnings []string, errs []string) {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Sprintf("server.port %d is out of range", c.Server.Port))
	}
	if c.Origins.PreviewPattern != "" {
		if _, err := regexp.Compile(c.Origins.PreviewPattern); err != nil {
			errs = append(errs, fmt.Sprintf("origins.preview_pattern does not compile: %v", err))
		}
	}
	for _, o := range append(append([]string{}, c.Origins.Allowed...), c.Origins.Development...) {
		if o == "*" {
			errs = append(errs, "origins must not contain a wildcard")
		}
	}
	if !c.AuthEnabled() {
		warnings = append(warnings, "no api_keys or jwt_secret configured: authenticated endpoints will reject every caller")
	}
	if c.Analysis.APIKey == "" {
		warnings = append(warnings, "analysis.api_key is empty: threat analysis calls will fail upstream")
	}
	switch c.Analysis.Provider {
	case "chat", "gemini":
	default:
		errs = append(errs, fmt.Sprintf("analysis.provider %q is not one of chat, gemini", c.Analysis.Provider))
	}
	if c.Analysis.MaxEvents <= 0 {
		errs = append(errs, "analysis.max_events must be positive")
	}
	switch c.Store.Driver {
	case "memory":
		warnings = append(warnings, "store.driver is memory: analyses and alerts are lost on restart")
	case "postgres", "sqlite":
		if c.Store.DSN == "" {
			errs = append(errs, fmt.Sprintf("store.dsn is required for driver %q", c.Store.Driver))
		}
	default:
		errs = append(errs, fmt.Sprintf("store.driver %q is not one of memory, postgres, sqlite", c.Store.Driver))
	}
	switch c.RateLimit.Backend {
	case "memory":
	case "redis":
		if c.RateLimit.RedisAddr == "" {
			errs = append(errs, "rate_limit.redis_addr is required for the redis backend")
		}
	default:
		errs = append(errs, fmt.Sprintf("rate_limit.backend %q is not one of memory, redis", c.RateLimit.Backend))
	}
	for name, w := range map[string]RateWindow{
		"submissions": c.RateLimit.Submissions,
		"uploads":     c.RateLimit.Uploads,
		"analysis":    c.RateLimit.Analysis,
	} {
		if w.MaxAttempts <= 0 || w.Window <= 0 {
			errs = append(errs, fmt.Sprintf("rate_limit.%s needs positive max_attempts and window", name))
		}
	}
	if c.Syslog.Enabled {
		switch strings.ToLower(c.Syslog.Protocol) {
		case "udp", "tcp", "both":
		default:
			errs = append(errs, fmt.Sprintf("syslog.protocol %q is not one of udp, tcp, both", c.Syslog.Protocol))
		}
		if c.Syslog.Port == c.Server.Port {
			errs = append(errs, fmt.Sprintf("syslog.port %d conflicts with server.port", c.Syslog.Port))
		}
	}
	return warnings, errs
}

// IsDevelopment reports whether development-only origins are active.
func (c *Config) IsDevelopment() bool {
	switch strings.ToLower(c.Environment) {
	case "development", "dev", "local":
		return true
	}
	return false
}

// LogLevel returns the parsed log level string.
func (c *Config) LogLevel() string {
	return strings.ToLower(c.Logging.Level)
}

// AuthEnabled returns true if any bearer credential source is configured.
func (c *Config) AuthEnabled() bool {
	return len(c.Server.APIKeys) > 0 || c.Server.JWTSecret != ""
}

// ValidateAPIKey checks if the provided key matches any configured API key.
// Uses constant-time comparison to prevent timing attacks.
func (c *Config) ValidateAPIKey(key string) bool {
	for _, valid := range c.Server.APIKeys {
		if subtle.ConstantTimeCompare([]byte(key), []byte(valid)) == 1 {
			return true
		}
	}
	return false
}

// Redacted returns a copy with every secret blanked.
func (c *Config) Redacted() Config {
	safe := *c
	safe.Server.APIKeys = nil
	safe.Server.JWTSecret = ""
	safe.Analysis.APIKey = ""
	safe.RateLimit.RedisPassword = ""
	safe.Store.DSN = ""
	return safe
}
