// Package config loads the application settings from viper.
package config

import (
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Website     WebsiteConfig     `mapstructure:"website"`
	Fetch       FetchConfig       `mapstructure:"fetch"`
	Retry       RetryConfig       `mapstructure:"retry"`
	Analyzer    AnalyzerConfig    `mapstructure:"analyzer"`
	Fish        FishConfig        `mapstructure:"fish"`
	Database    DatabaseConfig    `mapstructure:"database"`
	Redis       RedisConfig       `mapstructure:"redis"`
	Server      ServerConfig      `mapstructure:"server"`
	Credentials CredentialsConfig `mapstructure:"credentials"`
	IPInfo      IPInfoConfig      `mapstructure:"ipinfo"`
}

type WebsiteConfig struct {
	BaseURL      string            `mapstructure:"base_url"`
	ReferralPath string            `mapstructure:"referral_path"`
	DownlinePath string            `mapstructure:"downline_path"`
	RegisterPath string            `mapstructure:"register_path"`
	Referer      string            `mapstructure:"referer"`
	Headers      map[string]string `mapstructure:"headers"`
}

type FetchConfig struct {
	// Transport is an outline-sdk transport config, empty for a direct connection.
	Transport         string        `mapstructure:"transport"`
	Timeout           time.Duration `mapstructure:"timeout"`
	MaxRedirects      int           `mapstructure:"max_redirects"`
	ChallengeAttempts int           `mapstructure:"challenge_attempts"`
	ChallengeWait     time.Duration `mapstructure:"challenge_wait"`
}

type RetryConfig struct {
	MaxRetries   int           `mapstructure:"max_retries"`
	InitialDelay time.Duration `mapstructure:"initial_delay"`
	MaxDelay     time.Duration `mapstructure:"max_delay"`
}

type AnalyzerConfig struct {
	// Transport is used for resolver queries and probes, empty for the local network.
	Transport       string              `mapstructure:"transport"`
	TargetPool      string              `mapstructure:"target_pool"`
	Pools           map[string][]string `mapstructure:"pools"`
	OverallTimeout  time.Duration       `mapstructure:"overall_timeout"`
	HTTPTimeout     time.Duration       `mapstructure:"http_timeout"`
	BulkItemTimeout time.Duration       `mapstructure:"bulk_item_timeout"`
	MaxRedirects    int                 `mapstructure:"max_redirects"`
	HealthDomain    string              `mapstructure:"health_domain"`
}

type FishConfig struct {
	Iterations int           `mapstructure:"iterations"`
	Interval   time.Duration `mapstructure:"interval"`
}

type DatabaseConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	DBName   string `mapstructure:"dbname"`
	SSLMode  string `mapstructure:"sslmode"`
}

// DSN renders the postgres connection string.
func (c DatabaseConfig) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		url.QueryEscape(c.User), url.QueryEscape(c.Password), c.Host, c.Port, c.DBName, c.SSLMode)
}

type RedisConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	Addr     string        `mapstructure:"addr"`
	Password string        `mapstructure:"password"`
	DB       int           `mapstructure:"db"`
	TTL      time.Duration `mapstructure:"ttl"`
}

type ServerConfig struct {
	Listen string `mapstructure:"listen"`
}

type CredentialsConfig struct {
	EnvFile string `mapstructure:"env_file"`
}

type IPInfoConfig struct {
	BaseURL string `mapstructure:"base_url"`
	Token   string `mapstructure:"token"`
}

// DefaultPools are used when the configuration names no resolver pools.
var DefaultPools = map[string][]string{
	"telkom":     {"202.134.0.155", "202.134.67.66"},
	"google":     {"8.8.8.8", "8.8.4.4"},
	"cloudflare": {"1.1.1.1", "1.0.0.1"},
}

// DefaultHeaders are sent with every fetch unless overridden by website.headers.
var DefaultHeaders = map[string]string{
	"Accept":           "text/html, */*; q=0.01",
	"Accept-Encoding":  "identity",
	"Accept-Language":  "id,en-US;q=0.9,en;q=0.8",
	"X-Requested-With": "XMLHttpRequest",
	"Sec-Fetch-Dest":   "empty",
	"Sec-Fetch-Mode":   "cors",
	"Sec-Fetch-Site":   "same-origin",
	"Priority":         "u=1,i",
}

// SetDefaults registers every default value on v and binds the legacy
// environment variable names.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("website.referral_path", "/auth/x_ajaxer-v2.php")
	v.SetDefault("website.downline_path", "/auth/x_ajaxer-v2.php")
	v.SetDefault("website.register_path", "/register")

	v.SetDefault("fetch.timeout", 30*time.Second)
	v.SetDefault("fetch.max_redirects", 10)
	v.SetDefault("fetch.challenge_attempts", 3)
	v.SetDefault("fetch.challenge_wait", 5*time.Second)

	v.SetDefault("retry.max_retries", 3)
	v.SetDefault("retry.initial_delay", 2*time.Second)
	v.SetDefault("retry.max_delay", 30*time.Second)

	v.SetDefault("analyzer.target_pool", "telkom")
	v.SetDefault("analyzer.overall_timeout", 30*time.Second)
	v.SetDefault("analyzer.http_timeout", 10*time.Second)
	v.SetDefault("analyzer.bulk_item_timeout", 25*time.Second)
	v.SetDefault("analyzer.max_redirects", 3)
	v.SetDefault("analyzer.health_domain", "www.google.com")

	v.SetDefault("fish.iterations", 10)
	v.SetDefault("fish.interval", 800*time.Millisecond)

	v.SetDefault("database.port", 5432)
	v.SetDefault("database.sslmode", "disable")

	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.ttl", 24*time.Hour)

	v.SetDefault("server.listen", ":8080")
	v.SetDefault("credentials.env_file", ".env")

	_ = v.BindEnv("website.base_url", "BASE_URL")
	_ = v.BindEnv("website.referral_path", "REFERRAL_PATH")
	_ = v.BindEnv("retry.max_retries", "MAX_RETRIES")
	_ = v.BindEnv("retry.initial_delay_ms", "INITIAL_RETRY_DELAY")
	_ = v.BindEnv("database.password", "DATABASE_PASSWORD")
	_ = v.BindEnv("redis.password", "REDIS_PASSWORD")
	_ = v.BindEnv("ipinfo.token", "IPINFO_TOKEN")
}

// Load decodes v into a Config, applies derived defaults and validates it.
func Load(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}

	// INITIAL_RETRY_DELAY is expressed in milliseconds.
	if ms := v.GetInt("retry.initial_delay_ms"); ms > 0 {
		cfg.Retry.InitialDelay = time.Duration(ms) * time.Millisecond
	}

	cfg.Website.BaseURL = strings.TrimRight(cfg.Website.BaseURL, "/")
	if cfg.Website.Referer == "" && cfg.Website.BaseURL != "" {
		cfg.Website.Referer = cfg.Website.BaseURL + "/auth/select_game_v2.php"
	}
	headers := make(map[string]string, len(DefaultHeaders))
	for k, val := range DefaultHeaders {
		headers[k] = val
	}
	// viper lowercases map keys, so header names are canonicalized again here.
	for k, val := range cfg.Website.Headers {
		headers[http.CanonicalHeaderKey(k)] = val
	}
	cfg.Website.Headers = headers

	if len(cfg.Analyzer.Pools) == 0 {
		cfg.Analyzer.Pools = make(map[string][]string, len(DefaultPools))
		for name, ips := range DefaultPools {
			cfg.Analyzer.Pools[name] = append([]string(nil), ips...)
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the settings the core relies on.
func (c *Config) Validate() error {
	var errs []error

	u, err := url.Parse(c.Website.BaseURL)
	if c.Website.BaseURL == "" || err != nil || u.Scheme == "" || u.Host == "" {
		errs = append(errs, fmt.Errorf("website.base_url must be an absolute URL, got %q", c.Website.BaseURL))
	}

	if c.Retry.MaxRetries < 1 {
		errs = append(errs, fmt.Errorf("retry.max_retries must be at least 1"))
	}
	if c.Retry.InitialDelay < 0 || c.Retry.InitialDelay > c.Retry.MaxDelay {
		errs = append(errs, fmt.Errorf("retry.initial_delay must be between 0 and retry.max_delay"))
	}

	a := c.Analyzer
	if a.OverallTimeout <= 0 {
		errs = append(errs, fmt.Errorf("analyzer.overall_timeout must be positive"))
	}
	if a.HTTPTimeout <= 0 || a.HTTPTimeout > a.OverallTimeout {
		errs = append(errs, fmt.Errorf("analyzer.http_timeout must be positive and not exceed analyzer.overall_timeout"))
	}
	if a.BulkItemTimeout <= 0 {
		errs = append(errs, fmt.Errorf("analyzer.bulk_item_timeout must be positive"))
	}
	if _, ok := a.Pools[a.TargetPool]; !ok {
		errs = append(errs, fmt.Errorf("analyzer.target_pool %q is not a configured pool", a.TargetPool))
	}
	for name, ips := range a.Pools {
		if len(ips) == 0 {
			errs = append(errs, fmt.Errorf("resolver pool %q has no resolvers", name))
		}
		for _, ip := range ips {
			if net.ParseIP(ip) == nil {
				errs = append(errs, fmt.Errorf("resolver pool %q: invalid IP %q", name, ip))
			}
		}
	}

	if c.Fish.Iterations < 1 {
		errs = append(errs, fmt.Errorf("fish.iterations must be at least 1"))
	}

	return errors.Join(errs...)
}
