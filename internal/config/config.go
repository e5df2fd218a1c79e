package config

import (
	"fmt"
	"net/netip"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Env             string        `yaml:"env"`
	ListenAddr      string        `yaml:"listen_addr"`
	DatabaseURL     string        `yaml:"database_url"`
	CacheBackend    string        `yaml:"cache_backend"`
	LogLevel        string        `yaml:"log_level"`
	LogFormat       string        `yaml:"log_format"`
	AuditWorkers    int           `yaml:"audit_workers"`
	AnalyzerWorkers int           `yaml:"analyzer_workers"`
	DedupWindow     time.Duration `yaml:"dedup_window"`
	CacheTTL        time.Duration `yaml:"cache_ttl"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	// RunLease is how long a RUNNING audit may go without a heartbeat before
	// any process sharing the store fails it as interrupted.
	RunLease time.Duration `yaml:"run_lease"`
	// TrustedProxies lists the CIDRs (or bare IPs) whose X-Forwarded-For
	// and X-Real-IP headers are believed when identifying clients.
	TrustedProxies []string `yaml:"trusted_proxies"`

	RateLimit RateLimitConfig `yaml:"rate_limit"`
	Fetch     FetchConfig     `yaml:"fetch"`
	URL       URLConfig       `yaml:"url"`

	Analyzers map[string]AnalyzerConfig `yaml:"analyzers"`
	// Extended lists opt-in analyzers (bundle, gdpr, pwa, carbon).
	Extended []string `yaml:"extended"`
}

type RateLimitConfig struct {
	Requests int           `yaml:"requests"`
	Window   time.Duration `yaml:"window"`
}

type FetchConfig struct {
	Timeout      time.Duration `yaml:"timeout"`
	UserAgent    string        `yaml:"user_agent"`
	MaxBodyBytes int64         `yaml:"max_body_bytes"`
	Retries      int           `yaml:"retries"`
}

type URLConfig struct {
	AllowedSchemes []string `yaml:"allowed_schemes"`
	BlockedTLDs    []string `yaml:"blocked_tlds"`
	MaxLength      int      `yaml:"max_length"`
}

type AnalyzerConfig struct {
	Enabled *bool         `yaml:"enabled"`
	Timeout time.Duration `yaml:"timeout"`
}

// IsPostgres reports whether DatabaseURL selects the Postgres store.
func (c Config) IsPostgres() bool {
	return strings.HasPrefix(c.DatabaseURL, "postgres://") || strings.HasPrefix(c.DatabaseURL, "postgresql://")
}

// AnalyzerEnabled reports whether the named analyzer should be registered.
// Core analyzers default on; extended ones must be listed in Extended.
func (c Config) AnalyzerEnabled(name string, core bool) bool {
	if ac, ok := c.Analyzers[name]; ok && ac.Enabled != nil {
		return *ac.Enabled
	}
	if core {
		return true
	}
	for _, e := range c.Extended {
		if strings.EqualFold(strings.TrimSpace(e), name) {
			return true
		}
	}
	return false
}

// AnalyzerTimeout returns the configured timeout for name, or def.
func (c Config) AnalyzerTimeout(name string, def time.Duration) time.Duration {
	if ac, ok := c.Analyzers[name]; ok && ac.Timeout > 0 {
		return ac.Timeout
	}
	return def
}

// ProxyPrefixes parses TrustedProxies. A bare address is a single-host
// prefix.
func (c Config) ProxyPrefixes() ([]netip.Prefix, error) {
	var out []netip.Prefix
	for _, raw := range c.TrustedProxies {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		if !strings.Contains(raw, "/") {
			addr, err := netip.ParseAddr(raw)
			if err != nil {
				return nil, fmt.Errorf("trusted_proxies: %w", err)
			}
			out = append(out, netip.PrefixFrom(addr.Unmap(), addr.Unmap().BitLen()))
			continue
		}
		p, err := netip.ParsePrefix(raw)
		if err != nil {
			return nil, fmt.Errorf("trusted_proxies: %w", err)
		}
		out = append(out, p.Masked())
	}
	return out, nil
}

func Default() Config {
	return Config{
		Env:             "development",
		ListenAddr:      ":8080",
		CacheBackend:    "memory",
		LogLevel:        "info",
		AuditWorkers:    4,
		AnalyzerWorkers: 16,
		DedupWindow:     time.Hour,
		CacheTTL:        24 * time.Hour,
		ShutdownTimeout: 30 * time.Second,
		RunLease:        2 * time.Minute,
		RateLimit:       RateLimitConfig{Requests: 60, Window: time.Minute},
		Fetch: FetchConfig{
			Timeout:      10 * time.Second,
			UserAgent:    "Mozilla/5.0 (compatible; WebAuditBot/1.0)",
			MaxBodyBytes: 5 << 20,
			Retries:      2,
		},
		URL: URLConfig{
			AllowedSchemes: []string{"http", "https"},
			BlockedTLDs:    []string{"xyz", "tk", "ml"},
			MaxLength:      2048,
		},
		Analyzers: map[string]AnalyzerConfig{
			"performance": {Timeout: 60 * time.Second},
		},
	}
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

// Load builds the config from defaults, the optional YAML file named by
// CONFIG_FILE, then environment overrides.
func Load() (Config, error) {
	cfg := Default()
	if path := os.Getenv("CONFIG_FILE"); path != "" {
		if err := loadFile(path, &cfg); err != nil {
			return cfg, err
		}
	}

	cfg.Env = getenv("APP_ENV", cfg.Env)
	cfg.ListenAddr = getenv("LISTEN_ADDR", cfg.ListenAddr)
	cfg.DatabaseURL = getenv("DATABASE_URL", cfg.DatabaseURL)
	cfg.CacheBackend = getenv("CACHE_BACKEND", cfg.CacheBackend)
	cfg.LogLevel = getenv("LOG_LEVEL", cfg.LogLevel)
	cfg.LogFormat = getenv("LOG_FORMAT", cfg.LogFormat)
	cfg.AuditWorkers = getenvInt("AUDIT_WORKERS", cfg.AuditWorkers)
	cfg.AnalyzerWorkers = getenvInt("ANALYZER_WORKERS", cfg.AnalyzerWorkers)
	cfg.DedupWindow = getenvDuration("DEDUP_WINDOW", cfg.DedupWindow)
	cfg.CacheTTL = getenvDuration("CACHE_TTL", cfg.CacheTTL)
	cfg.ShutdownTimeout = getenvDuration("SHUTDOWN_TIMEOUT", cfg.ShutdownTimeout)
	cfg.RunLease = getenvDuration("RUN_LEASE", cfg.RunLease)
	if v := os.Getenv("TRUSTED_PROXIES"); v != "" {
		cfg.TrustedProxies = strings.Split(v, ",")
	}
	cfg.RateLimit.Requests = getenvInt("RATE_LIMIT_REQUESTS", cfg.RateLimit.Requests)
	cfg.RateLimit.Window = getenvDuration("RATE_LIMIT_WINDOW", cfg.RateLimit.Window)
	cfg.Fetch.Timeout = getenvDuration("FETCH_TIMEOUT", cfg.Fetch.Timeout)
	cfg.Fetch.UserAgent = getenv("FETCH_USER_AGENT", cfg.Fetch.UserAgent)
	cfg.Fetch.Retries = getenvInt("FETCH_RETRIES", cfg.Fetch.Retries)
	if v := os.Getenv("EXTENDED_ANALYZERS"); v != "" {
		cfg.Extended = strings.Split(v, ",")
	}
	if cfg.LogFormat == "" {
		cfg.LogFormat = "text"
		if cfg.Env == "production" {
			cfg.LogFormat = "json"
		}
	}

	if err := cfg.validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func loadFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	return nil
}

func (c Config) validate() error {
	if c.AuditWorkers < 1 {
		return fmt.Errorf("audit_workers must be >= 1, got %d", c.AuditWorkers)
	}
	if c.AnalyzerWorkers < 1 {
		return fmt.Errorf("analyzer_workers must be >= 1, got %d", c.AnalyzerWorkers)
	}
	if c.RateLimit.Requests < 1 || c.RateLimit.Window <= 0 {
		return fmt.Errorf("rate_limit requires positive requests and window")
	}
	if c.DedupWindow < 0 || c.CacheTTL <= 0 {
		return fmt.Errorf("dedup_window must be >= 0 and cache_ttl > 0")
	}
	if c.RunLease <= 0 {
		return fmt.Errorf("run_lease must be > 0, got %v", c.RunLease)
	}
	if _, err := c.ProxyPrefixes(); err != nil {
		return err
	}
	switch c.CacheBackend {
	case "memory":
	case "postgres":
		if !c.IsPostgres() {
			return fmt.Errorf("cache_backend postgres requires a postgres DATABASE_URL")
		}
	default:
		return fmt.Errorf("unknown cache_backend %q", c.CacheBackend)
	}
	return nil
}

func getenvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		var out int
		_, err := fmt.Sscanf(v, "%d", &out)
		if err == nil {
			return out
		}
	}
	return def
}

func getenvDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}
