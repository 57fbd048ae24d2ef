package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds scraper configuration.
type Config struct {
	ListingURL        string        `mapstructure:"listing_url"`
	BaseURL           string        `mapstructure:"base_url"`
	TextEndpoint      string        `mapstructure:"text_endpoint"`
	Workers           int           `mapstructure:"workers"`
	Parallelism       int           `mapstructure:"parallelism"`
	Delay             time.Duration `mapstructure:"delay"`
	RandomDelay       time.Duration `mapstructure:"random_delay"`
	RequestsPerSecond float64       `mapstructure:"requests_per_second"`
	Timeout           time.Duration `mapstructure:"timeout"`
	MaxAttempts       int           `mapstructure:"max_attempts"`
	RetryBackoff      time.Duration `mapstructure:"retry_backoff"`
	RetryJitter       time.Duration `mapstructure:"retry_jitter"`
	MaxBodySize       int           `mapstructure:"max_body_size"`
	DedupeMaxSize     int           `mapstructure:"dedupe_max_size"`
	UserAgent         string        `mapstructure:"user_agent"`
	RespectRobotsTxt  bool          `mapstructure:"respect_robots"`
	OutputDir         string        `mapstructure:"dest_folder"`
	IndexPath         string        `mapstructure:"json_path"`
	OutputFormat      string        `mapstructure:"format"` // json or dual
	SkipText          bool          `mapstructure:"skip_txt"`
	SkipImages        bool          `mapstructure:"skip_imgs"`
	Verbose           bool          `mapstructure:"verbose"`
	MetricsAddr       string        `mapstructure:"metrics_addr"`
}

// DefaultConfig returns conservative defaults for tululu.org.
func DefaultConfig() *Config {
	return &Config{
		ListingURL:        "https://tululu.org/l55/",
		BaseURL:           "https://tululu.org/",
		TextEndpoint:      "https://tululu.org/txt.php",
		Workers:           1,
		Parallelism:       2,
		Delay:             0,
		RandomDelay:       0,
		RequestsPerSecond: 0,
		Timeout:           15 * time.Second,
		MaxAttempts:       5,
		RetryBackoff:      500 * time.Millisecond,
		RetryJitter:       500 * time.Millisecond,
		MaxBodySize:       50 * 1024 * 1024,
		DedupeMaxSize:     100000,
		UserAgent:         "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/117.0.0.0 Safari/537.36",
		RespectRobotsTxt:  false,
		OutputDir:         "books",
		IndexPath:         "",
		OutputFormat:      "json",
		SkipText:          false,
		SkipImages:        false,
		Verbose:           false,
		MetricsAddr:       "",
	}
}

// Load merges defaults, an optional config file, TULULU_* environment
// variables and any flags already bound to v.
func Load(v *viper.Viper, path string) (*Config, error) {
	if v == nil {
		v = viper.New()
	}
	v.SetEnvPrefix("TULULU")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	setDefaults(v, DefaultConfig())

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	cfg.OutputFormat = strings.ToLower(cfg.OutputFormat)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper, d *Config) {
	v.SetDefault("listing_url", d.ListingURL)
	v.SetDefault("base_url", d.BaseURL)
	v.SetDefault("text_endpoint", d.TextEndpoint)
	v.SetDefault("workers", d.Workers)
	v.SetDefault("parallelism", d.Parallelism)
	v.SetDefault("delay", d.Delay)
	v.SetDefault("random_delay", d.RandomDelay)
	v.SetDefault("requests_per_second", d.RequestsPerSecond)
	v.SetDefault("timeout", d.Timeout)
	v.SetDefault("max_attempts", d.MaxAttempts)
	v.SetDefault("retry_backoff", d.RetryBackoff)
	v.SetDefault("retry_jitter", d.RetryJitter)
	v.SetDefault("max_body_size", d.MaxBodySize)
	v.SetDefault("dedupe_max_size", d.DedupeMaxSize)
	v.SetDefault("user_agent", d.UserAgent)
	v.SetDefault("respect_robots", d.RespectRobotsTxt)
	v.SetDefault("dest_folder", d.OutputDir)
	v.SetDefault("json_path", d.IndexPath)
	v.SetDefault("format", d.OutputFormat)
	v.SetDefault("skip_txt", d.SkipText)
	v.SetDefault("skip_imgs", d.SkipImages)
	v.SetDefault("verbose", d.Verbose)
	v.SetDefault("metrics_addr", d.MetricsAddr)
}

// Validate ensures all configuration values are coherent.
func (c *Config) Validate() error {
	for name, raw := range map[string]string{
		"listing URL":   c.ListingURL,
		"base URL":      c.BaseURL,
		"text endpoint": c.TextEndpoint,
	} {
		if err := validateURL(name, raw); err != nil {
			return err
		}
	}

	if c.Workers <= 0 {
		return fmt.Errorf("workers must be positive")
	}
	if c.Parallelism <= 0 {
		return fmt.Errorf("parallelism must be positive")
	}
	if c.Delay < 0 {
		return fmt.Errorf("delay cannot be negative")
	}
	if c.RandomDelay < 0 {
		return fmt.Errorf("random delay cannot be negative")
	}
	if c.RequestsPerSecond < 0 {
		return fmt.Errorf("requests per second cannot be negative")
	}
	if c.Timeout <= 0 {
		return fmt.Errorf("timeout must be positive")
	}
	if c.MaxAttempts <= 0 {
		return fmt.Errorf("max attempts must be positive")
	}
	if c.RetryBackoff < 0 {
		return fmt.Errorf("retry backoff cannot be negative")
	}
	if c.RetryJitter < 0 {
		return fmt.Errorf("retry jitter cannot be negative")
	}
	if c.MaxBodySize < 0 {
		return fmt.Errorf("max body size cannot be negative")
	}
	if c.DedupeMaxSize <= 0 {
		return fmt.Errorf("dedupe max size must be positive")
	}
	if c.OutputDir == "" {
		return fmt.Errorf("output directory cannot be empty")
	}
	if c.OutputFormat != "json" && c.OutputFormat != "dual" {
		return fmt.Errorf("output format must be json or dual")
	}
	if c.UserAgent == "" {
		return fmt.Errorf("user agent cannot be empty")
	}

	return nil
}

func validateURL(name, raw string) error {
	if raw == "" {
		return fmt.Errorf("%s cannot be empty", name)
	}
	parsed, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid %s: %w", name, err)
	}
	if parsed.Host == "" {
		return errors.New(name + " must include a host")
	}
	return nil
}
