package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"coinpulse/internal/indicator"
	"coinpulse/internal/model"
)

// Config holds all application configuration. Values come from, in
// increasing priority: defaults, the YAML file named by COINPULSE_CONFIG,
// and environment variables (a .env file is loaded into the environment
// first).
type Config struct {
	// Listeners
	HTTPAddr    string `yaml:"http_addr"`
	MetricsAddr string `yaml:"metrics_addr"`

	// Upstreams
	CoinGeckoURL    string `yaml:"coingecko_url"`
	CoinGeckoAPIKey string `yaml:"coingecko_api_key"`
	StreamURL       string `yaml:"stream_url"`

	// Infrastructure. An empty RedisAddr runs with the memory cache only.
	RedisAddr     string `yaml:"redis_addr"`
	RedisPassword string `yaml:"redis_password"`
	RedisDB       int    `yaml:"redis_db"`

	// Selection and indicators
	DefaultInstrument string `yaml:"default_instrument"`
	DefaultRange      string `yaml:"default_range"`
	Indicators        string `yaml:"indicators"`        // comma-separated, e.g. "sma,rsi"
	IndicatorVariant  string `yaml:"indicator_variant"` // classic | textbook

	// Timing
	WarmUpMs        int  `yaml:"warm_up_ms"`
	PollIntervalSec int  `yaml:"poll_interval_sec"`
	FetchAttempts   int  `yaml:"fetch_attempts"`
	CountRateLimits bool `yaml:"count_rate_limits"`
	// ResumeStreamOnPoll lets the refresh loop reconnect a stream that
	// used up its reconnect attempts.
	ResumeStreamOnPoll bool `yaml:"resume_stream_on_poll"`

	// Observability
	LogLevel       string `yaml:"log_level"`
	TracingEnabled bool   `yaml:"tracing_enabled"`

	// Alerts
	WebhookURL       string `yaml:"webhook_url"`
	TelegramBotToken string `yaml:"telegram_bot_token"`
	TelegramChatID   string `yaml:"telegram_chat_id"`
}

func defaults() *Config {
	return &Config{
		HTTPAddr:          ":8080",
		MetricsAddr:       ":9090",
		CoinGeckoURL:      "https://api.coingecko.com/api/v3",
		StreamURL:         "wss://stream.binance.com:9443/ws",
		DefaultInstrument: "bitcoin",
		DefaultRange:      "30",
		Indicators:        "sma,ema,rsi,macd",
		IndicatorVariant:  "classic",
		WarmUpMs:          1500,
		PollIntervalSec:   60,
		FetchAttempts:     3,
		LogLevel:          "info",
	}
}

// Load reads configuration from .env, the optional YAML file and the
// environment, then validates it.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		slog.Warn("[config] could not read .env", "error", err)
	}

	c := defaults()
	if path := os.Getenv("COINPULSE_CONFIG"); path != "" {
		if err := c.loadFile(path); err != nil {
			return nil, err
		}
	}
	c.applyEnv()

	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("config: parse %s: %w", path, err)
	}
	slog.Info("[config] loaded file", "path", path)
	return nil
}

func (c *Config) applyEnv() {
	c.HTTPAddr = getEnv("HTTP_ADDR", c.HTTPAddr)
	c.MetricsAddr = getEnv("METRICS_ADDR", c.MetricsAddr)

	c.CoinGeckoURL = getEnv("COINGECKO_URL", c.CoinGeckoURL)
	c.CoinGeckoAPIKey = getEnv("COINGECKO_API_KEY", c.CoinGeckoAPIKey)
	c.StreamURL = getEnv("STREAM_URL", c.StreamURL)

	c.RedisAddr = getEnv("REDIS_ADDR", c.RedisAddr)
	c.RedisPassword = getEnv("REDIS_PASSWORD", c.RedisPassword)
	c.RedisDB = getEnvInt("REDIS_DB", c.RedisDB)

	c.DefaultInstrument = getEnv("DEFAULT_INSTRUMENT", c.DefaultInstrument)
	c.DefaultRange = getEnv("DEFAULT_RANGE", c.DefaultRange)
	c.Indicators = getEnv("INDICATORS", c.Indicators)
	c.IndicatorVariant = getEnv("INDICATOR_VARIANT", c.IndicatorVariant)

	c.WarmUpMs = getEnvInt("WARM_UP_MS", c.WarmUpMs)
	c.PollIntervalSec = getEnvInt("POLL_INTERVAL_SEC", c.PollIntervalSec)
	c.FetchAttempts = getEnvInt("FETCH_ATTEMPTS", c.FetchAttempts)
	c.CountRateLimits = getEnvBool("COUNT_RATE_LIMITS", c.CountRateLimits)
	c.ResumeStreamOnPoll = getEnvBool("STREAM_RESUME_ON_POLL", c.ResumeStreamOnPoll)

	c.LogLevel = getEnv("LOG_LEVEL", c.LogLevel)
	c.TracingEnabled = getEnvBool("TRACING_ENABLED", c.TracingEnabled)

	c.WebhookURL = getEnv("ALERT_WEBHOOK_URL", c.WebhookURL)
	c.TelegramBotToken = getEnv("TELEGRAM_BOT_TOKEN", c.TelegramBotToken)
	c.TelegramChatID = getEnv("TELEGRAM_CHAT_ID", c.TelegramChatID)
}

// Validate checks values that other packages parse.
func (c *Config) Validate() error {
	if _, err := model.ParseRange(c.DefaultRange); err != nil {
		return fmt.Errorf("config: default_range: %w", err)
	}
	if _, err := indicator.ParseToggles(c.Indicators); err != nil {
		return fmt.Errorf("config: indicators: %w", err)
	}
	if _, err := indicator.ParseVariant(c.IndicatorVariant); err != nil {
		return fmt.Errorf("config: indicator_variant: %w", err)
	}
	if c.WarmUpMs < 0 || c.PollIntervalSec <= 0 || c.FetchAttempts <= 0 {
		return fmt.Errorf("config: warm_up_ms, poll_interval_sec and fetch_attempts must be positive")
	}
	if strings.TrimSpace(c.DefaultInstrument) == "" {
		return fmt.Errorf("config: default_instrument is empty")
	}
	return nil
}

// Range returns the validated default range.
func (c *Config) Range() model.Range {
	r, _ := model.ParseRange(c.DefaultRange)
	return r
}

// Toggles returns the validated default indicator set.
func (c *Config) Toggles() indicator.Toggles {
	t, _ := indicator.ParseToggles(c.Indicators)
	return t
}

// IndicatorConfig returns default periods with the configured variant.
func (c *Config) IndicatorConfig() indicator.Config {
	ic := indicator.DefaultConfig()
	ic.Variant, _ = indicator.ParseVariant(c.IndicatorVariant)
	return ic
}

// WarmUp is the pause before each upstream fetch pair. A configured zero
// comes back negative, which market.Config reads as no warm-up.
func (c *Config) WarmUp() time.Duration {
	if c.WarmUpMs == 0 {
		return -1
	}
	return time.Duration(c.WarmUpMs) * time.Millisecond
}

// PollInterval is the background refresh period.
func (c *Config) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalSec) * time.Second
}

func getEnv(key, fallback string) string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	return v
}

func getEnvInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		slog.Warn("[config] ignoring invalid integer", "key", key, "value", v)
		return fallback
	}
	return n
}

func getEnvBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		slog.Warn("[config] ignoring invalid boolean", "key", key, "value", v)
		return fallback
	}
	return b
}
