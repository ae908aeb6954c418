// Package config defines the top-level configuration for the exit bot and
// provides validation helpers.
package config

import (
	"fmt"
	"math"
	"strings"
	"time"
)

// Config is the root configuration structure. Fields are populated from a
// TOML file and then optionally overridden by EXITBOT_* environment
// variables.
type Config struct {
	Postgres PostgresConfig `toml:"postgres"`
	Redis    RedisConfig    `toml:"redis"`
	S3       S3Config       `toml:"s3"`
	Venue    VenueConfig    `toml:"venue"`
	Feed     FeedConfig     `toml:"feed"`
	Risk     RiskConfig     `toml:"risk"`
	Engine   EngineConfig   `toml:"engine"`
	Notify   NotifyConfig   `toml:"notify"`
	Mode     string         `toml:"mode"`
	LogLevel string         `toml:"log_level"`
}

// PostgresConfig holds PostgreSQL connection parameters.
type PostgresConfig struct {
	DSN           string `toml:"dsn"`
	Host          string `toml:"host"`
	Port          int    `toml:"port"`
	Database      string `toml:"database"`
	User          string `toml:"user"`
	Password      string `toml:"password"`
	SSLMode       string `toml:"ssl_mode"`
	PoolMaxConns  int    `toml:"pool_max_conns"`
	PoolMinConns  int    `toml:"pool_min_conns"`
	RunMigrations bool   `toml:"run_migrations"`
}

// RedisConfig holds Redis connection parameters.
type RedisConfig struct {
	Addr            string   `toml:"addr"`
	Password        string   `toml:"password"`
	DB              int      `toml:"db"`
	PoolSize        int      `toml:"pool_size"`
	MaxRetries      int      `toml:"max_retries"`
	TLSEnabled      bool     `toml:"tls_enabled"`
	SnapshotTTL     duration `toml:"snapshot_ttl"`
	StreamMaxLen    int64    `toml:"stream_max_len"`
}

// S3Config holds S3-compatible object storage parameters for cold archives.
type S3Config struct {
	Enabled        bool   `toml:"enabled"`
	Endpoint       string `toml:"endpoint"`
	Region         string `toml:"region"`
	Bucket         string `toml:"bucket"`
	AccessKey      string `toml:"access_key"`
	SecretKey      string `toml:"secret_key"`
	UseSSL         bool   `toml:"use_ssl"`
	ForcePathStyle bool   `toml:"force_path_style"`
	// ExportInterval drives the periodic trade export to cold storage.
	ExportInterval duration `toml:"export_interval"`
}

// VenueConfig holds exchange credentials and order limits.
type VenueConfig struct {
	APIKey           string   `toml:"api_key"`
	APISecret        string   `toml:"api_secret"`
	BaseURL          string   `toml:"base_url"`
	QuantityDecimals int      `toml:"quantity_decimals"`
	RateLimit        int      `toml:"rate_limit"`
	RateWindow       duration `toml:"rate_window"`
	// PaperSlippagePct shifts paper fills against the order.
	PaperSlippagePct float64 `toml:"paper_slippage_pct"`
}

// FeedConfig holds the feature service endpoints.
type FeedConfig struct {
	WSURL        string   `toml:"ws_url"`
	HTTPURL      string   `toml:"http_url"`
	Tickers      []string `toml:"tickers"`
	PollInterval duration `toml:"poll_interval"`
}

// TPLevelConfig is one rung of the take-profit ladder.
type TPLevelConfig struct {
	BasePct  float64 `toml:"base_pct"`
	Fraction float64 `toml:"fraction"`
}

// RiskConfig holds the exit planning and rule parameters.
type RiskConfig struct {
	TPLevels  []TPLevelConfig `toml:"tp_levels"`
	SLBasePct float64         `toml:"sl_base_pct"`

	TrailingActivationPct float64 `toml:"trailing_activation_pct"`
	TrailingATRMult       float64 `toml:"trailing_atr_mult"`
	TrailingMinLockPct    float64 `toml:"trailing_min_lock_pct"`

	MomentumReversalMinProfit float64 `toml:"momentum_reversal_min_profit"`
	WeakeningRatio            float64 `toml:"weakening_ratio"`
	WeakeningMinProfit        float64 `toml:"weakening_min_profit"`
	VolumeCollapseThreshold   float64 `toml:"volume_collapse_threshold"`
	BearishRedFraction        float64 `toml:"bearish_red_fraction_threshold"`

	MomentumWeakThreshold float64 `toml:"momentum_weak_threshold"`
	MinCompositeMult      float64 `toml:"min_composite_mult"`
	MaxCompositeMult      float64 `toml:"max_composite_mult"`
}

// EngineConfig holds position lifecycle parameters.
type EngineConfig struct {
	MonitorInterval duration `toml:"monitor_interval"`
	SnapshotMaxAge  duration `toml:"snapshot_max_age"`
	OrderTimeout    duration `toml:"order_timeout"`
	MaxAttempts     int      `toml:"max_attempts"`
	InitialBackoff  duration `toml:"initial_backoff"`
	MaxPositions    int      `toml:"max_positions"`
	MinProbability  float64  `toml:"min_probability"`
	EntryNotional   float64  `toml:"entry_notional"`
	EntryChannel    string   `toml:"entry_channel"`
	CommandChannel  string   `toml:"command_channel"`
}

// NotifyConfig holds notification channel credentials.
type NotifyConfig struct {
	TelegramToken     string   `toml:"telegram_token"`
	TelegramChatID    string   `toml:"telegram_chat_id"`
	DiscordWebhookURL string   `toml:"discord_webhook_url"`
	Events            []string `toml:"events"`
}

// duration wraps time.Duration so the TOML decoder can parse strings like
// "5m" or "30s".
type duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

// MarshalText implements encoding.TextMarshaler for round-trip encoding.
func (d duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Defaults returns a Config populated with reasonable default values. These
// match the values in config.example.toml.
func Defaults() Config {
	return Config{
		Postgres: PostgresConfig{
			Host:          "localhost",
			Port:          5432,
			Database:      "exitbot",
			User:          "postgres",
			SSLMode:       "disable",
			PoolMaxConns:  10,
			PoolMinConns:  2,
			RunMigrations: true,
		},
		Redis: RedisConfig{
			Addr:         "localhost:6379",
			DB:           0,
			PoolSize:     20,
			MaxRetries:   3,
			TLSEnabled:   false,
			SnapshotTTL:  duration{30 * time.Minute},
			StreamMaxLen: 10000,
		},
		S3: S3Config{
			Enabled:        false,
			Endpoint:       "http://localhost:9000",
			Region:         "us-east-1",
			Bucket:         "exitbot-archive",
			UseSSL:         false,
			ForcePathStyle: true,
			ExportInterval: duration{24 * time.Hour},
		},
		Venue: VenueConfig{
			QuantityDecimals: 6,
			RateLimit:        10,
			RateWindow:       duration{time.Second},
			PaperSlippagePct: 0.0005,
		},
		Feed: FeedConfig{
			PollInterval: duration{5 * time.Minute},
		},
		Risk: RiskConfig{
			TPLevels: []TPLevelConfig{
				{BasePct: 0.10, Fraction: 0.30},
				{BasePct: 0.20, Fraction: 0.40},
				{BasePct: 0.40, Fraction: 0.30},
			},
			SLBasePct:                 0.05,
			TrailingActivationPct:     0.05,
			TrailingATRMult:           1.5,
			TrailingMinLockPct:        0.01,
			MomentumReversalMinProfit: 0.03,
			WeakeningRatio:            0.3,
			WeakeningMinProfit:        0.05,
			VolumeCollapseThreshold:   0.70,
			BearishRedFraction:        0.80,
			MomentumWeakThreshold:     0.02,
			MinCompositeMult:          0.5,
			MaxCompositeMult:          3.0,
		},
		Engine: EngineConfig{
			MonitorInterval: duration{5 * time.Minute},
			SnapshotMaxAge:  duration{15 * time.Minute},
			OrderTimeout:    duration{30 * time.Second},
			MaxAttempts:     5,
			InitialBackoff:  duration{2 * time.Second},
			MaxPositions:    10,
			MinProbability:  0.95,
			EntryNotional:   1000,
			EntryChannel:    "entry_signals",
			CommandChannel:  "manual_commands",
		},
		Notify: NotifyConfig{
			Events: []string{"closed", "frozen"},
		},
		Mode:     "paper",
		LogLevel: "info",
	}
}

// validModes enumerates the accepted values for Config.Mode.
var validModes = map[string]bool{
	"live":    true,
	"paper":   true,
	"monitor": true,
}

// validLogLevels enumerates the accepted values for Config.LogLevel.
var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// Validate checks Config for obviously invalid or missing values and returns
// a combined error describing every problem found.
func (c *Config) Validate() error {
	var errs []string

	if !validModes[strings.ToLower(c.Mode)] {
		errs = append(errs, fmt.Sprintf("unknown mode %q (valid: live, paper, monitor)", c.Mode))
	}
	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		errs = append(errs, fmt.Sprintf("unknown log_level %q (valid: debug, info, warn, error)", c.LogLevel))
	}

	// Venue credentials are only needed when orders hit a real exchange.
	if strings.ToLower(c.Mode) == "live" {
		if c.Venue.APIKey == "" || c.Venue.APISecret == "" {
			errs = append(errs, "venue: api_key and api_secret are required for live mode")
		}
	}
	if c.Venue.RateLimit < 1 {
		errs = append(errs, "venue: rate_limit must be >= 1")
	}
	if c.Venue.PaperSlippagePct < 0 || c.Venue.PaperSlippagePct >= 1 {
		errs = append(errs, "venue: paper_slippage_pct must be in [0, 1)")
	}

	// Postgres
	if strings.TrimSpace(c.Postgres.DSN) == "" {
		if c.Postgres.Host == "" {
			errs = append(errs, "postgres: host must not be empty (or set postgres.dsn)")
		}
		if c.Postgres.Port <= 0 || c.Postgres.Port > 65535 {
			errs = append(errs, fmt.Sprintf("postgres: port must be 1-65535, got %d", c.Postgres.Port))
		}
		if c.Postgres.Database == "" {
			errs = append(errs, "postgres: database must not be empty")
		}
	}
	if c.Postgres.PoolMaxConns < 1 {
		errs = append(errs, "postgres: pool_max_conns must be >= 1")
	}
	if c.Postgres.PoolMinConns < 0 {
		errs = append(errs, "postgres: pool_min_conns must be >= 0")
	}
	if c.Postgres.PoolMinConns > c.Postgres.PoolMaxConns {
		errs = append(errs, "postgres: pool_min_conns must not exceed pool_max_conns")
	}

	// Redis
	if c.Redis.Addr == "" {
		errs = append(errs, "redis: addr must not be empty")
	}
	if c.Redis.PoolSize < 1 {
		errs = append(errs, "redis: pool_size must be >= 1")
	}
	if c.Redis.SnapshotTTL.Duration <= 0 {
		errs = append(errs, "redis: snapshot_ttl must be positive")
	}

	// S3 only matters when archival is on.
	if c.S3.Enabled {
		if c.S3.Endpoint == "" {
			errs = append(errs, "s3: endpoint must not be empty when enabled")
		}
		if c.S3.Bucket == "" {
			errs = append(errs, "s3: bucket must not be empty when enabled")
		}
		if c.S3.Region == "" {
			errs = append(errs, "s3: region must not be empty when enabled")
		}
	}

	// Feed
	if c.Feed.WSURL == "" && c.Feed.HTTPURL == "" {
		errs = append(errs, "feed: at least one of ws_url or http_url must be set")
	}
	if len(c.Feed.Tickers) == 0 {
		errs = append(errs, "feed: tickers must not be empty")
	}
	if c.Feed.PollInterval.Duration <= 0 {
		errs = append(errs, "feed: poll_interval must be positive")
	}

	errs = append(errs, c.Risk.validate()...)
	errs = append(errs, c.Engine.validate()...)

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

// ladderFractionTolerance bounds the allowed drift of the ladder fraction sum
// from 1.0.
const ladderFractionTolerance = 1e-9

func (r *RiskConfig) validate() []string {
	var errs []string

	if len(r.TPLevels) == 0 {
		errs = append(errs, "risk: tp_levels must not be empty")
	}
	var sum, prevBase float64
	for i, lvl := range r.TPLevels {
		if lvl.BasePct <= 0 {
			errs = append(errs, fmt.Sprintf("risk: tp_levels[%d].base_pct must be > 0", i))
		}
		if lvl.BasePct <= prevBase && i > 0 {
			errs = append(errs, fmt.Sprintf("risk: tp_levels[%d].base_pct must exceed the previous level", i))
		}
		if lvl.Fraction <= 0 || lvl.Fraction > 1 {
			errs = append(errs, fmt.Sprintf("risk: tp_levels[%d].fraction must be in (0, 1]", i))
		}
		sum += lvl.Fraction
		prevBase = lvl.BasePct
	}
	if len(r.TPLevels) > 0 && math.Abs(sum-1.0) > ladderFractionTolerance {
		errs = append(errs, fmt.Sprintf("risk: tp_levels fractions must sum to 1.0, got %.12f", sum))
	}

	if r.SLBasePct <= 0 || r.SLBasePct >= 1 {
		errs = append(errs, "risk: sl_base_pct must be in (0, 1)")
	}
	if r.TrailingActivationPct <= 0 {
		errs = append(errs, "risk: trailing_activation_pct must be > 0")
	}
	if r.TrailingATRMult <= 0 {
		errs = append(errs, "risk: trailing_atr_mult must be > 0")
	}
	if r.TrailingMinLockPct < 0 {
		errs = append(errs, "risk: trailing_min_lock_pct must be >= 0")
	}
	if r.MomentumReversalMinProfit < 0 {
		errs = append(errs, "risk: momentum_reversal_min_profit must be >= 0")
	}
	if r.WeakeningRatio <= 0 || r.WeakeningRatio >= 1 {
		errs = append(errs, "risk: weakening_ratio must be in (0, 1)")
	}
	if r.VolumeCollapseThreshold <= 0 || r.VolumeCollapseThreshold >= 1 {
		errs = append(errs, "risk: volume_collapse_threshold must be in (0, 1)")
	}
	if r.BearishRedFraction <= 0 || r.BearishRedFraction >= 1 {
		errs = append(errs, "risk: bearish_red_fraction_threshold must be in (0, 1)")
	}
	// The weak threshold must stay below the strong-momentum bucket edge or
	// the bucket table loses its ordering.
	if r.MomentumWeakThreshold <= 0 || r.MomentumWeakThreshold >= 0.05 {
		errs = append(errs, "risk: momentum_weak_threshold must be in (0, 0.05)")
	}
	if r.MinCompositeMult <= 0 || r.MinCompositeMult > r.MaxCompositeMult {
		errs = append(errs, "risk: composite multiplier bounds must satisfy 0 < min <= max")
	}

	return errs
}

func (e *EngineConfig) validate() []string {
	var errs []string

	if e.MonitorInterval.Duration <= 0 {
		errs = append(errs, "engine: monitor_interval must be positive")
	}
	if e.SnapshotMaxAge.Duration <= 0 {
		errs = append(errs, "engine: snapshot_max_age must be positive")
	}
	if e.OrderTimeout.Duration <= 0 {
		errs = append(errs, "engine: order_timeout must be positive")
	}
	if e.MaxAttempts < 1 {
		errs = append(errs, "engine: max_attempts must be >= 1")
	}
	if e.InitialBackoff.Duration <= 0 {
		errs = append(errs, "engine: initial_backoff must be positive")
	}
	if e.MaxPositions < 1 {
		errs = append(errs, "engine: max_positions must be >= 1")
	}
	if e.MinProbability < 0 || e.MinProbability > 1 {
		errs = append(errs, "engine: min_probability must be in [0, 1]")
	}
	if e.EntryNotional <= 0 {
		errs = append(errs, "engine: entry_notional must be > 0")
	}
	if e.EntryChannel == "" {
		errs = append(errs, "engine: entry_channel must not be empty")
	}
	if e.CommandChannel == "" {
		errs = append(errs, "engine: command_channel must not be empty")
	}

	return errs
}
