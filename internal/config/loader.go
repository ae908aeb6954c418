package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Load reads a TOML configuration file at path, merges it on top of the
// built-in defaults, applies EXITBOT_* environment variable overrides, and
// returns the final Config. The returned Config has NOT been validated; the
// caller should invoke Config.Validate() after Load.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return nil, err
	}

	// Load .env file if present (silently ignore if missing).
	_ = godotenv.Load()

	applyEnvOverrides(&cfg)

	return &cfg, nil
}

// applyEnvOverrides reads well-known EXITBOT_* environment variables and
// overwrites the corresponding Config fields when a variable is set. This
// lets operators inject secrets at deploy time without touching the TOML
// file.
func applyEnvOverrides(cfg *Config) {
	// ── Postgres ──
	setStr(&cfg.Postgres.DSN, "EXITBOT_POSTGRES_DSN")
	setStr(&cfg.Postgres.Host, "EXITBOT_POSTGRES_HOST")
	setInt(&cfg.Postgres.Port, "EXITBOT_POSTGRES_PORT")
	setStr(&cfg.Postgres.Database, "EXITBOT_POSTGRES_DATABASE")
	setStr(&cfg.Postgres.User, "EXITBOT_POSTGRES_USER")
	setStr(&cfg.Postgres.Password, "EXITBOT_POSTGRES_PASSWORD")
	setStr(&cfg.Postgres.SSLMode, "EXITBOT_POSTGRES_SSL_MODE")
	setInt(&cfg.Postgres.PoolMaxConns, "EXITBOT_POSTGRES_POOL_MAX_CONNS")
	setInt(&cfg.Postgres.PoolMinConns, "EXITBOT_POSTGRES_POOL_MIN_CONNS")
	setBool(&cfg.Postgres.RunMigrations, "EXITBOT_POSTGRES_RUN_MIGRATIONS")

	// ── Redis ──
	setStr(&cfg.Redis.Addr, "EXITBOT_REDIS_ADDR")
	setStr(&cfg.Redis.Password, "EXITBOT_REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "EXITBOT_REDIS_DB")
	setInt(&cfg.Redis.PoolSize, "EXITBOT_REDIS_POOL_SIZE")
	setInt(&cfg.Redis.MaxRetries, "EXITBOT_REDIS_MAX_RETRIES")
	setBool(&cfg.Redis.TLSEnabled, "EXITBOT_REDIS_TLS_ENABLED")
	setDuration(&cfg.Redis.SnapshotTTL, "EXITBOT_REDIS_SNAPSHOT_TTL")
	setInt64(&cfg.Redis.StreamMaxLen, "EXITBOT_REDIS_STREAM_MAX_LEN")

	// ── S3 ──
	setBool(&cfg.S3.Enabled, "EXITBOT_S3_ENABLED")
	setStr(&cfg.S3.Endpoint, "EXITBOT_S3_ENDPOINT")
	setStr(&cfg.S3.Region, "EXITBOT_S3_REGION")
	setStr(&cfg.S3.Bucket, "EXITBOT_S3_BUCKET")
	setStr(&cfg.S3.AccessKey, "EXITBOT_S3_ACCESS_KEY")
	setStr(&cfg.S3.SecretKey, "EXITBOT_S3_SECRET_KEY")
	setBool(&cfg.S3.UseSSL, "EXITBOT_S3_USE_SSL")
	setBool(&cfg.S3.ForcePathStyle, "EXITBOT_S3_FORCE_PATH_STYLE")
	setDuration(&cfg.S3.ExportInterval, "EXITBOT_S3_EXPORT_INTERVAL")

	// ── Venue ──
	setStr(&cfg.Venue.APIKey, "EXITBOT_VENUE_API_KEY")
	setStr(&cfg.Venue.APISecret, "EXITBOT_VENUE_API_SECRET")
	setStr(&cfg.Venue.BaseURL, "EXITBOT_VENUE_BASE_URL")
	setInt(&cfg.Venue.QuantityDecimals, "EXITBOT_VENUE_QUANTITY_DECIMALS")
	setInt(&cfg.Venue.RateLimit, "EXITBOT_VENUE_RATE_LIMIT")
	setDuration(&cfg.Venue.RateWindow, "EXITBOT_VENUE_RATE_WINDOW")
	setFloat64(&cfg.Venue.PaperSlippagePct, "EXITBOT_VENUE_PAPER_SLIPPAGE_PCT")

	// ── Feed ──
	setStr(&cfg.Feed.WSURL, "EXITBOT_FEED_WS_URL")
	setStr(&cfg.Feed.HTTPURL, "EXITBOT_FEED_HTTP_URL")
	setStringSlice(&cfg.Feed.Tickers, "EXITBOT_FEED_TICKERS")
	setDuration(&cfg.Feed.PollInterval, "EXITBOT_FEED_POLL_INTERVAL")

	// ── Risk ──
	setFloat64(&cfg.Risk.SLBasePct, "EXITBOT_RISK_SL_BASE_PCT")
	setFloat64(&cfg.Risk.TrailingActivationPct, "EXITBOT_RISK_TRAILING_ACTIVATION_PCT")
	setFloat64(&cfg.Risk.TrailingATRMult, "EXITBOT_RISK_TRAILING_ATR_MULT")
	setFloat64(&cfg.Risk.TrailingMinLockPct, "EXITBOT_RISK_TRAILING_MIN_LOCK_PCT")
	setFloat64(&cfg.Risk.MomentumReversalMinProfit, "EXITBOT_RISK_MOMENTUM_REVERSAL_MIN_PROFIT")
	setFloat64(&cfg.Risk.WeakeningRatio, "EXITBOT_RISK_WEAKENING_RATIO")
	setFloat64(&cfg.Risk.WeakeningMinProfit, "EXITBOT_RISK_WEAKENING_MIN_PROFIT")
	setFloat64(&cfg.Risk.VolumeCollapseThreshold, "EXITBOT_RISK_VOLUME_COLLAPSE_THRESHOLD")
	setFloat64(&cfg.Risk.BearishRedFraction, "EXITBOT_RISK_BEARISH_RED_FRACTION_THRESHOLD")
	setFloat64(&cfg.Risk.MomentumWeakThreshold, "EXITBOT_RISK_MOMENTUM_WEAK_THRESHOLD")
	setFloat64(&cfg.Risk.MinCompositeMult, "EXITBOT_RISK_MIN_COMPOSITE_MULT")
	setFloat64(&cfg.Risk.MaxCompositeMult, "EXITBOT_RISK_MAX_COMPOSITE_MULT")

	// ── Engine ──
	setDuration(&cfg.Engine.MonitorInterval, "EXITBOT_ENGINE_MONITOR_INTERVAL")
	setDuration(&cfg.Engine.SnapshotMaxAge, "EXITBOT_ENGINE_SNAPSHOT_MAX_AGE")
	setDuration(&cfg.Engine.OrderTimeout, "EXITBOT_ENGINE_ORDER_TIMEOUT")
	setInt(&cfg.Engine.MaxAttempts, "EXITBOT_ENGINE_MAX_ATTEMPTS")
	setDuration(&cfg.Engine.InitialBackoff, "EXITBOT_ENGINE_INITIAL_BACKOFF")
	setInt(&cfg.Engine.MaxPositions, "EXITBOT_ENGINE_MAX_POSITIONS")
	setFloat64(&cfg.Engine.MinProbability, "EXITBOT_ENGINE_MIN_PROBABILITY")
	setFloat64(&cfg.Engine.EntryNotional, "EXITBOT_ENGINE_ENTRY_NOTIONAL")
	setStr(&cfg.Engine.EntryChannel, "EXITBOT_ENGINE_ENTRY_CHANNEL")
	setStr(&cfg.Engine.CommandChannel, "EXITBOT_ENGINE_COMMAND_CHANNEL")

	// ── Notify ──
	setStr(&cfg.Notify.TelegramToken, "EXITBOT_NOTIFY_TELEGRAM_TOKEN")
	setStr(&cfg.Notify.TelegramChatID, "EXITBOT_NOTIFY_TELEGRAM_CHAT_ID")
	setStr(&cfg.Notify.DiscordWebhookURL, "EXITBOT_NOTIFY_DISCORD_WEBHOOK_URL")
	setStringSlice(&cfg.Notify.Events, "EXITBOT_NOTIFY_EVENTS")

	// ── Top-level ──
	setStr(&cfg.Mode, "EXITBOT_MODE")
	setStr(&cfg.LogLevel, "EXITBOT_LOG_LEVEL")
}

// ---------------------------------------------------------------------------
// Typed env-var helpers. Each only mutates the target when the environment
// variable is present and non-empty.
// ---------------------------------------------------------------------------

func setStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setInt64(dst *int64, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			*dst = n
		}
	}
}

func setFloat64(dst *float64, key string) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			dst.Duration = d
		}
	}
}

func setStringSlice(dst *[]string, key string) {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		cleaned := make([]string, 0, len(parts))
		for _, p := range parts {
			p = strings.TrimSpace(p)
			if p != "" {
				cleaned = append(cleaned, p)
			}
		}
		if len(cleaned) > 0 {
			*dst = cleaned
		}
	}
}
