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
// built-in defaults, applies CASTRES_* environment variable overrides, and
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

// applyEnvOverrides reads well-known CASTRES_* environment variables and
// overwrites the corresponding Config fields when a variable is set (i.e. not
// empty). This lets operators inject secrets at deploy time without touching
// the TOML file.
func applyEnvOverrides(cfg *Config) {
	// ── Custodian ──
	setStr(&cfg.Custodian.PrivateKey, "CASTRES_CUSTODIAN_PRIVATE_KEY")
	setStr(&cfg.Custodian.EncryptedKeyPath, "CASTRES_CUSTODIAN_ENCRYPTED_KEY_PATH")
	setStr(&cfg.Custodian.KeyPassword, "CASTRES_CUSTODIAN_KEY_PASSWORD")

	// ── Postgres ──
	setStr(&cfg.Postgres.DSN, "CASTRES_POSTGRES_DSN")
	setStr(&cfg.Postgres.Host, "CASTRES_POSTGRES_HOST")
	setInt(&cfg.Postgres.Port, "CASTRES_POSTGRES_PORT")
	setStr(&cfg.Postgres.Database, "CASTRES_POSTGRES_DATABASE")
	setStr(&cfg.Postgres.User, "CASTRES_POSTGRES_USER")
	setStr(&cfg.Postgres.Password, "CASTRES_POSTGRES_PASSWORD")
	setStr(&cfg.Postgres.SSLMode, "CASTRES_POSTGRES_SSLMODE")
	setInt(&cfg.Postgres.PoolMaxConns, "CASTRES_POSTGRES_POOL_MAX_CONNS")
	setInt(&cfg.Postgres.PoolMinConns, "CASTRES_POSTGRES_POOL_MIN_CONNS")
	setBool(&cfg.Postgres.RunMigrations, "CASTRES_POSTGRES_RUN_MIGRATIONS")

	// ── Redis ──
	setStr(&cfg.Redis.Addr, "CASTRES_REDIS_ADDR")
	setStr(&cfg.Redis.Password, "CASTRES_REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "CASTRES_REDIS_DB")
	setInt(&cfg.Redis.PoolSize, "CASTRES_REDIS_POOL_SIZE")
	setInt(&cfg.Redis.MaxRetries, "CASTRES_REDIS_MAX_RETRIES")
	setBool(&cfg.Redis.TLSEnabled, "CASTRES_REDIS_TLS_ENABLED")

	// ── S3 ──
	setStr(&cfg.S3.Endpoint, "CASTRES_S3_ENDPOINT")
	setStr(&cfg.S3.Region, "CASTRES_S3_REGION")
	setStr(&cfg.S3.Bucket, "CASTRES_S3_BUCKET")
	setStr(&cfg.S3.AccessKey, "CASTRES_S3_ACCESS_KEY")
	setStr(&cfg.S3.SecretKey, "CASTRES_S3_SECRET_KEY")
	setBool(&cfg.S3.UseSSL, "CASTRES_S3_USE_SSL")
	setBool(&cfg.S3.ForcePathStyle, "CASTRES_S3_FORCE_PATH_STYLE")

	// ── Ledger ──
	setStr(&cfg.Ledger.RPCURL, "CASTRES_LEDGER_RPC_URL")
	setStr(&cfg.Ledger.TokenAddress, "CASTRES_LEDGER_TOKEN_ADDRESS")
	setInt64(&cfg.Ledger.ChainID, "CASTRES_LEDGER_CHAIN_ID")
	setUint64(&cfg.Ledger.GasLimit, "CASTRES_LEDGER_GAS_LIMIT")

	// ── Verify ──
	setStr(&cfg.Verify.BaseURL, "CASTRES_VERIFY_BASE_URL")
	setStr(&cfg.Verify.ApiKey, "CASTRES_VERIFY_API_KEY")
	setDuration(&cfg.Verify.Timeout, "CASTRES_VERIFY_TIMEOUT")

	// ── Feed ──
	setBool(&cfg.Feed.Enabled, "CASTRES_FEED_ENABLED")
	setStr(&cfg.Feed.WsURL, "CASTRES_FEED_WS_URL")

	// ── Resolution ──
	setDuration(&cfg.Resolution.DisputeWindow, "CASTRES_RESOLUTION_DISPUTE_WINDOW")
	setFloat64(&cfg.Resolution.MinConfidence, "CASTRES_RESOLUTION_MIN_CONFIDENCE")
	setFloat64(&cfg.Resolution.AutoResolveAbove, "CASTRES_RESOLUTION_AUTO_RESOLVE_ABOVE")
	setFloat64(&cfg.Resolution.AdminReviewAbove, "CASTRES_RESOLUTION_ADMIN_REVIEW_ABOVE")
	setStringSlice(&cfg.Resolution.SensitiveCategories, "CASTRES_RESOLUTION_SENSITIVE_CATEGORIES")

	// ── Dispute ──
	setFloat64(&cfg.Dispute.MinBond, "CASTRES_DISPUTE_MIN_BOND")
	setInt(&cfg.Dispute.RateLimit, "CASTRES_DISPUTE_RATE_LIMIT")
	setDuration(&cfg.Dispute.RateWindow, "CASTRES_DISPUTE_RATE_WINDOW")
	setInt(&cfg.Dispute.Workers, "CASTRES_DISPUTE_WORKERS")

	// ── Settlement ──
	setFloat64(&cfg.Settlement.RewardMultiplier, "CASTRES_SETTLEMENT_REWARD_MULTIPLIER")
	setFloat64(&cfg.Settlement.TreasuryFee, "CASTRES_SETTLEMENT_TREASURY_FEE")
	setFloat64(&cfg.Settlement.GasRefund, "CASTRES_SETTLEMENT_GAS_REFUND")
	setStr(&cfg.Settlement.TreasuryAddress, "CASTRES_SETTLEMENT_TREASURY_ADDRESS")

	// ── Pipeline ──
	setDuration(&cfg.Pipeline.PollInterval, "CASTRES_PIPELINE_POLL_INTERVAL")
	setDuration(&cfg.Pipeline.SettleInterval, "CASTRES_PIPELINE_SETTLE_INTERVAL")
	setInt(&cfg.Pipeline.PollBatchSize, "CASTRES_PIPELINE_POLL_BATCH_SIZE")
	setInt(&cfg.Pipeline.SettleBatchSize, "CASTRES_PIPELINE_SETTLE_BATCH_SIZE")
	setInt(&cfg.Pipeline.ArchiveRetentionDays, "CASTRES_PIPELINE_ARCHIVE_RETENTION_DAYS")
	setStr(&cfg.Pipeline.ArchiveCron, "CASTRES_PIPELINE_ARCHIVE_CRON")

	// ── Notify ──
	setStr(&cfg.Notify.TelegramToken, "CASTRES_NOTIFY_TELEGRAM_TOKEN")
	setStr(&cfg.Notify.TelegramChatID, "CASTRES_NOTIFY_TELEGRAM_CHAT_ID")
	setStr(&cfg.Notify.DiscordWebhookURL, "CASTRES_NOTIFY_DISCORD_WEBHOOK_URL")
	setStringSlice(&cfg.Notify.Events, "CASTRES_NOTIFY_EVENTS")

	// ── Top-level ──
	setStr(&cfg.Mode, "CASTRES_MODE")
	setStr(&cfg.LogLevel, "CASTRES_LOG_LEVEL")
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

func setUint64(dst *uint64, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseUint(v, 10, 64); err == nil {
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
