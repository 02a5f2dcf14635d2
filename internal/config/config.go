// Package config defines the top-level configuration for the resolution
// daemon and provides validation helpers.
package config

import (
	"fmt"
	"strings"
	"time"
)

// Config is the root configuration structure. Fields are populated from a TOML
// file and then optionally overridden by CASTRES_* environment variables.
type Config struct {
	Custodian  CustodianConfig  `toml:"custodian"`
	Postgres   PostgresConfig   `toml:"postgres"`
	Redis      RedisConfig      `toml:"redis"`
	S3         S3Config         `toml:"s3"`
	Ledger     LedgerConfig     `toml:"ledger"`
	Verify     VerifyConfig     `toml:"verify"`
	Feed       FeedConfig       `toml:"feed"`
	Evidence   EvidenceConfig   `toml:"evidence"`
	Resolution ResolutionConfig `toml:"resolution"`
	Dispute    DisputeConfig    `toml:"dispute"`
	Settlement SettlementConfig `toml:"settlement"`
	Pipeline   PipelineConfig   `toml:"pipeline"`
	Notify     NotifyConfig     `toml:"notify"`
	Mode       string           `toml:"mode"`
	LogLevel   string           `toml:"log_level"`
}

// CustodianConfig holds the bond custodian's signing credentials. The same
// key signs settlement transfers and EIP-712 attestations.
type CustodianConfig struct {
	PrivateKey       string `toml:"private_key"`
	EncryptedKeyPath string `toml:"encrypted_key_path"`
	KeyPassword      string `toml:"key_password"`
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
	Addr       string `toml:"addr"`
	Password   string `toml:"password"`
	DB         int    `toml:"db"`
	PoolSize   int    `toml:"pool_size"`
	MaxRetries int    `toml:"max_retries"`
	TLSEnabled bool   `toml:"tls_enabled"`
}

// S3Config holds S3-compatible object storage parameters.
type S3Config struct {
	Endpoint       string `toml:"endpoint"`
	Region         string `toml:"region"`
	Bucket         string `toml:"bucket"`
	AccessKey      string `toml:"access_key"`
	SecretKey      string `toml:"secret_key"`
	UseSSL         bool   `toml:"use_ssl"`
	ForcePathStyle bool   `toml:"force_path_style"`
}

// LedgerConfig holds CAST token and chain parameters for the bond ledger.
type LedgerConfig struct {
	RPCURL       string `toml:"rpc_url"`
	TokenAddress string `toml:"token_address"`
	ChainID      int64  `toml:"chain_id"`
	GasLimit     uint64 `toml:"gas_limit"`
}

// VerifyConfig holds the external verification provider's endpoint and
// credentials.
type VerifyConfig struct {
	BaseURL string   `toml:"base_url"`
	ApiKey  string   `toml:"api_key"`
	Timeout duration `toml:"timeout"`
}

// FeedConfig holds the indexer websocket feed parameters.
type FeedConfig struct {
	Enabled bool   `toml:"enabled"`
	WsURL   string `toml:"ws_url"`
}

// EvidenceConfig holds the normalizer's scoring thresholds.
type EvidenceConfig struct {
	MinPatternRatio  float64 `toml:"min_pattern_ratio"`
	QualityThreshold float64 `toml:"quality_threshold"`
	OverlapThreshold float64 `toml:"overlap_threshold"`
}

// ResolutionConfig holds state-machine and aggregator thresholds.
type ResolutionConfig struct {
	DisputeWindow       duration `toml:"dispute_window"`
	MinConfidence       float64  `toml:"min_confidence"`
	AutoResolveAbove    float64  `toml:"auto_resolve_above"`
	AdminReviewAbove    float64  `toml:"admin_review_above"`
	MinEvidenceCount    int      `toml:"min_evidence_count"`
	MinAvgCredibility   float64  `toml:"min_avg_credibility"`
	SensitiveCategories []string `toml:"sensitive_categories"`
}

// DisputeConfig holds dispute submission and evaluation parameters.
type DisputeConfig struct {
	MinBond    float64  `toml:"min_bond"`
	RateLimit  int      `toml:"rate_limit"`
	RateWindow duration `toml:"rate_window"`
	Workers    int      `toml:"workers"`
}

// SettlementConfig holds the reward and slashing parameters applied when a
// market finalizes.
type SettlementConfig struct {
	RewardMultiplier          float64  `toml:"reward_multiplier"`
	QualityBonusThreshold     float64  `toml:"quality_bonus_threshold"`
	QualityBonusMultiplier    float64  `toml:"quality_bonus_multiplier"`
	EvidenceStrengthThreshold float64  `toml:"evidence_strength_threshold"`
	EvidenceStrengthBonus     float64  `toml:"evidence_strength_bonus"`
	EarlyBonusWindow          duration `toml:"early_bonus_window"`
	EarlyBonusMultiplier      float64  `toml:"early_bonus_multiplier"`
	TreasuryFee               float64  `toml:"treasury_fee"`
	GasRefund                 float64  `toml:"gas_refund"`
	TreasuryAddress           string   `toml:"treasury_address"`
}

// PipelineConfig holds polling, settlement, and archival cadence parameters.
type PipelineConfig struct {
	PollInterval         duration `toml:"poll_interval"`
	SettleInterval       duration `toml:"settle_interval"`
	PollBatchSize        int      `toml:"poll_batch_size"`
	SettleBatchSize      int      `toml:"settle_batch_size"`
	ArchiveRetentionDays int      `toml:"archive_retention_days"`
	ArchiveCron          string   `toml:"archive_cron"`
}

// NotifyConfig holds notification channel credentials.
type NotifyConfig struct {
	TelegramToken     string   `toml:"telegram_token"`
	TelegramChatID    string   `toml:"telegram_chat_id"`
	DiscordWebhookURL string   `toml:"discord_webhook_url"`
	Events            []string `toml:"events"`
}

// duration is a wrapper around time.Duration that supports TOML string decoding
// (e.g. "5m", "168h").
type duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler so the TOML decoder can
// parse duration strings like "5m" or "30s".
func (d *duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

// MarshalText implements encoding.TextMarshaler for round-trip encoding.
func (d duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Defaults returns a Config populated with the protocol-default values.
func Defaults() Config {
	return Config{
		Postgres: PostgresConfig{
			DSN:           "",
			Host:          "localhost",
			Port:          5432,
			Database:      "resolutiond",
			User:          "postgres",
			SSLMode:       "disable",
			PoolMaxConns:  10,
			PoolMinConns:  2,
			RunMigrations: true,
		},
		Redis: RedisConfig{
			Addr:       "localhost:6379",
			DB:         0,
			PoolSize:   20,
			MaxRetries: 3,
			TLSEnabled: false,
		},
		S3: S3Config{
			Endpoint:       "http://localhost:9000",
			Region:         "us-east-1",
			Bucket:         "resolutiond-data",
			UseSSL:         false,
			ForcePathStyle: true,
		},
		Ledger: LedgerConfig{
			ChainID:  137,
			GasLimit: 120_000,
		},
		Verify: VerifyConfig{
			Timeout: duration{20 * time.Second},
		},
		Feed: FeedConfig{
			Enabled: true,
		},
		Evidence: EvidenceConfig{
			MinPatternRatio:  0.05,
			QualityThreshold: 0.40,
			OverlapThreshold: 0.30,
		},
		Resolution: ResolutionConfig{
			DisputeWindow:       duration{168 * time.Hour},
			MinConfidence:       80,
			AutoResolveAbove:    90,
			AdminReviewAbove:    70,
			MinEvidenceCount:    3,
			MinAvgCredibility:   0.5,
			SensitiveCategories: []string{"politics", "elections", "conflict"},
		},
		Dispute: DisputeConfig{
			MinBond:    100,
			RateLimit:  5,
			RateWindow: duration{time.Hour},
			Workers:    4,
		},
		Settlement: SettlementConfig{
			RewardMultiplier:          2.0,
			QualityBonusThreshold:     0.8,
			QualityBonusMultiplier:    0.5,
			EvidenceStrengthThreshold: 0.9,
			EvidenceStrengthBonus:     0.3,
			EarlyBonusWindow:          duration{12 * time.Hour},
			EarlyBonusMultiplier:      0.2,
			TreasuryFee:               0.10,
			GasRefund:                 1.0,
		},
		Pipeline: PipelineConfig{
			PollInterval:         duration{time.Minute},
			SettleInterval:       duration{5 * time.Minute},
			PollBatchSize:        100,
			SettleBatchSize:      50,
			ArchiveRetentionDays: 90,
			ArchiveCron:          "0 3 1 * *",
		},
		Notify: NotifyConfig{
			Events: []string{"resolution.final", "resolution.invalid", "resolution.admin_review", "resolution.settled", "error"},
		},
		Mode:     "full",
		LogLevel: "info",
	}
}

// validModes enumerates the accepted values for Config.Mode.
var validModes = map[string]bool{
	"resolve": true,
	"settle":  true,
	"ingest":  true,
	"full":    true,
}

// validLogLevels enumerates the accepted values for Config.LogLevel.
var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// Validate checks Config for obviously invalid or missing values and returns a
// combined error describing every problem found.
func (c *Config) Validate() error {
	var errs []string

	// Mode
	if !validModes[strings.ToLower(c.Mode)] {
		errs = append(errs, fmt.Sprintf("unknown mode %q (valid: resolve, settle, ingest, full)", c.Mode))
	}

	// LogLevel
	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		errs = append(errs, fmt.Sprintf("unknown log_level %q (valid: debug, info, warn, error)", c.LogLevel))
	}

	// Custodian: settlement modes move tokens, so a key source is mandatory.
	needsKey := c.Mode == "settle" || c.Mode == "full"
	if needsKey {
		if c.Custodian.PrivateKey == "" && c.Custodian.EncryptedKeyPath == "" {
			errs = append(errs, "custodian: either private_key or encrypted_key_path must be set for mode "+c.Mode)
		}
		if c.Custodian.EncryptedKeyPath != "" && c.Custodian.KeyPassword == "" {
			errs = append(errs, "custodian: key_password is required when encrypted_key_path is set")
		}
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

	// S3
	if c.S3.Endpoint == "" {
		errs = append(errs, "s3: endpoint must not be empty")
	}
	if c.S3.Bucket == "" {
		errs = append(errs, "s3: bucket must not be empty")
	}

	// Ledger: settlement modes execute transfers against the token contract.
	if needsKey {
		if c.Ledger.RPCURL == "" {
			errs = append(errs, "ledger: rpc_url is required for mode "+c.Mode)
		}
		if c.Ledger.TokenAddress == "" {
			errs = append(errs, "ledger: token_address is required for mode "+c.Mode)
		}
	}
	if c.Ledger.ChainID <= 0 {
		errs = append(errs, "ledger: chain_id must be positive")
	}

	// Feed
	if c.Feed.Enabled && c.Feed.WsURL == "" {
		errs = append(errs, "feed: ws_url must not be empty when the feed is enabled")
	}

	// Evidence thresholds are ratios in [0,1].
	if c.Evidence.QualityThreshold < 0 || c.Evidence.QualityThreshold > 1 {
		errs = append(errs, fmt.Sprintf("evidence: quality_threshold must be in [0,1], got %g", c.Evidence.QualityThreshold))
	}
	if c.Evidence.OverlapThreshold < 0 || c.Evidence.OverlapThreshold > 1 {
		errs = append(errs, fmt.Sprintf("evidence: overlap_threshold must be in [0,1], got %g", c.Evidence.OverlapThreshold))
	}

	// Resolution
	if c.Resolution.DisputeWindow.Duration <= 0 {
		errs = append(errs, "resolution: dispute_window must be > 0")
	}
	if c.Resolution.MinConfidence <= 0 || c.Resolution.MinConfidence > 100 {
		errs = append(errs, fmt.Sprintf("resolution: min_confidence must be in (0,100], got %g", c.Resolution.MinConfidence))
	}
	if c.Resolution.AutoResolveAbove < c.Resolution.AdminReviewAbove {
		errs = append(errs, "resolution: auto_resolve_above must not be below admin_review_above")
	}

	// Dispute
	if c.Dispute.MinBond <= 0 {
		errs = append(errs, "dispute: min_bond must be > 0")
	}
	if c.Dispute.Workers < 1 {
		errs = append(errs, "dispute: workers must be >= 1")
	}

	// Settlement
	if c.Settlement.RewardMultiplier < 1 {
		errs = append(errs, "settlement: reward_multiplier must be >= 1 (slashed disputers lose, valid ones cannot)")
	}
	if c.Settlement.TreasuryFee < 0 || c.Settlement.TreasuryFee >= 1 {
		errs = append(errs, fmt.Sprintf("settlement: treasury_fee must be in [0,1), got %g", c.Settlement.TreasuryFee))
	}
	if needsKey && c.Settlement.TreasuryAddress == "" {
		errs = append(errs, "settlement: treasury_address is required for mode "+c.Mode)
	}

	// Pipeline
	if c.Pipeline.PollInterval.Duration <= 0 {
		errs = append(errs, "pipeline: poll_interval must be > 0")
	}
	if c.Pipeline.SettleInterval.Duration <= 0 {
		errs = append(errs, "pipeline: settle_interval must be > 0")
	}
	if c.Pipeline.ArchiveRetentionDays < 1 {
		errs = append(errs, "pipeline: archive_retention_days must be >= 1")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}
