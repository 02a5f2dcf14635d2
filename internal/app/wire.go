package app

import (
	"context"
	"fmt"
	"log/slog"

	s3blob "github.com/castprotocol/resolutiond/internal/blob/s3"
	"github.com/castprotocol/resolutiond/internal/cache/redis"
	"github.com/castprotocol/resolutiond/internal/config"
	"github.com/castprotocol/resolutiond/internal/crypto"
	"github.com/castprotocol/resolutiond/internal/domain"
	"github.com/castprotocol/resolutiond/internal/ledger/eth"
	"github.com/castprotocol/resolutiond/internal/notify"
	"github.com/castprotocol/resolutiond/internal/store/postgres"
	"github.com/castprotocol/resolutiond/internal/verify"
)

// Dependencies bundles every domain-level dependency that the application
// modes need to operate. It is constructed by Wire and torn down by the
// returned cleanup function.
type Dependencies struct {
	// Stores. Markets is the concrete type because the feed ingestor also
	// records stakes through it.
	Markets     *postgres.MarketStore
	Evidence    domain.EvidenceStore
	Disputes    domain.DisputeStore
	Decisions   domain.DecisionStore
	Settlements domain.SettlementStore
	Audit       domain.AuditStore

	// Caches and messaging
	MarketCache domain.MarketCache
	RateLimiter domain.RateLimiter
	Locks       domain.LockManager
	Bus         domain.EventBus

	// Blob storage
	BlobWriter  domain.BlobWriter
	BlobReader  domain.BlobReader
	Attachments domain.AttachmentStore
	Archiver    domain.Archiver

	// Chain
	Ledger domain.BondLedger
	Signer *crypto.Signer

	// External verification
	Feed domain.VerificationFeed

	// Notifications
	Notifier *notify.Notifier
}

// needsS3 returns true for modes that store attachments or archive audit data.
func needsS3(mode string) bool {
	switch mode {
	case "ingest", "full":
		return true
	default:
		return false
	}
}

// needsLedger returns true for modes that lock bonds or move tokens.
func needsLedger(mode string) bool {
	switch mode {
	case "ingest", "settle", "full":
		return true
	default:
		return false
	}
}

// Wire constructs all concrete dependency implementations from the given
// configuration and returns them together with a cleanup function that should
// be called on shutdown to release resources.
func Wire(ctx context.Context, cfg *config.Config) (*Dependencies, func(), error) {
	logger := slog.Default()

	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	deps := &Dependencies{}

	// --- PostgreSQL ---
	pgClient, err := postgres.New(ctx, postgres.ClientConfig{
		DSN:      cfg.Postgres.DSN,
		Host:     cfg.Postgres.Host,
		Port:     cfg.Postgres.Port,
		Database: cfg.Postgres.Database,
		User:     cfg.Postgres.User,
		Password: cfg.Postgres.Password,
		SSLMode:  cfg.Postgres.SSLMode,
		MaxConns: cfg.Postgres.PoolMaxConns,
		MinConns: cfg.Postgres.PoolMinConns,
	})
	if err != nil {
		cleanup()
		return nil, nil, fmt.Errorf("wire: postgres: %w", err)
	}
	closers = append(closers, pgClient.Close)

	if cfg.Postgres.RunMigrations {
		if err := pgClient.RunMigrations(ctx); err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: postgres migrations: %w", err)
		}
	}

	pool := pgClient.Pool()
	deps.Markets = postgres.NewMarketStore(pool)
	deps.Evidence = postgres.NewEvidenceStore(pool)
	deps.Disputes = postgres.NewDisputeStore(pool)
	deps.Decisions = postgres.NewDecisionStore(pool)
	deps.Settlements = postgres.NewSettlementStore(pool)
	deps.Audit = postgres.NewAuditStore(pool)

	// --- Redis ---
	redisClient, err := redis.New(ctx, redis.ClientConfig{
		Addr:       cfg.Redis.Addr,
		Password:   cfg.Redis.Password,
		DB:         cfg.Redis.DB,
		PoolSize:   cfg.Redis.PoolSize,
		MaxRetries: cfg.Redis.MaxRetries,
		TLSEnabled: cfg.Redis.TLSEnabled,
	})
	if err != nil {
		cleanup()
		return nil, nil, fmt.Errorf("wire: redis: %w", err)
	}
	closers = append(closers, func() { _ = redisClient.Close() })

	deps.MarketCache = redis.NewMarketCache(redisClient)
	deps.RateLimiter = redis.NewRateLimiter(redisClient)
	deps.Locks = redis.NewLockManager(redisClient)
	deps.Bus = redis.NewEventBus(redisClient)

	// --- S3 blob storage (only for modes that need object storage) ---
	if needsS3(cfg.Mode) {
		s3Client, err := s3blob.New(ctx, s3blob.ClientConfig{
			Endpoint:       cfg.S3.Endpoint,
			Region:         cfg.S3.Region,
			Bucket:         cfg.S3.Bucket,
			AccessKey:      cfg.S3.AccessKey,
			SecretKey:      cfg.S3.SecretKey,
			UseSSL:         cfg.S3.UseSSL,
			ForcePathStyle: cfg.S3.ForcePathStyle,
		})
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: s3: %w", err)
		}
		closers = append(closers, func() { _ = s3Client.Close() })

		deps.BlobWriter = s3blob.NewWriter(s3Client)
		deps.BlobReader = s3blob.NewReader(s3Client)
		deps.Attachments = s3blob.NewAttachmentStore(deps.BlobWriter, deps.BlobReader)
		deps.Archiver = s3blob.NewArchiver(deps.BlobWriter, deps.Audit, deps.Settlements)
	}

	// --- Bond ledger and settlement signer ---
	if needsLedger(cfg.Mode) {
		keyHex, err := crypto.LoadKey(crypto.KeyConfig{
			RawPrivateKey:    cfg.Custodian.PrivateKey,
			EncryptedKeyPath: cfg.Custodian.EncryptedKeyPath,
			KeyPassword:      cfg.Custodian.KeyPassword,
		})
		switch {
		case err != nil && cfg.Mode == "ingest":
			// Ingest can run without a custodian key; dispute intake is then
			// disabled and only markets, stakes, and evidence flow in.
			logger.Warn("no custodian key, dispute intake disabled", slog.String("error", err.Error()))
		case err != nil:
			cleanup()
			return nil, nil, fmt.Errorf("wire: custodian key: %w", err)
		default:
			ledger, err := eth.New(eth.Config{
				RPCURL:       cfg.Ledger.RPCURL,
				TokenAddress: cfg.Ledger.TokenAddress,
				ChainID:      cfg.Ledger.ChainID,
				GasLimit:     cfg.Ledger.GasLimit,
				CustodianKey: keyHex,
			}, logger)
			if err != nil {
				cleanup()
				return nil, nil, fmt.Errorf("wire: ledger: %w", err)
			}
			closers = append(closers, ledger.Close)
			deps.Ledger = ledger

			signer, err := crypto.NewSigner(keyHex, cfg.Ledger.ChainID)
			if err != nil {
				cleanup()
				return nil, nil, fmt.Errorf("wire: signer: %w", err)
			}
			deps.Signer = signer
		}
	}

	// --- External verification feed ---
	if cfg.Verify.BaseURL != "" {
		deps.Feed = verify.NewClient(cfg.Verify.BaseURL, cfg.Verify.ApiKey, cfg.Verify.Timeout.Duration)
	} else {
		// No provider configured: every decision degrades to the two local
		// signals and carries the external-unavailable risk flag.
		logger.Warn("no verification provider configured, external signal disabled")
		deps.Feed = &verify.Fixture{Err: domain.ErrExternalUnavailable}
	}

	// --- Notifications ---
	var senders []notify.Sender
	if cfg.Notify.TelegramToken != "" && cfg.Notify.TelegramChatID != "" {
		senders = append(senders, notify.NewTelegramSender(
			cfg.Notify.TelegramToken,
			cfg.Notify.TelegramChatID,
		))
	}
	if cfg.Notify.DiscordWebhookURL != "" {
		senders = append(senders, notify.NewDiscordSender(cfg.Notify.DiscordWebhookURL))
	}
	deps.Notifier = notify.NewNotifier(senders, cfg.Notify.Events, logger)

	return deps, cleanup, nil
}
