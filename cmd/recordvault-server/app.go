package main

import (
	"context"
	"encoding/hex"
	"fmt"
	"os"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/ehr/recordvault/internal/config"
	"github.com/ehr/recordvault/internal/domain/access"
	"github.com/ehr/recordvault/internal/domain/audit"
	"github.com/ehr/recordvault/internal/domain/bundle"
	"github.com/ehr/recordvault/internal/domain/record"
	"github.com/ehr/recordvault/internal/platform/archive"
	"github.com/ehr/recordvault/internal/platform/db"
	"github.com/ehr/recordvault/internal/platform/hipaa"
	"github.com/ehr/recordvault/internal/platform/ledger"
	"github.com/ehr/recordvault/internal/platform/signing"
)

// app holds the wired services for one process.
type app struct {
	cfg    *config.Config
	logger zerolog.Logger
	pool   *pgxpool.Pool

	records      *record.Service
	access       *access.Service
	recorder     *audit.Recorder
	checkpointer *audit.Checkpointer
	bundles      *bundle.Service

	closers []func() error
}

type stores struct {
	records record.Repository
	grants  access.Repository
	audit   audit.Repository
	bundles bundle.Repository
	tx      db.Transactor
}

func newLogger(cfg *config.Config) zerolog.Logger {
	var logger zerolog.Logger
	if cfg.IsDev() {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339})
	} else {
		logger = zerolog.New(os.Stdout)
	}
	return logger.Level(cfg.LogLevelOrDefault()).With().Timestamp().Str("service", "recordvault").Logger()
}

// newApp opens the configured backends and wires the domain services.
func newApp(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*app, error) {
	a := &app{cfg: cfg, logger: logger}
	if err := a.wire(ctx); err != nil {
		a.close()
		return nil, err
	}
	return a, nil
}

func (a *app) wire(ctx context.Context) error {
	cfg, logger := a.cfg, a.logger

	st, err := a.openStores(ctx)
	if err != nil {
		return err
	}
	arch, err := a.openArchive()
	if err != nil {
		return err
	}
	anchorer, err := a.openLedger()
	if err != nil {
		return err
	}

	codec, err := hipaa.NewCodecFromKeys(hipaa.KeyMaterial{
		CurrentKey:     cfg.PHIEncryptionKey,
		CurrentVersion: cfg.PHIKeyVersion,
		PreviousKeys:   cfg.PHIPreviousKeys,
		Salt:           cfg.BlindIndexSalt,
	}, logger)
	if err != nil {
		return fmt.Errorf("phi codec: %w", err)
	}

	seed, err := hex.DecodeString(cfg.SigningSeed)
	if err != nil {
		return fmt.Errorf("SIGNING_SEED is not valid hex: %w", err)
	}
	signer, err := signing.NewDerivedKeyring(seed)
	if err != nil {
		return fmt.Errorf("signing keyring: %w", err)
	}

	a.recorder = audit.NewRecorder(st.audit, st.tx, logger)
	a.checkpointer = audit.NewCheckpointer(st.audit, a.recorder, st.tx, anchorer, cfg.AuditCheckpointBatch, logger)
	a.access = access.NewService(st.grants, st.records, st.tx, a.recorder, logger)
	a.records = record.NewService(st.records, a.access, codec, logger)
	a.bundles = bundle.NewService(bundle.Deps{
		Repo:     st.bundles,
		Records:  st.records,
		Guard:    a.access,
		Tx:       st.tx,
		Audit:    a.recorder,
		Codec:    codec,
		Signer:   signer,
		Archive:  arch,
		Anchorer: anchorer,
	}, bundle.Options{
		AnchorTimeout: cfg.AnchorTimeout,
		Seal:          cfg.ArchiveSeal,
	}, logger)

	return nil
}

func (a *app) openStores(ctx context.Context) (stores, error) {
	if a.cfg.StoreBackend != "postgres" {
		a.logger.Warn().Msg("using in-memory stores; all state is lost on exit")
		return stores{
			records: record.NewMemStore(),
			grants:  access.NewMemStore(),
			audit:   audit.NewMemStore(),
			bundles: bundle.NewMemStore(),
			tx:      db.NewMemTransactor(),
		}, nil
	}

	pool, err := db.NewPool(ctx, a.cfg.DatabaseURL, poolOptions(a.cfg), a.logger)
	if err != nil {
		return stores{}, err
	}
	a.pool = pool
	a.closers = append(a.closers, func() error { pool.Close(); return nil })

	return stores{
		records: record.NewRepo(pool),
		grants:  access.NewRepo(pool),
		audit:   audit.NewRepo(pool),
		bundles: bundle.NewRepo(pool),
		tx:      db.NewPoolTransactor(pool),
	}, nil
}

func (a *app) openArchive() (archive.Archiver, error) {
	switch a.cfg.ArchiveBackend {
	case "leveldb":
		l, err := archive.OpenLevelDB(a.cfg.ArchivePath)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, l.Close)
		a.logger.Info().Str("path", a.cfg.ArchivePath).Msg("archive: leveldb")
		return l, nil
	case "ipfs":
		a.logger.Info().Str("url", a.cfg.IPFSURL).Msg("archive: ipfs")
		return archive.NewIPFS(a.cfg.IPFSURL, 30*time.Second), nil
	default:
		return archive.NewMemory(), nil
	}
}

func (a *app) openLedger() (ledger.Anchorer, error) {
	if a.cfg.LedgerBackend != "leveldb" {
		return ledger.NewMemory(), nil
	}
	l, err := ledger.OpenLevelDB(a.cfg.LedgerPath, a.logger)
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, l.Close)
	a.logger.Info().Str("path", a.cfg.LedgerPath).Msg("ledger: leveldb")
	return l, nil
}

func poolOptions(cfg *config.Config) db.PoolOptions {
	return db.PoolOptions{
		MaxConns:        cfg.DBMaxConns,
		MinConns:        cfg.DBMinConns,
		ApplicationName: "recordvault",
	}
}

// close releases backends in reverse order of opening.
func (a *app) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			a.logger.Warn().Err(err).Msg("close backend")
		}
	}
	a.closers = nil
}
