package hub

import (
	"context"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	_ "github.com/lib/pq" // Postgres driver
	_ "modernc.org/sqlite"

	"github.com/Mindburn-Labs/qhub/pkg/archive"
	"github.com/Mindburn-Labs/qhub/pkg/config"
	"github.com/Mindburn-Labs/qhub/pkg/crypto"
	"github.com/Mindburn-Labs/qhub/pkg/ledger"
	"github.com/Mindburn-Labs/qhub/pkg/store"
	"github.com/Mindburn-Labs/qhub/pkg/store/ledgerstore"
)

const (
	signingPurpose = "ltc-signing"
	keyFileName    = "ltc.key"
	dbFileName     = "qhub.db"
	ledgerDirName  = "ltc"
	archivePrefix  = "ltc/"
)

// openDB connects to Postgres, or to SQLite under the data dir in lite mode.
func openDB(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*sql.DB, store.Dialect, error) {
	if cfg.LiteMode() {
		if err := os.MkdirAll(cfg.DataDir, 0o750); err != nil {
			return nil, 0, fmt.Errorf("create data dir: %w", err)
		}
		path := filepath.Join(cfg.DataDir, dbFileName)
		db, err := sql.Open("sqlite", path+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)")
		if err != nil {
			return nil, 0, fmt.Errorf("open sqlite: %w", err)
		}
		// One writer at a time avoids SQLITE_BUSY under concurrent jobs.
		db.SetMaxOpenConns(1)
		logger.Info("lite mode", "sqlite", path)
		return db, store.SQLite, nil
	}
	db, err := sql.Open("postgres", cfg.DatabaseURL)
	if err != nil {
		return nil, 0, fmt.Errorf("open postgres: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, 0, fmt.Errorf("ping postgres: %w", err)
	}
	logger.Info("postgres connected")
	return db, store.Postgres, nil
}

// ledgerStore is the segment-file store in lite mode and the ltc_entries
// table otherwise. Sealed segments are archived when a backend is set.
type ledgerStore struct {
	store ledger.Store
	close func() error
}

func openLedgerStore(ctx context.Context, cfg *config.Config, hf *config.HubFile, db *sql.DB, dialect store.Dialect, logger *slog.Logger) (*ledgerStore, error) {
	if !cfg.LiteMode() {
		if hf.Ledger.Archive.Backend != archive.BackendNone {
			logger.Warn("ledger archive ignored: the SQL ledger has no segments", "backend", hf.Ledger.Archive.Backend)
		}
		s := ledgerstore.NewSQLStore(db, dialect)
		if err := s.Init(ctx); err != nil {
			return nil, err
		}
		return &ledgerStore{store: s, close: func() error { return nil }}, nil
	}

	opts := []ledgerstore.FileOption{ledgerstore.WithSegmentSize(hf.Ledger.SegmentSize)}
	acfg := hf.Ledger.Archive
	acfg.DataDir = cfg.DataDir
	blob, err := archive.New(ctx, acfg)
	if err != nil {
		return nil, fmt.Errorf("open ledger archive: %w", err)
	}
	if blob != nil {
		archiver := archive.NewArchiver(blob, archivePrefix)
		opts = append(opts, ledgerstore.WithSealHook(func(ctx context.Context, seg ledgerstore.Segment) error {
			_, err := archiver.ArchiveFile(ctx, seg.Path)
			return err
		}))
	}
	fs, err := ledgerstore.NewFileStore(filepath.Join(cfg.DataDir, ledgerDirName), opts...)
	if err != nil {
		return nil, err
	}
	return &ledgerStore{store: fs, close: fs.Close}, nil
}

// loadSigner derives the ledger key from the master seed when one is set.
// Otherwise it reads the key file in the data dir, generating it when create
// is set outside production.
func loadSigner(cfg *config.Config, hf *config.HubFile, create bool, logger *slog.Logger) (*crypto.Ed25519Signer, error) {
	keyID := hf.Ledger.SigningKeyID
	if env := hf.Ledger.MasterSeedEnv; env != "" {
		if seed := os.Getenv(env); seed != "" {
			return crypto.DeriveSigner([]byte(seed), signingPurpose, keyID)
		}
	}

	path := filepath.Join(cfg.DataDir, keyFileName)
	raw, err := os.ReadFile(path)
	switch {
	case err == nil:
		seed, err := hex.DecodeString(string(raw))
		if err != nil {
			return nil, fmt.Errorf("invalid %s: %w", keyFileName, err)
		}
		return crypto.NewEd25519SignerFromSeed(seed, keyID)
	case !errors.Is(err, os.ErrNotExist):
		return nil, fmt.Errorf("read %s: %w", keyFileName, err)
	case !create:
		return nil, fmt.Errorf("no ledger key: set %s or create %s", hf.Ledger.MasterSeedEnv, path)
	case cfg.Production:
		return nil, fmt.Errorf("production mode requires %s or %s", hf.Ledger.MasterSeedEnv, path)
	}

	signer, err := crypto.NewEd25519Signer(keyID)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(cfg.DataDir, 0o750); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	if err := os.WriteFile(path, []byte(hex.EncodeToString(signer.Seed())), 0o600); err != nil {
		return nil, fmt.Errorf("write %s: %w", keyFileName, err)
	}
	logger.Warn("generated ledger signing key; use a master seed in production", "path", path, "public_key", signer.PublicKey())
	return signer, nil
}

func ledgerOptions(hf *config.HubFile, logger *slog.Logger) ([]ledger.Option, error) {
	hasher, err := crypto.NewHasher(hf.Ledger.Hash)
	if err != nil {
		return nil, err
	}
	return []ledger.Option{
		ledger.WithHasher(hasher),
		ledger.WithCheckpointEvery(hf.Ledger.CheckpointEvery),
		ledger.WithLogger(logger.With("component", "ledger")),
	}, nil
}
