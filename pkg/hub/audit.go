package hub

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"iter"
	"log/slog"

	"github.com/Mindburn-Labs/qhub/pkg/config"
	"github.com/Mindburn-Labs/qhub/pkg/crypto"
	"github.com/Mindburn-Labs/qhub/pkg/ledger"
	"github.com/Mindburn-Labs/qhub/pkg/store"
)

// Audit is read-only access to the ledger of a hub that may be running.
type Audit struct {
	*ledger.Auditor

	store   ledger.Store
	keyring *crypto.KeyRing
	ls      *ledgerStore
	db      *sql.DB
}

// OpenAudit opens the configured ledger store with the hub's public key. It
// never creates a signing key.
func OpenAudit(ctx context.Context, cfg *config.Config, hf *config.HubFile) (*Audit, error) {
	logger := slog.Default().With("component", "audit")
	signer, err := loadSigner(cfg, hf, false, logger)
	if err != nil {
		return nil, err
	}
	db, dialect, err := openDB(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	ls, err := openLedgerStore(ctx, cfg, hf, db, dialect, logger)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	keyring := crypto.NewKeyRing()
	keyring.AddSigner(signer)
	return &Audit{
		Auditor: ledger.NewAuditor(ls.store, keyring),
		store:   ls.store,
		keyring: keyring,
		ls:      ls,
		db:      db,
	}, nil
}

// Head is the last written entry, nil for an empty ledger.
func (a *Audit) Head(ctx context.Context) (*ledger.Entry, error) {
	return a.store.Last(ctx)
}

// Search yields entries matching f in sequence order.
func (a *Audit) Search(ctx context.Context, f ledger.Filter) iter.Seq2[ledger.Entry, error] {
	return ledger.Search(ctx, a.store, f)
}

// KeyRing holds the trusted ledger key.
func (a *Audit) KeyRing() *crypto.KeyRing { return a.keyring }

// Close releases the store and database.
func (a *Audit) Close() error {
	return errors.Join(a.ls.close(), a.db.Close())
}

// Checkpoint seals the entries written since the last checkpoint. It opens
// the ledger for writing, so the hub must not be running against the same
// store.
func Checkpoint(ctx context.Context, cfg *config.Config, hf *config.HubFile) (*ledger.Checkpoint, error) {
	logger := slog.Default().With("component", "checkpoint")
	signer, err := loadSigner(cfg, hf, false, logger)
	if err != nil {
		return nil, err
	}
	db, dialect, err := openDB(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	defer db.Close()
	ls, err := openLedgerStore(ctx, cfg, hf, db, dialect, logger)
	if err != nil {
		return nil, err
	}
	defer ls.close()

	lopts, err := ledgerOptions(hf, logger)
	if err != nil {
		return nil, err
	}
	l, err := ledger.New(ctx, ls.store, signer, lopts...)
	if err != nil {
		return nil, fmt.Errorf("open ledger: %w", err)
	}
	defer l.Close()
	return l.Checkpoint(ctx)
}

// Doctor checks that the configuration can be served: the hub file, the
// databases, the ledger key and every provider adapter. It returns one line
// per check.
func Doctor(ctx context.Context, cfg *config.Config, hf *config.HubFile) ([]Check, bool) {
	var checks []Check
	add := func(name string, err error) {
		c := Check{Name: name, OK: err == nil}
		if err != nil {
			c.Detail = err.Error()
		}
		checks = append(checks, c)
	}

	add("hub file", hf.Validate())
	if cfg.Production {
		add("production", hf.CheckProduction())
	}

	logger := slog.New(slog.DiscardHandler)
	db, dialect, err := openDB(ctx, cfg, logger)
	add("database", err)
	if err == nil {
		defer db.Close()
		add("job store", store.NewSQLStore(db, dialect).Init(ctx))
		ls, err := openLedgerStore(ctx, cfg, hf, db, dialect, logger)
		add("ledger store", err)
		if err == nil {
			defer ls.close()
		}
	}
	_, err = loadSigner(cfg, hf, false, logger)
	add("ledger key", err)

	for _, p := range hf.Providers {
		a, err := NewAdapter(ctx, p)
		add("provider "+p.ID, err)
		if c, ok := a.(interface{ Close() error }); ok && err == nil {
			_ = c.Close()
		}
	}

	ok := true
	for _, c := range checks {
		ok = ok && c.OK
	}
	return checks, ok
}

// Check is one doctor result.
type Check struct {
	Name   string `json:"name"`
	OK     bool   `json:"ok"`
	Detail string `json:"detail,omitempty"`
}
