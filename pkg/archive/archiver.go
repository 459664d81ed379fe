package archive

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
)

// Archiver uploads sealed segment files and checks the copy.
type Archiver struct {
	store  BlobStore
	prefix string
	logger *slog.Logger
}

// NewArchiver archives into store under keyPrefix (for example "ltc/").
func NewArchiver(store BlobStore, keyPrefix string) *Archiver {
	return &Archiver{
		store:  store,
		prefix: keyPrefix,
		logger: slog.Default().With("component", "archive"),
	}
}

// ArchiveFile uploads the file at path and returns the stored digest.
func (a *Archiver) ArchiveFile(ctx context.Context, path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read segment: %w", err)
	}
	key := a.prefix + filepath.Base(path)
	digest, err := a.store.Put(ctx, key, data)
	if err != nil {
		return "", err
	}
	if want := Digest(data); digest != want {
		return "", fmt.Errorf("archived %s digest %s, want %s", key, digest, want)
	}
	a.logger.Info("segment archived", "key", key, "digest", digest, "bytes", len(data))
	return digest, nil
}

// Restore writes the archived object for name into dir.
func (a *Archiver) Restore(ctx context.Context, name, dir string) error {
	data, err := a.store.Get(ctx, a.prefix+name)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(dir, 0750); err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, name), data, 0600)
}
