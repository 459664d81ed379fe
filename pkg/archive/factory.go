package archive

import (
	"context"
	"fmt"
	"path/filepath"
)

// Backend names a blob storage backend.
type Backend string

const (
	BackendNone Backend = ""
	BackendFS   Backend = "fs"
	BackendS3   Backend = "s3"
	BackendGCS  Backend = "gcs"
)

// Config selects and configures a backend.
type Config struct {
	Backend  Backend `yaml:"backend"`
	DataDir  string  `yaml:"-"`
	Bucket   string  `yaml:"bucket"`
	Region   string  `yaml:"region"`
	Endpoint string  `yaml:"endpoint"`
	Prefix   string  `yaml:"prefix"`
}

// New opens the configured backend. BackendNone returns nil, nil.
func New(ctx context.Context, cfg Config) (BlobStore, error) {
	switch cfg.Backend {
	case BackendNone:
		return nil, nil
	case BackendFS:
		dir := cfg.DataDir
		if dir == "" {
			dir = "data"
		}
		return NewFileStore(filepath.Join(dir, "archive"))
	case BackendS3:
		if cfg.Bucket == "" {
			return nil, fmt.Errorf("archive bucket is required for s3")
		}
		region := cfg.Region
		if region == "" {
			region = "us-east-1"
		}
		return NewS3Store(ctx, S3Config{Bucket: cfg.Bucket, Region: region, Endpoint: cfg.Endpoint, Prefix: cfg.Prefix})
	case BackendGCS:
		if cfg.Bucket == "" {
			return nil, fmt.Errorf("archive bucket is required for gcs")
		}
		return NewGCSStore(ctx, GCSConfig{Bucket: cfg.Bucket, Prefix: cfg.Prefix})
	default:
		return nil, fmt.Errorf("unsupported archive backend: %s", cfg.Backend)
	}
}
