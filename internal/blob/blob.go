// Package blob selects the archive store backend.
package blob

import (
	"context"
	"fmt"

	"github.com/joshuawendorf21310/FusionEMS-Core-sub002/internal/blob/core"
	"github.com/joshuawendorf21310/FusionEMS-Core-sub002/internal/infra/blob/fs"
	"github.com/joshuawendorf21310/FusionEMS-Core-sub002/internal/infra/blob/memory"
	"github.com/joshuawendorf21310/FusionEMS-Core-sub002/internal/infra/blob/s3"
)

type (
	Driver     = core.Driver
	PutOptions = core.PutOptions
	Info       = core.Info
	Store      = core.Store
	S3Config   = s3.Config
)

const (
	DriverFilesystem = core.DriverFilesystem
	DriverS3         = core.DriverS3
	DriverMemory     = core.DriverMemory
)

var (
	ErrExists   = core.ErrExists
	ErrNotFound = core.ErrNotFound
)

// Config selects a backend. An empty driver means the filesystem.
type Config struct {
	Driver Driver
	FSRoot string
	S3     S3Config
}

// Open constructs the backend named by cfg.Driver.
func Open(ctx context.Context, cfg Config) (Store, error) {
	driver := cfg.Driver
	if driver == "" {
		driver = DriverFilesystem
	}
	switch driver {
	case DriverFilesystem:
		store, err := fs.New(cfg.FSRoot)
		if err != nil {
			return nil, err
		}
		return store, nil
	case DriverS3:
		store, err := s3.New(ctx, cfg.S3)
		if err != nil {
			return nil, err
		}
		return store, nil
	case DriverMemory:
		return memory.New(), nil
	default:
		return nil, fmt.Errorf("unknown blob driver %s", driver)
	}
}
