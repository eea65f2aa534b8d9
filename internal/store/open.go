package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/szaher/convmem/internal/compaction"
	"github.com/szaher/convmem/internal/memory"
)

// Drivers.
const (
	DriverMemory   = "memory"
	DriverFile     = "file"
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
	DriverEtcd     = "etcd"
	DriverS3       = "s3"
)

// Config selects and configures a backend.
type Config struct {
	Driver    string   `yaml:"driver"`
	Path      string   `yaml:"path"`
	DSN       string   `yaml:"dsn"`
	Endpoints []string `yaml:"endpoints"`
	Bucket    string   `yaml:"bucket"`
	Prefix    string   `yaml:"prefix"`
	Region    string   `yaml:"region"`
	Endpoint  string   `yaml:"endpoint"`
}

// Backend bundles a state store with the job store that accompanies it.
// Drivers without durable job storage get an in-process job store.
type Backend struct {
	State   memory.Store
	Jobs    compaction.JobStore
	closers []func() error
}

// Close releases backend resources.
func (b *Backend) Close() error {
	var errs []error
	for _, c := range b.closers {
		errs = append(errs, c())
	}
	return errors.Join(errs...)
}

// Open creates the backend described by cfg.
func Open(ctx context.Context, cfg Config) (*Backend, error) {
	switch cfg.Driver {
	case DriverMemory:
		return &Backend{State: NewMemoryStore(), Jobs: compaction.NewMemoryJobStore()}, nil

	case DriverFile:
		dir := cfg.Path
		if dir == "" {
			dir = "convmem-state"
		}
		fs, err := NewFileStore(dir)
		if err != nil {
			return nil, err
		}
		return &Backend{State: fs, Jobs: compaction.NewMemoryJobStore()}, nil

	case "", DriverSQLite:
		path := cfg.Path
		if path == "" {
			path = "convmem.db"
		}
		s, err := OpenSQLite(path)
		if err != nil {
			return nil, err
		}
		return &Backend{State: s, Jobs: s.Jobs(), closers: []func() error{s.Close}}, nil

	case DriverPostgres:
		s, err := OpenPostgres(ctx, cfg.DSN)
		if err != nil {
			return nil, err
		}
		return &Backend{State: s, Jobs: s.Jobs(), closers: []func() error{s.Close}}, nil

	case DriverEtcd:
		s, err := OpenEtcd(cfg.Endpoints, cfg.Prefix)
		if err != nil {
			return nil, err
		}
		return &Backend{State: s, Jobs: compaction.NewMemoryJobStore(), closers: []func() error{s.Close}}, nil

	case DriverS3:
		s, err := OpenS3(ctx, cfg.Bucket, cfg.Prefix, cfg.Region, cfg.Endpoint)
		if err != nil {
			return nil, err
		}
		return &Backend{State: s, Jobs: compaction.NewMemoryJobStore()}, nil
	}
	return nil, fmt.Errorf("unknown store driver %q", cfg.Driver)
}
