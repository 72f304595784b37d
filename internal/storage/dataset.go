package storage

import (
	"fmt"
	"time"

	"aofstore/internal/filter"
)

// Dataset is a fixed-size collection of independently keyed BasicStore
// instances, addressed by index the way a replayed "SELECT n" command
// addresses one of several logical databases. The AOF engine's synthetic
// client and the Rewriter's child both operate against a Dataset rather than
// a single BasicStore so that a SELECT entry in the log has somewhere to
// route to.
type Dataset struct {
	stores []*BasicStore
}

// DatasetConfig mirrors BasicStoreConfig but is applied identically to every
// database in the set; callers needing per-database tuning construct a
// Dataset by hand from individual BasicStore values instead.
type DatasetConfig struct {
	Databases        int
	MaxMemory        uint64
	DefaultTTL       time.Duration
	EnableStatistics bool
	CleanupInterval  time.Duration
	FilterConfig     *filter.FilterConfig
}

// NewDataset allocates and initializes every database up front; the AOF
// loader and RESP layer alike can assume index n exists for 0 <= n < Databases
// without a nil check.
func NewDataset(cfg DatasetConfig) (*Dataset, error) {
	if cfg.Databases <= 0 {
		return nil, fmt.Errorf("dataset requires at least one database, got %d", cfg.Databases)
	}

	stores := make([]*BasicStore, cfg.Databases)
	for i := 0; i < cfg.Databases; i++ {
		store, err := NewBasicStore(BasicStoreConfig{
			Name:             fmt.Sprintf("db%d", i),
			MaxMemory:        cfg.MaxMemory,
			DefaultTTL:       cfg.DefaultTTL,
			EnableStatistics: cfg.EnableStatistics,
			CleanupInterval:  cfg.CleanupInterval,
			FilterConfig:     cfg.FilterConfig,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to initialize database %d: %w", i, err)
		}
		stores[i] = store
	}
	return &Dataset{stores: stores}, nil
}

// Len reports the number of databases in the set.
func (d *Dataset) Len() int {
	return len(d.stores)
}

// Store returns the BasicStore backing database index n.
func (d *Dataset) Store(n int) (*BasicStore, error) {
	if n < 0 || n >= len(d.stores) {
		return nil, fmt.Errorf("database index %d out of range [0,%d)", n, len(d.stores))
	}
	return d.stores[n], nil
}

// Clear empties every database in index order, stopping at the first one
// that fails to clear.
func (d *Dataset) Clear() error {
	for i, store := range d.stores {
		if err := store.Clear(); err != nil {
			return fmt.Errorf("failed to clear database %d: %w", i, err)
		}
	}
	return nil
}

// Close releases every database's resources.
func (d *Dataset) Close() error {
	for i, store := range d.stores {
		if err := store.Close(); err != nil {
			return fmt.Errorf("failed to close database %d: %w", i, err)
		}
	}
	return nil
}
