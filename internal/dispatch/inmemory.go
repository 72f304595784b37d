package dispatch

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"aofstore/internal/storage"
)

// InMemoryDispatcher adapts a storage.Dataset to the Dispatcher contract. It
// is the only component in the repository that translates between AOF
// command vectors and the Dataset's native BasicStore calls.
type InMemoryDispatcher struct {
	dataset *storage.Dataset
	current int
}

// NewInMemoryDispatcher wires a Dataset for use by the AOF engine, defaulting
// the selected database to 0 the way a fresh connection would.
func NewInMemoryDispatcher(dataset *storage.Dataset) *InMemoryDispatcher {
	return &InMemoryDispatcher{dataset: dataset, current: 0}
}

func (d *InMemoryDispatcher) Select(ctx context.Context, db int) error {
	if db < 0 || db >= d.dataset.Len() {
		return fmt.Errorf("SELECT %d out of range [0,%d)", db, d.dataset.Len())
	}
	d.current = db
	return nil
}

func (d *InMemoryDispatcher) Databases() int {
	return d.dataset.Len()
}

func (d *InMemoryDispatcher) Snapshot(ctx context.Context, db int) ([]DatasetEntry, error) {
	store, err := d.dataset.Store(db)
	if err != nil {
		return nil, err
	}
	items, err := store.Items()
	if err != nil {
		return nil, err
	}
	entries := make([]DatasetEntry, 0, len(items))
	for _, item := range items {
		entries = append(entries, DatasetEntry{Key: item.Key, Value: item.Value, ExpiresAt: item.ExpiresAt})
	}
	return entries, nil
}

// Exec applies one command to the currently selected database. The command
// set is the minimal set the Writer ever emits and the Loader/Rewriter ever
// replay: SET, DEL, PEXPIREAT, FLUSHDB and SELECT (the latter also reachable
// here so a synthetic-client caller can route either way).
func (d *InMemoryDispatcher) Exec(ctx context.Context, cmd Command) error {
	store, err := d.dataset.Store(d.current)
	if err != nil {
		return err
	}

	switch cmd.Name {
	case "SELECT":
		if len(cmd.Args) != 1 {
			return fmt.Errorf("SELECT requires exactly one argument")
		}
		db, err := strconv.Atoi(cmd.Args[0])
		if err != nil {
			return fmt.Errorf("SELECT argument must be an integer: %w", err)
		}
		return d.Select(ctx, db)

	case "SET":
		if len(cmd.Args) < 2 {
			return fmt.Errorf("SET requires at least key and value")
		}
		key, value := cmd.Args[0], cmd.Args[1]
		ttl := time.Duration(0)
		for i := 2; i < len(cmd.Args); i++ {
			switch cmd.Args[i] {
			case "PXAT":
				if i+1 >= len(cmd.Args) {
					return fmt.Errorf("SET PXAT requires a value")
				}
				ms, err := strconv.ParseInt(cmd.Args[i+1], 10, 64)
				if err != nil {
					return fmt.Errorf("SET PXAT argument invalid: %w", err)
				}
				at := time.UnixMilli(ms)
				ttl = time.Until(at)
				if ttl < 0 {
					ttl = 0
				}
				i++
			}
		}
		return store.SetWithContext(ctx, key, value, "", ttl)

	case "DEL":
		if len(cmd.Args) < 1 {
			return fmt.Errorf("DEL requires at least one key")
		}
		var firstErr error
		for _, key := range cmd.Args {
			if err := store.Delete(key); err != nil && firstErr == nil {
				firstErr = err
			}
		}
		return firstErr

	case "PEXPIREAT":
		if len(cmd.Args) != 2 {
			return fmt.Errorf("PEXPIREAT requires key and timestamp")
		}
		ms, err := strconv.ParseInt(cmd.Args[1], 10, 64)
		if err != nil {
			return fmt.Errorf("PEXPIREAT timestamp invalid: %w", err)
		}
		return store.ExpireAt(cmd.Args[0], time.UnixMilli(ms))

	case "FLUSHDB":
		return store.Clear()

	default:
		return fmt.Errorf("unknown command: %s", cmd.Name)
	}
}
