package aof

import (
	"context"
	"fmt"
	"os"
	"strconv"

	"aofstore/internal/dispatch"
)

// rewriteItemsPerCmd bounds how many elements a single reconstructed command
// may carry for large collections, matching the chunking rioWriteBulkCount
// uses for multi-element commands. This engine's dispatcher only exercises
// scalar SET/DEL/PEXPIREAT today, so the constant currently bounds nothing,
// but it is kept as the named chunk size any future collection-valued
// command must respect rather than inlining a magic number at the call site.
const rewriteItemsPerCmd = 64

// reconstructDataset writes the minimal command sequence that recreates
// dispatcher's current state into w, in the format the Loader expects for a
// plain (non snapshot-preamble) BASE file.
func reconstructDataset(ctx context.Context, dispatcher dispatch.Dispatcher, w *os.File) error {
	writer := NewWriter(nil, nil, PolicyNo)
	writer.BindFile(w, 0)

	for db := 0; db < dispatcher.Databases(); db++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		entries, err := dispatcher.Snapshot(ctx, db)
		if err != nil {
			return fmt.Errorf("snapshotting database %d for rewrite: %w", db, err)
		}
		if len(entries) == 0 {
			continue
		}

		for _, entry := range entries {
			value, ok := entry.Value.(string)
			if !ok {
				value = fmt.Sprintf("%v", entry.Value)
			}
			writer.Append(db, []string{"SET", entry.Key, value})
			if !entry.ExpiresAt.IsZero() {
				writer.Append(db, []string{"PEXPIREAT", entry.Key, strconv.FormatInt(entry.ExpiresAt.UnixMilli(), 10)})
			}
		}
	}

	return writer.Flush(ctx, true)
}

// reconstructSnapshot writes a snapshot-preamble BASE file instead, when
// use_snapshot_preamble is enabled.
func reconstructSnapshot(ctx context.Context, dispatcher dispatch.Dispatcher, codec SnapshotCodec, w *os.File) error {
	dbs := make(map[int][]dispatch.DatasetEntry)
	for db := 0; db < dispatcher.Databases(); db++ {
		entries, err := dispatcher.Snapshot(ctx, db)
		if err != nil {
			return fmt.Errorf("snapshotting database %d for rewrite: %w", db, err)
		}
		if len(entries) > 0 {
			dbs[db] = entries
		}
	}
	if err := codec.Encode(w, dbs); err != nil {
		return fmt.Errorf("encoding snapshot-preamble BASE file: %w", err)
	}
	return w.Sync()
}

// runChild performs the reconstruction for the given tempPath, the way a
// forked child would: writes the new BASE content, then exits (here:
// returns) 0 on success, non-zero (an error) otherwise.
func runChild(ctx context.Context, dispatcher dispatch.Dispatcher, codec SnapshotCodec, useSnapshotPreamble bool, tempPath string) error {
	f, err := os.OpenFile(tempPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("%w: opening rewrite temp file: %v", ErrIoOpen, err)
	}
	defer f.Close()

	if useSnapshotPreamble {
		return reconstructSnapshot(ctx, dispatcher, codec, f)
	}
	return reconstructDataset(ctx, dispatcher, f)
}
