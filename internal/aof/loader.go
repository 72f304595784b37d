package aof

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"

	"aofstore/internal/dispatch"
	"aofstore/internal/logging"
	"aofstore/internal/network/resp"

	"github.com/google/uuid"
)

// Loader rebuilds the in-memory dataset by replaying the current file-set on
// startup.
type Loader struct {
	dir            string
	manifestName   string
	legacyFilename string
	loadTruncated  bool
	codec          SnapshotCodec
	logger         *logging.Logger
}

// NewLoader constructs a Loader bound to the AOF directory layout.
func NewLoader(dir, manifestName, legacyFilename string, loadTruncated bool, codec SnapshotCodec, logger *logging.Logger) *Loader {
	if codec == nil {
		codec = GobSnapshotCodec{}
	}
	return &Loader{
		dir:            dir,
		manifestName:   manifestName,
		legacyFilename: legacyFilename,
		loadTruncated:  loadTruncated,
		codec:          codec,
		logger:         logger,
	}
}

// shouldUpgradeLegacy implements the Open Question 1 decision recorded in
// DESIGN.md: upgrade triggers only when no manifest exists at all *and* a
// file named exactly legacyFilename exists directly under dir's parent
// directory -- not by inferring it from a stale BASE entry, since a manifest
// that already lists a BASE is by definition not the legacy case.
func (l *Loader) shouldUpgradeLegacy() (string, bool) {
	legacyPath := filepath.Join(filepath.Dir(l.dir), l.legacyFilename)
	if _, err := os.Stat(legacyPath); err != nil {
		return "", false
	}
	return legacyPath, true
}

// upgradeLegacy performs an idempotent migration: create the directory,
// synthesize a manifest pointing at the legacy file's new name, persist it,
// then move the file. The manifest is written before the move is observable
// so a crash mid-upgrade is safe to retry.
func (l *Loader) upgradeLegacy(ms *ManifestStore, legacyPath string) (*AofManifest, error) {
	if err := os.MkdirAll(l.dir, 0o755); err != nil {
		return nil, fmt.Errorf("%w: creating aof dir: %v", ErrIoOpen, err)
	}

	m := newEmptyManifest(l.dir, l.manifestName)
	baseName := fmt.Sprintf("appendonly.aof.%d.base.aof", 1)
	m.base = &AofInfo{FileName: baseName, FileSeq: 1, FileType: TypeBase}
	m.currBaseSeq = 1
	m.dirty = true

	if err := ms.Persist(m); err != nil {
		return nil, fmt.Errorf("legacy upgrade: persisting synthesized manifest: %w", err)
	}

	newPath := filepath.Join(l.dir, baseName)
	if err := os.Rename(legacyPath, newPath); err != nil {
		return nil, fmt.Errorf("%w: moving legacy AOF into directory: %v", ErrIoRename, err)
	}

	if l.logger != nil {
		logging.Info(context.Background(), "aof", "load", "upgraded legacy AOF file", map[string]interface{}{
			"legacy_path": legacyPath,
			"new_path":    newPath,
		})
	}

	return m, nil
}

// multiState tracks MULTI/EXEC bookkeeping during replay: whether a MULTI is
// currently open and the commands queued inside it, so an EXEC can apply
// them atomically and a missing EXEC can be rolled back cleanly.
type multiState struct {
	active  bool
	queued  []dispatch.Command
}

// LoadResult reports the outcome of a Loader.Load call.
type LoadResult struct {
	Manifest *AofManifest
	// Fresh is true when no manifest and no legacy file were found at all
	// -- an ordinary first startup, not a failure.
	Fresh bool
}

// Load replays the manifest's BASE then INCR chain against dispatcher. It
// returns ErrNotExist, together with a Fresh result, when there is neither a
// manifest file nor a legacy file to upgrade, which the caller (engine.go)
// treats as an empty database rather than a failure. A manifest that lists
// no files is rejected with ErrInvalidManifest.
func (l *Loader) Load(ctx context.Context, dispatcher dispatch.Dispatcher) (*LoadResult, error) {
	ms := NewManifestStore(l.dir, l.manifestName)
	m, err := ms.Load()
	if err != nil {
		if os.IsNotExist(err) {
			if legacyPath, ok := l.shouldUpgradeLegacy(); ok {
				m, err = l.upgradeLegacy(ms, legacyPath)
				if err != nil {
					return nil, err
				}
			} else {
				return &LoadResult{Manifest: newEmptyManifest(l.dir, l.manifestName), Fresh: true}, ErrNotExist
			}
		} else {
			// A malformed manifest aborts the whole process; corrupt
			// manifests are never silently repaired.
			return nil, err
		}
	}

	if m.base == nil && m.incrList.Len() == 0 {
		// The manifest file exists and parsed cleanly but lists nothing --
		// distinct from "no manifest file at all" (handled above as Fresh).
		// This aborts startup rather than being treated as an empty database.
		return nil, fmt.Errorf("%w: manifest lists no BASE and no INCR files", ErrInvalidManifest)
	}

	files := replayOrder(m)

	var totalSize int64
	for _, info := range files {
		if fi, err := os.Stat(filepath.Join(l.dir, info.FileName)); err == nil {
			totalSize += fi.Size()
		}
	}
	if l.logger != nil {
		correlationID := uuid.NewString()
		logging.Info(ctx, "aof", "load", "starting AOF replay", map[string]interface{}{
			"correlation_id": correlationID,
			"files":          len(files),
			"total_bytes":    totalSize,
		})
	}

	syntheticCtx := WithSyntheticClient(ctx)
	for i, info := range files {
		isLast := i == len(files)-1
		if err := l.replayFile(syntheticCtx, dispatcher, info, isLast); err != nil {
			return nil, err
		}
	}

	return &LoadResult{Manifest: m}, nil
}

// replayOrder returns BASE then every INCR in ascending seq order. HISTORY
// files are never replayed; they exist only pending deletion.
func replayOrder(m *AofManifest) []*AofInfo {
	var files []*AofInfo
	if m.base != nil {
		files = append(files, m.base)
	}
	m.incrList.Ascend(func(item *AofInfo) bool {
		files = append(files, item)
		return true
	})
	return files
}

func (l *Loader) replayFile(ctx context.Context, dispatcher dispatch.Dispatcher, info *AofInfo, isLast bool) error {
	path := filepath.Join(l.dir, info.FileName)
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("%w: opening %s: %v", ErrIoOpen, info.FileName, err)
	}
	defer f.Close()

	peek := make([]byte, len(SnapshotMagic))
	n, _ := io.ReadFull(f, peek)
	if n == len(SnapshotMagic) && HasSnapshotMagic(peek) {
		if _, err := f.Seek(0, io.SeekStart); err != nil {
			return fmt.Errorf("%w: rewinding %s: %v", ErrIoOpen, info.FileName, err)
		}
		return l.replaySnapshot(ctx, dispatcher, f, info)
	}

	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return fmt.Errorf("%w: rewinding %s: %v", ErrIoOpen, info.FileName, err)
	}
	return l.replayRESP(ctx, dispatcher, f, info, isLast)
}

func (l *Loader) replaySnapshot(ctx context.Context, dispatcher dispatch.Dispatcher, f *os.File, info *AofInfo) error {
	dbs, err := l.codec.Decode(f)
	if err != nil {
		return fmt.Errorf("replaying snapshot %s: %w", info.FileName, err)
	}
	for db, entries := range dbs {
		if err := dispatcher.Select(ctx, db); err != nil {
			return fmt.Errorf("replaying snapshot %s: %w", info.FileName, err)
		}
		for _, entry := range entries {
			value, ok := entry.Value.(string)
			if !ok {
				value = fmt.Sprintf("%v", entry.Value)
			}
			if err := dispatcher.Exec(ctx, dispatch.Command{Name: "SET", Args: []string{entry.Key, value}}); err != nil {
				return fmt.Errorf("replaying snapshot %s: %w", info.FileName, err)
			}
			if !entry.ExpiresAt.IsZero() {
				ms := strconv.FormatInt(entry.ExpiresAt.UnixMilli(), 10)
				if err := dispatcher.Exec(ctx, dispatch.Command{Name: "PEXPIREAT", Args: []string{entry.Key, ms}}); err != nil {
					return fmt.Errorf("replaying snapshot %s: %w", info.FileName, err)
				}
			}
		}
	}
	return nil
}

func (l *Loader) replayRESP(ctx context.Context, dispatcher dispatch.Dispatcher, f *os.File, info *AofInfo, isLast bool) error {
	parser := resp.NewParser(f)
	state := &multiState{}

	// offset tracks every byte consumed so far, including bytes queued
	// inside an open MULTI. validUpTo only advances when the most recent
	// top-level unit (a bare command, or a complete MULTI..EXEC block) has
	// fully committed; it is the safe rollback target on truncation.
	var offset int64
	var validUpTo int64
	var validBeforeMulti int64

	truncate := func(offset int64) error {
		if !l.loadTruncated {
			return fmt.Errorf("%w: %s ended unexpectedly and load_truncated is disabled", ErrTruncatedTail, info.FileName)
		}
		if !isLast {
			return fmt.Errorf("%w: %s is not the last file in replay order", ErrTruncatedTail, info.FileName)
		}
		if err := f.Truncate(offset); err != nil {
			return fmt.Errorf("%w: truncating %s: %v", ErrTruncatedTail, info.FileName, err)
		}
		return nil
	}

	for {
		atEOF, err := parser.AtEOF()
		if err != nil {
			return fmt.Errorf("%w: reading %s: %v", ErrTruncatedTail, info.FileName, err)
		}
		if atEOF {
			break
		}

		isComment, err := parser.PeekIsComment()
		if err != nil {
			return fmt.Errorf("%w: reading %s: %v", ErrTruncatedTail, info.FileName, err)
		}
		if isComment {
			_, raw, err := parser.ReadCommentLine()
			if err != nil {
				// A partial comment line at the tail is truncation, not a
				// hard failure -- it carries no semantic content.
				if truncErr := truncate(validUpTo); truncErr != nil {
					return truncErr
				}
				break
			}
			offset += int64(len(raw))
			if !state.active {
				validUpTo = offset
			}
			continue
		}

		value, err := parser.Parse()
		if err != nil {
			boundary := validUpTo
			if state.active {
				boundary = validBeforeMulti
			}
			if truncErr := truncate(boundary); truncErr != nil {
				return truncErr
			}
			break
		}

		cmd, err := resp.ParseCommand(value)
		if err != nil {
			return fmt.Errorf("%w: %s: %v", ErrInvalidFormat, info.FileName, err)
		}

		dcmd := dispatch.Command{Name: cmd.Name, Args: cmd.Args}

		switch cmd.Name {
		case "MULTI":
			if state.active {
				return fmt.Errorf("%w: nested MULTI in %s", ErrInvalidFormat, info.FileName)
			}
			validBeforeMulti = offset
			offset += int64(len(value.Raw))
			state.active = true
			state.queued = nil
		case "EXEC":
			if !state.active {
				return fmt.Errorf("%w: EXEC without MULTI in %s", ErrInvalidFormat, info.FileName)
			}
			for _, queuedCmd := range state.queued {
				if err := dispatcher.Exec(ctx, queuedCmd); err != nil {
					return fmt.Errorf("replaying %s: %w", info.FileName, err)
				}
			}
			offset += int64(len(value.Raw))
			state.active = false
			state.queued = nil
			validUpTo = offset
		default:
			offset += int64(len(value.Raw))
			if state.active {
				state.queued = append(state.queued, dcmd)
			} else {
				if err := dispatcher.Exec(ctx, dcmd); err != nil {
					return fmt.Errorf("replaying %s: %w", info.FileName, err)
				}
				validUpTo = offset
			}
		}
	}

	if state.active {
		// MULTI without EXEC at tail: rolled back to valid_before_multi,
		// load continues as truncated.
		if err := truncate(validBeforeMulti); err != nil {
			return err
		}
	}

	return nil
}

