package aof

import (
	"bytes"
	"compress/gzip"
	"encoding/gob"
	"fmt"
	"io"
	"time"

	"aofstore/internal/dispatch"
)

func init() {
	// snapshotRecord.Value is interface{}; gob requires every concrete type
	// that may flow through it to be registered. The dispatcher only ever
	// stores strings today, but the common scalar types are registered
	// defensively since BasicStore.serializeValue already supports them.
	gob.Register("")
	gob.Register(int64(0))
	gob.Register(float64(0))
	gob.Register(false)
}

// SnapshotMagic is the five-byte prefix the Loader peeks for when deciding
// whether a file is a RESP command sequence or an opaque snapshot stream.
// The payload format behind the prefix is this engine's own; it does not
// attempt to reproduce Redis's RDB binary format.
const SnapshotMagic = "REDIS"

// snapshotRecord is the gob-serializable form of one key, matching
// dispatch.DatasetEntry but with a wire-stable representation of the TTL.
type snapshotRecord struct {
	Key           string
	Value         interface{}
	ExpiresAtUnix int64 // 0 means no expiry
}

// snapshotPayload is the full decoded body of a snapshot stream: every
// database's live key set, keyed by database index.
type snapshotPayload struct {
	Databases map[int][]snapshotRecord
}

// SnapshotCodec round-trips an opaque byte stream representing a full
// dataset image. The Rewriter's child and the Loader both depend on this but
// never otherwise inspect the bytes it produces.
type SnapshotCodec interface {
	Encode(w io.Writer, dbs map[int][]dispatch.DatasetEntry) error
	Decode(r io.Reader) (map[int][]dispatch.DatasetEntry, error)
}

// GobSnapshotCodec is a concrete SnapshotCodec built on gob+gzip. It is not
// wire-compatible with any other AOF implementation's snapshot-preamble
// format.
type GobSnapshotCodec struct{}

func (GobSnapshotCodec) Encode(w io.Writer, dbs map[int][]dispatch.DatasetEntry) error {
	if _, err := w.Write([]byte(SnapshotMagic)); err != nil {
		return fmt.Errorf("%w: writing snapshot magic: %v", ErrIoHardWrite, err)
	}

	payload := snapshotPayload{Databases: make(map[int][]snapshotRecord, len(dbs))}
	for db, entries := range dbs {
		records := make([]snapshotRecord, len(entries))
		for i, e := range entries {
			var expUnix int64
			if !e.ExpiresAt.IsZero() {
				expUnix = e.ExpiresAt.UnixMilli()
			}
			records[i] = snapshotRecord{Key: e.Key, Value: e.Value, ExpiresAtUnix: expUnix}
		}
		payload.Databases[db] = records
	}

	gz := gzip.NewWriter(w)
	enc := gob.NewEncoder(gz)
	if err := enc.Encode(payload); err != nil {
		gz.Close()
		return fmt.Errorf("%w: encoding snapshot payload: %v", ErrIoHardWrite, err)
	}
	return gz.Close()
}

func (GobSnapshotCodec) Decode(r io.Reader) (map[int][]dispatch.DatasetEntry, error) {
	magic := make([]byte, len(SnapshotMagic))
	if _, err := io.ReadFull(r, magic); err != nil {
		return nil, fmt.Errorf("%w: reading snapshot magic: %v", ErrInvalidManifest, err)
	}
	if string(magic) != SnapshotMagic {
		return nil, fmt.Errorf("%w: not a snapshot stream", ErrInvalidManifest)
	}

	gz, err := gzip.NewReader(r)
	if err != nil {
		return nil, fmt.Errorf("%w: opening snapshot gzip stream: %v", ErrInvalidManifest, err)
	}
	defer gz.Close()

	var payload snapshotPayload
	if err := gob.NewDecoder(gz).Decode(&payload); err != nil {
		return nil, fmt.Errorf("%w: decoding snapshot payload: %v", ErrInvalidManifest, err)
	}

	out := make(map[int][]dispatch.DatasetEntry, len(payload.Databases))
	for db, records := range payload.Databases {
		entries := make([]dispatch.DatasetEntry, len(records))
		for i, r := range records {
			var expiresAt time.Time
			if r.ExpiresAtUnix != 0 {
				expiresAt = time.UnixMilli(r.ExpiresAtUnix)
			}
			entries[i] = dispatch.DatasetEntry{Key: r.Key, Value: r.Value, ExpiresAt: expiresAt}
		}
		out[db] = entries
	}
	return out, nil
}

// HasSnapshotMagic reports whether peek (the leading bytes of a file) starts
// with the snapshot prefix, used by the Loader's per-file dispatch.
func HasSnapshotMagic(peek []byte) bool {
	return bytes.HasPrefix(peek, []byte(SnapshotMagic))
}
