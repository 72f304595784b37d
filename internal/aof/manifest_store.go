package aof

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/cespare/xxhash/v2"
	"github.com/google/btree"
)

// manifestLineLimit is the maximum accepted length of a single manifest line.
const manifestLineLimit = 1024

func lessAofInfo(a, b *AofInfo) bool {
	return a.FileSeq < b.FileSeq
}

// AofManifest is the in-memory, owned copy of the file-set. It is never
// mutated in place by more than one goroutine; all mutation happens on the
// engine's single-threaded ownership path.
type AofManifest struct {
	dir          string
	manifestName string

	base        *AofInfo
	incrList    *btree.BTreeG[*AofInfo]
	historyList []*AofInfo

	currBaseSeq int64
	currIncrSeq int64

	dirty bool
}

// newEmptyManifest builds a fresh, empty manifest for a directory that has
// never held one before.
func newEmptyManifest(dir, manifestName string) *AofManifest {
	return &AofManifest{
		dir:          dir,
		manifestName: manifestName,
		incrList:     btree.NewG[*AofInfo](32, lessAofInfo),
	}
}

// dup produces an owned deep copy. Callers mutate the twin and only swap it
// in for the live manifest once it has been fully validated and persisted --
// copy, then validate, then swap, never mutate-in-place.
func (m *AofManifest) dup() *AofManifest {
	twin := &AofManifest{
		dir:          m.dir,
		manifestName: m.manifestName,
		base:         m.base.clone(),
		incrList:     btree.NewG[*AofInfo](32, lessAofInfo),
		historyList:  make([]*AofInfo, len(m.historyList)),
		currBaseSeq:  m.currBaseSeq,
		currIncrSeq:  m.currIncrSeq,
		dirty:        m.dirty,
	}
	m.incrList.Ascend(func(item *AofInfo) bool {
		twin.incrList.ReplaceOrInsert(item.clone())
		return true
	})
	for i, h := range m.historyList {
		twin.historyList[i] = h.clone()
	}
	return twin
}

// lastIncr returns the INCR entry with the highest file_seq, or nil if none
// exists yet -- the target of the Writer's append rule (invariant 6).
func (m *AofManifest) lastIncr() *AofInfo {
	var last *AofInfo
	m.incrList.Descend(func(item *AofInfo) bool {
		last = item
		return false
	})
	return last
}

// addIncr inserts a new INCR entry, preserving invariant 2 (strictly
// monotonic file_seq) by construction: callers always pass currIncrSeq+1.
func (m *AofManifest) addIncr(info *AofInfo) {
	m.incrList.ReplaceOrInsert(info)
	m.dirty = true
}

// demoteIncr moves the INCR entry with the given seq to HISTORY, preserving
// its name and seq (invariant 3).
func (m *AofManifest) demoteIncr(seq int64) {
	target, ok := m.incrList.Get(&AofInfo{FileSeq: seq})
	if !ok {
		return
	}
	m.incrList.Delete(target)
	target.FileType = TypeHistory
	m.historyList = append(m.historyList, target)
	m.dirty = true
}

// setBase replaces the BASE entry, demoting the previous one to HISTORY if
// present.
func (m *AofManifest) setBase(info *AofInfo) {
	if m.base != nil {
		old := m.base
		old.FileType = TypeHistory
		m.historyList = append(m.historyList, old)
	}
	m.base = info
	m.dirty = true
}

// drainHistory removes and returns every HISTORY entry, for handoff to the
// background UNLINK worker.
func (m *AofManifest) drainHistory() []*AofInfo {
	drained := m.historyList
	m.historyList = nil
	if len(drained) > 0 {
		m.dirty = true
	}
	return drained
}

// allFiles lists every AofInfo in canonical serialization order: BASE,
// HISTORY, then INCR in ascending seq order.
func (m *AofManifest) allFiles() []*AofInfo {
	var out []*AofInfo
	if m.base != nil {
		out = append(out, m.base)
	}
	out = append(out, m.historyList...)
	m.incrList.Ascend(func(item *AofInfo) bool {
		out = append(out, item)
		return true
	})
	return out
}

// contentHash is a cheap fingerprint of the manifest's canonical encoding.
// Nothing in the engine calls it: Persist decides whether to write from the
// dirty flag alone.
func (m *AofManifest) contentHash() uint64 {
	h := xxhash.New()
	for _, info := range m.allFiles() {
		_, _ = h.WriteString(info.line())
		_, _ = h.WriteString("\n")
	}
	return h.Sum64()
}

func encodeName(name string) string {
	if strings.ContainsAny(name, " \t\r\n\"") {
		return strconv.Quote(name)
	}
	return name
}

func decodeName(tok string) (string, error) {
	if len(tok) >= 2 && tok[0] == '"' {
		return strconv.Unquote(tok)
	}
	return tok, nil
}

// ManifestStore persists and loads an AofManifest to/from a line-oriented
// text file, replacing the live copy atomically.
type ManifestStore struct {
	dir          string
	manifestName string
}

// NewManifestStore binds a ManifestStore to an AOF directory and manifest
// file name.
func NewManifestStore(dir, manifestName string) *ManifestStore {
	return &ManifestStore{dir: dir, manifestName: manifestName}
}

func (s *ManifestStore) path() string {
	return filepath.Join(s.dir, s.manifestName)
}

func (s *ManifestStore) tempPath() string {
	return filepath.Join(s.dir, "temp-"+s.manifestName)
}

// Load reads the manifest file, returning (nil, os.ErrNotExist-wrapping
// error) if it does not exist so the Loader can detect the legacy-upgrade
// case. Any malformed content is reported as ErrInvalidManifest and the
// whole process must abort -- corrupt manifests are never silently repaired.
func (s *ManifestStore) Load() (*AofManifest, error) {
	f, err := os.Open(s.path())
	if err != nil {
		return nil, err
	}
	defer f.Close()

	m := newEmptyManifest(s.dir, s.manifestName)
	haveBase := false
	seenSeq := make(map[string]bool) // "type:seq" -> seen, invariant 4

	scanner := bufio.NewScanner(f)
	buf := make([]byte, 0, manifestLineLimit)
	scanner.Buffer(buf, manifestLineLimit)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		info, err := parseManifestLine(line)
		if err != nil {
			return nil, fmt.Errorf("%w: line %d: %v", ErrInvalidManifest, lineNo, err)
		}

		key := fmt.Sprintf("%c:%d", byte(info.FileType), info.FileSeq)
		if seenSeq[key] {
			return nil, fmt.Errorf("%w: line %d: duplicate (type,seq) entry", ErrInvalidManifest, lineNo)
		}
		seenSeq[key] = true

		switch info.FileType {
		case TypeBase:
			if haveBase {
				return nil, fmt.Errorf("%w: line %d: duplicate BASE entry", ErrInvalidManifest, lineNo)
			}
			haveBase = true
			m.base = info
			if info.FileSeq > m.currBaseSeq {
				m.currBaseSeq = info.FileSeq
			}
		case TypeHistory:
			m.historyList = append(m.historyList, info)
		case TypeIncr:
			if last := m.lastIncr(); last != nil && info.FileSeq <= last.FileSeq {
				return nil, fmt.Errorf("%w: line %d: non-monotonic INCR sequence", ErrInvalidManifest, lineNo)
			}
			m.incrList.ReplaceOrInsert(info)
			if info.FileSeq > m.currIncrSeq {
				m.currIncrSeq = info.FileSeq
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidManifest, err)
	}

	return m, nil
}

func parseManifestLine(line string) (*AofInfo, error) {
	tokens, err := tokenizeManifestLine(line)
	if err != nil {
		return nil, err
	}
	if len(tokens) < 6 || len(tokens)%2 != 0 {
		return nil, fmt.Errorf("expected 6 tokens, got %d", len(tokens))
	}
	if tokens[0] != "file" || tokens[2] != "seq" || tokens[4] != "type" {
		return nil, fmt.Errorf("unrecognized manifest line keys")
	}

	name, err := decodeName(tokens[1])
	if err != nil {
		return nil, fmt.Errorf("invalid file name token: %w", err)
	}
	if strings.ContainsAny(name, "/\x00") {
		return nil, fmt.Errorf("file name must not contain a path separator")
	}

	seq, err := strconv.ParseInt(tokens[3], 10, 64)
	if err != nil || seq <= 0 {
		return nil, fmt.Errorf("invalid sequence number %q", tokens[3])
	}

	if len(tokens[5]) != 1 {
		return nil, fmt.Errorf("invalid type token %q", tokens[5])
	}
	fileType, err := parseFileType(tokens[5][0])
	if err != nil {
		return nil, err
	}

	return &AofInfo{FileName: name, FileSeq: seq, FileType: fileType}, nil
}

// tokenizeManifestLine splits on whitespace while respecting a single
// double-quoted token, the form used for file names that contain whitespace
// or control characters.
func tokenizeManifestLine(line string) ([]string, error) {
	var tokens []string
	var cur strings.Builder
	inQuotes := false
	flush := func() {
		if cur.Len() > 0 {
			tokens = append(tokens, cur.String())
			cur.Reset()
		}
	}
	for i := 0; i < len(line); i++ {
		c := line[i]
		switch {
		case c == '"':
			cur.WriteByte(c)
			inQuotes = !inQuotes
		case c == '\\' && inQuotes && i+1 < len(line):
			cur.WriteByte(c)
			i++
			cur.WriteByte(line[i])
		case (c == ' ' || c == '\t') && !inQuotes:
			flush()
		default:
			cur.WriteByte(c)
		}
	}
	if inQuotes {
		return nil, fmt.Errorf("unterminated quoted token")
	}
	flush()
	return tokens, nil
}

// Persist writes the manifest if dirty, using temp-file + fsync + rename +
// directory-fsync so the on-disk copy always reflects a complete prior or
// complete next state, never a partial write. It clears dirty only after
// every step succeeds, and leaves the live manifest file untouched on any
// failure.
func (s *ManifestStore) Persist(m *AofManifest) error {
	if !m.dirty {
		return nil
	}

	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return fmt.Errorf("%w: mkdir %s: %v", ErrIoOpen, s.dir, err)
	}

	tmpPath := s.tempPath()
	f, err := os.OpenFile(tmpPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrIoOpen, err)
	}

	var buf strings.Builder
	for _, info := range m.allFiles() {
		buf.WriteString(info.line())
		buf.WriteString("\n")
	}
	if _, err := f.WriteString(buf.String()); err != nil {
		f.Close()
		return fmt.Errorf("%w: write manifest: %v", ErrIoHardWrite, err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("%w: %v", ErrIoFsync, err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("%w: close manifest temp file: %v", ErrIoHardWrite, err)
	}

	if err := os.Rename(tmpPath, s.path()); err != nil {
		return fmt.Errorf("%w: %v", ErrIoRename, err)
	}

	if err := fsyncDir(s.dir); err != nil {
		return fmt.Errorf("%w: fsync dir %s: %v", ErrIoFsync, s.dir, err)
	}

	m.dirty = false
	return nil
}

func fsyncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer d.Close()
	return d.Sync()
}

// sortedHistoryNames is a small helper used by tests to assert a
// deterministic ordering of HISTORY entries regardless of map iteration.
func sortedHistoryNames(list []*AofInfo) []string {
	names := make([]string, len(list))
	for i, h := range list {
		names[i] = h.FileName
	}
	sort.Strings(names)
	return names
}
