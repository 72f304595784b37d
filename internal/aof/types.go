package aof

import "fmt"

// FileType identifies the role an AOF file plays within the manifest.
type FileType byte

const (
	// TypeBase marks the file as the most recent full reconstruction point.
	TypeBase FileType = 'b'
	// TypeIncr marks the file as part of the incremental tail.
	TypeIncr FileType = 'i'
	// TypeHistory marks a file superseded by a later rewrite, pending deletion.
	TypeHistory FileType = 'h'
)

func (t FileType) String() string {
	switch t {
	case TypeBase:
		return "base"
	case TypeIncr:
		return "incr"
	case TypeHistory:
		return "history"
	default:
		return fmt.Sprintf("unknown(%c)", byte(t))
	}
}

func parseFileType(c byte) (FileType, error) {
	switch FileType(c) {
	case TypeBase, TypeIncr, TypeHistory:
		return FileType(c), nil
	default:
		return 0, fmt.Errorf("%w: unknown file type %q", ErrInvalidManifest, string(c))
	}
}

// AofInfo describes a single file tracked by the manifest.
type AofInfo struct {
	FileName string
	FileSeq  int64
	FileType FileType
}

// line renders the canonical manifest line for this entry, matching the
// "file <name> seq <N> type <b|i|h>" format.
func (a *AofInfo) line() string {
	return fmt.Sprintf("file %s seq %d type %c", encodeName(a.FileName), a.FileSeq, byte(a.FileType))
}

func (a *AofInfo) clone() *AofInfo {
	if a == nil {
		return nil
	}
	cp := *a
	return &cp
}
