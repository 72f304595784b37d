package aof

import (
	"errors"
	"testing"
)

func TestFileTypeString(t *testing.T) {
	tests := []struct {
		ft   FileType
		want string
	}{
		{TypeBase, "base"},
		{TypeIncr, "incr"},
		{TypeHistory, "history"},
		{FileType('x'), "unknown(x)"},
	}
	for _, test := range tests {
		if got := test.ft.String(); got != test.want {
			t.Errorf("FileType(%c).String() = %q, want %q", byte(test.ft), got, test.want)
		}
	}
}

func TestParseFileType(t *testing.T) {
	for _, c := range []byte{'b', 'i', 'h'} {
		if _, err := parseFileType(c); err != nil {
			t.Errorf("parseFileType(%c) unexpected error: %v", c, err)
		}
	}

	_, err := parseFileType('z')
	if !errors.Is(err, ErrInvalidManifest) {
		t.Errorf("expected ErrInvalidManifest for unknown type, got %v", err)
	}
}

func TestAofInfoLine(t *testing.T) {
	info := &AofInfo{FileName: "appendonly.aof.1.base.aof", FileSeq: 1, FileType: TypeBase}
	want := `file appendonly.aof.1.base.aof seq 1 type b`
	if got := info.line(); got != want {
		t.Errorf("line() = %q, want %q", got, want)
	}
}

func TestAofInfoLineQuotesWhitespace(t *testing.T) {
	info := &AofInfo{FileName: "has space.aof", FileSeq: 2, FileType: TypeIncr}
	want := `file "has space.aof" seq 2 type i`
	if got := info.line(); got != want {
		t.Errorf("line() = %q, want %q", got, want)
	}
}

func TestAofInfoClone(t *testing.T) {
	info := &AofInfo{FileName: "x", FileSeq: 1, FileType: TypeBase}
	cloned := info.clone()
	if cloned == info {
		t.Fatal("clone() returned the same pointer")
	}
	if *cloned != *info {
		t.Errorf("clone() = %+v, want %+v", *cloned, *info)
	}

	var nilInfo *AofInfo
	if nilInfo.clone() != nil {
		t.Error("clone() of a nil *AofInfo should return nil")
	}
}
