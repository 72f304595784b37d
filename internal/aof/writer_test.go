package aof

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func newTestFile(t *testing.T) *os.File {
	t.Helper()
	f, err := os.Create(filepath.Join(t.TempDir(), "incr.aof"))
	if err != nil {
		t.Fatalf("failed to create test file: %v", err)
	}
	t.Cleanup(func() { f.Close() })
	return f
}

func TestWriterAppendEmitsSelectOnce(t *testing.T) {
	w := NewWriter(nil, nil, PolicyNo)
	f := newTestFile(t)
	w.BindFile(f, 0)

	w.Append(3, []string{"SET", "k", "v"})
	w.Append(3, []string{"SET", "k2", "v2"})

	if err := w.Flush(context.Background(), false); err != nil {
		t.Fatalf("Flush failed: %v", err)
	}

	data, err := os.ReadFile(f.Name())
	if err != nil {
		t.Fatalf("ReadFile failed: %v", err)
	}
	content := string(data)
	if strings.Count(content, "SELECT") != 1 {
		t.Errorf("expected exactly one SELECT in output, got: %q", content)
	}
	if !strings.Contains(content, "$1\r\n3\r\n") {
		t.Errorf("expected SELECT targeting db 3, got: %q", content)
	}
}

func TestWriterAppendReSelectsOnDBChange(t *testing.T) {
	w := NewWriter(nil, nil, PolicyNo)
	f := newTestFile(t)
	w.BindFile(f, 0)

	w.Append(0, []string{"SET", "a", "1"})
	w.Append(1, []string{"SET", "b", "2"})

	if err := w.Flush(context.Background(), false); err != nil {
		t.Fatalf("Flush failed: %v", err)
	}

	data, _ := os.ReadFile(f.Name())
	if strings.Count(string(data), "SELECT") != 2 {
		t.Errorf("expected two SELECTs across a db switch, got: %q", string(data))
	}
}

func TestWriterResetSelectionForcesReSelect(t *testing.T) {
	w := NewWriter(nil, nil, PolicyNo)
	f := newTestFile(t)
	w.BindFile(f, 0)

	w.Append(0, []string{"SET", "a", "1"})
	if err := w.Flush(context.Background(), false); err != nil {
		t.Fatalf("Flush failed: %v", err)
	}
	w.ResetSelection()
	w.Append(0, []string{"SET", "b", "2"})
	if err := w.Flush(context.Background(), false); err != nil {
		t.Fatalf("Flush failed: %v", err)
	}

	data, _ := os.ReadFile(f.Name())
	if strings.Count(string(data), "SELECT") != 2 {
		t.Errorf("expected ResetSelection to force a second SELECT, got: %q", string(data))
	}
}

func TestWriterFlushNoopWhenBufferEmpty(t *testing.T) {
	w := NewWriter(nil, nil, PolicyNo)
	if err := w.Flush(context.Background(), false); err != nil {
		t.Fatalf("Flush on an empty buffer with no bound file should not error, got: %v", err)
	}
}

func TestWriterFlushErrorsWithoutBoundFile(t *testing.T) {
	w := NewWriter(nil, nil, PolicyNo)
	w.Append(0, []string{"PING"})
	if err := w.Flush(context.Background(), false); err == nil {
		t.Error("expected Flush to error when no file is bound but the buffer is non-empty")
	}
}

func TestWriterPolicyAlwaysFsyncsSynchronously(t *testing.T) {
	w := NewWriter(nil, nil, PolicyAlways)
	f := newTestFile(t)
	w.BindFile(f, 0)

	w.Append(0, []string{"SET", "a", "1"})
	if err := w.Flush(context.Background(), false); err != nil {
		t.Fatalf("Flush failed: %v", err)
	}

	status := w.Status()
	if status.LastIncrFsyncOffset != status.CurrentSize {
		t.Errorf("expected fsync offset to track current size under ALWAYS, got offset=%d size=%d", status.LastIncrFsyncOffset, status.CurrentSize)
	}
	if status.FsyncedReploff == 0 {
		t.Error("expected fsynced_reploff to advance under ALWAYS policy")
	}
}

func TestWriterPolicyAlwaysSkipsFsyncDuringRewriteWhenConfigured(t *testing.T) {
	w := NewWriter(nil, nil, PolicyAlways)
	w.SetNoFsyncOnRewrite(true)
	w.SetRewriteInProgress(true)
	f := newTestFile(t)
	w.BindFile(f, 0)

	w.Append(0, []string{"SET", "a", "1"})
	if err := w.Flush(context.Background(), false); err != nil {
		t.Fatalf("Flush failed: %v", err)
	}

	status := w.Status()
	if status.LastIncrFsyncOffset != 0 {
		t.Errorf("expected fsync to be skipped while a rewrite is in progress, got offset=%d", status.LastIncrFsyncOffset)
	}
}

func TestWriterEverySecFsyncUsesWorkerPool(t *testing.T) {
	pool := NewWorkerPool()
	defer pool.Stop()

	w := NewWriter(pool, nil, PolicyEverySec)
	f := newTestFile(t)
	w.BindFile(f, 0)

	w.Append(0, []string{"SET", "a", "1"})
	if err := w.Flush(context.Background(), true); err != nil {
		t.Fatalf("Flush failed: %v", err)
	}

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if w.Status().FsyncedReploff > 0 {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Error("expected the background fsync job to advance fsynced_reploff within the deadline")
}

func TestWriterClearBufferDiscardsUnflushedData(t *testing.T) {
	w := NewWriter(nil, nil, PolicyNo)
	f := newTestFile(t)
	w.BindFile(f, 0)

	w.Append(0, []string{"SET", "a", "1"})
	w.ClearBuffer()

	if err := w.Flush(context.Background(), false); err != nil {
		t.Fatalf("Flush after ClearBuffer failed: %v", err)
	}

	data, _ := os.ReadFile(f.Name())
	if len(data) != 0 {
		t.Errorf("expected no bytes written after ClearBuffer, got: %q", string(data))
	}
}

func TestWriterBindFileResetsSizeCounters(t *testing.T) {
	w := NewWriter(nil, nil, PolicyNo)
	f1 := newTestFile(t)
	w.BindFile(f1, 0)
	w.Append(0, []string{"SET", "a", "1"})
	if err := w.Flush(context.Background(), false); err != nil {
		t.Fatalf("Flush failed: %v", err)
	}
	if w.CurrentSize() == 0 {
		t.Fatal("expected non-zero size after first flush")
	}

	f2 := newTestFile(t)
	w.BindFile(f2, 0)
	if w.CurrentSize() != 0 {
		t.Errorf("expected BindFile to reset current size, got %d", w.CurrentSize())
	}
	status := w.Status()
	if status.LastIncrSize != 0 || status.LastIncrFsyncOffset != 0 {
		t.Errorf("expected BindFile to reset incr size/fsync offset, got %+v", status)
	}
}

func TestWriterFlushShortWriteTruncatesBackAndRetainsBuffer(t *testing.T) {
	w := NewWriter(nil, nil, PolicyNo)
	f := newTestFile(t)
	fake := &shortWriteFile{File: f, allowed: 5}
	w.BindFile(fake, 0)

	w.Append(0, []string{"SET", "key", "value"})
	bufLenBefore := w.buf.Len()

	err := w.Flush(context.Background(), false)
	if !errors.Is(err, ErrIoShortWrite) {
		t.Fatalf("expected Flush to report a short write, got %v", err)
	}

	if w.buf.Len() != bufLenBefore {
		t.Errorf("expected the buffer to be retained fully after a short write, had %d bytes, now %d", bufLenBefore, w.buf.Len())
	}

	info, err := f.Stat()
	if err != nil {
		t.Fatalf("Stat failed: %v", err)
	}
	if info.Size() != 0 {
		t.Errorf("expected the file truncated back to its pre-write size (0), got %d", info.Size())
	}
}

func TestWriterFlushShortWriteThenRetrySucceeds(t *testing.T) {
	w := NewWriter(nil, nil, PolicyNo)
	f := newTestFile(t)
	fake := &shortWriteFile{File: f, allowed: 5}
	w.BindFile(fake, 0)

	w.Append(0, []string{"SET", "key", "value"})

	if err := w.Flush(context.Background(), false); !errors.Is(err, ErrIoShortWrite) {
		t.Fatalf("expected the first flush to report a short write, got %v", err)
	}

	if err := w.Flush(context.Background(), false); err != nil {
		t.Fatalf("expected the retried flush to succeed, got %v", err)
	}

	data, err := os.ReadFile(f.Name())
	if err != nil {
		t.Fatalf("ReadFile failed: %v", err)
	}
	if len(data) == 0 {
		t.Error("expected the retried flush to have written the buffered command")
	}
}

func TestDurabilityPolicyString(t *testing.T) {
	tests := []struct {
		p    DurabilityPolicy
		want string
	}{
		{PolicyNo, "no"},
		{PolicyEverySec, "everysec"},
		{PolicyAlways, "always"},
		{DurabilityPolicy(99), "unknown"},
	}
	for _, test := range tests {
		if got := test.p.String(); got != test.want {
			t.Errorf("DurabilityPolicy(%d).String() = %q, want %q", test.p, got, test.want)
		}
	}
}
