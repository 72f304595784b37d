package aof

import (
	"errors"
	"io"
	"syscall"
)

// aofFile is the subset of *os.File the append/fsync/rewrite path depends
// on. Narrowing it to an interface lets tests drive the short-write and
// truncate-back paths with a fake instead of needing an OS mechanism that
// reliably reproduces a partial write.
type aofFile interface {
	io.Writer
	io.Seeker
	Sync() error
	Truncate(size int64) error
	Close() error
}

// writeResult reports the outcome of writeRetrying so the Writer can decide
// whether to truncate back, accept a partial write, or move on.
type writeResult struct {
	// BytesWritten is how many bytes actually landed in the file.
	BytesWritten int
	// Short is true when some bytes landed but BytesWritten < len(data) --
	// the write made progress and then stopped. Err then holds the error
	// that stopped it.
	Short bool
	// Err is set whenever the underlying write returned an error other than
	// EINTR: alongside Short after partial progress, or alone (a hard write
	// error) when nothing was written.
	Err error
}

// writeRetrying writes data to f, retrying on EINTR and on partial writes. A
// genuine short write -- the kernel reports success but wrote less than
// requested, with no further progress possible (e.g. ENOSPC on a later
// attempt) -- is reported via Short rather than retried forever.
func writeRetrying(f io.Writer, data []byte) writeResult {
	total := 0
	for total < len(data) {
		n, err := f.Write(data[total:])
		total += n
		if err == nil {
			continue
		}
		if errors.Is(err, syscall.EINTR) {
			continue
		}
		if n > 0 {
			// Partial progress with an error on the next attempt: treat
			// everything written so far as the short-write boundary.
			return writeResult{BytesWritten: total, Short: true, Err: err}
		}
		return writeResult{BytesWritten: total, Err: err}
	}
	if total < len(data) {
		return writeResult{BytesWritten: total, Short: true}
	}
	return writeResult{BytesWritten: total}
}

// truncateBack restores f to preSize after a short write: if truncation
// succeeds, the data is treated as fully lost and remains in the caller's
// buffer; if truncation fails, the caller accepts the already-written prefix
// and keeps the remaining suffix buffered for retry.
func truncateBack(f aofFile, preSize int64) error {
	if err := f.Truncate(preSize); err != nil {
		return err
	}
	_, err := f.Seek(preSize, io.SeekStart)
	return err
}
