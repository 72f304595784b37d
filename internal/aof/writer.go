package aof

import (
	"bytes"
	"context"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"
)

// DurabilityPolicy selects how aggressively the Writer syncs to stable
// storage.
type DurabilityPolicy int

const (
	PolicyNo DurabilityPolicy = iota
	PolicyEverySec
	PolicyAlways
)

func (p DurabilityPolicy) String() string {
	switch p {
	case PolicyNo:
		return "no"
	case PolicyEverySec:
		return "everysec"
	case PolicyAlways:
		return "always"
	default:
		return "unknown"
	}
}

// fsyncPostponeWindow is the EVERY_SEC grace period: if a prior fsync is
// still in flight, a flush is postponed for up to this long before
// proceeding unsynced.
const fsyncPostponeWindow = 2 * time.Second

// fsyncInterval is the minimum time since the last fsync before EVERY_SEC
// schedules another one.
const fsyncInterval = 1 * time.Second

// Writer buffers encoded commands and flushes them to the current INCR file
// according to the configured durability policy.
type Writer struct {
	mu sync.Mutex

	buf bytes.Buffer

	currentFile aofFile
	currentSize int64
	lastIncrSize int64

	lastIncrFsyncOffset int64
	lastFsyncTime       time.Time

	lastWriteOK    bool
	lastWriteErr   error

	// fsyncedReploffPending and fsyncedReploff are advanced at enqueue time
	// and on fsync-job success respectively; readers must tolerate
	// pending >= committed.
	fsyncedReploffPending int64
	fsyncedReploff        int64

	policy           DurabilityPolicy
	timestampEnabled bool
	lastTSSecond     int64

	lastSelectedDB int
	haveSelectedDB bool

	fsyncJobOutstanding bool

	rewriteInProgress bool
	noFsyncOnRewrite  bool

	pool    *WorkerPool
	metrics *engineMetrics
}

// NewWriter constructs a Writer bound to a background worker pool used for
// EVERY_SEC's asynchronous fsync jobs.
func NewWriter(pool *WorkerPool, metrics *engineMetrics, policy DurabilityPolicy) *Writer {
	return &Writer{
		policy:         policy,
		lastSelectedDB: -1,
		pool:           pool,
		metrics:        metrics,
	}
}

// SetPolicy updates the durability policy, e.g. from configure(options).
func (w *Writer) SetPolicy(p DurabilityPolicy) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.policy = p
}

// SetTimestampEnabled toggles the "#TS:" annotation behavior.
func (w *Writer) SetTimestampEnabled(enabled bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.timestampEnabled = enabled
}

// SetNoFsyncOnRewrite toggles whether ALWAYS's synchronous fsync is
// suppressed while a rewrite child is running.
func (w *Writer) SetNoFsyncOnRewrite(v bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.noFsyncOnRewrite = v
}

// SetRewriteInProgress is called by the Rewriter around a bgRewrite cycle.
func (w *Writer) SetRewriteInProgress(v bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.rewriteInProgress = v
}

// BindFile installs a new append target, resetting the size counters the way
// the Rewriter requires when it swaps in a fresh INCR fd: the new fd comes
// in, last_incr_size and last_incr_fsync_offset both reset to 0.
func (w *Writer) BindFile(f aofFile, currentSize int64) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.currentFile = f
	w.currentSize = currentSize
	w.lastIncrSize = 0
	w.lastIncrFsyncOffset = 0
}

// CurrentFile returns the active append target, or nil if none is bound.
func (w *Writer) CurrentFile() aofFile {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.currentFile
}

// CurrentSize reports the Writer's tracked byte count of the current file.
func (w *Writer) CurrentSize() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.currentSize
}

// Append encodes a command as a RESP array of bulk strings and appends it to
// the in-memory buffer. Append never touches the file; only Flush does.
func (w *Writer) Append(dbIndex int, argv []string) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if !w.haveSelectedDB || dbIndex != w.lastSelectedDB {
		w.buf.Write(encodeRESPCommand([]string{"SELECT", strconv.Itoa(dbIndex)}))
		w.lastSelectedDB = dbIndex
		w.haveSelectedDB = true
	}

	if w.timestampEnabled {
		now := time.Now().Unix()
		if now > w.lastTSSecond {
			w.buf.WriteString(fmt.Sprintf("#TS:%d\n", now))
			w.lastTSSecond = now
		}
	}

	w.buf.Write(encodeRESPCommand(argv))
}

func encodeRESPCommand(argv []string) []byte {
	var b bytes.Buffer
	fmt.Fprintf(&b, "*%d\r\n", len(argv))
	for _, arg := range argv {
		fmt.Fprintf(&b, "$%d\r\n%s\r\n", len(arg), arg)
	}
	return b.Bytes()
}

// Flush drains the buffer to the current file, recovering from a short write
// by truncating the file back and retaining the buffer for a later retry,
// then applies the durability policy's fsync behavior. The Writer never
// flushes on its own: the Rewriter calls Flush before a rewrite and on
// disable, and host code calls it through Engine.Flush.
//
// A PolicyAlways hard write or fsync failure returns an error wrapping
// ErrIoHardWrite/ErrIoFsync and marked fatal under ALWAYS. Neither Flush nor
// Engine.Flush terminates the process; the error is returned to the caller.
func (w *Writer) Flush(ctx context.Context, force bool) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.buf.Len() == 0 {
		return w.maybeFsyncLocked(ctx, force)
	}

	if w.currentFile == nil {
		return fmt.Errorf("%w: no AOF file bound", ErrIoOpen)
	}

	data := w.buf.Bytes()
	preSize := w.currentSize
	result := writeRetrying(w.currentFile, data)

	if result.Short {
		if err := truncateBack(w.currentFile, preSize); err == nil {
			// Fully lost; retained in the buffer for retry.
			w.lastWriteOK = false
			w.lastWriteErr = fmt.Errorf("%w: wrote %d of %d bytes", ErrIoShortWrite, result.BytesWritten, len(data))
			return w.lastWriteErr
		}
		// Truncation itself failed: accept the partial write, keep the
		// remaining suffix buffered for retry.
		w.currentSize = preSize + int64(result.BytesWritten)
		remaining := make([]byte, len(data)-result.BytesWritten)
		copy(remaining, data[result.BytesWritten:])
		w.buf.Reset()
		w.buf.Write(remaining)
		w.lastWriteOK = false
		w.lastWriteErr = fmt.Errorf("%w: truncate-back also failed after short write", ErrIoShortWrite)
		return w.lastWriteErr
	}

	if result.Err != nil {
		w.lastWriteOK = false
		w.lastWriteErr = fmt.Errorf("%w: %v", ErrIoHardWrite, result.Err)
		if w.policy == PolicyAlways {
			return fmt.Errorf("%w (fatal under ALWAYS policy)", w.lastWriteErr)
		}
		// Buffer retained; future writes may continue to accumulate.
		return w.lastWriteErr
	}

	w.currentSize = preSize + int64(result.BytesWritten)
	w.lastIncrSize += int64(result.BytesWritten)
	w.buf.Reset()
	w.lastWriteOK = true
	w.lastWriteErr = nil
	if w.metrics != nil {
		w.metrics.incrCounter(metricFlushBytes, float32(result.BytesWritten))
	}

	return w.maybeFsyncLocked(ctx, force)
}

// maybeFsyncLocked implements the per-policy fsync behavior. Callers must
// hold w.mu.
func (w *Writer) maybeFsyncLocked(ctx context.Context, force bool) error {
	if w.currentFile == nil {
		return nil
	}

	switch w.policy {
	case PolicyNo:
		return nil

	case PolicyAlways:
		if w.rewriteInProgress && w.noFsyncOnRewrite {
			return nil
		}
		if err := w.currentFile.Sync(); err != nil {
			return fmt.Errorf("%w: %v (fatal under ALWAYS policy)", ErrIoFsync, err)
		}
		w.lastIncrFsyncOffset = w.currentSize
		atomic.AddInt64(&w.fsyncedReploffPending, 1)
		atomic.StoreInt64(&w.fsyncedReploff, atomic.LoadInt64(&w.fsyncedReploffPending))
		w.lastFsyncTime = time.Now()
		return nil

	case PolicyEverySec:
		return w.everySecFsyncLocked(ctx, force)
	}
	return nil
}

func (w *Writer) everySecFsyncLocked(ctx context.Context, force bool) error {
	if w.rewriteInProgress && w.noFsyncOnRewrite {
		return nil
	}

	due := force || time.Since(w.lastFsyncTime) >= fsyncInterval
	if !due {
		return nil
	}

	if w.fsyncJobOutstanding {
		// A prior fsync is still in flight; postpone up to 2s, then proceed
		// unsynced and record a delayed-fsync event.
		deadline := w.lastFsyncTime.Add(fsyncPostponeWindow)
		if time.Now().Before(deadline) {
			return nil
		}
		if w.metrics != nil {
			w.metrics.incrCounter(metricFsyncDelayed, 1)
		}
		return nil
	}

	file := w.currentFile
	offset := w.currentSize
	atomic.StoreInt64(&w.fsyncedReploffPending, offset)
	w.fsyncJobOutstanding = true

	done := w.pool.SubmitFsync(file, offset)
	go func() {
		err := <-done
		w.mu.Lock()
		w.fsyncJobOutstanding = false
		if err == nil {
			w.lastIncrFsyncOffset = offset
			atomic.StoreInt64(&w.fsyncedReploff, offset)
			w.lastFsyncTime = time.Now()
		} else {
			w.lastWriteOK = false
			w.lastWriteErr = fmt.Errorf("%w: %v", ErrIoFsync, err)
		}
		w.mu.Unlock()
	}()

	return nil
}

// DrainFsync blocks until any outstanding EVERY_SEC fsync job completes.
// Used at the controlled WAIT_REWRITE -> ON transition drain point to
// prevent reordering of fsynced_reploff updates.
func (w *Writer) DrainFsync(ctx context.Context) error {
	for {
		w.mu.Lock()
		outstanding := w.fsyncJobOutstanding
		w.mu.Unlock()
		if !outstanding {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(5 * time.Millisecond):
		}
	}
}

// Status reports the subset of Writer state the engine's status call exposes.
type WriterStatus struct {
	CurrentSize         int64
	LastIncrSize        int64
	LastIncrFsyncOffset int64
	LastWriteOK         bool
	LastWriteErr        error
	FsyncedReploffPend  int64
	FsyncedReploff      int64
}

func (w *Writer) Status() WriterStatus {
	w.mu.Lock()
	defer w.mu.Unlock()
	return WriterStatus{
		CurrentSize:         w.currentSize,
		LastIncrSize:        w.lastIncrSize,
		LastIncrFsyncOffset: w.lastIncrFsyncOffset,
		LastWriteOK:         w.lastWriteOK,
		LastWriteErr:        w.lastWriteErr,
		FsyncedReploffPend:  atomic.LoadInt64(&w.fsyncedReploffPending),
		FsyncedReploff:      atomic.LoadInt64(&w.fsyncedReploff),
	}
}

// ResetSelection clears the remembered SELECT state, used after a rewrite
// swaps in a new INCR file so the first command written always re-emits
// SELECT (child and parent files must each be independently self-describing).
func (w *Writer) ResetSelection() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.haveSelectedDB = false
}

// ClearBuffer discards any unflushed, buffered commands. Used when a
// WAIT_REWRITE rewrite attempt fails: the commands queued since bgRewrite
// started targeted the now-deleted temp INCR file and cannot be replayed
// against it.
func (w *Writer) ClearBuffer() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.buf.Reset()
}
