package aof

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"aofstore/internal/dispatch"
	"aofstore/internal/logging"

	"github.com/google/uuid"
)

// RewriteState is the per-engine BASE/INCR rewrite state machine.
type RewriteState int

const (
	StateOff RewriteState = iota
	StateWaitRewrite
	StateOn
)

func (s RewriteState) String() string {
	switch s {
	case StateOff:
		return "off"
	case StateWaitRewrite:
		return "wait_rewrite"
	case StateOn:
		return "on"
	default:
		return "unknown"
	}
}

// rewriteFailureThreshold is the number of consecutive rewrite failures
// after which the backoff delay starts growing instead of retrying immediately.
const rewriteFailureThreshold = 3

// backoffCap is the ceiling on the doubling retry delay.
const backoffCap = 60 * time.Minute

func backoffDelay(failureCount int) time.Duration {
	if failureCount < rewriteFailureThreshold {
		return 0
	}
	shift := failureCount - rewriteFailureThreshold
	if shift > 10 { // guard against overflow; well past the cap regardless
		return backoffCap
	}
	d := time.Minute << uint(shift)
	if d > backoffCap {
		return backoffCap
	}
	return d
}

// ChildResult is what the (simulated) forked child reports back. Since Go
// does not fork, the child is represented by a goroutine running
// reconstructDataset/reconstructSnapshot under its own copy of the
// dispatcher's read path; exitCode 0/1 preserves the success/failure
// vocabulary so the done-handler logic reads the same way it would against a
// real process exit status.
type ChildResult struct {
	PID      int64
	ExitCode int
	Killed   bool
	Err      error
}

// pendingRewrite tracks the parent-side bookkeeping opened by bgRewrite
// until the child reports back.
type pendingRewrite struct {
	pid              int64
	tempPath         string
	wasWaitRewrite   bool
	allocatedIncr    *AofInfo // nil when wasWaitRewrite (reserved temp name, no manifest entry yet)
	tempIncrName     string   // set only when wasWaitRewrite
	cancel           context.CancelFunc
}

// Rewriter owns the BASE/INCR rewrite state machine: scheduling a rewrite,
// running it, and committing or rolling back the result.
type Rewriter struct {
	mu sync.Mutex

	dir          string
	manifestName string

	dispatcher          dispatch.Dispatcher
	codec               SnapshotCodec
	useSnapshotPreamble bool

	writer        *Writer
	manifestStore *ManifestStore
	pool          *WorkerPool
	metrics       *engineMetrics
	logger        *logging.Logger

	state    RewriteState
	manifest *AofManifest

	rewriteBaseSize int64

	failureCount int
	nextRetryAt  time.Time

	pending   *pendingRewrite
	pidSeq    int64
}

// NewRewriter wires a Rewriter to its collaborators. manifest is the live,
// already-loaded manifest (or a freshly created empty one).
func NewRewriter(dir, manifestName string, manifest *AofManifest, initialState RewriteState, writer *Writer, pool *WorkerPool, metrics *engineMetrics, dispatcher dispatch.Dispatcher, codec SnapshotCodec, useSnapshotPreamble bool, logger *logging.Logger) *Rewriter {
	if codec == nil {
		codec = GobSnapshotCodec{}
	}
	return &Rewriter{
		dir:                 dir,
		manifestName:        manifestName,
		dispatcher:          dispatcher,
		codec:               codec,
		useSnapshotPreamble: useSnapshotPreamble,
		writer:              writer,
		manifestStore:       NewManifestStore(dir, manifestName),
		pool:                pool,
		metrics:             metrics,
		logger:              logger,
		state:               initialState,
		manifest:            manifest,
	}
}

// State reports the current state machine value.
func (r *Rewriter) State() RewriteState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Manifest returns the live manifest pointer (read-only use by callers; the
// Rewriter is the only writer).
func (r *Rewriter) Manifest() *AofManifest {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.manifest
}

// SetRewriteBaseSize records the size a ratio trigger compares against,
// refreshed by the done-handler on every successful rewrite.
func (r *Rewriter) SetRewriteBaseSize(n int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rewriteBaseSize = n
}

// ShouldRatioTrigger implements the ratio trigger condition:
// current_size / rewrite_base_size >= 1 + pct/100, gated by min_size.
func (r *Rewriter) ShouldRatioTrigger(currentSize int64, pct int, minSize int64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if currentSize < minSize {
		return false
	}
	if r.rewriteBaseSize <= 0 {
		return false
	}
	threshold := float64(r.rewriteBaseSize) * (1 + float64(pct)/100.0)
	return float64(currentSize) >= threshold
}

// Enable implements the engine's enable() operation: OFF -> WAIT_REWRITE,
// then schedules a rewrite to produce the first BASE.
func (r *Rewriter) Enable(ctx context.Context) error {
	r.mu.Lock()
	if r.state != StateOff {
		r.mu.Unlock()
		return fmt.Errorf("%w: enable requires state OFF, have %s", ErrBadState, r.state)
	}
	r.state = StateWaitRewrite
	r.mu.Unlock()

	return r.TriggerRewrite(ctx, true)
}

// Disable implements disable(): flush+fsync, close the current fd, OFF.
func (r *Rewriter) Disable(ctx context.Context) error {
	r.mu.Lock()
	if r.state == StateOff {
		r.mu.Unlock()
		return fmt.Errorf("%w: disable requires state != OFF", ErrBadState)
	}
	if r.pending != nil && r.pending.cancel != nil {
		r.pending.cancel()
	}
	r.mu.Unlock()

	if err := r.writer.Flush(ctx, true); err != nil {
		return err
	}
	if f := r.writer.CurrentFile(); f != nil {
		_ = f.Sync()
		_ = f.Close()
	}

	r.mu.Lock()
	r.state = StateOff
	r.mu.Unlock()
	return nil
}

// TriggerRewrite implements the parent-side bgRewrite protocol. manual
// bypasses the backoff delay; the failure counter itself is only cleared
// once the child succeeds.
func (r *Rewriter) TriggerRewrite(ctx context.Context, manual bool) error {
	r.mu.Lock()
	if r.pending != nil {
		r.mu.Unlock()
		return ErrRewriteInProgress
	}
	if !manual && !r.nextRetryAt.IsZero() && time.Now().Before(r.nextRetryAt) {
		r.mu.Unlock()
		return fmt.Errorf("%w: rewrite backoff active until %s", ErrBadState, r.nextRetryAt.Format(time.RFC3339))
	}
	state := r.state
	r.mu.Unlock()

	// Step 1: flush the Writer buffer synchronously.
	if err := r.writer.Flush(ctx, true); err != nil {
		return fmt.Errorf("rewrite: flushing writer before fork: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	// Step 2/3: duplicate the manifest and allocate the new INCR target.
	dup := r.manifest.dup()
	var newFileName string
	pending := &pendingRewrite{wasWaitRewrite: state == StateWaitRewrite}

	if state == StateWaitRewrite {
		newFileName = "temp-appendonly.aof.incr.aof"
		pending.tempIncrName = newFileName
	} else {
		seq := dup.currIncrSeq + 1
		newFileName = fmt.Sprintf("appendonly.aof.%d.incr.aof", seq)
		info := &AofInfo{FileName: newFileName, FileSeq: seq, FileType: TypeIncr}
		dup.addIncr(info)
		dup.currIncrSeq = seq
		pending.allocatedIncr = info
	}

	newPath := filepath.Join(r.dir, newFileName)
	newFile, err := os.OpenFile(newPath, os.O_WRONLY|os.O_TRUNC|os.O_CREATE, 0o644)
	if err != nil {
		return fmt.Errorf("%w: opening new incr file for rewrite: %v", ErrIoOpen, err)
	}

	// Step 4: persist the dup only when it carries a real manifest change
	// (the normal ON case); the WAIT_REWRITE temp name is not yet a real
	// manifest entry.
	if pending.allocatedIncr != nil {
		if err := r.manifestStore.Persist(dup); err != nil {
			newFile.Close()
			os.Remove(newPath)
			return fmt.Errorf("rewrite: persisting manifest before fork: %w", err)
		}
	}

	// Step 5: retire the old fd via the background fsync-and-close worker,
	// swap the new fd in, reset size counters, install the new manifest.
	oldFile := r.writer.CurrentFile()
	oldSize := r.writer.CurrentSize()
	if oldFile != nil {
		closeDone := r.pool.SubmitClose(oldFile, oldSize)
		logger := r.logger
		go func() {
			if err := <-closeDone; err != nil && logger != nil {
				logging.Warn(context.Background(), "aof", "rewrite", "failed to close retired incr file", map[string]interface{}{
					"error": err.Error(),
				})
			}
		}()
	}
	r.writer.BindFile(newFile, 0)
	r.writer.ResetSelection()
	r.manifest = dup

	// Step 6: fork. Real process forking has no idiomatic Go equivalent;
	// the child's logical work (reconstruction into a temp file, reporting
	// an exit code) runs as an independent goroutine instead, with the
	// dispatcher snapshot read concurrently with continued appends -- the
	// same isolation the copy-on-write child gets, approximated via the
	// dispatcher's own snapshot method rather than shared mutable state.
	r.pidSeq++
	pid := r.pidSeq
	tempPath := filepath.Join(r.dir, fmt.Sprintf("temp-rewriteaof-bg-%d.aof", pid))
	childCtx, cancel := context.WithCancel(context.Background())
	pending.pid = pid
	pending.tempPath = tempPath
	pending.cancel = cancel
	r.pending = pending

	correlationID := uuid.NewString()
	if r.logger != nil {
		logging.Info(ctx, "aof", "rewrite", "starting background rewrite", map[string]interface{}{
			"correlation_id": correlationID,
			"pid":            pid,
			"manual":         manual,
			"state":          state.String(),
		})
	}

	go r.runChildAsync(childCtx, pid, tempPath)

	return nil
}

// runChildAsync performs the child's reconstruction work and feeds the
// result back through onChildExit, standing in for the real fork/exec and
// wait() pair.
func (r *Rewriter) runChildAsync(ctx context.Context, pid int64, tempPath string) {
	r.writer.SetRewriteInProgress(true)
	err := runChild(ctx, r.dispatcher, r.codec, r.useSnapshotPreamble, tempPath)
	r.writer.SetRewriteInProgress(false)
	result := ChildResult{PID: pid, Err: err}
	if ctx.Err() == context.Canceled {
		result.Killed = true
	} else if err != nil {
		result.ExitCode = 1
	}
	r.OnChildExit(context.Background(), result)
}

// OnChildExit runs the done-handler, success or failure, and clears pending
// state so a new rewrite can start.
func (r *Rewriter) OnChildExit(ctx context.Context, result ChildResult) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.pending == nil || r.pending.pid != result.PID {
		return // stale report; ignore
	}
	pending := r.pending
	r.pending = nil

	if result.Killed {
		// Intentional kill (shutdown or a competing rewrite): no failure
		// counted, just clean up temp files.
		os.Remove(pending.tempPath)
		if pending.wasWaitRewrite {
			os.Remove(filepath.Join(r.dir, pending.tempIncrName))
		}
		return
	}

	if result.Err != nil || result.ExitCode != 0 {
		r.onChildFailureLocked(pending, result)
		return
	}

	r.onChildSuccessLocked(ctx, pending)
}

func (r *Rewriter) onChildFailureLocked(pending *pendingRewrite, result ChildResult) {
	r.failureCount++
	os.Remove(pending.tempPath)
	if pending.wasWaitRewrite {
		os.Remove(filepath.Join(r.dir, pending.tempIncrName))
		r.writer.ClearBuffer()
	}

	delay := backoffDelay(r.failureCount)
	if delay > 0 {
		r.nextRetryAt = time.Now().Add(delay)
	}

	if r.metrics != nil {
		r.metrics.incrCounter(metricRewriteFailures, 1)
	}
	if r.logger != nil {
		logging.Warn(context.Background(), "aof", "rewrite", "background rewrite failed", map[string]interface{}{
			"pid":           result.PID,
			"failure_count": r.failureCount,
			"retry_delay_s": delay.Seconds(),
			"error":         fmt.Sprint(result.Err),
		})
	}
}

// onChildSuccessLocked implements the success path steps 1-6. Caller holds r.mu.
func (r *Rewriter) onChildSuccessLocked(ctx context.Context, pending *pendingRewrite) {
	dup := r.manifest.dup()

	// Step 1: allocate the next BASE sequence, demote the old BASE.
	baseSeq := dup.currBaseSeq + 1
	ext := "base.aof"
	if r.useSnapshotPreamble {
		ext = "base.rdb"
	}
	baseName := fmt.Sprintf("appendonly.aof.%d.%s", baseSeq, ext)
	newBase := &AofInfo{FileName: baseName, FileSeq: baseSeq, FileType: TypeBase}
	dup.setBase(newBase)
	dup.currBaseSeq = baseSeq

	// Step 2: rename the child's temp file to the new BASE's final name.
	basePath := filepath.Join(r.dir, baseName)
	if err := os.Rename(pending.tempPath, basePath); err != nil {
		r.failRewriteDuringCommit(pending, fmt.Errorf("%w: renaming rewrite output to BASE: %v", ErrIoRename, err))
		return
	}

	// Step 3: if this cycle started from WAIT_REWRITE, promote the
	// reserved temp INCR file into a real, numbered INCR entry.
	if pending.wasWaitRewrite {
		incrSeq := dup.currIncrSeq + 1
		incrName := fmt.Sprintf("appendonly.aof.%d.incr.aof", incrSeq)
		if err := os.Rename(filepath.Join(r.dir, pending.tempIncrName), filepath.Join(r.dir, incrName)); err != nil {
			os.Remove(basePath)
			r.failRewriteDuringCommit(pending, fmt.Errorf("%w: renaming temp incr to final name: %v", ErrIoRename, err))
			return
		}
		info := &AofInfo{FileName: incrName, FileSeq: incrSeq, FileType: TypeIncr}
		dup.addIncr(info)
		dup.currIncrSeq = incrSeq
		pending.allocatedIncr = info
	}

	// Step 4: demote every INCR except the last (current writer target).
	last := dup.lastIncr()
	var toDemote []int64
	dup.incrList.Ascend(func(item *AofInfo) bool {
		if last == nil || item.FileSeq != last.FileSeq {
			toDemote = append(toDemote, item.FileSeq)
		}
		return true
	})
	for _, seq := range toDemote {
		dup.demoteIncr(seq)
	}

	// Step 5: persist; on failure, unlink the newly renamed files and abort.
	if err := r.manifestStore.Persist(dup); err != nil {
		os.Remove(basePath)
		if pending.wasWaitRewrite {
			os.Remove(filepath.Join(r.dir, pending.allocatedIncr.FileName))
		}
		r.failRewriteDuringCommit(pending, fmt.Errorf("rewrite commit: persisting new manifest: %w", err))
		return
	}

	// Step 6: swap the manifest in, enqueue HISTORY for deletion, update
	// rewrite_base_size, transition WAIT_REWRITE -> ON if applicable.
	history := dup.drainHistory()
	r.manifest = dup
	r.failureCount = 0
	r.nextRetryAt = time.Time{}

	if fi, err := os.Stat(basePath); err == nil {
		r.rewriteBaseSize = fi.Size()
	}

	var unlinkDone []<-chan error
	for _, h := range history {
		path := filepath.Join(r.dir, h.FileName)
		done, err := r.pool.SubmitUnlink(ctx, path)
		if err != nil {
			if r.logger != nil {
				logging.Warn(context.Background(), "aof", "rewrite", "failed to submit HISTORY unlink job", map[string]interface{}{
					"file":  h.FileName,
					"error": err.Error(),
				})
			}
			continue
		}
		unlinkDone = append(unlinkDone, done)
	}
	if len(unlinkDone) > 0 {
		logger := r.logger
		go func() {
			var aggregate error
			for _, done := range unlinkDone {
				if err := <-done; err != nil {
					aggregate = appendError(aggregate, err)
				}
			}
			if aggregate != nil && logger != nil {
				logging.Warn(context.Background(), "aof", "rewrite", "failed to unlink HISTORY files", map[string]interface{}{
					"error": aggregate.Error(),
				})
			}
		}()
	}

	if r.state == StateWaitRewrite {
		r.state = StateOn
		_ = r.writer.DrainFsync(ctx)
	}

	if r.metrics != nil {
		r.metrics.setGauge(metricManifestPersistError, 0)
	}
	if r.logger != nil {
		logging.Info(context.Background(), "aof", "rewrite", "background rewrite completed", map[string]interface{}{
			"pid":       pending.pid,
			"base_file": baseName,
			"state":     r.state.String(),
		})
	}
}

// failRewriteDuringCommit handles a failure that occurs after the child
// already reported success but before the manifest swap completed -- the
// engine remains usable against the old manifest.
func (r *Rewriter) failRewriteDuringCommit(pending *pendingRewrite, err error) {
	r.failureCount++
	delay := backoffDelay(r.failureCount)
	if delay > 0 {
		r.nextRetryAt = time.Now().Add(delay)
	}
	if r.logger != nil {
		logging.Error(context.Background(), "aof", "rewrite", "rewrite commit failed, old manifest retained", err, map[string]interface{}{
			"pid": pending.pid,
		})
	}
}

// Shutdown cancels any in-flight child, killed with a distinguished signal
// so its exit is not counted as a rewrite failure.
func (r *Rewriter) Shutdown() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.pending != nil && r.pending.cancel != nil {
		r.pending.cancel()
	}
}

// RewriterStatus reports the subset of state the engine's status() exposes.
type RewriterStatus struct {
	State           RewriteState
	FailureCount    int
	NextRetryAt     time.Time
	RewriteBaseSize int64
	InProgress      bool
}

func (r *Rewriter) Status() RewriterStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	return RewriterStatus{
		State:           r.state,
		FailureCount:    r.failureCount,
		NextRetryAt:     r.nextRetryAt,
		RewriteBaseSize: r.rewriteBaseSize,
		InProgress:      r.pending != nil,
	}
}
