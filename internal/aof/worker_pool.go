package aof

import (
	"context"
	"os"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
)

// fsyncJob asks a background worker to fsync fd and, on success, advance the
// engine's fsynced_reploff watermark to replOffset.
type fsyncJob struct {
	file       aofFile
	replOffset int64
	done       chan error
}

// closeJob asks a background worker to fsync then close fd -- the
// "fsync-and-close" pattern used when the Rewriter swaps in a new INCR fd so
// queued data is not lost under the old descriptor.
type closeJob struct {
	file       aofFile
	replOffset int64
	done       chan error
}

// unlinkJob asks a background worker to remove a HISTORY file once it has
// been spliced out of the live manifest.
type unlinkJob struct {
	path string
	done chan error
}

// WorkerPool runs a small pool of background worker goroutines that execute
// FSYNC, CLOSE_AOF, and UNLINK jobs. Each category gets its own
// single-consumer goroutine so FIFO order within a category is structural,
// not coordinated by a lock.
type WorkerPool struct {
	fsyncCh chan fsyncJob
	closeCh chan closeJob
	unlinkCh chan unlinkJob

	unlinkSem *semaphore.Weighted

	group  *errgroup.Group
	cancel context.CancelFunc
}

// maxInFlightUnlinks bounds how many UNLINK jobs may be queued at once.
// HISTORY deletion concurrency itself is safe to leave unbounded, but
// unbounded *queue growth* against a slow filesystem is not.
const maxInFlightUnlinks = 64

// NewWorkerPool starts the three worker goroutines, supervised by an
// errgroup so a panic or unexpected error in one surfaces through Wait/Stop
// rather than silently killing only that goroutine.
func NewWorkerPool() *WorkerPool {
	ctx, cancel := context.WithCancel(context.Background())
	group, gctx := errgroup.WithContext(ctx)

	wp := &WorkerPool{
		fsyncCh:   make(chan fsyncJob, 64),
		closeCh:   make(chan closeJob, 16),
		unlinkCh:  make(chan unlinkJob, maxInFlightUnlinks),
		unlinkSem: semaphore.NewWeighted(maxInFlightUnlinks),
		group:     group,
		cancel:    cancel,
	}

	group.Go(func() error { return wp.runFsync(gctx) })
	group.Go(func() error { return wp.runClose(gctx) })
	group.Go(func() error { return wp.runUnlink(gctx) })

	return wp
}

func (wp *WorkerPool) runFsync(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case job := <-wp.fsyncCh:
			job.done <- job.file.Sync()
		}
	}
}

func (wp *WorkerPool) runClose(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case job := <-wp.closeCh:
			err := job.file.Sync()
			if cerr := job.file.Close(); err == nil {
				err = cerr
			}
			job.done <- err
		}
	}
}

func (wp *WorkerPool) runUnlink(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case job := <-wp.unlinkCh:
			err := os.Remove(job.path)
			wp.unlinkSem.Release(1)
			job.done <- err
		}
	}
}

// SubmitFsync enqueues an FSYNC job and returns a channel the caller may
// select on to learn the result without blocking the main thread.
func (wp *WorkerPool) SubmitFsync(f aofFile, replOffset int64) <-chan error {
	done := make(chan error, 1)
	wp.fsyncCh <- fsyncJob{file: f, replOffset: replOffset, done: done}
	return done
}

// SubmitClose enqueues a CLOSE_AOF job (fsync-then-close of a retired fd).
func (wp *WorkerPool) SubmitClose(f aofFile, replOffset int64) <-chan error {
	done := make(chan error, 1)
	wp.closeCh <- closeJob{file: f, replOffset: replOffset, done: done}
	return done
}

// SubmitUnlink enqueues an UNLINK job, blocking the caller only if
// maxInFlightUnlinks jobs are already outstanding.
func (wp *WorkerPool) SubmitUnlink(ctx context.Context, path string) (<-chan error, error) {
	if err := wp.unlinkSem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	done := make(chan error, 1)
	wp.unlinkCh <- unlinkJob{path: path, done: done}
	return done, nil
}

// Stop halts all three worker goroutines; in-flight jobs are abandoned, the
// way an engine shutdown abandons queued background I/O rather than waiting
// on it. Background workers are otherwise never synchronously awaited except
// at the controlled WAIT_REWRITE -> ON drain point.
func (wp *WorkerPool) Stop() {
	wp.cancel()
	_ = wp.group.Wait()
}
