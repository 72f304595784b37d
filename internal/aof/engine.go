package aof

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"aofstore/internal/dispatch"
	"aofstore/internal/logging"
)

// Engine is the public API surface of the AOF subsystem: configure, enable,
// disable, append, flush, triggerRewrite, onChildExit, status. It owns the
// ManifestStore, Writer, Loader, Rewriter and WorkerPool, and is the only
// thing host code talks to.
type Engine struct {
	mu sync.Mutex

	opts       Options
	dispatcher dispatch.Dispatcher
	codec      SnapshotCodec
	logger     *logging.Logger

	pool    *WorkerPool
	metrics *engineMetrics
	writer  *Writer

	manifestStore *ManifestStore
	rewriter      *Rewriter

	loaded bool
}

// NewEngine constructs an Engine; call Load before Enable/Append so the
// Rewriter starts from the on-disk manifest rather than an empty one.
func NewEngine(opts Options, dispatcher dispatch.Dispatcher, logger *logging.Logger) *Engine {
	codec := SnapshotCodec(GobSnapshotCodec{})
	pool := NewWorkerPool()
	metrics := newEngineMetrics()
	writer := NewWriter(pool, metrics, opts.Policy)
	writer.SetTimestampEnabled(opts.TimestampEnabled)
	writer.SetNoFsyncOnRewrite(opts.NoFsyncOnRewrite)

	if opts.ManifestName == "" {
		opts.ManifestName = DefaultManifestName
	}

	return &Engine{
		opts:          opts,
		dispatcher:    dispatcher,
		codec:         codec,
		logger:        logger,
		pool:          pool,
		metrics:       metrics,
		writer:        writer,
		manifestStore: NewManifestStore(opts.Dir, opts.ManifestName),
	}
}

// Configure applies new options; valid to call at any time.
func (e *Engine) Configure(opts Options) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if opts.ManifestName == "" {
		opts.ManifestName = e.opts.ManifestName
	}
	e.opts = opts
	e.writer.SetPolicy(opts.Policy)
	e.writer.SetTimestampEnabled(opts.TimestampEnabled)
	e.writer.SetNoFsyncOnRewrite(opts.NoFsyncOnRewrite)
}

// Load replays the on-disk file-set (if any) into the dispatcher and
// prepares the Rewriter. It must be called once before Enable/Append. A
// fresh installation (no manifest, no legacy file) is reported via the
// returned LoadResult.Fresh flag, not as an error the caller must abort on.
func (e *Engine) Load(ctx context.Context) (*LoadResult, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	loader := NewLoader(e.opts.Dir, e.opts.ManifestName, e.opts.LegacyFilename, e.opts.LoadTruncated, e.codec, e.logger)
	result, err := loader.Load(ctx, e.dispatcher)
	if err != nil && !errors.Is(err, ErrNotExist) {
		return nil, fmt.Errorf("aof startup load: %w", err)
	}

	manifest := result.Manifest
	initialState := StateOff

	if last := manifest.lastIncr(); last != nil {
		f, openErr := os.OpenFile(filepath.Join(e.opts.Dir, last.FileName), os.O_WRONLY|os.O_APPEND, 0o644)
		if openErr != nil {
			return nil, fmt.Errorf("%w: reopening current incr file %s: %v", ErrIoOpen, last.FileName, openErr)
		}
		fi, statErr := f.Stat()
		if statErr != nil {
			f.Close()
			return nil, fmt.Errorf("%w: statting current incr file %s: %v", ErrIoOpen, last.FileName, statErr)
		}
		e.writer.BindFile(f, fi.Size())
		initialState = StateOn
	}

	e.rewriter = NewRewriter(e.opts.Dir, e.opts.ManifestName, manifest, initialState, e.writer, e.pool, e.metrics, e.dispatcher, e.codec, e.opts.UseSnapshotPreamble, e.logger)
	if manifest.base != nil {
		if fi, statErr := os.Stat(filepath.Join(e.opts.Dir, manifest.base.FileName)); statErr == nil {
			e.rewriter.SetRewriteBaseSize(fi.Size())
		}
	}

	e.loaded = true
	return result, nil
}

// Enable implements enable(): requires State == OFF, enforced by Rewriter.
func (e *Engine) Enable(ctx context.Context) error {
	r, err := e.activeRewriter()
	if err != nil {
		return err
	}
	return r.Enable(ctx)
}

// Disable implements disable(): State != OFF precondition enforced by Rewriter.
func (e *Engine) Disable(ctx context.Context) error {
	r, err := e.activeRewriter()
	if err != nil {
		return err
	}
	return r.Disable(ctx)
}

// Append implements append(db, argv): buffers a command, refusing to do so
// outside states ON and WAIT_REWRITE.
func (e *Engine) Append(db int, argv []string) error {
	r, err := e.activeRewriter()
	if err != nil {
		return err
	}
	switch r.State() {
	case StateOn, StateWaitRewrite:
		e.writer.Append(db, argv)
		return nil
	default:
		return fmt.Errorf("%w: append requires state ON or WAIT_REWRITE, have %s", ErrBadState, r.State())
	}
}

// Flush implements flush(force): valid at any time.
func (e *Engine) Flush(ctx context.Context, force bool) error {
	return e.writer.Flush(ctx, force)
}

// TriggerRewrite implements triggerRewrite(manual): "no rewrite in progress" precondition.
func (e *Engine) TriggerRewrite(ctx context.Context, manual bool) error {
	r, err := e.activeRewriter()
	if err != nil {
		return err
	}
	return r.TriggerRewrite(ctx, manual)
}

// MaybeRatioTrigger checks the ratio trigger condition and fires a rewrite
// if due; intended to be polled by the host's event loop alongside appends.
func (e *Engine) MaybeRatioTrigger(ctx context.Context) {
	r, err := e.activeRewriter()
	if err != nil {
		return
	}
	if r.State() != StateOn {
		return
	}
	if e.writer.CurrentSize() == 0 {
		return
	}
	if r.ShouldRatioTrigger(e.writer.CurrentSize(), e.opts.RewritePct, e.opts.RewriteMinSize) {
		_ = r.TriggerRewrite(ctx, false)
	}
}

// Status implements status(): reports sizes, last statuses, pending offsets.
type EngineStatus struct {
	Writer   WriterStatus
	Rewriter RewriterStatus
}

func (e *Engine) Status() EngineStatus {
	e.mu.Lock()
	r := e.rewriter
	e.mu.Unlock()

	status := EngineStatus{Writer: e.writer.Status()}
	if r != nil {
		status.Rewriter = r.Status()
	}
	return status
}

// Shutdown cancels any in-flight rewrite child, flushes and closes the
// current INCR file, and stops the background worker pool.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.mu.Lock()
	r := e.rewriter
	e.mu.Unlock()

	if r != nil {
		r.Shutdown()
		if r.State() != StateOff {
			if err := r.Disable(ctx); err != nil {
				e.pool.Stop()
				return err
			}
		}
	}
	e.pool.Stop()
	return nil
}

func (e *Engine) activeRewriter() (*Rewriter, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.loaded || e.rewriter == nil {
		return nil, fmt.Errorf("%w: engine has not completed Load", ErrBadState)
	}
	return e.rewriter, nil
}
