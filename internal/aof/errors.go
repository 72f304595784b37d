package aof

import (
	"errors"
	"fmt"

	"github.com/hashicorp/go-multierror"
)

// Sentinel error kinds the engine can return. Callers compare with
// errors.Is; the engine always wraps these with context via
// fmt.Errorf("...: %w", ...).
var (
	ErrIoShortWrite     = errors.New("aof: short write")
	ErrIoHardWrite      = errors.New("aof: hard write error")
	ErrIoFsync          = errors.New("aof: fsync failed")
	ErrIoRename         = errors.New("aof: rename failed")
	ErrIoOpen           = errors.New("aof: open failed")
	ErrInvalidManifest  = errors.New("aof: invalid manifest")
	ErrUnknownCommand   = errors.New("aof: unknown command")
	ErrInvalidFormat    = errors.New("aof: invalid record format")
	ErrTruncatedTail    = errors.New("aof: truncated tail")
	ErrChildForkFailed  = errors.New("aof: child fork failed")
	ErrChildExitNonZero = errors.New("aof: child exited non-zero")

	// ErrNotExist is returned by the Loader when there is no manifest file
	// and no legacy AOF file to upgrade -- the caller treats this as an
	// empty database, not a failure. A manifest file that exists but lists
	// neither a BASE nor any INCR is reported as ErrInvalidManifest instead.
	ErrNotExist = errors.New("aof: no files to load")

	// ErrRewriteInProgress guards triggerRewrite's precondition.
	ErrRewriteInProgress = errors.New("aof: rewrite already in progress")

	// ErrBadState guards engine operations invoked outside their required
	// state.
	ErrBadState = errors.New("aof: operation invalid in current state")
)

// appendError accumulates an error into a *multierror.Error, returning the
// aggregate. Used where a single operation can encounter more than one
// independent failure -- deleting the HISTORY files a rewrite just retired
// -- so one failure doesn't mask another.
func appendError(dst error, err error) error {
	if err == nil {
		return dst
	}
	return multierror.Append(dst, err)
}

func wrapf(kind error, format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", kind, fmt.Sprintf(format, args...))
}
