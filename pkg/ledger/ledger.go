// Package ledger records which keys the compaction pipeline has finished,
// so an interrupted run can be restarted without redoing work.
//
// A key is appended only after its compacted value was durably written (or
// found already compacted). Losing trailing appends in a crash is safe: the
// affected keys are revisited and detected as already compacted.
package ledger

import "errors"

var (
	// ErrLedgerWrite marks a failed append. Runs must stop on it, since
	// progress can no longer be recorded.
	ErrLedgerWrite = errors.New("ledger write failed")

	// ErrClosed is returned by operations on a closed ledger.
	ErrClosed = errors.New("ledger closed")
)

// Ledger is a durable, append-only set of processed keys. Implementations
// are safe for concurrent use; appending a key twice is a no-op.
type Ledger interface {
	// Contains reports whether key was already recorded.
	Contains(key string) (bool, error)

	// Append records key. Errors wrap ErrLedgerWrite.
	Append(key string) error

	// Len returns the number of recorded keys.
	Len() int

	// Close flushes and releases the ledger.
	Close() error
}

// Backend names accepted by the CLI.
const (
	BackendFile   = "file"
	BackendBadger = "badger"
)
