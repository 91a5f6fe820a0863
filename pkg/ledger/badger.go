package ledger

import (
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/dgraph-io/badger/v4"
	"github.com/eunmann/cache-audit/pkg/logging"
)

var badgerKeyPrefix = []byte("done/")

// BadgerOptions configures a badger-backed ledger.
type BadgerOptions struct {
	// InMemory keeps the ledger off disk (tests only; not durable).
	InMemory bool

	// SyncWrites fsyncs every append. Without it appends survive a
	// process crash but may be lost on a host crash.
	SyncWrites bool
}

// Badger is a disk-backed ledger for keyspaces whose processed-key set does
// not fit in memory.
type Badger struct {
	db     *badger.DB
	n      atomic.Int64
	closed atomic.Bool
}

var _ Ledger = (*Badger)(nil)

// OpenBadger opens or creates a badger ledger in dir.
func OpenBadger(dir string, opts BadgerOptions) (*Badger, error) {
	bopts := badger.DefaultOptions(dir).
		WithInMemory(opts.InMemory).
		WithSyncWrites(opts.SyncWrites).
		WithNumVersionsToKeep(1).
		WithLogger(nil)

	db, err := badger.Open(bopts)
	if err != nil {
		return nil, fmt.Errorf("open ledger: %w", err)
	}

	l := &Badger{db: db}
	var count int64
	err = db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.IteratorOptions{Prefix: badgerKeyPrefix})
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			count++
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("count ledger entries: %w", err)
	}
	l.n.Store(count)

	log := logging.WithPhase("ledger")
	log.Info().Str("dir", dir).Int64("entries", count).Msg("badger ledger opened")
	return l, nil
}

func ledgerKey(key string) []byte {
	k := make([]byte, 0, len(badgerKeyPrefix)+len(key))
	k = append(k, badgerKeyPrefix...)
	return append(k, key...)
}

// Contains implements Ledger.
func (l *Badger) Contains(key string) (bool, error) {
	if l.closed.Load() {
		return false, ErrClosed
	}
	err := l.db.View(func(txn *badger.Txn) error {
		_, err := txn.Get(ledgerKey(key))
		return err
	})
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, badger.ErrKeyNotFound):
		return false, nil
	default:
		return false, fmt.Errorf("ledger lookup: %w", err)
	}
}

// Append implements Ledger. Two workers racing on the same key conflict in
// badger; the loser treats the key as recorded.
func (l *Badger) Append(key string) error {
	if l.closed.Load() {
		return fmt.Errorf("%w: %w", ErrLedgerWrite, ErrClosed)
	}
	added := false
	err := l.db.Update(func(txn *badger.Txn) error {
		lk := ledgerKey(key)
		_, err := txn.Get(lk)
		if err == nil {
			return nil
		}
		if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		if err := txn.Set(lk, nil); err != nil {
			return err
		}
		added = true
		return nil
	})
	if errors.Is(err, badger.ErrConflict) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("%w: %v", ErrLedgerWrite, err)
	}
	if added {
		l.n.Add(1)
	}
	return nil
}

// Len implements Ledger.
func (l *Badger) Len() int {
	return int(l.n.Load())
}

// Close implements Ledger.
func (l *Badger) Close() error {
	if l.closed.Swap(true) {
		return nil
	}
	if err := l.db.Close(); err != nil {
		return fmt.Errorf("%w: close: %v", ErrLedgerWrite, err)
	}
	return nil
}
