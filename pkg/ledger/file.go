package ledger

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"sync"

	"github.com/eunmann/cache-audit/pkg/humanfmt"
	"github.com/eunmann/cache-audit/pkg/logging"
	"github.com/eunmann/cache-audit/pkg/membudget"
)

// DefaultSyncEvery is how many appends may be buffered by the OS before
// the ledger file is fsynced.
const DefaultSyncEvery = 1000

// perEntryOverhead approximates the map cost of one in-memory key.
const perEntryOverhead = 64

// FileOptions configures a file ledger.
type FileOptions struct {
	// SyncEvery fsyncs after this many appends. Every append is flushed
	// to the OS immediately, so a process crash loses nothing; SyncEvery
	// only bounds loss on a host crash. Default: DefaultSyncEvery.
	SyncEvery int

	// MemoryLimit is the key set size above which opening warns.
	// Default: the ledger share of the system memory budget.
	MemoryLimit uint64
}

// File is a ledger stored as one key per line. Keys that contain line
// breaks or start with a double quote are written Go-quoted. All keys are
// held in memory for lookups.
type File struct {
	mu        sync.Mutex
	path      string
	f         *os.File
	w         *bufio.Writer
	keys      map[string]struct{}
	keyBytes  int64
	pending   int
	syncEvery int
	closed    bool
}

var _ Ledger = (*File)(nil)

// OpenFile opens or creates the ledger at path and loads its entries. A
// torn final line left by a crash is truncated.
func OpenFile(path string, opts FileOptions) (*File, error) {
	if opts.SyncEvery <= 0 {
		opts.SyncEvery = DefaultSyncEvery
	}
	if opts.MemoryLimit == 0 {
		opts.MemoryLimit = membudget.NewFromSystemRAM().LedgerBytes()
	}

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open ledger: %w", err)
	}

	l := &File{
		path:      path,
		f:         f,
		keys:      make(map[string]struct{}),
		syncEvery: opts.SyncEvery,
	}

	valid, torn, err := l.load()
	if err != nil {
		f.Close()
		return nil, err
	}
	if torn {
		if err := f.Truncate(valid); err != nil {
			f.Close()
			return nil, fmt.Errorf("truncate torn ledger entry: %w", err)
		}
	}
	if _, err := f.Seek(valid, io.SeekStart); err != nil {
		f.Close()
		return nil, fmt.Errorf("seek ledger end: %w", err)
	}
	l.w = bufio.NewWriter(f)

	log := logging.WithPhase("ledger")
	log.Info().
		Str("path", path).
		Int("entries", len(l.keys)).
		Bool("truncated_torn_entry", torn).
		Msg("ledger opened")
	l.checkMemory(opts.MemoryLimit)

	return l, nil
}

// load reads all complete lines and returns the byte length they cover.
func (l *File) load() (valid int64, torn bool, err error) {
	r := bufio.NewReaderSize(l.f, 256*1024)
	lineNo := 0
	for {
		line, readErr := r.ReadString('\n')
		if errors.Is(readErr, io.EOF) {
			return valid, line != "", nil
		}
		if readErr != nil {
			return 0, false, fmt.Errorf("read ledger: %w", readErr)
		}
		lineNo++
		valid += int64(len(line))

		key, err := decodeLine(strings.TrimSuffix(line, "\n"))
		if err != nil {
			return 0, false, fmt.Errorf("ledger line %d: %w", lineNo, err)
		}
		if key == "" {
			continue
		}
		if _, dup := l.keys[key]; !dup {
			l.keys[key] = struct{}{}
			l.keyBytes += int64(len(key))
		}
	}
}

func decodeLine(line string) (string, error) {
	line = strings.TrimSuffix(line, "\r")
	if strings.HasPrefix(line, `"`) {
		key, err := strconv.Unquote(line)
		if err != nil {
			return "", fmt.Errorf("invalid quoted key: %w", err)
		}
		return key, nil
	}
	return line, nil
}

func encodeLine(key string) string {
	if strings.ContainsAny(key, "\r\n") || strings.HasPrefix(key, `"`) {
		return strconv.Quote(key) + "\n"
	}
	return key + "\n"
}

// checkMemory warns when the in-memory key set exceeds limit.
func (l *File) checkMemory(limit uint64) bool {
	est := l.MemoryEstimate()
	if uint64(est) <= limit {
		return false
	}
	log := logging.WithPhase("ledger")
	log.Warn().
		Int64("estimate_bytes", est).
		Str("estimate_h", humanfmt.Bytes(est)).
		Str("limit_h", humanfmt.BytesUint64(limit)).
		Msg("ledger key set exceeds its memory budget; consider --ledger-backend=badger")
	return true
}

// MemoryEstimate approximates the memory held by the loaded key set.
func (l *File) MemoryEstimate() int64 {
	return l.keyBytes + int64(len(l.keys))*perEntryOverhead
}

// Contains implements Ledger.
func (l *File) Contains(key string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return false, ErrClosed
	}
	_, ok := l.keys[key]
	return ok, nil
}

// Append implements Ledger.
func (l *File) Append(key string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return fmt.Errorf("%w: %w", ErrLedgerWrite, ErrClosed)
	}
	if _, ok := l.keys[key]; ok {
		return nil
	}

	if _, err := l.w.WriteString(encodeLine(key)); err != nil {
		return fmt.Errorf("%w: %v", ErrLedgerWrite, err)
	}
	if err := l.w.Flush(); err != nil {
		return fmt.Errorf("%w: %v", ErrLedgerWrite, err)
	}
	l.keys[key] = struct{}{}
	l.keyBytes += int64(len(key))

	l.pending++
	if l.pending >= l.syncEvery {
		if err := l.f.Sync(); err != nil {
			return fmt.Errorf("%w: sync: %v", ErrLedgerWrite, err)
		}
		l.pending = 0
	}
	return nil
}

// Len implements Ledger.
func (l *File) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.keys)
}

// Path returns the ledger file path.
func (l *File) Path() string {
	return l.path
}

// Close flushes, fsyncs and closes the file. Closing twice is a no-op.
func (l *File) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil
	}
	l.closed = true

	if err := l.w.Flush(); err != nil {
		l.f.Close()
		return fmt.Errorf("%w: flush: %v", ErrLedgerWrite, err)
	}
	if err := l.f.Sync(); err != nil {
		l.f.Close()
		return fmt.Errorf("%w: sync: %v", ErrLedgerWrite, err)
	}
	return l.f.Close()
}
