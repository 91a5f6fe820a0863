// Package membudget decides how much memory a run may spend on in-memory
// state: the key set of a file ledger and the caches of an embedded badger
// store.
//
// The budget comes from, in order of priority, the --memory-budget flag,
// the CACHE_AUDIT_MEMORY_BUDGET environment variable, or half of the
// detected system RAM.
package membudget

import (
	"errors"
	"fmt"
	"os"
	"strings"
)

// DefaultBudgetBytes is the fallback memory budget when system RAM cannot be detected.
// 8 GB is a conservative default for most systems.
const DefaultBudgetBytes uint64 = 8 * 1024 * 1024 * 1024

// EnvBudget names the environment variable read when no flag is given.
const EnvBudget = "CACHE_AUDIT_MEMORY_BUDGET"

// BudgetSource indicates how the memory budget was determined.
type BudgetSource string

const (
	// BudgetSourceAuto50Pct indicates the budget was set to 50% of detected RAM.
	BudgetSourceAuto50Pct BudgetSource = "auto-50pct"
	// BudgetSourceDefault indicates the budget used the fallback default.
	BudgetSourceDefault BudgetSource = "default"
	// BudgetSourceCLI indicates the budget was set via CLI flag.
	BudgetSourceCLI BudgetSource = "cli"
	// BudgetSourceEnv indicates the budget was set via environment variable.
	BudgetSourceEnv BudgetSource = "env"
)

// Shares of the budget per consumer. The remainder is headroom for scan
// pages, compression buffers and the Go runtime.
const (
	// FractionLedger bounds the key set of a file ledger.
	FractionLedger = 0.50

	// FractionStoreCache sizes badger's memtables and block cache.
	FractionStoreCache = 0.25
)

// Budget is a total byte allowance and where it came from.
type Budget struct {
	total  uint64
	source BudgetSource
}

// New returns a budget of total bytes.
func New(total uint64, source BudgetSource) Budget {
	return Budget{total: total, source: source}
}

// NewFromSystemRAM returns a budget of 50% of system RAM, or
// DefaultBudgetBytes when RAM cannot be detected.
func NewFromSystemRAM() Budget {
	sys := systemMemory()
	if sys.Reliable {
		return New(sys.TotalBytes/2, BudgetSourceAuto50Pct)
	}
	return New(DefaultBudgetBytes, BudgetSourceDefault)
}

// Determine resolves the budget from a flag value, the environment, or the
// system, in that order.
func Determine(flagValue string) (Budget, error) {
	if flagValue != "" {
		n, err := ParseHumanSize(flagValue)
		if err != nil {
			return Budget{}, fmt.Errorf("invalid --memory-budget: %w", err)
		}
		if n == 0 {
			return Budget{}, errors.New("--memory-budget must be greater than zero")
		}
		return New(n, BudgetSourceCLI), nil
	}

	if env := strings.TrimSpace(os.Getenv(EnvBudget)); env != "" {
		n, err := ParseHumanSize(env)
		if err != nil {
			return Budget{}, fmt.Errorf("invalid %s: %w", EnvBudget, err)
		}
		if n == 0 {
			return Budget{}, fmt.Errorf("%s must be greater than zero", EnvBudget)
		}
		return New(n, BudgetSourceEnv), nil
	}

	return NewFromSystemRAM(), nil
}

// Total returns the total budget in bytes.
func (b Budget) Total() uint64 {
	return b.total
}

// Source returns how the budget was determined.
func (b Budget) Source() BudgetSource {
	return b.source
}

// LedgerBytes is the key set size above which a file ledger warns.
func (b Budget) LedgerBytes() uint64 {
	return uint64(float64(b.total) * FractionLedger)
}

// StoreCacheMB is the memory badger may use for tables and caches, at
// least 16 MB.
func (b Budget) StoreCacheMB() int64 {
	mb := int64(float64(b.total)*FractionStoreCache) / (1024 * 1024)
	return max(mb, 16)
}

// ParseHumanSize parses a human-readable size string (e.g., "4GiB", "512MB").
// Supported suffixes: B, KB, KiB, MB, MiB, GB, GiB, TB, TiB.
func ParseHumanSize(s string) (uint64, error) {
	if s == "" {
		return 0, errors.New("empty size string")
	}

	// Find where the number ends
	numEnd := 0
	for i, c := range s {
		if (c < '0' || c > '9') && c != '.' {
			numEnd = i
			break
		}
		numEnd = i + 1
	}

	numStr := s[:numEnd]
	suffix := s[numEnd:]

	var num float64
	if _, err := fmt.Sscanf(numStr, "%f", &num); err != nil {
		return 0, fmt.Errorf("invalid number: %s", numStr)
	}

	var multiplier float64
	switch suffix {
	case "", "B":
		multiplier = 1.0
	case "KB":
		multiplier = 1000
	case "KiB", "K":
		multiplier = 1024
	case "MB":
		multiplier = 1000 * 1000
	case "MiB", "M":
		multiplier = 1024 * 1024
	case "GB":
		multiplier = 1000 * 1000 * 1000
	case "GiB", "G":
		multiplier = 1024 * 1024 * 1024
	case "TB":
		multiplier = 1000 * 1000 * 1000 * 1000
	case "TiB", "T":
		multiplier = 1024 * 1024 * 1024 * 1024
	default:
		return 0, fmt.Errorf("unknown size suffix: %s", suffix)
	}

	return uint64(num * multiplier), nil
}
