// Package benchutil provides synthetic cache keyspaces for benchmarks and
// testing.
package benchutil

import (
	"fmt"
	"math/rand"
	"strings"
	"time"
)

// FakeEntry is a synthetic cache entry.
type FakeEntry struct {
	Key   string
	Value []byte
	TTL   time.Duration
}

// GeneratorConfig configures synthetic keyspace generation.
type GeneratorConfig struct {
	// NumKeys is the total number of entries to generate.
	NumKeys int
	// Namespaces is the number of distinct two-segment namespaces.
	Namespaces int
	// Skew > 1 draws namespaces from a Zipf distribution with this
	// exponent. Otherwise namespaces are drawn uniformly.
	Skew float64
	// MinValue and MaxValue bound payload sizes in bytes.
	MinValue int
	MaxValue int
	// TTLFraction of entries get a TTL between one hour and 120 days; the
	// rest never expire.
	TTLFraction float64
	// Seed for reproducible generation. 0 = use default seed.
	Seed int64
}

// DefaultConfig returns a reasonable default configuration.
func DefaultConfig(numKeys int) GeneratorConfig {
	return GeneratorConfig{
		NumKeys:     numKeys,
		Namespaces:  8,
		MinValue:    64,
		MaxValue:    4096,
		TTLFraction: 0.5,
		Seed:        BenchmarkSeed,
	}
}

// ShapeConfig returns the configuration for one of Shapes.
func ShapeConfig(numKeys int, shape string) GeneratorConfig {
	cfg := DefaultConfig(numKeys)
	switch shape {
	case "skewed":
		cfg.Namespaces = 50
		cfg.Skew = 1.5
	case "many_namespaces":
		cfg.Namespaces = max(1, numKeys/10)
	}
	return cfg
}

// Generator generates synthetic cache entries.
type Generator struct {
	cfg  GeneratorConfig
	rng  *rand.Rand
	zipf *rand.Zipf
	seq  int
}

// NewGenerator creates a new data generator.
func NewGenerator(cfg GeneratorConfig) *Generator {
	seed := cfg.Seed
	if seed == 0 {
		seed = BenchmarkSeed
	}
	if cfg.Namespaces < 1 {
		cfg.Namespaces = 1
	}
	if cfg.MaxValue < cfg.MinValue {
		cfg.MaxValue = cfg.MinValue
	}
	g := &Generator{
		cfg: cfg,
		rng: rand.New(rand.NewSource(seed)),
	}
	if cfg.Skew > 1 {
		g.zipf = rand.NewZipf(g.rng, cfg.Skew, 1, uint64(cfg.Namespaces-1))
	}
	return g
}

// Generate returns NumKeys entries with unique keys.
func (g *Generator) Generate() []FakeEntry {
	entries := make([]FakeEntry, g.cfg.NumKeys)
	for i := range entries {
		entries[i] = g.generateEntry()
	}
	return entries
}

func (g *Generator) generateEntry() FakeEntry {
	ns := g.namespace()
	g.seq++
	return FakeEntry{
		Key:   fmt.Sprintf("%s%08d", ns, g.seq),
		Value: g.generateValue(),
		TTL:   g.generateTTL(),
	}
}

// namespace returns a label such as "svc3:entity:".
func (g *Generator) namespace() string {
	var n int
	if g.zipf != nil {
		n = int(g.zipf.Uint64())
	} else {
		n = g.rng.Intn(g.cfg.Namespaces)
	}
	return fmt.Sprintf("svc%d:entity%d:", n%97, n)
}

// generateValue builds a JSON-like payload, repetitive enough to compress
// the way real cached documents do.
func (g *Generator) generateValue() []byte {
	size := g.cfg.MinValue
	if span := g.cfg.MaxValue - g.cfg.MinValue; span > 0 {
		size += g.rng.Intn(span + 1)
	}

	var sb strings.Builder
	sb.Grow(size + 64)
	sb.WriteString(`{"items":[`)
	for sb.Len() < size {
		fmt.Fprintf(&sb, `{"id":%d,"state":"active","score":%d},`, g.rng.Intn(100000), g.rng.Intn(100))
	}
	sb.WriteString(`{}]}`)
	return []byte(sb.String())
}

func (g *Generator) generateTTL() time.Duration {
	if g.rng.Float64() >= g.cfg.TTLFraction {
		return 0
	}
	return time.Hour + time.Duration(g.rng.Int63n(int64(120*24*time.Hour)))
}
