package benchutil

// Shared constants for benchmarks across packages.

// BenchmarkSeed is the default seed for reproducible benchmark data generation.
const BenchmarkSeed = 42

// Standard benchmark sizes for quick runs.
var BenchmarkSizes = []int{1000, 10000}

// ScalingSizes are larger keyspaces for scaling tests.
// Used with CACHE_AUDIT_LONG_BENCH=1 environment variable.
var ScalingSizes = []int{50000, 100000, 250000}

// Shapes are the standard keyspace layouts for benchmarking:
//   - uniform: keys spread evenly over a handful of namespaces
//   - skewed: a Zipf distribution where one namespace dominates
//   - many_namespaces: thousands of small namespaces
var Shapes = []string{
	"uniform",
	"skewed",
	"many_namespaces",
}
