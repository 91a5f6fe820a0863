// Package cli implements the command-line interface for cache-audit.
package cli

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/eunmann/cache-audit/pkg/humanfmt"
	"github.com/eunmann/cache-audit/pkg/kvstore"
	"github.com/eunmann/cache-audit/pkg/kvstore/badgerstore"
	"github.com/eunmann/cache-audit/pkg/kvstore/redisstore"
	"github.com/eunmann/cache-audit/pkg/logging"
	"github.com/eunmann/cache-audit/pkg/membudget"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Environment fallbacks for connection settings. Flags take priority.
const (
	EnvAddr     = "CACHE_AUDIT_ADDR"
	EnvPassword = "CACHE_AUDIT_PASSWORD"
)

// Store backends.
const (
	BackendRedis  = "redis"
	BackendBadger = "badger"
	BackendMemory = "memory"
)

const usage = `usage: cache-audit <command> [options]
commands:
  audit       estimate memory usage per key namespace from a random sample
  compact     compress every value and apply policy TTLs, resumably
  ttl-audit   count keys per TTL range and namespace`

// Run executes the CLI with the given arguments. SIGINT and SIGTERM cancel
// the running command; partial results are still reported.
func Run(args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return RunContext(ctx, args)
}

// RunContext is Run with a caller-supplied context.
func RunContext(ctx context.Context, args []string) error {
	if len(args) == 0 {
		return errors.New(usage)
	}

	switch args[0] {
	case "audit":
		return runAudit(ctx, args[1:])
	case "compact":
		return runCompact(ctx, args[1:])
	case "ttl-audit":
		return runTTLAudit(ctx, args[1:])
	case "help", "-h", "--help":
		fmt.Fprintln(os.Stderr, usage)
		return nil
	default:
		return fmt.Errorf("unknown command: %s", args[0])
	}
}

// commonFlags are shared by every command.
type commonFlags struct {
	backend     *string
	addr        *string
	username    *string
	password    *string
	cluster     *bool
	badgerDir   *string
	debug       *bool
	human       *bool
	metricsAddr *string
	memBudget   *string
}

func registerCommon(fs *flag.FlagSet) *commonFlags {
	return &commonFlags{
		backend:     fs.String("backend", BackendRedis, "store backend: redis, badger or memory"),
		addr:        fs.String("addr", "", "comma-separated redis seed addresses host:port (env "+EnvAddr+")"),
		username:    fs.String("username", "", "redis ACL username"),
		password:    fs.String("password", "", "redis password (env "+EnvPassword+")"),
		cluster:     fs.Bool("cluster", true, "connect in redis cluster mode"),
		badgerDir:   fs.String("badger-dir", "", "badger database directory (badger backend)"),
		debug:       fs.Bool("debug", false, "enable debug logging"),
		human:       fs.Bool("human", false, "human-readable console logs instead of JSON"),
		metricsAddr: fs.String("metrics-addr", "", "serve Prometheus metrics on this address, e.g. :9090"),
		memBudget:   fs.String("memory-budget", "", "memory for ledger keys and badger caches, e.g. 4GiB (env "+membudget.EnvBudget+", default 50% of RAM)"),
	}
}

// setupLogging configures the process logger from the parsed flags.
func (c *commonFlags) setupLogging() {
	logging.Init(*c.debug, *c.human)
}

// budget resolves --memory-budget.
func (c *commonFlags) budget() (membudget.Budget, error) {
	b, err := membudget.Determine(*c.memBudget)
	if err != nil {
		return membudget.Budget{}, err
	}
	logging.L().Debug().
		Uint64("bytes", b.Total()).
		Str("bytes_h", humanfmt.BytesUint64(b.Total())).
		Str("source", string(b.Source())).
		Msg("memory budget")
	return b, nil
}

// resolveSetting returns the flag value, falling back to the environment.
func resolveSetting(flagValue, envName string) string {
	if flagValue != "" {
		return flagValue
	}
	return os.Getenv(envName)
}

// openStore connects the configured backend.
func (c *commonFlags) openStore(ctx context.Context) (kvstore.Store, error) {
	log := logging.WithPhase("connect")

	switch *c.backend {
	case BackendRedis:
		addr := resolveSetting(*c.addr, EnvAddr)
		if addr == "" {
			return nil, fmt.Errorf("--addr is required for the redis backend (or set %s)", EnvAddr)
		}
		addrs := splitList(addr)
		log.Info().
			Strs("addrs", addrs).
			Bool("cluster", *c.cluster).
			Msg("connecting to redis")
		return redisstore.Open(ctx, redisstore.Config{
			Addrs:    addrs,
			Username: *c.username,
			Password: resolveSetting(*c.password, EnvPassword),
			Cluster:  *c.cluster,
		})

	case BackendBadger:
		if *c.badgerDir == "" {
			return nil, errors.New("--badger-dir is required for the badger backend")
		}
		budget, err := c.budget()
		if err != nil {
			return nil, err
		}
		log.Info().Str("dir", *c.badgerDir).Msg("opening badger store")
		return badgerstore.Open(badgerstore.Config{
			Path:        *c.badgerDir,
			MaxMemoryMB: budget.StoreCacheMB(),
			Logger:      logging.WithPhase("badger"),
		})

	case BackendMemory:
		log.Warn().Msg("using an empty in-memory store")
		return kvstore.NewMemory(kvstore.MemoryConfig{}), nil

	default:
		return nil, fmt.Errorf("unknown backend %q (want redis, badger or memory)", *c.backend)
	}
}

// newRegistry returns a registry carrying the Go runtime and process
// collectors.
func newRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg
}

// serveMetrics exposes reg on --metrics-addr until the returned function is
// called. Without --metrics-addr it does nothing.
func (c *commonFlags) serveMetrics(reg *prometheus.Registry) func() {
	if *c.metricsAddr == "" {
		return func() {}
	}
	log := logging.WithPhase("metrics")

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	srv := &http.Server{
		Addr:              *c.metricsAddr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("metrics server failed")
		}
	}()
	log.Info().Str("addr", *c.metricsAddr).Msg("serving metrics")

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(ctx); err != nil {
			log.Warn().Err(err).Msg("metrics server shutdown")
		}
	}
}

func closeStore(store kvstore.Store) {
	if err := store.Close(); err != nil {
		logging.L().Warn().Err(err).Msg("close store")
	}
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
