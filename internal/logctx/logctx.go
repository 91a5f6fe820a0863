// Package logctx carries loggers through context.Context.
//
// The compaction engine attaches shard and worker fields to a logger once
// and passes the context down; per-key code pulls the enriched logger back
// out instead of threading it through every signature.
//
//	ctx := logctx.WithLogger(ctx, logging.WithPhase("compact"))
//	ctx = logctx.WithShard(ctx, 2, "10.0.0.3:6379")
//	log := logctx.FromContext(ctx)
//	log.Debug().Str("key", k).Msg("compacted")
package logctx

import (
	"context"

	"github.com/eunmann/cache-audit/pkg/logging"
	"github.com/rs/zerolog"
)

type loggerKey struct{}

// WithLogger returns a new context with the given logger attached.
func WithLogger(ctx context.Context, logger zerolog.Logger) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithValue(ctx, loggerKey{}, logger)
}

// FromContext extracts the logger from the context. Without one it falls
// back to the process logger configured through pkg/logging.
func FromContext(ctx context.Context) zerolog.Logger {
	if ctx != nil {
		if logger, ok := ctx.Value(loggerKey{}).(zerolog.Logger); ok {
			return logger
		}
	}
	return *logging.L()
}

// WithStr returns a new context with a logger that has the specified string field added.
func WithStr(ctx context.Context, key, value string) context.Context {
	logger := FromContext(ctx).With().Str(key, value).Logger()
	return WithLogger(ctx, logger)
}

// WithInt returns a new context with a logger that has the specified int field added.
func WithInt(ctx context.Context, key string, value int) context.Context {
	logger := FromContext(ctx).With().Int(key, value).Logger()
	return WithLogger(ctx, logger)
}

// WithShard tags the logger with a shard index and, when known, the node
// address serving it.
func WithShard(ctx context.Context, shard int, addr string) context.Context {
	lc := FromContext(ctx).With().Int("shard", shard)
	if addr != "" {
		lc = lc.Str("node", addr)
	}
	return WithLogger(ctx, lc.Logger())
}
