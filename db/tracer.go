package db

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/StarZeus/mailrelay/logger"
)

type tracerCtxKey struct{}

// queryTracer logs executed SQL statements when query logging is enabled.
type queryTracer struct{}

func (t *queryTracer) TraceQueryStart(ctx context.Context, _ *pgx.Conn, data pgx.TraceQueryStartData) context.Context {
	logger.Debug("executing query", "sql", data.SQL, "args", data.Args)
	return context.WithValue(ctx, tracerCtxKey{}, time.Now())
}

func (t *queryTracer) TraceQueryEnd(ctx context.Context, _ *pgx.Conn, data pgx.TraceQueryEndData) {
	start, ok := ctx.Value(tracerCtxKey{}).(time.Time)
	if !ok {
		return
	}
	if data.Err != nil {
		logger.Debug("query failed", "duration", time.Since(start), "error", data.Err)
		return
	}
	logger.Debug("query completed", "duration", time.Since(start), "rows", data.CommandTag.RowsAffected())
}
