package postgres

import (
	"context"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/skill-collectors/guesstimator/internal/adapter/metrics"
)

// MetricsTracer records query latency and errors into the store metrics.
type MetricsTracer struct {
	m *metrics.StoreMetrics
}

var _ pgx.QueryTracer = (*MetricsTracer)(nil)

func NewMetricsTracer(m *metrics.StoreMetrics) *MetricsTracer {
	return &MetricsTracer{m: m}
}

type queryContextKey struct{}

type queryContext struct {
	start     time.Time
	operation string
}

func (t *MetricsTracer) TraceQueryStart(ctx context.Context, _ *pgx.Conn, data pgx.TraceQueryStartData) context.Context {
	return context.WithValue(ctx, queryContextKey{}, queryContext{
		start:     time.Now(),
		operation: operationName(data.SQL),
	})
}

func (t *MetricsTracer) TraceQueryEnd(ctx context.Context, _ *pgx.Conn, data pgx.TraceQueryEndData) {
	qctx, ok := ctx.Value(queryContextKey{}).(queryContext)
	if !ok {
		return
	}

	status := "success"
	if data.Err != nil && data.Err != pgx.ErrNoRows {
		status = "error"
	}
	t.m.OpsTotal.WithLabelValues(qctx.operation, status).Inc()
	t.m.OpDuration.WithLabelValues(qctx.operation).Observe(time.Since(qctx.start).Seconds())
}

// operationName keeps label cardinality low: the leading SQL keyword, lowercased.
func operationName(sql string) string {
	for line := range strings.Lines(sql) {
		if i := strings.Index(line, "--"); i >= 0 {
			line = line[:i]
		}
		if fields := strings.Fields(line); len(fields) > 0 {
			return strings.ToLower(fields[0])
		}
	}
	return "unknown"
}
