package obs

import (
	"context"
	"errors"
	"strings"

	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const maxStatementLen = 300

// PGXTracer is a pgx.QueryTracer emitting one client span per statement,
// named "<VERB> <table>" such as "INSERT webhook_events".
type PGXTracer struct{}

// TraceQueryStart implements pgx.QueryTracer.
func (PGXTracer) TraceQueryStart(ctx context.Context, _ *pgx.Conn, data pgx.TraceQueryStartData) context.Context {
	verb, table := statementTarget(data.SQL)
	name := verb
	if table != "" {
		name += " " + table
	}
	ctx, span := otel.Tracer("db.pgx").Start(ctx, name, trace.WithSpanKind(trace.SpanKindClient))
	span.SetAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation.name", verb),
		attribute.String("db.query.text", clip(data.SQL, maxStatementLen)),
	)
	if table != "" {
		span.SetAttributes(attribute.String("db.collection.name", table))
	}
	return ctx
}

// TraceQueryEnd ends the span started by TraceQueryStart. pgx hands back the
// context returned there, so the span is read off it directly.
func (PGXTracer) TraceQueryEnd(ctx context.Context, _ *pgx.Conn, data pgx.TraceQueryEndData) {
	span := trace.SpanFromContext(ctx)
	if !span.IsRecording() {
		return
	}
	switch {
	case data.Err == nil:
		span.SetAttributes(attribute.Int64("db.rows_affected", data.CommandTag.RowsAffected()))
	case errors.Is(data.Err, pgx.ErrNoRows):
		// An empty result is how claims and CAS updates report "lost".
		span.SetAttributes(attribute.Int64("db.rows_affected", 0))
	default:
		span.RecordError(data.Err)
		span.SetStatus(codes.Error, data.Err.Error())
	}
	span.End()
}

// statementTarget returns the upper-cased verb and, for the common shapes,
// the table a statement touches. WITH queries report the verb only.
func statementTarget(sql string) (verb, table string) {
	fields := strings.Fields(sql)
	if len(fields) == 0 {
		return "QUERY", ""
	}
	verb = strings.ToUpper(fields[0])
	var marker string
	switch verb {
	case "INSERT":
		marker = "INTO"
	case "SELECT", "DELETE":
		marker = "FROM"
	case "UPDATE":
		if len(fields) > 1 {
			return verb, cleanIdent(fields[1])
		}
		return verb, ""
	default:
		return verb, ""
	}
	for i := 1; i < len(fields)-1; i++ {
		if strings.EqualFold(fields[i], marker) {
			return verb, cleanIdent(fields[i+1])
		}
	}
	return verb, ""
}

func cleanIdent(s string) string {
	s = strings.Trim(s, `"(),;`)
	if i := strings.IndexByte(s, '('); i >= 0 {
		s = s[:i]
	}
	return s
}

func clip(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
