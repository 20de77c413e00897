package tracing

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.opentelemetry.io/otel/trace"
)

const (
	tracerName    = "custodian"
	dbTracerName  = "custodian/db"
	jobTracerName = "custodian/jobs"
)

// DBOperation is the db.operation attribute of a store span.
type DBOperation string

const (
	DBOperationQuery  DBOperation = "query"
	DBOperationInsert DBOperation = "insert"
	DBOperationUpdate DBOperation = "update"
	DBOperationDelete DBOperation = "delete"
)

// EndFunc ends a span, marking it failed when err is non-nil.
type EndFunc func(err error)

func ender(span trace.Span) EndFunc {
	return func(err error) {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}
}

// StartDBSpan starts a client span for one statement against table, named
// "<operation> <table>".
//
//	ctx, end := tracing.StartDBSpan(ctx, "legal_holds", tracing.DBOperationUpdate)
//	defer func() { end(err) }()
func StartDBSpan(ctx context.Context, table string, operation DBOperation) (context.Context, EndFunc) {
	name := string(operation)
	attrs := []attribute.KeyValue{
		semconv.DBSystemPostgreSQL,
		attribute.String("db.operation", string(operation)),
	}
	if table != "" {
		name += " " + table
		attrs = append(attrs, attribute.String("db.sql.table", table))
	}
	ctx, span := otel.Tracer(dbTracerName).Start(ctx, name,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(attrs...),
	)
	return ctx, ender(span)
}

// StartSpan starts an internal span named name, e.g. "audit.append".
func StartSpan(ctx context.Context, name string) (context.Context, EndFunc) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, name)
	return ctx, ender(span)
}

// StartJobSpan starts the root span of one background job run. Runs are
// never children of the request or run that triggered them.
func StartJobSpan(ctx context.Context, jobType string) (context.Context, EndFunc) {
	ctx, span := otel.Tracer(jobTracerName).Start(ctx, "job "+jobType,
		trace.WithNewRoot(),
		trace.WithAttributes(attribute.String("job.type", jobType)),
	)
	return ctx, ender(span)
}

// AddEvent records an event on the span in ctx, if any.
func AddEvent(ctx context.Context, name string, attrs ...attribute.KeyValue) {
	trace.SpanFromContext(ctx).AddEvent(name, trace.WithAttributes(attrs...))
}

// SetAttributes sets attributes on the span in ctx, if any.
func SetAttributes(ctx context.Context, attrs ...attribute.KeyValue) {
	trace.SpanFromContext(ctx).SetAttributes(attrs...)
}
