// Package tracing provides OpenTelemetry tracing for document store operations.
package tracing

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// InstrumentationName is the tracer scope used for every repository span.
const InstrumentationName = "github.com/nimburion/docorm"

// SpanOperation represents a traced operation type.
type SpanOperation string

// Span operation constants for document store operations
const (
	// SpanOperationDBQuery represents a filtered collection read
	SpanOperationDBQuery SpanOperation = "db.query"
	// SpanOperationDBGet represents a point read by identifier
	SpanOperationDBGet SpanOperation = "db.get"
	// SpanOperationDBInsert represents a document create
	SpanOperationDBInsert SpanOperation = "db.insert"
	// SpanOperationDBUpdate represents a partial document update
	SpanOperationDBUpdate SpanOperation = "db.update"
	// SpanOperationDBDelete represents a document delete
	SpanOperationDBDelete SpanOperation = "db.delete"
	// SpanOperationDBBatch represents an atomic batch commit
	SpanOperationDBBatch SpanOperation = "db.batch"
	// SpanOperationDBTx represents a database transaction
	SpanOperationDBTx SpanOperation = "db.transaction"
)

// StartDatabaseSpan creates a new span for a database operation.
// It includes database-specific attributes like operation type, collection and statement.
func StartDatabaseSpan(ctx context.Context, operation SpanOperation, opts ...DatabaseSpanOption) (context.Context, trace.Span) {
	tracer := otel.Tracer(InstrumentationName)

	spanOpts := &databaseSpanOptions{
		attributes: []attribute.KeyValue{
			attribute.String("db.operation", string(operation)),
		},
	}

	for _, opt := range opts {
		opt(spanOpts)
	}

	spanName := fmt.Sprintf("DB %s", operation)
	if spanOpts.collection != "" {
		spanName = fmt.Sprintf("DB %s %s", operation, spanOpts.collection)
	}

	ctx, span := tracer.Start(ctx, spanName, trace.WithSpanKind(trace.SpanKindClient))
	span.SetAttributes(spanOpts.attributes...)

	return ctx, span
}

// DatabaseSpanOption configures a database span.
type DatabaseSpanOption func(*databaseSpanOptions)

type databaseSpanOptions struct {
	collection string
	attributes []attribute.KeyValue
}

// WithDBCollection sets the collection path for the span.
func WithDBCollection(collection string) DatabaseSpanOption {
	return func(opts *databaseSpanOptions) {
		opts.collection = collection
		opts.attributes = append(opts.attributes, attribute.String("db.collection", collection))
	}
}

// WithDBSystem sets the database system (e.g., "mongodb", "dynamodb").
func WithDBSystem(system string) DatabaseSpanOption {
	return func(opts *databaseSpanOptions) {
		opts.attributes = append(opts.attributes, attribute.String("db.system", system))
	}
}

// WithDBStatement sets a printable form of the compiled query.
func WithDBStatement(statement string) DatabaseSpanOption {
	return func(opts *databaseSpanOptions) {
		opts.attributes = append(opts.attributes, attribute.String("db.statement", statement))
	}
}

// WithDBDocumentID sets the identifier of the document a point operation targets.
func WithDBDocumentID(id string) DatabaseSpanOption {
	return func(opts *databaseSpanOptions) {
		if id == "" {
			return
		}
		opts.attributes = append(opts.attributes, attribute.String("db.document.id", id))
	}
}

// WithDBOperationCount sets the number of writes in a batch or transaction.
func WithDBOperationCount(n int) DatabaseSpanOption {
	return func(opts *databaseSpanOptions) {
		opts.attributes = append(opts.attributes, attribute.Int("db.operation.count", n))
	}
}

// RecordError records an error in the current span and sets the span status to error.
func RecordError(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
}

// RecordSuccess sets the span status to OK.
func RecordSuccess(span trace.Span) {
	span.SetStatus(codes.Ok, "")
}

// End records err (or success) on span and ends it.
func End(span trace.Span, err error) {
	if err != nil {
		RecordError(span, err)
	} else {
		RecordSuccess(span)
	}
	span.End()
}
