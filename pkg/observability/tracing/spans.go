package tracing

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// scope names the ODM's instrumentation library.
const scope = "github.com/nimburion/odm"

// StartOperationSpan opens a client span for one database operation against
// a collection ("find", "insert", "delete", ...).
func StartOperationSpan(ctx context.Context, collection, operation string, opts ...OperationSpanOption) (context.Context, trace.Span) {
	spanOpts := &operationSpanOptions{
		attributes: []attribute.KeyValue{
			attribute.String("db.system", "mongodb"),
			attribute.String("db.mongodb.collection", collection),
			attribute.String("db.operation", operation),
		},
	}
	for _, opt := range opts {
		opt(spanOpts)
	}

	ctx, span := otel.Tracer(scope).Start(ctx, "odm."+operation,
		trace.WithSpanKind(trace.SpanKindClient))
	span.SetAttributes(spanOpts.attributes...)
	return ctx, span
}

// OperationSpanOption configures an operation span.
type OperationSpanOption func(*operationSpanOptions)

type operationSpanOptions struct {
	attributes []attribute.KeyValue
}

// WithDatabase sets the database name.
func WithDatabase(name string) OperationSpanOption {
	return func(opts *operationSpanOptions) {
		opts.attributes = append(opts.attributes, attribute.String("db.name", name))
	}
}

// WithAlias sets the connection alias the operation ran on.
func WithAlias(alias string) OperationSpanOption {
	return func(opts *operationSpanOptions) {
		opts.attributes = append(opts.attributes, attribute.String("db.connection_alias", alias))
	}
}

// WithDocumentClass sets the document class the operation targets.
func WithDocumentClass(class string) OperationSpanOption {
	return func(opts *operationSpanOptions) {
		opts.attributes = append(opts.attributes, attribute.String("odm.document_class", class))
	}
}

// WithBatchSize sets the number of documents or ids a batch touched.
func WithBatchSize(n int) OperationSpanOption {
	return func(opts *operationSpanOptions) {
		opts.attributes = append(opts.attributes, attribute.Int("odm.batch_size", n))
	}
}

// RecordError records an error in the span and sets its status to error.
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
