package middleware

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ripple-frame/ripple/pkg/server"
)

const defaultTracerName = "ripple"

// OTelConfig configures the OpenTelemetry middleware.
type OTelConfig struct {
	// TracerName names the tracer (default "ripple").
	TracerName string

	// IncludeArgs records the raw event arguments on the span. Arguments
	// may contain user data, so this is off by default.
	IncludeArgs bool

	// Filter decides which events to trace. Nil traces everything.
	Filter func(c *server.Ctx) bool

	// AttributeExtractor adds custom attributes per traced event.
	AttributeExtractor func(c *server.Ctx) []attribute.KeyValue

	tracer trace.Tracer
}

// OTelOption configures the OpenTelemetry middleware.
type OTelOption func(*OTelConfig)

// WithTracerName sets the tracer name.
func WithTracerName(name string) OTelOption {
	return func(c *OTelConfig) { c.TracerName = name }
}

// WithIncludeArgs enables recording event arguments on spans.
func WithIncludeArgs(include bool) OTelOption {
	return func(c *OTelConfig) { c.IncludeArgs = include }
}

// WithEventFilter sets a filter for which events are traced.
func WithEventFilter(filter func(c *server.Ctx) bool) OTelOption {
	return func(c *OTelConfig) { c.Filter = filter }
}

// WithAttributeExtractor sets a custom attribute extractor.
func WithAttributeExtractor(fn func(c *server.Ctx) []attribute.KeyValue) OTelOption {
	return func(c *OTelConfig) { c.AttributeExtractor = fn }
}

// OpenTelemetry returns middleware that opens a span around every handler.
// The span carries the event name, session token, and background flag;
// handler errors are recorded and set the span status.
//
// The tracer comes from the global provider, so configure it in main()
// before starting the server:
//
//	tp := sdktrace.NewTracerProvider(sdktrace.WithBatcher(exporter))
//	otel.SetTracerProvider(tp)
func OpenTelemetry(opts ...OTelOption) server.Middleware {
	config := OTelConfig{TracerName: defaultTracerName}
	for _, opt := range opts {
		opt(&config)
	}
	config.tracer = otel.Tracer(config.TracerName)

	return func(c *server.Ctx, next func() error) error {
		if config.Filter != nil && !config.Filter(c) {
			return next()
		}

		attrs := []attribute.KeyValue{
			attribute.String("ripple.event", c.Name()),
			attribute.String("ripple.session", c.Session().Token),
			attribute.Bool("ripple.background", c.Background()),
		}
		if config.IncludeArgs {
			if ev := c.Event(); len(ev.Args) > 0 {
				attrs = append(attrs, attribute.String("ripple.args", string(ev.Args)))
			}
		}
		if config.AttributeExtractor != nil {
			attrs = append(attrs, config.AttributeExtractor(c)...)
		}

		spanCtx, span := config.tracer.Start(
			c.Context(),
			"ripple."+c.Name(),
			trace.WithSpanKind(trace.SpanKindServer),
			trace.WithAttributes(attrs...),
		)
		defer span.End()

		c.SetContext(spanCtx)

		err := next()

		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		} else {
			span.SetStatus(codes.Ok, "")
		}
		return err
	}
}

// SpanFromContext returns the span the middleware opened for this handler.
// Handlers use it to attach their own attributes:
//
//	srv.Handle("report.build", func(c *server.Ctx) error {
//	    span := middleware.SpanFromContext(c)
//	    span.SetAttributes(attribute.Int("report.rows", rows))
//	    return nil
//	})
func SpanFromContext(c *server.Ctx) trace.Span {
	return trace.SpanFromContext(c.Context())
}

// TraceContext returns the handler context carrying the active span, for
// propagation to outgoing requests.
func TraceContext(c *server.Ctx) context.Context {
	return c.Context()
}
