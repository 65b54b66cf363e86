package telemetry

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/autoschematic-sh/autoschematic/pkg/connector"
)

// Telemetry provides a unified telemetry interface combining logging, tracing, metrics, and events.
type Telemetry struct {
	Logger  *Logger
	Tracer  *Tracer
	Metrics *Metrics
	Events  *EventPublisher
	Config  *Config
}

// telemetryContextKey is the context key for telemetry instances.
type telemetryContextKey struct{}

// NewTelemetry creates a new telemetry instance from configuration.
func NewTelemetry(cfg *Config) (*Telemetry, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	// Initialize logger
	logger, err := NewLogger(cfg.Logging)
	if err != nil {
		return nil, err
	}

	// Initialize tracer
	tracer, err := NewTracer(cfg.Tracing, cfg.ServiceName, cfg.ServiceVersion, cfg.Environment)
	if err != nil {
		return nil, err
	}

	// Initialize metrics
	metrics, err := NewMetrics(cfg.Metrics)
	if err != nil {
		return nil, err
	}

	// Initialize event publisher
	events, err := NewEventPublisher(cfg.Events)
	if err != nil {
		return nil, err
	}

	return &Telemetry{
		Logger:  logger,
		Tracer:  tracer,
		Metrics: metrics,
		Events:  events,
		Config:  cfg,
	}, nil
}

// WithContext adds the telemetry instance to the context.
func (t *Telemetry) WithContext(ctx context.Context) context.Context {
	ctx = context.WithValue(ctx, telemetryContextKey{}, t)
	ctx = t.Logger.WithContext(ctx)
	return ctx
}

// FromTelemetryContext retrieves the telemetry instance from the context.
// If no telemetry is found, it returns nil.
func FromTelemetryContext(ctx context.Context) *Telemetry {
	if t, ok := ctx.Value(telemetryContextKey{}).(*Telemetry); ok {
		return t
	}
	return nil
}

// Shutdown gracefully shuts down all telemetry components.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	// Shutdown in reverse order of initialization
	if err := t.Events.Shutdown(ctx); err != nil {
		return err
	}

	if err := t.Tracer.Shutdown(ctx); err != nil {
		return err
	}

	// Metrics server is not explicitly shut down here as it may need to continue
	// serving metrics until the very end of the application lifecycle

	return nil
}

// Flush forces all pending telemetry data to be exported.
func (t *Telemetry) Flush(ctx context.Context) error {
	return t.Tracer.ForceFlush(ctx)
}

// StartMetricsServer starts the metrics HTTP server if metrics are enabled.
func (t *Telemetry) StartMetricsServer() error {
	return t.Metrics.StartMetricsServer()
}

// Context Helpers for common instrumentation patterns

// InstrumentedContext creates a context with telemetry, logger fields, and a trace span.
type InstrumentedContext struct {
	Ctx    context.Context
	Span   trace.Span
	Logger *Logger
	Timer  *Timer
}

// StartOperation begins an instrumented operation with logging, tracing, and timing.
func StartOperation(ctx context.Context, operation string, attrs ...attribute.KeyValue) *InstrumentedContext {
	tel := FromTelemetryContext(ctx)
	if tel == nil {
		return &InstrumentedContext{
			Ctx:    ctx,
			Logger: FromContext(ctx),
			Timer:  NewTimer(),
		}
	}

	// Start trace span
	spanCtx, span := tel.Tracer.StartSpan(ctx, operation, attrs...)

	// Create logger with operation field
	logger := tel.Logger.WithField("operation", operation)

	// Add trace context to logger if available
	if span.SpanContext().IsValid() {
		logger = logger.WithFields(map[string]interface{}{
			"trace_id": span.SpanContext().TraceID().String(),
			"span_id":  span.SpanContext().SpanID().String(),
		})
	}

	return &InstrumentedContext{
		Ctx:    spanCtx,
		Span:   span,
		Logger: logger,
		Timer:  NewTimer(),
	}
}

// End finishes the instrumented operation, recording success or failure.
func (ic *InstrumentedContext) End(err error) {
	if ic.Span != nil {
		if err != nil {
			RecordError(ic.Span, err)
		} else {
			RecordSuccess(ic.Span)
		}
		ic.Span.End()
	}
}

// WithRunContext creates a context enriched with run-specific telemetry.
// kind is one of plan, apply or import.
func WithRunContext(ctx context.Context, runID, prefix, kind string) context.Context {
	tel := FromTelemetryContext(ctx)
	if tel == nil {
		return ctx
	}

	// Start run span
	spanCtx, span := tel.Tracer.StartRunSpan(ctx, runID, prefix, kind)

	// Create run-specific logger
	logger := tel.Logger.WithRunID(runID).WithPrefix(prefix).WithField("kind", kind)
	spanCtx = logger.WithContext(spanCtx)

	// Record run started metric
	tel.Metrics.RecordRunStarted(kind)

	// Publish run started event
	_ = tel.Events.PublishRunStarted(runID, prefix, kind)

	// Store the span and timer in context for later retrieval
	spanCtx = context.WithValue(spanCtx, runSpanKey{}, span)
	spanCtx = context.WithValue(spanCtx, runTimerKey{}, NewTimer())

	return spanCtx
}

// runSpanKey is the context key for run spans.
type runSpanKey struct{}

// runTimerKey is the context key for run timers.
type runTimerKey struct{}

// EndRunContext completes the run context, recording metrics and events.
func EndRunContext(ctx context.Context, runID, prefix, kind, status string, err error) {
	tel := FromTelemetryContext(ctx)
	if tel == nil {
		return
	}

	// Get the run span from context
	if span, ok := ctx.Value(runSpanKey{}).(trace.Span); ok {
		span.SetAttributes(AttrRunStatus.String(status))
		if err != nil {
			RecordError(span, err)
		} else {
			RecordSuccess(span)
		}
		span.End()
	}

	var duration time.Duration
	if timer, ok := ctx.Value(runTimerKey{}).(*Timer); ok {
		duration = timer.Duration()
	}

	// Record metrics
	tel.Metrics.RecordRunCompleted(kind, status, duration)

	// Publish events
	if err != nil {
		_ = tel.Events.PublishRunFailed(runID, prefix, err.Error())
	} else {
		_ = tel.Events.PublishRunCompleted(runID, prefix, status, duration)
	}
}

// WithResourceContext creates a context enriched with resource-specific telemetry.
func WithResourceContext(ctx context.Context, runID, addr, connectorName string) context.Context {
	tel := FromTelemetryContext(ctx)
	if tel == nil {
		return ctx
	}

	// Start resource span
	spanCtx, span := tel.Tracer.StartResourceSpan(ctx, addr, connectorName)

	// Create resource-specific logger
	logger := tel.Logger.
		WithRunID(runID).
		WithAddr(addr).
		WithConnector(connectorName)
	spanCtx = logger.WithContext(spanCtx)

	// Store the span and timer in context
	spanCtx = context.WithValue(spanCtx, resourceSpanKey{}, span)
	spanCtx = context.WithValue(spanCtx, resourceTimerKey{}, NewTimer())

	return spanCtx
}

// resourceSpanKey is the context key for resource spans.
type resourceSpanKey struct{}

// resourceTimerKey is the context key for resource timers.
type resourceTimerKey struct{}

// EndResourceContext completes the resource context, recording metrics and events.
func EndResourceContext(ctx context.Context, runID, addr, connectorName, state, message string, err error) {
	tel := FromTelemetryContext(ctx)
	if tel == nil {
		return
	}

	// Get the span from context
	if span, ok := ctx.Value(resourceSpanKey{}).(trace.Span); ok {
		span.SetAttributes(AttrResourceState.String(state))
		if err != nil {
			RecordError(span, err)
		} else {
			RecordSuccess(span)
		}
		span.End()
	}

	// Get the timer from context
	var duration time.Duration
	if timer, ok := ctx.Value(resourceTimerKey{}).(*Timer); ok {
		duration = timer.Duration()
	}

	// Publish events
	if err != nil {
		_ = tel.Events.PublishOpFailed(runID, connectorName, addr, err.Error())
	} else {
		_ = tel.Events.PublishOpExecuted(runID, connectorName, addr, message, duration)
	}
}

// RecordConnectorOperation records a single connector call with metrics and tracing.
func RecordConnectorOperation(ctx context.Context, connectorName, method string, fn func() error) error {
	tel := FromTelemetryContext(ctx)

	// Start span
	var span trace.Span
	if tel != nil {
		ctx, span = tel.Tracer.StartConnectorSpan(ctx, connectorName, method)
		defer span.End()
	}

	// Start timer
	timer := NewTimer()

	// Execute operation
	err := fn()

	// Record metrics
	if tel != nil {
		duration := timer.Duration()
		tel.Metrics.RecordConnectorCall(connectorName, method, duration)
		if err != nil {
			tel.Metrics.RecordConnectorError(connectorName, method, errorClass(err))
			RecordError(span, err)
		} else {
			RecordSuccess(span)
		}
	}

	return err
}

// errorClass extracts the connector error classification, defaulting to
// application for unclassified errors.
func errorClass(err error) string {
	var ce *connector.Error
	if errors.As(err, &ce) {
		return string(ce.Class)
	}
	return string(connector.ErrorClassApplication)
}
