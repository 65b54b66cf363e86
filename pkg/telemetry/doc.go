// Package telemetry provides comprehensive observability instrumentation for Autoschematic.
//
// The telemetry package integrates structured logging (zerolog), distributed tracing
// (OpenTelemetry), metrics (Prometheus), and event publishing into a unified system
// for monitoring and debugging Autoschematic operations.
//
// # Architecture
//
// The telemetry system is built on four pillars:
//
//  1. Structured Logging - Context-aware logging with zerolog
//  2. Distributed Tracing - OpenTelemetry traces with multiple exporters
//  3. Metrics Collection - Prometheus metrics for operational insights
//  4. Event Publishing - Async event system for audit and notifications
//
// # Usage
//
// Initialize telemetry at application startup:
//
//	cfg := telemetry.DefaultConfig()
//	cfg.ServiceName = "autoschematic"
//	cfg.ServiceVersion = "1.0.0"
//
//	tel, err := telemetry.NewTelemetry(cfg)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer tel.Shutdown(context.Background())
//
//	// Start metrics server
//	if err := tel.StartMetricsServer(); err != nil {
//	    log.Fatal(err)
//	}
//
// Add telemetry to context:
//
//	ctx = tel.WithContext(ctx)
//
// # Structured Logging
//
// The logger provides component-specific logging with automatic context propagation:
//
//	logger := tel.Logger.NewComponentLogger("engine")
//	logger = logger.WithRunID("run-123").WithAddr("aws/vpc/main.json")
//	logger.Info("Planning resource")
//	logger.WithError(err).Error("Planning failed")
//
// Log levels: trace, debug, info, warn, error, fatal
//
// # Distributed Tracing
//
// Tracing provides visibility into request flow and performance:
//
//	ctx, span := tel.Tracer.Start(ctx, "operation.name")
//	defer span.End()
//
//	span.SetAttributes(
//	    attribute.String("resource.addr", addr),
//	    attribute.String("connector", name),
//	)
//
//	if err != nil {
//	    telemetry.RecordError(span, err)
//	}
//
// Supported exporters: OTLP (production), Stdout (development)
//
// # Metrics
//
// Prometheus metrics track system behavior and performance:
//
//	// Record run execution
//	tel.Metrics.RecordRunStarted("apply")
//	tel.Metrics.RecordRunCompleted("apply", "succeeded", duration)
//
//	// Record connector RPC calls
//	tel.Metrics.RecordConnectorCall("aws", "plan", duration)
//
//	// Record op execution
//	tel.Metrics.RecordOpExecuted("aws", "success", duration)
//
//	// Record errors
//	tel.Metrics.RecordError("transport")
//
// Metrics are exposed via HTTP at /metrics (default: :9090/metrics)
//
// # Event Publishing
//
// The event system provides async publishing with buffering and filtering:
//
//	// Publish events
//	tel.Events.PublishRunStarted(runID, prefix, "apply")
//	tel.Events.PublishOpExecuted(runID, connector, addr, msg, duration)
//
//	// Subscribe to events
//	tel.Events.Subscribe(func(event telemetry.Event) {
//	    fmt.Printf("Event: %s - %s\n", event.Type, event.Message)
//	}, telemetry.FilterByLevel("warning"))
//
// Event filters: FilterByLevel, FilterByType, FilterByRunID, FilterByAddr
//
// # Exporters
//
// Tracing supports multiple exporters:
//
//   - "stdout": Print traces to stdout (development)
//   - "otlp": Export via OTLP/gRPC (production, works with collectors)
//   - "none": Generate traces but don't export (testing)
//
// Configure via TracingConfig.Exporter and TracingConfig.Endpoint
//
// # Common Metrics
//
// Key metrics exposed:
//
//   - autoschematic_runs_started_total{kind}
//   - autoschematic_runs_completed_total{kind,status}
//   - autoschematic_run_duration_seconds{kind,status}
//   - autoschematic_connector_calls_total{connector,method}
//   - autoschematic_connector_call_duration_seconds{connector,method}
//   - autoschematic_ops_executed_total{connector,status}
//   - autoschematic_child_spawns_total{kind,status}
//   - autoschematic_live_children{kind}
//   - autoschematic_child_memory_bytes{prefix,name}
//   - autoschematic_errors_by_class_total{class}
//
// # Graceful Shutdown
//
// Always shut down telemetry gracefully to flush pending data:
//
//	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
//	defer cancel()
//
//	if err := tel.Shutdown(ctx); err != nil {
//	    log.Printf("Telemetry shutdown error: %v", err)
//	}
//
// This ensures:
//   - All buffered events are published
//   - All pending traces are exported
//   - Metrics are finalized
//
// # Security Considerations
//
//   - Never log sensitive data (credentials, keys, tokens)
//   - Use secure connections (TLS) for trace exporters in production
//   - Limit metrics endpoint access via network policies
package telemetry
