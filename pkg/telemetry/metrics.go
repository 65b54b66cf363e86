package telemetry

import (
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics provides Prometheus metrics for Autoschematic.
type Metrics struct {
	config MetricsConfig

	// Run metrics
	runsStarted   *prometheus.CounterVec
	runsCompleted *prometheus.CounterVec
	runDuration   *prometheus.HistogramVec

	// Connector RPC metrics
	connectorCalls    *prometheus.CounterVec
	connectorDuration *prometheus.HistogramVec
	connectorErrors   *prometheus.CounterVec

	// Operation metrics
	opsExecuted *prometheus.CounterVec
	opDuration  *prometheus.HistogramVec

	// Resource metrics
	resourcesByState *prometheus.GaugeVec

	// Child process metrics
	spawns        *prometheus.CounterVec
	relaunches    *prometheus.CounterVec
	liveChildren  *prometheus.GaugeVec
	childMemory   *prometheus.GaugeVec
	childCPUUsage *prometheus.GaugeVec

	// Output resolution metrics
	outputsPublished  prometheus.Counter
	deferredWaits     prometheus.Counter
	resolutionCycles  prometheus.Counter

	// Error metrics
	errorsByClass *prometheus.CounterVec

	registry *prometheus.Registry
}

// NewMetrics creates a new metrics collector with the given configuration.
func NewMetrics(cfg MetricsConfig) (*Metrics, error) {
	if !cfg.Enabled {
		// Return a no-op metrics instance
		return &Metrics{config: cfg}, nil
	}

	namespace := cfg.Namespace
	buckets := cfg.DefaultHistogramBuckets
	if len(buckets) == 0 {
		buckets = prometheus.DefBuckets
	}

	// Create a new registry
	registry := prometheus.NewRegistry()

	m := &Metrics{
		config:   cfg,
		registry: registry,

		// Run metrics
		runsStarted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "runs_started_total",
				Help:      "Total number of runs started",
			},
			[]string{"kind"},
		),
		runsCompleted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "runs_completed_total",
				Help:      "Total number of runs completed",
			},
			[]string{"kind", "status"},
		),
		runDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "run_duration_seconds",
				Help:      "Duration of run execution in seconds",
				Buckets:   buckets,
			},
			[]string{"kind", "status"},
		),

		// Connector RPC metrics
		connectorCalls: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "connector_calls_total",
				Help:      "Total number of connector RPC calls",
			},
			[]string{"connector", "method"},
		),
		connectorDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "connector_call_duration_seconds",
				Help:      "Duration of connector RPC calls in seconds",
				Buckets:   buckets,
			},
			[]string{"connector", "method"},
		),
		connectorErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "connector_errors_total",
				Help:      "Total number of connector RPC errors",
			},
			[]string{"connector", "method", "class"},
		),

		// Operation metrics
		opsExecuted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "ops_executed_total",
				Help:      "Total number of connector operations executed",
			},
			[]string{"connector", "status"},
		),
		opDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "op_duration_seconds",
				Help:      "Duration of connector operation execution in seconds",
				Buckets:   buckets,
			},
			[]string{"connector"},
		),

		// Resource metrics
		resourcesByState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "resources_by_state",
				Help:      "Current number of resources by execution state",
			},
			[]string{"prefix", "state"},
		),

		// Child process metrics
		spawns: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "child_spawns_total",
				Help:      "Total number of child process spawns",
			},
			[]string{"kind", "status"},
		),
		relaunches: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "child_relaunches_total",
				Help:      "Total number of child process relaunches",
			},
			[]string{"kind"},
		),
		liveChildren: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "live_children",
				Help:      "Current number of live child processes",
			},
			[]string{"kind"},
		),
		childMemory: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "child_memory_bytes",
				Help:      "Resident memory of child processes in bytes",
			},
			[]string{"prefix", "name"},
		),
		childCPUUsage: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "child_cpu_usage",
				Help:      "CPU usage of child processes as a fraction of one core",
			},
			[]string{"prefix", "name"},
		),

		// Output resolution metrics
		outputsPublished: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "outputs_published_total",
				Help:      "Total number of output values published",
			},
		),
		deferredWaits: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "deferred_waits_total",
				Help:      "Total number of waits on deferred address resolution",
			},
		),
		resolutionCycles: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "resolution_cycles_total",
				Help:      "Total number of detected address resolution cycles",
			},
		),

		// Error metrics
		errorsByClass: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "errors_by_class_total",
				Help:      "Total number of errors by error class",
			},
			[]string{"class"},
		),
	}

	// Register all metrics
	registry.MustRegister(
		m.runsStarted,
		m.runsCompleted,
		m.runDuration,
		m.connectorCalls,
		m.connectorDuration,
		m.connectorErrors,
		m.opsExecuted,
		m.opDuration,
		m.resourcesByState,
		m.spawns,
		m.relaunches,
		m.liveChildren,
		m.childMemory,
		m.childCPUUsage,
		m.outputsPublished,
		m.deferredWaits,
		m.resolutionCycles,
		m.errorsByClass,
	)

	return m, nil
}

// Run Metrics

// RecordRunStarted increments the counter for started runs.
func (m *Metrics) RecordRunStarted(kind string) {
	if m.runsStarted == nil {
		return
	}
	m.runsStarted.WithLabelValues(kind).Inc()
}

// RecordRunCompleted records a completed run with its status and duration.
func (m *Metrics) RecordRunCompleted(kind, status string, duration time.Duration) {
	if m.runsCompleted == nil {
		return
	}
	m.runsCompleted.WithLabelValues(kind, status).Inc()
	m.runDuration.WithLabelValues(kind, status).Observe(duration.Seconds())
}

// Connector RPC Metrics

// RecordConnectorCall records a connector RPC call with its duration.
func (m *Metrics) RecordConnectorCall(connector, method string, duration time.Duration) {
	if m.connectorCalls == nil {
		return
	}
	m.connectorCalls.WithLabelValues(connector, method).Inc()
	m.connectorDuration.WithLabelValues(connector, method).Observe(duration.Seconds())
}

// RecordConnectorError records a failed connector RPC call by error class.
func (m *Metrics) RecordConnectorError(connector, method, class string) {
	if m.connectorErrors == nil {
		return
	}
	m.connectorErrors.WithLabelValues(connector, method, class).Inc()
	if m.errorsByClass != nil {
		m.errorsByClass.WithLabelValues(class).Inc()
	}
}

// Operation Metrics

// RecordOpExecuted records the execution of a single connector operation.
func (m *Metrics) RecordOpExecuted(connector, status string, duration time.Duration) {
	if m.opsExecuted == nil {
		return
	}
	m.opsExecuted.WithLabelValues(connector, status).Inc()
	m.opDuration.WithLabelValues(connector).Observe(duration.Seconds())
}

// Resource Metrics

// SetResourcesByState sets the current count of resources in a given state.
func (m *Metrics) SetResourcesByState(prefix, state string, count float64) {
	if m.resourcesByState == nil {
		return
	}
	m.resourcesByState.WithLabelValues(prefix, state).Set(count)
}

// Child Process Metrics

// RecordSpawn records a child process spawn attempt.
func (m *Metrics) RecordSpawn(kind, status string) {
	if m.spawns == nil {
		return
	}
	m.spawns.WithLabelValues(kind, status).Inc()
}

// RecordRelaunch records a child process relaunch.
func (m *Metrics) RecordRelaunch(kind string) {
	if m.relaunches == nil {
		return
	}
	m.relaunches.WithLabelValues(kind).Inc()
}

// SetLiveChildren sets the current number of live child processes.
func (m *Metrics) SetLiveChildren(kind string, count float64) {
	if m.liveChildren == nil {
		return
	}
	m.liveChildren.WithLabelValues(kind).Set(count)
}

// SetChildHealth publishes the sampled health of one child process.
func (m *Metrics) SetChildHealth(prefix, name string, cpuUsage float64, memory uint64) {
	if m.childMemory == nil {
		return
	}
	m.childMemory.WithLabelValues(prefix, name).Set(float64(memory))
	m.childCPUUsage.WithLabelValues(prefix, name).Set(cpuUsage)
}

// RemoveChildHealth drops the health series for a child that exited.
func (m *Metrics) RemoveChildHealth(prefix, name string) {
	if m.childMemory == nil {
		return
	}
	m.childMemory.DeleteLabelValues(prefix, name)
	m.childCPUUsage.DeleteLabelValues(prefix, name)
}

// Output Resolution Metrics

// RecordOutputPublished increments the published output counter.
func (m *Metrics) RecordOutputPublished() {
	if m.outputsPublished == nil {
		return
	}
	m.outputsPublished.Inc()
}

// RecordDeferredWait increments the deferred-resolution wait counter.
func (m *Metrics) RecordDeferredWait() {
	if m.deferredWaits == nil {
		return
	}
	m.deferredWaits.Inc()
}

// RecordResolutionCycle increments the detected-cycle counter.
func (m *Metrics) RecordResolutionCycle() {
	if m.resolutionCycles == nil {
		return
	}
	m.resolutionCycles.Inc()
}

// Error Metrics

// RecordError records an error by class.
func (m *Metrics) RecordError(class string) {
	if m.errorsByClass == nil {
		return
	}
	m.errorsByClass.WithLabelValues(class).Inc()
}

// Timer provides a convenient way to time operations.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// Duration returns the elapsed time since the timer was created.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}

// ObserveDuration is a helper to time an operation and record it.
func (t *Timer) ObserveDuration(observer prometheus.Observer) {
	observer.Observe(t.Duration().Seconds())
}

// Handler returns an HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if m.registry == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// StartMetricsServer starts an HTTP server to expose metrics.
func (m *Metrics) StartMetricsServer() error {
	if !m.config.Enabled {
		return nil
	}

	mux := http.NewServeMux()
	mux.Handle(m.config.Path, m.Handler())

	server := &http.Server{
		Addr:              m.config.ListenAddress,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			// Log error but don't fail the application
			fmt.Printf("metrics server error: %v\n", err)
		}
	}()

	return nil
}
