package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/autoschematic-sh/autoschematic/pkg/config"
	"github.com/autoschematic-sh/autoschematic/pkg/engine"
	"github.com/autoschematic-sh/autoschematic/pkg/policy"
	"github.com/autoschematic-sh/autoschematic/pkg/stores"
	"github.com/autoschematic-sh/autoschematic/pkg/supervisor"
	"github.com/autoschematic-sh/autoschematic/pkg/telemetry"
)

// timeRound is the display precision for durations.
const timeRound = 10 * time.Millisecond

// runtime bundles the wired subsystems a command needs: configuration,
// telemetry, the connector supervisor, the engine, the policy engine and
// the run history store.
type runtime struct {
	root     string
	cfg      *config.RootConfig
	settings *config.Settings
	tel      *telemetry.Telemetry
	sup      *supervisor.Supervisor
	eng      *engine.Engine
	policies *policy.Engine
	store    stores.Store
}

// newRuntime loads configuration and settings, initializes telemetry and
// the run history store, and wires the supervisor and engine. The returned
// context carries the telemetry instance.
func newRuntime(ctx context.Context) (*runtime, context.Context, error) {
	root, err := filepath.Abs(rootDir)
	if err != nil {
		return nil, ctx, err
	}

	cfgPath := configPath
	if cfgPath == "" {
		cfgPath = filepath.Join(root, config.DefaultConfigFile)
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, ctx, err
	}

	settings, err := config.LoadSettings()
	if err != nil {
		return nil, ctx, err
	}

	tel, err := telemetry.NewTelemetry(telemetryConfig(settings))
	if err != nil {
		return nil, ctx, fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	ctx = tel.WithContext(ctx)

	if settings.MetricsAddr != "" {
		if err := tel.StartMetricsServer(); err != nil {
			return nil, ctx, fmt.Errorf("failed to start metrics server: %w", err)
		}
	}

	logger := tel.Logger.Zerolog()

	sup := supervisor.New(settings, logger, supervisor.WithMetrics(tel.Metrics), supervisor.WithRoot(root))
	eng := engine.New(root, cfg, settings, sup, logger, engine.WithMetrics(tel.Metrics))

	policies, err := policy.NewEngine(logger)
	if err != nil {
		return nil, ctx, fmt.Errorf("failed to initialize policy engine: %w", err)
	}
	policyDir := filepath.Join(root, settings.PolicyDir)
	if _, err := os.Stat(policyDir); err == nil {
		if err := policies.LoadPolicies(ctx, []string{policyDir}); err != nil {
			return nil, ctx, fmt.Errorf("failed to load repository policies: %w", err)
		}
	}

	store, err := openStore(ctx, settings)
	if err != nil {
		return nil, ctx, err
	}

	return &runtime{
		root:     root,
		cfg:      cfg,
		settings: settings,
		tel:      tel,
		sup:      sup,
		eng:      eng,
		policies: policies,
		store:    store,
	}, ctx, nil
}

// close shuts down child processes, the store and telemetry. Shutdown uses
// a fresh timeout so a cancelled command context still drains cleanly.
func (r *runtime) close() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	r.sup.ShutdownAll(ctx)
	if r.store != nil {
		_ = r.store.Close()
	}
	_ = r.tel.Shutdown(ctx)
}

// telemetryConfig derives the CLI telemetry configuration from engine
// settings. Tracing stays off unless an OTLP endpoint is configured via
// the environment; metrics serve only when an address is set.
func telemetryConfig(settings *config.Settings) *telemetry.Config {
	cfg := telemetry.DefaultConfig()
	cfg.Logging.Level = settings.LogLevel
	if verbose {
		cfg.Logging.Level = "debug"
	}
	cfg.Logging.Output = "stderr"

	cfg.Tracing.Enabled = false
	if endpoint := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"); endpoint != "" {
		cfg.Tracing.Enabled = true
		cfg.Tracing.Exporter = "otlp"
		cfg.Tracing.Endpoint = endpoint
	}

	cfg.Metrics.Enabled = settings.MetricsAddr != ""
	cfg.Metrics.ListenAddress = settings.MetricsAddr
	return cfg
}

// openStore opens and migrates the run history database under the data
// directory.
func openStore(ctx context.Context, settings *config.Settings) (stores.Store, error) {
	if err := os.MkdirAll(settings.DataDir, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create data directory %s: %w", settings.DataDir, err)
	}

	store, err := stores.NewSQLiteStore(stores.Config{
		Path: filepath.Join(settings.DataDir, "autoschematic.db"),
	})
	if err != nil {
		return nil, err
	}
	if err := store.Init(ctx); err != nil {
		return nil, err
	}
	if err := store.Migrate(ctx); err != nil {
		return nil, err
	}
	return store, nil
}

// recordPlanRun persists a completed plan as a run with per-resource
// results. Plan runs are recorded terminally: planning either produced a
// report or the command failed before anything was worth recording.
func (r *runtime) recordPlanRun(ctx context.Context, plan *engine.PlanReport, result *policy.Result) error {
	summary, err := json.Marshal(plan.Summary)
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	run := &stores.Run{
		ID:        plan.ID,
		Prefix:    plan.Prefix,
		Kind:      stores.RunKindPlan,
		Status:    stores.RunStatusSucceeded,
		StartedAt: plan.CreatedAt,
		Summary:   string(summary),
	}
	if err := r.store.CreateRun(ctx, run); err != nil {
		return err
	}

	for i, res := range plan.Resources {
		record := &stores.ResourceResult{
			ID:        fmt.Sprintf("%s-%d", plan.ID, i),
			RunID:     plan.ID,
			Addr:      res.Addr,
			Connector: res.Connector,
			State:     string(res.State),
			Ops:       len(res.Ops),
			CreatedAt: now,
		}
		if res.PhyAddr != "" {
			record.PhyAddr = &res.PhyAddr
		}
		if res.Error != "" {
			record.Error = &res.Error
		}
		if err := r.store.CreateResourceResult(ctx, record); err != nil {
			return err
		}
	}

	for i := range result.Violations {
		v := &result.Violations[i]
		level := stores.EventLevelWarning
		if v.Severity == policy.SeverityError || v.Severity == policy.SeverityCritical {
			level = stores.EventLevelError
		}
		event := &stores.Event{
			RunID:     &run.ID,
			Level:     level,
			Message:   fmt.Sprintf("policy %s: %s", v.Policy, v.Message),
			Timestamp: now,
		}
		if v.Addr != "" {
			event.Addr = &v.Addr
		}
		if err := r.store.AppendEvent(ctx, event); err != nil {
			return err
		}
	}

	finalStatus := stores.RunStatusSucceeded
	if !result.Allowed {
		finalStatus = stores.RunStatusFailed
	}
	return r.store.UpdateRunStatus(ctx, run.ID, finalStatus, nil)
}

// recordApplyRun persists a completed apply run with per-resource results.
func (r *runtime) recordApplyRun(ctx context.Context, report *engine.ApplyReport) error {
	summary, err := json.Marshal(report)
	if err != nil {
		return err
	}

	run := &stores.Run{
		ID:        report.RunID,
		Prefix:    report.Prefix,
		Kind:      stores.RunKindApply,
		PlanID:    &report.PlanID,
		Status:    stores.RunStatusRunning,
		StartedAt: report.StartedAt,
		Summary:   string(summary),
	}
	if err := r.store.CreateRun(ctx, run); err != nil {
		return err
	}

	for i, res := range report.Results {
		var total time.Duration
		var message *string
		for j := range res.Ops {
			total += res.Ops[j].Duration
			if res.Ops[j].Message != "" {
				message = &res.Ops[j].Message
			}
		}
		record := &stores.ResourceResult{
			ID:         fmt.Sprintf("%s-%d", report.RunID, i),
			RunID:      report.RunID,
			Addr:       res.Addr,
			Connector:  res.Connector,
			State:      string(res.State),
			Ops:        len(res.Ops),
			Message:    message,
			DurationMS: total.Milliseconds(),
			CreatedAt:  report.CompletedAt,
		}
		if res.ExecAddr != "" {
			record.PhyAddr = &res.ExecAddr
		}
		if res.Error != "" {
			record.Error = &res.Error
		}
		if err := r.store.CreateResourceResult(ctx, record); err != nil {
			return err
		}
	}

	return r.store.UpdateRunStatus(ctx, report.RunID, stores.RunStatus(report.Status), nil)
}

// printJSON writes v to stdout as indented JSON.
func printJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
