package stores

import (
	"context"
	"database/sql"
	"time"
)

// RunKind identifies what the run did.
type RunKind string

const (
	RunKindPlan   RunKind = "plan"
	RunKindApply  RunKind = "apply"
	RunKindImport RunKind = "import"
)

// RunStatus represents the status of a run.
type RunStatus string

const (
	RunStatusRunning   RunStatus = "running"
	RunStatusSucceeded RunStatus = "succeeded"
	RunStatusPartial   RunStatus = "partial"
	RunStatusFailed    RunStatus = "failed"
	RunStatusCancelled RunStatus = "cancelled"
)

// EventLevel represents the severity level of an event.
type EventLevel string

const (
	EventLevelDebug   EventLevel = "debug"
	EventLevelInfo    EventLevel = "info"
	EventLevelWarning EventLevel = "warning"
	EventLevelError   EventLevel = "error"
)

// Run represents one plan, apply or import run against a prefix.
type Run struct {
	ID          string     `json:"id"`
	Prefix      string     `json:"prefix"`
	Kind        RunKind    `json:"kind"`
	PlanID      *string    `json:"plan_id,omitempty"`
	Status      RunStatus  `json:"status"`
	StartedAt   time.Time  `json:"started_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	Error       *string    `json:"error,omitempty"`
	Summary     string     `json:"summary"` // JSON blob
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// ResourceResult represents the outcome for a single resource address
// within a run.
type ResourceResult struct {
	ID         string    `json:"id"`
	RunID      string    `json:"run_id"`
	Addr       string    `json:"addr"`
	Connector  string    `json:"connector"`
	PhyAddr    *string   `json:"phy_addr,omitempty"`
	State      string    `json:"state"` // planned, applied, no_drift, deferred, failed, skipped
	Ops        int       `json:"ops"`
	Message    *string   `json:"message,omitempty"`
	Error      *string   `json:"error,omitempty"`
	DurationMS int64     `json:"duration_ms"`
	CreatedAt  time.Time `json:"created_at"`
}

// Event represents an append-only log event.
type Event struct {
	ID        int64      `json:"id"`
	RunID     *string    `json:"run_id,omitempty"`
	Addr      *string    `json:"addr,omitempty"`
	Level     EventLevel `json:"level"`
	Message   string     `json:"message"`
	Details   *string    `json:"details,omitempty"` // JSON blob
	Timestamp time.Time  `json:"timestamp"`
}

// Store defines the interface for the run history persistence layer.
type Store interface {
	// Lifecycle
	Init(ctx context.Context) error
	Close() error
	Migrate(ctx context.Context) error

	// Transaction support
	BeginTx(ctx context.Context) (*sql.Tx, error)
	CommitTx(tx *sql.Tx) error
	RollbackTx(tx *sql.Tx) error

	// Run operations
	CreateRun(ctx context.Context, run *Run) error
	GetRun(ctx context.Context, id string) (*Run, error)
	UpdateRunStatus(ctx context.Context, id string, status RunStatus, err *string) error
	ListRuns(ctx context.Context, prefix *string, limit, offset int) ([]*Run, error)
	DeleteRun(ctx context.Context, id string) error

	// ResourceResult operations
	CreateResourceResult(ctx context.Context, result *ResourceResult) error
	ListResourceResultsByRun(ctx context.Context, runID string) ([]*ResourceResult, error)
	LatestResourceResult(ctx context.Context, addr string) (*ResourceResult, error)

	// Event operations
	AppendEvent(ctx context.Context, event *Event) error
	GetEvents(ctx context.Context, runID *string, addr *string, level *EventLevel, limit, offset int) ([]*Event, error)

	// Utility
	HealthCheck(ctx context.Context) error
}
