package stores

import (
	"context"
	"os"
	"testing"
	"time"
)

// setupTestStore creates an in-memory SQLite store for testing
func setupTestStore(t *testing.T) *SQLiteStore {
	t.Helper()

	store, err := NewSQLiteStore(Config{
		Path: ":memory:",
	})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}

	ctx := context.Background()
	if err := store.Init(ctx); err != nil {
		t.Fatalf("failed to initialize store: %v", err)
	}

	if err := store.Migrate(ctx); err != nil {
		t.Fatalf("failed to migrate store: %v", err)
	}

	return store
}

// TestStoreLifecycle tests database initialization and closure
func TestStoreLifecycle(t *testing.T) {
	store, err := NewSQLiteStore(Config{
		Path: ":memory:",
	})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}

	ctx := context.Background()
	if err := store.Init(ctx); err != nil {
		t.Fatalf("failed to initialize store: %v", err)
	}

	if err := store.HealthCheck(ctx); err != nil {
		t.Fatalf("health check failed: %v", err)
	}

	if err := store.Close(); err != nil {
		t.Fatalf("failed to close store: %v", err)
	}
}

// TestStoreMigrations tests database migrations
func TestStoreMigrations(t *testing.T) {
	store := setupTestStore(t)
	defer store.Close()

	ctx := context.Background()

	// Check that tables exist by querying them
	tables := []string{"runs", "run_resources", "events"}
	for _, table := range tables {
		query := "SELECT COUNT(*) FROM " + table
		var count int
		err := store.db.QueryRowContext(ctx, query).Scan(&count)
		if err != nil {
			t.Errorf("table %s does not exist or is not accessible: %v", table, err)
		}
	}
}

// TestRunCRUD tests Run CRUD operations
func TestRunCRUD(t *testing.T) {
	store := setupTestStore(t)
	defer store.Close()

	ctx := context.Background()
	now := time.Now()

	// Create
	planID := "plan-001"
	run := &Run{
		ID:        "run-001",
		Prefix:    "prod",
		Kind:      RunKindApply,
		PlanID:    &planID,
		Status:    RunStatusRunning,
		StartedAt: now,
		Summary:   `{"total":3,"to_change":2}`,
		CreatedAt: now,
		UpdatedAt: now,
	}

	if err := store.CreateRun(ctx, run); err != nil {
		t.Fatalf("failed to create run: %v", err)
	}

	// Read
	retrieved, err := store.GetRun(ctx, run.ID)
	if err != nil {
		t.Fatalf("failed to get run: %v", err)
	}

	if retrieved.ID != run.ID {
		t.Errorf("expected ID %s, got %s", run.ID, retrieved.ID)
	}
	if retrieved.Prefix != run.Prefix {
		t.Errorf("expected Prefix %s, got %s", run.Prefix, retrieved.Prefix)
	}
	if retrieved.Kind != run.Kind {
		t.Errorf("expected Kind %s, got %s", run.Kind, retrieved.Kind)
	}
	if retrieved.PlanID == nil || *retrieved.PlanID != planID {
		t.Errorf("expected PlanID %s, got %v", planID, retrieved.PlanID)
	}

	// Update
	errMsg := "op 2 failed"
	if err := store.UpdateRunStatus(ctx, run.ID, RunStatusFailed, &errMsg); err != nil {
		t.Fatalf("failed to update run status: %v", err)
	}

	updated, err := store.GetRun(ctx, run.ID)
	if err != nil {
		t.Fatalf("failed to get updated run: %v", err)
	}

	if updated.Status != RunStatusFailed {
		t.Errorf("expected Status %s, got %s", RunStatusFailed, updated.Status)
	}
	if updated.Error == nil || *updated.Error != errMsg {
		t.Errorf("expected Error %s, got %v", errMsg, updated.Error)
	}
	if updated.CompletedAt == nil {
		t.Error("expected CompletedAt to be set")
	}

	// List
	runs, err := store.ListRuns(ctx, nil, 10, 0)
	if err != nil {
		t.Fatalf("failed to list runs: %v", err)
	}

	if len(runs) != 1 {
		t.Errorf("expected 1 run, got %d", len(runs))
	}

	// List with prefix filter
	other := "staging"
	filtered, err := store.ListRuns(ctx, &other, 10, 0)
	if err != nil {
		t.Fatalf("failed to list runs by prefix: %v", err)
	}
	if len(filtered) != 0 {
		t.Errorf("expected 0 runs for prefix %s, got %d", other, len(filtered))
	}

	// Delete
	if err := store.DeleteRun(ctx, run.ID); err != nil {
		t.Fatalf("failed to delete run: %v", err)
	}

	_, err = store.GetRun(ctx, run.ID)
	if err == nil {
		t.Error("expected error when getting deleted run")
	}
}

// TestResourceResultOperations tests per-resource outcome records
func TestResourceResultOperations(t *testing.T) {
	store := setupTestStore(t)
	defer store.Close()

	ctx := context.Background()
	now := time.Now()

	// Create a run first (required for foreign key)
	run := &Run{
		ID:        "run-002",
		Prefix:    "prod",
		Kind:      RunKindApply,
		Status:    RunStatusRunning,
		StartedAt: now,
		Summary:   `{}`,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := store.CreateRun(ctx, run); err != nil {
		t.Fatalf("failed to create run: %v", err)
	}

	// Create
	phy := "aws/s3/bucket-8f21.json"
	result := &ResourceResult{
		ID:         "rr-001",
		RunID:      run.ID,
		Addr:       "aws/s3/bucket.json",
		Connector:  "aws",
		PhyAddr:    &phy,
		State:      "applied",
		Ops:        2,
		DurationMS: 340,
		CreatedAt:  now,
	}

	if err := store.CreateResourceResult(ctx, result); err != nil {
		t.Fatalf("failed to create resource result: %v", err)
	}

	second := &ResourceResult{
		ID:         "rr-002",
		RunID:      run.ID,
		Addr:       "aws/s3/logs.json",
		Connector:  "aws",
		State:      "no_drift",
		CreatedAt:  now.Add(time.Second),
	}
	if err := store.CreateResourceResult(ctx, second); err != nil {
		t.Fatalf("failed to create second resource result: %v", err)
	}

	// List by run
	results, err := store.ListResourceResultsByRun(ctx, run.ID)
	if err != nil {
		t.Fatalf("failed to list resource results: %v", err)
	}

	if len(results) != 2 {
		t.Fatalf("expected 2 resource results, got %d", len(results))
	}
	if results[0].Addr != "aws/s3/bucket.json" {
		t.Errorf("expected results ordered by addr, got %s first", results[0].Addr)
	}
	if results[0].PhyAddr == nil || *results[0].PhyAddr != phy {
		t.Errorf("expected PhyAddr %s, got %v", phy, results[0].PhyAddr)
	}

	// Latest result for an address
	latest, err := store.LatestResourceResult(ctx, "aws/s3/bucket.json")
	if err != nil {
		t.Fatalf("failed to get latest resource result: %v", err)
	}
	if latest.ID != "rr-001" {
		t.Errorf("expected latest result rr-001, got %s", latest.ID)
	}

	// Unknown address
	_, err = store.LatestResourceResult(ctx, "aws/s3/missing.json")
	if err == nil {
		t.Error("expected error for unknown address")
	}
}

// TestEventOperations tests Event operations
func TestEventOperations(t *testing.T) {
	store := setupTestStore(t)
	defer store.Close()

	ctx := context.Background()
	now := time.Now()

	// Create a run first
	run := &Run{
		ID:        "run-003",
		Prefix:    "prod",
		Kind:      RunKindPlan,
		Status:    RunStatusRunning,
		StartedAt: now,
		Summary:   `{}`,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := store.CreateRun(ctx, run); err != nil {
		t.Fatalf("failed to create run: %v", err)
	}

	addr := "aws/s3/bucket.json"

	// Append events
	events := []*Event{
		{
			RunID:     &run.ID,
			Level:     EventLevelInfo,
			Message:   "plan started",
			Timestamp: now,
		},
		{
			RunID:     &run.ID,
			Addr:      &addr,
			Level:     EventLevelWarning,
			Message:   "resource deferred on missing outputs",
			Timestamp: now.Add(1 * time.Second),
		},
		{
			RunID:     &run.ID,
			Addr:      &addr,
			Level:     EventLevelError,
			Message:   "op failed",
			Timestamp: now.Add(2 * time.Second),
		},
	}

	for _, event := range events {
		if err := store.AppendEvent(ctx, event); err != nil {
			t.Fatalf("failed to append event: %v", err)
		}
		if event.ID == 0 {
			t.Error("expected event ID to be set after insert")
		}
	}

	// Get all events for run
	retrieved, err := store.GetEvents(ctx, &run.ID, nil, nil, 10, 0)
	if err != nil {
		t.Fatalf("failed to get events: %v", err)
	}

	if len(retrieved) != 3 {
		t.Errorf("expected 3 events, got %d", len(retrieved))
	}

	// Filter by level
	errorLevel := EventLevelError
	filtered, err := store.GetEvents(ctx, nil, nil, &errorLevel, 10, 0)
	if err != nil {
		t.Fatalf("failed to get filtered events: %v", err)
	}

	if len(filtered) != 1 {
		t.Errorf("expected 1 error event, got %d", len(filtered))
	}
	if filtered[0].Level != EventLevelError {
		t.Errorf("expected level %s, got %s", EventLevelError, filtered[0].Level)
	}

	// Filter by address
	byAddr, err := store.GetEvents(ctx, nil, &addr, nil, 10, 0)
	if err != nil {
		t.Fatalf("failed to get events by addr: %v", err)
	}
	if len(byAddr) != 2 {
		t.Errorf("expected 2 events for addr, got %d", len(byAddr))
	}
}

// TestTransactions tests transaction support
func TestTransactions(t *testing.T) {
	store := setupTestStore(t)
	defer store.Close()

	ctx := context.Background()
	now := time.Now()

	// Begin transaction
	tx, err := store.BeginTx(ctx)
	if err != nil {
		t.Fatalf("failed to begin transaction: %v", err)
	}

	// Create run within transaction
	run := &Run{
		ID:        "run-tx-001",
		Prefix:    "prod",
		Kind:      RunKindApply,
		Status:    RunStatusRunning,
		StartedAt: now,
		Summary:   `{}`,
		CreatedAt: now,
		UpdatedAt: now,
	}

	query := `
		INSERT INTO runs (id, prefix, kind, status, started_at, summary, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err = tx.ExecContext(ctx, query, run.ID, run.Prefix, run.Kind, run.Status, run.StartedAt, run.Summary, run.CreatedAt, run.UpdatedAt)
	if err != nil {
		store.RollbackTx(tx)
		t.Fatalf("failed to insert run in transaction: %v", err)
	}

	// Rollback
	if err := store.RollbackTx(tx); err != nil {
		t.Fatalf("failed to rollback transaction: %v", err)
	}

	// Verify run was not created
	_, err = store.GetRun(ctx, run.ID)
	if err == nil {
		t.Error("expected error when getting rolled back run")
	}

	// Begin new transaction and commit
	tx, err = store.BeginTx(ctx)
	if err != nil {
		t.Fatalf("failed to begin second transaction: %v", err)
	}

	_, err = tx.ExecContext(ctx, query, run.ID, run.Prefix, run.Kind, run.Status, run.StartedAt, run.Summary, run.CreatedAt, run.UpdatedAt)
	if err != nil {
		store.RollbackTx(tx)
		t.Fatalf("failed to insert run in second transaction: %v", err)
	}

	if err := store.CommitTx(tx); err != nil {
		t.Fatalf("failed to commit transaction: %v", err)
	}

	// Verify run was created
	retrieved, err := store.GetRun(ctx, run.ID)
	if err != nil {
		t.Fatalf("failed to get committed run: %v", err)
	}

	if retrieved.ID != run.ID {
		t.Errorf("expected ID %s, got %s", run.ID, retrieved.ID)
	}
}

// TestCascadeDelete tests foreign key cascading
func TestCascadeDelete(t *testing.T) {
	store := setupTestStore(t)
	defer store.Close()

	ctx := context.Background()
	now := time.Now()

	// Create run
	run := &Run{
		ID:        "run-cascade-001",
		Prefix:    "prod",
		Kind:      RunKindApply,
		Status:    RunStatusRunning,
		StartedAt: now,
		Summary:   `{}`,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := store.CreateRun(ctx, run); err != nil {
		t.Fatalf("failed to create run: %v", err)
	}

	// Create resource result
	result := &ResourceResult{
		ID:        "rr-cascade-001",
		RunID:     run.ID,
		Addr:      "aws/s3/bucket.json",
		Connector: "aws",
		State:     "applied",
		CreatedAt: now,
	}
	if err := store.CreateResourceResult(ctx, result); err != nil {
		t.Fatalf("failed to create resource result: %v", err)
	}

	// Create event
	event := &Event{
		RunID:     &run.ID,
		Level:     EventLevelInfo,
		Message:   "test event",
		Timestamp: now,
	}
	if err := store.AppendEvent(ctx, event); err != nil {
		t.Fatalf("failed to append event: %v", err)
	}

	// Delete run (should cascade to run_resources and events)
	if err := store.DeleteRun(ctx, run.ID); err != nil {
		t.Fatalf("failed to delete run: %v", err)
	}

	// Verify resource results were deleted
	results, err := store.ListResourceResultsByRun(ctx, run.ID)
	if err != nil {
		t.Fatalf("failed to list resource results: %v", err)
	}
	if len(results) != 0 {
		t.Errorf("expected 0 resource results after cascade delete, got %d", len(results))
	}

	// Verify events were deleted
	events, err := store.GetEvents(ctx, &run.ID, nil, nil, 10, 0)
	if err != nil {
		t.Fatalf("failed to get events: %v", err)
	}
	if len(events) != 0 {
		t.Errorf("expected 0 events after cascade delete, got %d", len(events))
	}
}

// TestMain sets up and tears down test environment
func TestMain(m *testing.M) {
	// Run tests
	code := m.Run()

	// Exit
	os.Exit(code)
}
