package stores_test

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/autoschematic-sh/autoschematic/pkg/stores"
)

// ExampleNewSQLiteStore demonstrates creating and initializing a new SQLite store.
func ExampleNewSQLiteStore() {
	// Create store configuration
	store, err := stores.NewSQLiteStore(stores.Config{
		Path:            ":memory:", // Use in-memory database for example
		MaxOpenConns:    25,
		MaxIdleConns:    5,
		ConnMaxLifetime: 5 * time.Minute,
	})
	if err != nil {
		log.Fatal(err)
	}

	// Initialize the database connection
	ctx := context.Background()
	if err := store.Init(ctx); err != nil {
		log.Fatal(err)
	}

	// Run migrations
	if err := store.Migrate(ctx); err != nil {
		log.Fatal(err)
	}

	defer store.Close()

	// Store is now ready to use
	fmt.Println("Store initialized successfully")
	// Output: Store initialized successfully
}

// ExampleSQLiteStore_CreateRun demonstrates creating a new run record.
func ExampleSQLiteStore_CreateRun() {
	store, _ := stores.NewSQLiteStore(stores.Config{Path: ":memory:"})
	ctx := context.Background()
	_ = store.Init(ctx)
	_ = store.Migrate(ctx)
	defer store.Close()

	// Create a new run
	planID := "plan-7c2f"
	run := &stores.Run{
		ID:        "run-001",
		Prefix:    "prod",
		Kind:      stores.RunKindApply,
		PlanID:    &planID,
		Status:    stores.RunStatusRunning,
		StartedAt: time.Now(),
		Summary:   `{"total":3,"to_change":2,"to_delete":0}`,
		CreatedAt: time.Now(),
		UpdatedAt: time.Now(),
	}

	if err := store.CreateRun(ctx, run); err != nil {
		log.Fatal(err)
	}

	// Retrieve the run
	retrieved, err := store.GetRun(ctx, "run-001")
	if err != nil {
		log.Fatal(err)
	}

	fmt.Printf("Run ID: %s, Status: %s\n", retrieved.ID, retrieved.Status)
	// Output: Run ID: run-001, Status: running
}

// ExampleSQLiteStore_CreateResourceResult demonstrates recording per-resource outcomes.
func ExampleSQLiteStore_CreateResourceResult() {
	store, _ := stores.NewSQLiteStore(stores.Config{Path: ":memory:"})
	ctx := context.Background()
	_ = store.Init(ctx)
	_ = store.Migrate(ctx)
	defer store.Close()

	// Create a run (required for foreign key)
	run := &stores.Run{
		ID:        "run-002",
		Prefix:    "prod",
		Kind:      stores.RunKindApply,
		Status:    stores.RunStatusSucceeded,
		StartedAt: time.Now(),
		Summary:   `{}`,
		CreatedAt: time.Now(),
		UpdatedAt: time.Now(),
	}
	_ = store.CreateRun(ctx, run)

	// Record the outcome for one resource address
	phy := "aws/s3/bucket-8f21.json"
	result := &stores.ResourceResult{
		ID:         "rr-001",
		RunID:      "run-002",
		Addr:       "aws/s3/bucket.json",
		Connector:  "aws",
		PhyAddr:    &phy,
		State:      "applied",
		Ops:        2,
		DurationMS: 340,
		CreatedAt:  time.Now(),
	}

	if err := store.CreateResourceResult(ctx, result); err != nil {
		log.Fatal(err)
	}

	// Look up the latest outcome for the address
	latest, err := store.LatestResourceResult(ctx, "aws/s3/bucket.json")
	if err != nil {
		log.Fatal(err)
	}

	fmt.Printf("Resource: %s, State: %s, Ops: %d\n", latest.Addr, latest.State, latest.Ops)
	// Output: Resource: aws/s3/bucket.json, State: applied, Ops: 2
}

// ExampleSQLiteStore_AppendEvent demonstrates logging events.
func ExampleSQLiteStore_AppendEvent() {
	store, _ := stores.NewSQLiteStore(stores.Config{Path: ":memory:"})
	ctx := context.Background()
	_ = store.Init(ctx)
	_ = store.Migrate(ctx)
	defer store.Close()

	// Create a run
	run := &stores.Run{
		ID:        "run-003",
		Prefix:    "prod",
		Kind:      stores.RunKindApply,
		Status:    stores.RunStatusRunning,
		StartedAt: time.Now(),
		Summary:   `{}`,
		CreatedAt: time.Now(),
		UpdatedAt: time.Now(),
	}
	_ = store.CreateRun(ctx, run)

	// Log an event
	details := `{"connector":"aws"}`
	event := &stores.Event{
		RunID:     &run.ID,
		Level:     stores.EventLevelInfo,
		Message:   "Starting apply",
		Details:   &details,
		Timestamp: time.Now(),
	}

	if err := store.AppendEvent(ctx, event); err != nil {
		log.Fatal(err)
	}

	// Retrieve events
	events, err := store.GetEvents(ctx, &run.ID, nil, nil, 10, 0)
	if err != nil {
		log.Fatal(err)
	}

	fmt.Printf("Event count: %d, Message: %s\n", len(events), events[0].Message)
	// Output: Event count: 1, Message: Starting apply
}

// ExampleSQLiteStore_BeginTx demonstrates using transactions.
func ExampleSQLiteStore_BeginTx() {
	store, _ := stores.NewSQLiteStore(stores.Config{Path: ":memory:"})
	ctx := context.Background()
	_ = store.Init(ctx)
	_ = store.Migrate(ctx)
	defer store.Close()

	// Begin transaction
	tx, err := store.BeginTx(ctx)
	if err != nil {
		log.Fatal(err)
	}

	// Perform operations within transaction
	query := `
		INSERT INTO runs (id, prefix, kind, status, started_at, summary, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`
	now := time.Now()
	_, err = tx.ExecContext(ctx, query, "run-tx-001", "prod",
		"apply", "running", now, "{}", now, now)

	if err != nil {
		_ = store.RollbackTx(tx)
		log.Fatal(err)
	}

	// Commit transaction
	if err := store.CommitTx(tx); err != nil {
		log.Fatal(err)
	}

	// Verify run was created
	run, err := store.GetRun(ctx, "run-tx-001")
	if err != nil {
		log.Fatal(err)
	}

	fmt.Printf("Transaction committed: Run %s created\n", run.ID)
	// Output: Transaction committed: Run run-tx-001 created
}
