package engine

import (
	"time"

	"github.com/autoschematic-sh/autoschematic/pkg/connector"
)

// ResourceState tracks a resource file through planning and execution.
type ResourceState string

const (
	// StatePlanned means the connector produced at least one operation.
	StatePlanned ResourceState = "planned"

	// StateNoDrift means current and desired state already agree.
	StateNoDrift ResourceState = "no_drift"

	// StateDeferred means planning could not complete because the resource
	// reads outputs that no applied resource has published yet.
	StateDeferred ResourceState = "deferred"

	// StateApplying means operations are executing.
	StateApplying ResourceState = "applying"

	// StateApplied means every planned operation succeeded.
	StateApplied ResourceState = "applied"

	// StateFailed means an operation or resolution failed. Remaining
	// operations for the resource are abandoned, never rolled back.
	StateFailed ResourceState = "failed"

	// StateSkipped means the resource was not attempted because an earlier
	// resource in its execution group failed.
	StateSkipped ResourceState = "skipped"
)

// PlannedResource is one resource file's planning outcome.
type PlannedResource struct {
	// Addr is the virtual address: the file path relative to the prefix.
	Addr string `json:"addr"`

	// Connector is the name of the connector that claimed the address.
	Connector string `json:"connector"`

	// PhyAddr is the resolved physical address, empty when the resource
	// does not exist remotely yet.
	PhyAddr string `json:"phy_addr,omitempty"`

	// Deleted is true when the desired state file was removed and the plan
	// is a destroy.
	Deleted bool `json:"deleted,omitempty"`

	// Bundle is the bundle address this resource was unbundled from, if any.
	Bundle string `json:"bundle,omitempty"`

	// Desired is the templated desired state, nil for deletions.
	Desired []byte `json:"desired,omitempty"`

	// Current is the remote state at plan time, nil when absent.
	Current []byte `json:"current,omitempty"`

	// Ops are the operations that reconcile current to desired, in order.
	Ops []connector.Op `json:"ops,omitempty"`

	// State is the resource's position in the plan/apply lifecycle.
	State ResourceState `json:"state"`

	// MissingReads lists the unpublished outputs blocking a deferred
	// resource.
	MissingReads []connector.ReadOutput `json:"missing_reads,omitempty"`

	// Error holds the planning or execution failure, if any.
	Error string `json:"error,omitempty"`
}

// WritesOutputs reports whether any planned operation publishes outputs.
func (r *PlannedResource) WritesOutputs() bool {
	for _, op := range r.Ops {
		if len(op.WritesOutputs) > 0 {
			return true
		}
	}
	return false
}

// PlanSummary provides statistics about a plan.
type PlanSummary struct {
	// Total is the number of resource files considered.
	Total int `json:"total"`

	// ToChange is the number of resources with pending operations.
	ToChange int `json:"to_change"`

	// ToDelete is the number of resources planned for deletion.
	ToDelete int `json:"to_delete"`

	// NoDrift is the number of resources already in their desired state.
	NoDrift int `json:"no_drift"`

	// Deferred is the number of resources blocked on unpublished outputs.
	Deferred int `json:"deferred"`
}

// PlanReport is the complete output of a planning run for one prefix.
type PlanReport struct {
	// ID is the unique identifier for this plan.
	ID string `json:"id"`

	// Prefix is the prefix this plan covers.
	Prefix string `json:"prefix"`

	// CreatedAt is when the plan was produced.
	CreatedAt time.Time `json:"created_at"`

	// Resources are the per-file planning outcomes, in address order.
	Resources []*PlannedResource `json:"resources"`

	// Summary provides high-level statistics about the plan.
	Summary PlanSummary `json:"summary"`
}

// Resource returns the planned resource for addr, or nil.
func (p *PlanReport) Resource(addr string) *PlannedResource {
	for _, r := range p.Resources {
		if r.Addr == addr {
			return r
		}
	}
	return nil
}

// producible builds the predicate fed to the resolver: an output is
// producible when some resource in this plan publishes outputs for its
// address. Deferred resources count as producers since their operations are
// not known until they re-plan during execution.
func (p *PlanReport) producible() func(ref connector.ReadOutput) bool {
	producers := make(map[string]struct{})
	for _, r := range p.Resources {
		if r.WritesOutputs() || r.State == StateDeferred {
			producers[connector.NormalizeAddr(r.Addr)] = struct{}{}
		}
	}
	return func(ref connector.ReadOutput) bool {
		_, ok := producers[connector.NormalizeAddr(ref.Addr)]
		return ok
	}
}

// OpOutcome records the execution of a single operation.
type OpOutcome struct {
	// Op is the executed operation definition.
	Op string `json:"op"`

	// Message is the connector's human-readable outcome message.
	Message string `json:"message,omitempty"`

	// Outputs is the number of output values the operation published.
	Outputs int `json:"outputs"`

	// Duration is how long the operation took.
	Duration time.Duration `json:"duration"`

	// Error is the execution failure, if any.
	Error string `json:"error,omitempty"`
}

// ApplyResult is one resource's execution outcome.
type ApplyResult struct {
	// Addr is the virtual address of the resource.
	Addr string `json:"addr"`

	// Connector is the connector that executed the operations.
	Connector string `json:"connector"`

	// ExecAddr is the address the operations were executed against.
	ExecAddr string `json:"exec_addr,omitempty"`

	// State is the resource's terminal state for this run.
	State ResourceState `json:"state"`

	// Ops are the per-operation outcomes, in execution order.
	Ops []OpOutcome `json:"ops,omitempty"`

	// Error is the resolution or execution failure, if any.
	Error string `json:"error,omitempty"`
}

// RunStatus is the terminal status of an apply run.
type RunStatus string

const (
	// RunSucceeded means every attempted resource applied cleanly.
	RunSucceeded RunStatus = "succeeded"

	// RunPartial means some resources applied and some failed or were
	// skipped.
	RunPartial RunStatus = "partial"

	// RunFailed means no resource applied successfully.
	RunFailed RunStatus = "failed"
)

// ApplyReport is the complete output of an apply run for one prefix.
type ApplyReport struct {
	// RunID is the unique identifier for this run.
	RunID string `json:"run_id"`

	// PlanID is the plan this run executed.
	PlanID string `json:"plan_id"`

	// Prefix is the prefix this run covers.
	Prefix string `json:"prefix"`

	// StartedAt is when the run started.
	StartedAt time.Time `json:"started_at"`

	// CompletedAt is when the run completed.
	CompletedAt time.Time `json:"completed_at"`

	// Duration is the total run duration.
	Duration time.Duration `json:"duration"`

	// Status is the terminal run status.
	Status RunStatus `json:"status"`

	// Results are the per-resource outcomes, in address order.
	Results []*ApplyResult `json:"results"`
}

// ImportedResource is one remote resource materialized as a local file.
type ImportedResource struct {
	// PhyAddr is the physical address discovered by List.
	PhyAddr string `json:"phy_addr"`

	// VirtAddr is the file path the resource was written to.
	VirtAddr string `json:"virt_addr"`

	// Skipped is true when a local file already existed and overwrite was
	// not requested.
	Skipped bool `json:"skipped,omitempty"`
}

// ImportReport is the output of an import run.
type ImportReport struct {
	// Prefix is the prefix resources were imported into.
	Prefix string `json:"prefix"`

	// Connector is the connector that was scanned.
	Connector string `json:"connector"`

	// Resources are the discovered resources, in physical address order.
	Resources []ImportedResource `json:"resources"`
}
