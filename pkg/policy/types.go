package policy

import (
	"time"

	"github.com/autoschematic-sh/autoschematic/pkg/engine"
)

// Severity represents the severity level of a policy violation.
type Severity string

const (
	// SeverityInfo is for informational messages.
	SeverityInfo Severity = "info"

	// SeverityWarning is for warnings that should be reviewed.
	SeverityWarning Severity = "warning"

	// SeverityError is for errors that should block operations.
	SeverityError Severity = "error"

	// SeverityCritical is for critical violations that must be addressed immediately.
	SeverityCritical Severity = "critical"
)

// Policy represents a policy rule with its Rego code.
type Policy struct {
	// Name is the unique name of the policy.
	Name string `json:"name"`

	// Description provides a human-readable description.
	Description string `json:"description"`

	// Rego contains the Rego policy code.
	Rego string `json:"rego"`

	// Severity is the default severity for violations.
	Severity Severity `json:"severity"`

	// Enabled indicates if the policy is active.
	Enabled bool `json:"enabled"`

	// Tags are labels for organizing policies.
	Tags []string `json:"tags,omitempty"`

	// Metadata contains additional policy metadata.
	Metadata map[string]interface{} `json:"metadata,omitempty"`

	// CreatedAt is when the policy was created.
	CreatedAt time.Time `json:"created_at"`

	// UpdatedAt is when the policy was last updated.
	UpdatedAt time.Time `json:"updated_at"`
}

// Violation represents a single policy violation.
type Violation struct {
	// Policy is the name of the policy that was violated.
	Policy string `json:"policy"`

	// Addr is the resource address that violated the policy, if any.
	Addr string `json:"addr,omitempty"`

	// Message is a human-readable violation message.
	Message string `json:"message"`

	// Severity is the violation severity level.
	Severity Severity `json:"severity"`

	// DetectedAt is when the violation was detected.
	DetectedAt time.Time `json:"detected_at"`
}

// Result represents the result of policy evaluation.
type Result struct {
	// Allowed indicates if the operation is allowed.
	Allowed bool `json:"allowed"`

	// Violations lists all policy violations.
	Violations []Violation `json:"violations,omitempty"`

	// Warnings lists evaluation problems that did not block the run.
	Warnings []string `json:"warnings,omitempty"`

	// EvaluatedAt is when the policy was evaluated.
	EvaluatedAt time.Time `json:"evaluated_at"`

	// EvaluatedPolicies lists the names of policies that were evaluated.
	EvaluatedPolicies []string `json:"evaluated_policies"`

	// Duration is how long the evaluation took.
	Duration time.Duration `json:"duration"`
}

// Input represents the input data for policy evaluation.
type Input struct {
	// Resource is the planned resource being evaluated, for per-resource
	// policies.
	Resource *engine.PlannedResource `json:"resource,omitempty"`

	// Plan is the plan report being evaluated, for plan-level policies.
	Plan *engine.PlanReport `json:"plan,omitempty"`

	// Context provides additional evaluation context.
	Context *Context `json:"context"`
}

// Context provides context information for policy evaluation.
type Context struct {
	// Prefix is the prefix the run covers.
	Prefix string `json:"prefix,omitempty"`

	// Environment is the environment (e.g., "production", "staging").
	Environment string `json:"environment,omitempty"`

	// Timestamp is when the evaluation is occurring.
	Timestamp time.Time `json:"timestamp"`

	// Operation is the run kind being evaluated (e.g., "plan", "apply").
	Operation string `json:"operation,omitempty"`

	// DryRun indicates if this is a dry-run evaluation.
	DryRun bool `json:"dry_run"`

	// Metadata contains additional context metadata.
	Metadata map[string]interface{} `json:"metadata,omitempty"`
}
