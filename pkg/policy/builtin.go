package policy

import (
	"time"
)

// GetBuiltinPolicies returns all built-in policies.
func GetBuiltinPolicies() []Policy {
	return []Policy{
		addrNamingPolicy(),
		productionDeletePolicy(),
		massDeletePolicy(),
		planFailurePolicy(),
	}
}

// addrNamingPolicy enforces resource address conventions.
func addrNamingPolicy() Policy {
	return Policy{
		Name:        "addr-naming",
		Description: "Enforces resource address conventions (relative, no traversal, no whitespace)",
		Severity:    SeverityError,
		Enabled:     true,
		Tags:        []string{"naming", "conventions"},
		CreatedAt:   time.Now(),
		UpdatedAt:   time.Now(),
		Rego: `package autoschematic.policies.naming

import rego.v1

# Addresses must be relative paths
deny contains violation if {
	input.resource
	resource := input.resource
	addr := resource.addr

	startswith(addr, "/")
	violation := {
		"message": sprintf("Address '%s' must be relative to the prefix", [addr]),
		"severity": "error",
		"addr": addr,
	}
}

deny contains violation if {
	input.resource
	resource := input.resource
	addr := resource.addr

	# Path traversal is never a valid address segment
	some segment in split(addr, "/")
	segment == ".."
	violation := {
		"message": sprintf("Address '%s' must not contain path traversal", [addr]),
		"severity": "error",
		"addr": addr,
	}
}

deny contains violation if {
	input.resource
	resource := input.resource
	addr := resource.addr

	regex.match("\\s", addr)
	violation := {
		"message": sprintf("Address '%s' must not contain whitespace", [addr]),
		"severity": "error",
		"addr": addr,
	}
}

deny contains violation if {
	input.resource
	resource := input.resource
	addr := resource.addr

	count(addr) > 255
	violation := {
		"message": sprintf("Address '%s' must not exceed 255 characters", [addr]),
		"severity": "error",
		"addr": addr,
	}
}`,
	}
}

// productionDeletePolicy prevents deletions in production without a dry run.
func productionDeletePolicy() Policy {
	return Policy{
		Name:        "production-deletes",
		Description: "Prevents resource deletions in production without an explicit dry run first",
		Severity:    SeverityCritical,
		Enabled:     true,
		Tags:        []string{"operations", "safety", "production"},
		CreatedAt:   time.Now(),
		UpdatedAt:   time.Now(),
		Rego: `package autoschematic.policies.deletes

import rego.v1

deny contains violation if {
	input.resource
	input.context
	resource := input.resource
	context := input.context

	resource.deleted
	context.environment == "production"
	not context.dry_run

	violation := {
		"message": sprintf("Deletion of '%s' is not allowed in production environment", [resource.addr]),
		"severity": "critical",
		"addr": resource.addr,
	}
}`,
	}
}

// massDeletePolicy warns when a plan deletes many resources at once.
func massDeletePolicy() Policy {
	return Policy{
		Name:        "mass-delete",
		Description: "Warns when a single plan deletes more than five resources",
		Severity:    SeverityWarning,
		Enabled:     true,
		Tags:        []string{"operations", "safety"},
		CreatedAt:   time.Now(),
		UpdatedAt:   time.Now(),
		Rego: `package autoschematic.policies.massdelete

import rego.v1

max_deletes := 5

deny contains violation if {
	input.plan
	plan := input.plan

	plan.summary.to_delete > max_deletes

	violation := {
		"message": sprintf("Plan will delete %d resources - please review carefully", [plan.summary.to_delete]),
		"severity": "warning",
	}
}`,
	}
}

// planFailurePolicy surfaces resources that already failed during planning.
func planFailurePolicy() Policy {
	return Policy{
		Name:        "plan-failures",
		Description: "Flags resources that failed during planning before any apply is attempted",
		Severity:    SeverityWarning,
		Enabled:     true,
		Tags:        []string{"planning"},
		CreatedAt:   time.Now(),
		UpdatedAt:   time.Now(),
		Rego: `package autoschematic.policies.planfailures

import rego.v1

deny contains violation if {
	input.resource
	resource := input.resource

	resource.state == "failed"

	violation := {
		"message": sprintf("Resource '%s' failed during planning: %s", [resource.addr, resource.error]),
		"severity": "warning",
		"addr": resource.addr,
	}
}`,
	}
}
