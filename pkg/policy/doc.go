// Package policy provides Open Policy Agent (OPA) integration for autoschematic.
//
// This package implements policy enforcement for plan reports and planned
// resources using the Rego policy language. It includes built-in policies for
// common governance requirements and supports custom policy loading.
//
// # Architecture
//
// The policy system consists of four main components:
//
//  1. Engine - Compiles and evaluates Rego policies
//  2. Loader - Loads policies from .rego and .json files and directories
//  3. Types - Data structures for policies, violations, and results
//  4. Built-in Policies - Pre-defined policies for common requirements
//
// # Usage
//
// Creating a policy engine:
//
//	logger := zerolog.New(os.Stdout)
//	eng, err := policy.NewEngine(logger)
//	if err != nil {
//	    log.Fatal(err)
//	}
//
// Evaluating a plan before apply:
//
//	result, err := eng.EvaluatePlan(ctx, plan, &policy.Context{
//	    Prefix:      "prod",
//	    Environment: "production",
//	    Operation:   "apply",
//	})
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	if !result.Allowed {
//	    for _, violation := range result.Violations {
//	        fmt.Printf("Policy %s violated: %s\n", violation.Policy, violation.Message)
//	    }
//	}
//
// Loading custom policies:
//
//	paths := []string{
//	    "/etc/autoschematic/policies",
//	    "/opt/policies/custom.rego",
//	}
//
//	err = eng.LoadPolicies(ctx, paths)
//	if err != nil {
//	    log.Fatal(err)
//	}
//
// # Built-in Policies
//
// The following policies are included by default:
//
//  1. addr-naming - Enforces resource address conventions
//  2. production-deletes - Blocks destructive applies in production
//  3. mass-delete - Warns when a plan deletes many resources at once
//  4. plan-failures - Surfaces resources that failed to plan
//
// # Custom Policies
//
// Custom policies can be written in Rego and loaded from files. The input
// document carries the plan report under "plan", the planned resource under
// "resource", and the evaluation context under "context":
//
//	package custom.policies.buckets
//
//	import rego.v1
//
//	deny contains violation if {
//	    input.resource
//	    resource := input.resource
//
//	    startswith(resource.addr, "aws/s3/")
//	    resource.deleted
//
//	    violation := {
//	        "message": "S3 buckets may not be deleted through autoschematic",
//	        "severity": "error",
//	        "addr": resource.addr,
//	    }
//	}
//
// # Policy Evaluation Points
//
// Policies are evaluated at two points in the workflow:
//
//  1. Plan evaluation - After planning, before the report is shown or applied
//  2. Apply gating - An apply is refused when the plan report carries error or
//     critical violations
//
// # Severity Levels
//
// Violations have four severity levels:
//
//   - info: Informational messages
//   - warning: Issues that should be reviewed but don't block operations
//   - error: Issues that block operations
//   - critical: Severe issues requiring immediate attention
//
// # Hot Reload
//
// The loader supports watching policy files for changes and reloading automatically:
//
//	loader := policy.NewLoader(logger)
//	err = loader.Watch(ctx, paths, func(policies []policy.Policy) error {
//	    return eng.LoadPolicies(ctx, paths)
//	})
//
// # Performance
//
// Policies are compiled once when loaded and reused for multiple evaluations.
//
// # Context Injection
//
// Policy evaluations can include context information:
//
//   - Prefix: The prefix the run targets
//   - Environment: Target environment (production, staging, etc.)
//   - Operation: Type of operation (plan, apply, import)
//   - Timestamp: When the evaluation occurred
//   - Dry run: Whether this is a dry-run evaluation
//
// This context allows policies to make environment-aware decisions.
package policy
