package policy

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/open-policy-agent/opa/ast"
	"github.com/open-policy-agent/opa/rego"
	"github.com/open-policy-agent/opa/storage"
	"github.com/open-policy-agent/opa/storage/inmem"
	"github.com/rs/zerolog"

	"github.com/autoschematic-sh/autoschematic/pkg/engine"
)

// Engine evaluates Rego policies against plan reports before execution.
type Engine struct {
	mu              sync.RWMutex
	policies        map[string]*compiledPolicy
	store           storage.Store
	logger          zerolog.Logger
	builtinPolicies []Policy
}

// compiledPolicy represents a compiled Rego policy.
type compiledPolicy struct {
	policy   *Policy
	module   *ast.Module
	query    rego.PreparedEvalQuery
	compiled time.Time
}

// NewEngine creates a new policy engine.
func NewEngine(logger zerolog.Logger) (*Engine, error) {
	store := inmem.New()

	e := &Engine{
		policies:        make(map[string]*compiledPolicy),
		store:           store,
		logger:          logger.With().Str("component", "policy-engine").Logger(),
		builtinPolicies: GetBuiltinPolicies(),
	}

	// Load built-in policies
	if err := e.loadBuiltinPolicies(context.Background()); err != nil {
		return nil, fmt.Errorf("failed to load built-in policies: %w", err)
	}

	return e, nil
}

// EvaluatePlan evaluates policies against a plan report. Per-resource
// policies see each planned resource individually; plan-level policies see
// the whole report.
func (e *Engine) EvaluatePlan(ctx context.Context, plan *engine.PlanReport, pctx *Context) (*Result, error) {
	startTime := time.Now()
	e.mu.RLock()
	defer e.mu.RUnlock()

	if pctx == nil {
		pctx = &Context{Prefix: plan.Prefix, Operation: "plan"}
	}
	pctx.Timestamp = time.Now()

	var allViolations []Violation
	var warnings []string
	evaluatedPolicies := make([]string, 0, len(e.policies))

	for _, cp := range e.policies {
		if !cp.policy.Enabled {
			continue
		}

		evaluatedPolicies = append(evaluatedPolicies, cp.policy.Name)

		// Plan-level pass
		input := &Input{
			Plan:    plan,
			Context: pctx,
		}

		violations, err := e.evaluatePolicy(ctx, cp, input)
		if err != nil {
			e.logger.Error().Err(err).
				Str("policy", cp.policy.Name).
				Str("plan", plan.ID).
				Msg("Policy evaluation failed")
			warnings = append(warnings, fmt.Sprintf("Policy %s evaluation failed: %v", cp.policy.Name, err))
			continue
		}

		allViolations = append(allViolations, violations...)

		// Per-resource pass
		for _, res := range plan.Resources {
			input := &Input{
				Resource: res,
				Context:  pctx,
			}

			violations, err := e.evaluatePolicy(ctx, cp, input)
			if err != nil {
				e.logger.Error().Err(err).
					Str("policy", cp.policy.Name).
					Str("addr", res.Addr).
					Msg("Policy evaluation failed")
				warnings = append(warnings, fmt.Sprintf("Policy %s evaluation failed: %v", cp.policy.Name, err))
				continue
			}

			allViolations = append(allViolations, violations...)
		}
	}

	duration := time.Since(startTime)
	e.logger.Debug().
		Str("plan_id", plan.ID).
		Int("violations", len(allViolations)).
		Dur("duration", duration).
		Msg("Plan policy evaluation completed")

	return &Result{
		Allowed:           allowed(allViolations),
		Violations:        allViolations,
		Warnings:          warnings,
		EvaluatedAt:       time.Now(),
		EvaluatedPolicies: evaluatedPolicies,
		Duration:          duration,
	}, nil
}

// EvaluateResource evaluates policies against a single planned resource.
func (e *Engine) EvaluateResource(ctx context.Context, resource *engine.PlannedResource, pctx *Context) (*Result, error) {
	startTime := time.Now()
	e.mu.RLock()
	defer e.mu.RUnlock()

	if pctx == nil {
		pctx = &Context{Operation: "plan"}
	}
	pctx.Timestamp = time.Now()

	var allViolations []Violation
	var warnings []string
	evaluatedPolicies := make([]string, 0, len(e.policies))

	for _, cp := range e.policies {
		if !cp.policy.Enabled {
			continue
		}

		evaluatedPolicies = append(evaluatedPolicies, cp.policy.Name)

		input := &Input{
			Resource: resource,
			Context:  pctx,
		}

		violations, err := e.evaluatePolicy(ctx, cp, input)
		if err != nil {
			e.logger.Error().Err(err).
				Str("policy", cp.policy.Name).
				Str("addr", resource.Addr).
				Msg("Policy evaluation failed")
			warnings = append(warnings, fmt.Sprintf("Policy %s evaluation failed: %v", cp.policy.Name, err))
			continue
		}

		allViolations = append(allViolations, violations...)
	}

	duration := time.Since(startTime)
	e.logger.Debug().
		Str("addr", resource.Addr).
		Int("violations", len(allViolations)).
		Dur("duration", duration).
		Msg("Resource policy evaluation completed")

	return &Result{
		Allowed:           allowed(allViolations),
		Violations:        allViolations,
		Warnings:          warnings,
		EvaluatedAt:       time.Now(),
		EvaluatedPolicies: evaluatedPolicies,
		Duration:          duration,
	}, nil
}

// allowed reports whether a violation set blocks execution.
func allowed(violations []Violation) bool {
	for i := range violations {
		if violations[i].Severity == SeverityError || violations[i].Severity == SeverityCritical {
			return false
		}
	}
	return true
}

// LoadPolicies loads policy files.
func (e *Engine) LoadPolicies(ctx context.Context, paths []string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	loader := NewLoader(e.logger)
	policies, err := loader.LoadFromPaths(ctx, paths)
	if err != nil {
		return fmt.Errorf("failed to load policies: %w", err)
	}

	// Compile and store policies
	for i := range policies {
		if err := e.compileAndStorePolicy(ctx, &policies[i]); err != nil {
			e.logger.Error().Err(err).
				Str("policy", policies[i].Name).
				Msg("Failed to compile policy")
			return fmt.Errorf("failed to compile policy %s: %w", policies[i].Name, err)
		}
	}

	e.logger.Info().
		Int("count", len(policies)).
		Msg("Policies loaded successfully")

	return nil
}

// evaluatePolicy evaluates a single compiled policy.
func (e *Engine) evaluatePolicy(ctx context.Context, cp *compiledPolicy, input *Input) ([]Violation, error) {
	// Build the query to get all deny violations from the policy package
	packageName := extractPackageName(cp.policy.Rego)

	// Create a query specifically for deny results
	query := fmt.Sprintf("data.%s.deny", packageName)

	r := rego.New(
		rego.Module(cp.policy.Name, cp.policy.Rego),
		rego.Query(query),
		rego.Input(input),
	)

	results, err := r.Eval(ctx)
	if err != nil {
		return nil, fmt.Errorf("policy evaluation error: %w", err)
	}

	var violations []Violation

	// Process results
	for _, result := range results {
		if len(result.Expressions) > 0 {
			// The result should be a set of violations
			if denySet, ok := result.Expressions[0].Value.([]interface{}); ok {
				for _, d := range denySet {
					violation := e.createViolation(cp.policy, d, input)
					violations = append(violations, violation)
				}
			}
		}
	}

	return violations, nil
}

// extractPackageName extracts the package name from Rego code.
func extractPackageName(rego string) string {
	lines := strings.Split(rego, "\n")
	for _, line := range lines {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "package ") {
			parts := strings.Fields(trimmed)
			if len(parts) >= 2 {
				return parts[1]
			}
		}
	}
	return "autoschematic.policies"
}

// createViolation creates a Violation from a policy result.
func (e *Engine) createViolation(policy *Policy, result interface{}, input *Input) Violation {
	violation := Violation{
		Policy:     policy.Name,
		Severity:   policy.Severity,
		DetectedAt: time.Now(),
	}

	if input.Resource != nil {
		violation.Addr = input.Resource.Addr
	}

	// Extract message from result
	switch v := result.(type) {
	case string:
		violation.Message = v
	case map[string]interface{}:
		if msg, ok := v["message"].(string); ok {
			violation.Message = msg
		}
		if sev, ok := v["severity"].(string); ok {
			violation.Severity = Severity(sev)
		}
		if addr, ok := v["addr"].(string); ok {
			violation.Addr = addr
		}
	default:
		violation.Message = fmt.Sprintf("%v", result)
	}

	return violation
}

// compileAndStorePolicy compiles a policy and stores it.
func (e *Engine) compileAndStorePolicy(ctx context.Context, policy *Policy) error {
	// Parse the Rego module
	module, err := ast.ParseModule(policy.Name, policy.Rego)
	if err != nil {
		return fmt.Errorf("failed to parse policy: %w", err)
	}

	// Create a new Rego query
	r := rego.New(
		rego.Module(policy.Name, policy.Rego),
		rego.Store(e.store),
		rego.Query("data"),
	)

	// Prepare the query for reuse
	query, err := r.PrepareForEval(ctx)
	if err != nil {
		return fmt.Errorf("failed to prepare query: %w", err)
	}

	e.policies[policy.Name] = &compiledPolicy{
		policy:   policy,
		module:   module,
		query:    query,
		compiled: time.Now(),
	}

	e.logger.Debug().
		Str("policy", policy.Name).
		Msg("Policy compiled successfully")

	return nil
}

// loadBuiltinPolicies loads the built-in policies.
func (e *Engine) loadBuiltinPolicies(ctx context.Context) error {
	for i := range e.builtinPolicies {
		if err := e.compileAndStorePolicy(ctx, &e.builtinPolicies[i]); err != nil {
			return fmt.Errorf("failed to compile built-in policy %s: %w", e.builtinPolicies[i].Name, err)
		}
	}

	e.logger.Info().
		Int("count", len(e.builtinPolicies)).
		Msg("Built-in policies loaded")

	return nil
}

// GetPolicy returns a policy by name.
func (e *Engine) GetPolicy(name string) (*Policy, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	cp, exists := e.policies[name]
	if !exists {
		return nil, fmt.Errorf("policy not found: %s", name)
	}

	return cp.policy, nil
}

// ListPolicies returns all loaded policies.
func (e *Engine) ListPolicies() []Policy {
	e.mu.RLock()
	defer e.mu.RUnlock()

	policies := make([]Policy, 0, len(e.policies))
	for _, cp := range e.policies {
		policies = append(policies, *cp.policy)
	}

	return policies
}

// ReloadPolicies reloads all policies.
func (e *Engine) ReloadPolicies(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	// Clear existing policies
	e.policies = make(map[string]*compiledPolicy)

	// Reload built-in policies
	return e.loadBuiltinPolicies(ctx)
}

// EnablePolicy enables a policy by name.
func (e *Engine) EnablePolicy(name string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	cp, exists := e.policies[name]
	if !exists {
		return fmt.Errorf("policy not found: %s", name)
	}

	cp.policy.Enabled = true
	e.logger.Info().Str("policy", name).Msg("Policy enabled")

	return nil
}

// DisablePolicy disables a policy by name.
func (e *Engine) DisablePolicy(name string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	cp, exists := e.policies[name]
	if !exists {
		return fmt.Errorf("policy not found: %s", name)
	}

	cp.policy.Enabled = false
	e.logger.Info().Str("policy", name).Msg("Policy disabled")

	return nil
}
