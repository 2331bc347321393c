// Package policy evaluates Rego guardrails against a plan before the
// runner touches the host. Built-in policies catch the classic foot-guns
// (locking yourself out of SSH); operators add their own .rego files.
package policy

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/open-policy-agent/opa/rego"

	"github.com/hostforge/hostforge/pkg/engine"
	"github.com/hostforge/hostforge/pkg/telemetry"
)

// Engine compiles and evaluates policies against plans.
type Engine struct {
	mu       sync.RWMutex
	policies map[string]*Policy
	logger   *telemetry.Logger
}

// NewEngine creates a policy engine preloaded with the built-in
// policies.
func NewEngine(logger *telemetry.Logger) *Engine {
	e := &Engine{
		policies: make(map[string]*Policy),
		logger:   logger.NewComponentLogger("policy"),
	}
	for _, p := range BuiltinPolicies() {
		policy := p
		e.policies[policy.Name] = &policy
	}
	return e
}

// LoadPaths loads additional .rego policy files. Each file becomes one
// policy named after its base name; findings from custom policies are
// errors.
func (e *Engine) LoadPaths(paths []string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	for _, path := range paths {
		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("failed to read policy %s: %w", path, err)
		}
		name := strings.TrimSuffix(filepath.Base(path), ".rego")
		e.policies[name] = &Policy{
			Name:     name,
			Rego:     string(data),
			Severity: SeverityError,
			Enabled:  true,
		}
		e.logger.WithField("policy", name).Debug("loaded policy file")
	}
	return nil
}

// Evaluate runs every enabled policy against the plan. Policies query
// the plan through `input.plan`; each entry of the `deny` set becomes a
// violation.
func (e *Engine) Evaluate(ctx context.Context, p *engine.Plan) (*Result, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	result := &Result{
		Allowed:     true,
		EvaluatedAt: time.Now(),
	}

	input := map[string]interface{}{"plan": p}

	for _, policy := range e.policies {
		if !policy.Enabled {
			continue
		}

		findings, err := e.evaluatePolicy(ctx, policy, input)
		if err != nil {
			return nil, fmt.Errorf("policy %s evaluation failed: %w", policy.Name, err)
		}

		for _, v := range findings {
			if v.Severity == SeverityError {
				result.Allowed = false
				result.Violations = append(result.Violations, v)
			} else {
				result.Warnings = append(result.Warnings, v)
			}
		}
	}

	e.logger.WithField("violations", len(result.Violations)).
		WithField("warnings", len(result.Warnings)).
		Debug("plan policy evaluation completed")

	return result, nil
}

// evaluatePolicy queries the policy's deny set.
func (e *Engine) evaluatePolicy(ctx context.Context, policy *Policy, input interface{}) ([]Violation, error) {
	query := fmt.Sprintf("data.%s.deny", packageName(policy.Rego))

	r := rego.New(
		rego.Module(policy.Name, policy.Rego),
		rego.Query(query),
		rego.Input(input),
	)

	results, err := r.Eval(ctx)
	if err != nil {
		return nil, err
	}

	var violations []Violation
	for _, result := range results {
		for _, expr := range result.Expressions {
			denySet, ok := expr.Value.([]interface{})
			if !ok {
				continue
			}
			for _, d := range denySet {
				violations = append(violations, toViolation(policy, d))
			}
		}
	}
	return violations, nil
}

// packageName extracts the package declaration from Rego source.
func packageName(source string) string {
	for _, line := range strings.Split(source, "\n") {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "package ") {
			if parts := strings.Fields(trimmed); len(parts) >= 2 {
				return parts[1]
			}
		}
	}
	return "hostforge.policies"
}

// toViolation converts a deny-set entry into a Violation. Entries are
// either a bare message string or an object with message/severity/step
// fields.
func toViolation(policy *Policy, entry interface{}) Violation {
	v := Violation{
		Policy:   policy.Name,
		Severity: policy.Severity,
	}

	switch value := entry.(type) {
	case string:
		v.Message = value
	case map[string]interface{}:
		if msg, ok := value["message"].(string); ok {
			v.Message = msg
		}
		if sev, ok := value["severity"].(string); ok {
			v.Severity = Severity(sev)
		}
		if step, ok := value["step"].(string); ok {
			v.StepID = step
		}
	default:
		v.Message = fmt.Sprintf("%v", entry)
	}

	return v
}

// ListPolicies returns the loaded policies.
func (e *Engine) ListPolicies() []Policy {
	e.mu.RLock()
	defer e.mu.RUnlock()

	policies := make([]Policy, 0, len(e.policies))
	for _, p := range e.policies {
		policies = append(policies, *p)
	}
	return policies
}
