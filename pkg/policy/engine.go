package policy

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/open-policy-agent/opa/rego"
	"github.com/rs/zerolog"
)

// Engine compiles and evaluates approval policies.
type Engine struct {
	mu       sync.RWMutex
	policies map[string]*Policy
	logger   zerolog.Logger
}

// NewEngine creates a new policy engine with the built-in policies loaded.
func NewEngine(logger zerolog.Logger) (*Engine, error) {
	e := &Engine{
		policies: make(map[string]*Policy),
		logger:   logger.With().Str("component", "policy-engine").Logger(),
	}

	for _, p := range GetBuiltinPolicies() {
		p := p
		if err := e.validatePolicy(&p); err != nil {
			return nil, fmt.Errorf("failed to load built-in policy %s: %w", p.Name, err)
		}
		e.policies[p.Name] = &p
	}

	return e, nil
}

// EvaluateApproval evaluates all enabled policies against the input and
// returns the combined decision. When multiple rules match, the strictest
// approver role wins.
func (e *Engine) EvaluateApproval(ctx context.Context, input *ApprovalInput) (*ApprovalDecision, error) {
	startTime := time.Now()
	e.mu.RLock()
	defer e.mu.RUnlock()

	decision := &ApprovalDecision{
		EvaluatedPolicies: make([]string, 0, len(e.policies)),
		EvaluatedAt:       time.Now(),
	}

	for _, p := range e.policies {
		if !p.Enabled {
			continue
		}

		decision.EvaluatedPolicies = append(decision.EvaluatedPolicies, p.Name)

		matches, err := e.evaluatePolicy(ctx, p, input)
		if err != nil {
			e.logger.Error().Err(err).
				Str("policy", p.Name).
				Str("bag_id", input.BagID).
				Msg("Policy evaluation failed")
			return nil, fmt.Errorf("policy %s evaluation failed: %w", p.Name, err)
		}

		for _, m := range matches {
			decision.Required = true
			if roleRank(m.role) > roleRank(decision.ApproverRole) {
				decision.ApproverRole = m.role
			}
			if m.reason != "" {
				decision.Reasons = append(decision.Reasons, m.reason)
			}
		}
	}

	if decision.Required && decision.ApproverRole == "" {
		decision.ApproverRole = RoleSupervisor
	}

	e.logger.Debug().
		Str("bag_id", input.BagID).
		Str("action", input.Action).
		Bool("required", decision.Required).
		Str("role", decision.ApproverRole).
		Dur("duration", time.Since(startTime)).
		Msg("Approval policy evaluation completed")

	return decision, nil
}

// policyMatch is a single matching rule from a policy's require set.
type policyMatch struct {
	role   string
	reason string
}

// evaluatePolicy evaluates a single policy's require set against the input.
func (e *Engine) evaluatePolicy(ctx context.Context, p *Policy, input *ApprovalInput) ([]policyMatch, error) {
	packageName := extractPackageName(p.Rego)
	query := fmt.Sprintf("data.%s.require", packageName)

	r := rego.New(
		rego.Module(p.Name, p.Rego),
		rego.Query(query),
		rego.Input(input),
	)

	results, err := r.Eval(ctx)
	if err != nil {
		return nil, fmt.Errorf("policy evaluation error: %w", err)
	}

	var matches []policyMatch
	for _, result := range results {
		if len(result.Expressions) == 0 {
			continue
		}
		requireSet, ok := result.Expressions[0].Value.([]interface{})
		if !ok {
			continue
		}
		for _, d := range requireSet {
			m, ok := d.(map[string]interface{})
			if !ok {
				continue
			}
			match := policyMatch{}
			if role, ok := m["role"].(string); ok {
				match.role = role
			}
			if reason, ok := m["reason"].(string); ok {
				match.reason = reason
			}
			matches = append(matches, match)
		}
	}

	return matches, nil
}

// LoadPolicies loads additional policy files, replacing any built-in or
// previously loaded policy with the same name.
func (e *Engine) LoadPolicies(ctx context.Context, paths []string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	loader := NewLoader(e.logger)
	policies, err := loader.LoadFromPaths(ctx, paths)
	if err != nil {
		return fmt.Errorf("failed to load policies: %w", err)
	}

	for i := range policies {
		if err := e.validatePolicy(&policies[i]); err != nil {
			e.logger.Error().Err(err).
				Str("policy", policies[i].Name).
				Msg("Failed to compile policy")
			return fmt.Errorf("failed to compile policy %s: %w", policies[i].Name, err)
		}
		e.policies[policies[i].Name] = &policies[i]
	}

	e.logger.Info().
		Int("count", len(policies)).
		Msg("Policies loaded successfully")

	return nil
}

// WatchPolicies reloads policy files whenever the watched paths change.
// A reload that fails to compile keeps the current policy set in effect.
func (e *Engine) WatchPolicies(ctx context.Context, paths []string) error {
	if len(paths) == 0 {
		return nil
	}

	loader := NewLoader(e.logger)
	return loader.Watch(ctx, paths, func(policies []Policy) error {
		e.mu.Lock()
		defer e.mu.Unlock()

		for i := range policies {
			if err := e.validatePolicy(&policies[i]); err != nil {
				return fmt.Errorf("failed to compile policy %s: %w", policies[i].Name, err)
			}
		}
		for i := range policies {
			e.policies[policies[i].Name] = &policies[i]
		}

		e.logger.Info().
			Int("count", len(policies)).
			Msg("Policies reloaded")
		return nil
	})
}

// Policies returns the names of all registered policies.
func (e *Engine) Policies() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()

	names := make([]string, 0, len(e.policies))
	for name := range e.policies {
		names = append(names, name)
	}
	return names
}

// validatePolicy compiles the policy once to surface syntax errors early.
func (e *Engine) validatePolicy(p *Policy) error {
	packageName := extractPackageName(p.Rego)
	query := fmt.Sprintf("data.%s.require", packageName)

	_, err := rego.New(
		rego.Module(p.Name, p.Rego),
		rego.Query(query),
	).PrepareForEval(context.Background())
	return err
}

// extractPackageName extracts the package name from Rego code.
func extractPackageName(regoCode string) string {
	lines := strings.Split(regoCode, "\n")
	for _, line := range lines {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "package ") {
			parts := strings.Fields(trimmed)
			if len(parts) >= 2 {
				return parts[1]
			}
		}
	}
	return "bagtrail.policies"
}
