// Package rules provides the CEL-Go based rule evaluation engine.
package rules

import (
	"fmt"
	"sort"
	"sync"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"
	"github.com/opensource-finance/kestrel/internal/domain"
)

// Engine is the CEL-based rule evaluation engine.
// Factors run first and are counted into risk_factors; rules then run in
// Position order with at most one hit per group.
type Engine struct {
	mu      sync.RWMutex
	env     *cel.Env
	factors []*CompiledRule
	rules   []*CompiledRule
}

// CompiledRule holds a pre-compiled CEL program.
type CompiledRule struct {
	Config  *domain.RuleConfig
	Program cel.Program
}

// Input holds the transaction attributes exposed to rule expressions.
type Input struct {
	Amount      float64
	CardType    string
	DeviceType  string
	Country     string
	EmailDomain string
	Hour        int
	Weekday     int // 0=Monday .. 6=Sunday
}

// Result is the outcome of evaluating the rule table against one Input.
type Result struct {
	Score       int
	FactorCount int
	Hits        []domain.RuleHit
}

// Reasons returns the reasons of all hits in firing order.
func (r *Result) Reasons() []string {
	reasons := make([]string, 0, len(r.Hits))
	for _, h := range r.Hits {
		reasons = append(reasons, h.Reason)
	}
	return reasons
}

// NewEngine creates a new rule evaluation engine.
func NewEngine() (*Engine, error) {
	env, err := cel.NewEnv(
		cel.Variable("amount", cel.DoubleType),
		cel.Variable("card_type", cel.StringType),
		cel.Variable("device_type", cel.StringType),
		cel.Variable("country", cel.StringType),
		cel.Variable("email_domain", cel.StringType),
		cel.Variable("hour", cel.IntType),
		cel.Variable("weekday", cel.IntType),
		cel.Variable("risk_factors", cel.IntType),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}

	return &Engine{env: env}, nil
}

// ValidateRule compiles and validates a rule without mutating loaded engine rules.
func (e *Engine) ValidateRule(cfg *domain.RuleConfig) error {
	if cfg == nil {
		return fmt.Errorf("rule config is required")
	}

	e.mu.RLock()
	defer e.mu.RUnlock()

	_, err := e.compileRule(cfg)
	return err
}

// LoadRules compiles and loads rules on top of the current set.
// Nothing is loaded if any enabled rule fails to compile.
func (e *Engine) LoadRules(configs []*domain.RuleConfig) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	byID := make(map[string]*domain.RuleConfig)
	for _, c := range e.factors {
		byID[c.Config.ID] = c.Config
	}
	for _, c := range e.rules {
		byID[c.Config.ID] = c.Config
	}
	for _, cfg := range configs {
		byID[cfg.ID] = cfg
	}

	merged := make([]*domain.RuleConfig, 0, len(byID))
	for _, cfg := range byID {
		merged = append(merged, cfg)
	}
	return e.swap(merged)
}

// ReloadRules clears all existing rules and loads new ones.
// This enables hot-reloading of rules from the catalog store.
func (e *Engine) ReloadRules(configs []*domain.RuleConfig) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.swap(configs)
}

// swap compiles configs and replaces the loaded set. Caller holds mu.
func (e *Engine) swap(configs []*domain.RuleConfig) error {
	var factors, rules []*CompiledRule
	seen := make(map[string]bool, len(configs))

	for _, cfg := range configs {
		if cfg == nil || !cfg.Enabled {
			continue
		}
		if seen[cfg.ID] {
			return fmt.Errorf("duplicate rule id %s", cfg.ID)
		}
		seen[cfg.ID] = true

		compiled, err := e.compileRule(cfg)
		if err != nil {
			return err
		}
		switch cfg.Kind {
		case domain.KindFactor:
			factors = append(factors, compiled)
		default:
			rules = append(rules, compiled)
		}
	}

	sortByPosition(factors)
	sortByPosition(rules)

	e.factors = factors
	e.rules = rules
	return nil
}

func sortByPosition(rules []*CompiledRule) {
	sort.SliceStable(rules, func(i, j int) bool {
		if rules[i].Config.Position != rules[j].Config.Position {
			return rules[i].Config.Position < rules[j].Config.Position
		}
		return rules[i].Config.ID < rules[j].Config.ID
	})
}

// Evaluate runs the loaded rule table against input.
// Evaluate is safe for concurrent use and keeps no state between calls.
func (e *Engine) Evaluate(input *Input) (*Result, error) {
	if input == nil {
		return nil, fmt.Errorf("rule input is required")
	}

	e.mu.RLock()
	factors := e.factors
	rules := e.rules
	e.mu.RUnlock()

	activation := map[string]any{
		"amount":       input.Amount,
		"card_type":    input.CardType,
		"device_type":  input.DeviceType,
		"country":      input.Country,
		"email_domain": input.EmailDomain,
		"hour":         int64(input.Hour),
		"weekday":      int64(input.Weekday),
		"risk_factors": int64(0),
	}

	result := &Result{Hits: []domain.RuleHit{}}

	for _, f := range factors {
		ok, err := evalBool(f, activation)
		if err != nil {
			return nil, err
		}
		if ok {
			result.FactorCount++
		}
	}
	activation["risk_factors"] = int64(result.FactorCount)

	fired := make(map[string]bool)
	for _, r := range rules {
		group := r.Config.Group
		if group != "" && fired[group] {
			continue
		}
		ok, err := evalBool(r, activation)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		if group != "" {
			fired[group] = true
		}
		result.Score += r.Config.Points
		result.Hits = append(result.Hits, domain.RuleHit{
			RuleID: r.Config.ID,
			Points: r.Config.Points,
			Reason: r.Config.Reason,
		})
	}

	return result, nil
}

func evalBool(rule *CompiledRule, activation map[string]any) (bool, error) {
	out, _, err := rule.Program.Eval(activation)
	if err != nil {
		return false, fmt.Errorf("rule %s: evaluation error: %w", rule.Config.ID, err)
	}
	b, ok := out.(types.Bool)
	if !ok {
		return false, fmt.Errorf("rule %s: expected bool result, got %s", rule.Config.ID, out.Type())
	}
	return bool(b), nil
}

// RulesCount returns the number of loaded rules and factors.
func (e *Engine) RulesCount() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.factors) + len(e.rules)
}

// GetLoadedRules returns the currently loaded configurations, factors first.
func (e *Engine) GetLoadedRules() []*domain.RuleConfig {
	e.mu.RLock()
	defer e.mu.RUnlock()

	rules := make([]*domain.RuleConfig, 0, len(e.factors)+len(e.rules))
	for _, compiled := range e.factors {
		rules = append(rules, compiled.Config)
	}
	for _, compiled := range e.rules {
		rules = append(rules, compiled.Config)
	}
	return rules
}

// Close cleans up the engine.
func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.factors = nil
	e.rules = nil
	return nil
}

func (e *Engine) compileRule(cfg *domain.RuleConfig) (*CompiledRule, error) {
	switch cfg.Kind {
	case domain.KindRule, domain.KindFactor:
	default:
		return nil, fmt.Errorf("rule %s: unknown kind %q", cfg.ID, cfg.Kind)
	}

	ast, issues := e.env.Compile(cfg.Expression)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("failed to compile rule %s: %w", cfg.ID, issues.Err())
	}

	if !ast.OutputType().IsExactType(cel.BoolType) {
		return nil, fmt.Errorf("rule %s: expression must return bool, got %s", cfg.ID, ast.OutputType())
	}

	program, err := e.env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("failed to create program for rule %s: %w", cfg.ID, err)
	}

	return &CompiledRule{
		Config:  cfg,
		Program: program,
	}, nil
}
