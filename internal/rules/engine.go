// Package rules provides the CEL-Go based business-rule overlay that adjusts
// model risk from transaction metadata.
package rules

import (
	"fmt"
	"sync"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/telemetry"
)

// Engine evaluates one ordered rule set. Every matching rule contributes its
// delta; reasons keep rule order.
type Engine struct {
	mu            sync.RWMutex
	name          string
	env           *cel.Env
	catalog       *Catalog
	compiledRules []*CompiledRule
}

// CompiledRule holds a pre-compiled CEL program.
type CompiledRule struct {
	Config  domain.RuleConfig
	Program cel.Program
}

// Adjustment is the overlay outcome for one record.
type Adjustment struct {
	Delta   float64  `json:"delta"`
	Reasons []string `json:"reasons"`
	Matched []string `json:"matched"`
}

// NewEngine creates an engine for the named rule set. A nil catalog uses
// DefaultCatalog.
func NewEngine(name string, catalog *Catalog) (*Engine, error) {
	if catalog == nil {
		catalog = DefaultCatalog()
	}
	env, err := newEnv()
	if err != nil {
		return nil, err
	}
	return &Engine{name: name, env: env, catalog: catalog}, nil
}

// NewEngineWithRules creates an engine and loads rules into it.
func NewEngineWithRules(name string, catalog *Catalog, rules []domain.RuleConfig) (*Engine, error) {
	e, err := NewEngine(name, catalog)
	if err != nil {
		return nil, err
	}
	if err := e.ReloadRules(rules); err != nil {
		return nil, err
	}
	return e, nil
}

func newEnv() (*cel.Env, error) {
	env, err := cel.NewEnv(
		cel.Variable("amount", cel.DoubleType),
		cel.Variable("merchant", cel.StringType),
		cel.Variable("category", cel.StringType),
		cel.Variable("has_merchant", cel.BoolType),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}
	return env, nil
}

// Name returns the rule set name.
func (e *Engine) Name() string {
	return e.name
}

// Catalog returns the merchant catalog used for categorisation.
func (e *Engine) Catalog() *Catalog {
	return e.catalog
}

// ValidateRule compiles and validates a rule without mutating loaded rules.
func (e *Engine) ValidateRule(cfg *domain.RuleConfig) error {
	if cfg == nil {
		return fmt.Errorf("rule config is required")
	}
	_, err := e.compileRule(*cfg)
	return err
}

// LoadRule compiles a rule and appends it to the set.
func (e *Engine) LoadRule(cfg domain.RuleConfig) error {
	compiled, err := e.compileRule(cfg)
	if err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	for i, r := range e.compiledRules {
		if r.Config.ID == cfg.ID {
			e.compiledRules[i] = compiled
			return nil
		}
	}
	e.compiledRules = append(e.compiledRules, compiled)
	return nil
}

// ReloadRules replaces the whole set. Disabled rules are skipped. Nothing is
// replaced if any rule fails to compile.
func (e *Engine) ReloadRules(configs []domain.RuleConfig) error {
	newRules := make([]*CompiledRule, 0, len(configs))
	seen := make(map[string]bool, len(configs))
	for _, cfg := range configs {
		if !cfg.Enabled {
			continue
		}
		if seen[cfg.ID] {
			return fmt.Errorf("duplicate rule id %q in set %s", cfg.ID, e.name)
		}
		seen[cfg.ID] = true

		compiled, err := e.compileRule(cfg)
		if err != nil {
			return err
		}
		newRules = append(newRules, compiled)
	}

	e.mu.Lock()
	e.compiledRules = newRules
	e.mu.Unlock()
	return nil
}

// Adjust evaluates every rule against rec. Any evaluation failure fails the
// whole adjustment.
func (e *Engine) Adjust(rec *domain.TransactionRecord) (Adjustment, error) {
	if rec == nil {
		return Adjustment{}, fmt.Errorf("%w: transaction is required", domain.ErrOverlay)
	}

	e.mu.RLock()
	rules := e.compiledRules
	e.mu.RUnlock()

	category := rec.Category
	if category == "" {
		category = e.catalog.Category(rec.Merchant)
	}
	activation := map[string]any{
		"amount":       rec.Amount,
		"merchant":     rec.Merchant,
		"category":     category,
		"has_merchant": rec.HasMerchant(),
	}

	adj := Adjustment{Reasons: []string{}, Matched: []string{}}
	for _, rule := range rules {
		out, _, err := rule.Program.Eval(activation)
		if err != nil {
			return Adjustment{}, fmt.Errorf("%w: rule %s: %v", domain.ErrOverlay, rule.Config.ID, err)
		}
		matched, ok := out.(types.Bool)
		if !ok {
			return Adjustment{}, fmt.Errorf("%w: rule %s returned %s", domain.ErrOverlay, rule.Config.ID, out.Type())
		}
		if !matched {
			continue
		}
		adj.Delta += rule.Config.Delta
		adj.Reasons = append(adj.Reasons, rule.Config.Reason)
		adj.Matched = append(adj.Matched, rule.Config.ID)
		telemetry.OverlayRulesFired.WithLabelValues(e.name, rule.Config.ID).Inc()
	}
	return adj, nil
}

// RulesCount returns the number of loaded rules.
func (e *Engine) RulesCount() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.compiledRules)
}

// GetLoadedRules returns the loaded rule configurations in order.
func (e *Engine) GetLoadedRules() []domain.RuleConfig {
	e.mu.RLock()
	defer e.mu.RUnlock()

	rules := make([]domain.RuleConfig, 0, len(e.compiledRules))
	for _, compiled := range e.compiledRules {
		rules = append(rules, compiled.Config)
	}
	return rules
}

func (e *Engine) compileRule(cfg domain.RuleConfig) (*CompiledRule, error) {
	if cfg.ID == "" {
		return nil, fmt.Errorf("rule id is required")
	}
	ast, issues := e.env.Compile(cfg.Expression)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("failed to compile rule %s: %w", cfg.ID, issues.Err())
	}

	if ast.OutputType() != cel.BoolType {
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
