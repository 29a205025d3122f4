package rules

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// LoadFile reads a YAML policy file. Rules in it are compiled so that a bad
// expression is rejected at load time.
func LoadFile(path string) (*domain.PolicyFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read policy file: %w", err)
	}
	return ParseFile(data)
}

// ParseFile decodes and validates policy file contents.
func ParseFile(data []byte) (*domain.PolicyFile, error) {
	var pf domain.PolicyFile
	if err := yaml.Unmarshal(data, &pf); err != nil {
		return nil, fmt.Errorf("parse policy file: %w", err)
	}
	for _, set := range pf.RuleSets {
		if set.Name == "" {
			return nil, fmt.Errorf("rule set name is required")
		}
		if _, err := NewEngineWithRules(set.Name, nil, set.Rules); err != nil {
			return nil, fmt.Errorf("rule set %s: %w", set.Name, err)
		}
	}
	return &pf, nil
}

// BuildEngines compiles the built-in rule sets, overridden and extended by
// the sets in pf (which may be nil). The catalog from pf replaces the
// default one when present.
func BuildEngines(pf *domain.PolicyFile) (map[string]*Engine, error) {
	sets := BuiltinRuleSets()
	catalog := DefaultCatalog()
	if pf != nil {
		for _, set := range pf.RuleSets {
			sets[set.Name] = set.Rules
		}
		if len(pf.Catalog) > 0 {
			catalog = NewCatalog(pf.Catalog)
		}
	}

	engines := make(map[string]*Engine, len(sets))
	for name, cfgs := range sets {
		e, err := NewEngineWithRules(name, catalog, cfgs)
		if err != nil {
			return nil, fmt.Errorf("rule set %s: %w", name, err)
		}
		engines[name] = e
	}
	return engines, nil
}
