package domain

// RuleConfig is one business rule of the overlay table.
type RuleConfig struct {
	ID          string `json:"id" yaml:"id"`
	Description string `json:"description,omitempty" yaml:"description,omitempty"`

	// CEL expression over amount, merchant, category and has_merchant.
	Expression string `json:"expression" yaml:"expression"`

	// Additive risk adjustment when the expression is true.
	Delta  float64 `json:"delta" yaml:"delta"`
	Reason string  `json:"reason" yaml:"reason"`

	Enabled bool `json:"enabled" yaml:"enabled"`
}

// RuleSet is a named, ordered overlay table.
type RuleSet struct {
	Name  string       `json:"name" yaml:"name"`
	Rules []RuleConfig `json:"rules" yaml:"rules"`
}

// PolicyConfig is a named threshold regime.
type PolicyConfig struct {
	Name string  `json:"name" yaml:"name"`
	Low  float64 `json:"low" yaml:"low"`
	High float64 `json:"high" yaml:"high"`

	// Display labels for allow, challenge and block.
	Labels [3]string `json:"labels" yaml:"labels"`

	// Risk within this distance of 0 or 1 adds ReasonModelConfident.
	ExtremeMargin float64 `json:"extreme_margin" yaml:"extreme_margin"`
}

// CatalogEntry maps a merchant keyword to its category and display name.
type CatalogEntry struct {
	Keyword  string `json:"keyword" yaml:"keyword"`
	Display  string `json:"display" yaml:"display"`
	Category string `json:"category" yaml:"category"`
}

// PolicyFile is the on-disk layout of a policy configuration file.
type PolicyFile struct {
	Policies []PolicyConfig `yaml:"policies"`
	RuleSets []RuleSet      `yaml:"rule_sets"`
	Catalog  []CatalogEntry `yaml:"catalog"`
}
