package rules

import "github.com/opensource-finance/kestrel/internal/domain"

// Built-in rule set names.
const (
	SetStandard = "standard"
	SetChat     = "chat"
)

// StandardRules is the overlay used by the direct scoring endpoint.
func StandardRules() []domain.RuleConfig {
	return []domain.RuleConfig{
		{
			ID:         "coffee-high-amount",
			Expression: `amount > 500.0 && category == "coffee-shop"`,
			Delta:      0.08,
			Reason:     "unusually high amount for merchant category",
			Enabled:    true,
		},
		{
			ID:         "unrecognized-merchant",
			Expression: `has_merchant && category == ""`,
			Delta:      0.12,
			Reason:     "unrecognized merchant",
			Enabled:    true,
		},
		{
			ID:         "rideshare-high-cost",
			Expression: `amount > 300.0 && category == "rideshare"`,
			Delta:      0.04,
			Reason:     "high ride cost",
			Enabled:    true,
		},
		{
			ID:         "very-high-amount",
			Expression: `amount > 10000.0`,
			Delta:      0.06,
			Reason:     "very high transaction amount",
			Enabled:    true,
		},
		{
			ID:         "micro-transaction",
			Expression: `amount < 0.10`,
			Delta:      0.07,
			Reason:     "micro-transaction pattern",
			Enabled:    true,
		},
	}
}

// ChatRules is the overlay used by the chatbot: the standard table plus the
// grocery amount rule.
func ChatRules() []domain.RuleConfig {
	return append(StandardRules(), domain.RuleConfig{
		ID:         "grocery-unusual-amount",
		Expression: `category == "grocery" && (amount < 5.0 || amount > 500.0)`,
		Delta:      0.03,
		Reason:     "unusual grocery amount",
		Enabled:    true,
	})
}

// BuiltinRuleSets returns the built-in sets keyed by name.
func BuiltinRuleSets() map[string][]domain.RuleConfig {
	return map[string][]domain.RuleConfig{
		SetStandard: StandardRules(),
		SetChat:     ChatRules(),
	}
}
