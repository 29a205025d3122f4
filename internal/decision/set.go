package decision

import (
	"fmt"
	"sort"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// Set holds the named regimes available to a deployment.
type Set struct {
	policies map[string]*Policy
}

// NewSet returns the built-in regimes overridden and extended by cfgs.
func NewSet(cfgs []domain.PolicyConfig) (*Set, error) {
	s := &Set{policies: map[string]*Policy{
		PolicyStandard: Standard(),
		PolicyStrict:   Strict(),
	}}
	for _, cfg := range cfgs {
		p, err := FromConfig(cfg)
		if err != nil {
			return nil, err
		}
		s.policies[p.Name] = p
	}
	return s, nil
}

// Get returns the named policy.
func (s *Set) Get(name string) (*Policy, error) {
	p, ok := s.policies[name]
	if !ok {
		return nil, fmt.Errorf("%w: unknown policy %q", domain.ErrPolicy, name)
	}
	return p, nil
}

// Configs lists every policy sorted by name.
func (s *Set) Configs() []domain.PolicyConfig {
	out := make([]domain.PolicyConfig, 0, len(s.policies))
	for _, p := range s.policies {
		out = append(out, p.Config())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
