package ratelimit

import (
	"fmt"
	"net/http"
	"sort"
	"strings"

	"ipguard/internal/config"
	"ipguard/internal/domain"
	"ipguard/internal/identity"
)

// Policy is the budget of one endpoint. Only listed methods are metered.
type Policy struct {
	Path              string
	AuthenticatedRate domain.RateSpec
	AnonymousRate     domain.RateSpec
	Methods           []string
}

// SpecFor picks the budget that applies to id.
func (p Policy) SpecFor(id identity.ClientIdentity) domain.RateSpec {
	if id.Authenticated {
		return p.AuthenticatedRate
	}
	return p.AnonymousRate
}

func (p Policy) meters(method string) bool {
	for _, m := range p.Methods {
		if strings.EqualFold(m, method) {
			return true
		}
	}
	return false
}

// PolicyTable maps endpoint ids to policies.
type PolicyTable struct {
	policies map[string]Policy
	byPath   map[string]string
}

func NewPolicyTable(policies map[string]Policy) *PolicyTable {
	t := &PolicyTable{
		policies: make(map[string]Policy, len(policies)),
		byPath:   make(map[string]string, len(policies)),
	}
	for endpoint, policy := range policies {
		if len(policy.Methods) == 0 {
			policy.Methods = []string{http.MethodPost}
		}
		t.policies[endpoint] = policy
		if policy.Path != "" {
			t.byPath[policy.Path] = endpoint
		}
	}
	return t
}

// PolicyTableFromConfig parses the rate strings of the settings file.
func PolicyTableFromConfig(cfg map[string]config.RateLimitPolicy) (*PolicyTable, error) {
	policies := make(map[string]Policy, len(cfg))
	for endpoint, raw := range cfg {
		authRate, err := domain.ParseRateSpec(raw.AuthenticatedRate)
		if err != nil {
			return nil, fmt.Errorf("rate limit %q: authenticated rate: %w", endpoint, err)
		}
		anonRate, err := domain.ParseRateSpec(raw.AnonymousRate)
		if err != nil {
			return nil, fmt.Errorf("rate limit %q: anonymous rate: %w", endpoint, err)
		}

		methods := make([]string, 0, len(raw.Methods))
		for _, m := range raw.Methods {
			if m = strings.ToUpper(strings.TrimSpace(m)); m != "" {
				methods = append(methods, m)
			}
		}

		policies[endpoint] = Policy{
			Path:              raw.Path,
			AuthenticatedRate: authRate,
			AnonymousRate:     anonRate,
			Methods:           methods,
		}
	}
	return NewPolicyTable(policies), nil
}

func (t *PolicyTable) Lookup(endpoint string) (Policy, bool) {
	p, ok := t.policies[endpoint]
	return p, ok
}

// Match returns the endpoint and policy metering a request, if any.
func (t *PolicyTable) Match(method, path string) (string, Policy, bool) {
	endpoint, ok := t.byPath[path]
	if !ok {
		endpoint, ok = t.byPath[strings.TrimSuffix(path, "/")]
	}
	if !ok {
		return "", Policy{}, false
	}
	policy := t.policies[endpoint]
	if !policy.meters(method) {
		return "", Policy{}, false
	}
	return endpoint, policy, true
}

func (t *PolicyTable) Endpoints() []string {
	out := make([]string, 0, len(t.policies))
	for endpoint := range t.policies {
		out = append(out, endpoint)
	}
	sort.Strings(out)
	return out
}
