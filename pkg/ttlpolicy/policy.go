// Package ttlpolicy resolves the expiration assigned to a key during
// compaction from an ordered list of key pattern rules.
package ttlpolicy

import (
	"errors"
	"fmt"
	"regexp"
	"time"
)

// ErrNoPolicyMatch is returned when no rule matches a key. Callers decide
// whether to fall back to a default TTL or to fail.
var ErrNoPolicyMatch = errors.New("no ttl policy matches key")

// Rule assigns TTL to keys whose start matches Pattern.
type Rule struct {
	Pattern string
	TTL     time.Duration

	re *regexp.Regexp
}

// NewRule compiles pattern anchored at the start of the key.
func NewRule(pattern string, ttl time.Duration) (Rule, error) {
	if ttl <= 0 {
		return Rule{}, fmt.Errorf("rule %q: ttl must be positive, got %v", pattern, ttl)
	}
	re, err := regexp.Compile(`^(?:` + pattern + `)`)
	if err != nil {
		return Rule{}, fmt.Errorf("rule %q: compile pattern: %w", pattern, err)
	}
	return Rule{Pattern: pattern, TTL: ttl, re: re}, nil
}

// Matches reports whether the rule applies to key.
func (r Rule) Matches(key string) bool {
	return r.re != nil && r.re.MatchString(key)
}

// Resolver holds an immutable, ordered rule set.
type Resolver struct {
	rules []Rule
}

// NewResolver builds a resolver over rules. The slice is copied and every
// rule must have been built with NewRule.
func NewResolver(rules []Rule) (*Resolver, error) {
	if len(rules) == 0 {
		return nil, errors.New("ttl policy has no rules")
	}
	cp := make([]Rule, len(rules))
	for i, r := range rules {
		if r.re == nil {
			return nil, fmt.Errorf("rule %d (%q) is not compiled", i, r.Pattern)
		}
		cp[i] = r
	}
	return &Resolver{rules: cp}, nil
}

// Resolve returns the largest TTL among the rules matching key. When several
// matching rules share the largest TTL the first one in configured order
// wins. If nothing matches, the error wraps ErrNoPolicyMatch.
func (r *Resolver) Resolve(key string) (time.Duration, error) {
	_, rule, err := r.Match(key)
	if err != nil {
		return 0, err
	}
	return rule.TTL, nil
}

// Match is like Resolve but also returns the index and value of the
// winning rule.
func (r *Resolver) Match(key string) (int, Rule, error) {
	best := -1
	for i, rule := range r.rules {
		if !rule.Matches(key) {
			continue
		}
		if best < 0 || rule.TTL > r.rules[best].TTL {
			best = i
		}
	}
	if best < 0 {
		return -1, Rule{}, fmt.Errorf("%w: %q", ErrNoPolicyMatch, key)
	}
	return best, r.rules[best], nil
}

// Rules returns a copy of the configured rules in order.
func (r *Resolver) Rules() []Rule {
	cp := make([]Rule, len(r.rules))
	copy(cp, r.rules)
	return cp
}

// Len returns the number of rules.
func (r *Resolver) Len() int {
	return len(r.rules)
}
