package sampler

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/GriffinCanCode/apmtrace/internal/tracing/ext"
)

// Matcher tests a span property such as its service or operation name
type Matcher interface {
	Match(value string) bool
}

type exactMatcher string

func (m exactMatcher) Match(value string) bool { return string(m) == value }

type regexpMatcher struct{ re *regexp.Regexp }

func (m regexpMatcher) Match(value string) bool { return m.re.MatchString(value) }

// MatchFunc adapts a function to Matcher. A panicking function does not match.
type MatchFunc func(value string) bool

// Match calls f
func (f MatchFunc) Match(value string) (ok bool) {
	defer func() {
		if recover() != nil {
			ok = false
		}
	}()
	return f(value)
}

// Exact matches one literal value
func Exact(value string) Matcher { return exactMatcher(value) }

// Pattern matches values containing a match of re
func Pattern(re *regexp.Regexp) Matcher { return regexpMatcher{re: re} }

// ParseMatcher builds a matcher from configuration text. Values wrapped in
// slashes ("/^web-/") are regular expressions, anything else is literal and
// an empty value matches everything.
func ParseMatcher(value string) (Matcher, error) {
	if value == "" {
		return nil, nil
	}
	if len(value) > 2 && strings.HasPrefix(value, "/") && strings.HasSuffix(value, "/") {
		re, err := regexp.Compile(value[1 : len(value)-1])
		if err != nil {
			return nil, fmt.Errorf("invalid pattern %q: %w", value, err)
		}
		return Pattern(re), nil
	}
	return Exact(value), nil
}

// Rule applies Rate to traces whose root matches Service and Name.
// A nil matcher matches anything.
type Rule struct {
	Service Matcher
	Name    Matcher
	Rate    float64
}

// NewRule validates the rate and returns the rule
func NewRule(service, name Matcher, rate float64) (Rule, error) {
	if err := validateRate(rate); err != nil {
		return Rule{}, err
	}
	return Rule{Service: service, Name: name, Rate: rate}, nil
}

// Matches reports whether the rule applies to in
func (r Rule) Matches(in Input) bool {
	if r.Service != nil && !r.Service.Match(in.Service) {
		return false
	}
	if r.Name != nil && !r.Name.Match(in.Name) {
		return false
	}
	return true
}

// RuleSampler applies the first matching rule and rate limits what it keeps
type RuleSampler struct {
	rules   []Rule
	limiter *RateLimiter
}

// NewRuleSampler creates a sampler over rules, evaluated in order
func NewRuleSampler(rules []Rule, limiter *RateLimiter) (*RuleSampler, error) {
	for i, r := range rules {
		if err := validateRate(r.Rate); err != nil {
			return nil, fmt.Errorf("rule %d: %w", i, err)
		}
	}
	if limiter == nil {
		limiter = NewRateLimiter(DefaultRateLimit, nil)
	}
	return &RuleSampler{rules: rules, limiter: limiter}, nil
}

// Rules returns the configured rules
func (s *RuleSampler) Rules() []Rule {
	return s.rules
}

// Apply samples in against the first matching rule. The second result is
// false when no rule matched.
func (s *RuleSampler) Apply(in Input) (Decision, bool) {
	for _, r := range s.rules {
		if !r.Matches(in) {
			continue
		}
		d := Decision{
			Mechanism: MechanismRule,
			Rate:      r.Rate,
			Metrics:   map[string]float64{ext.KeyRuleRate: r.Rate},
		}
		if !SampledByRate(in.TraceID, r.Rate) {
			d.Priority = PriorityAutoReject
			return d, true
		}
		allowed, effective := s.limiter.Allow()
		if !allowed {
			d.Priority = PriorityAutoReject
			return d, true
		}
		d.Keep = true
		d.Priority = PriorityAutoKeep
		d.Metrics[ext.KeyLimitRate] = effective
		return d, true
	}
	return Decision{}, false
}

// Sample applies the rules, rejecting traces no rule matches
func (s *RuleSampler) Sample(in Input) Decision {
	if d, ok := s.Apply(in); ok {
		return d
	}
	return Decision{Priority: PriorityAutoReject, Mechanism: MechanismRule}
}
