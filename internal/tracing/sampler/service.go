package sampler

import (
	"sync"

	"github.com/GriffinCanCode/apmtrace/internal/tracing/ext"
)

// DefaultServiceKey is the rate key used when no service specific rate exists
const DefaultServiceKey = "service:,env:"

// ServiceKey builds the rate key for a service and environment
func ServiceKey(service, env string) string {
	return "service:" + service + ",env:" + env
}

// ByServiceSampler applies rates per service and environment, as fed back
// by the collector.
type ByServiceSampler struct {
	mu          sync.RWMutex
	rates       map[string]*RateSampler
	defaultRate float64
}

// NewByServiceSampler creates a sampler whose fallback rate is defaultRate
func NewByServiceSampler(defaultRate float64) (*ByServiceSampler, error) {
	def, err := NewRateSampler(defaultRate)
	if err != nil {
		return nil, err
	}
	return &ByServiceSampler{
		rates:       map[string]*RateSampler{DefaultServiceKey: def},
		defaultRate: defaultRate,
	}, nil
}

// Sample looks up the rate for in's service and environment
func (s *ByServiceSampler) Sample(in Input) Decision {
	s.mu.RLock()
	rs, ok := s.rates[ServiceKey(in.Service, in.Env)]
	if !ok {
		rs = s.rates[DefaultServiceKey]
	}
	s.mu.RUnlock()

	d := rs.Sample(in)
	d.Mechanism = MechanismAgentRate
	d.Metrics = map[string]float64{ext.KeyAgentRate: d.Rate}
	return d
}

// UpdateRates replaces every rate with the ones given. Invalid rates are
// skipped. The default key survives updates that omit it.
func (s *ByServiceSampler) UpdateRates(rates map[string]float64) {
	next := make(map[string]*RateSampler, len(rates)+1)
	for key, rate := range rates {
		rs, err := NewRateSampler(rate)
		if err != nil {
			continue
		}
		next[key] = rs
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := next[DefaultServiceKey]; !ok {
		next[DefaultServiceKey] = s.rates[DefaultServiceKey]
	}
	s.rates = next
}

// Rates returns a snapshot of the rates by key
func (s *ByServiceSampler) Rates() map[string]float64 {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[string]float64, len(s.rates))
	for key, rs := range s.rates {
		out[key] = rs.Rate()
	}
	return out
}
