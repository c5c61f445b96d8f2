package sampler

import "sync"

// RateSampler keeps a fixed fraction of traces
type RateSampler struct {
	mu   sync.RWMutex
	rate float64
}

// NewRateSampler creates a sampler keeping rate of all traces
func NewRateSampler(rate float64) (*RateSampler, error) {
	if err := validateRate(rate); err != nil {
		return nil, err
	}
	return &RateSampler{rate: rate}, nil
}

// Rate returns the current rate
func (r *RateSampler) Rate() float64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.rate
}

// SetRate replaces the rate
func (r *RateSampler) SetRate(rate float64) error {
	if err := validateRate(rate); err != nil {
		return err
	}
	r.mu.Lock()
	r.rate = rate
	r.mu.Unlock()
	return nil
}

// Sample decides on the trace id alone
func (r *RateSampler) Sample(in Input) Decision {
	rate := r.Rate()
	keep := SampledByRate(in.TraceID, rate)
	return Decision{
		Keep:      keep,
		Priority:  priorityFor(keep),
		Mechanism: MechanismDefault,
		Rate:      rate,
	}
}
