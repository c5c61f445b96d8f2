package sampler

// PrioritySampler runs the rule sampler first and falls back to per-service
// rates when no rule matches.
type PrioritySampler struct {
	rules     *RuleSampler
	byService *ByServiceSampler
}

// NewPrioritySampler composes rules and byService. Either may be nil,
// a nil byService keeps everything.
func NewPrioritySampler(rules *RuleSampler, byService *ByServiceSampler) *PrioritySampler {
	if byService == nil {
		byService, _ = NewByServiceSampler(1)
	}
	return &PrioritySampler{rules: rules, byService: byService}
}

// Sample returns the first decision that applies to in
func (p *PrioritySampler) Sample(in Input) Decision {
	if p.rules != nil {
		if d, ok := p.rules.Apply(in); ok {
			return d
		}
	}
	return p.byService.Sample(in)
}

// UpdateRates forwards collector feedback to the per-service sampler
func (p *PrioritySampler) UpdateRates(rates map[string]float64) {
	p.byService.UpdateRates(rates)
}

// Rates returns the per-service rates in effect
func (p *PrioritySampler) Rates() map[string]float64 {
	return p.byService.Rates()
}
