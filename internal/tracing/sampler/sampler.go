// Package sampler decides which traces are kept.
//
// Decisions are made once per trace, on its local root, and carried on the
// trace as a sampling priority:
//
//	UserReject (-1)  dropped on user request
//	AutoReject (0)   dropped by a sampler
//	AutoKeep   (1)   kept by a sampler
//	UserKeep   (2)   kept on user request
//
// All rate based decisions hash the lower 64 bits of the trace id with
// Knuth's multiplicative method, so every process seeing the same trace id
// and rate reaches the same decision.
package sampler

import (
	"errors"
	"fmt"
	"math"
)

// Sampling priorities
const (
	PriorityUserReject = -1
	PriorityAutoReject = 0
	PriorityAutoKeep   = 1
	PriorityUserKeep   = 2
)

// Mechanism records which sampler produced a decision
type Mechanism int

const (
	MechanismDefault   Mechanism = 0
	MechanismAgentRate Mechanism = 1
	MechanismRule      Mechanism = 3
	MechanismManual    Mechanism = 4
)

// String returns the mechanism name
func (m Mechanism) String() string {
	switch m {
	case MechanismDefault:
		return "default"
	case MechanismAgentRate:
		return "agent_rate"
	case MechanismRule:
		return "rule"
	case MechanismManual:
		return "manual"
	default:
		return "unknown"
	}
}

// ErrInvalidRate is returned for sample rates outside [0, 1]
var ErrInvalidRate = errors.New("sample rate must be within [0, 1]")

// knuthFactor is the multiplier of Knuth's multiplicative hash
const knuthFactor uint64 = 1111111111111111111

// Input carries what a sampler may look at
type Input struct {
	TraceID uint64
	Name    string
	Service string
	Env     string
}

// Decision is the outcome of sampling a trace
type Decision struct {
	Keep      bool
	Priority  int
	Mechanism Mechanism
	Rate      float64
	// Metrics are recorded on the trace's root span
	Metrics map[string]float64
}

// Sampler decides whether a trace is kept
type Sampler interface {
	Sample(in Input) Decision
}

// SampledByRate reports whether traceID falls under rate
func SampledByRate(traceID uint64, rate float64) bool {
	if rate >= 1 {
		return true
	}
	if rate <= 0 {
		return false
	}
	return traceID*knuthFactor <= uint64(rate*math.MaxUint64)
}

func validateRate(rate float64) error {
	if math.IsNaN(rate) || rate < 0 || rate > 1 {
		return fmt.Errorf("%w: got %v", ErrInvalidRate, rate)
	}
	return nil
}

func priorityFor(keep bool) int {
	if keep {
		return PriorityAutoKeep
	}
	return PriorityAutoReject
}
