/*
Package resilience provides the circuit breaker guarding collector delivery.

# Overview

When the collector is down, retrying every payload only burns the writer's
time budget. The breaker fails payloads fast after repeated transport
failures and probes the collector again once its timeout elapses.

# Usage

	breaker := resilience.New("collector", resilience.Settings{
		MaxRequests: 1,
		Timeout:     30 * time.Second,
	})

	err := breaker.Do(func() error {
		return client.Send(ctx, payload)
	})
	if errors.Is(err, resilience.ErrCircuitOpen) {
		// payload dropped without a network call
	}

# States

	Closed --[failures]-> Open --[timeout]-> Half-Open --[successes]-> Closed
	                                           |
	                                    [failure]
	                                           |
	                                           v
	                                         Open

Without ReadyToTrip the breaker uses DefaultTripPolicy: five consecutive
failures, or half of a window of at least twenty calls. Outcomes of calls
admitted before a state change are ignored. Context cancellation does not
count as a failure by default. Tests drive expiry with a clockz fake clock
instead of sleeping.
*/
package resilience
