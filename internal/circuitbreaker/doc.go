// Package circuitbreaker guards upstream targets of the pooled forwarding
// strategy.
//
// A breaker trips after a run of consecutive transport failures and rejects
// requests to that target until the reset timeout passes:
//
//   - CLOSED: requests pass through
//   - OPEN: target failing, requests rejected with 503
//   - HALF-OPEN: one probe request is let through to test recovery
//
// Usage:
//
//	registry := circuitbreaker.NewRegistry(5, 30*time.Second)
//	cb := registry.For("http://127.0.0.1:1234")
//	if !cb.Allow() {
//	    // reject
//	}
//	if err != nil {
//	    cb.RecordFailure()
//	} else {
//	    cb.RecordSuccess()
//	}
package circuitbreaker
