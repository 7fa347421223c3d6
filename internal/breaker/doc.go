// Package breaker provides a failure-isolation circuit breaker for calls to
// an external executor.
//
// A Breaker moves through three states:
//
//	CLOSED --(N failures within window W)--> OPEN
//	OPEN --(recovery timeout T elapsed)--> HALF_OPEN
//	HALF_OPEN --(probe success)--> CLOSED
//	HALF_OPEN --(probe failure)--> OPEN
//
// Failures are counted over a rolling window: timestamps older than the
// window are pruned before the threshold comparison, so a slow trickle of
// failures never trips the circuit.
//
// A single Breaker is usually shared by every project worker that calls the
// same dependency. All state is guarded by one mutex, and the admission check
// and the state change it implies happen under that lock.
//
// Rejections are returned as *OpenError or *HalfOpenProbeRejectedError. The
// breaker never retries on its own; callers apply their own backoff.
package breaker
