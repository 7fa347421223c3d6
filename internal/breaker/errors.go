package breaker

import (
	"errors"
	"fmt"
	"math"
	"time"
)

// ErrOpen matches every rejection issued by a breaker, whether the circuit
// is OPEN or a HALF_OPEN probe is already in flight.
var ErrOpen = errors.New("circuit open")

// OpenError is returned when the circuit is OPEN and the recovery timeout
// has not elapsed yet.
type OpenError struct {
	Name    string
	RetryIn time.Duration
}

func (e *OpenError) Error() string {
	secs := int(math.Ceil(e.RetryIn.Seconds()))
	if e.Name == "" {
		return fmt.Sprintf("circuit open, retry in %ds", secs)
	}
	return fmt.Sprintf("circuit %s open, retry in %ds", e.Name, secs)
}

// Is reports ErrOpen as a match.
func (e *OpenError) Is(target error) bool {
	return target == ErrOpen
}

// HalfOpenProbeRejectedError is returned while the single HALF_OPEN probe is
// still running.
type HalfOpenProbeRejectedError struct {
	Name string
}

func (e *HalfOpenProbeRejectedError) Error() string {
	if e.Name == "" {
		return "circuit half-open, probe already in flight"
	}
	return fmt.Sprintf("circuit %s half-open, probe already in flight", e.Name)
}

// Is reports ErrOpen as a match.
func (e *HalfOpenProbeRejectedError) Is(target error) bool {
	return target == ErrOpen
}

// IsRejection reports whether err was produced by a breaker refusing a call.
func IsRejection(err error) bool {
	return errors.Is(err, ErrOpen)
}
