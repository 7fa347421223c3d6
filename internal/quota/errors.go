package quota

import (
	"errors"
	"fmt"
)

// ErrExceeded matches every *ExceededError.
var ErrExceeded = errors.New("quota exceeded")

// Limit identifies which ceiling rejected a request.
type Limit string

const (
	LimitRPM         Limit = "RPM"
	LimitTPM         Limit = "TPM"
	LimitRequestCost Limit = "REQUEST_COST"
	LimitHourlyCost  Limit = "HOURLY_COST"
	LimitDailyCost   Limit = "DAILY_COST"
)

// ExceededError reports the first violated limit with the value that
// violated it and the configured ceiling.
type ExceededError struct {
	Limit     Limit
	Operation string
	Current   float64
	Max       float64
}

func (e *ExceededError) Error() string {
	var detail string
	switch e.Limit {
	case LimitRPM:
		detail = fmt.Sprintf("RPM limit reached: %.0f requests in current minute (limit %.0f)", e.Current, e.Max)
	case LimitTPM:
		detail = fmt.Sprintf("TPM limit would be exceeded: %.0f tokens in current minute (limit %.0f)", e.Current, e.Max)
	case LimitRequestCost:
		detail = fmt.Sprintf("per-request cost limit exceeded: estimated $%.4f (limit $%.4f)", e.Current, e.Max)
	case LimitHourlyCost:
		detail = fmt.Sprintf("hourly cost limit would be exceeded: $%.4f (limit $%.4f)", e.Current, e.Max)
	case LimitDailyCost:
		detail = fmt.Sprintf("daily cost limit would be exceeded: $%.4f (limit $%.4f)", e.Current, e.Max)
	default:
		detail = fmt.Sprintf("%s limit exceeded: %v (limit %v)", e.Limit, e.Current, e.Max)
	}
	if e.Operation == "" {
		return "quota exceeded: " + detail
	}
	return fmt.Sprintf("quota exceeded for %s: %s", e.Operation, detail)
}

// Is reports ErrExceeded as a match.
func (e *ExceededError) Is(target error) bool {
	return target == ErrExceeded
}
