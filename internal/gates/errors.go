package gates

import (
	"errors"
	"fmt"
)

// ErrGateBlocked matches every *GateBlockedError.
var ErrGateBlocked = errors.New("quality gate blocked transition")

// GateBlockedError reports the first blocking check that failed. The full
// set of results has already been recorded when this error is returned.
type GateBlockedError struct {
	Transition  string
	Check       string
	Severity    Severity
	Findings    int
	Message     string
	Remediation string
}

func (e *GateBlockedError) Error() string {
	msg := fmt.Sprintf("quality gate %s blocked %s: %s (%d findings)", e.Check, e.Transition, e.Message, e.Findings)
	if e.Remediation != "" {
		msg += "; remediation: " + e.Remediation
	}
	return msg
}

// Is reports ErrGateBlocked as a match.
func (e *GateBlockedError) Is(target error) bool {
	return target == ErrGateBlocked
}
