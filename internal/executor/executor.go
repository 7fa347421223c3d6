// Package executor defines the boundary to the external task executor that
// performs the work of a workflow node.
//
// The core never looks inside an executor. It asks whether the executor has
// the skills a node needs and then hands it an action with a timeout.
package executor

import (
	"context"
	"errors"
	"time"
)

// Status is the outcome reported by an executor for one action.
type Status string

const (
	StatusSuccess Status = "success"
	StatusFailure Status = "failure"
)

// Result is what an executor returns for one action.
type Result struct {
	Status   Status        `json:"status"`
	Output   string        `json:"output,omitempty"`
	Error    string        `json:"error,omitempty"`
	CostUSD  float64       `json:"cost_usd"`
	Units    int           `json:"units"`
	Duration time.Duration `json:"duration"`
}

// OK reports whether the action succeeded.
func (r Result) OK() bool {
	return r.Status == StatusSuccess
}

// Executor performs actions on behalf of workflow nodes.
//
// ExecuteAction returns a non-nil error only when the executor itself could
// not be reached or did not answer in time. An action that ran and failed is
// reported through Result.Status.
type Executor interface {
	CanExecute(requiredSkills []string) bool
	ExecuteAction(ctx context.Context, action string, timeout time.Duration) (Result, error)
}

// Named is implemented by executors that carry a stable name for logs.
type Named interface {
	Name() string
}

// NameOf returns the executor's name, or "executor" if it has none.
func NameOf(e Executor) string {
	if n, ok := e.(Named); ok && n.Name() != "" {
		return n.Name()
	}
	return "executor"
}

// ErrNoExecutor is returned when no registered executor satisfies a node.
var ErrNoExecutor = errors.New("no executor can satisfy required skills")

// HasSkills reports whether have contains every entry of need.
func HasSkills(have, need []string) bool {
	if len(need) == 0 {
		return true
	}
	set := make(map[string]struct{}, len(have))
	for _, s := range have {
		set[s] = struct{}{}
	}
	for _, s := range need {
		if _, ok := set[s]; !ok {
			return false
		}
	}
	return true
}

// Select returns the first executor that can satisfy skills.
func Select(executors []Executor, skills []string) (Executor, error) {
	for _, e := range executors {
		if e.CanExecute(skills) {
			return e, nil
		}
	}
	return nil, ErrNoExecutor
}
