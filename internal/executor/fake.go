package executor

import (
	"context"
	"sync"
	"time"
)

// Outcome is one scripted response of a Fake.
type Outcome struct {
	Result Result
	Err    error
	// Delay simulates work. The fake honours ctx while waiting.
	Delay time.Duration
}

// Succeed is a successful outcome.
func Succeed(output string, costUSD float64) Outcome {
	return Outcome{Result: Result{Status: StatusSuccess, Output: output, CostUSD: costUSD}}
}

// Fail is an outcome where the action ran and failed.
func Fail(msg string) Outcome {
	return Outcome{Result: Result{Status: StatusFailure, Error: msg}}
}

// Unavailable is an outcome where the executor itself errored.
func Unavailable(err error) Outcome {
	return Outcome{Err: err}
}

// Call records one invocation of a Fake.
type Call struct {
	Action  string
	Timeout time.Duration
}

// Fake is a deterministic in-memory Executor.
//
// Outcomes are scripted per action and consumed in order; the last outcome
// for an action repeats once the script runs out. Unscripted actions succeed
// with output "ok: <action>".
type Fake struct {
	name   string
	skills []string

	mu      sync.Mutex
	scripts map[string][]Outcome
	calls   []Call
}

// NewFake creates a fake with the given skills.
func NewFake(name string, skills ...string) *Fake {
	return &Fake{
		name:    name,
		skills:  skills,
		scripts: make(map[string][]Outcome),
	}
}

// On appends outcomes to the script of action.
func (f *Fake) On(action string, outcomes ...Outcome) *Fake {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.scripts[action] = append(f.scripts[action], outcomes...)
	return f
}

// Name implements Named.
func (f *Fake) Name() string {
	return f.name
}

// CanExecute implements Executor.
func (f *Fake) CanExecute(requiredSkills []string) bool {
	return HasSkills(f.skills, requiredSkills)
}

// ExecuteAction implements Executor.
func (f *Fake) ExecuteAction(ctx context.Context, action string, timeout time.Duration) (Result, error) {
	f.mu.Lock()
	f.calls = append(f.calls, Call{Action: action, Timeout: timeout})
	out := f.next(action)
	f.mu.Unlock()

	if out.Delay > 0 {
		if timeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, timeout)
			defer cancel()
		}
		timer := time.NewTimer(out.Delay)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-ctx.Done():
			return Result{}, ctx.Err()
		}
	}

	res := out.Result
	if res.Duration == 0 {
		res.Duration = out.Delay
	}
	return res, out.Err
}

// next pops the next outcome. Caller holds mu.
func (f *Fake) next(action string) Outcome {
	script := f.scripts[action]
	switch len(script) {
	case 0:
		return Succeed("ok: "+action, 0)
	case 1:
		return script[0]
	default:
		f.scripts[action] = script[1:]
		return script[0]
	}
}

// Calls returns the recorded invocations in order.
func (f *Fake) Calls() []Call {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Call(nil), f.calls...)
}

// Actions returns just the action names of the recorded invocations.
func (f *Fake) Actions() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.calls))
	for i, c := range f.calls {
		out[i] = c.Action
	}
	return out
}
