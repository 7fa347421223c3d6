package workflow

import (
	"errors"
	"fmt"
	"strings"
)

// ErrInvalidWorkflow matches every *ValidationError.
var ErrInvalidWorkflow = errors.New("invalid workflow")

// ErrStepFailed matches every *StepError.
var ErrStepFailed = errors.New("workflow step failed")

// Category classifies a validation failure. Exactly one category is reported
// per failure.
type Category string

const (
	CategoryDefinition   Category = "definition"
	CategoryDanglingEdge Category = "dangling_edge"
	CategoryCycle        Category = "cycle"
	CategoryEntryPoint   Category = "entry_point"
	CategoryExitPoint    Category = "exit_point"
	CategorySkills       Category = "unsatisfied_skills"
)

// ValidationError reports why a workflow cannot be planned.
type ValidationError struct {
	Category Category
	Message  string

	// Node and Skills are set for CategorySkills.
	Node   string
	Skills []string
}

func (e *ValidationError) Error() string {
	return e.Message
}

// Is reports ErrInvalidWorkflow as a match.
func (e *ValidationError) Is(target error) bool {
	return target == ErrInvalidWorkflow
}

func danglingEdge(from, to string) *ValidationError {
	return &ValidationError{
		Category: CategoryDanglingEdge,
		Message:  fmt.Sprintf("edge references non-existent node: %s → %s", from, to),
	}
}

func cyclic() *ValidationError {
	return &ValidationError{
		Category: CategoryCycle,
		Message:  "workflow contains circular dependencies",
	}
}

func unsatisfiedSkills(node string, skills []string) *ValidationError {
	return &ValidationError{
		Category: CategorySkills,
		Message:  fmt.Sprintf("no executor can satisfy node %s: requires skills [%s]", node, strings.Join(skills, ", ")),
		Node:     node,
		Skills:   append([]string(nil), skills...),
	}
}

func invalidDefinition(format string, args ...any) *ValidationError {
	return &ValidationError{
		Category: CategoryDefinition,
		Message:  fmt.Sprintf(format, args...),
	}
}

// StepError reports a node whose action failed or whose executor errored.
// Quota and circuit-breaker rejections are never wrapped in a StepError.
type StepError struct {
	NodeID  string
	Action  string
	Message string
	Err     error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("step %s (%s) failed: %s", e.NodeID, e.Action, e.Message)
}

func (e *StepError) Unwrap() error {
	return e.Err
}

// Is reports ErrStepFailed as a match.
func (e *StepError) Is(target error) bool {
	return target == ErrStepFailed
}
