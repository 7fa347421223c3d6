package orchestrator

import (
	"errors"
	"fmt"

	"github.com/mplewis/vibe-agency-sub002/internal/manifest"
)

var (
	// ErrTransition matches every *TransitionError.
	ErrTransition = errors.New("illegal transition")

	// ErrRepairExhausted matches every *RepairExhaustedError.
	ErrRepairExhausted = errors.New("repair attempts exhausted")

	// ErrArtifactNotFound matches every *ArtifactNotFoundError.
	ErrArtifactNotFound = errors.New("artifact not found")

	// ErrArchived is the cause of transitions attempted on archived projects.
	ErrArchived = errors.New("project is archived")
)

// TransitionError reports a transition that could not be applied. The
// manifest's phase is unchanged when it is returned.
type TransitionError struct {
	ProjectID string
	From      string
	To        string
	Reason    string
	Err       error
}

func (e *TransitionError) Error() string {
	var msg string
	if e.To != "" {
		msg = fmt.Sprintf("project %s: cannot transition %s → %s: %s", e.ProjectID, e.From, e.To, e.Reason)
	} else {
		msg = fmt.Sprintf("project %s: cannot transition from %s: %s", e.ProjectID, e.From, e.Reason)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *TransitionError) Unwrap() error {
	return e.Err
}

// Is reports ErrTransition as a match.
func (e *TransitionError) Is(target error) bool {
	return target == ErrTransition
}

// RepairExhaustedError is fatal: the project needs a human before it can
// move again.
type RepairExhaustedError struct {
	ProjectID string
	Phase     manifest.Phase
	Attempts  int
	Max       int
}

func (e *RepairExhaustedError) Error() string {
	return fmt.Sprintf("project %s: repair attempts exhausted in %s (%d of %d used); human intervention required",
		e.ProjectID, e.Phase, e.Attempts, e.Max)
}

// Is reports ErrRepairExhausted as a match.
func (e *RepairExhaustedError) Is(target error) bool {
	return target == ErrRepairExhausted
}

// ArtifactNotFoundError names a missing upstream artifact and the position
// that is supposed to produce it.
type ArtifactNotFoundError struct {
	Artifact   string
	Phase      string
	ProducedBy string
}

func (e *ArtifactNotFoundError) Error() string {
	return fmt.Sprintf("artifact %q required to enter %s not found; it is produced by %s", e.Artifact, e.Phase, e.ProducedBy)
}

// Is reports ErrArtifactNotFound as a match.
func (e *ArtifactNotFoundError) Is(target error) bool {
	return target == ErrArtifactNotFound
}
