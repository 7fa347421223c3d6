// Package manifest defines the persisted project record and the stores that
// keep it durable.
package manifest

import (
	"encoding/json"
	"fmt"
	"regexp"
	"time"

	"github.com/mplewis/vibe-agency-sub002/internal/gates"
)

// Phase is a top-level lifecycle stage.
type Phase string

const (
	PhasePlanning           Phase = "PLANNING"
	PhaseCoding             Phase = "CODING"
	PhaseTesting            Phase = "TESTING"
	PhaseAwaitingQAApproval Phase = "AWAITING_QA_APPROVAL"
	PhaseDeployment         Phase = "DEPLOYMENT"
	PhaseProduction         Phase = "PRODUCTION"
	PhaseMaintenance        Phase = "MAINTENANCE"
)

// AllPhases returns the phases in lifecycle order.
func AllPhases() []Phase {
	return []Phase{
		PhasePlanning, PhaseCoding, PhaseTesting, PhaseAwaitingQAApproval,
		PhaseDeployment, PhaseProduction, PhaseMaintenance,
	}
}

// Valid reports whether p is a known phase.
func (p Phase) Valid() bool {
	for _, known := range AllPhases() {
		if p == known {
			return true
		}
	}
	return false
}

// SubState is a stage within PLANNING.
type SubState string

const (
	SubStateResearch             SubState = "RESEARCH"
	SubStateBusinessValidation   SubState = "BUSINESS_VALIDATION"
	SubStateFeatureSpecification SubState = "FEATURE_SPECIFICATION"
	SubStateArchitectureDesign   SubState = "ARCHITECTURE_DESIGN"
)

// PlanningSubStates returns the PLANNING sub-states in order.
func PlanningSubStates() []SubState {
	return []SubState{
		SubStateResearch, SubStateBusinessValidation,
		SubStateFeatureSpecification, SubStateArchitectureDesign,
	}
}

// Valid reports whether s is a known sub-state.
func (s SubState) Valid() bool {
	for _, known := range PlanningSubStates() {
		if s == known {
			return true
		}
	}
	return false
}

// Well-known artifact and metadata keys.
const (
	ArtifactQAApproved = "qa_approved"

	MetaRepairAttempts = "repair_attempts"
	MetaTransitions    = "transitions"
	MetaQAApproval     = "qa_approval"
)

var projectIDPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]{0,127}$`)

// ValidateProjectID rejects ids that are empty or unsafe as file names.
func ValidateProjectID(id string) error {
	if !projectIDPattern.MatchString(id) {
		return fmt.Errorf("%w: %q", ErrInvalidProjectID, id)
	}
	return nil
}

// Budget tracks spend against a ceiling. A zero MaxCostUSD means unlimited.
type Budget struct {
	MaxCostUSD     float64 `json:"max_cost_usd"`
	CurrentCostUSD float64 `json:"current_cost_usd"`
}

// WouldExceed reports whether spending estimate more would pass the ceiling.
func (b Budget) WouldExceed(estimate float64) bool {
	return b.MaxCostUSD > 0 && b.CurrentCostUSD+estimate > b.MaxCostUSD
}

// Remaining returns the unspent budget, or -1 if unlimited.
func (b Budget) Remaining() float64 {
	if b.MaxCostUSD <= 0 {
		return -1
	}
	return max(0, b.MaxCostUSD-b.CurrentCostUSD)
}

// TransitionRecord is one committed phase change.
type TransitionRecord struct {
	From   string    `json:"from"`
	To     string    `json:"to"`
	At     time.Time `json:"at"`
	Reason string    `json:"reason,omitempty"`
	Actor  string    `json:"actor,omitempty"`
}

// Approval is the last human QA decision.
type Approval struct {
	Approved bool      `json:"approved"`
	Approver string    `json:"approver"`
	Reason   string    `json:"reason,omitempty"`
	At       time.Time `json:"at"`
}

// Manifest is the root aggregate of one project.
type Manifest struct {
	ProjectID       string                    `json:"project_id"`
	CurrentPhase    Phase                     `json:"current_phase"`
	CurrentSubState *SubState                 `json:"current_sub_state"`
	Artifacts       map[string]Artifact       `json:"artifacts"`
	Budget          Budget                    `json:"budget"`
	QualityGates    map[string][]gates.Result `json:"quality_gates"`
	Metadata        map[string]any            `json:"metadata"`
	Archived        bool                      `json:"archived"`
	CreatedAt       time.Time                 `json:"created_at"`
	UpdatedAt       time.Time                 `json:"updated_at"`
}

// New returns a manifest at the start of PLANNING.
func New(projectID string, maxCostUSD float64, now time.Time) *Manifest {
	sub := SubStateResearch
	return &Manifest{
		ProjectID:       projectID,
		CurrentPhase:    PhasePlanning,
		CurrentSubState: &sub,
		Artifacts:       map[string]Artifact{},
		Budget:          Budget{MaxCostUSD: maxCostUSD},
		QualityGates:    map[string][]gates.Result{},
		Metadata:        map[string]any{},
		CreatedAt:       now,
		UpdatedAt:       now,
	}
}

// Validate checks the manifest invariants.
func (m *Manifest) Validate() error {
	if err := ValidateProjectID(m.ProjectID); err != nil {
		return err
	}
	if !m.CurrentPhase.Valid() {
		return fmt.Errorf("manifest %s: unknown phase %q", m.ProjectID, m.CurrentPhase)
	}
	switch {
	case m.CurrentPhase == PhasePlanning && m.CurrentSubState == nil:
		return fmt.Errorf("manifest %s: PLANNING requires a sub-state", m.ProjectID)
	case m.CurrentPhase != PhasePlanning && m.CurrentSubState != nil:
		return fmt.Errorf("manifest %s: sub-state %s set outside PLANNING", m.ProjectID, *m.CurrentSubState)
	case m.CurrentSubState != nil && !m.CurrentSubState.Valid():
		return fmt.Errorf("manifest %s: unknown sub-state %q", m.ProjectID, *m.CurrentSubState)
	}
	if m.Budget.MaxCostUSD < 0 || m.Budget.CurrentCostUSD < 0 {
		return fmt.Errorf("manifest %s: budget values must not be negative", m.ProjectID)
	}
	return nil
}

// SubState returns the current sub-state or "".
func (m *Manifest) SubState() SubState {
	if m.CurrentSubState == nil {
		return ""
	}
	return *m.CurrentSubState
}

// Position names the current phase and sub-state, e.g. "PLANNING.RESEARCH".
func (m *Manifest) Position() string {
	if m.CurrentSubState == nil {
		return string(m.CurrentPhase)
	}
	return string(m.CurrentPhase) + "." + string(*m.CurrentSubState)
}

// MoveTo sets the phase and sub-state. The sub-state is cleared outside
// PLANNING.
func (m *Manifest) MoveTo(phase Phase, sub SubState) {
	m.CurrentPhase = phase
	if phase != PhasePlanning || sub == "" {
		m.CurrentSubState = nil
		return
	}
	m.CurrentSubState = &sub
}

// HasArtifact reports whether an artifact entry exists.
func (m *Manifest) HasArtifact(name string) bool {
	_, ok := m.Artifacts[name]
	return ok
}

// ArtifactFlag returns the boolean value of a flag artifact.
func (m *Manifest) ArtifactFlag(name string) bool {
	a, ok := m.Artifacts[name]
	return ok && a.Bool()
}

// SetArtifact records an artifact.
func (m *Manifest) SetArtifact(name string, a Artifact) {
	if m.Artifacts == nil {
		m.Artifacts = map[string]Artifact{}
	}
	m.Artifacts[name] = a
}

// AppendGateResults appends results to the log of a transition.
func (m *Manifest) AppendGateResults(transition string, results []gates.Result) {
	if m.QualityGates == nil {
		m.QualityGates = map[string][]gates.Result{}
	}
	m.QualityGates[transition] = append(m.QualityGates[transition], results...)
}

// RepairAttempts returns the persisted repair counter.
func (m *Manifest) RepairAttempts() int {
	switch v := m.Metadata[MetaRepairAttempts].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	case json.Number:
		n, _ := v.Int64()
		return int(n)
	}
	return 0
}

// SetRepairAttempts stores the repair counter. Zero removes it.
func (m *Manifest) SetRepairAttempts(n int) {
	if m.Metadata == nil {
		m.Metadata = map[string]any{}
	}
	if n <= 0 {
		delete(m.Metadata, MetaRepairAttempts)
		return
	}
	m.Metadata[MetaRepairAttempts] = n
}

// Transitions returns the transition log.
func (m *Manifest) Transitions() []TransitionRecord {
	var out []TransitionRecord
	decodeMeta(m.Metadata[MetaTransitions], &out)
	return out
}

// AppendTransition adds an entry to the transition log.
func (m *Manifest) AppendTransition(rec TransitionRecord) {
	if m.Metadata == nil {
		m.Metadata = map[string]any{}
	}
	m.Metadata[MetaTransitions] = append(m.Transitions(), rec)
}

// Approval returns the last QA decision, if any.
func (m *Manifest) Approval() (Approval, bool) {
	var a Approval
	raw, ok := m.Metadata[MetaQAApproval]
	if !ok {
		return a, false
	}
	ok = decodeMeta(raw, &a)
	return a, ok
}

// SetApproval records a QA decision and the qa_approved flag.
func (m *Manifest) SetApproval(a Approval) {
	if m.Metadata == nil {
		m.Metadata = map[string]any{}
	}
	m.Metadata[MetaQAApproval] = a
	m.SetArtifact(ArtifactQAApproved, Flag(a.Approved))
}

// decodeMeta converts a metadata value, typed or freshly decoded from JSON,
// into out.
func decodeMeta(v any, out any) bool {
	if v == nil {
		return false
	}
	data, err := json.Marshal(v)
	if err != nil {
		return false
	}
	return json.Unmarshal(data, out) == nil
}

// Clone returns a deep copy. Metadata values are normalised to their JSON
// form.
func (m *Manifest) Clone() (*Manifest, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("cloning manifest %s: %w", m.ProjectID, err)
	}
	var out Manifest
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("cloning manifest %s: %w", m.ProjectID, err)
	}
	out.normalize()
	return &out, nil
}

// normalize replaces nil maps after decoding.
func (m *Manifest) normalize() {
	if m.Artifacts == nil {
		m.Artifacts = map[string]Artifact{}
	}
	if m.QualityGates == nil {
		m.QualityGates = map[string][]gates.Result{}
	}
	if m.Metadata == nil {
		m.Metadata = map[string]any{}
	}
}

// Decode parses a persisted manifest and checks its invariants.
func Decode(data []byte) (*Manifest, error) {
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupted, err)
	}
	m.normalize()
	if err := m.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupted, err)
	}
	return &m, nil
}

// Encode renders the manifest as indented JSON.
func Encode(m *Manifest) ([]byte, error) {
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to marshal manifest %s: %w", m.ProjectID, err)
	}
	return data, nil
}
