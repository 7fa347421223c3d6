package orchestrator

import (
	"github.com/mplewis/vibe-agency-sub002/internal/manifest"
)

// Artifacts produced along the lifecycle.
const (
	ArtifactResearchBrief     = "research_brief"
	ArtifactLeanCanvasSummary = "lean_canvas_summary"
	ArtifactFeatureSpec       = "feature_spec"
	ArtifactArchitectureSpec  = "architecture_spec"
	ArtifactCode              = "code"
	ArtifactTestReport        = "test_report"
	ArtifactDeploymentReceipt = "deployment_receipt"
	ArtifactDefectReport      = "defect_report"
)

// Position is a phase plus, inside PLANNING, a sub-state.
type Position struct {
	Phase manifest.Phase
	Sub   manifest.SubState
}

func (p Position) String() string {
	if p.Sub == "" {
		return string(p.Phase)
	}
	return string(p.Phase) + "." + string(p.Sub)
}

func positionOf(m *manifest.Manifest) Position {
	return Position{Phase: m.CurrentPhase, Sub: m.SubState()}
}

var (
	posResearch     = Position{manifest.PhasePlanning, manifest.SubStateResearch}
	posBusiness     = Position{manifest.PhasePlanning, manifest.SubStateBusinessValidation}
	posFeatureSpec  = Position{manifest.PhasePlanning, manifest.SubStateFeatureSpecification}
	posArchitecture = Position{manifest.PhasePlanning, manifest.SubStateArchitectureDesign}
	posCoding       = Position{Phase: manifest.PhaseCoding}
	posTesting      = Position{Phase: manifest.PhaseTesting}
	posAwaitingQA   = Position{Phase: manifest.PhaseAwaitingQAApproval}
	posDeployment   = Position{Phase: manifest.PhaseDeployment}
	posProduction   = Position{Phase: manifest.PhaseProduction}
	posMaintenance  = Position{Phase: manifest.PhaseMaintenance}
)

// stage describes what Advance does at one position.
type stage struct {
	at   Position
	next Position
	// produces is recorded from the workflow's exit output on success.
	produces string
	// manual stages run no workflow; Advance only checks the entry
	// requirements of next.
	manual bool
	// repair sends failures back to CODING instead of surfacing them.
	repair bool
	// blocked is set for positions Advance cannot leave on its own.
	blocked string
}

var stages = map[Position]stage{
	posResearch:     {at: posResearch, next: posBusiness, produces: ArtifactResearchBrief},
	posBusiness:     {at: posBusiness, next: posFeatureSpec, produces: ArtifactLeanCanvasSummary},
	posFeatureSpec:  {at: posFeatureSpec, next: posArchitecture, produces: ArtifactFeatureSpec},
	posArchitecture: {at: posArchitecture, next: posCoding, produces: ArtifactArchitectureSpec},
	posCoding:       {at: posCoding, next: posTesting, produces: ArtifactCode},
	posTesting:      {at: posTesting, next: posAwaitingQA, produces: ArtifactTestReport, repair: true},
	posAwaitingQA:   {at: posAwaitingQA, next: posDeployment, manual: true},
	posDeployment:   {at: posDeployment, next: posProduction, produces: ArtifactDeploymentReceipt},
	posProduction:   {at: posProduction, blocked: "PRODUCTION only moves to MAINTENANCE when a defect is reported"},
	posMaintenance:  {at: posMaintenance, blocked: "MAINTENANCE is terminal"},
}

// requirement is an artifact that must exist before a position is entered.
type requirement struct {
	artifact   string
	producedBy Position
	// flag requirements must be a true boolean, not just present.
	flag bool
}

var entryRequirements = map[Position][]requirement{
	posFeatureSpec:  {{artifact: ArtifactLeanCanvasSummary, producedBy: posBusiness}},
	posArchitecture: {{artifact: ArtifactFeatureSpec, producedBy: posFeatureSpec}},
	posCoding:       {{artifact: ArtifactArchitectureSpec, producedBy: posArchitecture}},
	posTesting:      {{artifact: ArtifactCode, producedBy: posCoding}},
	posAwaitingQA:   {{artifact: ArtifactTestReport, producedBy: posTesting}},
	posDeployment:   {{artifact: manifest.ArtifactQAApproved, producedBy: posAwaitingQA, flag: true}},
	posProduction:   {{artifact: ArtifactDeploymentReceipt, producedBy: posDeployment}},
	posMaintenance:  {{artifact: ArtifactDefectReport, producedBy: posProduction}},
}

// checkEntry returns an *ArtifactNotFoundError for the first requirement of
// target that m does not satisfy.
func checkEntry(m *manifest.Manifest, target Position) error {
	for _, req := range entryRequirements[target] {
		ok := m.HasArtifact(req.artifact)
		if req.flag {
			ok = m.ArtifactFlag(req.artifact)
		}
		if !ok {
			return &ArtifactNotFoundError{
				Artifact:   req.artifact,
				Phase:      target.String(),
				ProducedBy: req.producedBy.String(),
			}
		}
	}
	return nil
}

// TransitionName is the key gate results are recorded under.
func TransitionName(from, to Position) string {
	return from.String() + "→" + to.String()
}

// GatedTransitions lists the names of every transition Advance evaluates
// quality gates for, in lifecycle order.
func GatedTransitions() []string {
	from := []Position{
		posResearch, posBusiness, posFeatureSpec, posArchitecture,
		posCoding, posTesting, posAwaitingQA, posDeployment,
	}
	names := make([]string, 0, len(from))
	for _, p := range from {
		names = append(names, TransitionName(p, stages[p].next))
	}
	return names
}

// WorkflowPositions lists every position that runs a workflow, in lifecycle
// order.
func WorkflowPositions() []Position {
	return []Position{
		posResearch, posBusiness, posFeatureSpec, posArchitecture,
		posCoding, posTesting, posDeployment,
	}
}

// ParsePosition parses "PHASE" or "PLANNING.SUB_STATE".
func ParsePosition(s string) (Position, bool) {
	for p := range stages {
		if p.String() == s {
			return p, true
		}
	}
	return Position{}, false
}
