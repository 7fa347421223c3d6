package workflow

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func mustGraph(t *testing.T, spec Spec) *Graph {
	t.Helper()
	g, err := New(spec)
	require.NoError(t, err)
	return g
}

func nodes(ids ...string) []Node {
	out := make([]Node, len(ids))
	for i, id := range ids {
		out[i] = Node{ID: id, Action: "do_" + id}
	}
	return out
}

// chain builds ids[0] → ids[1] → ... with success edges.
func chain(ids ...string) Spec {
	spec := Spec{ID: "chain", EntryPoint: ids[0], ExitPoints: []string{ids[len(ids)-1]}, Nodes: nodes(ids...)}
	for i := 0; i+1 < len(ids); i++ {
		spec.Edges = append(spec.Edges, Edge{From: ids[i], To: ids[i+1], Condition: ConditionSuccess})
	}
	return spec
}

func TestGraph_ValidationOrderAndMessages(t *testing.T) {
	tests := []struct {
		name     string
		spec     Spec
		category Category
		message  string
	}{
		{
			name: "dangling edge",
			spec: Spec{ID: "w", EntryPoint: "A", ExitPoints: []string{"A"}, Nodes: nodes("A"),
				Edges: []Edge{{From: "A", To: "Z"}}},
			category: CategoryDanglingEdge,
			message:  "edge references non-existent node: A → Z",
		},
		{
			name: "dangling edge reported before cycle",
			spec: Spec{ID: "w", EntryPoint: "A", ExitPoints: []string{"B"}, Nodes: nodes("A", "B"),
				Edges: []Edge{{From: "A", To: "B"}, {From: "B", To: "A"}, {From: "Q", To: "A"}}},
			category: CategoryDanglingEdge,
			message:  "edge references non-existent node: Q → A",
		},
		{
			name: "three node cycle",
			spec: Spec{ID: "w", EntryPoint: "A", ExitPoints: []string{"C"}, Nodes: nodes("A", "B", "C"),
				Edges: []Edge{{From: "A", To: "B"}, {From: "B", To: "C"}, {From: "C", To: "A"}}},
			category: CategoryCycle,
			message:  "workflow contains circular dependencies",
		},
		{
			name: "cycle reported before missing entry",
			spec: Spec{ID: "w", EntryPoint: "missing", ExitPoints: []string{"A"}, Nodes: nodes("A", "B"),
				Edges: []Edge{{From: "A", To: "B"}, {From: "B", To: "A"}}},
			category: CategoryCycle,
			message:  "workflow contains circular dependencies",
		},
		{
			name:     "missing entry point",
			spec:     Spec{ID: "w", EntryPoint: "start", ExitPoints: []string{"A"}, Nodes: nodes("A")},
			category: CategoryEntryPoint,
			message:  "entry point start not found",
		},
		{
			name:     "missing exit point",
			spec:     Spec{ID: "w", EntryPoint: "A", ExitPoints: []string{"A", "end"}, Nodes: nodes("A")},
			category: CategoryExitPoint,
			message:  "exit point end not found",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g := mustGraph(t, tt.spec)
			err := g.Validate()
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrInvalidWorkflow)

			var verr *ValidationError
			require.ErrorAs(t, err, &verr)
			assert.Equal(t, tt.category, verr.Category)
			assert.Equal(t, tt.message, verr.Message)

			plan := g.Plan()
			assert.False(t, plan.IsValid)
			assert.Empty(t, plan.ExecutionOrder)
			assert.Equal(t, []string{tt.message}, plan.Errors)
		})
	}
}

func TestGraph_AlwaysEdgesDoNotFormCycles(t *testing.T) {
	g := mustGraph(t, Spec{
		ID: "w", EntryPoint: "A", ExitPoints: []string{"B"}, Nodes: nodes("A", "B"),
		Edges: []Edge{{From: "A", To: "B"}, {From: "B", To: "A", Condition: ConditionAlways}},
	})
	require.NoError(t, g.Validate())
	assert.Equal(t, []string{"A", "B"}, g.Plan().ExecutionOrder)
}

func TestGraph_TopologicalOrderRespectsSuccessEdges(t *testing.T) {
	specs := map[string]Spec{
		"chain": chain("A", "B", "C", "D"),
		"diamond": {ID: "d", EntryPoint: "A", ExitPoints: []string{"D"}, Nodes: nodes("D", "C", "B", "A"),
			Edges: []Edge{{From: "A", To: "B"}, {From: "A", To: "C"}, {From: "B", To: "D"}, {From: "C", To: "D"}}},
		"fan in": {ID: "f", EntryPoint: "X", ExitPoints: []string{"Z"}, Nodes: nodes("Z", "Y", "X", "W"),
			Edges: []Edge{{From: "X", To: "Z"}, {From: "Y", To: "Z"}, {From: "W", To: "Y"}, {From: "W", To: "X"}}},
	}
	for name, spec := range specs {
		t.Run(name, func(t *testing.T) {
			g := mustGraph(t, spec)
			plan := g.Plan()
			require.True(t, plan.IsValid, plan.Errors)
			require.Len(t, plan.ExecutionOrder, len(spec.Nodes))

			pos := make(map[string]int)
			for i, id := range plan.ExecutionOrder {
				pos[id] = i
			}
			for _, e := range spec.Edges {
				assert.Less(t, pos[e.From], pos[e.To], "%s must precede %s", e.From, e.To)
			}
		})
	}
}

func TestGraph_TiesBrokenByDeclarationOrder(t *testing.T) {
	g := mustGraph(t, Spec{
		ID: "w", EntryPoint: "C", ExitPoints: []string{"B"}, Nodes: nodes("C", "A", "B", "D"),
		Edges: []Edge{{From: "D", To: "B"}},
	})
	assert.Equal(t, []string{"C", "A", "D", "B"}, g.Plan().ExecutionOrder)
}

func TestGraph_PlanIsIdempotent(t *testing.T) {
	g := mustGraph(t, Spec{
		ID: "w", EntryPoint: "A", ExitPoints: []string{"D"}, Nodes: nodes("A", "B", "C", "D"),
		Edges: []Edge{{From: "A", To: "B"}, {From: "A", To: "C"}, {From: "B", To: "D"}, {From: "C", To: "D"}},
	})
	first := g.Plan()
	second := g.Plan()
	if diff := cmp.Diff(first, second); diff != "" {
		t.Fatalf("plans differ (-first +second):\n%s", diff)
	}

	// Mutating a returned plan does not leak into the graph.
	first.ExecutionOrder[0] = "mutated"
	first.Dependencies["D"][0] = "mutated"
	if diff := cmp.Diff(second, g.Plan()); diff != "" {
		t.Fatalf("plan changed after caller mutation:\n%s", diff)
	}
}

func TestGraph_Dependencies(t *testing.T) {
	g := mustGraph(t, Spec{
		ID: "w", EntryPoint: "A", ExitPoints: []string{"D"}, Nodes: nodes("A", "B", "C", "D"),
		Edges: []Edge{
			{From: "C", To: "D"}, {From: "A", To: "B"}, {From: "B", To: "D"},
			{From: "B", To: "D", Condition: ConditionAlways},
		},
	})
	want := map[string][]string{
		"A": {},
		"B": {"A"},
		"C": {},
		"D": {"B", "C"},
	}
	if diff := cmp.Diff(want, g.Plan().Dependencies); diff != "" {
		t.Fatalf("dependencies mismatch (-want +got):\n%s", diff)
	}
}

func TestNew_RejectsMalformedSpecs(t *testing.T) {
	tests := []struct {
		name string
		spec Spec
		want string
	}{
		{"no nodes", Spec{ID: "w", EntryPoint: "A", ExitPoints: []string{"A"}}, "has no nodes"},
		{"no exits", Spec{ID: "w", EntryPoint: "A", Nodes: nodes("A")}, "has no exit points"},
		{"duplicate node", Spec{ID: "w", EntryPoint: "A", ExitPoints: []string{"A"}, Nodes: nodes("A", "A")}, "duplicate node id A"},
		{"empty node id", Spec{ID: "w", EntryPoint: "A", ExitPoints: []string{"A"}, Nodes: []Node{{Action: "x"}}}, "node id is required"},
		{"bad condition", Spec{ID: "w", EntryPoint: "A", ExitPoints: []string{"A"}, Nodes: nodes("A", "B"),
			Edges: []Edge{{From: "A", To: "B", Condition: "sometimes"}}}, `unknown condition "sometimes"`},
		{"negative retries", Spec{ID: "w", EntryPoint: "A", ExitPoints: []string{"A"}, Nodes: nodes("A"), MaxRetries: -1}, "max_retries"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(tt.spec)
			var verr *ValidationError
			require.ErrorAs(t, err, &verr)
			assert.Equal(t, CategoryDefinition, verr.Category)
			assert.Contains(t, verr.Message, tt.want)
		})
	}
}

func TestGraph_DefaultsEdgeConditionToSuccess(t *testing.T) {
	g := mustGraph(t, Spec{ID: "w", EntryPoint: "A", ExitPoints: []string{"B"}, Nodes: nodes("A", "B"),
		Edges: []Edge{{From: "A", To: "B"}}})
	assert.Equal(t, ConditionSuccess, g.Edges()[0].Condition)
}
