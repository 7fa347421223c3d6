// Package workflow validates declarative task graphs and schedules their
// nodes onto executors.
//
// A Graph is immutable once built and safe for concurrent reads. Structural
// problems do not prevent construction; they are reported by Validate and
// surface in the ExecutionPlan so that a dry run can explain what is wrong.
package workflow

import (
	"container/heap"
	"time"
)

// Condition decides when an edge is followed.
type Condition string

const (
	// ConditionSuccess follows the edge only if the source node succeeded.
	// Success edges define execution order and must be acyclic.
	ConditionSuccess Condition = "success"
	// ConditionAlways follows the edge once the source node finished.
	ConditionAlways Condition = "always"
)

// Node is one unit of work.
type Node struct {
	ID             string   `yaml:"id" json:"id"`
	Action         string   `yaml:"action" json:"action"`
	Description    string   `yaml:"description,omitempty" json:"description,omitempty"`
	RequiredSkills []string `yaml:"required_skills,omitempty" json:"required_skills,omitempty"`
	TimeoutSeconds int      `yaml:"timeout_seconds,omitempty" json:"timeout_seconds,omitempty"`
}

// Timeout returns the node timeout, or zero if the node sets none.
func (n Node) Timeout() time.Duration {
	return time.Duration(n.TimeoutSeconds) * time.Second
}

// Edge connects two nodes.
type Edge struct {
	From      string    `yaml:"from" json:"from"`
	To        string    `yaml:"to" json:"to"`
	Condition Condition `yaml:"condition,omitempty" json:"condition,omitempty"`
}

// Spec is the input to New.
type Spec struct {
	ID               string
	Name             string
	Intent           string
	EntryPoint       string
	ExitPoints       []string
	EstimatedCostUSD float64
	Nodes            []Node
	Edges            []Edge
	MaxRetries       int
}

// Graph is an immutable workflow graph.
type Graph struct {
	id            string
	name          string
	intent        string
	entry         string
	exits         []string
	estimatedCost float64
	maxRetries    int

	nodes []Node         // declaration order
	index map[string]int // node id -> declaration index
	edges []Edge

	// Derived at construction.
	order []string
	deps  map[string][]string
	err   *ValidationError
}

// New builds a graph. It rejects definitions that cannot form a graph at all
// (missing or duplicate node ids, unknown edge conditions, no exit points).
// Structural errors are recorded and returned by Validate.
func New(spec Spec) (*Graph, error) {
	if len(spec.Nodes) == 0 {
		return nil, invalidDefinition("workflow %s has no nodes", spec.ID)
	}
	if len(spec.ExitPoints) == 0 {
		return nil, invalidDefinition("workflow %s has no exit points", spec.ID)
	}
	if spec.MaxRetries < 0 {
		return nil, invalidDefinition("workflow %s: max_retries must not be negative", spec.ID)
	}

	g := &Graph{
		id:            spec.ID,
		name:          spec.Name,
		intent:        spec.Intent,
		entry:         spec.EntryPoint,
		exits:         append([]string(nil), spec.ExitPoints...),
		estimatedCost: spec.EstimatedCostUSD,
		maxRetries:    spec.MaxRetries,
		nodes:         make([]Node, 0, len(spec.Nodes)),
		index:         make(map[string]int, len(spec.Nodes)),
		edges:         make([]Edge, 0, len(spec.Edges)),
	}
	for _, n := range spec.Nodes {
		if n.ID == "" {
			return nil, invalidDefinition("workflow %s: node id is required", spec.ID)
		}
		if _, dup := g.index[n.ID]; dup {
			return nil, invalidDefinition("workflow %s: duplicate node id %s", spec.ID, n.ID)
		}
		if n.TimeoutSeconds < 0 {
			return nil, invalidDefinition("workflow %s: node %s has negative timeout", spec.ID, n.ID)
		}
		n.RequiredSkills = append([]string(nil), n.RequiredSkills...)
		g.index[n.ID] = len(g.nodes)
		g.nodes = append(g.nodes, n)
	}
	for _, e := range spec.Edges {
		switch e.Condition {
		case "":
			e.Condition = ConditionSuccess
		case ConditionSuccess, ConditionAlways:
		default:
			return nil, invalidDefinition("workflow %s: edge %s → %s has unknown condition %q", spec.ID, e.From, e.To, e.Condition)
		}
		g.edges = append(g.edges, e)
	}

	g.err = g.validate()
	if g.err == nil {
		g.deps = g.dependencies()
	}
	return g, nil
}

// validate runs the structural checks in order and stops at the first
// failing category. On success it stores the execution order.
func (g *Graph) validate() *ValidationError {
	for _, e := range g.edges {
		_, okFrom := g.index[e.From]
		_, okTo := g.index[e.To]
		if !okFrom || !okTo {
			return danglingEdge(e.From, e.To)
		}
	}

	order, ok := g.topoOrder()
	if !ok {
		return cyclic()
	}

	if _, ok := g.index[g.entry]; !ok {
		return &ValidationError{Category: CategoryEntryPoint, Message: "entry point " + g.entry + " not found"}
	}
	for _, x := range g.exits {
		if _, ok := g.index[x]; !ok {
			return &ValidationError{Category: CategoryExitPoint, Message: "exit point " + x + " not found"}
		}
	}

	g.order = order
	return nil
}

// topoOrder runs Kahn's algorithm over success edges. Ready nodes are taken
// in declaration order, so the result is deterministic for a given input.
// It reports false if a cycle remains.
func (g *Graph) topoOrder() ([]string, bool) {
	indeg := make([]int, len(g.nodes))
	out := make([][]int, len(g.nodes))
	for _, e := range g.edges {
		if e.Condition != ConditionSuccess {
			continue
		}
		from, to := g.index[e.From], g.index[e.To]
		out[from] = append(out[from], to)
		indeg[to]++
	}

	ready := &indexHeap{}
	for i, d := range indeg {
		if d == 0 {
			heap.Push(ready, i)
		}
	}
	order := make([]string, 0, len(g.nodes))
	for ready.Len() > 0 {
		u := heap.Pop(ready).(int)
		order = append(order, g.nodes[u].ID)
		for _, v := range out[u] {
			indeg[v]--
			if indeg[v] == 0 {
				heap.Push(ready, v)
			}
		}
	}
	return order, len(order) == len(g.nodes)
}

// dependencies maps each node to its direct predecessors over all edges,
// in declaration order and without duplicates.
func (g *Graph) dependencies() map[string][]string {
	deps := make(map[string][]string, len(g.nodes))
	seen := make(map[Edge]struct{}, len(g.edges))
	for _, n := range g.nodes {
		deps[n.ID] = []string{}
	}
	for _, n := range g.nodes {
		for _, e := range g.edges {
			if e.To != n.ID {
				continue
			}
			key := Edge{From: e.From, To: e.To}
			if _, dup := seen[key]; dup {
				continue
			}
			seen[key] = struct{}{}
			deps[n.ID] = append(deps[n.ID], e.From)
		}
	}
	for id, preds := range deps {
		sortByIndex(preds, g.index)
		deps[id] = preds
	}
	return deps
}

func sortByIndex(ids []string, index map[string]int) {
	for i := 1; i < len(ids); i++ {
		for j := i; j > 0 && index[ids[j]] < index[ids[j-1]]; j-- {
			ids[j], ids[j-1] = ids[j-1], ids[j]
		}
	}
}

// Validate returns the first structural problem of the graph, or nil.
func (g *Graph) Validate() error {
	if g.err == nil {
		return nil
	}
	return g.err
}

// ID returns the workflow id.
func (g *Graph) ID() string { return g.id }

// Name returns the workflow name.
func (g *Graph) Name() string { return g.name }

// Intent returns the workflow intent.
func (g *Graph) Intent() string { return g.intent }

// EntryPoint returns the entry node id.
func (g *Graph) EntryPoint() string { return g.entry }

// ExitPoints returns the exit node ids.
func (g *Graph) ExitPoints() []string { return append([]string(nil), g.exits...) }

// EstimatedCostUSD returns the declared cost estimate for one full run.
func (g *Graph) EstimatedCostUSD() float64 { return g.estimatedCost }

// MaxRetries returns how many times a failed node action is retried.
func (g *Graph) MaxRetries() int { return g.maxRetries }

// Node returns a node by id.
func (g *Graph) Node(id string) (Node, bool) {
	i, ok := g.index[id]
	if !ok {
		return Node{}, false
	}
	return g.nodes[i], true
}

// Nodes returns the nodes in declaration order.
func (g *Graph) Nodes() []Node {
	return append([]Node(nil), g.nodes...)
}

// Edges returns the edges in declaration order.
func (g *Graph) Edges() []Edge {
	return append([]Edge(nil), g.edges...)
}

// incoming returns edges ending at id.
func (g *Graph) incoming(id string) []Edge {
	var in []Edge
	for _, e := range g.edges {
		if e.To == id {
			in = append(in, e)
		}
	}
	return in
}

func (g *Graph) isExit(id string) bool {
	for _, x := range g.exits {
		if x == id {
			return true
		}
	}
	return false
}

// ExecutionPlan is the derived, immutable schedule of a graph.
type ExecutionPlan struct {
	WorkflowID       string              `json:"workflow_id"`
	ExecutionOrder   []string            `json:"execution_order"`
	Dependencies     map[string][]string `json:"dependencies"`
	IsValid          bool                `json:"is_valid"`
	Errors           []string            `json:"errors"`
	Nodes            []NodeDetail        `json:"nodes,omitempty"`
	EstimatedCostUSD float64             `json:"estimated_cost_usd"`
}

// NodeDetail is the dry-run projection of one node.
type NodeDetail struct {
	ID             string   `json:"id"`
	Action         string   `json:"action"`
	Description    string   `json:"description,omitempty"`
	RequiredSkills []string `json:"required_skills,omitempty"`
	TimeoutSeconds int      `json:"timeout_seconds,omitempty"`
	DependsOn      []string `json:"depends_on"`
	Executor       string   `json:"executor,omitempty"`
}

// Plan derives the structural execution plan. It does not check executor
// capabilities; see Scheduler.DryRun.
func (g *Graph) Plan() *ExecutionPlan {
	p := &ExecutionPlan{
		WorkflowID:       g.id,
		ExecutionOrder:   []string{},
		Dependencies:     map[string][]string{},
		Errors:           []string{},
		EstimatedCostUSD: g.estimatedCost,
	}
	if g.err != nil {
		p.Errors = append(p.Errors, g.err.Message)
		return p
	}
	p.IsValid = true
	p.ExecutionOrder = append(p.ExecutionOrder, g.order...)
	for id, preds := range g.deps {
		p.Dependencies[id] = append([]string{}, preds...)
	}
	for _, id := range g.order {
		n := g.nodes[g.index[id]]
		p.Nodes = append(p.Nodes, NodeDetail{
			ID:             n.ID,
			Action:         n.Action,
			Description:    n.Description,
			RequiredSkills: append([]string(nil), n.RequiredSkills...),
			TimeoutSeconds: n.TimeoutSeconds,
			DependsOn:      append([]string{}, g.deps[id]...),
		})
	}
	return p
}

// indexHeap is a min-heap of declaration indices.
type indexHeap []int

func (h indexHeap) Len() int           { return len(h) }
func (h indexHeap) Less(i, j int) bool { return h[i] < h[j] }
func (h indexHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }

func (h *indexHeap) Push(x any) { *h = append(*h, x.(int)) }

func (h *indexHeap) Pop() any {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}
