package model

import (
	"errors"
	"fmt"
	"sort"
)

// Graph mutation errors (GraphInvariantViolation taxonomy). Mutations that
// fail with these leave the graph unchanged.
var (
	ErrCycleDetected = errors.New("cycle detected")
	ErrSlotOccupied  = errors.New("input slot occupied")
	ErrShapeMismatch = errors.New("edge does not fit node input shape")
	ErrNodeNotFound  = errors.New("node not found")
	ErrDuplicateNode = errors.New("node id already exists")
	ErrDuplicateEdge = errors.New("duplicate edge")
)

// Slot names an input position on the target node.
type Slot string

const (
	SlotMain  Slot = "main"
	SlotLeft  Slot = "left"
	SlotRight Slot = "right"
)

type Edge struct {
	From int64 `json:"from"`
	To   int64 `json:"to"`
	Slot Slot  `json:"slot"`
}

// ExecutionMode selects whether intermediate results are materialised
// (Development) or kept lazy where possible (Performance).
type ExecutionMode string

const (
	ModeDevelopment ExecutionMode = "development"
	ModePerformance ExecutionMode = "performance"
)

type ExecutionLocation string

const (
	LocationLocal  ExecutionLocation = "local"
	LocationRemote ExecutionLocation = "remote"
	LocationAuto   ExecutionLocation = "auto"
)

type FlowSettings struct {
	Description          string            `json:"description,omitempty"`
	ExecutionMode        ExecutionMode     `json:"execution_mode"`
	ExecutionLocation    ExecutionLocation `json:"execution_location"`
	AutoSave             bool              `json:"auto_save,omitempty"`
	ShowDetailedProgress bool              `json:"show_detailed_progress,omitempty"`
	MaxParallelWorkers   int               `json:"max_parallel_workers"`
	// TimeoutSeconds bounds the whole run; 0 means no deadline.
	TimeoutSeconds int `json:"timeout_seconds,omitempty"`
}

func (s *FlowSettings) ApplyDefaults() {
	if s.ExecutionMode == "" {
		s.ExecutionMode = ModeDevelopment
	}
	if s.ExecutionLocation == "" {
		s.ExecutionLocation = LocationAuto
	}
	if s.MaxParallelWorkers < 1 {
		s.MaxParallelWorkers = 4
	}
}

// Graph is the flow DAG: nodes, slotted edges, and flow-level settings.
// It is a plain data structure; callers (the flow registry) serialize access.
type Graph struct {
	FlowID   int64
	Name     string
	Settings FlowSettings

	nodes map[int64]*Node
	edges []Edge
}

func NewGraph(flowID int64, name string) *Graph {
	g := &Graph{FlowID: flowID, Name: name, nodes: map[int64]*Node{}}
	g.Settings.ApplyDefaults()
	return g
}

func (g *Graph) Node(id int64) *Node {
	return g.nodes[id]
}

// Nodes returns all nodes sorted by id for deterministic iteration.
func (g *Graph) Nodes() []*Node {
	out := make([]*Node, 0, len(g.nodes))
	for _, n := range g.nodes {
		out = append(out, n)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (g *Graph) NodeIDs() []int64 {
	out := make([]int64, 0, len(g.nodes))
	for id := range g.nodes {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func (g *Graph) Edges() []Edge {
	return append([]Edge{}, g.edges...)
}

func (g *Graph) Len() int { return len(g.nodes) }

// AddNode inserts a promise. The node starts IDLE with no settings and
// is_correct=false until the typed setter runs.
func (g *Graph) AddNode(p NodePromise) (int64, error) {
	if !p.Kind.Valid() {
		return 0, fmt.Errorf("add node %d: unknown kind %q", p.ID, p.Kind)
	}
	if _, exists := g.nodes[p.ID]; exists {
		return 0, fmt.Errorf("add node %d: %w", p.ID, ErrDuplicateNode)
	}
	g.nodes[p.ID] = &Node{
		ID:             p.ID,
		Kind:           p.Kind,
		Description:    p.Description,
		PositionX:      p.PositionX,
		PositionY:      p.PositionY,
		IsStart:        p.IsStart,
		CacheResults:   p.CacheResults,
		TimeoutSeconds: p.TimeoutSeconds,
		State:          StateIdle,
	}
	return p.ID, nil
}

// Connect adds an edge. Rejections (cycle, slot conflict, shape mismatch,
// missing node) leave the edge set untouched.
func (g *Graph) Connect(from, to int64, slot Slot) error {
	if _, ok := g.nodes[from]; !ok {
		return fmt.Errorf("connect %d->%d: from: %w", from, to, ErrNodeNotFound)
	}
	target, ok := g.nodes[to]
	if !ok {
		return fmt.Errorf("connect %d->%d: to: %w", from, to, ErrNodeNotFound)
	}
	if from == to {
		return fmt.Errorf("connect %d->%d: %w", from, to, ErrCycleDetected)
	}
	// Adding from->to creates a cycle iff from is reachable from to. Checked
	// before slot occupancy so a cycle-forming edge into a full slot still
	// reports the cycle.
	if g.reaches(to, from) {
		return fmt.Errorf("connect %d->%d: %w", from, to, ErrCycleDetected)
	}
	sh := target.Kind.Shape()
	switch slot {
	case SlotMain:
		if sh.LeftRight || sh.MaxMain == 0 {
			return fmt.Errorf("connect %d->%d: %s does not accept main inputs: %w", from, to, target.Kind, ErrShapeMismatch)
		}
		if sh.MaxMain > 0 && len(g.inputsOn(to, SlotMain)) >= sh.MaxMain {
			return fmt.Errorf("connect %d->%d: main inputs full: %w", from, to, ErrSlotOccupied)
		}
	case SlotLeft, SlotRight:
		if !sh.LeftRight {
			return fmt.Errorf("connect %d->%d: %s does not accept %s input: %w", from, to, target.Kind, slot, ErrShapeMismatch)
		}
		if len(g.inputsOn(to, slot)) > 0 {
			return fmt.Errorf("connect %d->%d: %s: %w", from, to, slot, ErrSlotOccupied)
		}
	default:
		return fmt.Errorf("connect %d->%d: unknown slot %q: %w", from, to, slot, ErrShapeMismatch)
	}
	for _, e := range g.edges {
		if e.From == from && e.To == to && e.Slot == slot {
			return fmt.Errorf("connect %d->%d: %w", from, to, ErrDuplicateEdge)
		}
	}
	g.edges = append(g.edges, Edge{From: from, To: to, Slot: slot})
	return nil
}

func (g *Graph) Disconnect(from, to int64, slot Slot) error {
	for i, e := range g.edges {
		if e.From == from && e.To == to && e.Slot == slot {
			g.edges = append(g.edges[:i], g.edges[i+1:]...)
			return nil
		}
	}
	return fmt.Errorf("disconnect %d->%d (%s): edge not found", from, to, slot)
}

// DeleteNode removes the node and all incident edges.
func (g *Graph) DeleteNode(id int64) error {
	if _, ok := g.nodes[id]; !ok {
		return fmt.Errorf("delete node %d: %w", id, ErrNodeNotFound)
	}
	delete(g.nodes, id)
	kept := g.edges[:0]
	for _, e := range g.edges {
		if e.From != id && e.To != id {
			kept = append(kept, e)
		}
	}
	g.edges = kept
	return nil
}

// InputIDs returns the main input list (edge order) and the left/right
// slots (0 when unset) for a node.
func (g *Graph) InputIDs(id int64) (main []int64, left, right int64) {
	for _, e := range g.edges {
		if e.To != id {
			continue
		}
		switch e.Slot {
		case SlotMain:
			main = append(main, e.From)
		case SlotLeft:
			left = e.From
		case SlotRight:
			right = e.From
		}
	}
	return main, left, right
}

// AllInputs returns every direct predecessor of a node, sorted.
func (g *Graph) AllInputs(id int64) []int64 {
	var out []int64
	for _, e := range g.edges {
		if e.To == id {
			out = append(out, e.From)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Outputs returns every direct successor of a node, sorted.
func (g *Graph) Outputs(id int64) []int64 {
	var out []int64
	for _, e := range g.edges {
		if e.From == id {
			out = append(out, e.To)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// TopologicalRoots returns nodes with no incoming edges, sorted by id.
func (g *Graph) TopologicalRoots() []int64 {
	hasIn := map[int64]bool{}
	for _, e := range g.edges {
		hasIn[e.To] = true
	}
	var out []int64
	for id := range g.nodes {
		if !hasIn[id] {
			out = append(out, id)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// LeadsTo returns the transitive descendants of id (id excluded), sorted.
func (g *Graph) LeadsTo(id int64) []int64 {
	seen := map[int64]bool{}
	stack := g.Outputs(id)
	var out []int64
	for len(stack) > 0 {
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if seen[cur] {
			continue
		}
		seen[cur] = true
		out = append(out, cur)
		stack = append(stack, g.Outputs(cur)...)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Ancestors returns the transitive predecessors of id (id excluded), sorted.
func (g *Graph) Ancestors(id int64) []int64 {
	seen := map[int64]bool{}
	stack := g.AllInputs(id)
	var out []int64
	for len(stack) > 0 {
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if seen[cur] {
			continue
		}
		seen[cur] = true
		out = append(out, cur)
		stack = append(stack, g.AllInputs(cur)...)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// HasRequiredInputs reports whether the edges targeting the node satisfy its
// declared input shape.
func (g *Graph) HasRequiredInputs(id int64) bool {
	n := g.nodes[id]
	if n == nil {
		return false
	}
	main, left, right := g.InputIDs(id)
	sh := n.Kind.Shape()
	if sh.LeftRight {
		return left != 0 && right != 0 && len(main) == 0
	}
	if len(main) < sh.MinMain {
		return false
	}
	if sh.MaxMain >= 0 && len(main) > sh.MaxMain {
		return false
	}
	return left == 0 && right == 0
}

func (g *Graph) inputsOn(id int64, slot Slot) []int64 {
	var out []int64
	for _, e := range g.edges {
		if e.To == id && e.Slot == slot {
			out = append(out, e.From)
		}
	}
	return out
}

// reaches reports whether to is reachable from from over directed edges.
func (g *Graph) reaches(from, to int64) bool {
	if from == to {
		return true
	}
	seen := map[int64]bool{}
	stack := []int64{from}
	for len(stack) > 0 {
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if seen[cur] {
			continue
		}
		seen[cur] = true
		for _, e := range g.edges {
			if e.From != cur {
				continue
			}
			if e.To == to {
				return true
			}
			stack = append(stack, e.To)
		}
	}
	return false
}
