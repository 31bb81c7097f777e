// Package planner turns a flow graph plus cache knowledge into an execution
// plan: which nodes to skip, which to run, and the dependency bookkeeping the
// scheduler drains. Planning is pure; it never touches the cache or the
// filesystem.
package planner

import (
	"sort"

	"github.com/flowfile/flowfile/internal/flow/model"
)

// DepGraph is the scheduler's working state: per-node count of unfinished
// predecessors, successor lists, and the initially runnable set.
type DepGraph struct {
	PendingCount map[int64]int
	Successors   map[int64][]int64
	InitialReady []int64
}

// Plan is the result of planning one run.
type Plan struct {
	// Skip holds nodes served from cache; they are never dispatched.
	Skip []int64
	// SkipInvalid holds incorrect nodes and their transitive descendants.
	// They never dispatch and never count as dependencies of the run set.
	SkipInvalid []int64
	// Stages is the Kahn layering of the run set. Nodes in the same stage
	// have no dependency between them; stage k only depends on stages < k.
	Stages [][]int64
	Deps   DepGraph
}

// RunSet returns every node the plan will execute, in stage order.
func (p *Plan) RunSet() []int64 {
	var out []int64
	for _, st := range p.Stages {
		out = append(out, st...)
	}
	return out
}

// Build plans a run. broken reports whether a node cannot run (invalid
// settings or missing inputs); broken nodes and their transitive descendants
// go to SkipInvalid and the run proceeds without them. satisfied reports
// whether a node's result is already available (cache hit); satisfied nodes
// go to Skip. Dependency counts only track run-set predecessors, so a node
// whose inputs are all cached starts ready.
func Build(g *model.Graph, broken, satisfied func(id int64) bool) (*Plan, error) {
	if broken == nil {
		broken = func(int64) bool { return false }
	}
	if satisfied == nil {
		satisfied = func(int64) bool { return false }
	}
	p := &Plan{Deps: DepGraph{
		PendingCount: map[int64]int{},
		Successors:   map[int64][]int64{},
	}}

	invalid := map[int64]bool{}
	for _, id := range g.NodeIDs() {
		if !broken(id) || invalid[id] {
			continue
		}
		invalid[id] = true
		for _, d := range g.LeadsTo(id) {
			invalid[d] = true
		}
	}

	run := map[int64]bool{}
	for _, id := range g.NodeIDs() {
		if invalid[id] {
			p.SkipInvalid = append(p.SkipInvalid, id)
			continue
		}
		if satisfied(id) {
			p.Skip = append(p.Skip, id)
			continue
		}
		run[id] = true
	}
	sort.Slice(p.Skip, func(i, j int) bool { return p.Skip[i] < p.Skip[j] })
	sort.Slice(p.SkipInvalid, func(i, j int) bool { return p.SkipInvalid[i] < p.SkipInvalid[j] })

	for id := range run {
		pending := 0
		for _, in := range g.AllInputs(id) {
			if run[in] {
				pending++
				p.Deps.Successors[in] = append(p.Deps.Successors[in], id)
			}
		}
		p.Deps.PendingCount[id] = pending
		if pending == 0 {
			p.Deps.InitialReady = append(p.Deps.InitialReady, id)
		}
	}
	for _, succs := range p.Deps.Successors {
		sort.Slice(succs, func(i, j int) bool { return succs[i] < succs[j] })
	}
	sort.Slice(p.Deps.InitialReady, func(i, j int) bool {
		return p.Deps.InitialReady[i] < p.Deps.InitialReady[j]
	})

	stages, err := layer(run, p.Deps)
	if err != nil {
		return nil, err
	}
	p.Stages = stages
	return p, nil
}

// layer runs Kahn's algorithm over the run set, emitting whole frontiers.
func layer(run map[int64]bool, deps DepGraph) ([][]int64, error) {
	pending := make(map[int64]int, len(deps.PendingCount))
	for id, n := range deps.PendingCount {
		pending[id] = n
	}
	frontier := append([]int64{}, deps.InitialReady...)
	var stages [][]int64
	emitted := 0
	for len(frontier) > 0 {
		stage := append([]int64{}, frontier...)
		sort.Slice(stage, func(i, j int) bool { return stage[i] < stage[j] })
		stages = append(stages, stage)
		emitted += len(stage)
		var next []int64
		for _, id := range stage {
			for _, succ := range deps.Successors[id] {
				pending[succ]--
				if pending[succ] == 0 {
					next = append(next, succ)
				}
			}
		}
		frontier = next
	}
	if emitted != len(run) {
		return nil, model.ErrCycleDetected
	}
	return stages, nil
}
