package kernel

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"
)

// ErrArtifactExists is returned when a node publishes a name it already
// published in the same execution without an intervening delete.
var ErrArtifactExists = errors.New("artifact already exists")

// ArtifactMeta is the core-side record of a published artifact. The object
// bytes stay in the kernel's store; the core only routes by name.
type ArtifactMeta struct {
	Name         string    `json:"name"`
	SourceNodeID int64     `json:"source_node_id"`
	KernelID     string    `json:"kernel_id"`
	TypeName     string    `json:"type_name,omitempty"`
	Module       string    `json:"module,omitempty"`
	SizeBytes    int64     `json:"size_bytes,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

// artifactAction is a node's net effect on one artifact name in its most
// recent execution.
type artifactAction struct {
	published bool
	seq       uint64
}

// nodeArtifacts is the record of one node's latest execution. Re-executing
// the node replaces the whole record, so only its own artifacts reset.
type nodeArtifacts struct {
	kernelID string
	actions  map[string]artifactAction
}

// ArtifactRegistry tracks publish and delete events per flow and node.
// Visibility is resolved by recency: node executions happen in dependency
// order, so the latest action among a node's same-kernel ancestors wins. A
// republish after a delete makes the name visible again.
type ArtifactRegistry struct {
	mu    sync.Mutex
	seq   uint64
	nodes map[int64]map[int64]*nodeArtifacts // flow id -> node id
	meta  map[int64]map[string]ArtifactMeta  // flow id -> name
}

func NewArtifactRegistry() *ArtifactRegistry {
	return &ArtifactRegistry{
		nodes: map[int64]map[int64]*nodeArtifacts{},
		meta:  map[int64]map[string]ArtifactMeta{},
	}
}

// RecordExecution stores the outcome of one python script execution. A name
// in both lists means the script deleted and republished it, which nets to a
// publish. The same name twice in published without a matching delete is a
// duplicate publish.
func (r *ArtifactRegistry) RecordExecution(flowID, nodeID int64, kernelID string, published, deleted []string, metas []ArtifactMeta) error {
	counts := map[string]int{}
	for _, name := range published {
		counts[name]++
	}
	deletedSet := map[string]bool{}
	for _, name := range deleted {
		deletedSet[name] = true
	}
	for name, n := range counts {
		if n > 1 && !deletedSet[name] {
			return fmt.Errorf("%w: %s (node %d)", ErrArtifactExists, name, nodeID)
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.seq++
	rec := &nodeArtifacts{kernelID: kernelID, actions: map[string]artifactAction{}}
	for name := range deletedSet {
		rec.actions[name] = artifactAction{published: false, seq: r.seq}
	}
	for name := range counts {
		rec.actions[name] = artifactAction{published: true, seq: r.seq}
	}
	if r.nodes[flowID] == nil {
		r.nodes[flowID] = map[int64]*nodeArtifacts{}
	}
	r.nodes[flowID][nodeID] = rec

	if r.meta[flowID] == nil {
		r.meta[flowID] = map[string]ArtifactMeta{}
	}
	for _, m := range metas {
		m.SourceNodeID = nodeID
		m.KernelID = kernelID
		if m.CreatedAt.IsZero() {
			m.CreatedAt = time.Now().UTC()
		}
		r.meta[flowID][m.Name] = m
	}
	for name := range deletedSet {
		if _, republished := counts[name]; !republished {
			delete(r.meta[flowID], name)
		}
	}
	return nil
}

// Available resolves which artifact names a node may read: those whose most
// recent action among the node's same-kernel ancestors is a publish.
func (r *ArtifactRegistry) Available(flowID int64, kernelID string, ancestors []int64) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	flow := r.nodes[flowID]
	if flow == nil {
		return nil
	}
	latest := map[string]artifactAction{}
	for _, anc := range ancestors {
		rec := flow[anc]
		if rec == nil || rec.kernelID != kernelID {
			continue
		}
		for name, act := range rec.actions {
			if prev, ok := latest[name]; !ok || act.seq > prev.seq {
				latest[name] = act
			}
		}
	}
	var out []string
	for name, act := range latest {
		if act.published {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}

// Meta returns the stored metadata for a name, if any.
func (r *ArtifactRegistry) Meta(flowID int64, name string) (ArtifactMeta, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.meta[flowID][name]
	return m, ok
}

// Artifacts lists all known artifact metadata for a flow, sorted by name.
func (r *ArtifactRegistry) Artifacts(flowID int64) []ArtifactMeta {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]ArtifactMeta, 0, len(r.meta[flowID]))
	for _, m := range r.meta[flowID] {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// ClearFlow drops all records for a flow.
func (r *ArtifactRegistry) ClearFlow(flowID int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.nodes, flowID)
	delete(r.meta, flowID)
}
