package engine

import (
	"sync"
	"time"

	"github.com/flowfile/flowfile/internal/flow/model"
)

// NodeResult is the terminal record of one node in one run.
type NodeResult struct {
	NodeID      int64           `json:"node_id"`
	Kind        model.NodeKind  `json:"kind"`
	State       model.NodeState `json:"state"`
	Fingerprint string          `json:"fingerprint,omitempty"`
	WasCached   bool            `json:"was_cached"`
	Rows        int             `json:"rows,omitempty"`
	Error       string          `json:"error,omitempty"`
	StartedAt   time.Time       `json:"started_at,omitempty"`
	FinishedAt  time.Time       `json:"finished_at,omitempty"`
}

// RunInformation is the status document for one run, safe for concurrent
// reads while the run progresses.
type RunInformation struct {
	mu sync.Mutex

	RunID      string    `json:"run_id"`
	FlowID     int64     `json:"flow_id"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at,omitempty"`
	Running    bool      `json:"running"`
	Success    bool      `json:"success"`
	Cancelled  bool      `json:"cancelled,omitempty"`

	// NodesCompleted counts nodes that reached DONE, cached ones included.
	NodesCompleted int `json:"nodes_completed"`

	NodeResults map[int64]*NodeResult `json:"node_results"`
	Errors      []string              `json:"errors,omitempty"`
}

func newRunInformation(runID string, flowID int64) *RunInformation {
	return &RunInformation{
		RunID:       runID,
		FlowID:      flowID,
		StartedAt:   time.Now().UTC(),
		Running:     true,
		NodeResults: map[int64]*NodeResult{},
	}
}

func (r *RunInformation) setResult(res *NodeResult) {
	r.mu.Lock()
	if prev := r.NodeResults[res.NodeID]; prev != nil && prev.State == model.StateDone {
		r.NodesCompleted--
	}
	if res.State == model.StateDone {
		r.NodesCompleted++
	}
	r.NodeResults[res.NodeID] = res
	r.mu.Unlock()
}

func (r *RunInformation) addError(msg string) {
	r.mu.Lock()
	r.Errors = append(r.Errors, msg)
	r.mu.Unlock()
}

func (r *RunInformation) finish(success, cancelled bool) {
	r.mu.Lock()
	r.Running = false
	r.Success = success
	r.Cancelled = cancelled
	r.FinishedAt = time.Now().UTC()
	r.mu.Unlock()
}

// Snapshot returns a copy safe to serialise while the run continues.
func (r *RunInformation) Snapshot() RunInformation {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := RunInformation{
		RunID:          r.RunID,
		FlowID:         r.FlowID,
		StartedAt:      r.StartedAt,
		FinishedAt:     r.FinishedAt,
		Running:        r.Running,
		Success:        r.Success,
		Cancelled:      r.Cancelled,
		NodesCompleted: r.NodesCompleted,
		NodeResults:    make(map[int64]*NodeResult, len(r.NodeResults)),
		Errors:         append([]string{}, r.Errors...),
	}
	for id, res := range r.NodeResults {
		cp := *res
		out.NodeResults[id] = &cp
	}
	return out
}
