package server

import (
	"log"
	"sync"

	"github.com/flowfile/flowfile/internal/flow/engine"
	"github.com/flowfile/flowfile/internal/flow/fileio"
	"github.com/flowfile/flowfile/internal/flow/model"
)

// FlowState binds one loaded flow to its event broadcaster.
type FlowState struct {
	ID          int64
	Path        string
	Flow        *engine.Flow
	Broadcaster *Broadcaster
}

// Status summarises the flow's last (or current) run for the HTTP API.
func (fs *FlowState) Status() RunStatus {
	st := RunStatus{FlowID: fs.ID, Name: fs.Flow.Name(), State: "idle"}
	info := fs.Flow.LastRun()
	if info == nil {
		return st
	}
	snap := info.Snapshot()
	st.Run = &snap
	switch {
	case snap.Running:
		st.State = "running"
	case snap.Cancelled:
		st.State = "cancelled"
	case snap.Success:
		st.State = "done"
	default:
		st.State = "failed"
	}
	return st
}

// FlowRegistry owns every flow loaded into this server instance. All flows
// share one cache store, metrics registry, and executor wiring.
type FlowRegistry struct {
	opts   engine.Options
	logger *log.Logger

	mu     sync.RWMutex
	flows  map[int64]*FlowState
	nextID int64
}

func NewFlowRegistry(opts engine.Options, logger *log.Logger) *FlowRegistry {
	return &FlowRegistry{
		opts:   opts,
		logger: logger,
		flows:  map[int64]*FlowState{},
		nextID: 1,
	}
}

// Import loads a flow file and registers it. The file's own flow id is kept
// unless it is zero or already taken, in which case the next free id is
// assigned.
func (r *FlowRegistry) Import(path string) (*FlowState, error) {
	g, err := fileio.Load(path)
	if err != nil {
		return nil, err
	}
	fs, err := r.Add(g)
	if err != nil {
		return nil, err
	}
	fs.Path = path
	return fs, nil
}

// Add registers an in-memory graph.
func (r *FlowRegistry) Add(g *model.Graph) (*FlowState, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id := g.FlowID
	if id == 0 || r.flows[id] != nil {
		for r.flows[r.nextID] != nil {
			r.nextID++
		}
		id = r.nextID
		g.FlowID = id
	}
	if id >= r.nextID {
		r.nextID = id + 1
	}

	f, err := engine.New(g, r.opts)
	if err != nil {
		return nil, err
	}
	b := NewBroadcaster()
	f.SetProgressSink(b.Send)

	fs := &FlowState{ID: id, Flow: f, Broadcaster: b}
	r.flows[id] = fs
	r.logger.Printf("flow %d registered (%s)", id, f.Name())
	return fs, nil
}

// Get returns a flow by id.
func (r *FlowRegistry) Get(id int64) (*FlowState, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	fs, ok := r.flows[id]
	return fs, ok
}

// List returns all registered flow ids.
func (r *FlowRegistry) List() []int64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]int64, 0, len(r.flows))
	for id := range r.flows {
		ids = append(ids, id)
	}
	return ids
}

// CancelAll aborts every active run and closes all event streams.
func (r *FlowRegistry) CancelAll(reason string) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, fs := range r.flows {
		if fs.Flow.Cancel() {
			r.logger.Printf("flow %d cancelled: %s", fs.ID, reason)
		}
		fs.Broadcaster.Close()
	}
}
