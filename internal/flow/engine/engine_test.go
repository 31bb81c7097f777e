package engine

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/flowfile/flowfile/internal/flow/cache"
	"github.com/flowfile/flowfile/internal/flow/lazyplan"
	"github.com/flowfile/flowfile/internal/flow/model"
)

func newTestFlow(t *testing.T, g *model.Graph, opts Options) *Flow {
	t.Helper()
	if opts.Store == nil {
		store, err := cache.NewStore(t.TempDir(), nil)
		if err != nil {
			t.Fatalf("store: %v", err)
		}
		opts.Store = store
	}
	if opts.Backoff.InitialDelayMS == 0 {
		opts.Backoff = BackoffConfig{InitialDelayMS: 1, BackoffFactor: 1, MaxDelayMS: 5}
	}
	f, err := New(g, opts)
	if err != nil {
		t.Fatalf("new flow: %v", err)
	}
	return f
}

func pipelineGraph(t *testing.T) *model.Graph {
	t.Helper()
	g := model.NewGraph(1, "pipeline")
	for _, p := range []model.NodePromise{
		{ID: 1, Kind: model.KindManualInput},
		{ID: 2, Kind: model.KindFilter},
		{ID: 3, Kind: model.KindSort},
		{ID: 4, Kind: model.KindUnion},
	} {
		if _, err := g.AddNode(p); err != nil {
			t.Fatalf("add: %v", err)
		}
	}
	for _, e := range []struct{ from, to int64 }{{1, 2}, {1, 3}, {2, 4}, {3, 4}} {
		if err := g.Connect(e.from, e.to, model.SlotMain); err != nil {
			t.Fatalf("connect: %v", err)
		}
	}
	g.Node(1).Settings = &model.ManualInputSettings{
		Data: []map[string]any{
			{"name": "ada", "age": 36},
			{"name": "grace", "age": 85},
			{"name": "linus", "age": 28},
		},
		Schema: []model.ColumnDef{{Name: "name", DType: "str"}, {Name: "age", DType: "int"}},
	}
	g.Node(2).Settings = &model.FilterSettings{Expression: "age > 30"}
	g.Node(3).Settings = &model.SortSettings{By: []model.SortField{{Column: "age"}}}
	g.Node(4).Settings = &model.UnionSettings{}
	return g
}

func TestRun_DiamondCompletesAllNodes(t *testing.T) {
	f := newTestFlow(t, pipelineGraph(t), Options{})
	info, err := f.Run(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if !info.Success || info.Running {
		t.Fatalf("run should finish successfully: %+v", info)
	}
	for id := int64(1); id <= 4; id++ {
		res := info.NodeResults[id]
		if res == nil || res.State != model.StateDone {
			t.Fatalf("node %d: %+v", id, res)
		}
		if res.WasCached {
			t.Fatalf("first run should compute node %d", id)
		}
	}
	// Union of 2 filtered + 3 sorted rows.
	if info.NodeResults[4].Rows != 5 {
		t.Fatalf("union rows: got %d want 5", info.NodeResults[4].Rows)
	}
	if snap := info.Snapshot(); snap.NodesCompleted != 4 {
		t.Fatalf("nodes completed: got %d want 4", snap.NodesCompleted)
	}
}

func TestRun_SecondRunServedFromCache(t *testing.T) {
	store, err := cache.NewStore(t.TempDir(), nil)
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	f := newTestFlow(t, pipelineGraph(t), Options{Store: store})
	if _, err := f.Run(context.Background()); err != nil {
		t.Fatalf("first run: %v", err)
	}
	info, err := f.Run(context.Background())
	if err != nil {
		t.Fatalf("second run: %v", err)
	}
	for id := int64(1); id <= 4; id++ {
		res := info.NodeResults[id]
		if !res.WasCached {
			t.Fatalf("node %d should be a cache hit on the second run", id)
		}
	}
}

func TestRun_SettingsChangeRecomputesOnlyDownstream(t *testing.T) {
	f := newTestFlow(t, pipelineGraph(t), Options{})
	if _, err := f.Run(context.Background()); err != nil {
		t.Fatalf("first run: %v", err)
	}
	if err := f.SetSettings(2, &model.FilterSettings{Expression: "age > 80"}); err != nil {
		t.Fatalf("set settings: %v", err)
	}
	info, err := f.Run(context.Background())
	if err != nil {
		t.Fatalf("second run: %v", err)
	}
	if !info.NodeResults[1].WasCached || !info.NodeResults[3].WasCached {
		t.Fatalf("untouched branch should stay cached")
	}
	if info.NodeResults[2].WasCached || info.NodeResults[4].WasCached {
		t.Fatalf("edited node and its descendant must recompute")
	}
	if info.NodeResults[4].Rows != 4 {
		t.Fatalf("union rows after tighter filter: got %d want 4", info.NodeResults[4].Rows)
	}
}

func TestRun_InvalidNodeSkippedWithDescendants(t *testing.T) {
	g := pipelineGraph(t)
	g.Node(2).Settings = nil
	f := newTestFlow(t, g, Options{})
	info, err := f.Run(context.Background())
	if err != nil {
		t.Fatalf("run should succeed around the invalid node: %v", err)
	}
	if !info.Success {
		t.Fatalf("run should report success: %+v", info)
	}
	if res := info.NodeResults[2]; res == nil || res.State != model.StateSkipped || res.Error != "settings invalid" {
		t.Fatalf("node 2: %+v", res)
	}
	if res := info.NodeResults[4]; res == nil || res.State != model.StateSkipped || res.Error != "upstream node invalid" {
		t.Fatalf("node 4: %+v", res)
	}
	// The healthy branch still runs.
	if info.NodeResults[1].State != model.StateDone || info.NodeResults[3].State != model.StateDone {
		t.Fatalf("nodes 1 and 3 should finish: %+v", info.NodeResults)
	}
}

func TestRun_IsolatedInvalidNodeStillSucceeds(t *testing.T) {
	g := model.NewGraph(1, "t")
	if _, err := g.AddNode(model.NodePromise{ID: 1, Kind: model.KindFilter}); err != nil {
		t.Fatalf("add: %v", err)
	}
	f := newTestFlow(t, g, Options{})
	info, err := f.Run(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if !info.Success {
		t.Fatalf("run should succeed: %+v", info)
	}
	if res := info.NodeResults[1]; res == nil || res.State != model.StateSkipped {
		t.Fatalf("node 1 should be skipped: %+v", res)
	}
}

func TestRun_RuntimeFailureSkipsDescendantsOnly(t *testing.T) {
	g := pipelineGraph(t)
	// Compiles but returns a number at run time, which the filter rejects.
	g.Node(2).Settings = &model.FilterSettings{Expression: "age"}
	f := newTestFlow(t, g, Options{})
	info, err := f.Run(context.Background())
	if err == nil {
		t.Fatalf("run should fail")
	}
	if info.NodeResults[2].State != model.StateFailed {
		t.Fatalf("node 2 state: %v", info.NodeResults[2].State)
	}
	if info.NodeResults[4].State != model.StateSkipped {
		t.Fatalf("node 4 should be skipped, got %v", info.NodeResults[4].State)
	}
	// The sibling branch is independent of the failure.
	if info.NodeResults[3].State != model.StateDone {
		t.Fatalf("node 3 should finish, got %v", info.NodeResults[3].State)
	}
}

func TestRun_SingleWorkerStillCompletes(t *testing.T) {
	g := pipelineGraph(t)
	g.Settings.MaxParallelWorkers = 1
	f := newTestFlow(t, g, Options{})
	info, err := f.Run(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if info.NodeResults[4].Rows != 5 {
		t.Fatalf("union rows: got %d want 5", info.NodeResults[4].Rows)
	}
}

func TestRun_OutputNodeWritesFile(t *testing.T) {
	dir := t.TempDir()
	out := filepath.Join(dir, "out.csv")
	g := model.NewGraph(1, "t")
	if _, err := g.AddNode(model.NodePromise{ID: 1, Kind: model.KindManualInput}); err != nil {
		t.Fatalf("add: %v", err)
	}
	if _, err := g.AddNode(model.NodePromise{ID: 2, Kind: model.KindOutput}); err != nil {
		t.Fatalf("add: %v", err)
	}
	if err := g.Connect(1, 2, model.SlotMain); err != nil {
		t.Fatalf("connect: %v", err)
	}
	g.Node(1).Settings = &model.ManualInputSettings{
		Data:   []map[string]any{{"a": 1}, {"a": 2}},
		Schema: []model.ColumnDef{{Name: "a", DType: "int"}},
	}
	g.Node(2).Settings = &model.OutputSettings{Path: out, Format: "csv"}
	f := newTestFlow(t, g, Options{})
	if _, err := f.Run(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}
	b, err := os.ReadFile(out)
	if err != nil {
		t.Fatalf("output file: %v", err)
	}
	if string(b) != "a\n1\n2\n" {
		t.Fatalf("csv content: %q", b)
	}
}

type stubRemote struct {
	calls    atomic.Int32
	failures int32
}

func (s *stubRemote) ExecutePlan(ctx context.Context, req RemoteRequest) (*lazyplan.Table, error) {
	if s.calls.Add(1) <= s.failures {
		return nil, ErrTransient
	}
	t := lazyplan.NewTable("x")
	t.Rows = [][]any{{int64(1)}}
	return t, nil
}

func TestRun_TransientRemoteFailureRetries(t *testing.T) {
	g := model.NewGraph(1, "t")
	if _, err := g.AddNode(model.NodePromise{ID: 1, Kind: model.KindManualInput}); err != nil {
		t.Fatalf("add: %v", err)
	}
	if _, err := g.AddNode(model.NodePromise{ID: 2, Kind: model.KindPolarsCode}); err != nil {
		t.Fatalf("add: %v", err)
	}
	if err := g.Connect(1, 2, model.SlotMain); err != nil {
		t.Fatalf("connect: %v", err)
	}
	g.Node(1).Settings = &model.ManualInputSettings{
		Data:   []map[string]any{{"a": 1}},
		Schema: []model.ColumnDef{{Name: "a", DType: "int"}},
	}
	g.Node(2).Settings = &model.PolarsCodeSettings{Code: "df.head()"}

	remote := &stubRemote{failures: 1}
	f := newTestFlow(t, g, Options{Remote: remote})
	info, err := f.Run(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if remote.calls.Load() != 2 {
		t.Fatalf("remote calls: got %d want 2", remote.calls.Load())
	}
	if info.NodeResults[2].State != model.StateDone {
		t.Fatalf("node 2 should succeed after retry")
	}
}

type blockingKernel struct {
	started chan struct{}
	release chan struct{}
}

func (k *blockingKernel) ExecuteScript(ctx context.Context, req ScriptRequest) (*lazyplan.Table, error) {
	close(k.started)
	select {
	case <-k.release:
		return lazyplan.NewTable("x"), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func scriptGraph(t *testing.T) *model.Graph {
	t.Helper()
	g := model.NewGraph(1, "t")
	if _, err := g.AddNode(model.NodePromise{ID: 1, Kind: model.KindManualInput}); err != nil {
		t.Fatalf("add: %v", err)
	}
	if _, err := g.AddNode(model.NodePromise{ID: 2, Kind: model.KindPythonScript}); err != nil {
		t.Fatalf("add: %v", err)
	}
	if err := g.Connect(1, 2, model.SlotMain); err != nil {
		t.Fatalf("connect: %v", err)
	}
	g.Node(1).Settings = &model.ManualInputSettings{
		Data:   []map[string]any{{"a": 1}},
		Schema: []model.ColumnDef{{Name: "a", DType: "int"}},
	}
	g.Node(2).Settings = &model.PythonScriptSettings{Code: "df", KernelID: "k1"}
	return g
}

func TestRun_MutationsAndRunsRejectedWhileActive(t *testing.T) {
	kernel := &blockingKernel{started: make(chan struct{}), release: make(chan struct{})}
	f := newTestFlow(t, scriptGraph(t), Options{Kernels: kernel})

	done := make(chan error, 1)
	go func() {
		_, err := f.Run(context.Background())
		done <- err
	}()
	<-kernel.started

	if _, err := f.AddNode(model.NodePromise{ID: 9, Kind: model.KindFilter}); !errors.Is(err, ErrRunActive) {
		t.Fatalf("mutation during run: got %v", err)
	}
	if _, err := f.Run(context.Background()); !errors.Is(err, ErrRunActive) {
		t.Fatalf("second run: got %v", err)
	}
	close(kernel.release)
	if err := <-done; err != nil {
		t.Fatalf("run: %v", err)
	}
}

func TestRun_CancelAbortsRun(t *testing.T) {
	kernel := &blockingKernel{started: make(chan struct{}), release: make(chan struct{})}
	f := newTestFlow(t, scriptGraph(t), Options{Kernels: kernel})

	done := make(chan error, 1)
	go func() {
		_, err := f.Run(context.Background())
		done <- err
	}()
	<-kernel.started
	if !f.Cancel() {
		t.Fatalf("cancel should find an active run")
	}
	select {
	case err := <-done:
		if err == nil {
			t.Fatalf("cancelled run should report an error")
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("run did not stop after cancel")
	}
	if info := f.LastRun(); !info.Cancelled {
		t.Fatalf("run info should record cancellation: %+v", info)
	}
}

func TestRun_CancelledRunReportsEveryNode(t *testing.T) {
	f := newTestFlow(t, pipelineGraph(t), Options{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	info, err := f.Run(ctx)
	if err == nil {
		t.Fatalf("cancelled run should report an error")
	}
	if !info.Cancelled {
		t.Fatalf("run info should record cancellation: %+v", info)
	}
	for id := int64(1); id <= 4; id++ {
		res := info.NodeResults[id]
		if res == nil {
			t.Fatalf("node %d has no result in run summary", id)
		}
		if res.State != model.StateSkipped || res.Error != "cancelled" {
			t.Fatalf("node %d: %+v", id, res)
		}
	}
}

func TestRun_InFlightNodeSkippedOnCancel(t *testing.T) {
	kernel := &blockingKernel{started: make(chan struct{}), release: make(chan struct{})}
	f := newTestFlow(t, scriptGraph(t), Options{Kernels: kernel})

	done := make(chan struct{})
	go func() {
		defer close(done)
		if _, err := f.Run(context.Background()); err == nil {
			t.Errorf("cancelled run should report an error")
		}
	}()
	<-kernel.started
	f.Cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatalf("run did not stop after cancel")
	}
	info := f.LastRun()
	if res := info.NodeResults[2]; res == nil || res.State != model.StateSkipped {
		t.Fatalf("in-flight node should be skipped on cancel: %+v", res)
	}
}

func TestRun_NodeTimeoutFailsNode(t *testing.T) {
	g := scriptGraph(t)
	g.Node(2).TimeoutSeconds = 1
	kernel := &blockingKernel{started: make(chan struct{}), release: make(chan struct{})}
	f := newTestFlow(t, g, Options{Kernels: kernel})
	info, err := f.Run(context.Background())
	if err == nil {
		t.Fatalf("timed-out node should fail the run")
	}
	if info.Cancelled {
		t.Fatalf("a node timeout is a failure, not a cancellation")
	}
	res := info.NodeResults[2]
	if res == nil || res.State != model.StateFailed {
		t.Fatalf("node 2: %+v", res)
	}
	if !strings.Contains(res.Error, "timed out") {
		t.Fatalf("node 2 error: %q", res.Error)
	}
}

func TestRun_FlowDeadlineCancelsNodes(t *testing.T) {
	g := scriptGraph(t)
	g.Settings.TimeoutSeconds = 1
	kernel := &blockingKernel{started: make(chan struct{}), release: make(chan struct{})}
	f := newTestFlow(t, g, Options{Kernels: kernel})
	info, err := f.Run(context.Background())
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline error, got %v", err)
	}
	if info.Cancelled {
		t.Fatalf("a run deadline is a failure, not a user cancel")
	}
	if res := info.NodeResults[2]; res == nil || res.State != model.StateSkipped {
		t.Fatalf("node 2 should be cancelled: %+v", res)
	}
}

func TestRun_ProgressEventsEmitted(t *testing.T) {
	f := newTestFlow(t, pipelineGraph(t), Options{})
	var mu sync.Mutex
	var events []string
	f.SetProgressSink(func(ev map[string]any) {
		if name, _ := ev["event"].(string); name != "" {
			mu.Lock()
			events = append(events, name)
			mu.Unlock()
		}
	})
	if _, err := f.Run(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}
	if events[0] != "run_started" || events[len(events)-1] != "run_finished" {
		t.Fatalf("event envelope: %v", events)
	}
	finished := 0
	for _, e := range events {
		if e == "node_finished" {
			finished++
		}
	}
	if finished != 4 {
		t.Fatalf("node_finished events: got %d want 4", finished)
	}
}
