// Package engine orchestrates flow runs: it validates and fingerprints the
// graph, plans around the cache, and drains the dependency graph with a
// bounded worker pool. Node semantics live in lazyplan; remote execution is
// delegated through the RemoteExecutor and KernelExecutor interfaces.
package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/flowfile/flowfile/internal/flow/cache"
	"github.com/flowfile/flowfile/internal/flow/fingerprint"
	"github.com/flowfile/flowfile/internal/flow/lazyplan"
	"github.com/flowfile/flowfile/internal/flow/model"
	"github.com/flowfile/flowfile/internal/flow/planner"
	"github.com/flowfile/flowfile/internal/flow/validate"
)

var (
	// ErrRunActive rejects graph mutations and new runs while a run holds
	// the flow.
	ErrRunActive = errors.New("run in progress")
	// ErrRunCancelled is the cancellation cause for user-requested aborts.
	ErrRunCancelled = errors.New("run cancelled")
	// ErrTransient marks failures worth retrying with backoff (worker at
	// capacity, kernel busy).
	ErrTransient = errors.New("transient execution failure")
)

// RemoteRequest carries a plan to a worker process.
type RemoteRequest struct {
	FlowID      int64
	NodeID      int64
	Fingerprint string
	Operation   string
	Plan        *lazyplan.Plan
}

// RemoteExecutor runs plans the in-memory evaluator cannot (polars code,
// parquet scans, user defined transforms) on a worker process.
type RemoteExecutor interface {
	ExecutePlan(ctx context.Context, req RemoteRequest) (*lazyplan.Table, error)
}

// ScriptRequest carries a python script node to a kernel. Ancestors lists
// the node's transitive predecessors so the coordinator can resolve which
// artifacts are visible to the script.
type ScriptRequest struct {
	FlowID      int64
	NodeID      int64
	Fingerprint string
	KernelID    string
	Code        string
	Timeout     time.Duration
	Input       *lazyplan.Table
	Ancestors   []int64
}

// KernelExecutor runs python script nodes on a managed kernel.
type KernelExecutor interface {
	ExecuteScript(ctx context.Context, req ScriptRequest) (*lazyplan.Table, error)
}

// Options configures a Flow.
type Options struct {
	Store   *cache.Store
	Logger  *log.Logger
	Metrics *Metrics
	Remote  RemoteExecutor
	Kernels KernelExecutor
	Backoff BackoffConfig

	// MaxTransientRetries bounds backoff retries per node for ErrTransient
	// failures. Defaults to 2.
	MaxTransientRetries int
}

// Flow binds one graph to its cache and run machinery. Graph mutations and
// runs are mutually exclusive.
type Flow struct {
	mu    sync.Mutex
	graph *model.Graph

	store   *cache.Store
	locks   *fingerprint.KeyedMutex
	logger  *log.Logger
	metrics *Metrics
	remote  RemoteExecutor
	kernels KernelExecutor
	backoff BackoffConfig
	retries int

	progress progressLog

	runMu     sync.Mutex
	runActive bool
	cancelRun context.CancelCauseFunc
	lastRun   *RunInformation
}

func New(g *model.Graph, opts Options) (*Flow, error) {
	if g == nil {
		return nil, fmt.Errorf("nil graph")
	}
	if opts.Store == nil {
		return nil, fmt.Errorf("cache store is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	retries := opts.MaxTransientRetries
	if retries <= 0 {
		retries = 2
	}
	backoff := opts.Backoff
	if backoff.InitialDelayMS == 0 && backoff.BackoffFactor == 0 {
		backoff = defaultBackoffConfig()
	}
	return &Flow{
		graph:   g,
		store:   opts.Store,
		locks:   fingerprint.NewKeyedMutex(),
		logger:  logger,
		metrics: opts.Metrics,
		remote:  opts.Remote,
		kernels: opts.Kernels,
		backoff: backoff,
		retries: retries,
	}, nil
}

// SetProgressSink routes run events to sink (the SSE broadcaster).
func (f *Flow) SetProgressSink(sink func(map[string]any)) {
	f.progress.setSink(sink)
}

// ProgressTail returns the retained run events.
func (f *Flow) ProgressTail() []map[string]any {
	return f.progress.tail()
}

func (f *Flow) FlowID() int64 { return f.graph.FlowID }
func (f *Flow) Name() string  { return f.graph.Name }

// Graph runs fn with the graph under the flow lock. fn must not retain the
// graph past its return.
func (f *Flow) Graph(fn func(g *model.Graph)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	fn(f.graph)
}

func (f *Flow) rejectIfRunning() error {
	f.runMu.Lock()
	defer f.runMu.Unlock()
	if f.runActive {
		return ErrRunActive
	}
	return nil
}

// AddNode inserts a node from a promise. Rejected while a run is active.
func (f *Flow) AddNode(p model.NodePromise) (int64, error) {
	if err := f.rejectIfRunning(); err != nil {
		return 0, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.graph.AddNode(p)
}

// SetSettings installs a typed settings payload on a node, refreshes
// correctness and fingerprints, and invalidates the node's and descendants'
// stale cache entries.
func (f *Flow) SetSettings(id int64, s model.Settings) error {
	if err := f.rejectIfRunning(); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	n := f.graph.Node(id)
	if n == nil {
		return fmt.Errorf("set settings %d: %w", id, model.ErrNodeNotFound)
	}
	if s != nil && s.SettingsKind() != n.Kind {
		return fmt.Errorf("set settings %d: payload is for %s, node is %s", id, s.SettingsKind(), n.Kind)
	}
	n.Settings = s
	return f.refreshAfterMutation()
}

// Connect adds an edge. Rejected while a run is active.
func (f *Flow) Connect(from, to int64, slot model.Slot) error {
	if err := f.rejectIfRunning(); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.graph.Connect(from, to, slot); err != nil {
		return err
	}
	return f.refreshAfterMutation()
}

// Disconnect removes an edge. Rejected while a run is active.
func (f *Flow) Disconnect(from, to int64, slot model.Slot) error {
	if err := f.rejectIfRunning(); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.graph.Disconnect(from, to, slot); err != nil {
		return err
	}
	return f.refreshAfterMutation()
}

// DeleteNode removes a node and its edges. Rejected while a run is active.
func (f *Flow) DeleteNode(id int64) error {
	if err := f.rejectIfRunning(); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.graph.DeleteNode(id); err != nil {
		return err
	}
	return f.refreshAfterMutation()
}

// refreshAfterMutation recomputes correctness and fingerprints and drops
// cache entries for fingerprints that changed. Caller holds f.mu.
func (f *Flow) refreshAfterMutation() error {
	validate.RefreshCorrectness(f.graph)
	old := map[int64]string{}
	for _, n := range f.graph.Nodes() {
		old[n.ID] = n.Fingerprint
	}
	changed, err := fingerprint.Refresh(f.graph)
	if err != nil {
		return err
	}
	var stale []string
	for _, id := range changed {
		if fp := old[id]; fp != "" {
			stale = append(stale, fp)
		}
	}
	if len(stale) > 0 {
		f.store.Invalidate(f.graph.FlowID, stale...)
	}
	return nil
}

// LastRun returns the most recent run information, or nil before any run.
func (f *Flow) LastRun() *RunInformation {
	f.runMu.Lock()
	defer f.runMu.Unlock()
	return f.lastRun
}

// Cancel aborts the active run, if any. Reports whether a run was active.
func (f *Flow) Cancel() bool {
	f.runMu.Lock()
	defer f.runMu.Unlock()
	if !f.runActive || f.cancelRun == nil {
		return false
	}
	f.cancelRun(ErrRunCancelled)
	return true
}

// runState carries the per-run mutable state shared by node executions.
type runState struct {
	info    *RunInformation
	results sync.Map // int64 -> *lazyplan.Table
}

func (s *runState) table(id int64) (*lazyplan.Table, bool) {
	v, ok := s.results.Load(id)
	if !ok {
		return nil, false
	}
	return v.(*lazyplan.Table), true
}

// Run executes the flow once. Cached nodes are skipped; failures skip their
// descendants but let independent branches finish. The returned run
// information is also retained for status queries.
func (f *Flow) Run(ctx context.Context) (*RunInformation, error) {
	runID := ulid.Make().String()

	f.runMu.Lock()
	if f.runActive {
		f.runMu.Unlock()
		return nil, ErrRunActive
	}
	runCtx, cancel := context.WithCancelCause(ctx)
	if t := f.graph.Settings.TimeoutSeconds; t > 0 {
		var cancelTimeout context.CancelFunc
		runCtx, cancelTimeout = context.WithTimeout(runCtx, time.Duration(t)*time.Second)
		defer cancelTimeout()
	}
	f.runActive = true
	f.cancelRun = cancel
	info := newRunInformation(runID, f.graph.FlowID)
	f.lastRun = info
	f.runMu.Unlock()

	defer func() {
		cancel(nil)
		f.runMu.Lock()
		f.runActive = false
		f.cancelRun = nil
		f.runMu.Unlock()
	}()

	f.mu.Lock()
	defer f.mu.Unlock()

	f.progress.append(map[string]any{
		"event":   "run_started",
		"run_id":  runID,
		"flow_id": f.graph.FlowID,
	})

	err := f.runLocked(runCtx, info)

	cancelled := errors.Is(err, context.Canceled) || errors.Is(context.Cause(runCtx), ErrRunCancelled)
	info.finish(err == nil, cancelled)
	outcome := "success"
	switch {
	case cancelled:
		outcome = "cancelled"
	case err != nil:
		outcome = "failed"
	}
	f.metrics.runFinished(outcome)
	f.progress.append(map[string]any{
		"event":   "run_finished",
		"run_id":  runID,
		"flow_id": f.graph.FlowID,
		"outcome": outcome,
	})
	if err != nil {
		info.addError(err.Error())
		return info, err
	}
	return info, nil
}

func (f *Flow) runLocked(ctx context.Context, info *RunInformation) error {
	g := f.graph
	validate.RefreshCorrectness(g)
	for _, n := range g.Nodes() {
		n.Reset()
	}
	if _, err := fingerprint.Refresh(g); err != nil {
		return err
	}

	satisfied := func(id int64) bool {
		n := g.Node(id)
		if n == nil || n.Fingerprint == "" {
			return false
		}
		// Output nodes always run; their side effect is the point.
		if n.Kind == model.KindOutput {
			return false
		}
		return f.store.HasTable(g.FlowID, n.Fingerprint)
	}
	broken := func(id int64) bool { return !g.Node(id).IsCorrect }
	plan, err := planner.Build(g, broken, satisfied)
	if err != nil {
		return err
	}

	state := &runState{info: info}
	skipResult := func(id int64, reason string) {
		n := g.Node(id)
		n.State = model.StateSkipped
		n.LastError = reason
		info.setResult(&NodeResult{
			NodeID:      id,
			Kind:        n.Kind,
			State:       model.StateSkipped,
			Fingerprint: n.Fingerprint,
			Error:       reason,
		})
		f.progress.append(map[string]any{
			"event":   "node_skipped",
			"run_id":  info.RunID,
			"node_id": id,
			"reason":  reason,
		})
	}
	for _, id := range plan.SkipInvalid {
		reason := "upstream node invalid"
		if len(validate.CheckNode(g, id)) > 0 {
			reason = "settings invalid"
		}
		skipResult(id, reason)
	}
	for _, id := range plan.Skip {
		n := g.Node(id)
		n.State = model.StateDone
		n.WasCached = true
		f.metrics.cacheEvent("hit")
		info.setResult(&NodeResult{
			NodeID:      id,
			Kind:        n.Kind,
			State:       model.StateDone,
			Fingerprint: n.Fingerprint,
			WasCached:   true,
		})
		f.progress.append(map[string]any{
			"event":   "node_cached",
			"run_id":  info.RunID,
			"node_id": id,
		})
	}
	for _, id := range plan.RunSet() {
		g.Node(id).State = model.StatePlanned
	}

	err = runScheduled(ctx, plan.Deps, g.Settings.MaxParallelWorkers,
		func(ctx context.Context, id int64) error {
			return f.executeNode(ctx, state, id)
		},
		func(id int64, cause error) {
			reason := cause.Error()
			if isCancellation(cause) {
				reason = "cancelled"
			}
			skipResult(id, reason)
		},
		f.metrics.queued)
	return err
}

// executeNode runs one node end to end: cache double-check under the
// fingerprint lock, input gathering, dispatch, materialisation.
func (f *Flow) executeNode(ctx context.Context, state *runState, id int64) error {
	g := f.graph
	n := g.Node(id)
	start := time.Now()
	n.State = model.StateRunning
	f.metrics.nodeStarted()
	f.progress.append(map[string]any{
		"event":   "node_started",
		"run_id":  state.info.RunID,
		"node_id": id,
		"kind":    string(n.Kind),
	})

	nodeCtx := ctx
	if n.TimeoutSeconds > 0 {
		var cancel context.CancelFunc
		nodeCtx, cancel = context.WithTimeout(ctx, time.Duration(n.TimeoutSeconds)*time.Second)
		defer cancel()
	}

	table, wasCached, err := f.produce(nodeCtx, state, n)
	took := time.Since(start)
	if err != nil {
		// The run stopped underneath the node: it is cancelled, not failed.
		if cErr := ctx.Err(); cErr != nil && errors.Is(err, cErr) {
			n.State = model.StateSkipped
			n.LastError = "cancelled"
			f.metrics.nodeFinished(string(n.Kind), "cancelled", took)
			state.info.setResult(&NodeResult{
				NodeID:      id,
				Kind:        n.Kind,
				State:       model.StateSkipped,
				Fingerprint: n.Fingerprint,
				Error:       "cancelled",
				StartedAt:   start.UTC(),
				FinishedAt:  time.Now().UTC(),
			})
			f.progress.append(map[string]any{
				"event":   "node_skipped",
				"run_id":  state.info.RunID,
				"node_id": id,
				"reason":  "cancelled",
			})
			return cErr
		}
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			err = fmt.Errorf("timed out after %ds", n.TimeoutSeconds)
		}
		n.State = model.StateFailed
		n.LastError = err.Error()
		f.metrics.nodeFinished(string(n.Kind), "failed", took)
		state.info.setResult(&NodeResult{
			NodeID:      id,
			Kind:        n.Kind,
			State:       model.StateFailed,
			Fingerprint: n.Fingerprint,
			Error:       err.Error(),
			StartedAt:   start.UTC(),
			FinishedAt:  time.Now().UTC(),
		})
		f.progress.append(map[string]any{
			"event":   "node_failed",
			"run_id":  state.info.RunID,
			"node_id": id,
			"error":   err.Error(),
		})
		return fmt.Errorf("node %d (%s): %w", id, n.Kind, err)
	}

	state.results.Store(id, table)
	n.State = model.StateDone
	n.WasCached = wasCached
	f.metrics.nodeFinished(string(n.Kind), "done", took)
	state.info.setResult(&NodeResult{
		NodeID:      id,
		Kind:        n.Kind,
		State:       model.StateDone,
		Fingerprint: n.Fingerprint,
		WasCached:   wasCached,
		Rows:        table.NumRows(),
		StartedAt:   start.UTC(),
		FinishedAt:  time.Now().UTC(),
	})
	f.progress.append(map[string]any{
		"event":    "node_finished",
		"run_id":   state.info.RunID,
		"node_id":  id,
		"rows":     table.NumRows(),
		"took_ms":  took.Milliseconds(),
		"cached":   wasCached,
	})
	return nil
}

// produce yields the node's table: from cache when another run sealed it
// between planning and execution, otherwise by evaluating the node over its
// input tables. The fingerprint lock guarantees at most one builder per
// fingerprint across concurrent flows sharing the store.
func (f *Flow) produce(ctx context.Context, state *runState, n *model.Node) (*lazyplan.Table, bool, error) {
	if n.Fingerprint != "" {
		unlock, err := f.locks.Lock(ctx, n.Fingerprint)
		if err != nil {
			return nil, false, err
		}
		defer unlock()
		if t, err := f.store.GetTable(f.graph.FlowID, n.Fingerprint); err == nil {
			if n.Kind != model.KindOutput {
				f.metrics.cacheEvent("hit")
				return t, true, nil
			}
			// Outputs rewrite their file even on a cache hit.
			if err := writeOutput(n.Settings.(*model.OutputSettings), t); err != nil {
				return nil, false, err
			}
			f.metrics.cacheEvent("hit")
			return t, true, nil
		} else if errors.Is(err, cache.ErrCorrupt) {
			f.metrics.cacheEvent("corrupt")
			f.logger.Printf("flow %d node %d: discarded corrupt cache entry", f.graph.FlowID, n.ID)
		} else {
			f.metrics.cacheEvent("miss")
		}
	}

	inputs, err := f.inputTables(ctx, state, n.ID)
	if err != nil {
		return nil, false, err
	}
	table, err := f.dispatch(ctx, state, n, inputs)
	if err != nil {
		return nil, false, err
	}
	if n.Kind == model.KindOutput {
		if err := writeOutput(n.Settings.(*model.OutputSettings), table); err != nil {
			return nil, false, err
		}
	}
	if f.shouldMaterialise(n) && n.Fingerprint != "" {
		if err := f.store.SealTable(f.graph.FlowID, n.Fingerprint, table); err != nil {
			return nil, false, fmt.Errorf("seal: %w", err)
		}
	}
	return table, false, nil
}

// shouldMaterialise: development mode seals everything; performance mode
// seals only nodes that opted in or force materialisation by kind.
func (f *Flow) shouldMaterialise(n *model.Node) bool {
	if f.graph.Settings.ExecutionMode == model.ModeDevelopment {
		return true
	}
	if n.CacheResults {
		return true
	}
	return n.Kind == model.KindCache || n.Kind == model.KindOutput
}

// inputTables gathers the node's inputs in plan order: main inputs in edge
// order, then left, then right.
func (f *Flow) inputTables(ctx context.Context, state *runState, id int64) ([]*lazyplan.Table, error) {
	main, left, right := f.graph.InputIDs(id)
	ordered := append([]int64{}, main...)
	if left != 0 {
		ordered = append(ordered, left)
	}
	if right != 0 {
		ordered = append(ordered, right)
	}
	out := make([]*lazyplan.Table, len(ordered))
	for i, in := range ordered {
		t, err := f.resolveTable(ctx, state, in)
		if err != nil {
			return nil, fmt.Errorf("input %d: %w", in, err)
		}
		out[i] = t
	}
	return out, nil
}

// resolveTable finds a finished node's table: this run's results, then the
// cache, then local re-evaluation (the cache entry was skipped at plan time
// but lost or corrupted since).
func (f *Flow) resolveTable(ctx context.Context, state *runState, id int64) (*lazyplan.Table, error) {
	if t, ok := state.table(id); ok {
		return t, nil
	}
	n := f.graph.Node(id)
	if n.Fingerprint != "" {
		t, err := f.store.GetTable(f.graph.FlowID, n.Fingerprint)
		if err == nil {
			return t, nil
		}
		if errors.Is(err, cache.ErrCorrupt) {
			f.metrics.cacheEvent("corrupt")
		}
	}
	p, err := f.buildPlan(state, id)
	if err != nil {
		return nil, err
	}
	return lazyplan.Eval(ctx, p)
}

// buildPlan assembles the lazy plan for a node's full upstream slice,
// stopping at tables already in hand.
func (f *Flow) buildPlan(state *runState, id int64) (*lazyplan.Plan, error) {
	if t, ok := state.table(id); ok {
		return lazyplan.Literal(t), nil
	}
	n := f.graph.Node(id)
	if n.Fingerprint != "" {
		if t, err := f.store.GetTable(f.graph.FlowID, n.Fingerprint); err == nil {
			return lazyplan.Literal(t), nil
		}
	}
	main, left, right := f.graph.InputIDs(id)
	ordered := append([]int64{}, main...)
	if left != 0 {
		ordered = append(ordered, left)
	}
	if right != 0 {
		ordered = append(ordered, right)
	}
	inputs := make([]*lazyplan.Plan, len(ordered))
	for i, in := range ordered {
		p, err := f.buildPlan(state, in)
		if err != nil {
			return nil, err
		}
		inputs[i] = p
	}
	return lazyplan.Step(n.Kind, n.Settings, inputs...)
}

// dispatch routes one node to the in-memory evaluator, a worker, or a
// kernel, retrying transient refusals with backoff.
func (f *Flow) dispatch(ctx context.Context, state *runState, n *model.Node, inputs []*lazyplan.Table) (*lazyplan.Table, error) {
	if n.Kind == model.KindPythonScript {
		return f.dispatchKernel(ctx, state, n, inputs)
	}

	literals := make([]*lazyplan.Plan, len(inputs))
	for i, t := range inputs {
		literals[i] = lazyplan.Literal(t)
	}
	step, err := lazyplan.Step(n.Kind, n.Settings, literals...)
	if err != nil {
		return nil, err
	}

	if f.runRemotely(n) {
		return f.dispatchRemote(ctx, state, n, step)
	}
	t, err := lazyplan.Eval(ctx, step)
	if errors.Is(err, lazyplan.ErrNeedsRemote) && f.remote != nil {
		return f.dispatchRemote(ctx, state, n, step)
	}
	return t, err
}

// runRemotely resolves the execution location: remote when configured and
// either forced or the kind has no local evaluator.
func (f *Flow) runRemotely(n *model.Node) bool {
	if f.remote == nil {
		return false
	}
	switch f.graph.Settings.ExecutionLocation {
	case model.LocationRemote:
		return true
	case model.LocationLocal:
		return false
	default:
		switch n.Kind {
		case model.KindPolarsCode, model.KindUserDefined, model.KindFuzzyMatch:
			return true
		}
		return false
	}
}

func (f *Flow) dispatchRemote(ctx context.Context, state *runState, n *model.Node, step *lazyplan.Plan) (*lazyplan.Table, error) {
	req := RemoteRequest{
		FlowID:      f.graph.FlowID,
		NodeID:      n.ID,
		Fingerprint: n.Fingerprint,
		Operation:   "store",
		Plan:        step,
	}
	var lastErr error
	for attempt := 1; attempt <= f.retries+1; attempt++ {
		t, err := f.remote.ExecutePlan(ctx, req)
		if err == nil {
			return t, nil
		}
		lastErr = err
		if !errors.Is(err, ErrTransient) {
			return nil, err
		}
		delay := DelayForAttempt(attempt, f.backoff, backoffSeed(state.info.RunID, n.ID, attempt))
		f.progress.append(map[string]any{
			"event":    "node_retry_sleep",
			"run_id":   state.info.RunID,
			"node_id":  n.ID,
			"attempt":  attempt,
			"delay_ms": delay.Milliseconds(),
		})
		if !sleepWithContext(ctx, delay) {
			return nil, ctx.Err()
		}
	}
	return nil, lastErr
}

func (f *Flow) dispatchKernel(ctx context.Context, state *runState, n *model.Node, inputs []*lazyplan.Table) (*lazyplan.Table, error) {
	if f.kernels == nil {
		return nil, fmt.Errorf("python script node %d: no kernel coordinator configured", n.ID)
	}
	s := n.Settings.(*model.PythonScriptSettings)
	var input *lazyplan.Table
	if len(inputs) > 0 {
		input = inputs[0]
	}
	timeout := time.Duration(s.TimeoutSeconds) * time.Second
	req := ScriptRequest{
		FlowID:      f.graph.FlowID,
		NodeID:      n.ID,
		Fingerprint: n.Fingerprint,
		KernelID:    s.KernelID,
		Code:        s.Code,
		Timeout:     timeout,
		Input:       input,
		Ancestors:   f.graph.Ancestors(n.ID),
	}
	var lastErr error
	for attempt := 1; attempt <= f.retries+1; attempt++ {
		t, err := f.kernels.ExecuteScript(ctx, req)
		if err == nil {
			return t, nil
		}
		lastErr = err
		if !errors.Is(err, ErrTransient) {
			return nil, err
		}
		if !sleepWithContext(ctx, DelayForAttempt(attempt, f.backoff, backoffSeed(state.info.RunID, n.ID, attempt))) {
			return nil, ctx.Err()
		}
	}
	return nil, lastErr
}

// Diagnostics returns the current validation findings per node, sorted by
// node id.
func (f *Flow) Diagnostics() []validate.Diagnostic {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []validate.Diagnostic
	for _, id := range f.graph.NodeIDs() {
		out = append(out, validate.CheckNode(f.graph, id)...)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].NodeID < out[j].NodeID })
	return out
}
