package engine

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/flowfile/flowfile/internal/flow/planner"
)

func diamondDeps() planner.DepGraph {
	return planner.DepGraph{
		PendingCount: map[int64]int{1: 0, 2: 1, 3: 1, 4: 2},
		Successors:   map[int64][]int64{1: {2, 3}, 2: {4}, 3: {4}},
		InitialReady: []int64{1},
	}
}

func TestRunScheduled_ExecutesAllInDependencyOrder(t *testing.T) {
	var mu sync.Mutex
	var order []int64
	err := runScheduled(context.Background(), diamondDeps(), 4,
		func(ctx context.Context, id int64) error {
			mu.Lock()
			order = append(order, id)
			mu.Unlock()
			return nil
		}, nil, nil)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(order) != 4 {
		t.Fatalf("executed %d nodes, want 4: %v", len(order), order)
	}
	pos := map[int64]int{}
	for i, id := range order {
		pos[id] = i
	}
	if pos[1] > pos[2] || pos[1] > pos[3] || pos[2] > pos[4] || pos[3] > pos[4] {
		t.Fatalf("dependency order violated: %v", order)
	}
}

func TestRunScheduled_IndependentNodesOverlap(t *testing.T) {
	deps := planner.DepGraph{
		PendingCount: map[int64]int{1: 0, 2: 0},
		Successors:   map[int64][]int64{},
		InitialReady: []int64{1, 2},
	}
	var inside atomic.Int32
	var sawBoth atomic.Bool
	err := runScheduled(context.Background(), deps, 2,
		func(ctx context.Context, id int64) error {
			if inside.Add(1) == 2 {
				sawBoth.Store(true)
			}
			time.Sleep(20 * time.Millisecond)
			inside.Add(-1)
			return nil
		}, nil, nil)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if !sawBoth.Load() {
		t.Fatalf("independent nodes never ran concurrently")
	}
}

func TestRunScheduled_WorkerLimitRespected(t *testing.T) {
	deps := planner.DepGraph{
		PendingCount: map[int64]int{1: 0, 2: 0, 3: 0, 4: 0},
		Successors:   map[int64][]int64{},
		InitialReady: []int64{1, 2, 3, 4},
	}
	var inside, peak atomic.Int32
	err := runScheduled(context.Background(), deps, 1,
		func(ctx context.Context, id int64) error {
			n := inside.Add(1)
			if n > peak.Load() {
				peak.Store(n)
			}
			time.Sleep(5 * time.Millisecond)
			inside.Add(-1)
			return nil
		}, nil, nil)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if peak.Load() != 1 {
		t.Fatalf("peak concurrency %d with workers=1", peak.Load())
	}
}

func TestRunScheduled_FailureSkipsDescendantsOnly(t *testing.T) {
	// 1 -> 2 -> 4, 3 independent.
	deps := planner.DepGraph{
		PendingCount: map[int64]int{1: 0, 2: 1, 3: 0, 4: 1},
		Successors:   map[int64][]int64{1: {2}, 2: {4}},
		InitialReady: []int64{1, 3},
	}
	boom := errors.New("boom")
	var mu sync.Mutex
	ran := map[int64]bool{}
	skipped := map[int64]error{}
	err := runScheduled(context.Background(), deps, 2,
		func(ctx context.Context, id int64) error {
			mu.Lock()
			ran[id] = true
			mu.Unlock()
			if id == 2 {
				return boom
			}
			return nil
		},
		func(id int64, cause error) {
			mu.Lock()
			skipped[id] = cause
			mu.Unlock()
		}, nil)
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}
	if !ran[1] || !ran[3] {
		t.Fatalf("independent nodes should still run: %v", ran)
	}
	if ran[4] {
		t.Fatalf("descendant of failed node must not run")
	}
	if !errors.Is(skipped[4], boom) {
		t.Fatalf("node 4 should be skipped with the failure cause, got %v", skipped[4])
	}
}

func TestRunScheduled_CancelSkipsQueuedNodes(t *testing.T) {
	deps := diamondDeps()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	var mu sync.Mutex
	skipped := map[int64]error{}
	err := runScheduled(ctx, deps, 2,
		func(ctx context.Context, id int64) error {
			t.Errorf("node %d ran on a cancelled context", id)
			return nil
		},
		func(id int64, cause error) {
			mu.Lock()
			skipped[id] = cause
			mu.Unlock()
		}, nil)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	// Every node is accounted as skipped with the cancellation cause.
	for id := int64(1); id <= 4; id++ {
		if !errors.Is(skipped[id], context.Canceled) {
			t.Fatalf("node %d skip cause: %v", id, skipped[id])
		}
	}
}

func TestRunScheduled_QueueDepthBalances(t *testing.T) {
	var depth, peak atomic.Int32
	err := runScheduled(context.Background(), diamondDeps(), 2,
		func(ctx context.Context, id int64) error { return nil },
		nil,
		func(delta int) {
			n := depth.Add(int32(delta))
			if n > peak.Load() {
				peak.Store(n)
			}
		})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if depth.Load() != 0 {
		t.Fatalf("queue depth should return to zero, got %d", depth.Load())
	}
	if peak.Load() < 1 {
		t.Fatalf("queue depth never rose above zero")
	}
}

func TestRunScheduled_CancelStopsDispatch(t *testing.T) {
	deps := diamondDeps()
	ctx, cancel := context.WithCancel(context.Background())
	var executed atomic.Int32
	err := runScheduled(ctx, deps, 1,
		func(ctx context.Context, id int64) error {
			executed.Add(1)
			cancel()
			return ctx.Err()
		}, nil, nil)
	if err == nil {
		t.Fatalf("cancelled run should report an error")
	}
	if executed.Load() != 1 {
		t.Fatalf("executed %d nodes after cancel, want 1", executed.Load())
	}
}
