package engine

import (
	"context"
	"errors"
	"sync"

	"github.com/flowfile/flowfile/internal/flow/planner"
)

// isCancellation distinguishes a stopped run from a genuine node failure.
func isCancellation(err error) bool {
	return errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, ErrRunCancelled)
}

// nodeRunFn executes one node; a non-nil error fails the node and taints its
// descendants.
type nodeRunFn func(ctx context.Context, id int64) error

// nodeSkipFn is called for nodes that never run: a failed or cancelled
// ancestor, with the cause.
type nodeSkipFn func(id int64, cause error)

type execResult struct {
	id  int64
	err error
	// ran reports whether run was invoked; false means the node was still
	// queued when the context ended.
	ran bool
}

// runScheduled drains a dependency graph with a bounded worker pool. A node
// dispatches once its pending count reaches zero; a failure taints every
// transitive descendant, which is skipped instead of dispatched. Context
// errors route through skip rather than counting as node failures, so a
// cancelled run reports every undispatched node as skipped. Returns the
// first node error, or ctx's error when the run was cancelled.
//
// queued, when non-nil, receives ready-queue depth deltas: +1 on enqueue,
// -1 on worker pickup.
//
// All bookkeeping happens on the coordinating goroutine; workers only
// execute and report.
func runScheduled(ctx context.Context, deps planner.DepGraph, workers int, run nodeRunFn, skip nodeSkipFn, queued func(delta int)) error {
	total := len(deps.PendingCount)
	if total == 0 {
		return ctx.Err()
	}
	if workers < 1 {
		workers = 1
	}
	if workers > total {
		workers = total
	}

	pending := make(map[int64]int, total)
	for id, n := range deps.PendingCount {
		pending[id] = n
	}
	tainted := map[int64]error{}

	ready := make(chan int64, total)
	results := make(chan execResult, total)

	if queued == nil {
		queued = func(int) {}
	}

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for id := range ready {
				queued(-1)
				if err := ctx.Err(); err != nil {
					results <- execResult{id: id, err: err}
					continue
				}
				results <- execResult{id: id, err: run(ctx, id), ran: true}
			}
		}()
	}

	accounted := 0
	var firstErr error

	// skipNode accounts a node as skipped and taints its successors, which
	// may cascade.
	var skipNode func(id int64, cause error)
	skipNode = func(id int64, cause error) {
		accounted++
		if skip != nil {
			skip(id, cause)
		}
		for _, succ := range deps.Successors[id] {
			tainted[succ] = cause
			pending[succ]--
			if pending[succ] == 0 {
				skipNode(succ, cause)
			}
		}
	}

	dispatch := func(id int64) {
		queued(1)
		ready <- id
	}

	for _, id := range deps.InitialReady {
		dispatch(id)
	}

	for accounted < total {
		r := <-results
		accounted++
		if r.err != nil {
			if isCancellation(r.err) {
				// The node did not fail; the run stopped. A node the
				// executor already accounted as cancelled only needs its
				// successors handled.
				if !r.ran && skip != nil {
					skip(r.id, r.err)
				}
			} else if firstErr == nil {
				firstErr = r.err
			}
			for _, succ := range deps.Successors[r.id] {
				tainted[succ] = r.err
				pending[succ]--
				if pending[succ] == 0 {
					skipNode(succ, r.err)
				}
			}
			continue
		}
		for _, succ := range deps.Successors[r.id] {
			pending[succ]--
			if pending[succ] == 0 {
				if cause, bad := tainted[succ]; bad {
					skipNode(succ, cause)
				} else {
					dispatch(succ)
				}
			}
		}
	}
	close(ready)
	wg.Wait()

	if firstErr != nil {
		return firstErr
	}
	return ctx.Err()
}
