package worker

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/flowfile/flowfile/internal/flow/engine"
	"github.com/flowfile/flowfile/internal/flow/lazyplan"
	"github.com/flowfile/flowfile/internal/flow/model"
)

func newTestWorker(t *testing.T, opts ServerOptions) (*Server, *httptest.Server, *Client) {
	t.Helper()
	if opts.CacheDir == "" {
		opts.CacheDir = t.TempDir()
	}
	s := NewServer(opts)
	ts := httptest.NewServer(s.Routes())
	t.Cleanup(ts.Close)
	c := NewClient(ts.URL, nil)
	c.pollInterval = 10 * time.Millisecond
	c.pollDeadline = 2 * time.Second
	return s, ts, c
}

func peopleTable() *lazyplan.Table {
	t := lazyplan.NewTable("name", "age")
	t.Rows = [][]any{
		{"ada", int64(36)},
		{"grace", int64(85)},
		{"linus", int64(28)},
	}
	return t
}

func filterPlan(t *testing.T, expr string) *lazyplan.Plan {
	t.Helper()
	p, err := lazyplan.Step(model.KindFilter, &model.FilterSettings{Expression: expr}, lazyplan.Literal(peopleTable()))
	if err != nil {
		t.Fatalf("Step: %v", err)
	}
	return p
}

func TestExecutePlan_StoreRoundTrip(t *testing.T) {
	s, _, c := newTestWorker(t, ServerOptions{})

	got, err := c.ExecutePlan(context.Background(), engine.RemoteRequest{
		FlowID:      7,
		NodeID:      2,
		Fingerprint: "fp-store",
		Operation:   OpStore,
		Plan:        filterPlan(t, "age > 30"),
	})
	if err != nil {
		t.Fatalf("ExecutePlan: %v", err)
	}
	if got.NumRows() != 2 {
		t.Fatalf("rows = %d, want 2", got.NumRows())
	}

	st, ok := s.task("fp-store")
	if !ok || st.State != TaskComplete {
		t.Fatalf("task status = %+v, want complete", st)
	}
	if st.FileRef != filepath.Join(s.cacheDir, "7", "fp-store.arrow") {
		t.Fatalf("file_ref = %q", st.FileRef)
	}
}

func TestExecutePlan_OperationErrorSurfaces(t *testing.T) {
	_, _, c := newTestWorker(t, ServerOptions{})

	_, err := c.ExecutePlan(context.Background(), engine.RemoteRequest{
		FlowID:      1,
		NodeID:      1,
		Fingerprint: "fp-bad",
		Operation:   OpStore,
		Plan:        filterPlan(t, "age +"),
	})
	if err == nil {
		t.Fatal("want evaluation error")
	}
	if errors.Is(err, engine.ErrTransient) {
		t.Fatalf("evaluation error must not be transient: %v", err)
	}
}

func TestExecutePlan_CapacityIsTransient(t *testing.T) {
	s, _, c := newTestWorker(t, ServerOptions{MaxConcurrent: 1, AcquireTimeout: 50 * time.Millisecond})

	// Hold the only slot so the submission times out waiting.
	s.sem <- struct{}{}
	defer func() { <-s.sem }()

	_, err := c.ExecutePlan(context.Background(), engine.RemoteRequest{
		FlowID:      1,
		NodeID:      1,
		Fingerprint: "fp-busy",
		Operation:   OpStore,
		Plan:        filterPlan(t, "age > 0"),
	})
	if !errors.Is(err, engine.ErrTransient) {
		t.Fatalf("err = %v, want ErrTransient", err)
	}
}

func TestExecutePlan_FuzzyMatch(t *testing.T) {
	_, _, c := newTestWorker(t, ServerOptions{})

	left := lazyplan.NewTable("name")
	left.Rows = [][]any{{"jonathan"}}
	right := lazyplan.NewTable("name")
	right.Rows = [][]any{{"jonathon"}, {"xyz"}}

	plan, err := lazyplan.Step(model.KindFuzzyMatch, &model.FuzzyMatchSettings{
		Mappings: []model.FuzzyMapping{{LeftColumn: "name", RightColumn: "name", Threshold: 0.8}},
	}, lazyplan.Literal(left), lazyplan.Literal(right))
	if err != nil {
		t.Fatalf("Step: %v", err)
	}

	got, err := c.ExecutePlan(context.Background(), engine.RemoteRequest{
		FlowID:      3,
		NodeID:      9,
		Fingerprint: "fp-fuzzy",
		Operation:   OpStore,
		Plan:        plan,
	})
	if err != nil {
		t.Fatalf("ExecutePlan: %v", err)
	}
	if got.NumRows() != 1 {
		t.Fatalf("rows = %d, want 1", got.NumRows())
	}
	if !got.HasColumn("fuzzy_score") {
		t.Fatalf("columns = %v, want fuzzy_score", got.Columns)
	}
}

func TestRecoverResult_AfterDisconnect(t *testing.T) {
	s, _, c := newTestWorker(t, ServerOptions{})

	// Simulate a task that finished while the socket was down.
	b, err := lazyplan.EncodeTable(peopleTable())
	if err != nil {
		t.Fatalf("EncodeTable: %v", err)
	}
	s.setTask(&TaskStatus{TaskID: "fp-lost", State: TaskComplete, ResultType: "polars", Result: b})

	got, err := c.recoverResult(context.Background(), "fp-lost")
	if err != nil {
		t.Fatalf("recoverResult: %v", err)
	}
	if got.NumRows() != 3 {
		t.Fatalf("rows = %d, want 3", got.NumRows())
	}
}

func TestRecoverResult_RunningThenComplete(t *testing.T) {
	s, _, c := newTestWorker(t, ServerOptions{})
	s.setTask(&TaskStatus{TaskID: "fp-slow", State: TaskRunning})

	go func() {
		time.Sleep(50 * time.Millisecond)
		b, _ := lazyplan.EncodeTable(peopleTable())
		s.setTask(&TaskStatus{TaskID: "fp-slow", State: TaskComplete, ResultType: "polars", Result: b})
	}()

	got, err := c.recoverResult(context.Background(), "fp-slow")
	if err != nil {
		t.Fatalf("recoverResult: %v", err)
	}
	if got.NumRows() != 3 {
		t.Fatalf("rows = %d, want 3", got.NumRows())
	}
}

func TestSubmitQuery_SchemaOperation(t *testing.T) {
	_, _, c := newTestWorker(t, ServerOptions{})

	st, err := c.SubmitQuery(context.Background(), Metadata{
		TaskID:    "fp-schema",
		Operation: OpSchema,
		FlowID:    1,
		NodeID:    4,
	}, []*lazyplan.Plan{lazyplan.Literal(peopleTable())})
	if err != nil {
		t.Fatalf("SubmitQuery: %v", err)
	}
	if st.State != TaskComplete {
		t.Fatalf("state = %s, want complete", st.State)
	}
	cols, ok := st.Data.([]any)
	if !ok || len(cols) != 2 {
		t.Fatalf("data = %#v, want 2 column stats", st.Data)
	}
	first, _ := cols[0].(map[string]any)
	if first["column_name"] != "name" || first["dtype"] != "str" {
		t.Fatalf("first column = %#v", first)
	}
}

func TestSubmitQuery_NumberOfRecords(t *testing.T) {
	_, _, c := newTestWorker(t, ServerOptions{})

	st, err := c.SubmitQuery(context.Background(), Metadata{
		TaskID:    "fp-count",
		Operation: OpNumberOfRecords,
	}, []*lazyplan.Plan{lazyplan.Literal(peopleTable())})
	if err != nil {
		t.Fatalf("SubmitQuery: %v", err)
	}
	if n, _ := st.Data.(float64); n != 3 {
		t.Fatalf("data = %#v, want 3", st.Data)
	}
}

func TestSubmitQuery_WriteOutput(t *testing.T) {
	_, _, c := newTestWorker(t, ServerOptions{})
	out := filepath.Join(t.TempDir(), "out.csv")

	st, err := c.SubmitQuery(context.Background(), Metadata{
		TaskID:    "fp-write",
		Operation: OpWriteOutput,
		Kwargs:    map[string]any{"path": out, "format": "csv"},
	}, []*lazyplan.Plan{lazyplan.Literal(peopleTable())})
	if err != nil {
		t.Fatalf("SubmitQuery: %v", err)
	}
	if st.State != TaskComplete || st.FileRef != out {
		t.Fatalf("status = %+v", st)
	}
}

func TestStatus_UnknownTask(t *testing.T) {
	_, ts, _ := newTestWorker(t, ServerOptions{})

	resp, err := http.Get(ts.URL + "/status/nope")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", resp.StatusCode)
	}
}

func TestStoreSample_LimitsRows(t *testing.T) {
	s, _, _ := newTestWorker(t, ServerOptions{})

	res, err := s.runOperation(context.Background(), Metadata{
		TaskID:    "fp-sample",
		Operation: OpStoreSample,
		Kwargs:    map[string]any{"sample_size": float64(2)},
	}, []*lazyplan.Plan{lazyplan.Literal(peopleTable())}, func(int) {})
	if err != nil {
		t.Fatalf("runOperation: %v", err)
	}
	if res.Table.NumRows() != 2 {
		t.Fatalf("rows = %d, want 2", res.Table.NumRows())
	}
}
