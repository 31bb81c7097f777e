package server

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/flowfile/flowfile/internal/flow/model"
)

const demoFlowYAML = `flowfile_version: "1"
flowfile_id: 42
flowfile_name: demo
flowfile_settings:
  execution_mode: development
  max_parallel_workers: 2
nodes:
  - id: 1
    type: manual_input
    is_start_node: true
    setting_input:
      data:
        - {name: ada, age: 36}
        - {name: grace, age: 85}
  - id: 2
    type: filter
    input_ids: [1]
    setting_input:
      expression: "age > 40"
`

func newTestServer(t *testing.T) (*Server, *httptest.Server) {
	t.Helper()
	s, err := New(Config{Addr: ":0", CacheDir: t.TempDir()})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(ts.Close)
	t.Cleanup(s.cancel)
	return s, ts
}

func registerDemoFlow(t *testing.T, s *Server) *FlowState {
	t.Helper()
	g := model.NewGraph(1, "demo")
	for _, p := range []model.NodePromise{
		{ID: 1, Kind: model.KindManualInput},
		{ID: 2, Kind: model.KindFilter},
	} {
		if _, err := g.AddNode(p); err != nil {
			t.Fatalf("add: %v", err)
		}
	}
	if err := g.Connect(1, 2, model.SlotMain); err != nil {
		t.Fatalf("connect: %v", err)
	}
	g.Node(1).Settings = &model.ManualInputSettings{
		Data: []map[string]any{{"name": "ada", "age": 36}, {"name": "grace", "age": 85}},
	}
	g.Node(2).Settings = &model.FilterSettings{Expression: "age > 40"}
	fs, err := s.Registry().Add(g)
	if err != nil {
		t.Fatalf("Add: %v", err)
	}
	return fs
}

func getStatus(t *testing.T, ts *httptest.Server, flowID string) (int, RunStatus) {
	t.Helper()
	resp, err := http.Get(ts.URL + "/flow/run_status/?flow_id=" + flowID)
	if err != nil {
		t.Fatalf("GET run_status: %v", err)
	}
	defer resp.Body.Close()
	var st RunStatus
	if err := json.NewDecoder(resp.Body).Decode(&st); err != nil {
		t.Fatalf("decode: %v", err)
	}
	return resp.StatusCode, st
}

func TestRunFlow_CompletesAndReportsStatus(t *testing.T) {
	s, ts := newTestServer(t)
	fs := registerDemoFlow(t, s)

	resp, err := http.Post(ts.URL+"/flow/run/?flow_id=1", "application/json", nil)
	if err != nil {
		t.Fatalf("POST run: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("run status code = %d, want 202", resp.StatusCode)
	}

	deadline := time.Now().Add(5 * time.Second)
	for {
		code, st := getStatus(t, ts, "1")
		if code == http.StatusOK && st.State != "idle" {
			if st.State != "done" {
				t.Fatalf("terminal state = %s, want done (%+v)", st.State, st.Run)
			}
			if st.Run == nil || st.Run.NodeResults[2] == nil || st.Run.NodeResults[2].Rows != 1 {
				t.Fatalf("run info = %+v", st.Run)
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("run did not finish; last state %s", st.State)
		}
		time.Sleep(10 * time.Millisecond)
	}
	if fs.Flow.LastRun() == nil {
		t.Fatal("LastRun not recorded")
	}
}

func TestRunStatus_UnknownFlow(t *testing.T) {
	_, ts := newTestServer(t)

	resp, err := http.Get(ts.URL + "/flow/run_status/?flow_id=9")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", resp.StatusCode)
	}
}

func TestCancelFlow_NoActiveRun(t *testing.T) {
	s, ts := newTestServer(t)
	registerDemoFlow(t, s)

	resp, err := http.Post(ts.URL+"/flow/cancel/?flow_id=1", "application/json", nil)
	if err != nil {
		t.Fatalf("POST cancel: %v", err)
	}
	defer resp.Body.Close()
	var body map[string]string
	_ = json.NewDecoder(resp.Body).Decode(&body)
	if body["status"] != "no active run" {
		t.Fatalf("body = %v", body)
	}
}

func TestFlowData_ReturnsNodesAndWiring(t *testing.T) {
	s, ts := newTestServer(t)
	registerDemoFlow(t, s)

	resp, err := http.Get(ts.URL + "/flow_data/v2?flow_id=1")
	if err != nil {
		t.Fatalf("GET flow_data: %v", err)
	}
	defer resp.Body.Close()
	var data FlowData
	if err := json.NewDecoder(resp.Body).Decode(&data); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if data.FlowID != 1 || len(data.Nodes) != 2 {
		t.Fatalf("data = %+v", data)
	}
	var filter *FlowDataNode
	for i := range data.Nodes {
		if data.Nodes[i].ID == 2 {
			filter = &data.Nodes[i]
		}
	}
	if filter == nil || filter.Kind != model.KindFilter {
		t.Fatalf("filter node missing: %+v", data.Nodes)
	}
	if len(filter.MainInputIDs) != 1 || filter.MainInputIDs[0] != 1 {
		t.Fatalf("wiring = %+v", filter)
	}
	if filter.Settings["expression"] != "age > 40" {
		t.Fatalf("settings = %v", filter.Settings)
	}
}

func TestImportFlow_AssignsID(t *testing.T) {
	_, ts := newTestServer(t)

	path := filepath.Join(t.TempDir(), "demo.yaml")
	if err := os.WriteFile(path, []byte(demoFlowYAML), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	resp, err := http.Get(ts.URL + "/import_flow/?flow_path=" + path)
	if err != nil {
		t.Fatalf("GET import: %v", err)
	}
	defer resp.Body.Close()
	var imported ImportResponse
	if err := json.NewDecoder(resp.Body).Decode(&imported); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if imported.FlowID != 42 || imported.Name != "demo" {
		t.Fatalf("imported = %+v", imported)
	}

	code, st := getStatus(t, ts, "42")
	if code != http.StatusOK || st.State != "idle" {
		t.Fatalf("status after import = %d %s", code, st.State)
	}
}

func TestCSRF_BlocksCrossOriginPost(t *testing.T) {
	s, ts := newTestServer(t)
	registerDemoFlow(t, s)

	req, _ := http.NewRequest(http.MethodPost, ts.URL+"/flow/run/?flow_id=1", nil)
	req.Header.Set("Origin", "https://evil.example")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", resp.StatusCode)
	}
}

func TestBroadcaster_ReplaysHistory(t *testing.T) {
	b := NewBroadcaster()
	b.Send(map[string]any{"event": "run_started"})
	b.Send(map[string]any{"event": "node_finished"})

	events, _, unsub := b.SubscribeFrom(0)
	defer unsub()
	first := <-events
	second := <-events
	if first.Name != "run_started" || second.Name != "node_finished" {
		t.Fatalf("replay = %v %v", first, second)
	}
	if first.Seq != 1 || second.Seq != 2 {
		t.Fatalf("sequence = %d %d", first.Seq, second.Seq)
	}

	b.Send(map[string]any{"event": "run_finished"})
	third := <-events
	if third.Name != "run_finished" || third.Seq != 3 {
		t.Fatalf("live event = %v", third)
	}
}

func TestBroadcaster_ResumeSkipsSeenEvents(t *testing.T) {
	b := NewBroadcaster()
	b.Send(map[string]any{"event": "run_started"})
	b.Send(map[string]any{"event": "node_finished"})
	b.Send(map[string]any{"event": "run_finished"})

	// A client that already saw seq 2 only gets the tail.
	events, _, unsub := b.SubscribeFrom(2)
	defer unsub()
	ev := <-events
	if ev.Seq != 3 || ev.Name != "run_finished" {
		t.Fatalf("resume event = %v", ev)
	}
	select {
	case extra := <-events:
		t.Fatalf("unexpected replay: %v", extra)
	default:
	}
}

func TestBroadcaster_CloseSignalsDone(t *testing.T) {
	b := NewBroadcaster()
	events, done, unsub := b.SubscribeFrom(0)
	defer unsub()

	b.Close()
	if _, ok := <-events; ok {
		t.Fatal("events channel should be closed")
	}
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("done channel not closed")
	}
}

func TestFlowEvents_SSEStreamsRun(t *testing.T) {
	s, ts := newTestServer(t)
	fs := registerDemoFlow(t, s)

	if _, err := fs.Flow.Run(s.baseCtx); err != nil {
		t.Fatalf("run: %v", err)
	}
	fs.Broadcaster.Close()

	resp, err := http.Get(ts.URL + "/flow/events/?flow_id=1")
	if err != nil {
		t.Fatalf("GET events: %v", err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("content type = %s", ct)
	}
	// The broadcaster is closed, so the stream ends with a done event and EOF.
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read stream: %v", err)
	}
	body := string(raw)
	if !strings.Contains(body, "run_started") || !strings.Contains(body, "run_finished") {
		t.Fatalf("stream missing run events:\n%s", body)
	}
	if !strings.Contains(body, "id: 1\nevent: run_started") {
		t.Fatalf("frames should carry sequence ids and event names:\n%s", body)
	}
}

func TestFlowEvents_ResumesAfterLastEventID(t *testing.T) {
	s, ts := newTestServer(t)
	fs := registerDemoFlow(t, s)

	if _, err := fs.Flow.Run(s.baseCtx); err != nil {
		t.Fatalf("run: %v", err)
	}
	total := len(fs.Broadcaster.History())
	fs.Broadcaster.Close()

	// A reconnecting client that saw all but the final frame only gets
	// that frame back.
	req, err := http.NewRequest(http.MethodGet, ts.URL+"/flow/events/?flow_id=1", nil)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	req.Header.Set("Last-Event-ID", strconv.Itoa(total-1))
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET events: %v", err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read stream: %v", err)
	}
	body := string(raw)
	if strings.Contains(body, "run_started") {
		t.Fatalf("already-seen events replayed:\n%s", body)
	}
	if !strings.Contains(body, "run_finished") {
		t.Fatalf("missing final event:\n%s", body)
	}
}
