package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/oklog/ulid/v2"

	"github.com/flowfile/flowfile/internal/flow/engine"
	"github.com/flowfile/flowfile/internal/flow/lazyplan"
	"github.com/flowfile/flowfile/internal/flow/model"
)

// Client submits plans to a worker over WebSocket and recovers results over
// REST when the socket drops mid-task. It satisfies engine.RemoteExecutor.
type Client struct {
	baseURL string
	dialer  *websocket.Dialer
	http    *http.Client
	log     *log.Logger

	// recovery polling knobs, overridable in tests
	pollInterval time.Duration
	pollDeadline time.Duration
}

// NewClient builds a client for a worker at baseURL (http:// or https://).
func NewClient(baseURL string, logger *log.Logger) *Client {
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	return &Client{
		baseURL:      strings.TrimRight(baseURL, "/"),
		dialer:       websocket.DefaultDialer,
		http:         &http.Client{Timeout: 30 * time.Second},
		log:          logger,
		pollInterval: 500 * time.Millisecond,
		pollDeadline: 30 * time.Second,
	}
}

func (c *Client) wsURL() string {
	u := c.baseURL
	switch {
	case strings.HasPrefix(u, "https://"):
		u = "wss://" + strings.TrimPrefix(u, "https://")
	case strings.HasPrefix(u, "http://"):
		u = "ws://" + strings.TrimPrefix(u, "http://")
	}
	return u + "/ws/submit"
}

// ExecutePlan submits the plan and blocks until a terminal frame, a cancel,
// or a disconnect it cannot recover from. Capacity refusals surface as
// engine.ErrTransient so the caller's backoff loop retries them.
func (c *Client) ExecutePlan(ctx context.Context, req engine.RemoteRequest) (*lazyplan.Table, error) {
	taskID := req.Fingerprint
	if taskID == "" {
		taskID = ulid.Make().String()
	}
	meta, frames, err := buildSubmission(taskID, req)
	if err != nil {
		return nil, err
	}

	conn, resp, err := c.dialer.DialContext(ctx, c.wsURL(), nil)
	if err != nil {
		if resp != nil {
			resp.Body.Close()
		}
		return nil, fmt.Errorf("%w: dial worker: %v", engine.ErrTransient, err)
	}
	defer conn.Close()

	if err := conn.WriteJSON(meta); err != nil {
		return nil, fmt.Errorf("%w: submit metadata: %v", engine.ErrTransient, err)
	}
	for _, f := range frames {
		if err := conn.WriteMessage(websocket.BinaryMessage, f); err != nil {
			return nil, fmt.Errorf("%w: submit plan: %v", engine.ErrTransient, err)
		}
	}
	return c.awaitResult(ctx, conn, taskID)
}

// buildSubmission maps a remote request onto the wire: fuzzy_match ships its
// two inputs as separate frames with the match settings in kwargs, everything
// else ships the whole plan in one frame.
func buildSubmission(taskID string, req engine.RemoteRequest) (Metadata, [][]byte, error) {
	meta := Metadata{
		TaskID:    taskID,
		Operation: req.Operation,
		FlowID:    req.FlowID,
		NodeID:    req.NodeID,
	}
	if req.Plan.Kind == model.KindFuzzyMatch && len(req.Plan.Inputs) == 2 {
		var doc map[string]any
		if err := json.Unmarshal(req.Plan.Settings, &doc); err != nil {
			return Metadata{}, nil, fmt.Errorf("fuzzy settings: %w", err)
		}
		meta.Operation = OpFuzzyMatch
		meta.Kwargs = map[string]any{"fuzzy_settings": doc}
		left, err := lazyplan.Encode(req.Plan.Inputs[0])
		if err != nil {
			return Metadata{}, nil, err
		}
		right, err := lazyplan.Encode(req.Plan.Inputs[1])
		if err != nil {
			return Metadata{}, nil, err
		}
		return meta, [][]byte{left, right}, nil
	}
	b, err := lazyplan.Encode(req.Plan)
	if err != nil {
		return Metadata{}, nil, err
	}
	return meta, [][]byte{b}, nil
}

// wsMessage is one received frame, pumped onto a channel so reads can race
// against ctx cancellation.
type wsMessage struct {
	kind int
	data []byte
	err  error
}

func (c *Client) awaitResult(ctx context.Context, conn *websocket.Conn, taskID string) (*lazyplan.Table, error) {
	msgs := make(chan wsMessage, 1)
	go func() {
		for {
			kind, data, err := conn.ReadMessage()
			select {
			case msgs <- wsMessage{kind, data, err}:
			case <-ctx.Done():
				return
			}
			if err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			_ = conn.WriteJSON(clientFrame{Type: "cancel"})
			return nil, ctx.Err()
		case m := <-msgs:
			if m.err != nil {
				// Socket dropped but the worker keeps running; fall
				// back to status polling.
				c.log.Printf("task %s: socket lost, recovering over REST: %v", taskID, m.err)
				return c.recoverResult(ctx, taskID)
			}
			if m.kind == websocket.BinaryMessage {
				return nil, fmt.Errorf("task %s: unexpected binary frame", taskID)
			}
			var f serverFrame
			if err := json.Unmarshal(m.data, &f); err != nil {
				return nil, fmt.Errorf("task %s: bad frame: %w", taskID, err)
			}
			switch f.Type {
			case "progress":
				// informational only
			case "error":
				if strings.Contains(f.ErrorMessage, capacityMessage) {
					return nil, fmt.Errorf("%w: %s", engine.ErrTransient, f.ErrorMessage)
				}
				return nil, fmt.Errorf("task %s: %s", taskID, f.ErrorMessage)
			case "complete":
				return c.readResult(ctx, msgs, taskID, f)
			default:
				return nil, fmt.Errorf("task %s: unknown frame type %q", taskID, f.Type)
			}
		}
	}
}

// readResult consumes the payload frame that follows a complete frame.
func (c *Client) readResult(ctx context.Context, msgs chan wsMessage, taskID string, f serverFrame) (*lazyplan.Table, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case m := <-msgs:
		if m.err != nil {
			return c.recoverResult(ctx, taskID)
		}
		if f.ResultType == "polars" && f.HasResult {
			if m.kind != websocket.BinaryMessage {
				return nil, fmt.Errorf("task %s: expected binary result frame", taskID)
			}
			return lazyplan.DecodeTable(m.data)
		}
		// Non-table result: nothing for the dataframe path to consume.
		return nil, nil
	}
}

// recoverResult polls the worker's status endpoint until the task reaches a
// terminal state or the recovery deadline passes.
func (c *Client) recoverResult(ctx context.Context, taskID string) (*lazyplan.Table, error) {
	deadline := time.Now().Add(c.pollDeadline)
	for {
		st, err := c.TaskStatus(ctx, taskID)
		if err == nil {
			switch st.State {
			case TaskComplete:
				if st.ResultType == "polars" && len(st.Result) > 0 {
					return lazyplan.DecodeTable(st.Result)
				}
				return nil, nil
			case TaskError:
				return nil, fmt.Errorf("task %s: %s", taskID, st.Error)
			}
		}
		if time.Now().After(deadline) {
			return nil, fmt.Errorf("%w: task %s unrecoverable after disconnect", engine.ErrTransient, taskID)
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(c.pollInterval):
		}
	}
}

// TaskStatus fetches the REST-side record of a task.
func (c *Client) TaskStatus(ctx context.Context, taskID string) (*TaskStatus, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/status/"+taskID, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("status %s: HTTP %d", taskID, resp.StatusCode)
	}
	var st TaskStatus
	if err := json.NewDecoder(resp.Body).Decode(&st); err != nil {
		return nil, err
	}
	return &st, nil
}

// SubmitQuery runs a task over the REST fallback, for callers that cannot
// hold a WebSocket open.
func (c *Client) SubmitQuery(ctx context.Context, meta Metadata, plans []*lazyplan.Plan) (*TaskStatus, error) {
	encoded := make([][]byte, 0, len(plans))
	for _, p := range plans {
		b, err := lazyplan.Encode(p)
		if err != nil {
			return nil, err
		}
		encoded = append(encoded, b)
	}
	body, err := json.Marshal(submitQueryRequest{Metadata: meta, Plans: encoded})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/submit_query/", strings.NewReader(string(body)))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusServiceUnavailable {
		return nil, fmt.Errorf("%w: %s", engine.ErrTransient, capacityMessage)
	}
	var st TaskStatus
	if err := json.NewDecoder(resp.Body).Decode(&st); err != nil {
		return nil, err
	}
	return &st, nil
}
