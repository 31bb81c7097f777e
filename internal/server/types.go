package server

import (
	"github.com/flowfile/flowfile/internal/flow/engine"
	"github.com/flowfile/flowfile/internal/flow/model"
)

// RunStatus is the body of run and run_status responses.
type RunStatus struct {
	FlowID int64                  `json:"flow_id"`
	Name   string                 `json:"name"`
	State  string                 `json:"state"` // idle|running|done|failed|cancelled
	Run    *engine.RunInformation `json:"run,omitempty"`
}

// FlowDataNode is one node in the flow_data/v2 document.
type FlowDataNode struct {
	ID           int64          `json:"id"`
	Kind         model.NodeKind `json:"type"`
	Description  string         `json:"description,omitempty"`
	IsStartNode  bool           `json:"is_start_node"`
	IsCorrect    bool           `json:"is_correct"`
	CacheResults bool           `json:"cache_results"`
	XPosition    float64        `json:"x_position"`
	YPosition    float64        `json:"y_position"`
	State        string         `json:"state"`
	Fingerprint  string         `json:"fingerprint,omitempty"`
	Settings     map[string]any `json:"setting_input,omitempty"`
	MainInputIDs []int64        `json:"input_ids,omitempty"`
	LeftInputID  int64          `json:"left_input_id,omitempty"`
	RightInputID int64          `json:"right_input_id,omitempty"`
	Outputs      []int64        `json:"outputs,omitempty"`
}

// FlowData is the GET /flow_data/v2 body.
type FlowData struct {
	FlowID   int64              `json:"flow_id"`
	Name     string             `json:"name"`
	Settings model.FlowSettings `json:"settings"`
	Nodes    []FlowDataNode     `json:"nodes"`
}

// ImportResponse is the GET /import_flow/ body.
type ImportResponse struct {
	FlowID int64  `json:"flow_id"`
	Name   string `json:"name"`
}

// ErrorResponse is the uniform error body.
type ErrorResponse struct {
	Error string `json:"error"`
}
