package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/flowfile/flowfile/internal/flow/engine"
	"github.com/flowfile/flowfile/internal/flow/model"
)

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"flows":  len(s.registry.List()),
	})
}

// flowFromQuery resolves the flow_id query parameter to a registered flow.
func (s *Server) flowFromQuery(w http.ResponseWriter, r *http.Request) (*FlowState, bool) {
	raw := r.URL.Query().Get("flow_id")
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid flow_id %q", raw))
		return nil, false
	}
	fs, ok := s.registry.Get(id)
	if !ok {
		writeError(w, http.StatusNotFound, fmt.Sprintf("flow %d not found", id))
		return nil, false
	}
	return fs, true
}

// handleRunFlow starts a run in the background. The response is 202 with the
// run snapshot while the run is in flight; a repeated POST while running also
// answers 202 with the current state.
func (s *Server) handleRunFlow(w http.ResponseWriter, r *http.Request) {
	fs, ok := s.flowFromQuery(w, r)
	if !ok {
		return
	}
	go func() {
		if _, err := fs.Flow.Run(s.baseCtx); err != nil && !errors.Is(err, engine.ErrRunActive) {
			s.logger.Printf("flow %d run: %v", fs.ID, err)
		}
	}()
	writeJSON(w, http.StatusAccepted, fs.Status())
}

// handleRunStatus reports the last run: 200 when terminal, 202 while the run
// is still in flight.
func (s *Server) handleRunStatus(w http.ResponseWriter, r *http.Request) {
	fs, ok := s.flowFromQuery(w, r)
	if !ok {
		return
	}
	st := fs.Status()
	code := http.StatusOK
	if st.State == "running" {
		code = http.StatusAccepted
	}
	writeJSON(w, code, st)
}

func (s *Server) handleCancelFlow(w http.ResponseWriter, r *http.Request) {
	fs, ok := s.flowFromQuery(w, r)
	if !ok {
		return
	}
	if !fs.Flow.Cancel() {
		writeJSON(w, http.StatusOK, map[string]string{"status": "no active run"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "cancelling"})
}

// handleFlowData renders the node-level view the UI consumes: settings,
// positions, wiring, and per-node run state.
func (s *Server) handleFlowData(w http.ResponseWriter, r *http.Request) {
	fs, ok := s.flowFromQuery(w, r)
	if !ok {
		return
	}
	var data FlowData
	var buildErr error
	fs.Flow.Graph(func(g *model.Graph) {
		data = FlowData{FlowID: g.FlowID, Name: g.Name, Settings: g.Settings}
		for _, n := range g.Nodes() {
			dn := FlowDataNode{
				ID:           n.ID,
				Kind:         n.Kind,
				Description:  n.Description,
				IsStartNode:  n.IsStart,
				IsCorrect:    n.IsCorrect,
				CacheResults: n.CacheResults,
				XPosition:    n.PositionX,
				YPosition:    n.PositionY,
				State:        string(n.State),
				Fingerprint:  n.Fingerprint,
				Outputs:      g.Outputs(n.ID),
			}
			dn.MainInputIDs, dn.LeftInputID, dn.RightInputID = g.InputIDs(n.ID)
			if n.Settings != nil {
				doc, err := model.EncodeSettings(n.Settings)
				if err != nil {
					buildErr = err
					return
				}
				dn.Settings = doc
			}
			data.Nodes = append(data.Nodes, dn)
		}
	})
	if buildErr != nil {
		writeError(w, http.StatusInternalServerError, buildErr.Error())
		return
	}
	writeJSON(w, http.StatusOK, data)
}

func (s *Server) handleImportFlow(w http.ResponseWriter, r *http.Request) {
	path := r.URL.Query().Get("flow_path")
	if path == "" {
		writeError(w, http.StatusBadRequest, "flow_path is required")
		return
	}
	fs, err := s.registry.Import(path)
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("import %s: %v", path, err))
		return
	}
	writeJSON(w, http.StatusOK, ImportResponse{FlowID: fs.ID, Name: fs.Flow.Name()})
}

// handleFlowEvents streams the flow's progress events as SSE, replaying
// history first.
func (s *Server) handleFlowEvents(w http.ResponseWriter, r *http.Request) {
	fs, ok := s.flowFromQuery(w, r)
	if !ok {
		return
	}
	WriteSSE(w, r, fs.Broadcaster)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, ErrorResponse{Error: msg})
}
