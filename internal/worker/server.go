package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/flowfile/flowfile/internal/flow/lazyplan"
)

// capacityMessage is the wire text for a saturated worker; clients match on
// it to decide retry behaviour.
const capacityMessage = "worker at capacity"

// Server is the worker process: it owns the spawn semaphore, the task status
// map, and the cache directory where materialised results land.
type Server struct {
	log            *log.Logger
	cacheDir       string
	sem            chan struct{}
	acquireTimeout time.Duration
	upgrader       websocket.Upgrader

	mu    sync.Mutex
	tasks map[string]*TaskStatus
}

// ServerOptions tune the worker. Zero values get defaults: 4 slots, 30 s
// acquire timeout.
type ServerOptions struct {
	CacheDir       string
	MaxConcurrent  int
	AcquireTimeout time.Duration
	Logger         *log.Logger
}

func NewServer(opts ServerOptions) *Server {
	if opts.MaxConcurrent < 1 {
		opts.MaxConcurrent = 4
	}
	if opts.AcquireTimeout <= 0 {
		opts.AcquireTimeout = 30 * time.Second
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	return &Server{
		log:            logger,
		cacheDir:       opts.CacheDir,
		sem:            make(chan struct{}, opts.MaxConcurrent),
		acquireTimeout: opts.AcquireTimeout,
		upgrader:       websocket.Upgrader{},
		tasks:          map[string]*TaskStatus{},
	}
}

// Routes returns the worker's HTTP surface.
func (s *Server) Routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /ws/submit", s.handleSubmit)
	mux.HandleFunc("GET /status/{task_id}", s.handleStatus)
	mux.HandleFunc("POST /submit_query/", s.handleSubmitQuery)
	mux.HandleFunc("GET /health", s.handleHealth)
	return mux
}

func (s *Server) setTask(st *TaskStatus) {
	s.mu.Lock()
	s.tasks[st.TaskID] = st
	s.mu.Unlock()
}

func (s *Server) task(id string) (*TaskStatus, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.tasks[id]
	return st, ok
}

// acquire takes a semaphore slot, waiting up to the acquire timeout.
func (s *Server) acquire(ctx context.Context) (func(), error) {
	timer := time.NewTimer(s.acquireTimeout)
	defer timer.Stop()
	select {
	case s.sem <- struct{}{}:
		return func() { <-s.sem }, nil
	case <-timer.C:
		return nil, errors.New(capacityMessage)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	var meta Metadata
	if err := conn.ReadJSON(&meta); err != nil {
		s.writeError(conn, fmt.Sprintf("bad metadata frame: %v", err))
		return
	}
	nFrames := 1
	if meta.Operation == OpFuzzyMatch {
		nFrames = 2
	}
	plans := make([]*lazyplan.Plan, 0, nFrames)
	for i := 0; i < nFrames; i++ {
		mt, b, err := conn.ReadMessage()
		if err != nil || mt != websocket.BinaryMessage {
			s.writeError(conn, "expected binary plan frame")
			return
		}
		p, err := lazyplan.Decode(b)
		if err != nil {
			s.writeError(conn, fmt.Sprintf("bad plan frame: %v", err))
			return
		}
		plans = append(plans, p)
	}

	release, err := s.acquire(r.Context())
	if err != nil {
		s.writeError(conn, err.Error())
		return
	}
	defer release()

	// The task keeps running after a client disconnect; only an explicit
	// cancel frame aborts it. The task context is therefore independent of
	// the request context.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		for {
			var cf clientFrame
			if err := conn.ReadJSON(&cf); err != nil {
				return
			}
			if cf.Type == "cancel" {
				cancel()
				return
			}
		}
	}()

	s.setTask(&TaskStatus{TaskID: meta.TaskID, State: TaskRunning})
	s.log.Printf("task %s: %s flow=%d node=%d", meta.TaskID, meta.Operation, meta.FlowID, meta.NodeID)

	progress := s.progressSender(conn)
	res, err := s.runOperation(ctx, meta, plans, progress)
	if err != nil {
		s.setTask(&TaskStatus{TaskID: meta.TaskID, State: TaskError, Error: err.Error()})
		s.writeError(conn, err.Error())
		return
	}
	s.finish(conn, meta.TaskID, res)
}

// progressSender coalesces progress frames: only on change, at most ~3 Hz,
// terminal values always pass.
func (s *Server) progressSender(conn *websocket.Conn) func(int) {
	last := -1
	var lastSent time.Time
	return func(p int) {
		if p == last {
			return
		}
		if p < 100 && time.Since(lastSent) < 300*time.Millisecond {
			return
		}
		last = p
		lastSent = time.Now()
		_ = conn.WriteJSON(serverFrame{Type: "progress", Progress: p})
	}
}

// finish sends the terminal frame pair and records the status for REST
// recovery.
func (s *Server) finish(conn *websocket.Conn, taskID string, res *opResult) {
	if res.Table != nil {
		b, err := lazyplan.EncodeTable(res.Table)
		if err != nil {
			s.setTask(&TaskStatus{TaskID: taskID, State: TaskError, Error: err.Error()})
			s.writeError(conn, err.Error())
			return
		}
		s.setTask(&TaskStatus{
			TaskID:     taskID,
			State:      TaskComplete,
			ResultType: "polars",
			FileRef:    res.FileRef,
			Result:     b,
		})
		_ = conn.WriteJSON(serverFrame{Type: "complete", ResultType: "polars", FileRef: res.FileRef, HasResult: true})
		_ = conn.WriteMessage(websocket.BinaryMessage, b)
		return
	}
	s.setTask(&TaskStatus{
		TaskID:     taskID,
		State:      TaskComplete,
		ResultType: "other",
		FileRef:    res.FileRef,
		Data:       res.Data,
	})
	_ = conn.WriteJSON(serverFrame{Type: "complete", ResultType: "other", FileRef: res.FileRef, HasResult: false})
	_ = conn.WriteJSON(serverFrame{Type: "result_data", Data: res.Data})
}

func (s *Server) writeError(conn *websocket.Conn, msg string) {
	_ = conn.WriteJSON(serverFrame{Type: "error", ErrorMessage: msg})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	st, ok := s.task(r.PathValue("task_id"))
	if !ok {
		http.Error(w, "unknown task", http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(st)
}

// submitQueryRequest is the REST fallback body: plans travel base64-encoded
// inside JSON.
type submitQueryRequest struct {
	Metadata Metadata `json:"metadata"`
	Plans    [][]byte `json:"plans"`
}

func (s *Server) handleSubmitQuery(w http.ResponseWriter, r *http.Request) {
	var req submitQueryRequest
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	plans := make([]*lazyplan.Plan, 0, len(req.Plans))
	for _, b := range req.Plans {
		p, err := lazyplan.Decode(b)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		plans = append(plans, p)
	}
	release, err := s.acquire(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	defer release()

	s.setTask(&TaskStatus{TaskID: req.Metadata.TaskID, State: TaskRunning})
	res, err := s.runOperation(r.Context(), req.Metadata, plans, func(int) {})
	if err != nil {
		st := &TaskStatus{TaskID: req.Metadata.TaskID, State: TaskError, Error: err.Error()}
		s.setTask(st)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnprocessableEntity)
		_ = json.NewEncoder(w).Encode(st)
		return
	}
	st := &TaskStatus{TaskID: req.Metadata.TaskID, State: TaskComplete, ResultType: "other", FileRef: res.FileRef, Data: res.Data}
	if res.Table != nil {
		b, err := lazyplan.EncodeTable(res.Table)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		st.ResultType = "polars"
		st.Result = b
	}
	s.setTask(st)
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(st)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	n := len(s.tasks)
	s.mu.Unlock()
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"status":    "ok",
		"tasks":     n,
		"max_slots": cap(s.sem),
	})
}
