package kernel

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// ExecuteRequest is the body of POST /execute on a kernel.
type ExecuteRequest struct {
	NodeID             int64    `json:"node_id"`
	Code               string   `json:"code"`
	InputPaths         []string `json:"input_paths"`
	OutputDir          string   `json:"output_dir"`
	AvailableArtifacts []string `json:"available_artifacts,omitempty"`
}

// ExecuteResponse is the kernel's report of one script execution.
type ExecuteResponse struct {
	Success            bool           `json:"success"`
	Stdout             string         `json:"stdout"`
	Stderr             string         `json:"stderr"`
	Error              string         `json:"error,omitempty"`
	ExecutionTimeMS    int64          `json:"execution_time_ms"`
	ArtifactsPublished []string       `json:"artifacts_published"`
	ArtifactsDeleted   []string       `json:"artifacts_deleted"`
	ArtifactMeta       []ArtifactMeta `json:"artifact_meta,omitempty"`
	OutputPaths        []string       `json:"output_paths"`
}

// HealthResponse is GET /health.
type HealthResponse struct {
	Status        string `json:"status"`
	ArtifactCount int    `json:"artifact_count"`
	Persistence   bool   `json:"persistence_enabled"`
}

// RecoverResponse is POST /recover: the lazy-recovery index rebuild.
type RecoverResponse struct {
	RecoveredCount int      `json:"recovered_count"`
	Names          []string `json:"names,omitempty"`
}

// CleanupRequest is POST /cleanup.
type CleanupRequest struct {
	MaxAgeHours   float64  `json:"max_age_hours,omitempty"`
	ArtifactNames []string `json:"artifact_names,omitempty"`
}

// CleanupResponse is the cleanup result.
type CleanupResponse struct {
	RemovedCount int `json:"removed_count"`
}

// PersistenceArtifact reports where one artifact currently lives.
type PersistenceArtifact struct {
	Persisted bool `json:"persisted"`
	InMemory  bool `json:"in_memory"`
}

// PersistenceResponse is GET /persistence.
type PersistenceResponse struct {
	Enabled        bool                           `json:"enabled"`
	RecoveryMode   string                         `json:"recovery_mode"`
	PersistedCount int                            `json:"persisted_count"`
	InMemoryCount  int                            `json:"in_memory_count"`
	DiskUsageBytes int64                          `json:"disk_usage_bytes"`
	Artifacts      map[string]PersistenceArtifact `json:"artifacts"`
}

// Client talks HTTP+JSON to one kernel container.
type Client struct {
	baseURL string
	http    *http.Client
}

func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: 5 * time.Minute},
	}
}

func (c *Client) Execute(ctx context.Context, req ExecuteRequest) (*ExecuteResponse, error) {
	var resp ExecuteResponse
	if err := c.post(ctx, "/execute", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *Client) Health(ctx context.Context) (*HealthResponse, error) {
	var resp HealthResponse
	if err := c.get(ctx, "/health", &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *Client) Artifacts(ctx context.Context) (map[string]ArtifactMeta, error) {
	var resp map[string]ArtifactMeta
	if err := c.get(ctx, "/artifacts", &resp); err != nil {
		return nil, err
	}
	return resp, nil
}

func (c *Client) Recover(ctx context.Context) (*RecoverResponse, error) {
	var resp RecoverResponse
	if err := c.post(ctx, "/recover", struct{}{}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *Client) Cleanup(ctx context.Context, req CleanupRequest) (*CleanupResponse, error) {
	var resp CleanupResponse
	if err := c.post(ctx, "/cleanup", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *Client) Persistence(ctx context.Context) (*PersistenceResponse, error) {
	var resp PersistenceResponse
	if err := c.get(ctx, "/persistence", &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Clear wipes the kernel's artifact store, memory and disk.
func (c *Client) Clear(ctx context.Context) error {
	return c.post(ctx, "/clear", struct{}{}, nil)
}

func (c *Client) get(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	return c.do(req, out)
}

func (c *Client) post(ctx context.Context, path string, body, out any) error {
	b, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(b))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("kernel %s %s: HTTP %d", req.Method, req.URL.Path, resp.StatusCode)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
