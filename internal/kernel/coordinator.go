// Package kernel coordinates the sandbox containers that run python script
// nodes: container lifecycle, the HTTP execution contract, and the core-side
// artifact registry that decides which published objects a node may read.
package kernel

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/flowfile/flowfile/internal/flow/engine"
	"github.com/flowfile/flowfile/internal/flow/lazyplan"
)

// State is a kernel's lifecycle state.
type State string

const (
	StateCreated  State = "CREATED"
	StateStarting State = "STARTING"
	StateIdle     State = "IDLE"
	StateBusy     State = "BUSY"
	StateStopped  State = "STOPPED"
	StateFailed   State = "FAILED"
)

// Kernel is one managed sandbox process.
type Kernel struct {
	ID           string
	State        State
	Port         int
	ContainerID  string
	SharedVolume string
	OwnerUserID  string
	BaseURL      string

	client    *Client
	restarted bool
}

// Runner abstracts the container backend so tests can point kernels at a
// plain HTTP server.
type Runner interface {
	Start(ctx context.Context, k *Kernel) error
	Stop(ctx context.Context, k *Kernel) error
}

// Options configure the coordinator.
type Options struct {
	SharedVolume string
	Runner       Runner
	AutoRestart  bool
	Logger       *log.Logger
}

// Coordinator routes python script nodes to kernels and tracks artifacts.
// It satisfies engine.KernelExecutor.
type Coordinator struct {
	sharedVolume string
	runner       Runner
	autoRestart  bool
	log          *log.Logger
	artifacts    *ArtifactRegistry

	mu      sync.Mutex
	kernels map[string]*Kernel
}

func NewCoordinator(opts Options) *Coordinator {
	logger := opts.Logger
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	return &Coordinator{
		sharedVolume: opts.SharedVolume,
		runner:       opts.Runner,
		autoRestart:  opts.AutoRestart,
		log:          logger,
		artifacts:    NewArtifactRegistry(),
		kernels:      map[string]*Kernel{},
	}
}

// Artifacts exposes the registry for status endpoints.
func (c *Coordinator) Artifacts() *ArtifactRegistry { return c.artifacts }

// Register adds a kernel. A kernel with a BaseURL is treated as already
// running; one without is started on first use through the runner.
func (c *Coordinator) Register(k *Kernel) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if k.SharedVolume == "" {
		k.SharedVolume = c.sharedVolume
	}
	if k.BaseURL != "" {
		k.State = StateIdle
		k.client = NewClient(k.BaseURL)
	} else if k.State == "" {
		k.State = StateCreated
	}
	c.kernels[k.ID] = k
}

// Kernels lists registered kernel ids.
func (c *Coordinator) Kernels() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.kernels))
	for id := range c.kernels {
		out = append(out, id)
	}
	return out
}

// KernelState reports one kernel's lifecycle state.
func (c *Coordinator) KernelState(id string) (State, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	k, ok := c.kernels[id]
	if !ok {
		return "", false
	}
	return k.State, true
}

// ensureRunning brings the kernel to IDLE, starting its container when
// needed, and returns its client.
func (c *Coordinator) ensureRunning(ctx context.Context, k *Kernel) (*Client, error) {
	c.mu.Lock()
	switch k.State {
	case StateIdle, StateBusy:
		client := k.client
		c.mu.Unlock()
		return client, nil
	case StateStarting:
		c.mu.Unlock()
		return nil, fmt.Errorf("%w: kernel %s is starting", engine.ErrTransient, k.ID)
	}
	if c.runner == nil {
		c.mu.Unlock()
		return nil, fmt.Errorf("kernel %s is %s and no runner is configured", k.ID, k.State)
	}
	k.State = StateStarting
	c.mu.Unlock()

	if err := c.runner.Start(ctx, k); err != nil {
		c.setState(k, StateFailed)
		return nil, err
	}
	c.mu.Lock()
	k.State = StateIdle
	k.client = NewClient(k.BaseURL)
	client := k.client
	c.mu.Unlock()
	return client, nil
}

func (c *Coordinator) setState(k *Kernel, s State) {
	c.mu.Lock()
	k.State = s
	c.mu.Unlock()
}

// ExecuteScript runs a python script node on its assigned kernel: stage the
// input under the shared volume, send the execution contract, record
// published artifacts, and read back the output table if the script wrote
// one. An unhealthy kernel is restarted once before the node fails.
func (c *Coordinator) ExecuteScript(ctx context.Context, req engine.ScriptRequest) (*lazyplan.Table, error) {
	kernelID := req.KernelID
	if kernelID == "" {
		kernelID = "default"
	}
	c.mu.Lock()
	k, ok := c.kernels[kernelID]
	c.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("unknown kernel %q", kernelID)
	}

	client, err := c.ensureRunning(ctx, k)
	if err != nil {
		return nil, err
	}
	if _, err := client.Health(ctx); err != nil {
		client, err = c.restartOnce(ctx, k, err)
		if err != nil {
			return nil, err
		}
	}

	inputPaths, outputDir, err := c.stage(req)
	if err != nil {
		return nil, err
	}
	if req.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, req.Timeout)
		defer cancel()
	}

	c.setState(k, StateBusy)
	defer c.setState(k, StateIdle)

	start := time.Now()
	resp, err := client.Execute(ctx, ExecuteRequest{
		NodeID:             req.NodeID,
		Code:               req.Code,
		InputPaths:         inputPaths,
		OutputDir:          outputDir,
		AvailableArtifacts: c.artifacts.Available(req.FlowID, kernelID, req.Ancestors),
	})
	if err != nil {
		return nil, fmt.Errorf("kernel %s: execute node %d: %w", kernelID, req.NodeID, err)
	}
	c.log.Printf("kernel %s: node %d in %s (reported %dms)", kernelID, req.NodeID, time.Since(start).Round(time.Millisecond), resp.ExecutionTimeMS)

	if !resp.Success {
		msg := resp.Error
		if msg == "" {
			msg = resp.Stderr
		}
		return nil, fmt.Errorf("kernel %s: node %d failed: %s", kernelID, req.NodeID, msg)
	}
	if err := c.artifacts.RecordExecution(req.FlowID, req.NodeID, kernelID, resp.ArtifactsPublished, resp.ArtifactsDeleted, resp.ArtifactMeta); err != nil {
		return nil, err
	}
	if len(resp.OutputPaths) == 0 {
		return lazyplan.NewTable(), nil
	}
	b, err := os.ReadFile(resp.OutputPaths[0])
	if err != nil {
		return nil, fmt.Errorf("kernel %s: node %d output: %w", kernelID, req.NodeID, err)
	}
	return lazyplan.DecodeTable(b)
}

// restartOnce recycles an unhealthy kernel a single time per kernel.
func (c *Coordinator) restartOnce(ctx context.Context, k *Kernel, cause error) (*Client, error) {
	c.mu.Lock()
	allowed := c.autoRestart && c.runner != nil && !k.restarted
	if allowed {
		k.restarted = true
		k.State = StateFailed
	} else {
		k.State = StateFailed
	}
	c.mu.Unlock()
	if !allowed {
		return nil, fmt.Errorf("kernel %s unhealthy: %w", k.ID, cause)
	}
	c.log.Printf("kernel %s unhealthy, restarting: %v", k.ID, cause)
	_ = c.runner.Stop(ctx, k)
	client, err := c.ensureRunning(ctx, k)
	if err != nil {
		return nil, fmt.Errorf("kernel %s restart: %w", k.ID, err)
	}
	if _, err := client.Health(ctx); err != nil {
		c.setState(k, StateFailed)
		return nil, fmt.Errorf("kernel %s unhealthy after restart: %w", k.ID, err)
	}
	return client, nil
}

// stage writes the node input under the shared volume and prepares the
// output directory for the script.
func (c *Coordinator) stage(req engine.ScriptRequest) ([]string, string, error) {
	flowDir := filepath.Join(c.sharedVolume, strconv.FormatInt(req.FlowID, 10))
	outputDir := filepath.Join(flowDir, fmt.Sprintf("%d_output", req.NodeID))
	if err := os.MkdirAll(outputDir, 0o755); err != nil {
		return nil, "", err
	}
	if req.Input == nil {
		return nil, outputDir, nil
	}
	inputPath := filepath.Join(flowDir, fmt.Sprintf("%d_input.arrow", req.NodeID))
	if err := lazyplan.WriteTable(inputPath, "arrow", "", req.Input); err != nil {
		return nil, "", err
	}
	return []string{inputPath}, outputDir, nil
}

// RecoverKernel asks a kernel to rebuild its artifact index from disk after
// a restart. Objects stay serialised until first read.
func (c *Coordinator) RecoverKernel(ctx context.Context, kernelID string) (*RecoverResponse, error) {
	c.mu.Lock()
	k, ok := c.kernels[kernelID]
	c.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("unknown kernel %q", kernelID)
	}
	client, err := c.ensureRunning(ctx, k)
	if err != nil {
		return nil, err
	}
	return client.Recover(ctx)
}

// ClearKernel wipes a kernel's artifact store and drops the core-side
// records for the flow.
func (c *Coordinator) ClearKernel(ctx context.Context, kernelID string, flowID int64) error {
	c.mu.Lock()
	k, ok := c.kernels[kernelID]
	c.mu.Unlock()
	if !ok {
		return fmt.Errorf("unknown kernel %q", kernelID)
	}
	client, err := c.ensureRunning(ctx, k)
	if err != nil {
		return err
	}
	if err := client.Clear(ctx); err != nil {
		return err
	}
	c.artifacts.ClearFlow(flowID)
	return nil
}

// Shutdown stops every runner-managed kernel.
func (c *Coordinator) Shutdown(ctx context.Context) {
	c.mu.Lock()
	kernels := make([]*Kernel, 0, len(c.kernels))
	for _, k := range c.kernels {
		kernels = append(kernels, k)
	}
	c.mu.Unlock()
	for _, k := range kernels {
		if c.runner != nil && k.ContainerID != "" {
			if err := c.runner.Stop(ctx, k); err != nil {
				c.log.Printf("kernel %s: stop: %v", k.ID, err)
			}
		}
		c.setState(k, StateStopped)
	}
}
