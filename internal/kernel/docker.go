package kernel

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"os/exec"
	"strconv"
	"strings"
	"time"
)

// DockerOptions configure how kernel containers are launched.
type DockerOptions struct {
	Image           string
	PersistencePath string
	RecoveryMode    string
	Persistence     bool
	StartupTimeout  time.Duration
}

// DockerRunner drives kernel containers through the docker CLI.
type DockerRunner struct {
	opts DockerOptions
}

func NewDockerRunner(opts DockerOptions) *DockerRunner {
	if opts.StartupTimeout <= 0 {
		opts.StartupTimeout = 60 * time.Second
	}
	return &DockerRunner{opts: opts}
}

// Start launches a container for the kernel, allocates a host port, and
// waits for /health to answer. Fills in Port, ContainerID, and BaseURL.
func (d *DockerRunner) Start(ctx context.Context, k *Kernel) error {
	port, err := freePort()
	if err != nil {
		return fmt.Errorf("kernel %s: allocate port: %w", k.ID, err)
	}
	args := []string{
		"run", "-d", "--rm",
		"-p", fmt.Sprintf("%d:8000", port),
		"-e", "KERNEL_ID=" + k.ID,
		"-e", "PERSISTENCE_ENABLED=" + strconv.FormatBool(d.opts.Persistence),
		"-e", "PERSISTENCE_PATH=" + d.opts.PersistencePath,
		"-e", "RECOVERY_MODE=" + d.opts.RecoveryMode,
	}
	if k.SharedVolume != "" {
		args = append(args, "-v", k.SharedVolume+":"+k.SharedVolume)
	}
	args = append(args, d.opts.Image)

	out, err := d.docker(ctx, args...)
	if err != nil {
		return fmt.Errorf("kernel %s: docker run: %w", k.ID, err)
	}
	k.ContainerID = strings.TrimSpace(out)
	k.Port = port
	k.BaseURL = fmt.Sprintf("http://127.0.0.1:%d", port)

	if err := d.awaitHealthy(ctx, k); err != nil {
		_ = d.Stop(context.Background(), k)
		return err
	}
	return nil
}

// Stop tears the container down.
func (d *DockerRunner) Stop(ctx context.Context, k *Kernel) error {
	if k.ContainerID == "" {
		return nil
	}
	_, err := d.docker(ctx, "stop", k.ContainerID)
	k.ContainerID = ""
	return err
}

func (d *DockerRunner) awaitHealthy(ctx context.Context, k *Kernel) error {
	client := NewClient(k.BaseURL)
	deadline := time.Now().Add(d.opts.StartupTimeout)
	for {
		if _, err := client.Health(ctx); err == nil {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("kernel %s: container did not become healthy within %s", k.ID, d.opts.StartupTimeout)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(500 * time.Millisecond):
		}
	}
}

func (d *DockerRunner) docker(ctx context.Context, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "docker", args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("docker %s: %v: %s", args[0], err, strings.TrimSpace(stderr.String()))
	}
	return stdout.String(), nil
}

// freePort asks the OS for an unused TCP port.
func freePort() (int, error) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return 0, err
	}
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port, nil
}
