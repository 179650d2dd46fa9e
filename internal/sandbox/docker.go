package sandbox

import (
	"bytes"
	"context"
	"fmt"
	"log"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/edaswarm/orchestrator/internal/domain"
)

// DockerRunner executes code in a long-lived Python container per session,
// driven through the docker CLI. The dataset is mounted read-only at
// /mnt/data and artifacts are written to /mnt/outputs.
type DockerRunner struct {
	Image         string
	DataDir       string
	OutputsDir    string
	InitPackages  []string
	EgressNetwork string // empty disables all network egress
}

// NewDockerRunner creates a Docker-backed runner.
func NewDockerRunner(image, dataDir, outputsDir string, initPackages []string, egressNetwork string) *DockerRunner {
	return &DockerRunner{
		Image:         image,
		DataDir:       dataDir,
		OutputsDir:    outputsDir,
		InitPackages:  initPackages,
		EgressNetwork: egressNetwork,
	}
}

func (r *DockerRunner) containerName(sess *domain.SandboxSession) string {
	return "edaswarm-" + sess.SessionID
}

// Provision starts the container and installs the init packages.
func (r *DockerRunner) Provision(ctx context.Context, sess *domain.SandboxSession) error {
	dataAbs, err := filepath.Abs(r.DataDir)
	if err != nil {
		return fmt.Errorf("failed to resolve data dir: %w", err)
	}
	outputsAbs, err := filepath.Abs(r.OutputsDir)
	if err != nil {
		return fmt.Errorf("failed to resolve outputs dir: %w", err)
	}
	if err := os.MkdirAll(dataAbs, 0o755); err != nil {
		return fmt.Errorf("failed to create data dir: %w", err)
	}
	if err := os.MkdirAll(outputsAbs, 0o755); err != nil {
		return fmt.Errorf("failed to create outputs dir: %w", err)
	}

	name := r.containerName(sess)
	args := []string{
		"run", "-d", "--name", name,
		"--memory", fmt.Sprintf("%dm", sess.Limits.MemoryMB),
		"--cpus", fmt.Sprintf("%g", sess.Limits.CPUs),
		"-v", dataAbs + ":/mnt/data:ro",
		"-v", outputsAbs + ":/mnt/outputs",
	}
	// Resource limits and network policy are enforced by the container
	// boundary, not by the calling code.
	if r.EgressNetwork == "" {
		args = append(args, "--network", "none")
	} else {
		args = append(args, "--network", r.EgressNetwork)
	}
	args = append(args, r.Image, "sleep", "infinity")

	if out, err := exec.CommandContext(ctx, "docker", args...).CombinedOutput(); err != nil {
		return fmt.Errorf("docker run failed: %w: %s", err, strings.TrimSpace(string(out)))
	}

	if len(r.InitPackages) > 0 {
		installArgs := append([]string{"exec", name, "pip", "install", "--quiet"}, r.InitPackages...)
		if out, err := exec.CommandContext(ctx, "docker", installArgs...).CombinedOutput(); err != nil {
			_ = r.Remove(sess)
			return fmt.Errorf("init package install failed: %w: %s", err, strings.TrimSpace(string(out)))
		}
	}

	log.Printf("INFO: provisioned sandbox %s (image=%s, network=%s)", name, r.Image, networkLabel(r.EgressNetwork))
	return nil
}

// Run feeds the code to the container's Python interpreter on stdin.
// Exceeding the session's wall-clock limit forcibly terminates the
// execution and returns ErrResourceLimit.
func (r *DockerRunner) Run(ctx context.Context, sess *domain.SandboxSession, code string) (*ExecutionResult, error) {
	execCtx := ctx
	if sess.Limits.ExecTimeout > 0 {
		var cancel context.CancelFunc
		execCtx, cancel = context.WithTimeout(ctx, sess.Limits.ExecTimeout)
		defer cancel()
	}

	cmd := exec.CommandContext(execCtx, "docker", "exec", "-i", r.containerName(sess), "python", "-")
	cmd.Stdin = strings.NewReader(code)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	err := cmd.Run()
	elapsed := time.Since(start)

	if err != nil {
		// The caller's deadline takes precedence over the wall-clock limit.
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if execCtx.Err() == context.DeadlineExceeded {
			return nil, fmt.Errorf("%w: wall clock limit %s", ErrResourceLimit, sess.Limits.ExecTimeout)
		}
		if exitErr, ok := err.(*exec.ExitError); ok {
			code := exitErr.ExitCode()
			// 137: killed by the memory limit.
			if code == 137 {
				return nil, fmt.Errorf("%w: killed (exit 137)", ErrResourceLimit)
			}
			return &ExecutionResult{
				Stdout:     stdout.String(),
				Stderr:     stderr.String(),
				ExitCode:   code,
				DurationMs: elapsed.Milliseconds(),
			}, nil
		}
		return nil, fmt.Errorf("docker exec failed: %w", err)
	}

	return &ExecutionResult{
		Stdout:     stdout.String(),
		Stderr:     stderr.String(),
		DurationMs: elapsed.Milliseconds(),
	}, nil
}

// Remove force-removes the container. Missing containers are not an error.
func (r *DockerRunner) Remove(sess *domain.SandboxSession) error {
	out, err := exec.Command("docker", "rm", "-f", r.containerName(sess)).CombinedOutput()
	if err != nil {
		if strings.Contains(string(out), "No such container") {
			return nil
		}
		return fmt.Errorf("docker rm failed: %w: %s", err, strings.TrimSpace(string(out)))
	}
	return nil
}

func networkLabel(network string) string {
	if network == "" {
		return "none"
	}
	return network
}
