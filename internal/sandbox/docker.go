package sandbox

import (
	"context"
	"fmt"
	"io"
	"os/exec"
	"sync"
	"syscall"

	"github.com/google/uuid"
)

// DockerRuntime runs processes in Docker containers.
type DockerRuntime struct {
	// Binary is the docker client to invoke; defaults to "docker".
	Binary string
}

// NewDockerRuntime creates a runtime shelling out to the docker CLI.
func NewDockerRuntime() *DockerRuntime {
	return &DockerRuntime{Binary: "docker"}
}

func (d *DockerRuntime) Start(ctx context.Context, spec Spec) (Process, error) {
	name := "runpad-" + uuid.New().String()[:8]

	args := []string{
		"run", "--rm",
		"--name", name,
		"--network=none",
		"--memory", spec.Limits.Memory,
		"-v", spec.HostDir + ":/workspace:ro",
		"-w", "/workspace",
	}
	if spec.Limits.CPUs != "" {
		args = append(args, "--cpus", spec.Limits.CPUs)
	}
	if spec.Limits.PidsLimit > 0 {
		args = append(args, "--pids-limit", fmt.Sprintf("%d", spec.Limits.PidsLimit))
	}
	if spec.Limits.User != "" {
		args = append(args, "--user", spec.Limits.User)
	}
	args = append(args, spec.Image)
	args = append(args, spec.Command...)

	bin := d.Binary
	if bin == "" {
		bin = "docker"
	}
	cmd := exec.CommandContext(ctx, bin, args...)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("starting docker: %w", err)
	}

	return &dockerProcess{
		bin:       bin,
		container: name,
		cmd:       cmd,
		stdout:    stdout,
		stderr:    stderr,
	}, nil
}

type dockerProcess struct {
	bin       string
	container string
	cmd       *exec.Cmd
	stdout    io.Reader
	stderr    io.Reader

	killOnce sync.Once
}

func (p *dockerProcess) Stdout() io.Reader { return p.stdout }
func (p *dockerProcess) Stderr() io.Reader { return p.stderr }

func (p *dockerProcess) Wait() (Status, error) {
	err := p.cmd.Wait()
	if err == nil {
		zero := 0
		return Status{ExitCode: &zero}, nil
	}

	exitErr, ok := err.(*exec.ExitError)
	if !ok {
		return Status{}, fmt.Errorf("waiting on docker: %w", err)
	}

	if ws, ok := exitErr.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
		sig := ws.Signal().String()
		return Status{Signal: &sig}, nil
	}

	code := exitErr.ExitCode()
	// docker run reports a container killed by signal N as 128+N.
	if code > 128 && code < 160 {
		sig := syscall.Signal(code - 128).String()
		return Status{Signal: &sig}, nil
	}
	return Status{ExitCode: &code}, nil
}

func (p *dockerProcess) Kill() error {
	p.killOnce.Do(func() {
		// Kill the container, not just the client: the client exits
		// once the container dies and --rm cleans up its state.
		kill := exec.Command(p.bin, "kill", "--signal=KILL", p.container)
		if err := kill.Run(); err != nil && p.cmd.Process != nil {
			// Container may not exist yet (or already be gone);
			// fall back to killing the client process.
			p.cmd.Process.Kill()
		}
	})
	return nil
}
