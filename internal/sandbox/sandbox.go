// Package sandbox launches isolated processes via an external container
// runtime. Isolation itself (namespaces, cgroups) is the runtime's job;
// this package only expresses the resource policy and owns the process
// handle.
package sandbox

import (
	"context"
	"io"
)

// Limits is the declarative resource policy passed to the runtime.
type Limits struct {
	Memory    string // e.g. "256m"
	CPUs      string // e.g. "0.5"
	PidsLimit int
	User      string // unprivileged uid:gid, e.g. "65534:65534"
}

// DefaultLimits returns safe defaults for script execution.
func DefaultLimits() Limits {
	return Limits{
		Memory:    "256m",
		CPUs:      "0.5",
		PidsLimit: 64,
		User:      "65534:65534",
	}
}

// Spec describes one isolated execution: the image and command from the
// execution policy, plus the host directory holding the script, which is
// mounted read-only as the working directory.
type Spec struct {
	Image   string
	Command []string
	HostDir string
	Limits  Limits
}

// Status is how a process ended. Exactly one of ExitCode or Signal is set
// for a process the runtime observed terminating; both nil means the
// runtime could not classify the exit.
type Status struct {
	ExitCode *int
	Signal   *string
}

// Process is a handle to one running sandboxed process.
type Process interface {
	// Stdout and Stderr stream the process's output; both reach EOF
	// once the process has exited.
	Stdout() io.Reader
	Stderr() io.Reader

	// Wait blocks until the process exits and returns how it ended.
	// The returned error covers runtime-level failures only; a nonzero
	// exit is reported through Status, not an error.
	Wait() (Status, error)

	// Kill forcibly terminates the process. Killing an already-exited
	// process is a no-op.
	Kill() error
}

// Runtime starts isolated processes.
type Runtime interface {
	Start(ctx context.Context, spec Spec) (Process, error)
}
