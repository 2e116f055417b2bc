package run

import (
	"context"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/runpad/runpad/internal/policy"
	"github.com/runpad/runpad/internal/sandbox"
)

// Timeout bounds for a single run.
const (
	MinTimeout     = 1 * time.Second
	MaxTimeout     = 300 * time.Second
	DefaultTimeout = 30 * time.Second
)

// ClampTimeout maps a requested timeout in seconds onto [MinTimeout,
// MaxTimeout], defaulting when the request carried none.
func ClampTimeout(seconds int) time.Duration {
	if seconds == 0 {
		return DefaultTimeout
	}
	d := time.Duration(seconds) * time.Second
	if d < MinTimeout {
		return MinTimeout
	}
	if d > MaxTimeout {
		return MaxTimeout
	}
	return d
}

const readChunkSize = 4096

// Supervisor owns the full lifecycle of sandboxed runs: launch, output
// pumping, the timeout watchdog, the terminal transition, and cleanup of
// the registry entry and broadcast topic.
type Supervisor struct {
	runtime  sandbox.Runtime
	registry *Registry
	broker   *Broker
	limits   sandbox.Limits
	log      *zap.Logger
}

// NewSupervisor creates a supervisor launching processes on the given
// runtime under the given resource limits.
func NewSupervisor(rt sandbox.Runtime, registry *Registry, broker *Broker, limits sandbox.Limits, log *zap.Logger) *Supervisor {
	return &Supervisor{
		runtime:  rt,
		registry: registry,
		broker:   broker,
		limits:   limits,
		log:      log,
	}
}

// Start launches the session's process asynchronously and returns
// immediately. The session must already be registered and its broadcast
// topic open. stageDir holds the script and is removed during cleanup.
func (s *Supervisor) Start(sess *Session, pol policy.ExecutionPolicy, stageDir string, timeout time.Duration) {
	go s.run(sess, pol, stageDir, timeout)
}

func (s *Supervisor) run(sess *Session, pol policy.ExecutionPolicy, stageDir string, timeout time.Duration) {
	defer s.cleanup(sess, stageDir)

	log := s.log.With(zap.String("run", shortID(sess.ID)), zap.String("file", sess.FileName))

	spec := sandbox.Spec{
		Image:   pol.Image,
		Command: pol.CommandFor(sess.FileName),
		HostDir: stageDir,
		Limits:  s.limits,
	}

	proc, err := s.runtime.Start(context.Background(), spec)
	if err != nil {
		log.Warn("sandbox launch failed", zap.Error(err))
		s.finishError(sess, fmt.Sprintf("launching sandbox: %v", err))
		return
	}

	started := time.Now().UTC()
	sess.markRunning(started)
	s.broker.Publish(sess.ID, Event{
		Type:      TypeStart,
		RunID:     sess.ID,
		FileName:  sess.FileName,
		StartedAt: &started,
	})
	log.Info("run started", zap.String("image", spec.Image))

	// Watchdog: first CAS on killed wins, and both pipes reaching EOF
	// permanently disarms the kill path. The mutex makes "killed" mean
	// the kill was initiated strictly before the run finished on its
	// own, so a natural exit can never be relabeled by a late fire.
	var killMu sync.Mutex
	var pipesDone bool
	kill := func() {
		killMu.Lock()
		if pipesDone {
			killMu.Unlock()
			return
		}
		armed := sess.killed.CompareAndSwap(false, true)
		killMu.Unlock()
		if armed {
			proc.Kill()
		}
	}
	timer := time.AfterFunc(timeout, kill)
	sess.setAbort(kill)

	// Pump both output streams concurrently; per-stream chunk order is
	// preserved, interleaving between the two is scheduling-dependent.
	var wg sync.WaitGroup
	readErrs := make(chan error, 2)
	wg.Add(2)
	go s.pump(sess, TypeStdout, proc.Stdout(), &wg, readErrs)
	go s.pump(sess, TypeStderr, proc.Stderr(), &wg, readErrs)
	wg.Wait()
	close(readErrs)

	killMu.Lock()
	pipesDone = true
	killMu.Unlock()
	timer.Stop()
	status, waitErr := proc.Wait()

	var readErr error
	for err := range readErrs {
		if err != nil && readErr == nil {
			readErr = err
		}
	}

	finished := time.Now().UTC()
	switch {
	case sess.killed.Load():
		// Killed by watchdog or abort. Deliberately the same event
		// shape as a natural exit, with signal metadata and no exit
		// code.
		sig := "SIGKILL"
		s.finishExit(sess, StateKilled, finished, nil, &sig)
		log.Info("run killed", zap.Duration("timeout", timeout))
	case waitErr != nil:
		s.finishError(sess, fmt.Sprintf("waiting on sandbox: %v", waitErr))
		log.Warn("run failed", zap.Error(waitErr))
	case readErr != nil:
		s.finishError(sess, fmt.Sprintf("reading output: %v", readErr))
		log.Warn("run failed", zap.Error(readErr))
	default:
		s.finishExit(sess, StateCompleted, finished, status.ExitCode, status.Signal)
		log.Info("run completed", zap.Intp("exit_code", status.ExitCode))
	}
}

// pump forwards one output stream to the run's channel chunk by chunk.
func (s *Supervisor) pump(sess *Session, typ Type, r io.Reader, wg *sync.WaitGroup, errs chan<- error) {
	defer wg.Done()
	buf := make([]byte, readChunkSize)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			s.broker.Publish(sess.ID, Event{
				Type:  typ,
				RunID: sess.ID,
				Chunk: string(buf[:n]),
			})
		}
		if err != nil {
			if err != io.EOF {
				errs <- err
			}
			return
		}
	}
}

// finishExit publishes the terminal exit event if no other path got
// there first.
func (s *Supervisor) finishExit(sess *Session, state State, at time.Time, exitCode *int, signal *string) {
	if !sess.terminal.CompareAndSwap(false, true) {
		return
	}
	sess.markFinished(state, at, exitCode, signal)
	s.broker.Publish(sess.ID, Event{
		Type:       TypeExit,
		RunID:      sess.ID,
		ExitCode:   exitCode,
		Signal:     signal,
		FinishedAt: &at,
	})
}

// finishError publishes the terminal error event if no other path got
// there first. Output already delivered is not retracted.
func (s *Supervisor) finishError(sess *Session, msg string) {
	if !sess.terminal.CompareAndSwap(false, true) {
		return
	}
	sess.markFinished(StateErrored, time.Now().UTC(), nil, nil)
	s.broker.Publish(sess.ID, Event{
		Type:    TypeError,
		RunID:   sess.ID,
		Message: msg,
	})
}

// cleanup tears down everything the run owned: the broadcast topic, the
// registry entry, and the staged script directory.
func (s *Supervisor) cleanup(sess *Session, stageDir string) {
	s.broker.Close(sess.ID)
	s.registry.Remove(sess.ID)
	if stageDir != "" {
		os.RemoveAll(stageDir)
	}
}

// shortID truncates a runId for logs; full runIds are bearer secrets and
// stay out of shared surfaces.
func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
