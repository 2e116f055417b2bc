package run

import (
	"context"
	"fmt"
	"os"

	"go.uber.org/zap"

	"github.com/runpad/runpad/internal/policy"
	"github.com/runpad/runpad/internal/storage"
)

// SubmitRequest asks for one execution of a stored script.
type SubmitRequest struct {
	FileName       string `json:"file_name"`
	TimeoutSeconds int    `json:"timeout_seconds"`
}

// Service is the submission facade shared by the HTTP server and the
// console: validate, stage, register, launch. Rejections (validation,
// not-found) are synchronous; everything after acceptance is only
// visible on the run's broadcast channel.
type Service struct {
	store      storage.Store
	resolver   *policy.Resolver
	registry   *Registry
	broker     *Broker
	supervisor *Supervisor
	log        *zap.Logger
}

// NewService wires the submission pipeline together.
func NewService(store storage.Store, resolver *policy.Resolver, registry *Registry, broker *Broker, supervisor *Supervisor, log *zap.Logger) *Service {
	return &Service{
		store:      store,
		resolver:   resolver,
		registry:   registry,
		broker:     broker,
		supervisor: supervisor,
		log:        log,
	}
}

// Submit validates the request, launches the run, and returns its runId.
// The run executes asynchronously; Submit never blocks on it.
func (s *Service) Submit(ctx context.Context, req SubmitRequest) (string, error) {
	runID, _, err := s.submit(ctx, req, false)
	return runID, err
}

// SubmitWatch is Submit plus a subscription attached before the process
// launches, so the caller is guaranteed the full event sequence from
// start onward. Used by in-process callers like the console.
func (s *Service) SubmitWatch(ctx context.Context, req SubmitRequest) (string, *Subscription, error) {
	return s.submit(ctx, req, true)
}

func (s *Service) submit(ctx context.Context, req SubmitRequest, watch bool) (string, *Subscription, error) {
	if err := storage.ValidateName(req.FileName); err != nil {
		return "", nil, err
	}

	stageDir, err := s.store.Stage(ctx, req.FileName)
	if err != nil {
		return "", nil, err
	}

	sess, err := s.registry.Create(req.FileName)
	if err != nil {
		os.RemoveAll(stageDir)
		return "", nil, fmt.Errorf("registering run: %w", err)
	}
	s.broker.Open(sess.ID)

	var sub *Subscription
	if watch {
		if sub, err = s.broker.Subscribe(sess.ID); err != nil {
			s.broker.Close(sess.ID)
			s.registry.Remove(sess.ID)
			os.RemoveAll(stageDir)
			return "", nil, err
		}
	}

	pol := s.resolver.Resolve(req.FileName)
	timeout := ClampTimeout(req.TimeoutSeconds)
	s.supervisor.Start(sess, pol, stageDir, timeout)

	s.log.Info("run submitted",
		zap.String("run", shortID(sess.ID)),
		zap.String("file", req.FileName),
		zap.Duration("timeout", timeout))
	return sess.ID, sub, nil
}

// Subscribe attaches an observer to an active run's channel. Only events
// published after attachment are delivered; there is no replay.
func (s *Service) Subscribe(runID string) (*Subscription, error) {
	return s.broker.Subscribe(runID)
}

// Lookup returns a snapshot of an active run, or ErrUnknownRun for a
// terminal or never-issued runId.
func (s *Service) Lookup(runID string) (Snapshot, error) {
	sess, ok := s.registry.Get(runID)
	if !ok {
		return Snapshot{}, ErrUnknownRun
	}
	return sess.Snapshot(), nil
}

// Abort kills an active run early, reusing the timeout path. Aborting a
// terminal or unknown runId returns ErrUnknownRun.
func (s *Service) Abort(runID string) error {
	sess, ok := s.registry.Get(runID)
	if !ok {
		return ErrUnknownRun
	}
	sess.Abort()
	return nil
}
