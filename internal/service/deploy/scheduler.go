package deploy

import (
	"context"
	"fmt"
	"sync"

	"log/slog"

	"github.com/google/uuid"

	"github.com/rivetr/rivetr/internal/domain"
)

// Scheduler serializes deployment work per app: at any moment at most one
// deployment per app is active. A new request does not queue behind the
// current one; it supersedes it, cancelling the in-flight run (or stopping
// the running container) before launching its own.
type Scheduler struct {
	store    *Store
	pipeline *Pipeline
	registry string
	logger   *slog.Logger
	baseCtx  context.Context

	mu     sync.Mutex
	locks  map[string]*sync.Mutex
	active map[string]*activeRun
	wg     sync.WaitGroup
}

type activeRun struct {
	deploymentID string
	cancel       context.CancelCauseFunc
	done         chan struct{}
}

// NewScheduler constructs a Scheduler. baseCtx bounds the lifetime of every
// pipeline goroutine; cancelling it initiates shutdown.
func NewScheduler(baseCtx context.Context, store *Store, pipeline *Pipeline, registry string, logger *slog.Logger) *Scheduler {
	return &Scheduler{
		store:    store,
		pipeline: pipeline,
		registry: registry,
		logger:   logger,
		baseCtx:  baseCtx,
		locks:    make(map[string]*sync.Mutex),
		active:   make(map[string]*activeRun),
	}
}

// RequestDeploy starts a fresh build-and-run deployment for the app. Any
// in-flight or running deployment of the same app is superseded first.
func (s *Scheduler) RequestDeploy(ctx context.Context, app domain.App) (*domain.Deployment, error) {
	lock := s.appLock(app.ID)
	lock.Lock()
	defer lock.Unlock()

	s.supersede(app.ID)

	dep := &domain.Deployment{
		ID:    uuid.NewString(),
		AppID: app.ID,
	}
	dep.Image = imageTag(s.registry, app.Name, dep.ID)
	if err := s.store.Create(ctx, dep); err != nil {
		return nil, fmt.Errorf("create deployment: %w", err)
	}
	s.launch(app, *dep)
	return dep, nil
}

// RequestRollback starts a deployment that reuses the image of a stopped,
// previously-running deployment of the same app, skipping clone and build.
func (s *Scheduler) RequestRollback(ctx context.Context, app domain.App, targetID string) (*domain.Deployment, error) {
	lock := s.appLock(app.ID)
	lock.Lock()
	defer lock.Unlock()

	target, err := s.store.Get(ctx, targetID)
	if err != nil {
		return nil, err
	}
	if target.AppID != app.ID || !target.RollbackEligible() {
		return nil, fmt.Errorf("%w: %s", ErrInvalidRollbackTarget, targetID)
	}

	s.supersede(app.ID)

	dep := &domain.Deployment{
		ID:             uuid.NewString(),
		AppID:          app.ID,
		Image:          target.Image,
		RolledBackFrom: &target.ID,
	}
	if err := s.store.Create(ctx, dep); err != nil {
		return nil, fmt.Errorf("create rollback deployment: %w", err)
	}
	s.launch(app, *dep)
	return dep, nil
}

// CancelApp supersedes whatever the app currently has active without
// starting anything new. Used when the app is deleted.
func (s *Scheduler) CancelApp(appID string) {
	lock := s.appLock(appID)
	lock.Lock()
	defer lock.Unlock()
	s.supersede(appID)
}

// ActiveDeploymentID reports the deployment the scheduler currently runs for
// the app, if any.
func (s *Scheduler) ActiveDeploymentID(appID string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ar, ok := s.active[appID]
	if !ok {
		return "", false
	}
	return ar.deploymentID, true
}

// Wait blocks until every pipeline goroutine has finished or ctx expires.
func (s *Scheduler) Wait(ctx context.Context) error {
	finished := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(finished)
	}()
	select {
	case <-finished:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// supersede cancels the app's active run and waits for it to wind down.
// Callers must hold the app lock.
func (s *Scheduler) supersede(appID string) {
	s.mu.Lock()
	ar := s.active[appID]
	s.mu.Unlock()
	if ar == nil {
		return
	}
	s.logger.Info("superseding deployment", "app_id", appID, "deployment_id", ar.deploymentID)
	ar.cancel(ErrSuperseded)
	<-ar.done
}

// launch starts the pipeline goroutine and records it as the app's active
// run. Callers must hold the app lock.
func (s *Scheduler) launch(app domain.App, dep domain.Deployment) {
	runCtx, cancel := context.WithCancelCause(s.baseCtx)
	ar := &activeRun{
		deploymentID: dep.ID,
		cancel:       cancel,
		done:         make(chan struct{}),
	}
	s.mu.Lock()
	s.active[app.ID] = ar
	s.mu.Unlock()

	s.wg.Add(1)
	pipelinesActive.Inc()
	go func() {
		defer s.wg.Done()
		defer pipelinesActive.Dec()
		defer cancel(nil)

		final := s.pipeline.Run(runCtx, app, dep)
		s.logger.Info("deployment finished",
			"app_id", app.ID, "deployment_id", dep.ID, "status", string(final))

		close(ar.done)
		s.mu.Lock()
		if s.active[app.ID] == ar {
			delete(s.active, app.ID)
		}
		s.mu.Unlock()
	}()
}

// appLock returns the mutex serializing requests for one app.
func (s *Scheduler) appLock(appID string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	lock, ok := s.locks[appID]
	if !ok {
		lock = &sync.Mutex{}
		s.locks[appID] = lock
	}
	return lock
}

func imageTag(registry, appName, deploymentID string) string {
	repo := "rivetr/" + slugify(appName)
	if registry != "" {
		repo = registry + "/" + slugify(appName)
	}
	return fmt.Sprintf("%s:%s", repo, shortID(deploymentID))
}
