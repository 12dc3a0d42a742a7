package deploy

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/rivetr/rivetr/internal/domain"
	"github.com/rivetr/rivetr/internal/repository"
)

var (
	// ErrInvalidTransition reports a status move the lifecycle graph forbids.
	ErrInvalidTransition = errors.New("deploy: illegal status transition")
	// ErrConflictingTransition reports that the deployment's stored status no
	// longer matches the expected one; something else moved it first.
	ErrConflictingTransition = errors.New("deploy: deployment status changed concurrently")
	// ErrInvalidRollbackTarget reports a rollback request against a deployment
	// that is not a stopped, previously-running one.
	ErrInvalidRollbackTarget = errors.New("deploy: deployment is not a valid rollback target")
)

// Store wraps the deployment repository with lifecycle validation. Every
// status write in the system goes through Transition, which enforces the
// status graph before touching storage and surfaces lost races as
// ErrConflictingTransition.
type Store struct {
	repo repository.DeploymentRepository
}

// NewStore constructs a Store.
func NewStore(repo repository.DeploymentRepository) *Store {
	return &Store{repo: repo}
}

// Create persists a new deployment in status pending. A zero ID is filled in.
func (s *Store) Create(ctx context.Context, dep *domain.Deployment) error {
	if dep.ID == "" {
		dep.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	dep.Status = domain.StatusPending
	dep.StartedAt = now
	dep.UpdatedAt = now
	return s.repo.CreateDeployment(ctx, dep)
}

// Transition moves a deployment from one status to another. The move is
// validated against the lifecycle graph first; the storage write is
// conditional on the row still holding `from`.
func (s *Store) Transition(ctx context.Context, deploymentID string, from, to domain.DeploymentStatus, fields domain.TransitionFields) error {
	if !domain.CanTransition(from, to) {
		return fmt.Errorf("%w: %s to %s", ErrInvalidTransition, from, to)
	}
	if err := s.repo.TransitionDeployment(ctx, deploymentID, from, to, fields); err != nil {
		if errors.Is(err, repository.ErrConflict) {
			return fmt.Errorf("%w: %s is no longer %s", ErrConflictingTransition, deploymentID, from)
		}
		return err
	}
	return nil
}

// Get fetches a deployment by ID.
func (s *Store) Get(ctx context.Context, deploymentID string) (*domain.Deployment, error) {
	return s.repo.GetDeploymentByID(ctx, deploymentID)
}

// ListByApp returns an app's deployment history, newest first.
func (s *Store) ListByApp(ctx context.Context, appID string, limit int) ([]domain.Deployment, error) {
	return s.repo.ListDeploymentsByApp(ctx, appID, limit)
}

// Running returns the app's running deployment, or repository.ErrNotFound.
func (s *Store) Running(ctx context.Context, appID string) (*domain.Deployment, error) {
	return s.repo.GetRunningDeploymentByApp(ctx, appID)
}
