package repository

import (
	"context"

	"github.com/rivetr/rivetr/internal/domain"
)

// OperatorRepository persists operator accounts.
type OperatorRepository interface {
	CreateOperator(ctx context.Context, operator *domain.Operator) error
	GetOperatorByEmail(ctx context.Context, email string) (*domain.Operator, error)
	GetOperatorByID(ctx context.Context, id string) (*domain.Operator, error)
}

// AppRepository persists app configuration.
type AppRepository interface {
	CreateApp(ctx context.Context, app *domain.App) error
	UpdateApp(ctx context.Context, app *domain.App) error
	DeleteApp(ctx context.Context, appID string) error
	GetAppByID(ctx context.Context, appID string) (*domain.App, error)
	GetAppByName(ctx context.Context, name string) (*domain.App, error)
	ListApps(ctx context.Context, teamID string) ([]domain.App, error)
	UpsertEnvVar(ctx context.Context, envVar *domain.AppEnvVar) error
	DeleteEnvVar(ctx context.Context, appID, key string) error
	ListEnvVars(ctx context.Context, appID string) ([]domain.AppEnvVar, error)
	ReplaceDomainBindings(ctx context.Context, appID string, bindings []domain.DomainBinding) error
	ListDomainBindings(ctx context.Context, appID string) ([]domain.DomainBinding, error)
}

// DeploymentRepository stores deployment history and status transitions.
type DeploymentRepository interface {
	CreateDeployment(ctx context.Context, deployment *domain.Deployment) error
	// TransitionDeployment conditionally moves a deployment from one status
	// to another. It returns ErrNotFound when the id does not exist and
	// ErrConflict when the row exists but its status differs from `from`.
	TransitionDeployment(ctx context.Context, deploymentID string, from, to domain.DeploymentStatus, fields domain.TransitionFields) error
	GetDeploymentByID(ctx context.Context, deploymentID string) (*domain.Deployment, error)
	ListDeploymentsByApp(ctx context.Context, appID string, limit int) ([]domain.Deployment, error)
	// GetRunningDeploymentByApp returns the app's deployment in status
	// running, or ErrNotFound when no such deployment exists.
	GetRunningDeploymentByApp(ctx context.Context, appID string) (*domain.Deployment, error)
}

// DeploymentLogRepository handles pipeline log persistence and retrieval.
type DeploymentLogRepository interface {
	AppendDeploymentLog(ctx context.Context, line *domain.DeploymentLogLine) error
	ListDeploymentLogs(ctx context.Context, deploymentID string, limit, offset int) ([]domain.DeploymentLogLine, error)
}
