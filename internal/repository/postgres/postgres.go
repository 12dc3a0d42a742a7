package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/rivetr/rivetr/internal/domain"
	"github.com/rivetr/rivetr/internal/repository"
)

// Repository implements persistence interfaces on PostgreSQL.
type Repository struct {
	pool *pgxpool.Pool
}

// New constructs a Repository.
func New(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// ensure Repository satisfies interfaces.
var (
	_ repository.OperatorRepository      = (*Repository)(nil)
	_ repository.AppRepository           = (*Repository)(nil)
	_ repository.DeploymentRepository    = (*Repository)(nil)
	_ repository.DeploymentLogRepository = (*Repository)(nil)
)

// CreateOperator inserts an operator account.
func (r *Repository) CreateOperator(ctx context.Context, operator *domain.Operator) error {
	const query = `INSERT INTO operators (id, email, password_hash, created_at)
		VALUES ($1, $2, $3, $4)`
	_, err := r.pool.Exec(ctx, query, operator.ID, operator.Email, operator.PasswordHash, operator.CreatedAt)
	return err
}

// GetOperatorByEmail fetches an operator by email.
func (r *Repository) GetOperatorByEmail(ctx context.Context, email string) (*domain.Operator, error) {
	const query = `SELECT id, email, password_hash, created_at FROM operators WHERE email = $1`
	row := r.pool.QueryRow(ctx, query, email)
	var op domain.Operator
	if err := row.Scan(&op.ID, &op.Email, &op.PasswordHash, &op.CreatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}
	return &op, nil
}

// GetOperatorByID retrieves an operator by identifier.
func (r *Repository) GetOperatorByID(ctx context.Context, id string) (*domain.Operator, error) {
	const query = `SELECT id, email, password_hash, created_at FROM operators WHERE id = $1`
	row := r.pool.QueryRow(ctx, query, id)
	var op domain.Operator
	if err := row.Scan(&op.ID, &op.Email, &op.PasswordHash, &op.CreatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}
	return &op, nil
}

const appColumns = `id, team_id, project_id, name, repo_url, branch, dockerfile_path, port,
	healthcheck_path, cpu_limit_percent, memory_limit_mb, environment, created_at, updated_at`

func scanApp(row pgx.Row) (*domain.App, error) {
	var app domain.App
	if err := row.Scan(
		&app.ID,
		&app.TeamID,
		&app.ProjectID,
		&app.Name,
		&app.RepoURL,
		&app.Branch,
		&app.DockerfilePath,
		&app.Port,
		&app.HealthcheckPath,
		&app.CPULimitPercent,
		&app.MemoryLimitMB,
		&app.Environment,
		&app.CreatedAt,
		&app.UpdatedAt,
	); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}
	return &app, nil
}

// CreateApp inserts an app.
func (r *Repository) CreateApp(ctx context.Context, app *domain.App) error {
	const query = `INSERT INTO apps (id, team_id, project_id, name, repo_url, branch, dockerfile_path, port,
		healthcheck_path, cpu_limit_percent, memory_limit_mb, environment, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`
	_, err := r.pool.Exec(ctx, query, app.ID, app.TeamID, app.ProjectID, app.Name, app.RepoURL, app.Branch,
		app.DockerfilePath, app.Port, app.HealthcheckPath, app.CPULimitPercent, app.MemoryLimitMB,
		app.Environment, app.CreatedAt, app.UpdatedAt)
	return err
}

// UpdateApp rewrites the app's mutable settings.
func (r *Repository) UpdateApp(ctx context.Context, app *domain.App) error {
	const query = `UPDATE apps SET repo_url = $2, branch = $3, dockerfile_path = $4, port = $5,
		healthcheck_path = $6, cpu_limit_percent = $7, memory_limit_mb = $8, environment = $9,
		updated_at = $10
		WHERE id = $1`
	tag, err := r.pool.Exec(ctx, query, app.ID, app.RepoURL, app.Branch, app.DockerfilePath, app.Port,
		app.HealthcheckPath, app.CPULimitPercent, app.MemoryLimitMB, app.Environment, app.UpdatedAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}

// DeleteApp removes an app; deployments, logs, env vars and domain bindings
// cascade at the schema level.
func (r *Repository) DeleteApp(ctx context.Context, appID string) error {
	const query = `DELETE FROM apps WHERE id = $1`
	tag, err := r.pool.Exec(ctx, query, appID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}

// GetAppByID fetches app details.
func (r *Repository) GetAppByID(ctx context.Context, appID string) (*domain.App, error) {
	query := `SELECT ` + appColumns + ` FROM apps WHERE id = $1`
	return scanApp(r.pool.QueryRow(ctx, query, appID))
}

// GetAppByName fetches an app by its unique name.
func (r *Repository) GetAppByName(ctx context.Context, name string) (*domain.App, error) {
	query := `SELECT ` + appColumns + ` FROM apps WHERE name = $1`
	return scanApp(r.pool.QueryRow(ctx, query, name))
}

// ListApps returns apps for the provided team, newest first. An empty team
// filter lists every app.
func (r *Repository) ListApps(ctx context.Context, teamID string) ([]domain.App, error) {
	query := `SELECT ` + appColumns + ` FROM apps WHERE ($1 = '' OR team_id = $1) ORDER BY created_at DESC`
	rows, err := r.pool.Query(ctx, query, teamID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	apps := make([]domain.App, 0)
	for rows.Next() {
		app, err := scanApp(rows)
		if err != nil {
			return nil, err
		}
		apps = append(apps, *app)
	}
	return apps, rows.Err()
}

// UpsertEnvVar upserts an encrypted environment variable.
func (r *Repository) UpsertEnvVar(ctx context.Context, envVar *domain.AppEnvVar) error {
	const query = `INSERT INTO app_env_vars (app_id, key, value, created_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (app_id, key) DO UPDATE SET value = EXCLUDED.value`
	_, err := r.pool.Exec(ctx, query, envVar.AppID, envVar.Key, envVar.Value, envVar.CreatedAt)
	return err
}

// DeleteEnvVar removes a single environment variable.
func (r *Repository) DeleteEnvVar(ctx context.Context, appID, key string) error {
	const query = `DELETE FROM app_env_vars WHERE app_id = $1 AND key = $2`
	tag, err := r.pool.Exec(ctx, query, appID, key)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}

// ListEnvVars returns encrypted environment variables for an app.
func (r *Repository) ListEnvVars(ctx context.Context, appID string) ([]domain.AppEnvVar, error) {
	const query = `SELECT app_id, key, value, created_at FROM app_env_vars WHERE app_id = $1 ORDER BY key`
	rows, err := r.pool.Query(ctx, query, appID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	vars := make([]domain.AppEnvVar, 0)
	for rows.Next() {
		var env domain.AppEnvVar
		if err := rows.Scan(&env.AppID, &env.Key, &env.Value, &env.CreatedAt); err != nil {
			return nil, err
		}
		vars = append(vars, env)
	}
	return vars, rows.Err()
}

// ReplaceDomainBindings atomically replaces the app's domain bindings.
func (r *Repository) ReplaceDomainBindings(ctx context.Context, appID string, bindings []domain.DomainBinding) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `DELETE FROM app_domains WHERE app_id = $1`, appID); err != nil {
		return err
	}
	const insert = `INSERT INTO app_domains (app_id, hostname, is_primary, redirect_www, position, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`
	for _, binding := range bindings {
		if _, err := tx.Exec(ctx, insert, appID, binding.Hostname, binding.IsPrimary, binding.RedirectWWW, binding.Position, binding.CreatedAt); err != nil {
			return err
		}
	}
	return tx.Commit(ctx)
}

// ListDomainBindings returns the app's domain bindings in order.
func (r *Repository) ListDomainBindings(ctx context.Context, appID string) ([]domain.DomainBinding, error) {
	const query = `SELECT app_id, hostname, is_primary, redirect_www, position, created_at
		FROM app_domains WHERE app_id = $1 ORDER BY position ASC`
	rows, err := r.pool.Query(ctx, query, appID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	bindings := make([]domain.DomainBinding, 0)
	for rows.Next() {
		var binding domain.DomainBinding
		if err := rows.Scan(&binding.AppID, &binding.Hostname, &binding.IsPrimary, &binding.RedirectWWW, &binding.Position, &binding.CreatedAt); err != nil {
			return nil, err
		}
		bindings = append(bindings, binding)
	}
	return bindings, rows.Err()
}

const deploymentColumns = `id, app_id, status, image, container_id, had_run, rolled_back_from,
	error_message, started_at, finished_at, updated_at`

func scanDeployment(row pgx.Row) (*domain.Deployment, error) {
	var dep domain.Deployment
	if err := row.Scan(
		&dep.ID,
		&dep.AppID,
		&dep.Status,
		&dep.Image,
		&dep.ContainerID,
		&dep.HadRun,
		&dep.RolledBackFrom,
		&dep.ErrorMessage,
		&dep.StartedAt,
		&dep.FinishedAt,
		&dep.UpdatedAt,
	); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}
	return &dep, nil
}

// CreateDeployment inserts a deployment record.
func (r *Repository) CreateDeployment(ctx context.Context, deployment *domain.Deployment) error {
	const query = `INSERT INTO deployments (id, app_id, status, image, container_id, had_run, rolled_back_from,
		error_message, started_at, finished_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`
	_, err := r.pool.Exec(ctx, query, deployment.ID, deployment.AppID, deployment.Status, deployment.Image,
		deployment.ContainerID, deployment.HadRun, deployment.RolledBackFrom, deployment.ErrorMessage,
		deployment.StartedAt, deployment.FinishedAt, deployment.UpdatedAt)
	return err
}

// TransitionDeployment performs a conditional status update. The WHERE clause
// pins the expected current status so a transition racing a stale read loses
// with ErrConflict instead of silently overwriting.
func (r *Repository) TransitionDeployment(ctx context.Context, deploymentID string, from, to domain.DeploymentStatus, fields domain.TransitionFields) error {
	const query = `UPDATE deployments
		SET status = $3,
			container_id = COALESCE($4, container_id),
			error_message = CASE WHEN $5 <> '' THEN $5 ELSE error_message END,
			finished_at = COALESCE($6, finished_at),
			had_run = had_run OR $7,
			updated_at = NOW()
		WHERE id = $1 AND status = $2`
	tag, err := r.pool.Exec(ctx, query, deploymentID, from, to, fields.ContainerID, fields.ErrorMessage, fields.FinishedAt, fields.HadRun)
	if err != nil {
		return err
	}
	if tag.RowsAffected() > 0 {
		return nil
	}
	var exists bool
	if err := r.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM deployments WHERE id = $1)`, deploymentID).Scan(&exists); err != nil {
		return err
	}
	if !exists {
		return repository.ErrNotFound
	}
	return fmt.Errorf("transition %s -> %s for deployment %s: %w", from, to, deploymentID, repository.ErrConflict)
}

// GetDeploymentByID returns a deployment by identifier.
func (r *Repository) GetDeploymentByID(ctx context.Context, deploymentID string) (*domain.Deployment, error) {
	query := `SELECT ` + deploymentColumns + ` FROM deployments WHERE id = $1`
	return scanDeployment(r.pool.QueryRow(ctx, query, deploymentID))
}

// ListDeploymentsByApp returns recent deployments for an app, newest first.
func (r *Repository) ListDeploymentsByApp(ctx context.Context, appID string, limit int) ([]domain.Deployment, error) {
	if limit <= 0 {
		limit = 20
	}
	query := `SELECT ` + deploymentColumns + ` FROM deployments WHERE app_id = $1 ORDER BY started_at DESC LIMIT $2`
	rows, err := r.pool.Query(ctx, query, appID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	deployments := make([]domain.Deployment, 0)
	for rows.Next() {
		dep, err := scanDeployment(rows)
		if err != nil {
			return nil, err
		}
		deployments = append(deployments, *dep)
	}
	return deployments, rows.Err()
}

// GetRunningDeploymentByApp returns the app's running deployment if any.
func (r *Repository) GetRunningDeploymentByApp(ctx context.Context, appID string) (*domain.Deployment, error) {
	query := `SELECT ` + deploymentColumns + ` FROM deployments
		WHERE app_id = $1 AND status = $2 ORDER BY started_at DESC LIMIT 1`
	return scanDeployment(r.pool.QueryRow(ctx, query, appID, domain.StatusRunning))
}

// AppendDeploymentLog stores one pipeline log line and backfills its sequence id.
func (r *Repository) AppendDeploymentLog(ctx context.Context, line *domain.DeploymentLogLine) error {
	const query = `INSERT INTO deployment_logs (deployment_id, level, message, created_at)
		VALUES ($1, $2, $3, $4) RETURNING id`
	return r.pool.QueryRow(ctx, query, line.DeploymentID, line.Level, line.Message, line.CreatedAt).Scan(&line.ID)
}

// ListDeploymentLogs returns the pipeline narrative in append order.
func (r *Repository) ListDeploymentLogs(ctx context.Context, deploymentID string, limit, offset int) ([]domain.DeploymentLogLine, error) {
	if limit <= 0 {
		limit = 500
	}
	if offset < 0 {
		offset = 0
	}
	const query = `SELECT id, deployment_id, level, message, created_at
		FROM deployment_logs WHERE deployment_id = $1 ORDER BY id ASC LIMIT $2 OFFSET $3`
	rows, err := r.pool.Query(ctx, query, deploymentID, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	lines := make([]domain.DeploymentLogLine, 0)
	for rows.Next() {
		var line domain.DeploymentLogLine
		if err := rows.Scan(&line.ID, &line.DeploymentID, &line.Level, &line.Message, &line.CreatedAt); err != nil {
			return nil, err
		}
		lines = append(lines, line)
	}
	return lines, rows.Err()
}
