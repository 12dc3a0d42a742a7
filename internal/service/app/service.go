package app

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sort"
	"strings"
	"time"

	"log/slog"

	"github.com/google/uuid"

	"github.com/rivetr/rivetr/internal/domain"
	"github.com/rivetr/rivetr/internal/repository"
	"github.com/rivetr/rivetr/pkg/crypto"
)

var (
	// ErrNameTaken reports an app name collision.
	ErrNameTaken = errors.New("app: name already in use")
	// ErrInvalidInput reports a request that fails validation.
	ErrInvalidInput = errors.New("app: invalid input")
	// ErrInvalidDomainBindings reports a binding set without exactly one
	// primary hostname.
	ErrInvalidDomainBindings = errors.New("app: bindings must have exactly one primary hostname")
)

// Service manages app configuration. Environment variable values are
// encrypted before they reach storage and only decrypted through ResolveEnv,
// which the deployment pipeline calls right before container start.
type Service struct {
	repo          repository.AppRepository
	encryptionKey string
	logger        *slog.Logger
}

// New constructs an app Service.
func New(repo repository.AppRepository, encryptionKey string, logger *slog.Logger) *Service {
	return &Service{repo: repo, encryptionKey: encryptionKey, logger: logger}
}

// CreateInput carries the fields of a new app.
type CreateInput struct {
	TeamID          string  `json:"team_id"`
	ProjectID       *string `json:"project_id"`
	Name            string  `json:"name"`
	RepoURL         string  `json:"repo_url"`
	Branch          string  `json:"branch"`
	DockerfilePath  string  `json:"dockerfile_path"`
	Port            int     `json:"port"`
	HealthcheckPath string  `json:"healthcheck_path"`
	CPULimitPercent int     `json:"cpu_limit_percent"`
	MemoryLimitMB   int     `json:"memory_limit_mb"`
	Environment     string  `json:"environment"`
}

// Create validates and stores a new app, applying defaults for branch,
// dockerfile path and environment.
func (s *Service) Create(ctx context.Context, in CreateInput) (*domain.App, error) {
	if err := validateAppFields(in.Name, in.RepoURL, in.Port); err != nil {
		return nil, err
	}
	if _, err := s.repo.GetAppByName(ctx, in.Name); err == nil {
		return nil, fmt.Errorf("%w: %s", ErrNameTaken, in.Name)
	} else if !errors.Is(err, repository.ErrNotFound) {
		return nil, err
	}

	now := time.Now().UTC()
	app := &domain.App{
		ID:              uuid.NewString(),
		TeamID:          in.TeamID,
		ProjectID:       in.ProjectID,
		Name:            in.Name,
		RepoURL:         in.RepoURL,
		Branch:          defaultString(in.Branch, "main"),
		DockerfilePath:  defaultString(in.DockerfilePath, "Dockerfile"),
		Port:            in.Port,
		HealthcheckPath: in.HealthcheckPath,
		CPULimitPercent: in.CPULimitPercent,
		MemoryLimitMB:   in.MemoryLimitMB,
		Environment:     defaultString(in.Environment, "production"),
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if err := s.repo.CreateApp(ctx, app); err != nil {
		return nil, err
	}
	s.logger.Info("app created", "app_id", app.ID, "name", app.Name)
	return app, nil
}

// UpdateInput carries partial app updates; nil fields stay unchanged.
type UpdateInput struct {
	RepoURL         *string `json:"repo_url"`
	Branch          *string `json:"branch"`
	DockerfilePath  *string `json:"dockerfile_path"`
	Port            *int    `json:"port"`
	HealthcheckPath *string `json:"healthcheck_path"`
	CPULimitPercent *int    `json:"cpu_limit_percent"`
	MemoryLimitMB   *int    `json:"memory_limit_mb"`
	Environment     *string `json:"environment"`
}

// Update applies the non-nil fields of in to the app.
func (s *Service) Update(ctx context.Context, appID string, in UpdateInput) (*domain.App, error) {
	app, err := s.repo.GetAppByID(ctx, appID)
	if err != nil {
		return nil, err
	}
	if in.RepoURL != nil {
		app.RepoURL = *in.RepoURL
	}
	if in.Branch != nil {
		app.Branch = *in.Branch
	}
	if in.DockerfilePath != nil {
		app.DockerfilePath = *in.DockerfilePath
	}
	if in.Port != nil {
		app.Port = *in.Port
	}
	if in.HealthcheckPath != nil {
		app.HealthcheckPath = *in.HealthcheckPath
	}
	if in.CPULimitPercent != nil {
		app.CPULimitPercent = *in.CPULimitPercent
	}
	if in.MemoryLimitMB != nil {
		app.MemoryLimitMB = *in.MemoryLimitMB
	}
	if in.Environment != nil {
		app.Environment = *in.Environment
	}
	if err := validateAppFields(app.Name, app.RepoURL, app.Port); err != nil {
		return nil, err
	}
	app.UpdatedAt = time.Now().UTC()
	if err := s.repo.UpdateApp(ctx, app); err != nil {
		return nil, err
	}
	return app, nil
}

// Delete removes the app and all its dependent rows. Callers are expected to
// cancel any active deployment first.
func (s *Service) Delete(ctx context.Context, appID string) error {
	if err := s.repo.DeleteApp(ctx, appID); err != nil {
		return err
	}
	s.logger.Info("app deleted", "app_id", appID)
	return nil
}

// Get fetches an app by ID.
func (s *Service) Get(ctx context.Context, appID string) (*domain.App, error) {
	return s.repo.GetAppByID(ctx, appID)
}

// List returns the team's apps.
func (s *Service) List(ctx context.Context, teamID string) ([]domain.App, error) {
	return s.repo.ListApps(ctx, teamID)
}

// SetEnvVar encrypts and stores one environment variable.
func (s *Service) SetEnvVar(ctx context.Context, appID, key, value string) error {
	key = strings.TrimSpace(key)
	if key == "" || strings.ContainsAny(key, "= \t\n") {
		return fmt.Errorf("%w: bad env var key", ErrInvalidInput)
	}
	sealed, err := crypto.EncryptString(s.encryptionKey, value)
	if err != nil {
		return fmt.Errorf("encrypt env var: %w", err)
	}
	return s.repo.UpsertEnvVar(ctx, &domain.AppEnvVar{
		AppID:     appID,
		Key:       key,
		Value:     sealed,
		CreatedAt: time.Now().UTC(),
	})
}

// DeleteEnvVar removes one environment variable.
func (s *Service) DeleteEnvVar(ctx context.Context, appID, key string) error {
	return s.repo.DeleteEnvVar(ctx, appID, key)
}

// ListEnvKeys returns the app's environment variable names, sorted. Values
// never leave the service in listings.
func (s *Service) ListEnvKeys(ctx context.Context, appID string) ([]string, error) {
	vars, err := s.repo.ListEnvVars(ctx, appID)
	if err != nil {
		return nil, err
	}
	keys := make([]string, 0, len(vars))
	for _, v := range vars {
		keys = append(keys, v.Key)
	}
	sort.Strings(keys)
	return keys, nil
}

// ResolveEnv decrypts the app's environment into KEY=VALUE pairs for the
// deployment pipeline.
func (s *Service) ResolveEnv(ctx context.Context, appID string) ([]string, error) {
	vars, err := s.repo.ListEnvVars(ctx, appID)
	if err != nil {
		return nil, err
	}
	env := make([]string, 0, len(vars))
	for _, v := range vars {
		plain, err := crypto.DecryptToString(s.encryptionKey, v.Value)
		if err != nil {
			return nil, fmt.Errorf("decrypt env var %s: %w", v.Key, err)
		}
		env = append(env, v.Key+"="+plain)
	}
	sort.Strings(env)
	return env, nil
}

// SetDomainBindings replaces the app's hostname bindings. An empty set is
// allowed; a non-empty set must name exactly one primary hostname.
func (s *Service) SetDomainBindings(ctx context.Context, appID string, bindings []domain.DomainBinding) error {
	seen := make(map[string]struct{}, len(bindings))
	primaries := 0
	now := time.Now().UTC()
	for i := range bindings {
		host := strings.ToLower(strings.TrimSpace(bindings[i].Hostname))
		if host == "" {
			return fmt.Errorf("%w: empty hostname", ErrInvalidInput)
		}
		if _, dup := seen[host]; dup {
			return fmt.Errorf("%w: duplicate hostname %s", ErrInvalidInput, host)
		}
		seen[host] = struct{}{}
		bindings[i].Hostname = host
		bindings[i].AppID = appID
		bindings[i].Position = i
		bindings[i].CreatedAt = now
		if bindings[i].IsPrimary {
			primaries++
		}
	}
	if len(bindings) > 0 && primaries != 1 {
		return ErrInvalidDomainBindings
	}
	return s.repo.ReplaceDomainBindings(ctx, appID, bindings)
}

// ListDomainBindings returns the app's hostname bindings in stored order.
func (s *Service) ListDomainBindings(ctx context.Context, appID string) ([]domain.DomainBinding, error) {
	return s.repo.ListDomainBindings(ctx, appID)
}

func validateAppFields(name, repoURL string, port int) error {
	if strings.TrimSpace(name) == "" {
		return fmt.Errorf("%w: name is required", ErrInvalidInput)
	}
	if port <= 0 || port > 65535 {
		return fmt.Errorf("%w: port must be between 1 and 65535", ErrInvalidInput)
	}
	u, err := url.Parse(repoURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("%w: repo_url must be an absolute URL", ErrInvalidInput)
	}
	return nil
}

func defaultString(v, fallback string) string {
	if strings.TrimSpace(v) == "" {
		return fallback
	}
	return v
}
