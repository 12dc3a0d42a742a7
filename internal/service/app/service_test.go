package app

import (
	"bytes"
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"log/slog"

	"github.com/rivetr/rivetr/internal/domain"
	"github.com/rivetr/rivetr/internal/repository"
)

type memAppRepo struct {
	mu       sync.Mutex
	apps     map[string]*domain.App
	envVars  map[string]map[string][]byte
	bindings map[string][]domain.DomainBinding
}

func newMemAppRepo() *memAppRepo {
	return &memAppRepo{
		apps:     make(map[string]*domain.App),
		envVars:  make(map[string]map[string][]byte),
		bindings: make(map[string][]domain.DomainBinding),
	}
}

func (m *memAppRepo) CreateApp(_ context.Context, app *domain.App) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *app
	m.apps[app.ID] = &cp
	return nil
}

func (m *memAppRepo) UpdateApp(_ context.Context, app *domain.App) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.apps[app.ID]; !ok {
		return repository.ErrNotFound
	}
	cp := *app
	m.apps[app.ID] = &cp
	return nil
}

func (m *memAppRepo) DeleteApp(_ context.Context, appID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.apps[appID]; !ok {
		return repository.ErrNotFound
	}
	delete(m.apps, appID)
	return nil
}

func (m *memAppRepo) GetAppByID(_ context.Context, appID string) (*domain.App, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	app, ok := m.apps[appID]
	if !ok {
		return nil, repository.ErrNotFound
	}
	cp := *app
	return &cp, nil
}

func (m *memAppRepo) GetAppByName(_ context.Context, name string) (*domain.App, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, app := range m.apps {
		if app.Name == name {
			cp := *app
			return &cp, nil
		}
	}
	return nil, repository.ErrNotFound
}

func (m *memAppRepo) ListApps(_ context.Context, teamID string) ([]domain.App, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]domain.App, 0)
	for _, app := range m.apps {
		if teamID == "" || app.TeamID == teamID {
			out = append(out, *app)
		}
	}
	return out, nil
}

func (m *memAppRepo) UpsertEnvVar(_ context.Context, envVar *domain.AppEnvVar) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.envVars[envVar.AppID] == nil {
		m.envVars[envVar.AppID] = make(map[string][]byte)
	}
	m.envVars[envVar.AppID][envVar.Key] = envVar.Value
	return nil
}

func (m *memAppRepo) DeleteEnvVar(_ context.Context, appID, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.envVars[appID], key)
	return nil
}

func (m *memAppRepo) ListEnvVars(_ context.Context, appID string) ([]domain.AppEnvVar, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]domain.AppEnvVar, 0)
	for key, value := range m.envVars[appID] {
		out = append(out, domain.AppEnvVar{AppID: appID, Key: key, Value: value})
	}
	return out, nil
}

func (m *memAppRepo) ReplaceDomainBindings(_ context.Context, appID string, bindings []domain.DomainBinding) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.bindings[appID] = bindings
	return nil
}

func (m *memAppRepo) ListDomainBindings(_ context.Context, appID string) ([]domain.DomainBinding, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.bindings[appID], nil
}

func newTestService(repo *memAppRepo) *Service {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return New(repo, "test-encryption-key", logger)
}

func validCreateInput() CreateInput {
	return CreateInput{
		Name:    "web",
		RepoURL: "https://example.com/repo.git",
		Port:    3000,
	}
}

func TestCreateAppliesDefaults(t *testing.T) {
	svc := newTestService(newMemAppRepo())
	created, err := svc.Create(context.Background(), validCreateInput())
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if created.Branch != "main" {
		t.Fatalf("expected default branch main, got %s", created.Branch)
	}
	if created.DockerfilePath != "Dockerfile" {
		t.Fatalf("expected default dockerfile path, got %s", created.DockerfilePath)
	}
	if created.Environment != "production" {
		t.Fatalf("expected default environment, got %s", created.Environment)
	}
}

func TestCreateSetsTimestamps(t *testing.T) {
	svc := newTestService(newMemAppRepo())
	before := time.Now().UTC()
	created, err := svc.Create(context.Background(), validCreateInput())
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if created.CreatedAt.Before(before) || created.UpdatedAt.Before(before) {
		t.Fatalf("expected timestamps to be set, got created_at=%v updated_at=%v", created.CreatedAt, created.UpdatedAt)
	}

	branch := "develop"
	updated, err := svc.Update(context.Background(), created.ID, UpdateInput{Branch: &branch})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if updated.UpdatedAt.Before(created.UpdatedAt) {
		t.Fatalf("expected updated_at to advance, got %v before %v", updated.UpdatedAt, created.UpdatedAt)
	}
	if !updated.CreatedAt.Equal(created.CreatedAt) {
		t.Fatalf("expected created_at to be stable, got %v then %v", created.CreatedAt, updated.CreatedAt)
	}
}

func TestCreateRejectsBadInput(t *testing.T) {
	svc := newTestService(newMemAppRepo())
	cases := []struct {
		name  string
		mutil func(*CreateInput)
	}{
		{"empty name", func(in *CreateInput) { in.Name = " " }},
		{"zero port", func(in *CreateInput) { in.Port = 0 }},
		{"huge port", func(in *CreateInput) { in.Port = 70000 }},
		{"relative repo url", func(in *CreateInput) { in.RepoURL = "example.com/repo" }},
	}
	for _, c := range cases {
		in := validCreateInput()
		c.mutil(&in)
		if _, err := svc.Create(context.Background(), in); !errors.Is(err, ErrInvalidInput) {
			t.Errorf("%s: expected ErrInvalidInput, got %v", c.name, err)
		}
	}
}

func TestCreateRejectsDuplicateName(t *testing.T) {
	svc := newTestService(newMemAppRepo())
	if _, err := svc.Create(context.Background(), validCreateInput()); err != nil {
		t.Fatalf("first create: %v", err)
	}
	if _, err := svc.Create(context.Background(), validCreateInput()); !errors.Is(err, ErrNameTaken) {
		t.Fatalf("expected ErrNameTaken, got %v", err)
	}
}

func TestEnvVarsRoundTripThroughEncryption(t *testing.T) {
	repo := newMemAppRepo()
	svc := newTestService(repo)
	created, err := svc.Create(context.Background(), validCreateInput())
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	if err := svc.SetEnvVar(context.Background(), created.ID, "DATABASE_URL", "postgres://secret"); err != nil {
		t.Fatalf("set env var: %v", err)
	}
	if bytes.Contains(repo.envVars[created.ID]["DATABASE_URL"], []byte("postgres://secret")) {
		t.Fatal("expected the stored value to be encrypted")
	}

	env, err := svc.ResolveEnv(context.Background(), created.ID)
	if err != nil {
		t.Fatalf("resolve env: %v", err)
	}
	if len(env) != 1 || env[0] != "DATABASE_URL=postgres://secret" {
		t.Fatalf("unexpected resolved env %v", env)
	}

	keys, err := svc.ListEnvKeys(context.Background(), created.ID)
	if err != nil {
		t.Fatalf("list keys: %v", err)
	}
	if len(keys) != 1 || keys[0] != "DATABASE_URL" {
		t.Fatalf("unexpected keys %v", keys)
	}
}

func TestSetEnvVarRejectsBadKeys(t *testing.T) {
	svc := newTestService(newMemAppRepo())
	for _, key := range []string{"", "HAS SPACE", "HAS=EQUALS"} {
		if err := svc.SetEnvVar(context.Background(), "app-1", key, "v"); !errors.Is(err, ErrInvalidInput) {
			t.Errorf("key %q: expected ErrInvalidInput, got %v", key, err)
		}
	}
}

func TestSetDomainBindingsRequiresExactlyOnePrimary(t *testing.T) {
	svc := newTestService(newMemAppRepo())

	none := []domain.DomainBinding{{Hostname: "a.example.com"}, {Hostname: "b.example.com"}}
	if err := svc.SetDomainBindings(context.Background(), "app-1", none); !errors.Is(err, ErrInvalidDomainBindings) {
		t.Fatalf("no primary: expected ErrInvalidDomainBindings, got %v", err)
	}

	two := []domain.DomainBinding{
		{Hostname: "a.example.com", IsPrimary: true},
		{Hostname: "b.example.com", IsPrimary: true},
	}
	if err := svc.SetDomainBindings(context.Background(), "app-1", two); !errors.Is(err, ErrInvalidDomainBindings) {
		t.Fatalf("two primaries: expected ErrInvalidDomainBindings, got %v", err)
	}

	if err := svc.SetDomainBindings(context.Background(), "app-1", nil); err != nil {
		t.Fatalf("empty set should be allowed, got %v", err)
	}

	one := []domain.DomainBinding{
		{Hostname: "App.Example.COM", IsPrimary: true},
		{Hostname: "b.example.com"},
	}
	if err := svc.SetDomainBindings(context.Background(), "app-1", one); err != nil {
		t.Fatalf("valid set rejected: %v", err)
	}
	stored, _ := svc.ListDomainBindings(context.Background(), "app-1")
	if stored[0].Hostname != "app.example.com" {
		t.Fatalf("expected normalized hostname, got %s", stored[0].Hostname)
	}
	if stored[0].Position != 0 || stored[1].Position != 1 {
		t.Fatalf("expected positions to follow input order, got %d/%d", stored[0].Position, stored[1].Position)
	}
}

func TestSetDomainBindingsRejectsDuplicates(t *testing.T) {
	svc := newTestService(newMemAppRepo())
	dup := []domain.DomainBinding{
		{Hostname: "a.example.com", IsPrimary: true},
		{Hostname: "A.EXAMPLE.com"},
	}
	if err := svc.SetDomainBindings(context.Background(), "app-1", dup); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
}

func TestUpdateAppliesOnlyProvidedFields(t *testing.T) {
	svc := newTestService(newMemAppRepo())
	created, err := svc.Create(context.Background(), validCreateInput())
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	branch := "develop"
	port := 8080
	updated, err := svc.Update(context.Background(), created.ID, UpdateInput{Branch: &branch, Port: &port})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if updated.Branch != "develop" || updated.Port != 8080 {
		t.Fatalf("expected updated fields, got branch=%s port=%d", updated.Branch, updated.Port)
	}
	if updated.RepoURL != created.RepoURL {
		t.Fatalf("expected untouched repo url, got %s", updated.RepoURL)
	}
}
