package httpx

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"log/slog"

	"github.com/rivetr/rivetr/internal/domain"
	"github.com/rivetr/rivetr/internal/executor"
	"github.com/rivetr/rivetr/internal/repository"
	appsvc "github.com/rivetr/rivetr/internal/service/app"
	"github.com/rivetr/rivetr/internal/service/auth"
	"github.com/rivetr/rivetr/internal/service/deploy"
	"github.com/rivetr/rivetr/internal/service/logs"
	"github.com/rivetr/rivetr/internal/stream"
	"github.com/rivetr/rivetr/internal/workspace"
	"github.com/rivetr/rivetr/internal/ws"
)

// memRepo is an in-memory stand-in for every repository interface.
type memRepo struct {
	mu        sync.Mutex
	operators map[string]*domain.Operator
	apps      map[string]*domain.App
	envVars   map[string]map[string][]byte
	bindings  map[string][]domain.DomainBinding
	deps      map[string]*domain.Deployment
	logNext   int64
	logLines  []domain.DeploymentLogLine
}

func newMemRepo() *memRepo {
	return &memRepo{
		operators: make(map[string]*domain.Operator),
		apps:      make(map[string]*domain.App),
		envVars:   make(map[string]map[string][]byte),
		bindings:  make(map[string][]domain.DomainBinding),
		deps:      make(map[string]*domain.Deployment),
	}
}

func (m *memRepo) CreateOperator(_ context.Context, operator *domain.Operator) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *operator
	m.operators[operator.ID] = &cp
	return nil
}

func (m *memRepo) GetOperatorByEmail(_ context.Context, email string) (*domain.Operator, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, op := range m.operators {
		if op.Email == email {
			cp := *op
			return &cp, nil
		}
	}
	return nil, repository.ErrNotFound
}

func (m *memRepo) GetOperatorByID(_ context.Context, id string) (*domain.Operator, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	op, ok := m.operators[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	cp := *op
	return &cp, nil
}

func (m *memRepo) CreateApp(_ context.Context, app *domain.App) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *app
	m.apps[app.ID] = &cp
	return nil
}

func (m *memRepo) UpdateApp(_ context.Context, app *domain.App) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.apps[app.ID]; !ok {
		return repository.ErrNotFound
	}
	cp := *app
	m.apps[app.ID] = &cp
	return nil
}

func (m *memRepo) DeleteApp(_ context.Context, appID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.apps[appID]; !ok {
		return repository.ErrNotFound
	}
	delete(m.apps, appID)
	return nil
}

func (m *memRepo) GetAppByID(_ context.Context, appID string) (*domain.App, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	app, ok := m.apps[appID]
	if !ok {
		return nil, repository.ErrNotFound
	}
	cp := *app
	return &cp, nil
}

func (m *memRepo) GetAppByName(_ context.Context, name string) (*domain.App, error) {
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

func (m *memRepo) ListApps(_ context.Context, teamID string) ([]domain.App, error) {
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

func (m *memRepo) UpsertEnvVar(_ context.Context, envVar *domain.AppEnvVar) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.envVars[envVar.AppID] == nil {
		m.envVars[envVar.AppID] = make(map[string][]byte)
	}
	m.envVars[envVar.AppID][envVar.Key] = envVar.Value
	return nil
}

func (m *memRepo) DeleteEnvVar(_ context.Context, appID, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.envVars[appID], key)
	return nil
}

func (m *memRepo) ListEnvVars(_ context.Context, appID string) ([]domain.AppEnvVar, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]domain.AppEnvVar, 0)
	for key, value := range m.envVars[appID] {
		out = append(out, domain.AppEnvVar{AppID: appID, Key: key, Value: value})
	}
	return out, nil
}

func (m *memRepo) ReplaceDomainBindings(_ context.Context, appID string, bindings []domain.DomainBinding) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.bindings[appID] = bindings
	return nil
}

func (m *memRepo) ListDomainBindings(_ context.Context, appID string) ([]domain.DomainBinding, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.bindings[appID], nil
}

func (m *memRepo) CreateDeployment(_ context.Context, dep *domain.Deployment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *dep
	m.deps[dep.ID] = &cp
	return nil
}

func (m *memRepo) TransitionDeployment(_ context.Context, deploymentID string, from, to domain.DeploymentStatus, fields domain.TransitionFields) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	dep, ok := m.deps[deploymentID]
	if !ok {
		return repository.ErrNotFound
	}
	if dep.Status != from {
		return repository.ErrConflict
	}
	dep.Status = to
	if fields.ContainerID != nil {
		id := *fields.ContainerID
		dep.ContainerID = &id
	}
	if fields.ErrorMessage != "" {
		dep.ErrorMessage = fields.ErrorMessage
	}
	if fields.FinishedAt != nil {
		at := *fields.FinishedAt
		dep.FinishedAt = &at
	}
	dep.HadRun = dep.HadRun || fields.HadRun
	return nil
}

func (m *memRepo) GetDeploymentByID(_ context.Context, deploymentID string) (*domain.Deployment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	dep, ok := m.deps[deploymentID]
	if !ok {
		return nil, repository.ErrNotFound
	}
	cp := *dep
	return &cp, nil
}

func (m *memRepo) ListDeploymentsByApp(_ context.Context, appID string, limit int) ([]domain.Deployment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]domain.Deployment, 0)
	for _, dep := range m.deps {
		if dep.AppID == appID {
			out = append(out, *dep)
		}
	}
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *memRepo) GetRunningDeploymentByApp(_ context.Context, appID string) (*domain.Deployment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, dep := range m.deps {
		if dep.AppID == appID && dep.Status == domain.StatusRunning {
			cp := *dep
			return &cp, nil
		}
	}
	return nil, repository.ErrNotFound
}

func (m *memRepo) AppendDeploymentLog(_ context.Context, line *domain.DeploymentLogLine) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.logNext++
	line.ID = m.logNext
	m.logLines = append(m.logLines, *line)
	return nil
}

func (m *memRepo) ListDeploymentLogs(_ context.Context, deploymentID string, limit, offset int) ([]domain.DeploymentLogLine, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]domain.DeploymentLogLine, 0)
	for _, line := range m.logLines {
		if line.DeploymentID == deploymentID {
			out = append(out, line)
		}
	}
	return out, nil
}

func (m *memRepo) deploymentStatus(deploymentID string) domain.DeploymentStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	dep, ok := m.deps[deploymentID]
	if !ok {
		return ""
	}
	return dep.Status
}

// instantExecutor succeeds at every stage without touching a daemon.
type instantExecutor struct{}

func (instantExecutor) FetchSource(context.Context, string, string, string) error { return nil }

func (instantExecutor) BuildImage(_ context.Context, _, _, _ string, onOutput func(string)) error {
	if onOutput != nil {
		onOutput("Successfully built 0123456789ab")
	}
	return nil
}

func (instantExecutor) StartContainer(context.Context, executor.StartSpec) (executor.ContainerInfo, error) {
	return executor.ContainerInfo{ID: "container-router-test", HostIP: "127.0.0.1", HostPort: 49200}, nil
}

func (instantExecutor) ProbeHealth(context.Context, executor.ContainerInfo, string, time.Duration) error {
	return nil
}

func (instantExecutor) StopAndRemoveContainer(context.Context, string) error { return nil }

func (instantExecutor) WaitForExit(ctx context.Context, _ string) (int64, error) {
	<-ctx.Done()
	return 0, ctx.Err()
}

func (instantExecutor) FollowLogs(context.Context, string) (<-chan executor.LogChunk, error) {
	return nil, errors.New("unused")
}

func (instantExecutor) OpenTerminal(context.Context, string, []string) (executor.TerminalSession, error) {
	return nil, errors.New("unused")
}

type routerFixture struct {
	repo   *memRepo
	router *Router
	token  string
}

func newRouterFixture(t *testing.T) *routerFixture {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	repo := newMemRepo()

	authSvc := auth.New(repo, "test-secret", 15*time.Minute, 24*time.Hour, logger)
	if err := authSvc.EnsureOperator(context.Background(), "ops@example.com", "hunter22"); err != nil {
		t.Fatalf("bootstrap operator: %v", err)
	}
	appSvc := appsvc.New(repo, "test-encryption-key", logger)
	logSvc := logs.New(repo, ws.NewHub(), logger)

	workspaces, err := workspace.New(t.TempDir())
	if err != nil {
		t.Fatalf("workspace: %v", err)
	}
	store := deploy.NewStore(repo)
	pipeline := deploy.NewPipeline(store, logSvc, instantExecutor{}, workspaces, appSvc, deploy.Config{
		GitTimeout:          time.Second,
		BuildTimeout:        time.Second,
		StartTimeout:        time.Second,
		HealthcheckDeadline: time.Second,
	}, logger)
	scheduler := deploy.NewScheduler(context.Background(), store, pipeline, "", logger)
	streams := stream.NewManager(repo, instantExecutor{}, 16, logger)

	router := NewRouter(logger, authSvc, appSvc, scheduler, store, logSvc, streams, nil, nil)
	t.Cleanup(router.Close)

	f := &routerFixture{repo: repo, router: router}
	f.token = f.login(t, "ops@example.com", "hunter22")
	return f
}

func (f *routerFixture) login(t *testing.T, email, password string) string {
	t.Helper()
	body := fmt.Sprintf(`{"email":%q,"password":%q}`, email, password)
	rec := f.do(t, http.MethodPost, "/auth/login", body, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("login returned %d: %s", rec.Code, rec.Body.String())
	}
	var payload struct {
		Tokens struct {
			Access string `json:"access"`
		} `json:"tokens"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &payload); err != nil {
		t.Fatalf("decode login response: %v", err)
	}
	return payload.Tokens.Access
}

func (f *routerFixture) do(t *testing.T, method, path, body, token string) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	return rec
}

func (f *routerFixture) createApp(t *testing.T) string {
	t.Helper()
	rec := f.do(t, http.MethodPost, "/apps",
		`{"name":"web","repo_url":"https://example.com/repo.git","port":3000}`, f.token)
	if rec.Code != http.StatusCreated {
		t.Fatalf("create app returned %d: %s", rec.Code, rec.Body.String())
	}
	var payload struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &payload); err != nil {
		t.Fatalf("decode app: %v", err)
	}
	return payload.ID
}

func (f *routerFixture) deploy(t *testing.T, appID string) string {
	t.Helper()
	rec := f.do(t, http.MethodPost, "/apps/"+appID+"/deploy", "", f.token)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("deploy returned %d: %s", rec.Code, rec.Body.String())
	}
	var payload struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &payload); err != nil {
		t.Fatalf("decode deployment: %v", err)
	}
	return payload.ID
}

func (f *routerFixture) waitStatus(t *testing.T, deploymentID string, want domain.DeploymentStatus) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if f.repo.deploymentStatus(deploymentID) == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("deployment %s never reached %s (is %s)", deploymentID, want, f.repo.deploymentStatus(deploymentID))
}

func TestLoginRejectsBadPassword(t *testing.T) {
	f := newRouterFixture(t)
	rec := f.do(t, http.MethodPost, "/auth/login", `{"email":"ops@example.com","password":"wrong"}`, "")
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}

func TestAppRoutesRequireAuth(t *testing.T) {
	f := newRouterFixture(t)
	rec := f.do(t, http.MethodGet, "/apps", "", "")
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", rec.Code)
	}
	rec = f.do(t, http.MethodGet, "/apps", "", f.token)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 with token, got %d", rec.Code)
	}
}

func TestDeployLifecycleOverHTTP(t *testing.T) {
	f := newRouterFixture(t)
	appID := f.createApp(t)

	first := f.deploy(t, appID)
	f.waitStatus(t, first, domain.StatusRunning)

	// A second deploy supersedes the first.
	second := f.deploy(t, appID)
	f.waitStatus(t, second, domain.StatusRunning)
	f.waitStatus(t, first, domain.StatusStopped)

	// Rolling back to the running deployment is a conflict.
	rec := f.do(t, http.MethodPost, "/deployments/"+second+"/rollback", "", f.token)
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409 rolling back to running deployment, got %d: %s", rec.Code, rec.Body.String())
	}

	// Rolling back to the superseded one works.
	rec = f.do(t, http.MethodPost, "/deployments/"+first+"/rollback", "", f.token)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202 for rollback, got %d: %s", rec.Code, rec.Body.String())
	}
	var payload struct {
		ID             string  `json:"id"`
		RolledBackFrom *string `json:"rolled_back_from"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &payload); err != nil {
		t.Fatalf("decode rollback: %v", err)
	}
	if payload.RolledBackFrom == nil || *payload.RolledBackFrom != first {
		t.Fatalf("expected rolled_back_from=%s, got %v", first, payload.RolledBackFrom)
	}
	f.waitStatus(t, payload.ID, domain.StatusRunning)

	// The pipeline narrative is queryable.
	rec = f.do(t, http.MethodGet, "/deployments/"+first+"/logs", "", f.token)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 for logs, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "cloning") {
		t.Fatalf("expected pipeline narrative in logs, got %s", rec.Body.String())
	}
}

func TestPatchAppDecodesSnakeCaseFields(t *testing.T) {
	f := newRouterFixture(t)
	appID := f.createApp(t)

	rec := f.do(t, http.MethodPatch, "/apps/"+appID, `{"branch":"develop","port":8080}`, f.token)
	if rec.Code != http.StatusOK {
		t.Fatalf("patch returned %d: %s", rec.Code, rec.Body.String())
	}
	var payload struct {
		Branch string `json:"branch"`
		Port   int    `json:"port"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &payload); err != nil {
		t.Fatalf("decode app: %v", err)
	}
	if payload.Branch != "develop" || payload.Port != 8080 {
		t.Fatalf("expected updated branch/port, got %+v", payload)
	}
}

func TestRollbackUnknownDeploymentIs404(t *testing.T) {
	f := newRouterFixture(t)
	rec := f.do(t, http.MethodPost, "/deployments/nope/rollback", "", f.token)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestHealthzIsPublic(t *testing.T) {
	f := newRouterFixture(t)
	rec := f.do(t, http.MethodGet, "/healthz", "", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if !strings.Contains(rec.Body.String(), `"status":"ok"`) {
		t.Fatalf("unexpected health payload %s", rec.Body.String())
	}
}

func TestRouteLabelCollapsesIDs(t *testing.T) {
	cases := map[string]string{
		"/apps":                       "/apps",
		"/apps/abc-123":               "/apps/:id",
		"/apps/abc-123/deploy":        "/apps/:id/deploy",
		"/apps/abc-123/env/SECRET":    "/apps/:id/env/:key",
		"/deployments/def/rollback":   "/deployments/:id/rollback",
		"/deployments/def/logs":       "/deployments/:id/logs",
		"/healthz":                    "/healthz",
		"/deployments/d/logs/stream":  "/deployments/:id/logs/stream",
	}
	for in, want := range cases {
		if got := routeLabel(in); got != want {
			t.Errorf("routeLabel(%q) = %q, want %q", in, got, want)
		}
	}
}
