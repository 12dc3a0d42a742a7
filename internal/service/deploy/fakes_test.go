package deploy

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"log/slog"

	"github.com/rivetr/rivetr/internal/domain"
	"github.com/rivetr/rivetr/internal/executor"
	"github.com/rivetr/rivetr/internal/repository"
)

// recorder keeps one global ordered trace of log appends and status commits
// so tests can assert that narrative lines land before their transitions.
type recorder struct {
	mu     sync.Mutex
	events []string
}

func (r *recorder) add(event string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
}

func (r *recorder) snapshot() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.events))
	copy(out, r.events)
	return out
}

func (r *recorder) indexOf(event string) int {
	for i, e := range r.snapshot() {
		if e == event {
			return i
		}
	}
	return -1
}

type memDeploymentRepo struct {
	mu   sync.Mutex
	deps map[string]*domain.Deployment
	rec  *recorder
}

func newMemDeploymentRepo(rec *recorder) *memDeploymentRepo {
	return &memDeploymentRepo{deps: make(map[string]*domain.Deployment), rec: rec}
}

func (m *memDeploymentRepo) CreateDeployment(_ context.Context, dep *domain.Deployment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *dep
	m.deps[dep.ID] = &cp
	return nil
}

func (m *memDeploymentRepo) TransitionDeployment(_ context.Context, deploymentID string, from, to domain.DeploymentStatus, fields domain.TransitionFields) error {
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
	dep.UpdatedAt = time.Now().UTC()
	if m.rec != nil {
		m.rec.add("status:" + string(to))
	}
	return nil
}

func (m *memDeploymentRepo) GetDeploymentByID(_ context.Context, deploymentID string) (*domain.Deployment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	dep, ok := m.deps[deploymentID]
	if !ok {
		return nil, repository.ErrNotFound
	}
	cp := *dep
	return &cp, nil
}

func (m *memDeploymentRepo) ListDeploymentsByApp(_ context.Context, appID string, limit int) ([]domain.Deployment, error) {
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

func (m *memDeploymentRepo) GetRunningDeploymentByApp(_ context.Context, appID string) (*domain.Deployment, error) {
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

func (m *memDeploymentRepo) statusOf(deploymentID string) domain.DeploymentStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	dep, ok := m.deps[deploymentID]
	if !ok {
		return ""
	}
	return dep.Status
}

func (m *memDeploymentRepo) countByStatus(appID string, status domain.DeploymentStatus) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, dep := range m.deps {
		if dep.AppID == appID && dep.Status == status {
			n++
		}
	}
	return n
}

type memLogRepo struct {
	mu    sync.Mutex
	next  int64
	lines []domain.DeploymentLogLine
	rec   *recorder
}

func (m *memLogRepo) AppendDeploymentLog(_ context.Context, line *domain.DeploymentLogLine) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.next++
	line.ID = m.next
	m.lines = append(m.lines, *line)
	if m.rec != nil {
		m.rec.add("log:" + line.Message)
	}
	return nil
}

func (m *memLogRepo) ListDeploymentLogs(_ context.Context, deploymentID string, limit, offset int) ([]domain.DeploymentLogLine, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]domain.DeploymentLogLine, 0)
	for _, line := range m.lines {
		if line.DeploymentID == deploymentID {
			out = append(out, line)
		}
	}
	return out, nil
}

func (m *memLogRepo) messages(deploymentID string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0)
	for _, line := range m.lines {
		if line.DeploymentID == deploymentID {
			out = append(out, line.Message)
		}
	}
	return out
}

// stubExecutor scripts container runtime behavior per test.
type stubExecutor struct {
	mu sync.Mutex

	fetchErr       error
	fetchFn        func(ctx context.Context) error
	buildErr       error
	buildFn        func(ctx context.Context) error
	startErr       error
	startPartialID string
	startInfo      executor.ContainerInfo
	probeErr       error

	fetchCalls int
	buildCalls int
	started    []executor.StartSpec
	removed    []string

	exitCh chan int64
}

func newStubExecutor() *stubExecutor {
	return &stubExecutor{
		startInfo: executor.ContainerInfo{ID: "container-1", HostIP: "127.0.0.1", HostPort: 49100},
		exitCh:    make(chan int64, 1),
	}
}

func (s *stubExecutor) FetchSource(ctx context.Context, _, _, _ string) error {
	s.mu.Lock()
	s.fetchCalls++
	fn, err := s.fetchFn, s.fetchErr
	s.mu.Unlock()
	if fn != nil {
		return fn(ctx)
	}
	return err
}

func (s *stubExecutor) BuildImage(ctx context.Context, _, _, _ string, onOutput func(string)) error {
	s.mu.Lock()
	s.buildCalls++
	fn, err := s.buildFn, s.buildErr
	s.mu.Unlock()
	if onOutput != nil {
		onOutput("Step 1/2 : FROM alpine")
	}
	if fn != nil {
		return fn(ctx)
	}
	return err
}

func (s *stubExecutor) StartContainer(_ context.Context, spec executor.StartSpec) (executor.ContainerInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.startErr != nil {
		// startPartialID mimics a created-but-unstarted container.
		return executor.ContainerInfo{ID: s.startPartialID}, s.startErr
	}
	s.started = append(s.started, spec)
	return s.startInfo, nil
}

func (s *stubExecutor) ProbeHealth(_ context.Context, _ executor.ContainerInfo, _ string, _ time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.probeErr
}

func (s *stubExecutor) StopAndRemoveContainer(_ context.Context, containerID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.removed = append(s.removed, containerID)
	return nil
}

func (s *stubExecutor) WaitForExit(ctx context.Context, _ string) (int64, error) {
	select {
	case code := <-s.exitCh:
		return code, nil
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

func (s *stubExecutor) FollowLogs(context.Context, string) (<-chan executor.LogChunk, error) {
	return nil, errors.New("not implemented")
}

func (s *stubExecutor) OpenTerminal(context.Context, string, []string) (executor.TerminalSession, error) {
	return nil, errors.New("not implemented")
}

func (s *stubExecutor) startedSpec(i int) executor.StartSpec {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.started[i]
}

func (s *stubExecutor) startedCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.started)
}

func (s *stubExecutor) removedCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.removed)
}

type staticEnv struct {
	env []string
	err error
}

func (s staticEnv) ResolveEnv(context.Context, string) ([]string, error) {
	return s.env, s.err
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(timeout time.Duration, cond func() bool) error {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return nil
		}
		time.Sleep(5 * time.Millisecond)
	}
	return fmt.Errorf("condition not met within %s", timeout)
}
