package stream

import (
	"context"
	"errors"
	"sync"
	"time"

	"log/slog"

	"github.com/rivetr/rivetr/internal/domain"
	"github.com/rivetr/rivetr/internal/executor"
	"github.com/rivetr/rivetr/internal/repository"
)

// ErrNoRunningContainer reports that the app has no running deployment with
// a live container to stream from.
var ErrNoRunningContainer = errors.New("stream: app has no running container")

// Event is one message on a runtime log stream.
type Event struct {
	Type        string `json:"type"` // connected, log, end or error
	ContainerID string `json:"container_id,omitempty"`
	Stream      string `json:"stream,omitempty"`
	Message     string `json:"message,omitempty"`
	Timestamp   string `json:"timestamp,omitempty"`
}

// Manager multiplexes runtime container log tails. One docker log follower
// runs per container regardless of how many viewers attach; each viewer gets
// its own buffered channel, and a slow viewer loses lines rather than
// stalling the rest.
type Manager struct {
	deployments repository.DeploymentRepository
	exec        executor.Executor
	buffer      int
	logger      *slog.Logger

	mu        sync.Mutex
	followers map[string]*follower
}

// NewManager constructs a Manager. buffer is the per-subscriber channel depth.
func NewManager(deployments repository.DeploymentRepository, exec executor.Executor, buffer int, logger *slog.Logger) *Manager {
	if buffer <= 0 {
		buffer = 256
	}
	return &Manager{
		deployments: deployments,
		exec:        exec,
		buffer:      buffer,
		logger:      logger,
		followers:   make(map[string]*follower),
	}
}

type follower struct {
	containerID string
	cancel      context.CancelFunc

	mu     sync.Mutex
	subs   map[chan Event]struct{}
	closed bool
}

// AttachLogTail subscribes to the app's running container output. The
// returned detach func must be called when the viewer leaves. The stream
// starts with a connected event and ends with an end event when the
// container exits.
func (m *Manager) AttachLogTail(ctx context.Context, appID string) (<-chan Event, func(), error) {
	containerID, err := m.runningContainer(ctx, appID)
	if err != nil {
		return nil, nil, err
	}

	m.mu.Lock()
	f, ok := m.followers[containerID]
	if !ok {
		fctx, cancel := context.WithCancel(context.Background())
		chunks, err := m.exec.FollowLogs(fctx, containerID)
		if err != nil {
			cancel()
			m.mu.Unlock()
			if errors.Is(err, executor.ErrContainerNotFound) {
				return nil, nil, ErrNoRunningContainer
			}
			return nil, nil, err
		}
		f = &follower{
			containerID: containerID,
			cancel:      cancel,
			subs:        make(map[chan Event]struct{}),
		}
		m.followers[containerID] = f
		go m.pump(f, chunks)
	}
	m.mu.Unlock()

	sub := make(chan Event, m.buffer)
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		// The container exited between lookup and subscribe; report it the
		// same as no running container rather than hand out a dead follower.
		return nil, nil, ErrNoRunningContainer
	}
	f.subs[sub] = struct{}{}
	sub <- Event{
		Type:        "connected",
		ContainerID: containerID,
		Timestamp:   time.Now().UTC().Format(time.RFC3339Nano),
	}
	f.mu.Unlock()

	detach := func() { m.detach(f, sub) }
	return sub, detach, nil
}

// AttachTerminal opens an interactive shell in the app's running container.
func (m *Manager) AttachTerminal(ctx context.Context, appID string, cmd []string) (executor.TerminalSession, string, error) {
	containerID, err := m.runningContainer(ctx, appID)
	if err != nil {
		return nil, "", err
	}
	session, err := m.exec.OpenTerminal(ctx, containerID, cmd)
	if err != nil {
		if errors.Is(err, executor.ErrContainerNotFound) {
			return nil, "", ErrNoRunningContainer
		}
		return nil, "", err
	}
	return session, containerID, nil
}

func (m *Manager) runningContainer(ctx context.Context, appID string) (string, error) {
	dep, err := m.deployments.GetRunningDeploymentByApp(ctx, appID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return "", ErrNoRunningContainer
		}
		return "", err
	}
	if dep.Status != domain.StatusRunning || dep.ContainerID == nil || *dep.ContainerID == "" {
		return "", ErrNoRunningContainer
	}
	return *dep.ContainerID, nil
}

// pump fans the follower's chunks out to subscribers. When the source closes
// (container exit or follower cancellation), every subscriber gets an end
// event and its channel is closed.
func (m *Manager) pump(f *follower, chunks <-chan executor.LogChunk) {
	for chunk := range chunks {
		ev := Event{
			Type:        "log",
			ContainerID: f.containerID,
			Stream:      chunk.Stream,
			Message:     chunk.Message,
			Timestamp:   chunk.Timestamp.Format(time.RFC3339Nano),
		}
		f.mu.Lock()
		for sub := range f.subs {
			select {
			case sub <- ev:
			default:
				// Slow viewer; drop the line for this subscriber only.
			}
		}
		f.mu.Unlock()
	}

	f.mu.Lock()
	f.closed = true
	end := Event{
		Type:        "end",
		ContainerID: f.containerID,
		Timestamp:   time.Now().UTC().Format(time.RFC3339Nano),
	}
	for sub := range f.subs {
		select {
		case sub <- end:
		default:
		}
		close(sub)
	}
	f.subs = nil
	f.mu.Unlock()

	f.cancel()
	m.mu.Lock()
	if m.followers[f.containerID] == f {
		delete(m.followers, f.containerID)
	}
	m.mu.Unlock()
	m.logger.Debug("log follower finished", "container_id", f.containerID)
}

func (m *Manager) detach(f *follower, sub chan Event) {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return
	}
	if _, ok := f.subs[sub]; ok {
		delete(f.subs, sub)
		close(sub)
	}
	empty := len(f.subs) == 0
	f.mu.Unlock()

	if empty {
		// Last viewer left; stop following. The pump will observe the closed
		// source and clean up the registry entry.
		f.cancel()
	}
}
