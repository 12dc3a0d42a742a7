package executor

import (
	"context"
	"io"
	"time"
)

// StartSpec describes the container to create for a deployment. Env holds
// decrypted KEY=VALUE pairs; callers must never write it to logs.
type StartSpec struct {
	Name            string
	Image           string
	Port            int
	Env             []string
	CPULimitPercent int
	MemoryLimitMB   int
}

// ContainerInfo captures minimal runtime details about a started container.
type ContainerInfo struct {
	ID       string
	HostIP   string
	HostPort int
}

// LogChunk is one line of runtime container output.
type LogChunk struct {
	Stream    string
	Message   string
	Timestamp time.Time
}

// TerminalSession is an interactive exec session inside a container.
type TerminalSession interface {
	io.ReadWriteCloser
	Resize(ctx context.Context, cols, rows uint) error
}

// Executor performs source, image and container operations against the
// container runtime. It is the only component allowed to issue container
// lifecycle calls; everything above it works through this interface.
type Executor interface {
	// FetchSource clones the branch of the repository into dest.
	FetchSource(ctx context.Context, repoURL, branch, dest string) error
	// BuildImage builds an image from dir using the given dockerfile path,
	// invoking onOutput for each build output line.
	BuildImage(ctx context.Context, dir, dockerfile, tag string, onOutput func(string)) error
	// StartContainer creates and starts a container. When creation succeeded
	// but starting failed, the returned info still carries the container ID
	// so the caller can clean it up.
	StartContainer(ctx context.Context, spec StartSpec) (ContainerInfo, error)
	// ProbeHealth polls the container's mapped port at path with exponential
	// backoff until it answers with a 2xx/3xx or the deadline expires.
	ProbeHealth(ctx context.Context, info ContainerInfo, path string, deadline time.Duration) error
	// StopAndRemoveContainer stops (if needed) and removes a container.
	// Removing an already absent container is not an error.
	StopAndRemoveContainer(ctx context.Context, containerID string) error
	// WaitForExit blocks until the container stops and returns its exit code.
	WaitForExit(ctx context.Context, containerID string) (int64, error)
	// FollowLogs streams the container's stdout/stderr until the container
	// exits or ctx is cancelled; the channel is closed afterwards.
	FollowLogs(ctx context.Context, containerID string) (<-chan LogChunk, error)
	// OpenTerminal opens an interactive shell session inside the container.
	OpenTerminal(ctx context.Context, containerID string, cmd []string) (TerminalSession, error)
}
