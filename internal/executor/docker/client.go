package docker

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/docker/docker/client"
)

// Executor implements executor.Executor against a Docker daemon.
type Executor struct {
	inner       *client.Client
	stopTimeout time.Duration
	logger      *slog.Logger
}

// New creates an Executor using environment defaults, optionally overriding
// the daemon host. stopTimeout bounds how long a container gets to exit
// gracefully before it is killed.
func New(host string, stopTimeout time.Duration, logger *slog.Logger) (*Executor, error) {
	opts := []client.Opt{client.FromEnv, client.WithAPIVersionNegotiation()}
	if host != "" {
		opts = append(opts, client.WithHost(host))
	}
	inner, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("create docker client: %w", err)
	}
	if stopTimeout <= 0 {
		stopTimeout = 10 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{inner: inner, stopTimeout: stopTimeout, logger: logger}, nil
}

// Ping validates connectivity to the Docker daemon.
func (e *Executor) Ping(ctx context.Context) error {
	if e == nil || e.inner == nil {
		return fmt.Errorf("docker client not initialized")
	}
	ping, err := e.inner.Ping(ctx)
	if err != nil {
		return fmt.Errorf("docker ping: %w", err)
	}
	if ping.APIVersion == "" {
		return fmt.Errorf("docker ping returned empty API version")
	}
	return nil
}

// Close releases resources held by the Docker client.
func (e *Executor) Close() error {
	if e.inner == nil {
		return nil
	}
	return e.inner.Close()
}
