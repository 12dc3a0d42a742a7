package docker

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
	"github.com/docker/go-connections/nat"

	"github.com/rivetr/rivetr/internal/executor"
)

const hostPortWaitAttempts = 10

// StartContainer creates and starts a container from a StartSpec. The container
// port is published on a dynamically allocated loopback host port.
func (e *Executor) StartContainer(ctx context.Context, spec executor.StartSpec) (executor.ContainerInfo, error) {
	if strings.TrimSpace(spec.Name) == "" {
		return executor.ContainerInfo{}, &executor.ContainerStartError{Err: fmt.Errorf("container name cannot be empty")}
	}
	if strings.TrimSpace(spec.Image) == "" {
		return executor.ContainerInfo{}, &executor.ContainerStartError{Err: fmt.Errorf("image name cannot be empty")}
	}
	port := spec.Port
	if port <= 0 {
		port = 3000
	}
	appPort, err := nat.NewPort("tcp", strconv.Itoa(port))
	if err != nil {
		return executor.ContainerInfo{}, &executor.ContainerStartError{Err: err}
	}

	cfg := &container.Config{
		Image:        spec.Image,
		Env:          spec.Env,
		ExposedPorts: nat.PortSet{appPort: struct{}{}},
	}
	hostCfg := &container.HostConfig{
		PortBindings: nat.PortMap{
			appPort: []nat.PortBinding{{HostIP: "127.0.0.1", HostPort: ""}},
		},
	}
	if spec.CPULimitPercent > 0 {
		hostCfg.Resources.NanoCPUs = int64(spec.CPULimitPercent) * 1e9 / 100
	}
	if spec.MemoryLimitMB > 0 {
		hostCfg.Resources.Memory = int64(spec.MemoryLimitMB) * 1024 * 1024
	}

	created, err := e.inner.ContainerCreate(ctx, cfg, hostCfg, nil, nil, spec.Name)
	if err != nil {
		return executor.ContainerInfo{}, &executor.ContainerStartError{Err: fmt.Errorf("container create: %w", err)}
	}
	info := executor.ContainerInfo{ID: created.ID}

	if err := e.inner.ContainerStart(ctx, created.ID, container.StartOptions{}); err != nil {
		// Hand the id back so the caller can remove the partial container.
		return info, &executor.ContainerStartError{Err: fmt.Errorf("container start: %w", err)}
	}

	var inspect types.ContainerJSON
	for attempt := 0; attempt < hostPortWaitAttempts; attempt++ {
		inspect, err = e.inner.ContainerInspect(ctx, created.ID)
		if err != nil {
			return info, &executor.ContainerStartError{Err: fmt.Errorf("container inspect: %w", err)}
		}
		if hostBinding(inspect.NetworkSettings, appPort) != nil {
			break
		}
		select {
		case <-ctx.Done():
			return info, &executor.ContainerStartError{Err: fmt.Errorf("wait for host port: %w", ctx.Err())}
		case <-time.After(200 * time.Millisecond):
		}
	}

	if binding := hostBinding(inspect.NetworkSettings, appPort); binding != nil {
		info.HostIP = binding.HostIP
		if info.HostIP == "" || info.HostIP == "0.0.0.0" {
			info.HostIP = "127.0.0.1"
		}
		info.HostPort, _ = strconv.Atoi(binding.HostPort)
	}
	return info, nil
}

func hostBinding(settings *types.NetworkSettings, port nat.Port) *nat.PortBinding {
	if settings == nil || settings.Ports == nil {
		return nil
	}
	bindings := settings.Ports[port]
	for i := range bindings {
		if strings.TrimSpace(bindings[i].HostPort) != "" {
			return &bindings[i]
		}
	}
	return nil
}

// ProbeHealth polls the container's published port until the healthcheck
// path answers below 500, backing off exponentially up to the deadline.
func (e *Executor) ProbeHealth(ctx context.Context, info executor.ContainerInfo, path string, deadline time.Duration) error {
	if info.HostPort <= 0 {
		return &executor.HealthcheckTimeoutError{Deadline: deadline, LastErr: fmt.Errorf("no published host port")}
	}
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	host := info.HostIP
	if host == "" {
		host = "127.0.0.1"
	}
	url := fmt.Sprintf("http://%s:%d%s", host, info.HostPort, path)
	httpClient := &http.Client{Timeout: 5 * time.Second}

	probeCtx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	var lastErr error
	backoff := 250 * time.Millisecond
	for {
		req, err := http.NewRequestWithContext(probeCtx, http.MethodGet, url, nil)
		if err != nil {
			return &executor.HealthcheckTimeoutError{Deadline: deadline, LastErr: err}
		}
		resp, err := httpClient.Do(req)
		if err == nil {
			resp.Body.Close()
			if resp.StatusCode < http.StatusInternalServerError {
				return nil
			}
			lastErr = fmt.Errorf("healthcheck returned status %d", resp.StatusCode)
		} else {
			lastErr = err
		}

		select {
		case <-probeCtx.Done():
			return &executor.HealthcheckTimeoutError{Deadline: deadline, LastErr: lastErr}
		case <-time.After(backoff):
		}
		if backoff < 5*time.Second {
			backoff *= 2
		}
	}
}

// StopAndRemoveContainer stops and removes a container; an already absent
// container is treated as removed.
func (e *Executor) StopAndRemoveContainer(ctx context.Context, containerID string) error {
	if strings.TrimSpace(containerID) == "" {
		return fmt.Errorf("container id cannot be empty")
	}
	stopTimeout := int(e.stopTimeout.Seconds())
	if err := e.inner.ContainerStop(ctx, containerID, container.StopOptions{Timeout: &stopTimeout}); err != nil {
		if !client.IsErrNotFound(err) {
			e.logger.Warn("container stop failed, removing anyway", "container_id", containerID, "error", err)
		}
	}
	if err := e.inner.ContainerRemove(ctx, containerID, container.RemoveOptions{Force: true, RemoveVolumes: true}); err != nil {
		if client.IsErrNotFound(err) {
			return nil
		}
		return fmt.Errorf("remove container: %w", err)
	}
	return nil
}

// WaitForExit blocks until the container stops and returns the exit code.
func (e *Executor) WaitForExit(ctx context.Context, containerID string) (int64, error) {
	if strings.TrimSpace(containerID) == "" {
		return 0, fmt.Errorf("container id cannot be empty")
	}
	statusCh, errCh := e.inner.ContainerWait(ctx, containerID, container.WaitConditionNotRunning)
	for {
		select {
		case err := <-errCh:
			if err == nil {
				continue
			}
			if client.IsErrNotFound(err) {
				return 0, executor.ErrContainerNotFound
			}
			return 0, fmt.Errorf("wait for container stop: %w", err)
		case status := <-statusCh:
			return status.StatusCode, nil
		case <-ctx.Done():
			return 0, ctx.Err()
		}
	}
}
