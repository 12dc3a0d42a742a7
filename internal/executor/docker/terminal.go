package docker

import (
	"context"
	"fmt"
	"strings"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"

	"github.com/rivetr/rivetr/internal/executor"
)

// OpenTerminal starts an interactive exec session inside the container.
func (e *Executor) OpenTerminal(ctx context.Context, containerID string, cmd []string) (executor.TerminalSession, error) {
	if strings.TrimSpace(containerID) == "" {
		return nil, fmt.Errorf("container id cannot be empty")
	}
	if len(cmd) == 0 {
		cmd = []string{"/bin/sh"}
	}
	created, err := e.inner.ContainerExecCreate(ctx, containerID, types.ExecConfig{
		Tty:          true,
		AttachStdin:  true,
		AttachStdout: true,
		AttachStderr: true,
		Cmd:          cmd,
	})
	if err != nil {
		if client.IsErrNotFound(err) {
			return nil, executor.ErrContainerNotFound
		}
		return nil, fmt.Errorf("exec create: %w", err)
	}
	attached, err := e.inner.ContainerExecAttach(ctx, created.ID, types.ExecStartCheck{Tty: true})
	if err != nil {
		return nil, fmt.Errorf("exec attach: %w", err)
	}
	return &terminalSession{exec: e, execID: created.ID, resp: attached}, nil
}

type terminalSession struct {
	exec   *Executor
	execID string
	resp   types.HijackedResponse
}

func (t *terminalSession) Read(p []byte) (int, error) {
	return t.resp.Reader.Read(p)
}

func (t *terminalSession) Write(p []byte) (int, error) {
	return t.resp.Conn.Write(p)
}

func (t *terminalSession) Close() error {
	t.resp.Close()
	return nil
}

func (t *terminalSession) Resize(ctx context.Context, cols, rows uint) error {
	return t.exec.inner.ContainerExecResize(ctx, t.execID, container.ResizeOptions{
		Width:  cols,
		Height: rows,
	})
}
