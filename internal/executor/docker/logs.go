package docker

import (
	"bufio"
	"context"
	"io"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"

	"github.com/rivetr/rivetr/internal/executor"
)

// FollowLogs streams the container's stdout and stderr as line events until
// the container exits or ctx is cancelled.
func (e *Executor) FollowLogs(ctx context.Context, containerID string) (<-chan executor.LogChunk, error) {
	reader, err := e.inner.ContainerLogs(ctx, containerID, container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Follow:     true,
		Tail:       "100",
	})
	if err != nil {
		if client.IsErrNotFound(err) {
			return nil, executor.ErrContainerNotFound
		}
		return nil, err
	}

	out := make(chan executor.LogChunk, 64)
	stdoutR, stdoutW := io.Pipe()
	stderrR, stderrW := io.Pipe()

	go func() {
		// Demux the docker multiplexed stream into the two pipes.
		_, err := stdcopy.StdCopy(stdoutW, stderrW, reader)
		stdoutW.CloseWithError(err)
		stderrW.CloseWithError(err)
	}()

	done := make(chan struct{}, 2)
	scan := func(r io.Reader, stream string) {
		scanner := bufio.NewScanner(r)
		scanner.Buffer(make([]byte, 0, 64*1024), 512*1024)
		for scanner.Scan() {
			chunk := executor.LogChunk{
				Stream:    stream,
				Message:   scanner.Text(),
				Timestamp: time.Now().UTC(),
			}
			select {
			case out <- chunk:
			case <-ctx.Done():
				done <- struct{}{}
				return
			}
		}
		done <- struct{}{}
	}
	go scan(stdoutR, "stdout")
	go scan(stderrR, "stderr")

	go func() {
		<-done
		<-done
		reader.Close()
		close(out)
	}()
	return out, nil
}
