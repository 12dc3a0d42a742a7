package docker

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/pkg/archive"

	"github.com/rivetr/rivetr/internal/executor"
	"github.com/rivetr/rivetr/internal/git"
)

// FetchSource clones the branch into dest.
func (e *Executor) FetchSource(ctx context.Context, repoURL, branch, dest string) error {
	if err := git.Clone(ctx, repoURL, branch, dest); err != nil {
		return &executor.SourceFetchError{Err: err}
	}
	return nil
}

// BuildImage creates a Docker image from the provided directory using the
// configured dockerfile path.
func (e *Executor) BuildImage(ctx context.Context, dir, dockerfile, tag string, onOutput func(string)) error {
	if e.inner == nil {
		return fmt.Errorf("docker client not initialized")
	}
	if dir == "" {
		return &executor.BuildError{Err: fmt.Errorf("build directory cannot be empty")}
	}
	if tag == "" {
		return &executor.BuildError{Err: fmt.Errorf("image tag cannot be empty")}
	}
	if dockerfile == "" {
		dockerfile = "Dockerfile"
	}
	buildCtx, err := archive.TarWithOptions(dir, &archive.TarOptions{})
	if err != nil {
		return &executor.BuildError{Err: fmt.Errorf("create build context: %w", err)}
	}
	defer buildCtx.Close()

	opts := types.ImageBuildOptions{
		Tags:        []string{tag},
		Dockerfile:  dockerfile,
		Remove:      true,
		ForceRemove: true,
	}
	resp, err := e.inner.ImageBuild(ctx, buildCtx, opts)
	if err != nil {
		return &executor.BuildError{Err: err}
	}
	defer resp.Body.Close()

	decoder := json.NewDecoder(resp.Body)
	for {
		var msg imageBuildMessage
		if err := decoder.Decode(&msg); err != nil {
			if err == io.EOF {
				break
			}
			return &executor.BuildError{Err: fmt.Errorf("decode build output: %w", err)}
		}
		if errMsg := msg.errorMessage(); errMsg != "" {
			return &executor.BuildError{Err: fmt.Errorf("%s", errMsg)}
		}
		if line := msg.render(); line != "" && onOutput != nil {
			onOutput(line)
		}
	}
	return nil
}

type imageBuildMessage struct {
	Stream         string                `json:"stream"`
	Status         string                `json:"status"`
	ID             string                `json:"id"`
	Progress       string                `json:"progress"`
	ProgressDetail progressDetail        `json:"progressDetail"`
	Error          string                `json:"error"`
	ErrorDetail    imageBuildErrorDetail `json:"errorDetail"`
	Aux            map[string]any        `json:"aux"`
}

type progressDetail struct {
	Current int64 `json:"current"`
	Total   int64 `json:"total"`
}

type imageBuildErrorDetail struct {
	Message string `json:"message"`
}

func (m imageBuildMessage) errorMessage() string {
	if strings.TrimSpace(m.Error) != "" {
		return strings.TrimSpace(m.Error)
	}
	if strings.TrimSpace(m.ErrorDetail.Message) != "" {
		return strings.TrimSpace(m.ErrorDetail.Message)
	}
	return ""
}

func (m imageBuildMessage) render() string {
	if m.Stream != "" {
		return strings.TrimRight(m.Stream, "\n")
	}
	if m.Status != "" {
		parts := make([]string, 0, 3)
		if strings.TrimSpace(m.ID) != "" {
			parts = append(parts, strings.TrimSpace(m.ID))
		}
		parts = append(parts, strings.TrimSpace(m.Status))
		progress := strings.TrimSpace(m.Progress)
		if progress == "" && (m.ProgressDetail.Current > 0 || m.ProgressDetail.Total > 0) {
			if m.ProgressDetail.Total > 0 {
				progress = fmt.Sprintf("%d/%d", m.ProgressDetail.Current, m.ProgressDetail.Total)
			} else {
				progress = fmt.Sprintf("%d", m.ProgressDetail.Current)
			}
		}
		if progress != "" {
			parts = append(parts, progress)
		}
		return strings.TrimSpace(strings.Join(parts, " "))
	}
	if len(m.Aux) > 0 {
		if id, ok := m.Aux["ID"]; ok {
			return fmt.Sprintf("image id: %v", id)
		}
	}
	return ""
}
