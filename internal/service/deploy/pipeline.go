package deploy

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"log/slog"

	"github.com/rivetr/rivetr/internal/domain"
	"github.com/rivetr/rivetr/internal/executor"
	"github.com/rivetr/rivetr/internal/service/logs"
	"github.com/rivetr/rivetr/internal/workspace"
)

// ErrSuperseded is the cancellation cause used when a newer request replaces
// an in-flight deployment. The pipeline uses it to tell supersession apart
// from process shutdown: a superseded container is stopped, one orphaned by
// shutdown keeps serving.
var ErrSuperseded = errors.New("deploy: superseded by a newer request")

// EnvSource resolves an app's environment as decrypted KEY=VALUE pairs. The
// pipeline asks for it as late as possible, right before container start, and
// never writes the values anywhere.
type EnvSource interface {
	ResolveEnv(ctx context.Context, appID string) ([]string, error)
}

// Config carries the per-stage deadlines of the pipeline.
type Config struct {
	GitTimeout          time.Duration
	BuildTimeout        time.Duration
	StartTimeout        time.Duration
	HealthcheckDeadline time.Duration
}

// Pipeline executes one deployment from pending to a terminal status. Each
// stage appends its narrative line before committing the matching status
// transition, so readers of the log never see a status ahead of its story.
// Cancellation is honored at stage boundaries; a cancelled deployment ends in
// stopped, a broken one in failed.
type Pipeline struct {
	store      *Store
	logs       logs.Service
	exec       executor.Executor
	workspaces *workspace.Manager
	env        EnvSource
	cfg        Config
	logger     *slog.Logger
}

// NewPipeline constructs a Pipeline.
func NewPipeline(store *Store, logSvc logs.Service, exec executor.Executor, workspaces *workspace.Manager, env EnvSource, cfg Config, logger *slog.Logger) *Pipeline {
	return &Pipeline{
		store:      store,
		logs:       logSvc,
		exec:       exec,
		workspaces: workspaces,
		env:        env,
		cfg:        cfg,
		logger:     logger,
	}
}

// Run drives the deployment to a terminal status and returns it. For a
// deployment that reaches running, Run keeps supervising the container until
// it exits or ctx is cancelled.
func (p *Pipeline) Run(ctx context.Context, app domain.App, dep domain.Deployment) domain.DeploymentStatus {
	log := p.logger.With("app_id", app.ID, "deployment_id", dep.ID)
	cur := domain.StatusPending

	if dep.RolledBackFrom == nil {
		dir, st, ok := p.buildStages(ctx, app, dep, &cur)
		if dir != "" {
			defer func() {
				if err := p.workspaces.Cleanup(dir); err != nil {
					log.Warn("workspace cleanup failed", "path", dir, "error", err)
				}
			}()
		}
		if !ok {
			return st
		}
	} else {
		p.say(ctx, dep.ID, "info", fmt.Sprintf("rolling back: reusing image %s from deployment %s", dep.Image, *dep.RolledBackFrom))
		if st, halted := p.advance(ctx, dep.ID, &cur, domain.StatusStarting, domain.TransitionFields{}); halted {
			return st
		}
	}

	env, err := p.env.ResolveEnv(ctx, app.ID)
	if err != nil {
		return p.fail(ctx, dep.ID, cur, "", err)
	}

	startCtx, cancelStart := context.WithTimeout(ctx, p.cfg.StartTimeout)
	info, err := p.exec.StartContainer(startCtx, executor.StartSpec{
		Name:            containerName(app, dep),
		Image:           dep.Image,
		Port:            app.Port,
		Env:             env,
		CPULimitPercent: app.CPULimitPercent,
		MemoryLimitMB:   app.MemoryLimitMB,
	})
	cancelStart()
	if err != nil {
		// info.ID may name a created-but-unstarted container to clean up.
		if ctx.Err() != nil {
			return p.stopCancelled(ctx, dep.ID, cur, info.ID)
		}
		return p.fail(ctx, dep.ID, cur, info.ID, err)
	}

	if p.cancelled(ctx) {
		return p.stopCancelled(ctx, dep.ID, cur, info.ID)
	}
	p.say(ctx, dep.ID, "info", fmt.Sprintf("container %s started on %s:%d", shortID(info.ID), info.HostIP, info.HostPort))
	if st, halted := p.advance(ctx, dep.ID, &cur, domain.StatusChecking, domain.TransitionFields{ContainerID: &info.ID}); halted {
		p.removeContainer(context.WithoutCancel(ctx), info.ID)
		return st
	}

	if app.HealthcheckPath == "" {
		p.say(ctx, dep.ID, "info", "no healthcheck configured, skipping probe")
	} else {
		p.say(ctx, dep.ID, "info", fmt.Sprintf("waiting for %s to answer", app.HealthcheckPath))
		if err := p.exec.ProbeHealth(ctx, info, app.HealthcheckPath, p.cfg.HealthcheckDeadline); err != nil {
			if ctx.Err() != nil {
				return p.stopCancelled(ctx, dep.ID, cur, info.ID)
			}
			return p.fail(ctx, dep.ID, cur, info.ID, err)
		}
	}

	if p.cancelled(ctx) {
		return p.stopCancelled(ctx, dep.ID, cur, info.ID)
	}
	p.say(ctx, dep.ID, "info", "deployment is running")
	if st, halted := p.advance(ctx, dep.ID, &cur, domain.StatusRunning, domain.TransitionFields{HadRun: true}); halted {
		p.removeContainer(context.WithoutCancel(ctx), info.ID)
		return st
	}
	deploymentsTotal.WithLabelValues("running").Inc()
	log.Info("deployment running", "container_id", info.ID)

	return p.watch(ctx, dep, cur, info)
}

// buildStages runs the clone and build stages and advances to starting. It
// returns the workspace dir (possibly empty), the terminal status when the
// pipeline must halt, and whether to continue.
func (p *Pipeline) buildStages(ctx context.Context, app domain.App, dep domain.Deployment, cur *domain.DeploymentStatus) (string, domain.DeploymentStatus, bool) {
	if p.cancelled(ctx) {
		return "", p.stopCancelled(ctx, dep.ID, *cur, ""), false
	}
	p.say(ctx, dep.ID, "info", fmt.Sprintf("cloning %s (branch %s)", app.RepoURL, app.Branch))
	if st, halted := p.advance(ctx, dep.ID, cur, domain.StatusCloning, domain.TransitionFields{}); halted {
		return "", st, false
	}

	dir, err := p.workspaces.Prepare(dep.ID)
	if err != nil {
		return "", p.fail(ctx, dep.ID, *cur, "", err), false
	}

	gitCtx, cancelGit := context.WithTimeout(ctx, p.cfg.GitTimeout)
	err = p.exec.FetchSource(gitCtx, app.RepoURL, app.Branch, dir)
	cancelGit()
	if err != nil {
		if ctx.Err() != nil {
			return dir, p.stopCancelled(ctx, dep.ID, *cur, ""), false
		}
		return dir, p.fail(ctx, dep.ID, *cur, "", err), false
	}

	if p.cancelled(ctx) {
		return dir, p.stopCancelled(ctx, dep.ID, *cur, ""), false
	}
	p.say(ctx, dep.ID, "info", fmt.Sprintf("building image %s", dep.Image))
	if st, halted := p.advance(ctx, dep.ID, cur, domain.StatusBuilding, domain.TransitionFields{}); halted {
		return dir, st, false
	}

	buildCtx, cancelBuild := context.WithTimeout(ctx, p.cfg.BuildTimeout)
	err = p.exec.BuildImage(buildCtx, dir, app.DockerfilePath, dep.Image, func(line string) {
		p.say(ctx, dep.ID, "build", line)
	})
	cancelBuild()
	if err != nil {
		if ctx.Err() != nil {
			return dir, p.stopCancelled(ctx, dep.ID, *cur, ""), false
		}
		return dir, p.fail(ctx, dep.ID, *cur, "", err), false
	}

	if p.cancelled(ctx) {
		return dir, p.stopCancelled(ctx, dep.ID, *cur, ""), false
	}
	p.say(ctx, dep.ID, "info", "starting container")
	if st, halted := p.advance(ctx, dep.ID, cur, domain.StatusStarting, domain.TransitionFields{}); halted {
		return dir, st, false
	}
	return dir, *cur, true
}

// watch supervises a running container until it exits or ctx is cancelled.
func (p *Pipeline) watch(ctx context.Context, dep domain.Deployment, cur domain.DeploymentStatus, info executor.ContainerInfo) domain.DeploymentStatus {
	waitCtx, cancelWait := context.WithCancel(context.Background())
	defer cancelWait()

	type exitResult struct {
		code int64
		err  error
	}
	exited := make(chan exitResult, 1)
	go func() {
		code, err := p.exec.WaitForExit(waitCtx, info.ID)
		exited <- exitResult{code: code, err: err}
	}()

	select {
	case <-ctx.Done():
		if !errors.Is(context.Cause(ctx), ErrSuperseded) {
			// Process shutdown: the container keeps serving traffic.
			return domain.StatusRunning
		}
		bg := context.WithoutCancel(ctx)
		p.removeContainer(bg, info.ID)
		p.say(bg, dep.ID, "info", "superseded by a newer deployment, container stopped")
		p.finish(bg, dep.ID, cur, domain.StatusStopped, "")
		deploymentsTotal.WithLabelValues("superseded").Inc()
	case res := <-exited:
		bg := context.Background()
		if res.err != nil {
			p.say(bg, dep.ID, "error", fmt.Sprintf("lost track of container %s: %v", shortID(info.ID), res.err))
		} else {
			level := "info"
			if res.code != 0 {
				level = "warn"
			}
			p.say(bg, dep.ID, level, fmt.Sprintf("container exited with code %d", res.code))
		}
		p.removeContainer(bg, info.ID)
		p.finish(bg, dep.ID, cur, domain.StatusStopped, "")
		deploymentsTotal.WithLabelValues("exited").Inc()
	}
	return domain.StatusStopped
}

// advance commits a mid-pipeline status transition. The returned bool is true
// when the pipeline must halt; the status is what the caller should report.
// A conflict means a concurrent writer stopped the deployment underneath us.
func (p *Pipeline) advance(ctx context.Context, deploymentID string, cur *domain.DeploymentStatus, to domain.DeploymentStatus, fields domain.TransitionFields) (domain.DeploymentStatus, bool) {
	bg := context.WithoutCancel(ctx)
	err := p.store.Transition(bg, deploymentID, *cur, to, fields)
	if err == nil {
		*cur = to
		return to, false
	}
	if errors.Is(err, ErrConflictingTransition) {
		if latest, getErr := p.store.Get(bg, deploymentID); getErr == nil && latest.Status == domain.StatusStopped {
			return domain.StatusStopped, true
		}
	}
	p.logger.Error("status transition failed",
		"deployment_id", deploymentID, "from", string(*cur), "to", string(to), "error", err)
	return *cur, true
}

// fail records a terminal failure: clean up any container, append the error
// line verbatim, then commit the failed status carrying the same message.
func (p *Pipeline) fail(ctx context.Context, deploymentID string, cur domain.DeploymentStatus, containerID string, cause error) domain.DeploymentStatus {
	bg := context.WithoutCancel(ctx)
	p.removeContainer(bg, containerID)
	p.say(bg, deploymentID, "error", cause.Error())
	p.finish(bg, deploymentID, cur, domain.StatusFailed, cause.Error())
	deploymentsTotal.WithLabelValues("failed").Inc()
	return domain.StatusFailed
}

// stopCancelled records a mid-pipeline cancellation as stopped.
func (p *Pipeline) stopCancelled(ctx context.Context, deploymentID string, cur domain.DeploymentStatus, containerID string) domain.DeploymentStatus {
	bg := context.WithoutCancel(ctx)
	p.removeContainer(bg, containerID)
	p.say(bg, deploymentID, "info", "deployment superseded before completion")
	p.finish(bg, deploymentID, cur, domain.StatusStopped, "")
	deploymentsTotal.WithLabelValues("superseded").Inc()
	return domain.StatusStopped
}

func (p *Pipeline) finish(ctx context.Context, deploymentID string, from, to domain.DeploymentStatus, errorMessage string) {
	now := time.Now().UTC()
	err := p.store.Transition(ctx, deploymentID, from, to, domain.TransitionFields{
		ErrorMessage: errorMessage,
		FinishedAt:   &now,
	})
	if err != nil {
		p.logger.Error("failed to record terminal status",
			"deployment_id", deploymentID, "to", string(to), "error", err)
	}
}

func (p *Pipeline) say(ctx context.Context, deploymentID, level, message string) {
	line := domain.DeploymentLogLine{
		DeploymentID: deploymentID,
		Level:        level,
		Message:      message,
	}
	if err := p.logs.Append(context.WithoutCancel(ctx), line); err != nil {
		p.logger.Warn("failed to append deployment log", "deployment_id", deploymentID, "error", err)
	}
}

func (p *Pipeline) removeContainer(ctx context.Context, containerID string) {
	if containerID == "" {
		return
	}
	if err := p.exec.StopAndRemoveContainer(ctx, containerID); err != nil {
		p.logger.Warn("container cleanup failed", "container_id", containerID, "error", err)
	}
}

func (p *Pipeline) cancelled(ctx context.Context) bool {
	return ctx.Err() != nil
}

func containerName(app domain.App, dep domain.Deployment) string {
	return fmt.Sprintf("rivetr-%s-%s", slugify(app.Name), shortID(dep.ID))
}

// slugify reduces a name to something docker accepts for image repos and
// container names.
func slugify(name string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(name) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == '-' || r == '_' || r == '.':
			b.WriteRune(r)
		default:
			b.WriteRune('-')
		}
	}
	out := strings.Trim(b.String(), "-._")
	if out == "" {
		out = "app"
	}
	return out
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
