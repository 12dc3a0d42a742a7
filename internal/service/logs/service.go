package logs

import (
	"context"
	"encoding/json"
	"time"

	"log/slog"

	"github.com/rivetr/rivetr/internal/domain"
	"github.com/rivetr/rivetr/internal/repository"
	"github.com/rivetr/rivetr/internal/ws"
)

// Service persists deployment pipeline log lines and streams them to
// subscribers. Lines are append-only; persistence happens before the
// broadcast so the stored narrative is never behind what viewers saw.
type Service struct {
	repo   repository.DeploymentLogRepository
	hub    *ws.Hub
	logger *slog.Logger
}

// New constructs a log service.
func New(repo repository.DeploymentLogRepository, hub *ws.Hub, logger *slog.Logger) Service {
	return Service{repo: repo, hub: hub, logger: logger}
}

// Append stores and broadcasts a log line.
func (s Service) Append(ctx context.Context, line domain.DeploymentLogLine) error {
	line.CreatedAt = line.CreatedAt.UTC()
	if line.CreatedAt.IsZero() {
		line.CreatedAt = time.Now().UTC()
	}
	if line.Level == "" {
		line.Level = "info"
	}
	if err := s.repo.AppendDeploymentLog(ctx, &line); err != nil {
		return err
	}
	s.broadcastLine(line)
	return nil
}

// List returns the pipeline narrative for a deployment in append order.
func (s Service) List(ctx context.Context, deploymentID string, limit, offset int) ([]domain.DeploymentLogLine, error) {
	return s.repo.ListDeploymentLogs(ctx, deploymentID, limit, offset)
}

// Hub returns the websocket hub (useful for HTTP handlers).
func (s Service) Hub() *ws.Hub {
	return s.hub
}

func (s Service) broadcastLine(line domain.DeploymentLogLine) {
	if s.hub == nil {
		return
	}
	data, err := MarshalLine(line)
	if err != nil {
		s.logger.Warn("failed to marshal log payload", "error", err)
		return
	}
	s.hub.Broadcast(line.DeploymentID, data)
}

// MarshalLine formats a deployment log line for streaming payloads.
func MarshalLine(line domain.DeploymentLogLine) ([]byte, error) {
	payload := map[string]any{
		"id":            line.ID,
		"deployment_id": line.DeploymentID,
		"level":         line.Level,
		"message":       line.Message,
		"created_at":    line.CreatedAt.Format(time.RFC3339Nano),
	}
	return json.Marshal(payload)
}
