package httpx

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"log/slog"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/rivetr/rivetr/internal/domain"
	"github.com/rivetr/rivetr/internal/repository"
	"github.com/rivetr/rivetr/internal/service/app"
	"github.com/rivetr/rivetr/internal/service/auth"
	"github.com/rivetr/rivetr/internal/service/deploy"
	"github.com/rivetr/rivetr/internal/service/logs"
	"github.com/rivetr/rivetr/internal/stream"
	"github.com/rivetr/rivetr/internal/ws"
)

// Router wires HTTP endpoints to services.
type Router struct {
	mux         *http.ServeMux
	logger      *slog.Logger
	auth        *auth.Service
	apps        *app.Service
	scheduler   *deploy.Scheduler
	deployments *deploy.Store
	logs        logs.Service
	streams     *stream.Manager
	upgrader    websocket.Upgrader
	limiter     RateLimiter
	health      map[string]func(context.Context) error

	metricsOnce        sync.Once
	metricsInitialized bool
	requestTotal       *prometheus.CounterVec
	requestLatency     *prometheus.HistogramVec
	rateLimitHits      *prometheus.CounterVec
}

const (
	rateWindowDefault  = time.Minute
	rateWindowRealtime = 30 * time.Second
	rateLimitLogin     = 12
	rateLimitRefresh   = 30
	rateLimitWrite     = 60
	rateLimitRead      = 120
	rateLimitWebsocket = 30
	healthCheckTimeout = 2 * time.Second

	defaultLogPageSize     = 100
	defaultDeploymentLimit = 50
)

// NewRouter assembles routes with dependencies.
func NewRouter(logger *slog.Logger, authSvc *auth.Service, appSvc *app.Service, scheduler *deploy.Scheduler, deployments *deploy.Store, logSvc logs.Service, streams *stream.Manager, limiter RateLimiter, health map[string]func(context.Context) error) *Router {
	r := &Router{
		mux:         http.NewServeMux(),
		logger:      logger,
		auth:        authSvc,
		apps:        appSvc,
		scheduler:   scheduler,
		deployments: deployments,
		logs:        logSvc,
		streams:     streams,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		limiter: limiter,
		health:  health,
	}
	if r.limiter == nil {
		r.limiter = NewMemoryRateLimiter()
	}
	r.initMetrics()
	r.register()
	return r
}

// ServeHTTP delegates to the underlying mux.
func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	r.mux.ServeHTTP(w, req)
}

// Close releases background resources.
func (r *Router) Close() {
	if r.limiter != nil {
		r.limiter.Close()
	}
}

func (r *Router) register() {
	r.mux.HandleFunc("/healthz", r.audit(r.handleHealthz))
	r.mux.HandleFunc("/metrics", promhttp.Handler().ServeHTTP)
	r.mux.HandleFunc("/auth/login", r.audit(r.withRateLimit("auth_login", rateLimitLogin, rateWindowDefault, rateLimitKeyIP, r.handleLogin)))
	r.mux.HandleFunc("/auth/refresh", r.audit(r.withRateLimit("auth_refresh", rateLimitRefresh, rateWindowDefault, rateLimitKeyIP, r.handleRefresh)))
	r.mux.HandleFunc("/apps", r.audit(r.handlerAuthRate("apps", rateLimitWrite, rateWindowDefault, r.handleApps)))
	r.mux.HandleFunc("/apps/", r.audit(r.handleAppSubroutes))
	r.mux.HandleFunc("/deployments/", r.audit(r.handleDeploymentSubroutes))
}

func (r *Router) handleLogin(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		r.methodNotAllowed(w)
		return
	}
	var payload struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(req.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	pair, operator, err := r.auth.Login(req.Context(), payload.Email, payload.Password)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "invalid credentials")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"operator": map[string]any{
			"id":    operator.ID,
			"email": operator.Email,
		},
		"tokens": map[string]string{
			"access":  pair.AccessToken,
			"refresh": pair.RefreshToken,
		},
	})
}

func (r *Router) handleRefresh(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		r.methodNotAllowed(w)
		return
	}
	var payload struct {
		RefreshToken string `json:"refresh_token"`
	}
	if err := json.NewDecoder(req.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	pair, err := r.auth.Refresh(req.Context(), payload.RefreshToken)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "invalid refresh token")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"access":  pair.AccessToken,
		"refresh": pair.RefreshToken,
	})
}

func (r *Router) handleApps(w http.ResponseWriter, req *http.Request) {
	switch req.Method {
	case http.MethodPost:
		var payload app.CreateInput
		if err := json.NewDecoder(req.Body).Decode(&payload); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
		created, err := r.apps.Create(req.Context(), payload)
		if err != nil {
			r.writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, appJSON(created))
	case http.MethodGet:
		apps, err := r.apps.List(req.Context(), req.URL.Query().Get("team_id"))
		if err != nil {
			r.writeServiceError(w, err)
			return
		}
		out := make([]map[string]any, 0, len(apps))
		for i := range apps {
			out = append(out, appJSON(&apps[i]))
		}
		writeJSON(w, http.StatusOK, out)
	default:
		r.methodNotAllowed(w)
	}
}

func (r *Router) handleAppSubroutes(w http.ResponseWriter, req *http.Request) {
	trimmed := strings.TrimPrefix(req.URL.Path, "/apps/")
	parts := strings.Split(trimmed, "/")
	appID := parts[0]
	if appID == "" {
		r.notFound(w)
		return
	}
	switch {
	case len(parts) == 1:
		r.handlerAuthRate("apps_item", rateLimitWrite, rateWindowDefault, func(w http.ResponseWriter, req *http.Request) {
			r.handleAppItem(w, req, appID)
		})(w, req)
	case len(parts) == 2 && parts[1] == "deploy":
		r.handlerAuthRate("apps_deploy", rateLimitWrite, rateWindowDefault, func(w http.ResponseWriter, req *http.Request) {
			r.handleAppDeploy(w, req, appID)
		})(w, req)
	case len(parts) == 2 && parts[1] == "deployments":
		r.handlerAuthRate("apps_deployments", rateLimitRead, rateWindowDefault, func(w http.ResponseWriter, req *http.Request) {
			r.handleAppDeployments(w, req, appID)
		})(w, req)
	case len(parts) == 2 && parts[1] == "env":
		r.handlerAuthRate("apps_env", rateLimitWrite, rateWindowDefault, func(w http.ResponseWriter, req *http.Request) {
			r.handleAppEnv(w, req, appID)
		})(w, req)
	case len(parts) == 3 && parts[1] == "env":
		r.handlerAuthRate("apps_env", rateLimitWrite, rateWindowDefault, func(w http.ResponseWriter, req *http.Request) {
			r.handleAppEnvKey(w, req, appID, parts[2])
		})(w, req)
	case len(parts) == 2 && parts[1] == "domains":
		r.handlerAuthRate("apps_domains", rateLimitWrite, rateWindowDefault, func(w http.ResponseWriter, req *http.Request) {
			r.handleAppDomains(w, req, appID)
		})(w, req)
	case len(parts) == 3 && parts[1] == "logs" && parts[2] == "stream":
		r.handlerAuthRate("apps_logs_stream", rateLimitWebsocket, rateWindowRealtime, func(w http.ResponseWriter, req *http.Request) {
			r.handleLogTailWS(w, req, appID)
		})(w, req)
	case len(parts) == 2 && parts[1] == "terminal":
		r.handlerAuthRate("apps_terminal", rateLimitWebsocket, rateWindowRealtime, func(w http.ResponseWriter, req *http.Request) {
			r.handleTerminalWS(w, req, appID)
		})(w, req)
	default:
		r.notFound(w)
	}
}

func (r *Router) handleAppItem(w http.ResponseWriter, req *http.Request, appID string) {
	switch req.Method {
	case http.MethodGet:
		found, err := r.apps.Get(req.Context(), appID)
		if err != nil {
			r.writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, appJSON(found))
	case http.MethodPatch:
		var payload app.UpdateInput
		if err := json.NewDecoder(req.Body).Decode(&payload); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
		updated, err := r.apps.Update(req.Context(), appID, payload)
		if err != nil {
			r.writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, appJSON(updated))
	case http.MethodDelete:
		// Stop whatever the app is doing before the rows disappear.
		r.scheduler.CancelApp(appID)
		if err := r.apps.Delete(req.Context(), appID); err != nil {
			r.writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
	default:
		r.methodNotAllowed(w)
	}
}

func (r *Router) handleAppDeploy(w http.ResponseWriter, req *http.Request, appID string) {
	if req.Method != http.MethodPost {
		r.methodNotAllowed(w)
		return
	}
	target, err := r.apps.Get(req.Context(), appID)
	if err != nil {
		r.writeServiceError(w, err)
		return
	}
	deployment, err := r.scheduler.RequestDeploy(req.Context(), *target)
	if err != nil {
		r.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, deploymentJSON(deployment))
}

func (r *Router) handleAppDeployments(w http.ResponseWriter, req *http.Request, appID string) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	limit, _ := strconv.Atoi(req.URL.Query().Get("limit"))
	if limit <= 0 {
		limit = defaultDeploymentLimit
	}
	deployments, err := r.deployments.ListByApp(req.Context(), appID, limit)
	if err != nil {
		r.writeServiceError(w, err)
		return
	}
	out := make([]map[string]any, 0, len(deployments))
	for i := range deployments {
		out = append(out, deploymentJSON(&deployments[i]))
	}
	writeJSON(w, http.StatusOK, out)
}

func (r *Router) handleAppEnv(w http.ResponseWriter, req *http.Request, appID string) {
	switch req.Method {
	case http.MethodPost:
		var payload struct {
			Key   string `json:"key"`
			Value string `json:"value"`
		}
		if err := json.NewDecoder(req.Body).Decode(&payload); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
		if err := r.apps.SetEnvVar(req.Context(), appID, payload.Key, payload.Value); err != nil {
			r.writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, map[string]string{"status": "stored"})
	case http.MethodGet:
		keys, err := r.apps.ListEnvKeys(req.Context(), appID)
		if err != nil {
			r.writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"keys": keys})
	default:
		r.methodNotAllowed(w)
	}
}

func (r *Router) handleAppEnvKey(w http.ResponseWriter, req *http.Request, appID, key string) {
	if req.Method != http.MethodDelete {
		r.methodNotAllowed(w)
		return
	}
	if err := r.apps.DeleteEnvVar(req.Context(), appID, key); err != nil {
		r.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

func (r *Router) handleAppDomains(w http.ResponseWriter, req *http.Request, appID string) {
	switch req.Method {
	case http.MethodPut:
		var payload struct {
			Bindings []struct {
				Hostname    string `json:"hostname"`
				IsPrimary   bool   `json:"is_primary"`
				RedirectWWW bool   `json:"redirect_www"`
			} `json:"bindings"`
		}
		if err := json.NewDecoder(req.Body).Decode(&payload); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
		bindings := make([]domain.DomainBinding, 0, len(payload.Bindings))
		for _, b := range payload.Bindings {
			bindings = append(bindings, domain.DomainBinding{
				Hostname:    b.Hostname,
				IsPrimary:   b.IsPrimary,
				RedirectWWW: b.RedirectWWW,
			})
		}
		if err := r.apps.SetDomainBindings(req.Context(), appID, bindings); err != nil {
			r.writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "stored"})
	case http.MethodGet:
		bindings, err := r.apps.ListDomainBindings(req.Context(), appID)
		if err != nil {
			r.writeServiceError(w, err)
			return
		}
		out := make([]map[string]any, 0, len(bindings))
		for _, b := range bindings {
			out = append(out, map[string]any{
				"hostname":     b.Hostname,
				"is_primary":   b.IsPrimary,
				"redirect_www": b.RedirectWWW,
			})
		}
		writeJSON(w, http.StatusOK, out)
	default:
		r.methodNotAllowed(w)
	}
}

func (r *Router) handleDeploymentSubroutes(w http.ResponseWriter, req *http.Request) {
	trimmed := strings.TrimPrefix(req.URL.Path, "/deployments/")
	parts := strings.Split(trimmed, "/")
	deploymentID := parts[0]
	if deploymentID == "" {
		r.notFound(w)
		return
	}
	switch {
	case len(parts) == 1:
		r.handlerAuthRate("deployments_item", rateLimitRead, rateWindowDefault, func(w http.ResponseWriter, req *http.Request) {
			r.handleDeploymentItem(w, req, deploymentID)
		})(w, req)
	case len(parts) == 2 && parts[1] == "logs":
		r.handlerAuthRate("deployments_logs", rateLimitRead, rateWindowDefault, func(w http.ResponseWriter, req *http.Request) {
			r.handleDeploymentLogs(w, req, deploymentID)
		})(w, req)
	case len(parts) == 3 && parts[1] == "logs" && parts[2] == "stream":
		r.handlerAuthRate("deployments_logs_stream", rateLimitWebsocket, rateWindowRealtime, func(w http.ResponseWriter, req *http.Request) {
			r.handleDeploymentLogsWS(w, req, deploymentID)
		})(w, req)
	case len(parts) == 2 && parts[1] == "rollback":
		r.handlerAuthRate("deployments_rollback", rateLimitWrite, rateWindowDefault, func(w http.ResponseWriter, req *http.Request) {
			r.handleRollback(w, req, deploymentID)
		})(w, req)
	default:
		r.notFound(w)
	}
}

func (r *Router) handleDeploymentItem(w http.ResponseWriter, req *http.Request, deploymentID string) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	deployment, err := r.deployments.Get(req.Context(), deploymentID)
	if err != nil {
		r.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, deploymentJSON(deployment))
}

func (r *Router) handleDeploymentLogs(w http.ResponseWriter, req *http.Request, deploymentID string) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	limit, _ := strconv.Atoi(req.URL.Query().Get("limit"))
	if limit <= 0 {
		limit = defaultLogPageSize
	}
	offset, _ := strconv.Atoi(req.URL.Query().Get("offset"))
	if offset < 0 {
		offset = 0
	}
	entries, err := r.logs.List(req.Context(), deploymentID, limit, offset)
	if err != nil {
		r.writeServiceError(w, err)
		return
	}
	out := make([]map[string]any, 0, len(entries))
	for _, e := range entries {
		out = append(out, map[string]any{
			"id":         e.ID,
			"level":      e.Level,
			"message":    e.Message,
			"created_at": e.CreatedAt.Format(time.RFC3339Nano),
		})
	}
	writeJSON(w, http.StatusOK, out)
}

// handleDeploymentLogsWS streams the deployment's pipeline narrative live.
func (r *Router) handleDeploymentLogsWS(w http.ResponseWriter, req *http.Request, deploymentID string) {
	if _, err := r.deployments.Get(req.Context(), deploymentID); err != nil {
		r.writeServiceError(w, err)
		return
	}
	conn, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		r.logger.Error("websocket upgrade failed", "error", err)
		return
	}
	client := ws.NewClient(conn, r.logger)
	r.logs.Hub().Register(deploymentID, client)
	go func() {
		defer func() {
			r.logs.Hub().Unregister(deploymentID, client)
			client.Close()
		}()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				break
			}
		}
	}()
}

func (r *Router) handleRollback(w http.ResponseWriter, req *http.Request, deploymentID string) {
	if req.Method != http.MethodPost {
		r.methodNotAllowed(w)
		return
	}
	target, err := r.deployments.Get(req.Context(), deploymentID)
	if err != nil {
		r.writeServiceError(w, err)
		return
	}
	owner, err := r.apps.Get(req.Context(), target.AppID)
	if err != nil {
		r.writeServiceError(w, err)
		return
	}
	deployment, err := r.scheduler.RequestRollback(req.Context(), *owner, deploymentID)
	if err != nil {
		r.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, deploymentJSON(deployment))
}

// handleLogTailWS streams the running container's stdout/stderr.
func (r *Router) handleLogTailWS(w http.ResponseWriter, req *http.Request, appID string) {
	events, detach, err := r.streams.AttachLogTail(req.Context(), appID)
	if err != nil {
		r.writeServiceError(w, err)
		return
	}
	conn, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		detach()
		r.logger.Error("websocket upgrade failed", "error", err)
		return
	}

	var once sync.Once
	leave := func() {
		once.Do(func() {
			detach()
			_ = conn.Close()
		})
	}
	go func() {
		defer leave()
		for ev := range events {
			data, err := json.Marshal(ev)
			if err != nil {
				continue
			}
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		}
	}()
	go func() {
		defer leave()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}

// terminalControl is the JSON control frame accepted on terminal sockets.
type terminalControl struct {
	Type string `json:"type"`
	Cols uint   `json:"cols"`
	Rows uint   `json:"rows"`
	Data string `json:"data"`
}

// handleTerminalWS bridges a websocket to an interactive shell inside the
// app's running container. Binary frames carry raw stdin; text frames carry
// JSON control messages (resize, stdin).
func (r *Router) handleTerminalWS(w http.ResponseWriter, req *http.Request, appID string) {
	session, containerID, err := r.streams.AttachTerminal(req.Context(), appID, nil)
	if err != nil {
		r.writeServiceError(w, err)
		return
	}
	conn, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		_ = session.Close()
		r.logger.Error("websocket upgrade failed", "error", err)
		return
	}
	r.logger.Info("terminal session opened", "app_id", appID, "container_id", containerID)

	var once sync.Once
	leave := func() {
		once.Do(func() {
			_ = session.Close()
			_ = conn.Close()
		})
	}

	go func() {
		defer leave()
		buf := make([]byte, 4096)
		for {
			n, err := session.Read(buf)
			if n > 0 {
				if werr := conn.WriteMessage(websocket.BinaryMessage, buf[:n]); werr != nil {
					return
				}
			}
			if err != nil {
				return
			}
		}
	}()

	go func() {
		defer leave()
		for {
			messageType, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			switch messageType {
			case websocket.BinaryMessage:
				if _, err := session.Write(data); err != nil {
					return
				}
			case websocket.TextMessage:
				var ctrl terminalControl
				if err := json.Unmarshal(data, &ctrl); err != nil {
					continue
				}
				switch ctrl.Type {
				case "resize":
					if err := session.Resize(req.Context(), ctrl.Cols, ctrl.Rows); err != nil {
						r.logger.Warn("terminal resize failed", "error", err)
					}
				case "stdin":
					if _, err := session.Write([]byte(ctrl.Data)); err != nil {
						return
					}
				}
			}
		}
	}()
}

func (r *Router) handleHealthz(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	components := make(map[string]any)
	status := "ok"
	for name, check := range r.health {
		ctx, cancel := context.WithTimeout(req.Context(), healthCheckTimeout)
		err := check(ctx)
		cancel()
		if err != nil {
			status = "degraded"
			components[name] = map[string]any{
				"status": "down",
				"error":  err.Error(),
			}
		} else {
			components[name] = map[string]any{"status": "up"}
		}
	}
	payload := map[string]any{
		"status":     status,
		"components": components,
		"timestamp":  time.Now().UTC().Format(time.RFC3339Nano),
	}
	code := http.StatusOK
	if status != "ok" {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, payload)
}

// writeServiceError maps service errors onto HTTP status codes.
func (r *Router) writeServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, repository.ErrNotFound):
		writeError(w, http.StatusNotFound, "not found")
	case errors.Is(err, deploy.ErrInvalidRollbackTarget):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, app.ErrNameTaken):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, app.ErrInvalidInput), errors.Is(err, app.ErrInvalidDomainBindings):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, stream.ErrNoRunningContainer):
		writeError(w, http.StatusConflict, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func appJSON(a *domain.App) map[string]any {
	return map[string]any{
		"id":                a.ID,
		"team_id":           a.TeamID,
		"project_id":        a.ProjectID,
		"name":              a.Name,
		"repo_url":          a.RepoURL,
		"branch":            a.Branch,
		"dockerfile_path":   a.DockerfilePath,
		"port":              a.Port,
		"healthcheck_path":  a.HealthcheckPath,
		"cpu_limit_percent": a.CPULimitPercent,
		"memory_limit_mb":   a.MemoryLimitMB,
		"environment":       a.Environment,
		"created_at":        a.CreatedAt.Format(time.RFC3339Nano),
		"updated_at":        a.UpdatedAt.Format(time.RFC3339Nano),
	}
}

func deploymentJSON(d *domain.Deployment) map[string]any {
	out := map[string]any{
		"id":               d.ID,
		"app_id":           d.AppID,
		"status":           string(d.Status),
		"image":            d.Image,
		"container_id":     d.ContainerID,
		"had_run":          d.HadRun,
		"rolled_back_from": d.RolledBackFrom,
		"error_message":    d.ErrorMessage,
		"started_at":       d.StartedAt.Format(time.RFC3339Nano),
	}
	if d.FinishedAt != nil {
		out["finished_at"] = d.FinishedAt.Format(time.RFC3339Nano)
	} else {
		out["finished_at"] = nil
	}
	return out
}

func (r *Router) audit(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		recorder := &statusRecorder{ResponseWriter: w}
		start := time.Now()
		next(recorder, req)

		status := recorder.status
		if status == 0 {
			status = http.StatusOK
		}
		ctx := recorder.ctx
		if ctx == nil {
			ctx = req.Context()
		}
		duration := time.Since(start)
		r.recordRequestMetrics(req.Method, routeLabel(req.URL.Path), status, duration)

		fields := []any{
			"method", req.Method,
			"path", req.URL.Path,
			"status", status,
			"bytes", recorder.bytes,
			"duration_ms", duration.Milliseconds(),
		}
		if ip := clientIP(req); ip != "" {
			fields = append(fields, "ip", ip)
		}
		if reqID := strings.TrimSpace(req.Header.Get("X-Request-ID")); reqID != "" {
			fields = append(fields, "request_id", reqID)
		}
		actor := "anonymous"
		if info, ok := authInfoFromContext(ctx); ok {
			actor = "operator"
			fields = append(fields, "operator_id", info.OperatorID)
		}
		fields = append(fields, "actor", actor)

		switch {
		case status >= http.StatusInternalServerError:
			r.logger.Error("http_request", fields...)
		case status >= http.StatusBadRequest:
			r.logger.Warn("http_request", fields...)
		default:
			r.logger.Info("http_request", fields...)
		}
	}
}

// routeLabel collapses resource IDs so metrics keep a bounded cardinality.
func routeLabel(path string) string {
	parts := strings.Split(strings.Trim(path, "/"), "/")
	if len(parts) >= 2 && (parts[0] == "apps" || parts[0] == "deployments") {
		parts[1] = ":id"
	}
	if len(parts) >= 4 && parts[0] == "apps" && parts[2] == "env" {
		parts[3] = ":key"
	}
	return "/" + strings.Join(parts, "/")
}

func (r *Router) methodNotAllowed(w http.ResponseWriter) {
	writeError(w, http.StatusMethodNotAllowed, "method not allowed")
}

func (r *Router) notFound(w http.ResponseWriter) {
	writeError(w, http.StatusNotFound, "not found")
}
