package main

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/labos-labs/labos-go/internal/domain"
	"github.com/labos-labs/labos-go/internal/execution/control"
	"github.com/labos-labs/labos-go/internal/execution/execerr"
	"github.com/labos-labs/labos-go/internal/execution/incident"
	"github.com/labos-labs/labos-go/internal/execution/orchestrate"
	"github.com/labos-labs/labos-go/internal/execution/runs"
	"github.com/labos-labs/labos-go/internal/execution/worker"
	"github.com/labos-labs/labos-go/internal/platform/httpserver"
)

type executionAPI struct {
	logger       *slog.Logger
	orchestrator *orchestrate.Service
	runs         *runs.Service
	control      *control.Service
	retryWorker  *worker.RetryWorker
	leaseView    *worker.LeaseViewService
	incidents    *incident.Service
}

func (a *executionAPI) routes(mux *http.ServeMux) {
	mux.HandleFunc("POST /v1/planned-runs", a.createPlannedRun)
	mux.HandleFunc("POST /v1/planned-runs/{id}/compile", a.compilePlannedRun)
	mux.HandleFunc("POST /v1/execution-plans/{id}/emit", a.emitExecutionPlan)
	mux.HandleFunc("GET /v1/robot-plans/{id}/artifact", a.getArtifact)
	mux.HandleFunc("GET /v1/robot-plans/{id}/artifact-url", a.getArtifactURL)
	mux.HandleFunc("GET /v1/robot-plans/{id}/latest-run", a.latestRun)
	mux.HandleFunc("POST /v1/robot-plans/{id}/execute", a.executeRobotPlan)
	mux.HandleFunc("POST /v1/robot-plans/{id}/cancel", a.cancelRobotPlan)
	mux.HandleFunc("GET /v1/execution-runs", a.listRuns)
	mux.HandleFunc("GET /v1/execution-runs/{id}/lineage", a.lineage)
	mux.HandleFunc("POST /v1/execution-runs/{id}/retry", a.retryRun)
	mux.HandleFunc("POST /v1/execution-runs/{id}/cancel", a.cancelRun)
	mux.HandleFunc("POST /v1/execution-runs/{id}/sync", a.syncRun)
	mux.HandleFunc("GET /v1/workers/"+worker.WorkerID+"/lease", a.workerLease)
	mux.HandleFunc("POST /v1/workers/"+worker.WorkerID+"/start", a.workerStart)
	mux.HandleFunc("POST /v1/workers/"+worker.WorkerID+"/run-once", a.workerRunOnce)
	mux.HandleFunc("POST /v1/workers/"+worker.WorkerID+"/stop", a.workerStop)
	mux.HandleFunc("POST /v1/incidents/scan", a.scanIncidents)
	mux.HandleFunc("GET /v1/incidents", a.listIncidents)
	mux.HandleFunc("POST /v1/incidents/{id}/ack", a.ackIncident)
	mux.HandleFunc("POST /v1/incidents/{id}/resolve", a.resolveIncident)
}

func (a *executionAPI) createPlannedRun(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Title          string         `json:"title"`
		SourceType     string         `json:"sourceType"`
		SourceRef      string         `json:"sourceRef"`
		TargetPlatform string         `json:"targetPlatform"`
		Bindings       map[string]any `json:"bindings"`
	}
	if err := decodeJSON(r, &body); err != nil {
		httpserver.WriteError(w, r, err)
		return
	}
	run, err := a.orchestrator.CreatePlannedRun(r.Context(), orchestrate.CreatePlannedRunInput{
		Title:          body.Title,
		SourceType:     body.SourceType,
		SourceRef:      body.SourceRef,
		TargetPlatform: body.TargetPlatform,
		Bindings:       body.Bindings,
	})
	if err != nil {
		httpserver.WriteError(w, r, err)
		return
	}
	httpserver.WriteJSON(w, http.StatusCreated, run)
}

func (a *executionAPI) compilePlannedRun(w http.ResponseWriter, r *http.Request) {
	plan, err := a.orchestrator.CompilePlannedRun(r.Context(), r.PathValue("id"))
	if err != nil {
		httpserver.WriteError(w, r, err)
		return
	}
	httpserver.WriteJSON(w, http.StatusOK, plan)
}

func (a *executionAPI) emitExecutionPlan(w http.ResponseWriter, r *http.Request) {
	plan, err := a.orchestrator.EmitExecutionPlan(r.Context(), r.PathValue("id"))
	if err != nil {
		httpserver.WriteError(w, r, err)
		return
	}
	httpserver.WriteJSON(w, http.StatusOK, plan)
}

func (a *executionAPI) getArtifact(w http.ResponseWriter, r *http.Request) {
	content, err := a.orchestrator.GetRobotPlanArtifact(r.Context(), r.PathValue("id"), r.URL.Query().Get("role"))
	if err != nil {
		httpserver.WriteError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", content.MimeType)
	w.Header().Set("X-Artifact-Role", content.Role)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(content.Text))
}

func (a *executionAPI) getArtifactURL(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	ttl := 10 * time.Minute
	if raw := strings.TrimSpace(q.Get("ttl")); raw != "" {
		parsed, err := time.ParseDuration(raw)
		if err != nil {
			httpserver.WriteError(w, r, execerr.BadRequest("invalid ttl %q: %v", raw, err))
			return
		}
		ttl = parsed
	}
	url, err := a.orchestrator.ArtifactURL(r.Context(), r.PathValue("id"), q.Get("role"), ttl)
	if err != nil {
		httpserver.WriteError(w, r, err)
		return
	}
	httpserver.WriteJSON(w, http.StatusOK, map[string]any{"url": url, "expiresIn": ttl.String()})
}

func (a *executionAPI) latestRun(w http.ResponseWriter, r *http.Request) {
	run, err := a.runs.LatestForRobotPlan(r.Context(), r.PathValue("id"))
	if err != nil {
		httpserver.WriteError(w, r, err)
		return
	}
	httpserver.WriteJSON(w, http.StatusOK, run)
}

func (a *executionAPI) executeRobotPlan(w http.ResponseWriter, r *http.Request) {
	var body struct {
		PlannedRunID string `json:"plannedRunId"`
		Mode         string `json:"mode"`
	}
	if err := decodeJSON(r, &body); err != nil {
		httpserver.WriteError(w, r, err)
		return
	}
	run, err := a.control.Dispatch(r.Context(), runs.DispatchRequest{
		RobotPlanID:  r.PathValue("id"),
		PlannedRunID: body.PlannedRunID,
		Mode:         body.Mode,
	})
	if err != nil {
		httpserver.WriteError(w, r, err)
		return
	}
	httpserver.WriteJSON(w, http.StatusCreated, run)
}

// cancelRobotPlan cancels the latest dispatch attempt of a robot plan.
func (a *executionAPI) cancelRobotPlan(w http.ResponseWriter, r *http.Request) {
	latest, err := a.runs.LatestForRobotPlan(r.Context(), r.PathValue("id"))
	if err != nil {
		httpserver.WriteError(w, r, err)
		return
	}
	run, err := a.control.Cancel(r.Context(), latest.RecordID)
	if err != nil {
		httpserver.WriteError(w, r, err)
		return
	}
	httpserver.WriteJSON(w, http.StatusOK, run)
}

func (a *executionAPI) listRuns(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := runs.ListFilter{
		Status:       domain.RunStatus(strings.TrimSpace(q.Get("status"))),
		RobotPlanID:  strings.TrimSpace(q.Get("robotPlanId")),
		PlannedRunID: strings.TrimSpace(q.Get("plannedRunId")),
		Sort:         strings.TrimSpace(q.Get("sort")),
	}
	filter.Offset, _ = strconv.Atoi(q.Get("offset"))
	filter.Limit, _ = strconv.Atoi(q.Get("limit"))

	page, err := a.runs.ListPaged(r.Context(), filter)
	if err != nil {
		httpserver.WriteError(w, r, err)
		return
	}
	httpserver.WriteJSON(w, http.StatusOK, page)
}

func (a *executionAPI) lineage(w http.ResponseWriter, r *http.Request) {
	hops, err := a.runs.Lineage(r.Context(), r.PathValue("id"))
	if err != nil {
		httpserver.WriteError(w, r, err)
		return
	}
	httpserver.WriteJSON(w, http.StatusOK, map[string]any{"lineage": hops})
}

func (a *executionAPI) retryRun(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Force  bool   `json:"force"`
		Reason string `json:"reason"`
	}
	if err := decodeJSON(r, &body); err != nil {
		httpserver.WriteError(w, r, err)
		return
	}
	run, err := a.runs.RetryWithOptions(r.Context(), r.PathValue("id"), runs.RetryOptions{
		Force:  body.Force,
		Reason: body.Reason,
	})
	if err != nil {
		httpserver.WriteError(w, r, err)
		return
	}
	httpserver.WriteJSON(w, http.StatusCreated, run)
}

func (a *executionAPI) cancelRun(w http.ResponseWriter, r *http.Request) {
	run, err := a.control.Cancel(r.Context(), r.PathValue("id"))
	if err != nil {
		httpserver.WriteError(w, r, err)
		return
	}
	httpserver.WriteJSON(w, http.StatusOK, run)
}

func (a *executionAPI) syncRun(w http.ResponseWriter, r *http.Request) {
	run, err := a.control.SyncStatus(r.Context(), r.PathValue("id"))
	if err != nil {
		httpserver.WriteError(w, r, err)
		return
	}
	httpserver.WriteJSON(w, http.StatusOK, run)
}

func (a *executionAPI) workerLease(w http.ResponseWriter, r *http.Request) {
	view, err := a.leaseView.View(r.Context(), worker.WorkerID)
	if err != nil {
		httpserver.WriteError(w, r, err)
		return
	}
	httpserver.WriteJSON(w, http.StatusOK, view)
}

// workerStart claims the retry-worker lease for this process. A live lease
// held elsewhere is reported as a conflict unless takeover is forced.
func (a *executionAPI) workerStart(w http.ResponseWriter, r *http.Request) {
	var body struct {
		TTL           string `json:"ttl"`
		Interval      string `json:"interval"`
		ForceTakeover bool   `json:"forceTakeover"`
	}
	if err := decodeJSON(r, &body); err != nil {
		httpserver.WriteError(w, r, err)
		return
	}
	ttl, err := durationOrDefault(body.TTL, 2*time.Minute)
	if err != nil {
		httpserver.WriteError(w, r, err)
		return
	}
	interval, err := durationOrDefault(body.Interval, 30*time.Second)
	if err != nil {
		httpserver.WriteError(w, r, err)
		return
	}

	startErr := a.retryWorker.Start(r.Context(), ttl, interval, worker.StartOptions{ForceTakeover: body.ForceTakeover})
	var blocked *worker.LeaseBlockedError
	if errors.As(startErr, &blocked) {
		httpserver.WriteJSON(w, http.StatusConflict, map[string]any{
			"running":       false,
			"leaseBlockedBy": blocked.Owner,
		})
		return
	}
	if startErr != nil {
		httpserver.WriteError(w, r, startErr)
		return
	}
	httpserver.WriteJSON(w, http.StatusOK, map[string]any{
		"running":    true,
		"leaseOwner": a.retryWorker.Instance(),
	})
}

func durationOrDefault(raw string, def time.Duration) (time.Duration, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return def, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, execerr.BadRequest("invalid duration %q: %v", raw, err)
	}
	return d, nil
}

func (a *executionAPI) workerRunOnce(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Batch int `json:"batch"`
	}
	if err := decodeJSON(r, &body); err != nil {
		httpserver.WriteError(w, r, err)
		return
	}
	counters, err := a.retryWorker.RunOnce(r.Context(), body.Batch)
	if err != nil {
		httpserver.WriteError(w, r, err)
		return
	}
	httpserver.WriteJSON(w, http.StatusOK, counters)
}

func (a *executionAPI) workerStop(w http.ResponseWriter, r *http.Request) {
	if err := a.retryWorker.Stop(r.Context()); err != nil {
		httpserver.WriteError(w, r, err)
		return
	}
	httpserver.WriteJSON(w, http.StatusOK, map[string]any{"stopped": true})
}

func (a *executionAPI) scanIncidents(w http.ResponseWriter, r *http.Request) {
	result, err := a.incidents.Scan(r.Context())
	if err != nil {
		httpserver.WriteError(w, r, err)
		return
	}
	httpserver.WriteJSON(w, http.StatusOK, result)
}

func (a *executionAPI) listIncidents(w http.ResponseWriter, r *http.Request) {
	status := domain.IncidentStatus(strings.TrimSpace(r.URL.Query().Get("status")))
	incidents, err := a.incidents.List(r.Context(), status)
	if err != nil {
		httpserver.WriteError(w, r, err)
		return
	}
	httpserver.WriteJSON(w, http.StatusOK, map[string]any{"incidents": incidents})
}

func (a *executionAPI) ackIncident(w http.ResponseWriter, r *http.Request) {
	got, err := a.incidents.Ack(r.Context(), r.PathValue("id"))
	if err != nil {
		httpserver.WriteError(w, r, err)
		return
	}
	httpserver.WriteJSON(w, http.StatusOK, got)
}

func (a *executionAPI) resolveIncident(w http.ResponseWriter, r *http.Request) {
	got, err := a.incidents.Resolve(r.Context(), r.PathValue("id"))
	if err != nil {
		httpserver.WriteError(w, r, err)
		return
	}
	httpserver.WriteJSON(w, http.StatusOK, got)
}

// decodeJSON tolerates an empty body; handlers treat absent fields as
// defaults.
func decodeJSON(r *http.Request, out any) error {
	if r.Body == nil || r.ContentLength == 0 {
		return nil
	}
	if err := json.NewDecoder(r.Body).Decode(out); err != nil {
		return execerr.BadRequest("invalid JSON body: %v", err)
	}
	return nil
}
