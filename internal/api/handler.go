// Package api translates parsed HTTP requests into registry and supervisor
// calls, formats JSON responses, and maps domain errors onto HTTP status
// codes. It owns no business state itself — every decision is delegated to
// the registry, supervisor, or template resolver it wraps.
package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"sync/atomic"

	"go.opentelemetry.io/otel/trace"

	"github.com/ckoons/argo/internal/argoerr"
	"github.com/ckoons/argo/internal/ioqueue"
	"github.com/ckoons/argo/internal/log"
	"github.com/ckoons/argo/internal/registry"
	"github.com/ckoons/argo/internal/templateresolve"
	"github.com/ckoons/argo/internal/tracing"
)

// Version is the daemon's release version, set at build time.
var Version = "dev"

// APIVersion is the wire-contract version of this HTTP surface.
const APIVersion = "1"

// Supervisor is the subset of *supervisor.Supervisor the handlers need.
type Supervisor interface {
	Spawn(workflowID string) (pid int, err error)
	Pause(workflowID string) error
	Resume(workflowID string) error
	Abandon(workflowID string) error
}

// Handler implements the daemon's HTTP API.
type Handler struct {
	reg      *registry.Registry
	sup      Supervisor
	resolver templateresolve.Resolver
	logDir   string
	tracer   trace.Tracer

	shuttingDown atomic.Bool
	onShutdown   func()
}

// Config wires a Handler's collaborators together.
type Config struct {
	Registry  *registry.Registry
	Supervisor Supervisor
	Resolver  templateresolve.Resolver
	LogDir    string
	Tracer    trace.Tracer
	// OnShutdown is invoked once after POST /api/shutdown responds.
	OnShutdown func()
}

// NewHandler builds a Handler from cfg.
func NewHandler(cfg Config) *Handler {
	return &Handler{
		reg:        cfg.Registry,
		sup:        cfg.Supervisor,
		resolver:   cfg.Resolver,
		logDir:     cfg.LogDir,
		tracer:     cfg.Tracer,
		onShutdown: cfg.OnShutdown,
	}
}

// Routes registers every workflow-control endpoint plus the SSE streams
// onto a fresh mux.
func (h *Handler) Routes() http.Handler {
	mux := http.NewServeMux()

	mux.Handle("GET /api/health", h.traced("health", h.handleHealth))
	mux.Handle("GET /api/version", h.traced("version", h.handleVersion))
	mux.Handle("POST /api/shutdown", h.traced("shutdown", h.handleShutdown))

	mux.Handle("POST /api/workflow/start", h.traced("workflow.start", h.handleStart))
	mux.Handle("GET /api/workflow/list", h.traced("workflow.list", h.handleList))
	mux.Handle("GET /api/workflow/status", h.traced("workflow.status", h.handleStatus))
	mux.Handle("POST /api/workflow/pause", h.traced("workflow.pause", h.handlePause))
	mux.Handle("POST /api/workflow/resume", h.traced("workflow.resume", h.handleResume))
	mux.Handle("DELETE /api/workflow/abandon", h.traced("workflow.abandon", h.handleAbandon))
	mux.Handle("POST /api/workflow/input", h.traced("workflow.input.post", h.handleInputPost))
	mux.Handle("GET /api/workflow/input", h.traced("workflow.input.get", h.handleInputGet))
	mux.Handle("GET /api/workflow/output", h.traced("workflow.output", h.handleOutput))
	mux.Handle("POST /api/workflow/progress", h.traced("workflow.progress", h.handleProgress))

	mux.Handle("GET /api/events", h.traced("events", h.handleGlobalEvents))
	mux.Handle("GET /api/workflow/events", h.traced("workflow.events", h.handleWorkflowEvents))

	return mux
}

func (h *Handler) traced(name string, fn http.HandlerFunc) http.Handler {
	return tracing.Middleware(h.tracer, name)(fn)
}

// workflowID extracts the id the way every handler here expects it: a query string
// named workflow_name, matching the literal S2-S4 scenario examples.
func workflowID(r *http.Request) string {
	return r.URL.Query().Get("workflow_name")
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"workflows": h.reg.Count(),
	})
}

func (h *Handler) handleVersion(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"version":     Version,
		"api_version": APIVersion,
	})
}

func (h *Handler) handleShutdown(w http.ResponseWriter, r *http.Request) {
	h.shuttingDown.Store(true)
	writeJSON(w, http.StatusOK, map[string]any{"status": "shutting down"})
	if h.onShutdown != nil {
		go h.onShutdown()
	}
}

type startRequest struct {
	Template    string `json:"template"`
	Instance    string `json:"instance"`
	Branch      string `json:"branch"`
	Environment string `json:"environment"`
}

func (h *Handler) handleStart(w http.ResponseWriter, r *http.Request) {
	var req startRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Template == "" || req.Instance == "" {
		writeError(w, http.StatusBadRequest, "template and instance are required")
		return
	}

	scriptPath, err := h.resolver.Resolve(req.Template)
	if err != nil {
		writeError(w, http.StatusNotFound, "unknown template: "+req.Template)
		return
	}

	environment := req.Environment
	if environment == "" {
		environment = "dev"
	}

	workflowID := registry.NewWorkflowID(req.Template, req.Instance)
	rec := registry.NewRecord(workflowID, scriptPath, nil, nil)
	rec.TemplateName = req.Template
	rec.Branch = req.Branch
	rec.Environment = environment

	if err := h.reg.Add(rec); err != nil {
		if argoerr.KindOf(err) == argoerr.Duplicate {
			writeError(w, http.StatusConflict, "Workflow already exists")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	if _, err := h.sup.Spawn(workflowID); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to start workflow: "+err.Error())
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"status":      "success",
		"workflow_id": workflowID,
		"environment": environment,
	})
}

func (h *Handler) handleList(w http.ResponseWriter, r *http.Request) {
	snaps := h.reg.List()
	workflows := make([]map[string]any, 0, len(snaps))
	for _, s := range snaps {
		workflows = append(workflows, map[string]any{
			"workflow_id": s.WorkflowID,
			"status":      string(s.State),
			"pid":         s.PID,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"workflows": workflows})
}

func (h *Handler) handleStatus(w http.ResponseWriter, r *http.Request) {
	id := workflowID(r)
	if id == "" {
		writeError(w, http.StatusBadRequest, "workflow_name is required")
		return
	}

	var snap registry.Snapshot
	found := false
	for _, s := range h.reg.List() {
		if s.WorkflowID == id {
			snap = s
			found = true
			break
		}
	}
	if !found {
		writeError(w, http.StatusNotFound, "no such workflow: "+id)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"workflow_id": snap.WorkflowID,
		"status":      string(snap.State),
		"pid":         snap.PID,
		"template":    snap.TemplateName,
	})
}

func (h *Handler) handlePause(w http.ResponseWriter, r *http.Request) {
	id := workflowID(r)
	if id == "" {
		writeError(w, http.StatusBadRequest, "workflow_name is required")
		return
	}

	alreadyPaused := false
	err := h.reg.WithRecord(id, func(rec *registry.Record) error {
		alreadyPaused = rec.State == registry.Paused
		return nil
	})
	if handleLookupError(w, err) {
		return
	}
	if alreadyPaused {
		writeJSON(w, http.StatusOK, map[string]any{"status": "already_paused"})
		return
	}

	if err := h.sup.Pause(id); err != nil {
		writeStatusedError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"workflow_id": id, "action": "paused"})
}

func (h *Handler) handleResume(w http.ResponseWriter, r *http.Request) {
	id := workflowID(r)
	if id == "" {
		writeError(w, http.StatusBadRequest, "workflow_name is required")
		return
	}

	alreadyRunning := false
	err := h.reg.WithRecord(id, func(rec *registry.Record) error {
		alreadyRunning = rec.State == registry.Running
		return nil
	})
	if handleLookupError(w, err) {
		return
	}
	if alreadyRunning {
		writeJSON(w, http.StatusOK, map[string]any{"status": "already_running"})
		return
	}

	if err := h.sup.Resume(id); err != nil {
		writeStatusedError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"workflow_id": id, "action": "resumed"})
}

func (h *Handler) handleAbandon(w http.ResponseWriter, r *http.Request) {
	id := workflowID(r)
	if id == "" {
		writeError(w, http.StatusBadRequest, "workflow_name is required")
		return
	}

	err := h.reg.WithRecord(id, func(rec *registry.Record) error { return nil })
	if handleLookupError(w, err) {
		return
	}

	if err := h.sup.Abandon(id); err != nil {
		writeStatusedError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"workflow_id": id, "action": "abandoned"})
}

type inputRequest struct {
	Input string `json:"input"`
}

func (h *Handler) handleInputPost(w http.ResponseWriter, r *http.Request) {
	id := workflowID(r)
	if id == "" {
		writeError(w, http.StatusBadRequest, "workflow_name is required")
		return
	}
	var req inputRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Input == "" {
		writeError(w, http.StatusBadRequest, "input field is required")
		return
	}

	text := ioqueue.Unescape(req.Input)
	result, err := ioqueue.Deliver(h.reg, id, text)
	if err != nil {
		writeStatusedError(w, err)
		return
	}
	if result.Queued {
		writeJSON(w, http.StatusOK, map[string]any{"queued": true})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"bytes_written": result.Written})
}

func (h *Handler) handleInputGet(w http.ResponseWriter, r *http.Request) {
	id := workflowID(r)
	if id == "" {
		writeError(w, http.StatusBadRequest, "workflow_name is required")
		return
	}
	msg, found, err := h.reg.DequeueInput(id)
	if handleLookupError(w, err) {
		return
	}
	if !found {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"workflow_id": id, "input": msg.Text})
}

func (h *Handler) handleOutput(w http.ResponseWriter, r *http.Request) {
	id := workflowID(r)
	if id == "" {
		writeError(w, http.StatusBadRequest, "workflow_name is required")
		return
	}
	err := h.reg.WithRecord(id, func(rec *registry.Record) error { return nil })
	if handleLookupError(w, err) {
		return
	}

	since := int64(0)
	if raw := r.URL.Query().Get("since"); raw != "" {
		parsed, parseErr := strconv.ParseInt(raw, 10, 64)
		if parseErr != nil {
			writeError(w, http.StatusBadRequest, "since must be an integer byte offset")
			return
		}
		since = parsed
	}

	result, err := ioqueue.Tail(h.logDir, id, since)
	if err != nil {
		writeStatusedError(w, err)
		return
	}
	if result.Empty {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"workflow_id": id,
		"offset":      result.Offset,
		"content":     string(result.Content),
	})
}

type progressRequest struct {
	CurrentStep int    `json:"current_step"`
	TotalSteps  int    `json:"total_steps"`
	StepName    string `json:"step_name"`
}

func (h *Handler) handleProgress(w http.ResponseWriter, r *http.Request) {
	id := workflowID(r)
	if id == "" {
		writeError(w, http.StatusBadRequest, "workflow_name is required")
		return
	}
	var req progressRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	err := h.reg.WithRecord(id, func(rec *registry.Record) error {
		rec.CurrentStep = req.CurrentStep
		rec.TotalSteps = req.TotalSteps
		rec.StepName = req.StepName
		return nil
	})
	if handleLookupError(w, err) {
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "success"})
}

func handleLookupError(w http.ResponseWriter, err error) bool {
	if err == nil {
		return false
	}
	writeStatusedError(w, err)
	return true
}

func writeStatusedError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch argoerr.KindOf(err) {
	case argoerr.NotFound:
		status = http.StatusNotFound
	case argoerr.InputNull, argoerr.InputInvalid, argoerr.InputTooLarge, argoerr.ProtocolFormat:
		status = http.StatusBadRequest
	case argoerr.Duplicate:
		status = http.StatusConflict
	case argoerr.InvalidState, argoerr.ResourceLimit:
		status = http.StatusInternalServerError
	}
	writeError(w, status, err.Error())
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		log.ErrorErr(log.CatAPI, "failed to encode JSON response", err)
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]any{"status": "error", "message": message})
}
