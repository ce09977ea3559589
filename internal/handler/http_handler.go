package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/pesio-ai/be-plt-workflows/internal/client"
	"github.com/pesio-ai/be-plt-workflows/internal/errors"
	"github.com/pesio-ai/be-plt-workflows/internal/logger"
	"github.com/pesio-ai/be-plt-workflows/internal/repository"
	"github.com/pesio-ai/be-plt-workflows/internal/service"
	"github.com/pesio-ai/be-plt-workflows/internal/session"
	"github.com/pesio-ai/be-plt-workflows/internal/workflow"
)

// Definitions is the workflow definition surface served over HTTP.
type Definitions interface {
	ListWorkflows(ctx context.Context, sess session.Session) ([]workflow.Workflow, error)
	GetWorkflow(ctx context.Context, sess session.Session, id string) (*workflow.Workflow, error)
	CreateWorkflow(ctx context.Context, sess session.Session, in service.CreateWorkflowInput) (*workflow.Workflow, error)
	UpdateWorkflow(ctx context.Context, sess session.Session, id string, in service.UpdateWorkflowInput) (*workflow.Workflow, error)
	DeleteWorkflow(ctx context.Context, sess session.Session, id string) error
	ListSteps(ctx context.Context, sess session.Session, workflowID string) ([]workflow.WorkflowStep, error)
	GetWorkflowAudit(ctx context.Context, sess session.Session, workflowID string) ([]*repository.AuditEntry, error)

	StartSession(ctx context.Context, sess session.Session, workflowID string) (*service.SessionView, error)
	GetSession(ctx context.Context, sess session.Session, sessionID string) (*service.SessionView, error)
	DiscardSession(ctx context.Context, sess session.Session, sessionID string) error
	StepOptions(ctx context.Context, sess session.Session, sessionID string) (*service.StepOptions, error)
	AddStep(ctx context.Context, sess session.Session, sessionID, formID, roleID string) (*service.SessionView, error)
	UpdateStep(ctx context.Context, sess session.Session, sessionID, key string, formID, roleID *string) (*service.SessionView, error)
	RemoveStep(ctx context.Context, sess session.Session, sessionID, key string) (*service.SessionView, error)
	ReorderSteps(ctx context.Context, sess session.Session, sessionID string, from, to int) (*service.SessionView, error)
	PreviewPlan(ctx context.Context, sess session.Session, sessionID string) (*workflow.Plan, error)
	Save(ctx context.Context, sess session.Session, sessionID string) (*service.SaveResult, error)
}

// Requests is the workflow request surface served over HTTP and gRPC.
type Requests interface {
	ListRequests(ctx context.Context, sess session.Session, f client.ListRequestsFilter) ([]workflow.WorkflowRequest, error)
	ListActionable(ctx context.Context, sess session.Session, f client.ListRequestsFilter) ([]service.RequestView, error)
	GetRequest(ctx context.Context, sess session.Session, id string) (*service.RequestView, error)
	GetAudit(ctx context.Context, sess session.Session, requestID string) ([]*repository.AuditEntry, error)
	Decide(ctx context.Context, sess session.Session, requestID string, in service.DecideInput) (*service.DecisionResult, error)
}

// HTTPHandler handles the organization-scoped HTTP API.
type HTTPHandler struct {
	definitions Definitions
	requests    Requests
	log         *logger.Logger
}

// NewHTTPHandler creates a new HTTP handler
func NewHTTPHandler(definitions Definitions, requests Requests, log *logger.Logger) *HTTPHandler {
	return &HTTPHandler{
		definitions: definitions,
		requests:    requests,
		log:         log,
	}
}

// Routes registers the handlers on r. r is expected to sit below the
// authentication middleware.
func (h *HTTPHandler) Routes(r chi.Router) {
	r.Route("/organizations/{org}", func(r chi.Router) {
		r.Get("/workflows", h.ListWorkflows)
		r.Post("/workflows", h.CreateWorkflow)
		r.Get("/workflows/{id}", h.GetWorkflow)
		r.Patch("/workflows/{id}", h.UpdateWorkflow)
		r.Delete("/workflows/{id}", h.DeleteWorkflow)
		r.Get("/workflows/{id}/steps", h.ListSteps)
		r.Get("/workflows/{id}/audit", h.GetWorkflowAudit)
		r.Post("/workflows/{id}/edit-sessions", h.StartSession)

		r.Route("/edit-sessions/{sid}", func(r chi.Router) {
			r.Get("/", h.GetSession)
			r.Delete("/", h.DiscardSession)
			r.Get("/options", h.StepOptions)
			r.Post("/steps", h.AddStep)
			r.Patch("/steps/{key}", h.UpdateStep)
			r.Delete("/steps/{key}", h.RemoveStep)
			r.Post("/reorder", h.ReorderSteps)
			r.Get("/plan", h.PreviewPlan)
			r.Post("/save", h.Save)
		})

		r.Get("/workflow-requests", h.ListRequests)
		r.Get("/workflow-requests/actionable", h.ListActionable)
		r.Get("/workflow-requests/{id}", h.GetRequest)
		r.Post("/workflow-requests/{id}/decision", h.Decide)
		r.Get("/workflow-requests/{id}/audit", h.GetAudit)
	})
}

// ── Workflows ─────────────────────────────────────────────────────────────────

// ListWorkflows handles GET /workflows
func (h *HTTPHandler) ListWorkflows(w http.ResponseWriter, r *http.Request) {
	sess, ok := h.session(w, r)
	if !ok {
		return
	}
	workflows, err := h.definitions.ListWorkflows(r.Context(), sess)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeData(w, http.StatusOK, map[string]any{"workflows": workflows})
}

// CreateWorkflow handles POST /workflows
func (h *HTTPHandler) CreateWorkflow(w http.ResponseWriter, r *http.Request) {
	sess, ok := h.session(w, r)
	if !ok {
		return
	}
	var in service.CreateWorkflowInput
	if !h.decode(w, r, &in) {
		return
	}
	wf, err := h.definitions.CreateWorkflow(r.Context(), sess, in)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeData(w, http.StatusCreated, wf)
}

// GetWorkflow handles GET /workflows/{id}
func (h *HTTPHandler) GetWorkflow(w http.ResponseWriter, r *http.Request) {
	sess, ok := h.session(w, r)
	if !ok {
		return
	}
	wf, err := h.definitions.GetWorkflow(r.Context(), sess, chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeData(w, http.StatusOK, wf)
}

// UpdateWorkflow handles PATCH /workflows/{id}
func (h *HTTPHandler) UpdateWorkflow(w http.ResponseWriter, r *http.Request) {
	sess, ok := h.session(w, r)
	if !ok {
		return
	}
	var in service.UpdateWorkflowInput
	if !h.decode(w, r, &in) {
		return
	}
	wf, err := h.definitions.UpdateWorkflow(r.Context(), sess, chi.URLParam(r, "id"), in)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeData(w, http.StatusOK, wf)
}

// DeleteWorkflow handles DELETE /workflows/{id}
func (h *HTTPHandler) DeleteWorkflow(w http.ResponseWriter, r *http.Request) {
	sess, ok := h.session(w, r)
	if !ok {
		return
	}
	if err := h.definitions.DeleteWorkflow(r.Context(), sess, chi.URLParam(r, "id")); err != nil {
		h.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ListSteps handles GET /workflows/{id}/steps
func (h *HTTPHandler) ListSteps(w http.ResponseWriter, r *http.Request) {
	sess, ok := h.session(w, r)
	if !ok {
		return
	}
	steps, err := h.definitions.ListSteps(r.Context(), sess, chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeData(w, http.StatusOK, map[string]any{"steps": steps})
}

// GetWorkflowAudit handles GET /workflows/{id}/audit
func (h *HTTPHandler) GetWorkflowAudit(w http.ResponseWriter, r *http.Request) {
	sess, ok := h.session(w, r)
	if !ok {
		return
	}
	entries, err := h.definitions.GetWorkflowAudit(r.Context(), sess, chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeData(w, http.StatusOK, map[string]any{"entries": entries})
}

// ── Edit sessions ─────────────────────────────────────────────────────────────

type stepBody struct {
	FormID             *string `json:"formId"`
	OrganizationRoleID *string `json:"organizationRoleId"`
}

type reorderBody struct {
	From *int `json:"from"`
	To   *int `json:"to"`
}

// StartSession handles POST /workflows/{id}/edit-sessions
func (h *HTTPHandler) StartSession(w http.ResponseWriter, r *http.Request) {
	sess, ok := h.session(w, r)
	if !ok {
		return
	}
	view, err := h.definitions.StartSession(r.Context(), sess, chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeData(w, http.StatusCreated, view)
}

// GetSession handles GET /edit-sessions/{sid}
func (h *HTTPHandler) GetSession(w http.ResponseWriter, r *http.Request) {
	sess, ok := h.session(w, r)
	if !ok {
		return
	}
	view, err := h.definitions.GetSession(r.Context(), sess, chi.URLParam(r, "sid"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeData(w, http.StatusOK, view)
}

// DiscardSession handles DELETE /edit-sessions/{sid}
func (h *HTTPHandler) DiscardSession(w http.ResponseWriter, r *http.Request) {
	sess, ok := h.session(w, r)
	if !ok {
		return
	}
	if err := h.definitions.DiscardSession(r.Context(), sess, chi.URLParam(r, "sid")); err != nil {
		h.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// StepOptions handles GET /edit-sessions/{sid}/options
func (h *HTTPHandler) StepOptions(w http.ResponseWriter, r *http.Request) {
	sess, ok := h.session(w, r)
	if !ok {
		return
	}
	opts, err := h.definitions.StepOptions(r.Context(), sess, chi.URLParam(r, "sid"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeData(w, http.StatusOK, opts)
}

// AddStep handles POST /edit-sessions/{sid}/steps
func (h *HTTPHandler) AddStep(w http.ResponseWriter, r *http.Request) {
	sess, ok := h.session(w, r)
	if !ok {
		return
	}
	var body stepBody
	if !h.decode(w, r, &body) {
		return
	}
	view, err := h.definitions.AddStep(r.Context(), sess, chi.URLParam(r, "sid"), deref(body.FormID), deref(body.OrganizationRoleID))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeData(w, http.StatusCreated, view)
}

// UpdateStep handles PATCH /edit-sessions/{sid}/steps/{key}
func (h *HTTPHandler) UpdateStep(w http.ResponseWriter, r *http.Request) {
	sess, ok := h.session(w, r)
	if !ok {
		return
	}
	var body stepBody
	if !h.decode(w, r, &body) {
		return
	}
	view, err := h.definitions.UpdateStep(r.Context(), sess, chi.URLParam(r, "sid"), chi.URLParam(r, "key"),
		body.FormID, body.OrganizationRoleID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeData(w, http.StatusOK, view)
}

// RemoveStep handles DELETE /edit-sessions/{sid}/steps/{key}
func (h *HTTPHandler) RemoveStep(w http.ResponseWriter, r *http.Request) {
	sess, ok := h.session(w, r)
	if !ok {
		return
	}
	view, err := h.definitions.RemoveStep(r.Context(), sess, chi.URLParam(r, "sid"), chi.URLParam(r, "key"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeData(w, http.StatusOK, view)
}

// ReorderSteps handles POST /edit-sessions/{sid}/reorder
func (h *HTTPHandler) ReorderSteps(w http.ResponseWriter, r *http.Request) {
	sess, ok := h.session(w, r)
	if !ok {
		return
	}
	var body reorderBody
	if !h.decode(w, r, &body) {
		return
	}
	if body.From == nil || body.To == nil {
		h.writeError(w, r, errors.InvalidInput("from", "from and to are required"))
		return
	}
	view, err := h.definitions.ReorderSteps(r.Context(), sess, chi.URLParam(r, "sid"), *body.From, *body.To)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeData(w, http.StatusOK, view)
}

// PreviewPlan handles GET /edit-sessions/{sid}/plan
func (h *HTTPHandler) PreviewPlan(w http.ResponseWriter, r *http.Request) {
	sess, ok := h.session(w, r)
	if !ok {
		return
	}
	plan, err := h.definitions.PreviewPlan(r.Context(), sess, chi.URLParam(r, "sid"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeData(w, http.StatusOK, plan)
}

// Save handles POST /edit-sessions/{sid}/save. A partially applied save is
// answered with 207 and the full result so the client can show what failed.
func (h *HTTPHandler) Save(w http.ResponseWriter, r *http.Request) {
	sess, ok := h.session(w, r)
	if !ok {
		return
	}
	result, err := h.definitions.Save(r.Context(), sess, chi.URLParam(r, "sid"))
	if err != nil && result != nil {
		writeJSON(w, http.StatusMultiStatus, envelope{
			Success: false,
			Data:    result,
			Error:   toErrorBody(err),
		})
		return
	}
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeData(w, http.StatusOK, result)
}

// ── Workflow requests ─────────────────────────────────────────────────────────

// ListRequests handles GET /workflow-requests
func (h *HTTPHandler) ListRequests(w http.ResponseWriter, r *http.Request) {
	sess, ok := h.session(w, r)
	if !ok {
		return
	}
	f, err := requestFilter(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	requests, err := h.requests.ListRequests(r.Context(), sess, f)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeData(w, http.StatusOK, map[string]any{"workflowRequests": requests})
}

// ListActionable handles GET /workflow-requests/actionable
func (h *HTTPHandler) ListActionable(w http.ResponseWriter, r *http.Request) {
	sess, ok := h.session(w, r)
	if !ok {
		return
	}
	f, err := requestFilter(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	views, err := h.requests.ListActionable(r.Context(), sess, f)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeData(w, http.StatusOK, map[string]any{"workflowRequests": views})
}

// GetRequest handles GET /workflow-requests/{id}
func (h *HTTPHandler) GetRequest(w http.ResponseWriter, r *http.Request) {
	sess, ok := h.session(w, r)
	if !ok {
		return
	}
	view, err := h.requests.GetRequest(r.Context(), sess, chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeData(w, http.StatusOK, view)
}

// Decide handles POST /workflow-requests/{id}/decision
func (h *HTTPHandler) Decide(w http.ResponseWriter, r *http.Request) {
	sess, ok := h.session(w, r)
	if !ok {
		return
	}
	var in service.DecideInput
	if !h.decode(w, r, &in) {
		return
	}
	result, err := h.requests.Decide(r.Context(), sess, chi.URLParam(r, "id"), in)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeData(w, http.StatusOK, result)
}

// GetAudit handles GET /workflow-requests/{id}/audit
func (h *HTTPHandler) GetAudit(w http.ResponseWriter, r *http.Request) {
	sess, ok := h.session(w, r)
	if !ok {
		return
	}
	entries, err := h.requests.GetAudit(r.Context(), sess, chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeData(w, http.StatusOK, map[string]any{"entries": entries})
}

// ── Helpers ───────────────────────────────────────────────────────────────────

func (h *HTTPHandler) session(w http.ResponseWriter, r *http.Request) (session.Session, bool) {
	sess, err := session.ForOrganization(r.Context(), chi.URLParam(r, "org"))
	if err != nil {
		h.writeError(w, r, err)
		return session.Session{}, false
	}
	return sess, true
}

func (h *HTTPHandler) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		h.writeError(w, r, errors.Wrap(err, errors.ErrCodeInvalidInput, "invalid request body"))
		return false
	}
	return true
}

func (h *HTTPHandler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := errors.HTTPStatus(err)
	if status >= http.StatusInternalServerError {
		h.log.Error().Err(err).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Msg("Request failed")
	}
	writeErrorStatus(w, status, err)
}

func requestFilter(r *http.Request) (client.ListRequestsFilter, error) {
	q := r.URL.Query()
	f := client.ListRequestsFilter{
		Status:     workflow.RequestStatus(q.Get("status")),
		WorkflowID: q.Get("workflowId"),
	}
	for name, dst := range map[string]*int{"page": &f.Page, "limit": &f.Limit} {
		raw := q.Get(name)
		if raw == "" {
			continue
		}
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			return f, errors.InvalidInput(name, name+" must be a non-negative integer")
		}
		*dst = n
	}
	return f, nil
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
