package service

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/pesio-ai/be-plt-workflows/internal/cache"
	"github.com/pesio-ai/be-plt-workflows/internal/client"
	"github.com/pesio-ai/be-plt-workflows/internal/errors"
	"github.com/pesio-ai/be-plt-workflows/internal/events"
	"github.com/pesio-ai/be-plt-workflows/internal/logger"
	"github.com/pesio-ai/be-plt-workflows/internal/metrics"
	"github.com/pesio-ai/be-plt-workflows/internal/repository"
	"github.com/pesio-ai/be-plt-workflows/internal/session"
	"github.com/pesio-ai/be-plt-workflows/internal/workflow"
)

// RequestService evaluates and decides workflow requests.
type RequestService struct {
	requests  client.RequestsClientInterface
	workflows client.WorkflowsClientInterface
	audit     AuditLog
	publisher EventPublisher
	cache     *cache.Manager
	metrics   *metrics.Metrics
	gate      workflow.Gate
	log       *logger.Logger
	now       func() time.Time

	mu       sync.Mutex
	inFlight map[string]struct{}
}

// NewRequestService creates a new RequestService. cache, metrics and
// publisher may be nil.
func NewRequestService(
	requests client.RequestsClientInterface,
	workflows client.WorkflowsClientInterface,
	audit AuditLog,
	publisher EventPublisher,
	cacheManager *cache.Manager,
	m *metrics.Metrics,
	gate workflow.Gate,
	log *logger.Logger,
) *RequestService {
	return &RequestService{
		requests:  requests,
		workflows: workflows,
		audit:     audit,
		publisher: publisher,
		cache:     cacheManager,
		metrics:   m,
		gate:      gate,
		log:       log,
		now:       time.Now,
		inFlight:  make(map[string]struct{}),
	}
}

// RequestView is a request together with what the viewer may do with it.
type RequestView struct {
	Request      *workflow.WorkflowRequest `json:"request"`
	Availability workflow.Availability     `json:"availability"`
	Overdue      bool                      `json:"overdue"`
}

// DecideInput is an approve or reject submission.
type DecideInput struct {
	Decision workflow.Decision `json:"status"`
	Comments *string           `json:"comments,omitempty"`
}

// DecisionResult reports a submitted decision. Request is the refetched
// state; it is nil when the refetch failed after the decision went through.
type DecisionResult struct {
	RequestID      string            `json:"requestId"`
	WorkflowStepID string            `json:"workflowStepId"`
	Decision       workflow.Decision `json:"decision"`
	Request        *RequestView      `json:"request,omitempty"`
}

// ── Queries ───────────────────────────────────────────────────────────────────

// ListRequests lists requests, from cache when possible.
func (s *RequestService) ListRequests(ctx context.Context, sess session.Session, f client.ListRequestsFilter) ([]workflow.WorkflowRequest, error) {
	if err := sess.Validate(); err != nil {
		return nil, err
	}
	if f.Status != "" && !validStatus(f.Status) {
		return nil, errors.InvalidInput("status", fmt.Sprintf("unsupported status %q", f.Status))
	}

	key := f.Query()
	if reqs, ok := s.cache.GetRequestList(sess.OrganizationID, key); ok {
		return reqs, nil
	}
	gen := s.cache.RequestGeneration(sess.OrganizationID)
	reqs, err := s.requests.ListRequests(ctx, sess, f)
	if err != nil {
		return nil, err
	}
	if reqs == nil {
		reqs = []workflow.WorkflowRequest{}
	}
	s.cache.SetRequestList(sess.OrganizationID, key, gen, reqs)
	return reqs, nil
}

// GetRequest returns the request with the viewer's availability.
func (s *RequestService) GetRequest(ctx context.Context, sess session.Session, id string) (*RequestView, error) {
	if err := sess.Validate(); err != nil {
		return nil, err
	}
	if id == "" {
		return nil, errors.InvalidInput("id", "request id is required")
	}

	req, ok := s.cache.GetRequest(sess.OrganizationID, id)
	if !ok {
		gen := s.cache.RequestGeneration(sess.OrganizationID)
		var err error
		req, err = s.requests.GetRequest(ctx, sess, id)
		if err != nil {
			return nil, err
		}
		s.cache.SetRequest(sess.OrganizationID, gen, req)
	}

	steps, err := listStepsCached(ctx, s.workflows, s.cache, sess, req.WorkflowID)
	if err != nil {
		return nil, err
	}
	return s.view(req, steps, sess.Viewer()), nil
}

// ListActionable returns the pending requests the viewer can act on now.
func (s *RequestService) ListActionable(ctx context.Context, sess session.Session, f client.ListRequestsFilter) ([]RequestView, error) {
	f.Status = workflow.RequestPending
	reqs, err := s.ListRequests(ctx, sess, f)
	if err != nil {
		return nil, err
	}

	workflowIDs := make([]string, 0)
	seen := make(map[string]bool)
	for _, r := range reqs {
		if !seen[r.WorkflowID] {
			seen[r.WorkflowID] = true
			workflowIDs = append(workflowIDs, r.WorkflowID)
		}
	}

	stepsByWorkflow := make(map[string][]workflow.WorkflowStep, len(workflowIDs))
	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(defaultSaveConcurrency)
	for _, wfID := range workflowIDs {
		g.Go(func() error {
			steps, err := listStepsCached(gctx, s.workflows, s.cache, sess, wfID)
			if err != nil {
				return err
			}
			mu.Lock()
			stepsByWorkflow[wfID] = steps
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	viewer := sess.Viewer()
	out := make([]RequestView, 0, len(reqs))
	for i := range reqs {
		v := s.view(&reqs[i], stepsByWorkflow[reqs[i].WorkflowID], viewer)
		if v.Availability.CanAct {
			out = append(out, *v)
		}
	}
	return out, nil
}

// GetAudit returns the local decision trail of a request.
func (s *RequestService) GetAudit(ctx context.Context, sess session.Session, requestID string) ([]*repository.AuditEntry, error) {
	if err := sess.Validate(); err != nil {
		return nil, err
	}
	if s.audit == nil {
		return []*repository.AuditEntry{}, nil
	}
	return s.audit.ListByRequest(ctx, sess.OrganizationID, requestID)
}

// ── Decide ────────────────────────────────────────────────────────────────────

// Decide approves or rejects the request's outstanding step. Authoritative
// state is refetched first and the decision is refused unless the gate offers
// it. At most one decision per request is in flight. After success the cached
// request and every cached request list of the organization are dropped and
// the request is refetched.
func (s *RequestService) Decide(ctx context.Context, sess session.Session, requestID string, in DecideInput) (*DecisionResult, error) {
	if err := sess.Validate(); err != nil {
		return nil, err
	}
	if requestID == "" {
		return nil, errors.InvalidInput("id", "request id is required")
	}
	if !in.Decision.Valid() {
		return nil, errors.InvalidInput("status", fmt.Sprintf("decision must be %q or %q", workflow.DecisionApproved, workflow.DecisionRejected))
	}

	release, err := s.acquire(sess.OrganizationID, requestID)
	if err != nil {
		s.metrics.Decision(string(in.Decision), metrics.OutcomeBlocked)
		return nil, err
	}
	defer release()

	req, err := s.requests.GetRequest(ctx, sess, requestID)
	if err != nil {
		return nil, err
	}
	stepsGen := s.cache.StepsGeneration(sess.OrganizationID, req.WorkflowID)
	steps, err := s.workflows.ListSteps(ctx, sess, req.WorkflowID)
	if err != nil {
		return nil, err
	}
	s.cache.SetSteps(sess.OrganizationID, req.WorkflowID, stepsGen, steps)

	av := s.gate.Evaluate(req, steps, sess.Viewer())
	if !av.CanAct {
		s.metrics.Decision(string(in.Decision), metrics.OutcomeBlocked)
		s.cache.InvalidateRequest(sess.OrganizationID, requestID)
		return nil, blocked(av.Reason)
	}

	err = s.requests.Decide(ctx, sess, requestID, &client.DecisionRequest{
		WorkflowStepID: av.PendingStep.ID,
		Status:         in.Decision,
		Comments:       in.Comments,
	})
	if err != nil {
		s.metrics.Decision(string(in.Decision), metrics.OutcomeFailure)
		s.log.Warn().Err(err).
			Str("request_id", requestID).
			Str("decision", string(in.Decision)).
			Msg("Decision rejected by server")
		return nil, err
	}
	s.metrics.Decision(string(in.Decision), metrics.OutcomeSuccess)

	// The decision is committed remotely; what follows must not be cut short.
	ctx = context.WithoutCancel(ctx)
	s.cache.InvalidateRequest(sess.OrganizationID, requestID)
	gen := s.cache.RequestGeneration(sess.OrganizationID)
	if s.publisher != nil {
		s.publisher.Invalidate(ctx, sess.OrganizationID, events.KindRequest, requestID)
		s.publisher.RequestDecided(ctx, sess.OrganizationID, requestID, req.WorkflowID, sess.UserID, map[string]any{
			"decision":         in.Decision,
			"workflow_step_id": av.PendingStep.ID,
			"step_order":       av.PendingStep.Order,
		})
	}

	action := repository.AuditRequestApproved
	if in.Decision == workflow.DecisionRejected {
		action = repository.AuditRequestRejected
	}
	metadata := map[string]any{
		"workflow_step_id": av.PendingStep.ID,
		"step_order":       av.PendingStep.Order,
	}
	if in.Comments != nil {
		metadata["comments"] = *in.Comments
	}
	s.appendAudit(ctx, &repository.AuditEntry{
		OrganizationID: sess.OrganizationID,
		WorkflowID:     &req.WorkflowID,
		RequestID:      &requestID,
		Action:         action,
		PerformedBy:    sess.UserID,
		Metadata:       metadata,
	})

	s.log.Info().
		Str("organization_id", sess.OrganizationID).
		Str("request_id", requestID).
		Str("workflow_step_id", av.PendingStep.ID).
		Str("decision", string(in.Decision)).
		Msg("Decision submitted")

	result := &DecisionResult{
		RequestID:      requestID,
		WorkflowStepID: av.PendingStep.ID,
		Decision:       in.Decision,
	}
	refreshed, err := s.requests.GetRequest(ctx, sess, requestID)
	if err != nil {
		s.log.Warn().Err(err).Str("request_id", requestID).Msg("Failed to refetch request after decision")
		return result, nil
	}
	s.cache.SetRequest(sess.OrganizationID, gen, refreshed)
	result.Request = s.view(refreshed, steps, sess.Viewer())
	return result, nil
}

// ── Internal helpers ──────────────────────────────────────────────────────────

func (s *RequestService) view(req *workflow.WorkflowRequest, steps []workflow.WorkflowStep, viewer workflow.Viewer) *RequestView {
	return &RequestView{
		Request:      req,
		Availability: s.gate.Evaluate(req, steps, viewer),
		Overdue:      req.Overdue(s.now()),
	}
}

func (s *RequestService) acquire(orgID, requestID string) (func(), error) {
	key := orgID + "/" + requestID
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, busy := s.inFlight[key]; busy {
		return nil, errors.Conflict("a decision for this request is already being submitted")
	}
	s.inFlight[key] = struct{}{}
	return func() {
		s.mu.Lock()
		delete(s.inFlight, key)
		s.mu.Unlock()
	}, nil
}

// appendAudit writes an audit entry and logs a warning on failure (never returns error).
func (s *RequestService) appendAudit(ctx context.Context, entry *repository.AuditEntry) {
	if s.audit == nil {
		return
	}
	if err := s.audit.Append(ctx, entry); err != nil {
		s.log.Warn().Err(err).
			Str("organization_id", entry.OrganizationID).
			Str("action", entry.Action).
			Msg("Failed to write audit log entry")
	}
}

func blocked(reason workflow.BlockReason) error {
	switch reason {
	case workflow.ReasonRoleMismatch:
		return errors.New(errors.ErrCodeForbidden, "your role cannot act on the pending step")
	case workflow.ReasonAlreadyEvaluated:
		return errors.Conflict("the pending step has already been evaluated")
	case workflow.ReasonNoPendingStep:
		return errors.Conflict("the request has no step at its current position")
	default:
		return errors.Conflict("the request is no longer pending")
	}
}

func validStatus(st workflow.RequestStatus) bool {
	return st == workflow.RequestPending || st.Terminal()
}

func listStepsCached(
	ctx context.Context,
	workflows client.WorkflowsClientInterface,
	c *cache.Manager,
	sess session.Session,
	workflowID string,
) ([]workflow.WorkflowStep, error) {
	if steps, ok := c.GetSteps(sess.OrganizationID, workflowID); ok {
		return steps, nil
	}
	gen := c.StepsGeneration(sess.OrganizationID, workflowID)
	steps, err := workflows.ListSteps(ctx, sess, workflowID)
	if err != nil {
		return nil, err
	}
	if steps == nil {
		steps = []workflow.WorkflowStep{}
	}
	c.SetSteps(sess.OrganizationID, workflowID, gen, steps)
	return steps, nil
}
