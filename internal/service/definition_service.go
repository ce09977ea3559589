package service

import (
	"context"
	"fmt"
	"strings"
	"sync"

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

// Step operation kinds.
const (
	OpCreate = "create"
	OpPatch  = "patch"
	OpDelete = "delete"
)

const defaultSaveConcurrency = 8

// DefinitionService manages workflow definitions and step edit sessions.
type DefinitionService struct {
	workflows   client.WorkflowsClientInterface
	lookups     client.LookupsClientInterface
	sessions    SessionStore
	audit       AuditLog
	publisher   EventPublisher
	cache       *cache.Manager
	metrics     *metrics.Metrics
	concurrency int
	editorOpts  []workflow.EditorOption
	log         *logger.Logger
}

// DefinitionOption customizes a DefinitionService.
type DefinitionOption func(*DefinitionService)

// WithSaveConcurrency bounds the concurrent step calls of one Save.
func WithSaveConcurrency(n int) DefinitionOption {
	return func(s *DefinitionService) {
		if n > 0 {
			s.concurrency = n
		}
	}
}

// WithEditorOptions passes options to every editor the service builds.
func WithEditorOptions(opts ...workflow.EditorOption) DefinitionOption {
	return func(s *DefinitionService) { s.editorOpts = append(s.editorOpts, opts...) }
}

// NewDefinitionService creates a new DefinitionService. cache, metrics and
// publisher may be nil.
func NewDefinitionService(
	workflows client.WorkflowsClientInterface,
	lookups client.LookupsClientInterface,
	sessions SessionStore,
	audit AuditLog,
	publisher EventPublisher,
	cacheManager *cache.Manager,
	m *metrics.Metrics,
	log *logger.Logger,
	opts ...DefinitionOption,
) *DefinitionService {
	s := &DefinitionService{
		workflows:   workflows,
		lookups:     lookups,
		sessions:    sessions,
		audit:       audit,
		publisher:   publisher,
		cache:       cacheManager,
		metrics:     m,
		concurrency: defaultSaveConcurrency,
		log:         log,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ── Workflows ─────────────────────────────────────────────────────────────────

// CreateWorkflowInput is the payload for creating a workflow.
type CreateWorkflowInput struct {
	Type   workflow.EntityType `json:"type"`
	Action workflow.Action     `json:"action"`
	Name   *string             `json:"name,omitempty"`
}

// UpdateWorkflowInput is the payload for updating a workflow. Type and Action
// may be repeated but not changed.
type UpdateWorkflowInput struct {
	Type   *workflow.EntityType `json:"type,omitempty"`
	Action *workflow.Action     `json:"action,omitempty"`
	Name   *string              `json:"name,omitempty"`
}

// ListWorkflows lists the organization's workflows.
func (s *DefinitionService) ListWorkflows(ctx context.Context, sess session.Session) ([]workflow.Workflow, error) {
	if err := sess.Validate(); err != nil {
		return nil, err
	}
	return s.workflows.ListWorkflows(ctx, sess)
}

// GetWorkflow returns one workflow.
func (s *DefinitionService) GetWorkflow(ctx context.Context, sess session.Session, id string) (*workflow.Workflow, error) {
	if err := sess.Validate(); err != nil {
		return nil, err
	}
	if id == "" {
		return nil, errors.InvalidInput("id", "workflow id is required")
	}
	return s.workflows.GetWorkflow(ctx, sess, id)
}

// CreateWorkflow validates and creates a workflow.
func (s *DefinitionService) CreateWorkflow(ctx context.Context, sess session.Session, in CreateWorkflowInput) (*workflow.Workflow, error) {
	if err := sess.Validate(); err != nil {
		return nil, err
	}
	if !in.Type.Valid() {
		return nil, errors.InvalidInput("type", fmt.Sprintf("unsupported entity type %q", in.Type))
	}
	if !in.Action.Valid() {
		return nil, errors.InvalidInput("action", fmt.Sprintf("unsupported action %q", in.Action))
	}

	wf, err := s.workflows.CreateWorkflow(ctx, sess, &client.CreateWorkflowRequest{
		Type:   in.Type,
		Action: in.Action,
		Name:   trimmed(in.Name),
	})
	if err != nil {
		return nil, err
	}

	s.log.Info().
		Str("organization_id", sess.OrganizationID).
		Str("workflow_id", wf.ID).
		Str("type", string(wf.Type)).
		Str("action", string(wf.Action)).
		Msg("Workflow created")

	s.appendAudit(ctx, &repository.AuditEntry{
		OrganizationID: sess.OrganizationID,
		WorkflowID:     &wf.ID,
		Action:         repository.AuditWorkflowCreated,
		PerformedBy:    sess.UserID,
		Metadata:       map[string]any{"type": wf.Type, "action": wf.Action},
	})
	return wf, nil
}

// UpdateWorkflow renames a workflow. Changing its type or action is refused
// because the existing steps and requests are bound to them.
func (s *DefinitionService) UpdateWorkflow(ctx context.Context, sess session.Session, id string, in UpdateWorkflowInput) (*workflow.Workflow, error) {
	current, err := s.GetWorkflow(ctx, sess, id)
	if err != nil {
		return nil, err
	}
	if in.Type != nil && *in.Type != current.Type {
		return nil, errors.InvalidInput("type", "workflow type cannot be changed")
	}
	if in.Action != nil && *in.Action != current.Action {
		return nil, errors.InvalidInput("action", "workflow action cannot be changed")
	}
	if in.Name == nil {
		return current, nil
	}

	name := trimmed(in.Name)
	if err := s.workflows.PatchWorkflow(ctx, sess, id, &client.PatchWorkflowRequest{Name: name}); err != nil {
		return nil, err
	}
	current.Name = name

	s.appendAudit(ctx, &repository.AuditEntry{
		OrganizationID: sess.OrganizationID,
		WorkflowID:     &current.ID,
		Action:         repository.AuditWorkflowUpdated,
		PerformedBy:    sess.UserID,
		Metadata:       map[string]any{"name": name},
	})
	return current, nil
}

// DeleteWorkflow deletes a workflow and drops its cached steps.
func (s *DefinitionService) DeleteWorkflow(ctx context.Context, sess session.Session, id string) error {
	if err := sess.Validate(); err != nil {
		return err
	}
	if id == "" {
		return errors.InvalidInput("id", "workflow id is required")
	}
	if err := s.workflows.DeleteWorkflow(ctx, sess, id); err != nil {
		return err
	}

	ctx = context.WithoutCancel(ctx)
	s.invalidateSteps(ctx, sess.OrganizationID, id)
	s.appendAudit(ctx, &repository.AuditEntry{
		OrganizationID: sess.OrganizationID,
		WorkflowID:     &id,
		Action:         repository.AuditWorkflowDeleted,
		PerformedBy:    sess.UserID,
	})
	return nil
}

// ListSteps returns a workflow's steps ordered by order, from cache when
// possible.
func (s *DefinitionService) ListSteps(ctx context.Context, sess session.Session, workflowID string) ([]workflow.WorkflowStep, error) {
	if err := sess.Validate(); err != nil {
		return nil, err
	}
	if workflowID == "" {
		return nil, errors.InvalidInput("workflowId", "workflow id is required")
	}
	return listStepsCached(ctx, s.workflows, s.cache, sess, workflowID)
}

// GetWorkflowAudit returns the local trail of a workflow: step saves, definition
// changes and the decisions taken on its requests, oldest first.
func (s *DefinitionService) GetWorkflowAudit(ctx context.Context, sess session.Session, workflowID string) ([]*repository.AuditEntry, error) {
	if err := sess.Validate(); err != nil {
		return nil, err
	}
	if workflowID == "" {
		return nil, errors.InvalidInput("workflowId", "workflow id is required")
	}
	if s.audit == nil {
		return []*repository.AuditEntry{}, nil
	}
	entries, err := s.audit.ListByWorkflow(ctx, sess.OrganizationID, workflowID)
	if err != nil {
		return nil, err
	}
	if entries == nil {
		entries = []*repository.AuditEntry{}
	}
	return entries, nil
}

// ── Edit sessions ─────────────────────────────────────────────────────────────

// SessionView is what clients see of an edit session.
type SessionView struct {
	ID         string                `json:"id"`
	WorkflowID string                `json:"workflowId"`
	Version    int                   `json:"version"`
	Saving     bool                  `json:"saving"`
	Steps      []workflow.StepRecord `json:"steps"`
	Pending    int                   `json:"pendingOperations"`
}

// StepOptions are the choices offered when editing a step.
type StepOptions struct {
	Forms []workflow.Form `json:"forms"`
	Roles []workflow.Role `json:"roles"`
}

// StartSession snapshots the workflow's current steps into a new edit session.
func (s *DefinitionService) StartSession(ctx context.Context, sess session.Session, workflowID string) (*SessionView, error) {
	if err := sess.Validate(); err != nil {
		return nil, err
	}
	if workflowID == "" {
		return nil, errors.InvalidInput("workflowId", "workflow id is required")
	}

	// The snapshot must be authoritative, so the cache is bypassed.
	gen := s.cache.StepsGeneration(sess.OrganizationID, workflowID)
	steps, err := s.workflows.ListSteps(ctx, sess, workflowID)
	if err != nil {
		return nil, err
	}
	s.cache.SetSteps(sess.OrganizationID, workflowID, gen, steps)

	ed := workflow.NewEditor(workflowID, steps, s.editorOpts...)
	es := &repository.EditSession{
		OrganizationID: sess.OrganizationID,
		WorkflowID:     workflowID,
		CreatedBy:      sess.UserID,
		State:          ed.State(),
	}
	if err := s.sessions.Create(ctx, es); err != nil {
		return nil, err
	}

	s.log.Debug().
		Str("session_id", es.ID).
		Str("workflow_id", workflowID).
		Int("steps", ed.Len()).
		Msg("Edit session started")

	return viewOf(es, ed), nil
}

// GetSession returns an edit session.
func (s *DefinitionService) GetSession(ctx context.Context, sess session.Session, sessionID string) (*SessionView, error) {
	es, ed, err := s.load(ctx, sess, sessionID)
	if err != nil {
		return nil, err
	}
	return viewOf(es, ed), nil
}

// DiscardSession deletes an edit session without saving.
func (s *DefinitionService) DiscardSession(ctx context.Context, sess session.Session, sessionID string) error {
	if err := sess.Validate(); err != nil {
		return err
	}
	return s.sessions.Delete(ctx, sessionID, sess.OrganizationID)
}

// AddStep appends a pending step.
func (s *DefinitionService) AddStep(ctx context.Context, sess session.Session, sessionID, formID, roleID string) (*SessionView, error) {
	return s.mutate(ctx, sess, sessionID, func(ed *workflow.Editor) error {
		ed.Add(strings.TrimSpace(formID), strings.TrimSpace(roleID))
		return nil
	})
}

// UpdateStep changes the form and/or role of a step.
func (s *DefinitionService) UpdateStep(ctx context.Context, sess session.Session, sessionID, key string, formID, roleID *string) (*SessionView, error) {
	return s.mutate(ctx, sess, sessionID, func(ed *workflow.Editor) error {
		return ed.Update(key, trimmed(formID), trimmed(roleID))
	})
}

// RemoveStep removes a step by server id or temporary id.
func (s *DefinitionService) RemoveStep(ctx context.Context, sess session.Session, sessionID, key string) (*SessionView, error) {
	return s.mutate(ctx, sess, sessionID, func(ed *workflow.Editor) error {
		return ed.Remove(key)
	})
}

// ReorderSteps moves the step at index from to index to.
func (s *DefinitionService) ReorderSteps(ctx context.Context, sess session.Session, sessionID string, from, to int) (*SessionView, error) {
	return s.mutate(ctx, sess, sessionID, func(ed *workflow.Editor) error {
		return ed.Reorder(from, to)
	})
}

// PreviewPlan returns the calls a Save would issue now.
func (s *DefinitionService) PreviewPlan(ctx context.Context, sess session.Session, sessionID string) (*workflow.Plan, error) {
	_, ed, err := s.load(ctx, sess, sessionID)
	if err != nil {
		return nil, err
	}
	plan := ed.Plan()
	return &plan, nil
}

// StepOptions returns the forms of the workflow's entity type and the
// organization's roles.
func (s *DefinitionService) StepOptions(ctx context.Context, sess session.Session, sessionID string) (*StepOptions, error) {
	es, _, err := s.load(ctx, sess, sessionID)
	if err != nil {
		return nil, err
	}

	var (
		wf    *workflow.Workflow
		forms []workflow.Form
		roles []workflow.Role
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		wf, err = s.workflows.GetWorkflow(gctx, sess, es.WorkflowID)
		return err
	})
	g.Go(func() error {
		var err error
		forms, err = s.lookups.ListForms(gctx, sess)
		return err
	})
	g.Go(func() error {
		var err error
		roles, err = s.lookups.ListRoles(gctx, sess)
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	if roles == nil {
		roles = []workflow.Role{}
	}
	return &StepOptions{Forms: workflow.FormsForType(forms, wf.Type), Roles: roles}, nil
}

// ── Save ──────────────────────────────────────────────────────────────────────

// SaveFailure is one step call that did not succeed.
type SaveFailure struct {
	Operation string           `json:"operation"`
	StepKey   string           `json:"stepKey"`
	Code      errors.ErrorCode `json:"code"`
	Message   string           `json:"message"`
}

// SaveResult reports what a Save did.
type SaveResult struct {
	SessionID  string                  `json:"sessionId"`
	WorkflowID string                  `json:"workflowId"`
	Created    []workflow.WorkflowStep `json:"created"`
	Patched    []string                `json:"patched"`
	Deleted    []string                `json:"deleted"`
	Failures   []SaveFailure           `json:"failures"`
	Session    *SessionView            `json:"session"`
}

// Succeeded reports whether every call succeeded.
func (r *SaveResult) Succeeded() bool { return len(r.Failures) == 0 }

// Save reconciles the server's steps with the edit session. Creates and
// patches run concurrently; deletes start only after all of them finished.
// One failed call does not stop the others. Successful calls are folded into
// the session so a retry re-attempts only what failed. When any call fails the
// result is returned together with a PARTIAL_FAILURE error listing every
// failure.
func (s *DefinitionService) Save(ctx context.Context, sess session.Session, sessionID string) (*SaveResult, error) {
	if err := sess.Validate(); err != nil {
		return nil, err
	}
	if err := s.sessions.BeginSave(ctx, sessionID, sess.OrganizationID); err != nil {
		return nil, err
	}

	es, ed, err := s.load(ctx, sess, sessionID)
	if err == nil {
		err = ed.Validate()
	}
	if err != nil {
		s.cancelSave(ctx, sess, sessionID)
		return nil, err
	}

	plan := ed.Plan()
	result := &SaveResult{
		SessionID:  es.ID,
		WorkflowID: es.WorkflowID,
		Created:    []workflow.WorkflowStep{},
		Patched:    []string{},
		Deleted:    []string{},
		Failures:   []SaveFailure{},
	}
	if plan.Empty() {
		s.cancelSave(ctx, sess, sessionID)
		result.Session = viewOf(es, ed)
		return result, nil
	}

	outcome := s.execute(ctx, sess, plan, result)

	// The remote mutations happened; the outcome is recorded even if the
	// caller went away.
	ctx = context.WithoutCancel(ctx)
	ed.Apply(plan, outcome)
	es.State = ed.State()
	if err := s.sessions.EndSave(ctx, es); err != nil {
		s.log.Error().Err(err).
			Str("session_id", es.ID).
			Msg("Failed to store edit session after save")
		// The session keeps its pre-save state; a retry re-plans the whole
		// diff and creates are deduplicated by their idempotency keys.
		s.cancelSave(ctx, sess, sessionID)
		s.afterSave(ctx, sess, plan, result)
		return nil, errors.Wrap(err, errors.CodeOf(err), "steps were sent but the edit session could not be updated; retry the save")
	}
	result.Session = viewOf(es, ed)

	s.afterSave(ctx, sess, plan, result)

	if !result.Succeeded() {
		return result, partialFailure(result.Failures, plan.Size())
	}
	return result, nil
}

func (s *DefinitionService) execute(ctx context.Context, sess session.Session, plan workflow.Plan, result *SaveResult) workflow.Outcome {
	outcome := workflow.Outcome{Created: make(map[string]workflow.WorkflowStep, len(plan.Creates))}
	var mu sync.Mutex

	record := func(op, key string, err error) {
		s.metrics.StepOperation(op, err)
		if err == nil {
			return
		}
		s.log.Warn().Err(err).
			Str("workflow_id", plan.WorkflowID).
			Str("operation", op).
			Str("step", key).
			Msg("Step operation failed")
		result.Failures = append(result.Failures, SaveFailure{
			Operation: op,
			StepKey:   key,
			Code:      errors.CodeOf(err),
			Message:   errors.MessageOf(err),
		})
	}

	// Goroutines never return an error so that one failure does not cancel
	// the rest of the batch.
	var upserts errgroup.Group
	upserts.SetLimit(s.concurrency)
	for _, c := range plan.Creates {
		upserts.Go(func() error {
			step, err := s.workflows.CreateStep(ctx, sess, plan.WorkflowID, &client.CreateStepRequest{
				FormID:             c.FormID,
				OrganizationRoleID: c.RoleID,
				Order:              c.Order,
				IdempotencyKey:     c.TempID,
			})
			mu.Lock()
			defer mu.Unlock()
			record(OpCreate, c.TempID, err)
			if err == nil {
				outcome.Created[c.TempID] = *step
				result.Created = append(result.Created, *step)
			}
			return nil
		})
	}
	for _, p := range plan.Patches {
		upserts.Go(func() error {
			err := s.workflows.PatchStep(ctx, sess, plan.WorkflowID, p.StepID, &client.PatchStepRequest{
				FormID:             p.FormID,
				OrganizationRoleID: p.RoleID,
				Order:              p.Order,
			})
			mu.Lock()
			defer mu.Unlock()
			record(OpPatch, p.StepID, err)
			if err == nil {
				outcome.Patched = append(outcome.Patched, p.StepID)
				result.Patched = append(result.Patched, p.StepID)
			}
			return nil
		})
	}
	_ = upserts.Wait()

	var deletes errgroup.Group
	deletes.SetLimit(s.concurrency)
	for _, id := range plan.Deletes {
		deletes.Go(func() error {
			err := s.workflows.DeleteStep(ctx, sess, plan.WorkflowID, id)
			mu.Lock()
			defer mu.Unlock()
			record(OpDelete, id, err)
			if err == nil {
				outcome.Deleted = append(outcome.Deleted, id)
				result.Deleted = append(result.Deleted, id)
			}
			return nil
		})
	}
	_ = deletes.Wait()

	return outcome
}

func (s *DefinitionService) afterSave(ctx context.Context, sess session.Session, plan workflow.Plan, result *SaveResult) {
	succeeded := plan.Size() - len(result.Failures)

	outcome := metrics.OutcomeSuccess
	action := repository.AuditStepsSaved
	switch {
	case succeeded == 0:
		outcome = metrics.OutcomeFailure
		action = repository.AuditStepsSavePartial
	case !result.Succeeded():
		outcome = metrics.OutcomePartial
		action = repository.AuditStepsSavePartial
	}
	s.metrics.SaveBatch(outcome)

	s.log.Info().
		Str("organization_id", sess.OrganizationID).
		Str("workflow_id", plan.WorkflowID).
		Int("created", len(result.Created)).
		Int("patched", len(result.Patched)).
		Int("deleted", len(result.Deleted)).
		Int("failed", len(result.Failures)).
		Msg("Workflow steps saved")

	if succeeded == 0 {
		s.appendAudit(ctx, saveAuditEntry(sess, plan.WorkflowID, action, result))
		return
	}

	s.invalidateSteps(ctx, sess.OrganizationID, plan.WorkflowID)
	if s.publisher != nil {
		s.publisher.StepsSaved(ctx, sess.OrganizationID, plan.WorkflowID, sess.UserID, map[string]any{
			"created": len(result.Created),
			"patched": len(result.Patched),
			"deleted": len(result.Deleted),
			"failed":  len(result.Failures),
		})
	}
	s.appendAudit(ctx, saveAuditEntry(sess, plan.WorkflowID, action, result))
}

func saveAuditEntry(sess session.Session, workflowID, action string, result *SaveResult) *repository.AuditEntry {
	created := make([]string, 0, len(result.Created))
	for _, c := range result.Created {
		created = append(created, c.ID)
	}
	return &repository.AuditEntry{
		OrganizationID: sess.OrganizationID,
		WorkflowID:     &workflowID,
		Action:         action,
		PerformedBy:    sess.UserID,
		Metadata: map[string]any{
			"session_id": result.SessionID,
			"created":    created,
			"patched":    result.Patched,
			"deleted":    result.Deleted,
			"failures":   result.Failures,
		},
	}
}

func partialFailure(failures []SaveFailure, total int) error {
	parts := make([]string, 0, len(failures))
	for _, f := range failures {
		parts = append(parts, fmt.Sprintf("%s %s: %s", f.Operation, f.StepKey, f.Message))
	}
	return errors.New(errors.ErrCodePartialFailure,
		fmt.Sprintf("%d of %d step operations failed: %s", len(failures), total, strings.Join(parts, "; ")))
}

// ── Internal helpers ──────────────────────────────────────────────────────────

func (s *DefinitionService) load(ctx context.Context, sess session.Session, sessionID string) (*repository.EditSession, *workflow.Editor, error) {
	if err := sess.Validate(); err != nil {
		return nil, nil, err
	}
	if sessionID == "" {
		return nil, nil, errors.InvalidInput("sessionId", "edit session id is required")
	}
	es, err := s.sessions.GetByID(ctx, sessionID, sess.OrganizationID)
	if err != nil {
		return nil, nil, err
	}
	ed, err := workflow.RestoreEditor(es.State, s.editorOpts...)
	if err != nil {
		return nil, nil, errors.Wrap(err, errors.ErrCodeInternal, "stored edit session is corrupt")
	}
	return es, ed, nil
}

func (s *DefinitionService) mutate(ctx context.Context, sess session.Session, sessionID string, fn func(*workflow.Editor) error) (*SessionView, error) {
	es, ed, err := s.load(ctx, sess, sessionID)
	if err != nil {
		return nil, err
	}
	if es.Saving {
		return nil, errors.Conflict("a save is in progress for this edit session")
	}
	if err := fn(ed); err != nil {
		return nil, err
	}
	es.State = ed.State()
	if err := s.sessions.UpdateState(ctx, es); err != nil {
		return nil, err
	}
	return viewOf(es, ed), nil
}

func (s *DefinitionService) cancelSave(ctx context.Context, sess session.Session, sessionID string) {
	if err := s.sessions.CancelSave(context.WithoutCancel(ctx), sessionID, sess.OrganizationID); err != nil {
		s.log.Error().Err(err).Str("session_id", sessionID).Msg("Failed to clear saving flag")
	}
}

func (s *DefinitionService) invalidateSteps(ctx context.Context, orgID, workflowID string) {
	s.cache.InvalidateSteps(orgID, workflowID)
	if s.publisher != nil {
		s.publisher.Invalidate(ctx, orgID, events.KindSteps, workflowID)
	}
}

// appendAudit writes an audit entry and logs a warning on failure (never returns error).
func (s *DefinitionService) appendAudit(ctx context.Context, entry *repository.AuditEntry) {
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

func viewOf(es *repository.EditSession, ed *workflow.Editor) *SessionView {
	st := ed.State()
	return &SessionView{
		ID:         es.ID,
		WorkflowID: es.WorkflowID,
		Version:    es.Version,
		Saving:     es.Saving,
		Steps:      st.Steps,
		Pending:    ed.Plan().Size(),
	}
}

func trimmed(v *string) *string {
	if v == nil {
		return nil
	}
	t := strings.TrimSpace(*v)
	return &t
}
