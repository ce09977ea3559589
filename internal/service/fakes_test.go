package service

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/pesio-ai/be-plt-workflows/internal/client"
	"github.com/pesio-ai/be-plt-workflows/internal/errors"
	"github.com/pesio-ai/be-plt-workflows/internal/repository"
	"github.com/pesio-ai/be-plt-workflows/internal/session"
	"github.com/pesio-ai/be-plt-workflows/internal/workflow"
)

var testSess = session.Session{OrganizationID: "org-1", Token: "tok", UserID: "user-1", RoleID: "R1"}

type apiCall struct {
	seq    int
	op     string
	key    string
	header string
	body   any
}

// fakeAPI is an in-memory stand-in for the remote workflow API.
type fakeAPI struct {
	mu        sync.Mutex
	seq       int
	calls     []apiCall
	workflows map[string]*workflow.Workflow
	steps     map[string][]workflow.WorkflowStep
	requests  map[string]*workflow.WorkflowRequest
	forms     []workflow.Form
	roles     []workflow.Role
	nextID    int

	// fail maps "op:key" to the error returned for that call.
	fail map[string]error
	// decideGate, when set, blocks Decide until it is closed.
	decideGate chan struct{}
	decideSeen chan struct{}
	// getGate, when set, holds the next GetRequest after it has read the
	// request and until the gate is closed. It applies to one call only.
	getGate chan struct{}
	getSeen chan struct{}
}

func newFakeAPI() *fakeAPI {
	return &fakeAPI{
		workflows: map[string]*workflow.Workflow{},
		steps:     map[string][]workflow.WorkflowStep{},
		requests:  map[string]*workflow.WorkflowRequest{},
		fail:      map[string]error{},
	}
}

func (f *fakeAPI) record(op, key, header string, body any) error {
	f.seq++
	f.calls = append(f.calls, apiCall{seq: f.seq, op: op, key: key, header: header, body: body})
	if err, ok := f.fail[op+":"+key]; ok {
		return err
	}
	return nil
}

func (f *fakeAPI) callsOf(ops ...string) []apiCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	want := map[string]bool{}
	for _, op := range ops {
		want[op] = true
	}
	var out []apiCall
	for _, c := range f.calls {
		if want[c.op] {
			out = append(out, c)
		}
	}
	return out
}

func (f *fakeAPI) addWorkflow(id string, t workflow.EntityType, steps ...workflow.WorkflowStep) {
	f.workflows[id] = &workflow.Workflow{ID: id, OrganizationID: "org-1", Type: t, Action: workflow.ActionCreate}
	for i := range steps {
		steps[i].WorkflowID = id
	}
	f.steps[id] = steps
}

func (f *fakeAPI) ListWorkflows(ctx context.Context, s session.Session) ([]workflow.Workflow, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("list_workflows", "", "", nil); err != nil {
		return nil, err
	}
	out := make([]workflow.Workflow, 0, len(f.workflows))
	for _, wf := range f.workflows {
		out = append(out, *wf)
	}
	return out, nil
}

func (f *fakeAPI) GetWorkflow(ctx context.Context, s session.Session, id string) (*workflow.Workflow, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("get_workflow", id, "", nil); err != nil {
		return nil, err
	}
	wf, ok := f.workflows[id]
	if !ok {
		return nil, errors.New(errors.ErrCodeNotFound, "Workflow not found")
	}
	cp := *wf
	return &cp, nil
}

func (f *fakeAPI) CreateWorkflow(ctx context.Context, s session.Session, req *client.CreateWorkflowRequest) (*workflow.Workflow, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("create_workflow", "", "", req); err != nil {
		return nil, err
	}
	f.nextID++
	wf := &workflow.Workflow{ID: fmt.Sprintf("wf-new-%d", f.nextID), Type: req.Type, Action: req.Action, Name: req.Name}
	f.workflows[wf.ID] = wf
	cp := *wf
	return &cp, nil
}

func (f *fakeAPI) PatchWorkflow(ctx context.Context, s session.Session, id string, req *client.PatchWorkflowRequest) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.record("patch_workflow", id, "", req)
}

func (f *fakeAPI) DeleteWorkflow(ctx context.Context, s session.Session, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("delete_workflow", id, "", nil); err != nil {
		return err
	}
	delete(f.workflows, id)
	delete(f.steps, id)
	return nil
}

func (f *fakeAPI) ListSteps(ctx context.Context, s session.Session, workflowID string) ([]workflow.WorkflowStep, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("list_steps", workflowID, "", nil); err != nil {
		return nil, err
	}
	out := append([]workflow.WorkflowStep(nil), f.steps[workflowID]...)
	sort.Slice(out, func(i, j int) bool { return out[i].Order < out[j].Order })
	return out, nil
}

func (f *fakeAPI) CreateStep(ctx context.Context, s session.Session, workflowID string, req *client.CreateStepRequest) (*workflow.WorkflowStep, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record(OpCreate, req.FormID, req.IdempotencyKey, *req); err != nil {
		return nil, err
	}
	step := workflow.WorkflowStep{
		ID:                 "s-" + uuid.NewString()[:8],
		WorkflowID:         workflowID,
		FormID:             req.FormID,
		OrganizationRoleID: req.OrganizationRoleID,
		Order:              req.Order,
	}
	f.steps[workflowID] = append(f.steps[workflowID], step)
	return &step, nil
}

func (f *fakeAPI) PatchStep(ctx context.Context, s session.Session, workflowID, stepID string, req *client.PatchStepRequest) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record(OpPatch, stepID, "", *req); err != nil {
		return err
	}
	for i, st := range f.steps[workflowID] {
		if st.ID != stepID {
			continue
		}
		if req.FormID != nil {
			st.FormID = *req.FormID
		}
		if req.OrganizationRoleID != nil {
			st.OrganizationRoleID = *req.OrganizationRoleID
		}
		if req.Order != nil {
			st.Order = *req.Order
		}
		f.steps[workflowID][i] = st
		return nil
	}
	return errors.New(errors.ErrCodeNotFound, "Step not found")
}

func (f *fakeAPI) DeleteStep(ctx context.Context, s session.Session, workflowID, stepID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record(OpDelete, stepID, "", nil); err != nil {
		return err
	}
	kept := f.steps[workflowID][:0]
	for _, st := range f.steps[workflowID] {
		if st.ID != stepID {
			kept = append(kept, st)
		}
	}
	f.steps[workflowID] = kept
	return nil
}

func (f *fakeAPI) ListRequests(ctx context.Context, s session.Session, filter client.ListRequestsFilter) ([]workflow.WorkflowRequest, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("list_requests", filter.Query(), "", nil); err != nil {
		return nil, err
	}
	var out []workflow.WorkflowRequest
	for _, r := range f.requests {
		if filter.Status == "" || r.Status == filter.Status {
			out = append(out, cloneRequest(r))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (f *fakeAPI) GetRequest(ctx context.Context, s session.Session, id string) (*workflow.WorkflowRequest, error) {
	f.mu.Lock()
	if err := f.record("get_request", id, "", nil); err != nil {
		f.mu.Unlock()
		return nil, err
	}
	r, ok := f.requests[id]
	if !ok {
		f.mu.Unlock()
		return nil, errors.New(errors.ErrCodeNotFound, "Request not found")
	}
	cp := cloneRequest(r)
	gate, seen := f.getGate, f.getSeen
	f.getGate, f.getSeen = nil, nil
	f.mu.Unlock()

	if gate != nil {
		close(seen)
		<-gate
	}
	return &cp, nil
}

// Decide applies the server-side transition: append the ledger entry, then
// reject immediately or advance, approving after the last step.
func (f *fakeAPI) Decide(ctx context.Context, s session.Session, requestID string, req *client.DecisionRequest) error {
	if f.decideGate != nil {
		if f.decideSeen != nil {
			close(f.decideSeen)
		}
		<-f.decideGate
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("decide", requestID, "", *req); err != nil {
		return err
	}
	r := f.requests[requestID]
	r.Steps = append(r.Steps, workflow.WorkflowRequestStep{
		ID:                uuid.NewString(),
		WorkflowRequestID: requestID,
		WorkflowStepID:    req.WorkflowStepID,
		Status:            req.Status,
		Comments:          req.Comments,
		ApprovedBy:        s.UserID,
		CreatedAt:         time.Now(),
	})
	if req.Status == workflow.DecisionRejected {
		r.Status = workflow.RequestRejected
		return nil
	}
	if r.CurrentStepOrder+1 >= len(f.steps[r.WorkflowID]) {
		r.Status = workflow.RequestApproved
		return nil
	}
	r.CurrentStepOrder++
	return nil
}

func (f *fakeAPI) ListForms(ctx context.Context, s session.Session) ([]workflow.Form, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.forms, f.record("list_forms", "", "", nil)
}

func (f *fakeAPI) ListRoles(ctx context.Context, s session.Session) ([]workflow.Role, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.roles, f.record("list_roles", "", "", nil)
}

func cloneRequest(r *workflow.WorkflowRequest) workflow.WorkflowRequest {
	cp := *r
	cp.Steps = append([]workflow.WorkflowRequestStep(nil), r.Steps...)
	return cp
}

// memSessions mirrors the conditional updates of EditSessionRepository.
type memSessions struct {
	mu    sync.Mutex
	items map[string]repository.EditSession

	// endSaveErr, when set, fails EndSave without touching the stored session.
	endSaveErr error
}

func newMemSessions() *memSessions {
	return &memSessions{items: map[string]repository.EditSession{}}
}

func (m *memSessions) Create(ctx context.Context, s *repository.EditSession) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s.ID = uuid.NewString()
	s.Version = 1
	s.CreatedAt = time.Now()
	s.UpdatedAt = s.CreatedAt
	m.items[s.ID] = *s
	return nil
}

func (m *memSessions) GetByID(ctx context.Context, id, orgID string) (*repository.EditSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.items[id]
	if !ok || s.OrganizationID != orgID {
		return nil, errors.NotFound("edit_session", id)
	}
	return &s, nil
}

func (m *memSessions) UpdateState(ctx context.Context, s *repository.EditSession) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.items[s.ID]
	if !ok {
		return errors.NotFound("edit_session", s.ID)
	}
	if cur.Version != s.Version || cur.Saving {
		return errors.Conflict("edit session was modified concurrently")
	}
	s.Version++
	m.items[s.ID] = *s
	return nil
}

func (m *memSessions) BeginSave(ctx context.Context, id, orgID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.items[id]
	if !ok || cur.OrganizationID != orgID {
		return errors.NotFound("edit_session", id)
	}
	if cur.Saving {
		return errors.Conflict("a save is already in progress")
	}
	cur.Saving = true
	m.items[id] = cur
	return nil
}

func (m *memSessions) CancelSave(ctx context.Context, id, orgID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur := m.items[id]
	cur.Saving = false
	m.items[id] = cur
	return nil
}

func (m *memSessions) EndSave(ctx context.Context, s *repository.EditSession) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.endSaveErr != nil {
		return m.endSaveErr
	}
	cur := m.items[s.ID]
	s.Saving = false
	s.Version = cur.Version + 1
	m.items[s.ID] = *s
	return nil
}

func (m *memSessions) Delete(ctx context.Context, id, orgID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.items[id]
	if !ok {
		return errors.NotFound("edit_session", id)
	}
	if cur.Saving {
		return errors.Conflict("cannot discard a session while it is saving")
	}
	delete(m.items, id)
	return nil
}

func (m *memSessions) saving(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.items[id].Saving
}

type memAudit struct {
	mu      sync.Mutex
	entries []*repository.AuditEntry
}

func (a *memAudit) Append(ctx context.Context, e *repository.AuditEntry) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	e.ID = uuid.NewString()
	e.PerformedAt = time.Now()
	a.entries = append(a.entries, e)
	return nil
}

func (a *memAudit) ListByRequest(ctx context.Context, orgID, requestID string) ([]*repository.AuditEntry, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	var out []*repository.AuditEntry
	for _, e := range a.entries {
		if e.OrganizationID == orgID && e.RequestID != nil && *e.RequestID == requestID {
			out = append(out, e)
		}
	}
	return out, nil
}

func (a *memAudit) ListByWorkflow(ctx context.Context, orgID, workflowID string) ([]*repository.AuditEntry, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	var out []*repository.AuditEntry
	for _, e := range a.entries {
		if e.OrganizationID == orgID && e.WorkflowID != nil && *e.WorkflowID == workflowID {
			out = append(out, e)
		}
	}
	return out, nil
}

func (a *memAudit) actions() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]string, 0, len(a.entries))
	for _, e := range a.entries {
		out = append(out, e.Action)
	}
	return out
}

type recPublisher struct {
	mu     sync.Mutex
	events []string
}

func (p *recPublisher) add(ev string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
}

func (p *recPublisher) StepsSaved(ctx context.Context, orgID, workflowID, actorID string, payload map[string]any) {
	p.add("steps_saved:" + workflowID)
}

func (p *recPublisher) RequestDecided(ctx context.Context, orgID, requestID, workflowID, actorID string, payload map[string]any) {
	p.add(fmt.Sprintf("request_decided:%s:%v", requestID, payload["decision"]))
}

func (p *recPublisher) Invalidate(ctx context.Context, orgID, kind, id string) {
	p.add("invalidate:" + kind + ":" + id)
}

func seqTempIDs() workflow.EditorOption {
	var mu sync.Mutex
	n := 0
	return workflow.WithTempIDs(func() string {
		mu.Lock()
		defer mu.Unlock()
		n++
		return fmt.Sprintf("%sT%d", workflow.TempIDPrefix, n)
	})
}
