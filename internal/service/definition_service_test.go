package service

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pesio-ai/be-plt-workflows/internal/cache"
	"github.com/pesio-ai/be-plt-workflows/internal/client"
	"github.com/pesio-ai/be-plt-workflows/internal/config"
	"github.com/pesio-ai/be-plt-workflows/internal/errors"
	"github.com/pesio-ai/be-plt-workflows/internal/logger"
	"github.com/pesio-ai/be-plt-workflows/internal/metrics"
	"github.com/pesio-ai/be-plt-workflows/internal/repository"
	"github.com/pesio-ai/be-plt-workflows/internal/workflow"
)

type definitionFixture struct {
	api       *fakeAPI
	sessions  *memSessions
	audit     *memAudit
	publisher *recPublisher
	cache     *cache.Manager
	svc       *DefinitionService
}

func newDefinitionFixture(t *testing.T) *definitionFixture {
	t.Helper()
	f := &definitionFixture{
		api:       newFakeAPI(),
		sessions:  newMemSessions(),
		audit:     &memAudit{},
		publisher: &recPublisher{},
		cache:     cache.NewManager(config.CacheConfig{Enabled: true, MaxSize: 100, RequestTTL: time.Minute, StepsTTL: time.Minute}),
	}
	f.svc = NewDefinitionService(
		f.api, f.api, f.sessions, f.audit, f.publisher, f.cache,
		metrics.New(prometheus.NewRegistry()), logger.Nop(),
		WithSaveConcurrency(4), WithEditorOptions(seqTempIDs()),
	)
	return f
}

func twoStepWorkflow(api *fakeAPI) {
	api.addWorkflow("wf-1", workflow.EntityMaterial,
		workflow.WorkflowStep{ID: "s1", FormID: "F1", OrganizationRoleID: "R1", Order: 0},
		workflow.WorkflowStep{ID: "s2", FormID: "F2", OrganizationRoleID: "R2", Order: 1},
	)
}

func TestSave_NewStepsAreCreated(t *testing.T) {
	f := newDefinitionFixture(t)
	ctx := context.Background()
	f.api.addWorkflow("wf-1", workflow.EntityMaterial)

	view, err := f.svc.StartSession(ctx, testSess, "wf-1")
	require.NoError(t, err)
	_, err = f.svc.AddStep(ctx, testSess, view.ID, "F1", "R1")
	require.NoError(t, err)
	view, err = f.svc.AddStep(ctx, testSess, view.ID, "F2", "R2")
	require.NoError(t, err)
	assert.Equal(t, 2, view.Pending)

	result, err := f.svc.Save(ctx, testSess, view.ID)
	require.NoError(t, err)

	creates := f.api.callsOf(OpCreate)
	require.Len(t, creates, 2)
	keys := []string{creates[0].header, creates[1].header}
	assert.ElementsMatch(t, []string{"tmp_T1", "tmp_T2"}, keys)
	assert.Empty(t, f.api.callsOf(OpPatch, OpDelete))

	assert.Len(t, result.Created, 2)
	assert.Equal(t, 0, result.Session.Pending)
	for _, st := range result.Session.Steps {
		assert.NotEmpty(t, st.ID)
		assert.Empty(t, st.TempID)
	}
	assert.False(t, f.sessions.saving(view.ID))
}

func TestSave_RemovedHeadPatchesThenDeletes(t *testing.T) {
	f := newDefinitionFixture(t)
	ctx := context.Background()
	twoStepWorkflow(f.api)

	view, err := f.svc.StartSession(ctx, testSess, "wf-1")
	require.NoError(t, err)
	view, err = f.svc.RemoveStep(ctx, testSess, view.ID, "s1")
	require.NoError(t, err)
	require.Len(t, view.Steps, 1)
	assert.Equal(t, 0, view.Steps[0].Order)
	assert.Equal(t, "F2", view.Steps[0].FormID)

	result, err := f.svc.Save(ctx, testSess, view.ID)
	require.NoError(t, err)

	patches := f.api.callsOf(OpPatch)
	deletes := f.api.callsOf(OpDelete)
	require.Len(t, patches, 1)
	require.Len(t, deletes, 1)
	assert.Empty(t, f.api.callsOf(OpCreate))

	order := 0
	assert.Equal(t, client.PatchStepRequest{Order: &order}, patches[0].body)
	assert.Equal(t, "s2", patches[0].key)
	assert.Equal(t, "s1", deletes[0].key)
	assert.Greater(t, deletes[0].seq, patches[0].seq)
	assert.Equal(t, []string{"s2"}, result.Patched)
	assert.Equal(t, []string{"s1"}, result.Deleted)
}

func TestSave_DeletesWaitForEveryUpsert(t *testing.T) {
	f := newDefinitionFixture(t)
	ctx := context.Background()
	twoStepWorkflow(f.api)

	view, err := f.svc.StartSession(ctx, testSess, "wf-1")
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		_, err = f.svc.AddStep(ctx, testSess, view.ID, fmt.Sprintf("F%d", i+3), "R1")
		require.NoError(t, err)
	}
	_, err = f.svc.RemoveStep(ctx, testSess, view.ID, "s1")
	require.NoError(t, err)

	_, err = f.svc.Save(ctx, testSess, view.ID)
	require.NoError(t, err)

	lastUpsert := 0
	for _, c := range f.api.callsOf(OpCreate, OpPatch) {
		lastUpsert = max(lastUpsert, c.seq)
	}
	for _, c := range f.api.callsOf(OpDelete) {
		assert.Greater(t, c.seq, lastUpsert)
	}
}

func TestSave_UnchangedSessionIssuesNoCalls(t *testing.T) {
	f := newDefinitionFixture(t)
	ctx := context.Background()
	twoStepWorkflow(f.api)

	view, err := f.svc.StartSession(ctx, testSess, "wf-1")
	require.NoError(t, err)
	// Moving a step and back leaves the list identical by value.
	_, err = f.svc.ReorderSteps(ctx, testSess, view.ID, 0, 1)
	require.NoError(t, err)
	_, err = f.svc.ReorderSteps(ctx, testSess, view.ID, 1, 0)
	require.NoError(t, err)

	result, err := f.svc.Save(ctx, testSess, view.ID)
	require.NoError(t, err)

	assert.Empty(t, f.api.callsOf(OpCreate, OpPatch, OpDelete))
	assert.True(t, result.Succeeded())
	assert.False(t, f.sessions.saving(view.ID))
	assert.Empty(t, f.audit.actions())
}

func TestSave_ValidationHappensBeforeAnyCall(t *testing.T) {
	f := newDefinitionFixture(t)
	ctx := context.Background()
	twoStepWorkflow(f.api)

	view, err := f.svc.StartSession(ctx, testSess, "wf-1")
	require.NoError(t, err)
	_, err = f.svc.AddStep(ctx, testSess, view.ID, "F3", "")
	require.NoError(t, err)

	_, err = f.svc.Save(ctx, testSess, view.ID)

	require.Error(t, err)
	assert.Equal(t, errors.ErrCodeInvalidInput, errors.CodeOf(err))
	assert.Empty(t, f.api.callsOf(OpCreate, OpPatch, OpDelete))
	assert.False(t, f.sessions.saving(view.ID))
}

func TestSave_PartialFailureThenRetry(t *testing.T) {
	f := newDefinitionFixture(t)
	ctx := context.Background()
	twoStepWorkflow(f.api)
	f.api.fail[OpCreate+":F4"] = errors.New(errors.ErrCodeInvalidInput, "Form does not belong to this workflow")
	f.api.fail[OpDelete+":s1"] = errors.New(errors.ErrCodeUpstream, "connection reset")

	view, err := f.svc.StartSession(ctx, testSess, "wf-1")
	require.NoError(t, err)
	_, err = f.svc.AddStep(ctx, testSess, view.ID, "F3", "R1")
	require.NoError(t, err)
	_, err = f.svc.AddStep(ctx, testSess, view.ID, "F4", "R2")
	require.NoError(t, err)
	_, err = f.svc.RemoveStep(ctx, testSess, view.ID, "s1")
	require.NoError(t, err)

	result, err := f.svc.Save(ctx, testSess, view.ID)

	require.Error(t, err)
	assert.Equal(t, errors.ErrCodePartialFailure, errors.CodeOf(err))
	assert.Contains(t, err.Error(), "Form does not belong to this workflow")
	assert.Contains(t, err.Error(), "connection reset")
	require.NotNil(t, result)
	assert.Len(t, result.Created, 1)
	assert.Equal(t, []string{"s2"}, result.Patched)
	require.Len(t, result.Failures, 2)
	assert.False(t, f.sessions.saving(view.ID))
	assert.Equal(t, 2, result.Session.Pending)

	delete(f.api.fail, OpCreate+":F4")
	delete(f.api.fail, OpDelete+":s1")
	before := len(f.api.callsOf(OpCreate, OpPatch, OpDelete))

	result, err = f.svc.Save(ctx, testSess, view.ID)
	require.NoError(t, err)

	retried := f.api.callsOf(OpCreate, OpPatch, OpDelete)[before:]
	require.Len(t, retried, 2)
	assert.Equal(t, OpCreate, retried[0].op)
	assert.Equal(t, "F4", retried[0].key)
	assert.Equal(t, OpDelete, retried[1].op)
	assert.Equal(t, 0, result.Session.Pending)

	remote, _ := f.api.ListSteps(ctx, testSess, "wf-1")
	assert.Len(t, remote, 3)
	assert.Equal(t, []string{repository.AuditStepsSavePartial, repository.AuditStepsSaved}, f.audit.actions())
}

// When the outcome cannot be stored the saving flag must still be cleared,
// otherwise the session could never be saved, edited or discarded again.
func TestSave_StoreFailureReleasesSession(t *testing.T) {
	f := newDefinitionFixture(t)
	ctx := context.Background()
	twoStepWorkflow(f.api)

	view, err := f.svc.StartSession(ctx, testSess, "wf-1")
	require.NoError(t, err)
	_, err = f.svc.ReorderSteps(ctx, testSess, view.ID, 0, 1)
	require.NoError(t, err)

	f.sessions.endSaveErr = errors.New(errors.ErrCodeInternal, "connection reset")
	result, err := f.svc.Save(ctx, testSess, view.ID)
	require.Error(t, err)
	assert.Nil(t, result)
	assert.Len(t, f.api.callsOf(OpPatch), 2)
	assert.False(t, f.sessions.saving(view.ID))
	// The remote steps changed, so cached copies must not survive.
	_, cached := f.cache.GetSteps("org-1", "wf-1")
	assert.False(t, cached)

	f.sessions.endSaveErr = nil
	result, err = f.svc.Save(ctx, testSess, view.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, result.Session.Pending)
	assert.False(t, f.sessions.saving(view.ID))

	view, err = f.svc.AddStep(ctx, testSess, view.ID, "F3", "R3")
	require.NoError(t, err)
	assert.Equal(t, 1, view.Pending)

	require.NoError(t, f.svc.DiscardSession(ctx, testSess, view.ID))
	_, err = f.svc.GetSession(ctx, testSess, view.ID)
	assert.Equal(t, errors.ErrCodeNotFound, errors.CodeOf(err))
}

func TestSave_RejectsReentrantSave(t *testing.T) {
	f := newDefinitionFixture(t)
	ctx := context.Background()
	twoStepWorkflow(f.api)

	view, err := f.svc.StartSession(ctx, testSess, "wf-1")
	require.NoError(t, err)
	require.NoError(t, f.sessions.BeginSave(ctx, view.ID, testSess.OrganizationID))

	_, err = f.svc.Save(ctx, testSess, view.ID)
	assert.Equal(t, errors.ErrCodeConflict, errors.CodeOf(err))

	_, err = f.svc.AddStep(ctx, testSess, view.ID, "F3", "R3")
	assert.Equal(t, errors.ErrCodeConflict, errors.CodeOf(err))
	assert.Empty(t, f.api.callsOf(OpCreate, OpPatch, OpDelete))
}

func TestSave_InvalidatesCacheAndPublishes(t *testing.T) {
	f := newDefinitionFixture(t)
	ctx := context.Background()
	twoStepWorkflow(f.api)

	_, err := f.svc.ListSteps(ctx, testSess, "wf-1")
	require.NoError(t, err)
	_, cached := f.cache.GetSteps("org-1", "wf-1")
	require.True(t, cached)

	view, err := f.svc.StartSession(ctx, testSess, "wf-1")
	require.NoError(t, err)
	newForm := "F9"
	_, err = f.svc.UpdateStep(ctx, testSess, view.ID, "s2", &newForm, nil)
	require.NoError(t, err)
	_, err = f.svc.Save(ctx, testSess, view.ID)
	require.NoError(t, err)

	_, cached = f.cache.GetSteps("org-1", "wf-1")
	assert.False(t, cached)
	assert.Equal(t, []string{"invalidate:steps:wf-1", "steps_saved:wf-1"}, f.publisher.events)

	patches := f.api.callsOf(OpPatch)
	require.Len(t, patches, 1)
	assert.Equal(t, client.PatchStepRequest{FormID: &newForm}, patches[0].body)
}

func TestGetWorkflowAudit(t *testing.T) {
	f := newDefinitionFixture(t)
	ctx := context.Background()
	twoStepWorkflow(f.api)

	entries, err := f.svc.GetWorkflowAudit(ctx, testSess, "wf-1")
	require.NoError(t, err)
	assert.NotNil(t, entries)
	assert.Empty(t, entries)

	view, err := f.svc.StartSession(ctx, testSess, "wf-1")
	require.NoError(t, err)
	_, err = f.svc.RemoveStep(ctx, testSess, view.ID, "s2")
	require.NoError(t, err)
	_, err = f.svc.Save(ctx, testSess, view.ID)
	require.NoError(t, err)

	entries, err = f.svc.GetWorkflowAudit(ctx, testSess, "wf-1")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, repository.AuditStepsSaved, entries[0].Action)

	other := testSess
	other.OrganizationID = "org-2"
	entries, err = f.svc.GetWorkflowAudit(ctx, other, "wf-1")
	require.NoError(t, err)
	assert.Empty(t, entries)

	_, err = f.svc.GetWorkflowAudit(ctx, testSess, "")
	assert.Equal(t, errors.ErrCodeInvalidInput, errors.CodeOf(err))
}

func TestEditSession_UnknownStepAndBadIndexes(t *testing.T) {
	f := newDefinitionFixture(t)
	ctx := context.Background()
	twoStepWorkflow(f.api)

	view, err := f.svc.StartSession(ctx, testSess, "wf-1")
	require.NoError(t, err)

	_, err = f.svc.RemoveStep(ctx, testSess, view.ID, "nope")
	assert.Equal(t, errors.ErrCodeNotFound, errors.CodeOf(err))

	_, err = f.svc.ReorderSteps(ctx, testSess, view.ID, 0, 2)
	assert.Equal(t, errors.ErrCodeInvalidInput, errors.CodeOf(err))

	_, err = f.svc.GetSession(ctx, testSess, "missing")
	assert.Equal(t, errors.ErrCodeNotFound, errors.CodeOf(err))

	other := testSess
	other.OrganizationID = "org-2"
	_, err = f.svc.GetSession(ctx, other, view.ID)
	assert.Equal(t, errors.ErrCodeNotFound, errors.CodeOf(err))

	require.NoError(t, f.svc.DiscardSession(ctx, testSess, view.ID))
	_, err = f.svc.GetSession(ctx, testSess, view.ID)
	assert.Equal(t, errors.ErrCodeNotFound, errors.CodeOf(err))
}

func TestPreviewPlan(t *testing.T) {
	f := newDefinitionFixture(t)
	ctx := context.Background()
	twoStepWorkflow(f.api)

	view, err := f.svc.StartSession(ctx, testSess, "wf-1")
	require.NoError(t, err)
	_, err = f.svc.AddStep(ctx, testSess, view.ID, "F3", "R3")
	require.NoError(t, err)
	_, err = f.svc.ReorderSteps(ctx, testSess, view.ID, 2, 0)
	require.NoError(t, err)

	plan, err := f.svc.PreviewPlan(ctx, testSess, view.ID)
	require.NoError(t, err)

	require.Len(t, plan.Creates, 1)
	assert.Equal(t, 0, plan.Creates[0].Order)
	assert.Len(t, plan.Patches, 2)
	assert.Empty(t, plan.Deletes)
	assert.Empty(t, f.api.callsOf(OpCreate, OpPatch, OpDelete))
}

func TestStepOptions_FiltersFormsByEntityType(t *testing.T) {
	f := newDefinitionFixture(t)
	ctx := context.Background()
	twoStepWorkflow(f.api)
	f.api.forms = []workflow.Form{
		{ID: "F1", Name: "Material master", Type: workflow.EntityMaterial},
		{ID: "F2", Name: "Partner onboarding", Type: workflow.EntityPartner},
		{ID: "F3", Name: "Material pricing", Type: workflow.EntityMaterial},
	}
	f.api.roles = []workflow.Role{{ID: "R1", Name: "Buyer"}}

	view, err := f.svc.StartSession(ctx, testSess, "wf-1")
	require.NoError(t, err)
	opts, err := f.svc.StepOptions(ctx, testSess, view.ID)
	require.NoError(t, err)

	require.Len(t, opts.Forms, 2)
	assert.Equal(t, "F1", opts.Forms[0].ID)
	assert.Equal(t, "F3", opts.Forms[1].ID)
	assert.Len(t, opts.Roles, 1)
}

func TestWorkflowValidation(t *testing.T) {
	f := newDefinitionFixture(t)
	ctx := context.Background()
	twoStepWorkflow(f.api)

	_, err := f.svc.CreateWorkflow(ctx, testSess, CreateWorkflowInput{Type: "vendor", Action: workflow.ActionCreate})
	assert.Equal(t, errors.ErrCodeInvalidInput, errors.CodeOf(err))

	_, err = f.svc.CreateWorkflow(ctx, testSess, CreateWorkflowInput{Type: workflow.EntityPartner, Action: "archive"})
	assert.Equal(t, errors.ErrCodeInvalidInput, errors.CodeOf(err))
	assert.Empty(t, f.api.callsOf("create_workflow"))

	name := "  Partner creation  "
	wf, err := f.svc.CreateWorkflow(ctx, testSess, CreateWorkflowInput{Type: workflow.EntityPartner, Action: workflow.ActionCreate, Name: &name})
	require.NoError(t, err)
	assert.Equal(t, "Partner creation", *wf.Name)

	partner := workflow.EntityPartner
	_, err = f.svc.UpdateWorkflow(ctx, testSess, "wf-1", UpdateWorkflowInput{Type: &partner})
	assert.Equal(t, errors.ErrCodeInvalidInput, errors.CodeOf(err))
	assert.Empty(t, f.api.callsOf("patch_workflow"))

	material := workflow.EntityMaterial
	rename := "Material creation"
	updated, err := f.svc.UpdateWorkflow(ctx, testSess, "wf-1", UpdateWorkflowInput{Type: &material, Name: &rename})
	require.NoError(t, err)
	assert.Equal(t, "Material creation", *updated.Name)
	assert.Len(t, f.api.callsOf("patch_workflow"), 1)

	require.NoError(t, f.svc.DeleteWorkflow(ctx, testSess, "wf-1"))
	assert.Equal(t,
		[]string{repository.AuditWorkflowCreated, repository.AuditWorkflowUpdated, repository.AuditWorkflowDeleted},
		f.audit.actions())
}

func TestSessionRequired(t *testing.T) {
	f := newDefinitionFixture(t)
	anonymous := testSess
	anonymous.Token = ""
	_, err := f.svc.ListWorkflows(context.Background(), anonymous)
	assert.Equal(t, errors.ErrCodeUnauthorized, errors.CodeOf(err))
}
