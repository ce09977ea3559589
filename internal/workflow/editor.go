package workflow

import (
	"fmt"
	"sort"

	"github.com/google/uuid"

	"github.com/pesio-ai/be-plt-workflows/internal/errors"
)

// TempIDPrefix marks identifiers generated for steps not yet created.
const TempIDPrefix = "tmp_"

// Editor holds one edit session of a workflow's step list: the steps as
// currently edited and the snapshot they are reconciled against. After every
// Add, Remove and Reorder the orders are exactly 0..n-1.
//
// An Editor is not safe for concurrent use.
type Editor struct {
	workflowID string
	snapshot   []PersistedStep
	steps      []Step
	newTempID  func() string
}

// EditorOption customizes an Editor.
type EditorOption func(*Editor)

// WithTempIDs replaces the temporary id generator.
func WithTempIDs(fn func() string) EditorOption {
	return func(e *Editor) { e.newTempID = fn }
}

func defaultTempID() string {
	return TempIDPrefix + uuid.NewString()
}

// NewEditor starts an edit session from the steps the server returned. The
// snapshot keeps the server's orders while the edited list is compacted to
// 0..n-1, so a dense list plans no calls and a list with gaps (left behind by
// a partially applied save) plans the patches that close them.
func NewEditor(workflowID string, persisted []WorkflowStep, opts ...EditorOption) *Editor {
	sorted := make([]WorkflowStep, len(persisted))
	copy(sorted, persisted)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Order < sorted[j].Order })

	e := &Editor{
		workflowID: workflowID,
		snapshot:   make([]PersistedStep, 0, len(sorted)),
		steps:      make([]Step, 0, len(sorted)),
		newTempID:  defaultTempID,
	}
	for _, ws := range sorted {
		ps := FromWorkflowStep(ws)
		e.snapshot = append(e.snapshot, ps)
		e.steps = append(e.steps, ps)
	}
	e.renumber()
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// WorkflowID returns the workflow being edited.
func (e *Editor) WorkflowID() string { return e.workflowID }

// Len returns the number of steps in the edited list.
func (e *Editor) Len() int { return len(e.steps) }

// Steps returns a copy of the edited list in order.
func (e *Editor) Steps() []Step {
	out := make([]Step, len(e.steps))
	copy(out, e.steps)
	return out
}

// Snapshot returns a copy of the snapshot.
func (e *Editor) Snapshot() []PersistedStep {
	out := make([]PersistedStep, len(e.snapshot))
	copy(out, e.snapshot)
	return out
}

// Add appends a pending step at the next order.
func (e *Editor) Add(formID, roleID string) PendingStep {
	step := PendingStep{
		TempID: e.newTempID(),
		StepFields: StepFields{
			FormID: formID,
			RoleID: roleID,
			Order:  len(e.steps),
		},
	}
	e.steps = append(e.steps, step)
	e.renumber()
	return step
}

// Remove deletes the step with the given key and renumbers the rest.
func (e *Editor) Remove(key string) error {
	idx := e.indexOf(key)
	if idx < 0 {
		return errors.NotFound("workflow_step", key)
	}
	e.steps = append(e.steps[:idx], e.steps[idx+1:]...)
	e.renumber()
	return nil
}

// Reorder moves the step at index from to index to and renumbers the list.
// Steps outside [min(from,to), max(from,to)] keep their positions.
func (e *Editor) Reorder(from, to int) error {
	n := len(e.steps)
	if from < 0 || from >= n {
		return errors.InvalidInput("from", fmt.Sprintf("index %d out of range [0,%d)", from, n))
	}
	if to < 0 || to >= n {
		return errors.InvalidInput("to", fmt.Sprintf("index %d out of range [0,%d)", to, n))
	}
	e.steps = Move(e.steps, from, to)
	e.renumber()
	return nil
}

// Update changes the form and/or role of one step. Nil leaves a field as is.
func (e *Editor) Update(key string, formID, roleID *string) error {
	idx := e.indexOf(key)
	if idx < 0 {
		return errors.NotFound("workflow_step", key)
	}
	f := e.steps[idx].Fields()
	if formID != nil {
		f.FormID = *formID
	}
	if roleID != nil {
		f.RoleID = *roleID
	}
	e.steps[idx] = e.steps[idx].withFields(f)
	return nil
}

// Validate checks what must hold before any remote call is made.
func (e *Editor) Validate() error {
	if e.workflowID == "" {
		return errors.InvalidInput("workflowId", "workflow id is required before saving steps")
	}
	for i, s := range e.steps {
		f := s.Fields()
		if f.FormID == "" {
			return errors.InvalidInput("formId", fmt.Sprintf("step %d has no form", i+1))
		}
		if f.RoleID == "" {
			return errors.InvalidInput("organizationRoleId", fmt.Sprintf("step %d has no approving role", i+1))
		}
	}
	return nil
}

// Plan diffs the edited list against the snapshot.
func (e *Editor) Plan() Plan {
	return Diff(e.workflowID, e.snapshot, e.steps)
}

// Outcome lists the sub-operations of a plan that the server accepted.
type Outcome struct {
	// Created maps temporary ids to the steps the server created for them.
	Created map[string]WorkflowStep
	Patched []string
	Deleted []string
}

// Apply folds the accepted operations of plan into the session: created steps
// become persisted and join the snapshot, patched steps update it and deleted
// steps leave it. Failed operations stay in the diff so a retry re-attempts
// only those.
func (e *Editor) Apply(plan Plan, out Outcome) {
	for i, s := range e.steps {
		pending, ok := s.(PendingStep)
		if !ok {
			continue
		}
		created, ok := out.Created[pending.TempID]
		if !ok || created.ID == "" {
			continue
		}
		ps := PersistedStep{
			ID:         created.ID,
			StepFields: pending.StepFields,
			Form:       created.Form,
			Role:       created.OrganizationRole,
		}
		e.steps[i] = ps
		sent := pending.StepFields
		for _, c := range plan.Creates {
			if c.TempID == pending.TempID {
				sent = c.StepFields
				break
			}
		}
		e.snapshot = append(e.snapshot, PersistedStep{ID: created.ID, StepFields: sent})
	}

	patched := make(map[string]bool, len(out.Patched))
	for _, id := range out.Patched {
		patched[id] = true
	}
	for _, p := range plan.Patches {
		if !patched[p.StepID] {
			continue
		}
		if i := e.snapshotIndex(p.StepID); i >= 0 {
			e.snapshot[i].StepFields = p.Target
		} else {
			e.snapshot = append(e.snapshot, PersistedStep{ID: p.StepID, StepFields: p.Target})
		}
	}

	for _, id := range out.Deleted {
		if i := e.snapshotIndex(id); i >= 0 {
			e.snapshot = append(e.snapshot[:i], e.snapshot[i+1:]...)
		}
	}

	sort.SliceStable(e.snapshot, func(i, j int) bool { return e.snapshot[i].Order < e.snapshot[j].Order })
}

// EditorState is the storable form of an Editor.
type EditorState struct {
	WorkflowID string       `json:"workflowId"`
	Snapshot   []StepRecord `json:"snapshot"`
	Steps      []StepRecord `json:"steps"`
}

// State captures the editor for storage.
func (e *Editor) State() EditorState {
	st := EditorState{
		WorkflowID: e.workflowID,
		Snapshot:   make([]StepRecord, 0, len(e.snapshot)),
		Steps:      make([]StepRecord, 0, len(e.steps)),
	}
	for _, s := range e.snapshot {
		st.Snapshot = append(st.Snapshot, ToRecord(s))
	}
	for _, s := range e.steps {
		st.Steps = append(st.Steps, ToRecord(s))
	}
	return st
}

// RestoreEditor rebuilds an Editor from stored state.
func RestoreEditor(st EditorState, opts ...EditorOption) (*Editor, error) {
	e := &Editor{
		workflowID: st.WorkflowID,
		snapshot:   make([]PersistedStep, 0, len(st.Snapshot)),
		steps:      make([]Step, 0, len(st.Steps)),
		newTempID:  defaultTempID,
	}
	for _, r := range st.Snapshot {
		s, err := FromRecord(r)
		if err != nil {
			return nil, err
		}
		ps, ok := s.(PersistedStep)
		if !ok {
			return nil, errors.InvalidInput("snapshot", "snapshot contains a pending step")
		}
		e.snapshot = append(e.snapshot, ps)
	}
	for _, r := range st.Steps {
		s, err := FromRecord(r)
		if err != nil {
			return nil, err
		}
		e.steps = append(e.steps, s)
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

func (e *Editor) indexOf(key string) int {
	for i, s := range e.steps {
		if s.Key() == key {
			return i
		}
	}
	return -1
}

func (e *Editor) snapshotIndex(id string) int {
	for i, s := range e.snapshot {
		if s.ID == id {
			return i
		}
	}
	return -1
}

func (e *Editor) renumber() {
	for i, s := range e.steps {
		if s.Fields().Order != i {
			e.steps[i] = s.withOrder(i)
		}
	}
}

// Move returns a copy of items with the element at from moved to index to.
func Move[T any](items []T, from, to int) []T {
	out := make([]T, 0, len(items))
	out = append(out, items[:from]...)
	out = append(out, items[from+1:]...)

	moved := items[from]
	out = append(out, moved)
	copy(out[to+1:], out[to:len(out)-1])
	out[to] = moved
	return out
}
