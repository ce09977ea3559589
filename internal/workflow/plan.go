package workflow

import (
	mapset "github.com/deckarep/golang-set/v2"
)

// StepPatch converges one persisted step to new values. Only changed fields
// are set; Target holds the full resulting field set.
type StepPatch struct {
	StepID string     `json:"stepId"`
	FormID *string    `json:"formId,omitempty"`
	RoleID *string    `json:"organizationRoleId,omitempty"`
	Order  *int       `json:"order,omitempty"`
	Target StepFields `json:"target"`
}

// Plan is the set of remote calls needed to make the server's step
// collection match the edited list.
type Plan struct {
	WorkflowID string        `json:"workflowId"`
	Creates    []PendingStep `json:"creates"`
	Patches    []StepPatch   `json:"patches"`
	Deletes    []string      `json:"deletes"`
}

// Empty reports whether the plan issues no calls.
func (p Plan) Empty() bool {
	return p.Size() == 0
}

// Size is the number of remote calls in the plan.
func (p Plan) Size() int {
	return len(p.Creates) + len(p.Patches) + len(p.Deletes)
}

// Diff compares the edited list against the snapshot. It yields one create
// per pending step, one patch per persisted step whose fields differ from
// its snapshot entry, and one delete per snapshot id missing from the list.
// Unchanged steps produce nothing.
func Diff(workflowID string, snapshot []PersistedStep, current []Step) Plan {
	plan := Plan{WorkflowID: workflowID}

	before := make(map[string]StepFields, len(snapshot))
	snapshotIDs := mapset.NewThreadUnsafeSet[string]()
	for _, s := range snapshot {
		before[s.ID] = s.StepFields
		snapshotIDs.Add(s.ID)
	}

	currentIDs := mapset.NewThreadUnsafeSet[string]()
	for _, step := range current {
		switch s := step.(type) {
		case PendingStep:
			plan.Creates = append(plan.Creates, s)
		case PersistedStep:
			currentIDs.Add(s.ID)
			old, known := before[s.ID]
			if patch, changed := diffFields(s.ID, old, s.StepFields, known); changed {
				plan.Patches = append(plan.Patches, patch)
			}
		}
	}

	removed := snapshotIDs.Difference(currentIDs)
	for _, s := range snapshot {
		if removed.Contains(s.ID) {
			plan.Deletes = append(plan.Deletes, s.ID)
		}
	}

	return plan
}

func diffFields(id string, old, cur StepFields, known bool) (StepPatch, bool) {
	patch := StepPatch{StepID: id, Target: cur}
	changed := false

	if !known || old.FormID != cur.FormID {
		formID := cur.FormID
		patch.FormID = &formID
		changed = true
	}
	if !known || old.RoleID != cur.RoleID {
		roleID := cur.RoleID
		patch.RoleID = &roleID
		changed = true
	}
	if !known || old.Order != cur.Order {
		order := cur.Order
		patch.Order = &order
		changed = true
	}
	return patch, changed
}
