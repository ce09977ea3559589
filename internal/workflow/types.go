// Package workflow holds the approval-workflow domain model together with the
// two pieces of client-side logic built on it: the step editor that reconciles
// an edited step list against its snapshot, and the gate that decides whether
// a request's outstanding step may be approved or rejected.
//
// Everything here is pure; network access lives in the client and service
// packages.
package workflow

import "time"

// EntityType is the kind of master data a workflow governs.
type EntityType string

const (
	EntityMaterial EntityType = "material"
	EntityPartner  EntityType = "partner"
)

// Valid reports whether t is a known entity type.
func (t EntityType) Valid() bool {
	return t == EntityMaterial || t == EntityPartner
}

// Action is the master-data operation a workflow approves.
type Action string

const (
	ActionCreate Action = "create"
	ActionUpdate Action = "update"
)

// Valid reports whether a is a known action.
func (a Action) Valid() bool {
	return a == ActionCreate || a == ActionUpdate
}

// RequestStatus is the lifecycle state of a WorkflowRequest.
type RequestStatus string

const (
	RequestPending  RequestStatus = "pending"
	RequestApproved RequestStatus = "approved"
	RequestRejected RequestStatus = "rejected"
)

// Terminal reports whether no further transitions are accepted.
func (s RequestStatus) Terminal() bool {
	return s == RequestApproved || s == RequestRejected
}

// Decision is the outcome recorded for one step of one request.
type Decision string

const (
	DecisionApproved Decision = "approved"
	DecisionRejected Decision = "rejected"
)

// Valid reports whether d is approve or reject.
func (d Decision) Valid() bool {
	return d == DecisionApproved || d == DecisionRejected
}

// Workflow identifies the approval pipeline for an (entity type, action) pair.
type Workflow struct {
	ID             string     `json:"id"`
	OrganizationID string     `json:"organizationId"`
	Type           EntityType `json:"type"`
	Action         Action     `json:"action"`
	Name           *string    `json:"name,omitempty"`
	CreatedAt      time.Time  `json:"createdAt"`
	UpdatedAt      time.Time  `json:"updatedAt"`
}

// FormRef is the denormalized form attached to a step.
type FormRef struct {
	ID   string     `json:"id"`
	Name string     `json:"name"`
	Type EntityType `json:"type,omitempty"`
}

// RoleRef is the denormalized organization role attached to a step.
type RoleRef struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// WorkflowStep is a persisted stage of a workflow as returned by the API.
type WorkflowStep struct {
	ID                 string    `json:"id"`
	WorkflowID         string    `json:"workflowId"`
	FormID             string    `json:"formId"`
	OrganizationRoleID string    `json:"organizationRoleId"`
	Order              int       `json:"order"`
	Form               *FormRef  `json:"form,omitempty"`
	OrganizationRole   *RoleRef  `json:"organizationRole,omitempty"`
	CreatedAt          time.Time `json:"createdAt,omitempty"`
	UpdatedAt          time.Time `json:"updatedAt,omitempty"`
}

// WorkflowRequestStep is one immutable ledger entry of a request.
type WorkflowRequestStep struct {
	ID                string        `json:"id"`
	WorkflowRequestID string        `json:"workflowRequestId"`
	WorkflowStepID    string        `json:"workflowStepId"`
	WorkflowStep      *WorkflowStep `json:"workflowStep,omitempty"`
	Status            Decision      `json:"status"`
	Comments          *string       `json:"comments,omitempty"`
	ApprovedBy        string        `json:"approvedBy,omitempty"`
	CreatedAt         time.Time     `json:"createdAt"`
}

// WorkflowRequest is one submission walking through a workflow.
type WorkflowRequest struct {
	ID               string                `json:"id"`
	OrganizationID   string                `json:"organizationId,omitempty"`
	WorkflowID       string                `json:"workflowId"`
	Workflow         *Workflow             `json:"workflow,omitempty"`
	Status           RequestStatus         `json:"status"`
	CurrentStepOrder int                   `json:"currentStepOrder"`
	Title            string                `json:"title,omitempty"`
	Description      string                `json:"description,omitempty"`
	Reason           string                `json:"reason,omitempty"`
	Priority         string                `json:"priority,omitempty"`
	SLADueAt         *time.Time            `json:"slaDueAt,omitempty"`
	SubmittedBy      string                `json:"submittedBy,omitempty"`
	Payload          map[string]any        `json:"payload,omitempty"`
	Steps            []WorkflowRequestStep `json:"workflowRequestSteps"`
	CreatedAt        time.Time             `json:"createdAt"`
	UpdatedAt        time.Time             `json:"updatedAt"`
}

// Overdue reports whether a pending request has passed its SLA due time.
func (r *WorkflowRequest) Overdue(now time.Time) bool {
	return r.Status == RequestPending && r.SLADueAt != nil && now.After(*r.SLADueAt)
}

// Form is a selectable form for step editing.
type Form struct {
	ID   string     `json:"id"`
	Name string     `json:"name"`
	Type EntityType `json:"type"`
}

// Role is a selectable organization role for step editing.
type Role struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// FormsForType keeps the forms that belong to the given entity type.
func FormsForType(forms []Form, t EntityType) []Form {
	out := make([]Form, 0, len(forms))
	for _, f := range forms {
		if f.Type == t {
			out = append(out, f)
		}
	}
	return out
}
