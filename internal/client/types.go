package client

import (
	"github.com/pesio-ai/be-plt-workflows/internal/workflow"
)

// CreateWorkflowRequest is the body of POST /workflows.
type CreateWorkflowRequest struct {
	Type   workflow.EntityType `json:"type"`
	Action workflow.Action     `json:"action"`
	Name   *string             `json:"name,omitempty"`
}

// PatchWorkflowRequest is the body of PATCH /workflows/{id}.
type PatchWorkflowRequest struct {
	Type   *workflow.EntityType `json:"type,omitempty"`
	Action *workflow.Action     `json:"action,omitempty"`
	Name   *string              `json:"name,omitempty"`
}

// CreateStepRequest is the body of POST /workflows/{id}/steps.
type CreateStepRequest struct {
	FormID             string `json:"formId"`
	OrganizationRoleID string `json:"organizationRoleId"`
	Order              int    `json:"order"`
	// IdempotencyKey is sent as a header, never in the body.
	IdempotencyKey string `json:"-"`
}

// PatchStepRequest is the body of PATCH /workflows/{id}/steps/{stepId}.
type PatchStepRequest struct {
	FormID             *string `json:"formId,omitempty"`
	OrganizationRoleID *string `json:"organizationRoleId,omitempty"`
	Order              *int    `json:"order,omitempty"`
}

// DecisionRequest is the body of PATCH /workflow-requests/{id}/approve.
type DecisionRequest struct {
	WorkflowStepID string            `json:"workflowStepId"`
	Status         workflow.Decision `json:"status"`
	Comments       *string           `json:"comments,omitempty"`
}

// ListRequestsFilter narrows GET /workflow-requests.
type ListRequestsFilter struct {
	Status     workflow.RequestStatus
	WorkflowID string
	Page       int
	Limit      int
}

type workflowsData struct {
	Workflows []workflow.Workflow `json:"workflows"`
}

type workflowData struct {
	Workflow workflow.Workflow `json:"workflow"`
}

type stepsData struct {
	Steps []workflow.WorkflowStep `json:"steps"`
}

type stepData struct {
	Step workflow.WorkflowStep `json:"step"`
}

type requestData struct {
	Request workflow.WorkflowRequest `json:"request"`
}

type requestsData struct {
	Requests []workflow.WorkflowRequest `json:"requests"`
}

type formsData struct {
	Forms []workflow.Form `json:"forms"`
}

type rolesData struct {
	Roles []workflow.Role `json:"roles"`
}
