package client

import (
	"context"

	"github.com/pesio-ai/be-plt-workflows/internal/session"
	"github.com/pesio-ai/be-plt-workflows/internal/workflow"
)

// WorkflowsClientInterface covers workflow definitions and their steps.
type WorkflowsClientInterface interface {
	ListWorkflows(ctx context.Context, s session.Session) ([]workflow.Workflow, error)
	GetWorkflow(ctx context.Context, s session.Session, id string) (*workflow.Workflow, error)
	CreateWorkflow(ctx context.Context, s session.Session, req *CreateWorkflowRequest) (*workflow.Workflow, error)
	PatchWorkflow(ctx context.Context, s session.Session, id string, req *PatchWorkflowRequest) error
	DeleteWorkflow(ctx context.Context, s session.Session, id string) error

	ListSteps(ctx context.Context, s session.Session, workflowID string) ([]workflow.WorkflowStep, error)
	CreateStep(ctx context.Context, s session.Session, workflowID string, req *CreateStepRequest) (*workflow.WorkflowStep, error)
	PatchStep(ctx context.Context, s session.Session, workflowID, stepID string, req *PatchStepRequest) error
	DeleteStep(ctx context.Context, s session.Session, workflowID, stepID string) error
}

// RequestsClientInterface covers workflow requests and decisions.
type RequestsClientInterface interface {
	ListRequests(ctx context.Context, s session.Session, f ListRequestsFilter) ([]workflow.WorkflowRequest, error)
	GetRequest(ctx context.Context, s session.Session, id string) (*workflow.WorkflowRequest, error)
	Decide(ctx context.Context, s session.Session, requestID string, req *DecisionRequest) error
}

// LookupsClientInterface covers the form and role lookups used by the editor.
type LookupsClientInterface interface {
	ListForms(ctx context.Context, s session.Session) ([]workflow.Form, error)
	ListRoles(ctx context.Context, s session.Session) ([]workflow.Role, error)
}
