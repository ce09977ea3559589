package client

import (
	"context"
	"fmt"
	"net/url"
	"strconv"

	"github.com/pesio-ai/be-plt-workflows/internal/httpclient"
	"github.com/pesio-ai/be-plt-workflows/internal/session"
	"github.com/pesio-ai/be-plt-workflows/internal/workflow"
)

const (
	orgPathFmt        = "/api/organizations/%s"
	workflowsPathFmt  = orgPathFmt + "/workflows"
	workflowPathFmt   = workflowsPathFmt + "/%s"
	stepsPathFmt      = workflowPathFmt + "/steps"
	stepPathFmt       = stepsPathFmt + "/%s"
	requestsPathFmt   = orgPathFmt + "/workflow-requests"
	requestPathFmt    = requestsPathFmt + "/%s"
	requestApproveFmt = requestPathFmt + "/approve"
	formsPathFmt      = orgPathFmt + "/forms"
	rolesPathFmt      = orgPathFmt + "/roles"
)

// WorkflowsClient is a client for the remote master-data workflow API.
type WorkflowsClient struct {
	client *httpclient.Client
}

// NewWorkflowsClient creates a client over an httpclient.Client.
func NewWorkflowsClient(c *httpclient.Client) *WorkflowsClient {
	return &WorkflowsClient{client: c}
}

func path(format string, parts ...string) string {
	args := make([]any, len(parts))
	for i, p := range parts {
		args[i] = url.PathEscape(p)
	}
	return fmt.Sprintf(format, args...)
}

// ListWorkflows lists the organization's workflows.
func (c *WorkflowsClient) ListWorkflows(ctx context.Context, s session.Session) ([]workflow.Workflow, error) {
	var data workflowsData
	if err := c.client.Get(ctx, s.Token, path(workflowsPathFmt, s.OrganizationID), &data); err != nil {
		return nil, fmt.Errorf("failed to list workflows: %w", err)
	}
	return data.Workflows, nil
}

// GetWorkflow fetches one workflow.
func (c *WorkflowsClient) GetWorkflow(ctx context.Context, s session.Session, id string) (*workflow.Workflow, error) {
	var data workflowData
	if err := c.client.Get(ctx, s.Token, path(workflowPathFmt, s.OrganizationID, id), &data); err != nil {
		return nil, fmt.Errorf("failed to get workflow: %w", err)
	}
	return &data.Workflow, nil
}

// CreateWorkflow creates a workflow.
func (c *WorkflowsClient) CreateWorkflow(ctx context.Context, s session.Session, req *CreateWorkflowRequest) (*workflow.Workflow, error) {
	var data workflowData
	if err := c.client.Post(ctx, s.Token, path(workflowsPathFmt, s.OrganizationID), req, &data); err != nil {
		return nil, fmt.Errorf("failed to create workflow: %w", err)
	}
	return &data.Workflow, nil
}

// PatchWorkflow updates a workflow.
func (c *WorkflowsClient) PatchWorkflow(ctx context.Context, s session.Session, id string, req *PatchWorkflowRequest) error {
	if err := c.client.Patch(ctx, s.Token, path(workflowPathFmt, s.OrganizationID, id), req, nil); err != nil {
		return fmt.Errorf("failed to update workflow: %w", err)
	}
	return nil
}

// DeleteWorkflow deletes a workflow.
func (c *WorkflowsClient) DeleteWorkflow(ctx context.Context, s session.Session, id string) error {
	if err := c.client.Delete(ctx, s.Token, path(workflowPathFmt, s.OrganizationID, id)); err != nil {
		return fmt.Errorf("failed to delete workflow: %w", err)
	}
	return nil
}

// ListSteps lists a workflow's steps.
func (c *WorkflowsClient) ListSteps(ctx context.Context, s session.Session, workflowID string) ([]workflow.WorkflowStep, error) {
	var data stepsData
	if err := c.client.Get(ctx, s.Token, path(stepsPathFmt, s.OrganizationID, workflowID), &data); err != nil {
		return nil, fmt.Errorf("failed to list workflow steps: %w", err)
	}
	return data.Steps, nil
}

// CreateStep creates a step. The idempotency key, when set, lets the server
// recognise a retried create whose first response was lost.
func (c *WorkflowsClient) CreateStep(ctx context.Context, s session.Session, workflowID string, req *CreateStepRequest) (*workflow.WorkflowStep, error) {
	var opts []httpclient.RequestOption
	if req.IdempotencyKey != "" {
		opts = append(opts, httpclient.WithHeader("Idempotency-Key", req.IdempotencyKey))
	}

	var data stepData
	if err := c.client.Post(ctx, s.Token, path(stepsPathFmt, s.OrganizationID, workflowID), req, &data, opts...); err != nil {
		return nil, fmt.Errorf("failed to create workflow step: %w", err)
	}
	return &data.Step, nil
}

// PatchStep updates a step.
func (c *WorkflowsClient) PatchStep(ctx context.Context, s session.Session, workflowID, stepID string, req *PatchStepRequest) error {
	if err := c.client.Patch(ctx, s.Token, path(stepPathFmt, s.OrganizationID, workflowID, stepID), req, nil); err != nil {
		return fmt.Errorf("failed to update workflow step: %w", err)
	}
	return nil
}

// DeleteStep deletes a step.
func (c *WorkflowsClient) DeleteStep(ctx context.Context, s session.Session, workflowID, stepID string) error {
	if err := c.client.Delete(ctx, s.Token, path(stepPathFmt, s.OrganizationID, workflowID, stepID)); err != nil {
		return fmt.Errorf("failed to delete workflow step: %w", err)
	}
	return nil
}

// ListRequests lists workflow requests.
func (c *WorkflowsClient) ListRequests(ctx context.Context, s session.Session, f ListRequestsFilter) ([]workflow.WorkflowRequest, error) {
	p := path(requestsPathFmt, s.OrganizationID)
	if q := f.query(); q != "" {
		p += "?" + q
	}

	var data requestsData
	if err := c.client.Get(ctx, s.Token, p, &data); err != nil {
		return nil, fmt.Errorf("failed to list workflow requests: %w", err)
	}
	return data.Requests, nil
}

// GetRequest fetches one request with its ledger.
func (c *WorkflowsClient) GetRequest(ctx context.Context, s session.Session, id string) (*workflow.WorkflowRequest, error) {
	var data requestData
	if err := c.client.Get(ctx, s.Token, path(requestPathFmt, s.OrganizationID, id), &data); err != nil {
		return nil, fmt.Errorf("failed to get workflow request: %w", err)
	}
	return &data.Request, nil
}

// Decide approves or rejects the request's outstanding step.
func (c *WorkflowsClient) Decide(ctx context.Context, s session.Session, requestID string, req *DecisionRequest) error {
	if err := c.client.Patch(ctx, s.Token, path(requestApproveFmt, s.OrganizationID, requestID), req, nil); err != nil {
		return fmt.Errorf("failed to submit decision: %w", err)
	}
	return nil
}

// ListForms lists the organization's forms.
func (c *WorkflowsClient) ListForms(ctx context.Context, s session.Session) ([]workflow.Form, error) {
	var data formsData
	if err := c.client.Get(ctx, s.Token, path(formsPathFmt, s.OrganizationID), &data); err != nil {
		return nil, fmt.Errorf("failed to list forms: %w", err)
	}
	return data.Forms, nil
}

// ListRoles lists the organization's roles.
func (c *WorkflowsClient) ListRoles(ctx context.Context, s session.Session) ([]workflow.Role, error) {
	var data rolesData
	if err := c.client.Get(ctx, s.Token, path(rolesPathFmt, s.OrganizationID), &data); err != nil {
		return nil, fmt.Errorf("failed to list roles: %w", err)
	}
	return data.Roles, nil
}

// Query renders the filter as a query string; it also serves as a cache key.
func (f ListRequestsFilter) Query() string { return f.query() }

func (f ListRequestsFilter) query() string {
	q := url.Values{}
	if f.Status != "" {
		q.Set("status", string(f.Status))
	}
	if f.WorkflowID != "" {
		q.Set("workflowId", f.WorkflowID)
	}
	if f.Page > 0 {
		q.Set("page", strconv.Itoa(f.Page))
	}
	if f.Limit > 0 {
		q.Set("limit", strconv.Itoa(f.Limit))
	}
	return q.Encode()
}
