package repository

import (
	"time"

	"github.com/pesio-ai/be-plt-workflows/internal/workflow"
)

// ── Edit sessions ─────────────────────────────────────────────────────────────

// EditSession is a persisted step-list edit of one workflow.
type EditSession struct {
	ID             string               `json:"id"`
	OrganizationID string               `json:"organizationId"`
	WorkflowID     string               `json:"workflowId"`
	CreatedBy      string               `json:"createdBy"`
	State          workflow.EditorState `json:"state"`
	Saving         bool                 `json:"saving"`
	SaveStartedAt  *time.Time           `json:"saveStartedAt,omitempty"`
	Version        int                  `json:"version"`
	CreatedAt      time.Time            `json:"createdAt"`
	UpdatedAt      time.Time            `json:"updatedAt"`
}

// ── Audit log ─────────────────────────────────────────────────────────────────

// Audit actions.
const (
	AuditStepsSaved       = "steps_saved"
	AuditStepsSavePartial = "steps_save_partial"
	AuditRequestApproved  = "request_approved"
	AuditRequestRejected  = "request_rejected"
	AuditWorkflowCreated  = "workflow_created"
	AuditWorkflowUpdated  = "workflow_updated"
	AuditWorkflowDeleted  = "workflow_deleted"
)

// AuditEntry is one immutable row of workflow_audit_log.
type AuditEntry struct {
	ID             string         `json:"id"`
	OrganizationID string         `json:"organizationId"`
	WorkflowID     *string        `json:"workflowId,omitempty"`
	RequestID      *string        `json:"requestId,omitempty"`
	Action         string         `json:"action"`
	PerformedBy    string         `json:"performedBy"`
	PerformedAt    time.Time      `json:"performedAt"`
	Metadata       map[string]any `json:"metadata,omitempty"`
}
