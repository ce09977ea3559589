package service

import (
	"context"

	"github.com/pesio-ai/be-plt-workflows/internal/repository"
)

// SessionStore persists edit sessions.
type SessionStore interface {
	Create(ctx context.Context, s *repository.EditSession) error
	GetByID(ctx context.Context, id, orgID string) (*repository.EditSession, error)
	UpdateState(ctx context.Context, s *repository.EditSession) error
	BeginSave(ctx context.Context, id, orgID string) error
	CancelSave(ctx context.Context, id, orgID string) error
	EndSave(ctx context.Context, s *repository.EditSession) error
	Delete(ctx context.Context, id, orgID string) error
}

// AuditLog appends and reads the local audit trail.
type AuditLog interface {
	Append(ctx context.Context, entry *repository.AuditEntry) error
	ListByRequest(ctx context.Context, orgID, requestID string) ([]*repository.AuditEntry, error)
	ListByWorkflow(ctx context.Context, orgID, workflowID string) ([]*repository.AuditEntry, error)
}

// EventPublisher announces changes to other services and replicas. It never
// returns errors; failures are the publisher's to log.
type EventPublisher interface {
	StepsSaved(ctx context.Context, orgID, workflowID, actorID string, payload map[string]any)
	RequestDecided(ctx context.Context, orgID, requestID, workflowID, actorID string, payload map[string]any)
	Invalidate(ctx context.Context, orgID, kind, id string)
}
