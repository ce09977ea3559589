package events

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rs/zerolog"
)

// Conn is the part of *nats.Conn the publisher needs.
type Conn interface {
	Publish(subject string, data []byte) error
}

// Event types.
const (
	TypeRequestDecided = "request_decided"
	TypeStepsSaved     = "steps_saved"
)

// Invalidation kinds.
const (
	KindRequest = "request"
	KindSteps   = "steps"
)

// Event is the JSON payload of request.decided and steps.saved.
type Event struct {
	Type           string         `json:"type"`
	OrganizationID string         `json:"organization_id"`
	WorkflowID     string         `json:"workflow_id,omitempty"`
	RequestID      string         `json:"request_id,omitempty"`
	ActorID        string         `json:"actor_id,omitempty"`
	Payload        map[string]any `json:"payload,omitempty"`
	OccurredAt     time.Time      `json:"occurred_at"`
}

// Invalidation asks every replica to drop a cache entry.
type Invalidation struct {
	Origin         string `json:"origin"`
	OrganizationID string `json:"organization_id"`
	Kind           string `json:"kind"`
	ID             string `json:"id"`
}

// Publisher publishes console events. Publishing never fails the caller:
// errors are logged and dropped. A Publisher with a nil Conn does nothing.
type Publisher struct {
	conn     Conn
	subjects Subjects
	origin   string
	log      zerolog.Logger
	now      func() time.Time
}

// NewPublisher creates a publisher. origin identifies this replica in
// invalidation messages.
func NewPublisher(conn Conn, subjects Subjects, origin string, log zerolog.Logger) *Publisher {
	return &Publisher{conn: conn, subjects: subjects, origin: origin, log: log, now: time.Now}
}

// Origin returns the replica identifier.
func (p *Publisher) Origin() string {
	if p == nil {
		return ""
	}
	return p.origin
}

// RequestDecided announces a submitted decision.
func (p *Publisher) RequestDecided(ctx context.Context, orgID, requestID, workflowID, actorID string, payload map[string]any) {
	if p == nil {
		return
	}
	p.publish(ctx, p.subjects.RequestDecided, &Event{
		Type:           TypeRequestDecided,
		OrganizationID: orgID,
		WorkflowID:     workflowID,
		RequestID:      requestID,
		ActorID:        actorID,
		Payload:        payload,
		OccurredAt:     p.now().UTC(),
	})
}

// StepsSaved announces a completed Save batch.
func (p *Publisher) StepsSaved(ctx context.Context, orgID, workflowID, actorID string, payload map[string]any) {
	if p == nil {
		return
	}
	p.publish(ctx, p.subjects.StepsSaved, &Event{
		Type:           TypeStepsSaved,
		OrganizationID: orgID,
		WorkflowID:     workflowID,
		ActorID:        actorID,
		Payload:        payload,
		OccurredAt:     p.now().UTC(),
	})
}

// Invalidate broadcasts a cache invalidation to the other replicas.
func (p *Publisher) Invalidate(ctx context.Context, orgID, kind, id string) {
	if p == nil {
		return
	}
	p.publish(ctx, p.subjects.Invalidate, &Invalidation{
		Origin:         p.origin,
		OrganizationID: orgID,
		Kind:           kind,
		ID:             id,
	})
}

func (p *Publisher) publish(ctx context.Context, subject string, v any) {
	if p == nil || p.conn == nil {
		return
	}
	if ctx.Err() != nil {
		p.log.Debug().Str("subject", subject).Msg("events: context done, skipping publish")
		return
	}

	data, err := json.Marshal(v)
	if err != nil {
		p.log.Warn().Err(err).Str("subject", subject).Msg("events: failed to marshal event")
		return
	}
	if err := p.conn.Publish(subject, data); err != nil {
		p.log.Warn().Err(err).Str("subject", subject).Msg("events: failed to publish NATS event (non-fatal)")
		return
	}
	p.log.Debug().Str("subject", subject).Msg("events: event published")
}
