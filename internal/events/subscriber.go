package events

import (
	"encoding/json"
	"fmt"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
)

// Invalidator applies invalidations to the local cache.
type Invalidator interface {
	InvalidateRequest(orgID, id string)
	InvalidateSteps(orgID, workflowID string)
	InvalidateOrganization(orgID string)
}

// Subscriber applies invalidations broadcast by other replicas.
type Subscriber struct {
	origin string
	cache  Invalidator
	log    zerolog.Logger
}

// NewSubscriber creates a subscriber that ignores messages from origin.
func NewSubscriber(origin string, cache Invalidator, log zerolog.Logger) *Subscriber {
	return &Subscriber{origin: origin, cache: cache, log: log}
}

// Subscribe registers the subscriber on the invalidation subject.
func (s *Subscriber) Subscribe(nc *nats.Conn, subjects Subjects) (*nats.Subscription, error) {
	sub, err := nc.Subscribe(subjects.Invalidate, func(msg *nats.Msg) {
		s.Handle(msg.Data)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe to %s: %w", subjects.Invalidate, err)
	}
	return sub, nil
}

// Handle applies one invalidation message.
func (s *Subscriber) Handle(data []byte) {
	var inv Invalidation
	if err := json.Unmarshal(data, &inv); err != nil {
		s.log.Warn().Err(err).Msg("events: malformed invalidation")
		return
	}
	if inv.Origin == s.origin || inv.OrganizationID == "" {
		return
	}

	switch inv.Kind {
	case KindRequest:
		s.cache.InvalidateRequest(inv.OrganizationID, inv.ID)
	case KindSteps:
		s.cache.InvalidateSteps(inv.OrganizationID, inv.ID)
	default:
		s.cache.InvalidateOrganization(inv.OrganizationID)
	}
	s.log.Debug().
		Str("origin", inv.Origin).
		Str("kind", inv.Kind).
		Str("id", inv.ID).
		Msg("events: cache invalidated")
}
