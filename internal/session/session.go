// Package session carries the caller's capability (organization, bearer token
// and viewer identity) explicitly into services instead of ambient state.
package session

import (
	"context"

	"github.com/pesio-ai/be-plt-workflows/internal/errors"
	"github.com/pesio-ai/be-plt-workflows/internal/workflow"
)

// Session is the capability object passed to every service and client call.
type Session struct {
	OrganizationID string
	Token          string
	UserID         string
	RoleID         string
}

// Validate checks that the session can address the remote API.
func (s Session) Validate() error {
	if s.OrganizationID == "" {
		return errors.InvalidInput("organizationId", "organization id is required")
	}
	if s.Token == "" {
		return errors.New(errors.ErrCodeUnauthorized, "bearer token is required")
	}
	return nil
}

// Viewer returns the identity used for approval gating.
func (s Session) Viewer() workflow.Viewer {
	return workflow.Viewer{UserID: s.UserID, RoleID: s.RoleID}
}

type ctxKey struct{}

// WithIdentity stores the authenticated identity in ctx.
func WithIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, ctxKey{}, id)
}

// IdentityFromContext returns the identity stored by the auth middleware.
func IdentityFromContext(ctx context.Context) (Identity, bool) {
	id, ok := ctx.Value(ctxKey{}).(Identity)
	return id, ok
}

// ForOrganization builds the Session for one organization from ctx's identity.
func ForOrganization(ctx context.Context, orgID string) (Session, error) {
	id, ok := IdentityFromContext(ctx)
	if !ok {
		return Session{}, errors.New(errors.ErrCodeUnauthorized, "not authenticated")
	}
	s := Session{
		OrganizationID: orgID,
		Token:          id.Token,
		UserID:         id.UserID,
		RoleID:         id.RoleFor(orgID),
	}
	return s, s.Validate()
}
