package repository

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/pesio-ai/be-plt-workflows/internal/database"
	"github.com/pesio-ai/be-plt-workflows/internal/errors"
)

// EditSessionRepository stores edit sessions. Every mutation is conditional on
// the session not being mid-save, and state writes are versioned so two
// replicas cannot silently overwrite each other. A saving flag older than the
// lease no longer blocks anything; it is what a crashed save leaves behind.
type EditSessionRepository struct {
	db    *database.DB
	lease time.Duration
}

// NewEditSessionRepository creates a new EditSessionRepository.
func NewEditSessionRepository(db *database.DB, saveLease time.Duration) *EditSessionRepository {
	return &EditSessionRepository{db: db, lease: saveLease}
}

func (r *EditSessionRepository) leaseSeconds() float64 { return r.lease.Seconds() }

// idle is the SQL condition "no live save holds the session", with the lease
// in seconds bound to parameter $n. A flag without a start time is expired.
func idle(n int) string {
	return fmt.Sprintf("(saving = FALSE OR COALESCE(save_started_at < NOW() - make_interval(secs => $%d), TRUE))", n)
}

// Create inserts a session and fills its generated fields.
func (r *EditSessionRepository) Create(ctx context.Context, s *EditSession) error {
	stateJSON, err := json.Marshal(s.State)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to marshal edit session state")
	}

	query := `
		INSERT INTO workflow_edit_sessions
		    (organization_id, workflow_id, created_by, state)
		VALUES ($1, $2, $3, $4)
		RETURNING id, saving, version, created_at, updated_at
	`

	err = r.db.QueryRow(ctx, query,
		s.OrganizationID,
		s.WorkflowID,
		s.CreatedBy,
		stateJSON,
	).Scan(&s.ID, &s.Saving, &s.Version, &s.CreatedAt, &s.UpdatedAt)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to create edit session")
	}
	return nil
}

// GetByID returns the session scoped to the organization.
func (r *EditSessionRepository) GetByID(ctx context.Context, id, orgID string) (*EditSession, error) {
	query := `
		SELECT id, organization_id, workflow_id, created_by, state,
		       NOT ` + idle(3) + ` AS saving, save_started_at,
		       version, created_at, updated_at
		FROM workflow_edit_sessions
		WHERE id = $1 AND organization_id = $2
	`

	s, err := r.scanSession(r.db.QueryRow(ctx, query, id, orgID, r.leaseSeconds()))
	if stderrors.Is(err, pgx.ErrNoRows) {
		return nil, errors.NotFound("edit_session", id)
	}
	return s, err
}

// UpdateState writes the session's state when the stored version matches and
// no save is in flight. The version is bumped on success and an expired
// saving flag is cleared.
func (r *EditSessionRepository) UpdateState(ctx context.Context, s *EditSession) error {
	stateJSON, err := json.Marshal(s.State)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to marshal edit session state")
	}

	query := `
		UPDATE workflow_edit_sessions
		SET state = $1, saving = FALSE, save_started_at = NULL,
		    version = version + 1, updated_at = NOW()
		WHERE id = $2 AND organization_id = $3 AND version = $4
		  AND ` + idle(5) + `
		RETURNING saving, version, updated_at
	`

	err = r.db.QueryRow(ctx, query, stateJSON, s.ID, s.OrganizationID, s.Version, r.leaseSeconds()).
		Scan(&s.Saving, &s.Version, &s.UpdatedAt)
	if stderrors.Is(err, pgx.ErrNoRows) {
		return r.conflictOrMissing(ctx, s.ID, s.OrganizationID, "edit session was modified concurrently")
	}
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to update edit session")
	}
	return nil
}

// BeginSave marks the session as saving and starts its lease. It fails with
// CONFLICT when a save is already in flight.
func (r *EditSessionRepository) BeginSave(ctx context.Context, id, orgID string) error {
	query := `
		UPDATE workflow_edit_sessions
		SET saving = TRUE, save_started_at = NOW(), updated_at = NOW()
		WHERE id = $1 AND organization_id = $2 AND ` + idle(3) + `
	`

	tag, err := r.db.Exec(ctx, query, id, orgID, r.leaseSeconds())
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to mark edit session saving")
	}
	if tag.RowsAffected() == 0 {
		return r.conflictOrMissing(ctx, id, orgID, "a save is already in progress")
	}
	return nil
}

// EndSave stores the post-save state and clears the saving flag.
func (r *EditSessionRepository) EndSave(ctx context.Context, s *EditSession) error {
	stateJSON, err := json.Marshal(s.State)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to marshal edit session state")
	}

	query := `
		UPDATE workflow_edit_sessions
		SET state = $1, saving = FALSE, save_started_at = NULL,
		    version = version + 1, updated_at = NOW()
		WHERE id = $2 AND organization_id = $3
		RETURNING saving, version, updated_at
	`

	err = r.db.QueryRow(ctx, query, stateJSON, s.ID, s.OrganizationID).
		Scan(&s.Saving, &s.Version, &s.UpdatedAt)
	if stderrors.Is(err, pgx.ErrNoRows) {
		return errors.NotFound("edit_session", s.ID)
	}
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to finish edit session save")
	}
	return nil
}

// CancelSave clears the saving flag without touching the state. It is used
// when a save stops before any remote call was made, and as the fallback
// when EndSave could not store the outcome.
func (r *EditSessionRepository) CancelSave(ctx context.Context, id, orgID string) error {
	query := `
		UPDATE workflow_edit_sessions
		SET saving = FALSE, save_started_at = NULL, updated_at = NOW()
		WHERE id = $1 AND organization_id = $2
	`

	if _, err := r.db.Exec(ctx, query, id, orgID); err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to clear edit session saving flag")
	}
	return nil
}

// Delete removes a session that is not mid-save.
func (r *EditSessionRepository) Delete(ctx context.Context, id, orgID string) error {
	query := `
		DELETE FROM workflow_edit_sessions
		WHERE id = $1 AND organization_id = $2 AND ` + idle(3) + `
	`

	tag, err := r.db.Exec(ctx, query, id, orgID, r.leaseSeconds())
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to delete edit session")
	}
	if tag.RowsAffected() == 0 {
		return r.conflictOrMissing(ctx, id, orgID, "cannot discard a session while it is saving")
	}
	return nil
}

func (r *EditSessionRepository) conflictOrMissing(ctx context.Context, id, orgID, msg string) error {
	var exists bool
	err := r.db.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM workflow_edit_sessions WHERE id = $1 AND organization_id = $2)`,
		id, orgID,
	).Scan(&exists)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to check edit session")
	}
	if !exists {
		return errors.NotFound("edit_session", id)
	}
	return errors.Conflict(msg)
}

// ── scan helpers ──────────────────────────────────────────────────────────────

type sessionScanner interface {
	Scan(dest ...any) error
}

func (r *EditSessionRepository) scanSession(sc sessionScanner) (*EditSession, error) {
	s := &EditSession{}
	var stateJSON []byte

	err := sc.Scan(
		&s.ID,
		&s.OrganizationID,
		&s.WorkflowID,
		&s.CreatedBy,
		&stateJSON,
		&s.Saving,
		&s.SaveStartedAt,
		&s.Version,
		&s.CreatedAt,
		&s.UpdatedAt,
	)
	if err != nil {
		if stderrors.Is(err, pgx.ErrNoRows) {
			return nil, err
		}
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to scan edit session")
	}

	if err := json.Unmarshal(stateJSON, &s.State); err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to unmarshal edit session state")
	}
	return s, nil
}
