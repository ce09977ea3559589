package workflow

import (
	"github.com/pesio-ai/be-plt-workflows/internal/errors"
)

// StepFields are the editable attributes of a step.
type StepFields struct {
	FormID string `json:"formId"`
	RoleID string `json:"organizationRoleId"`
	Order  int    `json:"order"`
}

// Step is either a PersistedStep or a PendingStep. The set is closed: only
// this package can add variants.
type Step interface {
	// Key is the server id for persisted steps and the temporary id for
	// pending ones.
	Key() string
	Fields() StepFields
	withOrder(order int) Step
	withFields(f StepFields) Step
}

// PersistedStep is a step the server already knows under ID.
type PersistedStep struct {
	ID string `json:"id"`
	StepFields
	Form *FormRef `json:"form,omitempty"`
	Role *RoleRef `json:"organizationRole,omitempty"`
}

func (s PersistedStep) Key() string        { return s.ID }
func (s PersistedStep) Fields() StepFields { return s.StepFields }

func (s PersistedStep) withOrder(order int) Step {
	s.Order = order
	return s
}

func (s PersistedStep) withFields(f StepFields) Step {
	if f.FormID != s.FormID {
		s.Form = nil
	}
	if f.RoleID != s.RoleID {
		s.Role = nil
	}
	s.StepFields = f
	return s
}

// PendingStep is a step added locally and not yet created on the server.
type PendingStep struct {
	TempID string `json:"tempId"`
	StepFields
}

func (s PendingStep) Key() string        { return s.TempID }
func (s PendingStep) Fields() StepFields { return s.StepFields }

func (s PendingStep) withOrder(order int) Step {
	s.Order = order
	return s
}

func (s PendingStep) withFields(f StepFields) Step {
	s.StepFields = f
	return s
}

// FromWorkflowStep converts an API step into a PersistedStep.
func FromWorkflowStep(ws WorkflowStep) PersistedStep {
	return PersistedStep{
		ID: ws.ID,
		StepFields: StepFields{
			FormID: ws.FormID,
			RoleID: ws.OrganizationRoleID,
			Order:  ws.Order,
		},
		Form: ws.Form,
		Role: ws.OrganizationRole,
	}
}

// StepRecord is the storable form of a Step. Exactly one of ID and TempID is set.
type StepRecord struct {
	ID     string   `json:"id,omitempty"`
	TempID string   `json:"tempId,omitempty"`
	FormID string   `json:"formId"`
	RoleID string   `json:"organizationRoleId"`
	Order  int      `json:"order"`
	Form   *FormRef `json:"form,omitempty"`
	Role   *RoleRef `json:"organizationRole,omitempty"`
}

// ToRecord flattens a Step.
func ToRecord(s Step) StepRecord {
	switch v := s.(type) {
	case PersistedStep:
		return StepRecord{
			ID:     v.ID,
			FormID: v.FormID,
			RoleID: v.RoleID,
			Order:  v.Order,
			Form:   v.Form,
			Role:   v.Role,
		}
	case PendingStep:
		return StepRecord{
			TempID: v.TempID,
			FormID: v.FormID,
			RoleID: v.RoleID,
			Order:  v.Order,
		}
	default:
		panic("workflow: unknown step variant")
	}
}

// FromRecord rebuilds a Step from its stored form.
func FromRecord(r StepRecord) (Step, error) {
	fields := StepFields{FormID: r.FormID, RoleID: r.RoleID, Order: r.Order}
	switch {
	case r.ID != "" && r.TempID != "":
		return nil, errors.InvalidInput("id", "step record has both id and tempId")
	case r.ID != "":
		return PersistedStep{ID: r.ID, StepFields: fields, Form: r.Form, Role: r.Role}, nil
	case r.TempID != "":
		return PendingStep{TempID: r.TempID, StepFields: fields}, nil
	default:
		return nil, errors.InvalidInput("id", "step record has neither id nor tempId")
	}
}
