package workflow

// Viewer is the user looking at a request.
type Viewer struct {
	UserID string `json:"userId"`
	RoleID string `json:"roleId"`
}

// BlockReason explains why a request's outstanding step cannot be acted on.
type BlockReason string

const (
	ReasonTerminal         BlockReason = "request_terminal"
	ReasonNoPendingStep    BlockReason = "no_pending_step"
	ReasonAlreadyEvaluated BlockReason = "step_already_evaluated"
	ReasonRoleMismatch     BlockReason = "role_mismatch"
)

// Availability is the result of evaluating a request for a viewer.
type Availability struct {
	CanAct      bool          `json:"canAct"`
	Reason      BlockReason   `json:"reason,omitempty"`
	PendingStep *WorkflowStep `json:"pendingStep,omitempty"`
}

// Gate decides whether approve/reject is offered. The server stays
// authoritative; the gate only keeps stale or foreign requests from being
// presented as actionable.
type Gate struct {
	// RoleGating requires the viewer's role to match the step's approving role.
	RoleGating bool
}

// Evaluate offers the action iff the request is pending, a workflow step
// exists at currentStepOrder, no ledger entry exists for it yet and, with role
// gating on, the viewer holds the step's role.
func (g Gate) Evaluate(req *WorkflowRequest, steps []WorkflowStep, viewer Viewer) Availability {
	if req == nil || req.Status.Terminal() || req.Status != RequestPending {
		return Availability{Reason: ReasonTerminal}
	}

	pending, ok := PendingWorkflowStep(req, steps)
	if !ok {
		return Availability{Reason: ReasonNoPendingStep}
	}

	if _, done := LedgerEntryFor(req, pending); done {
		return Availability{Reason: ReasonAlreadyEvaluated, PendingStep: pending}
	}

	if g.RoleGating && viewer.RoleID != pending.OrganizationRoleID {
		return Availability{Reason: ReasonRoleMismatch, PendingStep: pending}
	}

	return Availability{CanAct: true, PendingStep: pending}
}

// PendingWorkflowStep returns the workflow step whose order equals the request's
// currentStepOrder.
func PendingWorkflowStep(req *WorkflowRequest, steps []WorkflowStep) (*WorkflowStep, bool) {
	for i := range steps {
		if steps[i].Order == req.CurrentStepOrder {
			s := steps[i]
			return &s, true
		}
	}
	return nil, false
}

// LedgerEntryFor returns the ledger entry recorded for step, matched by step
// id or, when the entry carries its step, by order.
func LedgerEntryFor(req *WorkflowRequest, step *WorkflowStep) (*WorkflowRequestStep, bool) {
	for i := range req.Steps {
		entry := req.Steps[i]
		if entry.WorkflowStepID != "" && entry.WorkflowStepID == step.ID {
			return &entry, true
		}
		if entry.WorkflowStep != nil && entry.WorkflowStep.Order == step.Order {
			return &entry, true
		}
	}
	return nil, false
}
