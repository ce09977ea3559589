package main

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/pesio-ai/be-plt-workflows/internal/client"
	"github.com/pesio-ai/be-plt-workflows/internal/errors"
	"github.com/pesio-ai/be-plt-workflows/internal/service"
	"github.com/pesio-ai/be-plt-workflows/internal/workflow"
)

func newRequestsCmd(env *cliEnv) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "requests",
		Aliases: []string{"req"},
		Short:   "Inspect and decide workflow requests",
	}

	var roleGating bool
	get := &cobra.Command{
		Use:   "get <request-id>",
		Short: "Show a request and whether the caller can act on it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			view, err := loadRequest(cmd.Context(), env, args[0], workflow.Gate{RoleGating: roleGating})
			if err != nil {
				return err
			}
			return printOutput(cmd.OutOrStdout(), env.output, view,
				[]string{"id", "status", "step", "can act", "reason", "overdue"},
				[][]string{requestRow(view)})
		},
	}
	get.Flags().BoolVar(&roleGating, "role-gating", true, "Require --role to match the outstanding step's role")

	cmd.AddCommand(get)
	cmd.AddCommand(newDecisionCmd(env, "approve", workflow.DecisionApproved))
	cmd.AddCommand(newDecisionCmd(env, "reject", workflow.DecisionRejected))

	return cmd
}

func newDecisionCmd(env *cliEnv, use string, decision workflow.Decision) *cobra.Command {
	var comment string
	cmd := &cobra.Command{
		Use:   use + " <request-id>",
		Short: fmt.Sprintf("Record %s for the request's outstanding step", decision),
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			// Role gating is left to the server here; the CLI only needs the
			// outstanding step id.
			view, err := loadRequest(ctx, env, args[0], workflow.Gate{})
			if err != nil {
				return err
			}
			if !view.Availability.CanAct {
				return errors.Conflict(fmt.Sprintf("request %s cannot be decided: %s", args[0], view.Availability.Reason))
			}

			req := &client.DecisionRequest{
				WorkflowStepID: view.Availability.PendingStep.ID,
				Status:         decision,
			}
			if comment != "" {
				req.Comments = &comment
			}
			if err := env.api.Decide(ctx, env.sess, args[0], req); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: step %s %s\n", args[0], req.WorkflowStepID, decision)
			return nil
		},
	}
	cmd.Flags().StringVar(&comment, "comment", "", "Optional comment stored with the decision")
	return cmd
}

func loadRequest(ctx context.Context, env *cliEnv, id string, gate workflow.Gate) (*service.RequestView, error) {
	req, err := env.api.GetRequest(ctx, env.sess, id)
	if err != nil {
		return nil, err
	}
	steps, err := env.api.ListSteps(ctx, env.sess, req.WorkflowID)
	if err != nil {
		return nil, err
	}
	return &service.RequestView{
		Request:      req,
		Availability: gate.Evaluate(req, steps, env.sess.Viewer()),
		Overdue:      req.Overdue(time.Now()),
	}, nil
}

func requestRow(v *service.RequestView) []string {
	step := strconv.Itoa(v.Request.CurrentStepOrder)
	if p := v.Availability.PendingStep; p != nil {
		step = fmt.Sprintf("%d (%s)", p.Order, p.ID)
	}
	return []string{
		v.Request.ID,
		string(v.Request.Status),
		step,
		strconv.FormatBool(v.Availability.CanAct),
		orDash(string(v.Availability.Reason)),
		strconv.FormatBool(v.Overdue),
	}
}
