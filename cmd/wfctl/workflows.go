package main

import (
	"cmp"
	"slices"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/pesio-ai/be-plt-workflows/internal/workflow"
)

func newWorkflowsCmd(env *cliEnv) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "workflows",
		Aliases: []string{"wf"},
		Short:   "Work with workflow definitions",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List the organization's workflows",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			workflows, err := env.api.ListWorkflows(cmd.Context(), env.sess)
			if err != nil {
				return err
			}
			rows := make([][]string, 0, len(workflows))
			for _, wf := range workflows {
				name := ""
				if wf.Name != nil {
					name = *wf.Name
				}
				rows = append(rows, []string{wf.ID, orDash(name), string(wf.Type), string(wf.Action)})
			}
			return printOutput(cmd.OutOrStdout(), env.output, workflows,
				[]string{"id", "name", "type", "action"}, rows)
		},
	})

	return cmd
}

func newStepsCmd(env *cliEnv) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "steps",
		Short: "Work with approval steps",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "list <workflow-id>",
		Short: "List a workflow's approval steps in order",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			steps, err := env.api.ListSteps(cmd.Context(), env.sess, args[0])
			if err != nil {
				return err
			}
			slices.SortFunc(steps, func(a, b workflow.WorkflowStep) int { return cmp.Compare(a.Order, b.Order) })
			return printOutput(cmd.OutOrStdout(), env.output, steps,
				[]string{"order", "id", "form", "role"}, stepRows(steps))
		},
	})

	return cmd
}

func stepRows(steps []workflow.WorkflowStep) [][]string {
	rows := make([][]string, 0, len(steps))
	for _, s := range steps {
		form := s.FormID
		if s.Form != nil && s.Form.Name != "" {
			form = s.Form.Name
		}
		role := s.OrganizationRoleID
		if s.OrganizationRole != nil && s.OrganizationRole.Name != "" {
			role = s.OrganizationRole.Name
		}
		rows = append(rows, []string{strconv.Itoa(s.Order), s.ID, orDash(form), orDash(role)})
	}
	return rows
}
