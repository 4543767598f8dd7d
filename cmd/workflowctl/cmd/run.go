package cmd

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
)

func runCmd() *cobra.Command {
	run := &cobra.Command{
		Use:   "run",
		Short: "Manage workflow runs",
	}

	var definitionID, inputJSON string
	create := &cobra.Command{
		Use:   "create",
		Short: "Create a pending run against a published definition",
		RunE: func(c *cobra.Command, args []string) error {
			input := map[string]any{}
			if inputJSON != "" {
				if err := json.Unmarshal([]byte(inputJSON), &input); err != nil {
					return fmt.Errorf("workflowctl: parse --input: %w", err)
				}
			}
			var out any
			if err := newClient().CreateRun(definitionID, input, &out); err != nil {
				return err
			}
			return printJSON(out)
		},
	}
	create.Flags().StringVar(&definitionID, "definition", "", "published definition id (required)")
	create.Flags().StringVar(&inputJSON, "input", "{}", "run input as a JSON object")
	create.MarkFlagRequired("definition")

	start := &cobra.Command{
		Use:   "start [id]",
		Short: "Start a pending run and block until it stops",
		Args:  cobra.ExactArgs(1),
		RunE: func(c *cobra.Command, args []string) error {
			var out any
			if err := newClient().StartRun(args[0], &out); err != nil {
				return err
			}
			return printJSON(out)
		},
	}

	get := &cobra.Command{
		Use:   "get [id]",
		Short: "Fetch a run",
		Args:  cobra.ExactArgs(1),
		RunE: func(c *cobra.Command, args []string) error {
			var out any
			if err := newClient().GetRun(args[0], &out); err != nil {
				return err
			}
			return printJSON(out)
		},
	}

	var listDefinitionID string
	list := &cobra.Command{
		Use:   "list",
		Short: "List runs, optionally filtered to one definition",
		RunE: func(c *cobra.Command, args []string) error {
			var out any
			if err := newClient().ListRuns(listDefinitionID, &out); err != nil {
				return err
			}
			return printJSON(out)
		},
	}
	list.Flags().StringVar(&listDefinitionID, "definition", "", "filter to runs of this definition id")

	steps := &cobra.Command{
		Use:   "steps [id]",
		Short: "List a run's recorded steps in execution order",
		Args:  cobra.ExactArgs(1),
		RunE: func(c *cobra.Command, args []string) error {
			var out any
			if err := newClient().ListRunSteps(args[0], &out); err != nil {
				return err
			}
			return printJSON(out)
		},
	}

	var approved bool
	var approvedBy, reason string
	resume := &cobra.Command{
		Use:   "resume [id]",
		Short: "Deliver a decision to a suspended run's pending approval",
		Args:  cobra.ExactArgs(1),
		RunE: func(c *cobra.Command, args []string) error {
			decision := map[string]any{
				"approved":       approved,
				"approvedBy":     approvedBy,
				"approvalReason": reason,
			}
			var out any
			if err := newClient().ResumeRun(args[0], decision, &out); err != nil {
				return err
			}
			return printJSON(out)
		},
	}
	resume.Flags().BoolVar(&approved, "approved", false, "approve (true) or reject (false) the pending approval")
	resume.Flags().StringVar(&approvedBy, "by", "", "identity of the approver")
	resume.Flags().StringVar(&reason, "reason", "", "reason for the decision")

	cancel := &cobra.Command{
		Use:   "cancel [id]",
		Short: "Cancel an in-flight or suspended run",
		Args:  cobra.ExactArgs(1),
		RunE: func(c *cobra.Command, args []string) error {
			var out any
			if err := newClient().CancelRun(args[0], &out); err != nil {
				return err
			}
			return printJSON(out)
		},
	}

	run.AddCommand(create, start, get, list, steps, resume, cancel)
	return run
}
