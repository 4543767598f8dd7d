package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
)

func definitionCmd() *cobra.Command {
	def := &cobra.Command{
		Use:   "definition",
		Short: "Manage workflow definitions",
	}

	var fromFile string
	create := &cobra.Command{
		Use:   "create",
		Short: "Create a draft definition from a JSON file (- for stdin)",
		RunE: func(c *cobra.Command, args []string) error {
			raw, err := readInput(fromFile)
			if err != nil {
				return err
			}
			var payload map[string]any
			if err := json.Unmarshal(raw, &payload); err != nil {
				return fmt.Errorf("workflowctl: parse definition file: %w", err)
			}
			var out any
			if err := newClient().CreateDefinition(payload, &out); err != nil {
				return err
			}
			return printJSON(out)
		},
	}
	create.Flags().StringVarP(&fromFile, "file", "f", "-", "path to the definition JSON document")

	get := &cobra.Command{
		Use:   "get [id]",
		Short: "Fetch one definition",
		Args:  cobra.ExactArgs(1),
		RunE: func(c *cobra.Command, args []string) error {
			var out any
			if err := newClient().GetDefinition(args[0], &out); err != nil {
				return err
			}
			return printJSON(out)
		},
	}

	list := &cobra.Command{
		Use:   "list",
		Short: "List non-archived definitions",
		RunE: func(c *cobra.Command, args []string) error {
			var out any
			if err := newClient().ListDefinitions(&out); err != nil {
				return err
			}
			return printJSON(out)
		},
	}

	publish := &cobra.Command{
		Use:   "publish [id]",
		Short: "Validate and publish a draft definition",
		Args:  cobra.ExactArgs(1),
		RunE: func(c *cobra.Command, args []string) error {
			var out any
			if err := newClient().PublishDefinition(args[0], &out); err != nil {
				return err
			}
			return printJSON(out)
		},
	}

	archive := &cobra.Command{
		Use:   "archive [id]",
		Short: "Archive a definition",
		Args:  cobra.ExactArgs(1),
		RunE: func(c *cobra.Command, args []string) error {
			return newClient().ArchiveDefinition(args[0])
		},
	}

	def.AddCommand(create, get, list, publish, archive)
	return def
}

func readInput(path string) ([]byte, error) {
	if path == "-" {
		return io.ReadAll(os.Stdin)
	}
	return os.ReadFile(path)
}
