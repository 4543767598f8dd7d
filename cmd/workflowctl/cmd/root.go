// Package cmd implements the workflowctl command tree over cobra, one
// subcommand per public API operation, talking to workflow-api's HTTP
// surface through client.Client.
package cmd

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/lyzr/workflows/cmd/workflowctl/client"
)

var (
	apiAddr string
	userID  string
	orgID   string
)

// Root builds the workflowctl root command.
func Root() *cobra.Command {
	root := &cobra.Command{
		Use:   "workflowctl",
		Short: "Admin CLI for the workflow orchestration engine",
	}

	root.PersistentFlags().StringVar(&apiAddr, "api", envOr("WORKFLOWCTL_API", "http://localhost:8080"), "workflow-api base URL")
	root.PersistentFlags().StringVar(&userID, "user", os.Getenv("WORKFLOWCTL_USER"), "X-User-ID to send with every request")
	root.PersistentFlags().StringVar(&orgID, "org", os.Getenv("WORKFLOWCTL_ORG"), "X-Org-ID to send with every request")

	root.AddCommand(definitionCmd())
	root.AddCommand(runCmd())
	return root
}

func newClient() *client.Client {
	return client.New(apiAddr, userID, orgID)
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func printJSON(v any) error {
	raw, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("workflowctl: marshal output: %w", err)
	}
	fmt.Println(string(raw))
	return nil
}
