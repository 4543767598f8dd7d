// Command workflowctl is an admin CLI over the workflow-api HTTP service.
// It talks only to the public HTTP surface, never to the engine's internal
// packages.
package main

import (
	"fmt"
	"os"

	"github.com/lyzr/workflows/cmd/workflowctl/cmd"
)

func main() {
	if err := cmd.Root().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
