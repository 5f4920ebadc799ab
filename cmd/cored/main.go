// Command cored runs the core agent daemon: the Conversation Coordinator,
// Execution Engine, Tool Pipeline, Context Compression Manager, Snapshot
// Core, and LSP/Terminal Supervisors, wired together and exposed over HTTP
// and gRPC. Grounded on haasonsaas-nexus's cmd/nexus serve command.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	root := buildRootCmd()
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func buildRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cored",
		Short: "Core agent daemon",
	}
	cmd.AddCommand(buildServeCmd())
	return cmd
}
