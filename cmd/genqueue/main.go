package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "genqueue",
		Short: "Queued and streamed image generation",
		Long: `genqueue runs image generation work against an external provider.

Jobs submitted over HTTP are persisted and drained by a bounded scheduler.
Batches can instead be streamed over SSE or websocket, wave by wave.

Settings come from CONFIG_FILE (YAML) and environment variables.`,
		SilenceUsage: true,
	}

	serveCmd := newServeCmd()
	root.RunE = serveCmd.RunE

	root.AddCommand(
		serveCmd,
		newCleanupCmd(),
		newStreamCmd(),
	)
	return root
}
