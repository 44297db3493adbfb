package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/stapply-ai/agent/internal/api"
)

// Version is stamped at build time via -ldflags.
var Version = "dev"

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the stapply-agent version.",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("stapply-agent %s\n", Version)
	},
}

func init() {
	// Keep the API's reported version in sync with the binary's.
	api.Version = Version
}
