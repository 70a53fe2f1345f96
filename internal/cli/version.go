package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/intelboard/intelboard/internal/version"
)

var VersionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show version information",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, _ []string) {
		out := cmd.OutOrStdout()
		_, _ = fmt.Fprintf(out, "ibctl version %s\n", version.Version)
		_, _ = fmt.Fprintf(out, "Git commit: %s\n", version.GitCommit)
		_, _ = fmt.Fprintf(out, "Build date: %s\n", version.BuildDate)

		if apiClient == nil {
			return
		}
		server, err := apiClient.Version(commandContext(cmd))
		if err != nil {
			_, _ = fmt.Fprintln(out, mutedStyle.Render(fmt.Sprintf("Server version: unavailable (%v)", err)))
			return
		}
		_, _ = fmt.Fprintf(out, "Server version: %s (%s, built %s)\n", server.Version, server.GitCommit, server.BuildTime)
	},
}
