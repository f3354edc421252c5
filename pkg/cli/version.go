package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

func NewVersionCommand(root *RootCommand) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Long:  "Display the version, build date, and git commit of AIMO.",
		// Version does not need the orchestrator stack.
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			root.opts.Format = OutputFormat(root.formatStr)
			return nil
		},
		Run: func(cmd *cobra.Command, args []string) {
			printVersion(root.OutputOptions())
		},
	}
}

func printVersion(opts *OutputOptions) {
	if opts.Format == OutputJSON || opts.Format == OutputYAML {
		PrintOutput(map[string]string{
			"version":   cliVersion,
			"buildDate": cliBuildDate,
			"gitCommit": cliGitCommit,
		}, opts)
		return
	}
	fmt.Fprintf(opts.Writer, "AIMO version %s\n", cliVersion)
	fmt.Fprintf(opts.Writer, "  Commit: %s\n", cliGitCommit)
	fmt.Fprintf(opts.Writer, "  Built:  %s\n", cliBuildDate)
}
