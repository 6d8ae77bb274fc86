// Package cli holds the sandbot command tree.
package cli

import (
	"github.com/spf13/cobra"
)

func Execute() error {
	return newRootCmd().Execute()
}

func newRootCmd() *cobra.Command {
	app := &app{}

	rootCmd := &cobra.Command{
		Use:   "sandbot",
		Short: "Chat assistant that answers every conversation from its own sandbox",
		Long: "sandbot reads chat messages, runs an agent for each registered conversation inside an " +
			"isolated sandbox and posts the answers back. Without a subcommand it runs the orchestrator.",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return app.open()
		},
		PersistentPostRunE: func(_ *cobra.Command, _ []string) error {
			return app.close()
		},
	}
	rootCmd.PersistentFlags().StringVar(&app.configPath, "config", "config.yaml", "Path to the YAML config file")
	rootCmd.PersistentFlags().BoolVar(&app.debug, "debug", false, "Enable development logging")

	serveCmd := newServeCmd(app)
	rootCmd.RunE = serveCmd.RunE

	rootCmd.AddCommand(
		serveCmd,
		newConversationsCmd(app),
		newTasksCmd(app),
		newUsageCmd(app),
	)

	return rootCmd
}
