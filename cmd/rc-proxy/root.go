package main

import (
	"os"

	"github.com/spf13/cobra"
)

// rootCmd runs the proxy when called without a subcommand.
var rootCmd = &cobra.Command{
	Use:   "rc-proxy",
	Short: "Authenticating reverse proxy for the RingCentral API",
	Long: `rc-proxy runs the OAuth authorization-code flow for browser users,
keeps their token in a session cookie and forwards REST and media
requests to RingCentral on their behalf.`,
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe(cmd, serveOptions{})
	},
}

// SetVersion sets the version reported by --version and the version command.
func SetVersion(v string) {
	rootCmd.Version = v
}

// Execute runs the root command and exits non-zero on failure.
func Execute() {
	rootCmd.SetVersionTemplate(`{{printf "rc-proxy version %s\n" .Version}}`)
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.AddCommand(newServeCmd())
	rootCmd.AddCommand(newVersionCmd())
}
