// Command weftd serves the agentic workflow runtime over HTTP, SSE and
// WebSocket. It persists sessions to the configured backend, streams events
// to attached clients, and can replay recorded provider streams so sessions
// run without credentials.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// version is stamped by the release build.
var version = "dev"

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "weftd:", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	var configFile string

	cmd := &cobra.Command{
		Use:   "weftd",
		Short: "Agentic workflow runtime server",
		Long: `weftd runs agentic workflow sessions and serves their event streams.

Sessions persist to the configured backend (memory, sqlite or mongo) and
replay deterministically after a restart. Providers are selected by name;
in playback mode every agent call is served from recorded streams, so no
provider credentials are required.

Configuration is read from weftd.yaml, WEFTD_* environment variables and
flags, in increasing order of precedence.`,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(configFile, cmd.Flags())
			if err != nil {
				return err
			}
			return serve(cfg)
		},
	}

	cmd.Flags().StringVarP(&configFile, "config", "c", "", "path to config file")
	cmd.Flags().String("listen", ":8080", "listen address")
	cmd.Flags().String("mode", "live", "run mode: live or playback")
	cmd.Flags().String("backend", "memory", "store backend: memory, sqlite or mongo")
	cmd.Flags().String("provider", "scripted", "provider: scripted, anthropic, openai or bedrock")
	cmd.Flags().Bool("debug", false, "enable debug logs")

	cmd.AddCommand(newVersionCommand())
	return cmd
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the weftd version",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintln(cmd.OutOrStdout(), version)
		},
	}
}
