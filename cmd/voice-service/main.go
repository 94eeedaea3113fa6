// main package for the voice-service
package main

import (
	"fmt"
	"os"

	"github.com/book-expert/voice-service/internal/server"
	"github.com/spf13/cobra"
)

func newRootCommand() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:   "voice-service",
		Short: "Zero-shot voice cloning speech service",
		Long: `Voice service keeps a library of reference voices, caches their speaker
embeddings and streams synthesized speech from a zero-shot model server.

Configuration is read from the central configurator unless --config names a TOML
file. VOICE_SERVICE_* environment variables override both.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to a TOML configuration file")

	open := func() (*app, error) {
		return newApp(configPath)
	}

	root.AddCommand(
		newServeCommand(open),
		newVoicesCommand(open),
		newCacheCommand(open),
		newVersionCommand(),
	)

	return root
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the service version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "voice-service %s\n", server.Version)
		},
	}
}

func main() {
	err := newRootCommand().Execute()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Service exited with error: %v\n", err)
		os.Exit(1)
	}
}
