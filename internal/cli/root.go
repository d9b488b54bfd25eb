package cli

import (
	"os"

	"github.com/spf13/cobra"
)

var configPath string

// Execute runs the CLI.
func Execute() error {
	return newRootCmd().Execute()
}

func newRootCmd() *cobra.Command {
	envConfig := os.Getenv("SAMSPILL_CONFIG_PATH")
	if envConfig == "" {
		envConfig = "configs/config.yaml"
	}

	cmd := &cobra.Command{
		Use:   "samspill-relay",
		Short: "Rendezvous relay for peer-to-peer quiz rooms",
	}

	cmd.PersistentFlags().StringVar(&configPath, "config", envConfig, "path to YAML config")
	cmd.AddCommand(newServeCmd(&configPath))
	return cmd
}
