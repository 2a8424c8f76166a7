// Package cli defines the skywatch command tree and wires the capture
// pipeline together for the serve and simulate commands.
package cli

import (
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"skywatch/internal/config"
	"skywatch/internal/logging"
)

// Version is stamped at build time.
var Version = "dev"

// Root carries what every subcommand needs after config is loaded.
type Root struct {
	configPath string
	cfg        *config.Config
	log        *slog.Logger
}

// NewRootCmd creates the root cobra command.
func NewRootCmd() *cobra.Command {
	root := &Root{}

	rootCmd := &cobra.Command{
		Use:   "skywatch",
		Short: "Skywatch is an all-sky camera capture and stacking service",
		Long: `Skywatch drives an all-sky camera on a fixed cadence, stacks frames in a
sliding window for noise reduction, annotates them with sky overlays, and
publishes the result over HTTP and websocket.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if cmd.Name() == "version" {
				return nil
			}
			cfg, err := config.Load(root.configPath)
			if err != nil {
				return fmt.Errorf("load configuration: %w", err)
			}
			log, err := logging.Setup(&cfg.Logging)
			if err != nil {
				return fmt.Errorf("set up logging: %w", err)
			}
			root.cfg = cfg
			root.log = log
			return nil
		},
	}

	rootCmd.PersistentFlags().StringVarP(&root.configPath, "config", "c", "", "configuration file path")

	rootCmd.AddCommand(newServeCmd(root))
	rootCmd.AddCommand(newSimulateCmd(root))
	rootCmd.AddCommand(newTimelapseCmd(root))
	rootCmd.AddCommand(newConfigCmd(root))
	rootCmd.AddCommand(newVersionCmd())

	return rootCmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, _ []string) {
			cmd.Printf("skywatch %s\n", Version)
		},
	}
}
