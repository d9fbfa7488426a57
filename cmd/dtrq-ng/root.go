package main

import (
	"fmt"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

const defaultConfigPath = "./dtrq-ng.yaml"

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "dtrq-ng",
		Short:         "sensing and actuation core of a vectored-thrust multirotor",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			debug, _ := cmd.Flags().GetBool("debug")
			return setupLogging(debug, "")
		},
	}
	root.PersistentFlags().String("config", defaultConfigPath, "path to YAML config")
	root.PersistentFlags().Bool("debug", false, "toggle debug logging")

	root.AddCommand(newRunCmd())
	root.AddCommand(newProbeCmd())
	return root
}

// setupLogging configures the global logger. --debug wins over the
// configured level.
func setupLogging(debug bool, level string) error {
	log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	if debug {
		log.SetLevel(log.DebugLevel)
		return nil
	}
	if level == "" {
		log.SetLevel(log.InfoLevel)
		return nil
	}
	lvl, err := log.ParseLevel(level)
	if err != nil {
		return fmt.Errorf("log level: %w", err)
	}
	log.SetLevel(lvl)
	return nil
}
