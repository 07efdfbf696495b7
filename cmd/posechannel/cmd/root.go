package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/tsarna/posechannel/pkg/posechannel/config"
)

// Version is reported by --version and in the server startup log.
var Version = "dev"

var (
	verbose    bool
	debug      bool
	logLevel   string
	logFile    string
	configPath string
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "posechannel",
	Short: "Pose channel client and reference server",
	Long: `posechannel streams pose updates to a pose server over a WebSocket
channel, and can run a reference server that receives them.

Settings may be read from an HCL or YAML file with --config. Flags given
on the command line take precedence over the file.`,
	Version:      Version,
	SilenceUsage: true,
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")
	rootCmd.PersistentFlags().BoolVarP(&debug, "debug", "d", false, "debug output")
	rootCmd.PersistentFlags().StringVarP(&logLevel, "log-level", "l", "info", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&logFile, "log-file", "", "also write JSON logs to this file, rotated by size")
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "HCL or YAML configuration file")
}

// loadConfig reads --config, or returns an empty configuration when the
// flag is not set.
func loadConfig() (*config.File, error) {
	if configPath == "" {
		return &config.File{}, nil
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load %s: %w", configPath, err)
	}
	return cfg, nil
}
