// reprapd is the host-side code scheduler for RepRap-style motion
// controller firmware: it accepts G-code on multiple channels, keeps
// them fairly ordered, and bridges external plugins over WebSocket IPC.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"reprapd/pkg/config"
	"reprapd/pkg/log"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:           "reprapd",
	Short:         "G-code scheduling host for RepRap-style firmware",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to the TOML configuration file")
	rootCmd.AddCommand(newRunCommand())
	rootCmd.AddCommand(newExecCommand())
}

// loadConfig reads the configured file, falling back to defaults when
// no path is given, and applies the log settings.
func loadConfig() (*config.Config, error) {
	cfg := config.Default()
	if configPath != "" {
		loaded, err := config.Load(configPath)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}

	// Components derive their loggers from the default, so it must be
	// configured before anything is constructed.
	logger := log.New("reprapd")
	logger.SetLevel(log.ParseLevel(cfg.Log.Level))
	if cfg.Log.Format == "json" {
		logger.SetFormat(log.FormatJSON)
	}
	log.ConfigureFromEnv(logger)
	log.SetDefaultLogger(logger)
	return cfg, nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "reprapd:", err)
		os.Exit(1)
	}
}
