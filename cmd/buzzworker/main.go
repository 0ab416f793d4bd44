package main

import (
	"os"

	"github.com/spf13/cobra"

	"buzzworker/internal/buzzworker"
	"buzzworker/internal/errors"
	"buzzworker/internal/logger"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "buzzworker",
	Short: "Offline cache and push notification worker",
	Long: `buzzworker sits in front of a web origin and acts as its worker:
it precaches the build, serves pages network-first and assets cache-first,
and delivers push notifications to connected pages.

Examples:
  buzzworker serve                          # Run the worker
  buzzworker manifest ./dist > precache.json
  buzzworker install                        # Fill the precache once and exit
  buzzworker subscribe --job 42 --user 7    # Subscribe this host to job updates`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", getenvDefault("BUZZWORKER_CONFIG", "/buzzworker.yaml"), "path to buzzworker.yaml")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(manifestCmd)
	rootCmd.AddCommand(installCmd)
	rootCmd.AddCommand(subscribeCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// loadConfig reads the config file and brings up logging from it. The
// control token may come from BUZZWORKER_CONTROL_TOKEN instead of the file.
func loadConfig() (buzzworker.Config, error) {
	cfg, err := buzzworker.LoadConfig(configPath)
	if err != nil {
		return cfg, errors.Wrap(err, "load config")
	}
	cfg.Server.ControlToken = getenvDefault("BUZZWORKER_CONTROL_TOKEN", cfg.Server.ControlToken)
	if err := logger.Initialize(cfg.Logging.JSON, cfg.Logging.Level); err != nil {
		return cfg, errors.Wrap(err, "init logger")
	}
	return cfg, nil
}

func getenvDefault(name, def string) string {
	v := os.Getenv(name)
	if v == "" {
		return def
	}
	return v
}
