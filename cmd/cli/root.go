// Package cli provides the command-line interface for scanwatch.
// It implements the Cobra-based command tree: the server, job submission
// and management against a running server, exports and the live watch view.
package cli

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/anstrom/scanwatch/internal/api/handlers"
	"github.com/anstrom/scanwatch/internal/config"
	"github.com/anstrom/scanwatch/internal/logging"
)

const envPrefix = "SCANWATCH"

var (
	cfgFile string
	verbose bool
)

// Build information - these will be set by ldflags during build.
var (
	version   = "dev"
	commit    = "none"
	buildTime = "unknown"
)

// rootCmd represents the base command when called without any subcommands.
var rootCmd = &cobra.Command{
	Use:   "scanwatch",
	Short: "Asynchronous network scan orchestration",
	Long: `scanwatch runs network scans as background jobs and streams their
progress, results and vulnerability findings to connected clients.

Start the service with 'scanwatch server', then submit and follow jobs
from any machine that can reach it.`,
	Version:      getVersion(),
	SilenceUsage: true,
}

// versionCmd prints build information.
var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, _ []string) {
		_, _ = fmt.Fprintf(cmd.OutOrStdout(), "scanwatch %s\n", getVersion())
	},
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)

	// Global flags
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is ./config.yaml)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")
	rootCmd.PersistentFlags().String("server", "", "server URL for client commands (env SCANWATCH_SERVER)")
	rootCmd.PersistentFlags().String("api-key", "", "API key for client commands (env SCANWATCH_API_KEY)")

	// Bind flags to viper
	bindings := map[string]string{
		"verbose":           "verbose",
		"client.server_url": "server",
		"client.api_key":    "api-key",
	}
	for key, flag := range bindings {
		if err := viper.BindPFlag(key, rootCmd.PersistentFlags().Lookup(flag)); err != nil {
			fmt.Fprintf(os.Stderr, "Warning: failed to bind %s flag: %v\n", flag, err)
		}
	}
	_ = viper.BindEnv("client.server_url", envPrefix+"_SERVER")
	_ = viper.BindEnv("client.api_key", envPrefix+"_API_KEY")

	rootCmd.AddCommand(versionCmd)
}

// initConfig reads in config file and ENV variables if set.
func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.AddConfigPath(".")
		viper.SetConfigType("yaml")
		viper.SetConfigName("config")
	}

	viper.SetEnvPrefix(envPrefix)
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err == nil && verbose {
		fmt.Fprintln(os.Stderr, "Using config file:", viper.ConfigFileUsed())
	}

	initLogging()
}

// loadConfig loads the config file viper found and applies flag and
// environment overrides for the client section.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(viper.ConfigFileUsed())
	if err != nil {
		return nil, fmt.Errorf("error loading config: %w", err)
	}
	if v := viper.GetString("client.server_url"); v != "" {
		cfg.Client.ServerURL = v
	}
	if v := viper.GetString("client.api_key"); v != "" {
		cfg.Client.APIKey = v
	}
	return cfg, nil
}

// getVersion returns the version string.
func getVersion() string {
	return fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildTime)
}

// SetVersion sets the version information (called from main).
func SetVersion(v, c, bt string) {
	version = v
	commit = c
	buildTime = bt
	rootCmd.Version = getVersion()
	handlers.SetBuildInfo(v, c, bt)
}

// initLogging initializes structured logging based on configuration.
func initLogging() {
	cfg, err := config.Load(viper.ConfigFileUsed())
	if err != nil {
		logging.SetDefault(logging.NewDefault())
		return
	}

	logConfig := cfg.Logging
	if verbose {
		logConfig.Level = logging.LevelDebug
		logConfig.AddSource = true
	}

	logger, err := logging.New(logConfig)
	if err != nil {
		logger = logging.NewDefault()
		fmt.Fprintf(os.Stderr, "Warning: failed to initialize logging: %v\n", err)
	}
	logging.SetDefault(logger)

	if verbose {
		logging.Debug("Structured logging initialized", "level", logConfig.Level, "format", logConfig.Format)
	}
}

// quietLogger is used by client commands, whose stdout is the command output.
func quietLogger(w io.Writer) *logging.Logger {
	cfg := logging.DefaultConfig()
	cfg.Level = logging.LevelWarn
	if verbose {
		cfg.Level = logging.LevelDebug
	}
	return logging.NewWithWriter(cfg, w)
}
