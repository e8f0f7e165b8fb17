package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/cuemby/mapservice/pkg/config"
	"github.com/cuemby/mapservice/pkg/log"
	"github.com/cuemby/mapservice/pkg/metrics"
	"github.com/spf13/cobra"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

var (
	configPath string
	logLevel   string
	logJSON    bool

	cfg config.Config
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "mapservice",
	Short: "mapservice - surface provisioning for map applications",
	Long: `mapservice coordinates the creation of on-screen map surfaces.

An application asks the public gateway for a map. The surface broker
attaches a surface through the window manager, tells the UI to draw it,
and the gateway confirms the surface to the application once the UI
reports it.`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return setup(cmd)
	},
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"mapservice version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Configuration file (.yaml, .json or .toml)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().BoolVar(&logJSON, "log-json", false, "Write logs as JSON")

	rootCmd.AddCommand(brokerCmd)
	rootCmd.AddCommand(gatewayCmd)
	rootCmd.AddCommand(windowManagerCmd)
	rootCmd.AddCommand(uiCmd)
	rootCmd.AddCommand(standaloneCmd)
	rootCmd.AddCommand(requestMapCmd)
}

// setup loads the configuration and initializes logging. Flags win over
// the file.
func setup(cmd *cobra.Command) error {
	cfg = config.Default()
	if configPath != "" {
		loaded, err := config.Load(configPath)
		if err != nil {
			return err
		}
		cfg = loaded
	}

	if cmd.Flags().Changed("log-level") {
		cfg.Log.Level = logLevel
	}
	if cmd.Flags().Changed("log-json") {
		cfg.Log.JSON = logJSON
	}
	log.Init(log.Config{
		Level:      log.ParseLevel(cfg.Log.Level),
		JSONOutput: cfg.Log.JSON,
		Output:     os.Stderr,
	})
	metrics.SetVersion(Version)
	return nil
}

// waitForSignal blocks until an interrupt or a fatal error from errCh
func waitForSignal(errCh <-chan error) error {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	select {
	case sig := <-sigCh:
		log.Logger.Info().Str("signal", sig.String()).Msg("shutting down")
		return nil
	case err := <-errCh:
		return err
	}
}
