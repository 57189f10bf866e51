package cmd

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/audiolibrelab/jamsync/internal/config"

	"github.com/spf13/cobra"
)

var (
	cfg          *config.Config
	cfgLoader    *config.Loader
	cfgFile      string
	verboseLevel int

	logLevel = new(slog.LevelVar)
)

var rootCmd = &cobra.Command{
	Use:   "jamsync",
	Short: "Session coordinator for remote jam recordings",
	Long: `JamSync coordinates short-lived recording sessions: a host opens a
session, guests upload their takes under the session code, and the host is
notified as uploads arrive until every expected guest has contributed.

Finished sessions can be fetched raw or mixed down with ffmpeg.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// Configure slog based on verbose level
		setupLogging(verboseLevel)

		// An explicit --config must exist; the default path is optional
		required := cmd.Flags().Changed("config")
		if cfgFile == "" {
			cfgFile = os.ExpandEnv("$HOME/.config/jamsync.yaml")
		}

		cfgLoader = config.NewLoader(nil, cfgFile)
		var err error
		cfg, err = cfgLoader.Load(required)
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		applyLogLevel(cfg.Log.Level)
		return nil
	},
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.config/jamsync.yaml)")
	rootCmd.PersistentFlags().IntVarP(&verboseLevel, "verbose", "v", 0, "verbose level: 0=config log level, 1=debug, 2=ffmpeg output, 3=max tracing")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(mixCmd)
	rootCmd.AddCommand(delayCmd)
	rootCmd.AddCommand(configCmd)
}

// setupLogging configures slog based on the verbose level
func setupLogging(level int) {
	switch level {
	case 0:
		logLevel.Set(slog.LevelInfo)
	default:
		logLevel.Set(slog.LevelDebug)
	}

	// Configure text handler for clean terminal output
	opts := &slog.HandlerOptions{
		Level: logLevel,
	}
	handler := slog.NewTextHandler(os.Stderr, opts)
	logger := slog.New(handler)
	slog.SetDefault(logger)

	switch {
	case level >= 3:
		os.Setenv("FFMPEG_LOGLEVEL", "debug")
	case level == 2:
		os.Setenv("FFMPEG_LOGLEVEL", "info")
	}
}

// applyLogLevel sets the configured level unless -v already chose one
func applyLogLevel(level string) {
	if verboseLevel > 0 {
		return
	}
	lvl, err := config.ParseLevel(level)
	if err != nil {
		slog.Warn("Ignoring invalid log level", "level", level, "error", err)
		return
	}
	logLevel.Set(lvl)
}
