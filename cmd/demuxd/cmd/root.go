// Package cmd implements the demuxd command line.
package cmd

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/jmylchreest/demuxd/internal/config"
	"github.com/jmylchreest/demuxd/internal/observability"
	"github.com/jmylchreest/demuxd/internal/version"
)

var (
	cfgFile string

	// appConfig and logger are set by the root pre-run hook.
	appConfig *config.Config
	logger    = slog.Default()
)

var rootCmd = &cobra.Command{
	Use:     "demuxd",
	Short:   "Media track parsing coordinator",
	Version: version.Short(),
	Long: `demuxd opens a media track from a file, HTTP URL or HLS playlist, selects
a container parser for it and delivers timestamped work units per elementary
stream, with seeking, trick-play rates, low-power batched delivery and
buffering control.`,
	SilenceUsage: true,
}

// Execute runs the root command.
func Execute() error {
	if err := rootCmd.Execute(); err != nil {
		return fmt.Errorf("executing root command: %w", err)
	}
	return nil
}

func init() {
	rootCmd.PersistentPreRunE = func(_ *cobra.Command, _ []string) error {
		return initConfigAndLogging()
	}

	// Logging flags are applied only when set so that environment and file
	// values keep their precedence over flag defaults.
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default ./demuxd.yaml, $HOME/.config/demuxd/demuxd.yaml)")
	rootCmd.PersistentFlags().String("log-level", "info", "log level (trace, debug, info, warn, error)")
	rootCmd.PersistentFlags().String("log-format", "text", "log format (text, json)")

	rootCmd.PersistentFlags().Bool("store", false, "enable the probe cache and bookmark database")
	rootCmd.PersistentFlags().String("db-driver", "", "database driver (sqlite, postgres, mysql)")
	rootCmd.PersistentFlags().String("db-dsn", "", "database connection string")
	mustBindPFlag("database.enabled", rootCmd.PersistentFlags().Lookup("store"))
	mustBindPFlag("database.driver", rootCmd.PersistentFlags().Lookup("db-driver"))
	mustBindPFlag("database.dsn", rootCmd.PersistentFlags().Lookup("db-dsn"))
}

// mustBindPFlag binds a viper key to a flag. An unset flag does not
// override environment or file values.
func mustBindPFlag(key string, flag *pflag.Flag) {
	if err := viper.BindPFlag(key, flag); err != nil {
		panic(fmt.Sprintf("failed to bind flag %q to key %q: %v", flag.Name, key, err))
	}
}

func initConfigAndLogging() error {
	v := viper.GetViper()
	config.SetDefaults(v)
	cfg, err := config.LoadWithViper(v, cfgFile)
	if err != nil {
		return err
	}

	flags := rootCmd.PersistentFlags()
	if flags.Changed("log-level") {
		cfg.Logging.Level, _ = flags.GetString("log-level")
	}
	if flags.Changed("log-format") {
		cfg.Logging.Format, _ = flags.GetString("log-format")
	}
	cfg.Logging.Level = strings.ToLower(cfg.Logging.Level)
	cfg.Logging.Format = strings.ToLower(cfg.Logging.Format)
	if cfg.Logging.Level == "warning" {
		cfg.Logging.Level = "warn"
	}

	appConfig = cfg
	logger = observability.NewLoggerWithWriter(cfg.Logging, os.Stderr)
	slog.SetDefault(logger)

	if used := v.ConfigFileUsed(); used != "" {
		logger.Debug("using config file", slog.String("path", used))
	}
	return nil
}
