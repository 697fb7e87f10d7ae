package cmd

import (
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/dnl0037/db-migrations/internal/config"
	"github.com/dnl0037/db-migrations/internal/engine"
	"github.com/dnl0037/db-migrations/internal/logging"
)

var (
	cfgFile  string
	logLevel string
	version  = "dev"
	commit   = "none"
	date     = "unknown"
)

var rootCmd = &cobra.Command{
	Use:   "dbmigrate",
	Short: "dbmigrate - clean and normalize a legacy shop database",
	Long: `dbmigrate reads the legacy old_users, old_products and old_orders tables,
cleans every value, and loads the result into a normalized schema
(PostgreSQL, SQLite or MongoDB) in batches, with a per-row report of
everything that was rejected or adjusted.

Configuration is read from ~/.dbmigrate/dbmigrate.yaml, or from
OLD_DB_* and NEW_DB_* environment variables (and a .env file) when no
config file exists.`,
	SilenceUsage: true,
}

func Execute() {
	rootCmd.Version = fmt.Sprintf("%s (commit %s, built %s)", version, commit, date)
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: ~/.dbmigrate/dbmigrate.yaml)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level (debug, info, warn, error); overrides the config")
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.LoadOrEnv(cfgFile)
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	if problems := cfg.Validate(); len(problems) > 0 {
		for _, p := range problems {
			fmt.Fprintf(os.Stderr, "  - %s\n", p)
		}
		return nil, fmt.Errorf("%d config error(s)", len(problems))
	}
	return cfg, nil
}

// newEngine loads the config and sets up logging. console receives a copy
// of the log; nil logs to the file only.
func newEngine(console io.Writer) (*engine.Engine, io.Closer, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, err
	}
	level := cfg.Logging.Level
	if logLevel != "" {
		level = logLevel
	}
	logger, closer, err := logging.SetupTo(level, cfg.Logging.Directory, console)
	if err != nil {
		fmt.Fprintf(os.Stderr, "warning: %v; logging to stderr only\n", err)
		logger, closer = logging.New(os.Stderr, level), io.NopCloser(nil)
	}
	slog.SetDefault(logger)
	return engine.New(cfg, logger), closer, nil
}
