package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"gorm.io/gorm"

	"github.com/suPer8Hu/legalfunnel/internal/app"
	"github.com/suPer8Hu/legalfunnel/internal/config"
	"github.com/suPer8Hu/legalfunnel/internal/logger"
)

// rootFlags override the environment for one-off runs against another
// database.
type rootFlags struct {
	Driver   string
	DSN      string
	LogLevel string
}

func (f *rootFlags) load() (config.Config, *logger.Logger, error) {
	cfg, err := config.Load()
	if err != nil {
		return config.Config{}, nil, err
	}
	if f.Driver != "" {
		cfg.DBDriver = f.Driver
	}
	if f.DSN != "" {
		cfg.DBDSN = f.DSN
	}
	if f.LogLevel != "" {
		cfg.LogLevel = f.LogLevel
	}
	log, err := app.Logger(cfg)
	if err != nil {
		return config.Config{}, nil, err
	}
	return cfg, log, nil
}

func (f *rootFlags) open() (config.Config, *gorm.DB, *logger.Logger, error) {
	cfg, log, err := f.load()
	if err != nil {
		return config.Config{}, nil, nil, err
	}
	gdb, err := app.OpenDB(cfg, log)
	if err != nil {
		return config.Config{}, nil, nil, fmt.Errorf("could not open database: %w", err)
	}
	return cfg, gdb, log, nil
}

func newRootCommand() *cobra.Command {
	f := &rootFlags{}
	root := &cobra.Command{
		Use:           "funnelctl",
		Short:         "Operator tooling for the legal consultation funnel",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&f.Driver, "db-driver", "", "database driver (mysql, postgres, sqlite); defaults to DB_DRIVER")
	root.PersistentFlags().StringVar(&f.DSN, "db-dsn", "", "database DSN; defaults to DB_DSN")
	root.PersistentFlags().StringVar(&f.LogLevel, "log-level", "", "log level (debug, info, warn, error)")

	root.AddCommand(
		newMigrateCommand(f),
		newPurgeCacheCommand(f),
		newStatsCommand(f),
		newResendAnalysisCommand(f),
		newResetQuotaCommand(f),
	)
	return root
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
