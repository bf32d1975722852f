package main

import (
	"context"
	"encoding/json"
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/shehryarbajwa/labforge/internal/app"
	"github.com/shehryarbajwa/labforge/internal/config"
	"github.com/shehryarbajwa/labforge/internal/logging"
	"github.com/shehryarbajwa/labforge/internal/pool"
	"github.com/shehryarbajwa/labforge/internal/store"
)

var (
	jsonOutput bool
	verbose    bool
	timeout    time.Duration
)

var rootCmd = &cobra.Command{
	Use:   "labctl",
	Short: "labforge operator CLI",
	Long: `labctl inspects and repairs the lab session store.

It reads the same environment and accounts file as the server.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "Print results as JSON")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")
	rootCmd.PersistentFlags().DurationVar(&timeout, "timeout", 15*time.Minute, "Overall command timeout")
	rootCmd.CompletionOptions.DisableDefaultCmd = true
}

func loadConfig() (*config.Config, zerolog.Logger, error) {
	config.LoadDotEnv()
	cfg, err := config.Load()
	if err != nil {
		return nil, zerolog.Nop(), err
	}
	level := "warn"
	if verbose {
		level = "debug"
	}
	return cfg, logging.New(os.Stderr, level, "console"), nil
}

func commandContext(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	return context.WithTimeout(cmd.Context(), timeout)
}

// openStore connects to the session store without building a driver
func openStore(ctx context.Context) (*store.GormStore, *config.Config, func(), error) {
	cfg, log, err := loadConfig()
	if err != nil {
		return nil, nil, nil, err
	}
	db, err := app.OpenDatabase(ctx, cfg, log)
	if err != nil {
		return nil, nil, nil, err
	}
	closeFn := func() {
		if sqlDB, err := db.DB(); err == nil {
			sqlDB.Close()
		}
	}
	return store.NewGorm(db), cfg, closeFn, nil
}

// openRegistry loads the account pool over the session store
func openRegistry(ctx context.Context) (*pool.Registry, func(), error) {
	st, cfg, closeFn, err := openStore(ctx)
	if err != nil {
		return nil, nil, err
	}
	accounts, err := config.LoadPool(cfg.AccountsFile)
	if err != nil {
		closeFn()
		return nil, nil, err
	}
	registry, err := pool.NewRegistry(accounts.Accounts, st)
	if err != nil {
		closeFn()
		return nil, nil, err
	}
	return registry, closeFn, nil
}

// openApp builds the full orchestrator for commands that destroy resources
func openApp(ctx context.Context) (*app.App, error) {
	cfg, log, err := loadConfig()
	if err != nil {
		return nil, err
	}
	return app.New(ctx, cfg, log)
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func formatTime(t *time.Time) string {
	if t == nil || t.IsZero() {
		return "-"
	}
	return t.Local().Format(time.DateTime)
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
