// Package main is the entry point for agpool, which inspects and drives the
// Antigravity account pool from the command line.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/j-veylop/antigravity-account-pool/internal/config"
	"github.com/j-veylop/antigravity-account-pool/internal/logger"
	"github.com/j-veylop/antigravity-account-pool/internal/services"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

// cli carries state shared by subcommands.
type cli struct {
	cfg          *config.Config
	accountsPath string
	logLevel     string
	logJSON      bool
	poolOptions  []services.Option
}

func newRootCommand() *cobra.Command {
	return newRootCommandFor(&cli{})
}

func newRootCommandFor(c *cli) *cobra.Command {
	root := &cobra.Command{
		Use:           "agpool",
		Short:         "Quota-aware rotation across a pool of Antigravity accounts",
		SilenceUsage:  true,
		SilenceErrors: false,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return c.load(cmd)
		},
	}

	root.PersistentFlags().StringVar(&c.accountsPath, "accounts", "", "accounts JSON file (overrides ACCOUNTS_PATH)")
	root.PersistentFlags().StringVar(&c.logLevel, "log-level", "", "log level: debug, info, warn, error (overrides LOG_LEVEL)")
	root.PersistentFlags().BoolVar(&c.logJSON, "log-json", false, "emit logs as JSON")

	root.AddCommand(newStatusCommand(c))
	root.AddCommand(newNextCommand(c))
	root.AddCommand(newServeCommand(c))
	root.AddCommand(newSelectionsCommand(c))
	root.AddCommand(newVersionCommand())

	return root
}

func (c *cli) load(cmd *cobra.Command) error {
	if c.cfg != nil {
		return nil
	}

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	if c.accountsPath != "" {
		cfg.AccountsPath = c.accountsPath
	}
	if c.logLevel != "" {
		cfg.LogLevel = c.logLevel
	}

	logger.SetOutput(cmd.ErrOrStderr(), c.logJSON)
	logger.SetLevel(cfg.LogLevel)

	c.cfg = cfg
	return nil
}

func (c *cli) openPool() (*services.Pool, error) {
	pool, err := services.New(c.cfg, c.poolOptions...)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize pool: %w", err)
	}
	return pool, nil
}

func closePool(pool *services.Pool) {
	if err := pool.Close(); err != nil {
		logger.Error("error closing pool", "error", err)
	}
}
