package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/j-veylop/antigravity-account-pool/internal/logger"
	"github.com/j-veylop/antigravity-account-pool/internal/models"
	"github.com/j-veylop/antigravity-account-pool/internal/services"
	"github.com/j-veylop/antigravity-account-pool/internal/ui/status"
	"github.com/j-veylop/antigravity-account-pool/internal/version"
)

const (
	defaultProvider = "google"
	defaultModel    = "gemini-3-pro-high"
	defaultFamily   = "gemini"
)

// target is the model selection a command reports on.
type target struct {
	provider  string
	model     string
	family    string
	threshold float64
}

func (t *target) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&t.provider, "provider", defaultProvider, "provider the rotation cursor belongs to")
	cmd.Flags().StringVar(&t.model, "model", defaultModel, "model ID whose cached quota is checked")
	cmd.Flags().StringVar(&t.family, "family", defaultFamily, "model family for rate limits and rotation")
	cmd.Flags().Float64Var(&t.threshold, "threshold", 0, "soft quota threshold percent; defaults to the configured value, >=100 disables")
}

// next selects with the configured threshold unless --threshold was given.
func (t *target) next(cmd *cobra.Command, pool *services.Pool) (models.ManagedAccount, bool) {
	if cmd.Flags().Changed("threshold") {
		return pool.NextWithThreshold(t.provider, t.model, t.family, t.threshold)
	}
	return pool.Next(t.provider, t.model, t.family)
}

func (t *target) resolveThreshold(cmd *cobra.Command, c *cli) float64 {
	if cmd.Flags().Changed("threshold") {
		return t.threshold
	}
	return c.cfg.SoftQuotaThresholdPercent
}

func newStatusCommand(c *cli) *cobra.Command {
	var t target
	var refresh bool

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show which accounts are eligible for a model",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if refresh {
				if err := c.cfg.Validate(); err != nil {
					return err
				}
			}

			pool, err := c.openPool()
			if err != nil {
				return err
			}
			defer closePool(pool)

			if refresh {
				pool.RefreshQuota(cmd.Context())
			}

			threshold := t.resolveThreshold(cmd, c)
			picks, err := pool.Database().SelectionCounts(24 * time.Hour)
			if err != nil {
				logger.Warn("failed to load selection counts", "error", err)
			}

			rows := pool.Manager().Eligibility(t.model, t.family, threshold)
			_, err = fmt.Fprintln(cmd.OutOrStdout(), status.RenderEligibility(rows, status.View{
				Now:       time.Now(),
				Picks:     picks,
				Model:     t.model,
				Family:    t.family,
				Threshold: threshold,
			}))
			return err
		},
	}

	t.register(cmd)
	cmd.Flags().BoolVar(&refresh, "refresh", false, "poll live quota for every account before rendering")
	return cmd
}

func newNextCommand(c *cli) *cobra.Command {
	var t target
	var count int

	cmd := &cobra.Command{
		Use:   "next",
		Short: "Select the next account(s) and record the selection",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if count < 1 {
				return fmt.Errorf("--count must be at least 1")
			}

			pool, err := c.openPool()
			if err != nil {
				return err
			}
			defer closePool(pool)

			threshold := t.resolveThreshold(cmd, c)
			out := cmd.OutOrStdout()
			for range count {
				acc, ok := t.next(cmd, pool)
				if !ok {
					return fmt.Errorf("no eligible account for %s (%s) at %.0f%% threshold", t.model, t.family, threshold)
				}
				if _, err := fmt.Fprintf(out, "%d\t%s\n", acc.Index, acc.Email); err != nil {
					return err
				}
			}
			return nil
		},
	}

	t.register(cmd)
	cmd.Flags().IntVarP(&count, "count", "n", 1, "number of selections to make")
	return cmd
}

func newServeCommand(c *cli) *cobra.Command {
	var t target
	var checkUpdates bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Watch the accounts file, poll quota and preview selections until interrupted",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := c.cfg.Validate(); err != nil {
				return err
			}

			pool, err := c.openPool()
			if err != nil {
				return err
			}
			defer closePool(pool)

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			events := pool.Subscribe()
			if err := pool.Start(ctx); err != nil {
				return fmt.Errorf("failed to start pool: %w", err)
			}

			if checkUpdates {
				go notifyUpdate(ctx, pool)
			}

			threshold := t.resolveThreshold(cmd, c)
			logger.Info("serving account pool", "accounts", pool.Manager().Count(), "interval", c.cfg.QuotaRefreshInterval)

			for {
				select {
				case <-ctx.Done():
					return nil
				case ev, ok := <-events:
					if !ok {
						return nil
					}
					if err := handleEvent(cmd, pool, ev, t, threshold); err != nil {
						return err
					}
				}
			}
		},
	}

	t.register(cmd)
	cmd.Flags().BoolVar(&checkUpdates, "check-updates", true, "notify when a newer release is available")
	return cmd
}

// handleEvent logs ev and refreshes the preview. Only a failed write to the
// command output is returned.
func handleEvent(cmd *cobra.Command, pool *services.Pool, ev services.ServiceEvent, t target, threshold float64) error {
	switch e := ev.(type) {
	case services.QuotaUpdatedEvent:
		logger.Info("quota updated", "email", e.Email, "models", len(e.Quota))
		return preview(cmd, pool, t, threshold)
	case services.AccountsReloadedEvent:
		logger.Info("accounts reloaded", "accounts", e.Count)
		return preview(cmd, pool, t, threshold)
	case services.RateLimitedEvent:
		logger.Warn("account rate limited", "email", e.Email, "until", e.Until.Format(time.RFC3339), "families", e.Families)
		return preview(cmd, pool, t, threshold)
	case services.ExhaustedEvent:
		logger.Warn("family exhausted", "provider", e.Provider, "model", e.Model, "family", e.Family)
	case services.ErrorEvent:
		logger.Error("service error", "service", e.Service, "error", e.Error)
	}
	return nil
}

// preview prints the pool status without advancing the rotation cursor.
func preview(cmd *cobra.Command, pool *services.Pool, t target, threshold float64) error {
	rows := pool.Manager().Eligibility(t.model, t.family, threshold)
	_, err := fmt.Fprintln(cmd.OutOrStdout(), status.RenderEligibility(rows, status.View{
		Now:       time.Now(),
		Model:     t.model,
		Family:    t.family,
		Threshold: threshold,
	}))
	return err
}

func notifyUpdate(ctx context.Context, pool *services.Pool) {
	result, err := version.CheckForUpdate(ctx, version.CheckOptions{})
	if err != nil {
		logger.Debug("update check failed", "error", err)
		return
	}
	if result.UpdateAvailable {
		logger.Info("update available", "current", result.CurrentVersion, "latest", result.LatestVersion)
		pool.Notify("agpool update available",
			fmt.Sprintf("%s is available (running %s)", result.LatestVersion, result.CurrentVersion))
	}
}

func newSelectionsCommand(c *cli) *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "selections",
		Short: "Show the most recent account selections",
		RunE: func(cmd *cobra.Command, _ []string) error {
			pool, err := c.openPool()
			if err != nil {
				return err
			}
			defer closePool(pool)

			rows, err := pool.Database().RecentSelections(limit)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), status.RenderSelections(rows))
			return err
		},
	}

	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "number of selections to show")
	return cmd
}

func newVersionCommand() *cobra.Command {
	var check bool

	cmd := &cobra.Command{
		Use:   "version",
		Short: "Print build information",
		// Build info needs no configuration.
		PersistentPreRunE: func(*cobra.Command, []string) error { return nil },
		RunE: func(cmd *cobra.Command, _ []string) error {
			out := cmd.OutOrStdout()
			if _, err := fmt.Fprintln(out, version.Info()); err != nil {
				return err
			}
			if !check {
				return nil
			}

			result, err := version.CheckForUpdate(cmd.Context(), version.CheckOptions{})
			if err != nil {
				return fmt.Errorf("update check failed: %w", err)
			}
			switch {
			case result.SkipReason != "":
				_, err = fmt.Fprintf(out, "update check skipped: %s\n", result.SkipReason)
			case result.UpdateAvailable:
				_, err = fmt.Fprintf(out, "update available: %s\n", result.LatestVersion)
			default:
				_, err = fmt.Fprintln(out, "up to date")
			}
			return err
		},
	}

	cmd.Flags().BoolVar(&check, "check", false, "check for a newer release")
	return cmd
}
