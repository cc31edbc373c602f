package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/mfenderov/gigsync/internal/provider"
	"github.com/mfenderov/gigsync/internal/ratelimit"
	"github.com/spf13/cobra"
)

var (
	limiterViolations int64
	limiterHorizon    time.Duration
)

var limiterCmd = &cobra.Command{
	Use:   "limiter",
	Short: "Inspect or reset distributed rate limiter state",
}

var limiterStatusCmd = &cobra.Command{
	Use:   "status [provider...]",
	Short: "Show provider blocks and recent violations",
	Long: `Show whether providers are blocked and list recent rate limit
violations. Without arguments every configured provider is checked.

Example:
  gigsync limiter status setlistfm --violations 20`,
	RunE: runLimiterStatus,
}

var limiterResetCmd = &cobra.Command{
	Use:   "reset [provider]",
	Short: "Clear rate limit counters and any block for a provider",
	Args:  cobra.ExactArgs(1),
	RunE:  runLimiterReset,
}

var limiterCleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Remove stale sliding-window entries for all providers",
	RunE:  runLimiterCleanup,
}

func init() {
	rootCmd.AddCommand(limiterCmd)
	limiterCmd.AddCommand(limiterStatusCmd, limiterResetCmd, limiterCleanupCmd)

	limiterStatusCmd.Flags().Int64Var(&limiterViolations, "violations", 10, "Number of recent violations to show")
	limiterCleanupCmd.Flags().DurationVar(&limiterHorizon, "older-than", time.Hour, "Remove entries older than this")
}

func withLimiter(fn func(ctx context.Context, l *ratelimit.Limiter) error) error {
	cfg := GetConfig()
	rdb := newRedis(cfg.Redis)
	defer rdb.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("failed to connect to redis at %s: %w", cfg.Redis.Addr, err)
	}
	return fn(ctx, newLimiter(rdb, cfg.Redis, nil))
}

func runLimiterStatus(cmd *cobra.Command, args []string) error {
	names := args
	if len(names) == 0 {
		for _, p := range GetConfig().Providers {
			names = append(names, p.Name)
		}
	}

	return withLimiter(func(ctx context.Context, l *ratelimit.Limiter) error {
		out := cmd.OutOrStdout()
		for _, name := range names {
			d, blocked := l.BlockedFor(ctx, provider.GatePrefix, name)
			switch {
			case !blocked:
				fmt.Fprintf(out, "%-16s ok\n", name)
			case d > 0:
				fmt.Fprintf(out, "%-16s blocked for %v\n", name, d.Round(time.Millisecond))
			default:
				fmt.Fprintf(out, "%-16s blocked\n", name)
			}
		}

		violations, err := l.Violations(ctx, limiterViolations)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "\nRecent violations: %d\n", len(violations))
		for _, v := range violations {
			data, _ := json.Marshal(v)
			fmt.Fprintf(out, "  %s\n", data)
		}
		return nil
	})
}

func runLimiterReset(cmd *cobra.Command, args []string) error {
	return withLimiter(func(ctx context.Context, l *ratelimit.Limiter) error {
		if err := l.Reset(ctx, provider.GatePrefix, args[0]); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Reset rate limit state for %s\n", args[0])
		return nil
	})
}

func runLimiterCleanup(cmd *cobra.Command, args []string) error {
	return withLimiter(func(ctx context.Context, l *ratelimit.Limiter) error {
		n, err := l.Cleanup(ctx, provider.GatePrefix, limiterHorizon)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Removed %d stale entries\n", n)
		return nil
	})
}
