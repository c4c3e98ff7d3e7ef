// Command rolloutctl is the operator surface for the capture rollout: query
// the live gating configuration, move the percentage, flip the emergency stop
// and read the audit history. Results print as JSON on stdout; the exit
// status is non-zero when the operation fails.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/fairyhunter13/progressive-capture/internal/adapter/cache"
	"github.com/fairyhunter13/progressive-capture/internal/adapter/repo/postgres"
	"github.com/fairyhunter13/progressive-capture/internal/config"
	"github.com/fairyhunter13/progressive-capture/internal/domain"
	"github.com/fairyhunter13/progressive-capture/internal/usecase"
)

// commandTimeout bounds one invocation; every subcommand is a handful of
// single-row store operations.
const commandTimeout = 30 * time.Second

// rolloutAPI is the slice of the rollout controller the CLI drives.
type rolloutAPI interface {
	Query(ctx context.Context, feature string) (domain.RolloutConfig, error)
	Update(ctx context.Context, feature string, percentage int, reason, triggeredBy string) (domain.RolloutConfig, error)
	Stop(ctx context.Context, feature, reason, triggeredBy string) (domain.RolloutConfig, error)
	Resume(ctx context.Context, feature, reason, triggeredBy string) (domain.RolloutConfig, error)
	History(ctx context.Context, feature string, limit int) ([]domain.RolloutHistoryEntry, error)
}

// opener connects a command to its backing service once flags are parsed.
type opener func(ctx context.Context) (rolloutAPI, func(), error)

func main() {
	sigCtx, stopSignals := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stopSignals()
	ctx, cancel := context.WithTimeout(sigCtx, commandTimeout)
	defer cancel()

	if err := newRootCmd(openService).ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd(open opener) *cobra.Command {
	root := &cobra.Command{
		Use:   "rolloutctl",
		Short: "Operate the progressive capture rollout",
		Long: `rolloutctl operates the percentage rollout gating progressive capture.
It reads and mutates the same configuration row the capture API gates on;
every mutation appends an audit entry recording who triggered it.

Examples:
  rolloutctl query
  rolloutctl update 25 --reason "ramp to a quarter of repositories"
  rolloutctl stop --reason "forge incident"
  rolloutctl history --limit 10`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().String("feature", domain.DefaultFeature, "feature flag to operate on")

	root.AddCommand(newQueryCmd(open))
	root.AddCommand(newUpdateCmd(open))
	root.AddCommand(newStopCmd(open))
	root.AddCommand(newResumeCmd(open))
	root.AddCommand(newHistoryCmd(open))
	return root
}

func newQueryCmd(open opener) *cobra.Command {
	return &cobra.Command{
		Use:   "query",
		Short: "Print the live rollout configuration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			svc, closer, err := open(cmd.Context())
			if err != nil {
				return err
			}
			defer closer()

			feature, _ := cmd.Flags().GetString("feature")
			cfg, err := svc.Query(cmd.Context(), feature)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), configView(cfg))
		},
	}
}

func newUpdateCmd(open opener) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "update PERCENTAGE",
		Short: "Move the rollout to a new percentage",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			percentage, err := strconv.Atoi(args[0])
			if err != nil {
				return fmt.Errorf("percentage must be an integer, got %q", args[0])
			}

			svc, closer, err := open(cmd.Context())
			if err != nil {
				return err
			}
			defer closer()

			feature, _ := cmd.Flags().GetString("feature")
			reason, _ := cmd.Flags().GetString("reason")
			triggeredBy, _ := cmd.Flags().GetString("triggered-by")
			cfg, err := svc.Update(cmd.Context(), feature, percentage, reason, triggeredBy)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), configView(cfg))
		},
	}
	cmd.Flags().String("reason", "", "why the percentage is changing (required)")
	cmd.Flags().String("triggered-by", domain.TriggeredByManual, "audit tag for who triggered the change")
	_ = cmd.MarkFlagRequired("reason")
	return cmd
}

func newStopCmd(open opener) *cobra.Command {
	return newSwitchCmd(open, "stop", "Raise the emergency stop",
		func(ctx context.Context, svc rolloutAPI, feature, reason, triggeredBy string) (domain.RolloutConfig, error) {
			return svc.Stop(ctx, feature, reason, triggeredBy)
		})
}

func newResumeCmd(open opener) *cobra.Command {
	return newSwitchCmd(open, "resume", "Clear the emergency stop",
		func(ctx context.Context, svc rolloutAPI, feature, reason, triggeredBy string) (domain.RolloutConfig, error) {
			return svc.Resume(ctx, feature, reason, triggeredBy)
		})
}

func newSwitchCmd(open opener, use, short string,
	apply func(context.Context, rolloutAPI, string, string, string) (domain.RolloutConfig, error)) *cobra.Command {
	cmd := &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			svc, closer, err := open(cmd.Context())
			if err != nil {
				return err
			}
			defer closer()

			feature, _ := cmd.Flags().GetString("feature")
			reason, _ := cmd.Flags().GetString("reason")
			triggeredBy, _ := cmd.Flags().GetString("triggered-by")
			cfg, err := apply(cmd.Context(), svc, feature, reason, triggeredBy)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), configView(cfg))
		},
	}
	cmd.Flags().String("reason", "", fmt.Sprintf("why the feature is being %sd (required)", use))
	cmd.Flags().String("triggered-by", domain.TriggeredByManual, "audit tag for who triggered the change")
	_ = cmd.MarkFlagRequired("reason")
	return cmd
}

func newHistoryCmd(open opener) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Print recent audit entries, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			svc, closer, err := open(cmd.Context())
			if err != nil {
				return err
			}
			defer closer()

			feature, _ := cmd.Flags().GetString("feature")
			limit, _ := cmd.Flags().GetInt("limit")
			entries, err := svc.History(cmd.Context(), feature, limit)
			if err != nil {
				return err
			}

			views := make([]historyEntry, 0, len(entries))
			for _, e := range entries {
				views = append(views, historyEntryView(e))
			}
			return printJSON(cmd.OutOrStdout(), views)
		},
	}
	cmd.Flags().Int("limit", 20, "maximum entries to print")
	return cmd
}

// rolloutStatus mirrors the field names the HTTP surface uses so operators
// see the same keys everywhere.
type rolloutStatus struct {
	Feature             string    `json:"feature"`
	Percentage          int       `json:"percentage"`
	EffectivePercentage int       `json:"effective_percentage"`
	Strategy            string    `json:"strategy"`
	WhitelistedRepos    []string  `json:"whitelisted_repos,omitempty"`
	EmergencyStop       bool      `json:"emergency_stop"`
	Active              bool      `json:"active"`
	UpdatedAt           time.Time `json:"updated_at"`
}

func configView(cfg domain.RolloutConfig) rolloutStatus {
	return rolloutStatus{
		Feature:             cfg.Feature,
		Percentage:          cfg.Percentage,
		EffectivePercentage: cfg.EffectivePercentage(),
		Strategy:            cfg.Strategy,
		WhitelistedRepos:    cfg.WhitelistedRepos,
		EmergencyStop:       cfg.EmergencyStop,
		Active:              cfg.Active,
		UpdatedAt:           cfg.UpdatedAt,
	}
}

type historyEntry struct {
	Action             string         `json:"action"`
	PreviousPercentage int            `json:"previous_percentage"`
	NewPercentage      int            `json:"new_percentage"`
	Reason             string         `json:"reason,omitempty"`
	TriggeredBy        string         `json:"triggered_by"`
	Metadata           map[string]any `json:"metadata,omitempty"`
	CreatedAt          time.Time      `json:"created_at"`
}

func historyEntryView(e domain.RolloutHistoryEntry) historyEntry {
	return historyEntry{
		Action:             e.Action,
		PreviousPercentage: e.PreviousPercentage,
		NewPercentage:      e.NewPercentage,
		Reason:             e.Reason,
		TriggeredBy:        e.TriggeredBy,
		Metadata:           e.Metadata,
		CreatedAt:          e.CreatedAt,
	}
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// openService wires the controller against the live store and cache. Logs go
// to stderr; stdout carries only the command output.
func openService(ctx context.Context) (rolloutAPI, func(), error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stderr, nil)))

	dsn, err := cfg.DSN()
	if err != nil {
		return nil, nil, err
	}
	pool, err := postgres.NewPool(ctx, dsn)
	if err != nil {
		return nil, nil, fmt.Errorf("connect store: %w", err)
	}
	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})

	svc := usecase.NewRolloutService(
		postgres.NewRolloutRepo(pool, postgres.PoolBeginner{Pool: pool}),
		cache.NewRolloutCache(rdb, cfg.RolloutCacheTTL),
		postgres.NewCaptureRepo(pool))
	closer := func() {
		_ = rdb.Close()
		pool.Close()
	}
	return svc, closer, nil
}
