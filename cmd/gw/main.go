package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	cl "gachaward/internal/cli"
	"gachaward/internal/config"
)

func main() {
	cfg := config.LoadCLIFromEnv()

	root := &cobra.Command{
		Use:          "gw",
		Short:        "Gachaward admin CLI",
		SilenceUsage: true,
	}

	root.AddCommand(
		newBalancesCmd(cfg),
		newAuditCmd(cfg),
		newPityCmd(cfg),
		newActivityCmd(cfg),
		newGrantCmd(cfg),
		newReloadCmd(cfg),
		newSummonCmd(cfg),
		newPayoutCmd(cfg),
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func newClient(cfg config.CLIConfig) *cl.Client {
	return cl.NewClient(cfg.APIBaseURL, cfg.ServiceToken)
}

func cmdContext(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	return context.WithTimeout(cmd.Context(), 30*time.Second)
}

func newBalancesCmd(cfg config.CLIConfig) *cobra.Command {
	return &cobra.Command{
		Use:   "balances <subject>",
		Short: "Show a subject's resource balances",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := cmdContext(cmd)
			defer cancel()
			out, err := newClient(cfg).Balances(ctx, args[0])
			if err != nil {
				return err
			}
			return renderBalances(args[0], out)
		},
	}
}

func newAuditCmd(cfg config.CLIConfig) *cobra.Command {
	var (
		opType string
		limit  int
	)
	cmd := &cobra.Command{
		Use:   "audit <subject>",
		Short: "Show a subject's audit history, newest first",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := cmdContext(cmd)
			defer cancel()
			out, err := newClient(cfg).Audit(ctx, args[0], opType, limit)
			if err != nil {
				return err
			}
			return renderAudit(args[0], out)
		},
	}
	cmd.Flags().StringVar(&opType, "op", "", "filter by operation type")
	cmd.Flags().IntVar(&limit, "limit", 20, "max entries")
	return cmd
}

func newPityCmd(cfg config.CLIConfig) *cobra.Command {
	return &cobra.Command{
		Use:   "pity <subject> <domain>",
		Short: "Show pity progress for a domain",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := cmdContext(cmd)
			defer cancel()
			out, err := newClient(cfg).Pity(ctx, args[0], args[1])
			if err != nil {
				return err
			}
			return renderPity(out)
		},
	}
}

func newActivityCmd(cfg config.CLIConfig) *cobra.Command {
	return &cobra.Command{
		Use:   "activity <subject>",
		Short: "Show recent activity counters",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := cmdContext(cmd)
			defer cancel()
			out, err := newClient(cfg).Activity(ctx, args[0])
			if err != nil {
				return err
			}
			return renderActivity(args[0], out)
		},
	}
}

func newGrantCmd(cfg config.CLIConfig) *cobra.Command {
	var amount int64
	cmd := &cobra.Command{
		Use:   "grant <subject> <kind>",
		Short: "Grant (or with a negative amount, deduct) a resource",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if amount == 0 {
				return fmt.Errorf("--amount must be non-zero")
			}
			ctx, cancel := cmdContext(cmd)
			defer cancel()
			out, err := newClient(cfg).Grant(ctx, args[0], args[1], amount, uuid.NewString())
			if err != nil {
				return err
			}
			return renderChanges(out)
		},
	}
	cmd.Flags().Int64Var(&amount, "amount", 0, "amount to grant (negative to deduct)")
	return cmd
}

func newReloadCmd(cfg config.CLIConfig) *cobra.Command {
	return &cobra.Command{
		Use:   "reload-snapshot",
		Short: "Reload the gameplay snapshot on the running API",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := cmdContext(cmd)
			defer cancel()
			out, err := newClient(cfg).ReloadSnapshot(ctx)
			if err != nil {
				return err
			}
			printSuccess(fmt.Sprintf("Snapshot reloaded: version %v", out["version"]))
			return nil
		},
	}
}

func newSummonCmd(cfg config.CLIConfig) *cobra.Command {
	return &cobra.Command{
		Use:   "summon <subject> <banner>",
		Short: "Run a summon on behalf of a subject (testing)",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := cmdContext(cmd)
			defer cancel()
			out, err := newClient(cfg).Summon(ctx, args[0], args[1], uuid.NewString())
			if err != nil {
				return err
			}
			return renderSummon(out)
		},
	}
}

func newPayoutCmd(cfg config.CLIConfig) *cobra.Command {
	var (
		kind       string
		amountEach int64
	)
	cmd := &cobra.Command{
		Use:   "payout <guild> <member>...",
		Short: "Pay every listed member from the guild treasury",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if amountEach <= 0 {
				return fmt.Errorf("--amount-each must be > 0")
			}
			ctx, cancel := cmdContext(cmd)
			defer cancel()
			if _, err := newClient(cfg).GuildPayout(ctx, args[0], args[1:], kind, amountEach, uuid.NewString()); err != nil {
				return err
			}
			printSuccess(fmt.Sprintf("Paid %d members %d %s each.", len(args)-1, amountEach, kind))
			return nil
		},
	}
	cmd.Flags().StringVar(&kind, "kind", "coin", "resource kind")
	cmd.Flags().Int64Var(&amountEach, "amount-each", 0, "amount per member")
	return cmd
}
