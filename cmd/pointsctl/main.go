// Command pointsctl inspects and adjusts loyalty balances from a shell,
// against the same backend the server is configured with.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"text/tabwriter"
	"time"

	"storefront-server/app"
	"storefront-server/config"
	"storefront-server/handlers"
	"storefront-server/models"
	"storefront-server/services"
	"storefront-server/utils"

	"github.com/spf13/cobra"
)

type cli struct {
	verbose bool
	// newApp builds the engine on first use.
	newApp func(ctx context.Context, verbose bool) (*app.App, error)
	app    *app.App
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	c := &cli{newApp: appFromEnv}
	root := newRootCommand(c)
	err := root.ExecuteContext(ctx)
	c.close()
	if err != nil {
		os.Exit(1)
	}
}

func appFromEnv(ctx context.Context, verbose bool) (*app.App, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	// The server holds the award key file lock; the CLI never creates orders.
	cfg.AwardKeysPath = ""
	// One-shot commands have no use for the periodic loop.
	cfg.ReconcileInterval = 0

	level := "warn"
	if verbose {
		level = "debug"
	}
	log, err := utils.NewLogger(cfg.Environment, level)
	if err != nil {
		return nil, err
	}
	return app.New(ctx, cfg, log)
}

func (c *cli) engine(cmd *cobra.Command) (*app.App, error) {
	if c.app != nil {
		return c.app, nil
	}
	a, err := c.newApp(cmd.Context(), c.verbose)
	if err != nil {
		return nil, err
	}
	c.app = a
	return a, nil
}

func (c *cli) close() {
	if c.app != nil {
		c.app.Close()
		c.app = nil
	}
}

func newRootCommand(c *cli) *cobra.Command {
	root := &cobra.Command{
		Use:          "pointsctl",
		Short:        "Inspect and adjust storefront loyalty points",
		SilenceUsage: true,
	}
	root.PersistentFlags().BoolVarP(&c.verbose, "verbose", "v", false, "Verbose logging")

	root.AddCommand(
		newLevelsCommand(),
		newBalanceCommand(c),
		newHistoryCommand(c),
		newAwardCommand(c),
		newRedeemCommand(c),
		newReconcileCommand(c),
		newTokenCommand(),
	)
	return root
}

func newLevelsCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "levels",
		Short: "List the loyalty tiers",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "LEVEL\tFROM\tBENEFITS")
			for _, l := range services.GetLevels() {
				fmt.Fprintf(w, "%s\t%d\t%v\n", l.Name, l.MinPoints, l.Benefits)
			}
			return w.Flush()
		},
	}
}

func newBalanceCommand(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "balance <user-id>",
		Short: "Show a user's balance and tier",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := c.engine(cmd)
			if err != nil {
				return err
			}
			p, err := a.Points.Summary(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "points: %d\nlevel:  %s\n", p.Points, p.Level.Name)
			if p.NextLevel != nil {
				fmt.Fprintf(out, "next:   %s in %d points (%.0f%%)\n", p.NextLevel.Name, p.PointsToNext, p.Percent)
			}
			return nil
		},
	}
}

func newHistoryCommand(c *cli) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "history <user-id>",
		Short: "Show a user's ledger, newest first",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := c.engine(cmd)
			if err != nil {
				return err
			}
			entries, err := a.Points.GetHistory(cmd.Context(), args[0], limit)
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "WHEN\tAMOUNT\tREASON\tDESCRIPTION")
			for _, e := range entries {
				desc := ""
				if e.Description != nil {
					desc = *e.Description
				}
				fmt.Fprintf(w, "%s\t%+d\t%s\t%s\n", e.CreatedAt.Format(time.DateTime), e.Amount, e.Reason, desc)
			}
			return w.Flush()
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 0, "Maximum entries (default from HISTORY_LIMIT)")
	return cmd
}

func newAwardCommand(c *cli) *cobra.Command {
	var reason, description string
	cmd := &cobra.Command{
		Use:   "award <user-id> <amount>",
		Short: "Add (or with a negative amount, remove) points",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			amount, err := strconv.ParseInt(args[1], 10, 64)
			if err != nil {
				return fmt.Errorf("amount: %w", err)
			}
			a, err := c.engine(cmd)
			if err != nil {
				return err
			}
			balance, err := a.Points.AddPoints(cmd.Context(), args[0], amount, models.PointsReason(reason), description)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "balance: %d (%s)\n", balance, services.CalculateLevel(balance).Name)
			return nil
		},
	}
	cmd.Flags().StringVar(&reason, "reason", string(models.ReasonBonus), "purchase, redemption, bonus or refund")
	cmd.Flags().StringVar(&description, "description", "", "Ledger entry description")
	return cmd
}

func newRedeemCommand(c *cli) *cobra.Command {
	var description string
	cmd := &cobra.Command{
		Use:   "redeem <user-id> <amount>",
		Short: "Spend points",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			amount, err := strconv.ParseInt(args[1], 10, 64)
			if err != nil {
				return fmt.Errorf("amount: %w", err)
			}
			a, err := c.engine(cmd)
			if err != nil {
				return err
			}
			balance, err := a.Points.RedeemPoints(cmd.Context(), args[0], amount, description)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "balance: %d (%s)\n", balance, services.CalculateLevel(balance).Name)
			return nil
		},
	}
	cmd.Flags().StringVar(&description, "description", "", "Ledger entry description")
	return cmd
}

func newReconcileCommand(c *cli) *cobra.Command {
	var all bool
	cmd := &cobra.Command{
		Use:   "reconcile [user-id]",
		Short: "Rebuild cached balances from the ledger",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if all == (len(args) == 1) {
				return fmt.Errorf("pass either a user id or --all")
			}
			a, err := c.engine(cmd)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if all {
				rep, err := a.Reconciler.RunOnce(cmd.Context())
				if err != nil {
					return err
				}
				fmt.Fprintf(out, "checked: %d corrected: %d failed: %d\n", rep.Checked, rep.Corrected, rep.Failed)
				return nil
			}
			res, err := a.Points.Reconcile(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "cached: %d ledger: %d entries: %d corrected: %t\n", res.Cached, res.Ledger, res.Entries, res.Corrected)
			return nil
		},
	}
	cmd.Flags().BoolVar(&all, "all", false, "Reconcile every user")
	return cmd
}

func newTokenCommand() *cobra.Command {
	var ttl time.Duration
	cmd := &cobra.Command{
		Use:   "token <user-id>",
		Short: "Mint a bearer token for local testing",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			tok, err := handlers.GenerateToken(cfg.JWTSecret, args[0], "", ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), tok)
			return nil
		},
	}
	cmd.Flags().DurationVar(&ttl, "ttl", handlers.TokenTTL, "Token lifetime")
	return cmd
}
