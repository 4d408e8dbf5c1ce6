package main

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"github.com/warp/skill-exchange/credit"
)

// Operator commands. They open the store directly and bypass HTTP, so they
// work when the server is down. adjust still goes through the Reconciler and
// is audited under --actor.

func init() {
	rootCmd.AddCommand(balanceCmd, adjustCmd, reconcileCmd)

	adjustCmd.Flags().String("reason", "", "reason recorded in the audit log (required)")
	adjustCmd.Flags().String("actor", "", "admin recorded as the actor (default: admin.system)")
	adjustCmd.Flags().Bool("bonus", false, "write a Bonus instead of an Adjustment")
}

var balanceCmd = &cobra.Command{
	Use:   "balance USER",
	Short: "Print a user's balance",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		be, err := openBackend(cmd.Context(), cfg.Store, cfg.Logger())
		if err != nil {
			return err
		}
		defer be.close()

		b, err := credit.NewCalculator(be.ledger).Balance(cmd.Context(), credit.UserID(args[0]))
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "user:      %s\n", b.UserID)
		fmt.Fprintf(out, "available: %s\n", b.Available)
		fmt.Fprintf(out, "held:      %s\n", b.Held)
		fmt.Fprintf(out, "total:     %s\n", b.Total())
		fmt.Fprintf(out, "earned:    %s\n", b.EarnedLifetime)
		fmt.Fprintf(out, "spent:     %s\n", b.SpentLifetime)
		return nil
	},
}

var adjustCmd = &cobra.Command{
	Use:   "adjust USER AMOUNT",
	Short: "Write an audited admin adjustment",
	Long: `Write a signed Adjustment (or a Bonus with --bonus) for USER.
Negative amounts may not take the available balance below zero.`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		amount, err := decimal.NewFromString(args[1])
		if err != nil {
			return fmt.Errorf("amount %q: %w", args[1], err)
		}
		reason, _ := cmd.Flags().GetString("reason")
		actor, _ := cmd.Flags().GetString("actor")
		bonus, _ := cmd.Flags().GetBool("bonus")
		if actor == "" {
			actor = cfg.Admin.System
		}

		logger := cfg.Logger()
		be, err := openBackend(cmd.Context(), cfg.Store, logger)
		if err != nil {
			return err
		}
		defer be.close()

		r := credit.NewReconciler(credit.NewLedger(be.ledger), credit.NewStaticAdmins(cfg.Admin.Admins()...), nil, logger)
		user := credit.UserID(args[0])
		adjust := r.Adjust
		if bonus {
			adjust = r.Bonus
		}
		e, err := adjust(cmd.Context(), user, amount, reason, credit.UserID(actor))
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s %s %s for %s, balance now %s\n", e.ID, e.Type, e.Amount, e.UserID, e.BalanceAfter)
		return nil
	},
}

var errInconsistent = errors.New("ledger inconsistencies found")

var reconcileCmd = &cobra.Command{
	Use:   "reconcile USER...",
	Short: "Check accounts for ledger inconsistencies",
	Long: `Check that each account's balance and snapshots are non-negative, every
resolved hold has exactly one counter entry, every transfer has its pair and
no entry was reversed twice. Exits non-zero if any account has problems.`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		be, err := openBackend(cmd.Context(), cfg.Store, cfg.Logger())
		if err != nil {
			return err
		}
		defer be.close()

		out := cmd.OutOrStdout()
		bad := 0
		for _, u := range args {
			rep, err := credit.Check(cmd.Context(), be.ledger, credit.UserID(u))
			if err != nil {
				return fmt.Errorf("check %s: %w", u, err)
			}
			if rep.OK() {
				fmt.Fprintf(out, "OK    %s  available=%s held=%s entries=%d\n", u, rep.Balance.Available, rep.Balance.Held, rep.Entries)
				continue
			}
			bad++
			fmt.Fprintf(out, "FAIL  %s\n", u)
			for _, p := range rep.Problems {
				fmt.Fprintf(out, "      - %s\n", p)
			}
		}
		if bad > 0 {
			return fmt.Errorf("%w: %d of %d accounts", errInconsistent, bad, len(args))
		}
		return nil
	},
}
