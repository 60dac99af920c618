package main

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(openCmd)
	rootCmd.AddCommand(balanceCmd)
	rootCmd.AddCommand(historyCmd)
	rootCmd.AddCommand(auditCmd)
	rootCmd.AddCommand(reconcileCmd)

	reconcileCmd.Flags().Duration("after", 5*time.Minute, "Only touch records older than this")
	reconcileCmd.Flags().Int("limit", 100, "Maximum records per pass")
}

// ─── open ───────────────────────────────────────────────────────────────────

var openCmd = &cobra.Command{
	Use:   "open USER_ID",
	Short: "Open an account and credit the registration grant",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		res, err := ledger.OpenAccount(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		if res.Duplicate {
			fmt.Fprintf(os.Stdout, "%s already opened, balance %d\n", args[0], res.Account.Balance)
			return nil
		}
		fmt.Fprintf(os.Stdout, "%s opened, balance %d\n", args[0], res.Account.Balance)
		return nil
	},
}

// ─── balance ────────────────────────────────────────────────────────────────

var balanceCmd = &cobra.Command{
	Use:   "balance USER_ID",
	Short: "Show an account balance",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		acc, err := ledger.GetOrCreateAccount(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		fmt.Fprintf(os.Stdout, "%s\t%d\n", acc.UserID, acc.Balance)
		return nil
	},
}

// ─── history ────────────────────────────────────────────────────────────────

var historyCmd = &cobra.Command{
	Use:   "history USER_ID",
	Short: "List ledger entries, newest first",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		entries, err := ledger.History(cmd.Context(), args[0])
		if err != nil {
			return err
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "DATE\tKIND\tAMOUNT\tBALANCE\tREF\tFROM\tTO")
		for _, e := range entries {
			fmt.Fprintf(w, "%s\t%s\t%d\t%d\t%s\t%s\t%s\n",
				e.CreatedAt.Format(time.RFC3339), e.Kind, e.Amount, e.BalanceAfter, e.ReportRef, e.Sender, e.Receiver)
		}
		return w.Flush()
	},
}

// ─── audit ──────────────────────────────────────────────────────────────────

var auditCmd = &cobra.Command{
	Use:   "audit [USER_ID]",
	Short: "Check that balances equal the sum of their entries",
	Long:  `Audit one account, or every account when no user id is given. Exits non-zero if any account is inconsistent.`,
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		var ids []string
		if len(args) == 1 {
			ids = args
		} else {
			const pageSize = 500
			for offset := 0; ; offset += pageSize {
				page, err := ledger.ListUserIDs(ctx, offset, pageSize)
				if err != nil {
					return err
				}
				ids = append(ids, page...)
				if len(page) < pageSize {
					break
				}
			}
		}

		bad := 0
		for _, id := range ids {
			res, err := ledger.Audit(ctx, id)
			if err != nil {
				return err
			}
			if !res.Consistent {
				bad++
				fmt.Fprintf(os.Stdout, "MISMATCH %s balance=%d entries=%d (%d rows)\n", id, res.Balance, res.EntrySum, res.EntryCount)
			}
		}

		fmt.Fprintf(os.Stdout, "audited %d accounts, %d inconsistent\n", len(ids), bad)
		if bad > 0 {
			return fmt.Errorf("%d accounts inconsistent", bad)
		}
		return nil
	},
}

// ─── reconcile ──────────────────────────────────────────────────────────────

var reconcileCmd = &cobra.Command{
	Use:   "reconcile",
	Short: "Refund orphan reservations and pay missing rewards once",
	RunE: func(cmd *cobra.Command, args []string) error {
		after, _ := cmd.Flags().GetDuration("after")
		limit, _ := cmd.Flags().GetInt("limit")
		before := time.Now().Add(-after)

		refunded, err := escrow.RefundOrphanReservations(cmd.Context(), before, limit)
		if err != nil {
			return err
		}
		paid, err := escrow.PayMissingRewards(cmd.Context(), before, limit)
		if err != nil {
			return err
		}

		fmt.Fprintf(os.Stdout, "refunded %d reservations, paid %d rewards\n", refunded, paid)
		return nil
	},
}
