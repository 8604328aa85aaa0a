package main

import (
	"fmt"
	"strconv"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/makeastudio/api/internal/model"
)

func newBalanceCmd(e *env) *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "balance <owner-id>",
		Short: "Show an owner's credit balance and recent ledger entries",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ledger, err := e.ledger(cmd.Context())
			if err != nil {
				return err
			}
			balance, err := ledger.Balance(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			entries, err := ledger.History(cmd.Context(), args[0], limit)
			if err != nil {
				return err
			}
			if entries == nil {
				entries = []*model.LedgerEntry{}
			}
			return printJSON(cmd.OutOrStdout(), model.CreditsResponse{
				OwnerID: args[0],
				Balance: balance,
				Entries: entries,
			})
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "Number of ledger entries to show")
	return cmd
}

func newGrantCmd(e *env) *cobra.Command {
	var (
		reason string
		ref    string
	)

	cmd := &cobra.Command{
		Use:   "grant <owner-id> <amount>",
		Short: "Credit an owner's balance",
		Long: `Credit an owner's balance. Grants are keyed by --ref: repeating a grant
with the same reference is a no-op, so a retried purchase is never
credited twice.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			amount, err := strconv.Atoi(args[1])
			if err != nil || amount <= 0 {
				return fmt.Errorf("amount must be a positive integer, got %q", args[1])
			}
			if ref == "" {
				ref = uuid.New().String()
			}

			ledger, err := e.ledger(cmd.Context())
			if err != nil {
				return err
			}
			applied, err := ledger.Grant(cmd.Context(), args[0], amount, reason, model.ReferenceGrant, ref)
			if err != nil {
				return err
			}
			balance, err := ledger.Balance(cmd.Context(), args[0])
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if !applied {
				fmt.Fprintf(out, "grant %s already applied\n", ref)
			} else {
				fmt.Fprintf(out, "granted %d credits to %s (ref %s)\n", amount, args[0], ref)
			}
			fmt.Fprintf(out, "balance: %d\n", balance)
			return nil
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "manual grant", "Reason recorded on the ledger entry")
	cmd.Flags().StringVar(&ref, "ref", "", "Idempotency reference (default: random)")
	return cmd
}
