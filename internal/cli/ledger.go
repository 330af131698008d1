package cli

import (
	"context"
	"fmt"
	"strconv"
	"text/tabwriter"

	"bulk-distance/internal/quota"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(ledgerCmd)
	ledgerCmd.AddCommand(ledgerShowCmd)
	ledgerCmd.AddCommand(ledgerCreditCmd)
	ledgerCmd.PersistentFlags().String("ledger", "", "Ledger database path (default from config)")
}

var ledgerCmd = &cobra.Command{
	Use:   "ledger",
	Short: "Inspect and adjust paid-row balances",
}

var ledgerShowCmd = &cobra.Command{
	Use:   "show KEY",
	Short: "Show the balance and credit history of a session key",
	Args:  cobra.ExactArgs(1),
	RunE:  runLedgerShow,
}

var ledgerCreditCmd = &cobra.Command{
	Use:   "credit KEY ROWS",
	Short: "Add paid rows to a session key",
	Args:  cobra.ExactArgs(2),
	RunE:  runLedgerCredit,
}

func ledgerPathFlag(cmd *cobra.Command) string {
	if p, _ := cmd.Flags().GetString("ledger"); p != "" {
		return p
	}
	return cfg.Ledger.Path
}

func runLedgerShow(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	backend, err := openLedger(ledgerPathFlag(cmd))
	if err != nil {
		return err
	}
	defer backend.Close()

	pricing := cfg.PricingRules()
	ledger, err := quota.NewLedger(ctx, backend, args[0], pricing)
	if err != nil {
		return err
	}
	credits, err := backend.Credits(ctx, args[0])
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Key:        %s\n", ledger.Key())
	fmt.Fprintf(out, "Paid rows:  %d\n", ledger.PaidRows())
	fmt.Fprintf(out, "Allowance:  %d rows (%d free)\n", ledger.Allowed(), pricing.FreeRows)
	if len(credits) == 0 {
		return nil
	}

	fmt.Fprintln(out)
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "WHEN\tROWS\tREFERENCE")
	for _, c := range credits {
		fmt.Fprintf(tw, "%s\t%d\t%s\n", c.CreatedAt.Format("2006-01-02 15:04"), c.Rows, c.Reference)
	}
	return tw.Flush()
}

func runLedgerCredit(cmd *cobra.Command, args []string) error {
	rows, err := strconv.Atoi(args[1])
	if err != nil || rows <= 0 {
		return fmt.Errorf("ROWS must be a positive integer, got %q", args[1])
	}

	ctx := context.Background()
	backend, err := openLedger(ledgerPathFlag(cmd))
	if err != nil {
		return err
	}
	defer backend.Close()

	ledger, err := quota.NewLedger(ctx, backend, args[0], cfg.PricingRules())
	if err != nil {
		return err
	}
	paid, err := ledger.Credit(ctx, rows)
	if err != nil {
		return err
	}
	if err := backend.RecordCredit(ctx, args[0], rows, "manual-"+uuid.New().String()); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Credited %d rows to %s (paid rows now %d)\n", rows, args[0], paid)
	return nil
}
