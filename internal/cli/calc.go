package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"bulk-distance/internal/excel"
	"bulk-distance/internal/models"
	"bulk-distance/internal/pipeline"
	"bulk-distance/internal/quota"
	"bulk-distance/internal/session"

	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(calcCmd)
	calcCmd.Flags().StringP("output", "o", excel.DefaultResultFilename, "Where to write the results workbook")
	calcCmd.Flags().String("vehicle", "", "Vehicle for CO2 columns (car, van, truck, electric, motorcycle)")
	calcCmd.Flags().String("session", "cli", "Ledger key the batch is billed against")
	calcCmd.Flags().String("ledger", "", `Ledger database path, or "memory" (default from config)`)
}

var calcCmd = &cobra.Command{
	Use:   "calc FILE",
	Short: "Resolve distances for an .xlsx or .csv file",
	Long: `Run the upload pipeline offline: read FILE, validate it, check the ledger
for the session key and write the results workbook. Batches over the
allowance stop with the price due; credit the key with 'ledger credit'.`,
	Args: cobra.ExactArgs(1),
	RunE: runCalc,
}

func runCalc(cmd *cobra.Command, args []string) error {
	output, _ := cmd.Flags().GetString("output")
	vehicleName, _ := cmd.Flags().GetString("vehicle")
	key, _ := cmd.Flags().GetString("session")
	ledgerPath, _ := cmd.Flags().GetString("ledger")
	if ledgerPath == "" {
		ledgerPath = cfg.Ledger.Path
	}

	vehicle, err := models.ParseVehicle(vehicleName)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg, ledgerPath)
	if err != nil {
		return err
	}
	defer a.Close()

	sess := session.NewStore().GetOrCreate(key)
	results, err := calculateFile(ctx, a.svc, sess, args[0], vehicle)
	var exceeded *quota.ExceededError
	if errors.As(err, &exceeded) {
		return fmt.Errorf("%w\nunlock with: bulk-distance ledger credit %s %d", err, key, exceeded.Shortfall)
	}
	if err != nil {
		return err
	}

	if err := excel.WriteResultFile(output, results, a.svc.ExportOptions()); err != nil {
		return err
	}
	printSummary(cmd.OutOrStdout(), results, a.geo.APICallCount())
	fmt.Fprintf(cmd.OutOrStdout(), "Results written to %s\n", output)
	return nil
}

func calculateFile(ctx context.Context, svc *pipeline.Service, sess *session.Session, path string, vehicle models.VehicleType) ([]models.ResultRow, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, err
	}
	if _, err := svc.Upload(ctx, sess, filepath.Base(path), f, info.Size()); err != nil {
		return nil, err
	}

	start := time.Now()
	results, err := svc.Calculate(ctx, sess, vehicle)
	if err != nil {
		return nil, err
	}
	for _, line := range sess.Logs() {
		fmt.Fprintln(os.Stderr, line)
	}
	fmt.Fprintf(os.Stderr, "Resolved %d rows in %s\n", len(results), time.Since(start).Round(time.Millisecond))
	return results, nil
}

func printSummary(w io.Writer, results []models.ResultRow, apiCalls int64) {
	counts := make(map[models.Outcome]int)
	for _, r := range results {
		counts[r.Outcome]++
	}
	fmt.Fprintf(w, "Rows:           %d\n", len(results))
	fmt.Fprintf(w, "  resolved:     %d\n", counts[models.OutcomeOK])
	fmt.Fprintf(w, "  not found:    %d\n", counts[models.OutcomeGeocodeFailed])
	fmt.Fprintf(w, "  no route:     %d\n", counts[models.OutcomeNoRoute])
	fmt.Fprintf(w, "  errors:       %d\n", counts[models.OutcomeRouteError])
	fmt.Fprintf(w, "API calls:      %d\n", apiCalls)
}
