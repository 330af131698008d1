// Package cli implements the bulk-distance command line.
package cli

import (
	"fmt"
	"os"

	"bulk-distance/internal/config"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var (
	configPath string
	cfg        config.Config
)

var rootCmd = &cobra.Command{
	Use:   "bulk-distance",
	Short: "Bulk road distances for From/To spreadsheets",
	Long: `bulk-distance reads spreadsheets of From/To location pairs, resolves each
pair to a driving distance through Geoapify and writes the results back as
an xlsx workbook. The first 10 rows per session are free; larger batches
are unlocked through PayPal.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		dotenv := config.LoadDotEnv()
		loaded, err := config.Load(configPath)
		if err != nil {
			return err
		}
		if err := config.SetupLogging(loaded.Log, os.Stderr); err != nil {
			return err
		}
		if dotenv {
			log.Debug().Msg("Loaded environment variables from .env file.")
		}
		cfg = loaded
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to a TOML config file")
}

// Execute runs the root command and exits non-zero on error.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
