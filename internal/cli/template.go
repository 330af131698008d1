package cli

import (
	"fmt"
	"os"

	"bulk-distance/internal/excel"

	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(templateCmd)
	templateCmd.Flags().StringP("output", "o", excel.TemplateFilename, "Where to write the template")
}

var templateCmd = &cobra.Command{
	Use:   "template",
	Short: "Write a blank From/To input workbook",
	RunE: func(cmd *cobra.Command, args []string) error {
		path, _ := cmd.Flags().GetString("output")
		f, err := os.Create(path)
		if err != nil {
			return fmt.Errorf("create %s: %w", path, err)
		}
		if err := excel.Template(f); err != nil {
			f.Close()
			return err
		}
		if err := f.Close(); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Template written to %s\n", path)
		return nil
	},
}
