package excel

import (
	"fmt"
	"io"
	"os"

	"bulk-distance/internal/models"

	"github.com/xuri/excelize/v2"
)

const (
	ResultsSheet          = "Results"
	DefaultResultFilename = "calculated_distances.xlsx"
	TemplateFilename      = "distance_template.xlsx"
	ContentType           = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
)

const (
	ColumnDistance = "Distance"
	ColumnDuration = "Duration"
	ColumnAirline  = "Airline"
	ColumnVehicle  = "Vehicle"
	ColumnCO2      = "CO2"
	ColumnCO2Saved = "CO2_Saved"
)

var computedColumns = map[string]bool{
	ColumnDistance: true,
	ColumnDuration: true,
	ColumnAirline:  true,
	ColumnVehicle:  true,
	ColumnCO2:      true,
	ColumnCO2Saved: true,
}

// ExportOptions toggles the optional computed columns.
type ExportOptions struct {
	Duration bool
	Airline  bool
}

// Columns returns the header of the results sheet: input columns in the
// order they were first seen, then the computed ones.
func Columns(results []models.ResultRow, opts ExportOptions) []string {
	var cols []string
	seen := make(map[string]bool)
	hasCO2 := false
	for _, r := range results {
		for _, c := range r.Row.Record.Columns {
			if seen[c] || computedColumns[c] {
				continue
			}
			seen[c] = true
			cols = append(cols, c)
		}
		if r.HasCO2 {
			hasCO2 = true
		}
	}
	if !seen[ColumnFrom] {
		cols = append([]string{ColumnFrom, ColumnTo}, cols...)
	}

	cols = append(cols, ColumnDistance)
	if opts.Duration {
		cols = append(cols, ColumnDuration)
	}
	if opts.Airline {
		cols = append(cols, ColumnAirline)
	}
	if hasCO2 {
		cols = append(cols, ColumnVehicle, ColumnCO2, ColumnCO2Saved)
	}
	return cols
}

func cellValue(r models.ResultRow, col string) interface{} {
	switch col {
	case ColumnFrom:
		return r.Row.From
	case ColumnTo:
		return r.Row.To
	case ColumnDistance:
		if r.Outcome != models.OutcomeOK {
			return r.Outcome.Label()
		}
		return r.DistanceKm
	case ColumnDuration:
		if r.Outcome != models.OutcomeOK {
			return ""
		}
		return r.DurationMin
	case ColumnAirline:
		if !r.HasAirline {
			return ""
		}
		return r.AirlineKm
	case ColumnVehicle:
		return string(r.Vehicle)
	case ColumnCO2:
		if !r.HasCO2 {
			return ""
		}
		return r.CO2Kg
	case ColumnCO2Saved:
		if !r.HasCO2 {
			return ""
		}
		return r.CO2SavedKg
	}
	return r.Row.Record.Values[col]
}

// Export writes the results workbook to w.
func Export(w io.Writer, results []models.ResultRow, opts ExportOptions) error {
	f := excelize.NewFile()
	defer f.Close()

	if err := f.SetSheetName("Sheet1", ResultsSheet); err != nil {
		return err
	}

	sw, err := f.NewStreamWriter(ResultsSheet)
	if err != nil {
		return err
	}

	cols := Columns(results, opts)
	header := make([]interface{}, len(cols))
	for i, c := range cols {
		header[i] = c
	}
	if err := sw.SetRow("A1", header); err != nil {
		return err
	}

	for i, r := range results {
		cell, err := excelize.CoordinatesToCellName(1, i+2)
		if err != nil {
			return err
		}
		row := make([]interface{}, len(cols))
		for j, c := range cols {
			row[j] = cellValue(r, c)
		}
		if err := sw.SetRow(cell, row); err != nil {
			return fmt.Errorf("write row %d: %w", i+2, err)
		}
	}

	if err := sw.Flush(); err != nil {
		return err
	}
	_, err = f.WriteTo(w)
	return err
}

// WriteResultFile saves the results workbook at path.
func WriteResultFile(path string, results []models.ResultRow, opts ExportOptions) error {
	out, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}
	if err := Export(out, results, opts); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

// Template writes the blank input workbook offered for download.
func Template(w io.Writer) error {
	f := excelize.NewFile()
	defer f.Close()

	sheet := f.GetSheetName(0)
	cells := map[string]string{
		"A1": ColumnFrom,
		"B1": ColumnTo,
		"A2": "Riga, Latvia",
		"B2": "Vilnius, Lithuania",
	}
	for cell, v := range cells {
		if err := f.SetCellValue(sheet, cell, v); err != nil {
			return err
		}
	}
	_, err := f.WriteTo(w)
	return err
}
