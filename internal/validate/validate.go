package validate

import (
	"strings"

	"bulk-distance/internal/excel"
	"bulk-distance/internal/models"
	"bulk-distance/internal/quota"
)

var unsafeChars = strings.NewReplacer(
	"<", "",
	">", "",
	"&", "",
	`"`, "",
	"'", "",
	"/", "",
)

// Sanitize strips markup-significant characters and surrounding whitespace.
func Sanitize(s string) string {
	return strings.TrimSpace(unsafeChars.Replace(s))
}

// SanitizeAndValidate cleans From/To of every record, drops records where
// either is empty and reports duplicate pairs. Duplicates stay in the output.
func SanitizeAndValidate(records []models.Record, pricing quota.Pricing) ([]models.Row, models.ValidationReport) {
	rows := make([]models.Row, 0, len(records))
	counts := make(map[string]int)
	var duplicates []string

	for _, rec := range records {
		from := Sanitize(rec.Values[excel.ColumnFrom])
		to := Sanitize(rec.Values[excel.ColumnTo])
		if from == "" || to == "" {
			continue
		}

		rows = append(rows, models.Row{From: from, To: to, Record: rec})

		key := from + "|" + to
		counts[key]++
		if counts[key] == 2 {
			duplicates = append(duplicates, key)
		}
	}

	billable := pricing.Billable(len(rows))
	report := models.ValidationReport{
		TotalRows:        len(rows),
		DuplicateKeys:    duplicates,
		BillableRowCount: billable,
		PriceDue:         pricing.Price(billable),
		Currency:         pricing.Currency,
	}
	return rows, report
}
