package excel

import (
	"bytes"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"bulk-distance/internal/models"

	"github.com/xuri/excelize/v2"
)

// MaxUploadSize is the largest accepted input file.
const MaxUploadSize = 10 << 20

const (
	ColumnFrom = "From"
	ColumnTo   = "To"
)

var (
	ErrUnsupportedFormat = errors.New("unsupported file")
	ErrParse             = errors.New("could not parse file")
)

type FileKind string

const (
	KindSpreadsheet FileKind = "xlsx"
	KindDelimited   FileKind = "csv"
)

// KindFromFilename maps a file extension to the kind of parser to use.
func KindFromFilename(name string) (FileKind, error) {
	ext := strings.ToLower(filepath.Ext(name))
	switch ext {
	case ".xlsx":
		return KindSpreadsheet, nil
	case ".csv":
		return KindDelimited, nil
	}
	return "", fmt.Errorf("%w: %q is not .xlsx or .csv", ErrUnsupportedFormat, ext)
}

// Ingest reads an uploaded file into records. size may be -1 when unknown;
// the limit is enforced while reading either way. Parsing is all-or-nothing.
func Ingest(r io.Reader, size int64, kind FileKind) ([]models.Record, error) {
	if size > MaxUploadSize {
		return nil, fmt.Errorf("%w: file is %d bytes, max is %d", ErrUnsupportedFormat, size, MaxUploadSize)
	}
	if kind != KindSpreadsheet && kind != KindDelimited {
		return nil, fmt.Errorf("%w: kind %q", ErrUnsupportedFormat, kind)
	}

	data, err := io.ReadAll(io.LimitReader(r, MaxUploadSize+1))
	if err != nil {
		return nil, fmt.Errorf("%w: read: %v", ErrParse, err)
	}
	if len(data) > MaxUploadSize {
		return nil, fmt.Errorf("%w: file exceeds %d bytes", ErrUnsupportedFormat, MaxUploadSize)
	}

	var rows [][]string
	if kind == KindDelimited {
		rows, err = readDelimited(data)
	} else {
		rows, err = readSpreadsheet(data)
	}
	if err != nil {
		return nil, err
	}
	return RecordsFromRows(rows)
}

func readDelimited(data []byte) ([][]string, error) {
	data = bytes.TrimPrefix(data, []byte("\xef\xbb\xbf"))

	reader := csv.NewReader(bytes.NewReader(data))
	reader.FieldsPerRecord = -1
	rows, err := reader.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrParse, err)
	}
	return rows, nil
}

func readSpreadsheet(data []byte) ([][]string, error) {
	f, err := excelize.OpenReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrParse, err)
	}
	defer f.Close()

	sheetName := f.GetSheetName(0)
	if sheetName == "" {
		return nil, fmt.Errorf("%w: workbook has no sheets", ErrParse)
	}

	rows, err := f.GetRows(sheetName)
	if err != nil {
		return nil, fmt.Errorf("%w: sheet %q: %v", ErrParse, sheetName, err)
	}
	return rows, nil
}

// RecordsFromRows turns a header row plus data rows into records.
// From and To must be present in the header.
func RecordsFromRows(rows [][]string) ([]models.Record, error) {
	if len(rows) == 0 {
		return nil, fmt.Errorf("%w: file is empty", ErrParse)
	}

	header := make([]string, len(rows[0]))
	var columns []string
	seen := make(map[string]bool)
	for i, cell := range rows[0] {
		name := strings.TrimSpace(cell)
		// a repeated header keeps the first column's values
		if name == "" || seen[name] {
			continue
		}
		header[i] = name
		seen[name] = true
		columns = append(columns, name)
	}
	if !seen[ColumnFrom] || !seen[ColumnTo] {
		return nil, fmt.Errorf("%w: header must contain %q and %q columns", ErrParse, ColumnFrom, ColumnTo)
	}

	var records []models.Record
	for _, row := range rows[1:] {
		if isBlank(row) {
			continue
		}
		values := make(map[string]string, len(columns))
		for _, name := range columns {
			values[name] = ""
		}
		for i, cell := range row {
			if i >= len(header) || header[i] == "" {
				continue
			}
			values[header[i]] = cell
		}
		records = append(records, models.Record{Columns: columns, Values: values})
	}
	return records, nil
}

func isBlank(row []string) bool {
	for _, cell := range row {
		if strings.TrimSpace(cell) != "" {
			return false
		}
	}
	return true
}
