// Package sheets imports a batch from a public Google Sheets document.
package sheets

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"bulk-distance/internal/excel"
	"bulk-distance/internal/models"

	"google.golang.org/api/option"
	"google.golang.org/api/sheets/v4"
)

var spreadsheetIDPattern = regexp.MustCompile(`/spreadsheets/d/([a-zA-Z0-9-_]+)`)

// ParseSpreadsheetID extracts the document ID from a sharing URL.
func ParseSpreadsheetID(rawURL string) (string, error) {
	m := spreadsheetIDPattern.FindStringSubmatch(rawURL)
	if m == nil {
		return "", fmt.Errorf("%w: not a Google Sheets url", excel.ErrUnsupportedFormat)
	}
	return m[1], nil
}

type Client struct {
	service *sheets.Service
}

// NewClient authenticates with an API key; the document must be shared
// publicly for reading.
func NewClient(ctx context.Context, apiKey string, opts ...option.ClientOption) (*Client, error) {
	opts = append([]option.ClientOption{option.WithAPIKey(apiKey)}, opts...)
	service, err := sheets.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create sheets service: %w", err)
	}
	return &Client{service: service}, nil
}

// Fetch reads the first sheet of the document as records.
func (c *Client) Fetch(ctx context.Context, spreadsheetID string) ([]models.Record, error) {
	doc, err := c.service.Spreadsheets.Get(spreadsheetID).
		Fields("sheets.properties.title").
		Context(ctx).
		Do()
	if err != nil {
		return nil, fmt.Errorf("failed to read spreadsheet: %w", err)
	}
	if len(doc.Sheets) == 0 || doc.Sheets[0].Properties == nil {
		return nil, fmt.Errorf("%w: spreadsheet has no sheets", excel.ErrParse)
	}
	title := doc.Sheets[0].Properties.Title

	resp, err := c.service.Spreadsheets.Values.Get(spreadsheetID, quoteTitle(title)).Context(ctx).Do()
	if err != nil {
		return nil, fmt.Errorf("failed to read sheet %q: %w", title, err)
	}
	return excel.RecordsFromRows(stringify(resp.Values))
}

func quoteTitle(title string) string {
	return "'" + strings.ReplaceAll(title, "'", "''") + "'"
}

func stringify(values [][]interface{}) [][]string {
	rows := make([][]string, len(values))
	for i, row := range values {
		rows[i] = make([]string, len(row))
		for j, v := range row {
			if v == nil {
				continue
			}
			rows[i][j] = fmt.Sprint(v)
		}
	}
	return rows
}
