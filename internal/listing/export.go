package listing

import (
	"bytes"
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/tealeg/xlsx/v2"
	"go.uber.org/zap"

	"github.com/JakeFAU/permit-crawler/internal/metrics"
	"github.com/JakeFAU/permit-crawler/internal/normalize"
	"github.com/JakeFAU/permit-crawler/internal/permit"
)

var zipMagic = []byte("PK\x03\x04")

// ReadExport downloads a bulk export (CSV or XLSX) and normalizes its rows with
// the same header dictionary as listing tables. Like Extract it never fails.
func (s *Scraper) ReadExport(ctx context.Context, exportURL string) Result {
	result := Result{SourceURL: exportURL, ExportURL: exportURL, FetchedAt: s.clock.Now()}
	resp, err := s.fetcher.Fetch(ctx, permit.FetchRequest{URL: exportURL})
	if err != nil {
		s.logger.Warn("export fetch failed", zap.String("url", exportURL), zap.Error(err))
		result.Warning = fmt.Sprintf("fetch failed: %v", err)
		return result
	}
	if resp.URL != "" {
		result.SourceURL = resp.URL
	}

	rows, err := exportRows(exportURL, resp.Body)
	if err != nil {
		result.Warning = err.Error()
		return result
	}
	records, skipped, err := NormalizeRows(rows)
	if err != nil {
		result.Warning = err.Error()
		return result
	}
	if skipped > 0 {
		result.Warning = fmt.Sprintf("skipped %d rows with mismatched cell counts", skipped)
	}
	result.Records = records
	metrics.ObserveListingRecords("export", len(records))
	s.logger.Info("export parsed", zap.String("url", exportURL), zap.Int("records", len(records)))
	return result
}

func exportRows(name string, body []byte) ([][]string, error) {
	lower := strings.ToLower(name)
	if bytes.HasPrefix(body, zipMagic) || strings.Contains(lower, ".xlsx") {
		return ReadXLSX(body)
	}
	return ReadCSV(bytes.NewReader(body))
}

// NormalizeRows treats the first non-empty row as headers and normalizes the rest.
func NormalizeRows(rows [][]string) ([]permit.Record, int, error) {
	start := 0
	for start < len(rows) && blank(rows[start]) {
		start++
	}
	if start == len(rows) {
		return nil, 0, fmt.Errorf("%w: export is empty", permit.ErrNoTable)
	}
	headers := rows[start]
	var (
		records []permit.Record
		skipped int
	)
	for _, cells := range rows[start+1:] {
		if blank(cells) {
			continue
		}
		if len(cells) != len(headers) {
			skipped++
			continue
		}
		raw := make(permit.RawRow, len(headers))
		for i := range headers {
			raw[i] = permit.Cell{Header: headers[i], Text: cells[i]}
		}
		records = append(records, normalize.Normalize(raw))
	}
	return records, skipped, nil
}

// ReadCSV reads every record of a CSV export.
func ReadCSV(r io.Reader) ([][]string, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1
	reader.LazyQuotes = true
	reader.TrimLeadingSpace = true

	var rows [][]string
	for {
		rec, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("csv: read row %d: %w", len(rows)+1, err)
		}
		if len(rows) == 0 && len(rec) > 0 {
			rec[0] = strings.TrimPrefix(rec[0], "\ufeff")
		}
		rows = append(rows, rec)
	}
	return rows, nil
}

// ReadXLSX reads the first sheet of an XLSX export.
func ReadXLSX(data []byte) ([][]string, error) {
	f, err := xlsx.OpenBinary(data)
	if err != nil {
		return nil, fmt.Errorf("xlsx: open: %w", err)
	}
	if len(f.Sheets) == 0 {
		return nil, errors.New("xlsx: workbook has no sheets")
	}
	var rows [][]string
	for _, row := range f.Sheets[0].Rows {
		if row == nil {
			continue
		}
		cells := make([]string, len(row.Cells))
		for j, cell := range row.Cells {
			cells[j] = cell.String()
		}
		rows = append(rows, cells)
	}
	return rows, nil
}

func blank(cells []string) bool {
	for _, c := range cells {
		if strings.TrimSpace(c) != "" {
			return false
		}
	}
	return true
}
