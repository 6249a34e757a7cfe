// Package listing scrapes paginated permit listing pages into normalized records.
package listing

import (
	"bytes"
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"go.uber.org/zap"

	"github.com/JakeFAU/permit-crawler/internal/metrics"
	"github.com/JakeFAU/permit-crawler/internal/normalize"
	"github.com/JakeFAU/permit-crawler/internal/permit"
)

// TableKeywords qualify a table as the permit table when any header contains one.
var TableKeywords = []string{"permit", "operator", "county", "district", "well", "lease", "field"}

// Result is what one listing extraction produced. Warning is empty when nothing went wrong.
type Result struct {
	SourceURL string          `json:"source_url"`
	ExportURL string          `json:"export_url,omitempty"`
	Records   []permit.Record `json:"records"`
	FetchedAt time.Time       `json:"fetched_at"`
	Warning   string          `json:"warning,omitempty"`
}

// Page is the parsed content of one listing page.
type Page struct {
	Headers     []string
	Records     []permit.Record
	SkippedRows int
	ExportURL   string
	NextURL     string
}

// Scraper fetches listing pages and bulk exports.
type Scraper struct {
	fetcher permit.Fetcher
	clock   permit.Clock
	logger  *zap.Logger
}

// New builds a Scraper. fetcher should already carry the retry policy.
func New(fetcher permit.Fetcher, clock permit.Clock, logger *zap.Logger) *Scraper {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scraper{fetcher: fetcher, clock: clock, logger: logger}
}

// Extract fetches one listing page. It never fails: problems are reported in Result.Warning.
func (s *Scraper) Extract(ctx context.Context, listingURL string) Result {
	result := Result{SourceURL: listingURL, FetchedAt: s.clock.Now()}
	page, finalURL, warning := s.fetchPage(ctx, listingURL)
	result.SourceURL = finalURL
	result.Warning = warning
	result.Records = page.Records
	result.ExportURL = page.ExportURL
	metrics.ObserveListingRecords("listing", len(result.Records))
	return result
}

// ExtractAll follows next-page links up to maxPages. Records sharing a status
// number are merged with later pages superseding earlier ones.
func (s *Scraper) ExtractAll(ctx context.Context, listingURL string, maxPages int) Result {
	if maxPages <= 0 {
		maxPages = 1
	}
	result := Result{SourceURL: listingURL, FetchedAt: s.clock.Now()}
	var warnings []string
	merged := newRecordSet()
	visited := make(map[string]struct{})

	next := listingURL
	for page := 1; page <= maxPages && next != ""; page++ {
		if _, ok := visited[next]; ok {
			break
		}
		visited[next] = struct{}{}

		parsed, finalURL, warning := s.fetchPage(ctx, next)
		if page == 1 {
			result.SourceURL = finalURL
		}
		if warning != "" {
			warnings = append(warnings, fmt.Sprintf("page %d: %s", page, warning))
		}
		if result.ExportURL == "" {
			result.ExportURL = parsed.ExportURL
		}
		merged.add(parsed.Records...)
		next = parsed.NextURL
	}
	result.Records = merged.records()
	result.Warning = strings.Join(warnings, "; ")
	metrics.ObserveListingRecords("listing", len(result.Records))
	return result
}

func (s *Scraper) fetchPage(ctx context.Context, pageURL string) (Page, string, string) {
	resp, err := s.fetcher.Fetch(ctx, permit.FetchRequest{URL: pageURL})
	if err != nil {
		s.logger.Warn("listing fetch failed", zap.String("url", pageURL), zap.Error(err))
		return Page{}, pageURL, fmt.Sprintf("fetch failed: %v", err)
	}
	finalURL := pageURL
	if resp.URL != "" {
		finalURL = resp.URL
	}
	base, _ := url.Parse(finalURL)
	page, err := ParseListing(resp.Body, base)
	if err != nil {
		s.logger.Warn("listing parse yielded nothing", zap.String("url", finalURL), zap.Error(err))
		return page, finalURL, err.Error()
	}
	var warning string
	if page.SkippedRows > 0 {
		warning = fmt.Sprintf("skipped %d rows with mismatched cell counts", page.SkippedRows)
	}
	s.logger.Info("listing page parsed",
		zap.String("url", finalURL),
		zap.Int("records", len(page.Records)),
		zap.Int("skipped", page.SkippedRows),
	)
	return page, finalURL, warning
}

// ParseListing locates the permit table in body and normalizes its rows. The
// export and next-page links are reported even when no table qualifies.
func ParseListing(body []byte, base *url.URL) (Page, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return Page{}, fmt.Errorf("parse listing html: %w", err)
	}
	page := Page{
		ExportURL: FindExportLink(doc, base),
		NextURL:   FindNextLink(doc, base),
	}

	table, headers := findPermitTable(doc)
	if table == nil {
		return page, fmt.Errorf("%w: no table header contains any of %s", permit.ErrNoTable, strings.Join(TableKeywords, ", "))
	}
	page.Headers = headers

	rows := ownRows(table)
	for i := 1; i < rows.Length(); i++ {
		tr := rows.Eq(i)
		cells := tr.ChildrenFiltered("th,td")
		if cells.Length() != len(headers) {
			page.SkippedRows++
			continue
		}
		raw := make(permit.RawRow, len(headers))
		cells.Each(func(j int, cell *goquery.Selection) {
			raw[j] = permit.Cell{Header: headers[j], Text: cell.Text()}
		})
		rec := normalize.Normalize(raw)
		if href, ok := tr.Find("a[href]").First().Attr("href"); ok {
			if link := resolve(base, href); link != "" {
				rec.DetailURL = &link
			}
		}
		page.Records = append(page.Records, rec)
	}
	return page, nil
}

func findPermitTable(doc *goquery.Document) (*goquery.Selection, []string) {
	var (
		table   *goquery.Selection
		headers []string
	)
	doc.Find("table").EachWithBreak(func(_ int, t *goquery.Selection) bool {
		rows := ownRows(t)
		if rows.Length() == 0 {
			return true
		}
		var candidate []string
		qualifies := false
		rows.First().ChildrenFiltered("th,td").Each(func(_ int, cell *goquery.Selection) {
			text := strings.Join(strings.Fields(cell.Text()), " ")
			candidate = append(candidate, text)
			if matchesAny(strings.ToLower(text), TableKeywords) {
				qualifies = true
			}
		})
		if qualifies {
			table, headers = t, candidate
			return false
		}
		return true
	})
	return table, headers
}

// ownRows returns the rows of t without rows of nested tables.
func ownRows(t *goquery.Selection) *goquery.Selection {
	return t.Find("tr").FilterFunction(func(_ int, tr *goquery.Selection) bool {
		return tr.Closest("table").IsSelection(t)
	})
}

type recordSet struct {
	order []string
	byKey map[string]permit.Record
	loose []permit.Record
}

func newRecordSet() *recordSet {
	return &recordSet{byKey: make(map[string]permit.Record)}
}

func (s *recordSet) add(recs ...permit.Record) {
	for _, rec := range recs {
		key := rec.Key()
		if key == "" {
			s.loose = append(s.loose, rec)
			continue
		}
		existing, ok := s.byKey[key]
		if !ok {
			s.order = append(s.order, key)
			s.byKey[key] = rec
			continue
		}
		s.byKey[key] = existing.Merge(rec)
	}
}

func (s *recordSet) records() []permit.Record {
	out := make([]permit.Record, 0, len(s.order)+len(s.loose))
	for _, key := range s.order {
		out = append(out, s.byKey[key])
	}
	return append(out, s.loose...)
}
