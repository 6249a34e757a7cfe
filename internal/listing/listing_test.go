package listing

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tealeg/xlsx/v2"
	"go.uber.org/zap"

	"github.com/JakeFAU/permit-crawler/internal/fetcher"
	collyfetcher "github.com/JakeFAU/permit-crawler/internal/fetcher/colly"
	"github.com/JakeFAU/permit-crawler/internal/permit"
)

type fixedClock struct{ now time.Time }

func (c fixedClock) Now() time.Time { return c.now }

var testNow = time.Date(2024, 10, 9, 15, 0, 0, 0, time.UTC)

type fakeFetcher struct {
	pages  map[string]string
	errs   map[string]error
	visits []string
}

func (f *fakeFetcher) Fetch(_ context.Context, req permit.FetchRequest) (permit.FetchResponse, error) {
	f.visits = append(f.visits, req.URL)
	if err, ok := f.errs[req.URL]; ok {
		return permit.FetchResponse{}, err
	}
	body, ok := f.pages[req.URL]
	if !ok {
		return permit.FetchResponse{}, &permit.FetchError{Kind: permit.FetchBadStatus, URL: req.URL, StatusCode: 404}
	}
	return permit.FetchResponse{URL: req.URL, StatusCode: http.StatusOK, Body: []byte(body)}, nil
}

func newScraper(f permit.Fetcher) *Scraper {
	return New(f, fixedClock{now: testNow}, zap.NewNop())
}

const simpleListing = `<html><body>
<table><tr><th>Permit</th><th>Operator</th><th>County</th><th>District</th></tr>
<tr><td>12345</td><td>Test Oil Co</td><td>Harris</td><td>1</td></tr></table>
</body></html>`

func TestExtractSimpleListing(t *testing.T) {
	t.Parallel()

	f := &fakeFetcher{pages: map[string]string{"https://rrc.test/dp": simpleListing}}
	result := newScraper(f).Extract(context.Background(), "https://rrc.test/dp")

	assert.Empty(t, result.Warning)
	assert.Equal(t, "https://rrc.test/dp", result.SourceURL)
	assert.Equal(t, testNow, result.FetchedAt)
	require.Len(t, result.Records, 1)
	assert.Equal(t, permit.Record{
		StatusNo:     permit.Ptr("12345"),
		OperatorName: permit.Ptr("Test Oil Co"),
		County:       permit.Ptr("Harris"),
		District:     permit.Ptr("1"),
	}, result.Records[0])
}

func TestExtractWithoutPermitTable(t *testing.T) {
	t.Parallel()

	page := `<table><tr><th>Name</th><th>Price</th></tr><tr><td>a</td><td>1</td></tr></table>`
	f := &fakeFetcher{pages: map[string]string{"https://rrc.test/dp": page}}
	result := newScraper(f).Extract(context.Background(), "https://rrc.test/dp")

	assert.Empty(t, result.Records)
	assert.Contains(t, result.Warning, "no permit table found")
}

func TestExtractFetchFailureIsWarning(t *testing.T) {
	t.Parallel()

	f := &fakeFetcher{errs: map[string]error{
		"https://rrc.test/dp": &permit.FetchError{Kind: permit.FetchTimeout, URL: "https://rrc.test/dp"},
	}}
	result := newScraper(f).Extract(context.Background(), "https://rrc.test/dp")

	assert.Empty(t, result.Records)
	assert.Contains(t, result.Warning, "fetch failed")
	assert.Equal(t, testNow, result.FetchedAt)
}

func TestParseListingPicksFirstQualifyingTable(t *testing.T) {
	t.Parallel()

	page := `<html><body>
<table id="layout"><tr><td>
  <table id="nav"><tr><th>Home</th><th>Search</th></tr></table>
  <a href="/exports/permits.csv">Download CSV</a>
</td></tr></table>
<table id="results">
  <tr><th>Status #</th><th>API No.</th><th>Operator Name/Number</th><th>Lease Name</th><th>Status Date</th><th>Amend</th></tr>
  <tr><td><a href="detail?statusNo=906213">906213</a></td><td>42-389-40001</td><td>BIG RIG ENERGY (123456)</td><td>SMITH UNIT</td><td>10/01/2024</td><td>N</td></tr>
  <tr><td>bad row</td></tr>
  <tr><td>906214</td><td></td><td>ACME OIL</td><td>JONES</td><td>garbage</td><td>Y</td></tr>
</table>
<a rel="next" href="?page=2">Next</a>
</body></html>`
	base, err := url.Parse("https://rrc.test/dp/list")
	require.NoError(t, err)

	parsed, err := ParseListing([]byte(page), base)
	require.NoError(t, err)

	assert.Equal(t, []string{"Status #", "API No.", "Operator Name/Number", "Lease Name", "Status Date", "Amend"}, parsed.Headers)
	assert.Equal(t, 1, parsed.SkippedRows)
	assert.Equal(t, "https://rrc.test/exports/permits.csv", parsed.ExportURL)
	assert.Equal(t, "https://rrc.test/dp/list?page=2", parsed.NextURL)
	require.Len(t, parsed.Records, 2)

	first := parsed.Records[0]
	assert.Equal(t, "906213", *first.StatusNo)
	assert.Equal(t, "BIG RIG ENERGY", *first.OperatorName)
	assert.Equal(t, "123456", *first.OperatorNumber)
	assert.Equal(t, "2024-10-01", *first.StatusDate)
	assert.False(t, *first.Amended)
	assert.Equal(t, "https://rrc.test/dp/detail?statusNo=906213", *first.DetailURL)

	second := parsed.Records[1]
	assert.Nil(t, second.APINo)
	assert.Nil(t, second.StatusDate)
	assert.Nil(t, second.DetailURL)
	assert.True(t, *second.Amended)
}

func TestExtractAllFollowsPagesAndMerges(t *testing.T) {
	t.Parallel()

	page1 := `<table><tr><th>Status #</th><th>County</th><th>Current Queue</th></tr>
<tr><td>1</td><td>Reeves</td><td>Mapping</td></tr>
<tr><td>2</td><td>Loving</td><td>Mapping</td></tr></table>
<a href="/dp?page=2">Next &gt;</a>`
	page2 := `<table><tr><th>Status #</th><th>County</th><th>Current Queue</th></tr>
<tr><td>2</td><td></td><td>Approved</td></tr>
<tr><td>3</td><td>Ward</td><td>Mapping</td></tr></table>
<a href="/dp?page=1">Next</a>`
	f := &fakeFetcher{pages: map[string]string{
		"https://rrc.test/dp?page=1": page1,
		"https://rrc.test/dp?page=2": page2,
	}}

	result := newScraper(f).ExtractAll(context.Background(), "https://rrc.test/dp?page=1", 5)

	assert.Empty(t, result.Warning)
	assert.Equal(t, []string{"https://rrc.test/dp?page=1", "https://rrc.test/dp?page=2"}, f.visits)
	require.Len(t, result.Records, 3)
	second := result.Records[1]
	assert.Equal(t, "2", second.Key())
	assert.Equal(t, "Loving", *second.County)
	assert.Equal(t, "Approved", *second.CurrentQueue)
}

func TestReadExportCSV(t *testing.T) {
	t.Parallel()

	csvBody := "\ufeffStatus #,Operator,County,Acres\n906213,ACME (42),REEVES,\"1,280\"\n906214,SHORT\n\n"
	f := &fakeFetcher{pages: map[string]string{"https://rrc.test/export.csv": csvBody}}

	result := newScraper(f).ReadExport(context.Background(), "https://rrc.test/export.csv")
	assert.Contains(t, result.Warning, "skipped 1")
	require.Len(t, result.Records, 1)
	rec := result.Records[0]
	assert.Equal(t, "906213", *rec.StatusNo)
	assert.Equal(t, "42", *rec.OperatorNumber)
	assert.InDelta(t, 1280.0, *rec.Acres, 0)
}

func TestReadExportXLSX(t *testing.T) {
	t.Parallel()

	book := xlsx.NewFile()
	sheet, err := book.AddSheet("Permits")
	require.NoError(t, err)
	for _, values := range [][]string{
		{"Status #", "County", "Section", "Block"},
		{"906213", "REEVES", "12", "56"},
	} {
		row := sheet.AddRow()
		for _, v := range values {
			row.AddCell().SetString(v)
		}
	}
	var buf bytes.Buffer
	require.NoError(t, book.Write(&buf))

	f := &fakeFetcher{pages: map[string]string{"https://rrc.test/download?format=excel": buf.String()}}
	result := newScraper(f).ReadExport(context.Background(), "https://rrc.test/download?format=excel")

	assert.Empty(t, result.Warning)
	require.Len(t, result.Records, 1)
	assert.Equal(t, "12", *result.Records[0].Section)
	assert.Equal(t, "56", *result.Records[0].Block)
}

func TestExtractOverHTTPWithRetries(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if calls.Add(1) == 1 {
			http.Error(w, "busy", http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte(simpleListing))
	}))
	defer srv.Close()

	base := collyfetcher.New(collyfetcher.Config{Timeout: time.Second}, nil)
	retrying := fetcher.NewRetrying(base, []time.Duration{time.Millisecond, time.Millisecond, time.Millisecond}, zap.NewNop())

	result := newScraper(retrying).Extract(context.Background(), srv.URL)
	assert.Empty(t, result.Warning)
	assert.Len(t, result.Records, 1)
	assert.Equal(t, int32(2), calls.Load())
}
