// Package strategy implements the automated extraction strategies for permit detail pages.
//
// Every strategy follows the same flow: fetch the detail page, read its
// label/value pairs, then try the linked permit PDF and read its text. What
// differs is the session, the user agent, the renderer and how hard each
// strategy works to find a usable PDF.
package strategy

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync/atomic"

	"github.com/PuerkitoBio/goquery"
	"go.uber.org/zap"

	"github.com/JakeFAU/permit-crawler/internal/dispatcher"
	"github.com/JakeFAU/permit-crawler/internal/listing"
	"github.com/JakeFAU/permit-crawler/internal/normalize"
	"github.com/JakeFAU/permit-crawler/internal/permit"
)

// Baselines are the confidence hints each strategy attaches to its candidates.
const (
	StandardBaseline        = 0.5
	StandardPDFBaseline     = 0.8
	FreshSessionBaseline    = 0.9
	AlternativePDFBaseline  = 0.7
	AlternativeHTMLBaseline = 0.4
)

// DefaultSnippetChars bounds the text snippet kept from a PDF.
const DefaultSnippetChars = 500

// DefaultAlternateAgents are rotated by the alternative PDF strategy.
var DefaultAlternateAgents = []string{
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0 Safari/537.36",
	"Mozilla/5.0 (Macintosh; Intel Mac OS X 14_4) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/17.4 Safari/605.1.15",
	"Mozilla/5.0 (X11; Linux x86_64; rv:125.0) Gecko/20100101 Firefox/125.0",
}

// Options configure a page strategy.
type Options struct {
	PDF          permit.PDFExtractor
	SnippetChars int
	Logger       *zap.Logger
}

// Promoter decides whether a plainly fetched detail page needs a headless render.
type Promoter interface {
	ShouldPromote(resp permit.FetchResponse) bool
}

type page struct {
	name string
	// session returns the fetcher for one attempt; PDFs are fetched through it too.
	session func() (permit.Fetcher, error)
	// renderer re-fetches the detail page headlessly when promoter asks for it.
	renderer    permit.Fetcher
	promoter    Promoter
	agent       func() string
	allPDFs     bool
	baseline    float64
	pdfBaseline float64
	opts        Options
}

// Standard fetches through the shared session.
func Standard(shared permit.Fetcher, opts Options) dispatcher.Strategy {
	return &page{
		name:        "standard",
		session:     func() (permit.Fetcher, error) { return shared, nil },
		agent:       func() string { return "" },
		baseline:    StandardBaseline,
		pdfBaseline: StandardPDFBaseline,
		opts:        withDefaults(opts),
	}
}

// FreshSession fetches through a brand-new isolated session on every attempt.
func FreshSession(sessions permit.SessionFetcher, opts Options) dispatcher.Strategy {
	return &page{
		name:        "fresh_session",
		session:     sessions.Isolated,
		agent:       func() string { return "" },
		baseline:    FreshSessionBaseline,
		pdfBaseline: FreshSessionBaseline,
		opts:        withDefaults(opts),
	}
}

// AlternativePDF rotates user agents and tries every PDF link it finds.
// When renderer is set, a detail page that fails to load, yields no
// label/value pairs or is flagged by promoter is re-fetched through it.
// Detail-page data alone is accepted at a lower baseline.
func AlternativePDF(
	fetcher, renderer permit.Fetcher,
	promoter Promoter,
	agents []string,
	opts Options,
) dispatcher.Strategy {
	if len(agents) == 0 {
		agents = DefaultAlternateAgents
	}
	rotation := append([]string(nil), agents...)
	var next atomic.Uint64
	return &page{
		name:    "alternative_pdf",
		session:  func() (permit.Fetcher, error) { return fetcher, nil },
		renderer: renderer,
		promoter: promoter,
		agent: func() string {
			return rotation[(next.Add(1)-1)%uint64(len(rotation))]
		},
		allPDFs:     true,
		baseline:    AlternativeHTMLBaseline,
		pdfBaseline: AlternativePDFBaseline,
		opts:        withDefaults(opts),
	}
}

func withDefaults(opts Options) Options {
	if opts.SnippetChars <= 0 {
		opts.SnippetChars = DefaultSnippetChars
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return opts
}

// Extract runs one attempt against target.
func (p *page) Extract(ctx context.Context, target dispatcher.Target) (dispatcher.Candidate, error) {
	if target.DetailURL == "" {
		return dispatcher.Candidate{}, fmt.Errorf("%s: no detail url for %s", p.name, target.StatusNo)
	}
	base, err := url.Parse(target.DetailURL)
	if err != nil {
		return dispatcher.Candidate{}, fmt.Errorf("%s: parse detail url: %w", p.name, err)
	}
	session, err := p.session()
	if err != nil {
		return dispatcher.Candidate{}, fmt.Errorf("%s: open session: %w", p.name, err)
	}
	agent := p.agent()
	logger := p.opts.Logger.With(
		zap.String("strategy", p.name),
		zap.String("status_no", target.StatusNo),
	)

	resp, doc, err := p.fetchDetail(ctx, session, permit.FetchRequest{URL: target.DetailURL, UserAgent: agent}, logger)
	if err != nil {
		return dispatcher.Candidate{}, fmt.Errorf("%s: %w", p.name, err)
	}

	cand := dispatcher.Candidate{
		Record: normalize.Normalize(normalize.PairsFromHTML(doc)),
		Artifacts: []dispatcher.Artifact{{
			Kind:        "detail",
			URL:         target.DetailURL,
			ContentType: "text/html",
			Body:        resp.Body,
		}},
	}
	detailFound := len(cand.Record.Fields()) > 0

	links := listing.FindPDFLinks(doc, base)
	if !p.allPDFs && len(links) > 1 {
		links = links[:1]
	}
	pdfFound := false
	for _, link := range links {
		rec, text, body, err := p.readPDF(ctx, session, link, agent)
		if err != nil {
			logger.Info("pdf unavailable", zap.String("pdf_url", link), zap.Error(err))
			continue
		}
		cand.Artifacts = append(cand.Artifacts, dispatcher.Artifact{
			Kind:        "pdf",
			URL:         link,
			ContentType: "application/pdf",
			Body:        body,
		})
		cand.PDFURL = link
		cand.Snippet = snippet(text, p.opts.SnippetChars)
		if len(rec.Fields()) == 0 {
			continue
		}
		cand.Record = cand.Record.Merge(rec)
		pdfFound = true
		break
	}

	switch {
	case pdfFound:
		cand.Baseline = p.pdfBaseline
	case detailFound:
		cand.Baseline = p.baseline
	default:
		return dispatcher.Candidate{}, fmt.Errorf("%s: %s: %w", p.name, target.StatusNo, permit.ErrNoDetailData)
	}
	logger.Debug("candidate extracted",
		zap.Bool("pdf", pdfFound),
		zap.Int("fields", len(cand.Record.Fields())),
		zap.Float64("baseline", cand.Baseline),
	)
	return cand, nil
}

// fetchDetail loads and parses the detail page, falling back to the renderer
// when one is configured and the plain response is unusable.
func (p *page) fetchDetail(
	ctx context.Context,
	session permit.Fetcher,
	req permit.FetchRequest,
	logger *zap.Logger,
) (permit.FetchResponse, *goquery.Document, error) {
	resp, fetchErr := session.Fetch(ctx, req)
	var doc *goquery.Document
	if fetchErr == nil {
		parsed, err := goquery.NewDocumentFromReader(bytes.NewReader(resp.Body))
		if err != nil {
			return permit.FetchResponse{}, nil, fmt.Errorf("parse detail page: %w", err)
		}
		doc = parsed
		if p.renderer == nil || !p.needsRender(resp, doc) {
			return resp, doc, nil
		}
	} else if p.renderer == nil {
		return permit.FetchResponse{}, nil, fmt.Errorf("fetch detail page: %w", fetchErr)
	}

	logger.Info("rendering detail page headlessly", zap.NamedError("plain_error", fetchErr))
	rendered, err := p.renderer.Fetch(ctx, req)
	if err != nil {
		if doc != nil {
			logger.Warn("headless render failed, keeping plain page", zap.Error(err))
			return resp, doc, nil
		}
		return permit.FetchResponse{}, nil, fmt.Errorf("fetch detail page: %w", fetchErr)
	}
	renderedDoc, err := goquery.NewDocumentFromReader(bytes.NewReader(rendered.Body))
	if err != nil {
		return permit.FetchResponse{}, nil, fmt.Errorf("parse rendered detail page: %w", err)
	}
	return rendered, renderedDoc, nil
}

func (p *page) needsRender(resp permit.FetchResponse, doc *goquery.Document) bool {
	if p.promoter != nil && p.promoter.ShouldPromote(resp) {
		return true
	}
	return len(normalize.PairsFromHTML(doc)) == 0
}

func (p *page) readPDF(ctx context.Context, f permit.Fetcher, link, agent string) (permit.Record, string, []byte, error) {
	if p.opts.PDF == nil {
		return permit.Record{}, "", nil, errors.New("no pdf extractor configured")
	}
	resp, err := f.Fetch(ctx, permit.FetchRequest{URL: link, UserAgent: agent})
	if err != nil {
		return permit.Record{}, "", nil, err
	}
	text, err := p.opts.PDF.ExtractText(ctx, resp.Body)
	if err != nil {
		return permit.Record{}, "", resp.Body, err
	}
	return normalize.Normalize(normalize.PairsFromText(text)), text, resp.Body, nil
}

func snippet(text string, limit int) string {
	s := strings.Join(strings.Fields(text), " ")
	r := []rune(s)
	if len(r) > limit {
		return string(r[:limit])
	}
	return s
}
