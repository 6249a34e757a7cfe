package listing

import (
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

var exportMarkers = []string{"csv", "excel", "xls", "download", "export"}

// FindExportLink returns the first anchor that looks like a bulk CSV/Excel export.
func FindExportLink(doc *goquery.Document, base *url.URL) string {
	var found string
	doc.Find("a[href]").EachWithBreak(func(_ int, a *goquery.Selection) bool {
		href, _ := a.Attr("href")
		if matchesAny(strings.ToLower(href), exportMarkers) || matchesAny(strings.ToLower(a.Text()), exportMarkers) {
			found = resolve(base, href)
		}
		return found == ""
	})
	return found
}

// FindPDFLinks returns every distinct anchor pointing at a PDF, in page order.
func FindPDFLinks(doc *goquery.Document, base *url.URL) []string {
	var out []string
	seen := make(map[string]struct{})
	doc.Find("a[href]").Each(func(_ int, a *goquery.Selection) {
		href, _ := a.Attr("href")
		lowerHref := strings.ToLower(href)
		if !strings.Contains(lowerHref, ".pdf") && !strings.Contains(strings.ToLower(a.Text()), "pdf") {
			return
		}
		link := resolve(base, href)
		if link == "" {
			return
		}
		if _, ok := seen[link]; ok {
			return
		}
		seen[link] = struct{}{}
		out = append(out, link)
	})
	return out
}

// FindNextLink returns the pagination link to the following page, if any.
func FindNextLink(doc *goquery.Document, base *url.URL) string {
	if href, ok := doc.Find(`a[rel="next"]`).First().Attr("href"); ok {
		return resolve(base, href)
	}
	var found string
	doc.Find("a[href]").EachWithBreak(func(_ int, a *goquery.Selection) bool {
		text := strings.ToLower(strings.TrimSpace(a.Text()))
		if strings.HasPrefix(text, "next") || text == "»" || text == ">" {
			href, _ := a.Attr("href")
			found = resolve(base, href)
		}
		return found == ""
	})
	return found
}

func matchesAny(s string, markers []string) bool {
	for _, m := range markers {
		if strings.Contains(s, m) {
			return true
		}
	}
	return false
}

func resolve(base *url.URL, href string) string {
	href = strings.TrimSpace(href)
	if href == "" || strings.HasPrefix(strings.ToLower(href), "javascript:") || strings.HasPrefix(href, "#") {
		return ""
	}
	ref, err := url.Parse(href)
	if err != nil {
		return ""
	}
	if base == nil {
		return ref.String()
	}
	return base.ResolveReference(ref).String()
}
