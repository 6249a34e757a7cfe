// Package detector decides when a plainly fetched detail page must be
// re-fetched with a headless browser.
package detector

import (
	"bytes"
	"net/http"
	"strings"

	"github.com/JakeFAU/permit-crawler/internal/permit"
)

// DefaultBodyLengthThreshold is the size below which script-heavy pages are promoted.
const DefaultBodyLengthThreshold = 2048

// Heuristic promotes pages that look like client-rendered shells.
type Heuristic struct {
	BodyLengthThreshold int
}

// NewHeuristic creates a detector. A non-positive threshold uses the default.
func NewHeuristic(threshold int) *Heuristic {
	if threshold <= 0 {
		threshold = DefaultBodyLengthThreshold
	}
	return &Heuristic{BodyLengthThreshold: threshold}
}

var shellMarkers = [][]byte{
	[]byte("__next"),
	[]byte(`id="root"`),
	[]byte(`id="app"`),
	[]byte("data-reactroot"),
	[]byte("ng-version"),
	[]byte("enable javascript"),
	[]byte("requires javascript"),
}

// ShouldPromote reports whether resp needs a headless render. Only 200
// responses are considered.
func (h *Heuristic) ShouldPromote(resp permit.FetchResponse) bool {
	if resp.StatusCode != http.StatusOK {
		return false
	}
	body := resp.Body
	if len(bytes.TrimSpace(body)) == 0 {
		return true
	}
	if len(body) < h.BodyLengthThreshold && scriptShare(body) >= 25 {
		return true
	}
	lower := bytes.ToLower(body)
	for _, marker := range shellMarkers {
		if bytes.Contains(lower, marker) {
			return true
		}
	}
	return false
}

// scriptShare returns the percentage of body covered by <script> elements.
// An unterminated tag or element runs to the end of the document.
func scriptShare(body []byte) int {
	lower := strings.ToLower(string(body))
	total := len(lower)
	if total == 0 {
		return 0
	}

	covered := 0
	for pos := 0; pos < total; {
		rel := strings.Index(lower[pos:], "<script")
		if rel < 0 {
			break
		}
		start := pos + rel
		end := total
		if gt := strings.IndexByte(lower[start:], '>'); gt >= 0 {
			content := start + gt + 1
			if closing := strings.Index(lower[content:], "</script>"); closing >= 0 {
				end = content + closing + len("</script>")
			}
		}
		covered += end - start
		pos = end
	}
	return covered * 100 / total
}
