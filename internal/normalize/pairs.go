package normalize

import (
	"regexp"
	"strings"
	"unicode"

	"github.com/PuerkitoBio/goquery"

	"github.com/JakeFAU/permit-crawler/internal/permit"
)

var labelToken = regexp.MustCompile(`([A-Za-z][A-Za-z0-9 #./]*?)\s*:`)

const blockElements = "p,div,li,tr,td,th,dt,dd,h1,h2,h3,h4,h5,h6,table,section"

// PairsFromHTML collects label/value pairs from a detail page. It understands
// th/td and td/td table layouts, dt/dd lists, and "Label: value" text.
func PairsFromHTML(doc *goquery.Document) permit.RawRow {
	var row permit.RawRow
	doc.Find("tr").Each(func(_ int, tr *goquery.Selection) {
		cells := tr.ChildrenFiltered("th,td")
		for i := 0; i+1 < cells.Length(); i++ {
			label := cells.Eq(i).Text()
			if _, ok := HeaderField(label); !ok {
				continue
			}
			row = append(row, permit.Cell{Header: cleanText(label), Text: cells.Eq(i + 1).Text()})
			i++
		}
	})
	doc.Find("dt").Each(func(_ int, dt *goquery.Selection) {
		dd := dt.NextFiltered("dd")
		if dd.Length() == 0 {
			return
		}
		label := dt.Text()
		if _, ok := HeaderField(label); ok {
			row = append(row, permit.Cell{Header: cleanText(label), Text: dd.Text()})
		}
	})

	body := doc.Find("body").Clone()
	if body.Length() == 0 {
		body = doc.Selection.Clone()
	}
	body.Find("script,style").Remove()
	body.Find("br").ReplaceWithHtml("\n")
	body.Find(blockElements).AppendHtml("\n")
	return append(row, PairsFromText(body.Text())...)
}

// PairsFromText collects "Label: value" pairs from plain text such as pdftotext
// output. Several pairs may share a line.
func PairsFromText(text string) permit.RawRow {
	var row permit.RawRow
	for _, line := range strings.Split(text, "\n") {
		row = append(row, linePairs(line)...)
	}
	return row
}

type labelSpan struct {
	label string
	start int
	end   int
}

func linePairs(line string) permit.RawRow {
	var spans []labelSpan
	for _, m := range labelToken.FindAllStringSubmatchIndex(line, -1) {
		label, offset, ok := recognizedSuffix(line[m[2]:m[3]])
		if !ok {
			continue
		}
		spans = append(spans, labelSpan{label: label, start: m[2] + offset, end: m[1]})
	}
	var row permit.RawRow
	for i, span := range spans {
		stop := len(line)
		if i+1 < len(spans) {
			stop = spans[i+1].start
		}
		value := strings.TrimSpace(line[span.end:stop])
		if value == "" {
			continue
		}
		row = append(row, permit.Cell{Header: span.label, Text: value})
	}
	return row
}

// recognizedSuffix finds the longest trailing run of words in s that is a known header.
func recognizedSuffix(s string) (string, int, bool) {
	for i := 0; i < len(s); i++ {
		if i > 0 && !(unicode.IsSpace(rune(s[i-1])) && !unicode.IsSpace(rune(s[i]))) {
			continue
		}
		if _, ok := HeaderField(s[i:]); ok {
			return strings.TrimSpace(s[i:]), i, true
		}
	}
	return "", 0, false
}
