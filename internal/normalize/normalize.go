package normalize

import (
	"math"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/JakeFAU/permit-crawler/internal/permit"
)

// dateLayouts are tried in order; the first successful parse wins.
var dateLayouts = []string{
	permit.DateLayout,
	"01/02/2006",
	"1/2/2006",
	"01/02/06",
	"1/2/06",
	"01-02-2006",
	"2006/01/02",
	"Jan 2, 2006",
	"January 2, 2006",
	"02-Jan-2006",
	"2-Jan-06",
	time.RFC3339,
	"2006-01-02 15:04:05",
	"01/02/2006 15:04:05",
	"1/2/2006 3:04:05 PM",
	"1/2/2006 3:04 PM",
}

var operatorSuffix = regexp.MustCompile(`^(.*?)\s*\(\s*(\d+)\s*\)\s*$`)

// Normalize maps a raw row onto a canonical record. Unmatched headers are ignored and
// cells that fail coercion leave their field null.
func Normalize(row permit.RawRow) permit.Record {
	var rec permit.Record
	var suffixNumber string
	for _, cell := range row {
		field, ok := HeaderField(cell.Header)
		if !ok {
			continue
		}
		text := cleanText(cell.Text)
		if text == "" {
			continue
		}
		switch field.Kind() {
		case permit.KindDate:
			if iso, ok := ParseDate(text); ok {
				rec.SetText(field, iso)
			}
		case permit.KindBool:
			rec.SetBool(field, ParseBool(text))
		case permit.KindNumber:
			if v, ok := ParseNumber(text); ok {
				rec.SetNumber(field, v)
			}
		default:
			if field == permit.FieldOperatorName {
				name, number := SplitOperator(text)
				if number != "" {
					suffixNumber = number
				}
				if name == "" {
					continue
				}
				text = name
			}
			rec.SetText(field, text)
		}
	}
	if rec.OperatorNumber == nil && suffixNumber != "" {
		rec.SetText(permit.FieldOperatorNumber, suffixNumber)
	}
	return rec
}

// ParseDate returns the ISO form of s using the accepted layouts.
func ParseDate(s string) (string, bool) {
	s = strings.TrimSpace(s)
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.Format(permit.DateLayout), true
		}
	}
	return "", false
}

// ParseBool accepts yes, y, true and 1 (any case) as true.
func ParseBool(s string) bool {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "yes", "y", "true", "1":
		return true
	default:
		return false
	}
}

// ParseNumber strips thousands separators and parses a finite float.
func ParseNumber(s string) (float64, bool) {
	s = strings.ReplaceAll(strings.TrimSpace(s), ",", "")
	if s == "" {
		return 0, false
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, false
	}
	return v, true
}

// SplitOperator separates a trailing "(123456)" operator number from the name.
func SplitOperator(s string) (name, number string) {
	s = cleanText(s)
	m := operatorSuffix.FindStringSubmatch(s)
	if m == nil {
		return s, ""
	}
	return strings.TrimSpace(m[1]), m[2]
}

func cleanText(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
