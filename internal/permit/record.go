package permit

import (
	"strconv"
	"time"
)

// Field names a canonical record attribute independent of source header text.
type Field string

// Canonical fields.
const (
	FieldStatusNo           Field = "status_no"
	FieldAPINo              Field = "api_no"
	FieldOperatorName       Field = "operator_name"
	FieldOperatorNumber     Field = "operator_number"
	FieldLeaseName          Field = "lease_name"
	FieldWellNo             Field = "well_no"
	FieldDistrict           Field = "district"
	FieldCounty             Field = "county"
	FieldSection            Field = "section"
	FieldBlock              Field = "block"
	FieldSurvey             Field = "survey"
	FieldAbstractNo         Field = "abstract_no"
	FieldAcres              Field = "acres"
	FieldFieldName          Field = "field_name"
	FieldWellboreProfile    Field = "wellbore_profile"
	FieldTotalDepth         Field = "total_depth"
	FieldReservoirWellCount Field = "reservoir_well_count"
	FieldFilingPurpose      Field = "filing_purpose"
	FieldAmended            Field = "amended"
	FieldStatusDate         Field = "status_date"
	FieldCurrentQueue       Field = "current_queue"
)

// Kind describes how a field's cell text is coerced.
type Kind int

// Field kinds.
const (
	KindText Kind = iota
	KindDate
	KindBool
	KindNumber
)

// CanonicalFields lists every canonical field in schema order.
var CanonicalFields = []Field{
	FieldStatusNo,
	FieldAPINo,
	FieldOperatorName,
	FieldOperatorNumber,
	FieldLeaseName,
	FieldWellNo,
	FieldDistrict,
	FieldCounty,
	FieldSection,
	FieldBlock,
	FieldSurvey,
	FieldAbstractNo,
	FieldAcres,
	FieldFieldName,
	FieldWellboreProfile,
	FieldTotalDepth,
	FieldReservoirWellCount,
	FieldFilingPurpose,
	FieldAmended,
	FieldStatusDate,
	FieldCurrentQueue,
}

// Kind reports the coercion kind of f.
func (f Field) Kind() Kind {
	switch f {
	case FieldStatusDate:
		return KindDate
	case FieldAmended:
		return KindBool
	case FieldAcres, FieldTotalDepth, FieldReservoirWellCount:
		return KindNumber
	default:
		return KindText
	}
}

// DateLayout is the ISO layout dates are stored in.
const DateLayout = "2006-01-02"

// Parse statuses written to enriched records.
const (
	ParseStatusSuccess      = "success"
	ParseStatusManualReview = "manual_review"
	ParseStatusFailed       = "failed"
)

// Record is the normalized view of one filing. Nil fields are unknown.
type Record struct {
	StatusNo           *string  `json:"status_no,omitempty"`
	APINo              *string  `json:"api_no,omitempty"`
	OperatorName       *string  `json:"operator_name,omitempty"`
	OperatorNumber     *string  `json:"operator_number,omitempty"`
	LeaseName          *string  `json:"lease_name,omitempty"`
	WellNo             *string  `json:"well_no,omitempty"`
	District           *string  `json:"district,omitempty"`
	County             *string  `json:"county,omitempty"`
	Section            *string  `json:"section,omitempty"`
	Block              *string  `json:"block,omitempty"`
	Survey             *string  `json:"survey,omitempty"`
	AbstractNo         *string  `json:"abstract_no,omitempty"`
	Acres              *float64 `json:"acres,omitempty"`
	FieldName          *string  `json:"field_name,omitempty"`
	WellboreProfile    *string  `json:"wellbore_profile,omitempty"`
	TotalDepth         *float64 `json:"total_depth,omitempty"`
	ReservoirWellCount *float64 `json:"reservoir_well_count,omitempty"`
	FilingPurpose      *string  `json:"filing_purpose,omitempty"`
	Amended            *bool    `json:"amended,omitempty"`
	StatusDate         *string  `json:"status_date,omitempty"`
	CurrentQueue       *string  `json:"current_queue,omitempty"`

	// Enrichment bookkeeping.
	DetailURL      *string    `json:"detail_url,omitempty"`
	PDFURL         *string    `json:"pdf_url,omitempty"`
	TextSnippet    *string    `json:"text_snippet,omitempty"`
	ParseStatus    *string    `json:"parse_status,omitempty"`
	Confidence     *float64   `json:"confidence,omitempty"`
	LastEnrichedAt *time.Time `json:"last_enriched_at,omitempty"`
}

func (r *Record) textSlot(f Field) **string {
	switch f {
	case FieldStatusNo:
		return &r.StatusNo
	case FieldAPINo:
		return &r.APINo
	case FieldOperatorName:
		return &r.OperatorName
	case FieldOperatorNumber:
		return &r.OperatorNumber
	case FieldLeaseName:
		return &r.LeaseName
	case FieldWellNo:
		return &r.WellNo
	case FieldDistrict:
		return &r.District
	case FieldCounty:
		return &r.County
	case FieldSection:
		return &r.Section
	case FieldBlock:
		return &r.Block
	case FieldSurvey:
		return &r.Survey
	case FieldAbstractNo:
		return &r.AbstractNo
	case FieldFieldName:
		return &r.FieldName
	case FieldWellboreProfile:
		return &r.WellboreProfile
	case FieldFilingPurpose:
		return &r.FilingPurpose
	case FieldStatusDate:
		return &r.StatusDate
	case FieldCurrentQueue:
		return &r.CurrentQueue
	}
	return nil
}

func (r *Record) numberSlot(f Field) **float64 {
	switch f {
	case FieldAcres:
		return &r.Acres
	case FieldTotalDepth:
		return &r.TotalDepth
	case FieldReservoirWellCount:
		return &r.ReservoirWellCount
	}
	return nil
}

// SetText stores a text or ISO date value. It reports false when f is not text-valued.
func (r *Record) SetText(f Field, v string) bool {
	slot := r.textSlot(f)
	if slot == nil {
		return false
	}
	*slot = &v
	return true
}

// SetNumber stores a numeric value. It reports false when f is not numeric.
func (r *Record) SetNumber(f Field, v float64) bool {
	slot := r.numberSlot(f)
	if slot == nil {
		return false
	}
	*slot = &v
	return true
}

// SetBool stores a boolean value. It reports false when f is not boolean.
func (r *Record) SetBool(f Field, v bool) bool {
	if f != FieldAmended {
		return false
	}
	r.Amended = &v
	return true
}

// Value renders the field as text; ok is false when the field is null.
func (r Record) Value(f Field) (string, bool) {
	if slot := r.textSlot(f); slot != nil {
		if *slot == nil {
			return "", false
		}
		return **slot, true
	}
	if slot := r.numberSlot(f); slot != nil {
		if *slot == nil {
			return "", false
		}
		return strconv.FormatFloat(**slot, 'f', -1, 64), true
	}
	if f == FieldAmended && r.Amended != nil {
		return strconv.FormatBool(*r.Amended), true
	}
	return "", false
}

// Key returns the status number, or "" when unknown.
func (r Record) Key() string {
	if r.StatusNo == nil {
		return ""
	}
	return *r.StatusNo
}

// Fields returns the non-null canonical fields keyed by name.
func (r Record) Fields() map[string]string {
	out := make(map[string]string)
	for _, f := range CanonicalFields {
		if v, ok := r.Value(f); ok {
			out[string(f)] = v
		}
	}
	return out
}

// RawRow renders the record back into a row keyed by canonical field names.
func (r Record) RawRow() RawRow {
	row := make(RawRow, 0, len(CanonicalFields))
	for _, f := range CanonicalFields {
		if v, ok := r.Value(f); ok {
			row = append(row, Cell{Header: string(f), Text: v})
		}
	}
	return row
}

// Merge overlays the non-null fields of c onto r. Known values are never replaced by null.
func (r Record) Merge(c Record) Record {
	out := r
	for _, f := range CanonicalFields {
		if slot := c.textSlot(f); slot != nil && *slot != nil {
			out.SetText(f, **slot)
		}
		if slot := c.numberSlot(f); slot != nil && *slot != nil {
			out.SetNumber(f, **slot)
		}
	}
	if c.Amended != nil {
		out.SetBool(FieldAmended, *c.Amended)
	}
	out.DetailURL = pick(c.DetailURL, r.DetailURL)
	out.PDFURL = pick(c.PDFURL, r.PDFURL)
	out.TextSnippet = pick(c.TextSnippet, r.TextSnippet)
	out.ParseStatus = pick(c.ParseStatus, r.ParseStatus)
	out.Confidence = pick(c.Confidence, r.Confidence)
	out.LastEnrichedAt = pick(c.LastEnrichedAt, r.LastEnrichedAt)
	return out
}

func pick[T any](preferred, fallback *T) *T {
	if preferred != nil {
		v := *preferred
		return &v
	}
	if fallback != nil {
		v := *fallback
		return &v
	}
	return nil
}

// Cell is one header/text pair of a scraped row.
type Cell struct {
	Header string
	Text   string
}

// RawRow is an ordered mapping of source column header to cell text.
type RawRow []Cell

// Ptr returns a pointer to v.
func Ptr[T any](v T) *T {
	return &v
}
