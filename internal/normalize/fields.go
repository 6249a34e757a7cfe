// Package normalize maps free-text source headers and cells onto canonical permit fields.
package normalize

import (
	"strings"

	"github.com/JakeFAU/permit-crawler/internal/permit"
)

type synonymRule struct {
	field permit.Field
	names []string
}

// synonyms is ordered; the first rule naming a header wins.
var synonyms = []synonymRule{
	{permit.FieldStatusNo, []string{"status no", "status number", "status #", "permit", "permit #", "permit no", "permit number", "status_no"}},
	{permit.FieldAPINo, []string{"api", "api no", "api #", "api number", "api_no"}},
	{permit.FieldOperatorName, []string{"operator", "operator name", "operator name/number", "operator_name"}},
	{permit.FieldOperatorNumber, []string{"operator no", "operator number", "operator #", "operator_number"}},
	{permit.FieldLeaseName, []string{"lease", "lease name", "lease_name"}},
	{permit.FieldWellNo, []string{"well", "well #", "well no", "well number", "well_no"}},
	{permit.FieldDistrict, []string{"district", "dist", "rrc district"}},
	{permit.FieldCounty, []string{"county", "county name"}},
	{permit.FieldSection, []string{"section", "sec"}},
	{permit.FieldBlock, []string{"block", "blk"}},
	{permit.FieldSurvey, []string{"survey", "survey name"}},
	{permit.FieldAbstractNo, []string{"abstract", "abstract #", "abstract no", "abstract number", "abst", "abstract_no"}},
	{permit.FieldAcres, []string{"acres", "lease acres", "acreage", "total acres"}},
	{permit.FieldFieldName, []string{"field", "field name", "field_name"}},
	{permit.FieldWellboreProfile, []string{"wellbore profile", "wellbore", "profile", "wellbore_profile"}},
	{permit.FieldTotalDepth, []string{"total depth", "depth", "td", "total_depth"}},
	{permit.FieldReservoirWellCount, []string{"reservoir well count", "well count", "wells in reservoir", "reservoir_well_count"}},
	{permit.FieldFilingPurpose, []string{"filing purpose", "purpose", "purpose of filing", "filing_purpose"}},
	{permit.FieldAmended, []string{"amend", "amended", "amendment", "amended?"}},
	{permit.FieldStatusDate, []string{"status date", "date", "filed", "date filed", "filing date", "submitted", "submitted date", "status_date"}},
	{permit.FieldCurrentQueue, []string{"current queue", "queue", "status", "current status", "current_queue"}},
}

// HeaderField maps a free-text header to its canonical field.
func HeaderField(header string) (permit.Field, bool) {
	key := normalizeHeader(header)
	if key == "" {
		return "", false
	}
	for _, rule := range synonyms {
		for _, name := range rule.names {
			if key == name {
				return rule.field, true
			}
		}
	}
	return "", false
}

func normalizeHeader(h string) string {
	h = strings.ToLower(h)
	h = strings.ReplaceAll(h, ".", "")
	h = strings.Join(strings.Fields(h), " ")
	h = strings.TrimRight(h, ": ")
	return h
}
