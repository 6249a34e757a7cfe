// Package confidence scores how complete a candidate permit record is.
package confidence

import (
	"strings"

	"github.com/JakeFAU/permit-crawler/internal/permit"
)

// QualityFields are the hard-to-obtain attributes the base score is computed over.
var QualityFields = []permit.Field{
	permit.FieldSection,
	permit.FieldBlock,
	permit.FieldSurvey,
	permit.FieldAbstractNo,
	permit.FieldAcres,
	permit.FieldFieldName,
	permit.FieldReservoirWellCount,
}

var locationFields = []permit.Field{permit.FieldSection, permit.FieldBlock, permit.FieldSurvey}

// Params tunes the bonus and penalty applied on top of the base score.
type Params struct {
	LocationBonus float64 `mapstructure:"location_bonus"`
	PenaltyFactor float64 `mapstructure:"penalty_factor"`
	Placeholder   string  `mapstructure:"placeholder"`
}

// DefaultParams returns the stock tuning.
func DefaultParams() Params {
	return Params{
		LocationBonus: 0.2,
		PenaltyFactor: 0.5,
		Placeholder:   "N/A",
	}
}

// Scorer is a pure function of a record; it holds only its tuning.
type Scorer struct {
	params Params
}

// New builds a Scorer.
func New(params Params) Scorer {
	return Scorer{params: params}
}

// Score returns a value in [0,1].
//
// The base is the fraction of QualityFields present. Any location field adds the
// bonus and the result is clamped. When section and block both hold the placeholder
// the clamped score is multiplied by the penalty factor.
func (s Scorer) Score(rec permit.Record) float64 {
	present := 0
	for _, f := range QualityFields {
		if has(rec, f) {
			present++
		}
	}
	score := float64(present) / float64(len(QualityFields))

	for _, f := range locationFields {
		if has(rec, f) {
			score += s.params.LocationBonus
			break
		}
	}
	score = clamp(score)

	if s.isPlaceholder(rec, permit.FieldSection) && s.isPlaceholder(rec, permit.FieldBlock) {
		score *= s.params.PenaltyFactor
	}
	return clamp(score)
}

func (s Scorer) isPlaceholder(rec permit.Record, f permit.Field) bool {
	v, ok := rec.Value(f)
	if !ok || s.params.Placeholder == "" {
		return false
	}
	return strings.EqualFold(strings.TrimSpace(v), s.params.Placeholder)
}

func has(rec permit.Record, f permit.Field) bool {
	v, ok := rec.Value(f)
	return ok && strings.TrimSpace(v) != ""
}

func clamp(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}
