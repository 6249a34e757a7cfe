// Package permitsql builds the SQL shared by the relational record stores.
package permitsql

import (
	"fmt"
	"regexp"
	"strings"

	sq "github.com/Masterminds/squirrel"

	"github.com/JakeFAU/permit-crawler/internal/permit"
)

// DefaultTable is used when no table name is configured.
const DefaultTable = "permits"

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

var bookkeeping = []string{
	"detail_url",
	"pdf_url",
	"text_snippet",
	"parse_status",
	"confidence",
	"last_enriched_at",
}

// Columns lists every persisted column in scan order.
func Columns() []string {
	cols := make([]string, 0, len(permit.CanonicalFields)+len(bookkeeping))
	for _, f := range permit.CanonicalFields {
		cols = append(cols, string(f))
	}
	return append(cols, bookkeeping...)
}

// Table validates name and falls back to DefaultTable when empty.
func Table(name string) (string, error) {
	if name == "" {
		return DefaultTable, nil
	}
	if !validTableName.MatchString(name) {
		return "", fmt.Errorf("invalid table name %q", name)
	}
	return name, nil
}

// Values returns rec's column values in Columns order; null fields are nil.
func Values(rec permit.Record) []any {
	out := make([]any, 0, len(permit.CanonicalFields)+len(bookkeeping))
	for _, f := range permit.CanonicalFields {
		out = append(out, fieldValue(rec, f))
	}
	return append(out,
		deref(rec.DetailURL),
		deref(rec.PDFURL),
		deref(rec.TextSnippet),
		deref(rec.ParseStatus),
		deref(rec.Confidence),
		deref(rec.LastEnrichedAt),
	)
}

func fieldValue(rec permit.Record, f permit.Field) any {
	switch f.Kind() {
	case permit.KindNumber:
		switch f {
		case permit.FieldAcres:
			return deref(rec.Acres)
		case permit.FieldTotalDepth:
			return deref(rec.TotalDepth)
		case permit.FieldReservoirWellCount:
			return deref(rec.ReservoirWellCount)
		}
	case permit.KindBool:
		return deref(rec.Amended)
	}
	v, ok := rec.Value(f)
	if !ok {
		return nil
	}
	return v
}

func deref[T any](p *T) any {
	if p == nil {
		return nil
	}
	return *p
}

// Targets returns scan destinations for rec in Columns order.
func Targets(rec *permit.Record) []any {
	return []any{
		&rec.StatusNo,
		&rec.APINo,
		&rec.OperatorName,
		&rec.OperatorNumber,
		&rec.LeaseName,
		&rec.WellNo,
		&rec.District,
		&rec.County,
		&rec.Section,
		&rec.Block,
		&rec.Survey,
		&rec.AbstractNo,
		&rec.Acres,
		&rec.FieldName,
		&rec.WellboreProfile,
		&rec.TotalDepth,
		&rec.ReservoirWellCount,
		&rec.FilingPurpose,
		&rec.Amended,
		&rec.StatusDate,
		&rec.CurrentQueue,
		&rec.DetailURL,
		&rec.PDFURL,
		&rec.TextSnippet,
		&rec.ParseStatus,
		&rec.Confidence,
		&rec.LastEnrichedAt,
	}
}

// Upsert builds an insert that merges into an existing row. Stored values are
// only replaced by non-null incoming values.
func Upsert(table string, ph sq.PlaceholderFormat, rec permit.Record) (string, []any, error) {
	if rec.Key() == "" {
		return "", nil, fmt.Errorf("upsert %s: status number is required", table)
	}
	cols := Columns()
	updates := make([]string, 0, len(cols)-1)
	for _, c := range cols[1:] {
		updates = append(updates, fmt.Sprintf("%s = COALESCE(EXCLUDED.%s, %s.%s)", c, c, table, c))
	}
	query, args, err := sq.Insert(table).
		Columns(cols...).
		Values(Values(rec)...).
		Suffix("ON CONFLICT (" + cols[0] + ") DO UPDATE SET " + strings.Join(updates, ", ")).
		PlaceholderFormat(ph).
		ToSql()
	if err != nil {
		return "", nil, fmt.Errorf("build upsert: %w", err)
	}
	return query, args, nil
}

// Select builds the lookup of one record by status number.
func Select(table string, ph sq.PlaceholderFormat, statusNo string) (string, []any, error) {
	query, args, err := sq.Select(Columns()...).
		From(table).
		Where(sq.Eq{string(permit.FieldStatusNo): statusNo}).
		PlaceholderFormat(ph).
		ToSql()
	if err != nil {
		return "", nil, fmt.Errorf("build select: %w", err)
	}
	return query, args, nil
}

// Schema returns the CREATE TABLE statement for table. timeType and boolType
// carry the dialect's column types.
func Schema(table, timeType, boolType string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "CREATE TABLE IF NOT EXISTS %s (\n", table)
	for _, c := range Columns() {
		fmt.Fprintf(&b, "\t%s %s,\n", c, columnType(c, timeType, boolType))
	}
	fmt.Fprintf(&b, "\tPRIMARY KEY (%s)\n)", permit.FieldStatusNo)
	return b.String()
}

func columnType(col, timeType, boolType string) string {
	switch col {
	case "confidence":
		return "DOUBLE PRECISION"
	case "last_enriched_at":
		return timeType
	}
	switch permit.Field(col).Kind() {
	case permit.KindNumber:
		return "DOUBLE PRECISION"
	case permit.KindBool:
		return boolType
	}
	if col == string(permit.FieldStatusNo) {
		return "TEXT NOT NULL"
	}
	return "TEXT"
}
