package permit

import (
	"context"
	"errors"
	"fmt"
	"syscall"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMergeKeepsKnownValues(t *testing.T) {
	t.Parallel()

	stored := Record{
		StatusNo: Ptr("906213"),
		County:   Ptr("Reeves"),
		Acres:    Ptr(640.0),
	}
	candidate := Record{
		Section: Ptr("12"),
		Acres:   Ptr(320.5),
		Amended: Ptr(true),
	}

	merged := stored.Merge(candidate)
	require.NotNil(t, merged.County)
	assert.Equal(t, "Reeves", *merged.County)
	assert.Equal(t, "12", *merged.Section)
	assert.InDelta(t, 320.5, *merged.Acres, 0)
	assert.True(t, *merged.Amended)
	assert.Equal(t, "906213", merged.Key())

	*candidate.Section = "99"
	assert.Equal(t, "12", *merged.Section, "merge must not alias candidate values")
}

func TestFieldsAndRawRow(t *testing.T) {
	t.Parallel()

	rec := Record{
		StatusNo:   Ptr("12345"),
		TotalDepth: Ptr(12000.0),
		Amended:    Ptr(false),
		StatusDate: Ptr("2024-03-01"),
	}

	assert.Equal(t, map[string]string{
		"status_no":   "12345",
		"total_depth": "12000",
		"amended":     "false",
		"status_date": "2024-03-01",
	}, rec.Fields())

	row := rec.RawRow()
	require.Len(t, row, 4)
	assert.Equal(t, Cell{Header: "status_no", Text: "12345"}, row[0])
}

func TestSettersRejectWrongKind(t *testing.T) {
	t.Parallel()

	var rec Record
	assert.False(t, rec.SetNumber(FieldCounty, 1))
	assert.False(t, rec.SetText(FieldAcres, "1"))
	assert.False(t, rec.SetBool(FieldSection, true))
	assert.True(t, rec.SetText(FieldCounty, "Harris"))
}

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "i/o timeout" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

func TestClassify(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name   string
		status int
		err    error
		want   FetchKind
	}{
		{name: "bad status", status: 404, err: errors.New("Not Found"), want: FetchBadStatus},
		{name: "deadline", err: context.DeadlineExceeded, want: FetchTimeout},
		{name: "net timeout", err: timeoutErr{}, want: FetchTimeout},
		{name: "refused", err: fmt.Errorf("dial: %w", syscall.ECONNREFUSED), want: FetchConnectionRefused},
		{name: "other", err: errors.New("tls handshake failure"), want: FetchOther},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			fe := Classify("http://example.test", tc.status, tc.err)
			assert.Equal(t, tc.want, fe.Kind)
			assert.True(t, IsTransport(fe))
		})
	}
}
