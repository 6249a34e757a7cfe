package detector

import (
	"net/http"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/JakeFAU/permit-crawler/internal/permit"
)

func TestShouldPromote(t *testing.T) {
	t.Parallel()

	h := NewHeuristic(1000)
	cases := []struct {
		name   string
		status int
		body   string
		want   bool
	}{
		{name: "empty body", status: http.StatusOK, body: "  \n", want: true},
		{name: "react shell", status: http.StatusOK, body: `<div id="root"></div>`, want: true},
		{name: "noscript notice", status: http.StatusOK, body: `<noscript>Please Enable JavaScript</noscript>`, want: true},
		{name: "script heavy", status: http.StatusOK, body: `<html><script>var a=1;</script><p>t</p></html>`, want: true},
		{
			name:   "server rendered permit",
			status: http.StatusOK,
			body:   `<table><tr><th>Operator</th><td>ACME</td></tr><tr><th>County</th><td>REEVES</td></tr></table>`,
			want:   false,
		},
		{name: "not found", status: http.StatusNotFound, body: "", want: false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			resp := permit.FetchResponse{StatusCode: tc.status, Body: []byte(tc.body)}
			assert.Equal(t, tc.want, h.ShouldPromote(resp))
		})
	}
}

func TestLargeScriptPageIsNotPromoted(t *testing.T) {
	t.Parallel()

	h := NewHeuristic(100)
	body := "<script>x()</script>" + strings.Repeat("<p>permit row</p>", 20)
	assert.False(t, h.ShouldPromote(permit.FetchResponse{StatusCode: http.StatusOK, Body: []byte(body)}))
}

func TestScriptShare(t *testing.T) {
	t.Parallel()

	assert.Equal(t, 0, scriptShare([]byte("<p>plain</p>")))
	assert.Equal(t, 100, scriptShare([]byte("<script>unterminated")))
	assert.Equal(t, 50, scriptShare([]byte("<script></script>abcdefghijklmnopq")))
	assert.Equal(t, 0, NewHeuristic(0).BodyLengthThreshold-DefaultBodyLengthThreshold)
}
