package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestSanitizeSite(t *testing.T) {
	testCases := []struct {
		name     string
		input    string
		expected string
	}{
		{"standard http", "http://example.com/path", "example.com"},
		{"standard https", "https://WebApps.RRC.Texas.gov/DP/", "webapps.rrc.texas.gov"},
		{"no scheme", "example.com/path", "example.com"},
		{"host with port", "example.com:8080", "example.com"},
		{"invalid url", "http://%", "unknown"},
		{"empty string", "", "unknown"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			if got := SanitizeSite(tc.input); got != tc.expected {
				t.Errorf("SanitizeSite(%q) = %q; want %q", tc.input, got, tc.expected)
			}
		})
	}
}

func TestObserveInitializesCollectors(t *testing.T) {
	ObserveFetch("https://example.com/a", "ok", 128)
	ObserveFetch("https://example.com/b", "timeout", 0)
	ObserveJobResult("SUCCESS", "STANDARD", time.Second)
	ObserveConfidence(0.5)
	ObserveListingRecords("listing", 3)

	if got := testutil.ToFloat64(fetchBytesTotal.WithLabelValues("example.com")); got != 128 {
		t.Errorf("fetch bytes = %f; want 128", got)
	}
	if got := testutil.ToFloat64(fetchesTotal.WithLabelValues("example.com", "timeout")); got != 1 {
		t.Errorf("timeouts = %f; want 1", got)
	}
	if got := testutil.ToFloat64(jobTransitionsTotal.WithLabelValues("SUCCESS", "STANDARD")); got != 1 {
		t.Errorf("transitions = %f; want 1", got)
	}
	if got := testutil.ToFloat64(listingRecordsTotal.WithLabelValues("listing")); got != 3 {
		t.Errorf("listing records = %f; want 3", got)
	}
}

func FuzzSanitizeSite(f *testing.F) {
	for _, tc := range []string{"http://example.com", "https://google.com", "ftp://example.com"} {
		f.Add(tc)
	}
	f.Fuzz(func(t *testing.T, input string) {
		if SanitizeSite(input) == "" {
			t.Errorf("SanitizeSite(%q) returned empty string", input)
		}
	})
}
