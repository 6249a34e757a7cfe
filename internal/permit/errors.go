package permit

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"syscall"
)

// Extraction errors. They describe zero-yield results rather than crashes.
var (
	ErrNoTable      = errors.New("no permit table found")
	ErrNoDetailData = errors.New("no permit data found on detail page")
)

// FetchKind classifies a transport failure.
type FetchKind string

// Transport failure kinds.
const (
	FetchTimeout           FetchKind = "timeout"
	FetchConnectionRefused FetchKind = "connection_refused"
	FetchBadStatus         FetchKind = "bad_status"
	FetchOther             FetchKind = "other"
)

// FetchError is returned by fetchers for every transport-level failure.
type FetchError struct {
	Kind       FetchKind
	URL        string
	StatusCode int
	Err        error
}

func (e *FetchError) Error() string {
	if e.Kind == FetchBadStatus {
		return fmt.Sprintf("fetch %s: status %d", e.URL, e.StatusCode)
	}
	if e.Err == nil {
		return fmt.Sprintf("fetch %s: %s", e.URL, e.Kind)
	}
	return fmt.Sprintf("fetch %s: %s: %v", e.URL, e.Kind, e.Err)
}

func (e *FetchError) Unwrap() error {
	return e.Err
}

// Classify wraps err (and/or a non-2xx status) into a FetchError.
func Classify(url string, status int, err error) *FetchError {
	var fe *FetchError
	if errors.As(err, &fe) {
		return fe
	}
	if status != 0 && (status < http.StatusOK || status >= http.StatusMultipleChoices) {
		return &FetchError{Kind: FetchBadStatus, URL: url, StatusCode: status, Err: err}
	}
	out := &FetchError{Kind: FetchOther, URL: url, StatusCode: status, Err: err}
	var netErr net.Error
	switch {
	case err == nil:
	case errors.Is(err, context.DeadlineExceeded):
		out.Kind = FetchTimeout
	case errors.As(err, &netErr) && netErr.Timeout():
		out.Kind = FetchTimeout
	case errors.Is(err, syscall.ECONNREFUSED):
		out.Kind = FetchConnectionRefused
	case strings.Contains(strings.ToLower(err.Error()), "connection refused"):
		out.Kind = FetchConnectionRefused
	case strings.Contains(strings.ToLower(err.Error()), "timeout"):
		out.Kind = FetchTimeout
	}
	return out
}

// IsTransport reports whether err carries a FetchError.
func IsTransport(err error) bool {
	var fe *FetchError
	return errors.As(err, &fe)
}
