package permit

import (
	"context"
	"io"
	"net/http"
	"time"
)

// FetchRequest describes a single page or document fetch.
type FetchRequest struct {
	URL       string
	UserAgent string
	Headers   http.Header
}

// FetchResponse captures what a fetcher returned.
type FetchResponse struct {
	URL        string
	StatusCode int
	Headers    http.Header
	Body       []byte
	Duration   time.Duration
}

// Fetcher retrieves remote resources. Failures are returned as *FetchError.
type Fetcher interface {
	Fetch(ctx context.Context, req FetchRequest) (FetchResponse, error)
}

// SessionFetcher can produce an isolated fetcher with no cookies or state shared with it.
type SessionFetcher interface {
	Fetcher
	Isolated() (Fetcher, error)
}

// PDFExtractor pulls plain text out of a PDF document.
type PDFExtractor interface {
	ExtractText(ctx context.Context, pdf []byte) (string, error)
}

// RecordStore persists normalized records keyed by status number.
type RecordStore interface {
	Get(ctx context.Context, statusNo string) (Record, bool, error)
	Upsert(ctx context.Context, rec Record) error
}

// ObjectMeta describes an archived artifact.
type ObjectMeta struct {
	ContentType string
	StatusNo    string
	Kind        string
	SourceURL   string
	SHA256      string
}

// BlobStore archives raw fetched artifacts.
type BlobStore interface {
	PutObject(ctx context.Context, path string, meta ObjectMeta, r io.Reader) (string, error)
}

// Publisher emits job outcome events.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Clock abstracts time for deterministic tests.
type Clock interface {
	Now() time.Time
}

// Hasher returns a stable digest for artifact naming.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// IDGenerator creates event identifiers.
type IDGenerator interface {
	NewID() (string, error)
}
