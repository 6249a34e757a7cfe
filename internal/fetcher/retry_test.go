package fetcher

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/permit-crawler/internal/permit"
)

type scriptedFetcher struct {
	errs     []error
	calls    int
	isolated int
}

func (f *scriptedFetcher) Fetch(_ context.Context, req permit.FetchRequest) (permit.FetchResponse, error) {
	f.calls++
	if len(f.errs) > 0 {
		err := f.errs[0]
		f.errs = f.errs[1:]
		if err != nil {
			return permit.FetchResponse{}, err
		}
	}
	return permit.FetchResponse{URL: req.URL, StatusCode: 200, Body: []byte("ok")}, nil
}

func (f *scriptedFetcher) Isolated() (permit.Fetcher, error) {
	f.isolated++
	return &scriptedFetcher{}, nil
}

func recordingPause(waits *[]time.Duration) func(context.Context, time.Duration) error {
	return func(_ context.Context, d time.Duration) error {
		*waits = append(*waits, d)
		return nil
	}
}

func TestRetryingRecoversAfterTransientFailures(t *testing.T) {
	t.Parallel()

	next := &scriptedFetcher{errs: []error{
		&permit.FetchError{Kind: permit.FetchTimeout, URL: "u"},
		&permit.FetchError{Kind: permit.FetchBadStatus, URL: "u", StatusCode: 503},
	}}
	r := NewRetrying(next, nil, zap.NewNop())
	var waits []time.Duration
	r.pause = recordingPause(&waits)

	resp, err := r.Fetch(context.Background(), permit.FetchRequest{URL: "u"})
	require.NoError(t, err)
	assert.Equal(t, "ok", string(resp.Body))
	assert.Equal(t, 3, next.calls)
	assert.Equal(t, []time.Duration{500 * time.Millisecond, time.Second}, waits)
}

func TestRetryingGivesUpAfterBound(t *testing.T) {
	t.Parallel()

	refused := &permit.FetchError{Kind: permit.FetchConnectionRefused, URL: "u"}
	next := &scriptedFetcher{errs: []error{refused, refused, refused, nil}}
	r := NewRetrying(next, nil, zap.NewNop())
	var waits []time.Duration
	r.pause = recordingPause(&waits)

	_, err := r.Fetch(context.Background(), permit.FetchRequest{URL: "u"})
	var fe *permit.FetchError
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, permit.FetchConnectionRefused, fe.Kind)
	assert.Equal(t, 3, next.calls)
	assert.Len(t, waits, 2)
}

func TestRetryingStopsOnCancel(t *testing.T) {
	t.Parallel()

	next := &scriptedFetcher{errs: []error{errors.New("boom"), errors.New("boom")}}
	r := NewRetrying(next, []time.Duration{time.Hour, time.Hour}, zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := r.Fetch(ctx, permit.FetchRequest{URL: "u"})
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, next.calls)
}

func TestRetryingIsolated(t *testing.T) {
	t.Parallel()

	next := &scriptedFetcher{}
	r := NewRetrying(next, nil, nil)
	isolated, err := r.Isolated()
	require.NoError(t, err)
	assert.Equal(t, 1, next.isolated)
	assert.IsType(t, &Retrying{}, isolated)

	plain := NewRetrying(fetcherFunc(func(context.Context, permit.FetchRequest) (permit.FetchResponse, error) {
		return permit.FetchResponse{}, nil
	}), nil, nil)
	_, err = plain.Isolated()
	require.Error(t, err)
}

type fetcherFunc func(context.Context, permit.FetchRequest) (permit.FetchResponse, error)

func (f fetcherFunc) Fetch(ctx context.Context, req permit.FetchRequest) (permit.FetchResponse, error) {
	return f(ctx, req)
}
