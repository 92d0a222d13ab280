package telemetry

import (
	"context"
	"io"
	"net/http"
	"time"
)

// InstrumentedTransport wraps an http.RoundTripper with artifact repository
// fetch metrics.
type InstrumentedTransport struct {
	base       http.RoundTripper
	repository string
}

// NewInstrumentedTransport creates a new instrumented transport for a named
// repository. If base is nil, http.DefaultTransport is used.
func NewInstrumentedTransport(base http.RoundTripper, repository string) *InstrumentedTransport {
	if base == nil {
		base = http.DefaultTransport
	}
	return &InstrumentedTransport{base: base, repository: repository}
}

// RoundTrip implements http.RoundTripper with metrics recording.
func (t *InstrumentedTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	start := time.Now()

	resp, err := t.base.RoundTrip(req)
	duration := time.Since(start)

	if err != nil {
		outcome := "error"
		if req.Context().Err() != nil {
			outcome = "canceled"
		}
		RecordUpstreamFetch(req.Context(), t.repository, duration, 0, outcome)
		return nil, err
	}

	resp.Body = &instrumentedBody{
		ReadCloser: resp.Body,
		ctx:        req.Context(),
		repository: t.repository,
		start:      start,
		outcome:    fetchOutcome(resp.StatusCode),
	}

	return resp, nil
}

func fetchOutcome(status int) string {
	switch {
	case status >= 500:
		return "5xx"
	case status == http.StatusNotFound:
		return "not_found"
	case status >= 400:
		return "4xx"
	default:
		return "success"
	}
}

// instrumentedBody wraps a response body to record bytes read on close.
type instrumentedBody struct {
	io.ReadCloser
	ctx        context.Context
	repository string
	start      time.Time
	bytes      int64
	outcome    string
	recorded   bool
}

func (b *instrumentedBody) Read(p []byte) (int, error) {
	n, err := b.ReadCloser.Read(p)
	b.bytes += int64(n)
	return n, err
}

func (b *instrumentedBody) Close() error {
	if !b.recorded {
		b.recorded = true
		RecordUpstreamFetch(b.ctx, b.repository, time.Since(b.start), b.bytes, b.outcome)
	}
	return b.ReadCloser.Close()
}
