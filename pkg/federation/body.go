package federation

import (
	"io"
	"net/http"
	"net/url"
)

// DefaultMaxBodySize is the response body ceiling when none is configured.
const DefaultMaxBodySize int64 = 1 << 20

// Response is a completed exchange whose body has not been read yet. Callers
// choose between ReadBody, which rejects oversized bodies, and ReadTruncated,
// which silently cuts them, and must Close the response either way.
type Response struct {
	StatusCode int
	Header     http.Header
	// URL is the final location after any redirect.
	URL        *url.URL
	Redirected bool

	body     io.ReadCloser
	declared int64
	limit    int64
	metrics  *DeliveryMetrics
}

func newResponse(resp *http.Response, u *url.URL, limit int64, metrics *DeliveryMetrics) *Response {
	return &Response{
		StatusCode: resp.StatusCode,
		Header:     resp.Header,
		URL:        u,
		body:       resp.Body,
		declared:   resp.ContentLength,
		limit:      limit,
		metrics:    metrics,
	}
}

// Success reports a 2xx status.
func (r *Response) Success() bool {
	return r.StatusCode >= 200 && r.StatusCode < 300
}

// ReadBody returns the whole body or a *LengthValidationError when it is larger
// than the limit, whether announced by Content-Length or discovered while streaming.
func (r *Response) ReadBody() ([]byte, error) {
	if r.body == nil {
		return nil, nil
	}
	defer r.Close()

	if r.declared > r.limit {
		r.metrics.bodyLimitExceeded()
		return nil, &LengthValidationError{Limit: r.limit, Declared: r.declared}
	}

	data, err := io.ReadAll(io.LimitReader(r.body, r.limit+1))
	if err != nil {
		return nil, &TransportError{Op: "read", Host: r.URL.Host, Err: err}
	}
	if int64(len(data)) > r.limit {
		r.metrics.bodyLimitExceeded()
		return nil, &LengthValidationError{Limit: r.limit, Declared: -1}
	}
	return data, nil
}

// ReadTruncated returns the body cut to stay below limit, so the result is always
// shorter than the ceiling. Read failures end the body early instead of being reported.
func (r *Response) ReadTruncated() []byte {
	if r.body == nil {
		return nil
	}
	defer r.Close()

	data, _ := io.ReadAll(io.LimitReader(r.body, r.limit-1))
	return data
}

// Close drains a bounded amount of unread body so the connection can be reused.
func (r *Response) Close() error {
	if r.body == nil {
		return nil
	}
	io.Copy(io.Discard, io.LimitReader(r.body, 64<<10))
	err := r.body.Close()
	r.body = nil
	return err
}
