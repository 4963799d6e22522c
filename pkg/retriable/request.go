package retriable

import (
	"context"
	"io"
	"net/http"
	"net/url"

	"github.com/cockroachdb/errors"
)

// lenReader is an interface implemented by many in-memory io.Reader's. Used
// for automatically sending the right Content-Length header when possible.
type lenReader interface {
	Len() int
}

// Request wraps the metadata needed to create HTTP requests,
// the body is rewound between attempts.
type Request struct {
	Method string
	URL    *url.URL
	Header http.Header

	body          io.ReadSeeker
	contentLength int64
}

// NewRequest creates a new wrapped request.
func NewRequest(method, rawURL string, rawBody io.ReadSeeker) (*Request, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, errors.WithStack(err)
	}

	r := &Request{
		Method: method,
		URL:    u,
		Header: http.Header{},
		body:   rawBody,
	}
	if lr, ok := rawBody.(lenReader); ok {
		r.contentLength = int64(lr.Len())
	}
	return r, nil
}

// AddHeader adds additional header to the request
func (r *Request) AddHeader(header, value string) *Request {
	r.Header.Add(header, value)
	return r
}

// build returns a new http.Request for an attempt
func (r *Request) build(ctx context.Context) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, r.Method, r.URL.String(), nil)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	req.Header = r.Header.Clone()
	if r.body != nil {
		if _, err := r.body.Seek(0, io.SeekStart); err != nil {
			return nil, errors.WithStack(err)
		}
		req.Body = io.NopCloser(r.body)
		req.ContentLength = r.contentLength
	}
	return req, nil
}
