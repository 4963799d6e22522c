package retriable

import (
	"bytes"
	"context"
	"crypto/tls"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/cockroachdb/errors"
	"github.com/effective-security/metrics"
	"github.com/effective-security/ocspcache/metricskey"
	"github.com/effective-security/ocspcache/xhttp/header"
	"github.com/effective-security/xlog"
)

var logger = xlog.NewPackageLogger("github.com/effective-security/ocspcache/pkg", "retriable")

const (
	// Success returned when request succeeded
	Success = "success"
	// LimitExceeded returned when retry limit exceeded
	LimitExceeded = "limit-exceeded"
	// DeadlineExceeded returned when request was timed out
	DeadlineExceeded = "deadline"
	// Cancelled returned when request was cancelled
	Cancelled = "cancelled"
	// NonRetriableError returned when non-retriable error occured
	NonRetriableError = "non-retriable"
	// Unavailable returned when the server responded with unexpected status
	Unavailable = "unavailable"
	// Connection returned when the request failed to connect
	Connection = "connection"
)

// DefaultMaxResponseSize specifies the limit of response body
const DefaultMaxResponseSize = 20 * 1024 * 1024

// Policy represents the retriable policy
type Policy struct {
	// MaxAttempts specifies the number of attempts, including the first one
	MaxAttempts int
	// RequestTimeout specifies the timeout of a single attempt
	RequestTimeout time.Duration
	// InitialInterval specifies the first backoff interval,
	// doubled after each attempt
	InitialInterval time.Duration
	// MaxInterval caps the backoff interval
	MaxInterval time.Duration
	// NonRetriableErrors specifies substrings of errors that are not retried
	NonRetriableErrors []string
}

// DefaultPolicy returns default policy
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:        3,
		RequestTimeout:     10 * time.Second,
		InitialInterval:    time.Second,
		MaxInterval:        16 * time.Second,
		NonRetriableErrors: DefaultNonRetriableErrors,
	}
}

// DefaultNonRetriableErrors provides a list of default errors,
// that cleint will not retry on
var DefaultNonRetriableErrors = []string{
	"no such host",
	"certificate signed by unknown authority",
	"tls: bad certificate",
	"x509: certificate",
	"x509: cannot validate certificate",
	"server gave HTTP response to HTTPS client",
	"unsupported protocol scheme",
}

// ShouldRetry returns if the attempt should be retried, and the reason
func (p *Policy) ShouldRetry(ctx context.Context, status int, err error, attempt int) (bool, string) {
	if ctx != nil {
		switch ctx.Err() {
		case context.Canceled:
			return false, Cancelled
		case context.DeadlineExceeded:
			return false, DeadlineExceeded
		}
	}

	if err == nil && status == http.StatusOK {
		return false, Success
	}
	if attempt >= p.MaxAttempts {
		return false, LimitExceeded
	}
	if err != nil {
		errStr := err.Error()
		for _, s := range p.NonRetriableErrors {
			if strings.Contains(errStr, s) {
				return false, NonRetriableError
			}
		}
		return true, Connection
	}
	return true, Unavailable
}

// Notify is called before each backoff sleep
type Notify func(err error, wait time.Duration)

// BeforeSendRequest allows to modify request before it's sent
type BeforeSendRequest func(r *http.Request) *http.Request

// A ClientOption modifies the default behavior of Client.
type ClientOption interface {
	applyOption(*Client)
}

type optionFunc func(*Client)

func (f optionFunc) applyOption(opts *Client) { f(opts) }

// WithName is a ClientOption that specifies client's name for logging purposes.
//
//	retriable.New(retriable.WithName("responder"))
func WithName(name string) ClientOption {
	return optionFunc(func(c *Client) {
		c.Name = name
	})
}

// WithPolicy is a ClientOption that specifies retriable policy.
//
//	retriable.New(retriable.WithPolicy(p))
func WithPolicy(policy Policy) ClientOption {
	return optionFunc(func(c *Client) {
		c.Policy = policy
	})
}

// WithTLS is a ClientOption that specifies TLS configuration.
//
//	retriable.New(retriable.WithTLS(t))
func WithTLS(tlsConfig *tls.Config) ClientOption {
	return optionFunc(func(c *Client) {
		c.WithTLS(tlsConfig)
	})
}

// WithTransport is a ClientOption that specifies HTTP Transport configuration.
//
//	retriable.New(retriable.WithTransport(t))
func WithTransport(transport http.RoundTripper) ClientOption {
	return optionFunc(func(c *Client) {
		c.httpClient.Transport = transport
	})
}

// WithTimeout is a ClientOption that specifies timeout of a single attempt.
//
//	retriable.New(retriable.WithTimeout(t))
func WithTimeout(timeout time.Duration) ClientOption {
	return optionFunc(func(c *Client) {
		c.Policy.RequestTimeout = timeout
	})
}

// WithNotify is a ClientOption that specifies a hook called before each backoff sleep
func WithNotify(notify Notify) ClientOption {
	return optionFunc(func(c *Client) {
		c.notify = notify
	})
}

// WithBeforeSendRequest allows to specify a hook
// to modify request before it's sent
func WithBeforeSendRequest(hook BeforeSendRequest) ClientOption {
	return optionFunc(func(c *Client) {
		c.beforeSend = hook
	})
}

// WithMaxResponseSize is a ClientOption that limits the response body
func WithMaxResponseSize(size int64) ClientOption {
	return optionFunc(func(c *Client) {
		c.maxResponseSize = size
	})
}

// Response is a response of the final attempt
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
	// Attempts is the number of attempts made
	Attempts int
}

// Client is custom implementation of http.Client,
// retrying the request with exponential backoff
type Client struct {
	Name   string
	Policy Policy

	lock            sync.RWMutex
	httpClient      *http.Client
	headers         map[string]string
	beforeSend      BeforeSendRequest
	notify          Notify
	maxResponseSize int64
}

// New creates a new Client
func New(opts ...ClientOption) *Client {
	c := &Client{
		Name:            "retriable",
		httpClient:      &http.Client{},
		Policy:          DefaultPolicy(),
		maxResponseSize: DefaultMaxResponseSize,
	}

	for _, opt := range opts {
		opt.applyOption(c)
	}
	return c
}

// WithHeaders adds additional headers to the request
func (c *Client) WithHeaders(headers map[string]string) *Client {
	c.lock.Lock()
	defer c.lock.Unlock()

	if c.headers == nil {
		c.headers = map[string]string{}
	}
	for key, val := range headers {
		c.headers[key] = val
	}
	return c
}

// AddHeader adds additional header to the request
func (c *Client) AddHeader(header, value string) *Client {
	return c.WithHeaders(map[string]string{header: value})
}

// WithTLS modifies TLS configuration.
func (c *Client) WithTLS(tlsConfig *tls.Config) *Client {
	c.lock.Lock()
	defer c.lock.Unlock()

	if tr, ok := c.httpClient.Transport.(*http.Transport); ok {
		tr.TLSClientConfig = tlsConfig
		logger.KV(xlog.DEBUG, "client", c.Name, "reason", "update_transport")
		return c
	}

	tr := http.DefaultTransport.(*http.Transport).Clone()
	tr.MaxIdleConnsPerHost = 100
	tr.MaxConnsPerHost = 100
	tr.MaxIdleConns = 100
	tr.TLSClientConfig = tlsConfig
	c.httpClient.Transport = tr

	logger.KV(xlog.DEBUG, "client", c.Name, "reason", "new_transport")
	return c
}

// RequestURL sends request to rawURL, with retries.
// requestBody can be nil, []byte or string.
// The error is returned only when the transport failed on the final attempt,
// the caller must check the status code of the response.
func (c *Client) RequestURL(ctx context.Context, method, rawURL, contentType string, requestBody any) (*Response, error) {
	var body io.ReadSeeker
	switch val := requestBody.(type) {
	case nil:
	case []byte:
		body = bytes.NewReader(val)
	case string:
		body = strings.NewReader(val)
	default:
		return nil, errors.Errorf("unsupported request body type: %T", requestBody)
	}

	req, err := NewRequest(method, rawURL, body)
	if err != nil {
		return nil, err
	}
	if contentType != "" {
		req.Header.Set(header.ContentType, contentType)
	}
	return c.Do(ctx, req)
}

// Do sends the request with retries
func (c *Client) Do(ctx context.Context, req *Request) (*Response, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	c.lock.RLock()
	policy := c.Policy
	for k, v := range c.headers {
		req.Header.Set(k, v)
	}
	c.lock.RUnlock()

	maxAttempts := policy.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	b := backoff.NewExponentialBackOff()
	if policy.InitialInterval > 0 {
		b.InitialInterval = policy.InitialInterval
	}
	if policy.MaxInterval > 0 {
		b.MaxInterval = policy.MaxInterval
	}
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.MaxElapsedTime = 0
	b.Reset()

	var last *Response
	var lastErr error
	attempt := 0

	operation := func() error {
		attempt++
		last, lastErr = c.attempt(ctx, policy, req)
		status := 0
		if last != nil {
			status = last.StatusCode
			last.Attempts = attempt
		}

		retry, reason := policy.ShouldRetry(ctx, status, lastErr, attempt)
		if reason != Success {
			logger.KV(xlog.DEBUG,
				"client", c.Name,
				"method", req.Method,
				"host", req.URL.Host,
				"attempt", attempt,
				"status", status,
				"reason", reason,
				"err", lastErr)
		}
		if reason == Success {
			return nil
		}

		err := lastErr
		if err == nil {
			err = errors.Errorf("%s %s: unexpected status %d", req.Method, req.URL.Host, status)
		}
		if !retry {
			return backoff.Permanent(err)
		}
		return err
	}

	notify := func(err error, wait time.Duration) {
		logger.KV(xlog.WARNING,
			"client", c.Name,
			"host", req.URL.Host,
			"attempt", attempt,
			"sleep", wait,
			"err", err.Error())
		if c.notify != nil {
			c.notify(err, wait)
		}
	}

	bo := backoff.WithContext(backoff.WithMaxRetries(b, uint64(maxAttempts-1)), ctx)
	err := backoff.RetryNotify(operation, bo, notify)
	if lastErr != nil {
		return nil, errors.WithMessagef(lastErr, "%s %s failed after %d attempt(s)", req.Method, req.URL.Host, attempt)
	}
	if last == nil {
		// cancelled before the first attempt completed
		return nil, errors.WithStack(err)
	}
	return last, nil
}

func (c *Client) attempt(ctx context.Context, policy Policy, req *Request) (*Response, error) {
	if policy.RequestTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, policy.RequestTimeout)
		defer cancel()
	}

	r, err := req.build(ctx)
	if err != nil {
		return nil, err
	}
	if c.beforeSend != nil {
		r = c.beforeSend(r)
	}

	started := time.Now()
	resp, err := c.httpClient.Do(r)
	if err != nil {
		c.measure(started, "error")
		return nil, errors.WithStack(err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, c.maxResponseSize+1))
	if err != nil {
		c.measure(started, "error")
		return nil, errors.WithMessage(err, "unable to read response")
	}
	if int64(len(body)) > c.maxResponseSize {
		c.measure(started, "error")
		return nil, errors.Errorf("response exceeds %d bytes", c.maxResponseSize)
	}

	c.measure(started, strconv.Itoa(resp.StatusCode))
	return &Response{
		StatusCode: resp.StatusCode,
		Header:     resp.Header,
		Body:       body,
	}, nil
}

func (c *Client) measure(started time.Time, status string) {
	metrics.MeasureSince(metricskey.KeyFetchPerf, started,
		metrics.Tag{Name: "source", Value: c.Name},
		metrics.Tag{Name: "status", Value: status},
	)
}
