package responder_test

import (
	"context"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/effective-security/ocspcache/pkg/ocspcache"
	"github.com/effective-security/ocspcache/pkg/ocsperror"
	"github.com/effective-security/ocspcache/pkg/responder"
	"github.com/effective-security/ocspcache/pkg/retriable"
	"github.com/effective-security/ocspcache/tests/testutils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ocsp"
)

const hostname = "acct.snowflakecomputing.com"

type fixture struct {
	pki    *testutils.PKI
	srv    *testutils.Responder
	leaf   *x509.Certificate
	req    []byte
	certID []byte
}

func newFixture(t *testing.T) *fixture {
	pki := testutils.NewPKI(t)
	srv := testutils.NewResponder(t, pki)
	leaf := pki.Leaf(t, hostname, srv.URL)

	req, id, err := ocspcache.NewRequest(pki.CA, leaf)
	require.NoError(t, err)
	der, err := id.Marshal()
	require.NoError(t, err)

	return &fixture{pki: pki, srv: srv, leaf: leaf, req: req, certID: der}
}

// recorder captures requests and redirects them to target
type recorder struct {
	lock    sync.Mutex
	target  *url.URL
	methods []string
	urls    []string
}

func (r *recorder) hook(req *http.Request) *http.Request {
	r.lock.Lock()
	defer r.lock.Unlock()
	r.methods = append(r.methods, req.Method)
	r.urls = append(r.urls, req.URL.String())
	if r.target != nil {
		req.URL.Scheme = r.target.Scheme
		req.URL.Host = r.target.Host
		req.Host = r.target.Host
	}
	return req
}

func fastPolicy(attempts int) *retriable.RequestPolicy {
	return &retriable.RequestPolicy{
		MaxAttempts:     attempts,
		InitialInterval: 10 * time.Millisecond,
	}
}

func TestNew(t *testing.T) {
	c := responder.New(responder.Config{})
	assert.Equal(t, responder.FailClosedAttempts, c.Policy().MaxAttempts)
	assert.Equal(t, responder.DefaultTimeout, c.Policy().RequestTimeout)
	assert.Equal(t, time.Second, c.Policy().InitialInterval)

	c = responder.New(responder.Config{FailOpen: true})
	assert.Equal(t, responder.FailOpenAttempts, c.Policy().MaxAttempts)

	c = responder.New(responder.Config{FailOpen: true, Policy: &retriable.RequestPolicy{MaxAttempts: 5, Timeout: time.Second}})
	assert.Equal(t, 5, c.Policy().MaxAttempts)
	assert.Equal(t, time.Second, c.Policy().RequestTimeout)
}

func TestResponderURL(t *testing.T) {
	f := newFixture(t)

	c := responder.New(responder.Config{})
	u, err := c.ResponderURL(f.leaf)
	require.NoError(t, err)
	assert.Equal(t, f.srv.URL, u)

	noURL := f.pki.Leaf(t, hostname, "")
	_, err = c.ResponderURL(noURL)
	require.Error(t, err)
	assert.Equal(t, ocsperror.ErrCodeURLInfoMissing, ocsperror.Code(err))

	_, err = c.ResponderURL(nil)
	assert.Equal(t, ocsperror.ErrCodeURLInfoMissing, ocsperror.Code(err))

	c = responder.New(responder.Config{URL: "http://localhost:8080/ocsp"})
	u, err = c.ResponderURL(noURL)
	require.NoError(t, err)
	assert.Equal(t, "http://localhost:8080/ocsp", u)

	_, err = responder.New(responder.Config{}).Fetch(context.Background(), f.req, noURL, f.certID, hostname)
	assert.Equal(t, ocsperror.ErrCodeURLInfoMissing, ocsperror.Code(err))
}

func TestFetch_GET(t *testing.T) {
	f := newFixture(t)
	rec := &recorder{}

	c := responder.New(responder.Config{}, retriable.WithBeforeSendRequest(rec.hook))
	raw, err := c.Fetch(context.Background(), f.req, f.leaf, f.certID, hostname)
	require.NoError(t, err)
	assert.Equal(t, 1, f.srv.Hits())
	require.Equal(t, []string{http.MethodGet}, rec.methods)
	assert.True(t, strings.HasPrefix(rec.urls[0], f.srv.URL+"/"))

	resp, err := ocsp.ParseResponseForCert(raw, f.leaf, f.pki.CA)
	require.NoError(t, err)
	assert.Equal(t, ocsp.Good, resp.Status)
	assert.Equal(t, f.leaf.SerialNumber, resp.SerialNumber)
}

func TestFetch_POST(t *testing.T) {
	f := newFixture(t)
	f.srv.SetRawResponse([]byte("raw response"))

	big := make([]byte, 300)
	rec := &recorder{}
	c := responder.New(responder.Config{}, retriable.WithBeforeSendRequest(rec.hook))
	raw, err := c.Fetch(context.Background(), big, f.leaf, f.certID, hostname)
	require.NoError(t, err)
	assert.Equal(t, "raw response", string(raw))
	assert.Equal(t, []string{http.MethodPost}, rec.methods)
	assert.Equal(t, f.srv.URL, rec.urls[0])

	// forced GET
	rec = &recorder{}
	c = responder.New(responder.Config{DisablePOST: true}, retriable.WithBeforeSendRequest(rec.hook))
	_, err = c.Fetch(context.Background(), big, f.leaf, f.certID, hostname)
	require.NoError(t, err)
	assert.Equal(t, []string{http.MethodGet}, rec.methods)
}

func TestFetch_RetryURL(t *testing.T) {
	f := newFixture(t)
	target, err := url.Parse(f.srv.URL)
	require.NoError(t, err)

	big := make([]byte, 300)
	f.srv.SetRawResponse([]byte("raw"))

	rec := &recorder{target: target}
	c := responder.New(responder.Config{}, retriable.WithBeforeSendRequest(rec.hook))
	_, err = c.Fetch(context.Background(), big, f.leaf, f.certID, "acct.us-west-2.privatelink.snowflakecomputing.com")
	require.NoError(t, err)

	// POST is not used with the retry URL
	require.Equal(t, []string{http.MethodGet}, rec.methods)
	prefix := "http://ocsp.acct.us-west-2.privatelink.snowflakecomputing.com/retry/" + target.Hostname() + "/"
	assert.True(t, strings.HasPrefix(rec.urls[0], prefix), rec.urls[0])

	// the signed response is served through the retry URL
	f.srv.SetRawResponse(nil)
	raw, err := c.Fetch(context.Background(), f.req, f.leaf, f.certID, "acct.us-west-2.privatelink.snowflakecomputing.com")
	require.NoError(t, err)
	_, err = ocsp.ParseResponseForCert(raw, f.leaf, f.pki.CA)
	require.NoError(t, err)
}

func TestFetch_NewEndpoint(t *testing.T) {
	f := newFixture(t)

	var got map[string]string
	proxy := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/ocsp/retry" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		_, _ = w.Write([]byte("proxied"))
	}))
	defer proxy.Close()
	target, err := url.Parse(proxy.URL)
	require.NoError(t, err)

	rec := &recorder{target: target}
	c := responder.New(responder.Config{NewEndpoint: true}, retriable.WithBeforeSendRequest(rec.hook))
	raw, err := c.Fetch(context.Background(), f.req, f.leaf, f.certID, hostname)
	require.NoError(t, err)
	assert.Equal(t, "proxied", string(raw))
	assert.Equal(t, 0, f.srv.Hits())

	require.Equal(t, []string{http.MethodPost}, rec.methods)
	assert.Equal(t, "https://ocspssd.acct.snowflakecomputing.com/ocsp/retry", rec.urls[0])
	assert.Equal(t, map[string]string{
		"hostname":           hostname,
		"ocsp_request":       base64.StdEncoding.EncodeToString(f.req),
		"cert_id":            base64.StdEncoding.EncodeToString(f.certID),
		"ocsp_responder_url": f.srv.URL,
	}, got)
}

func TestFetch_Status(t *testing.T) {
	f := newFixture(t)
	f.srv.SetHTTPStatus(http.StatusInternalServerError)

	c := responder.New(responder.Config{Policy: fastPolicy(3)})
	_, err := c.Fetch(context.Background(), f.req, f.leaf, f.certID, hostname)
	require.Error(t, err)
	assert.Equal(t, ocsperror.ErrCodeFetchFailed, ocsperror.Code(err))
	assert.Contains(t, err.Error(), "returned status 500 after 3 attempt(s)")
	assert.Equal(t, 3, f.srv.Hits())

	// fail-open makes a single attempt
	c = responder.New(responder.Config{FailOpen: true})
	_, err = c.Fetch(context.Background(), f.req, f.leaf, f.certID, hostname)
	assert.Equal(t, ocsperror.ErrCodeFetchFailed, ocsperror.Code(err))
	assert.Equal(t, 4, f.srv.Hits())
}

func TestFetch_Exception(t *testing.T) {
	f := newFixture(t)
	f.srv.SetDelay(500 * time.Millisecond)

	c := responder.New(responder.Config{
		Policy: &retriable.RequestPolicy{MaxAttempts: 1, Timeout: 50 * time.Millisecond},
	})
	_, err := c.Fetch(context.Background(), f.req, f.leaf, f.certID, hostname)
	require.Error(t, err)
	assert.Equal(t, ocsperror.ErrCodeFetchException, ocsperror.Code(err))
	assert.True(t, ocsperror.IsTimeout(err))

	f.srv.Close()
	_, err = c.Fetch(context.Background(), f.req, f.leaf, f.certID, hostname)
	require.Error(t, err)
	assert.Equal(t, ocsperror.ErrCodeFetchException, ocsperror.Code(err))
}
