package testutils

import (
	"bytes"
	"encoding/base64"
	"io"
	"math/big"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/effective-security/ocspcache/pkg/ocspcache"
	"golang.org/x/crypto/ocsp"
)

// Responder is a mock OCSP responder
type Responder struct {
	*httptest.Server

	pki  *PKI
	hits atomic.Int32

	lock       sync.Mutex
	httpStatus int
	delay      time.Duration
	statusFn   func(serial *big.Int) ResponseTemplate
	raw        []byte
}

// NewResponder returns started OCSP responder, signing GOOD responses
// valid for one day from now
func NewResponder(t testing.TB, pki *PKI) *Responder {
	r := &Responder{
		pki:        pki,
		httpStatus: http.StatusOK,
		statusFn: func(*big.Int) ResponseTemplate {
			now := time.Now()
			return ResponseTemplate{
				Status:     ocsp.Good,
				ThisUpdate: now.Add(-time.Minute),
				NextUpdate: now.Add(24 * time.Hour),
			}
		},
	}
	r.Server = httptest.NewServer(http.HandlerFunc(r.serveHTTP))
	t.Cleanup(r.Server.Close)
	return r
}

// Hits returns the number of requests served
func (r *Responder) Hits() int {
	return int(r.hits.Load())
}

// SetStatus sets the function returning response template for a serial
func (r *Responder) SetStatus(fn func(serial *big.Int) ResponseTemplate) {
	r.lock.Lock()
	defer r.lock.Unlock()
	r.statusFn = fn
}

// SetHTTPStatus sets HTTP status code to return
func (r *Responder) SetHTTPStatus(status int) {
	r.lock.Lock()
	defer r.lock.Unlock()
	r.httpStatus = status
}

// SetDelay sets the delay before response is written
func (r *Responder) SetDelay(d time.Duration) {
	r.lock.Lock()
	defer r.lock.Unlock()
	r.delay = d
}

// SetRawResponse sets the body to return instead of a signed response
func (r *Responder) SetRawResponse(raw []byte) {
	r.lock.Lock()
	defer r.lock.Unlock()
	r.raw = raw
}

func (r *Responder) serveHTTP(w http.ResponseWriter, req *http.Request) {
	r.hits.Add(1)

	r.lock.Lock()
	status := r.httpStatus
	delay := r.delay
	fn := r.statusFn
	raw := r.raw
	r.lock.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-req.Context().Done():
			return
		}
	}
	if status != http.StatusOK {
		w.WriteHeader(status)
		return
	}
	if raw != nil {
		w.Header().Set("Content-Type", "application/ocsp-response")
		_, _ = w.Write(raw)
		return
	}

	der, err := readRequest(req)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	ocspReq, err := ocsp.ParseRequest(der)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	resp, err := r.pki.CreateResponse(ocspReq.SerialNumber, fn(ocspReq.SerialNumber))
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/ocsp-response")
	_, _ = w.Write(resp)
}

func readRequest(req *http.Request) ([]byte, error) {
	if req.Method == http.MethodPost {
		return io.ReadAll(req.Body)
	}
	p := req.URL.EscapedPath()
	p = p[strings.LastIndex(p, "/")+1:]
	s, err := url.PathUnescape(p)
	if err != nil {
		return nil, err
	}
	return base64.StdEncoding.DecodeString(s)
}

// CacheServer is a mock server of the shared cache bundle
type CacheServer struct {
	*httptest.Server

	hits atomic.Int32

	lock     sync.Mutex
	statuses []int
	body     []byte
}

// NewCacheServer returns started cache server, serving records
func NewCacheServer(t testing.TB, records map[ocspcache.CacheKey]ocspcache.LegacyRecord) *CacheServer {
	s := &CacheServer{}
	s.SetRecords(t, records)
	s.Server = httptest.NewServer(http.HandlerFunc(s.serveHTTP))
	t.Cleanup(s.Server.Close)
	return s
}

// URL returns location of the bundle
func (s *CacheServer) URL() string {
	return s.Server.URL + "/" + ocspcache.LegacyFileName
}

// Hits returns the number of requests served
func (s *CacheServer) Hits() int {
	return int(s.hits.Load())
}

// SetRecords sets the bundle to serve
func (s *CacheServer) SetRecords(t testing.TB, records map[ocspcache.CacheKey]ocspcache.LegacyRecord) {
	var buf bytes.Buffer
	if err := ocspcache.EncodeLegacy(&buf, records); err != nil {
		t.Fatalf("unable to encode records: %v", err)
	}
	s.lock.Lock()
	defer s.lock.Unlock()
	s.body = buf.Bytes()
}

// SetStatuses sets HTTP status codes returned for next requests,
// after the list is consumed 200 is returned
func (s *CacheServer) SetStatuses(statuses ...int) {
	s.lock.Lock()
	defer s.lock.Unlock()
	s.statuses = statuses
}

func (s *CacheServer) serveHTTP(w http.ResponseWriter, _ *http.Request) {
	s.hits.Add(1)

	s.lock.Lock()
	status := http.StatusOK
	if len(s.statuses) > 0 {
		status = s.statuses[0]
		s.statuses = s.statuses[1:]
	}
	body := s.body
	s.lock.Unlock()

	if status != http.StatusOK {
		w.WriteHeader(status)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(body)
}
