package revocation

import (
	"crypto/sha256"
	"crypto/x509"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/crypto/ocsp"
)

type memoKey struct {
	issuer   [sha256.Size]byte
	response [sha256.Size]byte
	serial   string
}

type memoValue struct {
	resp *ocsp.Response
	err  error
}

// memo keeps parsed responses, so cache hits do not verify the signature again
type memo struct {
	cache *lru.Cache[memoKey, memoValue]
}

func newMemo(size int) *memo {
	if size <= 0 {
		size = DefaultMemoSize
	}
	c, err := lru.New[memoKey, memoValue](size)
	if err != nil {
		// size is positive
		panic(err)
	}
	return &memo{cache: c}
}

// parse returns parsed and verified response for the subject
func (m *memo) parse(raw []byte, subject, issuer *x509.Certificate) (*ocsp.Response, error) {
	key := memoKey{
		issuer:   sha256.Sum256(issuer.Raw),
		response: sha256.Sum256(raw),
		serial:   subject.SerialNumber.String(),
	}
	if v, ok := m.cache.Get(key); ok {
		return v.resp, v.err
	}

	resp, err := ocsp.ParseResponseForCert(raw, subject, issuer)
	m.cache.Add(key, memoValue{resp: resp, err: err})
	return resp, err
}

func (m *memo) purge() {
	m.cache.Purge()
}

func (m *memo) len() int {
	return m.cache.Len()
}
