// Package certchain extracts issuer and subject pairs from certificate chains
package certchain

import (
	"bytes"
	"crypto/tls"
	"crypto/x509"
	"os"

	"github.com/cockroachdb/errors"
	"github.com/effective-security/xpki/certutil"
)

// Pair is a certificate with its issuer
type Pair struct {
	Issuer  *x509.Certificate
	Subject *x509.Certificate
}

// IsSelfSigned returns true if the subject is issued by itself
func (p Pair) IsSelfSigned() bool {
	return bytes.Equal(p.Issuer.Raw, p.Subject.Raw)
}

// FromChain returns pairs of the chain ordered from the leaf.
// The last certificate is not checked, as its issuer is not in the chain.
func FromChain(chain []*x509.Certificate) []Pair {
	if len(chain) < 2 {
		return nil
	}
	pairs := make([]Pair, 0, len(chain)-1)
	for i := 0; i < len(chain)-1; i++ {
		p := Pair{Issuer: chain[i+1], Subject: chain[i]}
		if p.IsSelfSigned() {
			continue
		}
		pairs = append(pairs, p)
	}
	return pairs
}

// FromVerifiedChains returns unique pairs of all chains
func FromVerifiedChains(chains [][]*x509.Certificate) []Pair {
	type key struct {
		issuer  string
		subject string
	}
	seen := map[key]bool{}

	var pairs []Pair
	for _, chain := range chains {
		for _, p := range FromChain(chain) {
			k := key{issuer: string(p.Issuer.Raw), subject: string(p.Subject.Raw)}
			if seen[k] {
				continue
			}
			seen[k] = true
			pairs = append(pairs, p)
		}
	}
	return pairs
}

// FromConnectionState returns pairs of the verified chains,
// or of the peer certificates if the chains were not verified
func FromConnectionState(cs tls.ConnectionState) ([]Pair, error) {
	if len(cs.VerifiedChains) > 0 {
		return FromVerifiedChains(cs.VerifiedChains), nil
	}
	if len(cs.PeerCertificates) == 0 {
		return nil, errors.New("no peer certificates")
	}
	return FromChain(cs.PeerCertificates), nil
}

// FromPEM returns pairs of the PEM encoded chain, ordered from the leaf
func FromPEM(pemChain []byte) ([]Pair, error) {
	chain, err := certutil.ParseChainFromPEM(pemChain)
	if err != nil {
		return nil, errors.WithMessage(err, "unable to parse chain")
	}
	if len(chain) < 2 {
		return nil, errors.Errorf("expected at least 2 certificates, got %d", len(chain))
	}
	return FromChain(chain), nil
}

// FromPEMFile returns pairs of the chain in the file
func FromPEMFile(file string) ([]Pair, error) {
	b, err := os.ReadFile(file)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	pairs, err := FromPEM(b)
	if err != nil {
		return nil, errors.WithMessagef(err, "invalid chain in %s", file)
	}
	return pairs, nil
}
