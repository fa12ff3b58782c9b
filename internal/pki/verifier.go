package pki

import (
	"crypto/x509"
	"fmt"
)

// Usage selects which extended key usage a Verifier demands from the peer.
type Usage int

const (
	// VerifyServer is used client-side: the peer must present a
	// server-auth certificate.
	VerifyServer Usage = iota
	// VerifyClient is used server-side: the peer must present a
	// client-auth certificate.
	VerifyClient
)

// Verifier validates a peer certificate chain against a single CA trust
// anchor. DNS hostname is not checked — connections are daemon-to-known-
// endpoint and identity lives in the client certificate. CRLs are not
// consulted.
type Verifier struct {
	roots *x509.CertPool
	usage x509.ExtKeyUsage
}

// NewVerifier builds a verifier trusting exactly the given CA.
func NewVerifier(ca *x509.Certificate, usage Usage) *Verifier {
	roots := x509.NewCertPool()
	roots.AddCert(ca)
	eku := x509.ExtKeyUsageServerAuth
	if usage == VerifyClient {
		eku = x509.ExtKeyUsageClientAuth
	}
	return &Verifier{roots: roots, usage: eku}
}

// VerifyPeerCertificate is shaped for tls.Config.VerifyPeerCertificate.
// Use alongside InsecureSkipVerify (client side) or RequireAnyClientCert
// (server side): those switches disable the stdlib's hostname/CA checks so
// this chain-and-usage verification is the one that decides.
func (v *Verifier) VerifyPeerCertificate(rawCerts [][]byte, _ [][]*x509.Certificate) error {
	if len(rawCerts) == 0 {
		return fmt.Errorf("peer presented no certificate")
	}
	leaf, err := x509.ParseCertificate(rawCerts[0])
	if err != nil {
		return fmt.Errorf("parse peer certificate: %w", err)
	}
	intermediates := x509.NewCertPool()
	for _, raw := range rawCerts[1:] {
		cert, err := x509.ParseCertificate(raw)
		if err != nil {
			return fmt.Errorf("parse intermediate certificate: %w", err)
		}
		intermediates.AddCert(cert)
	}
	_, err = leaf.Verify(x509.VerifyOptions{
		Roots:         v.roots,
		Intermediates: intermediates,
		KeyUsages:     []x509.ExtKeyUsage{v.usage},
	})
	if err != nil {
		return fmt.Errorf("verify peer certificate: %w", err)
	}
	return nil
}
