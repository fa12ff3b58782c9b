package pki

import (
	"crypto/x509"
	"strings"
	"testing"
)

func newCA(t *testing.T) *CertifiedKeyPair {
	t.Helper()
	ca, err := GenerateCA("mycelial-test")
	if err != nil {
		t.Fatalf("GenerateCA: %v", err)
	}
	return ca
}

func TestCACertificateShape(t *testing.T) {
	ca := newCA(t)
	if !ca.Cert.IsCA {
		t.Error("CA certificate must have basicConstraints.CA=true")
	}
	wantUsage := x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign | x509.KeyUsageCRLSign
	if ca.Cert.KeyUsage != wantUsage {
		t.Errorf("key usage = %v, want %v", ca.Cert.KeyUsage, wantUsage)
	}
	if ca.Cert.Subject.CommonName != "mycelial-test" {
		t.Errorf("common name = %q", ca.Cert.Subject.CommonName)
	}
}

func TestServerAndClientCertVerify(t *testing.T) {
	ca := newCA(t)
	server, err := GenerateServerCert(ca, "control.example")
	if err != nil {
		t.Fatalf("GenerateServerCert: %v", err)
	}
	client, err := GenerateClientCert(ca, "9f0c2a1e-daemon")
	if err != nil {
		t.Fatalf("GenerateClientCert: %v", err)
	}

	serverVerifier := NewVerifier(ca.Cert, VerifyServer) // used by the daemon
	clientVerifier := NewVerifier(ca.Cert, VerifyClient) // used by the control plane

	if err := serverVerifier.VerifyPeerCertificate([][]byte{server.Cert.Raw}, nil); err != nil {
		t.Errorf("server cert rejected: %v", err)
	}
	if err := clientVerifier.VerifyPeerCertificate([][]byte{client.Cert.Raw}, nil); err != nil {
		t.Errorf("client cert rejected: %v", err)
	}

	// extended key usage is enforced both ways
	if err := serverVerifier.VerifyPeerCertificate([][]byte{client.Cert.Raw}, nil); err == nil {
		t.Error("client cert accepted where server-auth is required")
	}
	if err := clientVerifier.VerifyPeerCertificate([][]byte{server.Cert.Raw}, nil); err == nil {
		t.Error("server cert accepted where client-auth is required")
	}
}

func TestForeignCARejected(t *testing.T) {
	ca := newCA(t)
	other := newCA(t)
	client, err := GenerateClientCert(other, "rogue")
	if err != nil {
		t.Fatalf("GenerateClientCert: %v", err)
	}
	verifier := NewVerifier(ca.Cert, VerifyClient)
	if err := verifier.VerifyPeerCertificate([][]byte{client.Cert.Raw}, nil); err == nil {
		t.Error("certificate from a foreign CA was accepted")
	}
}

func TestCSRSignRoundTrip(t *testing.T) {
	ca := newCA(t)
	keyPEM, csrPEM, err := GenerateCSR("token-id-1")
	if err != nil {
		t.Fatalf("GenerateCSR: %v", err)
	}
	if !strings.Contains(string(csrPEM), "CERTIFICATE REQUEST") {
		t.Fatal("csr is not PEM encoded")
	}
	certPEM, err := SignCSR(ca, csrPEM)
	if err != nil {
		t.Fatalf("SignCSR: %v", err)
	}

	cert, err := ParseCertificatePEM(certPEM)
	if err != nil {
		t.Fatalf("ParseCertificatePEM: %v", err)
	}
	name, err := CommonName(cert)
	if err != nil {
		t.Fatalf("CommonName: %v", err)
	}
	if name != "token-id-1" {
		t.Errorf("common name = %q, want token-id-1", name)
	}
	verifier := NewVerifier(ca.Cert, VerifyClient)
	if err := verifier.VerifyPeerCertificate([][]byte{cert.Raw}, nil); err != nil {
		t.Errorf("signed csr certificate rejected: %v", err)
	}

	// the issued certificate matches the CSR's key
	key, err := ParseKeyPEM(keyPEM)
	if err != nil {
		t.Fatalf("ParseKeyPEM: %v", err)
	}
	if !key.PublicKey.Equal(cert.PublicKey) {
		t.Error("issued certificate does not carry the CSR public key")
	}
}

func TestSignCSRRejectsGarbage(t *testing.T) {
	ca := newCA(t)
	if _, err := SignCSR(ca, []byte("not a csr")); err == nil {
		t.Error("garbage csr accepted")
	}
}

func TestKeyPEMRoundTrip(t *testing.T) {
	ca := newCA(t)
	key, err := ParseKeyPEM(ca.KeyPEM)
	if err != nil {
		t.Fatalf("ParseKeyPEM: %v", err)
	}
	if !key.PublicKey.Equal(ca.Cert.PublicKey) {
		t.Error("key does not match certificate")
	}
}
