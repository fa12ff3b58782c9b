package server

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/mycelial-network/mycelial/internal/pki"
)

const (
	caCertFile     = "ca.crt"
	caKeyFile      = "ca.key"
	serverCertFile = "server.crt"
	serverKeyFile  = "server.key"
)

// InitPKI mints the CA and the server certificate into dir. Refuses to
// overwrite an existing CA — compromise recovery is an operator decision,
// not an accident.
func InitPKI(dir, name string) error {
	if _, err := os.Stat(filepath.Join(dir, caCertFile)); err == nil {
		return fmt.Errorf("ca already present in %s", dir)
	}
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("create pki dir: %w", err)
	}
	ca, err := pki.GenerateCA(name)
	if err != nil {
		return fmt.Errorf("generate ca: %w", err)
	}
	serverCert, err := pki.GenerateServerCert(ca, name)
	if err != nil {
		return fmt.Errorf("generate server certificate: %w", err)
	}
	files := []struct {
		name string
		data []byte
		mode os.FileMode
	}{
		{caCertFile, ca.CertPEM, 0644},
		{caKeyFile, ca.KeyPEM, 0600},
		{serverCertFile, serverCert.CertPEM, 0644},
		{serverKeyFile, serverCert.KeyPEM, 0600},
	}
	for _, f := range files {
		if err := os.WriteFile(filepath.Join(dir, f.name), f.data, f.mode); err != nil {
			return fmt.Errorf("write %s: %w", f.name, err)
		}
	}
	return nil
}

// LoadPKI reads the CA and server certificate minted by InitPKI.
func LoadPKI(dir string) (ca, serverCert *pki.CertifiedKeyPair, err error) {
	ca, err = loadPair(dir, caCertFile, caKeyFile)
	if err != nil {
		return nil, nil, err
	}
	serverCert, err = loadPair(dir, serverCertFile, serverKeyFile)
	if err != nil {
		return nil, nil, err
	}
	return ca, serverCert, nil
}

func loadPair(dir, certFile, keyFile string) (*pki.CertifiedKeyPair, error) {
	certPEM, err := os.ReadFile(filepath.Join(dir, certFile))
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", certFile, err)
	}
	keyPEM, err := os.ReadFile(filepath.Join(dir, keyFile))
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", keyFile, err)
	}
	cert, err := pki.ParseCertificatePEM(certPEM)
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", certFile, err)
	}
	key, err := pki.ParseKeyPEM(keyPEM)
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", keyFile, err)
	}
	return &pki.CertifiedKeyPair{Cert: cert, CertPEM: certPEM, Key: key, KeyPEM: keyPEM}, nil
}
