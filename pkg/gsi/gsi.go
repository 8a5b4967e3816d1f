// Package gsi loads Grid Security Infrastructure credentials (X.509
// certificates, proxies and trusted CA directories) into a tls.Config for
// gsiftp:// control channels.
package gsi

import (
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/crypto/pkcs12"

	"github.com/marmos91/gridftp/internal/logger"
)

// DefaultCADir is the conventional trusted certificates directory.
const DefaultCADir = "/etc/grid-security/certificates"

// Environment variables consulted by FromEnvironment.
const (
	EnvUserProxy = "X509_USER_PROXY"
	EnvUserCert  = "X509_USER_CERT"
	EnvUserKey   = "X509_USER_KEY"
	EnvCertDir   = "X509_CERT_DIR"
)

// ErrNoCredential is returned when no client credential is configured.
var ErrNoCredential = errors.New("gsi: no credential configured")

// Credentials names where to find the client identity and trust anchors.
// Exactly one of ProxyFile, CertFile/KeyFile or PKCS12File should be set.
type Credentials struct {
	ProxyFile          string
	CertFile           string
	KeyFile            string
	PKCS12File         string
	PKCS12Password     string
	CADir              string
	InsecureSkipVerify bool
}

// FromEnvironment fills unset fields from the X509_* environment
// variables.
func (c Credentials) FromEnvironment() Credentials {
	if c.ProxyFile == "" && c.CertFile == "" && c.PKCS12File == "" {
		c.ProxyFile = os.Getenv(EnvUserProxy)
		if c.ProxyFile == "" {
			c.CertFile = os.Getenv(EnvUserCert)
			c.KeyFile = os.Getenv(EnvUserKey)
		}
	}
	if c.CADir == "" {
		c.CADir = os.Getenv(EnvCertDir)
	}
	return c
}

// Certificate loads the client certificate chain and key.
func (c Credentials) Certificate() (tls.Certificate, error) {
	switch {
	case c.ProxyFile != "":
		return LoadProxy(c.ProxyFile)
	case c.PKCS12File != "":
		return LoadPKCS12(c.PKCS12File, c.PKCS12Password)
	case c.CertFile != "" || c.KeyFile != "":
		if c.CertFile == "" || c.KeyFile == "" {
			return tls.Certificate{}, errors.New("gsi: cert_file and key_file must be set together")
		}
		cert, err := tls.LoadX509KeyPair(c.CertFile, c.KeyFile)
		if err != nil {
			return tls.Certificate{}, fmt.Errorf("gsi: load key pair: %w", err)
		}
		return cert, nil
	default:
		return tls.Certificate{}, ErrNoCredential
	}
}

// TLSConfig builds the client TLS configuration. A missing credential is
// allowed: the connection is then made without a client certificate.
func (c Credentials) TLSConfig() (*tls.Config, error) {
	cfg := &tls.Config{
		MinVersion:         tls.VersionTLS12,
		InsecureSkipVerify: c.InsecureSkipVerify, //nolint:gosec // opt-in for test grids
	}

	cert, err := c.Certificate()
	switch {
	case err == nil:
		cfg.Certificates = []tls.Certificate{cert}
	case errors.Is(err, ErrNoCredential):
		logger.Debug("no client credential configured")
	default:
		return nil, err
	}

	if c.CADir != "" {
		pool, err := LoadCADir(c.CADir)
		if err != nil {
			return nil, err
		}
		cfg.RootCAs = pool
	}
	return cfg, nil
}

// LoadProxy loads a proxy credential: one PEM file holding the proxy
// certificate, its private key and the signing chain.
func LoadProxy(path string) (tls.Certificate, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("gsi: read proxy: %w", err)
	}
	cert, err := tls.X509KeyPair(data, data)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("gsi: parse proxy %s: %w", path, err)
	}
	return cert, nil
}

// LoadPKCS12 loads a certificate and key from a PKCS#12 bundle.
func LoadPKCS12(path, password string) (tls.Certificate, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("gsi: read pkcs12: %w", err)
	}
	blocks, err := pkcs12.ToPEM(data, password)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("gsi: decode pkcs12 %s: %w", path, err)
	}

	var pemData []byte
	for _, b := range blocks {
		pemData = append(pemData, pem.EncodeToMemory(b)...)
	}
	cert, err := tls.X509KeyPair(pemData, pemData)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("gsi: pkcs12 %s: %w", path, err)
	}
	return cert, nil
}

// LoadCADir reads every PEM certificate in dir into a pool. Files that
// hold no certificate (signing policies, CRLs) are skipped.
func LoadCADir(dir string) (*x509.CertPool, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("gsi: read CA directory: %w", err)
	}

	pool := x509.NewCertPool()
	added := 0
	for _, e := range entries {
		if e.IsDir() || strings.HasSuffix(e.Name(), ".signing_policy") || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, e.Name()))
		if err != nil {
			return nil, fmt.Errorf("gsi: read %s: %w", e.Name(), err)
		}
		if pool.AppendCertsFromPEM(data) {
			added++
		}
	}
	if added == 0 {
		return nil, fmt.Errorf("gsi: no CA certificates in %s", dir)
	}
	logger.Debug("loaded trusted CAs", "dir", dir, "files", added)
	return pool, nil
}
