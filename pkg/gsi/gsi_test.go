package gsi

import (
	"crypto/tls"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marmos91/gridftp/internal/gridftptest"
)

func writeFile(t *testing.T, dir, name string, data []byte) string {
	t.Helper()
	p := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(p, data, 0o600))
	return p
}

func TestTLSConfig(t *testing.T) {
	creds, err := gridftptest.NewCredentials()
	require.NoError(t, err)
	dir := t.TempDir()

	caDir := filepath.Join(dir, "certificates")
	require.NoError(t, os.Mkdir(caDir, 0o755))
	writeFile(t, caDir, "abcd1234.0", creds.CACert)
	writeFile(t, caDir, "abcd1234.signing_policy", []byte("access_id_CA X509 '/CN=GridFTP Test CA'"))

	t.Run("KeyPair", func(t *testing.T) {
		c := Credentials{
			CertFile: writeFile(t, dir, "usercert.pem", creds.UserCert),
			KeyFile:  writeFile(t, dir, "userkey.pem", creds.UserKey),
			CADir:    caDir,
		}
		cfg, err := c.TLSConfig()
		require.NoError(t, err)
		assert.Len(t, cfg.Certificates, 1)
		assert.NotNil(t, cfg.RootCAs)
		assert.Equal(t, uint16(tls.VersionTLS12), cfg.MinVersion)
	})

	t.Run("Proxy", func(t *testing.T) {
		proxy := append(append([]byte{}, creds.UserCert...), creds.UserKey...)
		c := Credentials{ProxyFile: writeFile(t, dir, "x509up_u1000", proxy)}
		cfg, err := c.TLSConfig()
		require.NoError(t, err)
		assert.Len(t, cfg.Certificates, 1)
		assert.Nil(t, cfg.RootCAs)
	})

	t.Run("NoCredential", func(t *testing.T) {
		cfg, err := Credentials{InsecureSkipVerify: true}.TLSConfig()
		require.NoError(t, err)
		assert.Empty(t, cfg.Certificates)
		assert.True(t, cfg.InsecureSkipVerify)
	})

	t.Run("HalfKeyPair", func(t *testing.T) {
		_, err := Credentials{CertFile: "/nonexistent.pem"}.TLSConfig()
		assert.Error(t, err)
	})

	t.Run("BadPKCS12", func(t *testing.T) {
		c := Credentials{PKCS12File: writeFile(t, dir, "user.p12", []byte("not a bundle"))}
		_, err := c.TLSConfig()
		assert.Error(t, err)
	})
}

func TestLoadCADir(t *testing.T) {
	t.Run("Empty", func(t *testing.T) {
		_, err := LoadCADir(t.TempDir())
		assert.Error(t, err)
	})

	t.Run("Missing", func(t *testing.T) {
		_, err := LoadCADir(filepath.Join(t.TempDir(), "nope"))
		assert.Error(t, err)
	})
}

func TestFromEnvironment(t *testing.T) {
	t.Setenv(EnvUserProxy, "")
	t.Setenv(EnvUserCert, "/cert.pem")
	t.Setenv(EnvUserKey, "/key.pem")
	t.Setenv(EnvCertDir, "/ca")

	c := Credentials{}.FromEnvironment()
	assert.Equal(t, "/cert.pem", c.CertFile)
	assert.Equal(t, "/key.pem", c.KeyFile)
	assert.Equal(t, "/ca", c.CADir)

	t.Setenv(EnvUserProxy, "/tmp/x509up")
	c = Credentials{}.FromEnvironment()
	assert.Equal(t, "/tmp/x509up", c.ProxyFile)
	assert.Empty(t, c.CertFile)

	c = Credentials{PKCS12File: "/u.p12"}.FromEnvironment()
	assert.Empty(t, c.ProxyFile)
	assert.Equal(t, "/ca", c.CADir)
}
