package agent

import (
	"crypto/x509"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateCerts(t *testing.T) {
	certs, err := GenerateCerts()
	require.NoError(t, err)

	roots := x509.NewCertPool()
	require.True(t, roots.AppendCertsFromPEM(certs.CA.CertPEMBytes))

	_, err = certs.Server.X509Cert.Verify(x509.VerifyOptions{
		Roots:     roots,
		DNSName:   ServerSubject,
		KeyUsages: []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	})
	assert.NoError(t, err)

	_, err = certs.Client.X509Cert.Verify(x509.VerifyOptions{
		Roots:     roots,
		KeyUsages: []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth},
	})
	assert.NoError(t, err)
	assert.Equal(t, ClientSubject, certs.Client.X509Cert.Subject.CommonName)

	// a client cert is not usable as a server cert
	_, err = certs.Client.X509Cert.Verify(x509.VerifyOptions{
		Roots:     roots,
		KeyUsages: []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	})
	assert.Error(t, err)

	_, err = ServerTLSConfig(certs.CA.CertPEMBytes, certs.Server.CertPEMBytes, certs.Server.KeyPEMBytes)
	assert.NoError(t, err)
	_, err = ClientTLSConfig(certs.CA.CertPEMBytes, certs.Client.CertPEMBytes, certs.Client.KeyPEMBytes)
	assert.NoError(t, err)
}

func TestIssueClientCert(t *testing.T) {
	certs, err := GenerateCerts()
	require.NoError(t, err)

	cert, err := certs.CA.IssueClientCert("someone")
	require.NoError(t, err)
	assert.Equal(t, "someone", cert.X509Cert.Subject.CommonName)
	assert.Empty(t, cert.X509Cert.DNSNames)

	// a CA rebuilt from PEM alone has no signing key
	loaded := CACert{Cert: Cert{CertPEMBytes: certs.CA.CertPEMBytes, KeyPEMBytes: certs.CA.KeyPEMBytes}}
	_, err = loaded.IssueClientCert("someone")
	assert.Error(t, err)
}
