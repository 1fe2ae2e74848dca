package agent

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"errors"
	"fmt"
	"math/big"
	"time"
)

// Subjects of the generated certificates. The agent authorizes requesters by their certificate's common name.
const (
	ServerSubject = "nodeagent"
	ClientSubject = "rexec-client"
)

const certValidityDays = 7

// Certs contains the TLS client and server certs and keys for configuring mTLS between the agent and its clients.
// This contains the secrets necessary for authz, so handle carefully.
type Certs struct {
	Server Cert
	Client Cert
	CA     CACert
}

func ClientTLSConfig(caCertPEM []byte, certPEM []byte, keyPEM []byte) (*tls.Config, error) {
	caCertPool := x509.NewCertPool()
	caCertPool.AppendCertsFromPEM(caCertPEM)

	cert, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return nil, fmt.Errorf("parsing client key pair: %w", err)
	}
	return &tls.Config{
		RootCAs:      caCertPool,
		Certificates: []tls.Certificate{cert},
	}, nil
}

// ServerTLSConfig requires TLS 1.3 and a client certificate signed by the CA.
func ServerTLSConfig(caCertPEM []byte, certPEM []byte, keyPEM []byte) (*tls.Config, error) {
	caCertPool := x509.NewCertPool()
	caCertPool.AppendCertsFromPEM(caCertPEM)

	cert, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return nil, fmt.Errorf("parsing server key pair: %w", err)
	}
	return &tls.Config{
		MinVersion:   tls.VersionTLS13,
		ClientCAs:    caCertPool,
		ClientAuth:   tls.RequireAndVerifyClientCert,
		Certificates: []tls.Certificate{cert},
	}, nil
}

type Cert struct {
	X509Cert     *x509.Certificate
	CertDER      []byte
	CertPEMBytes []byte
	KeyPEMBytes  []byte
}

// CACert is a self-signed CA. Certificates can only be issued from a CA generated in this process,
// since the signing key is kept unexported.
type CACert struct {
	Cert
	key crypto.Signer
}

// GenerateCerts generates a CA and server and client certificates signed by it for mTLS between agents and clients.
func GenerateCerts() (*Certs, error) {
	ca, err := NewCA("RexecCA")
	if err != nil {
		return nil, fmt.Errorf("building CA cert: %w", err)
	}
	server, err := ca.IssueServerCert(ServerSubject)
	if err != nil {
		return nil, fmt.Errorf("building server cert: %w", err)
	}
	client, err := ca.IssueClientCert(ClientSubject)
	if err != nil {
		return nil, fmt.Errorf("building client cert: %w", err)
	}
	return &Certs{Server: *server, Client: *client, CA: *ca}, nil
}

// NewCA generates a self-signed CA with the given common name.
func NewCA(cn string) (*CACert, error) {
	tmpl, err := certTemplate(cn)
	if err != nil {
		return nil, err
	}
	tmpl.IsCA = true
	tmpl.BasicConstraintsValid = true
	tmpl.KeyUsage = x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generating CA private key: %w", err)
	}
	cert, err := sign(tmpl, tmpl, key, key)
	if err != nil {
		return nil, err
	}
	return &CACert{Cert: *cert, key: key}, nil
}

// IssueServerCert signs a certificate the agent presents. host is both its common name and DNS name.
func (c CACert) IssueServerCert(host string) (*Cert, error) {
	return c.issue(host, x509.ExtKeyUsageServerAuth, host)
}

// IssueClientCert signs a client certificate with the given common name.
func (c CACert) IssueClientCert(cn string) (*Cert, error) {
	return c.issue(cn, x509.ExtKeyUsageClientAuth)
}

func (c CACert) issue(cn string, usage x509.ExtKeyUsage, dnsNames ...string) (*Cert, error) {
	if c.key == nil || c.X509Cert == nil {
		return nil, errors.New("CA private key not available")
	}
	tmpl, err := certTemplate(cn)
	if err != nil {
		return nil, err
	}
	tmpl.DNSNames = dnsNames
	tmpl.KeyUsage = x509.KeyUsageDigitalSignature
	tmpl.ExtKeyUsage = []x509.ExtKeyUsage{usage}

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generating key: %w", err)
	}
	return sign(tmpl, c.X509Cert, key, c.key)
}

func certTemplate(cn string) (*x509.Certificate, error) {
	serialNumberLimit := new(big.Int).Lsh(big.NewInt(1), 128)
	serialNumber, err := rand.Int(rand.Reader, serialNumberLimit)
	if err != nil {
		return nil, fmt.Errorf("getting random serial number: %w", err)
	}
	now := time.Now()
	return &x509.Certificate{
		SerialNumber: serialNumber,
		Subject:      pkix.Name{CommonName: cn},
		NotBefore:    now,
		NotAfter:     now.AddDate(0, 0, certValidityDays),
	}, nil
}

// sign creates tmpl for key's public half, signed by parent's key, and PEM-encodes the result.
func sign(tmpl, parent *x509.Certificate, key *ecdsa.PrivateKey, parentKey crypto.Signer) (*Cert, error) {
	der, err := x509.CreateCertificate(rand.Reader, tmpl, parent, &key.PublicKey, parentKey)
	if err != nil {
		return nil, fmt.Errorf("creating cert %q: %w", tmpl.Subject.CommonName, err)
	}
	parsed, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, fmt.Errorf("parsing cert %q: %w", tmpl.Subject.CommonName, err)
	}
	keyDER, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		return nil, fmt.Errorf("marshaling pkcs8: %w", err)
	}

	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: keyDER})
	if certPEM == nil || keyPEM == nil {
		return nil, errors.New("unable to encode certificate to PEM")
	}
	return &Cert{
		X509Cert:     parsed,
		CertDER:      der,
		CertPEMBytes: certPEM,
		KeyPEMBytes:  keyPEM,
	}, nil
}
