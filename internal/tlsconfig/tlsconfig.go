// Package tlsconfig builds the TLS configuration for the API server and for outbound webhooks.
package tlsconfig

import (
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
	"os"
	"time"

	"github.com/quic-go/quic-go/http3"
)

const minTLSVersion = tls.VersionTLS12

// ServerOptions contains the options for the server's TLS configuration.
type ServerOptions struct {
	// Path to the PEM-encoded certificate and key
	// If both are empty, uses a self-signed certificate
	CertFile string
	KeyFile  string
	// If true, the server also accepts HTTP/3 connections
	HTTP3 bool
}

// ServerConfig returns the TLS configuration for the server.
func (opts ServerOptions) ServerConfig() (*tls.Config, error) {
	cfg := &tls.Config{
		MinVersion: minTLSVersion,
	}
	if opts.HTTP3 {
		// HTTP/3 requires TLS 1.3
		cfg.MinVersion = tls.VersionTLS13
	}

	var (
		cert *tls.Certificate
		err  error
	)
	switch {
	case opts.CertFile != "" && opts.KeyFile != "":
		var c tls.Certificate
		c, err = tls.LoadX509KeyPair(opts.CertFile, opts.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load TLS certificate: %w", err)
		}
		cert = &c
	case opts.CertFile != "" || opts.KeyFile != "":
		return nil, errors.New("both the TLS certificate and key must be set")
	default:
		cert, err = generateSelfSignedServerCert()
		if err != nil {
			return nil, err
		}
	}

	cfg.Certificates = []tls.Certificate{*cert}
	return cfg, nil
}

// ClientOptions contains the options for the TLS configuration of outbound requests.
// All fields are optional
type ClientOptions struct {
	// Path to a PEM-encoded CA certificate bundle used to validate servers
	CAFile string
	// If true, skips validating TLS certificates presented by servers
	// This is required when servers use self-signed certificates
	InsecureSkipVerify bool
	// If true, sets the ALPN for HTTP/3
	HTTP3 bool
}

// ClientConfig returns the TLS configuration for clients.
func (opts ClientOptions) ClientConfig() (*tls.Config, error) {
	cfg := &tls.Config{
		MinVersion: minTLSVersion,
		// #nosec G402
		InsecureSkipVerify: opts.InsecureSkipVerify,
	}

	if opts.HTTP3 {
		cfg.MinVersion = tls.VersionTLS13
		cfg.NextProtos = []string{http3.NextProtoH3}
	}

	if opts.CAFile != "" {
		pemData, err := os.ReadFile(opts.CAFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read CA certificate file: %w", err)
		}

		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pemData) {
			return nil, errors.New("CA certificate file does not contain any valid certificate")
		}
		cfg.RootCAs = pool
	}

	return cfg, nil
}

func generateSelfSignedServerCert() (*tls.Certificate, error) {
	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("failed to generate private key for the self-signed certificate: %w", err)
	}

	now := time.Now()
	tpl := x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject: pkix.Name{
			Organization: []string{"courier"},
		},
		DNSNames:              []string{"localhost"},
		NotBefore:             now.Add(-time.Hour),
		NotAfter:              now.Add(180 * 24 * time.Hour),
		KeyUsage:              x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
	}

	certDER, err := x509.CreateCertificate(rand.Reader, &tpl, &tpl, &priv.PublicKey, priv)
	if err != nil {
		return nil, fmt.Errorf("failed to create self-signed certificate: %w", err)
	}
	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: certDER})

	keyBytes, err := x509.MarshalPKCS8PrivateKey(priv)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal self-signed private key: %w", err)
	}
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: keyBytes})

	cert, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return nil, fmt.Errorf("failed to create self-signed key pair: %w", err)
	}

	return &cert, nil
}
