package transport

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"fmt"
	"math/big"
	"net"
	"os"
	"slices"
	"time"

	"github.com/seamnet/seam/pkg/version"
)

// ALPNProtocol is the ALPN identifier of the current protocol major version.
var ALPNProtocol = version.CurrentALPNProtocol()

// TLSConfig holds the TLS settings of a listener.
type TLSConfig struct {
	// Certificate is the server certificate.
	Certificate tls.Certificate

	// ClientCAs verifies client certificates when RequireClientCert is set.
	ClientCAs *x509.CertPool

	// RequireClientCert enables mutual TLS.
	RequireClientCert bool

	// NextProtos overrides the ALPN list. Empty means every supported
	// protocol version.
	NextProtos []string
}

// NewServerTLSConfig creates a TLS 1.3-only server configuration.
func NewServerTLSConfig(cfg *TLSConfig) (*tls.Config, error) {
	if cfg == nil {
		return nil, fmt.Errorf("TLSConfig is required")
	}
	if len(cfg.Certificate.Certificate) == 0 {
		return nil, fmt.Errorf("server certificate is required")
	}

	protos := cfg.NextProtos
	if len(protos) == 0 {
		protos = version.SupportedALPNProtocols()
	}

	tlsConfig := &tls.Config{
		// TLS 1.3 only - no fallback
		MinVersion: tls.VersionTLS13,
		MaxVersion: tls.VersionTLS13,

		Certificates: []tls.Certificate{cfg.Certificate},
		NextProtos:   slices.Clone(protos),

		CurvePreferences: []tls.CurveID{
			tls.X25519,
			tls.CurveP256,
		},

		SessionTicketsDisabled: true,
	}

	if cfg.RequireClientCert {
		if cfg.ClientCAs == nil {
			return nil, fmt.Errorf("client CA pool is required for mutual TLS")
		}
		tlsConfig.ClientAuth = tls.RequireAndVerifyClientCert
		tlsConfig.ClientCAs = cfg.ClientCAs
	}

	return tlsConfig, nil
}

// NewClientTLSConfig creates a TLS 1.3 client configuration trusting roots.
// A nil roots pool skips verification, which is only meant for tests.
func NewClientTLSConfig(roots *x509.CertPool, serverName string, nextProtos ...string) *tls.Config {
	if len(nextProtos) == 0 {
		nextProtos = []string{ALPNProtocol}
	}
	return &tls.Config{
		MinVersion:         tls.VersionTLS13,
		MaxVersion:         tls.VersionTLS13,
		RootCAs:            roots,
		ServerName:         serverName,
		NextProtos:         nextProtos,
		InsecureSkipVerify: roots == nil,
	}
}

// LoadTLSConfig reads a PEM certificate and key from disk.
func LoadTLSConfig(certFile, keyFile string) (*TLSConfig, error) {
	cert, err := tls.LoadX509KeyPair(certFile, keyFile)
	if err != nil {
		return nil, fmt.Errorf("load key pair: %w", err)
	}
	return &TLSConfig{Certificate: cert}, nil
}

// LoadCertPool reads PEM certificates from path into a new pool.
func LoadCertPool(path string) (*x509.CertPool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(data) {
		return nil, fmt.Errorf("no certificates found in %s", path)
	}
	return pool, nil
}

// SelfSignedCertificate creates a P-256 certificate valid for one year for
// the given host names and IP addresses. Without hosts it covers localhost.
func SelfSignedCertificate(hosts ...string) (tls.Certificate, error) {
	if len(hosts) == 0 {
		hosts = []string{"localhost", "127.0.0.1", "::1"}
	}

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("generate key: %w", err)
	}
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("generate serial: %w", err)
	}

	template := &x509.Certificate{
		SerialNumber:          serial,
		Subject:               pkix.Name{CommonName: hosts[0]},
		NotBefore:             time.Now().Add(-time.Minute),
		NotAfter:              time.Now().Add(365 * 24 * time.Hour),
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
		BasicConstraintsValid: true,
		IsCA:                  true,
	}
	for _, h := range hosts {
		if ip := net.ParseIP(h); ip != nil {
			template.IPAddresses = append(template.IPAddresses, ip)
		} else {
			template.DNSNames = append(template.DNSNames, h)
		}
	}

	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("create certificate: %w", err)
	}
	leaf, err := x509.ParseCertificate(der)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("parse certificate: %w", err)
	}

	return tls.Certificate{
		Certificate: [][]byte{der},
		PrivateKey:  key,
		Leaf:        leaf,
	}, nil
}

// VerifyTLS13 checks that a TLS connection is using TLS 1.3.
func VerifyTLS13(state tls.ConnectionState) error {
	if state.Version != tls.VersionTLS13 {
		return fmt.Errorf("TLS version %x is not TLS 1.3 (0x0304)", state.Version)
	}
	return nil
}

// VerifyALPN checks that the negotiated protocol is one of protos. An empty
// protos means every supported major version.
func VerifyALPN(state tls.ConnectionState, protos ...string) error {
	if len(protos) == 0 {
		protos = version.SupportedALPNProtocols()
	}
	if !slices.Contains(protos, state.NegotiatedProtocol) {
		return fmt.Errorf("ALPN protocol %q is not one of %v", state.NegotiatedProtocol, protos)
	}
	return nil
}

// VerifyConnection runs the post-handshake checks for an accepted connection.
func VerifyConnection(state tls.ConnectionState, protos ...string) error {
	if err := VerifyTLS13(state); err != nil {
		return err
	}
	return VerifyALPN(state, protos...)
}
