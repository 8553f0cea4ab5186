package transport

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/WebFirstLanguage/beevault/pkg/constants"
	"github.com/WebFirstLanguage/beevault/pkg/identity"
)

// certLifetime bounds the self-signed certificate validity
const certLifetime = 365 * 24 * time.Hour

// TLSConfig returns a TLS configuration presenting a self-signed certificate
// for the vault identity. Peers are authenticated by frame signatures, so
// certificates are only required to carry an Ed25519 key.
func TLSConfig(id *identity.Identity) (*tls.Config, error) {
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 62))
	if err != nil {
		return nil, fmt.Errorf("failed to generate certificate serial: %w", err)
	}

	now := time.Now()
	template := &x509.Certificate{
		SerialNumber: serial,
		Subject:      pkix.Name{CommonName: id.Tag()},
		NotBefore:    now.Add(-time.Hour),
		NotAfter:     now.Add(certLifetime),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
		DNSNames:     []string{"vault"},
	}

	der, err := x509.CreateCertificate(rand.Reader, template, template, id.SigningPublicKey, id.SigningPrivateKey)
	if err != nil {
		return nil, fmt.Errorf("failed to create certificate: %w", err)
	}

	return &tls.Config{
		Certificates: []tls.Certificate{{
			Certificate: [][]byte{der},
			PrivateKey:  id.SigningPrivateKey,
		}},
		MinVersion:            tls.VersionTLS13,
		NextProtos:            []string{constants.ALPN},
		ClientAuth:            tls.RequestClientCert,
		InsecureSkipVerify:    true,
		VerifyPeerCertificate: verifyEd25519Peer,
	}, nil
}

// verifyEd25519Peer accepts any certificate carrying an Ed25519 key
func verifyEd25519Peer(rawCerts [][]byte, _ [][]*x509.Certificate) error {
	if len(rawCerts) == 0 {
		return nil
	}
	cert, err := x509.ParseCertificate(rawCerts[0])
	if err != nil {
		return fmt.Errorf("invalid peer certificate: %w", err)
	}
	if _, ok := cert.PublicKey.(ed25519.PublicKey); !ok {
		return errors.New("peer certificate does not carry an Ed25519 key")
	}
	return nil
}
