package quicnet

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"math/big"
	"time"

	"meshchat/internal/node"
)

// ALPN is the application protocol negotiated on every connection.
const ALPN = "meshchat/1"

var errPeerIdentity = errors.New("peer certificate does not match its address")

// identityCert self-signs a certificate for the node key. Peers never check
// it against a CA; they check that the key hashes to the expected address.
func identityCert(self *node.Node) (tls.Certificate, error) {
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 62))
	if err != nil {
		return tls.Certificate{}, err
	}
	now := time.Now()
	template := x509.Certificate{
		SerialNumber: serial,
		NotBefore:    now.Add(-time.Hour),
		NotAfter:     now.Add(10 * 365 * 24 * time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
		DNSNames:     []string{self.Address},
	}
	der, err := x509.CreateCertificate(rand.Reader, &template, &template, self.PubKey, self.PrivKey)
	if err != nil {
		return tls.Certificate{}, err
	}
	return tls.Certificate{Certificate: [][]byte{der}, PrivateKey: self.PrivKey}, nil
}

// peerAddress derives the address of whoever presented rawCerts.
func peerAddress(rawCerts [][]byte) (string, error) {
	if len(rawCerts) == 0 {
		return "", errPeerIdentity
	}
	cert, err := x509.ParseCertificate(rawCerts[0])
	if err != nil {
		return "", err
	}
	pub, ok := cert.PublicKey.(ed25519.PublicKey)
	if !ok {
		return "", fmt.Errorf("%w: not an ed25519 key", errPeerIdentity)
	}
	if err := cert.CheckSignature(cert.SignatureAlgorithm, cert.RawTBSCertificate, cert.Signature); err != nil {
		return "", fmt.Errorf("%w: %v", errPeerIdentity, err)
	}
	return node.DeriveAddress(pub), nil
}

func serverTLSConfig(cert tls.Certificate) *tls.Config {
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		NextProtos:   []string{ALPN},
		ClientAuth:   tls.RequireAnyClientCert,
		MinVersion:   tls.VersionTLS13,
		VerifyPeerCertificate: func(rawCerts [][]byte, _ [][]*x509.Certificate) error {
			_, err := peerAddress(rawCerts)
			return err
		},
	}
}

// clientTLSConfig accepts only a server whose key hashes to want. An empty
// want accepts any well-formed identity, which is how links are first
// contacted.
func clientTLSConfig(cert tls.Certificate, want string) *tls.Config {
	return &tls.Config{
		Certificates:       []tls.Certificate{cert},
		NextProtos:         []string{ALPN},
		MinVersion:         tls.VersionTLS13,
		InsecureSkipVerify: true,
		VerifyPeerCertificate: func(rawCerts [][]byte, _ [][]*x509.Certificate) error {
			got, err := peerAddress(rawCerts)
			if err != nil {
				return err
			}
			if want != "" && got != want {
				return fmt.Errorf("%w: want %s, got %s", errPeerIdentity, want, got)
			}
			return nil
		},
	}
}
