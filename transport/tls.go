// Package transport builds the mutual-TLS configuration shared by the
// traceback server and its clients, deriving an ephemeral CA and leaf
// certificate from a pre-shared transport key instead of a certificate
// authority.
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
	"time"

	"golang.org/x/crypto/argon2"
)

// Options controls how long a derived certificate is trusted for. The
// traceback server and tracectl both read this from their own YAML config
// (cmd/internal/config's CertLifetimeHours) rather than a single constant
// shared by every deployment, since an operator rotating a transport key on
// a tight schedule wants shorter-lived certs than one who rotates yearly.
type Options struct {
	// Lifetime is how long past issuance a certificate remains valid.
	// Zero selects DefaultLifetime.
	Lifetime time.Duration
	// ClockSkew backdates NotBefore by this much, to tolerate drift between
	// the host deriving the cert and the host verifying it. Zero selects
	// DefaultClockSkew.
	ClockSkew time.Duration
}

const (
	DefaultLifetime  = 364 * 24 * time.Hour
	DefaultClockSkew = 24 * time.Hour
)

func (o Options) withDefaults() Options {
	if o.Lifetime <= 0 {
		o.Lifetime = DefaultLifetime
	}
	if o.ClockSkew <= 0 {
		o.ClockSkew = DefaultClockSkew
	}
	return o
}

// deriveCAKey turns the pre-shared transport key into the CA's ECDSA
// private key via Argon2id.
//
// NOTE: the fixed salt is intentional. Its purpose is domain separation
// between this key and anything else ever derived from the same transport
// key, not to frustrate a password cracker.
func deriveCAKey(transportKey string, curve elliptic.Curve) *ecdsa.PrivateKey {
	raw := argon2.IDKey([]byte(transportKey), []byte("6d73677472616365"), 1, 64*1024, 4, 32)
	d := new(big.Int).SetBytes(raw)
	d.Mod(d, curve.Params().N)

	priv := &ecdsa.PrivateKey{D: d}
	priv.PublicKey.Curve = curve
	priv.X, priv.Y = curve.ScalarBaseMult(d.Bytes())
	return priv
}

// selfSignCA builds and self-signs the root certificate for caKey.
func selfSignCA(caKey *ecdsa.PrivateKey, opts Options) (*x509.Certificate, error) {
	templ := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "msgtrace-ca"},
		NotBefore:    time.Now().Add(-opts.ClockSkew),
		NotAfter:     time.Now().Add(opts.Lifetime),

		ExtKeyUsage: []x509.ExtKeyUsage{x509.ExtKeyUsageAny},

		BasicConstraintsValid: true,
		IsCA:                  true,
	}
	raw, err := x509.CreateCertificate(rand.Reader, templ, templ, caKey.Public(), caKey)
	if err != nil {
		return nil, err
	}
	return x509.ParseCertificate(raw)
}

// issueLeaf mints a fresh ECDSA key and certificate for hostname, signed by
// the CA.
func issueLeaf(hostname string, curve elliptic.Curve, caKey *ecdsa.PrivateKey, caCert *x509.Certificate, opts Options) (tls.Certificate, error) {
	priv, err := ecdsa.GenerateKey(curve, rand.Reader)
	if err != nil {
		return tls.Certificate{}, err
	}
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 64))
	if err != nil {
		return tls.Certificate{}, err
	}

	templ := &x509.Certificate{
		SerialNumber: serial,
		Subject:      pkix.Name{CommonName: hostname},
		DNSNames:     []string{hostname},
		NotBefore:    time.Now().Add(-opts.ClockSkew),
		NotAfter:     time.Now().Add(opts.Lifetime),

		ExtKeyUsage: []x509.ExtKeyUsage{x509.ExtKeyUsageAny},

		BasicConstraintsValid: true,
	}
	raw, err := x509.CreateCertificate(rand.Reader, templ, caCert, priv.Public(), caKey)
	if err != nil {
		return tls.Certificate{}, err
	}
	leaf, err := x509.ParseCertificate(raw)
	if err != nil {
		return tls.Certificate{}, err
	}

	return tls.Certificate{
		Certificate: [][]byte{raw},
		PrivateKey:  priv,
		Leaf:        leaf,
	}, nil
}

// GenerateConfig derives a tls.Config for hostname from transportKey. Both
// the server and every client must be given the same transportKey; anyone
// who doesn't know it cannot mint a certificate the other side will accept.
func GenerateConfig(transportKey, hostname string, opts Options) (*tls.Config, error) {
	opts = opts.withDefaults()
	curve := elliptic.P256()

	caKey := deriveCAKey(transportKey, curve)
	caCert, err := selfSignCA(caKey, opts)
	if err != nil {
		return nil, fmt.Errorf("transport: signing ca: %w", err)
	}

	leaf, err := issueLeaf(hostname, curve, caKey, caCert, opts)
	if err != nil {
		return nil, fmt.Errorf("transport: issuing leaf for %q: %w", hostname, err)
	}

	rootPool := x509.NewCertPool()
	rootPool.AddCert(caCert)

	return &tls.Config{
		Certificates: []tls.Certificate{leaf},

		RootCAs:   rootPool,
		ClientCAs: rootPool,

		ClientAuth: tls.RequireAndVerifyClientCert,
	}, nil
}

// ClientConfig derives the config a client dials with, pinning the expected
// server name so the handshake also authenticates the platform it thinks
// it's talking to.
func ClientConfig(transportKey string, opts Options) (*tls.Config, error) {
	cfg, err := GenerateConfig(transportKey, "msgtrace-client", opts)
	if err != nil {
		return nil, err
	}
	cfg.ServerName = "msgtrace-server"
	return cfg, nil
}

// ServerConfig derives the config the traceback server listens with.
func ServerConfig(transportKey string, opts Options) (*tls.Config, error) {
	return GenerateConfig(transportKey, "msgtrace-server", opts)
}
