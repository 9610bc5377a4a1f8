package tlsfactory

import (
	"crypto/tls"
	"crypto/x509"
	"os"

	"golang.org/x/xerrors"
)

// Side says which end of a handshake the proxy plays.
type Side int

const (
	// ServerSide is the proxy accepting TLS from the client.
	ServerSide Side = iota
	// ClientSide is the proxy opening TLS toward the server.
	ClientSide
)

func (s Side) String() string {
	if s == ServerSide {
		return "server"
	}
	return "client"
}

// TrustPolicy decides how peer certificates are verified.
type TrustPolicy interface {
	Apply(cfg *tls.Config, side Side)
}

// TrustEveryone accepts any peer certificate. It is the interception
// default: a pentesting proxy has to talk to servers with self-signed,
// expired or mismatched certificates. It must never be combined with a
// configured trust store.
type TrustEveryone struct{}

func (TrustEveryone) Apply(cfg *tls.Config, side Side) {
	if side == ClientSide {
		//nolint:gosec // Interception of arbitrary TLS peers.
		cfg.InsecureSkipVerify = true
		cfg.VerifyPeerCertificate = func([][]byte, [][]*x509.Certificate) error { return nil }
		return
	}
	cfg.ClientAuth = tls.NoClientCert
}

// CAPool verifies peers against a set of trusted certificates.
type CAPool struct {
	Pool *x509.CertPool
}

func (p CAPool) Apply(cfg *tls.Config, side Side) {
	if side == ClientSide {
		cfg.RootCAs = p.Pool
		return
	}
	cfg.ClientCAs = p.Pool
	cfg.ClientAuth = tls.VerifyClientCertIfGiven
}

// LoadTrustStore reads a PEM bundle of trusted certificates.
func LoadTrustStore(path string) (CAPool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return CAPool{}, xerrors.Errorf("trust store: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(data) {
		return CAPool{}, xerrors.Errorf("trust store %s: no certificates found", path)
	}
	return CAPool{Pool: pool}, nil
}
