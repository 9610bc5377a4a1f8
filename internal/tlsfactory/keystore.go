package tlsfactory

import (
	"bytes"
	"crypto/tls"
	"crypto/x509"
	"os"
	"strings"

	"github.com/pavlo-v-chernykh/keystore-go/v4"
	"golang.org/x/xerrors"
	"software.sslmate.com/src/go-pkcs12"
)

// Keystore types.
const (
	KeystorePKCS12 = "PKCS12"
	KeystoreJKS    = "JKS"
	KeystorePEM    = "PEM"
)

// Keystore points at the certificate and private key a TLS side presents.
type Keystore struct {
	// Path is the keystore file, or the certificate chain for PEM.
	Path string `yaml:"path"`
	// Type is PKCS12 (default), JKS or PEM.
	Type        string `yaml:"type"`
	Password    string `yaml:"password"`
	KeyPassword string `yaml:"key_password"`
	// KeyPath is the private key file of a PEM keystore.
	KeyPath string `yaml:"key_path"`
	// Alias selects a JKS entry; the first private key entry is used when
	// empty.
	Alias string `yaml:"alias"`
}

// Load reads the certificate and private key.
func (k *Keystore) Load() (tls.Certificate, error) {
	typ := strings.ToUpper(strings.TrimSpace(k.Type))
	if typ == "" {
		typ = KeystorePKCS12
	}

	switch typ {
	case KeystorePEM:
		if k.KeyPath == "" {
			return tls.Certificate{}, xerrors.Errorf("keystore %s: pem keystore needs key_path", k.Path)
		}
		cert, err := tls.LoadX509KeyPair(k.Path, k.KeyPath)
		if err != nil {
			return tls.Certificate{}, xerrors.Errorf("keystore %s: %w", k.Path, err)
		}
		return cert, nil
	case KeystorePKCS12, "PKCS#12", "P12", "PFX":
		return k.loadPKCS12()
	case KeystoreJKS:
		return k.loadJKS()
	default:
		return tls.Certificate{}, xerrors.Errorf("keystore %s: unsupported type %q", k.Path, k.Type)
	}
}

func (k *Keystore) loadPKCS12() (tls.Certificate, error) {
	data, err := os.ReadFile(k.Path)
	if err != nil {
		return tls.Certificate{}, xerrors.Errorf("keystore: %w", err)
	}
	key, leaf, chain, err := pkcs12.DecodeChain(data, k.Password)
	if err != nil {
		return tls.Certificate{}, xerrors.Errorf("keystore %s: %w", k.Path, err)
	}

	cert := tls.Certificate{PrivateKey: key, Leaf: leaf}
	cert.Certificate = append(cert.Certificate, leaf.Raw)
	for _, c := range chain {
		cert.Certificate = append(cert.Certificate, c.Raw)
	}
	return cert, nil
}

func (k *Keystore) loadJKS() (tls.Certificate, error) {
	data, err := os.ReadFile(k.Path)
	if err != nil {
		return tls.Certificate{}, xerrors.Errorf("keystore: %w", err)
	}

	ks := keystore.New()
	if err := ks.Load(bytes.NewReader(data), []byte(k.Password)); err != nil {
		return tls.Certificate{}, xerrors.Errorf("keystore %s: %w", k.Path, err)
	}

	alias := k.Alias
	if alias == "" {
		for _, a := range ks.Aliases() {
			if ks.IsPrivateKeyEntry(a) {
				alias = a
				break
			}
		}
	}
	if alias == "" {
		return tls.Certificate{}, xerrors.Errorf("keystore %s: no private key entry", k.Path)
	}

	keyPassword := k.KeyPassword
	if keyPassword == "" {
		keyPassword = k.Password
	}
	entry, err := ks.GetPrivateKeyEntry(alias, []byte(keyPassword))
	if err != nil {
		return tls.Certificate{}, xerrors.Errorf("keystore %s alias %q: %w", k.Path, alias, err)
	}

	key, err := x509.ParsePKCS8PrivateKey(entry.PrivateKey)
	if err != nil {
		return tls.Certificate{}, xerrors.Errorf("keystore %s alias %q: private key: %w", k.Path, alias, err)
	}
	if len(entry.CertificateChain) == 0 {
		return tls.Certificate{}, xerrors.Errorf("keystore %s alias %q: empty certificate chain", k.Path, alias)
	}

	cert := tls.Certificate{PrivateKey: key}
	for _, c := range entry.CertificateChain {
		cert.Certificate = append(cert.Certificate, c.Content)
	}
	leaf, err := x509.ParseCertificate(cert.Certificate[0])
	if err != nil {
		return tls.Certificate{}, xerrors.Errorf("keystore %s alias %q: certificate: %w", k.Path, alias, err)
	}
	cert.Leaf = leaf
	return cert, nil
}
