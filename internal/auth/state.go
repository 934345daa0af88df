package auth

import (
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"os"
	"sync/atomic"

	"github.com/youmark/pkcs8"
	"golang.org/x/sync/singleflight"
)

// Token is an OAuth2 token endpoint response.
type Token struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token,omitempty"`
	ExpiresIn    *int64 `json:"expires_in,omitempty"`
	TokenType    string `json:"token_type,omitempty"`
}

type cachedToken struct {
	token       Token
	expiresAtMs int64
}

// State is the mutable half of authentication, one per backend. The token
// entry is replaced as a whole value; the TLS material never changes after
// NewState returns.
type State struct {
	token   atomic.Pointer[cachedToken]
	cert    *tls.Certificate
	flights singleflight.Group
}

// NewState prepares state for cfg. Certificate configs read and parse the
// certificate and key files immediately.
func NewState(cfg Config) (*State, error) {
	s := &State{}
	c, ok := cfg.(Certificate)
	if !ok {
		return s, nil
	}
	cert, err := loadKeyPair(c)
	if err != nil {
		return nil, err
	}
	s.cert = cert
	return s, nil
}

// ClientCertificate returns the loaded TLS client certificate, if any.
func (s *State) ClientCertificate() *tls.Certificate {
	return s.cert
}

func (s *State) cached() *cachedToken {
	return s.token.Load()
}

func (s *State) store(t Token, expiresAtMs int64) {
	s.token.Store(&cachedToken{token: t, expiresAtMs: expiresAtMs})
}

func loadKeyPair(c Certificate) (*tls.Certificate, error) {
	certPEM, err := os.ReadFile(c.CertPath)
	if err != nil {
		return nil, &CertificateLoadError{Path: c.CertPath, Err: err}
	}
	keyPEM, err := os.ReadFile(c.KeyPath)
	if err != nil {
		return nil, &CertificateLoadError{Path: c.KeyPath, Err: err}
	}
	if c.Passphrase != "" {
		keyPEM, err = decryptKey(keyPEM, c.Passphrase)
		if err != nil {
			return nil, &CertificateLoadError{Path: c.KeyPath, Err: err}
		}
	}
	pair, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return nil, &CertificateLoadError{Path: c.CertPath, Err: err}
	}
	return &pair, nil
}

// decryptKey returns an unencrypted PEM private key. Both legacy
// Proc-Type encrypted PEM and PKCS#8 "ENCRYPTED PRIVATE KEY" are handled;
// an unencrypted key is returned as is.
func decryptKey(keyPEM []byte, passphrase string) ([]byte, error) {
	block, _ := pem.Decode(keyPEM)
	if block == nil {
		return nil, errors.New("no PEM block in key file")
	}
	switch {
	case block.Type == "ENCRYPTED PRIVATE KEY":
		key, err := pkcs8.ParsePKCS8PrivateKey(block.Bytes, []byte(passphrase))
		if err != nil {
			return nil, err
		}
		der, err := x509.MarshalPKCS8PrivateKey(key)
		if err != nil {
			return nil, err
		}
		return pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der}), nil
	case x509.IsEncryptedPEMBlock(block): //nolint:staticcheck
		der, err := x509.DecryptPEMBlock(block, []byte(passphrase)) //nolint:staticcheck
		if err != nil {
			return nil, err
		}
		return pem.EncodeToMemory(&pem.Block{Type: block.Type, Bytes: der}), nil
	default:
		return keyPEM, nil
	}
}
