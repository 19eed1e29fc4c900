// Package dkim signs relayed messages under the relay's own domain.
package dkim

import (
	"bytes"
	"crypto"
	"crypto/ed25519"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"os"

	"github.com/emersion/go-msgauth/dkim"
)

// ErrNoKey is returned by Sign when no signing key is configured
var ErrNoKey = errors.New("dkim: no signing key configured")

// signedHeaders are covered by every signature the relay adds
var signedHeaders = []string{
	"From", "To", "Subject", "Date", "Message-ID", "Reply-To", "Cc",
	"MIME-Version", "Content-Type", "List-Unsubscribe", "List-Unsubscribe-Post",
}

// LoadKey reads a PEM encoded RSA (PKCS#1 or PKCS#8) or Ed25519 private key
func LoadKey(path string) (crypto.Signer, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read dkim key: %w", err)
	}
	return ParseKey(data)
}

// ParseKey decodes a PEM encoded private key
func ParseKey(data []byte) (crypto.Signer, error) {
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, errors.New("dkim: no PEM block found in key")
	}

	switch block.Type {
	case "RSA PRIVATE KEY":
		key, err := x509.ParsePKCS1PrivateKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("failed to parse PKCS#1 key: %w", err)
		}
		return key, nil
	case "PRIVATE KEY":
		key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("failed to parse PKCS#8 key: %w", err)
		}
		switch k := key.(type) {
		case *rsa.PrivateKey:
			return k, nil
		case ed25519.PrivateKey:
			return k, nil
		default:
			return nil, fmt.Errorf("dkim: unsupported key type %T", key)
		}
	default:
		return nil, fmt.Errorf("dkim: unsupported PEM block %q", block.Type)
	}
}

// Signer adds a DKIM-Signature header for one domain and selector.
// A nil *Signer is valid and fails every Sign call with ErrNoKey.
type Signer struct {
	domain   string
	selector string
	key      crypto.Signer
}

// NewSigner creates a signer for domain using selector and key
func NewSigner(domain, selector string, key crypto.Signer) *Signer {
	return &Signer{
		domain:   domain,
		selector: selector,
		key:      key,
	}
}

// Domain returns the signing domain (d= tag)
func (s *Signer) Domain() string {
	if s == nil {
		return ""
	}
	return s.domain
}

// Sign returns raw with a DKIM-Signature header prepended
func (s *Signer) Sign(raw []byte) ([]byte, error) {
	if s == nil || s.key == nil {
		return nil, ErrNoKey
	}

	opts := &dkim.SignOptions{
		Domain:                 s.domain,
		Selector:               s.selector,
		Signer:                 s.key,
		HeaderCanonicalization: dkim.CanonicalizationRelaxed,
		BodyCanonicalization:   dkim.CanonicalizationRelaxed,
		HeaderKeys:             signedHeaders,
	}

	var out bytes.Buffer
	if err := dkim.Sign(&out, bytes.NewReader(raw), opts); err != nil {
		return nil, fmt.Errorf("failed to sign message: %w", err)
	}
	return out.Bytes(), nil
}
