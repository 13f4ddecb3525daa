// Package signature provides the signing service used by the badge issuer
// and the attestation token manager. It wraps a single ed25519 keypair
// loaded at process start and held for the process lifetime.
package signature

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"os"
)

// Service signs and verifies arbitrary payloads with an ed25519 keypair.
// Construct one explicitly and pass it to the components that need it;
// it is never a package-level singleton.
type Service struct {
	priv ed25519.PrivateKey
	pub  ed25519.PublicKey
}

// Generate creates a Service with a fresh ed25519 keypair.
func Generate() (*Service, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate ed25519 keypair: %w", err)
	}
	return &Service{priv: priv, pub: pub}, nil
}

// LoadFromFile loads a PKCS#8 PEM-encoded ed25519 private key.
func LoadFromFile(path string) (*Service, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read signing key from %s: %w", path, err)
	}
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, fmt.Errorf("decode PEM block from %s", path)
	}
	parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parse signing key: %w", err)
	}
	priv, ok := parsed.(ed25519.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("signing key is not ed25519 (got %T)", parsed)
	}
	return &Service{priv: priv, pub: priv.Public().(ed25519.PublicKey)}, nil
}

// LoadPublicKeyFromFile loads an ed25519 public key from a PEM file. It
// accepts a PKIX "PUBLIC KEY" block, or a PKCS#8 private key from which the
// public half is derived, so verification-only hosts never need the
// private key on disk.
func LoadPublicKeyFromFile(path string) (ed25519.PublicKey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read public key from %s: %w", path, err)
	}
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, fmt.Errorf("decode PEM block from %s", path)
	}
	if block.Type == "PUBLIC KEY" {
		parsed, err := x509.ParsePKIXPublicKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("parse public key: %w", err)
		}
		pub, ok := parsed.(ed25519.PublicKey)
		if !ok {
			return nil, fmt.Errorf("public key is not ed25519 (got %T)", parsed)
		}
		return pub, nil
	}
	svc, err := LoadFromFile(path)
	if err != nil {
		return nil, err
	}
	return svc.PublicKey(), nil
}

// SaveToFile writes the private key as PKCS#8 PEM with 0600 permissions.
func (s *Service) SaveToFile(path string) error {
	der, err := x509.MarshalPKCS8PrivateKey(s.priv)
	if err != nil {
		return fmt.Errorf("marshal signing key: %w", err)
	}
	block := &pem.Block{Type: "PRIVATE KEY", Bytes: der}
	if err := os.WriteFile(path, pem.EncodeToMemory(block), 0o600); err != nil {
		return fmt.Errorf("write signing key to %s: %w", path, err)
	}
	return nil
}

// SavePublicKeyToFile writes the public key as PKIX PEM. World-readable;
// it carries no secret.
func (s *Service) SavePublicKeyToFile(path string) error {
	der, err := x509.MarshalPKIXPublicKey(s.pub)
	if err != nil {
		return fmt.Errorf("marshal public key: %w", err)
	}
	block := &pem.Block{Type: "PUBLIC KEY", Bytes: der}
	if err := os.WriteFile(path, pem.EncodeToMemory(block), 0o644); err != nil {
		return fmt.Errorf("write public key to %s: %w", path, err)
	}
	return nil
}

// Sign returns the ed25519 signature over payload.
func (s *Service) Sign(payload []byte) []byte {
	return ed25519.Sign(s.priv, payload)
}

// Verify checks sig over payload against the service's own public key.
func (s *Service) Verify(payload, sig []byte) bool {
	return ed25519.Verify(s.pub, payload, sig)
}

// VerifyWith checks sig over payload against an arbitrary public key.
func (s *Service) VerifyWith(pub ed25519.PublicKey, payload, sig []byte) bool {
	return ed25519.Verify(pub, payload, sig)
}

// PublicKey returns the verification key.
func (s *Service) PublicKey() ed25519.PublicKey {
	return s.pub
}

// PrivateKey returns the signing key. The attestation token manager uses it
// as the EdDSA key for JWT signing; nothing else should hold it.
func (s *Service) PrivateKey() ed25519.PrivateKey {
	return s.priv
}
