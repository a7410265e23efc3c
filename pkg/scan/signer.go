package scan

import (
	"crypto/ed25519"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"fmt"
	"os"

	"pipeline-copilot/pkg/domain/errors"
)

// Signer produces detached ed25519 signatures over emitted artifacts. The
// key source is injected; the orchestrator never generates keys on its own.
type Signer struct {
	priv ed25519.PrivateKey
}

// NewSigner wraps an ed25519 private key.
func NewSigner(priv ed25519.PrivateKey) (*Signer, error) {
	if len(priv) != ed25519.PrivateKeySize {
		return nil, errors.New(errors.CodeInvalidParameter, "scan",
			fmt.Sprintf("signing key has %d bytes, ed25519 needs %d", len(priv), ed25519.PrivateKeySize), nil)
	}
	return &Signer{priv: priv}, nil
}

// GenerateSigner creates a signer with a fresh random key.
func GenerateSigner() (*Signer, error) {
	_, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		return nil, errors.Internal("scan", "failed to generate signing key", err)
	}
	return &Signer{priv: priv}, nil
}

// LoadSigner reads a PKCS#8 PEM private key file.
func LoadSigner(path string) (*Signer, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.New(errors.CodeNotFound, "scan",
			fmt.Sprintf("failed to read signing key %s", path), err)
	}
	block, _ := pem.Decode(raw)
	if block == nil || block.Type != "PRIVATE KEY" {
		return nil, errors.New(errors.CodeInvalidParameter, "scan",
			fmt.Sprintf("signing key %s is not a PEM private key", path), nil)
	}
	parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, errors.New(errors.CodeInvalidParameter, "scan",
			fmt.Sprintf("signing key %s is not PKCS#8", path), err)
	}
	priv, ok := parsed.(ed25519.PrivateKey)
	if !ok {
		return nil, errors.New(errors.CodeInvalidParameter, "scan",
			fmt.Sprintf("signing key %s is not ed25519", path), nil)
	}
	return &Signer{priv: priv}, nil
}

// LoadOrCreateSigner loads the key at path, generating and persisting a
// fresh one when the file does not exist yet.
func LoadOrCreateSigner(path string) (*Signer, error) {
	if _, err := os.Stat(path); err == nil {
		return LoadSigner(path)
	}
	signer, err := GenerateSigner()
	if err != nil {
		return nil, err
	}
	if err := signer.SaveKey(path); err != nil {
		return nil, err
	}
	return signer, nil
}

// SaveKey writes the private key as PKCS#8 PEM, readable by the owner only.
func (s *Signer) SaveKey(path string) error {
	der, err := x509.MarshalPKCS8PrivateKey(s.priv)
	if err != nil {
		return errors.Internal("scan", "failed to encode signing key", err)
	}
	block := pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der})
	if err := os.WriteFile(path, block, 0o600); err != nil {
		return errors.Internal("scan", fmt.Sprintf("failed to write signing key %s", path), err)
	}
	return nil
}

// Sign returns the detached signature over data.
func (s *Signer) Sign(data []byte) []byte {
	return ed25519.Sign(s.priv, data)
}

// SignEncoded returns the detached signature as the base64 line written to
// .sig artifacts.
func (s *Signer) SignEncoded(data []byte) string {
	return base64.StdEncoding.EncodeToString(s.Sign(data)) + "\n"
}

// PublicKey returns the verification key.
func (s *Signer) PublicKey() ed25519.PublicKey {
	return s.priv.Public().(ed25519.PublicKey)
}

// Verify checks a detached signature produced by Sign.
func Verify(pub ed25519.PublicKey, data, sig []byte) bool {
	return len(pub) == ed25519.PublicKeySize && ed25519.Verify(pub, data, sig)
}

// VerifyEncoded checks the base64 .sig artifact form.
func VerifyEncoded(pub ed25519.PublicKey, data []byte, encoded string) bool {
	sig, err := base64.StdEncoding.DecodeString(trimNewline(encoded))
	if err != nil {
		return false
	}
	return Verify(pub, data, sig)
}

func trimNewline(s string) string {
	for len(s) > 0 && (s[len(s)-1] == '\n' || s[len(s)-1] == '\r') {
		s = s[:len(s)-1]
	}
	return s
}
