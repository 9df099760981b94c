package identity

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"os"
	"path/filepath"
)

const signingKeyBits = 2048

// KeyManager owns the RSA key that signs producer tokens. It creates and
// persists the key on first run, then reloads it on subsequent starts.
type KeyManager struct {
	path string
	key  *rsa.PrivateKey
}

// NewKeyManager returns a KeyManager that stores its PEM key at path.
func NewKeyManager(path string) *KeyManager {
	return &KeyManager{path: path}
}

// LoadOrCreate loads the key from disk if it exists; creates a new one otherwise.
func (m *KeyManager) LoadOrCreate() error {
	if _, err := os.Stat(m.path); err == nil {
		return m.Load()
	}
	return m.Create()
}

// Load reads an existing PKCS#1 PEM key.
func (m *KeyManager) Load() error {
	key, err := ReadPrivateKey(m.path)
	if err != nil {
		return err
	}
	m.key = key
	return nil
}

// Create generates a new RSA key and writes it with 0600 permissions.
func (m *KeyManager) Create() error {
	if err := os.MkdirAll(filepath.Dir(m.path), 0o700); err != nil {
		return fmt.Errorf("create key dir: %w", err)
	}
	key, err := rsa.GenerateKey(rand.Reader, signingKeyBits)
	if err != nil {
		return fmt.Errorf("generate signing key: %w", err)
	}
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)})
	if err := os.WriteFile(m.path, keyPEM, 0o600); err != nil {
		return fmt.Errorf("write signing key: %w", err)
	}
	m.key = key
	return nil
}

// Key returns the loaded private key.
func (m *KeyManager) Key() *rsa.PrivateKey { return m.key }

// ReadPrivateKey parses a PKCS#1 (or PKCS#8) RSA key from a PEM file.
func ReadPrivateKey(path string) (*rsa.PrivateKey, error) {
	keyPEM, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read signing key: %w", err)
	}
	block, _ := pem.Decode(keyPEM)
	if block == nil {
		return nil, fmt.Errorf("failed to decode private key PEM %s", path)
	}
	if key, err := x509.ParsePKCS1PrivateKey(block.Bytes); err == nil {
		return key, nil
	}
	parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}
	key, ok := parsed.(*rsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("private key in %s is not RSA", path)
	}
	return key, nil
}
