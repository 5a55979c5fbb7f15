// Package security is the gateway for device authentication, bearer token
// lifecycle, and on-request message crypto. Devices present X.509
// certificates and receive short-lived tokens; payloads are protected with
// an AEAD suite under a per-message key wrapped by the gateway's RSA key.
package security

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"os"
	"path/filepath"
)

const rsaKeyBits = 2048

// LoadOrCreateKey returns the gateway's RSA private key from keysDir,
// generating and persisting one (0600) on first boot.
func LoadOrCreateKey(keysDir string) (*rsa.PrivateKey, error) {
	if err := os.MkdirAll(keysDir, 0o700); err != nil {
		return nil, fmt.Errorf("create keys dir: %w", err)
	}
	path := filepath.Join(keysDir, "gateway.pem")

	if data, err := os.ReadFile(path); err == nil {
		block, _ := pem.Decode(data)
		if block == nil || block.Type != "RSA PRIVATE KEY" {
			return nil, fmt.Errorf("parse %s: not an RSA private key PEM", path)
		}
		key, err := x509.ParsePKCS1PrivateKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
		return key, nil
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}

	key, err := rsa.GenerateKey(rand.Reader, rsaKeyBits)
	if err != nil {
		return nil, fmt.Errorf("generate gateway key: %w", err)
	}
	data := pem.EncodeToMemory(&pem.Block{
		Type:  "RSA PRIVATE KEY",
		Bytes: x509.MarshalPKCS1PrivateKey(key),
	})
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return nil, fmt.Errorf("persist gateway key: %w", err)
	}
	return key, nil
}
