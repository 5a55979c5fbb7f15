package security

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/base64"

	"golang.org/x/crypto/chacha20poly1305"

	"github.com/alicia-home/alicia/internal/fault"
)

// AEAD suite names.
const (
	SuiteAESGCM   = "aes-gcm"
	SuiteChaCha20 = "chacha20poly1305"
)

// suite ids on the wire. The ciphertext is self-describing so the suite can
// be reconfigured without breaking messages already in flight.
const (
	suiteIDAESGCM   byte = 1
	suiteIDChaCha20 byte = 2
)

// Cipher seals and opens payloads. Each message gets a fresh 32-byte key;
// the key rides along wrapped with the gateway's RSA-OAEP public key, so
// only the gateway can open what it sealed. The output is a single base64
// string: suite id, wrapped key, nonce, then the AEAD ciphertext.
type Cipher struct {
	key   *rsa.PrivateKey
	suite string
}

// NewCipher builds a Cipher with the given suite (aes-gcm or
// chacha20poly1305).
func NewCipher(key *rsa.PrivateKey, suite string) (*Cipher, error) {
	switch suite {
	case "", SuiteAESGCM:
		suite = SuiteAESGCM
	case SuiteChaCha20:
	default:
		return nil, fault.Newf(fault.Validation, "unknown cipher suite %q", suite)
	}
	return &Cipher{key: key, suite: suite}, nil
}

// Suite returns the configured suite name.
func (c *Cipher) Suite() string { return c.suite }

func newAEAD(id byte, key []byte) (cipher.AEAD, error) {
	switch id {
	case suiteIDAESGCM:
		block, err := aes.NewCipher(key)
		if err != nil {
			return nil, err
		}
		return cipher.NewGCM(block)
	case suiteIDChaCha20:
		return chacha20poly1305.New(key)
	default:
		return nil, fault.Newf(fault.Validation, "unknown cipher suite id %d", id)
	}
}

func (c *Cipher) suiteID() byte {
	if c.suite == SuiteChaCha20 {
		return suiteIDChaCha20
	}
	return suiteIDAESGCM
}

// Encrypt seals plaintext and returns the ciphertext string.
func (c *Cipher) Encrypt(plaintext []byte) (string, error) {
	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		return "", fault.Wrap(fault.Internal, "generate message key", err)
	}

	id := c.suiteID()
	aead, err := newAEAD(id, key)
	if err != nil {
		return "", fault.Wrap(fault.Internal, "init cipher", err)
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", fault.Wrap(fault.Internal, "generate nonce", err)
	}

	wrapped, err := rsa.EncryptOAEP(sha256.New(), rand.Reader, &c.key.PublicKey, key, nil)
	if err != nil {
		return "", fault.Wrap(fault.Internal, "wrap message key", err)
	}

	out := make([]byte, 0, 1+len(wrapped)+len(nonce)+len(plaintext)+aead.Overhead())
	out = append(out, id)
	out = append(out, wrapped...)
	out = append(out, nonce...)
	out = aead.Seal(out, nonce, plaintext, nil)
	return base64.StdEncoding.EncodeToString(out), nil
}

// Decrypt opens a ciphertext string produced by Encrypt. Tampered or
// truncated input fails as a validation error; nothing is ever returned on
// a failed authentication tag.
func (c *Cipher) Decrypt(ciphertext string) ([]byte, error) {
	raw, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return nil, fault.Wrap(fault.Validation, "decode ciphertext", err)
	}
	wrappedLen := c.key.Size()
	if len(raw) < 1+wrappedLen {
		return nil, fault.New(fault.Validation, "ciphertext too short")
	}
	id := raw[0]
	wrapped := raw[1 : 1+wrappedLen]
	rest := raw[1+wrappedLen:]

	key, err := rsa.DecryptOAEP(sha256.New(), rand.Reader, c.key, wrapped, nil)
	if err != nil {
		return nil, fault.Wrap(fault.Validation, "unwrap message key", err)
	}
	aead, err := newAEAD(id, key)
	if err != nil {
		return nil, err
	}
	if len(rest) < aead.NonceSize() {
		return nil, fault.New(fault.Validation, "ciphertext too short")
	}
	nonce := rest[:aead.NonceSize()]
	plaintext, err := aead.Open(nil, nonce, rest[aead.NonceSize():], nil)
	if err != nil {
		return nil, fault.Wrap(fault.Validation, "open ciphertext", err)
	}
	return plaintext, nil
}
