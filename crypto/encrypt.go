package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

// CipherSuite names the AEAD used to seal an envelope.
type CipherSuite string

const (
	// SuiteAESGCM is AES-256-GCM with a 12-byte random nonce. It is the wire
	// default and is omitted from the envelope JSON.
	SuiteAESGCM CipherSuite = ""

	// SuiteXChaCha20 is XChaCha20-Poly1305 with a 24-byte random nonce and an
	// HKDF-SHA256 subkey derived from the shared key.
	SuiteXChaCha20 CipherSuite = "xchacha20-poly1305"
)

var xchachaInfo = []byte("chainmsg xchacha20-poly1305 v1")

// SupportedCipherSuites lists all suites this build can open.
var SupportedCipherSuites = []CipherSuite{SuiteAESGCM, SuiteXChaCha20}

// ParseCipherSuite maps a configuration name to a CipherSuite.
func ParseCipherSuite(name string) (CipherSuite, error) {
	switch name {
	case "", "aes-256-gcm", "aesgcm":
		return SuiteAESGCM, nil
	case string(SuiteXChaCha20), "xchacha20":
		return SuiteXChaCha20, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnsupportedCipher, name)
	}
}

// String returns a human readable suite name.
func (s CipherSuite) String() string {
	if s == SuiteAESGCM {
		return "aes-256-gcm"
	}
	return string(s)
}

func (s CipherSuite) newAEAD(key [32]byte) (cipher.AEAD, error) {
	switch s {
	case SuiteAESGCM:
		block, err := aes.NewCipher(key[:])
		if err != nil {
			return nil, fmt.Errorf("aes.NewCipher: %w", err)
		}
		return cipher.NewGCM(block)
	case SuiteXChaCha20:
		subkey := make([]byte, chacha20poly1305.KeySize)
		defer ZeroBytes(subkey)
		if _, err := io.ReadFull(hkdf.New(sha256.New, key[:], nil, xchachaInfo), subkey); err != nil {
			return nil, fmt.Errorf("hkdf: %w", err)
		}
		return chacha20poly1305.NewX(subkey)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedCipher, string(s))
	}
}

// Seal encrypts plaintext under key and returns nonce || ciphertext.
func Seal(suite CipherSuite, key [32]byte, plaintext []byte) ([]byte, error) {
	aead, err := suite.newAEAD(key)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEncryption, err)
	}

	nonce := make([]byte, aead.NonceSize(), aead.NonceSize()+len(plaintext)+aead.Overhead())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("%w: nonce: %v", ErrEncryption, err)
	}

	return aead.Seal(nonce, nonce, plaintext, nil), nil
}

// Open reverses Seal. Any authentication failure is reported as ErrDecryptionFailure.
func Open(suite CipherSuite, key [32]byte, nonceAndCiphertext []byte) ([]byte, error) {
	aead, err := suite.newAEAD(key)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecryptionFailure, err)
	}

	ns := aead.NonceSize()
	if len(nonceAndCiphertext) < ns+aead.Overhead() {
		return nil, fmt.Errorf("%w: ciphertext too short", ErrDecryptionFailure)
	}

	plain, err := aead.Open(nil, nonceAndCiphertext[:ns], nonceAndCiphertext[ns:], nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecryptionFailure, err)
	}
	return plain, nil
}
