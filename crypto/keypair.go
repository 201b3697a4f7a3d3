package crypto

import (
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
)

// KeyPair represents a secp256k1 identity key pair used for chain messaging.
// The wallet layer owns it; messaging only borrows a reference.
type KeyPair struct {
	Private *btcec.PrivateKey
	Public  *btcec.PublicKey
}

// GenerateKeyPair creates a new random secp256k1 key pair.
func GenerateKeyPair() (*KeyPair, error) {
	priv, err := btcec.NewPrivateKey()
	if err != nil {
		return nil, err
	}

	return &KeyPair{
		Private: priv,
		Public:  priv.PubKey(),
	}, nil
}

// FromSecretKey creates a key pair from an existing 32-byte private key.
func FromSecretKey(secretKey []byte) (*KeyPair, error) {
	if len(secretKey) != btcec.PrivKeyBytesLen {
		return nil, fmt.Errorf("invalid secret key length %d", len(secretKey))
	}
	if isZeroKey(secretKey) {
		return nil, errors.New("invalid secret key: all zeros")
	}

	priv, pub := btcec.PrivKeyFromBytes(secretKey)
	if priv.Key.IsZero() {
		return nil, errors.New("invalid secret key: not in curve order")
	}

	return &KeyPair{
		Private: priv,
		Public:  pub,
	}, nil
}

// PublicKeyHex returns the lowercase hex of the compressed 33-byte public key.
func (kp *KeyPair) PublicKeyHex() string {
	if kp == nil || kp.Public == nil {
		return ""
	}
	return hex.EncodeToString(kp.Public.SerializeCompressed())
}

// pubKeyBytesLenUncompressed is the length of a 0x04-prefixed SEC point.
const pubKeyBytesLenUncompressed = 65

// ParsePublicKey parses a serialized secp256k1 public key. Compressed (33 bytes)
// and uncompressed (65 bytes) SEC encodings are accepted, as is the legacy
// 32-byte x-only encoding, which is lifted to the point with even y.
func ParsePublicKey(b []byte) (*btcec.PublicKey, error) {
	switch len(b) {
	case schnorr.PubKeyBytesLen:
		pub, err := schnorr.ParsePubKey(b)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrKeyAgreement, err)
		}
		return pub, nil
	case btcec.PubKeyBytesLenCompressed, pubKeyBytesLenUncompressed:
		pub, err := btcec.ParsePubKey(b)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrKeyAgreement, err)
		}
		return pub, nil
	default:
		return nil, fmt.Errorf("%w: unexpected public key length %d", ErrKeyAgreement, len(b))
	}
}

// ParsePublicKeyHex decodes a hex string and parses it with ParsePublicKey.
func ParsePublicKeyHex(s string) (*btcec.PublicKey, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid public key hex: %v", ErrKeyAgreement, err)
	}
	return ParsePublicKey(b)
}

// isZeroKey checks if a key consists of all zeros.
func isZeroKey(key []byte) bool {
	for _, b := range key {
		if b != 0 {
			return false
		}
	}
	return true
}
