package main

import (
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/opd-ai/chainmsg/crypto"
)

var errKeyExists = errors.New("key file already exists")

// loadKey reads a hex-encoded secp256k1 secret from path.
func loadKey(path string) (*crypto.KeyPair, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read key file: %w", err)
	}
	secret, err := hex.DecodeString(strings.TrimSpace(string(data)))
	if err != nil {
		return nil, fmt.Errorf("decode key file %s: %w", path, err)
	}
	defer crypto.ZeroBytes(secret)
	return crypto.FromSecretKey(secret)
}

// generateKey writes a fresh secret to path, refusing to overwrite unless
// force is set.
func generateKey(path string, force bool) (*crypto.KeyPair, error) {
	if _, err := os.Stat(path); err == nil && !force {
		return nil, fmt.Errorf("%w: %s", errKeyExists, path)
	}
	keys, err := crypto.GenerateKeyPair()
	if err != nil {
		return nil, err
	}
	secret := keys.Private.Serialize()
	defer crypto.ZeroBytes(secret)

	if err := os.WriteFile(path, []byte(hex.EncodeToString(secret)+"\n"), 0o600); err != nil {
		return nil, fmt.Errorf("write key file: %w", err)
	}
	return keys, nil
}
