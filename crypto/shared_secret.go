package crypto

import (
	"crypto/sha256"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/sirupsen/logrus"
)

// DeriveSharedKey computes the symmetric key shared by two parties using
// Elliptic Curve Diffie-Hellman on secp256k1. The shared point is serialized
// in compressed form and hashed with SHA-256.
func DeriveSharedKey(privateKey *btcec.PrivateKey, peerPublicKey *btcec.PublicKey) ([32]byte, error) {
	if privateKey == nil || peerPublicKey == nil {
		return [32]byte{}, fmt.Errorf("%w: missing key", ErrKeyAgreement)
	}
	if privateKey.Key.IsZero() {
		return [32]byte{}, fmt.Errorf("%w: invalid private key", ErrKeyAgreement)
	}
	if !peerPublicKey.IsOnCurve() {
		return [32]byte{}, fmt.Errorf("%w: peer key not on curve", ErrKeyAgreement)
	}

	peerCompressed := peerPublicKey.SerializeCompressed()
	logrus.WithFields(logrus.Fields{
		"function":        "DeriveSharedKey",
		"peer_key_prefix": fmt.Sprintf("%x", peerCompressed[:8]),
	}).Debug("Computing shared key using ECDH")

	var peerPoint, sharedPoint btcec.JacobianPoint
	peerPublicKey.AsJacobian(&peerPoint)
	btcec.ScalarMultNonConst(&privateKey.Key, &peerPoint, &sharedPoint)
	sharedPoint.ToAffine()

	if sharedPoint.X.IsZero() && sharedPoint.Y.IsZero() {
		return [32]byte{}, fmt.Errorf("%w: shared point at infinity", ErrKeyAgreement)
	}

	compressed := btcec.NewPublicKey(&sharedPoint.X, &sharedPoint.Y).SerializeCompressed()
	key := sha256.Sum256(compressed)

	ZeroBytes(compressed)

	logrus.WithFields(logrus.Fields{
		"function": "DeriveSharedKey",
	}).Debug("Shared key derived, intermediate point wiped")

	return key, nil
}
