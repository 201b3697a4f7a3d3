package crypto

import "errors"

var (
	// ErrKeyAgreement indicates that ECDH could not run because a key is absent or malformed.
	ErrKeyAgreement = errors.New("key agreement failed")

	// ErrEncryption indicates a cipher failure while sealing a message.
	ErrEncryption = errors.New("encryption failed")

	// ErrDecryptionFailure indicates an AEAD authentication or cipher failure while opening
	// a message. It is a per-message, recoverable failure.
	ErrDecryptionFailure = errors.New("decryption failed")

	// ErrNotAddressedToMe indicates the envelope recipient is not the decrypting party.
	ErrNotAddressedToMe = errors.New("message not addressed to this recipient")

	// ErrMalformedPayload indicates an envelope or decrypted payload could not be parsed.
	ErrMalformedPayload = errors.New("malformed payload")

	// ErrKeyNotFound indicates no public key is known for an address.
	ErrKeyNotFound = errors.New("public key not found")

	// ErrUnsupportedCipher indicates an envelope names a cipher suite this build cannot open.
	ErrUnsupportedCipher = errors.New("unsupported cipher suite")
)
