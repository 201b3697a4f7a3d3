// Package crypto implements the envelope cryptography of the chain messaging protocol.
//
// One logical message is turned into one self-verifying, opaque envelope that can be
// split into chunks and embedded in transaction data outputs. Both parties are
// identified by secp256k1 key pairs; the public key doubles as the on-chain
// messaging identity.
//
// # Core Types
//
//   - [KeyPair]: secp256k1 identity key pair, borrowed from the wallet layer
//   - [Message]: the plaintext unit {messageId, sender, recipient, timestamp, content}
//   - [Envelope]: the JSON wire object carrying ciphertext, integrity tag and both public keys
//   - [Recipient]: the decrypting party's own address and keys
//
// # Key Agreement
//
// A symmetric key is derived with ECDH: the shared point between one party's private
// key and the other's public key is compressed and hashed with SHA-256. The derivation
// is symmetric, so sender and recipient obtain the same key:
//
//	key, err := crypto.DeriveSharedKey(alice.Private, bob.Public)
//
// # Encryption and Decryption
//
//	env, err := crypto.Encrypt(msg, alice, bob.Public, crypto.SuiteAESGCM)
//	blob, err := env.Marshal()
//
//	env, err := crypto.ParseEnvelope(blob)
//	msg, verified, err := crypto.Decrypt(ctx, env, crypto.Recipient{Address: bobAddr, Keys: bob}, resolver)
//
// Decrypt refuses envelopes addressed to someone else before touching the ciphertext
// ([ErrNotAddressedToMe]). A message whose integrity tag does not match is still
// returned, with verified set to false, so callers can apply their own policy.
//
// # Error Handling
//
// All failures wrap one of the package sentinels ([ErrKeyAgreement], [ErrEncryption],
// [ErrDecryptionFailure], [ErrMalformedPayload], [ErrKeyNotFound], [ErrNotAddressedToMe])
// and can be classified with errors.Is.
//
// # Secure Memory
//
// Derived symmetric keys are wiped with [ZeroBytes] as soon as the cipher operation
// completes. Key material is never logged; [SecureFieldHash] produces short previews.
package crypto
