package crypto

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/sirupsen/logrus"
)

// Message is the plaintext unit carried by one envelope. Field order defines
// the canonical serialization.
type Message struct {
	Content   string `json:"content"`
	Sender    string `json:"sender"`
	Recipient string `json:"recipient"`
	Timestamp int64  `json:"timestamp"` // milliseconds since epoch
	ID        string `json:"messageId"`
}

// Envelope is the wire object produced by Encrypt. Unknown JSON fields are ignored
// when parsing.
type Envelope struct {
	Data               string      `json:"data"`      // base64(nonce || ciphertext)
	Signature          string      `json:"signature"` // integrity tag
	MessageID          string      `json:"messageId"`
	Timestamp          int64       `json:"timestamp"`
	Sender             string      `json:"sender"`
	Recipient          string      `json:"recipient"`
	SenderPublicKey    string      `json:"senderPublicKey,omitempty"`
	RecipientPublicKey string      `json:"recipientPublicKey,omitempty"`
	Cipher             CipherSuite `json:"cipher,omitempty"`
}

// Recipient identifies the decrypting party.
type Recipient struct {
	Address string
	Keys    *KeyPair
}

// KeyResolver resolves a counterparty's public key by address. Implementations
// return ErrKeyNotFound (possibly wrapped) when the address has never published one.
type KeyResolver interface {
	ResolvePublicKey(ctx context.Context, address string) (*btcec.PublicKey, error)
}

// IntegrityTag returns hex(SHA-256(messageId || timestamp || sender)). It is
// independent of the AEAD tag and lets the receiver check authorship fields.
func IntegrityTag(messageID string, timestampMillis int64, sender string) string {
	sum := sha256.Sum256([]byte(messageID + strconv.FormatInt(timestampMillis, 10) + sender))
	return hex.EncodeToString(sum[:])
}

// Encrypt seals msg for the holder of recipientPublicKey.
func Encrypt(msg Message, from *KeyPair, recipientPublicKey *btcec.PublicKey, suite CipherSuite) (*Envelope, error) {
	logger := newLogger("Encrypt").WithFields(logrus.Fields{
		"message_id": msg.ID,
		"recipient":  msg.Recipient,
		"cipher":     suite.String(),
	})
	logger.Entry("sealing message envelope")

	if from == nil || from.Private == nil || from.Public == nil {
		return nil, fmt.Errorf("%w: missing sender key pair", ErrKeyAgreement)
	}
	if recipientPublicKey == nil {
		return nil, fmt.Errorf("%w: missing recipient public key", ErrKeyAgreement)
	}

	key, err := DeriveSharedKey(from.Private, recipientPublicKey)
	if err != nil {
		logger.WithError(err, "derive_shared_key").Error("Key agreement failed")
		return nil, err
	}
	defer wipeKey(&key)

	plaintext, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("%w: serialize message: %v", ErrEncryption, err)
	}
	defer ZeroBytes(plaintext)

	sealed, err := Seal(suite, key, plaintext)
	if err != nil {
		logger.WithError(err, "seal").Error("Cipher failure")
		return nil, err
	}

	env := &Envelope{
		Data:               base64.StdEncoding.EncodeToString(sealed),
		Signature:          IntegrityTag(msg.ID, msg.Timestamp, msg.Sender),
		MessageID:          msg.ID,
		Timestamp:          msg.Timestamp,
		Sender:             msg.Sender,
		Recipient:          msg.Recipient,
		SenderPublicKey:    from.PublicKeyHex(),
		RecipientPublicKey: hex.EncodeToString(recipientPublicKey.SerializeCompressed()),
		Cipher:             suite,
	}

	logger.WithFields(SecureFieldHash(sealed, "ciphertext")).Debug("Envelope sealed")
	return env, nil
}

// Decrypt opens env on behalf of me. The recipient check happens before any key
// agreement or cipher work. The returned flag reports whether the integrity tag
// recomputed from the decrypted fields matches the one carried in the envelope; a
// mismatch does not abort decryption.
func Decrypt(ctx context.Context, env *Envelope, me Recipient, resolver KeyResolver) (*Message, bool, error) {
	if env == nil {
		return nil, false, fmt.Errorf("%w: nil envelope", ErrMalformedPayload)
	}

	logger := newLogger("Decrypt").WithFields(logrus.Fields{
		"message_id": env.MessageID,
		"sender":     env.Sender,
	})

	if env.Recipient != me.Address {
		logger.Debug("Envelope addressed to another party")
		return nil, false, ErrNotAddressedToMe
	}
	if me.Keys == nil || me.Keys.Private == nil {
		return nil, false, fmt.Errorf("%w: missing recipient key pair", ErrKeyAgreement)
	}

	senderKey, err := senderPublicKey(ctx, env, resolver)
	if err != nil {
		logger.WithError(err, "resolve_sender_key").Warn("Sender key unavailable")
		return nil, false, err
	}

	key, err := DeriveSharedKey(me.Keys.Private, senderKey)
	if err != nil {
		return nil, false, err
	}
	defer wipeKey(&key)

	sealed, err := base64.StdEncoding.DecodeString(env.Data)
	if err != nil {
		return nil, false, fmt.Errorf("%w: ciphertext is not base64: %v", ErrDecryptionFailure, err)
	}

	plaintext, err := Open(env.Cipher, key, sealed)
	if err != nil {
		logger.WithError(err, "open").Warn("AEAD open failed")
		return nil, false, err
	}
	defer ZeroBytes(plaintext)

	var msg Message
	if err := json.Unmarshal(plaintext, &msg); err != nil {
		return nil, false, fmt.Errorf("%w: decrypted message: %v", ErrMalformedPayload, err)
	}

	verified := IntegrityTag(msg.ID, msg.Timestamp, msg.Sender) == env.Signature
	if !verified {
		logger.Warn("Integrity tag mismatch, surfacing message as unverified")
	}

	logger.WithField("verified", verified).Debug("Envelope opened")
	return &msg, verified, nil
}

// senderPublicKey prefers the key embedded in the envelope and falls back to
// the resolver for envelopes that omit it.
func senderPublicKey(ctx context.Context, env *Envelope, resolver KeyResolver) (*btcec.PublicKey, error) {
	if env.SenderPublicKey != "" {
		return ParsePublicKeyHex(env.SenderPublicKey)
	}
	if resolver == nil {
		return nil, fmt.Errorf("%w: %s", ErrKeyNotFound, env.Sender)
	}

	pub, err := resolver.ResolvePublicKey(ctx, env.Sender)
	if err != nil {
		if errors.Is(err, ErrKeyNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %s: %v", ErrKeyNotFound, env.Sender, err)
	}
	if pub == nil {
		return nil, fmt.Errorf("%w: %s", ErrKeyNotFound, env.Sender)
	}
	return pub, nil
}

// Marshal serializes the envelope to its JSON wire form.
func (e *Envelope) Marshal() (string, error) {
	b, err := json.Marshal(e)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrEncryption, err)
	}
	return string(b), nil
}

// ParseEnvelope parses the JSON wire form of an envelope.
func ParseEnvelope(blob string) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal([]byte(blob), &env); err != nil {
		return nil, fmt.Errorf("%w: envelope: %v", ErrMalformedPayload, err)
	}
	if env.Data == "" {
		return nil, fmt.Errorf("%w: envelope has no ciphertext", ErrMalformedPayload)
	}
	return &env, nil
}

// PeekRecipient extracts the recipient field of a still-encrypted envelope
// without validating anything else. ok is false when the blob does not parse
// or carries no recipient.
func PeekRecipient(blob string) (recipient string, ok bool) {
	var head struct {
		Recipient string `json:"recipient"`
	}
	if err := json.Unmarshal([]byte(blob), &head); err != nil || head.Recipient == "" {
		return "", false
	}
	return head.Recipient, true
}
