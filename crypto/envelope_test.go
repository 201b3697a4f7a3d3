package crypto

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"strings"
	"testing"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testAliceAddr = "bc1qalice"
	testBobAddr   = "bc1qbob"
)

// mockResolver implements KeyResolver for testing.
type mockResolver struct {
	keys  map[string]*btcec.PublicKey
	calls int
}

func (m *mockResolver) ResolvePublicKey(ctx context.Context, address string) (*btcec.PublicKey, error) {
	m.calls++
	if pub, ok := m.keys[address]; ok {
		return pub, nil
	}
	return nil, ErrKeyNotFound
}

func newTestParties(t *testing.T) (*KeyPair, *KeyPair) {
	t.Helper()
	alice, err := GenerateKeyPair()
	require.NoError(t, err)
	bob, err := GenerateKeyPair()
	require.NoError(t, err)
	return alice, bob
}

func newTestMessage(content string) Message {
	return Message{
		Content:   content,
		Sender:    testAliceAddr,
		Recipient: testBobAddr,
		Timestamp: 1700000000123,
		ID:        "lp1abc123xyz98765",
	}
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	alice, bob := newTestParties(t)

	for _, suite := range SupportedCipherSuites {
		t.Run(suite.String(), func(t *testing.T) {
			msg := newTestMessage("hello bob, this is a secret")

			env, err := Encrypt(msg, alice, bob.Public, suite)
			require.NoError(t, err)

			blob, err := env.Marshal()
			require.NoError(t, err)
			assert.NotContains(t, blob, msg.Content)

			parsed, err := ParseEnvelope(blob)
			require.NoError(t, err)

			got, verified, err := Decrypt(context.Background(), parsed, Recipient{Address: testBobAddr, Keys: bob}, nil)
			require.NoError(t, err)
			assert.True(t, verified)
			assert.Equal(t, msg, *got)
		})
	}
}

func TestEnvelopeFields(t *testing.T) {
	alice, bob := newTestParties(t)
	msg := newTestMessage("fields")

	env, err := Encrypt(msg, alice, bob.Public, SuiteAESGCM)
	require.NoError(t, err)

	assert.Equal(t, msg.ID, env.MessageID)
	assert.Equal(t, msg.Timestamp, env.Timestamp)
	assert.Equal(t, testAliceAddr, env.Sender)
	assert.Equal(t, testBobAddr, env.Recipient)
	assert.Equal(t, alice.PublicKeyHex(), env.SenderPublicKey)
	assert.Equal(t, bob.PublicKeyHex(), env.RecipientPublicKey)
	assert.Equal(t, IntegrityTag(msg.ID, msg.Timestamp, msg.Sender), env.Signature)

	blob, err := env.Marshal()
	require.NoError(t, err)
	var raw map[string]any
	require.NoError(t, json.Unmarshal([]byte(blob), &raw))
	for _, field := range []string{"data", "signature", "messageId", "timestamp", "sender", "recipient", "senderPublicKey", "recipientPublicKey"} {
		assert.Contains(t, raw, field)
	}
	assert.NotContains(t, raw, "cipher", "default suite is omitted on the wire")
}

func TestDecryptNotAddressedToMe(t *testing.T) {
	alice, bob := newTestParties(t)
	env, err := Encrypt(newTestMessage("x"), alice, bob.Public, SuiteAESGCM)
	require.NoError(t, err)

	resolver := &mockResolver{}
	_, _, err = Decrypt(context.Background(), env, Recipient{Address: "bc1qcarol", Keys: bob}, resolver)
	assert.ErrorIs(t, err, ErrNotAddressedToMe)
	assert.Zero(t, resolver.calls, "recipient check must run before any key lookup")
}

func TestDecryptTamperedCiphertext(t *testing.T) {
	alice, bob := newTestParties(t)
	env, err := Encrypt(newTestMessage("tamper me"), alice, bob.Public, SuiteAESGCM)
	require.NoError(t, err)

	sealed, err := base64.StdEncoding.DecodeString(env.Data)
	require.NoError(t, err)

	for _, pos := range []int{0, 11, 12, len(sealed) / 2, len(sealed) - 1} {
		tampered := append([]byte(nil), sealed...)
		tampered[pos] ^= 0x80
		bad := *env
		bad.Data = base64.StdEncoding.EncodeToString(tampered)

		_, _, err := Decrypt(context.Background(), &bad, Recipient{Address: testBobAddr, Keys: bob}, nil)
		assert.ErrorIs(t, err, ErrDecryptionFailure, "position %d", pos)
	}
}

func TestDecryptIntegrityMismatchStillReadable(t *testing.T) {
	alice, bob := newTestParties(t)
	msg := newTestMessage("readable but unverified")
	env, err := Encrypt(msg, alice, bob.Public, SuiteAESGCM)
	require.NoError(t, err)

	env.Signature = IntegrityTag(msg.ID, msg.Timestamp+1, msg.Sender)

	got, verified, err := Decrypt(context.Background(), env, Recipient{Address: testBobAddr, Keys: bob}, nil)
	require.NoError(t, err)
	assert.False(t, verified)
	assert.Equal(t, msg.Content, got.Content)
}

func TestDecryptForeignKey(t *testing.T) {
	alice, bob := newTestParties(t)
	mallory, err := GenerateKeyPair()
	require.NoError(t, err)

	env, err := Encrypt(newTestMessage("for bob"), alice, bob.Public, SuiteAESGCM)
	require.NoError(t, err)

	_, _, err = Decrypt(context.Background(), env, Recipient{Address: testBobAddr, Keys: mallory}, nil)
	assert.ErrorIs(t, err, ErrDecryptionFailure)
}

func TestDecryptResolverFallback(t *testing.T) {
	alice, bob := newTestParties(t)
	env, err := Encrypt(newTestMessage("legacy"), alice, bob.Public, SuiteAESGCM)
	require.NoError(t, err)
	env.SenderPublicKey = ""

	t.Run("resolved", func(t *testing.T) {
		resolver := &mockResolver{keys: map[string]*btcec.PublicKey{testAliceAddr: alice.Public}}
		got, verified, err := Decrypt(context.Background(), env, Recipient{Address: testBobAddr, Keys: bob}, resolver)
		require.NoError(t, err)
		assert.True(t, verified)
		assert.Equal(t, "legacy", got.Content)
		assert.Equal(t, 1, resolver.calls)
	})

	t.Run("not found", func(t *testing.T) {
		_, _, err := Decrypt(context.Background(), env, Recipient{Address: testBobAddr, Keys: bob}, &mockResolver{})
		assert.ErrorIs(t, err, ErrKeyNotFound)
	})

	t.Run("no resolver", func(t *testing.T) {
		_, _, err := Decrypt(context.Background(), env, Recipient{Address: testBobAddr, Keys: bob}, nil)
		assert.ErrorIs(t, err, ErrKeyNotFound)
	})
}

func TestDecryptMalformedPlaintext(t *testing.T) {
	alice, bob := newTestParties(t)
	key, err := DeriveSharedKey(alice.Private, bob.Public)
	require.NoError(t, err)

	sealed, err := Seal(SuiteAESGCM, key, []byte("not json"))
	require.NoError(t, err)

	env := &Envelope{
		Data:            base64.StdEncoding.EncodeToString(sealed),
		Recipient:       testBobAddr,
		Sender:          testAliceAddr,
		SenderPublicKey: alice.PublicKeyHex(),
	}
	_, _, err = Decrypt(context.Background(), env, Recipient{Address: testBobAddr, Keys: bob}, nil)
	assert.ErrorIs(t, err, ErrMalformedPayload)
}

func TestEncryptMissingKeys(t *testing.T) {
	alice, bob := newTestParties(t)

	_, err := Encrypt(newTestMessage("x"), nil, bob.Public, SuiteAESGCM)
	assert.ErrorIs(t, err, ErrKeyAgreement)

	_, err = Encrypt(newTestMessage("x"), alice, nil, SuiteAESGCM)
	assert.ErrorIs(t, err, ErrKeyAgreement)
}

func TestParseEnvelope(t *testing.T) {
	_, err := ParseEnvelope("{not json")
	assert.ErrorIs(t, err, ErrMalformedPayload)

	_, err = ParseEnvelope(`{"recipient":"x"}`)
	assert.ErrorIs(t, err, ErrMalformedPayload)

	env, err := ParseEnvelope(`{"data":"AAAA","recipient":"x","futureField":42}`)
	require.NoError(t, err)
	assert.Equal(t, "x", env.Recipient)
}

func TestPeekRecipient(t *testing.T) {
	got, ok := PeekRecipient(`{"data":"..","recipient":"bc1qbob"}`)
	assert.True(t, ok)
	assert.Equal(t, "bc1qbob", got)

	_, ok = PeekRecipient(`{"data":".."}`)
	assert.False(t, ok)

	_, ok = PeekRecipient(strings.Repeat("{", 3))
	assert.False(t, ok)
}

func TestIntegrityTagDeterministic(t *testing.T) {
	a := IntegrityTag("id", 42, "sender")
	b := IntegrityTag("id", 42, "sender")
	assert.Equal(t, a, b)
	assert.Len(t, a, 64)
	assert.NotEqual(t, a, IntegrityTag("id", 43, "sender"))
}
