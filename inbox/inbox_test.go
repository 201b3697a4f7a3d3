package inbox

import (
	"context"
	"encoding/base64"
	"errors"
	"math/rand"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opd-ai/chainmsg/chunk"
	"github.com/opd-ai/chainmsg/crypto"
	"github.com/opd-ai/chainmsg/interfaces"
	"github.com/opd-ai/chainmsg/limits"
)

const (
	aliceAddr = "bcrt1qalice"
	bobAddr   = "bcrt1qbob"
	carolAddr = "bcrt1qcarol"
)

var epoch = time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

type harness struct {
	ledger *fakeLedger
	clock  *interfaces.MockTimeProvider
	alice  *crypto.KeyPair
	bob    *crypto.KeyPair
	carol  *crypto.KeyPair
	inbox  *Inbox
	events []interfaces.Event
}

func newHarness(t *testing.T, cfg ScanConfig) *harness {
	t.Helper()
	h := &harness{
		ledger: newFakeLedger(bobAddr),
		clock:  interfaces.NewMockTimeProvider(epoch),
	}
	var err error
	h.alice, err = crypto.GenerateKeyPair()
	require.NoError(t, err)
	h.bob, err = crypto.GenerateKeyPair()
	require.NoError(t, err)
	h.carol, err = crypto.GenerateKeyPair()
	require.NoError(t, err)

	scanner, err := NewScanner(cfg, h.ledger, h.clock, func(e interfaces.Event) { h.events = append(h.events, e) })
	require.NoError(t, err)
	h.inbox = New(scanner, crypto.Recipient{Address: bobAddr, Keys: h.bob}, nil)
	return h
}

// envelope seals content from alice to recipient and returns the message id and blob.
func (h *harness) envelope(t *testing.T, content, recipient string, recipientKey *crypto.KeyPair, ts time.Time) (string, string) {
	t.Helper()
	id, err := crypto.GenerateMessageID(ts)
	require.NoError(t, err)
	env, err := crypto.Encrypt(crypto.Message{
		Content:   content,
		Sender:    aliceAddr,
		Recipient: recipient,
		Timestamp: ts.UnixMilli(),
		ID:        id,
	}, h.alice, recipientKey.Public, crypto.SuiteAESGCM)
	require.NoError(t, err)
	blob, err := env.Marshal()
	require.NoError(t, err)
	return id, blob
}

// post puts every chunk token of blob on the ledger in a shuffled order.
func (h *harness) post(id, blob, to string, confirmed bool, seed int64) []chunk.Token {
	tokens := chunk.Tokens(id, blob, limits.DefaultChunkSize)
	order := rand.New(rand.NewSource(seed)).Perm(len(tokens))
	input := h.ledger.addFundingTx(aliceAddr)
	for _, i := range order {
		h.ledger.addPayloadTx(to, tokens[i].Encode(), confirmed, epoch, input)
	}
	return tokens
}

func TestScanRoundTrip(t *testing.T) {
	h := newHarness(t, DefaultScanConfig())
	content := strings.Repeat("hello bob ", 12)
	id, blob := h.envelope(t, content, bobAddr, h.bob, epoch.Add(time.Minute))
	h.post(id, blob, bobAddr, true, 1)

	results, err := h.inbox.Scan(context.Background(), "op", nil)
	require.NoError(t, err)
	require.Len(t, results, 1)

	r := results[0]
	assert.Equal(t, id, r.ID)
	assert.Equal(t, content, r.Content)
	assert.Equal(t, aliceAddr, r.Sender)
	assert.Equal(t, aliceAddr, r.SenderHint)
	assert.True(t, r.Verified)
	assert.Equal(t, StatusUnread, r.Status)
	assert.Equal(t, ErrorNone, r.ErrorKind)
	assert.Equal(t, epoch.Add(time.Minute).UnixMilli(), r.Timestamp.UnixMilli())
	assert.NotEmpty(t, r.TxID)
}

func TestScanMempoolFilteredByRecipient(t *testing.T) {
	h := newHarness(t, DefaultScanConfig())
	id, blob := h.envelope(t, "pending", bobAddr, h.bob, epoch)
	h.post(id, blob, bobAddr, false, 2)

	otherID, otherBlob := h.envelope(t, "for carol", carolAddr, h.carol, epoch)
	h.post(otherID, otherBlob, carolAddr, false, 3)

	results, err := h.inbox.Scan(context.Background(), "op", nil)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "pending", results[0].Content)
}

func TestScanDuplicatesAndMixedSources(t *testing.T) {
	h := newHarness(t, DefaultScanConfig())
	id, blob := h.envelope(t, "twice", bobAddr, h.bob, epoch)
	h.post(id, blob, bobAddr, true, 4)
	h.post(id, blob, bobAddr, false, 5)

	results, err := h.inbox.Scan(context.Background(), "op", nil)
	require.NoError(t, err)
	require.Len(t, results, 1, "duplicate broadcasts must not produce a second message")
	assert.Equal(t, "twice", results[0].Content)
}

func TestScanIncompleteMessageHidden(t *testing.T) {
	h := newHarness(t, DefaultScanConfig())
	id, blob := h.envelope(t, "partial", bobAddr, h.bob, epoch)
	tokens := chunk.Tokens(id, blob, limits.DefaultChunkSize)
	require.Greater(t, len(tokens), 1)

	input := h.ledger.addFundingTx(aliceAddr)
	for _, tok := range tokens[1:] {
		h.ledger.addPayloadTx(bobAddr, tok.Encode(), true, epoch, input)
	}

	results, err := h.inbox.Scan(context.Background(), "op", nil)
	require.NoError(t, err)
	assert.Empty(t, results)
}

func TestScanMisdirectedEnvelopeExcluded(t *testing.T) {
	h := newHarness(t, DefaultScanConfig())
	// Fully decryptable by carol, but paid to bob.
	id, blob := h.envelope(t, "not yours", carolAddr, h.carol, epoch)
	h.post(id, blob, bobAddr, true, 6)

	results, err := h.inbox.Scan(context.Background(), "op", nil)
	require.NoError(t, err)
	assert.Empty(t, results)
}

func TestScanSurfacesFailures(t *testing.T) {
	h := newHarness(t, DefaultScanConfig())

	// Corrupted ciphertext.
	id1, blob1 := h.envelope(t, "tampered", bobAddr, h.bob, epoch.Add(3*time.Minute))
	env, err := crypto.ParseEnvelope(blob1)
	require.NoError(t, err)
	sealed, err := base64.StdEncoding.DecodeString(env.Data)
	require.NoError(t, err)
	sealed[len(sealed)-1] ^= 0xff
	env.Data = base64.StdEncoding.EncodeToString(sealed)
	blob1, err = env.Marshal()
	require.NoError(t, err)
	h.post(id1, blob1, bobAddr, true, 7)

	// Not an envelope at all.
	h.post("junkmessage00001", `{"recipient":"bcrt1qbob","data":`+strings.Repeat("x", 50), bobAddr, true, 8)

	// Encrypted to the wrong key.
	id3, blob3 := h.envelope(t, "wrong key", bobAddr, h.carol, epoch.Add(time.Minute))
	h.post(id3, blob3, bobAddr, true, 9)

	// A valid one that must still come through.
	id4, blob4 := h.envelope(t, "fine", bobAddr, h.bob, epoch.Add(2*time.Minute))
	h.post(id4, blob4, bobAddr, true, 10)

	results, err := h.inbox.Scan(context.Background(), "op", nil)
	require.NoError(t, err)
	require.Len(t, results, 4)

	byID := make(map[string]Result)
	for _, r := range results {
		byID[r.ID] = r
	}

	assert.Equal(t, StatusError, byID[id1].Status)
	assert.Equal(t, ErrorCorrupted, byID[id1].ErrorKind)
	assert.ErrorIs(t, byID[id1].Err, crypto.ErrDecryptionFailure)
	assert.Equal(t, aliceAddr, byID[id1].Sender)

	assert.Equal(t, StatusError, byID["junkmessage00001"].Status)
	assert.Equal(t, ErrorMalformed, byID["junkmessage00001"].ErrorKind)
	assert.Equal(t, aliceAddr, byID["junkmessage00001"].Sender, "falls back to the sender hint")

	assert.Equal(t, StatusError, byID[id3].Status)
	assert.Equal(t, ErrorCorrupted, byID[id3].ErrorKind)

	assert.Equal(t, StatusUnread, byID[id4].Status)
	assert.Equal(t, "fine", byID[id4].Content)

	// Newest first by message timestamp.
	assert.Equal(t, id1, results[0].ID)
	assert.Equal(t, id4, results[1].ID)
	assert.Equal(t, id3, results[2].ID)
}

func TestScanSkipsMalformedTokens(t *testing.T) {
	h := newHarness(t, DefaultScanConfig())
	input := h.ledger.addFundingTx(aliceAddr)
	h.ledger.addPayloadTx(bobAddr, "BC2_broken", true, epoch, input)
	h.ledger.addPayloadTx(bobAddr, "BC2PUB:02abcdef", true, epoch, input)
	h.ledger.addPayloadTx(bobAddr, "unrelated payload", true, epoch, input)

	id, blob := h.envelope(t, "still here", bobAddr, h.bob, epoch)
	h.post(id, blob, bobAddr, true, 11)

	results, err := h.inbox.Scan(context.Background(), "op", nil)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "still here", results[0].Content)
}

func TestScanSkipsDeleted(t *testing.T) {
	h := newHarness(t, DefaultScanConfig())
	id, blob := h.envelope(t, "gone", bobAddr, h.bob, epoch)
	h.post(id, blob, bobAddr, true, 12)

	results, err := h.inbox.Scan(context.Background(), "op", map[string]struct{}{id: {}})
	require.NoError(t, err)
	assert.Empty(t, results)
}

func TestScanKeysEntriesByTokenID(t *testing.T) {
	h := newHarness(t, DefaultScanConfig())
	_, blob := h.envelope(t, "relabelled", bobAddr, h.bob, epoch)
	tokenID, err := crypto.GenerateMessageID(epoch.Add(time.Second))
	require.NoError(t, err)
	h.post(tokenID, blob, bobAddr, true, 13)

	results, err := h.inbox.Scan(context.Background(), "op", nil)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, tokenID, results[0].ID)
	assert.Equal(t, "relabelled", results[0].Content)

	results, err = h.inbox.Scan(context.Background(), "op", map[string]struct{}{tokenID: {}})
	require.NoError(t, err)
	assert.Empty(t, results, "deleting by the listed id hides the entry")
}

func TestScanUndatedMempoolUsesClock(t *testing.T) {
	h := newHarness(t, DefaultScanConfig())
	h.clock.Advance(time.Hour)

	input := h.ledger.addFundingTx(aliceAddr)
	junk := `{"recipient":"bcrt1qbob","data":` + strings.Repeat("x", 50)
	for _, tok := range chunk.Tokens("junkmessage00002", junk, limits.DefaultChunkSize) {
		h.ledger.addPayloadTx(bobAddr, tok.Encode(), false, time.Time{}, input)
	}

	results, err := h.inbox.Scan(context.Background(), "op", nil)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, StatusError, results[0].Status)
	assert.WithinDuration(t, epoch.Add(time.Hour), results[0].Timestamp, time.Second)
}

func TestScanBatchesAndProgress(t *testing.T) {
	cfg := DefaultScanConfig()
	cfg.BatchSize = 4
	h := newHarness(t, cfg)
	id, blob := h.envelope(t, "batched", bobAddr, h.bob, epoch)
	tokens := h.post(id, blob, bobAddr, true, 13)

	results, err := h.inbox.Scan(context.Background(), "op", nil)
	require.NoError(t, err)
	require.Len(t, results, 1)

	batches := (len(tokens) + cfg.BatchSize - 1) / cfg.BatchSize
	assert.Equal(t, time.Duration(batches-1)*cfg.BatchPause, h.clock.Slept())
	require.Len(t, h.events, batches)
	last := h.events[len(h.events)-1]
	assert.Equal(t, interfaces.StageScan, last.Stage)
	assert.Equal(t, len(tokens), last.Current)
	assert.Equal(t, len(tokens), last.Total)
}

func TestScanMempoolCap(t *testing.T) {
	cfg := DefaultScanConfig()
	cfg.MempoolCap = 1
	h := newHarness(t, cfg)
	id, blob := h.envelope(t, "capped", bobAddr, h.bob, epoch)
	h.post(id, blob, bobAddr, false, 14)

	results, err := h.inbox.Scan(context.Background(), "op", nil)
	require.NoError(t, err)
	assert.Empty(t, results, "only one mempool transaction inspected")
}

func TestScanLedgerErrors(t *testing.T) {
	h := newHarness(t, DefaultScanConfig())
	id, blob := h.envelope(t, "confirmed only", bobAddr, h.bob, epoch)
	h.post(id, blob, bobAddr, true, 15)

	h.ledger.mempoolErr = errors.New("mempool unavailable")
	results, err := h.inbox.Scan(context.Background(), "op", nil)
	require.NoError(t, err)
	assert.Len(t, results, 1)

	h.ledger.utxoErr = errors.New("node down")
	_, err = h.inbox.Scan(context.Background(), "op", nil)
	assert.Error(t, err)
}

func TestSenderHintUnknown(t *testing.T) {
	h := newHarness(t, DefaultScanConfig())
	scanner := h.inbox.scanner

	tx := &interfaces.Transaction{Inputs: []interfaces.TxInput{{PrevTxID: "missing", PrevVout: 0}}}
	assert.Equal(t, UnknownSender, scanner.senderHint(context.Background(), tx))
	assert.Equal(t, UnknownSender, scanner.senderHint(context.Background(), &interfaces.Transaction{}))

	input := h.ledger.addFundingTx(aliceAddr)
	input.PrevVout = 5
	tx.Inputs[0] = input
	assert.Equal(t, UnknownSender, scanner.senderHint(context.Background(), tx))
}

func TestScanConfigValidate(t *testing.T) {
	assert.NoError(t, DefaultScanConfig().Validate())
	_, err := NewScanner(ScanConfig{}, newFakeLedger(bobAddr), nil, nil)
	assert.Error(t, err)
	_, err = NewScanner(DefaultScanConfig(), nil, nil, nil)
	assert.Error(t, err)
}
