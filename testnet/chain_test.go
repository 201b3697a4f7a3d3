package testnet

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opd-ai/chainmsg/crypto"
	"github.com/opd-ai/chainmsg/interfaces"
	"github.com/opd-ai/chainmsg/wallet"
)

func newWallet(t *testing.T, chain *Chain) *wallet.Wallet {
	t.Helper()
	keys, err := crypto.GenerateKeyPair()
	require.NoError(t, err)
	w, err := wallet.New(keys, chain.Params())
	require.NoError(t, err)
	return w
}

func fundedWallet(t *testing.T, chain *Chain, amount int64) (*wallet.Wallet, interfaces.UTXO) {
	t.Helper()
	w := newWallet(t, chain)
	_, err := chain.Fund(w.OwnAddress(), amount)
	require.NoError(t, err)

	utxos, err := chain.GetUnspentOutputs(context.Background(), w.OwnAddress())
	require.NoError(t, err)
	require.Len(t, utxos, 1)
	return w, utxos[0]
}

func TestFundAndList(t *testing.T) {
	chain := NewChain(DefaultConfig())
	w, u := fundedWallet(t, chain, 1_000_000)

	assert.Equal(t, int64(1_000_000), u.Amount)
	assert.Equal(t, w.OwnAddress(), u.Address)
	assert.Equal(t, int64(1), u.Confirmations)
	assert.NoError(t, u.Validate())

	chain.Mine()
	utxos, err := chain.GetUnspentOutputs(context.Background(), w.OwnAddress())
	require.NoError(t, err)
	assert.Equal(t, int64(2), utxos[0].Confirmations)

	_, err = chain.GetUnspentOutputs(context.Background(), "garbage")
	assert.Error(t, err)
}

func TestBroadcastMempoolAndMine(t *testing.T) {
	ctx := context.Background()
	chain := NewChain(DefaultConfig())
	alice, u := fundedWallet(t, chain, 100_000)
	bob := newWallet(t, chain)

	raw, err := alice.BuildAndSignTransaction(ctx, interfaces.TxRequest{
		Destination: bob.OwnAddress(),
		Amount:      294,
		Data:        []byte("BC2_m_0_1_x"),
		Input:       u,
		Fee:         250,
	})
	require.NoError(t, err)

	txid, err := chain.BroadcastTransaction(ctx, raw)
	require.NoError(t, err)

	ids, err := chain.GetMempoolTransactionIDs(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{txid}, ids)

	tx, err := chain.GetTransaction(ctx, txid)
	require.NoError(t, err)
	assert.Equal(t, int64(0), tx.Confirmations)
	assert.True(t, tx.PaysTo(bob.OwnAddress()))
	require.Len(t, tx.DataPayloads(), 1)
	assert.Equal(t, "BC2_m_0_1_x", string(tx.DataPayloads()[0]))

	bobUTXOs, err := chain.GetUnspentOutputs(ctx, bob.OwnAddress())
	require.NoError(t, err)
	assert.Empty(t, bobUTXOs, "mempool outputs are not listed")

	_, err = chain.BroadcastTransaction(ctx, raw)
	assert.ErrorContains(t, err, RejectAlreadyInMempool)

	assert.Equal(t, 1, chain.Mine())

	_, err = chain.BroadcastTransaction(ctx, raw)
	assert.ErrorIs(t, err, ErrRejected)
	assert.ErrorContains(t, err, RejectAlreadyInChain)

	bobUTXOs, err = chain.GetUnspentOutputs(ctx, bob.OwnAddress())
	require.NoError(t, err)
	require.Len(t, bobUTXOs, 1)
	assert.Equal(t, int64(294), bobUTXOs[0].Amount)

	aliceUTXOs, err := chain.GetUnspentOutputs(ctx, alice.OwnAddress())
	require.NoError(t, err)
	require.Len(t, aliceUTXOs, 1)
	assert.Equal(t, int64(100_000-294-250), aliceUTXOs[0].Amount)
}

func TestBroadcastRejectsDoubleSpend(t *testing.T) {
	ctx := context.Background()
	chain := NewChain(DefaultConfig())
	alice, u := fundedWallet(t, chain, 100_000)

	first, err := alice.BuildAndSignTransaction(ctx, interfaces.TxRequest{
		Destination: alice.OwnAddress(), Amount: 1000, Input: u, Fee: 200,
	})
	require.NoError(t, err)
	second, err := alice.BuildAndSignTransaction(ctx, interfaces.TxRequest{
		Destination: alice.OwnAddress(), Amount: 2000, Input: u, Fee: 200,
	})
	require.NoError(t, err)

	_, err = chain.BroadcastTransaction(ctx, first)
	require.NoError(t, err)
	_, err = chain.BroadcastTransaction(ctx, second)
	assert.ErrorContains(t, err, RejectMempoolConflict)

	chain.Mine()
	_, err = chain.BroadcastTransaction(ctx, second)
	assert.ErrorContains(t, err, RejectMissingInputs)
}

func TestBroadcastRejectsBadSignature(t *testing.T) {
	ctx := context.Background()
	chain := NewChain(DefaultConfig())
	_, u := fundedWallet(t, chain, 100_000)
	mallory := newWallet(t, chain)

	// Mallory claims Alice's output by signing with her own key over Alice's script.
	stolen := u
	stolen.ScriptPubKey = mallory.PkScript()
	raw, err := mallory.BuildAndSignTransaction(ctx, interfaces.TxRequest{
		Destination: mallory.OwnAddress(), Amount: 1000, Input: stolen, Fee: 200,
	})
	require.NoError(t, err)

	_, err = chain.BroadcastTransaction(ctx, raw)
	assert.ErrorContains(t, err, RejectScriptFailure)
}

func TestBroadcastRejectsOverspendAndGarbage(t *testing.T) {
	ctx := context.Background()
	chain := NewChain(DefaultConfig())
	alice, u := fundedWallet(t, chain, 1000)

	inflated := u
	inflated.Amount = 10_000
	raw, err := alice.BuildAndSignTransaction(ctx, interfaces.TxRequest{
		Destination: alice.OwnAddress(), Amount: 5000, Input: inflated, Fee: 200,
	})
	require.NoError(t, err)

	_, err = chain.BroadcastTransaction(ctx, raw)
	require.Error(t, err)

	_, err = chain.BroadcastTransaction(ctx, "zz")
	assert.ErrorContains(t, err, RejectDecode)
	_, err = chain.BroadcastTransaction(ctx, strings.Repeat("00", 10))
	assert.ErrorContains(t, err, RejectDecode)
}

func TestInjectFaults(t *testing.T) {
	ctx := context.Background()
	chain := NewChain(DefaultConfig())
	alice, u := fundedWallet(t, chain, 100_000)

	raw, err := alice.BuildAndSignTransaction(ctx, interfaces.TxRequest{
		Destination: alice.OwnAddress(), Amount: 1000, Input: u, Fee: 200,
	})
	require.NoError(t, err)

	chain.InjectFaults(2, "connection reset")
	for i := 0; i < 2; i++ {
		_, err = chain.BroadcastTransaction(ctx, raw)
		assert.ErrorContains(t, err, "connection reset")
	}
	_, err = chain.BroadcastTransaction(ctx, raw)
	assert.NoError(t, err)
	assert.Equal(t, 3, chain.Broadcasts())
}

func TestGetTransactionUnknown(t *testing.T) {
	chain := NewChain(DefaultConfig())
	_, err := chain.GetTransaction(context.Background(), strings.Repeat("00", 32))
	assert.ErrorIs(t, err, interfaces.ErrTransactionNotFound)
	_, err = chain.GetTransaction(context.Background(), "nope")
	assert.ErrorIs(t, err, interfaces.ErrTransactionNotFound)
}

func TestFeeRatesAndTime(t *testing.T) {
	clock := interfaces.NewMockTimeProvider(time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC))
	cfg := DefaultConfig()
	cfg.TimeProvider = clock
	chain := NewChain(cfg)

	rates, err := chain.FeeRates(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1000), rates.RelayFee)

	chain.SetFeeRates(interfaces.FeeRates{SmartFee: 5000})
	rates, err = chain.FeeRates(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(5000), rates.SmartFee)

	w := newWallet(t, chain)
	txid, err := chain.Fund(w.OwnAddress(), 1000)
	require.NoError(t, err)
	tx, err := chain.GetTransaction(context.Background(), txid)
	require.NoError(t, err)
	assert.Equal(t, clock.Now(), tx.Time)
}
