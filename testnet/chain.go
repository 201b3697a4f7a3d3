package testnet

import (
	"bytes"
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/sirupsen/logrus"

	"github.com/opd-ai/chainmsg/interfaces"
)

// Node rejection reasons.
const (
	RejectAlreadyInChain   = "transaction already in block chain"
	RejectAlreadyInMempool = "txn-already-in-mempool"
	RejectMempoolConflict  = "txn-mempool-conflict"
	RejectMissingInputs    = "bad-txns-inputs-missingorspent"
	RejectInBelowOut       = "bad-txns-in-belowout"
	RejectScriptFailure    = "mandatory-script-verify-flag-failed"
	RejectDatacarrier      = "datacarrier"
	RejectDecode           = "TX decode failed"
)

// maxDataCarrierBytes is the relay limit on a null-data script.
const maxDataCarrierBytes = 83

// ErrRejected wraps every broadcast rejection.
var ErrRejected = errors.New("transaction rejected")

// Config configures a Chain.
type Config struct {
	Params       *chaincfg.Params
	FeeRates     interfaces.FeeRates
	TimeProvider interfaces.TimeProvider
}

// DefaultConfig returns a regtest chain with a 1 sat/vB relay floor.
func DefaultConfig() Config {
	return Config{
		Params: &chaincfg.RegressionNetParams,
		FeeRates: interfaces.FeeRates{
			MempoolMinFee: 1000,
			RelayFee:      1000,
		},
	}
}

type txRecord struct {
	tx     *wire.MsgTx
	height int64 // 0 while in the mempool
	seen   time.Time
}

type utxoEntry struct {
	out    *wire.TxOut
	height int64
}

// Chain is an in-memory ledger. It implements interfaces.ILedger and
// interfaces.IFeeEstimator.
type Chain struct {
	mu      sync.Mutex
	params  *chaincfg.Params
	time    interfaces.TimeProvider
	fees    interfaces.FeeRates
	height  int64
	nonce   uint32
	txs     map[chainhash.Hash]*txRecord
	utxos   map[wire.OutPoint]*utxoEntry
	mempool []chainhash.Hash
	spentBy map[wire.OutPoint]chainhash.Hash

	faults     int
	faultErr   string
	broadcasts int
}

// NewChain creates an empty ledger at height zero.
func NewChain(cfg Config) *Chain {
	if cfg.Params == nil {
		cfg.Params = &chaincfg.RegressionNetParams
	}
	return &Chain{
		params:  cfg.Params,
		time:    interfaces.OrDefault(cfg.TimeProvider),
		fees:    cfg.FeeRates,
		txs:     make(map[chainhash.Hash]*txRecord),
		utxos:   make(map[wire.OutPoint]*utxoEntry),
		spentBy: make(map[wire.OutPoint]chainhash.Hash),
	}
}

// Params returns the chain's network parameters.
func (c *Chain) Params() *chaincfg.Params {
	return c.params
}

// Height returns the current block height.
func (c *Chain) Height() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.height
}

// SetFeeRates replaces the reported fee indicators.
func (c *Chain) SetFeeRates(rates interfaces.FeeRates) {
	c.mu.Lock()
	c.fees = rates
	c.mu.Unlock()
}

// InjectFaults makes the next n broadcasts fail with reason before validation.
func (c *Chain) InjectFaults(n int, reason string) {
	c.mu.Lock()
	c.faults = n
	c.faultErr = reason
	c.mu.Unlock()
}

// Broadcasts returns the number of BroadcastTransaction calls seen.
func (c *Chain) Broadcasts() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.broadcasts
}

// Fund mines a block containing a coinbase-like transaction paying amount to
// address and returns its txid.
func (c *Chain) Fund(address string, amount int64) (string, error) {
	addr, err := btcutil.DecodeAddress(address, c.params)
	if err != nil {
		return "", fmt.Errorf("decode address: %w", err)
	}
	script, err := txscript.PayToAddrScript(addr)
	if err != nil {
		return "", err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.nonce++
	tx := wire.NewMsgTx(wire.TxVersion)
	tx.AddTxIn(wire.NewTxIn(wire.NewOutPoint(&chainhash.Hash{}, c.nonce), []byte{0x51}, nil))
	tx.AddTxOut(wire.NewTxOut(amount, script))

	c.height++
	hash := tx.TxHash()
	c.txs[hash] = &txRecord{tx: tx, height: c.height, seen: c.time.Now()}
	c.utxos[*wire.NewOutPoint(&hash, 0)] = &utxoEntry{out: tx.TxOut[0], height: c.height}

	logrus.WithFields(logrus.Fields{
		"function": "Fund",
		"address":  address,
		"amount":   amount,
		"txid":     hash.String(),
	}).Debug("Funded address")
	return hash.String(), nil
}

// Mine confirms every mempool transaction in a new block and returns how many
// were included.
func (c *Chain) Mine() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.height++
	mined := len(c.mempool)
	for _, hash := range c.mempool {
		rec := c.txs[hash]
		rec.height = c.height
		for _, in := range rec.tx.TxIn {
			delete(c.utxos, in.PreviousOutPoint)
			delete(c.spentBy, in.PreviousOutPoint)
		}
		for i, out := range rec.tx.TxOut {
			if txscript.GetScriptClass(out.PkScript) == txscript.NullDataTy {
				continue
			}
			h := hash
			c.utxos[*wire.NewOutPoint(&h, uint32(i))] = &utxoEntry{out: out, height: c.height}
		}
	}
	c.mempool = nil

	logrus.WithFields(logrus.Fields{
		"function": "Mine",
		"height":   c.height,
		"mined":    mined,
	}).Debug("Block mined")
	return mined
}

// RunMiner mines a block every interval until ctx is done.
func (c *Chain) RunMiner(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.Mine()
		}
	}
}

// GetUnspentOutputs returns confirmed unspent outputs paying address, ordered
// by outpoint. Outputs spent by mempool transactions are still reported.
func (c *Chain) GetUnspentOutputs(ctx context.Context, address string) ([]interfaces.UTXO, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if _, err := btcutil.DecodeAddress(address, c.params); err != nil {
		return nil, fmt.Errorf("invalid address %q: %w", address, err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	var out []interfaces.UTXO
	for op, entry := range c.utxos {
		u := interfaces.NewUTXO(op.Hash.String(), op.Index, entry.out.Value, entry.out.PkScript, c.params)
		if u.Address != address {
			continue
		}
		u.Confirmations = c.height - entry.height + 1
		out = append(out, u)
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].TxID != out[j].TxID {
			return out[i].TxID < out[j].TxID
		}
		return out[i].Vout < out[j].Vout
	})
	return out, nil
}

// GetTransaction returns a confirmed or mempool transaction.
func (c *Chain) GetTransaction(ctx context.Context, txid string) (*interfaces.Transaction, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	hash, err := chainhash.NewHashFromStr(txid)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", interfaces.ErrTransactionNotFound, txid)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	rec, ok := c.txs[*hash]
	if !ok {
		return nil, fmt.Errorf("%w: %s", interfaces.ErrTransactionNotFound, txid)
	}
	return c.toTransaction(rec), nil
}

func (c *Chain) toTransaction(rec *txRecord) *interfaces.Transaction {
	t := &interfaces.Transaction{
		TxID: rec.tx.TxHash().String(),
		Time: rec.seen,
	}
	if rec.height > 0 {
		t.Confirmations = c.height - rec.height + 1
	}
	for _, in := range rec.tx.TxIn {
		t.Inputs = append(t.Inputs, interfaces.TxInput{
			PrevTxID: in.PreviousOutPoint.Hash.String(),
			PrevVout: in.PreviousOutPoint.Index,
		})
	}
	for _, out := range rec.tx.TxOut {
		t.Outputs = append(t.Outputs, interfaces.TxOutput{
			Value:        out.Value,
			ScriptPubKey: out.PkScript,
			Address:      interfaces.ScriptAddress(out.PkScript, c.params),
		})
	}
	return t
}

// GetMempoolTransactionIDs lists mempool transactions in arrival order.
func (c *Chain) GetMempoolTransactionIDs(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	ids := make([]string, len(c.mempool))
	for i, h := range c.mempool {
		ids[i] = h.String()
	}
	return ids, nil
}

// FeeRates reports the configured fee indicators.
func (c *Chain) FeeRates(ctx context.Context) (interfaces.FeeRates, error) {
	if err := ctx.Err(); err != nil {
		return interfaces.FeeRates{}, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.fees, nil
}

// BroadcastTransaction validates and accepts rawHex into the mempool.
func (c *Chain) BroadcastTransaction(ctx context.Context, rawHex string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	raw, err := hex.DecodeString(rawHex)
	if err != nil {
		return "", reject(RejectDecode)
	}
	var tx wire.MsgTx
	if err := tx.Deserialize(bytes.NewReader(raw)); err != nil {
		return "", reject(RejectDecode)
	}
	hash := tx.TxHash()

	c.mu.Lock()
	defer c.mu.Unlock()

	c.broadcasts++
	logger := logrus.WithFields(logrus.Fields{
		"function": "BroadcastTransaction",
		"txid":     hash.String(),
	})

	if c.faults > 0 {
		c.faults--
		logger.WithField("reason", c.faultErr).Debug("Injected broadcast fault")
		return "", reject(c.faultErr)
	}

	if rec, ok := c.txs[hash]; ok {
		if rec.height > 0 {
			return "", reject(RejectAlreadyInChain)
		}
		return "", reject(RejectAlreadyInMempool)
	}

	if err := c.validate(&tx); err != nil {
		logger.WithError(err).Debug("Transaction rejected")
		return "", err
	}

	for _, in := range tx.TxIn {
		c.spentBy[in.PreviousOutPoint] = hash
	}
	c.txs[hash] = &txRecord{tx: &tx, seen: c.time.Now()}
	c.mempool = append(c.mempool, hash)

	logger.WithField("mempool_size", len(c.mempool)).Debug("Transaction accepted")
	return hash.String(), nil
}

// validate must be called with c.mu held.
func (c *Chain) validate(tx *wire.MsgTx) error {
	if len(tx.TxIn) == 0 || len(tx.TxOut) == 0 {
		return reject(RejectDecode)
	}

	prevOuts := make(map[wire.OutPoint]*wire.TxOut, len(tx.TxIn))
	var totalIn int64
	for _, in := range tx.TxIn {
		if _, dup := prevOuts[in.PreviousOutPoint]; dup {
			return reject(RejectMissingInputs)
		}
		if _, spent := c.spentBy[in.PreviousOutPoint]; spent {
			return reject(RejectMempoolConflict)
		}
		prev := c.lookupOutput(in.PreviousOutPoint)
		if prev == nil {
			return reject(RejectMissingInputs)
		}
		prevOuts[in.PreviousOutPoint] = prev
		totalIn += prev.Value
	}

	var totalOut int64
	for _, out := range tx.TxOut {
		if txscript.GetScriptClass(out.PkScript) == txscript.NullDataTy && len(out.PkScript) > maxDataCarrierBytes {
			return reject(RejectDatacarrier)
		}
		totalOut += out.Value
	}
	if totalOut > totalIn {
		return reject(RejectInBelowOut)
	}

	fetcher := txscript.NewMultiPrevOutFetcher(prevOuts)
	sigHashes := txscript.NewTxSigHashes(tx, fetcher)
	for i, in := range tx.TxIn {
		prev := prevOuts[in.PreviousOutPoint]
		vm, err := txscript.NewEngine(prev.PkScript, tx, i, txscript.StandardVerifyFlags, nil, sigHashes, prev.Value, fetcher)
		if err != nil {
			return reject(fmt.Sprintf("%s (%v)", RejectScriptFailure, err))
		}
		if err := vm.Execute(); err != nil {
			return reject(fmt.Sprintf("%s (%v)", RejectScriptFailure, err))
		}
	}
	return nil
}

// lookupOutput finds an unspent confirmed output or an output of a mempool
// transaction. Must be called with c.mu held.
func (c *Chain) lookupOutput(op wire.OutPoint) *wire.TxOut {
	if entry, ok := c.utxos[op]; ok {
		return entry.out
	}
	rec, ok := c.txs[op.Hash]
	if !ok || rec.height > 0 || int(op.Index) >= len(rec.tx.TxOut) {
		return nil
	}
	return rec.tx.TxOut[op.Index]
}

func reject(reason string) error {
	return fmt.Errorf("%w: %s", ErrRejected, reason)
}
