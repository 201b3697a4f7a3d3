package inbox

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/btcsuite/btcd/txscript"

	"github.com/opd-ai/chainmsg/interfaces"
)

// fakeLedger serves hand-built transactions.
type fakeLedger struct {
	mu         sync.Mutex
	txs        map[string]*interfaces.Transaction
	confirmed  []string // txids listed as unspent outputs of owner
	mempool    []string
	owner      string
	utxoErr    error
	mempoolErr error
	lookups    int
	next       int
}

func newFakeLedger(owner string) *fakeLedger {
	return &fakeLedger{txs: make(map[string]*interfaces.Transaction), owner: owner}
}

func (f *fakeLedger) txid() string {
	f.next++
	return fmt.Sprintf("%064x", f.next)
}

// addPayloadTx records a transaction paying to with one data output. It is
// confirmed or left in the mempool.
func (f *fakeLedger) addPayloadTx(to string, payload string, confirmed bool, seen time.Time, input interfaces.TxInput) string {
	data, err := txscript.NullDataScript([]byte(payload))
	if err != nil {
		panic(err)
	}
	id := f.txid()
	tx := &interfaces.Transaction{
		TxID:   id,
		Inputs: []interfaces.TxInput{input},
		Outputs: []interfaces.TxOutput{
			{Value: 294, ScriptPubKey: []byte{0x00, 0x14}, Address: to},
			{Value: 0, ScriptPubKey: data},
		},
		Time: seen,
	}
	f.txs[id] = tx
	if confirmed {
		tx.Confirmations = 1
		if to == f.owner {
			f.confirmed = append(f.confirmed, id)
		}
	} else {
		f.mempool = append(f.mempool, id)
	}
	return id
}

// addFundingTx records a transaction paying addr, used as a sender hint source.
func (f *fakeLedger) addFundingTx(addr string) interfaces.TxInput {
	id := f.txid()
	f.txs[id] = &interfaces.Transaction{
		TxID:    id,
		Outputs: []interfaces.TxOutput{{Value: 10_000, ScriptPubKey: []byte{0x00, 0x14}, Address: addr}},
	}
	return interfaces.TxInput{PrevTxID: id, PrevVout: 0}
}

func (f *fakeLedger) GetUnspentOutputs(ctx context.Context, address string) ([]interfaces.UTXO, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.utxoErr != nil {
		return nil, f.utxoErr
	}
	var out []interfaces.UTXO
	if address != f.owner {
		return nil, nil
	}
	for _, id := range f.confirmed {
		out = append(out, interfaces.UTXO{TxID: id, Vout: 0, Amount: 294})
	}
	return out, nil
}

func (f *fakeLedger) GetTransaction(ctx context.Context, txid string) (*interfaces.Transaction, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lookups++
	tx, ok := f.txs[txid]
	if !ok {
		return nil, interfaces.ErrTransactionNotFound
	}
	return tx, nil
}

func (f *fakeLedger) GetMempoolTransactionIDs(ctx context.Context) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.mempoolErr != nil {
		return nil, f.mempoolErr
	}
	return append([]string(nil), f.mempool...), nil
}

func (f *fakeLedger) BroadcastTransaction(ctx context.Context, rawHex string) (string, error) {
	return "", errors.New("read-only ledger")
}
