package interfaces

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/txscript"

	"github.com/opd-ai/chainmsg/crypto"
)

var (
	// ErrInvalidUTXO is returned by UTXO.Validate.
	ErrInvalidUTXO = errors.New("invalid unspent output")

	// ErrTransactionNotFound is returned by ledgers for unknown transaction ids.
	ErrTransactionNotFound = errors.New("transaction not found")
)

// UTXO is an explicitly typed spendable output.
type UTXO struct {
	TxID          string
	Vout          uint32
	Amount        int64 // satoshis
	ScriptPubKey  []byte
	ScriptType    string
	Address       string
	Confirmations int64
}

// NewUTXO builds a UTXO and classifies its script.
func NewUTXO(txid string, vout uint32, amount int64, script []byte, params *chaincfg.Params) UTXO {
	u := UTXO{
		TxID:         txid,
		Vout:         vout,
		Amount:       amount,
		ScriptPubKey: script,
		ScriptType:   txscript.GetScriptClass(script).String(),
	}
	u.Address = ScriptAddress(script, params)
	return u
}

// OutPoint returns the "txid:vout" key used for reservations.
func (u UTXO) OutPoint() string {
	return OutPointKey(u.TxID, u.Vout)
}

// OutPointKey formats an outpoint reservation key.
func OutPointKey(txid string, vout uint32) string {
	return fmt.Sprintf("%s:%d", txid, vout)
}

// Validate checks the fields the funding allocator depends on.
func (u UTXO) Validate() error {
	if b, err := hex.DecodeString(u.TxID); err != nil || len(b) != 32 {
		return fmt.Errorf("%w: txid %q", ErrInvalidUTXO, u.TxID)
	}
	if u.Amount <= 0 {
		return fmt.Errorf("%w: non-positive amount %d", ErrInvalidUTXO, u.Amount)
	}
	if len(u.ScriptPubKey) == 0 {
		return fmt.Errorf("%w: empty script", ErrInvalidUTXO)
	}
	if txscript.GetScriptClass(u.ScriptPubKey) == txscript.NullDataTy {
		return fmt.Errorf("%w: unspendable data output", ErrInvalidUTXO)
	}
	return nil
}

// TxInput references the previous output spent by an input.
type TxInput struct {
	PrevTxID string
	PrevVout uint32
}

// TxOutput is one transaction output. Address is empty for data outputs.
type TxOutput struct {
	Value        int64
	ScriptPubKey []byte
	Address      string
}

// IsData reports whether the output is a null-data output.
func (o TxOutput) IsData() bool {
	return txscript.GetScriptClass(o.ScriptPubKey) == txscript.NullDataTy
}

// Transaction is the ledger's view of a transaction.
type Transaction struct {
	TxID          string
	Inputs        []TxInput
	Outputs       []TxOutput
	Confirmations int64
	Time          time.Time
}

// DataPayloads returns the pushed bytes of every null-data output in order.
func (t *Transaction) DataPayloads() [][]byte {
	var out [][]byte
	for _, o := range t.Outputs {
		if !o.IsData() {
			continue
		}
		pushes, err := txscript.PushedData(o.ScriptPubKey)
		if err != nil {
			continue
		}
		var payload []byte
		for _, p := range pushes {
			payload = append(payload, p...)
		}
		if len(payload) > 0 {
			out = append(out, payload)
		}
	}
	return out
}

// PaysTo reports whether any output pays address.
func (t *Transaction) PaysTo(address string) bool {
	for _, o := range t.Outputs {
		if o.Address != "" && o.Address == address {
			return true
		}
	}
	return false
}

// HasData reports whether the transaction carries at least one data payload.
func (t *Transaction) HasData() bool {
	return len(t.DataPayloads()) > 0
}

// ScriptAddress returns the single address a standard script pays, or "".
func ScriptAddress(script []byte, params *chaincfg.Params) string {
	_, addrs, _, err := txscript.ExtractPkScriptAddrs(script, params)
	if err != nil || len(addrs) != 1 {
		return ""
	}
	return addrs[0].EncodeAddress()
}

// ILedger is the read/broadcast surface of the node RPC transport.
type ILedger interface {
	// GetUnspentOutputs returns the confirmed unspent outputs paying address.
	GetUnspentOutputs(ctx context.Context, address string) ([]UTXO, error)

	// GetTransaction returns a confirmed or mempool transaction.
	GetTransaction(ctx context.Context, txid string) (*Transaction, error)

	// GetMempoolTransactionIDs lists unconfirmed transaction ids.
	GetMempoolTransactionIDs(ctx context.Context) ([]string, error)

	// BroadcastTransaction submits a raw transaction and returns its txid.
	BroadcastTransaction(ctx context.Context, rawHex string) (string, error)
}

// FeeRates holds node fee indicators in satoshis per 1000 virtual bytes.
// Zero means unavailable.
type FeeRates struct {
	MempoolMinFee int64
	RelayFee      int64
	SmartFee      int64
}

// IFeeEstimator reports current node fee indicators.
type IFeeEstimator interface {
	FeeRates(ctx context.Context) (FeeRates, error)
}

// TxRequest describes a single-input payment, optionally carrying a data payload.
type TxRequest struct {
	Destination string
	Amount      int64
	Data        []byte
	Input       UTXO
	Fee         int64
}

// SplitRequest describes a funding transaction fanning one input out into
// Count equal outputs back to the wallet's own address.
type SplitRequest struct {
	Input  UTXO
	Count  int
	Amount int64
	Fee    int64
}

// ITransactionBuilder builds and signs raw transactions.
type ITransactionBuilder interface {
	BuildAndSignTransaction(ctx context.Context, req TxRequest) (rawHex string, err error)
	BuildSplitTransaction(ctx context.Context, req SplitRequest) (rawHex string, err error)
}

// IWallet exposes the identity the messaging core acts for.
type IWallet interface {
	OwnAddress() string
	OwnKeyPair() *crypto.KeyPair
}

// IReservations is a process-local advisory lock over outpoints.
type IReservations interface {
	// Reserve atomically reserves every outpoint or none of them.
	Reserve(outpoints ...string) (release func(), err error)

	// IsReserved reports whether an outpoint is reserved or already spent in
	// this session.
	IsReserved(outpoint string) bool

	// MarkSpent records that an outpoint was consumed by a broadcast.
	MarkSpent(outpoint string)

	// ForgetSpent drops spent marks for outpoints missing from listed, a
	// complete unspent listing of the owner's address.
	ForgetSpent(listed map[string]struct{}) int
}
