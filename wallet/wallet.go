package wallet

import (
	"bytes"
	"context"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/sirupsen/logrus"

	"github.com/opd-ai/chainmsg/crypto"
	"github.com/opd-ai/chainmsg/interfaces"
	"github.com/opd-ai/chainmsg/limits"
)

// DustThreshold is the smallest change output worth creating, in satoshis.
const DustThreshold int64 = 294

var (
	// ErrInsufficientInput indicates the input cannot cover outputs plus fee.
	ErrInsufficientInput = errors.New("input amount does not cover outputs and fee")

	// ErrForeignInput indicates the input is not spendable by this wallet.
	ErrForeignInput = errors.New("input does not belong to this wallet")
)

// Wallet signs for one identity key.
type Wallet struct {
	keys    *crypto.KeyPair
	params  *chaincfg.Params
	address *btcutil.AddressWitnessPubKeyHash
	script  []byte
}

// New derives the P2WPKH address of keys on the given network.
func New(keys *crypto.KeyPair, params *chaincfg.Params) (*Wallet, error) {
	if keys == nil || keys.Private == nil || keys.Public == nil {
		return nil, errors.New("wallet requires a key pair")
	}
	if params == nil {
		params = &chaincfg.MainNetParams
	}

	hash := btcutil.Hash160(keys.Public.SerializeCompressed())
	addr, err := btcutil.NewAddressWitnessPubKeyHash(hash, params)
	if err != nil {
		return nil, fmt.Errorf("derive address: %w", err)
	}
	script, err := txscript.PayToAddrScript(addr)
	if err != nil {
		return nil, fmt.Errorf("derive script: %w", err)
	}

	return &Wallet{keys: keys, params: params, address: addr, script: script}, nil
}

// OwnAddress returns the wallet's encoded address.
func (w *Wallet) OwnAddress() string {
	return w.address.EncodeAddress()
}

// OwnKeyPair returns the identity key pair by reference.
func (w *Wallet) OwnKeyPair() *crypto.KeyPair {
	return w.keys
}

// Params returns the network parameters the wallet encodes addresses for.
func (w *Wallet) Params() *chaincfg.Params {
	return w.params
}

// PkScript returns the wallet's output script.
func (w *Wallet) PkScript() []byte {
	return append([]byte(nil), w.script...)
}

// BuildAndSignTransaction pays req.Amount to req.Destination from req.Input,
// attaching req.Data as a null-data output when present. Change above the dust
// threshold returns to the wallet; anything smaller is left to the fee.
func (w *Wallet) BuildAndSignTransaction(ctx context.Context, req interfaces.TxRequest) (string, error) {
	logger := logrus.WithFields(logrus.Fields{
		"function":    "BuildAndSignTransaction",
		"destination": req.Destination,
		"amount":      req.Amount,
		"input":       req.Input.OutPoint(),
	})

	if err := ctx.Err(); err != nil {
		return "", err
	}
	if req.Amount <= 0 {
		return "", fmt.Errorf("invalid amount %d", req.Amount)
	}

	dest, err := btcutil.DecodeAddress(req.Destination, w.params)
	if err != nil {
		return "", fmt.Errorf("decode destination: %w", err)
	}
	destScript, err := txscript.PayToAddrScript(dest)
	if err != nil {
		return "", fmt.Errorf("destination script: %w", err)
	}

	tx, err := w.newTx(req.Input)
	if err != nil {
		return "", err
	}
	tx.AddTxOut(wire.NewTxOut(req.Amount, destScript))

	if len(req.Data) > 0 {
		if err := limits.ValidateDataPayload(req.Data); err != nil {
			return "", err
		}
		dataScript, err := txscript.NullDataScript(req.Data)
		if err != nil {
			return "", fmt.Errorf("data script: %w", err)
		}
		tx.AddTxOut(wire.NewTxOut(0, dataScript))
	}

	change := req.Input.Amount - req.Amount - req.Fee
	if change < 0 {
		return "", fmt.Errorf("%w: input %d, amount %d, fee %d", ErrInsufficientInput, req.Input.Amount, req.Amount, req.Fee)
	}
	if change > DustThreshold {
		tx.AddTxOut(wire.NewTxOut(change, w.script))
	}

	raw, err := w.sign(tx, req.Input)
	if err != nil {
		logger.WithError(err).Error("Failed to sign transaction")
		return "", err
	}

	logger.WithFields(logrus.Fields{
		"txid":    tx.TxHash().String(),
		"change":  change,
		"outputs": len(tx.TxOut),
	}).Debug("Transaction built")
	return raw, nil
}

// BuildSplitTransaction fans req.Input out into req.Count outputs of
// req.Amount back to the wallet, plus change.
func (w *Wallet) BuildSplitTransaction(ctx context.Context, req interfaces.SplitRequest) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if req.Count <= 0 || req.Amount <= 0 {
		return "", fmt.Errorf("invalid split of %d outputs of %d", req.Count, req.Amount)
	}

	tx, err := w.newTx(req.Input)
	if err != nil {
		return "", err
	}
	for i := 0; i < req.Count; i++ {
		tx.AddTxOut(wire.NewTxOut(req.Amount, w.script))
	}

	change := req.Input.Amount - int64(req.Count)*req.Amount - req.Fee
	if change < 0 {
		return "", fmt.Errorf("%w: input %d cannot fund %d x %d plus fee %d",
			ErrInsufficientInput, req.Input.Amount, req.Count, req.Amount, req.Fee)
	}
	if change > DustThreshold {
		tx.AddTxOut(wire.NewTxOut(change, w.script))
	}

	raw, err := w.sign(tx, req.Input)
	if err != nil {
		return "", err
	}

	logrus.WithFields(logrus.Fields{
		"function": "BuildSplitTransaction",
		"txid":     tx.TxHash().String(),
		"count":    req.Count,
		"amount":   req.Amount,
		"change":   change,
	}).Debug("Split transaction built")
	return raw, nil
}

func (w *Wallet) newTx(input interfaces.UTXO) (*wire.MsgTx, error) {
	if !bytes.Equal(input.ScriptPubKey, w.script) {
		return nil, fmt.Errorf("%w: %s", ErrForeignInput, input.OutPoint())
	}
	hash, err := chainhash.NewHashFromStr(input.TxID)
	if err != nil {
		return nil, fmt.Errorf("input txid: %w", err)
	}

	tx := wire.NewMsgTx(wire.TxVersion)
	tx.AddTxIn(wire.NewTxIn(wire.NewOutPoint(hash, input.Vout), nil, nil))
	return tx, nil
}

func (w *Wallet) sign(tx *wire.MsgTx, input interfaces.UTXO) (string, error) {
	fetcher := txscript.NewCannedPrevOutputFetcher(w.script, input.Amount)
	sigHashes := txscript.NewTxSigHashes(tx, fetcher)

	witness, err := txscript.WitnessSignature(tx, sigHashes, 0, input.Amount, w.script,
		txscript.SigHashAll, w.keys.Private, true)
	if err != nil {
		return "", fmt.Errorf("witness signature: %w", err)
	}
	tx.TxIn[0].Witness = witness

	var buf bytes.Buffer
	if err := tx.Serialize(&buf); err != nil {
		return "", fmt.Errorf("serialize: %w", err)
	}
	return hex.EncodeToString(buf.Bytes()), nil
}

// DecodeRawTransaction parses a hex transaction.
func DecodeRawTransaction(rawHex string) (*wire.MsgTx, error) {
	b, err := hex.DecodeString(rawHex)
	if err != nil {
		return nil, fmt.Errorf("raw transaction hex: %w", err)
	}
	var tx wire.MsgTx
	if err := tx.Deserialize(bytes.NewReader(b)); err != nil {
		return nil, fmt.Errorf("raw transaction: %w", err)
	}
	return &tx, nil
}

// TxID returns the id of a raw hex transaction.
func TxID(rawHex string) (string, error) {
	tx, err := DecodeRawTransaction(rawHex)
	if err != nil {
		return "", err
	}
	return tx.TxHash().String(), nil
}
