package keydir

import (
	"bytes"
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/sirupsen/logrus"

	"github.com/opd-ai/chainmsg/broadcast"
	"github.com/opd-ai/chainmsg/crypto"
	"github.com/opd-ai/chainmsg/funding"
	"github.com/opd-ai/chainmsg/interfaces"
)

// Prefix marks a key announcement payload.
const Prefix = "BC2PUB:"

// Funder selects funding outputs.
type Funder interface {
	Allocate(ctx context.Context, operationID string, n int) (*funding.Allocation, error)
}

// Sender broadcasts payload-carrying transactions.
type Sender interface {
	Send(ctx context.Context, req broadcast.Request) (*broadcast.Result, error)
}

// Directory publishes the local key and resolves counterparties' keys.
type Directory struct {
	ledger     interfaces.ILedger
	params     *chaincfg.Params
	funder     Funder
	sender     Sender
	messageFee int64

	mu    sync.RWMutex
	cache map[string]*btcec.PublicKey
}

// New creates a Directory. funder and sender may be nil for a resolve-only
// directory.
func New(ledger interfaces.ILedger, params *chaincfg.Params, funder Funder, sender Sender, messageFee int64) *Directory {
	if params == nil {
		params = &chaincfg.MainNetParams
	}
	return &Directory{
		ledger:     ledger,
		params:     params,
		funder:     funder,
		sender:     sender,
		messageFee: messageFee,
		cache:      make(map[string]*btcec.PublicKey),
	}
}

// AnnouncementPayload returns the data payload announcing pub.
func AnnouncementPayload(pub *btcec.PublicKey) string {
	return Prefix + hex.EncodeToString(pub.SerializeCompressed())
}

// ParseAnnouncement extracts a public key from a data payload. It accepts 33
// byte compressed keys and 32 byte x-only keys.
func ParseAnnouncement(payload []byte) (*btcec.PublicKey, bool) {
	s := string(payload)
	if !strings.HasPrefix(s, Prefix) {
		return nil, false
	}
	keyHex := strings.TrimPrefix(s, Prefix)
	if len(keyHex) != 66 && len(keyHex) != 64 {
		return nil, false
	}
	pub, err := crypto.ParsePublicKeyHex(strings.ToLower(keyHex))
	if err != nil {
		return nil, false
	}
	return pub, true
}

// Publish broadcasts an announcement of keys.Public funded by one of the
// owner's outputs and returns its transaction id. Republishing simply adds
// another record.
func (d *Directory) Publish(ctx context.Context, operationID string, keys *crypto.KeyPair, ownerAddress string) (string, error) {
	if d.funder == nil || d.sender == nil {
		return "", errors.New("directory is resolve-only")
	}
	if keys == nil || keys.Public == nil {
		return "", fmt.Errorf("%w: missing key pair", crypto.ErrKeyAgreement)
	}

	logger := logrus.WithFields(logrus.Fields{
		"function":     "Publish",
		"operation_id": operationID,
		"address":      ownerAddress,
	})

	alloc, err := d.funder.Allocate(ctx, operationID, 1)
	if err != nil {
		return "", fmt.Errorf("fund key announcement: %w", err)
	}

	result, err := d.sender.Send(ctx, broadcast.Request{
		OperationID: operationID,
		MessageID:   "pubkey",
		Destination: ownerAddress,
		Amount:      d.messageFee,
		Fee:         alloc.TxFee,
		Payloads:    []string{AnnouncementPayload(keys.Public)},
		Inputs:      alloc.Outputs,
	})
	if err != nil {
		return "", fmt.Errorf("broadcast key announcement: %w", err)
	}
	if result.Succeeded == 0 {
		return "", result.Chunks[0].Err
	}

	d.mu.Lock()
	d.cache[ownerAddress] = keys.Public
	d.mu.Unlock()

	txid := result.SucceededTxIDs[0]
	logger.WithField("txid", txid).Info("Public key published")
	return txid, nil
}

// Resolve returns the first valid key announced by address, or nil when the
// address is invalid, unused or has never published. Ledger failures are
// returned as errors.
func (d *Directory) Resolve(ctx context.Context, address string) (*btcec.PublicKey, error) {
	d.mu.RLock()
	pub, ok := d.cache[address]
	d.mu.RUnlock()
	if ok {
		return pub, nil
	}

	logger := logrus.WithFields(logrus.Fields{
		"function": "Resolve",
		"address":  address,
	})

	addr, err := btcutil.DecodeAddress(address, d.params)
	if err != nil {
		logger.Debug("Invalid address, nothing to resolve")
		return nil, nil
	}

	utxos, err := d.ledger.GetUnspentOutputs(ctx, address)
	if err != nil {
		return nil, fmt.Errorf("list unspent outputs: %w", err)
	}

	seen := make(map[string]struct{}, len(utxos))
	for _, u := range utxos {
		if _, dup := seen[u.TxID]; dup {
			continue
		}
		seen[u.TxID] = struct{}{}

		tx, err := d.ledger.GetTransaction(ctx, u.TxID)
		if err != nil {
			logger.WithFields(logrus.Fields{"txid": u.TxID, "error": err.Error()}).Warn("Skipping unreadable transaction")
			continue
		}
		for _, payload := range tx.DataPayloads() {
			pub, ok := ParseAnnouncement(payload)
			if !ok {
				continue
			}
			if pub, ok = boundKey(addr, pub); !ok {
				logger.WithField("txid", u.TxID).Warn("Ignoring key announcement that does not match the address")
				continue
			}
			d.mu.Lock()
			d.cache[address] = pub
			d.mu.Unlock()
			logger.WithField("txid", u.TxID).Debug("Public key resolved")
			return pub, nil
		}
	}

	logger.WithField("transactions", len(seen)).Debug("No key announcement found")
	return nil, nil
}

// boundKey checks that pub hashes to the key hash committed by a P2WPKH or
// P2PKH address, trying both parities of the x coordinate so legacy x-only
// announcements come back with the correct point. Other address kinds carry
// no key hash and are accepted unchanged.
func boundKey(addr btcutil.Address, pub *btcec.PublicKey) (*btcec.PublicKey, bool) {
	var program []byte
	switch a := addr.(type) {
	case *btcutil.AddressWitnessPubKeyHash:
		program = a.WitnessProgram()
	case *btcutil.AddressPubKeyHash:
		program = a.ScriptAddress()
	default:
		return pub, true
	}

	candidate := pub.SerializeCompressed()
	for _, prefix := range []byte{0x02, 0x03} {
		candidate[0] = prefix
		if bytes.Equal(btcutil.Hash160(candidate), program) {
			bound, err := btcec.ParsePubKey(candidate)
			return bound, err == nil
		}
	}
	if _, legacy := addr.(*btcutil.AddressPubKeyHash); legacy {
		if bytes.Equal(btcutil.Hash160(pub.SerializeUncompressed()), program) {
			return pub, true
		}
	}
	return nil, false
}

// ResolvePublicKey implements crypto.KeyResolver.
func (d *Directory) ResolvePublicKey(ctx context.Context, address string) (*btcec.PublicKey, error) {
	pub, err := d.Resolve(ctx, address)
	if err != nil {
		return nil, err
	}
	if pub == nil {
		return nil, fmt.Errorf("%w: %s", crypto.ErrKeyNotFound, address)
	}
	return pub, nil
}

// Forget drops a cached key so the next Resolve rescans the ledger.
func (d *Directory) Forget(address string) {
	d.mu.Lock()
	delete(d.cache, address)
	d.mu.Unlock()
}
