package broadcast

import (
	"bytes"
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"

	"github.com/opd-ai/chainmsg/interfaces"
)

// mockBuilder produces decodable transactions spending the requested input.
type mockBuilder struct {
	mu    sync.Mutex
	built int
	fail  error
}

func (m *mockBuilder) BuildAndSignTransaction(ctx context.Context, req interfaces.TxRequest) (string, error) {
	m.mu.Lock()
	m.built++
	fail := m.fail
	m.mu.Unlock()
	if fail != nil {
		return "", fail
	}

	hash, err := chainhash.NewHashFromStr(req.Input.TxID)
	if err != nil {
		return "", err
	}
	tx := wire.NewMsgTx(wire.TxVersion)
	tx.AddTxIn(wire.NewTxIn(wire.NewOutPoint(hash, req.Input.Vout), nil, nil))
	tx.AddTxOut(wire.NewTxOut(req.Amount, req.Data))

	var buf bytes.Buffer
	if err := tx.Serialize(&buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf.Bytes()), nil
}

func (m *mockBuilder) BuildSplitTransaction(ctx context.Context, req interfaces.SplitRequest) (string, error) {
	return "", errors.New("not implemented")
}

// mockLedger accepts every decodable transaction unless reject returns an
// error for it.
type mockLedger struct {
	mu        sync.Mutex
	calls     map[string]int
	accepted  []string
	inFlight  int
	maxFlight int
	reject    func(rawHex string) error
}

func newMockLedger() *mockLedger {
	return &mockLedger{calls: make(map[string]int)}
}

func (m *mockLedger) GetUnspentOutputs(ctx context.Context, address string) ([]interfaces.UTXO, error) {
	return nil, nil
}

func (m *mockLedger) GetTransaction(ctx context.Context, txid string) (*interfaces.Transaction, error) {
	return nil, interfaces.ErrTransactionNotFound
}

func (m *mockLedger) GetMempoolTransactionIDs(ctx context.Context) ([]string, error) {
	return nil, nil
}

func (m *mockLedger) BroadcastTransaction(ctx context.Context, rawHex string) (string, error) {
	m.mu.Lock()
	m.calls[rawHex]++
	m.inFlight++
	if m.inFlight > m.maxFlight {
		m.maxFlight = m.inFlight
	}
	reject := m.reject
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		m.inFlight--
		m.mu.Unlock()
	}()

	if reject != nil {
		if err := reject(rawHex); err != nil {
			return "", err
		}
	}

	txid, err := rawTxID(rawHex)
	if err != nil {
		return "", fmt.Errorf("decode: %w", err)
	}
	m.mu.Lock()
	m.accepted = append(m.accepted, txid)
	m.mu.Unlock()
	return txid, nil
}

func (m *mockLedger) totalCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, c := range m.calls {
		n += c
	}
	return n
}
