package rpc

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/txscript"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opd-ai/chainmsg/crypto"
	"github.com/opd-ai/chainmsg/interfaces"
)

type rpcRequest struct {
	Method string            `json:"method"`
	Params []json.RawMessage `json:"params"`
	ID     json.RawMessage   `json:"id"`
}

type handlerFunc func(params []json.RawMessage) (interface{}, *rpcError)

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func newTestNode(t *testing.T, handlers map[string]handlerFunc) (*Client, *[]string) {
	t.Helper()
	var calls []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req rpcRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		calls = append(calls, req.Method)

		resp := map[string]interface{}{"id": req.ID, "result": nil, "error": nil}
		h, ok := handlers[req.Method]
		if !ok {
			resp["error"] = rpcError{Code: -32601, Message: "Method not found"}
		} else if result, rerr := h(req.Params); rerr != nil {
			resp["error"] = rerr
		} else {
			resp["result"] = result
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(resp)
	}))
	t.Cleanup(srv.Close)

	c, err := New(Config{
		Host:       strings.TrimPrefix(srv.URL, "http://"),
		User:       "user",
		Pass:       "pass",
		DisableTLS: true,
		Params:     &chaincfg.RegressionNetParams,
	})
	require.NoError(t, err)
	t.Cleanup(c.Close)
	return c, &calls
}

func testAddress(t *testing.T) (string, []byte) {
	t.Helper()
	kp, err := crypto.GenerateKeyPair()
	require.NoError(t, err)
	addr, err := btcutil.NewAddressWitnessPubKeyHash(
		btcutil.Hash160(kp.Public.SerializeCompressed()), &chaincfg.RegressionNetParams)
	require.NoError(t, err)
	script, err := txscript.PayToAddrScript(addr)
	require.NoError(t, err)
	return addr.EncodeAddress(), script
}

func TestConfigValidate(t *testing.T) {
	assert.Error(t, Config{}.Validate())
	assert.NoError(t, Config{Host: "localhost:18443"}.Validate())

	_, err := New(Config{})
	assert.Error(t, err)
}

func TestGetUnspentOutputs(t *testing.T) {
	address, script := testAddress(t)
	scriptHex := hex.EncodeToString(script)

	c, calls := newTestNode(t, map[string]handlerFunc{
		"scantxoutset": func(params []json.RawMessage) (interface{}, *rpcError) {
			var descs []map[string]string
			_ = json.Unmarshal(params[1], &descs)
			if len(descs) != 1 || descs[0]["desc"] != "addr("+address+")" {
				return nil, &rpcError{Code: -8, Message: "bad descriptor"}
			}
			return map[string]interface{}{
				"success": true,
				"height":  110,
				"unspents": []map[string]interface{}{
					{"txid": strings.Repeat("ab", 32), "vout": 1, "scriptPubKey": scriptHex, "amount": 0.01, "height": 101},
					{"txid": strings.Repeat("cd", 32), "vout": 0, "scriptPubKey": scriptHex, "amount": 0.00000294, "height": 110},
				},
			}, nil
		},
	})

	utxos, err := c.GetUnspentOutputs(context.Background(), address)
	require.NoError(t, err)
	require.Len(t, utxos, 2)
	assert.Equal(t, []string{"scantxoutset"}, *calls)

	assert.Equal(t, int64(1_000_000), utxos[0].Amount)
	assert.Equal(t, uint32(1), utxos[0].Vout)
	assert.Equal(t, int64(10), utxos[0].Confirmations)
	assert.Equal(t, address, utxos[0].Address)
	assert.Equal(t, int64(294), utxos[1].Amount)
	assert.Equal(t, int64(1), utxos[1].Confirmations)
}

func TestGetUnspentOutputsRejectsBadAddress(t *testing.T) {
	c, calls := newTestNode(t, nil)
	_, err := c.GetUnspentOutputs(context.Background(), "not-an-address")
	assert.Error(t, err)
	assert.Empty(t, *calls)
}

func TestGetTransaction(t *testing.T) {
	address, script := testAddress(t)
	data, err := txscript.NullDataScript([]byte("BC2_hello"))
	require.NoError(t, err)
	txid := strings.Repeat("ef", 32)

	c, _ := newTestNode(t, map[string]handlerFunc{
		"getrawtransaction": func(params []json.RawMessage) (interface{}, *rpcError) {
			var id string
			_ = json.Unmarshal(params[0], &id)
			if id != txid {
				return nil, &rpcError{Code: -5, Message: "No such mempool or blockchain transaction"}
			}
			return map[string]interface{}{
				"txid":          txid,
				"confirmations": 3,
				"time":          1700000000,
				"vin": []map[string]interface{}{
					{"txid": strings.Repeat("01", 32), "vout": 2, "sequence": 4294967295},
				},
				"vout": []map[string]interface{}{
					{"value": 0.00000294, "n": 0, "scriptPubKey": map[string]interface{}{"hex": hex.EncodeToString(script)}},
					{"value": 0, "n": 1, "scriptPubKey": map[string]interface{}{"hex": hex.EncodeToString(data)}},
				},
			}, nil
		},
	})

	tx, err := c.GetTransaction(context.Background(), txid)
	require.NoError(t, err)
	assert.Equal(t, txid, tx.TxID)
	assert.Equal(t, int64(3), tx.Confirmations)
	require.Len(t, tx.Inputs, 1)
	assert.Equal(t, uint32(2), tx.Inputs[0].PrevVout)
	require.Len(t, tx.Outputs, 2)
	assert.Equal(t, address, tx.Outputs[0].Address)
	assert.Equal(t, int64(294), tx.Outputs[0].Value)
	assert.True(t, tx.PaysTo(address))
	assert.Equal(t, [][]byte{[]byte("BC2_hello")}, tx.DataPayloads())

	_, err = c.GetTransaction(context.Background(), strings.Repeat("00", 32))
	assert.ErrorIs(t, err, interfaces.ErrTransactionNotFound)

	_, err = c.GetTransaction(context.Background(), "zz")
	assert.ErrorIs(t, err, interfaces.ErrTransactionNotFound)
}

func TestGetMempoolTransactionIDs(t *testing.T) {
	ids := []string{strings.Repeat("11", 32), strings.Repeat("22", 32)}
	c, _ := newTestNode(t, map[string]handlerFunc{
		"getrawmempool": func([]json.RawMessage) (interface{}, *rpcError) {
			return ids, nil
		},
	})

	got, err := c.GetMempoolTransactionIDs(context.Background())
	require.NoError(t, err)
	assert.ElementsMatch(t, ids, got)
}

func TestBroadcastTransaction(t *testing.T) {
	c, _ := newTestNode(t, map[string]handlerFunc{
		"sendrawtransaction": func(params []json.RawMessage) (interface{}, *rpcError) {
			var raw string
			_ = json.Unmarshal(params[0], &raw)
			if raw == "dead" {
				return nil, &rpcError{Code: -27, Message: "transaction already in block chain"}
			}
			return strings.Repeat("aa", 32), nil
		},
	})

	txid, err := c.BroadcastTransaction(context.Background(), "beef")
	require.NoError(t, err)
	assert.Equal(t, strings.Repeat("aa", 32), txid)

	_, err = c.BroadcastTransaction(context.Background(), "dead")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already in block chain")
}

func TestFeeRates(t *testing.T) {
	c, _ := newTestNode(t, map[string]handlerFunc{
		"getmempoolinfo": func([]json.RawMessage) (interface{}, *rpcError) {
			return map[string]interface{}{"mempoolminfee": 0.00001}, nil
		},
		"getnetworkinfo": func([]json.RawMessage) (interface{}, *rpcError) {
			return map[string]interface{}{"relayfee": 0.00002}, nil
		},
		"estimatesmartfee": func([]json.RawMessage) (interface{}, *rpcError) {
			return map[string]interface{}{"feerate": 0.00005, "blocks": 2}, nil
		},
	})

	rates, err := c.FeeRates(context.Background())
	require.NoError(t, err)
	assert.Equal(t, interfaces.FeeRates{MempoolMinFee: 1000, RelayFee: 2000, SmartFee: 5000}, rates)
}

func TestFeeRatesPartialAndTotalFailure(t *testing.T) {
	c, _ := newTestNode(t, map[string]handlerFunc{
		"getnetworkinfo": func([]json.RawMessage) (interface{}, *rpcError) {
			return map[string]interface{}{"relayfee": 0.00001}, nil
		},
	})
	rates, err := c.FeeRates(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1000), rates.RelayFee)
	assert.Zero(t, rates.SmartFee)

	none, _ := newTestNode(t, nil)
	_, err = none.FeeRates(context.Background())
	assert.Error(t, err)
}

func TestCanceledContext(t *testing.T) {
	c, calls := newTestNode(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := c.GetMempoolTransactionIDs(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	_, err = c.BroadcastTransaction(ctx, "00")
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, *calls)
}
