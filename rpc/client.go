// Package rpc adapts a bitcoind-compatible JSON-RPC node to the ledger and
// fee estimator interfaces using btcd's rpcclient in HTTP POST mode.
package rpc

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/btcsuite/btcd/btcjson"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/rpcclient"
	"github.com/sirupsen/logrus"

	"github.com/opd-ai/chainmsg/interfaces"
)

// Config holds node connection settings.
type Config struct {
	Host       string // host:port
	User       string
	Pass       string
	DisableTLS bool
	Params     *chaincfg.Params
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if c.Host == "" {
		return errors.New("rpc host cannot be empty")
	}
	return nil
}

// Client implements interfaces.ILedger and interfaces.IFeeEstimator.
type Client struct {
	rpc    *rpcclient.Client
	params *chaincfg.Params
}

// New creates a client. No connection is made until the first call.
func New(cfg Config) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.Params == nil {
		cfg.Params = &chaincfg.MainNetParams
	}

	c, err := rpcclient.New(&rpcclient.ConnConfig{
		Host:         cfg.Host,
		User:         cfg.User,
		Pass:         cfg.Pass,
		HTTPPostMode: true,
		DisableTLS:   cfg.DisableTLS,
	}, nil)
	if err != nil {
		return nil, fmt.Errorf("create rpc client: %w", err)
	}
	return &Client{rpc: c, params: cfg.Params}, nil
}

// Close shuts the client down.
func (c *Client) Close() {
	c.rpc.Shutdown()
}

type scanResult struct {
	Success  bool   `json:"success"`
	Height   int64  `json:"height"`
	Unspents []struct {
		TxID         string  `json:"txid"`
		Vout         uint32  `json:"vout"`
		ScriptPubKey string  `json:"scriptPubKey"`
		Amount       float64 `json:"amount"`
		Height       int64   `json:"height"`
	} `json:"unspents"`
}

// GetUnspentOutputs runs scantxoutset over the address descriptor.
func (c *Client) GetUnspentOutputs(ctx context.Context, address string) ([]interfaces.UTXO, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if _, err := btcutil.DecodeAddress(address, c.params); err != nil {
		return nil, fmt.Errorf("invalid address %q: %w", address, err)
	}

	action, _ := json.Marshal("start")
	descs, _ := json.Marshal([]map[string]string{{"desc": fmt.Sprintf("addr(%s)", address)}})
	raw, err := c.rpc.RawRequest("scantxoutset", []json.RawMessage{action, descs})
	if err != nil {
		return nil, fmt.Errorf("scantxoutset: %w", err)
	}

	var res scanResult
	if err := json.Unmarshal(raw, &res); err != nil {
		return nil, fmt.Errorf("decode scantxoutset: %w", err)
	}

	out := make([]interfaces.UTXO, 0, len(res.Unspents))
	for _, u := range res.Unspents {
		script, err := hex.DecodeString(u.ScriptPubKey)
		if err != nil {
			continue
		}
		amount, err := btcutil.NewAmount(u.Amount)
		if err != nil {
			continue
		}
		utxo := interfaces.NewUTXO(u.TxID, u.Vout, int64(amount), script, c.params)
		if u.Height > 0 && res.Height >= u.Height {
			utxo.Confirmations = res.Height - u.Height + 1
		}
		out = append(out, utxo)
	}

	logrus.WithFields(logrus.Fields{
		"function": "GetUnspentOutputs",
		"address":  address,
		"count":    len(out),
	}).Debug("Unspent outputs listed")
	return out, nil
}

// GetTransaction calls getrawtransaction in verbose mode.
func (c *Client) GetTransaction(ctx context.Context, txid string) (*interfaces.Transaction, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	hash, err := chainhash.NewHashFromStr(txid)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", interfaces.ErrTransactionNotFound, txid)
	}

	res, err := c.rpc.GetRawTransactionVerbose(hash)
	if err != nil {
		var rpcErr *btcjson.RPCError
		if errors.As(err, &rpcErr) && rpcErr.Code == btcjson.ErrRPCNoTxInfo {
			return nil, fmt.Errorf("%w: %s", interfaces.ErrTransactionNotFound, txid)
		}
		return nil, fmt.Errorf("getrawtransaction %s: %w", txid, err)
	}
	return c.toTransaction(res)
}

func (c *Client) toTransaction(res *btcjson.TxRawResult) (*interfaces.Transaction, error) {
	t := &interfaces.Transaction{
		TxID:          res.Txid,
		Confirmations: int64(res.Confirmations),
	}
	if res.Time > 0 {
		t.Time = time.Unix(res.Time, 0)
	}
	for _, in := range res.Vin {
		if in.IsCoinBase() {
			continue
		}
		t.Inputs = append(t.Inputs, interfaces.TxInput{PrevTxID: in.Txid, PrevVout: in.Vout})
	}
	for _, out := range res.Vout {
		script, err := hex.DecodeString(out.ScriptPubKey.Hex)
		if err != nil {
			return nil, fmt.Errorf("output %d script: %w", out.N, err)
		}
		amount, err := btcutil.NewAmount(out.Value)
		if err != nil {
			return nil, fmt.Errorf("output %d value: %w", out.N, err)
		}
		t.Outputs = append(t.Outputs, interfaces.TxOutput{
			Value:        int64(amount),
			ScriptPubKey: script,
			Address:      interfaces.ScriptAddress(script, c.params),
		})
	}
	return t, nil
}

// GetMempoolTransactionIDs calls getrawmempool.
func (c *Client) GetMempoolTransactionIDs(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	hashes, err := c.rpc.GetRawMempool()
	if err != nil {
		return nil, fmt.Errorf("getrawmempool: %w", err)
	}
	ids := make([]string, len(hashes))
	for i, h := range hashes {
		ids[i] = h.String()
	}
	return ids, nil
}

// BroadcastTransaction calls sendrawtransaction. Node rejections are returned
// verbatim so callers can recognise already-known transactions.
func (c *Client) BroadcastTransaction(ctx context.Context, rawHex string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	param, _ := json.Marshal(rawHex)
	raw, err := c.rpc.RawRequest("sendrawtransaction", []json.RawMessage{param})
	if err != nil {
		return "", fmt.Errorf("sendrawtransaction: %w", err)
	}
	var txid string
	if err := json.Unmarshal(raw, &txid); err != nil {
		return "", fmt.Errorf("decode sendrawtransaction: %w", err)
	}
	return txid, nil
}

// FeeRates collects mempoolminfee, relayfee and the two-block smart estimate.
// Individual failures leave the corresponding rate at zero; an error is
// returned only when every source fails.
func (c *Client) FeeRates(ctx context.Context) (interfaces.FeeRates, error) {
	if err := ctx.Err(); err != nil {
		return interfaces.FeeRates{}, err
	}

	var rates interfaces.FeeRates
	var failures int
	logger := logrus.WithField("function", "FeeRates")

	var mempool struct {
		MempoolMinFee float64 `json:"mempoolminfee"`
	}
	if err := c.rawInto("getmempoolinfo", &mempool); err != nil {
		failures++
		logger.WithError(err).Debug("getmempoolinfo failed")
	} else {
		rates.MempoolMinFee = btcPerKvBToSat(mempool.MempoolMinFee)
	}

	var network struct {
		RelayFee float64 `json:"relayfee"`
	}
	if err := c.rawInto("getnetworkinfo", &network); err != nil {
		failures++
		logger.WithError(err).Debug("getnetworkinfo failed")
	} else {
		rates.RelayFee = btcPerKvBToSat(network.RelayFee)
	}

	est, err := c.rpc.EstimateSmartFee(2, nil)
	switch {
	case err != nil:
		failures++
		logger.WithError(err).Debug("estimatesmartfee failed")
	case est.FeeRate != nil:
		rates.SmartFee = btcPerKvBToSat(*est.FeeRate)
	}

	if failures == 3 {
		return rates, errors.New("no fee source available")
	}
	return rates, nil
}

func (c *Client) rawInto(method string, v interface{}) error {
	raw, err := c.rpc.RawRequest(method, nil)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, v)
}

func btcPerKvBToSat(v float64) int64 {
	amt, err := btcutil.NewAmount(v)
	if err != nil {
		return 0
	}
	return int64(amt)
}
