package internal

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/chainmsg/crypto"
	"github.com/opd-ai/chainmsg/inbox"
	"github.com/opd-ai/chainmsg/messaging"
	"github.com/opd-ai/chainmsg/testnet"
	"github.com/opd-ai/chainmsg/wallet"
)

// TestClient is one messaging identity on the simulated ledger.
type TestClient struct {
	name    string
	chain   *testnet.Chain
	wallet  *wallet.Wallet
	session *messaging.Session
	watcher *messaging.Watcher
	logger  *logrus.Entry
	metrics *ClientMetrics
}

// ClientMetrics tracks client activity.
type ClientMetrics struct {
	StartTime        time.Time
	MessagesSent     int64
	MessagesReceived int64
	ChunksBroadcast  int64
	SplitTxs         int64
	mu               sync.RWMutex
}

// ClientConfig holds configuration for a test client.
type ClientConfig struct {
	Name      string
	Chain     *testnet.Chain
	Messaging messaging.Config
	Logger    *logrus.Entry
}

// DefaultClientConfig returns a client configuration with timings short
// enough for an interactive run.
func DefaultClientConfig(name string, chain *testnet.Chain) *ClientConfig {
	cfg := messaging.DefaultConfig()
	cfg.Funding.PollInterval = 100 * time.Millisecond
	cfg.Funding.WaitCeiling = time.Minute
	cfg.Broadcast.RetryMin = 10 * time.Millisecond
	cfg.Broadcast.RetryMax = 50 * time.Millisecond
	cfg.Broadcast.BatchPauseMin = 10 * time.Millisecond
	cfg.Broadcast.BatchPauseMax = 50 * time.Millisecond
	cfg.Scan.BatchPause = 0

	return &ClientConfig{
		Name:      name,
		Chain:     chain,
		Messaging: cfg,
		Logger:    logrus.WithField("component", "client"),
	}
}

// NewTestClient creates a client with a fresh identity.
func NewTestClient(config *ClientConfig) (*TestClient, error) {
	if config == nil || config.Chain == nil {
		return nil, errors.New("client requires a chain")
	}

	keys, err := crypto.GenerateKeyPair()
	if err != nil {
		return nil, fmt.Errorf("generate keys: %w", err)
	}
	w, err := wallet.New(keys, config.Chain.Params())
	if err != nil {
		return nil, fmt.Errorf("create wallet: %w", err)
	}
	session, err := messaging.NewSession(config.Messaging, messaging.Dependencies{
		Wallet:  w,
		Builder: w,
		Ledger:  config.Chain,
		Fees:    config.Chain,
		Params:  config.Chain.Params(),
	})
	if err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}

	logger := config.Logger
	if logger == nil {
		logger = logrus.NewEntry(logrus.StandardLogger())
	}

	tc := &TestClient{
		name:    config.Name,
		chain:   config.Chain,
		wallet:  w,
		session: session,
		logger:  logger.WithFields(logrus.Fields{"client": config.Name, "address": w.OwnAddress()}),
		metrics: &ClientMetrics{StartTime: time.Now()},
	}
	tc.watcher = session.NewWatcher(time.Second, nil)
	return tc, nil
}

// Name returns the client's display name.
func (tc *TestClient) Name() string {
	return tc.name
}

// Address returns the client's ledger address.
func (tc *TestClient) Address() string {
	return tc.wallet.OwnAddress()
}

// Fund credits the client's address with a confirmed output.
func (tc *TestClient) Fund(amount int64) error {
	txid, err := tc.chain.Fund(tc.Address(), amount)
	if err != nil {
		return err
	}
	tc.logger.WithFields(logrus.Fields{"amount": amount, "txid": txid}).Info("💰 Funded")
	return nil
}

// PublishKey announces the client's key.
func (tc *TestClient) PublishKey(ctx context.Context) (string, error) {
	txid, err := tc.session.PublishKey(ctx)
	if err != nil {
		return "", err
	}
	tc.logger.WithField("txid", txid).Info("🔑 Public key announced")
	return txid, nil
}

// KeyVisible reports whether address has a confirmed key announcement.
func (tc *TestClient) KeyVisible(ctx context.Context, address string) (bool, error) {
	pub, err := tc.session.Resolve(ctx, address)
	return pub != nil, err
}

// SendMessage sends content to address.
func (tc *TestClient) SendMessage(ctx context.Context, address, content string) (*messaging.SendResult, error) {
	res, err := tc.session.Send(ctx, address, content)
	if err != nil {
		return res, err
	}

	tc.metrics.mu.Lock()
	tc.metrics.MessagesSent++
	tc.metrics.ChunksBroadcast += int64(res.Broadcast.Succeeded)
	if res.SplitTxID != "" {
		tc.metrics.SplitTxs++
	}
	tc.metrics.mu.Unlock()
	return res, nil
}

// WaitForMessage polls the inbox until a new entry arrives or timeout
// elapses. Entries that failed to decrypt are returned as errors.
func (tc *TestClient) WaitForMessage(ctx context.Context, timeout, poll time.Duration) (*inbox.Result, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ticker := time.NewTicker(poll)
	defer ticker.Stop()

	for {
		fresh, err := tc.watcher.Poll(ctx)
		if err != nil && ctx.Err() == nil {
			tc.logger.WithError(err).Warn("Inbox poll failed")
		}
		for _, r := range fresh {
			if r.Status == inbox.StatusError {
				return nil, fmt.Errorf("message %s arrived undecryptable (%s): %w", r.ID, r.ErrorKind, r.Err)
			}
			tc.metrics.mu.Lock()
			tc.metrics.MessagesReceived++
			tc.metrics.mu.Unlock()
			return &r, nil
		}

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("timeout waiting for message: %w", ctx.Err())
		case <-ticker.C:
		}
	}
}

// GetStatus returns the client's counters.
func (tc *TestClient) GetStatus() map[string]interface{} {
	tc.metrics.mu.RLock()
	defer tc.metrics.mu.RUnlock()

	return map[string]interface{}{
		"name":              tc.name,
		"address":           tc.Address(),
		"messages_sent":     tc.metrics.MessagesSent,
		"messages_received": tc.metrics.MessagesReceived,
		"chunks_broadcast":  tc.metrics.ChunksBroadcast,
		"split_txs":         tc.metrics.SplitTxs,
		"uptime":            time.Since(tc.metrics.StartTime),
	}
}

// Stop closes the client's session.
func (tc *TestClient) Stop() error {
	return tc.session.Close()
}
