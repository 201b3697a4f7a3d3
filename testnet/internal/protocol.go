package internal

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/chainmsg/crypto"
	"github.com/opd-ai/chainmsg/testnet"
)

// ProtocolTestSuite manages the chain messaging test workflow.
type ProtocolTestSuite struct {
	chain      *testnet.Chain
	stopMining context.CancelFunc
	clientA    *TestClient
	clientB    *TestClient
	logger     *logrus.Entry
	config     *ProtocolConfig
}

// ProtocolConfig holds configuration for protocol testing.
type ProtocolConfig struct {
	MineInterval   time.Duration
	FundingAmount  int64
	KeyTimeout     time.Duration
	MessageTimeout time.Duration
	PollInterval   time.Duration
	RetryAttempts  int
	RetryBackoff   time.Duration
	ChunkSize      int
	Cipher         crypto.CipherSuite
	MessageText    string
	Logger         *logrus.Entry
}

// DefaultProtocolConfig returns a default configuration for protocol testing.
func DefaultProtocolConfig() *ProtocolConfig {
	return &ProtocolConfig{
		MineInterval:   500 * time.Millisecond,
		FundingAmount:  1_000_000,
		KeyTimeout:     15 * time.Second,
		MessageTimeout: 30 * time.Second,
		PollInterval:   200 * time.Millisecond,
		RetryAttempts:  3,
		RetryBackoff:   time.Second,
		ChunkSize:      40,
		MessageText:    "Hello Alice! This is Bob writing through the ledger.",
		Logger:         logrus.WithField("component", "protocol"),
	}
}

// NewProtocolTestSuite creates a new protocol test suite.
func NewProtocolTestSuite(config *ProtocolConfig) *ProtocolTestSuite {
	if config == nil {
		config = DefaultProtocolConfig()
	}
	if config.Logger == nil {
		config.Logger = logrus.WithField("component", "protocol")
	}

	return &ProtocolTestSuite{
		config: config,
		logger: config.Logger,
	}
}

// ExecuteTest runs the complete protocol test workflow.
func (pts *ProtocolTestSuite) ExecuteTest(ctx context.Context) error {
	pts.logger.Info("🚀 Starting chain messaging integration run")

	if err := pts.initializeLedger(ctx); err != nil {
		return fmt.Errorf("ledger initialization failed: %w", err)
	}
	if err := pts.setupClients(); err != nil {
		return fmt.Errorf("client setup failed: %w", err)
	}
	if err := pts.publishKeys(ctx); err != nil {
		return fmt.Errorf("key publication failed: %w", err)
	}
	if err := pts.testMessageExchange(ctx); err != nil {
		return fmt.Errorf("message exchange failed: %w", err)
	}

	pts.logger.Info("🎉 All steps completed successfully!")
	return nil
}

// initializeLedger creates the simulated chain and starts block production.
func (pts *ProtocolTestSuite) initializeLedger(ctx context.Context) error {
	pts.logger.Info("⛓️  Step 1: Ledger Initialization")

	pts.chain = testnet.NewChain(testnet.DefaultConfig())
	minerCtx, cancel := context.WithCancel(ctx)
	pts.stopMining = cancel
	go pts.chain.RunMiner(minerCtx, pts.config.MineInterval)

	pts.logger.WithFields(logrus.Fields{
		"network":       pts.chain.Params().Name,
		"mine_interval": pts.config.MineInterval,
	}).Info("✅ Ledger running")
	return nil
}

// setupClients creates and funds both clients.
func (pts *ProtocolTestSuite) setupClients() error {
	pts.logger.Info("👥 Step 2: Client Setup")

	var err error
	pts.clientA, err = NewTestClient(pts.clientConfig("Alice"))
	if err != nil {
		return fmt.Errorf("failed to create Alice: %w", err)
	}
	pts.clientB, err = NewTestClient(pts.clientConfig("Bob"))
	if err != nil {
		return fmt.Errorf("failed to create Bob: %w", err)
	}

	for _, c := range []*TestClient{pts.clientA, pts.clientB} {
		if err := c.Fund(pts.config.FundingAmount); err != nil {
			return fmt.Errorf("failed to fund %s: %w", c.Name(), err)
		}
	}

	pts.logger.WithFields(logrus.Fields{
		"alice": pts.clientA.Address(),
		"bob":   pts.clientB.Address(),
	}).Info("✅ Clients ready")
	return nil
}

func (pts *ProtocolTestSuite) clientConfig(name string) *ClientConfig {
	cfg := DefaultClientConfig(name, pts.chain)
	cfg.Logger = pts.logger
	if pts.config.ChunkSize > 0 {
		cfg.Messaging.ChunkSize = pts.config.ChunkSize
	}
	cfg.Messaging.Cipher = pts.config.Cipher
	return cfg
}

// publishKeys announces both keys and waits until each client can resolve
// the other.
func (pts *ProtocolTestSuite) publishKeys(ctx context.Context) error {
	pts.logger.Info("🔑 Step 3: Key Publication")

	for _, c := range []*TestClient{pts.clientA, pts.clientB} {
		if err := pts.retryOperation(func() error {
			_, err := c.PublishKey(ctx)
			return err
		}); err != nil {
			return fmt.Errorf("%s could not publish: %w", c.Name(), err)
		}
	}

	if err := pts.waitForKey(ctx, pts.clientA, pts.clientB); err != nil {
		return err
	}
	if err := pts.waitForKey(ctx, pts.clientB, pts.clientA); err != nil {
		return err
	}

	pts.logger.Info("✅ Keys resolvable in both directions")
	return nil
}

func (pts *ProtocolTestSuite) waitForKey(ctx context.Context, from, of *TestClient) error {
	ctx, cancel := context.WithTimeout(ctx, pts.config.KeyTimeout)
	defer cancel()

	ticker := time.NewTicker(pts.config.PollInterval)
	defer ticker.Stop()
	for {
		ok, err := from.KeyVisible(ctx, of.Address())
		if err == nil && ok {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("%s cannot resolve %s's key: %w", from.Name(), of.Name(), ctx.Err())
		case <-ticker.C:
		}
	}
}

// testMessageExchange sends one message in each direction.
func (pts *ProtocolTestSuite) testMessageExchange(ctx context.Context) error {
	pts.logger.Info("💬 Step 4: Message Exchange")

	if err := pts.sendAndVerify(ctx, pts.clientB, pts.clientA, pts.config.MessageText); err != nil {
		return err
	}
	reply := "Hi Bob! Alice here, replying on-chain."
	if err := pts.sendAndVerify(ctx, pts.clientA, pts.clientB, reply); err != nil {
		return err
	}

	pts.logFinalMetrics()
	pts.logger.Info("✅ Message exchange completed successfully")
	return nil
}

func (pts *ProtocolTestSuite) sendAndVerify(ctx context.Context, from, to *TestClient, content string) error {
	pts.logger.WithFields(logrus.Fields{
		"from":    from.Name(),
		"to":      to.Name(),
		"message": content,
	}).Info("📤 Sending message")

	res, err := from.SendMessage(ctx, to.Address(), content)
	if err != nil {
		return fmt.Errorf("%s failed to send: %w", from.Name(), err)
	}
	if !res.Complete() {
		return fmt.Errorf("%s's send incomplete: %d of %d chunks accepted",
			from.Name(), res.Broadcast.Succeeded, res.Broadcast.Attempted)
	}
	pts.logger.WithFields(logrus.Fields{
		"message_id": res.MessageID,
		"chunks":     res.Chunks,
		"split_txid": res.SplitTxID,
	}).Info("⏳ Waiting for delivery...")

	got, err := to.WaitForMessage(ctx, pts.config.MessageTimeout, pts.config.PollInterval)
	if err != nil {
		return fmt.Errorf("%s did not receive message: %w", to.Name(), err)
	}
	if got.Content != content {
		return fmt.Errorf("message content mismatch: expected %q, got %q", content, got.Content)
	}
	if !got.Verified {
		return fmt.Errorf("message %s failed integrity verification", got.ID)
	}
	if got.Sender != from.Address() {
		return fmt.Errorf("sender mismatch: expected %s, got %s", from.Address(), got.Sender)
	}

	pts.logger.WithField("message", got.Content).Infof("✅ %s received message", to.Name())
	return nil
}

// logFinalMetrics outputs final test metrics.
func (pts *ProtocolTestSuite) logFinalMetrics() {
	pts.logger.Info("📊 Final Test Metrics:")
	pts.logger.WithFields(logrus.Fields{
		"height":     pts.chain.Height(),
		"broadcasts": pts.chain.Broadcasts(),
	}).Info("Ledger metrics")

	for _, c := range []*TestClient{pts.clientA, pts.clientB} {
		status := c.GetStatus()
		pts.logger.WithFields(logrus.Fields{
			"messages_sent":     status["messages_sent"],
			"messages_received": status["messages_received"],
			"chunks_broadcast":  status["chunks_broadcast"],
			"split_txs":         status["split_txs"],
		}).Infof("%s metrics", c.Name())
	}
}

// retryOperation performs an operation with exponential backoff retry logic.
func (pts *ProtocolTestSuite) retryOperation(operation func() error) error {
	var lastErr error
	backoff := pts.config.RetryBackoff
	attempts := pts.config.RetryAttempts
	if attempts < 1 {
		attempts = 1
	}

	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			pts.logger.WithFields(logrus.Fields{
				"attempt":      attempt + 1,
				"max_attempts": attempts,
				"backoff":      backoff,
			}).Info("⏳ Retrying operation")
			time.Sleep(backoff)
			backoff *= 2
		}

		err := operation()
		if err == nil {
			return nil
		}

		lastErr = err
		pts.logger.WithFields(logrus.Fields{
			"attempt":      attempt + 1,
			"max_attempts": attempts,
			"error":        err,
		}).Warn("⚠️  Operation failed")
	}

	return fmt.Errorf("operation failed after %d attempts: %w", attempts, lastErr)
}

// Cleanup stops the miner and closes both clients.
func (pts *ProtocolTestSuite) Cleanup() error {
	pts.logger.Info("🧹 Cleaning up test resources...")

	if pts.stopMining != nil {
		pts.stopMining()
	}

	var errs []string
	for _, c := range []*TestClient{pts.clientA, pts.clientB} {
		if c == nil {
			continue
		}
		if err := c.Stop(); err != nil {
			errs = append(errs, fmt.Sprintf("%s: %v", c.Name(), err))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("cleanup errors: %s", strings.Join(errs, "; "))
	}

	pts.logger.Info("✅ Cleanup completed")
	return nil
}
