package inbox

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/chainmsg/chunk"
	"github.com/opd-ai/chainmsg/interfaces"
)

// UnknownSender is the sender hint used when the funding input cannot be traced.
const UnknownSender = "unknown_sender"

// ScanConfig bounds ledger load during a scan.
type ScanConfig struct {
	BatchSize  int
	BatchPause time.Duration
	MempoolCap int
}

// DefaultScanConfig returns batches of 20 with a 100ms pause and at most 500
// mempool transactions inspected.
func DefaultScanConfig() ScanConfig {
	return ScanConfig{
		BatchSize:  20,
		BatchPause: 100 * time.Millisecond,
		MempoolCap: 500,
	}
}

// Validate checks the configuration.
func (c ScanConfig) Validate() error {
	if c.BatchSize <= 0 {
		return errors.New("scan batch size must be positive")
	}
	if c.BatchPause < 0 {
		return errors.New("scan batch pause cannot be negative")
	}
	if c.MempoolCap < 0 {
		return errors.New("mempool cap cannot be negative")
	}
	return nil
}

// Candidate is a transaction carrying at least one chunk token.
type Candidate struct {
	TxID          string
	Payloads      [][]byte
	SenderHint    string
	Seen          time.Time
	Confirmations int64
}

// Scanner collects candidate transactions for an address.
type Scanner struct {
	cfg      ScanConfig
	ledger   interfaces.ILedger
	time     interfaces.TimeProvider
	progress interfaces.ProgressFunc
}

// NewScanner creates a scanner. tp may be nil.
func NewScanner(cfg ScanConfig, ledger interfaces.ILedger, tp interfaces.TimeProvider, progress interfaces.ProgressFunc) (*Scanner, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if ledger == nil {
		return nil, errors.New("scanner requires a ledger")
	}
	return &Scanner{cfg: cfg, ledger: ledger, time: interfaces.OrDefault(tp), progress: progress}, nil
}

type job struct {
	txid    string
	mempool bool
}

// Collect returns every transaction in address's history or the mempool that
// carries a chunk token, deduplicated by txid. Failure to list unspent outputs
// aborts; individual transaction lookups and the mempool listing are best
// effort.
func (s *Scanner) Collect(ctx context.Context, operationID, address string) ([]Candidate, error) {
	logger := logrus.WithFields(logrus.Fields{
		"function":     "Collect",
		"operation_id": operationID,
		"address":      address,
	})

	utxos, err := s.ledger.GetUnspentOutputs(ctx, address)
	if err != nil {
		return nil, fmt.Errorf("list unspent outputs: %w", err)
	}

	seen := make(map[string]struct{})
	var jobs []job
	for _, u := range utxos {
		if _, dup := seen[u.TxID]; dup {
			continue
		}
		seen[u.TxID] = struct{}{}
		jobs = append(jobs, job{txid: u.TxID})
	}
	confirmed := len(jobs)

	mempool, err := s.ledger.GetMempoolTransactionIDs(ctx)
	if err != nil {
		logger.WithError(err).Warn("Mempool listing failed, scanning confirmed history only")
	}
	if len(mempool) > s.cfg.MempoolCap {
		mempool = mempool[:s.cfg.MempoolCap]
	}
	for _, txid := range mempool {
		if _, dup := seen[txid]; dup {
			continue
		}
		seen[txid] = struct{}{}
		jobs = append(jobs, job{txid: txid, mempool: true})
	}

	logger.WithFields(logrus.Fields{
		"confirmed": confirmed,
		"mempool":   len(jobs) - confirmed,
	}).Debug("Scanning transactions")

	results := make([]*Candidate, len(jobs))
	for start := 0; start < len(jobs); start += s.cfg.BatchSize {
		end := start + s.cfg.BatchSize
		if end > len(jobs) {
			end = len(jobs)
		}

		var wg sync.WaitGroup
		for i := start; i < end; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				results[i] = s.inspect(ctx, jobs[i], address)
			}(i)
		}
		wg.Wait()

		s.progress.Emit(interfaces.Event{
			OperationID: operationID,
			Stage:       interfaces.StageScan,
			Current:     end,
			Total:       len(jobs),
		})

		if end < len(jobs) {
			if err := s.time.Sleep(ctx, s.cfg.BatchPause); err != nil {
				return nil, err
			}
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var out []Candidate
	for _, c := range results {
		if c != nil {
			out = append(out, *c)
		}
	}
	logger.WithField("candidates", len(out)).Debug("Scan collected candidates")
	return out, nil
}

// inspect fetches one transaction and returns it as a candidate when it
// carries chunk tokens.
func (s *Scanner) inspect(ctx context.Context, j job, address string) *Candidate {
	tx, err := s.ledger.GetTransaction(ctx, j.txid)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "inspect",
			"txid":     j.txid,
			"error":    err.Error(),
		}).Warn("Skipping unreadable transaction")
		return nil
	}
	if j.mempool && !tx.PaysTo(address) {
		return nil
	}

	var tokens [][]byte
	for _, p := range tx.DataPayloads() {
		if chunk.IsToken(string(p)) {
			tokens = append(tokens, p)
		}
	}
	if len(tokens) == 0 {
		return nil
	}

	seen := tx.Time
	if seen.IsZero() {
		seen = s.time.Now()
	}
	return &Candidate{
		TxID:          tx.TxID,
		Payloads:      tokens,
		SenderHint:    s.senderHint(ctx, tx),
		Seen:          seen,
		Confirmations: tx.Confirmations,
	}
}

// senderHint returns the address that funded the first input.
func (s *Scanner) senderHint(ctx context.Context, tx *interfaces.Transaction) string {
	if len(tx.Inputs) == 0 {
		return UnknownSender
	}
	in := tx.Inputs[0]
	prev, err := s.ledger.GetTransaction(ctx, in.PrevTxID)
	if err != nil || int(in.PrevVout) >= len(prev.Outputs) {
		return UnknownSender
	}
	if addr := prev.Outputs[in.PrevVout].Address; addr != "" {
		return addr
	}
	return UnknownSender
}
