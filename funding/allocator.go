package funding

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/chainmsg/interfaces"
)

var (
	// ErrInsufficientFunds indicates no output can fund the operation.
	ErrInsufficientFunds = errors.New("insufficient funds")

	// ErrFundingTimeout indicates split outputs did not confirm before the ceiling.
	ErrFundingTimeout = errors.New("funding timeout")
)

// Config sizes funding outputs and bounds the confirmation wait.
type Config struct {
	MessageFee      int64   // paid to the recipient by every chunk transaction
	MinViableOutput int64   // outputs below this are never selected
	ChunkTxVBytes   int64   // size estimate of one chunk transaction
	FeeSafetyFactor float64 // multiplier on the chunk transaction fee
	FallbackFeeRate int64   // sat/kvB
	PollInterval    time.Duration
	WaitCeiling     time.Duration
}

// DefaultConfig returns the protocol defaults.
func DefaultConfig() Config {
	return Config{
		MessageFee:      294,
		MinViableOutput: 300,
		ChunkTxVBytes:   250,
		FeeSafetyFactor: 1.2,
		FallbackFeeRate: 1000,
		PollInterval:    6 * time.Second,
		WaitCeiling:     time.Hour,
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	switch {
	case c.MessageFee <= 0:
		return errors.New("message fee must be positive")
	case c.MinViableOutput < 0:
		return errors.New("minimum viable output cannot be negative")
	case c.ChunkTxVBytes <= 0:
		return errors.New("chunk transaction size must be positive")
	case c.FeeSafetyFactor < 1:
		return errors.New("fee safety factor must be at least 1")
	case c.FallbackFeeRate <= 0:
		return errors.New("fallback fee rate must be positive")
	case c.PollInterval <= 0:
		return errors.New("poll interval must be positive")
	case c.WaitCeiling < c.PollInterval:
		return errors.New("wait ceiling must cover at least one poll")
	}
	return nil
}

// Quote is the fee sizing of one chunk transaction.
type Quote struct {
	FeeRate   int64 // sat/kvB
	TxFee     int64 // fee of one chunk transaction
	PerOutput int64 // amount each funding output must carry
}

// Allocation is the set of outputs funding one send operation.
type Allocation struct {
	Quote
	Outputs   []interfaces.UTXO
	SplitTxID string
}

// Allocator selects or synthesizes funding outputs.
type Allocator struct {
	cfg          Config
	wallet       interfaces.IWallet
	ledger       interfaces.ILedger
	builder      interfaces.ITransactionBuilder
	reservations interfaces.IReservations
	fees         *FeeRateResolver
	time         interfaces.TimeProvider
	progress     interfaces.ProgressFunc
}

// Option customizes an Allocator.
type Option func(*Allocator)

// WithFeeEstimator enables node fee indicators.
func WithFeeEstimator(est interfaces.IFeeEstimator) Option {
	return func(a *Allocator) { a.fees = NewFeeRateResolver(a.cfg.FallbackFeeRate, est) }
}

// WithTimeProvider injects the clock driving the confirmation poll.
func WithTimeProvider(tp interfaces.TimeProvider) Option {
	return func(a *Allocator) { a.time = tp }
}

// WithProgress installs a progress callback.
func WithProgress(fn interfaces.ProgressFunc) Option {
	return func(a *Allocator) { a.progress = fn }
}

// NewAllocator creates an allocator for wallet's own address.
func NewAllocator(cfg Config, wallet interfaces.IWallet, ledger interfaces.ILedger,
	builder interfaces.ITransactionBuilder, reservations interfaces.IReservations, opts ...Option,
) (*Allocator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if wallet == nil || ledger == nil || builder == nil || reservations == nil {
		return nil, errors.New("allocator requires a wallet, ledger, builder and reservation set")
	}

	a := &Allocator{
		cfg:          cfg,
		wallet:       wallet,
		ledger:       ledger,
		builder:      builder,
		reservations: reservations,
	}
	a.fees = NewFeeRateResolver(cfg.FallbackFeeRate, nil)
	for _, opt := range opts {
		opt(a)
	}
	a.time = interfaces.OrDefault(a.time)
	return a, nil
}

// Quote sizes a chunk transaction at the current fee rate.
func (a *Allocator) Quote(ctx context.Context) Quote {
	rate := a.fees.Resolve(ctx)
	txFee := TxFee(a.cfg.ChunkTxVBytes, rate)
	return Quote{
		FeeRate:   rate,
		TxFee:     txFee,
		PerOutput: a.cfg.MessageFee + scaledFee(txFee, a.cfg.FeeSafetyFactor),
	}
}

// Allocate returns n unreserved outputs each carrying at least the quoted
// per-output amount, splitting the largest output first when fewer exist.
func (a *Allocator) Allocate(ctx context.Context, operationID string, n int) (*Allocation, error) {
	if n <= 0 {
		return nil, fmt.Errorf("invalid output count %d", n)
	}

	address := a.wallet.OwnAddress()
	logger := logrus.WithFields(logrus.Fields{
		"function":     "Allocate",
		"operation_id": operationID,
		"address":      address,
		"count":        n,
	})

	quote := a.Quote(ctx)
	a.progress.Emit(interfaces.Event{OperationID: operationID, Stage: interfaces.StageFunding, Total: n})

	utxos, err := a.ledger.GetUnspentOutputs(ctx, address)
	if err != nil {
		return nil, fmt.Errorf("list unspent outputs: %w", err)
	}

	a.pruneSpent(utxos)
	spendable := a.spendable(utxos)
	eligible := make([]interfaces.UTXO, 0, len(spendable))
	for _, u := range spendable {
		if u.Amount >= quote.PerOutput {
			eligible = append(eligible, u)
		}
	}

	logger.WithFields(logrus.Fields{
		"utxos":      len(utxos),
		"eligible":   len(eligible),
		"per_output": quote.PerOutput,
		"fee_rate":   quote.FeeRate,
	}).Debug("Funding candidates collected")

	if len(eligible) >= n {
		return &Allocation{Quote: quote, Outputs: eligible[:n]}, nil
	}
	if len(spendable) == 0 {
		return nil, fmt.Errorf("%w: no spendable outputs at %s", ErrInsufficientFunds, address)
	}

	return a.split(ctx, operationID, n, quote, spendable[len(spendable)-1])
}

// pruneSpent forgets spent marks for outpoints the ledger no longer lists.
func (a *Allocator) pruneSpent(utxos []interfaces.UTXO) {
	listed := make(map[string]struct{}, len(utxos))
	for _, u := range utxos {
		listed[u.OutPoint()] = struct{}{}
	}
	a.reservations.ForgetSpent(listed)
}

// spendable filters utxos down to valid, unreserved, non-message outputs
// above the viability floor, sorted by ascending amount.
func (a *Allocator) spendable(utxos []interfaces.UTXO) []interfaces.UTXO {
	out := make([]interfaces.UTXO, 0, len(utxos))
	for _, u := range utxos {
		if err := u.Validate(); err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "spendable",
				"outpoint": u.OutPoint(),
				"error":    err.Error(),
			}).Warn("Skipping malformed unspent output")
			continue
		}
		if a.isMessageOutput(u) || u.Amount < a.cfg.MinViableOutput || a.reservations.IsReserved(u.OutPoint()) {
			continue
		}
		out = append(out, u)
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].Amount != out[j].Amount {
			return out[i].Amount < out[j].Amount
		}
		return out[i].OutPoint() < out[j].OutPoint()
	})
	return out
}

// isMessageOutput reports outputs paying exactly the message fee: chunk
// payments received from other senders and key announcements. They are left
// alone so published keys stay discoverable.
func (a *Allocator) isMessageOutput(u interfaces.UTXO) bool {
	return u.Amount == a.cfg.MessageFee
}

func (a *Allocator) split(ctx context.Context, operationID string, n int, quote Quote, source interfaces.UTXO) (*Allocation, error) {
	logger := logrus.WithFields(logrus.Fields{
		"function":     "split",
		"operation_id": operationID,
		"source":       source.OutPoint(),
		"count":        n,
	})

	splitFee := TxFee(SplitTxVBytes(1, n+1), quote.FeeRate)
	need := int64(n)*quote.PerOutput + splitFee
	if source.Amount < need {
		return nil, fmt.Errorf("%w: largest output %d sats, need %d for %d outputs of %d plus fee %d",
			ErrInsufficientFunds, source.Amount, need, n, quote.PerOutput, splitFee)
	}

	release, err := a.reservations.Reserve(source.OutPoint())
	if err != nil {
		return nil, err
	}
	defer release()

	raw, err := a.builder.BuildSplitTransaction(ctx, interfaces.SplitRequest{
		Input:  source,
		Count:  n,
		Amount: quote.PerOutput,
		Fee:    splitFee,
	})
	if err != nil {
		return nil, fmt.Errorf("build split transaction: %w", err)
	}

	txid, err := a.ledger.BroadcastTransaction(ctx, raw)
	if err != nil {
		return nil, fmt.Errorf("broadcast split transaction: %w", err)
	}
	a.reservations.MarkSpent(source.OutPoint())

	logger.WithFields(logrus.Fields{
		"txid":       txid,
		"per_output": quote.PerOutput,
		"fee":        splitFee,
	}).Info("Split transaction broadcast, waiting for confirmation")

	outputs, err := a.waitForSplit(ctx, operationID, txid, n, quote.PerOutput)
	if err != nil {
		return nil, err
	}
	return &Allocation{Quote: quote, Outputs: outputs, SplitTxID: txid}, nil
}

// waitForSplit polls until n outputs of the split transaction are listed as
// spendable, or the wait ceiling passes.
func (a *Allocator) waitForSplit(ctx context.Context, operationID, txid string, n int, amount int64) ([]interfaces.UTXO, error) {
	logger := logrus.WithFields(logrus.Fields{
		"function": "waitForSplit",
		"txid":     txid,
	})
	address := a.wallet.OwnAddress()

	var elapsed time.Duration
	for {
		utxos, err := a.ledger.GetUnspentOutputs(ctx, address)
		if err != nil {
			logger.WithError(err).Warn("Polling unspent outputs failed")
		}

		var found []interfaces.UTXO
		for _, u := range utxos {
			if u.TxID == txid && u.Amount == amount && !a.reservations.IsReserved(u.OutPoint()) {
				found = append(found, u)
			}
		}
		if len(found) >= n {
			sort.Slice(found, func(i, j int) bool { return found[i].Vout < found[j].Vout })
			logger.WithField("waited", elapsed).Debug("Split outputs confirmed")
			return found[:n], nil
		}

		if elapsed >= a.cfg.WaitCeiling {
			return nil, fmt.Errorf("%w: %d of %d outputs from %s after %v", ErrFundingTimeout, len(found), n, txid, elapsed)
		}

		a.progress.Emit(interfaces.Event{
			OperationID: operationID,
			Stage:       interfaces.StageFundingWait,
			Current:     len(found),
			Total:       n,
			Detail:      txid,
		})

		if err := a.time.Sleep(ctx, a.cfg.PollInterval); err != nil {
			return nil, err
		}
		elapsed += a.cfg.PollInterval
	}
}

// Consolidatable reports whether the wallet holds at least two spendable
// outputs worth merging.
func (a *Allocator) Consolidatable(ctx context.Context) (bool, error) {
	utxos, err := a.ledger.GetUnspentOutputs(ctx, a.wallet.OwnAddress())
	if err != nil {
		return false, fmt.Errorf("list unspent outputs: %w", err)
	}
	return len(a.spendable(utxos)) >= 2, nil
}
