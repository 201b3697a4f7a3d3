package broadcast

import (
	"bytes"
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"math/rand/v2"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/btcsuite/btcd/wire"
	"github.com/sirupsen/logrus"

	"github.com/opd-ai/chainmsg/interfaces"
	"github.com/opd-ai/chainmsg/limits"
)

var (
	// ErrBroadcastAbandoned marks a chunk that exhausted its attempts.
	ErrBroadcastAbandoned = errors.New("broadcast abandoned")

	// ErrInputMismatch indicates a request whose payload and input counts differ.
	ErrInputMismatch = errors.New("one funding input is required per payload")
)

// acceptedMarkers are node rejection messages meaning the transaction is
// already in the mempool or a block.
var acceptedMarkers = []string{
	"already in block chain",
	"txn-already-in-mempool",
	"txn-already-known",
	"already have transaction",
}

// State is the lifecycle position of one chunk transaction.
type State int

const (
	StatePending State = iota
	StateSigning
	StateBroadcasting
	StateRetrying
	StateAccepted
	StateAbandoned
)

func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateSigning:
		return "signing"
	case StateBroadcasting:
		return "broadcasting"
	case StateRetrying:
		return "retrying"
	case StateAccepted:
		return "accepted"
	case StateAbandoned:
		return "abandoned"
	default:
		return "unknown"
	}
}

// Config bounds batching and retry.
type Config struct {
	BatchSize     int
	MaxAttempts   int
	RetryMin      time.Duration
	RetryMax      time.Duration
	BatchPauseMin time.Duration
	BatchPauseMax time.Duration
}

// DefaultConfig returns batches of 100 with ten attempts per chunk and a one
// to three second backoff.
func DefaultConfig() Config {
	return Config{
		BatchSize:     100,
		MaxAttempts:   10,
		RetryMin:      time.Second,
		RetryMax:      3 * time.Second,
		BatchPauseMin: time.Second,
		BatchPauseMax: 3 * time.Second,
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if c.BatchSize <= 0 {
		return errors.New("batch size must be positive")
	}
	if c.MaxAttempts <= 0 {
		return errors.New("max attempts must be positive")
	}
	if c.RetryMin < 0 || c.RetryMax < c.RetryMin {
		return errors.New("invalid retry backoff window")
	}
	if c.BatchPauseMin < 0 || c.BatchPauseMax < c.BatchPauseMin {
		return errors.New("invalid batch pause window")
	}
	return nil
}

// Request describes one send operation: payload i is carried by a transaction
// spending Inputs[i] and paying Amount to Destination.
type Request struct {
	OperationID string
	MessageID   string
	Destination string
	Amount      int64
	Fee         int64
	Payloads    []string
	Inputs      []interfaces.UTXO
}

// ChunkOutcome is the final state of one chunk transaction.
type ChunkOutcome struct {
	Index    int
	OutPoint string
	TxID     string
	State    State
	Attempts int
	Err      error
}

// Result summarizes a send operation. Partial success is reported, not
// treated as failure.
type Result struct {
	MessageID      string
	SucceededTxIDs []string
	Attempted      int
	Succeeded      int
	Chunks         []ChunkOutcome
}

// Complete reports whether every chunk was accepted.
func (r *Result) Complete() bool {
	return r.Attempted > 0 && r.Succeeded == r.Attempted
}

// Engine submits chunk transactions.
type Engine struct {
	cfg          Config
	ledger       interfaces.ILedger
	builder      interfaces.ITransactionBuilder
	reservations interfaces.IReservations
	time         interfaces.TimeProvider
	progress     interfaces.ProgressFunc
}

// Option customizes an Engine.
type Option func(*Engine)

// WithTimeProvider injects the clock used for backoff and batch pauses.
func WithTimeProvider(tp interfaces.TimeProvider) Option {
	return func(e *Engine) { e.time = tp }
}

// WithProgress installs a progress callback.
func WithProgress(fn interfaces.ProgressFunc) Option {
	return func(e *Engine) { e.progress = fn }
}

// NewEngine creates a broadcast engine.
func NewEngine(cfg Config, ledger interfaces.ILedger, builder interfaces.ITransactionBuilder,
	reservations interfaces.IReservations, opts ...Option,
) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if ledger == nil || builder == nil || reservations == nil {
		return nil, errors.New("broadcast engine requires a ledger, builder and reservation set")
	}

	e := &Engine{
		cfg:          cfg,
		ledger:       ledger,
		builder:      builder,
		reservations: reservations,
	}
	for _, opt := range opts {
		opt(e)
	}
	e.time = interfaces.OrDefault(e.time)
	return e, nil
}

// Send reserves every input, then builds and broadcasts one transaction per
// payload. Reservations are released before Send returns. An error is
// returned only when nothing was attempted (invalid request, reservation
// conflict) or when ctx was cancelled.
func (e *Engine) Send(ctx context.Context, req Request) (*Result, error) {
	logger := logrus.WithFields(logrus.Fields{
		"function":     "Engine.Send",
		"operation_id": req.OperationID,
		"message_id":   req.MessageID,
		"chunks":       len(req.Payloads),
	})

	if len(req.Payloads) == 0 || len(req.Payloads) != len(req.Inputs) {
		return nil, fmt.Errorf("%w: %d payloads, %d inputs", ErrInputMismatch, len(req.Payloads), len(req.Inputs))
	}
	for i, p := range req.Payloads {
		if err := limits.ValidateDataPayload([]byte(p)); err != nil {
			return nil, fmt.Errorf("chunk %d: %w", i, err)
		}
	}

	outpoints := make([]string, len(req.Inputs))
	for i, in := range req.Inputs {
		outpoints[i] = in.OutPoint()
	}
	release, err := e.reservations.Reserve(outpoints...)
	if err != nil {
		logger.WithError(err).Warn("Could not reserve funding outputs")
		return nil, err
	}
	defer release()

	outcomes := make([]ChunkOutcome, len(req.Payloads))
	for i := range outcomes {
		outcomes[i] = ChunkOutcome{Index: i, OutPoint: outpoints[i], State: StatePending}
	}

	var done int
	for start := 0; start < len(req.Payloads); start += e.cfg.BatchSize {
		end := start + e.cfg.BatchSize
		if end > len(req.Payloads) {
			end = len(req.Payloads)
		}

		var wg sync.WaitGroup
		for i := start; i < end; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				e.sendChunk(ctx, req, &outcomes[i])
			}(i)
		}
		wg.Wait()

		done = end
		e.progress.Emit(interfaces.Event{
			OperationID: req.OperationID,
			Stage:       interfaces.StageBroadcast,
			Current:     done,
			Total:       len(req.Payloads),
			Detail:      req.MessageID,
		})

		if ctx.Err() != nil {
			break
		}
		if end < len(req.Payloads) {
			if err := e.time.Sleep(ctx, e.jitter(e.cfg.BatchPauseMin, e.cfg.BatchPauseMax)); err != nil {
				break
			}
		}
	}

	result := &Result{MessageID: req.MessageID, Attempted: len(req.Payloads)}
	for i := range outcomes {
		if outcomes[i].State == StatePending {
			outcomes[i].State = StateAbandoned
			outcomes[i].Err = fmt.Errorf("%w: %v", ErrBroadcastAbandoned, ctx.Err())
		}
		if outcomes[i].State == StateAccepted {
			result.Succeeded++
			result.SucceededTxIDs = append(result.SucceededTxIDs, outcomes[i].TxID)
		}
	}
	sort.SliceStable(outcomes, func(a, b int) bool { return outcomes[a].Index < outcomes[b].Index })
	result.Chunks = outcomes

	e.progress.Emit(interfaces.Event{
		OperationID: req.OperationID,
		Stage:       interfaces.StageBroadcastEnd,
		Current:     result.Succeeded,
		Total:       result.Attempted,
		Detail:      req.MessageID,
	})

	logger.WithFields(logrus.Fields{
		"attempted": result.Attempted,
		"succeeded": result.Succeeded,
	}).Info("Broadcast finished")

	if err := ctx.Err(); err != nil {
		return result, err
	}
	return result, nil
}

// sendChunk runs the per-chunk state machine. It only writes to out.
func (e *Engine) sendChunk(ctx context.Context, req Request, out *ChunkOutcome) {
	logger := logrus.WithFields(logrus.Fields{
		"function":   "sendChunk",
		"message_id": req.MessageID,
		"index":      out.Index,
		"outpoint":   out.OutPoint,
	})

	out.State = StateSigning
	raw, err := e.builder.BuildAndSignTransaction(ctx, interfaces.TxRequest{
		Destination: req.Destination,
		Amount:      req.Amount,
		Data:        []byte(req.Payloads[out.Index]),
		Input:       req.Inputs[out.Index],
		Fee:         req.Fee,
	})
	if err != nil {
		logger.WithError(err).Error("Failed to build chunk transaction")
		out.State = StateAbandoned
		out.Err = fmt.Errorf("%w: build: %v", ErrBroadcastAbandoned, err)
		return
	}

	for out.Attempts < e.cfg.MaxAttempts {
		if err := ctx.Err(); err != nil {
			break
		}

		out.State = StateBroadcasting
		out.Attempts++
		txid, err := e.ledger.BroadcastTransaction(ctx, raw)
		if err == nil {
			e.accept(out, txid)
			logger.WithFields(logrus.Fields{"txid": txid, "attempts": out.Attempts}).Debug("Chunk accepted")
			return
		}

		if IsAlreadyAccepted(err) {
			if txid, idErr := rawTxID(raw); idErr == nil {
				e.accept(out, txid)
				logger.WithField("txid", txid).Debug("Chunk already known to ledger, treated as accepted")
				return
			}
		}

		out.Err = err
		out.State = StateRetrying
		logger.WithError(err).WithField("attempt", out.Attempts).Warn("Chunk broadcast failed, retrying")

		if out.Attempts >= e.cfg.MaxAttempts {
			break
		}
		if err := e.time.Sleep(ctx, e.jitter(e.cfg.RetryMin, e.cfg.RetryMax)); err != nil {
			break
		}
	}

	out.State = StateAbandoned
	cause := out.Err
	if cause == nil {
		cause = ctx.Err()
	}
	out.Err = fmt.Errorf("%w after %d attempts: %v", ErrBroadcastAbandoned, out.Attempts, cause)
	logger.WithError(out.Err).Error("Chunk abandoned")
}

func (e *Engine) accept(out *ChunkOutcome, txid string) {
	out.State = StateAccepted
	out.TxID = txid
	out.Err = nil
	e.reservations.MarkSpent(out.OutPoint)
}

func (e *Engine) jitter(lo, hi time.Duration) time.Duration {
	if hi <= lo {
		return lo
	}
	return lo + time.Duration(rand.Int64N(int64(hi-lo)+1))
}

// IsAlreadyAccepted reports whether a broadcast error means the ledger already
// holds the transaction.
func IsAlreadyAccepted(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, marker := range acceptedMarkers {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}

func rawTxID(rawHex string) (string, error) {
	b, err := hex.DecodeString(rawHex)
	if err != nil {
		return "", err
	}
	var tx wire.MsgTx
	if err := tx.Deserialize(bytes.NewReader(b)); err != nil {
		return "", err
	}
	return tx.TxHash().String(), nil
}
