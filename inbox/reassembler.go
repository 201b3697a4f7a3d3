package inbox

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/chainmsg/chunk"
	"github.com/opd-ai/chainmsg/crypto"
	"github.com/opd-ai/chainmsg/limits"
)

// Status is the display state of an inbox entry.
type Status string

const (
	StatusUnread Status = "unread"
	StatusRead   Status = "read"
	StatusError  Status = "error"
)

// ErrorKind classifies a failed entry.
type ErrorKind string

const (
	ErrorNone      ErrorKind = ""
	ErrorCorrupted ErrorKind = "corrupted" // ciphertext failed authentication or reassembly
	ErrorMalformed ErrorKind = "malformed" // envelope or decrypted payload did not parse
	ErrorCrypto    ErrorKind = "crypto"    // key agreement or sender key lookup failed
)

// Result is one inbox entry. Failed entries carry Status == StatusError, the
// classification and the cause.
type Result struct {
	ID         string
	Content    string
	Sender     string
	Timestamp  time.Time
	Verified   bool
	Status     Status
	ErrorKind  ErrorKind
	Err        error
	TxID       string
	SenderHint string
}

// Reassembler turns candidates into inbox results for one recipient.
type Reassembler struct {
	me       crypto.Recipient
	resolver crypto.KeyResolver
}

// NewReassembler creates a reassembler decrypting on behalf of me. resolver is
// consulted for envelopes that omit the sender key and may be nil.
func NewReassembler(me crypto.Recipient, resolver crypto.KeyResolver) *Reassembler {
	return &Reassembler{me: me, resolver: resolver}
}

// Reassemble groups the candidates' tokens and opens every completed message
// exactly once. Messages in deleted are skipped. Output is newest first.
func (r *Reassembler) Reassemble(ctx context.Context, candidates []Candidate, deleted map[string]struct{}) []Result {
	logger := logrus.WithFields(logrus.Fields{
		"function":   "Reassemble",
		"recipient":  r.me.Address,
		"candidates": len(candidates),
	})

	acc := chunk.NewAccumulator()
	var results []Result
	var malformed int

	for _, c := range candidates {
		for _, payload := range c.Payloads {
			tok, err := chunk.ParseToken(string(payload))
			if err != nil {
				malformed++
				logger.WithFields(logrus.Fields{"txid": c.TxID, "error": err.Error()}).Warn("Skipping malformed chunk")
				continue
			}
			if _, gone := deleted[tok.MessageID]; gone {
				continue
			}

			p := acc.Add(tok, chunk.Origin{TxID: c.TxID, SenderHint: c.SenderHint, SeenAt: c.Seen})
			if p == nil {
				continue
			}
			if res, ok := r.open(ctx, p); ok {
				results = append(results, res)
			}
		}
	}

	sort.SliceStable(results, func(i, j int) bool {
		return results[i].Timestamp.After(results[j].Timestamp)
	})

	logger.WithFields(logrus.Fields{
		"messages":   len(results),
		"incomplete": acc.Len(),
		"malformed":  malformed,
	}).Debug("Reassembly finished")
	return results
}

// open reconstructs and decrypts a completed message. ok is false when the
// message belongs to someone else and must not be surfaced.
func (r *Reassembler) open(ctx context.Context, p *chunk.Pending) (Result, bool) {
	res := Result{
		ID:         p.MessageID,
		Sender:     p.SenderHint,
		Timestamp:  p.FirstSeen,
		TxID:       p.TxID,
		SenderHint: p.SenderHint,
	}

	blob, err := p.Join()
	if err != nil {
		return failed(res, ErrorCorrupted, err), true
	}
	if err := limits.ValidateEnvelope([]byte(blob)); err != nil {
		return failed(res, ErrorMalformed, err), true
	}

	if rcpt, ok := crypto.PeekRecipient(blob); ok && rcpt != r.me.Address {
		return Result{}, false
	}

	env, err := crypto.ParseEnvelope(blob)
	if err != nil {
		return failed(res, ErrorMalformed, err), true
	}
	res.Sender = env.Sender
	res.Timestamp = time.UnixMilli(env.Timestamp)

	msg, verified, err := crypto.Decrypt(ctx, env, r.me, r.resolver)
	if errors.Is(err, crypto.ErrNotAddressedToMe) {
		return Result{}, false
	}
	if err != nil {
		return failed(res, classify(err), err), true
	}

	res.Content = msg.Content
	res.Sender = msg.Sender
	res.Timestamp = time.UnixMilli(msg.Timestamp)
	res.Verified = verified
	res.Status = StatusUnread
	return res, true
}

func failed(res Result, kind ErrorKind, err error) Result {
	res.Status = StatusError
	res.ErrorKind = kind
	res.Err = err
	logrus.WithFields(logrus.Fields{
		"function":   "open",
		"message_id": res.ID,
		"kind":       string(kind),
		"error":      err.Error(),
	}).Warn("Message could not be opened")
	return res
}

func classify(err error) ErrorKind {
	switch {
	case errors.Is(err, crypto.ErrDecryptionFailure):
		return ErrorCorrupted
	case errors.Is(err, crypto.ErrMalformedPayload):
		return ErrorMalformed
	default:
		return ErrorCrypto
	}
}
