package messaging

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/opd-ai/chainmsg/broadcast"
	"github.com/opd-ai/chainmsg/chunk"
	"github.com/opd-ai/chainmsg/crypto"
	"github.com/opd-ai/chainmsg/limits"
)

// SendResult describes a completed send operation.
type SendResult struct {
	OperationID string
	MessageID   string
	Chunks      int
	SplitTxID   string
	Broadcast   *broadcast.Result
}

// Complete reports whether every chunk transaction was accepted.
func (r *SendResult) Complete() bool {
	return r.Broadcast != nil && r.Broadcast.Complete()
}

// Send encrypts content for recipient and broadcasts it as chunk
// transactions. The recipient must have published a key.
func (s *Session) Send(ctx context.Context, recipient, content string) (*SendResult, error) {
	opID := uuid.NewString()
	logger := logrus.WithFields(logrus.Fields{
		"function":     "Send",
		"operation_id": opID,
		"recipient":    recipient,
	})

	if err := limits.ValidateContent(content); err != nil {
		return nil, err
	}

	pub, err := s.directory.ResolvePublicKey(ctx, recipient)
	if err != nil {
		return nil, err
	}

	now := s.time.Now()
	id, err := crypto.GenerateMessageID(now)
	if err != nil {
		return nil, fmt.Errorf("generate message id: %w", err)
	}
	env, err := crypto.Encrypt(crypto.Message{
		Content:   content,
		Sender:    s.wallet.OwnAddress(),
		Recipient: recipient,
		Timestamp: now.UnixMilli(),
		ID:        id,
	}, s.wallet.OwnKeyPair(), pub, s.cfg.Cipher)
	if err != nil {
		return nil, err
	}
	blob, err := env.Marshal()
	if err != nil {
		return nil, err
	}

	tokens := chunk.Tokens(id, blob, s.cfg.ChunkSize)
	if len(tokens) > limits.MaxChunkCount {
		return nil, fmt.Errorf("%w: envelope needs %d chunks, receivers accept at most %d",
			limits.ErrMessageTooLarge, len(tokens), limits.MaxChunkCount)
	}
	payloads := make([]string, len(tokens))
	for i, tok := range tokens {
		payloads[i] = tok.Encode()
		if err := limits.ValidateDataPayload([]byte(payloads[i])); err != nil {
			return nil, fmt.Errorf("chunk %d: %w", i, err)
		}
	}

	logger = logger.WithFields(logrus.Fields{"message_id": id, "chunks": len(payloads)})
	logger.Debug("Message encrypted and chunked")

	result := &SendResult{OperationID: opID, MessageID: id, Chunks: len(payloads)}
	for attempt := 1; ; attempt++ {
		alloc, err := s.allocator.Allocate(ctx, opID, len(payloads))
		if err != nil {
			return nil, err
		}
		if alloc.SplitTxID != "" {
			result.SplitTxID = alloc.SplitTxID
		}

		res, err := s.engine.Send(ctx, broadcast.Request{
			OperationID: opID,
			MessageID:   id,
			Destination: recipient,
			Amount:      s.cfg.Funding.MessageFee,
			Fee:         alloc.TxFee,
			Payloads:    payloads,
			Inputs:      alloc.Outputs,
		})
		if errors.Is(err, broadcast.ErrReservationConflict) && attempt < s.cfg.SendAttempts {
			logger.WithField("attempt", attempt).Warn("Funding outputs taken by another operation, re-allocating")
			continue
		}
		if err != nil && res == nil {
			return nil, err
		}

		result.Broadcast = res
		if res.Succeeded == 0 {
			return result, fmt.Errorf("%w: no chunk of %s was accepted", broadcast.ErrBroadcastAbandoned, id)
		}
		logger.WithFields(logrus.Fields{
			"succeeded": res.Succeeded,
			"attempted": res.Attempted,
		}).Info("Message sent")
		return result, err
	}
}
