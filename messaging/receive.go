package messaging

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/opd-ai/chainmsg/inbox"
	"github.com/opd-ai/chainmsg/store"
)

// Inbox scans the ledger and returns the session's messages newest first.
// Deleted messages are omitted and read marks are applied from the store.
func (s *Session) Inbox(ctx context.Context) ([]inbox.Result, error) {
	return s.scan(ctx, uuid.NewString())
}

func (s *Session) scan(ctx context.Context, opID string) ([]inbox.Result, error) {
	owner := s.wallet.OwnAddress()
	logger := logrus.WithFields(logrus.Fields{
		"function":     "Inbox",
		"operation_id": opID,
		"address":      owner,
	})

	deleted, err := s.store.DeletedIDs(ctx, owner)
	if err != nil {
		return nil, fmt.Errorf("load deleted marks: %w", err)
	}
	read, err := s.store.ReadIDs(ctx, owner)
	if err != nil {
		return nil, fmt.Errorf("load read marks: %w", err)
	}

	results, err := s.inbox.Scan(ctx, opID, deleted)
	if err != nil {
		return nil, err
	}

	var failed int
	for i := range results {
		r := &results[i]
		if r.Status == inbox.StatusError {
			failed++
			continue
		}
		if _, ok := read[r.ID]; ok {
			r.Status = inbox.StatusRead
		}
		err := s.store.Archive(ctx, owner, store.Record{
			ID:        r.ID,
			Sender:    r.Sender,
			Content:   r.Content,
			Timestamp: r.Timestamp.UnixMilli(),
			Verified:  r.Verified,
			TxID:      r.TxID,
		})
		if err != nil {
			logger.WithError(err).WithField("message_id", r.ID).Warn("Could not archive message")
		}
	}

	logger.WithFields(logrus.Fields{
		"messages": len(results),
		"failed":   failed,
	}).Info("Inbox scanned")
	return results, nil
}

// Archived returns the locally archived messages without touching the ledger.
func (s *Session) Archived(ctx context.Context) ([]store.Record, error) {
	return s.store.Archived(ctx, s.wallet.OwnAddress())
}

// Delete hides a message from future scans.
func (s *Session) Delete(ctx context.Context, id string) error {
	if id == "" {
		return errors.New("message id cannot be empty")
	}
	return s.store.MarkDeleted(ctx, s.wallet.OwnAddress(), id)
}

// MarkRead marks a message as read.
func (s *Session) MarkRead(ctx context.Context, id string) error {
	if id == "" {
		return errors.New("message id cannot be empty")
	}
	return s.store.MarkRead(ctx, s.wallet.OwnAddress(), id)
}
