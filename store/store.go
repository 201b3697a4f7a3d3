// Package store persists local inbox state: which messages the user deleted
// or read, and an archive of decrypted messages. The ledger remains the source
// of truth for message content; nothing here is required to rebuild an inbox.
package store

import (
	"context"
	"errors"
	"sort"
)

// ErrClosed is returned by operations on a closed store.
var ErrClosed = errors.New("store closed")

// Record is an archived, decrypted message.
type Record struct {
	ID        string `json:"id"`
	Sender    string `json:"sender"`
	Content   string `json:"content"`
	Timestamp int64  `json:"timestamp"` // milliseconds since epoch
	Verified  bool   `json:"verified"`
	TxID      string `json:"txid,omitempty"`
}

// Store keeps per-owner inbox state. owner is the scanning address, so one
// store can back several identities.
type Store interface {
	MarkDeleted(ctx context.Context, owner, id string) error
	DeletedIDs(ctx context.Context, owner string) (map[string]struct{}, error)
	MarkRead(ctx context.Context, owner, id string) error
	ReadIDs(ctx context.Context, owner string) (map[string]struct{}, error)

	// Archive upserts rec. Archiving a deleted id is a no-op.
	Archive(ctx context.Context, owner string, rec Record) error

	// Archived returns archived records newest first.
	Archived(ctx context.Context, owner string) ([]Record, error)

	Close() error
}

func sortNewestFirst(recs []Record) {
	sort.SliceStable(recs, func(i, j int) bool {
		if recs[i].Timestamp != recs[j].Timestamp {
			return recs[i].Timestamp > recs[j].Timestamp
		}
		return recs[i].ID < recs[j].ID
	})
}
