package inbox

import (
	"context"

	"github.com/opd-ai/chainmsg/crypto"
)

// Inbox combines a Scanner and a Reassembler for one recipient.
type Inbox struct {
	scanner     *Scanner
	reassembler *Reassembler
	me          crypto.Recipient
}

// New creates an Inbox for me.
func New(scanner *Scanner, me crypto.Recipient, resolver crypto.KeyResolver) *Inbox {
	return &Inbox{
		scanner:     scanner,
		reassembler: NewReassembler(me, resolver),
		me:          me,
	}
}

// Scan rebuilds the inbox from the ledger, skipping ids in deleted.
func (in *Inbox) Scan(ctx context.Context, operationID string, deleted map[string]struct{}) ([]Result, error) {
	candidates, err := in.scanner.Collect(ctx, operationID, in.me.Address)
	if err != nil {
		return nil, err
	}
	return in.reassembler.Reassemble(ctx, candidates, deleted), nil
}
