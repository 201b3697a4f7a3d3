package chunk

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Origin describes where a token was observed.
type Origin struct {
	TxID       string
	SenderHint string
	SeenAt     time.Time
}

// Pending is the receiver-side state of one partially received message.
type Pending struct {
	MessageID  string
	Total      int
	Chunks     map[int]string
	FirstSeen  time.Time
	TxID       string
	SenderHint string
}

// Complete reports whether every index is present.
func (p *Pending) Complete() bool {
	return len(p.Chunks) == p.Total
}

// Join reassembles the envelope blob of a complete message.
func (p *Pending) Join() (string, error) {
	return Join(p.Total, p.Chunks)
}

// Accumulator groups tokens by message ID. Each message is released exactly
// once, on the insertion that completes it, and is then forgotten except for
// its ID, so later duplicates cannot restart accumulation.
type Accumulator struct {
	mu       sync.Mutex
	pending  map[string]*Pending
	consumed map[string]struct{}
}

// NewAccumulator creates an empty accumulator.
func NewAccumulator() *Accumulator {
	return &Accumulator{
		pending:  make(map[string]*Pending),
		consumed: make(map[string]struct{}),
	}
}

// Add inserts tok. It returns the completed message when tok fills the last
// gap, and nil otherwise. Re-seen (messageId, index) pairs, tokens for already
// released messages and tokens whose total disagrees with the first one seen
// are ignored.
func (a *Accumulator) Add(tok Token, origin Origin) *Pending {
	a.mu.Lock()
	defer a.mu.Unlock()

	fields := logrus.Fields{
		"function":   "Accumulator.Add",
		"message_id": tok.MessageID,
		"index":      tok.Index,
		"total":      tok.Total,
	}

	if _, done := a.consumed[tok.MessageID]; done {
		logrus.WithFields(fields).Debug("Chunk for already reassembled message ignored")
		return nil
	}

	p, ok := a.pending[tok.MessageID]
	if !ok {
		p = &Pending{
			MessageID:  tok.MessageID,
			Total:      tok.Total,
			Chunks:     make(map[int]string, tok.Total),
			FirstSeen:  origin.SeenAt,
			TxID:       origin.TxID,
			SenderHint: origin.SenderHint,
		}
		a.pending[tok.MessageID] = p
	}

	if tok.Total != p.Total || tok.Index < 0 || tok.Index >= p.Total {
		logrus.WithFields(fields).Warn("Chunk disagrees with message total, ignored")
		return nil
	}
	if _, dup := p.Chunks[tok.Index]; dup {
		logrus.WithFields(fields).Debug("Duplicate chunk ignored")
		return nil
	}

	p.Chunks[tok.Index] = tok.Slice
	if p.SenderHint == "" {
		p.SenderHint = origin.SenderHint
	}

	if !p.Complete() {
		return nil
	}

	delete(a.pending, tok.MessageID)
	a.consumed[tok.MessageID] = struct{}{}
	logrus.WithFields(fields).Debug("Message complete")
	return p
}

// Incomplete returns a snapshot of messages still missing chunks.
func (a *Accumulator) Incomplete() []Pending {
	a.mu.Lock()
	defer a.mu.Unlock()

	out := make([]Pending, 0, len(a.pending))
	for _, p := range a.pending {
		cp := *p
		cp.Chunks = make(map[int]string, len(p.Chunks))
		for k, v := range p.Chunks {
			cp.Chunks[k] = v
		}
		out = append(out, cp)
	}
	return out
}

// Len returns the number of messages still accumulating.
func (a *Accumulator) Len() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.pending)
}
