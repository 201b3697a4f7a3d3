package broadcast

import (
	"errors"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"
)

// ErrReservationConflict indicates an outpoint is already held by another
// operation, or was spent earlier in this session.
var ErrReservationConflict = errors.New("output already reserved")

// Reservations is an advisory, process-local lock over outpoints keyed by
// "txid:vout". It is not persisted.
type Reservations struct {
	mu    sync.Mutex
	held  map[string]struct{}
	spent map[string]struct{}
}

// NewReservations creates an empty reservation set.
func NewReservations() *Reservations {
	return &Reservations{
		held:  make(map[string]struct{}),
		spent: make(map[string]struct{}),
	}
}

// Reserve takes every outpoint or none. The returned release function is safe
// to call more than once.
func (r *Reservations) Reserve(outpoints ...string) (func(), error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	seen := make(map[string]struct{}, len(outpoints))
	for _, op := range outpoints {
		if _, dup := seen[op]; dup {
			return nil, fmt.Errorf("%w: %s listed twice", ErrReservationConflict, op)
		}
		seen[op] = struct{}{}
		if _, ok := r.held[op]; ok {
			return nil, fmt.Errorf("%w: %s", ErrReservationConflict, op)
		}
		if _, ok := r.spent[op]; ok {
			return nil, fmt.Errorf("%w: %s already spent", ErrReservationConflict, op)
		}
	}
	for op := range seen {
		r.held[op] = struct{}{}
	}

	logrus.WithFields(logrus.Fields{
		"function": "Reserve",
		"count":    len(outpoints),
		"held":     len(r.held),
	}).Debug("Outputs reserved")

	var once sync.Once
	return func() {
		once.Do(func() { r.release(outpoints) })
	}, nil
}

func (r *Reservations) release(outpoints []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, op := range outpoints {
		delete(r.held, op)
	}
}

// IsReserved reports whether op is held or was spent in this session.
func (r *Reservations) IsReserved(op string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, held := r.held[op]
	_, spent := r.spent[op]
	return held || spent
}

// MarkSpent records that op was consumed by an accepted transaction. Spent
// outpoints stay unavailable after release since the ledger keeps listing them
// until the spending transaction confirms.
func (r *Reservations) MarkSpent(op string) {
	r.mu.Lock()
	r.spent[op] = struct{}{}
	r.mu.Unlock()
}

// ForgetSpent drops spent marks whose outpoints no longer appear in listed,
// once the spending transaction has confirmed. It returns how many were dropped.
func (r *Reservations) ForgetSpent(listed map[string]struct{}) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	dropped := 0
	for op := range r.spent {
		if _, ok := listed[op]; !ok {
			delete(r.spent, op)
			dropped++
		}
	}
	if dropped > 0 {
		logrus.WithFields(logrus.Fields{
			"function": "ForgetSpent",
			"dropped":  dropped,
			"spent":    len(r.spent),
		}).Debug("Confirmed spends pruned")
	}
	return dropped
}

// Len returns the number of outpoints currently held.
func (r *Reservations) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.held)
}
