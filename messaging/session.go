package messaging

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/opd-ai/chainmsg/broadcast"
	"github.com/opd-ai/chainmsg/crypto"
	"github.com/opd-ai/chainmsg/funding"
	"github.com/opd-ai/chainmsg/inbox"
	"github.com/opd-ai/chainmsg/interfaces"
	"github.com/opd-ai/chainmsg/keydir"
	"github.com/opd-ai/chainmsg/store"
)

// Event is a progress notification published on Session.Events.
type Event = interfaces.Event

// Dependencies are the external collaborators of a Session. Fees, Store and
// Time are optional.
type Dependencies struct {
	Wallet  interfaces.IWallet
	Builder interfaces.ITransactionBuilder
	Ledger  interfaces.ILedger
	Fees    interfaces.IFeeEstimator
	Store   store.Store
	Time    interfaces.TimeProvider
	Params  *chaincfg.Params
}

// Session binds the messaging core to one identity.
type Session struct {
	cfg    Config
	wallet interfaces.IWallet
	ledger interfaces.ILedger
	store  store.Store
	time   interfaces.TimeProvider

	reservations *broadcast.Reservations
	allocator    *funding.Allocator
	engine       *broadcast.Engine
	directory    *keydir.Directory
	inbox        *inbox.Inbox

	eventsMu sync.RWMutex
	events   chan Event
	closed   bool
}

// NewSession wires the components for deps.Wallet's identity.
func NewSession(cfg Config, deps Dependencies) (*Session, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if deps.Wallet == nil || deps.Builder == nil || deps.Ledger == nil {
		return nil, errors.New("session requires a wallet, builder and ledger")
	}
	keys := deps.Wallet.OwnKeyPair()
	if keys == nil || keys.Private == nil {
		return nil, fmt.Errorf("%w: wallet has no key pair", crypto.ErrKeyAgreement)
	}
	if deps.Store == nil {
		deps.Store = store.NewMemory()
	}
	if deps.Params == nil {
		deps.Params = &chaincfg.MainNetParams
	}

	s := &Session{
		cfg:          cfg,
		wallet:       deps.Wallet,
		ledger:       deps.Ledger,
		store:        deps.Store,
		time:         interfaces.OrDefault(deps.Time),
		reservations: broadcast.NewReservations(),
		events:       make(chan Event, cfg.EventBuffer),
	}

	allocOpts := []funding.Option{
		funding.WithTimeProvider(s.time),
		funding.WithProgress(s.emit),
	}
	if deps.Fees != nil {
		allocOpts = append(allocOpts, funding.WithFeeEstimator(deps.Fees))
	}

	var err error
	s.allocator, err = funding.NewAllocator(cfg.Funding, deps.Wallet, deps.Ledger, deps.Builder, s.reservations, allocOpts...)
	if err != nil {
		return nil, fmt.Errorf("create allocator: %w", err)
	}
	s.engine, err = broadcast.NewEngine(cfg.Broadcast, deps.Ledger, deps.Builder, s.reservations,
		broadcast.WithTimeProvider(s.time), broadcast.WithProgress(s.emit))
	if err != nil {
		return nil, fmt.Errorf("create broadcast engine: %w", err)
	}
	s.directory = keydir.New(deps.Ledger, deps.Params, s.allocator, s.engine, cfg.Funding.MessageFee)

	scanner, err := inbox.NewScanner(cfg.Scan, deps.Ledger, s.time, s.emit)
	if err != nil {
		return nil, fmt.Errorf("create scanner: %w", err)
	}
	s.inbox = inbox.New(scanner, crypto.Recipient{Address: deps.Wallet.OwnAddress(), Keys: keys}, s.directory)

	logrus.WithFields(logrus.Fields{
		"function": "NewSession",
		"address":  deps.Wallet.OwnAddress(),
		"cipher":   cfg.Cipher.String(),
	}).Info("Messaging session created")
	return s, nil
}

// Address returns the session's own address.
func (s *Session) Address() string {
	return s.wallet.OwnAddress()
}

// Events returns the progress stream. It is closed by Close.
func (s *Session) Events() <-chan Event {
	return s.events
}

// emit publishes e without blocking; events are dropped when the buffer is full.
func (s *Session) emit(e Event) {
	s.eventsMu.RLock()
	defer s.eventsMu.RUnlock()
	if s.closed {
		return
	}
	select {
	case s.events <- e:
	default:
		logrus.WithFields(logrus.Fields{
			"function":     "emit",
			"operation_id": e.OperationID,
			"stage":        e.Stage,
		}).Debug("Progress event dropped")
	}
}

// PublishKey announces the session's public key on the ledger.
func (s *Session) PublishKey(ctx context.Context) (string, error) {
	return s.directory.Publish(ctx, uuid.NewString(), s.wallet.OwnKeyPair(), s.wallet.OwnAddress())
}

// Resolve returns the key published by address, or nil when there is none.
func (s *Session) Resolve(ctx context.Context, address string) (*btcec.PublicKey, error) {
	return s.directory.Resolve(ctx, address)
}

// Quote returns the current per-chunk funding requirement.
func (s *Session) Quote(ctx context.Context) funding.Quote {
	return s.allocator.Quote(ctx)
}

// Consolidatable reports whether the wallet holds enough outputs to be
// worth consolidating.
func (s *Session) Consolidatable(ctx context.Context) (bool, error) {
	return s.allocator.Consolidatable(ctx)
}

// Close closes the event stream and the store. It is safe to call more than
// once.
func (s *Session) Close() error {
	s.eventsMu.Lock()
	if s.closed {
		s.eventsMu.Unlock()
		return nil
	}
	s.closed = true
	close(s.events)
	s.eventsMu.Unlock()

	return s.store.Close()
}
