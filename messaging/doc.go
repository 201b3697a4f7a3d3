// Package messaging is the session facade over the chain messaging core.
//
// # Overview
//
// A [Session] is the explicit context object for one identity: it owns the
// wallet, ledger and local store references and builds the key directory,
// funding allocator, broadcast engine and inbox scanner from them. Nothing
// is read from package-level state.
//
// # Sending
//
// [Session.Send] validates the content, resolves the recipient's published
// key, encrypts an envelope, splits it into chunk tokens, allocates one
// funding output per chunk and broadcasts the chunk transactions in batches.
// Partial success is reported in [SendResult]; only funding failures and
// sends where no chunk was accepted are returned as errors.
//
// # Receiving
//
// [Session.Inbox] rebuilds the inbox from the ledger on every call. Entries
// that fail to decrypt are returned with an error status rather than
// dropped. Deleted and read marks come from the [store.Store] the session
// was created with; successful entries are archived there.
//
// # Progress
//
// Long operations publish [Event] values on [Session.Events]. The channel is
// buffered and events are dropped when the consumer falls behind, so a slow
// UI never stalls a send.
//
// # Usage
//
//	s, err := messaging.NewSession(messaging.DefaultConfig(), messaging.Dependencies{
//	    Wallet:  w,
//	    Builder: w,
//	    Ledger:  node,
//	    Fees:    node,
//	    Params:  &chaincfg.MainNetParams,
//	})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer s.Close()
//
//	if _, err := s.PublishKey(ctx); err != nil {
//	    log.Fatal(err)
//	}
//	res, err := s.Send(ctx, recipient, "hello")
package messaging
