// Package interfaces defines the narrow collaborator abstractions the chain
// messaging core consumes: ledger access, fee estimation, transaction
// construction and the owning wallet. It also carries the explicit UTXO and
// transaction models exchanged across those boundaries.
//
// # Core Interfaces
//
// [ILedger] abstracts the node RPC transport:
//
//	utxos, err := ledger.GetUnspentOutputs(ctx, address)
//	if err != nil {
//	    return err
//	}
//	for _, u := range utxos {
//	    if err := u.Validate(); err != nil {
//	        continue
//	    }
//	    ...
//	}
//
// [ITransactionBuilder] builds and signs raw transactions. The messaging core
// only supplies the destination, amount, optional data payload and funding
// input; it never touches other transaction fields.
//
// [IReservations] is the process-local advisory lock over outpoints that keeps
// concurrent send operations from spending the same output.
//
// # Implementation Selection
//
// The rpc package provides a bitcoind JSON-RPC backed ILedger and
// IFeeEstimator. The testnet package provides an in-memory ledger used for
// deterministic tests and the demo command. The wallet package provides the
// ITransactionBuilder and IWallet for a single secp256k1 identity key.
//
// # Thread Safety
//
// All implementations must be safe for concurrent use; the broadcast engine
// submits transactions from multiple goroutines.
package interfaces
