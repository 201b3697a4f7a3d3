// Package funding guarantees that a send operation needing N chunk
// transactions holds N independently spendable outputs before broadcasting
// starts.
//
// When the wallet has fewer suitable outputs than chunks, the [Allocator]
// fans its largest output out into N equal outputs with one split transaction
// and polls the ledger until they confirm. The allocator selects outputs but
// does not hold them: mutual exclusion is the broadcast engine's job.
//
// Fee sizing follows the node: the effective rate is the highest of the
// configured fallback, the mempool minimum, the relay fee and the two-block
// smart estimate, all in satoshis per 1000 virtual bytes.
package funding
