// Package broadcast drives chunk transactions to acceptance by the ledger.
//
// Every chunk spends its own funding output. Before any transaction is built
// the engine reserves all of the operation's outpoints in a process-local
// [Reservations] set and releases them when the operation returns, whatever the
// outcome. Transactions are submitted in bounded batches; submissions inside a
// batch run concurrently and each chunk retries independently with a random
// backoff. A rejection saying the transaction is already known or mined counts
// as success. Chunks that exhaust their attempts are abandoned and reported in
// the [Result]; the operation as a whole tolerates partial success.
package broadcast
