// Package testnet provides an in-memory UTXO ledger used to exercise the chain
// messaging stack without a node.
//
// The ledger keeps a confirmed output set, a mempool and a block height. It
// validates every submitted transaction the way a relaying node would: inputs
// must exist and be unspent, witness scripts must verify, outputs may not
// exceed inputs and null-data outputs must respect the relay size limit. Error
// strings mirror the node's so callers can reuse their retry classification.
//
// Example:
//
//	chain := testnet.NewChain(testnet.DefaultConfig())
//	txid, _ := chain.Fund(aliceAddress, 1_000_000)
//	...
//	chain.Mine()
//
// GetUnspentOutputs only reports confirmed outputs, matching scantxoutset.
package testnet
