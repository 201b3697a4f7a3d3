// Package inbox discovers chunk tokens addressed to the scanning party and
// rebuilds them into decrypted messages.
//
// The [Scanner] walks the address's confirmed history through its unspent
// outputs and the mempool filtered to transactions paying the address, in
// bounded concurrent batches. The [Reassembler] groups tokens by message id,
// reconstructs each message exactly once when its last chunk arrives and
// decrypts it. Per-message failures never abort a scan: they are returned as
// results with StatusError and a best-effort classification.
package inbox
