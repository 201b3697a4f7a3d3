// Package keydir publishes and resolves messaging identity keys using the
// ledger as a public key-value store.
//
// A key announcement is a transaction whose null-data output carries
// "BC2PUB:" followed by the lowercase hex public key, paying the message fee
// back to the publisher so the announcement stays in the publisher's unspent
// set. Resolve walks an address's unspent outputs, inspects the owning
// transactions and returns the first well-formed key. Resolved keys are cached
// for the lifetime of the Directory.
package keydir
