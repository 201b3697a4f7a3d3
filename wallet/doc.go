// Package wallet implements the transaction construction collaborator for a
// single secp256k1 identity key: a native segwit (P2WPKH) address derived from
// the key, single-input payments carrying an optional OP_RETURN payload and
// fan-out funding transactions.
package wallet
