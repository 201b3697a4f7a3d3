// Package internal runs the chain messaging integration scenario against the
// in-memory ledger.
//
// # Workflow
//
//  1. Ledger initialization: a fresh testnet.Chain with a background miner
//  2. Client setup: two messaging sessions with funded wallets
//  3. Key publication: both clients announce their public keys and wait for
//     the announcements to confirm
//  4. Message exchange: Bob writes to Alice, Alice replies, each side polls
//     its inbox until the message decrypts with a verified integrity tag
//
// The [TestOrchestrator] wraps the workflow with an overall timeout, step
// tracking and a final report. The testnet/cmd executable exposes it on the
// command line.
package internal
