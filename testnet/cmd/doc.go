// Package main provides the command-line runner for the chain messaging
// integration scenario.
//
// # Usage
//
//	go run ./testnet/cmd
//	go run ./testnet/cmd -mine-interval 100ms -cipher xchacha20
//	go run ./testnet/cmd -log-file test.log -verbose=false
//
// # Workflow
//
//  1. Simulated ledger with a background miner
//  2. Two funded clients announce their keys
//  3. Bob sends to Alice, Alice replies
//  4. Each side scans its inbox until the message decrypts and verifies
//
// # Exit Codes
//
//   - 0: the exchange completed
//   - 1: configuration error, failure or timeout
package main
