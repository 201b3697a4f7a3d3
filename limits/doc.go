// Package limits holds the size constants and validators shared by the send
// path, the chunk codec and the inbox scanner.
//
// # Size Hierarchy
//
//   - MaxMessageLength (50000 characters): the largest message body a user may
//     send. Counted in runes, not bytes.
//
//   - MaxDataPayload (75 bytes): the largest data-carrying output payload. Every
//     token fits a single direct push, so no relay treats it as non-standard.
//
//   - DefaultChunkSize (40 characters): envelope text per chunk. The token
//     prefix, message ID and the two indices use the remaining payload bytes.
//
//   - MaxChunkCount (10000) and MaxEnvelopeSize (1MB): receive-side ceilings
//     applied to data read from the ledger before anything is allocated.
//
// # Validation
//
//	if err := limits.ValidateContent(text); err != nil {
//	    // ErrMessageEmpty or ErrMessageTooLarge
//	}
//
//	if err := limits.ValidateDataPayload(token); err != nil {
//	    // ErrPayloadTooLarge
//	}
//
// Errors wrap the sentinel values and carry the actual and maximum sizes.
package limits
