package limits

import (
	"errors"
	"fmt"
	"unicode/utf8"
)

const (
	// MaxMessageLength is the maximum number of characters in one message body.
	MaxMessageLength = 50000

	// MaxDataPayload is the largest payload placed in one data-carrying output.
	// It keeps every payload inside a single direct push (OP_DATA_1..OP_DATA_75).
	MaxDataPayload = 75

	// DefaultChunkSize is the number of envelope characters carried per chunk.
	// Prefix, message ID and indices consume the rest of MaxDataPayload.
	DefaultChunkSize = 40

	// MaxChunkCount bounds the totalCount a receiver will accept from a token.
	// This prevents a hostile token from forcing large accumulator allocations.
	MaxChunkCount = 10000

	// MaxEnvelopeSize is the absolute maximum for a reassembled envelope (1MB)
	MaxEnvelopeSize = 1024 * 1024
)

var (
	// ErrMessageEmpty indicates an empty message was provided
	ErrMessageEmpty = errors.New("empty message")

	// ErrMessageTooLarge indicates message exceeds maximum size
	ErrMessageTooLarge = errors.New("message too large")

	// ErrPayloadTooLarge indicates a data-carrying output payload exceeds MaxDataPayload
	ErrPayloadTooLarge = errors.New("data payload too large")
)

// ValidateMessageSize validates a message against the specified maximum size in bytes.
// Returns an error with context including the actual and maximum sizes.
func ValidateMessageSize(message []byte, maxSize int) error {
	if len(message) == 0 {
		return ErrMessageEmpty
	}
	if len(message) > maxSize {
		return fmt.Errorf("%w: size %d exceeds limit %d", ErrMessageTooLarge, len(message), maxSize)
	}
	return nil
}

// ValidateContent validates a message body against MaxMessageLength.
// The limit counts characters, not bytes, so multi-byte text is not penalized.
func ValidateContent(content string) error {
	if len(content) == 0 {
		return ErrMessageEmpty
	}
	if n := utf8.RuneCountInString(content); n > MaxMessageLength {
		return fmt.Errorf("%w: length %d exceeds limit %d", ErrMessageTooLarge, n, MaxMessageLength)
	}
	return nil
}

// ValidateDataPayload validates a data-carrying output payload against MaxDataPayload.
func ValidateDataPayload(payload []byte) error {
	if len(payload) == 0 {
		return ErrMessageEmpty
	}
	if len(payload) > MaxDataPayload {
		return fmt.Errorf("%w: payload size %d exceeds limit %d", ErrPayloadTooLarge, len(payload), MaxDataPayload)
	}
	return nil
}

// ValidateEnvelope validates a serialized envelope against MaxEnvelopeSize.
// This limit should be applied to all reassembled, untrusted input.
func ValidateEnvelope(data []byte) error {
	if len(data) == 0 {
		return ErrMessageEmpty
	}
	if len(data) > MaxEnvelopeSize {
		return fmt.Errorf("%w: envelope size %d exceeds limit %d", ErrMessageTooLarge, len(data), MaxEnvelopeSize)
	}
	return nil
}
