package chunk

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/opd-ai/chainmsg/limits"
)

const (
	// Prefix marks a data payload as a chunk token.
	Prefix = "BC2_"

	// Separator delimits token fields.
	Separator = "_"
)

var (
	// ErrMalformedChunk indicates a payload that carries the chunk prefix but does not parse.
	ErrMalformedChunk = errors.New("malformed chunk token")

	// ErrMissingChunk is matched by MissingChunkError.
	ErrMissingChunk = errors.New("missing chunk")
)

// MissingChunkError reports the first absent index found by Join.
type MissingChunkError struct {
	Index int
}

func (e *MissingChunkError) Error() string {
	return fmt.Sprintf("missing chunk at index %d", e.Index)
}

// Is reports whether target is ErrMissingChunk.
func (e *MissingChunkError) Is(target error) bool {
	return target == ErrMissingChunk
}

// Token is one positional slice of an envelope.
type Token struct {
	MessageID string
	Index     int
	Total     int
	Slice     string
}

// Encode renders the token in its wire form.
func (t Token) Encode() string {
	var b strings.Builder
	b.Grow(len(Prefix) + len(t.MessageID) + len(t.Slice) + 16)
	b.WriteString(Prefix)
	b.WriteString(t.MessageID)
	b.WriteString(Separator)
	b.WriteString(strconv.Itoa(t.Index))
	b.WriteString(Separator)
	b.WriteString(strconv.Itoa(t.Total))
	b.WriteString(Separator)
	b.WriteString(t.Slice)
	return b.String()
}

// IsToken reports whether payload carries the chunk prefix.
func IsToken(payload string) bool {
	return strings.HasPrefix(payload, Prefix)
}

// ParseToken parses a wire token. It enforces 0 <= index < total <= limits.MaxChunkCount
// and a non-empty message ID.
func ParseToken(payload string) (Token, error) {
	if !IsToken(payload) {
		return Token{}, fmt.Errorf("%w: missing prefix", ErrMalformedChunk)
	}

	parts := strings.SplitN(strings.TrimPrefix(payload, Prefix), Separator, 4)
	if len(parts) < 4 {
		return Token{}, fmt.Errorf("%w: expected 4 fields, got %d", ErrMalformedChunk, len(parts))
	}

	if parts[0] == "" {
		return Token{}, fmt.Errorf("%w: empty message id", ErrMalformedChunk)
	}

	index, err := strconv.Atoi(parts[1])
	if err != nil {
		return Token{}, fmt.Errorf("%w: index %q", ErrMalformedChunk, parts[1])
	}
	total, err := strconv.Atoi(parts[2])
	if err != nil {
		return Token{}, fmt.Errorf("%w: total %q", ErrMalformedChunk, parts[2])
	}
	if total <= 0 || total > limits.MaxChunkCount {
		return Token{}, fmt.Errorf("%w: total %d out of range", ErrMalformedChunk, total)
	}
	if index < 0 || index >= total {
		return Token{}, fmt.Errorf("%w: index %d outside [0,%d)", ErrMalformedChunk, index, total)
	}

	return Token{
		MessageID: parts[0],
		Index:     index,
		Total:     total,
		Slice:     parts[3],
	}, nil
}

// Split partitions blob into consecutive substrings of at most chunkSize bytes.
// No padding or compression is applied.
func Split(blob string, chunkSize int) []string {
	if chunkSize <= 0 || blob == "" {
		return nil
	}

	out := make([]string, 0, (len(blob)+chunkSize-1)/chunkSize)
	for start := 0; start < len(blob); start += chunkSize {
		end := start + chunkSize
		if end > len(blob) {
			end = len(blob)
		}
		out = append(out, blob[start:end])
	}
	return out
}

// Tokens splits blob and wraps every slice as a token of messageID.
func Tokens(messageID, blob string, chunkSize int) []Token {
	slices := Split(blob, chunkSize)
	tokens := make([]Token, len(slices))
	for i, s := range slices {
		tokens[i] = Token{
			MessageID: messageID,
			Index:     i,
			Total:     len(slices),
			Slice:     s,
		}
	}
	return tokens
}

// Join concatenates slices in index order. Every index in [0, total) must be present.
func Join(total int, slices map[int]string) (string, error) {
	var b strings.Builder
	for i := 0; i < total; i++ {
		s, ok := slices[i]
		if !ok {
			return "", &MissingChunkError{Index: i}
		}
		b.WriteString(s)
	}
	return b.String(), nil
}
