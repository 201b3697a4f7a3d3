package crypto

import (
	"crypto/rand"
	"math/big"
	"strconv"
	"time"
)

const (
	idAlphabet     = "0123456789abcdefghijklmnopqrstuvwxyz"
	idRandomLength = 9
)

// GenerateMessageID returns a time-seeded, collision-resistant message token:
// the base-36 millisecond timestamp followed by nine random base-36 characters.
// The token never contains the chunk field separator.
func GenerateMessageID(now time.Time) (string, error) {
	buf := make([]byte, 0, 9+idRandomLength)
	buf = strconv.AppendInt(buf, now.UnixMilli(), 36)

	max := big.NewInt(int64(len(idAlphabet)))
	for i := 0; i < idRandomLength; i++ {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", err
		}
		buf = append(buf, idAlphabet[n.Int64()])
	}
	return string(buf), nil
}
