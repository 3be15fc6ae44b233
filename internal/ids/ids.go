// Package ids generates prefixed identifiers for orders, sessions, lines,
// issues, actions and idempotency keys. The alphabet leaves out 0/O and
// 1/I/l so refs survive being read over the phone.
package ids

import (
	"crypto/rand"
	"math/big"
	"time"
)

const safeAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"

func randomPart(length int) string {
	buf := make([]byte, length)
	max := big.NewInt(int64(len(safeAlphabet)))
	for i := range buf {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			// crypto/rand only fails when the platform entropy source is
			// broken; nothing sensible to do but stop.
			panic("ids: entropy source unavailable: " + err.Error())
		}
		buf[i] = safeAlphabet[n.Int64()]
	}
	return string(buf)
}

func generate(prefix string, length int) string {
	return prefix + "-" + randomPart(length)
}

// NewOrderRef returns a reference in the form ORD-YYYYMMDD-XXXXXXXX,
// dated by at.
func NewOrderRef(at time.Time) string {
	return "ORD-" + at.UTC().Format("20060102") + "-" + randomPart(8)
}

// NewSessionKey returns a key in the form SESS-XXXXXXXXXXXX.
func NewSessionKey() string {
	return generate("SESS", 12)
}

// NewLineID returns an id in the form L-XXXXXXXX.
func NewLineID() string {
	return generate("L", 8)
}

// NewIssueID returns an id in the form ISS-XXXXXXXX.
func NewIssueID() string {
	return generate("ISS", 8)
}

// NewActionID returns an id in the form ACT-XXXXXXXX.
func NewActionID() string {
	return generate("ACT", 8)
}

// NewIdempotencyKey returns a key in the form IDEM-XXXXXXXXXXXXXXXX.
func NewIdempotencyKey() string {
	return generate("IDEM", 16)
}
