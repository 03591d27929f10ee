package repo

import (
	"crypto/rand"
	"errors"
	"math/big"
	"strings"
	"sync"
	"time"
)

const tidAlphabet = "234567abcdefghijklmnopqrstuvwxyz"

// TID is an atproto Timestamp Identifier: a 13-character base32-sortable
// encoding of a 64-bit (53 bits microsecond timestamp, 10 bits random
// clock identifier) value, used as the record key namespace for
// collections and as a repo's monotonic revision number.
type TID string

var ErrInvalidTID = errors.New("repo: malformed TID")

var tidClock struct {
	mtx  sync.Mutex
	last int64
}

// NewTID mints a TID from the current wall clock, guaranteed to be
// lexicographically greater than any previously minted TID from this
// process even under clock skew or rapid successive calls.
func NewTID() TID {
	tidClock.mtx.Lock()
	defer tidClock.mtx.Unlock()

	now := time.Now().UnixMicro()
	if now <= tidClock.last {
		now = tidClock.last + 1
	}
	tidClock.last = now

	clockID, _ := rand.Int(rand.Reader, big.NewInt(1024))
	val := (now << 10) | clockID.Int64()
	return TID(encodeBase32Sortable(val))
}

func encodeBase32Sortable(v int64) string {
	var buf [13]byte
	for i := 12; i >= 0; i-- {
		buf[i] = tidAlphabet[v&0x1f]
		v >>= 5
	}
	return string(buf[:])
}

// ValidTID reports whether s has the correct TID syntax.
func ValidTID(s string) bool {
	if len(s) != 13 {
		return false
	}
	for _, r := range s {
		if !strings.ContainsRune(tidAlphabet, r) {
			return false
		}
	}
	return true
}

func (t TID) String() string { return string(t) }
