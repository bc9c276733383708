package types

import (
	"crypto/rand"
	"errors"
	"sync"
	"time"
)

var (
	// ErrInvalidRevisionLength is returned when a revision string is not 26 characters.
	ErrInvalidRevisionLength = errors.New("invalid revision length")

	// ErrInvalidRevisionCharacter is returned when a revision string contains
	// characters outside the Crockford base32 alphabet or overflows 128 bits.
	ErrInvalidRevisionCharacter = errors.New("invalid revision character")
)

// Revision is a 128-bit ULID used as the local `timestamp` of a cached record.
// Layout: 48-bit Unix milliseconds followed by 80 bits of entropy. The string
// form sorts in the same order as the binary form.
type Revision [16]byte

// Crockford's base32 alphabet (no I, L, O, U).
const crockfordBase32 = "0123456789ABCDEFGHJKMNPQRSTVWXYZ"

// RevisionClock hands out strictly increasing revisions. Two revisions taken
// from the same clock never compare equal, even within one millisecond or
// when the wall clock steps backwards.
type RevisionClock struct {
	mu     sync.Mutex
	lastMs uint64
	last   [10]byte
}

// NewRevisionClock creates a new revision clock.
func NewRevisionClock() *RevisionClock {
	return &RevisionClock{}
}

// Next returns the string form of a fresh revision.
func (c *RevisionClock) Next() string {
	rev, err := c.NextAt(time.Now())
	if err != nil {
		// crypto/rand only fails when the OS entropy source is gone.
		panic(err)
	}
	return rev.String()
}

// NextAt returns a revision for the given wall time.
func (c *RevisionClock) NextAt(t time.Time) (Revision, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	ms := uint64(t.UnixMilli())
	if ms <= c.lastMs && c.lastMs != 0 {
		// Same millisecond or clock skew: keep the previous time component and
		// bump the entropy so ordering is preserved.
		ms = c.lastMs
		if !incrementEntropy(&c.last) {
			ms++
			if _, err := rand.Read(c.last[:]); err != nil {
				return Revision{}, err
			}
		}
	} else {
		if _, err := rand.Read(c.last[:]); err != nil {
			return Revision{}, err
		}
	}
	c.lastMs = ms

	var rev Revision
	for i := 0; i < 6; i++ {
		rev[i] = byte(ms >> (40 - 8*i))
	}
	copy(rev[6:], c.last[:])
	return rev, nil
}

// incrementEntropy adds one to the 80-bit big-endian counter. It reports false
// when the counter wrapped around.
func incrementEntropy(b *[10]byte) bool {
	for i := len(b) - 1; i >= 0; i-- {
		b[i]++
		if b[i] != 0 {
			return true
		}
	}
	return false
}

// Millis returns the time component in Unix milliseconds.
func (r Revision) Millis() uint64 {
	var ms uint64
	for i := 0; i < 6; i++ {
		ms = ms<<8 | uint64(r[i])
	}
	return ms
}

// Time returns the time component.
func (r Revision) Time() time.Time {
	return time.UnixMilli(int64(r.Millis()))
}

// String encodes the revision as 26 Crockford base32 characters.
func (r Revision) String() string {
	var buf [26]byte
	// 128 bits are left-padded with two zero bits to fill 26 5-bit groups.
	var acc uint32
	bits := 2
	n := 0
	for _, b := range r {
		acc = acc<<8 | uint32(b)
		bits += 8
		for bits >= 5 {
			bits -= 5
			buf[n] = crockfordBase32[(acc>>uint(bits))&31]
			n++
		}
	}
	return string(buf[:])
}

// Compare orders two revisions. Returns -1, 0 or 1.
func (r Revision) Compare(other Revision) int {
	for i := range r {
		switch {
		case r[i] < other[i]:
			return -1
		case r[i] > other[i]:
			return 1
		}
	}
	return 0
}

// ParseRevision decodes the 26-character string form.
func ParseRevision(s string) (Revision, error) {
	if len(s) != 26 {
		return Revision{}, ErrInvalidRevisionLength
	}

	var rev Revision
	first := decodeBase32(s[0])
	if first > 7 {
		// Only three bits of the first character are significant.
		return Revision{}, ErrInvalidRevisionCharacter
	}

	acc := uint32(first)
	bits := 3
	n := 0
	for i := 1; i < len(s); i++ {
		v := decodeBase32(s[i])
		if v == 0xFF {
			return Revision{}, ErrInvalidRevisionCharacter
		}
		acc = acc<<5 | uint32(v)
		bits += 5
		if bits >= 8 {
			bits -= 8
			rev[n] = byte(acc >> uint(bits))
			n++
		}
	}
	return rev, nil
}

// decodeBase32 maps one Crockford character (case-insensitive, with the usual
// I/L→1 and O→0 aliases) to its value, or 0xFF.
func decodeBase32(c byte) byte {
	if c >= 'a' && c <= 'z' {
		c -= 'a' - 'A'
	}
	switch c {
	case 'I', 'L':
		return 1
	case 'O':
		return 0
	case 'U':
		return 0xFF
	}
	for i := 0; i < len(crockfordBase32); i++ {
		if crockfordBase32[i] == c {
			return byte(i)
		}
	}
	return 0xFF
}
