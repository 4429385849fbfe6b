// Package nodeid implements the 160-bit identifiers used by the BitTorrent
// DHT and the XOR metric defined over them.
//
// Node ids and info-hashes share the same key space, so a single ID type is
// used for both.
package nodeid

import (
	"bytes"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"math/bits"
)

const (
	// Size is the length of an ID in bytes.
	Size = 20

	// Bits is the length of an ID in bits.
	Bits = Size * 8
)

var (
	// ErrInvalidLength indicates a raw or hex id of the wrong size.
	ErrInvalidLength = errors.New("invalid node id length")
)

// ID is a DHT node identifier or info-hash.
type ID [Size]byte

// Max is the largest possible ID, used as the "infinitely far" distance.
var Max = ID{
	0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff,
	0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff,
}

// Random returns a uniformly random ID.
func Random() ID {
	var id ID
	if _, err := rand.Read(id[:]); err != nil {
		panic(fmt.Sprintf("nodeid: reading random bytes: %v", err))
	}
	return id
}

// FromBytes copies a raw 20-byte id.
func FromBytes(b []byte) (ID, error) {
	var id ID
	if len(b) != Size {
		return id, fmt.Errorf("%w: got %d bytes", ErrInvalidLength, len(b))
	}
	copy(id[:], b)
	return id, nil
}

// FromString converts a raw binary string, as carried in KRPC messages.
func FromString(s string) (ID, error) {
	return FromBytes([]byte(s))
}

// FromHex parses a 40 character hexadecimal id.
func FromHex(s string) (ID, error) {
	if len(s) != Size*2 {
		return ID{}, fmt.Errorf("%w: got %d hex characters", ErrInvalidLength, len(s))
	}
	b, err := hex.DecodeString(s)
	if err != nil {
		return ID{}, fmt.Errorf("invalid hex node id: %w", err)
	}
	return FromBytes(b)
}

// MustHex is like FromHex but panics on error. Intended for constants and tests.
func MustHex(s string) ID {
	id, err := FromHex(s)
	if err != nil {
		panic(err)
	}
	return id
}

// String returns the hexadecimal representation of the id.
func (id ID) String() string {
	return hex.EncodeToString(id[:])
}

// Raw returns the id as a binary string for the wire.
func (id ID) Raw() string {
	return string(id[:])
}

// IsZero reports whether every bit of the id is zero.
func (id ID) IsZero() bool {
	return id == ID{}
}

// Distance returns the XOR distance between a and b.
func Distance(a, b ID) ID {
	var d ID
	for i := 0; i < Size; i++ {
		d[i] = a[i] ^ b[i]
	}
	return d
}

// Cmp compares two distances as unsigned big-endian numbers and returns
// -1, 0 or +1.
func Cmp(a, b ID) int {
	return bytes.Compare(a[:], b[:])
}

// Less reports whether distance a is strictly smaller than distance b.
func Less(a, b ID) bool {
	return Cmp(a, b) < 0
}

// CloserThan reports whether candidate is strictly closer to target than other.
func CloserThan(candidate, other, target ID) bool {
	return Less(Distance(candidate, target), Distance(other, target))
}

// CommonPrefixLen returns the number of leading bits a and b share.
// Identical ids share all Bits bits.
func CommonPrefixLen(a, b ID) int {
	for i := 0; i < Size; i++ {
		if x := a[i] ^ b[i]; x != 0 {
			return i*8 + bits.LeadingZeros8(x)
		}
	}
	return Bits
}

// Bit returns the bit at position i, counting from the most significant bit.
func (id ID) Bit(i int) int {
	return int(id[i/8]>>(7-uint(i%8))) & 1
}

// RandomWithPrefix returns a random id sharing exactly prefixLen leading bits
// with base. It is used to pick refresh targets that fall into a given bucket.
func RandomWithPrefix(base ID, prefixLen int) ID {
	if prefixLen >= Bits {
		return base
	}
	id := Random()
	for i := 0; i < prefixLen; i++ {
		id.setBit(i, base.Bit(i))
	}
	id.setBit(prefixLen, base.Bit(prefixLen)^1)
	return id
}

func (id *ID) setBit(i, v int) {
	mask := byte(1) << (7 - uint(i%8))
	if v == 1 {
		id[i/8] |= mask
	} else {
		id[i/8] &^= mask
	}
}
