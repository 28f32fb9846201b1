/*
Package sortkey allocates ordering keys for sorted lists that are reordered by
drag-and-drop. A new key can always be produced in front of the first key,
after the last key, or strictly between two neighbours, so moving one row
never rewrites any other row.

A key compares as if it were followed by a virtual byte of value 127.5, larger
than 0x7f and smaller than 0x80. A key therefore sorts after every extension of
itself that continues with 0x00..0x7f and before every extension that continues
with 0x80..0xff, and the empty key sits in the middle of the key space.

Example:

	first := sortkey.InFront(nil)            // empty key for an empty list
	front := sortkey.InFront(&first)         // [0x40]
	mid := sortkey.Between(front, first)     // [0x60]
*/
package sortkey

import (
	"encoding/hex"

	"github.com/cockroachdb/errors"
)

// Key is an immutable ordering key. The zero value is the empty key.
// Keys can be compared with == for equality, but ordering must go through Compare.
type Key struct {
	s string
}

// FromBytes returns a key holding a copy of b.
func FromBytes(b []byte) Key {
	return Key{s: string(b)}
}

// Bytes returns a copy of the raw key bytes.
func (k Key) Bytes() []byte {
	return []byte(k.s)
}

// Len returns the number of raw bytes in the key.
func (k Key) Len() int {
	return len(k.s)
}

// IsEmpty reports whether k is the empty key.
func (k Key) IsEmpty() bool {
	return len(k.s) == 0
}

// String returns the key as lowercase hex.
func (k Key) String() string {
	return hex.EncodeToString([]byte(k.s))
}

// Compare returns -1, 0 or 1 depending on whether k sorts before, equal to, or after o.
func (k Key) Compare(o Key) int {
	return compare(k.s, o.s)
}

// Less reports whether k sorts before o.
func (k Key) Less(o Key) bool {
	return compare(k.s, o.s) < 0
}

// Compare orders two raw keys. It can be used directly as the key ordering
// function of a store that keeps raw (unencoded) keys.
func Compare(a, b []byte) int {
	return compare(a, b)
}

func compare[T ~string | ~[]byte](a, b T) int {
	n := min(len(a), len(b))
	for i := 0; i < n; i++ {
		if a[i] != b[i] {
			if a[i] < b[i] {
				return -1
			}
			return 1
		}
	}

	switch {
	case len(a) == len(b):
		return 0
	case len(a) > len(b):
		// b ended: its virtual 127.5 sits between 0x7f and 0x80
		if a[n] < 0x80 {
			return -1
		}
		return 1
	default:
		if b[n] < 0x80 {
			return 1
		}
		return -1
	}
}

// MarshalText encodes the key as lowercase hex.
func (k Key) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// UnmarshalText decodes a hex key produced by MarshalText.
func (k *Key) UnmarshalText(text []byte) error {
	b := make([]byte, hex.DecodedLen(len(text)))
	if _, err := hex.Decode(b, text); err != nil {
		return errors.Wrapf(err, "invalid sort key %q", text)
	}
	k.s = string(b)
	return nil
}

// MarshalBinary returns the raw key bytes.
func (k Key) MarshalBinary() ([]byte, error) {
	return k.Bytes(), nil
}

// UnmarshalBinary sets the key to a copy of data.
func (k *Key) UnmarshalBinary(data []byte) error {
	k.s = string(data)
	return nil
}
