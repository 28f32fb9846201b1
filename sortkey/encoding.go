package sortkey

import (
	"github.com/cockroachdb/errors"
)

// The storage form escapes 0x7f as 7f 00 and ends every key with 7f 01, which
// stands in for the virtual 127.5 terminator. The code is prefix-free and
// preserves symbol order, so plain byte comparison of encoded keys matches
// Compare and bytes may be appended after the terminator without disturbing
// the order of the keys themselves.
const (
	escape       = 0x7f
	escapedByte  = 0x00
	escapedTerm  = 0x01
	encodedExtra = 2
)

// ErrMalformed is returned by Decode for input that is not an encoded key.
var ErrMalformed = errors.New("malformed encoded sort key")

// AppendEncoded appends the storage form of k to dst.
func (k Key) AppendEncoded(dst []byte) []byte {
	for i := 0; i < len(k.s); i++ {
		c := k.s[i]
		if c == escape {
			dst = append(dst, escape, escapedByte)
			continue
		}
		dst = append(dst, c)
	}
	return append(dst, escape, escapedTerm)
}

// Encode returns the storage form of k.
func Encode(k Key) []byte {
	return k.AppendEncoded(make([]byte, 0, len(k.s)+encodedExtra))
}

// Decode parses one encoded key from the front of b and returns it along with
// the bytes that follow its terminator.
func Decode(b []byte) (Key, []byte, error) {
	buf := make([]byte, 0, len(b))
	for i := 0; i < len(b); i++ {
		if b[i] != escape {
			buf = append(buf, b[i])
			continue
		}
		if i+1 == len(b) {
			return Key{}, nil, errors.WithDetailf(ErrMalformed, "truncated escape at offset %d", i)
		}
		i++
		switch b[i] {
		case escapedByte:
			buf = append(buf, escape)
		case escapedTerm:
			return Key{s: string(buf)}, b[i+1:], nil
		default:
			return Key{}, nil, errors.WithDetailf(ErrMalformed, "invalid escape 0x%02x at offset %d", b[i], i)
		}
	}
	return Key{}, nil, errors.WithDetail(ErrMalformed, "missing terminator")
}
