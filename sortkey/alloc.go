package sortkey

const (
	// frontFill is appended when no byte of the first key can be lowered.
	frontFill = 0x40
	// endFill is appended when no byte of the last key can be raised.
	endFill = 0xa0
	// endOfKey is the doubled value of the virtual terminator (2 * 127.5).
	endOfKey = 0xff
)

// InFront returns a key that sorts before first. With no existing first key
// it returns the empty key, the middle of the key space.
func InFront(first *Key) Key {
	if first == nil {
		return Key{}
	}
	return Key{s: string(appendBefore(nil, first.s))}
}

// AtTheEnd returns a key that sorts after last. With no existing last key it
// returns the empty key.
func AtTheEnd(last *Key) Key {
	if last == nil {
		return Key{}
	}
	return Key{s: string(appendAfter(nil, last.s))}
}

// Between returns a key strictly between a and b when a < b, and a itself
// when a == b. The operands may be given in either order.
func Between(a, b Key) Key {
	switch c := a.Compare(b); {
	case c == 0:
		return a
	case c > 0:
		a, b = b, a
	}
	lo, hi := a.s, b.s

	i := 0
	for i < len(lo) && i < len(hi) && lo[i] == hi[i] {
		i++
	}
	prefix := lo[:i]

	// First differing symbols, doubled so the terminator is the integer 255.
	alpha, beta := symbol(lo, i), symbol(hi, i)

	// Smallest and largest whole bytes strictly between the two symbols.
	above, below := alpha/2+1, (beta-1)/2
	if above <= below {
		mid := (above + below + 1) / 2
		return Key{s: prefix + string([]byte{byte(mid)})}
	}

	// 0x7f and 0x80 differ only by the terminator.
	if alpha < endOfKey && beta > endOfKey {
		return Key{s: prefix}
	}

	// No room at this position: keep one side's byte and move past the rest
	// of that operand.
	var low, high []byte
	if i < len(lo) {
		low = appendAfter([]byte(lo[:i+1]), lo[i+1:])
	}
	if i < len(hi) {
		high = appendBefore([]byte(hi[:i+1]), hi[i+1:])
	}

	switch {
	case high == nil:
		return Key{s: string(low)}
	case low == nil, len(high) < len(low):
		return Key{s: string(high)}
	default:
		return Key{s: string(low)}
	}
}

// symbol returns the doubled value of the symbol at position i of s.
func symbol(s string, i int) int {
	if i < len(s) {
		return 2 * int(s[i])
	}
	return endOfKey
}

// appendBefore appends to dst a suffix that sorts before rest.
func appendBefore(dst []byte, rest string) []byte {
	for i := 0; i < len(rest); i++ {
		if e := rest[i]; e != 0x00 {
			return append(dst, e/2)
		}
		dst = append(dst, 0x00)
	}
	return append(dst, frontFill)
}

// appendAfter appends to dst a suffix that sorts after rest.
func appendAfter(dst []byte, rest string) []byte {
	for i := 0; i < len(rest); i++ {
		if e := rest[i]; e != 0xff {
			return append(dst, 0x80+e/2)
		}
		dst = append(dst, 0xff)
	}
	return append(dst, endFill)
}
