package limiter

import (
	"encoding/binary"
	"hash"
	"net/netip"

	"github.com/cespare/xxhash/v2"
)

// AddrHash hashes a client address for the pre-filter. All 64 bits are used:
// the top bits pick the starting shard and each low byte picks a cell.
type AddrHash func(netip.Addr) uint64

// XorHash folds data into 64 bits by XOR-ing its little-endian 8-byte chunks.
// A short final chunk is zero-padded. It is very cheap and not collision
// resistant.
func XorHash(data []byte) uint64 {
	var h uint64
	for len(data) >= 8 {
		h ^= binary.LittleEndian.Uint64(data)
		data = data[8:]
	}

	var tail uint64
	for i, b := range data {
		tail |= uint64(b) << (8 * i)
	}
	return h ^ tail
}

// XorHasher is the streaming form of XorHash.
type XorHasher struct {
	sum uint64
	n   uint64
}

var _ hash.Hash64 = (*XorHasher)(nil)

func (x *XorHasher) Write(p []byte) (int, error) {
	for _, b := range p {
		x.sum ^= uint64(b) << (8 * (x.n % 8))
		x.n++
	}
	return len(p), nil
}

func (x *XorHasher) Sum(b []byte) []byte {
	return binary.BigEndian.AppendUint64(b, x.sum)
}

func (x *XorHasher) Sum64() uint64 { return x.sum }

func (x *XorHasher) Reset() { *x = XorHasher{} }

func (x *XorHasher) Size() int { return 8 }

func (x *XorHasher) BlockSize() int { return 8 }

// XorAddr is the default pre-filter hash. For an IPv4 address the cell of
// shard n is the n-th octet.
func XorAddr(addr netip.Addr) uint64 {
	addr = addr.Unmap()
	if addr.Is4() {
		b := addr.As4()
		return XorHash(b[:])
	}
	b := addr.As16()
	return XorHash(b[:])
}

// XXHashAddr spreads addresses over all shards and cells, at a slightly higher
// cost than XorAddr.
func XXHashAddr(addr netip.Addr) uint64 {
	addr = addr.Unmap()
	if addr.Is4() {
		b := addr.As4()
		return xxhash.Sum64(b[:])
	}
	b := addr.As16()
	return xxhash.Sum64(b[:])
}
