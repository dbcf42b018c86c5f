package allocator

import (
	"crypto/rand"
	"encoding/binary"
	"net/netip"
)

// cursor is a stateful pseudo-random permutation over the host addresses
// of an IPv4 range, implemented as a linear congruential generator with
// multiplier 5 and increment 1 over modulus addressCount.
//
// The LCG with these parameters is a full-period permutation: repeatedly
// calling get visits every offset in [0, addressCount) exactly once before
// repeating. The seed is drawn from a CSPRNG so allocations spread across
// the range instead of clumping at the low end.
type cursor struct {
	network      uint32
	broadcast    uint32
	addressCount uint64
	previous     uint64
}

// newCursor builds a cursor over the host addresses of prefix, which must
// be an IPv4 prefix already masked to its network address.
func newCursor(prefix netip.Prefix) *cursor {
	network := addrToUint32(prefix.Addr())
	hostBits := 32 - prefix.Bits()
	addressCount := uint64(1) << uint(hostBits)
	broadcast := network
	if hostBits > 0 && hostBits < 32 {
		broadcast = network + uint32(addressCount-1)
	} else if hostBits >= 32 {
		broadcast = ^uint32(0)
	}

	return &cursor{
		network:      network,
		broadcast:    broadcast,
		addressCount: addressCount,
		previous:     randomUint64(addressCount),
	}
}

// get advances the permutation once and returns the resulting address. It
// skips the network and broadcast addresses whenever the range holds more
// than two addresses, recursing to the next offset in that case.
func (c *cursor) get() netip.Addr {
	next := (c.previous*5 + 1) % c.addressCount
	c.previous = next

	addr := c.network + uint32(next)
	if c.addressCount > 2 && (addr == c.network || addr == c.broadcast) {
		return c.get()
	}
	return uint32ToAddr(addr)
}

// addressCountValue returns the size of the permutation's domain, i.e. the
// number of distinct host addresses (including network/broadcast) in the
// underlying range.
func (c *cursor) addressCountValue() uint64 {
	return c.addressCount
}

func randomUint64(modulus uint64) uint64 {
	if modulus <= 1 {
		return 0
	}
	var buf [8]byte
	// crypto/rand.Read on a fixed-size buffer never returns a short read
	// or a non-nil error on any platform Go supports; a failure here would
	// mean the OS entropy source is broken, which nothing downstream can
	// recover from, so panicking is the only sound response.
	if _, err := rand.Read(buf[:]); err != nil {
		panic("allocator: failed to read random seed: " + err.Error())
	}
	return binary.BigEndian.Uint64(buf[:]) % modulus
}

func addrToUint32(a netip.Addr) uint32 {
	b := a.As4()
	return binary.BigEndian.Uint32(b[:])
}

func uint32ToAddr(v uint32) netip.Addr {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	return netip.AddrFrom4(b)
}
