package bitkey

import (
	"fmt"
	"net/netip"
)

// IPNet is a normalized IP prefix: an address family tag plus a prefix
// length, with all bits beyond the prefix length zeroed. It round-trips
// exactly through Key.
type IPNet struct {
	prefix netip.Prefix
}

// NewIPNet builds a normalized IPNet from an address and prefix length,
// masking off any bits beyond bits. Returns an error if bits is out of
// range for the address family.
func NewIPNet(addr netip.Addr, bits int) (IPNet, error) {
	if !addr.IsValid() {
		return IPNet{}, fmt.Errorf("bitkey: invalid address")
	}
	maxBits := addr.BitLen()
	if bits < 0 || bits > maxBits {
		return IPNet{}, fmt.Errorf("bitkey: prefix length %d out of range for %d-bit address", bits, maxBits)
	}
	p := netip.PrefixFrom(addr, bits).Masked()
	return IPNet{prefix: p}, nil
}

// ParseIPNet parses a CIDR-notation string ("addr/len").
func ParseIPNet(s string) (IPNet, error) {
	p, err := netip.ParsePrefix(s)
	if err != nil {
		return IPNet{}, fmt.Errorf("bitkey: parse prefix %q: %w", s, err)
	}
	return IPNet{prefix: p.Masked()}, nil
}

// IsV4 reports whether the prefix is an IPv4 prefix. An IPv4-mapped IPv6
// address (::ffff:a.b.c.d) counts as IPv6 and reports false.
func (n IPNet) IsV4() bool { return n.prefix.Addr().Is4() }

// Addr returns the network address (masked).
func (n IPNet) Addr() netip.Addr { return n.prefix.Addr() }

// Bits returns the prefix length.
func (n IPNet) Bits() int { return n.prefix.Bits() }

// String renders as CIDR notation.
func (n IPNet) String() string { return n.prefix.String() }

// Prefix returns the underlying netip.Prefix.
func (n IPNet) Prefix() netip.Prefix { return n.prefix }

// Equal reports whether two IPNets denote the same family+address+length.
func (n IPNet) Equal(o IPNet) bool { return n.prefix == o.prefix }

// Compare orders IPNets by (family, address, bits): IPv4 sorts before IPv6.
func (n IPNet) Compare(o IPNet) int {
	af := func(p IPNet) int {
		if p.IsV4() {
			return 0
		}
		return 1
	}
	if d := af(n) - af(o); d != 0 {
		return d
	}
	if c := n.Addr().Compare(o.Addr()); c != 0 {
		return c
	}
	return n.Bits() - o.Bits()
}

// Key encodes the IPNet as a bit-key: the family tag is not part of the
// key (callers keep separate tries per family, or prefix a family bit
// externally); the key is simply the big-endian bits of the address
// truncated to the prefix length.
func (n IPNet) Key() Key {
	b := n.prefix.Addr().AsSlice()
	return FromBytes(b, n.Bits())
}

// IPNetFromKey reconstructs an IPNet from a key and an address family
// hint (4 or 6). The key's length becomes the prefix length; remaining
// address bits are zero, matching the trie's normalization invariant.
func IPNetFromKey(k Key, family int) (IPNet, error) {
	var buf []byte
	switch family {
	case 4:
		buf = make([]byte, 4)
	case 6:
		buf = make([]byte, 16)
	default:
		return IPNet{}, fmt.Errorf("bitkey: unknown family %d", family)
	}
	for i := 0; i < k.Len(); i++ {
		if k.Bit(i) {
			buf[i/8] |= 0x80 >> uint(i%8)
		}
	}
	var addr netip.Addr
	var ok bool
	if family == 4 {
		addr, ok = netip.AddrFromSlice(buf)
	} else {
		addr, ok = netip.AddrFromSlice(buf)
	}
	if !ok {
		return IPNet{}, fmt.Errorf("bitkey: failed to build address from key")
	}
	return NewIPNet(addr, k.Len())
}

// Family returns 4 or 6.
func (n IPNet) Family() int {
	if n.IsV4() {
		return 4
	}
	return 6
}
