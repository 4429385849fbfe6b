package krpc

import (
	"encoding/binary"
	"fmt"
	"net/netip"
	"strings"

	"github.com/opd-ai/btdht/nodeid"
)

const (
	// CompactPeerLen4 is the length of a compact IPv4 address/port.
	CompactPeerLen4 = 4 + 2
	// CompactPeerLen6 is the length of a compact IPv6 address/port.
	CompactPeerLen6 = 16 + 2
	// CompactNodeLen4 is the length of a compact IPv4 node entry.
	CompactNodeLen4 = nodeid.Size + CompactPeerLen4
	// CompactNodeLen6 is the length of a compact IPv6 node entry.
	CompactNodeLen6 = nodeid.Size + CompactPeerLen6
)

// NodeInfo identifies a DHT node: its id and UDP endpoint.
type NodeInfo struct {
	ID   nodeid.ID
	Addr netip.AddrPort
}

// String returns "id@addr" for logging.
func (ni NodeInfo) String() string {
	return ni.ID.String() + "@" + ni.Addr.String()
}

// Valid reports whether the node can be contacted.
func (ni NodeInfo) Valid() bool {
	return ni.Addr.IsValid() && ni.Addr.Port() != 0 && !ni.Addr.Addr().IsUnspecified()
}

// EncodeCompactPeer returns the compact form of addr: 6 bytes for IPv4 and
// IPv4-mapped addresses, 18 bytes for IPv6.
func EncodeCompactPeer(addr netip.AddrPort) string {
	ip := addr.Addr().Unmap()

	var b []byte
	if ip.Is4() {
		a := ip.As4()
		b = make([]byte, CompactPeerLen4)
		copy(b, a[:])
	} else {
		a := ip.As16()
		b = make([]byte, CompactPeerLen6)
		copy(b, a[:])
	}
	binary.BigEndian.PutUint16(b[len(b)-2:], addr.Port())
	return string(b)
}

// DecodeCompactPeer parses a 6 or 18 byte compact address.
func DecodeCompactPeer(s string) (netip.AddrPort, error) {
	var ip netip.Addr
	switch len(s) {
	case CompactPeerLen4:
		var a [4]byte
		copy(a[:], s)
		ip = netip.AddrFrom4(a)
	case CompactPeerLen6:
		var a [16]byte
		copy(a[:], s)
		ip = netip.AddrFrom16(a)
	default:
		return netip.AddrPort{}, fmt.Errorf("%w: compact peer has %d bytes", ErrMalformed, len(s))
	}
	port := binary.BigEndian.Uint16([]byte(s[len(s)-2:]))
	return netip.AddrPortFrom(ip, port), nil
}

// EncodeCompactPeers encodes a list of peer values.
func EncodeCompactPeers(peers []netip.AddrPort) []string {
	values := make([]string, 0, len(peers))
	for _, p := range peers {
		values = append(values, EncodeCompactPeer(p))
	}
	return values
}

// EncodeCompactNodes splits nodes by address family and returns the "nodes"
// and "nodes6" strings.
func EncodeCompactNodes(nodes []NodeInfo) (string, string) {
	var v4, v6 strings.Builder
	for _, n := range nodes {
		peer := EncodeCompactPeer(n.Addr)
		if len(peer) == CompactPeerLen4 {
			v4.WriteString(n.ID.Raw())
			v4.WriteString(peer)
		} else {
			v6.WriteString(n.ID.Raw())
			v6.WriteString(peer)
		}
	}
	return v4.String(), v6.String()
}

// DecodeCompactNodes parses a "nodes" (ipv6=false) or "nodes6" string.
// Entries with an unusable address are skipped.
func DecodeCompactNodes(s string, ipv6 bool) ([]NodeInfo, error) {
	entryLen := CompactNodeLen4
	if ipv6 {
		entryLen = CompactNodeLen6
	}
	if len(s)%entryLen != 0 {
		return nil, fmt.Errorf("%w: compact node list of %d bytes is not a multiple of %d", ErrMalformed, len(s), entryLen)
	}

	nodes := make([]NodeInfo, 0, len(s)/entryLen)
	for off := 0; off < len(s); off += entryLen {
		entry := s[off : off+entryLen]

		var ni NodeInfo
		copy(ni.ID[:], entry[:nodeid.Size])

		addr, err := DecodeCompactPeer(entry[nodeid.Size:])
		if err != nil {
			return nil, err
		}
		ni.Addr = addr
		if !ni.Valid() {
			continue
		}
		nodes = append(nodes, ni)
	}
	return nodes, nil
}
