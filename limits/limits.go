// Package limits provides centralized size and count limits for the DHT wire
// protocol. This ensures consistent validation across the transport, the
// responder and the query state machines.
package limits

import (
	"errors"
	"fmt"
)

const (
	// MaxDatagram is the largest KRPC datagram read from or written to the
	// socket. Mainline DHT messages stay below a typical Ethernet MTU.
	MaxDatagram = 1500

	// ReadBuffer is the socket read buffer; datagrams larger than MaxDatagram
	// are detected by filling it.
	ReadBuffer = 2048

	// MaxTransactionID bounds the opaque "t" value accepted from remote nodes.
	MaxTransactionID = 16

	// MaxTokenLength bounds the opaque announce token accepted from remote nodes.
	MaxTokenLength = 64

	// NodesPerResponse is the number of compact nodes returned per address
	// family in find_node and get_peers replies (Kademlia K).
	NodesPerResponse = 8

	// MaxPeerValuesResponse caps the "values" list of a get_peers reply.
	MaxPeerValuesResponse = 32

	// MaxStoredAnnouncedPeers caps the peers kept per info-hash from inbound
	// announce_peer requests.
	MaxStoredAnnouncedPeers = 32

	// MaxStoredInfoHashes caps the number of info-hashes kept in the
	// announced peer store.
	MaxStoredInfoHashes = 4096
)

var (
	// ErrMessageEmpty indicates an empty datagram was provided
	ErrMessageEmpty = errors.New("empty message")

	// ErrMessageTooLarge indicates a datagram exceeds the maximum size
	ErrMessageTooLarge = errors.New("message too large")
)

// ValidateDatagram validates a KRPC datagram against MaxDatagram.
func ValidateDatagram(datagram []byte) error {
	if len(datagram) == 0 {
		return ErrMessageEmpty
	}
	if len(datagram) > MaxDatagram {
		return fmt.Errorf("%w: datagram size %d exceeds limit %d", ErrMessageTooLarge, len(datagram), MaxDatagram)
	}
	return nil
}

// ClampCount returns n limited to [0, max].
func ClampCount(n, max int) int {
	if n < 0 {
		return 0
	}
	if n > max {
		return max
	}
	return n
}
