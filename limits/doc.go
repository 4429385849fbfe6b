// Package limits provides centralized wire limits for the DHT.
//
// # Datagram Sizes
//
//   - MaxDatagram (1500 bytes): the largest KRPC message sent or accepted.
//     Inbound datagrams above this size are dropped before decoding.
//   - ReadBuffer (2048 bytes): the socket read buffer.
//
// # Response Counts
//
//   - NodesPerResponse: compact nodes returned per address family.
//   - MaxPeerValuesResponse: peer values returned by get_peers.
//   - MaxStoredAnnouncedPeers / MaxStoredInfoHashes: bounds of the peer store
//     fed by inbound announce_peer requests.
//
// # Validation Functions
//
//	if err := limits.ValidateDatagram(data); err != nil {
//	    // ErrMessageEmpty or ErrMessageTooLarge
//	}
package limits
