// Package krpc implements the KRPC message format spoken by BitTorrent
// mainline DHT nodes (BEP 5).
//
// Every datagram carries one bencoded dictionary. Queries carry the method
// name in "q" and the arguments in "a", responses carry the return values in
// "r" and errors carry a [code, message] list in "e":
//
//	ping query    = {"t":"aa", "y":"q", "q":"ping", "a":{"id":"<20 bytes>"}}
//	ping response = {"t":"aa", "y":"r", "r":{"id":"<20 bytes>"}}
//
// Node lists use the compact node format (20-byte id, 4-byte IPv4 address,
// 2-byte big-endian port) in "nodes" and the IPv6 variant (16-byte address)
// in "nodes6". Peer values are compact address/port strings.
//
// Encoding and decoding is delegated to github.com/anacrolix/torrent/bencode.
package krpc
