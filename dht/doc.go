// Package dht implements a BitTorrent mainline DHT node (BEP 5): a
// Kademlia routing table of other nodes, iterative lookups over KRPC, and a
// responder serving the queries of other nodes.
//
// # Architecture
//
// A Coordinator owns every piece of node state and is passed explicitly to
// its users; there is no package-level instance.
//
// Key components:
//
//   - RoutingTable: 160 k-buckets keyed by shared prefix length with the
//     local id, each with an active set and a replacement cache
//   - lookup: the iterative find_node/get_peers/announce state machine
//   - Responder: answers ping, find_node, get_peers and announce_peer
//   - PeerStore: peers announced to this node, bounded and expiring
//   - Maintainer: single-shot refresh timer, re-armed after each tick
//
// # Usage
//
//	tr, err := transport.NewUDPTransport(":6881")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer tr.Close()
//
//	cfg := dht.DefaultConfig()
//	cfg.StatePath = "dht.state"
//	node, err := dht.NewCoordinator(cfg, tr)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	if err := node.Start(ctx); err != nil {
//	    log.Fatal(err)
//	}
//	defer node.Stop()
//
//	node.FindPeers(infoHash, listener)
//
// # Peer Lookups
//
// Only one get_peers lookup runs per info-hash. A second FindPeers call for
// the same hash adds its listener to the running lookup. Listeners get
// OnFoundPeers when a node returns peers and FindingPeersFinished exactly
// once when the lookup ends. StopFindingPeers and Stop silence a lookup: its
// listeners hear nothing after cancellation.
//
// # Routing Table
//
// When a bucket is full, a newly seen node waits in the bucket's
// replacement cache while the least recently seen node is pinged. The old
// node stays if it answers and is replaced by the freshest waiting node
// otherwise.
//
// # Thread Safety
//
// All exported types are safe for concurrent use.
package dht
