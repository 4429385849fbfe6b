// Package main runs a standalone BitTorrent mainline DHT node.
//
// # Usage
//
// Join the public DHT and keep the routing table across restarts:
//
//	go run ./cmd/btdht -state dht.dat
//
// Find peers for an info-hash and announce it on port 51413:
//
//	go run ./cmd/btdht -lookup 0123456789abcdef0123456789abcdef01234567 -announce 51413
//
// Serve Prometheus metrics:
//
//	go run ./cmd/btdht -metrics 127.0.0.1:9090
//
// # Configuration Options
//
//   - -listen: UDP address to listen on (default: 0.0.0.0:6881)
//   - -bootstrap: comma separated bootstrap routers
//   - -id: fixed node id in hex
//   - -state: routing table file, loaded on start and written on shutdown
//   - -lookup: info-hash to search for; found peers are printed to stdout
//   - -announce: port to announce the info-hash on, 0 for the implied port
//   - -lookup-delay: time to let bootstrap settle before the lookup
//   - -metrics: address to serve Prometheus metrics on
//   - -log-level: debug, info, warn or error
//
// The node runs until it receives SIGINT or SIGTERM.
package main
