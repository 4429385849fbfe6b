package transport

import (
	"context"
	"errors"
	"net"
	"net/netip"

	"github.com/opd-ai/btdht/krpc"
)

var (
	// ErrTimeout is returned by a request that got no response in time.
	ErrTimeout = errors.New("request timed out")

	// ErrCancelled is returned by a request whose context was cancelled.
	ErrCancelled = errors.New("request cancelled")

	// ErrClosed is returned once the transport has been closed.
	ErrClosed = errors.New("transport closed")
)

// QueryHandler processes an inbound query that is not a response to one of
// our own requests.
type QueryHandler func(msg *krpc.Msg, from netip.AddrPort)

// Transport defines the interface for the datagram transport used by the DHT.
// This abstraction allows the DHT core to be driven by an in-memory network
// in tests.
type Transport interface {
	// Query sends msg to addr, assigning it a fresh transaction id. The
	// returned request resolves exactly once with the matching response, a
	// remote error, a timeout or a cancellation.
	Query(ctx context.Context, addr netip.AddrPort, msg *krpc.Msg) (*Request, error)

	// Reply sends a response or error message to addr.
	Reply(addr netip.AddrPort, msg *krpc.Msg) error

	// SetQueryHandler registers the handler for inbound queries.
	SetQueryHandler(handler QueryHandler)

	// LocalAddr returns the local address the transport is listening on.
	LocalAddr() net.Addr

	// Close shuts down the transport.
	Close() error
}
