// Package transport provides the datagram transport of the DHT: it sends
// KRPC queries, matches responses to the queries that caused them and hands
// every other inbound message to a query handler.
//
// # Architecture
//
// A single read goroutine feeds a fixed pool of dispatch workers. Each
// outbound query gets a two byte transaction id and is registered under
// (transaction id, destination address) until it resolves:
//
//	t, err := transport.NewUDPTransport(":6881")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer t.Close()
//
//	req, err := t.Query(ctx, addr, krpc.NewQuery(krpc.MethodPing, &krpc.MsgArgs{ID: self.Raw()}))
//	if err != nil {
//	    return err
//	}
//	resp, err := req.Wait(ctx)
//
// # Request Handles
//
// A Request resolves exactly once: with the matching response, with the
// remote KRPC error, with ErrTimeout after the per-request timeout, with
// ErrCancelled when the caller's context ends, or with ErrClosed when the
// transport shuts down. Responses arriving after resolution are dropped.
//
// # Time
//
// Timeouts run on a github.com/benbjohnson/clock Clock so tests can drive
// them with a mock clock.
package transport
