package transport

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/sirupsen/logrus"

	"github.com/opd-ai/btdht/krpc"
	"github.com/opd-ai/btdht/limits"
)

const (
	// DefaultRequestTimeout is the per-RPC timeout.
	DefaultRequestTimeout = 4 * time.Second

	// DefaultWorkers is the number of goroutines decoding and dispatching
	// inbound datagrams.
	DefaultWorkers = 3

	inboundQueueSize = 256
)

// transactionKey matches a response to the request that caused it. The
// source address is part of the key so a node cannot answer for another.
type transactionKey struct {
	t    string
	addr netip.AddrPort
}

// requestWatch holds what has to be torn down once a request resolves.
type requestWatch struct {
	timer     *clock.Timer
	stopWatch func() bool
}

type datagram struct {
	data []byte
	from netip.AddrPort
}

// Option configures a UDPTransport.
type Option func(*UDPTransport)

// WithClock sets the clock used for request timeouts.
func WithClock(c clock.Clock) Option {
	return func(t *UDPTransport) { t.clock = c }
}

// WithRequestTimeout sets the per-RPC timeout.
func WithRequestTimeout(d time.Duration) Option {
	return func(t *UDPTransport) { t.timeout = d }
}

// WithWorkers sets the size of the dispatch worker pool.
func WithWorkers(n int) Option {
	return func(t *UDPTransport) {
		if n > 0 {
			t.workers = n
		}
	}
}

// WithLogger sets the log entry used by the transport.
func WithLogger(entry *logrus.Entry) Option {
	return func(t *UDPTransport) { t.log = entry }
}

// UDPTransport implements the KRPC transport over a datagram socket.
// It satisfies the Transport interface.
type UDPTransport struct {
	conn    net.PacketConn
	clock   clock.Clock
	timeout time.Duration
	workers int
	log     *logrus.Entry

	mu      sync.Mutex
	handler QueryHandler
	pending map[transactionKey]*Request
	watches map[*Request]*requestWatch
	nextTID uint16
	closed  bool

	inbound   chan datagram
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// NewUDPTransport creates a new UDP transport listener.
func NewUDPTransport(listenAddr string, opts ...Option) (*UDPTransport, error) {
	conn, err := net.ListenPacket("udp", listenAddr)
	if err != nil {
		return nil, fmt.Errorf("listening on %s: %w", listenAddr, err)
	}
	return NewPacketConnTransport(conn, opts...), nil
}

// NewPacketConnTransport runs the transport on an existing packet connection.
// The transport takes ownership of conn.
func NewPacketConnTransport(conn net.PacketConn, opts ...Option) *UDPTransport {
	ctx, cancel := context.WithCancel(context.Background())

	t := &UDPTransport{
		conn:    conn,
		clock:   clock.New(),
		timeout: DefaultRequestTimeout,
		workers: DefaultWorkers,
		log:     logrus.WithField("package", "transport"),
		pending: make(map[transactionKey]*Request),
		watches: make(map[*Request]*requestWatch),
		inbound: make(chan datagram, inboundQueueSize),
		ctx:     ctx,
		cancel:  cancel,
	}
	for _, opt := range opts {
		opt(t)
	}

	t.wg.Add(1 + t.workers)
	go t.processPackets()
	for i := 0; i < t.workers; i++ {
		go t.dispatchLoop()
	}

	return t
}

// SetQueryHandler registers the handler for inbound queries.
func (t *UDPTransport) SetQueryHandler(handler QueryHandler) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.handler = handler
}

// Query sends msg to addr and registers the returned request until it is
// answered, times out or ctx is done.
func (t *UDPTransport) Query(ctx context.Context, addr netip.AddrPort, msg *krpc.Msg) (*Request, error) {
	req := NewRequest(addr, msg.Q)

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil, ErrClosed
	}

	key := t.nextKeyLocked(addr)
	msg.T = key.t
	data, err := krpc.Marshal(msg)
	if err != nil {
		t.mu.Unlock()
		return nil, err
	}

	req.onDone = func() { t.release(key, req) }
	t.pending[key] = req
	t.watches[req] = &requestWatch{
		timer: t.clock.AfterFunc(t.timeout, func() {
			req.Resolve(nil, ErrTimeout)
		}),
		stopWatch: context.AfterFunc(ctx, req.Cancel),
	}
	t.mu.Unlock()

	if _, err := t.conn.WriteTo(data, net.UDPAddrFromAddrPort(addr)); err != nil {
		err = fmt.Errorf("sending %s to %s: %w", msg.Q, addr, err)
		req.Resolve(nil, err)
		return nil, err
	}

	return req, nil
}

// nextKeyLocked picks a two byte transaction id not in use for addr.
func (t *UDPTransport) nextKeyLocked(addr netip.AddrPort) transactionKey {
	var b [2]byte
	for {
		t.nextTID++
		binary.BigEndian.PutUint16(b[:], t.nextTID)
		key := transactionKey{t: string(b[:]), addr: addr}
		if _, inUse := t.pending[key]; !inUse {
			return key
		}
	}
}

// release removes a resolved request from the pending registry.
func (t *UDPTransport) release(key transactionKey, req *Request) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.pending[key] == req {
		delete(t.pending, key)
	}
	if w, ok := t.watches[req]; ok {
		w.timer.Stop()
		w.stopWatch()
		delete(t.watches, req)
	}
}

// Reply sends a response or error message to addr.
func (t *UDPTransport) Reply(addr netip.AddrPort, msg *krpc.Msg) error {
	data, err := krpc.Marshal(msg)
	if err != nil {
		return err
	}
	if _, err := t.conn.WriteTo(data, net.UDPAddrFromAddrPort(addr)); err != nil {
		return fmt.Errorf("replying to %s: %w", addr, err)
	}
	return nil
}

// Close shuts down the transport and fails every pending request.
func (t *UDPTransport) Close() error {
	var err error
	t.closeOnce.Do(func() {
		t.mu.Lock()
		t.closed = true
		pending := make([]*Request, 0, len(t.pending))
		for _, req := range t.pending {
			pending = append(pending, req)
		}
		t.mu.Unlock()

		for _, req := range pending {
			req.Resolve(nil, ErrClosed)
		}

		t.cancel()
		err = t.conn.Close()
		t.wg.Wait()
	})
	return err
}

// LocalAddr returns the local address the transport is listening on.
func (t *UDPTransport) LocalAddr() net.Addr {
	return t.conn.LocalAddr()
}

// processPackets reads datagrams and queues them for the workers.
func (t *UDPTransport) processPackets() {
	defer t.wg.Done()
	defer close(t.inbound)

	buffer := make([]byte, limits.ReadBuffer)
	for {
		n, from, err := t.conn.ReadFrom(buffer)
		if err != nil {
			if t.ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return
			}
			t.log.WithFields(logrus.Fields{
				"function": "processPackets",
				"error":    err.Error(),
			}).Debug("Read error")
			continue
		}

		addr, ok := toAddrPort(from)
		if !ok {
			continue
		}

		data := make([]byte, n)
		copy(data, buffer[:n])

		select {
		case t.inbound <- datagram{data: data, from: addr}:
		default:
			t.log.WithFields(logrus.Fields{
				"function": "processPackets",
				"from":     addr.String(),
			}).Debug("Inbound queue full, dropping datagram")
		}
	}
}

// dispatchLoop is one worker of the inbound pool.
func (t *UDPTransport) dispatchLoop() {
	defer t.wg.Done()

	for dg := range t.inbound {
		t.dispatch(dg)
	}
}

// dispatch decodes a datagram and routes it to a pending request or the
// query handler.
func (t *UDPTransport) dispatch(dg datagram) {
	msg, err := krpc.Unmarshal(dg.data)
	if err != nil {
		t.log.WithFields(logrus.Fields{
			"function": "dispatch",
			"from":     dg.from.String(),
			"error":    err.Error(),
		}).Debug("Dropping malformed datagram")
		return
	}

	if msg.IsResponse() {
		t.dispatchResponse(msg, dg.from)
		return
	}

	t.mu.Lock()
	handler := t.handler
	t.mu.Unlock()

	if handler != nil {
		handler(msg, dg.from)
	}
}

func (t *UDPTransport) dispatchResponse(msg *krpc.Msg, from netip.AddrPort) {
	key := transactionKey{t: msg.T, addr: from}

	t.mu.Lock()
	req, ok := t.pending[key]
	if ok {
		delete(t.pending, key)
	}
	t.mu.Unlock()

	if !ok {
		t.log.WithFields(logrus.Fields{
			"function": "dispatchResponse",
			"from":     from.String(),
		}).Debug("Dropping response without matching transaction")
		return
	}

	req.Resolve(msg, nil)
}

// toAddrPort converts a socket address, unmapping IPv4-in-IPv6 addresses so
// that both forms of the same peer compare equal.
func toAddrPort(addr net.Addr) (netip.AddrPort, bool) {
	udpAddr, ok := addr.(*net.UDPAddr)
	if !ok {
		ap, err := netip.ParseAddrPort(addr.String())
		if err != nil {
			return netip.AddrPort{}, false
		}
		return netip.AddrPortFrom(ap.Addr().Unmap(), ap.Port()), true
	}
	ap := udpAddr.AddrPort()
	return netip.AddrPortFrom(ap.Addr().Unmap(), ap.Port()), true
}
