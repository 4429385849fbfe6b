package dht

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/opd-ai/btdht/krpc"
	"github.com/opd-ai/btdht/nodeid"
	"github.com/opd-ai/btdht/transport"
)

// remoteHandler scripts a node of the mock network. Returning a nil Return
// and nil error makes the node silent; a *krpc.Error is sent as an encoded
// KRPC error message.
type remoteHandler func(msg *krpc.Msg) (*krpc.Return, error)

type sentMsg struct {
	addr netip.AddrPort
	msg  *krpc.Msg
}

// mockTransport implements transport.Transport over an in-memory network of
// scripted nodes. Queries to unknown addresses time out immediately.
type mockTransport struct {
	mu      sync.Mutex
	nodes   map[netip.AddrPort]remoteHandler
	queries []sentMsg
	replies []sentMsg
	handler transport.QueryHandler
	nextTID int
	closed  bool
}

func newMockTransport() *mockTransport {
	return &mockTransport{nodes: make(map[netip.AddrPort]remoteHandler)}
}

func (m *mockTransport) addNode(addr netip.AddrPort, h remoteHandler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nodes[addr] = h
}

func (m *mockTransport) Query(ctx context.Context, addr netip.AddrPort, msg *krpc.Msg) (*transport.Request, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, transport.ErrClosed
	}
	m.nextTID++
	msg.T = fmt.Sprintf("%d", m.nextTID)
	m.queries = append(m.queries, sentMsg{addr: addr, msg: msg})
	h := m.nodes[addr]
	m.mu.Unlock()

	req := transport.NewRequest(addr, msg.Q)
	context.AfterFunc(ctx, req.Cancel)

	go func() {
		if h == nil {
			req.Resolve(nil, transport.ErrTimeout)
			return
		}
		ret, err := h(msg)
		var kerr *krpc.Error
		switch {
		case errors.As(err, &kerr):
			// Error replies go through the wire codec as they would off a socket.
			data, merr := krpc.Marshal(krpc.NewError(msg.T, kerr.Code, kerr.Message))
			if merr != nil {
				req.Resolve(nil, merr)
				return
			}
			req.Resolve(krpc.Unmarshal(data))
		case err != nil:
			req.Resolve(nil, err)
		case ret == nil:
			req.Resolve(nil, transport.ErrTimeout)
		default:
			req.Resolve(krpc.NewResponse(msg.T, ret), nil)
		}
	}()
	return req, nil
}

func (m *mockTransport) Reply(addr netip.AddrPort, msg *krpc.Msg) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.replies = append(m.replies, sentMsg{addr: addr, msg: msg})
	return nil
}

func (m *mockTransport) SetQueryHandler(h transport.QueryHandler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handler = h
}

func (m *mockTransport) LocalAddr() net.Addr {
	return &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 6881}
}

func (m *mockTransport) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

// sent returns the queries sent with method, or all queries for "".
func (m *mockTransport) sent(method string) []sentMsg {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []sentMsg
	for _, q := range m.queries {
		if method == "" || q.msg.Q == method {
			out = append(out, q)
		}
	}
	return out
}

func (m *mockTransport) countSent(method string) int {
	return len(m.sent(method))
}

func (m *mockTransport) lastReply() *krpc.Msg {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.replies) == 0 {
		return nil
	}
	return m.replies[len(m.replies)-1].msg
}

// dhtNode returns a handler behaving like a well-formed DHT node that knows
// the given nodes and peers.
func dhtNode(id nodeid.ID, known []NodeInfo, peers []netip.AddrPort) remoteHandler {
	return func(msg *krpc.Msg) (*krpc.Return, error) {
		ret := &krpc.Return{ID: id.Raw()}
		switch msg.Q {
		case krpc.MethodPing, krpc.MethodAnnouncePeer:
		case krpc.MethodFindNode:
			ret.SetNodes(known)
		case krpc.MethodGetPeers:
			ret.Token = "tok-" + id.String()[:4]
			if len(peers) > 0 {
				ret.Values = krpc.EncodeCompactPeers(peers)
			} else {
				ret.SetNodes(known)
			}
		default:
			return nil, &krpc.Error{Code: krpc.ErrorCodeMethodUnknown, Message: "Method Unknown"}
		}
		return ret, nil
	}
}

// testAddr returns a distinct routable IPv4 endpoint for i.
func testAddr(i int) netip.AddrPort {
	return netip.AddrPortFrom(netip.AddrFrom4([4]byte{10, byte(i >> 16), byte(i >> 8), byte(i)}), 6881)
}

func testNodeInfo(id nodeid.ID, i int) NodeInfo {
	return NodeInfo{ID: id, Addr: testAddr(i)}
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.BootstrapHosts = nil
	cfg.NodeID = nodeid.MustHex("8000000000000000000000000000000000000000")
	return cfg
}

func newTestCoordinator(t *testing.T, cfg Config, tr transport.Transport, opts ...Option) *Coordinator {
	t.Helper()
	c, err := NewCoordinator(cfg, tr, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Stop() })
	return c
}

// recordingListener records peer lookup callbacks.
type recordingListener struct {
	mu       sync.Mutex
	found    [][]netip.AddrPort
	finished []int
	use      int
	done     chan struct{}
	doneOnce sync.Once
}

func newRecordingListener() *recordingListener {
	return &recordingListener{done: make(chan struct{})}
}

func (l *recordingListener) OnFoundPeers(_ nodeid.ID, peers []netip.AddrPort) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.found = append(l.found, peers)
	return l.use
}

func (l *recordingListener) FindingPeersFinished(_ nodeid.ID, count int) {
	l.mu.Lock()
	l.finished = append(l.finished, count)
	l.mu.Unlock()
	l.doneOnce.Do(func() { close(l.done) })
}

func (l *recordingListener) wait(t *testing.T) {
	t.Helper()
	select {
	case <-l.done:
	case <-time.After(2 * time.Second):
		t.Fatal("lookup did not finish")
	}
}

func (l *recordingListener) snapshot() ([][]netip.AddrPort, []int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([][]netip.AddrPort(nil), l.found...), append([]int(nil), l.finished...)
}

func receive[T any](t *testing.T, ch <-chan T) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for result")
	}
	var zero T
	return zero
}

func testPeers(n int) []netip.AddrPort {
	out := make([]netip.AddrPort, n)
	for i := range out {
		out[i] = netip.AddrPortFrom(netip.AddrFrom4([4]byte{192, 0, 2, byte(i + 1)}), uint16(50000+i))
	}
	return out
}
