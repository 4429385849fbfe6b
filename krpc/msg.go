package krpc

import (
	"errors"
	"fmt"
	"net/netip"

	"github.com/anacrolix/torrent/bencode"

	"github.com/opd-ai/btdht/limits"
	"github.com/opd-ai/btdht/nodeid"
)

// Message type discriminators carried in "y".
const (
	TypeQuery    = "q"
	TypeResponse = "r"
	TypeError    = "e"
)

// Query methods carried in "q".
const (
	MethodPing         = "ping"
	MethodFindNode     = "find_node"
	MethodGetPeers     = "get_peers"
	MethodAnnouncePeer = "announce_peer"
)

// Address families requested through the "want" argument (BEP 32).
const (
	WantNodes  = "n4"
	WantNodes6 = "n6"
)

// ClientVersion is sent in the "v" key of every outbound message.
const ClientVersion = "BD01"

var (
	// ErrMalformed indicates a datagram that is not a valid KRPC message.
	ErrMalformed = errors.New("malformed krpc message")
)

// Msg is a single KRPC message.
type Msg struct {
	Q string   `bencode:"q,omitempty"`
	A *MsgArgs `bencode:"a,omitempty"`
	T string   `bencode:"t"`
	Y string   `bencode:"y"`
	R *Return  `bencode:"r,omitempty"`
	E *Error   `bencode:"e,omitempty"`
	V string   `bencode:"v,omitempty"`
}

// MsgArgs holds the arguments of a query.
type MsgArgs struct {
	ID          string   `bencode:"id"`
	Target      string   `bencode:"target,omitempty"`
	InfoHash    string   `bencode:"info_hash,omitempty"`
	Port        int      `bencode:"port,omitempty"`
	Token       string   `bencode:"token,omitempty"`
	ImpliedPort int      `bencode:"implied_port,omitempty"`
	Want        []string `bencode:"want,omitempty"`
}

// Return holds the values of a response.
type Return struct {
	ID     string   `bencode:"id"`
	Nodes  string   `bencode:"nodes,omitempty"`
	Nodes6 string   `bencode:"nodes6,omitempty"`
	Values []string `bencode:"values,omitempty"`
	Token  string   `bencode:"token,omitempty"`
}

// NewQuery builds a query message. The transaction id is assigned by the
// transport when the query is sent.
func NewQuery(method string, args *MsgArgs) *Msg {
	return &Msg{
		Y: TypeQuery,
		Q: method,
		A: args,
		V: ClientVersion,
	}
}

// NewResponse builds a response to the query with transaction id t.
func NewResponse(t string, ret *Return) *Msg {
	return &Msg{
		T: t,
		Y: TypeResponse,
		R: ret,
		V: ClientVersion,
	}
}

// NewError builds an error reply to the query with transaction id t.
func NewError(t string, code int, message string) *Msg {
	return &Msg{
		T: t,
		Y: TypeError,
		E: &Error{Code: code, Message: message},
		V: ClientVersion,
	}
}

// Marshal encodes a message into a datagram.
func Marshal(m *Msg) ([]byte, error) {
	data, err := bencode.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encoding krpc message: %w", err)
	}
	if err := limits.ValidateDatagram(data); err != nil {
		return nil, err
	}
	return data, nil
}

// Unmarshal decodes a datagram and checks the fields every message type
// requires. It never panics on hostile input.
func Unmarshal(data []byte) (*Msg, error) {
	if err := limits.ValidateDatagram(data); err != nil {
		return nil, err
	}

	var m Msg
	if err := bencode.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if err := m.validate(); err != nil {
		return nil, err
	}
	return &m, nil
}

func (m *Msg) validate() error {
	if m.T == "" || len(m.T) > limits.MaxTransactionID {
		return fmt.Errorf("%w: bad transaction id length %d", ErrMalformed, len(m.T))
	}

	switch m.Y {
	case TypeQuery:
		if m.Q == "" || m.A == nil {
			return fmt.Errorf("%w: query without method or arguments", ErrMalformed)
		}
		if len(m.A.ID) != nodeid.Size {
			return fmt.Errorf("%w: query sender id has %d bytes", ErrMalformed, len(m.A.ID))
		}
	case TypeResponse:
		if m.R == nil || len(m.R.ID) != nodeid.Size {
			return fmt.Errorf("%w: response without valid id", ErrMalformed)
		}
	case TypeError:
		if m.E == nil {
			return fmt.Errorf("%w: error message without error value", ErrMalformed)
		}
	default:
		return fmt.Errorf("%w: unknown message type %q", ErrMalformed, m.Y)
	}
	return nil
}

// SenderID returns the id of the node that sent the message, taken from the
// query arguments or the response values.
func (m *Msg) SenderID() (nodeid.ID, bool) {
	var raw string
	switch {
	case m.A != nil:
		raw = m.A.ID
	case m.R != nil:
		raw = m.R.ID
	default:
		return nodeid.ID{}, false
	}
	id, err := nodeid.FromString(raw)
	if err != nil {
		return nodeid.ID{}, false
	}
	return id, true
}

// IsResponse reports whether the message answers an earlier query.
func (m *Msg) IsResponse() bool {
	return m.Y == TypeResponse || m.Y == TypeError
}

// NodeInfos decodes the IPv4 and IPv6 node lists of a response. Malformed lists
// are reported; a response may legitimately carry no nodes at all.
func (r *Return) NodeInfos() ([]NodeInfo, error) {
	nodes, err := DecodeCompactNodes(r.Nodes, false)
	if err != nil {
		return nil, err
	}
	nodes6, err := DecodeCompactNodes(r.Nodes6, true)
	if err != nil {
		return nil, err
	}
	return append(nodes, nodes6...), nil
}

// Peers decodes the peer values of a get_peers response, skipping entries
// that are not valid compact addresses.
func (r *Return) Peers() []netip.AddrPort {
	peers := make([]netip.AddrPort, 0, len(r.Values))
	for _, v := range r.Values {
		addr, err := DecodeCompactPeer(v)
		if err != nil {
			continue
		}
		peers = append(peers, addr)
	}
	return peers
}

// SetNodes encodes nodes into the family specific lists of the response.
func (r *Return) SetNodes(nodes []NodeInfo) {
	r.Nodes, r.Nodes6 = EncodeCompactNodes(nodes)
}
