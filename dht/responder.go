package dht

import (
	"net/netip"
	"slices"

	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/opd-ai/btdht/krpc"
	"github.com/opd-ai/btdht/limits"
	"github.com/opd-ai/btdht/nodeid"
	"github.com/opd-ai/btdht/transport"
)

// Responder answers inbound KRPC queries from other nodes.
type Responder struct {
	self    nodeid.ID
	cfg     Config
	table   *RoutingTable
	tokens  *tokenManager
	peers   *PeerStore
	tr      transport.Transport
	limiter *rate.Limiter
	observe func(NodeInfo)
	metrics *metrics
	log     *logrus.Entry
}

// HandleQuery processes one inbound query and sends the reply. Queries over
// the rate limit are dropped without a reply.
func (r *Responder) HandleQuery(msg *krpc.Msg, from netip.AddrPort) {
	if !r.limiter.Allow() {
		r.metrics.inboundDropped.Inc()
		return
	}

	sender, ok := msg.SenderID()
	if !ok {
		return
	}

	var (
		ret *krpc.Return
		err *krpc.Error
	)
	switch msg.Q {
	case krpc.MethodPing:
		ret = r.handlePing()
	case krpc.MethodFindNode:
		ret, err = r.handleFindNode(msg.A, from)
	case krpc.MethodGetPeers:
		ret, err = r.handleGetPeers(msg.A, from)
	case krpc.MethodAnnouncePeer:
		ret, err = r.handleAnnouncePeer(msg.A, from)
	default:
		r.metrics.inboundQuery("unknown")
		r.reply(from, krpc.NewError(msg.T, krpc.ErrorCodeMethodUnknown, "Method Unknown"))
		return
	}
	r.metrics.inboundQuery(msg.Q)

	if err != nil {
		r.log.WithFields(logrus.Fields{
			"function": "HandleQuery",
			"method":   msg.Q,
			"from":     from.String(),
			"error":    err.Error(),
		}).Debug("Rejecting query")
		r.reply(from, krpc.NewError(msg.T, err.Code, err.Message))
		return
	}

	r.reply(from, krpc.NewResponse(msg.T, ret))
	if sender != r.self {
		r.observe(NodeInfo{ID: sender, Addr: from})
	}
}

func (r *Responder) reply(to netip.AddrPort, msg *krpc.Msg) {
	if err := r.tr.Reply(to, msg); err != nil {
		r.log.WithFields(logrus.Fields{
			"function": "reply",
			"to":       to.String(),
			"error":    err.Error(),
		}).Debug("Failed to send reply")
	}
}

func (r *Responder) handlePing() *krpc.Return {
	return &krpc.Return{ID: r.self.Raw()}
}

// handleFindNode returns the closest nodes we know to the target.
func (r *Responder) handleFindNode(args *krpc.MsgArgs, from netip.AddrPort) (*krpc.Return, *krpc.Error) {
	target, err := nodeid.FromString(args.Target)
	if err != nil {
		return nil, protocolError("invalid target")
	}
	ret := &krpc.Return{ID: r.self.Raw()}
	ret.SetNodes(r.closestFor(target, args.Want, from))
	return ret, nil
}

// handleGetPeers returns stored peers for the info-hash, or the closest
// nodes when none are stored, together with a write token.
func (r *Responder) handleGetPeers(args *krpc.MsgArgs, from netip.AddrPort) (*krpc.Return, *krpc.Error) {
	infoHash, err := nodeid.FromString(args.InfoHash)
	if err != nil {
		return nil, protocolError("invalid info_hash")
	}
	ret := &krpc.Return{
		ID:    r.self.Raw(),
		Token: r.tokens.issue(from.Addr()),
	}
	max := limits.ClampCount(r.cfg.MaxPeerValuesResponse, limits.MaxPeerValuesResponse)
	if peers := r.peers.Get(infoHash, max); len(peers) > 0 {
		ret.Values = krpc.EncodeCompactPeers(peers)
		return ret, nil
	}
	ret.SetNodes(r.closestFor(infoHash, args.Want, from))
	return ret, nil
}

// handleAnnouncePeer stores the requester as a peer for the info-hash once
// its token checks out.
func (r *Responder) handleAnnouncePeer(args *krpc.MsgArgs, from netip.AddrPort) (*krpc.Return, *krpc.Error) {
	infoHash, err := nodeid.FromString(args.InfoHash)
	if err != nil {
		return nil, protocolError("invalid info_hash")
	}
	if !r.tokens.validate(from.Addr(), args.Token) {
		return nil, protocolError("bad token")
	}

	port := args.Port
	if args.ImpliedPort != 0 {
		port = int(from.Port())
	}
	if port <= 0 || port > 65535 {
		return nil, protocolError("invalid port")
	}

	r.peers.Add(infoHash, netip.AddrPortFrom(from.Addr(), uint16(port)))
	return &krpc.Return{ID: r.self.Raw()}, nil
}

// closestFor selects the closest nodes in the address families the
// requester asked for. Without a "want" list the requester's own family is
// served.
func (r *Responder) closestFor(target nodeid.ID, want []string, from netip.AddrPort) []NodeInfo {
	want4 := slices.Contains(want, krpc.WantNodes)
	want6 := slices.Contains(want, krpc.WantNodes6)
	if !want4 && !want6 {
		want4 = from.Addr().Is4()
		want6 = !want4
	}

	perFamily := limits.ClampCount(r.cfg.NodesPerResponse, limits.NodesPerResponse)

	// Over-fetch so that filtering by family still fills the response.
	candidates := r.table.FindClosestNodes(target, perFamily*2)
	out := make([]NodeInfo, 0, perFamily)
	n4, n6 := 0, 0
	for _, n := range candidates {
		switch {
		case n.Addr.Addr().Is4() && want4 && n4 < perFamily:
			n4++
		case n.Addr.Addr().Is6() && want6 && n6 < perFamily:
			n6++
		default:
			continue
		}
		out = append(out, n)
	}
	return out
}

func protocolError(msg string) *krpc.Error {
	return &krpc.Error{Code: krpc.ErrorCodeProtocol, Message: msg}
}
