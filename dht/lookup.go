package dht

import (
	"context"
	"errors"
	"net/netip"
	"sort"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/btdht/krpc"
	"github.com/opd-ai/btdht/limits"
	"github.com/opd-ai/btdht/nodeid"
	"github.com/opd-ai/btdht/transport"
)

// tokenHolder is a node that handed us a write token during get_peers.
type tokenHolder struct {
	node  NodeInfo
	token string
}

// lookup drives one iterative query. Each round sends up to Alpha RPCs and
// waits for their handles to resolve before advancing.
type lookup struct {
	c      *Coordinator
	kind   queryKind
	target nodeid.ID

	responded []NodeInfo
	tokens    map[nodeid.ID]tokenHolder
	peers     []netip.AddrPort
}

func newLookup(c *Coordinator, kind queryKind, target nodeid.ID) *lookup {
	return &lookup{
		c:      c,
		kind:   kind,
		target: target,
		tokens: make(map[nodeid.ID]tokenHolder),
	}
}

func (l *lookup) run(ctx context.Context) outcome {
	log := l.c.log.WithFields(logrus.Fields{
		"function": "lookup.run",
		"kind":     l.kind.String(),
		"target":   l.target.String(),
	})
	l.c.metrics.queryStarted(l.kind)

	result := l.iterate(ctx)
	l.c.metrics.queryFinished(l.kind, result)
	log.WithFields(logrus.Fields{
		"outcome":   result.String(),
		"responded": len(l.responded),
		"peers":     len(l.peers),
	}).Debug("Lookup finished")
	return result
}

func (l *lookup) iterate(ctx context.Context) outcome {
	cfg := l.c.cfg
	seeds := l.c.table.FindClosestNodes(l.target, cfg.BucketSize)
	st := newLookupState(l.c.self, l.target, seeds)
	if len(st.candidates) == 0 {
		return outcomeExhausted
	}

	for st.round < cfg.MaxRounds {
		batch := st.nextBatch(cfg.Alpha)
		if len(batch) == 0 {
			break
		}

		replies := l.queryRound(ctx, batch)
		if ctx.Err() != nil {
			return outcomeCancelled
		}
		if l.kind == kindGetPeers {
			if values, ok := firstValues(replies); ok {
				l.peers = values
				return outcomeSuccess
			}
		}

		var res roundResult
		st, res = advanceRound(st, replies, cfg.MaxCandidates)
		if res.done {
			if l.kind == kindGetPeers && res.outcome == outcomeSuccess {
				// Converged without anyone knowing peers.
				return outcomeExhausted
			}
			return res.outcome
		}
	}

	if len(l.responded) == 0 || l.kind == kindGetPeers {
		return outcomeExhausted
	}
	return outcomeSuccess
}

// queryRound sends one RPC per node and collects the replies. A get_peers
// round returns as soon as one reply carries values; the RPCs still in
// flight are cancelled.
func (l *lookup) queryRound(ctx context.Context, batch []NodeInfo) []rpcReply {
	roundCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	out := make(chan rpcReply, len(batch))
	replies := make([]rpcReply, 0, len(batch))
	pending := 0
	for _, n := range batch {
		req, err := l.c.send(roundCtx, n.Addr, l.kind.method(), l.args())
		if err != nil {
			replies = append(replies, l.handleReply(rpcReply{node: n, err: err}))
			continue
		}
		pending++
		go forwardReply(roundCtx, n, req, out)
	}

	for ; pending > 0; pending-- {
		r := l.handleReply(<-out)
		replies = append(replies, r)
		if l.kind == kindGetPeers && r.err == nil && len(r.values) > 0 {
			break
		}
	}
	return replies
}

// forwardReply waits for a request handle and forwards its result.
func forwardReply(ctx context.Context, n NodeInfo, req *transport.Request, out chan<- rpcReply) {
	select {
	case <-req.Done():
	case <-ctx.Done():
		req.Cancel()
	}
	resp, err := req.Result()
	out <- rpcReply{node: n, resp: resp, err: err}
}

func (l *lookup) args() *krpc.MsgArgs {
	args := &krpc.MsgArgs{}
	if l.kind == kindFindNode {
		args.Target = l.target.Raw()
	} else {
		args.InfoHash = l.target.Raw()
	}
	return args
}

// handleReply decodes a reply and feeds what it learned to the routing table.
func (l *lookup) handleReply(r rpcReply) rpcReply {
	method := l.kind.method()
	if r.err != nil {
		l.c.rpcFailed(method, r.node, r.err)
		return r
	}

	id, ok := r.resp.SenderID()
	if !ok || r.resp.R == nil {
		r.err = krpc.ErrMalformed
		l.c.rpcFailed(method, r.node, r.err)
		return r
	}
	l.c.metrics.rpcDone(method, rpcResultOK)

	r.node = NodeInfo{ID: id, Addr: r.node.Addr}
	l.c.observe(r.node)
	l.responded = append(l.responded, r.node)

	nodes, err := r.resp.R.NodeInfos()
	if err != nil {
		l.c.log.WithFields(logrus.Fields{
			"function": "lookup.handleReply",
			"from":     r.node.String(),
			"error":    err.Error(),
		}).Debug("Ignoring malformed node list")
	}
	for _, n := range nodes {
		l.c.observe(n)
	}
	r.nodes = nodes

	if l.kind != kindFindNode {
		r.values = r.resp.R.Peers()
		r.token = r.resp.R.Token
		if len(r.token) > limits.MaxTokenLength {
			l.c.log.WithFields(logrus.Fields{
				"function": "lookup.handleReply",
				"from":     r.node.String(),
				"length":   len(r.token),
			}).Debug("Ignoring oversized token")
			r.token = ""
		}
		if r.token != "" {
			l.tokens[id] = tokenHolder{node: r.node, token: r.token}
		}
	}
	return r
}

// closest returns the responding nodes closest to the target.
func (l *lookup) closest(n int) []NodeInfo {
	seen := make(map[nodeid.ID]struct{}, len(l.responded))
	out := make([]NodeInfo, 0, len(l.responded))
	for _, node := range l.responded {
		if _, dup := seen[node.ID]; dup {
			continue
		}
		seen[node.ID] = struct{}{}
		out = append(out, node)
	}
	sortByDistance(out, l.target)
	if len(out) > n {
		out = out[:n]
	}
	return out
}

// tokenHolders returns up to n token holders closest to the target.
func (l *lookup) tokenHolders(n int) []tokenHolder {
	holders := make([]tokenHolder, 0, len(l.tokens))
	for _, h := range l.tokens {
		holders = append(holders, h)
	}
	sort.Slice(holders, func(i, j int) bool {
		return nodeid.CloserThan(holders[i].node.ID, holders[j].node.ID, l.target)
	})
	if len(holders) > n {
		holders = holders[:n]
	}
	return holders
}

func isRemoteError(err error) bool {
	var kerr *krpc.Error
	return errors.As(err, &kerr)
}
