package dht

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/opd-ai/btdht/krpc"
	"github.com/opd-ai/btdht/nodeid"
)

// pingNodes pings every node concurrently, without retries, and returns how
// many answered. Answers refresh the routing table; failures count against
// nodes already in it.
func (c *Coordinator) pingNodes(ctx context.Context, nodes []NodeInfo) int {
	var (
		wg       sync.WaitGroup
		answered atomic.Int32
	)
	for _, n := range nodes {
		wg.Add(1)
		go func(n NodeInfo) {
			defer wg.Done()
			if c.ping(ctx, n) {
				answered.Add(1)
			}
		}(n)
	}
	wg.Wait()
	return int(answered.Load())
}

// ping sends one ping. The id of n may be zero when only the address is
// known, as for bootstrap routers.
func (c *Coordinator) ping(ctx context.Context, n NodeInfo) bool {
	_, ok := c.pingID(ctx, n)
	return ok
}

// pingID is ping returning the id the node answered with.
func (c *Coordinator) pingID(ctx context.Context, n NodeInfo) (nodeid.ID, bool) {
	req, err := c.send(ctx, n.Addr, krpc.MethodPing, &krpc.MsgArgs{})
	if err != nil {
		c.rpcFailed(krpc.MethodPing, n, err)
		return nodeid.ID{}, false
	}
	resp, err := req.Wait(ctx)
	if err != nil {
		c.rpcFailed(krpc.MethodPing, n, err)
		return nodeid.ID{}, false
	}
	id, ok := resp.SenderID()
	if !ok {
		c.rpcFailed(krpc.MethodPing, n, krpc.ErrMalformed)
		return nodeid.ID{}, false
	}

	c.metrics.rpcDone(krpc.MethodPing, rpcResultOK)
	c.observe(NodeInfo{ID: id, Addr: n.Addr})
	return id, true
}
