package dht

import (
	"context"
	"net"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/btdht/krpc"
	"github.com/opd-ai/btdht/nodeid"
)

// announce walks towards infoHash collecting write tokens, then announces
// port to the closest token holders. A zero port asks the receivers to use
// the source port of the announce. It returns the number of acknowledged
// announces.
func (c *Coordinator) announce(ctx context.Context, infoHash nodeid.ID, port int) int {
	l := newLookup(c, kindAnnounce, infoHash)
	if l.run(ctx) == outcomeCancelled {
		return 0
	}

	holders := l.tokenHolders(c.cfg.BucketSize)
	if len(holders) == 0 {
		return 0
	}

	implied := 0
	if port == 0 {
		implied = 1
		port = c.localPort()
	}

	var (
		wg    sync.WaitGroup
		acked atomic.Int32
	)
	for _, h := range holders {
		wg.Add(1)
		go func(h tokenHolder) {
			defer wg.Done()
			args := &krpc.MsgArgs{
				InfoHash:    infoHash.Raw(),
				Port:        port,
				Token:       h.token,
				ImpliedPort: implied,
			}
			req, err := c.send(ctx, h.node.Addr, krpc.MethodAnnouncePeer, args)
			if err != nil {
				c.rpcFailed(krpc.MethodAnnouncePeer, h.node, err)
				return
			}
			if _, err := req.Wait(ctx); err != nil {
				c.rpcFailed(krpc.MethodAnnouncePeer, h.node, err)
				return
			}
			c.metrics.rpcDone(krpc.MethodAnnouncePeer, rpcResultOK)
			acked.Add(1)
		}(h)
	}
	wg.Wait()

	c.log.WithFields(logrus.Fields{
		"function":  "announce",
		"info_hash": infoHash.String(),
		"holders":   len(holders),
		"acked":     acked.Load(),
	}).Debug("Announce finished")
	return int(acked.Load())
}

func (c *Coordinator) localPort() int {
	if addr, ok := c.tr.LocalAddr().(*net.UDPAddr); ok {
		return addr.Port
	}
	return 0
}
