package dht

import (
	"context"
	"net/netip"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opd-ai/btdht/krpc"
	"github.com/opd-ai/btdht/limits"
	"github.com/opd-ai/btdht/nodeid"
)

// blockingNode wraps h so that it answers only after release is closed.
func blockingNode(t *testing.T, h remoteHandler) (remoteHandler, func()) {
	release := make(chan struct{})
	var once sync.Once
	unblock := func() { once.Do(func() { close(release) }) }
	t.Cleanup(unblock)
	return func(msg *krpc.Msg) (*krpc.Return, error) {
		<-release
		return h(msg)
	}, unblock
}

func TestNewCoordinator(t *testing.T) {
	t.Run("RequiresTransport", func(t *testing.T) {
		_, err := NewCoordinator(testConfig(), nil)
		assert.ErrorIs(t, err, ErrNilTransport)
	})

	t.Run("RejectsInvalidConfig", func(t *testing.T) {
		cfg := testConfig()
		cfg.BucketSize = 0
		_, err := NewCoordinator(cfg, newMockTransport())
		assert.Error(t, err)
	})

	t.Run("GeneratesNodeID", func(t *testing.T) {
		cfg := testConfig()
		cfg.NodeID = nodeid.ID{}
		c := newTestCoordinator(t, cfg, newMockTransport())
		assert.False(t, c.ID().IsZero())
		assert.Equal(t, c.ID(), c.Table().Self())
	})

	t.Run("DuplicateMetricsRegistration", func(t *testing.T) {
		reg := prometheus.NewRegistry()
		newTestCoordinator(t, testConfig(), newMockTransport(), WithRegisterer(reg))
		_, err := NewCoordinator(testConfig(), newMockTransport(), WithRegisterer(reg))
		assert.Error(t, err)
	})
}

func TestFindPeers(t *testing.T) {
	t.Run("ReportsFoundPeers", func(t *testing.T) {
		tr := newMockTransport()
		c := newTestCoordinator(t, testConfig(), tr)
		n := testNodeInfo(nodeid.Random(), 1)
		tr.addNode(n.Addr, dhtNode(n.ID, nil, testPeers(3)))
		c.Table().CheckNode(n)

		hash := nodeid.Random()
		l := newRecordingListener()
		c.FindPeers(hash, l)
		l.wait(t)

		found, finished := l.snapshot()
		require.Len(t, found, 1)
		assert.Equal(t, testPeers(3), found[0])
		assert.Equal(t, []int{3}, finished)
		assert.False(t, c.IsFindingPeers(hash))

		sent := tr.sent(krpc.MethodGetPeers)
		require.Len(t, sent, 1)
		assert.Equal(t, hash.Raw(), sent[0].msg.A.InfoHash)
	})

	t.Run("ListenerCountReplacesPeerCount", func(t *testing.T) {
		tr := newMockTransport()
		c := newTestCoordinator(t, testConfig(), tr)
		n := testNodeInfo(nodeid.Random(), 1)
		tr.addNode(n.Addr, dhtNode(n.ID, nil, testPeers(3)))
		c.Table().CheckNode(n)

		l := newRecordingListener()
		l.use = 1
		c.FindPeers(nodeid.Random(), l)
		l.wait(t)

		_, finished := l.snapshot()
		assert.Equal(t, []int{1}, finished)
	})

	t.Run("EmptyTableFinishesWithZero", func(t *testing.T) {
		tr := newMockTransport()
		c := newTestCoordinator(t, testConfig(), tr)

		l := newRecordingListener()
		c.FindPeers(nodeid.Random(), l)
		l.wait(t)

		found, finished := l.snapshot()
		assert.Empty(t, found)
		assert.Equal(t, []int{0}, finished)
		assert.Zero(t, tr.countSent(""))
	})

	t.Run("NoPeersFinishesWithZero", func(t *testing.T) {
		tr := newMockTransport()
		c := newTestCoordinator(t, testConfig(), tr)
		n := testNodeInfo(nodeid.Random(), 1)
		tr.addNode(n.Addr, dhtNode(n.ID, nil, nil))
		c.Table().CheckNode(n)

		l := newRecordingListener()
		c.FindPeers(nodeid.Random(), l)
		l.wait(t)

		found, finished := l.snapshot()
		assert.Empty(t, found)
		assert.Equal(t, []int{0}, finished)
	})

	t.Run("SecondCallJoinsRunningLookup", func(t *testing.T) {
		tr := newMockTransport()
		c := newTestCoordinator(t, testConfig(), tr)
		n := testNodeInfo(nodeid.Random(), 1)
		h, release := blockingNode(t, dhtNode(n.ID, nil, testPeers(2)))
		tr.addNode(n.Addr, h)
		c.Table().CheckNode(n)

		hash := nodeid.Random()
		l1, l2 := newRecordingListener(), newRecordingListener()
		c.FindPeers(hash, l1)
		c.FindPeers(hash, l2)
		c.FindPeers(hash, l2)
		require.Eventually(t, func() bool {
			return tr.countSent(krpc.MethodGetPeers) == 1
		}, time.Second, 5*time.Millisecond)
		assert.True(t, c.IsFindingPeers(hash))

		release()
		l1.wait(t)
		l2.wait(t)

		_, finished1 := l1.snapshot()
		_, finished2 := l2.snapshot()
		assert.Equal(t, []int{2}, finished1)
		assert.Equal(t, []int{2}, finished2)
		assert.Equal(t, 1, tr.countSent(krpc.MethodGetPeers))
	})

	t.Run("RemovedListenerIsNotCalled", func(t *testing.T) {
		tr := newMockTransport()
		c := newTestCoordinator(t, testConfig(), tr)
		n := testNodeInfo(nodeid.Random(), 1)
		h, release := blockingNode(t, dhtNode(n.ID, nil, testPeers(2)))
		tr.addNode(n.Addr, h)
		c.Table().CheckNode(n)

		hash := nodeid.Random()
		removed, kept := newRecordingListener(), newRecordingListener()
		c.FindPeers(hash, removed)
		c.FindPeers(hash, kept)
		c.RemoveListener(removed)

		release()
		kept.wait(t)
		found, finished := removed.snapshot()
		assert.Empty(t, found)
		assert.Empty(t, finished)
	})
}

// stoppingListener cancels the lookup from inside its first callback.
type stoppingListener struct {
	c     *Coordinator
	calls atomic.Int32
}

func (s *stoppingListener) OnFoundPeers(infoHash nodeid.ID, _ []netip.AddrPort) int {
	s.calls.Add(1)
	s.c.StopFindingPeers(infoHash)
	return 0
}

func (s *stoppingListener) FindingPeersFinished(nodeid.ID, int) {}

func TestStopFindingPeersDuringDelivery(t *testing.T) {
	tr := newMockTransport()
	c := newTestCoordinator(t, testConfig(), tr)
	n := testNodeInfo(nodeid.Random(), 1)
	h, release := blockingNode(t, dhtNode(n.ID, nil, testPeers(2)))
	tr.addNode(n.Addr, h)
	c.Table().CheckNode(n)

	hash := nodeid.Random()
	stopper := &stoppingListener{c: c}
	later := newRecordingListener()
	c.FindPeers(hash, stopper)
	c.FindPeers(hash, later)
	release()

	require.Eventually(t, func() bool {
		return stopper.calls.Load() == 1
	}, time.Second, 5*time.Millisecond)
	require.NoError(t, c.Stop())

	found, finished := later.snapshot()
	assert.Empty(t, found, "listeners after the cancellation are not called")
	assert.Empty(t, finished)
	assert.False(t, c.IsFindingPeers(hash))
}

func TestStopFindingPeersSilencesListeners(t *testing.T) {
	tr := newMockTransport()
	c := newTestCoordinator(t, testConfig(), tr)
	n := testNodeInfo(nodeid.Random(), 1)
	h, release := blockingNode(t, dhtNode(n.ID, nil, testPeers(2)))
	tr.addNode(n.Addr, h)
	c.Table().CheckNode(n)

	hash := nodeid.Random()
	l := newRecordingListener()
	c.FindPeers(hash, l)
	require.Eventually(t, func() bool {
		return tr.countSent(krpc.MethodGetPeers) == 1
	}, time.Second, 5*time.Millisecond)

	c.StopFindingPeers(hash)
	assert.False(t, c.IsFindingPeers(hash))
	release()

	// Stop waits for the lookup goroutine to return.
	require.NoError(t, c.Stop())
	found, finished := l.snapshot()
	assert.Empty(t, found)
	assert.Empty(t, finished)
}

func TestStopCancelsRunningLookups(t *testing.T) {
	tr := newMockTransport()
	c := newTestCoordinator(t, testConfig(), tr)
	n := testNodeInfo(nodeid.Random(), 1)
	h, _ := blockingNode(t, dhtNode(n.ID, nil, testPeers(2)))
	tr.addNode(n.Addr, h)
	c.Table().CheckNode(n)

	l := newRecordingListener()
	c.FindPeers(nodeid.Random(), l)
	nodes := c.FindNode(nodeid.Random())
	require.Eventually(t, func() bool {
		return tr.countSent("") == 2
	}, time.Second, 5*time.Millisecond)

	stopped := make(chan error, 1)
	go func() { stopped <- c.Stop() }()
	assert.NoError(t, receive(t, stopped))

	assert.Empty(t, receive(t, nodes))
	_, finished := l.snapshot()
	assert.Empty(t, finished)

	// Nothing new starts once stopped.
	c.FindPeers(nodeid.Random(), l)
	_, ok := <-c.PingNode(testAddr(9))
	assert.False(t, ok)
	assert.False(t, receive(t, c.PingNode(testAddr(9))))
}

func TestPingNode(t *testing.T) {
	t.Run("SilentAddressIsNotAdded", func(t *testing.T) {
		tr := newMockTransport()
		c := newTestCoordinator(t, testConfig(), tr)

		assert.False(t, receive(t, c.PingNode(testAddr(1))))
		assert.Zero(t, c.Table().Len())
	})

	t.Run("ResponderIsAdded", func(t *testing.T) {
		tr := newMockTransport()
		c := newTestCoordinator(t, testConfig(), tr)
		n := testNodeInfo(nodeid.Random(), 1)
		tr.addNode(n.Addr, dhtNode(n.ID, nil, nil))

		assert.True(t, receive(t, c.PingNode(n.Addr)))
		assert.True(t, c.Table().Contains(n.ID))
	})

	t.Run("RemoteErrorDoesNotCountAsFailure", func(t *testing.T) {
		tr := newMockTransport()
		c := newTestCoordinator(t, testConfig(), tr)
		n := testNodeInfo(nodeid.Random(), 1)
		tr.addNode(n.Addr, func(*krpc.Msg) (*krpc.Return, error) {
			return nil, &krpc.Error{Code: krpc.ErrorCodeServer, Message: "busy"}
		})
		c.Table().CheckNode(n)

		for i := 0; i < 5; i++ {
			assert.False(t, c.ping(context.Background(), n))
		}
		assert.True(t, c.Table().Contains(n.ID))
	})

	t.Run("SilentTableNodeIsDropped", func(t *testing.T) {
		cfg := testConfig()
		tr := newMockTransport()
		c := newTestCoordinator(t, cfg, tr)
		n := testNodeInfo(nodeid.Random(), 1)
		c.Table().CheckNode(n)

		answered := c.pingNodes(context.Background(), []NodeInfo{n})
		assert.Zero(t, answered)
		for i := 1; i < cfg.MaxFailures; i++ {
			c.pingNodes(context.Background(), []NodeInfo{n})
		}
		assert.False(t, c.Table().Contains(n.ID))
	})
}

func TestObserveChecksLeastRecentlySeenNode(t *testing.T) {
	cfg := testConfig()
	cfg.BucketSize = 1
	cfg.ReplacementCacheSize = 1

	t.Run("SilentNodeIsReplaced", func(t *testing.T) {
		tr := newMockTransport()
		c := newTestCoordinator(t, cfg, tr)
		old := testNodeInfo(nodeid.RandomWithPrefix(cfg.NodeID, 0), 1)
		newcomer := testNodeInfo(nodeid.RandomWithPrefix(cfg.NodeID, 0), 2)
		c.Table().CheckNode(old)

		c.observe(newcomer)
		require.Eventually(t, func() bool {
			return c.Table().Contains(newcomer.ID)
		}, time.Second, 5*time.Millisecond)
		assert.False(t, c.Table().Contains(old.ID))
		assert.Equal(t, 1, tr.countSent(krpc.MethodPing))
	})

	t.Run("RemoteErrorConcludesCheck", func(t *testing.T) {
		tr := newMockTransport()
		c := newTestCoordinator(t, cfg, tr)
		old := testNodeInfo(nodeid.RandomWithPrefix(cfg.NodeID, 0), 1)
		first := testNodeInfo(nodeid.RandomWithPrefix(cfg.NodeID, 0), 2)
		second := testNodeInfo(nodeid.RandomWithPrefix(cfg.NodeID, 0), 3)

		// The old node answers its first check with an error, then goes silent.
		var pinged atomic.Int32
		tr.addNode(old.Addr, func(*krpc.Msg) (*krpc.Return, error) {
			if pinged.Add(1) == 1 {
				return nil, &krpc.Error{Code: krpc.ErrorCodeServer, Message: "busy"}
			}
			return nil, nil
		})
		c.Table().CheckNode(old)

		c.observe(first)
		require.Eventually(t, func() bool {
			return tr.countSent(krpc.MethodPing) == 1
		}, time.Second, 5*time.Millisecond)
		require.Eventually(t, func() bool {
			active, _ := c.Table().Bucket(0)
			return len(active) == 1 && active[0] == old
		}, time.Second, 5*time.Millisecond)

		// A new check is handed out and the silent node is replaced.
		require.Eventually(t, func() bool {
			c.observe(second)
			return tr.countSent(krpc.MethodPing) >= 2
		}, time.Second, 5*time.Millisecond)
		require.Eventually(t, func() bool {
			return c.Table().Contains(second.ID)
		}, time.Second, 5*time.Millisecond)
		assert.False(t, c.Table().Contains(old.ID))
	})

	t.Run("ChangedIDReplacesOldNode", func(t *testing.T) {
		tr := newMockTransport()
		c := newTestCoordinator(t, cfg, tr)
		old := testNodeInfo(nodeid.RandomWithPrefix(cfg.NodeID, 0), 1)
		newcomer := testNodeInfo(nodeid.RandomWithPrefix(cfg.NodeID, 0), 2)
		successor := nodeid.RandomWithPrefix(cfg.NodeID, 5)
		tr.addNode(old.Addr, dhtNode(successor, nil, nil))
		c.Table().CheckNode(old)

		c.observe(newcomer)
		require.Eventually(t, func() bool {
			return c.Table().Contains(newcomer.ID)
		}, time.Second, 5*time.Millisecond)
		assert.False(t, c.Table().Contains(old.ID))
		assert.True(t, c.Table().Contains(successor), "the node now at the address is kept")
	})

	t.Run("LiveNodeStays", func(t *testing.T) {
		tr := newMockTransport()
		c := newTestCoordinator(t, cfg, tr)
		old := testNodeInfo(nodeid.RandomWithPrefix(cfg.NodeID, 0), 1)
		newcomer := testNodeInfo(nodeid.RandomWithPrefix(cfg.NodeID, 0), 2)
		tr.addNode(old.Addr, dhtNode(old.ID, nil, nil))
		c.Table().CheckNode(old)

		c.observe(newcomer)
		require.Eventually(t, func() bool {
			return tr.countSent(krpc.MethodPing) == 1
		}, time.Second, 5*time.Millisecond)
		require.NoError(t, c.Stop())

		assert.True(t, c.Table().Contains(old.ID))
		_, cached := c.Table().Bucket(0)
		assert.Equal(t, []NodeInfo{newcomer}, cached)
	})
}

func TestFindNode(t *testing.T) {
	t.Run("WalksTowardsTarget", func(t *testing.T) {
		tr := newMockTransport()
		c := newTestCoordinator(t, testConfig(), tr)
		target := nodeid.Random()

		chain := []NodeInfo{
			testNodeInfo(nodeid.RandomWithPrefix(target, 4), 1),
			testNodeInfo(nodeid.RandomWithPrefix(target, 8), 2),
			testNodeInfo(nodeid.RandomWithPrefix(target, 12), 3),
			testNodeInfo(nodeid.RandomWithPrefix(target, 16), 4),
		}
		for i, n := range chain {
			var next []NodeInfo
			if i+1 < len(chain) {
				next = []NodeInfo{chain[i+1], chain[0]}
			}
			tr.addNode(n.Addr, dhtNode(n.ID, next, nil))
		}
		c.Table().CheckNode(chain[0])

		result := receive(t, c.FindNode(target))
		require.Len(t, result, len(chain))
		assert.Equal(t, chain[3], result[0])
		assert.Equal(t, chain[0], result[3])
		for _, n := range chain {
			assert.True(t, c.Table().Contains(n.ID))
		}

		sent := tr.sent(krpc.MethodFindNode)
		assert.Len(t, sent, len(chain))
		for _, q := range sent {
			assert.Equal(t, target.Raw(), q.msg.A.Target)
			assert.Equal(t, c.ID().Raw(), q.msg.A.ID)
		}
	})

	t.Run("EmptyTable", func(t *testing.T) {
		tr := newMockTransport()
		c := newTestCoordinator(t, testConfig(), tr)
		assert.Empty(t, receive(t, c.FindNode(nodeid.Random())))
		assert.Zero(t, tr.countSent(""))
	})

	t.Run("AllSilent", func(t *testing.T) {
		tr := newMockTransport()
		c := newTestCoordinator(t, testConfig(), tr)
		c.Table().CheckNode(testNodeInfo(nodeid.Random(), 1))
		c.Table().CheckNode(testNodeInfo(nodeid.Random(), 2))

		assert.Empty(t, receive(t, c.FindNode(nodeid.Random())))
		assert.Equal(t, 2, tr.countSent(krpc.MethodFindNode))
	})
}

func TestAnnounce(t *testing.T) {
	newAnnounceNode := func(t *testing.T) (*Coordinator, *mockTransport, NodeInfo, func() *krpc.MsgArgs) {
		tr := newMockTransport()
		c := newTestCoordinator(t, testConfig(), tr)
		n := testNodeInfo(nodeid.Random(), 1)

		var (
			mu   sync.Mutex
			args *krpc.MsgArgs
		)
		base := dhtNode(n.ID, nil, nil)
		tr.addNode(n.Addr, func(msg *krpc.Msg) (*krpc.Return, error) {
			if msg.Q == krpc.MethodAnnouncePeer {
				mu.Lock()
				args = msg.A
				mu.Unlock()
			}
			return base(msg)
		})
		c.Table().CheckNode(n)
		return c, tr, n, func() *krpc.MsgArgs {
			mu.Lock()
			defer mu.Unlock()
			return args
		}
	}

	t.Run("ExplicitPort", func(t *testing.T) {
		c, _, n, announced := newAnnounceNode(t)
		hash := nodeid.Random()

		assert.Equal(t, 1, receive(t, c.Announce(hash, 6882)))
		args := announced()
		require.NotNil(t, args)
		assert.Equal(t, hash.Raw(), args.InfoHash)
		assert.Equal(t, "tok-"+n.ID.String()[:4], args.Token)
		assert.Equal(t, 6882, args.Port)
		assert.Zero(t, args.ImpliedPort)
	})

	t.Run("ImpliedPort", func(t *testing.T) {
		c, _, _, announced := newAnnounceNode(t)

		assert.Equal(t, 1, receive(t, c.Announce(nodeid.Random(), 0)))
		args := announced()
		require.NotNil(t, args)
		assert.Equal(t, 1, args.ImpliedPort)
		assert.Equal(t, 6881, args.Port)
	})

	t.Run("OversizedTokenIgnored", func(t *testing.T) {
		c, tr, _, announced := newAnnounceNode(t)
		greedy := testNodeInfo(nodeid.Random(), 2)
		base := dhtNode(greedy.ID, nil, nil)
		tr.addNode(greedy.Addr, func(msg *krpc.Msg) (*krpc.Return, error) {
			ret, err := base(msg)
			if msg.Q == krpc.MethodGetPeers && ret != nil {
				ret.Token = strings.Repeat("x", limits.MaxTokenLength+1)
			}
			return ret, err
		})
		c.Table().CheckNode(greedy)

		assert.Equal(t, 1, receive(t, c.Announce(nodeid.Random(), 6882)))
		require.NotNil(t, announced())
		assert.Equal(t, 1, tr.countSent(krpc.MethodAnnouncePeer))
	})

	t.Run("NoTokenHolders", func(t *testing.T) {
		tr := newMockTransport()
		c := newTestCoordinator(t, testConfig(), tr)
		c.Table().CheckNode(testNodeInfo(nodeid.Random(), 1))

		assert.Zero(t, receive(t, c.Announce(nodeid.Random(), 6882)))
		assert.Zero(t, tr.countSent(krpc.MethodAnnouncePeer))
	})
}

func TestStartBootstrapsEmptyTable(t *testing.T) {
	cfg := testConfig()
	cfg.BootstrapHosts = []string{"router.test:6881", "missing.test:6881"}

	tr := newMockTransport()
	router := NodeInfo{ID: nodeid.Random(), Addr: testAddr(1)}
	var known []NodeInfo
	for i := 2; i <= 4; i++ {
		n := testNodeInfo(nodeid.RandomWithPrefix(cfg.NodeID, i), i)
		known = append(known, n)
		tr.addNode(n.Addr, dhtNode(n.ID, nil, nil))
	}
	tr.addNode(router.Addr, dhtNode(router.ID, known, nil))

	resolver := fakeResolver{"router.test": {router.Addr.Addr()}}
	c := newTestCoordinator(t, cfg, tr, WithResolver(resolver))
	require.NoError(t, c.Start(context.Background()))
	assert.ErrorIs(t, c.Start(context.Background()), ErrAlreadyStarted)

	require.Eventually(t, func() bool {
		return c.Table().Contains(router.ID) && tr.countSent(krpc.MethodFindNode) > 0
	}, 2*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool {
		return c.Table().Len() == 1+len(known)
	}, 2*time.Second, 10*time.Millisecond)

	pings := tr.sent(krpc.MethodPing)
	require.NotEmpty(t, pings)
	assert.Equal(t, router.Addr, pings[0].addr)
}

func TestCoordinatorStatePersistence(t *testing.T) {
	path := filepath.Join(t.TempDir(), "dht.state")
	cfg := testConfig()
	cfg.StatePath = path
	cfg.MinTableNodes = 0

	first := newTestCoordinator(t, cfg, newMockTransport())
	require.NoError(t, first.Start(context.Background()))
	for i := 1; i <= 10; i++ {
		first.Table().CheckNode(testNodeInfo(nodeid.RandomWithPrefix(cfg.NodeID, i), i))
	}
	require.NoError(t, first.Stop())
	require.NoError(t, first.Stop())

	second := newTestCoordinator(t, cfg, newMockTransport())
	require.NoError(t, second.Start(context.Background()))
	assert.Equal(t, 10, second.Table().Len())

	t.Run("StopWithoutStartKeepsState", func(t *testing.T) {
		unstarted := newTestCoordinator(t, cfg, newMockTransport())
		require.NoError(t, unstarted.Stop())

		data, err := os.ReadFile(path)
		require.NoError(t, err)
		fresh := newTestCoordinator(t, testConfig(), newMockTransport())
		assert.Equal(t, 10, fresh.Load(data))
	})

	t.Run("CorruptStateStartsEmpty", func(t *testing.T) {
		require.NoError(t, os.WriteFile(path, []byte("garbage"), 0o600))
		third := newTestCoordinator(t, cfg, newMockTransport())
		require.NoError(t, third.Start(context.Background()))
		assert.Zero(t, third.Table().Len())
	})

	t.Run("SaveLoadBytes", func(t *testing.T) {
		data, err := second.Save()
		require.NoError(t, err)
		fresh := newTestCoordinator(t, testConfig(), newMockTransport())
		assert.Equal(t, 10, fresh.Load(data))
	})
}

func TestRefreshTimer(t *testing.T) {
	mock := clock.NewMock()
	cfg := testConfig()
	cfg.StaleThreshold = time.Minute
	cfg.RefreshJitter = 0
	cfg.MinTableNodes = 0

	tr := newMockTransport()
	c := newTestCoordinator(t, cfg, tr, WithClock(mock))
	for i := 1; i <= 3; i++ {
		n := testNodeInfo(nodeid.RandomWithPrefix(cfg.NodeID, i), i)
		tr.addNode(n.Addr, dhtNode(n.ID, nil, nil))
		c.Table().CheckNode(n)
	}
	require.NoError(t, c.Start(context.Background()))
	assert.Zero(t, tr.countSent(krpc.MethodPing), "fresh buckets are not refreshed")

	mock.Add(cfg.RefreshInterval)
	require.Eventually(t, func() bool {
		return c.maint.Ticks() == 1 && tr.countSent(krpc.MethodPing) == 3
	}, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, c.Stop())
	mock.Add(3 * cfg.RefreshInterval)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 1, c.maint.Ticks())
}

func TestCoordinatorMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	tr := newMockTransport()
	c := newTestCoordinator(t, testConfig(), tr, WithRegisterer(reg))
	n := testNodeInfo(nodeid.Random(), 1)
	tr.addNode(n.Addr, dhtNode(n.ID, nil, nil))
	c.Table().CheckNode(n)
	c.Table().CheckNode(testNodeInfo(nodeid.Random(), 2))

	receive(t, c.FindNode(nodeid.Random()))

	assert.Equal(t, 1.0, testutil.ToFloat64(c.metrics.queriesStarted.WithLabelValues("find_node")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.metrics.queriesFinished.WithLabelValues("find_node", "success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.metrics.rpcs.WithLabelValues(krpc.MethodFindNode, rpcResultOK)))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.metrics.rpcs.WithLabelValues(krpc.MethodFindNode, rpcResultTimeout)))
	assert.Equal(t, 2.0, testutil.ToFloat64(c.metrics.tableNodes))
	assert.Equal(t, 0.0, testutil.ToFloat64(c.metrics.activeLookups))
}
