package dht

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"slices"
	"sync"

	"github.com/benbjohnson/clock"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"go.uber.org/multierr"
	"golang.org/x/time/rate"

	"github.com/opd-ai/btdht/krpc"
	"github.com/opd-ai/btdht/nodeid"
	"github.com/opd-ai/btdht/transport"
)

var (
	// ErrAlreadyStarted is returned by a second call to Start.
	ErrAlreadyStarted = errors.New("coordinator already started")

	// ErrNilTransport is returned when no transport is given.
	ErrNilTransport = errors.New("transport is required")
)

// PeerListener receives the results of a peer lookup.
type PeerListener interface {
	// OnFoundPeers is called with the peers a lookup found. A non-zero
	// return value replaces the peer count reported on completion, letting
	// the listener report how many it actually used.
	OnFoundPeers(infoHash nodeid.ID, peers []netip.AddrPort) int

	// FindingPeersFinished is called exactly once when the lookup ends,
	// unless it was stopped first.
	FindingPeersFinished(infoHash nodeid.ID, count int)
}

// registryEntry tracks the single peer lookup running for an info-hash.
type registryEntry struct {
	query     *lookup
	cancel    context.CancelFunc
	listeners []PeerListener
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithClock sets the clock used for timestamps and timers.
func WithClock(c clock.Clock) Option {
	return func(co *Coordinator) {
		co.clock = c
	}
}

// WithRegisterer registers the coordinator's metrics with reg.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(co *Coordinator) {
		co.registerer = reg
	}
}

// WithLogger sets the log entry all coordinator logging derives from.
func WithLogger(log *logrus.Entry) Option {
	return func(co *Coordinator) {
		co.log = log
	}
}

// WithResolver sets the resolver used for bootstrap hosts.
func WithResolver(r Resolver) Option {
	return func(co *Coordinator) {
		co.resolver = r
	}
}

// Coordinator owns the routing table, runs outbound queries over the
// transport and serves inbound ones. At most one peer lookup runs per
// info-hash; later callers join its listeners.
type Coordinator struct {
	cfg        Config
	self       nodeid.ID
	tr         transport.Transport
	clock      clock.Clock
	log        *logrus.Entry
	registerer prometheus.Registerer
	resolver   Resolver

	table     *RoutingTable
	tokens    *tokenManager
	peers     *PeerStore
	responder *Responder
	boot      *bootstrapper
	maint     *Maintainer
	metrics   *metrics

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.Mutex
	registry map[nodeid.ID]*registryEntry
	started  bool
	stopped  bool
}

// NewCoordinator creates a coordinator speaking over tr. The transport stays
// owned by the caller and must outlive the coordinator.
func NewCoordinator(cfg Config, tr transport.Transport, opts ...Option) (*Coordinator, error) {
	if tr == nil {
		return nil, ErrNilTransport
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if cfg.NodeID.IsZero() {
		cfg.NodeID = nodeid.Random()
	}

	c := &Coordinator{
		cfg:      cfg,
		self:     cfg.NodeID,
		tr:       tr,
		registry: make(map[nodeid.ID]*registryEntry),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.clock == nil {
		c.clock = clock.New()
	}
	if c.log == nil {
		c.log = logrus.WithField("package", "dht")
	}

	c.ctx, c.cancel = context.WithCancel(context.Background())
	c.table = NewRoutingTable(c.self, cfg, c.clock)
	c.tokens = newTokenManager()
	c.peers = NewPeerStore(cfg.MaxStoredInfoHashes, cfg.MaxStoredAnnouncedPeers, cfg.PeerTTL, c.clock)
	c.boot = newBootstrapper(c.resolver, cfg, c.log)
	c.maint = NewMaintainer(c.clock, cfg.RefreshInterval, cfg.RefreshJitter, c.refreshTick)
	c.metrics = newMetrics(
		func() float64 { return float64(c.table.Len()) },
		func() float64 { return float64(c.activeLookups()) },
	)
	if err := c.metrics.register(c.registerer); err != nil {
		c.cancel()
		return nil, fmt.Errorf("register metrics: %w", err)
	}
	c.responder = &Responder{
		self:    c.self,
		cfg:     cfg,
		table:   c.table,
		tokens:  c.tokens,
		peers:   c.peers,
		tr:      tr,
		limiter: rate.NewLimiter(rate.Limit(cfg.InboundRateLimit), cfg.InboundBurst),
		observe: c.observe,
		metrics: c.metrics,
		log:     c.log,
	}
	return c, nil
}

// ID returns the local node id.
func (c *Coordinator) ID() nodeid.ID {
	return c.self
}

// Table returns the routing table.
func (c *Coordinator) Table() *RoutingTable {
	return c.table
}

// Peers returns the store of peers announced to this node.
func (c *Coordinator) Peers() *PeerStore {
	return c.peers
}

// Responder returns the handler serving inbound queries.
func (c *Coordinator) Responder() *Responder {
	return c.responder
}

// Start loads the persisted table, starts answering queries, bootstraps in
// the background and schedules the periodic refresh. ctx bounds bootstrap
// host resolution only.
func (c *Coordinator) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return ErrAlreadyStarted
	}
	c.started = true
	c.mu.Unlock()

	log := c.log.WithFields(logrus.Fields{
		"function": "Start",
		"id":       c.self.String(),
	})

	c.tr.SetQueryHandler(c.responder.HandleQuery)

	loaded := 0
	if c.cfg.StatePath != "" {
		n, err := c.table.LoadFile(c.cfg.StatePath)
		if err != nil {
			log.WithField("error", err.Error()).Warn("Failed to load routing table")
		}
		loaded = n
	}
	log.WithField("loaded", loaded).Info("Starting DHT node")

	c.RefreshTable()

	hosts := append([]string(nil), c.cfg.BootstrapHosts...)
	c.spawn(func(qctx context.Context) {
		c.bootstrap(ctx, qctx, hosts, loaded)
	})

	c.maint.Schedule()
	return nil
}

// bootstrap pings the resolved router addresses, then looks up our own id
// when the table started out small.
func (c *Coordinator) bootstrap(resolveCtx, ctx context.Context, hosts []string, loaded int) {
	if len(hosts) > 0 {
		addrs := c.boot.resolveAll(resolveCtx, hosts)
		nodes := make([]NodeInfo, len(addrs))
		for i, a := range addrs {
			nodes[i] = NodeInfo{Addr: a}
		}
		answered := c.pingNodes(ctx, nodes)
		c.log.WithFields(logrus.Fields{
			"function": "bootstrap",
			"routers":  len(addrs),
			"answered": answered,
		}).Info("Bootstrap routers pinged")
	}

	if loaded < c.cfg.MinTableNodes && ctx.Err() == nil {
		l := newLookup(c, kindFindNode, c.self)
		l.run(ctx)
	}
}

// Stop cancels every query, disables the refresh timer, waits for query
// goroutines and persists the routing table if Start ran. Pending peer
// lookups are dropped without notifying their listeners.
func (c *Coordinator) Stop() error {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return nil
	}
	c.stopped = true
	started := c.started
	entries := c.registry
	c.registry = make(map[nodeid.ID]*registryEntry)
	c.mu.Unlock()

	for _, e := range entries {
		e.cancel()
	}
	c.maint.Disable()
	c.cancel()
	c.wg.Wait()

	var err error
	// A table that was never loaded must not overwrite the state file.
	if started && c.cfg.StatePath != "" {
		if saveErr := c.table.SaveFile(c.cfg.StatePath); saveErr != nil {
			err = multierr.Append(err, fmt.Errorf("persist routing table: %w", saveErr))
		}
	}
	if c.registerer != nil {
		for _, col := range c.metrics.collectors() {
			if !c.registerer.Unregister(col) {
				err = multierr.Append(err, errors.New("unregister metrics collector"))
				break
			}
		}
	}

	c.log.WithFields(logrus.Fields{
		"function": "Stop",
		"nodes":    c.table.Len(),
	}).Info("DHT node stopped")
	return err
}

// spawn runs fn in a tracked goroutine unless the coordinator is stopping.
func (c *Coordinator) spawn(fn func(ctx context.Context)) bool {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return false
	}
	c.wg.Add(1)
	c.mu.Unlock()

	go func() {
		defer c.wg.Done()
		fn(c.ctx)
	}()
	return true
}

// FindPeers starts a peer lookup for infoHash and registers listener for its
// results. When a lookup for infoHash is already running, listener joins it
// and no new query is started. A nil listener is allowed.
func (c *Coordinator) FindPeers(infoHash nodeid.ID, listener PeerListener) {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return
	}
	if e, ok := c.registry[infoHash]; ok {
		if listener != nil && !slices.Contains(e.listeners, listener) {
			e.listeners = append(e.listeners, listener)
		}
		c.mu.Unlock()
		return
	}

	ctx, cancel := context.WithCancel(c.ctx)
	q := newLookup(c, kindGetPeers, infoHash)
	e := &registryEntry{query: q, cancel: cancel}
	if listener != nil {
		e.listeners = append(e.listeners, listener)
	}
	c.registry[infoHash] = e
	c.wg.Add(1)
	c.mu.Unlock()

	go func() {
		defer c.wg.Done()
		defer cancel()

		count := 0
		if q.run(ctx) == outcomeSuccess && len(q.peers) > 0 {
			n, ok := c.onFoundPeers(q, infoHash, q.peers)
			if !ok {
				return
			}
			count = n
		}
		c.findingPeersFinished(q, infoHash, count)
	}()
}

// StopFindingPeers cancels the lookup for infoHash. Its listeners are not
// called afterwards; a callback already running when StopFindingPeers is
// called may still complete.
func (c *Coordinator) StopFindingPeers(infoHash nodeid.ID) {
	c.mu.Lock()
	e, ok := c.registry[infoHash]
	if ok {
		delete(c.registry, infoHash)
	}
	c.mu.Unlock()

	if ok {
		e.cancel()
	}
}

// RemoveListener detaches listener from every running lookup. The lookups
// themselves keep running.
func (c *Coordinator) RemoveListener(listener PeerListener) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, e := range c.registry {
		e.listeners = slices.DeleteFunc(e.listeners, func(l PeerListener) bool {
			return l == listener
		})
	}
}

// IsFindingPeers reports whether a lookup for infoHash is running.
func (c *Coordinator) IsFindingPeers(infoHash nodeid.ID) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.registry[infoHash]
	return ok
}

func (c *Coordinator) activeLookups() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.registry)
}

// listenersOf returns the listeners of q's entry, or false if q is no longer
// the registered lookup for infoHash.
func (c *Coordinator) listenersOf(q *lookup, infoHash nodeid.ID) ([]PeerListener, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.registry[infoHash]
	if !ok || e.query != q {
		return nil, false
	}
	return slices.Clone(e.listeners), true
}

// isListening reports whether l is still registered with q's entry.
func (c *Coordinator) isListening(q *lookup, infoHash nodeid.ID, l PeerListener) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.registry[infoHash]
	return ok && e.query == q && slices.Contains(e.listeners, l)
}

// onFoundPeers hands peers to the listeners of q. The first non-zero count
// returned by a listener replaces the number of peers found.
func (c *Coordinator) onFoundPeers(q *lookup, infoHash nodeid.ID, peers []netip.AddrPort) (int, bool) {
	listeners, ok := c.listenersOf(q, infoHash)
	if !ok {
		return 0, false
	}

	count := len(peers)
	replaced := false
	for _, l := range listeners {
		if !c.isListening(q, infoHash, l) {
			continue
		}
		if n := l.OnFoundPeers(infoHash, peers); n != 0 && !replaced {
			count = n
			replaced = true
		}
	}
	return count, true
}

// findingPeersFinished removes q's registry entry and notifies its
// listeners. It does nothing if the entry was already removed.
func (c *Coordinator) findingPeersFinished(q *lookup, infoHash nodeid.ID, count int) {
	c.mu.Lock()
	e, ok := c.registry[infoHash]
	if !ok || e.query != q {
		c.mu.Unlock()
		return
	}
	delete(c.registry, infoHash)
	listeners := e.listeners
	c.mu.Unlock()

	c.log.WithFields(logrus.Fields{
		"function":  "findingPeersFinished",
		"info_hash": infoHash.String(),
		"count":     count,
	}).Debug("Peer lookup finished")

	for _, l := range listeners {
		l.FindingPeersFinished(infoHash, count)
	}
}

// FindNode looks up the nodes closest to target. The channel receives the
// closest responding nodes, closest first, and is then closed. The result
// is empty when the lookup could not reach anyone or the coordinator stopped.
func (c *Coordinator) FindNode(target nodeid.ID) <-chan []NodeInfo {
	out := make(chan []NodeInfo, 1)
	started := c.spawn(func(ctx context.Context) {
		defer close(out)
		l := newLookup(c, kindFindNode, target)
		if l.run(ctx) == outcomeCancelled {
			out <- nil
			return
		}
		out <- l.closest(c.cfg.BucketSize)
	})
	if !started {
		close(out)
	}
	return out
}

// PingNode pings addr. The channel receives whether it answered.
func (c *Coordinator) PingNode(addr netip.AddrPort) <-chan bool {
	out := make(chan bool, 1)
	started := c.spawn(func(ctx context.Context) {
		defer close(out)
		out <- c.ping(ctx, NodeInfo{Addr: addr})
	})
	if !started {
		close(out)
	}
	return out
}

// Announce tells the nodes closest to infoHash that we serve it on port.
// A zero port announces the transport's own port as implied. The channel
// receives the number of nodes that acknowledged.
func (c *Coordinator) Announce(infoHash nodeid.ID, port int) <-chan int {
	out := make(chan int, 1)
	started := c.spawn(func(ctx context.Context) {
		defer close(out)
		out <- c.announce(ctx, infoHash, port)
	})
	if !started {
		close(out)
	}
	return out
}

// RefreshTable pings the nodes of every bucket that has not been updated
// recently.
func (c *Coordinator) RefreshTable() {
	inactive := c.table.GetInactiveNodes()
	if len(inactive) == 0 {
		return
	}
	c.log.WithFields(logrus.Fields{
		"function": "RefreshTable",
		"inactive": len(inactive),
	}).Debug("Pinging inactive nodes")

	c.spawn(func(ctx context.Context) {
		c.pingNodes(ctx, inactive)
	})
}

// refreshTick runs on every maintenance timer tick.
func (c *Coordinator) refreshTick() {
	c.RefreshTable()
	c.tokens.rotate()
	c.peers.CleanExpired()

	if c.table.Len() < c.cfg.MinTableNodes {
		c.FindNode(c.self)
	}
}

// Save serializes the routing table.
func (c *Coordinator) Save() ([]byte, error) {
	return c.table.Save()
}

// Load replaces the routing table with a snapshot from Save and returns the
// number of nodes restored.
func (c *Coordinator) Load(data []byte) int {
	return c.table.Load(data)
}

// send issues a query from the local node.
func (c *Coordinator) send(ctx context.Context, addr netip.AddrPort, method string, args *krpc.MsgArgs) (*transport.Request, error) {
	args.ID = c.self.Raw()
	return c.tr.Query(ctx, addr, krpc.NewQuery(method, args))
}

// observe offers a node we heard from to the routing table. When its bucket
// is full, the least recently seen node is pinged; a failed ping makes room
// for the newcomer.
func (c *Coordinator) observe(n NodeInfo) {
	_, candidate := c.table.CheckNode(n)
	if candidate == nil {
		return
	}
	questionable := *candidate
	started := c.spawn(func(ctx context.Context) {
		c.checkLiveness(ctx, questionable)
	})
	if !started {
		c.table.checkDone(questionable.ID)
	}
}

// checkLiveness pings the least recently seen node of a full bucket. A
// different id answering from its address counts as a failure of the old
// node. The bucket's check is concluded whatever the outcome.
func (c *Coordinator) checkLiveness(ctx context.Context, n NodeInfo) {
	defer c.table.checkDone(n.ID)

	id, ok := c.pingID(ctx, n)
	if ok && id != n.ID {
		c.table.NodeFailed(n.ID)
	}
}

// rpcFailed records a failed RPC. Nodes that did not answer at all count a
// failure in the routing table; a KRPC error still proves the node alive.
func (c *Coordinator) rpcFailed(method string, n NodeInfo, err error) {
	result := rpcResult(err)
	c.metrics.rpcDone(method, result)

	switch result {
	case rpcResultCancelled, rpcResultRemote:
		return
	}
	if !n.ID.IsZero() {
		c.table.NodeFailed(n.ID)
	}
}
