package dht

import (
	"container/heap"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/opd-ai/btdht/nodeid"
)

// CheckResult reports what CheckNode did with a node.
type CheckResult int

const (
	// CheckIgnored means the node was rejected (self id or unusable address).
	CheckIgnored CheckResult = iota
	// CheckRefreshed means the node was already known and its last-seen time was updated.
	CheckRefreshed
	// CheckAdded means the node joined the active set of its bucket.
	CheckAdded
	// CheckCached means the bucket was full and the node went to the replacement cache.
	CheckCached
)

func (r CheckResult) String() string {
	switch r {
	case CheckIgnored:
		return "ignored"
	case CheckRefreshed:
		return "refreshed"
	case CheckAdded:
		return "added"
	case CheckCached:
		return "cached"
	default:
		return "unknown"
	}
}

// kBucket holds the active nodes sharing a prefix length with the local id,
// ordered least recently seen first, plus a bounded replacement cache.
type kBucket struct {
	nodes      []*tableNode
	cache      []*tableNode
	lastUpdate time.Time
	// checking is set while a liveness check of checkID, the least
	// recently seen node, is outstanding.
	checking bool
	checkID  nodeid.ID
}

func (kb *kBucket) indexOf(id nodeid.ID) int {
	for i, n := range kb.nodes {
		if n.info.ID == id {
			return i
		}
	}
	return -1
}

func (kb *kBucket) cacheIndexOf(id nodeid.ID) int {
	for i, n := range kb.cache {
		if n.info.ID == id {
			return i
		}
	}
	return -1
}

func (kb *kBucket) removeAt(i int) *tableNode {
	n := kb.nodes[i]
	kb.nodes = append(kb.nodes[:i], kb.nodes[i+1:]...)
	return n
}

func (kb *kBucket) removeCacheAt(i int) *tableNode {
	n := kb.cache[i]
	kb.cache = append(kb.cache[:i], kb.cache[i+1:]...)
	return n
}

// RoutingTable manages the 160 k-buckets of a mainline DHT node.
type RoutingTable struct {
	self           nodeid.ID
	bucketSize     int
	cacheSize      int
	maxFailures    int
	staleThreshold time.Duration
	clock          clock.Clock

	mu      sync.Mutex
	buckets [nodeid.Bits]kBucket
}

// NewRoutingTable creates an empty routing table around the local id.
func NewRoutingTable(self nodeid.ID, cfg Config, clk clock.Clock) *RoutingTable {
	if clk == nil {
		clk = clock.New()
	}
	rt := &RoutingTable{
		self:           self,
		bucketSize:     cfg.BucketSize,
		cacheSize:      cfg.ReplacementCacheSize,
		maxFailures:    cfg.MaxFailures,
		staleThreshold: cfg.StaleThreshold,
		clock:          clk,
	}
	now := clk.Now()
	for i := range rt.buckets {
		rt.buckets[i].lastUpdate = now
	}
	return rt
}

// Self returns the local node id.
func (rt *RoutingTable) Self() nodeid.ID {
	return rt.self
}

// BucketIndex returns the bucket an id belongs to: the number of leading
// bits it shares with the local id, clamped to 159.
func (rt *RoutingTable) BucketIndex(id nodeid.ID) int {
	idx := nodeid.CommonPrefixLen(rt.self, id)
	if idx >= nodeid.Bits {
		idx = nodeid.Bits - 1
	}
	return idx
}

// CheckNode records contact with a node. A known node is refreshed and moved
// to the most recently seen position. An unknown node joins the active set if
// there is room, otherwise it goes to the replacement cache and the least
// recently seen active node is returned so that the caller can check its
// liveness. At most one liveness candidate per bucket is handed out until
// the check concludes through CheckNode or NodeFailed.
func (rt *RoutingTable) CheckNode(info NodeInfo) (CheckResult, *NodeInfo) {
	return rt.checkNodeAt(info, time.Time{})
}

func (rt *RoutingTable) checkNodeAt(info NodeInfo, seen time.Time) (CheckResult, *NodeInfo) {
	if info.ID == rt.self || !info.Valid() {
		return CheckIgnored, nil
	}

	rt.mu.Lock()
	defer rt.mu.Unlock()

	kb := &rt.buckets[rt.BucketIndex(info.ID)]
	now := rt.clock.Now()
	touched := now
	switch {
	case seen.IsZero():
		seen = now
	case seen.After(kb.lastUpdate):
		touched = seen
	default:
		touched = kb.lastUpdate
	}

	if i := kb.indexOf(info.ID); i >= 0 {
		n := kb.removeAt(i)
		n.info = info
		n.lastSeen = seen
		n.failures = 0
		kb.insertByLastSeen(n)
		kb.lastUpdate = touched
		if i == 0 {
			kb.checking = false
		}
		return CheckRefreshed, nil
	}

	if len(kb.nodes) < rt.bucketSize {
		if i := kb.cacheIndexOf(info.ID); i >= 0 {
			kb.removeCacheAt(i)
		}
		kb.insertByLastSeen(&tableNode{info: info, lastSeen: seen})
		kb.lastUpdate = touched
		return CheckAdded, nil
	}

	if i := kb.cacheIndexOf(info.ID); i >= 0 {
		kb.removeCacheAt(i)
	} else if len(kb.cache) >= rt.cacheSize {
		kb.removeCacheAt(0)
	}
	kb.cache = append(kb.cache, &tableNode{info: info, lastSeen: seen})
	kb.lastUpdate = touched

	if kb.checking {
		return CheckCached, nil
	}
	kb.checking = true
	kb.checkID = kb.nodes[0].info.ID
	candidate := kb.nodes[0].info
	return CheckCached, &candidate
}

// checkDone concludes the liveness check of id however it ended, so that
// the next newcomer to the bucket can trigger a new one. Checks of other
// nodes are left alone.
func (rt *RoutingTable) checkDone(id nodeid.ID) {
	rt.mu.Lock()
	defer rt.mu.Unlock()

	kb := &rt.buckets[rt.BucketIndex(id)]
	if kb.checking && kb.checkID == id {
		kb.checking = false
	}
}

// NodeFailed records a failed contact with a node. When a replacement
// candidate is waiting, the node is evicted and the most recently seen
// candidate takes its place; otherwise the node is removed once it has failed
// MaxFailures times in a row. It reports whether the node left the active set.
func (rt *RoutingTable) NodeFailed(id nodeid.ID) bool {
	rt.mu.Lock()
	defer rt.mu.Unlock()

	kb := &rt.buckets[rt.BucketIndex(id)]
	i := kb.indexOf(id)
	if i < 0 {
		if j := kb.cacheIndexOf(id); j >= 0 {
			kb.removeCacheAt(j)
		}
		return false
	}
	if i == 0 {
		kb.checking = false
	}

	n := kb.nodes[i]
	n.failures++
	if len(kb.cache) > 0 {
		kb.removeAt(i)
		promoted := kb.removeCacheAt(len(kb.cache) - 1)
		kb.insertByLastSeen(promoted)
		return true
	}
	if n.failures >= rt.maxFailures {
		kb.removeAt(i)
		return true
	}
	return false
}

func (kb *kBucket) insertByLastSeen(n *tableNode) {
	i := len(kb.nodes)
	for i > 0 && kb.nodes[i-1].lastSeen.After(n.lastSeen) {
		i--
	}
	kb.nodes = append(kb.nodes, nil)
	copy(kb.nodes[i+1:], kb.nodes[i:])
	kb.nodes[i] = n
}

// Remove drops a node from the active set and the replacement cache.
func (rt *RoutingTable) Remove(id nodeid.ID) bool {
	rt.mu.Lock()
	defer rt.mu.Unlock()

	kb := &rt.buckets[rt.BucketIndex(id)]
	if j := kb.cacheIndexOf(id); j >= 0 {
		kb.removeCacheAt(j)
	}
	if i := kb.indexOf(id); i >= 0 {
		if i == 0 {
			kb.checking = false
		}
		kb.removeAt(i)
		return true
	}
	return false
}

// nodeHeap implements heap.Interface for finding closest nodes efficiently.
// It's a max-heap based on distance, keeping the n closest nodes.
type nodeHeap struct {
	nodes     []NodeInfo
	distances []nodeid.ID
	target    nodeid.ID
}

func (h *nodeHeap) Len() int { return len(h.nodes) }

func (h *nodeHeap) Less(i, j int) bool {
	// Max-heap: farthest at the root
	return nodeid.Less(h.distances[j], h.distances[i])
}

func (h *nodeHeap) Swap(i, j int) {
	h.nodes[i], h.nodes[j] = h.nodes[j], h.nodes[i]
	h.distances[i], h.distances[j] = h.distances[j], h.distances[i]
}

func (h *nodeHeap) Push(x interface{}) {
	item := x.(NodeInfo)
	h.nodes = append(h.nodes, item)
	h.distances = append(h.distances, nodeid.Distance(item.ID, h.target))
}

func (h *nodeHeap) Pop() interface{} {
	old := h.nodes
	n := len(old)
	item := old[n-1]
	h.nodes = old[0 : n-1]
	h.distances = h.distances[0 : n-1]
	return item
}

// FindClosestNodes returns up to count active nodes closest to target,
// closest first.
func (rt *RoutingTable) FindClosestNodes(target nodeid.ID, count int) []NodeInfo {
	if count <= 0 {
		return []NodeInfo{}
	}

	rt.mu.Lock()
	defer rt.mu.Unlock()

	h := &nodeHeap{
		nodes:     make([]NodeInfo, 0, count),
		distances: make([]nodeid.ID, 0, count),
		target:    target,
	}

	for i := range rt.buckets {
		for _, n := range rt.buckets[i].nodes {
			if h.Len() < count {
				heap.Push(h, n.info)
				continue
			}
			if nodeid.Less(nodeid.Distance(n.info.ID, target), h.distances[0]) {
				heap.Pop(h)
				heap.Push(h, n.info)
			}
		}
	}

	// Popping a max-heap yields farthest first; fill the result backwards.
	result := make([]NodeInfo, h.Len())
	for i := len(result) - 1; i >= 0; i-- {
		result[i] = heap.Pop(h).(NodeInfo)
	}
	return result
}

// GetInactiveNodes returns the active nodes of every bucket that has not been
// updated within the stale threshold.
func (rt *RoutingTable) GetInactiveNodes() []NodeInfo {
	rt.mu.Lock()
	defer rt.mu.Unlock()

	now := rt.clock.Now()
	var out []NodeInfo
	for i := range rt.buckets {
		kb := &rt.buckets[i]
		if len(kb.nodes) == 0 || now.Sub(kb.lastUpdate) < rt.staleThreshold {
			continue
		}
		for _, n := range kb.nodes {
			out = append(out, n.info)
		}
	}
	return out
}

// StaleBuckets returns the indexes of non-empty buckets not updated within
// the stale threshold.
func (rt *RoutingTable) StaleBuckets() []int {
	rt.mu.Lock()
	defer rt.mu.Unlock()

	now := rt.clock.Now()
	var out []int
	for i := range rt.buckets {
		kb := &rt.buckets[i]
		if len(kb.nodes) > 0 && now.Sub(kb.lastUpdate) >= rt.staleThreshold {
			out = append(out, i)
		}
	}
	return out
}

// Len returns the number of active nodes.
func (rt *RoutingTable) Len() int {
	rt.mu.Lock()
	defer rt.mu.Unlock()

	total := 0
	for i := range rt.buckets {
		total += len(rt.buckets[i].nodes)
	}
	return total
}

// Nodes returns a snapshot of all active nodes.
func (rt *RoutingTable) Nodes() []NodeRecord {
	rt.mu.Lock()
	defer rt.mu.Unlock()

	var out []NodeRecord
	for i := range rt.buckets {
		for _, n := range rt.buckets[i].nodes {
			out = append(out, n.record())
		}
	}
	return out
}

// Contains reports whether id is in the active set.
func (rt *RoutingTable) Contains(id nodeid.ID) bool {
	rt.mu.Lock()
	defer rt.mu.Unlock()

	return rt.buckets[rt.BucketIndex(id)].indexOf(id) >= 0
}

// Bucket returns the active nodes and replacement candidates of bucket i.
func (rt *RoutingTable) Bucket(i int) (active, cached []NodeInfo) {
	if i < 0 || i >= nodeid.Bits {
		return nil, nil
	}

	rt.mu.Lock()
	defer rt.mu.Unlock()

	kb := &rt.buckets[i]
	for _, n := range kb.nodes {
		active = append(active, n.info)
	}
	for _, n := range kb.cache {
		cached = append(cached, n.info)
	}
	return active, cached
}

// Clear removes every node.
func (rt *RoutingTable) Clear() {
	rt.reset(rt.clock.Now())
}

func (rt *RoutingTable) reset(lastUpdate time.Time) {
	rt.mu.Lock()
	defer rt.mu.Unlock()

	for i := range rt.buckets {
		rt.buckets[i] = kBucket{lastUpdate: lastUpdate}
	}
}
