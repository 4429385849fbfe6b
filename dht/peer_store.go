package dht

import (
	"net/netip"
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/opd-ai/btdht/nodeid"
)

// peerSet is the set of peers announced for one info-hash.
type peerSet struct {
	announced map[netip.AddrPort]time.Time
}

// PeerStore keeps the peers other nodes announced to us. Info-hashes are
// held in a bounded LRU; each hash keeps at most maxPeers peers, dropping the
// oldest announce first, and every announce expires after the TTL.
//
// Expiry follows the store's clock only. The LRU itself never expires
// entries; hashes left without live peers are dropped by CleanExpired.
type PeerStore struct {
	mu       sync.Mutex
	hashes   *expirable.LRU[nodeid.ID, *peerSet]
	maxPeers int
	ttl      time.Duration
	clock    clock.Clock
}

// NewPeerStore creates a store for up to maxHashes info-hashes.
func NewPeerStore(maxHashes, maxPeers int, ttl time.Duration, clk clock.Clock) *PeerStore {
	if clk == nil {
		clk = clock.New()
	}
	return &PeerStore{
		hashes:   expirable.NewLRU[nodeid.ID, *peerSet](maxHashes, nil, 0),
		maxPeers: maxPeers,
		ttl:      ttl,
		clock:    clk,
	}
}

// Add stores an announce of peer for infoHash.
func (ps *PeerStore) Add(infoHash nodeid.ID, peer netip.AddrPort) {
	ps.mu.Lock()
	defer ps.mu.Unlock()

	now := ps.clock.Now()
	set, ok := ps.hashes.Get(infoHash)
	if !ok {
		set = &peerSet{announced: make(map[netip.AddrPort]time.Time)}
	}
	set.prune(now, ps.ttl)

	if _, known := set.announced[peer]; !known && len(set.announced) >= ps.maxPeers {
		set.evictOldest()
	}
	set.announced[peer] = now

	// Re-adding refreshes the hash's recency.
	ps.hashes.Add(infoHash, set)
}

// Get returns up to max live peers for infoHash, most recent first.
func (ps *PeerStore) Get(infoHash nodeid.ID, max int) []netip.AddrPort {
	ps.mu.Lock()
	defer ps.mu.Unlock()

	set, ok := ps.hashes.Get(infoHash)
	if !ok {
		return nil
	}
	set.prune(ps.clock.Now(), ps.ttl)

	peers := make([]netip.AddrPort, 0, len(set.announced))
	for p := range set.announced {
		peers = append(peers, p)
	}
	sort.Slice(peers, func(i, j int) bool {
		return set.announced[peers[i]].After(set.announced[peers[j]])
	})
	if max > 0 && len(peers) > max {
		peers = peers[:max]
	}
	return peers
}

// Count returns the number of live peers stored for infoHash.
func (ps *PeerStore) Count(infoHash nodeid.ID) int {
	return len(ps.Get(infoHash, 0))
}

// Len returns the number of info-hashes held.
func (ps *PeerStore) Len() int {
	return ps.hashes.Len()
}

// CleanExpired drops expired announces and the hashes left without peers.
func (ps *PeerStore) CleanExpired() {
	ps.mu.Lock()
	defer ps.mu.Unlock()

	now := ps.clock.Now()
	for _, hash := range ps.hashes.Keys() {
		set, ok := ps.hashes.Peek(hash)
		if !ok {
			continue
		}
		set.prune(now, ps.ttl)
		if len(set.announced) == 0 {
			ps.hashes.Remove(hash)
		}
	}
}

func (s *peerSet) prune(now time.Time, ttl time.Duration) {
	for p, at := range s.announced {
		if now.Sub(at) >= ttl {
			delete(s.announced, p)
		}
	}
}

func (s *peerSet) evictOldest() {
	var (
		oldest netip.AddrPort
		at     time.Time
		found  bool
	)
	for p, t := range s.announced {
		if !found || t.Before(at) {
			oldest, at, found = p, t, true
		}
	}
	if found {
		delete(s.announced, oldest)
	}
}
