package dht

import (
	"errors"
	"fmt"
	"time"

	"go.uber.org/multierr"

	"github.com/opd-ai/btdht/limits"
	"github.com/opd-ai/btdht/nodeid"
)

// DefaultBootstrapHosts are well-known mainline DHT routers.
var DefaultBootstrapHosts = []string{
	"router.bittorrent.com:6881",
	"dht.transmissionbt.com:6881",
	"router.utorrent.com:6881",
}

// Config holds the settings of a Coordinator and its routing table.
type Config struct {
	// Local node id. A random id is generated when left zero.
	NodeID nodeid.ID
	// host:port pairs resolved and pinged on Start.
	BootstrapHosts []string
	// File the routing table is loaded from on Start and saved to on Stop.
	// Persistence is disabled when empty.
	StatePath string

	// Maximum active nodes per bucket (Kademlia K).
	BucketSize int
	// Maximum replacement candidates per bucket.
	ReplacementCacheSize int
	// Consecutive failed liveness checks before a node is dropped even
	// without a replacement candidate.
	MaxFailures int
	// Buckets not updated for this long are considered inactive.
	StaleThreshold time.Duration

	// Maximum outstanding RPCs per lookup round.
	Alpha int
	// Maximum rounds of an iterative lookup.
	MaxRounds int
	// Maximum candidates carried between rounds.
	MaxCandidates int

	// FindNode(self) is issued on Start when fewer nodes were loaded.
	MinTableNodes int
	// Period of the table refresh; a random jitter up to RefreshJitter is added.
	RefreshInterval time.Duration
	RefreshJitter   time.Duration

	// Limits for inbound requests.
	NodesPerResponse        int
	MaxPeerValuesResponse   int
	MaxStoredAnnouncedPeers int
	MaxStoredInfoHashes     int
	PeerTTL                 time.Duration
	InboundRateLimit        float64
	InboundBurst            int

	// Bootstrap resolution.
	BootstrapParallelism int
	BootstrapRetries     uint64
}

// DefaultConfig returns sensible defaults for a mainline DHT node.
func DefaultConfig() Config {
	return Config{
		BootstrapHosts:       append([]string(nil), DefaultBootstrapHosts...),
		BucketSize:           8,
		ReplacementCacheSize: 8,
		MaxFailures:          3,
		StaleThreshold:       15 * time.Minute,

		Alpha:         8,
		MaxRounds:     20,
		MaxCandidates: 32,

		MinTableNodes:   50,
		RefreshInterval: 5 * time.Minute,
		RefreshJitter:   5 * time.Second,

		NodesPerResponse:        limits.NodesPerResponse,
		MaxPeerValuesResponse:   limits.MaxPeerValuesResponse,
		MaxStoredAnnouncedPeers: limits.MaxStoredAnnouncedPeers,
		MaxStoredInfoHashes:     limits.MaxStoredInfoHashes,
		PeerTTL:                 30 * time.Minute,
		InboundRateLimit:        250,
		InboundBurst:            500,

		BootstrapParallelism: 4,
		BootstrapRetries:     2,
	}
}

// Validate checks that every limit is usable.
func (c *Config) Validate() error {
	var errs []error
	positive := func(name string, v int) {
		if v <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive, got %d", name, v))
		}
	}

	positive("BucketSize", c.BucketSize)
	positive("ReplacementCacheSize", c.ReplacementCacheSize)
	positive("MaxFailures", c.MaxFailures)
	positive("Alpha", c.Alpha)
	positive("MaxRounds", c.MaxRounds)
	positive("MaxCandidates", c.MaxCandidates)
	positive("NodesPerResponse", c.NodesPerResponse)
	positive("MaxPeerValuesResponse", c.MaxPeerValuesResponse)
	positive("MaxStoredAnnouncedPeers", c.MaxStoredAnnouncedPeers)
	positive("MaxStoredInfoHashes", c.MaxStoredInfoHashes)
	positive("InboundBurst", c.InboundBurst)
	positive("BootstrapParallelism", c.BootstrapParallelism)

	if c.RefreshInterval <= 0 {
		errs = append(errs, errors.New("RefreshInterval must be positive"))
	}
	if c.RefreshJitter < 0 {
		errs = append(errs, errors.New("RefreshJitter cannot be negative"))
	}
	if c.StaleThreshold <= 0 {
		errs = append(errs, errors.New("StaleThreshold must be positive"))
	}
	if c.PeerTTL <= 0 {
		errs = append(errs, errors.New("PeerTTL must be positive"))
	}
	if c.InboundRateLimit <= 0 {
		errs = append(errs, errors.New("InboundRateLimit must be positive"))
	}
	if c.MaxCandidates < c.Alpha {
		errs = append(errs, fmt.Errorf("MaxCandidates (%d) must be at least Alpha (%d)", c.MaxCandidates, c.Alpha))
	}

	return multierr.Combine(errs...)
}
