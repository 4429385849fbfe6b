package dht

import (
	"time"

	"github.com/opd-ai/btdht/krpc"
)

// NodeInfo identifies a DHT node by id and UDP endpoint. It is a value type;
// a refreshed node replaces the stored value wholesale.
type NodeInfo = krpc.NodeInfo

// NodeRecord is a routing table entry as exposed to callers and persisted
// to disk.
type NodeRecord struct {
	Info     NodeInfo
	LastSeen time.Time
}

// tableNode is a bucket entry.
type tableNode struct {
	info     NodeInfo
	lastSeen time.Time
	failures int
}

func (n *tableNode) record() NodeRecord {
	return NodeRecord{Info: n.info, LastSeen: n.lastSeen}
}
