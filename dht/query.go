package dht

import (
	"net/netip"
	"sort"

	"github.com/opd-ai/btdht/krpc"
	"github.com/opd-ai/btdht/nodeid"
)

// queryKind selects the RPC an iterative lookup sends and how it ends.
type queryKind int

const (
	kindFindNode queryKind = iota
	kindGetPeers
	kindAnnounce
)

func (k queryKind) String() string {
	switch k {
	case kindFindNode:
		return "find_node"
	case kindGetPeers:
		return "get_peers"
	case kindAnnounce:
		return "announce"
	default:
		return "unknown"
	}
}

// method returns the KRPC method sent in every round. Announce walks the
// network with get_peers to collect tokens.
func (k queryKind) method() string {
	if k == kindFindNode {
		return krpc.MethodFindNode
	}
	return krpc.MethodGetPeers
}

// outcome is how a query ended.
type outcome int

const (
	outcomeSuccess outcome = iota
	outcomeExhausted
	outcomeCancelled
)

func (o outcome) String() string {
	switch o {
	case outcomeSuccess:
		return "success"
	case outcomeExhausted:
		return "exhausted"
	case outcomeCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// lookupState is the state carried between rounds of an iterative lookup.
type lookupState struct {
	target nodeid.ID
	// candidates not yet queried, closest first
	candidates []NodeInfo
	// ids already queried, queued or otherwise excluded
	seen    map[nodeid.ID]struct{}
	minDist nodeid.ID
	round   int
}

// rpcReply is the resolved result of one RPC sent during a round.
type rpcReply struct {
	node   NodeInfo
	resp   *krpc.Msg
	err    error
	nodes  []NodeInfo
	values []netip.AddrPort
	token  string
}

// roundResult tells the driving loop whether to continue.
type roundResult struct {
	done    bool
	outcome outcome
}

func newLookupState(self, target nodeid.ID, seeds []NodeInfo) lookupState {
	st := lookupState{
		target:  target,
		seen:    map[nodeid.ID]struct{}{self: {}},
		minDist: nodeid.Max,
	}
	for _, n := range seeds {
		if _, dup := st.seen[n.ID]; dup || !n.Valid() {
			continue
		}
		st.seen[n.ID] = struct{}{}
		st.candidates = append(st.candidates, n)
	}
	sortByDistance(st.candidates, target)
	if len(st.candidates) > 0 {
		st.minDist = nodeid.Distance(st.candidates[0].ID, target)
	}
	return st
}

// nextBatch takes up to n of the closest candidates for the next round.
func (st *lookupState) nextBatch(n int) []NodeInfo {
	if n > len(st.candidates) {
		n = len(st.candidates)
	}
	batch := append([]NodeInfo(nil), st.candidates[:n]...)
	st.candidates = st.candidates[n:]
	return batch
}

// advanceRound merges the replies of one round into the lookup state. Only
// returned nodes strictly closer to the target than every node seen so far
// become candidates, so the minimum distance never grows. The lookup ends
// exhausted when every RPC of the round failed and converges when no reply
// improved on the minimum distance. advanceRound performs no I/O.
func advanceRound(st lookupState, replies []rpcReply, maxCandidates int) (lookupState, roundResult) {
	st.round++

	succeeded := 0
	var closer []NodeInfo
	for _, r := range replies {
		if r.err != nil {
			continue
		}
		succeeded++
		for _, n := range r.nodes {
			if _, dup := st.seen[n.ID]; dup || !n.Valid() {
				continue
			}
			st.seen[n.ID] = struct{}{}
			if nodeid.Less(nodeid.Distance(n.ID, st.target), st.minDist) {
				closer = append(closer, n)
			}
		}
	}

	if succeeded == 0 {
		return st, roundResult{done: true, outcome: outcomeExhausted}
	}
	if len(closer) == 0 {
		return st, roundResult{done: true, outcome: outcomeSuccess}
	}

	sortByDistance(closer, st.target)
	st.minDist = nodeid.Distance(closer[0].ID, st.target)

	merged := make([]NodeInfo, 0, len(closer)+len(st.candidates))
	merged = append(merged, closer...)
	merged = append(merged, st.candidates...)
	sortByDistance(merged, st.target)
	if len(merged) > maxCandidates {
		merged = merged[:maxCandidates]
	}
	st.candidates = merged

	return st, roundResult{}
}

// firstValues returns the peers of the first reply carrying values.
func firstValues(replies []rpcReply) ([]netip.AddrPort, bool) {
	for _, r := range replies {
		if r.err == nil && len(r.values) > 0 {
			return r.values, true
		}
	}
	return nil, false
}

func sortByDistance(nodes []NodeInfo, target nodeid.ID) {
	sort.SliceStable(nodes, func(i, j int) bool {
		return nodeid.CloserThan(nodes[i].ID, nodes[j].ID, target)
	})
}
