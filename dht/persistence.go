package dht

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/anacrolix/torrent/bencode"

	"github.com/opd-ai/btdht/krpc"
	"github.com/opd-ai/btdht/nodeid"
)

const persistedTableVersion = 1

type persistedNode struct {
	ID   string `bencode:"id"`
	Addr string `bencode:"addr"`
	Seen int64  `bencode:"seen"`
}

type persistedTable struct {
	Version int             `bencode:"v"`
	Nodes   []persistedNode `bencode:"nodes"`
}

// Save serializes the active nodes of the table.
func (rt *RoutingTable) Save() ([]byte, error) {
	records := rt.Nodes()
	pt := persistedTable{
		Version: persistedTableVersion,
		Nodes:   make([]persistedNode, 0, len(records)),
	}
	for _, r := range records {
		pt.Nodes = append(pt.Nodes, persistedNode{
			ID:   r.Info.ID.Raw(),
			Addr: krpc.EncodeCompactPeer(r.Info.Addr),
			Seen: r.LastSeen.Unix(),
		})
	}

	data, err := bencode.Marshal(pt)
	if err != nil {
		return nil, fmt.Errorf("encode routing table: %w", err)
	}
	return data, nil
}

// Load replaces the table contents with a snapshot produced by Save and
// returns the number of nodes restored. Malformed or truncated input leaves
// the table empty. Unusable records are skipped.
func (rt *RoutingTable) Load(data []byte) int {
	// Buckets only count as fresh from the newest restored contact.
	rt.reset(time.Time{})

	if len(data) == 0 {
		return 0
	}
	var pt persistedTable
	if err := bencode.Unmarshal(data, &pt); err != nil || pt.Version != persistedTableVersion {
		return 0
	}

	sort.SliceStable(pt.Nodes, func(i, j int) bool {
		return pt.Nodes[i].Seen < pt.Nodes[j].Seen
	})

	now := rt.clock.Now()
	for _, pn := range pt.Nodes {
		id, err := nodeid.FromString(pn.ID)
		if err != nil {
			continue
		}
		addr, err := krpc.DecodeCompactPeer(pn.Addr)
		if err != nil {
			continue
		}
		seen := time.Unix(pn.Seen, 0)
		if pn.Seen <= 0 || seen.After(now) {
			seen = now
		}
		rt.checkNodeAt(NodeInfo{ID: id, Addr: addr}, seen)
	}

	rt.mu.Lock()
	for i := range rt.buckets {
		rt.buckets[i].checking = false
	}
	rt.mu.Unlock()

	// Whatever did not fit the active sets stays out of the count.
	return rt.Len()
}

// SaveFile writes the table snapshot to path, replacing it atomically.
func (rt *RoutingTable) SaveFile(path string) error {
	data, err := rt.Save()
	if err != nil {
		return err
	}

	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp*")
	if err != nil {
		return fmt.Errorf("create state file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write state file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close state file: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("replace state file: %w", err)
	}
	return nil
}

// LoadFile restores the table from path. A missing file restores nothing
// and is not an error.
func (rt *RoutingTable) LoadFile(path string) (int, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		rt.Clear()
		return 0, nil
	}
	if err != nil {
		rt.Clear()
		return 0, fmt.Errorf("read state file: %w", err)
	}
	return rt.Load(data), nil
}
