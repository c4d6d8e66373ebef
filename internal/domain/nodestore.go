package domain

import (
	"sort"
	"sync"
	"time"
)

// NodeStore keeps the latest node snapshots for one connection. It is
// written by the session read loop and read by presentation layers through
// snapshots; it is reset on every fresh connect.
type NodeStore struct {
	mu      sync.RWMutex
	nodes   map[uint32]Node
	changes chan struct{}
}

func NewNodeStore() *NodeStore {
	return &NodeStore{
		nodes:   make(map[uint32]Node),
		changes: make(chan struct{}, 1),
	}
}

// Upsert merges a sparse update into the stored node: only fields the
// update actually carries overwrite cached values.
func (s *NodeStore) Upsert(node Node) {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.nodes[node.NodeNum]
	if ok {
		if node.LongName == "" {
			node.LongName = existing.LongName
		}
		if node.ShortName == "" {
			node.ShortName = existing.ShortName
		}
		if node.Latitude == nil {
			node.Latitude = existing.Latitude
		}
		if node.Longitude == nil {
			node.Longitude = existing.Longitude
		}
		if node.Altitude == nil {
			node.Altitude = existing.Altitude
		}
		if node.PositionTime == 0 {
			node.PositionTime = existing.PositionTime
		}
		if node.BatteryLevel == nil {
			node.BatteryLevel = existing.BatteryLevel
		}
		if node.Voltage == nil {
			node.Voltage = existing.Voltage
		}
		if node.ChannelUtil == nil {
			node.ChannelUtil = existing.ChannelUtil
		}
		if node.AirUtilTx == nil {
			node.AirUtilTx = existing.AirUtilTx
		}
		if node.SNR == nil {
			node.SNR = existing.SNR
		}
		if node.LastHeardAt.IsZero() || existing.LastHeardAt.After(node.LastHeardAt) {
			node.LastHeardAt = existing.LastHeardAt
		}
		if existing.UpdatedAt.After(node.UpdatedAt) {
			node.UpdatedAt = existing.UpdatedAt
		}
	}
	if node.NodeID == "" {
		node.NodeID = FormatNodeNum(node.NodeNum)
	}
	if node.UpdatedAt.IsZero() {
		node.UpdatedAt = time.Now()
	}
	s.nodes[node.NodeNum] = node
	s.notify()
}

func (s *NodeStore) Get(num uint32) (Node, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	node, ok := s.nodes[num]

	return node, ok
}

func (s *NodeStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return len(s.nodes)
}

func (s *NodeStore) SnapshotSorted() []Node {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Node, 0, len(s.nodes))
	for _, node := range s.nodes {
		out = append(out, node)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].LastHeardAt.After(out[j].LastHeardAt)
	})

	return out
}

func (s *NodeStore) Changes() <-chan struct{} {
	return s.changes
}

// Reset drops all nodes; a fresh handshake invalidates prior state.
func (s *NodeStore) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nodes = make(map[uint32]Node)
	s.notify()
}

func (s *NodeStore) notify() {
	select {
	case s.changes <- struct{}{}:
	default:
	}
}
