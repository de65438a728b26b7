package coordinator

import (
	"errors"
	"fmt"
	"sync"

	"golang.org/x/exp/slices"

	"github.com/dreamware/strata/internal/cluster"
	"github.com/dreamware/strata/internal/segment"
)

var (
	// ErrNodeNotFound is returned for operations on a node that is not registered.
	ErrNodeNotFound = errors.New("node not found")

	// ErrInvalidNode is returned when a registration is missing its ID or address.
	ErrInvalidNode = errors.New("invalid node")
)

// registeredNode is the registry's record of one storage node.
type registeredNode struct {
	info     cluster.NodeInfo
	segments map[string]*segment.Segment // segments the node confirmed loading
	size     int64                       // sum of segment sizes
}

// SegmentRegistry is the coordinator's authoritative view of the cluster:
// which nodes exist, which segments each of them serves, and which announced
// segments are not served anywhere yet.
//
// Architecture:
//
//	┌──────────────────────────────────────────┐
//	│             SegmentRegistry              │
//	├──────────────────────────────────────────┤
//	│  order:      [node-1, node-2, node-3]    │
//	│  nodes:      id → {info, segments, size} │
//	│  known:      every announced segment     │
//	│  unassigned: known but served nowhere    │
//	└──────────────────────────────────────────┘
//
// Node order is registration order. Snapshots (Nodes, States) follow it, and
// the balancer breaks cost ties by it, so two coordinators fed the same
// registrations make the same decisions.
//
// The registry only records facts. Deciding where segments go is the
// balancer's job and delivering commands is the load queue's; the coordinator
// reports back through MarkLoaded and MarkDropped once a node confirms.
//
// Thread Safety:
// All methods are safe for concurrent use. Returned slices, maps and
// segments are copies.
type SegmentRegistry struct {
	mu sync.RWMutex

	// order holds node IDs in registration order.
	order []string

	nodes map[string]*registeredNode

	// known holds every announced segment by ID.
	known map[string]*segment.Segment

	// unassigned holds known segments that no node serves.
	unassigned map[string]*segment.Segment
}

// NewSegmentRegistry creates an empty registry.
//
// Example:
//
//	registry := NewSegmentRegistry()
//	registry.RegisterNode(cluster.NodeInfo{ID: "node-1", Addr: "http://10.0.0.1:8081", MaxSize: 10 << 30})
//	registry.AddSegment(seg)
func NewSegmentRegistry() *SegmentRegistry {
	return &SegmentRegistry{
		nodes:      make(map[string]*registeredNode),
		known:      make(map[string]*segment.Segment),
		unassigned: make(map[string]*segment.Segment),
	}
}

// RegisterNode adds a node or, if the ID is already registered, updates its
// address and capacity in place. Re-registering keeps the node's position
// and its segments.
//
// Parameters:
//   - info: node ID, base URL and capacity in bytes
//
// Returns:
//   - true if the node is new
//   - ErrInvalidNode if the ID or address is empty or the capacity negative
func (r *SegmentRegistry) RegisterNode(info cluster.NodeInfo) (bool, error) {
	if info.ID == "" || info.Addr == "" {
		return false, fmt.Errorf("%w: id and addr are required", ErrInvalidNode)
	}
	if info.MaxSize < 0 {
		return false, fmt.Errorf("%w: negative max size %d", ErrInvalidNode, info.MaxSize)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if n, ok := r.nodes[info.ID]; ok {
		n.info = info
		return false, nil
	}

	r.order = append(r.order, info.ID)
	r.nodes[info.ID] = &registeredNode{
		info:     info,
		segments: make(map[string]*segment.Segment),
	}
	return true, nil
}

// RemoveNode forgets a node. Segments it served that no other node serves
// go back to the unassigned set so the next balancing cycle places them.
//
// Returns:
//   - the orphaned segments ordered by ID
//   - ErrNodeNotFound if the node is not registered
//
// Example:
//
//	monitor.SetOnUnhealthy(func(nodeID string) {
//	    orphans, _ := registry.RemoveNode(nodeID)
//	    log.Info().Int("orphans", len(orphans)).Msg("node removed")
//	})
func (r *SegmentRegistry) RemoveNode(id string) ([]*segment.Segment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	n, ok := r.nodes[id]
	if !ok {
		return nil, ErrNodeNotFound
	}
	delete(r.nodes, id)
	if i := slices.Index(r.order, id); i >= 0 {
		r.order = slices.Delete(r.order, i, i+1)
	}

	var orphans []*segment.Segment
	for segID, seg := range n.segments {
		if r.servedLocked(segID) {
			continue
		}
		r.unassigned[segID] = seg
		orphans = append(orphans, copySegment(seg))
	}
	segment.SortByID(orphans)
	return orphans, nil
}

// servedLocked reports whether any registered node serves segID.
func (r *SegmentRegistry) servedLocked(segID string) bool {
	for _, n := range r.nodes {
		if _, ok := n.segments[segID]; ok {
			return true
		}
	}
	return false
}

// Nodes returns the registered nodes in registration order.
func (r *SegmentRegistry) Nodes() []cluster.NodeInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]cluster.NodeInfo, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.nodes[id].info)
	}
	return out
}

// Node returns a registered node.
func (r *SegmentRegistry) Node(id string) (cluster.NodeInfo, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	n, ok := r.nodes[id]
	if !ok {
		return cluster.NodeInfo{}, false
	}
	return n.info, true
}

// AddSegment announces a segment that should be served. New segments start
// unassigned. Announcing a known ID again is ignored.
//
// Returns:
//   - true if the segment is new
//   - an error wrapping segment.ErrInvalid for malformed segments
func (r *SegmentRegistry) AddSegment(seg *segment.Segment) (bool, error) {
	if err := seg.Validate(); err != nil {
		return false, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.known[seg.ID]; ok {
		return false, nil
	}
	c := copySegment(seg)
	r.known[seg.ID] = c
	if !r.servedLocked(seg.ID) {
		r.unassigned[seg.ID] = c
	}
	return true, nil
}

// Segments returns every announced segment ordered by ID.
func (r *SegmentRegistry) Segments() []*segment.Segment {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return copyValues(r.known)
}

// MarkLoaded records that a node now serves seg. The segment becomes known
// if it was not, and leaves the unassigned set.
func (r *SegmentRegistry) MarkLoaded(nodeID string, seg *segment.Segment) error {
	if err := seg.Validate(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	n, ok := r.nodes[nodeID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNodeNotFound, nodeID)
	}

	c, ok := r.known[seg.ID]
	if !ok {
		c = copySegment(seg)
		r.known[seg.ID] = c
	}
	if _, ok := n.segments[seg.ID]; !ok {
		n.segments[seg.ID] = c
		n.size += c.Size
	}
	delete(r.unassigned, seg.ID)
	return nil
}

// MarkDropped records that a node no longer serves segID. If no node serves
// it anymore it goes back to the unassigned set. Dropping a segment the node
// does not serve is a no-op.
func (r *SegmentRegistry) MarkDropped(nodeID, segID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	n, ok := r.nodes[nodeID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNodeNotFound, nodeID)
	}

	seg, ok := n.segments[segID]
	if !ok {
		return nil
	}
	delete(n.segments, segID)
	n.size -= seg.Size

	if !r.servedLocked(segID) {
		r.unassigned[segID] = seg
	}
	return nil
}

// Unassigned returns the known segments no node serves, ordered by ID.
func (r *SegmentRegistry) Unassigned() []*segment.Segment {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return copyValues(r.unassigned)
}

// NodeSegments returns the segments a node serves, ordered by ID.
func (r *SegmentRegistry) NodeSegments(nodeID string) ([]*segment.Segment, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	n, ok := r.nodes[nodeID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNodeNotFound, nodeID)
	}
	return copyValues(n.segments), nil
}

// SegmentNodes returns the IDs of the nodes serving segID in registration order.
func (r *SegmentRegistry) SegmentNodes(segID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []string
	for _, id := range r.order {
		if _, ok := r.nodes[id].segments[segID]; ok {
			out = append(out, id)
		}
	}
	return out
}

// States returns one cluster.ServerState per node in registration order,
// ready to be turned into balancer snapshots.
func (r *SegmentRegistry) States() []cluster.ServerState {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]cluster.ServerState, 0, len(r.order))
	for _, id := range r.order {
		n := r.nodes[id]
		segs := make(map[string]*segment.Segment, len(n.segments))
		for segID, s := range n.segments {
			segs[segID] = copySegment(s)
		}
		out = append(out, cluster.ServerState{
			ID:       n.info.ID,
			Addr:     n.info.Addr,
			MaxSize:  n.info.MaxSize,
			CurrSize: n.size,
			Segments: segs,
		})
	}
	return out
}

func copySegment(s *segment.Segment) *segment.Segment {
	c := *s
	return &c
}

func copyValues(m map[string]*segment.Segment) []*segment.Segment {
	out := make([]*segment.Segment, 0, len(m))
	for _, s := range m {
		out = append(out, copySegment(s))
	}
	segment.SortByID(out)
	return out
}
