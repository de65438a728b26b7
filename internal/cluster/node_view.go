package cluster

import (
	"fmt"

	"github.com/dreamware/strata/internal/segment"
)

// PendingQueue exposes the in-flight load and drop commands for one node.
// The placement engine only reads from it.
type PendingQueue interface {
	// SegmentsToLoad returns segments queued for loading, ordered by ID.
	SegmentsToLoad() []*segment.Segment

	// SegmentsToDrop returns segments queued for dropping, ordered by ID.
	SegmentsToDrop() []*segment.Segment

	// LoadQueueSize returns the total bytes queued for loading.
	LoadQueueSize() int64
}

// ServerState is the registry's description of one node at a point in time.
type ServerState struct {
	ID       string
	Addr     string
	MaxSize  int64
	CurrSize int64
	Segments map[string]*segment.Segment
}

// NodeView is a frozen, read-only snapshot of a node: its capacity, the
// segments it serves, and the segments queued to load on or drop from it.
//
// Views are built fresh for every balancing decision and discarded after.
// All accessors return copies, so a view can be shared between goroutines
// without locking.
type NodeView struct {
	id       string
	addr     string
	maxSize  int64
	currSize int64

	resident    []*segment.Segment // sorted by ID
	pendingLoad []*segment.Segment // sorted by ID
	pendingDrop []*segment.Segment // sorted by ID
	queuedBytes int64

	residentIdx map[string]struct{}
	loadIdx     map[string]struct{}
	dropIdx     map[string]struct{}
}

// NewNodeView snapshots a node and its pending queue.
// queue may be nil when nothing is in flight for the node.
func NewNodeView(state ServerState, queue PendingQueue) (*NodeView, error) {
	if state.ID == "" {
		return nil, fmt.Errorf("node view: empty node id")
	}
	if state.CurrSize < 0 {
		return nil, fmt.Errorf("node view %s: negative current size %d", state.ID, state.CurrSize)
	}

	v := &NodeView{
		id:          state.ID,
		addr:        state.Addr,
		maxSize:     state.MaxSize,
		currSize:    state.CurrSize,
		resident:    segment.SortedValues(state.Segments),
		residentIdx: make(map[string]struct{}, len(state.Segments)),
		loadIdx:     make(map[string]struct{}),
		dropIdx:     make(map[string]struct{}),
	}
	for _, s := range v.resident {
		if err := s.Validate(); err != nil {
			return nil, fmt.Errorf("node view %s: %w", state.ID, err)
		}
		v.residentIdx[s.ID] = struct{}{}
	}

	if queue != nil {
		v.pendingLoad = copySorted(queue.SegmentsToLoad())
		v.pendingDrop = copySorted(queue.SegmentsToDrop())
		v.queuedBytes = queue.LoadQueueSize()
	}
	for _, s := range v.pendingLoad {
		if err := s.Validate(); err != nil {
			return nil, fmt.Errorf("node view %s: pending load: %w", state.ID, err)
		}
		v.loadIdx[s.ID] = struct{}{}
	}
	for _, s := range v.pendingDrop {
		v.dropIdx[s.ID] = struct{}{}
	}

	return v, nil
}

func copySorted(in []*segment.Segment) []*segment.Segment {
	out := make([]*segment.Segment, len(in))
	copy(out, in)
	segment.SortByID(out)
	return out
}

func (v *NodeView) ID() string      { return v.id }
func (v *NodeView) Addr() string    { return v.addr }
func (v *NodeView) MaxSize() int64  { return v.maxSize }
func (v *NodeView) CurrSize() int64 { return v.currSize }

// LoadQueueSize returns the bytes queued for loading on the node.
func (v *NodeView) LoadQueueSize() int64 { return v.queuedBytes }

// AvailableSize is MaxSize - CurrSize - LoadQueueSize. It can be negative
// while the node is over-committed; callers must compare, not assume.
func (v *NodeView) AvailableSize() int64 {
	return v.maxSize - v.currSize - v.queuedBytes
}

// IsServingSegment reports whether the segment is resident on the node.
func (v *NodeView) IsServingSegment(id string) bool {
	_, ok := v.residentIdx[id]
	return ok
}

// IsLoadingSegment reports whether the segment is queued to load on the node.
func (v *NodeView) IsLoadingSegment(id string) bool {
	_, ok := v.loadIdx[id]
	return ok
}

// IsDroppingSegment reports whether the segment is queued to drop from the node.
func (v *NodeView) IsDroppingSegment(id string) bool {
	_, ok := v.dropIdx[id]
	return ok
}

// HasSegment reports whether the segment is part of AllSegments.
func (v *NodeView) HasSegment(id string) bool {
	return (v.IsServingSegment(id) || v.IsLoadingSegment(id)) && !v.IsDroppingSegment(id)
}

// Segments returns the resident segments ordered by ID.
func (v *NodeView) Segments() []*segment.Segment {
	return append([]*segment.Segment(nil), v.resident...)
}

// PendingLoad returns segments queued for loading ordered by ID.
func (v *NodeView) PendingLoad() []*segment.Segment {
	return append([]*segment.Segment(nil), v.pendingLoad...)
}

// PendingDrop returns segments queued for dropping ordered by ID.
func (v *NodeView) PendingDrop() []*segment.Segment {
	return append([]*segment.Segment(nil), v.pendingDrop...)
}

// AllSegments returns resident and pending-load segments, minus those
// pending drop, ordered by ID.
func (v *NodeView) AllSegments() []*segment.Segment {
	out := make([]*segment.Segment, 0, len(v.resident)+len(v.pendingLoad))
	for _, s := range v.resident {
		if !v.IsDroppingSegment(s.ID) {
			out = append(out, s)
		}
	}
	for _, s := range v.pendingLoad {
		if !v.IsServingSegment(s.ID) && !v.IsDroppingSegment(s.ID) {
			out = append(out, s)
		}
	}
	segment.SortByID(out)
	return out
}

// CostSegments returns the segments that count towards the node's placement
// cost: resident plus pending load, ordered by ID, without duplicates.
func (v *NodeView) CostSegments() []*segment.Segment {
	out := make([]*segment.Segment, 0, len(v.resident)+len(v.pendingLoad))
	out = append(out, v.resident...)
	for _, s := range v.pendingLoad {
		if !v.IsServingSegment(s.ID) {
			out = append(out, s)
		}
	}
	segment.SortByID(out)
	return out
}

// NumSegments returns the number of resident segments.
func (v *NodeView) NumSegments() int { return len(v.resident) }

func (v *NodeView) String() string { return v.id }
