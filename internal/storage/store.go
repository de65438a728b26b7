package storage

import (
	"errors"
	"fmt"
	"sync"

	"github.com/dreamware/strata/internal/segment"
)

var (
	// ErrSegmentNotFound is returned when a segment is not loaded on the node
	ErrSegmentNotFound = errors.New("segment not found")

	// ErrInsufficientCapacity is returned when loading a segment would exceed MaxSize
	ErrInsufficientCapacity = errors.New("insufficient capacity")
)

// Store defines the node-side inventory of loaded segments
// All implementations must be thread-safe for concurrent access
type Store interface {
	// Load adds a segment to the node
	// Loading a segment that is already present is a no-op
	// Returns ErrInsufficientCapacity if the segment does not fit
	Load(seg *segment.Segment) error

	// Drop removes a segment
	// Returns ErrSegmentNotFound if the segment isn't loaded
	Drop(id string) error

	// Get returns a loaded segment by ID
	Get(id string) (*segment.Segment, error)

	// List returns all loaded segments ordered by ID
	List() []*segment.Segment

	// Stats returns storage statistics
	Stats() StoreStats
}

// StoreStats contains statistics about the store
type StoreStats struct {
	Segments int   `json:"segments"` // Number of loaded segments
	Bytes    int64 `json:"bytes"`    // Total size of loaded segments
	MaxSize  int64 `json:"max_size"` // Capacity in bytes
}

// SegmentStore implements Store in memory
// Uses sync.RWMutex for thread-safe concurrent access
type SegmentStore struct {
	mu       sync.RWMutex                // Protects concurrent access
	segments map[string]*segment.Segment // Loaded segments by ID
	bytes    int64                       // Sum of loaded segment sizes
	maxSize  int64
}

// NewSegmentStore creates an empty store that holds at most maxSize bytes
func NewSegmentStore(maxSize int64) *SegmentStore {
	return &SegmentStore{
		segments: make(map[string]*segment.Segment),
		maxSize:  maxSize,
	}
}

// Load validates and stores a copy of seg
func (s *SegmentStore) Load(seg *segment.Segment) error {
	if err := seg.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.segments[seg.ID]; exists {
		return nil
	}
	if s.bytes+seg.Size > s.maxSize {
		return fmt.Errorf("%w: segment %s needs %d bytes, %d of %d in use",
			ErrInsufficientCapacity, seg.ID, seg.Size, s.bytes, s.maxSize)
	}

	stored := *seg
	s.segments[seg.ID] = &stored
	s.bytes += seg.Size
	return nil
}

// Drop removes a segment by ID
func (s *SegmentStore) Drop(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	seg, exists := s.segments[id]
	if !exists {
		return ErrSegmentNotFound
	}
	delete(s.segments, id)
	s.bytes -= seg.Size
	return nil
}

// Get returns a copy of a loaded segment
func (s *SegmentStore) Get(id string) (*segment.Segment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	seg, exists := s.segments[id]
	if !exists {
		return nil, ErrSegmentNotFound
	}
	out := *seg
	return &out, nil
}

// List returns copies of all loaded segments ordered by ID
func (s *SegmentStore) List() []*segment.Segment {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*segment.Segment, 0, len(s.segments))
	for _, seg := range s.segments {
		c := *seg
		out = append(out, &c)
	}
	segment.SortByID(out)
	return out
}

// Stats returns storage statistics
func (s *SegmentStore) Stats() StoreStats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return StoreStats{
		Segments: len(s.segments),
		Bytes:    s.bytes,
		MaxSize:  s.maxSize,
	}
}
