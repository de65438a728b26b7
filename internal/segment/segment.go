package segment

import (
	"errors"
	"fmt"
	"sort"
	"time"
)

// ErrInvalid is returned (wrapped) for any malformed segment description.
var ErrInvalid = errors.New("invalid segment")

// Interval is a half-open time range [Start, End).
type Interval struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// NewInterval returns the interval [start, end).
func NewInterval(start, end time.Time) Interval {
	return Interval{Start: start, End: end}
}

// Duration returns the length of the interval.
func (i Interval) Duration() time.Duration {
	return i.End.Sub(i.Start)
}

// Overlaps reports whether the two intervals share at least one instant.
// Adjacent intervals ([a,b) and [b,c)) do not overlap.
func (i Interval) Overlaps(o Interval) bool {
	return i.Start.Before(o.End) && o.Start.Before(i.End)
}

// Gap returns the distance between two intervals, or zero when they
// overlap or abut.
func (i Interval) Gap(o Interval) time.Duration {
	switch {
	case !i.End.After(o.Start):
		return o.Start.Sub(i.End)
	case !o.End.After(i.Start):
		return i.Start.Sub(o.End)
	default:
		return 0
	}
}

// String formats the interval the way segment identifiers usually embed it.
func (i Interval) String() string {
	return i.Start.UTC().Format(time.RFC3339) + "/" + i.End.UTC().Format(time.RFC3339)
}

// Segment is an immutable, time-bounded chunk of a named data source.
// Once constructed a Segment must not be modified; everything in this
// module passes *Segment around and only reads from it.
type Segment struct {
	ID         string   `json:"id"`          // Unique identifier
	DataSource string   `json:"data_source"` // Logical dataset the segment belongs to
	Interval   Interval `json:"interval"`    // Time range covered by the segment
	Size       int64    `json:"size"`        // Size in bytes
}

// New creates a validated segment.
func New(id, dataSource string, interval Interval, size int64) (*Segment, error) {
	s := &Segment{
		ID:         id,
		DataSource: dataSource,
		Interval:   interval,
		Size:       size,
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return s, nil
}

// Validate checks the segment description.
// Zero size is allowed; negative size and empty or inverted intervals are not.
func (s *Segment) Validate() error {
	if s == nil {
		return fmt.Errorf("%w: nil segment", ErrInvalid)
	}
	if s.ID == "" {
		return fmt.Errorf("%w: empty id", ErrInvalid)
	}
	if s.Size < 0 {
		return fmt.Errorf("%w: segment %s has negative size %d", ErrInvalid, s.ID, s.Size)
	}
	if s.Interval.Duration() <= 0 {
		return fmt.Errorf("%w: segment %s has non-positive interval %s", ErrInvalid, s.ID, s.Interval)
	}
	return nil
}

// String returns the segment ID.
func (s *Segment) String() string {
	return s.ID
}

// SortByID sorts segments in place by ID, the canonical iteration order.
func SortByID(segments []*Segment) {
	sort.Slice(segments, func(i, j int) bool {
		return segments[i].ID < segments[j].ID
	})
}

// SortedValues returns the map values ordered by segment ID.
func SortedValues(m map[string]*Segment) []*Segment {
	out := make([]*Segment, 0, len(m))
	for _, s := range m {
		out = append(out, s)
	}
	SortByID(out)
	return out
}

// TotalSize sums the sizes of the given segments.
func TotalSize(segments []*Segment) int64 {
	var total int64
	for _, s := range segments {
		total += s.Size
	}
	return total
}
