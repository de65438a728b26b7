// Package segment defines the data unit Strata places on storage nodes.
//
// A segment is an immutable description of a chunk of a named data source
// covering a half-open time interval, with a byte size. Segments are produced
// elsewhere; the coordinator only learns about them, decides which node
// should serve them, and moves them between nodes to keep the cluster
// balanced.
//
// # Identity
//
// Two segments with the same ID are the same segment. Maps keyed by ID are
// used everywhere, and anything that iterates over a set of segments does so
// in ID order (see SortByID) so that floating-point cost sums come out
// identical from one run to the next.
//
// # Validation
//
// Segments arriving from the outside are validated before they reach the
// placement engine:
//
//	seg, err := segment.New("wiki_2024-01-01", "wiki",
//	    segment.NewInterval(day, day.Add(24*time.Hour)), 512<<20)
//	if errors.Is(err, segment.ErrInvalid) {
//	    // reject the request
//	}
//
// A size of zero is valid. Negative sizes and intervals whose end is not
// after their start are rejected.
package segment
