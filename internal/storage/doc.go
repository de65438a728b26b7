// Package storage keeps track of the segments a storage node has loaded.
//
// # Overview
//
// A node receives load and drop commands from the coordinator. The store is
// the node's record of what those commands produced: which segments it serves
// and how much of its capacity they use. The coordinator learns the same
// numbers from the node's /segments and /info endpoints.
//
//	┌──────────────┐   POST /load, /drop   ┌────────────────────┐
//	│ Coordinator  │ ────────────────────► │ Node HTTP handlers │
//	└──────────────┘                       └─────────┬──────────┘
//	                                                 │
//	                                                 ▼
//	                                       ┌────────────────────┐
//	                                       │   SegmentStore     │
//	                                       │ id -> *Segment     │
//	                                       │ bytes / maxSize    │
//	                                       └────────────────────┘
//
// # Capacity
//
// Load refuses a segment that would push the node past its MaxSize and
// returns ErrInsufficientCapacity. The coordinator already checks room
// before it sends a command, so this only fires when the node's view and the
// coordinator's view disagree (for example after a restart).
//
// Loading a segment twice is a no-op, so a retried command does not count the
// same bytes twice.
//
// # Thread Safety
//
// SegmentStore uses sync.RWMutex: readers (Get, List, Stats) run
// concurrently, writers (Load, Drop) are exclusive. Returned segments are
// copies.
//
// # Usage
//
//	store := storage.NewSegmentStore(10 << 30)
//	if err := store.Load(seg); errors.Is(err, storage.ErrInsufficientCapacity) {
//	    // report 507 to the coordinator
//	}
//	stats := store.Stats()
//	fmt.Printf("%d segments, %d/%d bytes\n", stats.Segments, stats.Bytes, stats.MaxSize)
package storage
