// Package coordinator implements the control plane of a Strata cluster:
// node membership, the record of which node serves which segment, health
// checking, and the periodic coordination cycle that places and moves
// segments.
//
// # Overview
//
// Storage nodes register with the coordinator and serve immutable,
// time-partitioned segments. Clients announce segments; the coordinator
// decides where they live and tells nodes to load or drop them. Nodes never
// talk to each other.
//
// # Architecture
//
//	┌──────────────────────────────────────────────┐
//	│                 COORDINATOR                  │
//	├──────────────────────────────────────────────┤
//	│                                              │
//	│  ┌────────────────┐    ┌──────────────────┐  │
//	│  │ SegmentRegistry│◄───│  HealthMonitor   │  │
//	│  │ nodes,segments │    │  removes nodes   │  │
//	│  └───────┬────────┘    └──────────────────┘  │
//	│          │ States                            │
//	│  ┌───────▼────────┐    ┌──────────────────┐  │
//	│  │  BalancerDuty  │───►│ balancer.Planner │  │
//	│  │  cycle loop    │    │ cost decisions   │  │
//	│  └───────┬────────┘    └──────────────────┘  │
//	│          │ LoadSegment / DropSegment         │
//	│  ┌───────▼────────┐                          │
//	│  │ loadqueue.Peon │──► node /load, /drop     │
//	│  │ one per node   │                          │
//	│  └────────────────┘                          │
//	└──────────────────────────────────────────────┘
//
// # Core Components
//
// SegmentRegistry: confirmed cluster state
//   - Nodes in registration order with their capacity
//   - Segments each node confirmed loading, and their total size
//   - Announced segments no node serves (unassigned)
//
// HealthMonitor: failure detection
//   - Probes every node's /health endpoint concurrently each interval
//   - Marks a node unhealthy after consecutive failures and fires a callback
//     once per transition
//
// BalancerDuty: the coordination cycle
//   - Snapshots every node as a cluster.NodeView, combining the registry
//     with the node's load queue
//   - Places unassigned segments one by one, re-snapshotting in between
//   - Queues up to MaxMoves cost-lowering moves
//   - Flushes every load queue and records confirmed commands
//
// # Moves
//
// A move is two commands. The target loads the segment first; only once the
// target confirms does the source get a drop. Until then the segment is
// served twice rather than not at all. While the drop is pending the
// segment is excluded from further moves.
//
// # Failure Handling
//
// Node failures:
//   - Detection: three failed health checks in a row by default
//   - Recovery: the node is removed; segments only it served become
//     unassigned and the next cycle places them elsewhere
//
// Command failures:
//   - A failed load or drop stays queued and is retried on the next cycle
//   - After MaxAttempts failures the command is dropped; a segment that was
//     never loaded stays unassigned and is placed again
//
// Cost computation failures abort the cycle step they happened in. Nothing
// decided from a partial result is queued.
//
// # Usage Example
//
//	registry := coordinator.NewSegmentRegistry()
//	pool := balancer.NewWorkerPool(4)
//	defer pool.Close()
//	strategy, _ := balancer.NewCostStrategy(pool)
//
//	duty := coordinator.NewBalancerDuty(registry, strategy, loadqueue.HTTPTransport{})
//	duty.Start(ctx, 30*time.Second)
//	defer duty.Stop()
//
//	monitor := coordinator.NewHealthMonitor(5 * time.Second)
//	monitor.SetOnUnhealthy(func(id string) { registry.RemoveNode(id) })
//	go monitor.Start(ctx, registry.Nodes)
//	defer monitor.Stop()
package coordinator
