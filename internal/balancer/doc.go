// Package balancer decides which storage node should serve a segment and
// which already-placed segments should move to even out the cluster.
//
// # Cost Model
//
// Every pair of segments on the same node has a cost (CostFunction). The
// default JointCostFunction combines:
//
//   - a time term: the double integral of exp(-lambda*|x-y|) over both
//     intervals (IntervalCost), highest for fully overlapping intervals and
//     decaying smoothly, without a cutoff, as they move apart;
//   - a size weight 1 + (size_a + size_b) / SizeScale, so large segments
//     colliding cost more while empty segments still count;
//   - a penalty when both segments belong to the same data source;
//   - an optional recency multiplier for segments that ended shortly before
//     a reference time.
//
// Defaults (DefaultCostParams): 24h half-life, 1 GiB size scale, same-source
// penalty 2, recency disabled until ReferenceTime is set (7 day window, x2).
//
// # Placement
//
// The cost of putting a segment on a node is the sum of its pair costs with
// everything the node serves or is about to load. CostStrategy computes one
// sum per candidate node on a shared WorkerPool, waits for all of them, and
// picks the smallest with a strict comparison, so the first node in the
// snapshot wins ties. The outcome does not depend on the pool size or on the
// order in which the sums finish:
//
//	pool := balancer.NewWorkerPool(8)
//	defer pool.Close()
//
//	strategy, err := balancer.NewCostStrategy(pool)
//	...
//	node, err := strategy.FindHomeForSegment(ctx, seg, views)
//	switch {
//	case err != nil:
//	    // computation failed; nothing was decided, retry next cycle
//	case node == nil:
//	    // no node has room
//	default:
//	    // enqueue a load on node
//	}
//
// # Rebalancing
//
// ProposeMoves returns a lazy, single-use sequence of moves. Each yielded
// move strictly lowers the cluster cost; segments already in flight are left
// alone. The strategy only proposes; executing a move is up to the caller.
//
// # Failures
//
// If any per-node sum fails (error, panic, NaN, timeout, cancellation) the
// whole call fails with a *ComputeError. A partially summed node would look
// cheaper than it is, so no decision is ever made from incomplete sums.
package balancer
