// Package loadqueue holds the commands the coordinator has decided on but
// not yet delivered to storage nodes.
//
// There is one Peon per node. The balancer reads it as a cluster.PendingQueue
// so a segment queued for a node already counts against that node's room and
// placement cost. The coordination cycle flushes every peon at the end of
// each run:
//
//	peon := loadqueue.New("node-1", "http://10.0.0.5:8081", loadqueue.HTTPTransport{})
//	peon.LoadSegment(seg, func(err error) {
//	    if err == nil {
//	        registry.MarkLoaded("node-1", seg)
//	    }
//	})
//	res := peon.Flush(ctx)
//
// Deliveries are paced with a token bucket so a large rebalance does not
// flood a node.
package loadqueue
