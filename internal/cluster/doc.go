// Package cluster holds the types shared between the Strata coordinator and
// its storage nodes: node identity, the JSON wire requests, and the
// read-only NodeView snapshots the placement engine works on.
//
// # Overview
//
// Strata follows a hub-and-spoke model. A single coordinator decides which
// storage node serves which segment; nodes register with it, report what they
// serve, and execute load and drop commands:
//
//	              ┌──────────────┐
//	              │ Coordinator  │
//	              │              │
//	              │ - Registry   │
//	              │ - Balancer   │
//	              │ - Load queue │
//	              └──────┬───────┘
//	                     │ POST /load, /drop
//	      ┌──────────────┼──────────────┐
//	      │              │              │
//	┌─────▼─────┐ ┌─────▼─────┐ ┌─────▼─────┐
//	│  Node 1   │ │  Node 2   │ │  Node 3   │
//	│ segments  │ │ segments  │ │ segments  │
//	└───────────┘ └───────────┘ └───────────┘
//
// # Snapshots
//
// Every balancing decision runs against a consistent point-in-time view of
// the cluster. The coordinator builds one NodeView per node from its registry
// (ServerState) and the node's pending load queue (PendingQueue):
//
//	view, err := cluster.NewNodeView(cluster.ServerState{
//	    ID:       "node-1",
//	    MaxSize:  100 << 30,
//	    CurrSize: 42 << 30,
//	    Segments: served,
//	}, peon)
//
// A NodeView copies everything it is given and never changes afterwards.
// AvailableSize subtracts bytes already queued for loading, so a node that is
// about to fill up stops attracting new segments before the loads land.
//
// # Communication Protocol
//
// All coordinator/node traffic is HTTP/JSON through PostJSON and GetJSON:
//
//	POST /register  RegisterRequest   node -> coordinator
//	POST /load      LoadRequest       coordinator -> node
//	POST /drop      DropRequest       coordinator -> node
//	GET  /segments  SegmentList       coordinator -> node
//	GET  /health                      coordinator -> node
//
// Non-2xx responses come back as *StatusError so callers can tell a full
// node (507) from a transport failure.
package cluster
