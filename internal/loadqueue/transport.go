package loadqueue

import (
	"context"

	"github.com/dreamware/strata/internal/cluster"
	"github.com/dreamware/strata/internal/segment"
)

// Transport delivers commands to a node at addr.
type Transport interface {
	Load(ctx context.Context, addr string, seg *segment.Segment) error
	Drop(ctx context.Context, addr string, seg *segment.Segment) error
}

// HTTPTransport talks to the node's /load and /drop endpoints.
type HTTPTransport struct{}

// Load posts a cluster.LoadRequest to addr/load.
func (HTTPTransport) Load(ctx context.Context, addr string, seg *segment.Segment) error {
	return cluster.PostJSON(ctx, addr+"/load", cluster.LoadRequest{Segment: seg}, nil)
}

// Drop posts a cluster.DropRequest to addr/drop.
func (HTTPTransport) Drop(ctx context.Context, addr string, seg *segment.Segment) error {
	return cluster.PostJSON(ctx, addr+"/drop", cluster.DropRequest{SegmentID: seg.ID}, nil)
}
