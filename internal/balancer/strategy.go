package balancer

import (
	"context"
	"iter"

	"github.com/dreamware/strata/internal/cluster"
	"github.com/dreamware/strata/internal/segment"
)

// Strategy decides where segments live.
type Strategy interface {
	// FindHomeForSegment picks the node that should receive seg. A nil node
	// with a nil error means no node can take it right now; that is a normal
	// outcome, not a failure. nodes is a consistent snapshot and its order
	// breaks ties.
	FindHomeForSegment(ctx context.Context, seg *segment.Segment, nodes []*cluster.NodeView) (*cluster.NodeView, error)

	// ProposeMoves lazily yields at most maxMoves relocations that lower the
	// cluster cost. The sequence can be ranged over once; call again for a
	// fresh plan. An error ends the sequence.
	ProposeMoves(ctx context.Context, nodes []*cluster.NodeView, maxMoves int) iter.Seq2[Move, error]
}

// Move is a proposed relocation. The strategy never executes it.
type Move struct {
	Segment *segment.Segment
	From    *cluster.NodeView
	To      *cluster.NodeView
	Gain    float64 // cost reduction if the move is applied
}
