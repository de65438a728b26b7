package balancer

import (
	"context"
	"iter"
	"sort"
	"sync/atomic"
	"time"

	"github.com/dreamware/strata/internal/cluster"
	"github.com/dreamware/strata/internal/segment"
)

// ProposeMoves implements Strategy.
//
// Each step computes the self cost of every node and walks the nodes from the
// most to the least expensive. For each resident segment of a source node it
// finds the cheapest other node with room for it, exactly like placement
// does, and keeps the segment whose move lowers the total cost the most. The
// first source with any strictly improving move supplies the next Move.
// The move is then applied to an in-plan overlay so the following step sees
// the target's extra segment and bytes.
//
// Segments that are pending load or drop anywhere in the snapshot are never
// moved, and a segment moves at most once per plan. Planning stops after
// maxMoves moves, when no move lowers the cost, or on the first error.
func (s *CostStrategy) ProposeMoves(ctx context.Context, nodes []*cluster.NodeView, maxMoves int) iter.Seq2[Move, error] {
	var used atomic.Bool

	return func(yield func(Move, error) bool) {
		if used.Swap(true) {
			yield(Move{}, ErrPlanConsumed)
			return
		}
		if maxMoves <= 0 || len(nodes) < 2 {
			return
		}

		plan := newMovePlan(nodes)
		for proposed := 0; proposed < maxMoves; proposed++ {
			mv, ok, err := s.nextMove(ctx, plan)
			if err != nil {
				s.log.Warn().Err(err).Int("moves", proposed).Msg("move planning aborted")
				yield(Move{}, err)
				return
			}
			if !ok {
				s.log.Debug().Int("moves", proposed).Msg("no further improving moves")
				return
			}

			plan.apply(mv)
			s.metrics.moveProposed()
			s.log.Debug().
				Str("segment", mv.Segment.ID).
				Str("from", mv.From.ID()).
				Str("to", mv.To.ID()).
				Float64("gain", mv.Gain).
				Msg("move proposed")

			if !yield(mv, nil) {
				return
			}
		}
	}
}

// nextMove finds the best improving move from the most expensive source that
// has one.
func (s *CostStrategy) nextMove(ctx context.Context, plan *movePlan) (Move, bool, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	start := time.Now()
	defer s.metrics.observe("moves", start)

	n := len(plan.nodes)
	segs := make([][]*segment.Segment, n)
	for i := range plan.nodes {
		segs[i] = plan.segments(i)
	}

	load := make([]float64, n)
	err := s.pool.Run(ctx, n, func(ctx context.Context, i int) error {
		c, err := s.selfCost(ctx, segs[i])
		if err != nil {
			return &ComputeError{NodeID: plan.nodes[i].ID(), Err: err}
		}
		load[i] = c
		return nil
	})
	if err != nil {
		return Move{}, false, asComputeError(err)
	}

	order := make([]int, n)
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool {
		return load[order[a]] > load[order[b]]
	})

	for _, src := range order {
		var best Move
		found := false

		for _, cand := range plan.candidates(src) {
			here, err := s.sumCost(ctx, cand, segs[src])
			if err != nil {
				return Move{}, false, &ComputeError{NodeID: plan.nodes[src].ID(), Err: err}
			}
			if here <= 0 {
				continue
			}

			targets := plan.targets(src, cand)
			if len(targets) == 0 {
				continue
			}
			dst, there, err := s.cheapest(ctx, cand, plan.nodes, targets, func(i int) []*segment.Segment {
				return segs[i]
			})
			if err != nil {
				return Move{}, false, err
			}

			gain := here - there
			if gain > 0 && (!found || gain > best.Gain) {
				best = Move{
					Segment: cand,
					From:    plan.nodes[src],
					To:      plan.nodes[dst],
					Gain:    gain,
				}
				found = true
			}
		}

		if found {
			return best, true, nil
		}
	}

	return Move{}, false, nil
}

// movePlan overlays proposed moves on top of an immutable snapshot.
type movePlan struct {
	nodes []*cluster.NodeView
	index map[string]int // node id -> position

	incoming      [][]*segment.Segment
	incomingBytes []int64
	outgoing      []map[string]struct{}

	moved    map[string]struct{} // segments already moved in this plan
	inFlight map[string]struct{} // segments pending load or drop anywhere
}

func newMovePlan(nodes []*cluster.NodeView) *movePlan {
	p := &movePlan{
		nodes:         nodes,
		index:         make(map[string]int, len(nodes)),
		incoming:      make([][]*segment.Segment, len(nodes)),
		incomingBytes: make([]int64, len(nodes)),
		outgoing:      make([]map[string]struct{}, len(nodes)),
		moved:         make(map[string]struct{}),
		inFlight:      make(map[string]struct{}),
	}
	for i, n := range nodes {
		p.index[n.ID()] = i
		p.outgoing[i] = make(map[string]struct{})
		for _, sg := range n.PendingLoad() {
			p.inFlight[sg.ID] = struct{}{}
		}
		for _, sg := range n.PendingDrop() {
			p.inFlight[sg.ID] = struct{}{}
		}
	}
	return p
}

// segments returns what node i would hold once its queue and the moves so
// far complete, in ID order. Segments pending drop no longer count.
func (p *movePlan) segments(i int) []*segment.Segment {
	base := p.nodes[i].AllSegments()
	out := make([]*segment.Segment, 0, len(base)+len(p.incoming[i]))
	for _, sg := range base {
		if _, gone := p.outgoing[i][sg.ID]; !gone {
			out = append(out, sg)
		}
	}
	out = append(out, p.incoming[i]...)
	segment.SortByID(out)
	return out
}

// candidates returns the segments of node i that may still move.
func (p *movePlan) candidates(i int) []*segment.Segment {
	var out []*segment.Segment
	for _, sg := range p.nodes[i].Segments() {
		if _, ok := p.inFlight[sg.ID]; ok {
			continue
		}
		if _, ok := p.moved[sg.ID]; ok {
			continue
		}
		out = append(out, sg)
	}
	return out
}

// targets returns, in ascending order, the nodes other than src that could
// take seg.
func (p *movePlan) targets(src int, seg *segment.Segment) []int {
	var out []int
	for i, n := range p.nodes {
		if i == src {
			continue
		}
		if n.IsServingSegment(seg.ID) || n.IsLoadingSegment(seg.ID) {
			continue
		}
		if n.AvailableSize()-p.incomingBytes[i] < seg.Size {
			continue
		}
		out = append(out, i)
	}
	return out
}

func (p *movePlan) apply(mv Move) {
	from := p.index[mv.From.ID()]
	to := p.index[mv.To.ID()]
	p.outgoing[from][mv.Segment.ID] = struct{}{}
	p.incoming[to] = append(p.incoming[to], mv.Segment)
	p.incomingBytes[to] += mv.Segment.Size
	p.moved[mv.Segment.ID] = struct{}{}
}
