package balancer

import (
	"context"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dreamware/strata/internal/cluster"
	"github.com/dreamware/strata/internal/segment"
)

// hotCold returns a node holding segments 1..6 and an empty node.
func hotCold(t *testing.T, hotQueue cluster.PendingQueue, coldMax int64) []*cluster.NodeView {
	t.Helper()
	var segs []*segment.Segment
	for i := 1; i <= 6; i++ {
		segs = append(segs, dummySegment(i))
	}
	return []*cluster.NodeView{
		view(t, "hot", 1_000_000, 2100, hotQueue, segs...),
		view(t, "cold", coldMax, 0, nil),
	}
}

type hop struct {
	Segment, From, To string
}

func collect(t *testing.T, s *CostStrategy, nodes []*cluster.NodeView, limit int) ([]hop, []Move) {
	t.Helper()
	var hops []hop
	var moves []Move
	for mv, err := range s.ProposeMoves(context.Background(), nodes, limit) {
		require.NoError(t, err)
		hops = append(hops, hop{mv.Segment.ID, mv.From.ID(), mv.To.ID()})
		moves = append(moves, mv)
	}
	return hops, moves
}

// TestProposeMovesSpreadsOverlappingSegments tests that a crowded node sheds
// segments to an empty one until no move helps
func TestProposeMovesSpreadsOverlappingSegments(t *testing.T) {
	for _, parallelism := range []int{1, 4} {
		s := newStrategy(t, parallelism)
		nodes := hotCold(t, nil, 1_000_000)

		hops, moves := collect(t, s, nodes, 10)
		require.Len(t, hops, 3)

		want := []hop{
			{"DUMMY_SEGID_6", "hot", "cold"},
			{"DUMMY_SEGID_5", "hot", "cold"},
		}
		if diff := cmp.Diff(want, hops[:2]); diff != "" {
			t.Errorf("first moves mismatch (-want +got):\n%s", diff)
		}

		seen := map[string]bool{}
		for _, mv := range moves {
			assert.Positive(t, mv.Gain)
			assert.False(t, seen[mv.Segment.ID], "segment %s moved twice", mv.Segment.ID)
			seen[mv.Segment.ID] = true
		}

		before, err := s.ClusterCost(context.Background(), nodes)
		require.NoError(t, err)
		after, err := s.ClusterCost(context.Background(), applyMoves(t, nodes, moves))
		require.NoError(t, err)
		assert.Less(t, after.Total, before.Total)
	}
}

// TestProposeMovesLimits tests maxMoves and degenerate clusters
func TestProposeMovesLimits(t *testing.T) {
	s := newStrategy(t, 2)

	tests := []struct {
		name  string
		nodes []*cluster.NodeView
		max   int
		want  int
	}{
		{"one move", hotCold(t, nil, 1_000_000), 1, 1},
		{"zero moves", hotCold(t, nil, 1_000_000), 0, 0},
		{"negative limit", hotCold(t, nil, 1_000_000), -3, 0},
		{"no room anywhere", hotCold(t, nil, 0), 10, 0},
		{"single node", hotCold(t, nil, 1_000_000)[:1], 10, 0},
		{"empty cluster", nil, 10, 0},
		{
			name: "already balanced",
			nodes: []*cluster.NodeView{
				view(t, "a", 100_000, 0, nil, dummySegment(1)),
				view(t, "b", 100_000, 0, nil, dummySegment(2)),
			},
			max:  10,
			want: 0,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			hops, _ := collect(t, s, tt.nodes, tt.max)
			assert.Len(t, hops, tt.want)
		})
	}
}

// TestProposeMovesSkipsInFlight tests that queued segments are left alone
func TestProposeMovesSkipsInFlight(t *testing.T) {
	s := newStrategy(t, 2)
	nodes := hotCold(t, &fakeQueue{drop: []*segment.Segment{dummySegment(6)}}, 1_000_000)

	hops, _ := collect(t, s, nodes, 10)
	require.NotEmpty(t, hops)
	assert.Equal(t, "DUMMY_SEGID_5", hops[0].Segment)
	for _, h := range hops {
		assert.NotEqual(t, "DUMMY_SEGID_6", h.Segment)
	}
}

// TestProposeMovesRespectsTargetRoom tests that planned moves consume room on
// the target
func TestProposeMovesRespectsTargetRoom(t *testing.T) {
	s := newStrategy(t, 2)
	// 1000 bytes: segment 6 (600) then segment 4 (400), after which 5 no longer fits
	nodes := hotCold(t, nil, 1000)

	hops, _ := collect(t, s, nodes, 10)
	want := []hop{
		{"DUMMY_SEGID_6", "hot", "cold"},
		{"DUMMY_SEGID_4", "hot", "cold"},
	}
	if diff := cmp.Diff(want, hops); diff != "" {
		t.Errorf("moves mismatch (-want +got):\n%s", diff)
	}
}

// TestProposeMovesSingleUse tests that ranging twice reports ErrPlanConsumed
func TestProposeMovesSingleUse(t *testing.T) {
	s := newStrategy(t, 2)
	seq := s.ProposeMoves(context.Background(), hotCold(t, nil, 1_000_000), 10)

	for _, err := range seq {
		require.NoError(t, err)
		break
	}

	var errs []error
	for _, err := range seq {
		errs = append(errs, err)
	}
	require.Len(t, errs, 1)
	assert.ErrorIs(t, errs[0], ErrPlanConsumed)
}

// TestProposeMovesComputeFailure tests that a failed step ends the plan with
// an error
func TestProposeMovesComputeFailure(t *testing.T) {
	s := newStrategy(t, 2, WithCostFunction(&poisonCost{poison: "DUMMY_SEGID_3", nan: true}))

	var got error
	n := 0
	for _, err := range s.ProposeMoves(context.Background(), hotCold(t, nil, 1_000_000), 10) {
		if err != nil {
			got = err
			continue
		}
		n++
	}
	assert.Zero(t, n)

	var ce *ComputeError
	require.ErrorAs(t, got, &ce)
	assert.Equal(t, "hot", ce.NodeID)
	assert.ErrorIs(t, got, ErrNonFiniteCost)
}

// applyMoves rebuilds the snapshot as if every move had completed.
func applyMoves(t *testing.T, nodes []*cluster.NodeView, moves []Move) []*cluster.NodeView {
	t.Helper()
	held := make(map[string]map[string]*segment.Segment, len(nodes))
	for _, n := range nodes {
		held[n.ID()] = make(map[string]*segment.Segment)
		for _, sg := range n.Segments() {
			held[n.ID()][sg.ID] = sg
		}
	}
	for _, mv := range moves {
		delete(held[mv.From.ID()], mv.Segment.ID)
		held[mv.To.ID()][mv.Segment.ID] = mv.Segment
	}

	out := make([]*cluster.NodeView, 0, len(nodes))
	for _, n := range nodes {
		segs := held[n.ID()]
		v, err := cluster.NewNodeView(cluster.ServerState{
			ID:       n.ID(),
			MaxSize:  n.MaxSize(),
			CurrSize: segment.TotalSize(segment.SortedValues(segs)),
			Segments: segs,
		}, nil)
		require.NoError(t, err)
		out = append(out, v)
	}
	return out
}
