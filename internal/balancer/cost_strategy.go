package balancer

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/rs/zerolog"

	"github.com/dreamware/strata/internal/cluster"
	"github.com/dreamware/strata/internal/segment"
)

// ctxCheckEvery is how many pair costs are summed between context checks.
const ctxCheckEvery = 256

// CostStrategy places segments on the node where they add the least cost,
// summing the pairwise CostFunction over everything already on (or headed
// for) each candidate node. Per-node sums run in parallel on the WorkerPool.
//
// A CostStrategy keeps no cluster state between calls and is safe for
// concurrent use.
type CostStrategy struct {
	pool    *WorkerPool
	cost    CostFunction
	log     zerolog.Logger
	metrics *Metrics
	timeout time.Duration
}

var _ Strategy = (*CostStrategy)(nil)

// NewCostStrategy creates a strategy that runs its cost sums on pool.
// The pool is not owned by the strategy; close it at shutdown.
func NewCostStrategy(pool *WorkerPool, opts ...Option) (*CostStrategy, error) {
	if pool == nil {
		return nil, errors.New("cost strategy: nil worker pool")
	}

	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}

	cost := o.costFunc
	if cost == nil {
		f, err := NewJointCostFunction(o.params)
		if err != nil {
			return nil, err
		}
		cost = f
	}

	return &CostStrategy{
		pool:    pool,
		cost:    cost,
		log:     o.logger,
		metrics: o.metrics,
		timeout: o.timeout,
	}, nil
}

// FindHomeForSegment implements Strategy.
//
// Nodes without room for seg, or already serving or loading it, are skipped.
// Among the rest the lowest total cost wins; on equal cost the node listed
// first wins. If any per-node sum fails the whole call fails and no node is
// returned.
func (s *CostStrategy) FindHomeForSegment(ctx context.Context, seg *segment.Segment, nodes []*cluster.NodeView) (*cluster.NodeView, error) {
	if err := seg.Validate(); err != nil {
		s.metrics.placement(ResultInvalid)
		return nil, fmt.Errorf("%w: %w", ErrInvalidSegment, err)
	}

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	start := time.Now()
	candidates := make([]int, 0, len(nodes))
	for i, n := range nodes {
		if n.AvailableSize() < seg.Size {
			continue
		}
		if n.IsServingSegment(seg.ID) || n.IsLoadingSegment(seg.ID) {
			continue
		}
		candidates = append(candidates, i)
	}

	if len(candidates) == 0 {
		s.metrics.placement(ResultNoCapacity)
		s.log.Debug().
			Str("segment", seg.ID).
			Int64("size", seg.Size).
			Int("nodes", len(nodes)).
			Msg("no node can take segment")
		return nil, nil
	}

	best, bestCost, err := s.cheapest(ctx, seg, nodes, candidates, func(i int) []*segment.Segment {
		return nodes[i].CostSegments()
	})
	s.metrics.observe("placement", start)
	if err != nil {
		s.metrics.placement(ResultError)
		s.log.Warn().Err(err).Str("segment", seg.ID).Msg("placement aborted")
		return nil, err
	}

	s.metrics.placement(ResultPlaced)
	s.log.Debug().
		Str("segment", seg.ID).
		Str("data_source", seg.DataSource).
		Str("node", nodes[best].ID()).
		Float64("cost", bestCost).
		Int("candidates", len(candidates)).
		Msg("segment placed")

	return nodes[best], nil
}

// cheapest sums the cost of seg against segsOf(i) for every index in
// candidates, in parallel, and returns the index with the smallest sum.
// candidates must be ascending so that ties go to the earliest node.
func (s *CostStrategy) cheapest(
	ctx context.Context,
	seg *segment.Segment,
	nodes []*cluster.NodeView,
	candidates []int,
	segsOf func(i int) []*segment.Segment,
) (int, float64, error) {
	costs := make([]float64, len(candidates))

	err := s.pool.Run(ctx, len(candidates), func(ctx context.Context, k int) error {
		idx := candidates[k]
		c, err := s.sumCost(ctx, seg, segsOf(idx))
		if err != nil {
			return &ComputeError{NodeID: nodes[idx].ID(), Err: err}
		}
		costs[k] = c
		return nil
	})
	if err != nil {
		return -1, 0, asComputeError(err)
	}

	best := -1
	bestCost := math.Inf(1)
	for k, c := range costs {
		if best < 0 || c < bestCost {
			best = candidates[k]
			bestCost = c
		}
	}
	return best, bestCost, nil
}

// sumCost adds up PairCost(seg, o) over others, skipping seg itself.
func (s *CostStrategy) sumCost(ctx context.Context, seg *segment.Segment, others []*segment.Segment) (float64, error) {
	var sum float64
	for j, o := range others {
		if j%ctxCheckEvery == 0 {
			if err := ctx.Err(); err != nil {
				return 0, err
			}
		}
		if o.ID == seg.ID {
			continue
		}
		sum += s.cost.PairCost(seg, o)
	}
	if math.IsNaN(sum) || math.IsInf(sum, 0) {
		return 0, fmt.Errorf("%w: segment %s", ErrNonFiniteCost, seg.ID)
	}
	return sum, nil
}

// selfCost sums PairCost over every unordered pair of distinct segments.
func (s *CostStrategy) selfCost(ctx context.Context, segs []*segment.Segment) (float64, error) {
	var sum float64
	for i := range segs {
		c, err := s.sumCost(ctx, segs[i], segs[i+1:])
		if err != nil {
			return 0, err
		}
		sum += c
	}
	return sum, nil
}

// CostSummary describes how costly the current layout is.
type CostSummary struct {
	Total         float64 `json:"total"`         // sum of pair costs on each node, self pairs included
	Normalization float64 `json:"normalization"` // sum of self costs, the lower bound of Total
	Normalized    float64 `json:"normalized"`    // Total / Normalization, 0 for an empty cluster
}

// ClusterCost computes a CostSummary over the resident segments of nodes.
// Nodes are summed in parallel; any failure fails the call.
func (s *CostStrategy) ClusterCost(ctx context.Context, nodes []*cluster.NodeView) (CostSummary, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	start := time.Now()
	totals := make([]float64, len(nodes))
	norms := make([]float64, len(nodes))

	err := s.pool.Run(ctx, len(nodes), func(ctx context.Context, i int) error {
		segs := nodes[i].Segments()
		pairs, err := s.selfCost(ctx, segs)
		if err != nil {
			return &ComputeError{NodeID: nodes[i].ID(), Err: err}
		}
		var self float64
		for _, sg := range segs {
			self += s.cost.PairCost(sg, sg)
		}
		totals[i] = pairs + self
		norms[i] = self
		return nil
	})
	s.metrics.observe("cluster_cost", start)
	if err != nil {
		return CostSummary{}, asComputeError(err)
	}

	var summary CostSummary
	for i := range nodes {
		summary.Total += totals[i]
		summary.Normalization += norms[i]
	}
	if summary.Normalization > 0 {
		summary.Normalized = summary.Total / summary.Normalization
	}
	if math.IsNaN(summary.Total) || math.IsInf(summary.Total, 0) {
		return CostSummary{}, &ComputeError{Err: ErrNonFiniteCost}
	}

	s.metrics.summary(summary)
	return summary, nil
}

func (s *CostStrategy) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.timeout > 0 {
		return context.WithTimeout(ctx, s.timeout)
	}
	return context.WithCancel(ctx)
}
