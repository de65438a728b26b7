package coordinator

import (
	"context"
	"errors"
	"iter"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dreamware/strata/internal/balancer"
	"github.com/dreamware/strata/internal/cluster"
	"github.com/dreamware/strata/internal/loadqueue"
	"github.com/dreamware/strata/internal/segment"
	"github.com/dreamware/strata/internal/storage"
)

// storeTransport delivers commands to in-memory segment stores keyed by
// node address.
type storeTransport struct {
	mu     sync.Mutex
	stores map[string]*storage.SegmentStore
	down   map[string]bool
}

func newStoreTransport() *storeTransport {
	return &storeTransport{
		stores: make(map[string]*storage.SegmentStore),
		down:   make(map[string]bool),
	}
}

func (f *storeTransport) store(addr string) *storage.SegmentStore {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.stores[addr]
	if !ok {
		s = storage.NewSegmentStore(1 << 30)
		f.stores[addr] = s
	}
	return s
}

func (f *storeTransport) setDown(addr string, down bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.down[addr] = down
}

func (f *storeTransport) reachable(addr string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.down[addr] {
		return errors.New("connection refused")
	}
	return nil
}

func (f *storeTransport) Load(_ context.Context, addr string, seg *segment.Segment) error {
	if err := f.reachable(addr); err != nil {
		return err
	}
	return f.store(addr).Load(seg)
}

func (f *storeTransport) Drop(_ context.Context, addr string, seg *segment.Segment) error {
	if err := f.reachable(addr); err != nil {
		return err
	}
	return f.store(addr).Drop(seg.ID)
}

// failingPlanner fails placement or move planning.
type failingPlanner struct {
	placeErr error
	moveErr  error
}

func (p failingPlanner) FindHomeForSegment(_ context.Context, _ *segment.Segment, nodes []*cluster.NodeView) (*cluster.NodeView, error) {
	if p.placeErr != nil {
		return nil, p.placeErr
	}
	return nodes[0], nil
}

func (p failingPlanner) ProposeMoves(context.Context, []*cluster.NodeView, int) iter.Seq2[balancer.Move, error] {
	return func(yield func(balancer.Move, error) bool) {
		if p.moveErr != nil {
			yield(balancer.Move{}, p.moveErr)
		}
	}
}

func (p failingPlanner) ClusterCost(context.Context, []*cluster.NodeView) (balancer.CostSummary, error) {
	return balancer.CostSummary{}, nil
}

func newPlanner(t *testing.T) *balancer.CostStrategy {
	t.Helper()
	pool := balancer.NewWorkerPool(2)
	t.Cleanup(pool.Close)
	s, err := balancer.NewCostStrategy(pool)
	require.NoError(t, err)
	return s
}

type dutyFixture struct {
	registry  *SegmentRegistry
	transport *storeTransport
	duty      *BalancerDuty
}

func newDutyFixture(t *testing.T, planner Planner, opts ...DutyOption) *dutyFixture {
	t.Helper()
	f := &dutyFixture{
		registry:  NewSegmentRegistry(),
		transport: newStoreTransport(),
	}
	opts = append([]DutyOption{WithPeonOptions(loadqueue.WithCommandRate(0, 0))}, opts...)
	f.duty = NewBalancerDuty(f.registry, planner, f.transport, opts...)
	t.Cleanup(f.duty.Stop)
	return f
}

func (f *dutyFixture) addNode(t *testing.T, id string, maxSize int64) {
	t.Helper()
	_, err := f.registry.RegisterNode(nodeInfo(id, maxSize))
	require.NoError(t, err)
}

func (f *dutyFixture) announce(t *testing.T, from, to int) {
	t.Helper()
	for i := from; i <= to; i++ {
		_, err := f.registry.AddSegment(testSegment(i))
		require.NoError(t, err)
	}
}

func (f *dutyFixture) held(t *testing.T, nodeID string) []string {
	t.Helper()
	segs, err := f.registry.NodeSegments(nodeID)
	require.NoError(t, err)
	return segIDs(segs)
}

// TestBalancerDutyPlacesUnassigned verifies that each placement sees the
// previous one and that delivered loads are recorded
func TestBalancerDutyPlacesUnassigned(t *testing.T) {
	f := newDutyFixture(t, newPlanner(t))
	f.addNode(t, "a", 1<<30)
	f.addNode(t, "b", 1<<30)
	f.announce(t, 1, 6)

	stats, err := f.duty.RunOnce(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 2, stats.Nodes)
	assert.Equal(t, 6, stats.Placed)
	assert.Equal(t, 6, stats.Loaded)
	assert.Zero(t, stats.Moves, "queued segments are not moved")
	assert.Zero(t, stats.Unassigned)
	assert.Zero(t, stats.Unplaceable)
	assert.Greater(t, stats.Cost.Total, 0.0)

	assert.Equal(t, []string{"wiki_01", "wiki_03", "wiki_05"}, f.held(t, "a"))
	assert.Equal(t, []string{"wiki_02", "wiki_04", "wiki_06"}, f.held(t, "b"))
	assert.Equal(t, 3, f.transport.store("http://a").Stats().Segments)
	assert.Equal(t, 3, f.transport.store("http://b").Stats().Segments)
	assert.Equal(t, stats, f.duty.LastStats())

	// a balanced cluster stays put
	stats, err = f.duty.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Zero(t, stats.Placed)
	assert.Zero(t, stats.Moves)
	assert.Zero(t, stats.Loaded+stats.Dropped)
}

// TestBalancerDutyUnplaceable verifies that segments nobody has room for
// stay unassigned
func TestBalancerDutyUnplaceable(t *testing.T) {
	f := newDutyFixture(t, newPlanner(t))
	f.addNode(t, "small", 250)
	f.announce(t, 1, 3)

	stats, err := f.duty.RunOnce(context.Background())
	require.NoError(t, err)

	// wiki_01 (100) fits, then wiki_02 (200) no longer does, wiki_03 never did
	assert.Equal(t, 1, stats.Placed)
	assert.Equal(t, 2, stats.Unplaceable)
	assert.Equal(t, 2, stats.Unassigned)
	assert.Equal(t, []string{"wiki_01"}, f.held(t, "small"))
}

// TestBalancerDutyRebalancesNewNode verifies that moves spread segments onto
// a node that joins later and that sources drop what moved away
func TestBalancerDutyRebalancesNewNode(t *testing.T) {
	f := newDutyFixture(t, newPlanner(t))
	ctx := context.Background()
	f.addNode(t, "a", 1<<30)
	f.announce(t, 1, 6)

	_, err := f.duty.RunOnce(ctx)
	require.NoError(t, err)
	require.Len(t, f.held(t, "a"), 6)

	f.addNode(t, "b", 1<<30)
	stats, err := f.duty.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, stats.Moves)
	assert.Equal(t, 3, stats.Loaded)
	assert.Len(t, f.held(t, "b"), 3)

	// drops queued by the confirmed loads go out no later than the next cycle
	stats, err = f.duty.RunOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, stats.Moves, "pending drops are not moved again")

	a, b := f.held(t, "a"), f.held(t, "b")
	assert.Len(t, a, 3)
	assert.Len(t, b, 3)
	assert.ElementsMatch(t, []string{"wiki_01", "wiki_02", "wiki_03", "wiki_04", "wiki_05", "wiki_06"}, append(a, b...))
	for i := 1; i <= 6; i++ {
		assert.Len(t, f.registry.SegmentNodes(testSegment(i).ID), 1)
	}
	assert.Equal(t, 3, f.transport.store("http://a").Stats().Segments)
	assert.Equal(t, 3, f.transport.store("http://b").Stats().Segments)
	assert.Zero(t, f.duty.Peon("a").Len())
	assert.Zero(t, f.duty.Peon("b").Len())
}

// TestBalancerDutyMaxMoves verifies the per-cycle move limit
func TestBalancerDutyMaxMoves(t *testing.T) {
	for _, tt := range []struct {
		name     string
		maxMoves int
		want     int
	}{
		{"disabled", 0, 0},
		{"one", 1, 1},
		{"more than needed", 10, 3},
	} {
		t.Run(tt.name, func(t *testing.T) {
			f := newDutyFixture(t, newPlanner(t), WithMaxMoves(tt.maxMoves))
			f.addNode(t, "a", 1<<30)
			f.announce(t, 1, 6)
			_, err := f.duty.RunOnce(context.Background())
			require.NoError(t, err)

			f.addNode(t, "b", 1<<30)
			stats, err := f.duty.RunOnce(context.Background())
			require.NoError(t, err)
			assert.Equal(t, tt.want, stats.Moves)
		})
	}
}

// TestBalancerDutyDeliveryFailure verifies that failed loads are retried and
// then given up on, leaving the segment unassigned
func TestBalancerDutyDeliveryFailure(t *testing.T) {
	f := newDutyFixture(t, newPlanner(t), WithPeonOptions(loadqueue.WithMaxAttempts(2)))
	ctx := context.Background()
	f.addNode(t, "a", 1<<30)
	f.announce(t, 1, 1)
	f.transport.setDown("http://a", true)

	stats, err := f.duty.RunOnce(ctx)
	require.NoError(t, err, "delivery failures do not fail the cycle")
	assert.Equal(t, 1, stats.Placed)
	assert.Equal(t, 1, stats.Retrying)
	assert.Equal(t, 1, f.duty.Peon("a").Len())

	// still queued, so not placed twice
	stats, err = f.duty.RunOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, stats.Placed)
	assert.Equal(t, 1, stats.Failed)
	assert.Equal(t, 1, stats.Unassigned)
	assert.Zero(t, f.duty.Peon("a").Len())

	f.transport.setDown("http://a", false)
	stats, err = f.duty.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Placed)
	assert.Equal(t, 1, stats.Loaded)
	assert.Equal(t, []string{"wiki_01"}, f.held(t, "a"))
}

// TestBalancerDutyNodeRemoval verifies that orphans of a removed node are
// placed on the remaining nodes
func TestBalancerDutyNodeRemoval(t *testing.T) {
	f := newDutyFixture(t, newPlanner(t))
	ctx := context.Background()
	f.addNode(t, "a", 1<<30)
	f.addNode(t, "b", 1<<30)
	f.announce(t, 1, 4)
	_, err := f.duty.RunOnce(ctx)
	require.NoError(t, err)
	require.NotNil(t, f.duty.Peon("b"))

	orphans, err := f.registry.RemoveNode("b")
	require.NoError(t, err)
	require.Len(t, orphans, 2)

	stats, err := f.duty.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Nodes)
	assert.Equal(t, 2, stats.Placed)
	assert.Nil(t, f.duty.Peon("b"))
	assert.Len(t, f.held(t, "a"), 4)
	assert.Zero(t, stats.Unassigned)
}

// TestBalancerDutyPlannerFailure verifies that a failed computation aborts
// the cycle without queuing anything from it
func TestBalancerDutyPlannerFailure(t *testing.T) {
	boom := &balancer.ComputeError{NodeID: "a", Err: errors.New("cost overflow")}

	t.Run("placement", func(t *testing.T) {
		reg := prometheus.NewRegistry()
		metrics := NewDutyMetrics(reg)
		f := newDutyFixture(t, failingPlanner{placeErr: boom}, WithDutyMetrics(metrics))
		f.addNode(t, "a", 1<<30)
		f.announce(t, 1, 2)

		stats, err := f.duty.RunOnce(context.Background())
		require.Error(t, err)
		var ce *balancer.ComputeError
		assert.ErrorAs(t, err, &ce)
		assert.Zero(t, stats.Placed)
		assert.Equal(t, 2, stats.Unassigned)
		assert.Zero(t, f.duty.Peon("a").Len())
		assert.Equal(t, CycleStats{}, f.duty.LastStats(), "failed cycles are not recorded")
		assert.Equal(t, 1.0, testutil.ToFloat64(metrics.cycles.WithLabelValues("error")))
	})

	t.Run("moves", func(t *testing.T) {
		f := newDutyFixture(t, failingPlanner{moveErr: boom})
		f.addNode(t, "a", 1<<30)
		f.addNode(t, "b", 1<<30)

		_, err := f.duty.RunOnce(context.Background())
		assert.ErrorIs(t, err, boom)
		assert.Zero(t, f.duty.Peon("a").Len()+f.duty.Peon("b").Len())
	})
}

// TestBalancerDutyPlanPlacement verifies the dry run
func TestBalancerDutyPlanPlacement(t *testing.T) {
	f := newDutyFixture(t, newPlanner(t))
	f.addNode(t, "a", 1<<30)
	f.addNode(t, "b", 1<<30)
	f.announce(t, 1, 6)
	_, err := f.duty.RunOnce(context.Background())
	require.NoError(t, err)

	home, err := f.duty.PlanPlacement(context.Background(), testSegment(7))
	require.NoError(t, err)
	require.NotNil(t, home)
	assert.Equal(t, "a", home.ID())
	assert.Zero(t, f.duty.Peon("a").Len())
	assert.Len(t, f.registry.Segments(), 6)

	huge := testSegment(8)
	huge.Size = 2 << 30
	home, err = f.duty.PlanPlacement(context.Background(), huge)
	require.NoError(t, err)
	assert.Nil(t, home)
}

// TestBalancerDutyMetrics verifies the cycle collectors
func TestBalancerDutyMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics := NewDutyMetrics(reg)
	f := newDutyFixture(t, newPlanner(t), WithDutyMetrics(metrics))
	f.addNode(t, "a", 1<<30)
	f.announce(t, 1, 3)

	_, err := f.duty.RunOnce(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.cycles.WithLabelValues("ok")))
	assert.Equal(t, 3.0, testutil.ToFloat64(metrics.commands.WithLabelValues("load", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.nodes))
	assert.Zero(t, testutil.ToFloat64(metrics.unassigned))
}

// TestBalancerDutyStartStop verifies the periodic loop
func TestBalancerDutyStartStop(t *testing.T) {
	f := newDutyFixture(t, newPlanner(t))
	f.addNode(t, "a", 1<<30)
	f.announce(t, 1, 3)

	f.duty.Start(context.Background(), 10*time.Millisecond)
	f.duty.Start(context.Background(), 10*time.Millisecond) // already running

	require.Eventually(t, func() bool {
		return len(f.registry.Unassigned()) == 0
	}, time.Second, 5*time.Millisecond)

	f.duty.Stop()
	f.duty.Stop()

	f.announce(t, 4, 4)
	time.Sleep(30 * time.Millisecond)
	assert.Len(t, f.registry.Unassigned(), 1, "no cycles after Stop")
}
