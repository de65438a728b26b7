package coordinator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/dreamware/strata/internal/balancer"
	"github.com/dreamware/strata/internal/cluster"
	"github.com/dreamware/strata/internal/loadqueue"
	"github.com/dreamware/strata/internal/segment"
)

// Planner is what the coordination cycle needs from a balancer:
// placement, move proposals and a cost summary. *balancer.CostStrategy
// implements it.
type Planner interface {
	balancer.Strategy
	ClusterCost(ctx context.Context, nodes []*cluster.NodeView) (balancer.CostSummary, error)
}

// CycleStats describes one coordination cycle.
type CycleStats struct {
	Nodes       int                  `json:"nodes"`
	Placed      int                  `json:"placed"`      // unassigned segments queued for loading
	Unplaceable int                  `json:"unplaceable"` // unassigned segments no node had room for
	Moves       int                  `json:"moves"`       // moves queued
	Loaded      int                  `json:"loaded"`      // load commands delivered
	Dropped     int                  `json:"dropped"`     // drop commands delivered
	Retrying    int                  `json:"retrying"`    // failed commands kept for the next cycle
	Failed      int                  `json:"failed"`      // commands given up on
	Unassigned  int                  `json:"unassigned"`  // segments still served nowhere
	Cost        balancer.CostSummary `json:"cost"`
	Duration    time.Duration        `json:"duration"`
}

// DutyOption configures a BalancerDuty.
type DutyOption func(*BalancerDuty)

// WithMaxMoves bounds the moves queued per cycle. Zero disables rebalancing.
func WithMaxMoves(n int) DutyOption {
	return func(d *BalancerDuty) {
		if n >= 0 {
			d.maxMoves = n
		}
	}
}

// WithPeonOptions configures every per-node load queue.
func WithPeonOptions(opts ...loadqueue.Option) DutyOption {
	return func(d *BalancerDuty) {
		d.peonOpts = append(d.peonOpts, opts...)
	}
}

// WithDutyLogger sets the logger.
func WithDutyLogger(l zerolog.Logger) DutyOption {
	return func(d *BalancerDuty) {
		d.log = l
	}
}

// WithDutyMetrics records cycle outcomes into m.
func WithDutyMetrics(m *DutyMetrics) DutyOption {
	return func(d *BalancerDuty) {
		d.metrics = m
	}
}

// BalancerDuty runs the coordination cycle: it places unassigned segments,
// queues cost-lowering moves, and delivers queued commands to the nodes.
//
// Each registered node gets a loadqueue.Peon. Node snapshots combine the
// registry's confirmed state with the peon's queue, so a segment that was
// just queued for a node already counts against that node's room and cost.
// The registry only changes when a node confirms a command.
//
// Cycle:
//
//	snapshot ──► place unassigned ──► propose moves ──► flush peons ──► cost summary
//	   ▲              │ (re-snapshot after each placement)
//	   └──────────────┘
//
// A failed cost computation aborts the step it happened in and is returned;
// nothing decided from incomplete sums is queued.
type BalancerDuty struct {
	registry  *SegmentRegistry
	planner   Planner
	transport loadqueue.Transport
	peonOpts  []loadqueue.Option
	maxMoves  int
	log       zerolog.Logger
	metrics   *DutyMetrics

	runMu sync.Mutex // one cycle at a time

	peonsMu sync.Mutex
	peons   map[string]*loadqueue.Peon

	statsMu sync.RWMutex
	last    CycleStats

	loopMu sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewBalancerDuty creates the cycle for registry. Decisions come from
// planner and commands go out through transport.
//
// Example:
//
//	duty := NewBalancerDuty(registry, strategy, loadqueue.HTTPTransport{},
//	    WithMaxMoves(5), WithDutyLogger(log))
//	duty.Start(ctx, 30*time.Second)
//	defer duty.Stop()
func NewBalancerDuty(registry *SegmentRegistry, planner Planner, transport loadqueue.Transport, opts ...DutyOption) *BalancerDuty {
	d := &BalancerDuty{
		registry:  registry,
		planner:   planner,
		transport: transport,
		maxMoves:  5,
		log:       zerolog.Nop(),
		peons:     make(map[string]*loadqueue.Peon),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// RunOnce runs one full cycle and returns its statistics. Cycles never
// overlap; a call made while another is running waits for it.
func (d *BalancerDuty) RunOnce(ctx context.Context) (CycleStats, error) {
	d.runMu.Lock()
	defer d.runMu.Unlock()

	start := time.Now()
	stats, err := d.run(ctx)
	stats.Duration = time.Since(start)
	stats.Unassigned = len(d.registry.Unassigned())

	d.metrics.cycle(stats, err, start)
	if err != nil {
		d.log.Warn().Err(err).Int("placed", stats.Placed).Int("moves", stats.Moves).Msg("coordination cycle failed")
		return stats, err
	}

	d.statsMu.Lock()
	d.last = stats
	d.statsMu.Unlock()

	d.log.Info().
		Int("nodes", stats.Nodes).
		Int("placed", stats.Placed).
		Int("unplaceable", stats.Unplaceable).
		Int("moves", stats.Moves).
		Int("loaded", stats.Loaded).
		Int("dropped", stats.Dropped).
		Float64("normalized_cost", stats.Cost.Normalized).
		Dur("took", stats.Duration).
		Msg("coordination cycle done")
	return stats, nil
}

func (d *BalancerDuty) run(ctx context.Context) (CycleStats, error) {
	var stats CycleStats

	d.syncPeons()

	views, err := d.Snapshot()
	if err != nil {
		return stats, err
	}
	stats.Nodes = len(views)

	if err := d.placeUnassigned(ctx, views, &stats); err != nil {
		return stats, err
	}

	if d.maxMoves > 0 {
		views, err = d.Snapshot()
		if err != nil {
			return stats, err
		}
		if err := d.queueMoves(ctx, views, &stats); err != nil {
			return stats, err
		}
	}

	d.flush(ctx, &stats)

	views, err = d.Snapshot()
	if err != nil {
		return stats, err
	}
	stats.Cost, err = d.planner.ClusterCost(ctx, views)
	if err != nil {
		return stats, fmt.Errorf("cluster cost: %w", err)
	}
	return stats, nil
}

// placeUnassigned queues a load for every unassigned segment that is not
// already queued somewhere, one at a time so each decision sees the previous.
func (d *BalancerDuty) placeUnassigned(ctx context.Context, views []*cluster.NodeView, stats *CycleStats) error {
	for _, seg := range d.registry.Unassigned() {
		if queuedAnywhere(views, seg.ID) {
			continue
		}

		home, err := d.planner.FindHomeForSegment(ctx, seg, views)
		if err != nil {
			return fmt.Errorf("place segment %s: %w", seg.ID, err)
		}
		if home == nil {
			stats.Unplaceable++
			d.log.Warn().Str("segment", seg.ID).Int64("size", seg.Size).Msg("no node can take segment")
			continue
		}

		peon := d.peon(home.ID())
		if peon == nil {
			continue
		}
		nodeID := home.ID()
		peon.LoadSegment(seg, func(err error) {
			if err != nil {
				return
			}
			if err := d.registry.MarkLoaded(nodeID, seg); err != nil {
				d.log.Warn().Err(err).Str("segment", seg.ID).Str("node", nodeID).Msg("could not record load")
			}
		})
		stats.Placed++

		if views, err = d.Snapshot(); err != nil {
			return err
		}
	}
	return nil
}

func queuedAnywhere(views []*cluster.NodeView, segID string) bool {
	for _, v := range views {
		if v.IsLoadingSegment(segID) {
			return true
		}
	}
	return false
}

// queueMoves queues the planner's moves: a load on the target now and, once
// the target confirms, a drop on the source.
func (d *BalancerDuty) queueMoves(ctx context.Context, views []*cluster.NodeView, stats *CycleStats) error {
	for mv, err := range d.planner.ProposeMoves(ctx, views, d.maxMoves) {
		if err != nil {
			return fmt.Errorf("propose moves: %w", err)
		}

		target := d.peon(mv.To.ID())
		if target == nil {
			continue
		}
		seg, from, to := mv.Segment, mv.From.ID(), mv.To.ID()
		target.LoadSegment(seg, func(err error) {
			if err != nil {
				return
			}
			if err := d.registry.MarkLoaded(to, seg); err != nil {
				d.log.Warn().Err(err).Str("segment", seg.ID).Str("node", to).Msg("could not record load")
				return
			}
			source := d.peon(from)
			if source == nil {
				return
			}
			source.DropSegment(seg, func(err error) {
				if err != nil {
					return
				}
				if err := d.registry.MarkDropped(from, seg.ID); err != nil && !errors.Is(err, ErrNodeNotFound) {
					d.log.Warn().Err(err).Str("segment", seg.ID).Str("node", from).Msg("could not record drop")
				}
			})
		})
		stats.Moves++
		d.log.Debug().Str("segment", seg.ID).Str("from", from).Str("to", to).Float64("gain", mv.Gain).Msg("move queued")
	}
	return nil
}

// flush delivers every peon's queue concurrently. Delivery errors do not fail
// the cycle; failed commands stay queued.
func (d *BalancerDuty) flush(ctx context.Context, stats *CycleStats) {
	var mu sync.Mutex
	var g errgroup.Group

	for _, p := range d.allPeons() {
		g.Go(func() error {
			res := p.Flush(ctx)
			if res.Err != nil {
				d.log.Warn().Err(res.Err).Str("node", p.NodeID()).Msg("some commands were not delivered")
			}
			mu.Lock()
			defer mu.Unlock()
			stats.Loaded += res.Loaded
			stats.Dropped += res.Dropped
			stats.Retrying += res.Retrying
			stats.Failed += res.Failed
			return nil
		})
	}
	_ = g.Wait()
}

// Snapshot builds a NodeView for every registered node, in registration
// order, from the registry and the node's load queue.
func (d *BalancerDuty) Snapshot() ([]*cluster.NodeView, error) {
	states := d.registry.States()
	views := make([]*cluster.NodeView, 0, len(states))
	for _, st := range states {
		var queue cluster.PendingQueue
		if p := d.peon(st.ID); p != nil {
			queue = p
		}
		v, err := cluster.NewNodeView(st, queue)
		if err != nil {
			return nil, err
		}
		views = append(views, v)
	}
	return views, nil
}

// PlanPlacement reports where seg would go right now without queuing
// anything. A nil node means no node has room.
func (d *BalancerDuty) PlanPlacement(ctx context.Context, seg *segment.Segment) (*cluster.NodeView, error) {
	views, err := d.Snapshot()
	if err != nil {
		return nil, err
	}
	return d.planner.FindHomeForSegment(ctx, seg, views)
}

// LastStats returns the statistics of the last successful cycle.
func (d *BalancerDuty) LastStats() CycleStats {
	d.statsMu.RLock()
	defer d.statsMu.RUnlock()
	return d.last
}

// Peon returns the load queue of a node, or nil if the node has none yet.
func (d *BalancerDuty) Peon(nodeID string) *loadqueue.Peon {
	return d.peon(nodeID)
}

func (d *BalancerDuty) peon(nodeID string) *loadqueue.Peon {
	d.peonsMu.Lock()
	defer d.peonsMu.Unlock()
	return d.peons[nodeID]
}

func (d *BalancerDuty) allPeons() []*loadqueue.Peon {
	d.peonsMu.Lock()
	defer d.peonsMu.Unlock()
	out := make([]*loadqueue.Peon, 0, len(d.peons))
	for _, p := range d.peons {
		out = append(out, p)
	}
	return out
}

// syncPeons creates queues for new nodes and stops those of removed nodes.
func (d *BalancerDuty) syncPeons() {
	nodes := d.registry.Nodes()
	present := make(map[string]bool, len(nodes))

	var stale []*loadqueue.Peon
	d.peonsMu.Lock()
	for _, n := range nodes {
		present[n.ID] = true
		if p, ok := d.peons[n.ID]; ok && p.Addr() == n.Addr {
			continue
		} else if ok {
			stale = append(stale, p)
		}
		opts := append([]loadqueue.Option{loadqueue.WithLogger(d.log)}, d.peonOpts...)
		d.peons[n.ID] = loadqueue.New(n.ID, n.Addr, d.transport, opts...)
	}
	for id, p := range d.peons {
		if !present[id] {
			stale = append(stale, p)
			delete(d.peons, id)
		}
	}
	d.peonsMu.Unlock()

	for _, p := range stale {
		d.log.Info().Str("node", p.NodeID()).Int("pending", p.Len()).Msg("discarding load queue")
		p.Stop()
	}
}

// Start runs a cycle every period until ctx ends or Stop is called.
// Cycle errors are logged; the next tick tries again.
func (d *BalancerDuty) Start(ctx context.Context, period time.Duration) {
	d.loopMu.Lock()
	defer d.loopMu.Unlock()
	if d.cancel != nil {
		return
	}

	ctx, d.cancel = context.WithCancel(ctx)
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		ticker := time.NewTicker(period)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				_, _ = d.RunOnce(ctx)
			case <-ctx.Done():
				return
			}
		}
	}()
	d.log.Info().Dur("period", period).Int("max_moves", d.maxMoves).Msg("balancer duty started")
}

// Stop ends the loop started by Start, waits for a running cycle, and
// discards every queued command.
func (d *BalancerDuty) Stop() {
	d.loopMu.Lock()
	if d.cancel != nil {
		d.cancel()
		d.cancel = nil
	}
	d.loopMu.Unlock()
	d.wg.Wait()

	d.runMu.Lock()
	defer d.runMu.Unlock()
	d.peonsMu.Lock()
	peons := d.peons
	d.peons = make(map[string]*loadqueue.Peon)
	d.peonsMu.Unlock()
	for _, p := range peons {
		p.Stop()
	}
}
