package loadqueue

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"
	"go.uber.org/multierr"
	"golang.org/x/time/rate"

	"github.com/dreamware/strata/internal/cluster"
	"github.com/dreamware/strata/internal/segment"
)

// ErrPeonStopped is passed to the callbacks of commands discarded by Stop.
var ErrPeonStopped = errors.New("load queue stopped")

// Peon tracks the load and drop commands headed for one node and delivers
// them through a Transport. It implements cluster.PendingQueue, so the
// balancer sees queued segments as already on (or already gone from) the
// node.
//
// Commands stay queued until they are delivered, until they fail
// MaxAttempts times, or until Stop is called. Callbacks fire exactly once,
// outside the peon's lock.
type Peon struct {
	nodeID    string
	addr      string
	transport Transport
	limiter   *rate.Limiter
	log       zerolog.Logger
	attempts  int

	flushMu sync.Mutex // serializes Flush

	mu          sync.Mutex
	toLoad      map[string]*command
	toDrop      map[string]*command
	queuedBytes int64
	stopped     bool
}

var _ cluster.PendingQueue = (*Peon)(nil)

type command struct {
	seg       *segment.Segment
	callbacks []func(error)
	failures  int
}

func (c *command) done(err error) {
	for _, cb := range c.callbacks {
		if cb != nil {
			cb(err)
		}
	}
}

// New creates the queue for the node nodeID reachable at addr.
func New(nodeID, addr string, transport Transport, opts ...Option) *Peon {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}

	return &Peon{
		nodeID:    nodeID,
		addr:      addr,
		transport: transport,
		limiter:   rate.NewLimiter(o.rate, o.burst),
		log:       o.logger.With().Str("node", nodeID).Logger(),
		attempts:  o.maxAttempts,
		toLoad:    make(map[string]*command),
		toDrop:    make(map[string]*command),
	}
}

// NodeID returns the node the queue delivers to.
func (p *Peon) NodeID() string { return p.nodeID }

// Addr returns the node's base URL.
func (p *Peon) Addr() string { return p.addr }

// LoadSegment queues seg for loading. If seg is already queued the callback
// is attached to the existing command. onDone may be nil.
func (p *Peon) LoadSegment(seg *segment.Segment, onDone func(error)) {
	p.enqueue(p.toLoad, seg, onDone, true)
}

// DropSegment queues seg for dropping. If seg is already queued the callback
// is attached to the existing command. onDone may be nil.
func (p *Peon) DropSegment(seg *segment.Segment, onDone func(error)) {
	p.enqueue(p.toDrop, seg, onDone, false)
}

func (p *Peon) enqueue(queue map[string]*command, seg *segment.Segment, onDone func(error), load bool) {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		if onDone != nil {
			onDone(ErrPeonStopped)
		}
		return
	}

	if cmd, ok := queue[seg.ID]; ok {
		cmd.callbacks = append(cmd.callbacks, onDone)
		p.mu.Unlock()
		p.log.Debug().Str("segment", seg.ID).Bool("load", load).Msg("command already queued")
		return
	}

	queue[seg.ID] = &command{seg: seg, callbacks: []func(error){onDone}}
	if load {
		p.queuedBytes += seg.Size
	}
	p.mu.Unlock()

	p.log.Debug().Str("segment", seg.ID).Int64("size", seg.Size).Bool("load", load).Msg("command queued")
}

// SegmentsToLoad implements cluster.PendingQueue.
func (p *Peon) SegmentsToLoad() []*segment.Segment {
	p.mu.Lock()
	defer p.mu.Unlock()
	return segmentsOf(p.toLoad)
}

// SegmentsToDrop implements cluster.PendingQueue.
func (p *Peon) SegmentsToDrop() []*segment.Segment {
	p.mu.Lock()
	defer p.mu.Unlock()
	return segmentsOf(p.toDrop)
}

// LoadQueueSize implements cluster.PendingQueue.
func (p *Peon) LoadQueueSize() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.queuedBytes
}

// Len returns the number of queued commands.
func (p *Peon) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.toLoad) + len(p.toDrop)
}

func segmentsOf(queue map[string]*command) []*segment.Segment {
	out := make([]*segment.Segment, 0, len(queue))
	for _, cmd := range queue {
		out = append(out, cmd.seg)
	}
	segment.SortByID(out)
	return out
}

// FlushResult summarizes one Flush.
type FlushResult struct {
	Loaded   int   // load commands delivered
	Dropped  int   // drop commands delivered
	Retrying int   // failed commands left queued for the next flush
	Failed   int   // commands given up on after MaxAttempts
	Err      error // every delivery error of this flush, combined
}

// Flush delivers every queued command, drops before loads and each in
// segment ID order, waiting on the rate limiter before each one.
//
// A delivered command leaves the queue and its callbacks get nil. A failed
// command stays queued unless it has now failed MaxAttempts times, in which
// case it is removed and its callbacks get the error. If ctx ends, Flush
// stops and the rest stays queued.
func (p *Peon) Flush(ctx context.Context) FlushResult {
	p.flushMu.Lock()
	defer p.flushMu.Unlock()

	drops := p.SegmentsToDrop()
	loads := p.SegmentsToLoad()

	var res FlushResult
	for _, seg := range drops {
		if !p.deliver(ctx, seg, false, &res) {
			return res
		}
	}
	for _, seg := range loads {
		if !p.deliver(ctx, seg, true, &res) {
			return res
		}
	}

	if res.Loaded+res.Dropped+res.Failed+res.Retrying > 0 {
		p.log.Debug().
			Int("loaded", res.Loaded).
			Int("dropped", res.Dropped).
			Int("retrying", res.Retrying).
			Int("failed", res.Failed).
			Msg("load queue flushed")
	}
	return res
}

// deliver sends one command and settles it. It returns false when ctx ended.
func (p *Peon) deliver(ctx context.Context, seg *segment.Segment, load bool, res *FlushResult) bool {
	if err := p.limiter.Wait(ctx); err != nil {
		res.Err = multierr.Append(res.Err, err)
		return false
	}

	var err error
	if load {
		err = p.transport.Load(ctx, p.addr, seg)
	} else {
		err = p.transport.Drop(ctx, p.addr, seg)
	}

	queue := p.toDrop
	if load {
		queue = p.toLoad
	}

	p.mu.Lock()
	cmd, ok := queue[seg.ID]
	if !ok {
		// discarded by Stop while in flight
		p.mu.Unlock()
		return ctx.Err() == nil
	}

	settled := err == nil
	if err != nil {
		cmd.failures++
		settled = cmd.failures >= p.attempts
	}
	if settled {
		delete(queue, seg.ID)
		if load {
			p.queuedBytes -= seg.Size
		}
	}
	p.mu.Unlock()

	switch {
	case err == nil && load:
		res.Loaded++
	case err == nil:
		res.Dropped++
	case settled:
		res.Failed++
	default:
		res.Retrying++
	}

	if err != nil {
		err = fmt.Errorf("%s %s on %s: %w", verb(load), seg.ID, p.nodeID, err)
		res.Err = multierr.Append(res.Err, err)
		p.log.Warn().Err(err).Int("attempt", cmd.failures).Bool("giving_up", settled).Msg("command failed")
	}
	if settled {
		cmd.done(err)
	}

	return ctx.Err() == nil
}

func verb(load bool) string {
	if load {
		return "load"
	}
	return "drop"
}

// Stop discards every queued command, failing its callbacks with
// ErrPeonStopped, and rejects new ones. Stop is idempotent.
func (p *Peon) Stop() {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return
	}
	p.stopped = true
	var pending []*command
	for _, cmd := range p.toDrop {
		pending = append(pending, cmd)
	}
	for _, cmd := range p.toLoad {
		pending = append(pending, cmd)
	}
	p.toLoad = make(map[string]*command)
	p.toDrop = make(map[string]*command)
	p.queuedBytes = 0
	p.mu.Unlock()

	for _, cmd := range pending {
		cmd.done(ErrPeonStopped)
	}
	if len(pending) > 0 {
		p.log.Info().Int("discarded", len(pending)).Msg("load queue stopped")
	}
}
