package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/dreamware/strata/internal/balancer"
	"github.com/dreamware/strata/internal/cluster"
	"github.com/dreamware/strata/internal/config"
	"github.com/dreamware/strata/internal/coordinator"
	"github.com/dreamware/strata/internal/loadqueue"
	"github.com/dreamware/strata/internal/segment"
)

type server struct {
	cfg      *config.Config
	log      zerolog.Logger
	registry *coordinator.SegmentRegistry
	pool     *balancer.WorkerPool
	duty     *coordinator.BalancerDuty
	monitor  *coordinator.HealthMonitor
}

func newServer(cfg *config.Config, logger zerolog.Logger, reg prometheus.Registerer) (*server, error) {
	return newServerWithTransport(cfg, logger, reg, loadqueue.HTTPTransport{})
}

func newServerWithTransport(cfg *config.Config, logger zerolog.Logger, reg prometheus.Registerer, transport loadqueue.Transport) (*server, error) {
	b := cfg.Balancer
	pool := balancer.NewWorkerPool(b.Parallelism)

	strategy, err := balancer.NewCostStrategy(pool,
		balancer.WithCostParams(b.CostParams(time.Now())),
		balancer.WithComputeTimeout(b.ComputeTimeout),
		balancer.WithLogger(logger.With().Str("component", "balancer").Logger()),
		balancer.WithMetrics(balancer.NewMetrics(reg)),
	)
	if err != nil {
		pool.Close()
		return nil, err
	}

	registry := coordinator.NewSegmentRegistry()
	duty := coordinator.NewBalancerDuty(registry, strategy, transport,
		coordinator.WithMaxMoves(b.MaxMoves),
		coordinator.WithPeonOptions(
			loadqueue.WithCommandRate(b.CommandRate, b.CommandBurst),
			loadqueue.WithMaxAttempts(b.MaxAttempts),
		),
		coordinator.WithDutyLogger(logger.With().Str("component", "duty").Logger()),
		coordinator.WithDutyMetrics(coordinator.NewDutyMetrics(reg)),
	)

	monitor := coordinator.NewHealthMonitor(cfg.Health.Interval,
		coordinator.WithCheckTimeout(cfg.Health.Timeout),
		coordinator.WithMaxFailures(cfg.Health.MaxFailures),
		coordinator.WithHealthLogger(logger.With().Str("component", "health").Logger()),
	)

	s := &server{
		cfg:      cfg,
		log:      logger,
		registry: registry,
		pool:     pool,
		duty:     duty,
		monitor:  monitor,
	}
	monitor.SetOnUnhealthy(s.removeNode)
	return s, nil
}

// start launches the health monitor and the periodic coordination cycle.
func (s *server) start(ctx context.Context) {
	go s.monitor.Start(ctx, s.registry.Nodes)
	s.duty.Start(ctx, s.cfg.Balancer.Period)
}

func (s *server) close() {
	s.monitor.Stop()
	s.duty.Stop()
	s.pool.Close()
}

// removeNode drops an unhealthy node; its orphans are placed on the next cycle.
func (s *server) removeNode(nodeID string) {
	orphans, err := s.registry.RemoveNode(nodeID)
	if err != nil {
		s.log.Warn().Err(err).Str("node", nodeID).Msg("could not remove node")
		return
	}
	s.log.Warn().Str("node", nodeID).Int("orphaned", len(orphans)).Msg("node removed")
}

func (s *server) routes(gatherer prometheus.Gatherer) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /register", s.handleRegister)
	mux.HandleFunc("GET /nodes", s.handleListNodes)
	mux.HandleFunc("POST /segments", s.handleAnnounce)
	mux.HandleFunc("GET /segments", s.handleListSegments)
	mux.HandleFunc("POST /placement", s.handlePlacement)
	mux.HandleFunc("POST /balance", s.handleBalance)
	mux.HandleFunc("GET /stats", s.handleStats)
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.Handle("GET /metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	return mux
}

// errorStatus maps engine errors to HTTP status codes.
func errorStatus(err error) int {
	var ce *balancer.ComputeError
	switch {
	case errors.Is(err, balancer.ErrInvalidSegment):
		return http.StatusBadRequest
	case errors.As(err, &ce):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (s *server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req cluster.RegisterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad json", http.StatusBadRequest)
		return
	}
	isNew, err := s.registry.RegisterNode(req.Node)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	s.log.Info().
		Str("node", req.Node.ID).
		Str("addr", req.Node.Addr).
		Int64("max_size", req.Node.MaxSize).
		Bool("new", isNew).
		Msg("node registered")
	w.WriteHeader(http.StatusNoContent)
}

// nodeStatus is one entry of GET /nodes.
type nodeStatus struct {
	cluster.NodeInfo
	CurrSize int64                   `json:"curr_size"`
	Segments int                     `json:"segments"`
	Queued   int                     `json:"queued"`
	Health   *coordinator.NodeHealth `json:"health,omitempty"`
}

func (s *server) handleListNodes(w http.ResponseWriter, r *http.Request) {
	states := s.registry.States()
	out := make([]nodeStatus, 0, len(states))
	for _, st := range states {
		ns := nodeStatus{
			NodeInfo: cluster.NodeInfo{ID: st.ID, Addr: st.Addr, MaxSize: st.MaxSize},
			CurrSize: st.CurrSize,
			Segments: len(st.Segments),
			Health:   s.monitor.GetNodeHealth(st.ID),
		}
		if p := s.duty.Peon(st.ID); p != nil {
			ns.Queued = p.Len()
		}
		out = append(out, ns)
	}
	writeJSON(w, http.StatusOK, struct {
		Nodes []nodeStatus `json:"nodes"`
	}{Nodes: out})
}

func (s *server) handleAnnounce(w http.ResponseWriter, r *http.Request) {
	var req cluster.AnnounceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad json", http.StatusBadRequest)
		return
	}
	for _, seg := range req.Segments {
		if err := seg.Validate(); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
	}

	var resp cluster.AnnounceResponse
	for _, seg := range req.Segments {
		isNew, err := s.registry.AddSegment(seg)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if isNew {
			resp.Added++
		}
	}
	s.log.Info().Int("announced", len(req.Segments)).Int("added", resp.Added).Msg("segments announced")
	writeJSON(w, http.StatusOK, resp)
}

// segmentStatus is one entry of GET /segments.
type segmentStatus struct {
	*segment.Segment
	Nodes []string `json:"nodes"`
}

func (s *server) handleListSegments(w http.ResponseWriter, r *http.Request) {
	segs := s.registry.Segments()
	out := make([]segmentStatus, 0, len(segs))
	unassigned := 0
	for _, seg := range segs {
		nodes := s.registry.SegmentNodes(seg.ID)
		if len(nodes) == 0 {
			unassigned++
			nodes = []string{}
		}
		out = append(out, segmentStatus{Segment: seg, Nodes: nodes})
	}
	writeJSON(w, http.StatusOK, struct {
		Segments   []segmentStatus `json:"segments"`
		Unassigned int             `json:"unassigned"`
	}{Segments: out, Unassigned: unassigned})
}

func (s *server) handlePlacement(w http.ResponseWriter, r *http.Request) {
	var req cluster.PlacementRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad json", http.StatusBadRequest)
		return
	}

	home, err := s.duty.PlanPlacement(r.Context(), req.Segment)
	if err != nil {
		http.Error(w, err.Error(), errorStatus(err))
		return
	}

	var resp cluster.PlacementResponse
	if home != nil {
		resp.NodeID = home.ID()
		resp.Placed = true
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleBalance runs a coordination cycle now and returns its statistics.
func (s *server) handleBalance(w http.ResponseWriter, r *http.Request) {
	stats, err := s.duty.RunOnce(r.Context())
	if err != nil {
		writeJSON(w, errorStatus(err), struct {
			Error string                 `json:"error"`
			Stats coordinator.CycleStats `json:"stats"`
		}{Error: err.Error(), Stats: stats})
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *server) handleStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.duty.LastStats())
}
