package coordinator

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/dreamware/strata/internal/cluster"
)

// NodeStatus is the health state of a node as seen by the coordinator.
type NodeStatus string

const (
	StatusUnknown   NodeStatus = "unknown"
	StatusHealthy   NodeStatus = "healthy"
	StatusUnhealthy NodeStatus = "unhealthy"
)

// NodeHealth tracks the health status of a single node in the cluster.
// It maintains the current status, last successful check time, and failure count.
type NodeHealth struct {
	LastCheck        time.Time  `json:"last_check"`   // Timestamp of the last health check attempt
	LastHealthy      time.Time  `json:"last_healthy"` // Timestamp of the last successful health check
	NodeID           string     `json:"node_id"`
	Status           NodeStatus `json:"status"`
	ConsecutiveFails int        `json:"consecutive_fails"`
}

// CheckFunc probes the node at addr and returns nil if it is healthy.
type CheckFunc func(ctx context.Context, addr string) error

// HealthMonitor performs periodic health checks on all registered nodes.
// A node that fails maxFailures checks in a row becomes unhealthy and the
// onUnhealthy callback fires once for that transition; the coordinator uses
// it to drop the node from the registry so its segments are placed again.
//
// Thread-safe: All methods are safe for concurrent access.
type HealthMonitor struct {
	nodes       map[string]*NodeHealth // Current health status per node
	httpClient  *http.Client           // HTTP client for the default check
	checkFunc   CheckFunc              // Function to perform health check
	onUnhealthy func(nodeID string)    // Callback when node becomes unhealthy
	log         zerolog.Logger
	ctx         context.Context    // Context for cancellation
	cancel      context.CancelFunc // Cancel function for shutdown
	interval    time.Duration      // How often to check node health
	timeout     time.Duration      // Per-check timeout
	mu          sync.RWMutex       // Protects nodes map and onUnhealthy
	wg          sync.WaitGroup     // Start loop and callbacks in flight
	maxFailures int                // Failures before marking unhealthy
}

// HealthOption configures a HealthMonitor.
type HealthOption func(*HealthMonitor)

// WithCheckTimeout bounds each probe. Default 2s.
func WithCheckTimeout(d time.Duration) HealthOption {
	return func(h *HealthMonitor) {
		h.timeout = d
		h.httpClient.Timeout = d
	}
}

// WithMaxFailures sets how many consecutive failures make a node unhealthy.
// Default 3.
func WithMaxFailures(n int) HealthOption {
	return func(h *HealthMonitor) {
		if n > 0 {
			h.maxFailures = n
		}
	}
}

// WithCheckFunc replaces the HTTP probe, mostly for tests.
func WithCheckFunc(f CheckFunc) HealthOption {
	return func(h *HealthMonitor) {
		h.checkFunc = f
	}
}

// WithHealthLogger sets the logger.
func WithHealthLogger(l zerolog.Logger) HealthOption {
	return func(h *HealthMonitor) {
		h.log = l
	}
}

// NewHealthMonitor creates a new health monitor with the specified check interval.
// By default the monitor GETs each node's /health endpoint with a 2s timeout
// and marks a node unhealthy after 3 consecutive failures.
//
// Example:
//
//	monitor := NewHealthMonitor(5*time.Second, WithHealthLogger(log))
//	monitor.SetOnUnhealthy(func(nodeID string) { registry.RemoveNode(nodeID) })
//	go monitor.Start(ctx, registry.Nodes)
func NewHealthMonitor(interval time.Duration, opts ...HealthOption) *HealthMonitor {
	ctx, cancel := context.WithCancel(context.Background())

	h := &HealthMonitor{
		interval:    interval,
		timeout:     2 * time.Second,
		maxFailures: 3,
		nodes:       make(map[string]*NodeHealth),
		httpClient:  &http.Client{Timeout: 2 * time.Second},
		log:         zerolog.Nop(),
		ctx:         ctx,
		cancel:      cancel,
	}
	h.checkFunc = h.defaultHealthCheck
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// SetOnUnhealthy sets the callback invoked when a node becomes unhealthy.
// The callback runs on its own goroutine; Stop waits for it.
func (h *HealthMonitor) SetOnUnhealthy(callback func(nodeID string)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.onUnhealthy = callback
}

// Start checks every node returned by nodeProvider immediately and then every
// interval. It blocks until ctx is cancelled or Stop is called.
func (h *HealthMonitor) Start(ctx context.Context, nodeProvider func() []cluster.NodeInfo) {
	h.wg.Add(1)
	defer h.wg.Done()

	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	h.log.Info().Dur("interval", h.interval).Msg("health monitor started")

	h.checkAllNodes(ctx, nodeProvider())

	for {
		select {
		case <-ticker.C:
			h.checkAllNodes(ctx, nodeProvider())
		case <-ctx.Done():
			h.log.Info().Msg("health monitor stopping: context cancelled")
			return
		case <-h.ctx.Done():
			h.log.Info().Msg("health monitor stopping")
			return
		}
	}
}

// Stop shuts the monitor down and waits for the loop and any running
// callbacks to finish. Stop is idempotent.
func (h *HealthMonitor) Stop() {
	h.cancel()
	h.wg.Wait()
}

// checkAllNodes probes every node concurrently, then forgets nodes that are
// no longer in the cluster.
func (h *HealthMonitor) checkAllNodes(ctx context.Context, nodes []cluster.NodeInfo) {
	current := make(map[string]bool, len(nodes))

	var g errgroup.Group
	for _, node := range nodes {
		current[node.ID] = true
		g.Go(func() error {
			h.checkNode(ctx, node)
			return nil
		})
	}
	_ = g.Wait()

	h.mu.Lock()
	defer h.mu.Unlock()
	for nodeID := range h.nodes {
		if !current[nodeID] {
			delete(h.nodes, nodeID)
			h.log.Debug().Str("node", nodeID).Msg("node no longer monitored")
		}
	}
}

// checkNode probes one node and updates its record.
func (h *HealthMonitor) checkNode(ctx context.Context, node cluster.NodeInfo) {
	h.mu.Lock()
	health, exists := h.nodes[node.ID]
	if !exists {
		now := time.Now()
		health = &NodeHealth{
			NodeID:      node.ID,
			Status:      StatusUnknown,
			LastCheck:   now,
			LastHealthy: now,
		}
		h.nodes[node.ID] = health
	}
	h.mu.Unlock()

	cctx, cancel := context.WithTimeout(ctx, h.timeout)
	err := h.checkFunc(cctx, node.Addr)
	cancel()

	h.mu.Lock()
	defer h.mu.Unlock()

	health.LastCheck = time.Now()

	if err == nil {
		if health.Status == StatusUnhealthy {
			h.log.Info().Str("node", node.ID).Msg("node recovered")
		}
		health.Status = StatusHealthy
		health.ConsecutiveFails = 0
		health.LastHealthy = health.LastCheck
		return
	}

	health.ConsecutiveFails++
	h.log.Warn().
		Err(err).
		Str("node", node.ID).
		Int("attempt", health.ConsecutiveFails).
		Int("max", h.maxFailures).
		Msg("health check failed")

	if health.ConsecutiveFails < h.maxFailures || health.Status == StatusUnhealthy {
		return
	}
	health.Status = StatusUnhealthy
	h.log.Error().Str("node", node.ID).Int("failures", health.ConsecutiveFails).Msg("node marked unhealthy")

	if cb := h.onUnhealthy; cb != nil {
		h.wg.Add(1)
		go func() {
			defer h.wg.Done()
			cb(node.ID)
		}()
	}
}

// defaultHealthCheck GETs addr/health and expects 200 OK.
// addr may be a full URL or host:port.
func (h *HealthMonitor) defaultHealthCheck(ctx context.Context, addr string) error {
	url := addr
	if !strings.HasPrefix(addr, "http://") && !strings.HasPrefix(addr, "https://") {
		url = "http://" + addr
	}
	if !strings.HasSuffix(url, "/health") {
		url = strings.TrimRight(url, "/") + "/health"
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := h.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("health check request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check returned status %d", resp.StatusCode)
	}
	return nil
}

// GetNodeHealth returns a copy of a node's health record, or nil if the node
// is not monitored.
func (h *HealthMonitor) GetNodeHealth(nodeID string) *NodeHealth {
	h.mu.RLock()
	defer h.mu.RUnlock()

	health, exists := h.nodes[nodeID]
	if !exists {
		return nil
	}
	c := *health
	return &c
}

// GetAllNodeHealth returns copies of every node's health record by node ID.
func (h *HealthMonitor) GetAllNodeHealth() map[string]*NodeHealth {
	h.mu.RLock()
	defer h.mu.RUnlock()

	result := make(map[string]*NodeHealth, len(h.nodes))
	for id, health := range h.nodes {
		c := *health
		result[id] = &c
	}
	return result
}

// IsHealthy reports whether the node passed its last check.
// Unmonitored nodes are not healthy.
func (h *HealthMonitor) IsHealthy(nodeID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()

	health, exists := h.nodes[nodeID]
	return exists && health.Status == StatusHealthy
}
