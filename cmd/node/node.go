package main

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/rs/zerolog"

	"github.com/dreamware/strata/internal/cluster"
	"github.com/dreamware/strata/internal/storage"
)

// Node is a storage node: it serves the segments the coordinator told it to
// load and nothing else.
//
// Each node:
//   - Has a unique identifier within the cluster
//   - Holds segments in a storage.Store bounded by its capacity
//   - Loads and drops segments only on coordinator command
//
// Concurrency model:
//   - Handlers run concurrently; the store does its own locking
//   - Load and drop are idempotent, so a retried command is harmless
type Node struct {
	// ID uniquely identifies this node in the cluster.
	// Immutable after creation.
	ID string

	store storage.Store
	log   zerolog.Logger
}

// NewNode creates a node serving from store.
//
// Example:
//
//	node := NewNode("node-1", storage.NewSegmentStore(10<<30), log)
//	http.ListenAndServe(":8081", node.routes())
func NewNode(id string, store storage.Store, log zerolog.Logger) *Node {
	return &Node{
		ID:    id,
		store: store,
		log:   log.With().Str("node", id).Logger(),
	}
}

// routes returns the node's HTTP API.
//
//	GET  /health    liveness probe used by the coordinator
//	POST /load      cluster.LoadRequest
//	POST /drop      cluster.DropRequest
//	GET  /segments  cluster.SegmentList
//	GET  /info      id and storage.StoreStats
func (n *Node) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("POST /load", n.handleLoad)
	mux.HandleFunc("POST /drop", n.handleDrop)
	mux.HandleFunc("GET /segments", n.handleSegments)
	mux.HandleFunc("GET /info", n.handleInfo)
	return mux
}

// handleLoad starts serving a segment.
//
// Response:
//   - 204 No Content: segment is served (also when it already was)
//   - 400 Bad Request: malformed body or segment
//   - 507 Insufficient Storage: the segment does not fit
func (n *Node) handleLoad(w http.ResponseWriter, r *http.Request) {
	var req cluster.LoadRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad json", http.StatusBadRequest)
		return
	}

	err := n.store.Load(req.Segment)
	switch {
	case errors.Is(err, storage.ErrInsufficientCapacity):
		n.log.Warn().Err(err).Msg("load rejected")
		http.Error(w, err.Error(), http.StatusInsufficientStorage)
		return
	case err != nil:
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	n.log.Info().Str("segment", req.Segment.ID).Int64("size", req.Segment.Size).Msg("segment loaded")
	w.WriteHeader(http.StatusNoContent)
}

// handleDrop stops serving a segment. Dropping a segment the node does not
// hold succeeds, so a retried drop converges.
func (n *Node) handleDrop(w http.ResponseWriter, r *http.Request) {
	var req cluster.DropRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad json", http.StatusBadRequest)
		return
	}
	if req.SegmentID == "" {
		http.Error(w, "segment_id required", http.StatusBadRequest)
		return
	}

	err := n.store.Drop(req.SegmentID)
	switch {
	case errors.Is(err, storage.ErrSegmentNotFound):
		n.log.Debug().Str("segment", req.SegmentID).Msg("drop of unknown segment")
	case err != nil:
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	default:
		n.log.Info().Str("segment", req.SegmentID).Msg("segment dropped")
	}
	w.WriteHeader(http.StatusNoContent)
}

func (n *Node) handleSegments(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, cluster.SegmentList{NodeID: n.ID, Segments: n.store.List()})
}

func (n *Node) handleInfo(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, struct {
		ID    string             `json:"id"`
		Stats storage.StoreStats `json:"stats"`
	}{ID: n.ID, Stats: n.store.Stats()})
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}
