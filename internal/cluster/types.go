package cluster

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/dreamware/strata/internal/segment"
)

// NodeInfo is what a storage node announces about itself on registration.
type NodeInfo struct {
	ID      string `json:"id"`
	Addr    string `json:"addr"`
	MaxSize int64  `json:"max_size"` // Bytes the node is willing to serve
}

type RegisterRequest struct {
	Node NodeInfo `json:"node"`
}

// LoadRequest asks a node to start serving a segment.
type LoadRequest struct {
	Segment *segment.Segment `json:"segment"`
}

// DropRequest asks a node to stop serving a segment.
type DropRequest struct {
	SegmentID string `json:"segment_id"`
}

// AnnounceRequest tells the coordinator about segments that should be served.
type AnnounceRequest struct {
	Segments []*segment.Segment `json:"segments"`
}

// AnnounceResponse counts the segments the coordinator did not know yet.
type AnnounceResponse struct {
	Added int `json:"added"`
}

// PlacementRequest asks where a segment would be placed right now.
type PlacementRequest struct {
	Segment *segment.Segment `json:"segment"`
}

// PlacementResponse is the answer to a PlacementRequest. NodeID is empty
// when no node has room.
type PlacementResponse struct {
	NodeID string `json:"node_id,omitempty"`
	Placed bool   `json:"placed"`
}

// SegmentList is the body of a node's GET /segments response.
type SegmentList struct {
	NodeID   string             `json:"node_id"`
	Segments []*segment.Segment `json:"segments"`
}

var httpClient = &http.Client{Timeout: 5 * time.Second}

func PostJSON(ctx context.Context, url string, body any, out any) error {
	reqBody, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(reqBody))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return &StatusError{URL: url, Code: resp.StatusCode}
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func GetJSON(ctx context.Context, url string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return &StatusError{URL: url, Code: resp.StatusCode}
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// StatusError reports a non-2xx response from a peer.
type StatusError struct {
	URL  string
	Code int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("http %s: %d", e.URL, e.Code)
}
