package loadqueue

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/dreamware/strata/internal/cluster"
	"github.com/dreamware/strata/internal/segment"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m,
		// keep-alive connections of the shared HTTP client
		goleak.IgnoreTopFunction("net/http.(*persistConn).readLoop"),
		goleak.IgnoreTopFunction("net/http.(*persistConn).writeLoop"),
		goleak.IgnoreTopFunction("internal/poll.runtime_pollWait"),
	)
}

func seg(id string, size int64) *segment.Segment {
	day := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	return &segment.Segment{
		ID:         id,
		DataSource: "wiki",
		Interval:   segment.NewInterval(day, day.Add(time.Hour)),
		Size:       size,
	}
}

// recordingTransport records deliveries and fails segments listed in fail.
type recordingTransport struct {
	mu    sync.Mutex
	calls []string
	fail  map[string]error
}

func (r *recordingTransport) record(op string, s *segment.Segment) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, op+":"+s.ID)
	return r.fail[s.ID]
}

func (r *recordingTransport) Load(_ context.Context, _ string, s *segment.Segment) error {
	return r.record("load", s)
}

func (r *recordingTransport) Drop(_ context.Context, _ string, s *segment.Segment) error {
	return r.record("drop", s)
}

func (r *recordingTransport) Calls() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.calls...)
}

func ids(segs []*segment.Segment) []string {
	out := make([]string, 0, len(segs))
	for _, s := range segs {
		out = append(out, s.ID)
	}
	return out
}

// TestPeonQueues tests the PendingQueue view of queued commands
func TestPeonQueues(t *testing.T) {
	p := New("node-1", "http://node-1", &recordingTransport{}, WithCommandRate(0, 1))

	p.LoadSegment(seg("c", 300), nil)
	p.LoadSegment(seg("a", 100), nil)
	p.LoadSegment(seg("a", 100), nil) // duplicate
	p.DropSegment(seg("z", 50), nil)

	assert.Equal(t, "node-1", p.NodeID())
	assert.Equal(t, "http://node-1", p.Addr())
	assert.Equal(t, []string{"a", "c"}, ids(p.SegmentsToLoad()))
	assert.Equal(t, []string{"z"}, ids(p.SegmentsToDrop()))
	assert.Equal(t, int64(400), p.LoadQueueSize())
	assert.Equal(t, 3, p.Len())

	var _ cluster.PendingQueue = p
}

// TestPeonFlush tests delivery order, callbacks and queue cleanup
func TestPeonFlush(t *testing.T) {
	tr := &recordingTransport{}
	p := New("node-1", "http://node-1", tr, WithCommandRate(0, 1))

	var mu sync.Mutex
	results := map[string][]error{}
	cb := func(id string) func(error) {
		return func(err error) {
			mu.Lock()
			defer mu.Unlock()
			results[id] = append(results[id], err)
		}
	}

	p.LoadSegment(seg("b", 10), cb("b"))
	p.LoadSegment(seg("a", 20), cb("a"))
	p.LoadSegment(seg("a", 20), cb("a")) // second callback on the same command
	p.DropSegment(seg("x", 5), cb("x"))

	res := p.Flush(context.Background())
	require.NoError(t, res.Err)
	assert.Equal(t, 2, res.Loaded)
	assert.Equal(t, 1, res.Dropped)
	assert.Zero(t, res.Retrying)
	assert.Zero(t, res.Failed)

	want := []string{"drop:x", "load:a", "load:b"}
	if diff := cmp.Diff(want, tr.Calls()); diff != "" {
		t.Errorf("delivery order mismatch (-want +got):\n%s", diff)
	}

	assert.Equal(t, map[string][]error{"a": {nil, nil}, "b": {nil}, "x": {nil}}, results)
	assert.Zero(t, p.Len())
	assert.Zero(t, p.LoadQueueSize())

	// nothing left to send
	res = p.Flush(context.Background())
	assert.Equal(t, FlushResult{}, res)
}

// TestPeonFlushRetries tests that failures stay queued until MaxAttempts
func TestPeonFlushRetries(t *testing.T) {
	boom := errors.New("node unreachable")
	tr := &recordingTransport{fail: map[string]error{"bad": boom}}
	p := New("node-1", "http://node-1", tr, WithCommandRate(0, 1), WithMaxAttempts(2))

	var got []error
	p.LoadSegment(seg("bad", 100), func(err error) { got = append(got, err) })
	p.LoadSegment(seg("good", 1), nil)

	res := p.Flush(context.Background())
	assert.Equal(t, 1, res.Loaded)
	assert.Equal(t, 1, res.Retrying)
	assert.ErrorIs(t, res.Err, boom)
	assert.Equal(t, []string{"bad"}, ids(p.SegmentsToLoad()))
	assert.Equal(t, int64(100), p.LoadQueueSize())
	assert.Empty(t, got)

	res = p.Flush(context.Background())
	assert.Equal(t, 1, res.Failed)
	assert.Zero(t, res.Retrying)
	assert.Zero(t, p.Len())
	assert.Zero(t, p.LoadQueueSize())
	require.Len(t, got, 1)
	assert.ErrorIs(t, got[0], boom)
}

// TestPeonFlushCancelled tests that a dead context leaves commands queued
func TestPeonFlushCancelled(t *testing.T) {
	tr := &recordingTransport{}
	p := New("node-1", "http://node-1", tr, WithCommandRate(1, 1))
	p.LoadSegment(seg("a", 1), nil)
	p.LoadSegment(seg("b", 1), nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res := p.Flush(ctx)
	assert.Error(t, res.Err)
	assert.Empty(t, tr.Calls())
	assert.Equal(t, 2, p.Len())
}

// TestPeonRateLimit tests that deliveries are paced
func TestPeonRateLimit(t *testing.T) {
	tr := &recordingTransport{}
	p := New("node-1", "http://node-1", tr, WithCommandRate(100, 1))
	for _, id := range []string{"a", "b", "c", "d", "e"} {
		p.LoadSegment(seg(id, 1), nil)
	}

	start := time.Now()
	res := p.Flush(context.Background())
	require.NoError(t, res.Err)
	assert.Equal(t, 5, res.Loaded)
	// one token up front, then one every 10ms
	assert.GreaterOrEqual(t, time.Since(start), 35*time.Millisecond)
}

// TestPeonStop tests that Stop fails everything pending and rejects new work
func TestPeonStop(t *testing.T) {
	p := New("node-1", "http://node-1", &recordingTransport{})

	var got []error
	record := func(err error) { got = append(got, err) }
	p.LoadSegment(seg("a", 10), record)
	p.DropSegment(seg("b", 10), record)

	p.Stop()
	p.Stop()

	require.Len(t, got, 2)
	for _, err := range got {
		assert.ErrorIs(t, err, ErrPeonStopped)
	}
	assert.Zero(t, p.Len())
	assert.Zero(t, p.LoadQueueSize())

	p.LoadSegment(seg("c", 10), record)
	require.Len(t, got, 3)
	assert.ErrorIs(t, got[2], ErrPeonStopped)
	assert.Zero(t, p.Len())
}

// TestHTTPTransport tests the wire format of load and drop commands
func TestHTTPTransport(t *testing.T) {
	var mu sync.Mutex
	var loaded []*segment.Segment
	var dropped []string

	mux := http.NewServeMux()
	mux.HandleFunc("/load", func(w http.ResponseWriter, r *http.Request) {
		var req cluster.LoadRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if req.Segment.ID == "too-big" {
			http.Error(w, "insufficient capacity", http.StatusInsufficientStorage)
			return
		}
		mu.Lock()
		loaded = append(loaded, req.Segment)
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/drop", func(w http.ResponseWriter, r *http.Request) {
		var req cluster.DropRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		mu.Lock()
		dropped = append(dropped, req.SegmentID)
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	tr := HTTPTransport{}
	s := seg("wiki_2024-03-01", 1234)

	require.NoError(t, tr.Load(context.Background(), srv.URL, s))
	require.NoError(t, tr.Drop(context.Background(), srv.URL, s))

	err := tr.Load(context.Background(), srv.URL, seg("too-big", 1))
	var se *cluster.StatusError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, http.StatusInsufficientStorage, se.Code)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, loaded, 1)
	assert.Equal(t, s.ID, loaded[0].ID)
	assert.Equal(t, s.Size, loaded[0].Size)
	assert.True(t, s.Interval.Start.Equal(loaded[0].Interval.Start))
	assert.Equal(t, []string{s.ID}, dropped)
}

// TestPeonOverHTTP tests a peon flushing to a real HTTP endpoint
func TestPeonOverHTTP(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	p := New("node-1", srv.URL, HTTPTransport{}, WithCommandRate(0, 1))
	done := make(chan error, 1)
	p.LoadSegment(seg("a", 1), func(err error) { done <- err })

	res := p.Flush(context.Background())
	require.NoError(t, res.Err)
	require.NoError(t, <-done)
}
