package controller

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	pb "github.com/ChuLiYu/beaver-encode/api/proto/v1"
	"github.com/ChuLiYu/beaver-encode/internal/node"
	"github.com/ChuLiYu/beaver-encode/pkg/types"
)

// ============================================================================
// Test Helper Functions
// ============================================================================

type handlerFunc func(ctx context.Context, req *pb.EncodeChunkRequest) (*pb.EncodeChunkResponse, error)

// fakeClient stands in for a node's gRPC client and tracks concurrency.
type fakeClient struct {
	handler handlerFunc

	current atomic.Int32
	peak    atomic.Int32
	calls   atomic.Int32

	mu      sync.Mutex
	indices []uint32
}

func (f *fakeClient) EncodeChunk(ctx context.Context, in *pb.EncodeChunkRequest, _ ...grpc.CallOption) (*pb.EncodeChunkResponse, error) {
	n := f.current.Add(1)
	defer f.current.Add(-1)
	for {
		p := f.peak.Load()
		if n <= p || f.peak.CompareAndSwap(p, n) {
			break
		}
	}
	f.calls.Add(1)

	f.mu.Lock()
	f.indices = append(f.indices, in.ChunkIndex)
	f.mu.Unlock()

	return f.handler(ctx, in)
}

func echo(_ context.Context, req *pb.EncodeChunkRequest) (*pb.EncodeChunkResponse, error) {
	return &pb.EncodeChunkResponse{
		EncodedChunkData: append([]byte("enc:"), req.ChunkData...),
		ChunkIndex:       req.ChunkIndex,
		Success:          true,
	}, nil
}

func failAll(_ context.Context, req *pb.EncodeChunkRequest) (*pb.EncodeChunkResponse, error) {
	return &pb.EncodeChunkResponse{
		ChunkIndex:   req.ChunkIndex,
		ErrorMessage: "ffmpeg exited with status 1",
	}, nil
}

func withDelay(d time.Duration, next handlerFunc) handlerFunc {
	return func(ctx context.Context, req *pb.EncodeChunkRequest) (*pb.EncodeChunkResponse, error) {
		select {
		case <-time.After(d):
		case <-ctx.Done():
			return nil, status.FromContextError(ctx.Err()).Err()
		}
		return next(ctx, req)
	}
}

// makeChunks writes n segment files and returns their chunks.
func makeChunks(t *testing.T, dir string, n int) []types.Chunk {
	t.Helper()

	segDir := filepath.Join(dir, "segments")
	require.NoError(t, os.MkdirAll(segDir, 0o755))

	segments := make([]string, 0, n)
	for i := 0; i < n; i++ {
		p := filepath.Join(segDir, fmt.Sprintf("chunk_%04d.mp4", i))
		require.NoError(t, os.WriteFile(p, []byte(fmt.Sprintf("segment-%d", i)), 0o644))
		segments = append(segments, p)
	}
	return types.ChunksFromSegments(segments, []string{"-c:v", "libx264", "-y"})
}

func createTestController(t *testing.T, dir string, mutate func(*Config)) *Controller {
	t.Helper()

	cfg := Config{
		MaxAttempts: 0,
		EncodedPath: func(index int) string {
			return filepath.Join(dir, "encoded", fmt.Sprintf("encoded_chunk_%d.mkv", index))
		},
		Logger: hclog.NewNullLogger(),
	}
	if mutate != nil {
		mutate(&cfg)
	}

	c, err := New(cfg)
	require.NoError(t, err)
	return c
}

func indicesOf(chunks []types.Chunk) []int {
	out := make([]int, 0, len(chunks))
	for _, c := range chunks {
		out = append(out, c.Index)
	}
	return out
}

func assertPermitsReturned(t *testing.T, nodes []*node.Handle) {
	t.Helper()
	for _, n := range nodes {
		assert.Equal(t, 0, n.Limiter.InUse(), "node %s leaked permits", n.Address)
		assert.Equal(t, n.Capacity, n.Limiter.Available())
	}
}

// ============================================================================
// Construction
// ============================================================================

func TestNew_Validation(t *testing.T) {
	_, err := New(Config{})
	assert.Error(t, err, "EncodedPath is required")

	_, err = New(Config{MaxAttempts: -1, EncodedPath: func(int) string { return "" }})
	assert.Error(t, err)
}

func TestRun_NoNodes(t *testing.T) {
	dir := t.TempDir()
	c := createTestController(t, dir, nil)

	_, err := c.Run(context.Background(), nil, makeChunks(t, dir, 1))
	assert.ErrorIs(t, err, node.ErrConfiguration)
}

func TestRun_DuplicateIndex(t *testing.T) {
	dir := t.TempDir()
	c := createTestController(t, dir, nil)
	chunks := makeChunks(t, dir, 2)
	chunks[1].Index = 0

	nodes := []*node.Handle{node.NewHandle("a", 1, &fakeClient{handler: echo}, nil)}
	_, err := c.Run(context.Background(), nodes, chunks)
	assert.Error(t, err)
}

func TestRun_EmptyInput(t *testing.T) {
	dir := t.TempDir()
	c := createTestController(t, dir, nil)

	nodes := []*node.Handle{node.NewHandle("a", 2, &fakeClient{handler: echo}, nil)}
	result, err := c.Run(context.Background(), nodes, nil)
	require.NoError(t, err)
	assert.Empty(t, result.Completed)
	assertPermitsReturned(t, nodes)
}

// ============================================================================
// Scenarios
// ============================================================================

// One node, one slot, three chunks, every attempt succeeds.
func TestRun_SingleNodeAllSucceed(t *testing.T) {
	dir := t.TempDir()
	c := createTestController(t, dir, nil)
	client := &fakeClient{handler: echo}
	nodes := []*node.Handle{node.NewHandle("node-a:50051", 1, client, nil)}

	result, err := c.Run(context.Background(), nodes, makeChunks(t, dir, 3))
	require.NoError(t, err)

	assert.Equal(t, []int{0, 1, 2}, indicesOf(result.Completed))
	assert.Equal(t, 3, result.Total)
	assert.Empty(t, result.Dead)
	assert.Equal(t, int32(1), client.peak.Load())

	for i, p := range result.EncodedPaths() {
		data, err := os.ReadFile(p)
		require.NoError(t, err)
		assert.Equal(t, fmt.Sprintf("enc:segment-%d", i), string(data))
	}
	assertPermitsReturned(t, nodes)
}

// Two nodes with slots 2 and 1; chunk 3 fails once on node A.
func TestRun_FailOnceThenSucceedElsewhere(t *testing.T) {
	dir := t.TempDir()
	c := createTestController(t, dir, nil)

	var failed atomic.Bool
	clientA := &fakeClient{handler: func(ctx context.Context, req *pb.EncodeChunkRequest) (*pb.EncodeChunkResponse, error) {
		if req.ChunkIndex == 3 && failed.CompareAndSwap(false, true) {
			return failAll(ctx, req)
		}
		return withDelay(5*time.Millisecond, echo)(ctx, req)
	}}
	clientB := &fakeClient{handler: withDelay(5*time.Millisecond, echo)}

	nodes := []*node.Handle{
		node.NewHandle("node-a", 2, clientA, nil),
		node.NewHandle("node-b", 1, clientB, nil),
	}

	result, err := c.Run(context.Background(), nodes, makeChunks(t, dir, 5))
	require.NoError(t, err)
	assert.Equal(t, []int{0, 1, 2, 3, 4}, indicesOf(result.Completed), "no duplicates, index order")
	assert.Equal(t, int32(6), clientA.calls.Load()+clientB.calls.Load())
	assertPermitsReturned(t, nodes)
}

// A node that fails everything must never produce a successful run.
func TestRun_AlwaysFailingNode(t *testing.T) {
	dir := t.TempDir()
	c := createTestController(t, dir, func(cfg *Config) {
		cfg.MaxAttempts = 3
		cfg.BackoffBase = time.Millisecond
		cfg.BackoffMax = 2 * time.Millisecond
	})
	client := &fakeClient{handler: failAll}
	nodes := []*node.Handle{node.NewHandle("broken", 2, client, nil)}

	result, err := c.Run(context.Background(), nodes, makeChunks(t, dir, 2))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrIncomplete)
	assert.ErrorIs(t, err, ErrRetriesExhausted)

	var incomplete *IncompleteError
	require.True(t, errors.As(err, &incomplete))
	assert.Equal(t, []int{0, 1}, incomplete.Missing)
	assert.Equal(t, []int{0, 1}, incomplete.Dead)
	assert.Equal(t, 0, incomplete.Completed)

	assert.Equal(t, int32(6), client.calls.Load(), "three attempts per chunk")
	require.Len(t, result.Dead, 2)
	assert.Equal(t, 3, result.Dead[0].Attempt)
	assertPermitsReturned(t, nodes)
}

func TestRun_AllowIncomplete(t *testing.T) {
	dir := t.TempDir()
	c := createTestController(t, dir, func(cfg *Config) {
		cfg.MaxAttempts = 1
		cfg.AllowIncomplete = true
	})

	client := &fakeClient{handler: func(ctx context.Context, req *pb.EncodeChunkRequest) (*pb.EncodeChunkResponse, error) {
		if req.ChunkIndex == 1 {
			return failAll(ctx, req)
		}
		return echo(ctx, req)
	}}
	nodes := []*node.Handle{node.NewHandle("a", 1, client, nil)}

	result, err := c.Run(context.Background(), nodes, makeChunks(t, dir, 3))
	require.NoError(t, err)
	assert.Equal(t, []int{0, 2}, indicesOf(result.Completed))
	assert.Equal(t, []int{1}, indicesOf(result.Dead))
}

// A node that keeps the connection but fails the encode is retried, not fatal.
func TestRun_ReportedAndTransportFailuresRequeue(t *testing.T) {
	dir := t.TempDir()
	c := createTestController(t, dir, nil)

	var attempts sync.Map
	client := &fakeClient{handler: func(ctx context.Context, req *pb.EncodeChunkRequest) (*pb.EncodeChunkResponse, error) {
		v, _ := attempts.LoadOrStore(req.ChunkIndex, new(atomic.Int32))
		switch v.(*atomic.Int32).Add(1) {
		case 1:
			return failAll(ctx, req)
		case 2:
			return nil, status.Error(codes.Unavailable, "connection reset")
		default:
			return echo(ctx, req)
		}
	}}
	nodes := []*node.Handle{node.NewHandle("flaky", 2, client, nil)}

	result, err := c.Run(context.Background(), nodes, makeChunks(t, dir, 4))
	require.NoError(t, err)
	assert.Equal(t, []int{0, 1, 2, 3}, indicesOf(result.Completed))
	for _, ch := range result.Completed {
		assert.Equal(t, 2, ch.Attempt, "two failed attempts before success")
	}
}

func TestRun_IndexMismatchIsFailure(t *testing.T) {
	dir := t.TempDir()
	c := createTestController(t, dir, func(cfg *Config) { cfg.MaxAttempts = 2 })

	client := &fakeClient{handler: func(ctx context.Context, req *pb.EncodeChunkRequest) (*pb.EncodeChunkResponse, error) {
		resp, _ := echo(ctx, req)
		resp.ChunkIndex = req.ChunkIndex + 100
		return resp, nil
	}}
	nodes := []*node.Handle{node.NewHandle("liar", 1, client, nil)}

	_, err := c.Run(context.Background(), nodes, makeChunks(t, dir, 1))
	assert.ErrorIs(t, err, ErrIncomplete)
}

func TestRun_MissingSegmentFailsSend(t *testing.T) {
	dir := t.TempDir()
	c := createTestController(t, dir, func(cfg *Config) { cfg.MaxAttempts = 2 })

	chunks := makeChunks(t, dir, 2)
	require.NoError(t, os.Remove(chunks[1].SourcePath))

	client := &fakeClient{handler: echo}
	nodes := []*node.Handle{node.NewHandle("a", 1, client, nil)}

	_, err := c.Run(context.Background(), nodes, chunks)

	var incomplete *IncompleteError
	require.True(t, errors.As(err, &incomplete))
	assert.Equal(t, []int{1}, incomplete.Missing)
	assert.Equal(t, int32(1), client.calls.Load(), "unreadable segment never reaches the node")
}

// ============================================================================
// Properties
// ============================================================================

func TestRun_AdmissionBoundPerNode(t *testing.T) {
	dir := t.TempDir()
	c := createTestController(t, dir, nil)

	clientA := &fakeClient{handler: withDelay(3*time.Millisecond, echo)}
	clientB := &fakeClient{handler: withDelay(3*time.Millisecond, echo)}
	nodes := []*node.Handle{
		node.NewHandle("a", 3, clientA, nil),
		node.NewHandle("b", 1, clientB, nil),
	}

	result, err := c.Run(context.Background(), nodes, makeChunks(t, dir, 40))
	require.NoError(t, err)
	require.Len(t, result.Completed, 40)

	assert.LessOrEqual(t, clientA.peak.Load(), int32(3))
	assert.LessOrEqual(t, clientB.peak.Load(), int32(1))
	assert.Equal(t, int32(40), clientA.calls.Load()+clientB.calls.Load())
	assertPermitsReturned(t, nodes)
}

func TestRun_ConservationDuringRun(t *testing.T) {
	dir := t.TempDir()
	c := createTestController(t, dir, nil)

	var violations atomic.Int32
	var observed atomic.Int32
	var flip atomic.Bool
	handler := func(ctx context.Context, req *pb.EncodeChunkRequest) (*pb.EncodeChunkResponse, error) {
		st := c.Status()
		observed.Add(1)
		if !st.Chunks.Conserved() || st.Chunks.Total != 20 {
			violations.Add(1)
		}
		if flip.CompareAndSwap(false, true) {
			return failAll(ctx, req)
		}
		flip.Store(false)
		return withDelay(time.Millisecond, echo)(ctx, req)
	}

	nodes := []*node.Handle{
		node.NewHandle("a", 2, &fakeClient{handler: handler}, nil),
		node.NewHandle("b", 2, &fakeClient{handler: handler}, nil),
	}

	result, err := c.Run(context.Background(), nodes, makeChunks(t, dir, 20))
	require.NoError(t, err)
	assert.Len(t, result.Completed, 20)
	assert.Greater(t, observed.Load(), int32(0))
	assert.Zero(t, violations.Load())

	st := c.Status()
	assert.False(t, st.Running)
	assert.True(t, st.Closed)
	assert.Equal(t, 20, st.Chunks.Completed)
}

func TestRun_RequeuedChunkUnchanged(t *testing.T) {
	dir := t.TempDir()
	c := createTestController(t, dir, nil)
	chunks := makeChunks(t, dir, 1)

	var seen []*pb.EncodeChunkRequest
	var mu sync.Mutex
	client := &fakeClient{handler: func(ctx context.Context, req *pb.EncodeChunkRequest) (*pb.EncodeChunkResponse, error) {
		mu.Lock()
		seen = append(seen, req)
		first := len(seen) == 1
		mu.Unlock()
		if first {
			return failAll(ctx, req)
		}
		return echo(ctx, req)
	}}
	nodes := []*node.Handle{node.NewHandle("a", 1, client, nil)}

	result, err := c.Run(context.Background(), nodes, chunks)
	require.NoError(t, err)
	require.Len(t, seen, 2)

	assert.Equal(t, seen[0].ChunkIndex, seen[1].ChunkIndex)
	assert.Equal(t, seen[0].ChunkData, seen[1].ChunkData)
	assert.Equal(t, seen[0].EncoderParameters, seen[1].EncoderParameters)
	assert.Equal(t, chunks[0].SourcePath, result.Completed[0].SourcePath)
}

func TestRun_Cancellation(t *testing.T) {
	dir := t.TempDir()
	c := createTestController(t, dir, nil)

	started := make(chan struct{}, 8)
	client := &fakeClient{handler: func(ctx context.Context, req *pb.EncodeChunkRequest) (*pb.EncodeChunkResponse, error) {
		started <- struct{}{}
		<-ctx.Done()
		return nil, status.FromContextError(ctx.Err()).Err()
	}}
	nodes := []*node.Handle{node.NewHandle("stuck", 2, client, nil)}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := c.Run(ctx, nodes, makeChunks(t, dir, 5))
		done <- err
	}()

	<-started
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancellation")
	}
	assertPermitsReturned(t, nodes)
}

func TestRun_CancelledSendsAreNotAttempts(t *testing.T) {
	dir := t.TempDir()
	c := createTestController(t, dir, func(cfg *Config) {
		cfg.MaxAttempts = 1
	})

	started := make(chan struct{}, 8)
	client := &fakeClient{handler: func(ctx context.Context, req *pb.EncodeChunkRequest) (*pb.EncodeChunkResponse, error) {
		started <- struct{}{}
		<-ctx.Done()
		return nil, status.FromContextError(ctx.Err()).Err()
	}}
	nodes := []*node.Handle{node.NewHandle("a", 2, client, nil)}

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-started
		<-started
		cancel()
	}()

	result, err := c.Run(ctx, nodes, makeChunks(t, dir, 4))
	assert.ErrorIs(t, err, context.Canceled)
	assert.NotErrorIs(t, err, ErrRetriesExhausted)
	require.NotNil(t, result)
	assert.Empty(t, result.Dead, "interrupted sends must not retire chunks")
	assert.Empty(t, result.Completed)

	st := c.Status()
	assert.True(t, st.Closed)
	assert.Equal(t, 4, st.Chunks.Pending)
	assert.True(t, st.Chunks.Conserved())
	assertPermitsReturned(t, nodes)
}

func TestRun_CancelDuringBackoff(t *testing.T) {
	dir := t.TempDir()
	c := createTestController(t, dir, func(cfg *Config) {
		cfg.BackoffBase = time.Hour
	})

	failed := make(chan struct{}, 1)
	client := &fakeClient{handler: func(ctx context.Context, req *pb.EncodeChunkRequest) (*pb.EncodeChunkResponse, error) {
		select {
		case failed <- struct{}{}:
		default:
		}
		return failAll(ctx, req)
	}}
	nodes := []*node.Handle{node.NewHandle("a", 1, client, nil)}

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-failed
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	start := time.Now()
	_, err := c.Run(ctx, nodes, makeChunks(t, dir, 1))
	assert.ErrorIs(t, err, context.Canceled)
	assert.Less(t, time.Since(start), 5*time.Second)
	assertPermitsReturned(t, nodes)
}

// ============================================================================
// Backoff
// ============================================================================

func TestBackoff(t *testing.T) {
	base := 500 * time.Millisecond
	max := 30 * time.Second

	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{0, 0},
		{1, 500 * time.Millisecond},
		{2, time.Second},
		{3, 2 * time.Second},
		{7, 30 * time.Second},
		{200, 30 * time.Second},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Backoff(base, max, tt.attempt), "attempt %d", tt.attempt)
	}

	assert.Equal(t, time.Duration(0), Backoff(0, max, 4))
	assert.Equal(t, 4*time.Second, Backoff(time.Second, 0, 3))
}

func TestIncompleteError(t *testing.T) {
	err := &IncompleteError{Total: 3, Completed: 2, Missing: []int{1}}
	assert.ErrorIs(t, err, ErrIncomplete)
	assert.NotErrorIs(t, err, ErrRetriesExhausted)
	assert.Contains(t, err.Error(), "2 of 3")

	err.Dead = []int{1}
	assert.ErrorIs(t, err, ErrRetriesExhausted)
}
