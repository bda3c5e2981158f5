// ============================================================================
// Beaver-Encode Controller - Distributed Chunk Scheduler
// ============================================================================
//
// Package: internal/controller
// File: controller.go
// Purpose: Drives one encoding run across every connected node.
//
// Architecture:
//   The controller coordinates three pieces:
//   - chunkmanager.Manager: pending / in-flight / completed / dead state
//   - node.Handle:          gRPC client + per-node admission Limiter
//   - metrics.Collector:    per-node counters and queue gauges
//
// Run Flow:
//   1. Seed a Manager with every chunk (all pending).
//   2. Start one dispatch loop per node (errgroup fan-out).
//   3. Each loop: Acquire permit → Manager.Next → go send.
//      A send releases its permit when its RPC finishes, then either
//      completes the chunk, requeues it after a backoff, or retires it
//      as dead once MaxAttempts is reached.
//   4. The Manager closes itself once nothing is pending or in flight,
//      which releases every idle loop.
//   5. Sort completed chunks by index and check completeness.
//
// Completeness:
//   A shortfall is an *IncompleteError (errors.Is ErrIncomplete, and also
//   ErrRetriesExhausted when chunks went dead). AllowIncomplete logs a
//   warning and returns the partial result instead.
//
// Cancellation:
//   Cancelling the run context closes the Manager, aborts in-flight RPCs and
//   backoff sleeps, and makes Run return the context error.
//
// ============================================================================

package controller

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"
	"golang.org/x/sync/errgroup"

	"github.com/ChuLiYu/beaver-encode/internal/chunkmanager"
	"github.com/ChuLiYu/beaver-encode/internal/logging"
	"github.com/ChuLiYu/beaver-encode/internal/metrics"
	"github.com/ChuLiYu/beaver-encode/internal/node"
	"github.com/ChuLiYu/beaver-encode/pkg/types"
)

// ============================================================================
// Errors
// ============================================================================

var (
	// ErrIncomplete means fewer chunks completed than were created.
	ErrIncomplete = errors.New("encoding run incomplete")
	// ErrRetriesExhausted means at least one chunk hit MaxAttempts.
	ErrRetriesExhausted = errors.New("chunk retries exhausted")
	// ErrEncodeFailed is a node-reported failure (success=false).
	ErrEncodeFailed = errors.New("node reported encode failure")
	// ErrIndexMismatch means the node echoed a different chunk index.
	ErrIndexMismatch = errors.New("response chunk index mismatch")
)

// IncompleteError lists what is missing from a finished run.
type IncompleteError struct {
	Total     int
	Completed int
	Missing   []int // never completed, including dead
	Dead      []int // exhausted MaxAttempts
}

func (e *IncompleteError) Error() string {
	msg := fmt.Sprintf("%s: %d of %d chunks completed, missing %v", ErrIncomplete, e.Completed, e.Total, e.Missing)
	if len(e.Dead) > 0 {
		msg += fmt.Sprintf(" (%d exhausted retries)", len(e.Dead))
	}
	return msg
}

func (e *IncompleteError) Unwrap() []error {
	if len(e.Dead) > 0 {
		return []error{ErrIncomplete, ErrRetriesExhausted}
	}
	return []error{ErrIncomplete}
}

// ============================================================================
// Configuration
// ============================================================================

// Config tunes a Controller.
type Config struct {
	// MaxAttempts bounds the attempts per chunk. 0 retries forever.
	MaxAttempts int
	BackoffBase time.Duration
	BackoffMax  time.Duration

	// AllowIncomplete downgrades a completeness shortfall to a warning.
	AllowIncomplete bool

	// EncodedPath is where the encoded output of a chunk index is stored.
	EncodedPath func(index int) string

	Logger  hclog.Logger
	Metrics *metrics.Collector
}

// Result is the outcome of a finished run.
type Result struct {
	// Completed is sorted by index ascending.
	Completed []types.Chunk
	Dead      []types.Chunk
	Total     int
	Duration  time.Duration
}

// EncodedPaths lists completed outputs in index order.
func (r *Result) EncodedPaths() []string {
	paths := make([]string, 0, len(r.Completed))
	for _, c := range r.Completed {
		paths = append(paths, c.EncodedPath)
	}
	return paths
}

// ============================================================================
// Controller
// ============================================================================

// Controller runs chunks across nodes.
type Controller struct {
	cfg     Config
	log     hclog.Logger
	metrics *metrics.Collector

	mu        sync.Mutex
	mgr       *chunkmanager.Manager
	nodes     []*node.Handle
	startTime time.Time
	running   bool
}

// New validates cfg and returns a Controller.
func New(cfg Config) (*Controller, error) {
	if cfg.EncodedPath == nil {
		return nil, errors.New("controller: EncodedPath is required")
	}
	if cfg.MaxAttempts < 0 {
		return nil, fmt.Errorf("controller: MaxAttempts must not be negative, got %d", cfg.MaxAttempts)
	}

	return &Controller{
		cfg:     cfg,
		log:     logging.OrDefault(cfg.Logger).Named("controller"),
		metrics: cfg.Metrics,
	}, nil
}

// Run encodes every chunk using nodes and returns the ordered result.
//
// On a completeness shortfall Run returns both the partial result and an
// *IncompleteError, unless AllowIncomplete is set.
func (c *Controller) Run(ctx context.Context, nodes []*node.Handle, chunks []types.Chunk) (*Result, error) {
	if len(nodes) == 0 {
		return nil, fmt.Errorf("%w: no nodes available", node.ErrConfiguration)
	}

	mgr, err := chunkmanager.New(chunks)
	if err != nil {
		return nil, fmt.Errorf("failed to seed chunk manager: %w", err)
	}

	start := time.Now()
	c.mu.Lock()
	c.mgr = mgr
	c.nodes = nodes
	c.startTime = start
	c.running = true
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.running = false
		c.mu.Unlock()
	}()

	c.log.Info("Starting encoding run", "chunks", len(chunks), "nodes", len(nodes))
	c.updateQueueStats(mgr)

	// Cancellation must release loops idling in Manager.Next.
	stop := context.AfterFunc(ctx, mgr.Close)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	for _, n := range nodes {
		g.Go(func() error {
			return c.dispatchLoop(gctx, mgr, n)
		})
	}
	loopErr := g.Wait()

	result := &Result{
		Completed: mgr.Completed(),
		Dead:      mgr.Dead(),
		Total:     len(chunks),
		Duration:  time.Since(start),
	}
	sort.Slice(result.Completed, func(i, j int) bool {
		return result.Completed[i].Index < result.Completed[j].Index
	})

	if err := ctx.Err(); err != nil {
		c.log.Warn("Encoding run cancelled", "completed", len(result.Completed), "total", result.Total)
		return result, err
	}
	if loopErr != nil {
		return result, loopErr
	}

	return c.checkComplete(mgr, result)
}

func (c *Controller) checkComplete(mgr *chunkmanager.Manager, result *Result) (*Result, error) {
	if len(result.Completed) == result.Total {
		c.log.Info("All chunks encoded",
			"chunks", result.Total,
			"duration", result.Duration)
		return result, nil
	}

	incomplete := &IncompleteError{
		Total:     result.Total,
		Completed: len(result.Completed),
		Missing:   mgr.Missing(),
	}
	for _, d := range result.Dead {
		incomplete.Dead = append(incomplete.Dead, d.Index)
	}

	if c.cfg.AllowIncomplete {
		c.log.Warn("Encoding run incomplete, continuing with partial output",
			"completed", incomplete.Completed,
			"total", incomplete.Total,
			"missing", incomplete.Missing)
		return result, nil
	}

	c.log.Error("Encoding run incomplete",
		"completed", incomplete.Completed,
		"total", incomplete.Total,
		"missing", incomplete.Missing)
	return result, incomplete
}

// ============================================================================
// Status
// ============================================================================

// NodeStatus is the live admission state of one node.
type NodeStatus struct {
	Address  string `json:"address"`
	Capacity int    `json:"capacity"`
	InUse    int    `json:"in_use"`
}

// Status is served on the status endpoint.
type Status struct {
	Running bool `json:"running"`
	// Closed means no chunk will be handed out again in this run.
	Closed bool               `json:"closed"`
	Uptime string             `json:"uptime"`
	Chunks chunkmanager.Stats `json:"chunks"`
	Nodes  []NodeStatus       `json:"nodes"`
}

// Status reports the current run.
func (c *Controller) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()

	st := Status{Running: c.running}
	if c.mgr == nil {
		return st
	}

	st.Uptime = time.Since(c.startTime).Truncate(time.Millisecond).String()
	st.Chunks = c.mgr.Stats()
	st.Closed = c.mgr.IsClosed()
	for _, n := range c.nodes {
		st.Nodes = append(st.Nodes, NodeStatus{
			Address:  n.Address,
			Capacity: n.Limiter.Capacity(),
			InUse:    n.Limiter.InUse(),
		})
	}
	return st
}

func (c *Controller) updateQueueStats(mgr *chunkmanager.Manager) {
	if c.metrics == nil {
		return
	}
	s := mgr.Stats()
	c.metrics.UpdateQueueStats(s.Pending, s.InFlight, s.Completed)
}
