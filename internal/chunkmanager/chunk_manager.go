// ============================================================================
// Beaver-Encode Chunk Manager - Shared Scheduler State
// ============================================================================
//
// Package: internal/chunkmanager
// File: chunk_manager.go
// Purpose: Owns every chunk of one encoding run and its lifecycle state.
//
// State Machine:
//   Pending
//      ↓ Next()
//   InFlight ──Requeue()──→ Pending
//      ↓ Complete()          ↓ (attempts exhausted)
//   Completed             Dead ←─MarkDead()── InFlight
//
// Data Structures:
//   chunks    map[int]*Chunk - single source of truth, keyed by index
//   pending   queue.Queue    - indices awaiting dispatch (FIFO)
//   inFlight  map[int]*Chunk - owned by exactly one send attempt
//   completed map[int]*Chunk - encoded output written
//   dead      map[int]*Chunk - never retried again
//
// Open / Closed Signal:
//   Dispatch loops block in Next() while pending is empty. The manager closes
//   itself once pending and inFlight are both empty: nothing can ever be
//   requeued again, so every waiting loop is released with ErrClosed.
//   Close() forces the same state, and a cancelled context releases a single
//   waiter with the context error.
//
// Concurrency:
//   One mutex guards every collection. It is held only for a single pop or
//   push and never across network or disk I/O.
//
// ============================================================================

package chunkmanager

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sort"
	"sync"

	"github.com/golang-collections/collections/queue"

	"github.com/ChuLiYu/beaver-encode/pkg/types"
)

// ============================================================================
// Errors
// ============================================================================

var (
	// ErrDuplicateIndex means two chunks of one run share an index.
	ErrDuplicateIndex = errors.New("chunk index already exists")
	// ErrInvalidIndex means a chunk index is negative.
	ErrInvalidIndex = errors.New("chunk index must not be negative")
	// ErrNotInFlight means the chunk is not owned by a send attempt.
	ErrNotInFlight = errors.New("chunk not in flight")
	// ErrChunkNotFound means the index is unknown to this run.
	ErrChunkNotFound = errors.New("chunk not found")
	// ErrClosed means no more work will ever be handed out.
	ErrClosed = errors.New("chunk manager closed")
)

// Stats is a point-in-time view of the four collections.
type Stats struct {
	Total     int `json:"total"`
	Pending   int `json:"pending"`
	InFlight  int `json:"in_flight"`
	Completed int `json:"completed"`
	Dead      int `json:"dead"`
}

// Conserved reports whether every chunk is accounted for exactly once.
func (s Stats) Conserved() bool {
	return s.Pending+s.InFlight+s.Completed+s.Dead == s.Total
}

// Manager is the lock-guarded scheduler state shared by all dispatch loops.
type Manager struct {
	mu   sync.Mutex
	cond *sync.Cond

	chunks    map[int]*types.Chunk
	pending   *queue.Queue
	inFlight  map[int]*types.Chunk
	completed map[int]*types.Chunk
	dead      map[int]*types.Chunk

	closed bool
}

// New seeds a manager with every chunk of a run in the pending state.
//
// An empty chunk list yields a manager that is already closed.
func New(chunks []types.Chunk) (*Manager, error) {
	m := &Manager{
		chunks:    make(map[int]*types.Chunk, len(chunks)),
		pending:   queue.New(),
		inFlight:  make(map[int]*types.Chunk),
		completed: make(map[int]*types.Chunk),
		dead:      make(map[int]*types.Chunk),
	}
	m.cond = sync.NewCond(&m.mu)

	for _, c := range chunks {
		if c.Index < 0 {
			return nil, fmt.Errorf("%w: %d", ErrInvalidIndex, c.Index)
		}
		if _, exists := m.chunks[c.Index]; exists {
			return nil, fmt.Errorf("%w: %d", ErrDuplicateIndex, c.Index)
		}
		chunk := c
		chunk.Status = types.StatusPending
		chunk.EncodedPath = ""
		chunk.EncoderParams = slices.Clone(c.EncoderParams)
		m.chunks[chunk.Index] = &chunk
		m.pending.Enqueue(chunk.Index)
	}

	m.closeIfDrainedLocked()
	return m, nil
}

// Next hands out one pending chunk and marks it in flight for node.
//
// It blocks while pending is empty but other chunks are still in flight,
// because a failing send may requeue work. It returns ErrClosed once the run
// has drained, or the context error if ctx is cancelled first.
//
// The returned chunk is a copy; callers report back by index.
func (m *Manager) Next(ctx context.Context, node string) (types.Chunk, error) {
	stop := context.AfterFunc(ctx, func() {
		m.mu.Lock()
		m.cond.Broadcast()
		m.mu.Unlock()
	})
	defer stop()

	m.mu.Lock()
	defer m.mu.Unlock()

	for {
		if err := ctx.Err(); err != nil {
			return types.Chunk{}, err
		}
		if m.pending.Len() > 0 {
			return m.popLocked(node), nil
		}
		if m.closed {
			return types.Chunk{}, ErrClosed
		}
		m.cond.Wait()
	}
}

func (m *Manager) popLocked(node string) types.Chunk {
	index := m.pending.Dequeue().(int)
	chunk := m.chunks[index]
	chunk.Status = types.StatusInFlight
	chunk.NodeAddr = node
	m.inFlight[index] = chunk
	return cloneChunk(chunk)
}

// Complete moves an in-flight chunk to completed with its encoded location.
func (m *Manager) Complete(index int, encodedPath string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	chunk, err := m.takeInFlightLocked(index)
	if err != nil {
		return err
	}
	chunk.Status = types.StatusCompleted
	chunk.EncodedPath = encodedPath
	m.completed[index] = chunk

	m.closeIfDrainedLocked()
	return nil
}

// Requeue returns a failed in-flight chunk to pending and counts the attempt.
// Index, source and parameters are left untouched.
func (m *Manager) Requeue(index int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	chunk, err := m.takeInFlightLocked(index)
	if err != nil {
		return err
	}
	chunk.Status = types.StatusPending
	chunk.Attempt++
	m.pending.Enqueue(index)

	m.cond.Signal()
	return nil
}

// Release returns an in-flight chunk to pending without counting an
// attempt, for sends interrupted by cancellation rather than failed.
func (m *Manager) Release(index int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	chunk, err := m.takeInFlightLocked(index)
	if err != nil {
		return err
	}
	chunk.Status = types.StatusPending
	m.pending.Enqueue(index)

	m.cond.Signal()
	return nil
}

// MarkDead retires an in-flight chunk whose attempts are exhausted.
func (m *Manager) MarkDead(index int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	chunk, err := m.takeInFlightLocked(index)
	if err != nil {
		return err
	}
	chunk.Status = types.StatusDead
	chunk.Attempt++
	m.dead[index] = chunk

	m.closeIfDrainedLocked()
	return nil
}

func (m *Manager) takeInFlightLocked(index int) (*types.Chunk, error) {
	if _, exists := m.chunks[index]; !exists {
		return nil, fmt.Errorf("%w: %d", ErrChunkNotFound, index)
	}
	chunk, ok := m.inFlight[index]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrNotInFlight, index)
	}
	delete(m.inFlight, index)
	return chunk, nil
}

// Close releases every waiter; chunks still pending stay pending.
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	m.cond.Broadcast()
}

func (m *Manager) closeIfDrainedLocked() {
	if m.pending.Len() == 0 && len(m.inFlight) == 0 {
		m.closed = true
		m.cond.Broadcast()
	}
}

// IsClosed reports whether Next will hand out no further chunks once pending
// is empty.
func (m *Manager) IsClosed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

// Stats returns the current collection sizes.
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()

	return Stats{
		Total:     len(m.chunks),
		Pending:   m.pending.Len(),
		InFlight:  len(m.inFlight),
		Completed: len(m.completed),
		Dead:      len(m.dead),
	}
}

// Completed returns copies of the completed chunks sorted by index.
func (m *Manager) Completed() []types.Chunk {
	m.mu.Lock()
	defer m.mu.Unlock()
	return sortedCopies(m.completed)
}

// Dead returns copies of the dead chunks sorted by index.
func (m *Manager) Dead() []types.Chunk {
	m.mu.Lock()
	defer m.mu.Unlock()
	return sortedCopies(m.dead)
}

// Missing returns the indices that did not complete, in ascending order.
func (m *Manager) Missing() []int {
	m.mu.Lock()
	defer m.mu.Unlock()

	missing := make([]int, 0, len(m.chunks)-len(m.completed))
	for index := range m.chunks {
		if _, ok := m.completed[index]; !ok {
			missing = append(missing, index)
		}
	}
	sort.Ints(missing)
	return missing
}

// lookup returns a copy of the chunk with the given index.
func (m *Manager) lookup(index int) (types.Chunk, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	chunk, ok := m.chunks[index]
	if !ok {
		return types.Chunk{}, false
	}
	return cloneChunk(chunk), true
}

func sortedCopies(set map[int]*types.Chunk) []types.Chunk {
	out := make([]types.Chunk, 0, len(set))
	for _, chunk := range set {
		out = append(out, cloneChunk(chunk))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Index < out[j].Index })
	return out
}

func cloneChunk(c *types.Chunk) types.Chunk {
	out := *c
	out.EncoderParams = slices.Clone(c.EncoderParams)
	return out
}
