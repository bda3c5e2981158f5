package controller

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/ChuLiYu/beaver-encode/internal/chunkmanager"
	"github.com/ChuLiYu/beaver-encode/internal/node"
	"github.com/ChuLiYu/beaver-encode/pkg/types"
)

// dispatchLoop keeps one node saturated up to its capacity.
//
// The permit acquired before Next belongs to the send started for that chunk;
// the loop itself releases it only when no chunk was obtained. The loop
// returns after every send it started has finished.
func (c *Controller) dispatchLoop(ctx context.Context, mgr *chunkmanager.Manager, n *node.Handle) error {
	log := c.log.With("node", n.Address)

	var sends sync.WaitGroup
	defer sends.Wait()

	for {
		if err := n.Limiter.Acquire(ctx); err != nil {
			log.Debug("Dispatch loop stopped", "reason", err)
			return err
		}

		chunk, err := mgr.Next(ctx, n.Address)
		if err != nil {
			n.Limiter.Release()
			if errors.Is(err, chunkmanager.ErrClosed) {
				log.Debug("Dispatch loop finished, no more work")
				return nil
			}
			log.Debug("Dispatch loop stopped", "reason", err)
			return err
		}

		sends.Add(1)
		go func() {
			defer sends.Done()
			c.process(ctx, mgr, n, chunk)
		}()
	}
}

// process runs one attempt of chunk on n and reports the outcome to mgr.
func (c *Controller) process(ctx context.Context, mgr *chunkmanager.Manager, n *node.Handle, chunk types.Chunk) {
	release := sync.OnceFunc(n.Limiter.Release)
	defer release()

	log := c.log.With("node", n.Address, "index", chunk.Index)
	attempt := chunk.Attempt + 1

	c.metrics.RecordDispatch(n.Address)
	c.updateQueueStats(mgr)
	log.Debug("Chunk dispatched", "attempt", attempt)

	start := time.Now()
	out, err := c.send(ctx, n, chunk)
	release()

	if err == nil {
		if cerr := mgr.Complete(chunk.Index, out.path); cerr != nil {
			log.Error("Failed to mark chunk completed", "error", cerr)
			return
		}
		c.metrics.RecordCompleted(n.Address, time.Since(start), out.sent, out.received)
		c.updateQueueStats(mgr)
		log.Info("Chunk encoded",
			"attempt", attempt,
			"duration", time.Since(start),
			"bytes", out.received)
		return
	}

	if ctx.Err() != nil {
		// Cancelled, not failed: the attempt does not count.
		if rerr := mgr.Release(chunk.Index); rerr != nil {
			log.Error("Failed to release interrupted chunk", "error", rerr)
			return
		}
		c.updateQueueStats(mgr)
		log.Debug("Chunk send interrupted", "attempt", attempt, "error", err)
		return
	}

	c.metrics.RecordFailed(n.Address)

	if c.cfg.MaxAttempts > 0 && attempt >= c.cfg.MaxAttempts {
		if derr := mgr.MarkDead(chunk.Index); derr != nil {
			log.Error("Failed to mark chunk dead", "error", derr)
			return
		}
		c.metrics.RecordDead()
		c.updateQueueStats(mgr)
		log.Error("Chunk failed, attempts exhausted",
			"attempt", attempt,
			"max_attempts", c.cfg.MaxAttempts,
			"error", err)
		return
	}

	delay := c.backoff(attempt)
	log.Warn("Chunk failed, requeueing",
		"attempt", attempt,
		"backoff", delay,
		"error", err)

	// The chunk stays in flight while sleeping so the run cannot close
	// underneath it.
	sleep(ctx, delay)

	if rerr := mgr.Requeue(chunk.Index); rerr != nil {
		log.Error("Failed to requeue chunk", "error", rerr)
		return
	}
	c.metrics.RecordRetry()
	c.updateQueueStats(mgr)
}

// backoff returns BackoffBase * 2^(attempt-1), capped at BackoffMax.
func (c *Controller) backoff(attempt int) time.Duration {
	return Backoff(c.cfg.BackoffBase, c.cfg.BackoffMax, attempt)
}

// Backoff computes an exponential delay for the given 1-based attempt.
// A zero base disables backoff; a zero max leaves it uncapped.
func Backoff(base, max time.Duration, attempt int) time.Duration {
	if base <= 0 || attempt <= 0 {
		return 0
	}

	d := base
	for i := 1; i < attempt; i++ {
		d *= 2
		if max > 0 && d >= max {
			return max
		}
		if d <= 0 { // overflow
			if max > 0 {
				return max
			}
			return time.Duration(1<<63 - 1)
		}
	}
	if max > 0 && d > max {
		return max
	}
	return d
}

// sleep waits for d or until ctx is done.
func sleep(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
