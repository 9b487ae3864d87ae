package index

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/sync/errgroup"

	"steward/internal/logging"
)

// =============================================================================
// ASYNC REINDEXER
// =============================================================================

// Job is a pending index write.
type Job struct {
	DocID    string
	Content  string
	DocType  string
	Metadata map[string]interface{}
	Delete   bool
}

// Reindexer applies index writes in the background so mutation commits never
// wait on embedding calls. Jobs are applied in submission order by a fixed
// pool of workers reading from one queue.
type Reindexer struct {
	index   *Index
	queue   chan Job
	workers int

	mu      sync.Mutex
	started bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// NewReindexer creates a reindexer with the given queue depth.
func NewReindexer(ix *Index, queueSize, workers int) *Reindexer {
	if queueSize <= 0 {
		queueSize = 256
	}
	if workers <= 0 {
		workers = 2
	}
	return &Reindexer{
		index:   ix,
		queue:   make(chan Job, queueSize),
		workers: workers,
	}
}

// Start launches the worker pool. Safe to call once.
func (r *Reindexer) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.started {
		return fmt.Errorf("reindexer already started")
	}
	r.started = true

	ctx, r.cancel = context.WithCancel(ctx)
	r.done = make(chan struct{})

	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < r.workers; i++ {
		g.Go(func() error {
			return r.run(gctx)
		})
	}
	go func() {
		if err := g.Wait(); err != nil && err != context.Canceled {
			logging.Get(logging.CategoryIndex).Error("Reindex workers stopped: %v", err)
		}
		close(r.done)
	}()

	logging.Index("Reindexer started (%d workers, queue=%d)", r.workers, cap(r.queue))
	return nil
}

// Stop drains nothing further and waits for in-flight jobs to finish.
func (r *Reindexer) Stop() {
	r.mu.Lock()
	if !r.started {
		r.mu.Unlock()
		return
	}
	cancel := r.cancel
	done := r.done
	r.mu.Unlock()

	cancel()
	<-done
	logging.Index("Reindexer stopped")
}

// Enqueue submits a job. Returns false when the queue is full; callers treat
// a full queue as a deferred reindex, not an execution failure.
func (r *Reindexer) Enqueue(job Job) bool {
	select {
	case r.queue <- job:
		return true
	default:
		logging.Get(logging.CategoryIndex).Warn("Reindex queue full, dropping job for %s", job.DocID)
		return false
	}
}

// Pending returns the current queue depth.
func (r *Reindexer) Pending() int {
	return len(r.queue)
}

func (r *Reindexer) run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case job := <-r.queue:
			r.apply(ctx, job)
		}
	}
}

func (r *Reindexer) apply(ctx context.Context, job Job) {
	var err error
	if job.Delete {
		err = r.index.Remove(ctx, job.DocID)
	} else {
		err = r.index.Put(ctx, job.DocID, job.Content, job.DocType, job.Metadata)
	}
	if err != nil {
		logging.Get(logging.CategoryIndex).Error("Reindex of %s failed: %v", job.DocID, err)
		return
	}
	logging.IndexDebug("Reindexed %s (delete=%v)", job.DocID, job.Delete)
}
