// Package dispatch owns the job queue and worker pool. Jobs are executed
// strictly in submission order; above the high-water mark new submissions
// are refused so the API can answer 503 instead of queueing unboundedly.
package dispatch

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/telluric-io/tern/pkg/fault"
	"github.com/telluric-io/tern/pkg/log"
	"github.com/telluric-io/tern/pkg/metrics"
	"github.com/telluric-io/tern/pkg/types"
)

// RunFunc executes one job to a terminal state. It must honor ctx.
type RunFunc func(ctx context.Context, j *types.Job)

// Dispatcher is the bounded FIFO queue plus worker pool
type Dispatcher struct {
	queue     chan *types.Job
	highWater int
	syncCap   time.Duration
	run       RunFunc
	logger    zerolog.Logger

	mu      sync.Mutex
	closed  bool
	cancels map[string]context.CancelFunc
	done    map[string]chan struct{}

	baseCtx context.Context
	stop    context.CancelFunc
	wg      sync.WaitGroup
}

// New creates a dispatcher with the given queue size and worker count.
// highWater caps accepted depth; zero means the full queue size.
func New(queueSize, highWater, workers int, syncCap time.Duration, run RunFunc) *Dispatcher {
	if queueSize <= 0 {
		queueSize = 256
	}
	if highWater <= 0 || highWater > queueSize {
		highWater = queueSize
	}
	if workers <= 0 {
		workers = 4
	}
	if syncCap <= 0 {
		syncCap = 20 * time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	d := &Dispatcher{
		queue:     make(chan *types.Job, queueSize),
		highWater: highWater,
		syncCap:   syncCap,
		run:       run,
		logger:    log.WithComponent("dispatch"),
		cancels:   make(map[string]context.CancelFunc),
		done:      make(map[string]chan struct{}),
		baseCtx:   ctx,
		stop:      cancel,
	}
	for i := 0; i < workers; i++ {
		d.wg.Add(1)
		go d.worker()
	}
	return d
}

// Submit enqueues a job. Above the high-water mark it refuses with
// ServiceUnavailable so callers can shed load. The enqueue happens under the
// mutex so it cannot race a concurrent Close of the queue channel.
func (d *Dispatcher) Submit(j *types.Job) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return fault.New(fault.KindServiceUnavailable, "dispatcher is shutting down")
	}
	if _, dup := d.done[j.ID]; dup {
		return fault.New(fault.KindConflict, "job %s already queued", j.ID)
	}
	if len(d.queue) >= d.highWater {
		metrics.QueueRejected.Inc()
		return fault.New(fault.KindServiceUnavailable, "queue above high-water mark (%d)", d.highWater)
	}

	select {
	case d.queue <- j:
		d.done[j.ID] = make(chan struct{})
		metrics.QueueDepth.Set(float64(len(d.queue)))
		return nil
	default:
		metrics.QueueRejected.Inc()
		return fault.New(fault.KindServiceUnavailable, "queue full")
	}
}

// WaitSync blocks until the job finishes or the synchronous wait cap
// elapses. It reports whether the job reached a terminal state in time.
func (d *Dispatcher) WaitSync(jobID string) bool {
	d.mu.Lock()
	ch, ok := d.done[jobID]
	d.mu.Unlock()
	if !ok {
		return true
	}
	select {
	case <-ch:
		return true
	case <-time.After(d.syncCap):
		return false
	}
}

// Cancel aborts an in-flight job's context. Queued jobs are not removed
// here; the worker consults job state before running.
func (d *Dispatcher) Cancel(jobID string) {
	d.mu.Lock()
	cancel, ok := d.cancels[jobID]
	d.mu.Unlock()
	if ok {
		cancel()
	}
}

// Depth returns the current queue depth.
func (d *Dispatcher) Depth() int {
	return len(d.queue)
}

// Close stops accepting work and waits for in-flight jobs to finish.
// Submissions arriving after Close are refused rather than panicking on
// the closed queue.
func (d *Dispatcher) Close() {
	d.stop()
	d.mu.Lock()
	if !d.closed {
		d.closed = true
		close(d.queue)
	}
	d.mu.Unlock()
	d.wg.Wait()
}

func (d *Dispatcher) worker() {
	defer d.wg.Done()
	for j := range d.queue {
		metrics.QueueDepth.Set(float64(len(d.queue)))
		if d.baseCtx.Err() != nil {
			d.finish(j.ID)
			continue
		}
		d.execute(j)
	}
}

func (d *Dispatcher) execute(j *types.Job) {
	ctx, cancel := context.WithCancel(d.baseCtx)
	d.mu.Lock()
	d.cancels[j.ID] = cancel
	d.mu.Unlock()

	defer func() {
		if r := recover(); r != nil {
			d.logger.Error().Str("job_id", j.ID).Interface("panic", r).Msg("job run panicked")
		}
		cancel()
		d.mu.Lock()
		delete(d.cancels, j.ID)
		d.mu.Unlock()
		d.finish(j.ID)
	}()

	d.run(ctx, j)
}

func (d *Dispatcher) finish(jobID string) {
	d.mu.Lock()
	if ch, ok := d.done[jobID]; ok {
		close(ch)
		delete(d.done, jobID)
	}
	d.mu.Unlock()
}
