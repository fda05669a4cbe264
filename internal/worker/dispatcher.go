// Package worker runs preview load jobs on a bounded, elastic pool of
// goroutines. Jobs are queued per key and dispatched round-robin across keys
// so one viewer cannot starve the others.
package worker

import (
	"container/list"
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
)

var (
	// ErrQueueFull is returned by Submit when QueueSize jobs are already pending.
	ErrQueueFull = errors.New("worker: job queue full")
	// ErrStopped is returned by Submit after Stop.
	ErrStopped = errors.New("worker: dispatcher stopped")
)

// Job is one unit of work. Run receives a context cancelled on Stop.
type Job struct {
	Key  string
	Name string
	Run  func(ctx context.Context)

	stop bool
}

// Config sizes the pool.
type Config struct {
	MinWorkers  int
	MaxWorkers  int
	QueueSize   int
	IdleTimeout time.Duration
}

const (
	defaultMaxWorkers = 4
	defaultQueueSize  = 64
)

func (c Config) withDefaults() Config {
	if c.MinWorkers < 0 {
		c.MinWorkers = 0
	}
	if c.MaxWorkers <= 0 {
		c.MaxWorkers = defaultMaxWorkers
	}
	if c.MaxWorkers < c.MinWorkers {
		c.MaxWorkers = c.MinWorkers
	}
	if c.QueueSize <= 0 {
		c.QueueSize = defaultQueueSize
	}
	return c
}

type keyQueue struct {
	jobs     []Job
	enqueued bool
}

// Stats is a point-in-time view of the dispatcher.
type Stats struct {
	Running int
	Idle    int
	Pending int
}

type Dispatcher struct {
	pool     *jobChannelPool
	jobQueue chan Job // interface for outer jobs get in the dispatcher
	logger   *zap.Logger
	limit    int

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	mu        sync.Mutex
	pending   int
	stopped   bool
	queues    map[string]*keyQueue // job queue for each key
	ready     *list.List           // round-robin queue of keys
	positions map[string]*list.Element
}

// NewDispatcher starts the dispatch loop and warms up MinWorkers workers.
func NewDispatcher(cfg Config, logger *zap.Logger) *Dispatcher {
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	d := &Dispatcher{
		jobQueue:  make(chan Job, cfg.QueueSize),
		logger:    logger,
		limit:     cfg.QueueSize,
		ctx:       ctx,
		cancel:    cancel,
		done:      make(chan struct{}),
		queues:    make(map[string]*keyQueue),
		ready:     list.New(),
		positions: make(map[string]*list.Element),
	}
	d.pool = newJobChannelPool(cfg.MinWorkers, cfg.MaxWorkers, cfg.IdleTimeout, d.execute)
	for i := 0; i < cfg.MinWorkers; i++ {
		d.pool.spawnIdle()
	}
	go d.run()
	return d
}

// Submit enqueues job without blocking.
func (d *Dispatcher) Submit(job Job) error {
	if job.Run == nil {
		return errors.New("worker: job has no Run func")
	}
	d.mu.Lock()
	if d.stopped {
		d.mu.Unlock()
		return ErrStopped
	}
	if d.pending >= d.limit {
		d.mu.Unlock()
		return ErrQueueFull
	}
	d.pending++
	d.mu.Unlock()

	select {
	case d.jobQueue <- job:
		return nil
	default:
		d.mu.Lock()
		d.pending--
		d.mu.Unlock()
		return ErrQueueFull
	}
}

// CancelKey drops jobs of key that have not started.
func (d *Dispatcher) CancelKey(key string) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if q, ok := d.queues[key]; ok {
		d.pending -= len(q.jobs)
		delete(d.queues, key)
	}
	if elem, ok := d.positions[key]; ok {
		d.ready.Remove(elem)
		delete(d.positions, key)
	}
}

// Stats reports running and idle workers and jobs not yet started.
func (d *Dispatcher) Stats() Stats {
	running, idle := d.pool.stats()
	d.mu.Lock()
	defer d.mu.Unlock()
	return Stats{Running: running, Idle: idle, Pending: d.pending}
}

// Stop cancels running jobs, stops every worker and waits for them to exit.
// Pending jobs are discarded.
func (d *Dispatcher) Stop() {
	d.mu.Lock()
	if d.stopped {
		d.mu.Unlock()
		<-d.done
		return
	}
	d.stopped = true
	d.mu.Unlock()

	d.cancel()
	d.pool.close()
	<-d.done
}

func (d *Dispatcher) run() {
	defer close(d.done)
	for {
		// dispatch one job of the key in front of the queue
		if !d.dispatchOne() {
			select {
			case job := <-d.jobQueue: // block until work arrives
				d.enqueueJob(job)
			case <-d.ctx.Done():
				return
			}
			continue
		}
		select {
		case job := <-d.jobQueue:
			d.enqueueJob(job)
		case <-d.ctx.Done():
			return
		default:
		}
	}
}

func (d *Dispatcher) enqueueJob(job Job) {
	d.mu.Lock()
	defer d.mu.Unlock()

	q := d.queues[job.Key]
	if q == nil {
		q = &keyQueue{}
		d.queues[job.Key] = q
	}
	q.jobs = append(q.jobs, job)
	if q.enqueued {
		return
	}
	q.enqueued = true
	d.positions[job.Key] = d.ready.PushBack(job.Key)
}

// dispatchOne hands the next job of the front key to a worker
func (d *Dispatcher) dispatchOne() bool {
	d.mu.Lock()
	elem := d.ready.Front()
	if elem == nil {
		d.mu.Unlock()
		return false
	}
	key := elem.Value.(string)
	q := d.queues[key]
	job := q.jobs[0]
	q.jobs = q.jobs[1:]
	if len(q.jobs) == 0 {
		q.enqueued = false
		d.ready.Remove(elem)
		delete(d.positions, key)
		delete(d.queues, key)
	} else {
		d.ready.MoveToBack(elem)
	}
	d.mu.Unlock()

	meta := d.pool.acquire()
	if meta == nil {
		return false
	}
	d.mu.Lock()
	d.pending--
	d.mu.Unlock()
	d.logger.Debug("dispatch job",
		zap.String("job", job.Name),
		zap.String("key", job.Key),
		zap.Int("worker", meta.id),
	)
	select {
	case meta.ch <- job:
	case <-d.ctx.Done():
		return false
	}
	return true
}

func (d *Dispatcher) execute(job Job) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("job panicked",
				zap.String("job", job.Name),
				zap.String("key", job.Key),
				zap.Any("panic", r),
			)
		}
	}()
	job.Run(d.ctx)
}
