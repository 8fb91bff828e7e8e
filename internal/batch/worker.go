package batch

import (
	"context"
	"errors"
	"log/slog"
	"sync"
)

var ErrDispatcherStopped = errors.New("batch dispatcher stopped")

// unroutedPool takes members whose FSP could not be resolved before
// dispatch; ProcessPayment reports the routing failure for them.
const unroutedPool = "UNROUTED"

type Worker struct {
	ID         int
	FSPCode    string
	WorkerPool chan chan Job
	JobChannel chan Job
	Logger     *slog.Logger
}

func NewWorker(id int, fspCode string, workerPool chan chan Job, logger *slog.Logger) *Worker {
	return &Worker{
		ID:         id,
		FSPCode:    fspCode,
		WorkerPool: workerPool,
		JobChannel: make(chan Job),
		Logger:     logger,
	}
}

func (w *Worker) Start(ctx context.Context, wg *sync.WaitGroup, processFunc func(context.Context, Job)) {
	wg.Add(1)
	go func() {
		defer wg.Done()

		for {
			// register the worker's job channel as available
			select {
			case w.WorkerPool <- w.JobChannel:
			case <-ctx.Done():
				return
			}

			select {
			case job := <-w.JobChannel:
				w.Logger.Debug("worker processing batch member",
					"worker_id", w.ID,
					"fsp_code", w.FSPCode,
					"payment_id", job.PaymentID)
				processFunc(ctx, job)
			case <-ctx.Done():
				w.Logger.Debug("worker stopping", "worker_id", w.ID, "fsp_code", w.FSPCode)
				return
			}
		}
	}()
}

type pool struct {
	code       string
	size       int
	jobQueue   chan Job
	workerPool chan chan Job
}

// LimitSource yields the number of concurrent submissions one FSP accepts.
type LimitSource interface {
	ConcurrencyLimit(ctx context.Context, code string) int
}

// Dispatcher runs one bounded worker pool per FSP. A pool is created on the
// first job for its FSP and sized by that FSP's concurrency limit, so a
// batch can never hold more submissions open against one provider than the
// provider is configured for.
type Dispatcher struct {
	limits    LimitSource
	queueSize int
	logger    *slog.Logger

	process func(context.Context, Job)
	mu      sync.Mutex
	pools   map[string]*pool
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	once    sync.Once
}

func NewDispatcher(limits LimitSource, queueSize int, logger *slog.Logger) *Dispatcher {
	if queueSize <= 0 {
		queueSize = 256
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Dispatcher{
		limits:    limits,
		queueSize: queueSize,
		logger:    logger,
		pools:     make(map[string]*pool),
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Start sets the job handler. It must be called before Enqueue.
func (d *Dispatcher) Start(process func(context.Context, Job)) {
	d.once.Do(func() {
		d.process = process
		d.logger.Info("batch dispatcher started", "queue_size", d.queueSize)
	})
}

// Enqueue blocks until the job is queued on its FSP's pool, ctx ends, or the
// dispatcher shuts down.
func (d *Dispatcher) Enqueue(ctx context.Context, job Job) error {
	p, err := d.poolFor(job.FSPCode)
	if err != nil {
		return err
	}

	select {
	case p.jobQueue <- job:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-d.ctx.Done():
		return ErrDispatcherStopped
	}
}

func (d *Dispatcher) poolFor(code string) (*pool, error) {
	if code == "" {
		code = unroutedPool
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if d.ctx.Err() != nil || d.process == nil {
		return nil, ErrDispatcherStopped
	}
	if p, ok := d.pools[code]; ok {
		return p, nil
	}

	size := d.limits.ConcurrencyLimit(d.ctx, code)
	if size <= 0 {
		size = 1
	}
	p := &pool{
		code:       code,
		size:       size,
		jobQueue:   make(chan Job, d.queueSize),
		workerPool: make(chan chan Job, size),
	}
	for i := 0; i < size; i++ {
		NewWorker(i, code, p.workerPool, d.logger).Start(d.ctx, &d.wg, d.process)
	}
	d.wg.Add(1)
	go d.dispatch(p)
	d.pools[code] = p

	d.logger.Info("fsp worker pool started", "fsp_code", code, "workers", size, "queue_size", d.queueSize)
	return p, nil
}

func (d *Dispatcher) dispatch(p *pool) {
	defer d.wg.Done()

	for {
		select {
		case job := <-p.jobQueue:
			select {
			case jobChannel := <-p.workerPool:
				select {
				case jobChannel <- job:
				case <-d.ctx.Done():
					return
				}
			case <-d.ctx.Done():
				return
			}
		case <-d.ctx.Done():
			d.logger.Info("fsp dispatcher shutting down", "fsp_code", p.code, "dropped", len(p.jobQueue))
			return
		}
	}
}

// PoolSize returns the worker count of code's pool, or 0 before its first job.
func (d *Dispatcher) PoolSize(code string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	if p, ok := d.pools[code]; ok {
		return p.size
	}
	return 0
}

// Shutdown stops every pool and waits for in-flight jobs to return. Queued
// jobs are dropped; their payments stay PENDING for the next resume or sweep.
func (d *Dispatcher) Shutdown() {
	d.mu.Lock()
	d.cancel()
	d.mu.Unlock()
	d.wg.Wait()
	d.logger.Info("batch dispatcher stopped")
}
