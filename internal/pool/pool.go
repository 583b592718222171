// Package pool provides the bounded worker pools the dispatch pipeline runs
// on. Saturation never drops work and never blocks indefinitely: when the
// queue is full and no more workers may start, the submitting goroutine runs
// the job itself.
package pool

import (
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Config sizes one pool.
type Config struct {
	CoreWorkers   int           // workers kept alive for the pool lifetime
	MaxWorkers    int           // hard cap including spill workers
	QueueCapacity int           // buffered jobs before spill/caller-runs
	KeepAlive     time.Duration // idle timeout for spill workers
}

func (c Config) withDefaults() Config {
	if c.CoreWorkers <= 0 {
		c.CoreWorkers = 4
	}
	if c.MaxWorkers < c.CoreWorkers {
		c.MaxWorkers = c.CoreWorkers
	}
	if c.QueueCapacity <= 0 {
		c.QueueCapacity = 64
	}
	if c.KeepAlive <= 0 {
		c.KeepAlive = 30 * time.Second
	}
	return c
}

// Pool is a fixed-core, bounded-spill worker pool.
type Pool struct {
	name    string
	cfg     Config
	jobs    chan func()
	logger  *zap.Logger
	workers atomic.Int64
	closed  atomic.Bool
	wg      sync.WaitGroup
}

// New starts a pool with its core workers running.
func New(name string, cfg Config, logger *zap.Logger) *Pool {
	cfg = cfg.withDefaults()
	p := &Pool{
		name:   name,
		cfg:    cfg,
		jobs:   make(chan func(), cfg.QueueCapacity),
		logger: logger,
	}
	for i := 0; i < cfg.CoreWorkers; i++ {
		p.workers.Add(1)
		p.wg.Add(1)
		go p.coreWorker()
	}
	return p
}

// Submit schedules fn for execution. If the queue is full it tries to start
// a spill worker up to MaxWorkers; if the pool is saturated beyond that, fn
// runs on the calling goroutine so forward progress is guaranteed.
func (p *Pool) Submit(fn func()) {
	if p.closed.Load() {
		// Late submissions during shutdown still make progress.
		p.run(fn)
		return
	}
	select {
	case p.jobs <- fn:
		return
	default:
	}

	for {
		n := p.workers.Load()
		if n >= int64(p.cfg.MaxWorkers) {
			break
		}
		if p.workers.CompareAndSwap(n, n+1) {
			p.wg.Add(1)
			go p.spillWorker()
			break
		}
	}

	select {
	case p.jobs <- fn:
	default:
		p.logger.Debug("Pool saturated, running job on caller",
			zap.String("pool", p.name),
		)
		p.run(fn)
	}
}

// Close stops accepting queued work and waits for all workers to exit.
// Long-running jobs are expected to observe their own cancellation; Close
// does not preempt them.
func (p *Pool) Close() {
	if !p.closed.CompareAndSwap(false, true) {
		return
	}
	close(p.jobs)
	p.wg.Wait()
}

func (p *Pool) coreWorker() {
	defer p.wg.Done()
	defer p.workers.Add(-1)
	for fn := range p.jobs {
		p.run(fn)
	}
}

func (p *Pool) spillWorker() {
	defer p.wg.Done()
	defer p.workers.Add(-1)
	idle := time.NewTimer(p.cfg.KeepAlive)
	defer idle.Stop()
	for {
		select {
		case fn, ok := <-p.jobs:
			if !ok {
				return
			}
			p.run(fn)
			if !idle.Stop() {
				select {
				case <-idle.C:
				default:
				}
			}
			idle.Reset(p.cfg.KeepAlive)
		case <-idle.C:
			return
		}
	}
}

// run isolates panics per job so one bad command never kills a worker loop.
func (p *Pool) run(fn func()) {
	defer func() {
		if rec := recover(); rec != nil {
			p.logger.Error("Recovered panic in pool job",
				zap.String("pool", p.name),
				zap.Any("panic", rec),
			)
		}
	}()
	fn()
}
