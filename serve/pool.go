package serve

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/dshills/graphserve-go/serve/bus"
	"github.com/dshills/graphserve-go/serve/store"
)

// Pool runs a fixed set of workers claiming and executing runs from the
// shared queue. Multiple pools in separate processes may point at the same
// store; the lease protocol keeps each run owned by exactly one worker.
type Pool struct {
	st      store.Store
	bus     bus.Bus
	exec    Executor
	opts    Options
	log     *zap.Logger
	metrics *Metrics
	tracer  *tracer

	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	running bool
}

// NewPool creates a worker pool. The same Options govern every worker.
func NewPool(st store.Store, b bus.Bus, exec Executor, opts Options, metrics *Metrics, tr *tracer) *Pool {
	opts = opts.withDefaults()
	return &Pool{
		st:      st,
		bus:     b,
		exec:    exec,
		opts:    opts,
		log:     opts.Logger,
		metrics: metrics,
		tracer:  tr,
	}
}

// Start launches the worker goroutines. Returns an error if already running.
func (p *Pool) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running {
		return fmt.Errorf("pool already running")
	}

	runCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.done = make(chan struct{})
	p.running = true

	var wg sync.WaitGroup
	for i := 0; i < p.opts.Workers; i++ {
		w := &worker{
			id:      uuid.NewString(),
			st:      p.st,
			bus:     p.bus,
			exec:    p.exec,
			opts:    p.opts,
			log:     p.log,
			metrics: p.metrics,
			tracer:  p.tracer,
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			w.loop(runCtx)
		}()
	}

	done := p.done
	go func() {
		wg.Wait()
		close(done)
	}()

	p.log.Info("worker pool started", zap.Int("workers", p.opts.Workers))
	return nil
}

// Stop signals workers to stop and waits for in-flight runs to finalize or
// abandon, or for ctx to expire.
func (p *Pool) Stop(ctx context.Context) error {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return nil
	}
	p.running = false
	cancel := p.cancel
	done := p.done
	p.mu.Unlock()

	cancel()
	select {
	case <-done:
		p.log.Info("worker pool stopped")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("worker pool shutdown interrupted: %w", ctx.Err())
	}
}
