package scrape

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sourcegraph/conc/pool"
	"golang.org/x/time/rate"

	"github.com/hazyhaar/flmw/internal/metastore"
	"github.com/hazyhaar/flmw/internal/session"
)

// Task is one detail page to scrape.
type Task struct {
	ID  int64
	URL string
}

// Func scrapes one task. ok=false with a nil error means the page had
// nothing to record.
type Func func(ctx context.Context, t Task) (rec metastore.Record, ok bool, err error)

// Pool runs tasks with bounded concurrency, per-host pacing and a paced
// worker start rate. A Pool serves a single batch: Submit tasks, then Wait.
type Pool struct {
	cfg    Config
	ctx    context.Context
	fn     Func
	logger *slog.Logger

	workers *pool.Pool
	starts  *rate.Limiter

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	results  []metastore.Record

	queued, running, done, empty, failed atomic.Int64

	stop     chan struct{}
	stopOnce sync.Once
}

// NewPool creates a pool whose tasks run under ctx.
func NewPool(ctx context.Context, cfg Config, fn Func, logger *slog.Logger) *Pool {
	cfg.defaults()
	if logger == nil {
		logger = slog.Default()
	}
	p := &Pool{
		cfg:      cfg,
		ctx:      ctx,
		fn:       fn,
		logger:   logger,
		workers:  pool.New().WithMaxGoroutines(cfg.Workers),
		starts:   rate.NewLimiter(every(cfg.WorkerCreationDelay), 1),
		limiters: make(map[string]*rate.Limiter),
		stop:     make(chan struct{}),
	}
	if cfg.Monitor {
		go p.monitor()
	}
	return p
}

func every(d time.Duration) rate.Limit {
	if d <= 0 {
		return rate.Inf
	}
	return rate.Every(d)
}

// Submit queues t. It blocks while all workers are busy.
func (p *Pool) Submit(t Task) {
	p.queued.Add(1)
	if err := p.starts.Wait(p.ctx); err != nil {
		// Cancelled: the task still runs and fails fast on its context.
		p.logger.Debug("scrape: start pacing", "error", err)
	}
	p.workers.Go(func() {
		p.queued.Add(-1)
		p.running.Add(1)
		defer p.running.Add(-1)

		rec, ok := p.run(t)
		if !ok {
			return
		}
		p.mu.Lock()
		p.results = append(p.results, rec)
		p.mu.Unlock()
	})
}

// run executes one task, isolating its errors and panics from siblings.
func (p *Pool) run(t Task) (rec metastore.Record, ok bool) {
	ctx, cancel := context.WithTimeout(p.ctx, p.cfg.TaskTimeout)
	defer cancel()

	defer func() {
		if r := recover(); r != nil {
			p.failed.Add(1)
			p.logger.Error("scrape: task panic", "id", t.ID, "url", t.URL, "panic", fmt.Sprint(r))
			rec, ok = metastore.Record{}, false
		}
	}()

	if err := p.limiter(session.Hostname(t.URL)).Wait(ctx); err != nil {
		p.failed.Add(1)
		p.logger.Warn("scrape: task not started", "id", t.ID, "error", err)
		return metastore.Record{}, false
	}

	rec, ok, err := p.fn(ctx, t)
	if err != nil {
		p.failed.Add(1)
		p.logger.Warn("scrape: task failed", "id", t.ID, "url", t.URL, "error", err)
		return metastore.Record{}, false
	}
	if !ok {
		p.empty.Add(1)
		return metastore.Record{}, false
	}
	p.done.Add(1)
	return rec, true
}

// limiter returns the pacing limiter for host.
func (p *Pool) limiter(host string) *rate.Limiter {
	p.mu.Lock()
	defer p.mu.Unlock()
	l, ok := p.limiters[host]
	if !ok {
		l = rate.NewLimiter(every(p.cfg.SameDomainDelay), 1)
		p.limiters[host] = l
	}
	return l
}

// Wait blocks until every submitted task finished and returns the records
// derived by the batch.
func (p *Pool) Wait() []metastore.Record {
	p.workers.Wait()
	p.Close()
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]metastore.Record(nil), p.results...)
}

// Close stops the monitor. It is safe to call more than once.
func (p *Pool) Close() {
	p.stopOnce.Do(func() { close(p.stop) })
}

// Stats is a snapshot of pool progress. Done counts tasks that produced a
// record, Empty those that finished without one.
type Stats struct {
	Queued, Running, Done, Empty, Failed int64
}

func (p *Pool) Stats() Stats {
	return Stats{
		Queued:  p.queued.Load(),
		Running: p.running.Load(),
		Done:    p.done.Load(),
		Empty:   p.empty.Load(),
		Failed:  p.failed.Load(),
	}
}

func (p *Pool) monitor() {
	ticker := time.NewTicker(p.cfg.MonitorInterval)
	defer ticker.Stop()
	for {
		select {
		case <-p.stop:
			return
		case <-p.ctx.Done():
			return
		case <-ticker.C:
			s := p.Stats()
			p.logger.Info("scrape: progress",
				"queued", s.Queued, "running", s.Running, "done", s.Done, "empty", s.Empty, "failed", s.Failed)
		}
	}
}
