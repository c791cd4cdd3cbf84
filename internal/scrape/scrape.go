// Package scrape fetches item detail pages in a headless browser and turns
// them into metadata records.
//
// Each Run is one batch: a browser is launched, every id becomes a task on
// an ephemeral Pool, and the browser is closed when the batch finishes.
// Tasks fail independently; a batch always returns the records it could
// derive.
package scrape

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/hazyhaar/flmw/idgen"
	"github.com/hazyhaar/flmw/internal/analyze"
	"github.com/hazyhaar/flmw/internal/browser"
	"github.com/hazyhaar/flmw/internal/metastore"
	"github.com/hazyhaar/flmw/internal/session"
	"github.com/hazyhaar/flmw/trace"
)

// DetailPath is the detail-page path; the item id is appended.
const DetailPath = "/details.php?id="

// Extract modes.
const (
	ModeDOM  = "dom"  // query the live page per selector
	ModeHTML = "html" // snapshot the document and parse it with goquery
)

// Config configures the executor and its pools.
type Config struct {
	// Workers bounds concurrently open pages. Default: 5.
	Workers int
	// TaskTimeout bounds one task end to end. Default: 120s.
	TaskTimeout time.Duration
	// SameDomainDelay is the minimum spacing of task starts per host. Default: 50ms.
	SameDomainDelay time.Duration
	// WorkerCreationDelay is the minimum spacing of task starts overall. Default: 5ms.
	// A negative delay disables pacing.
	WorkerCreationDelay time.Duration
	// Monitor logs pool progress every MonitorInterval.
	Monitor         bool
	MonitorInterval time.Duration
	// ExtractMode is ModeDOM or ModeHTML. Default: ModeDOM.
	ExtractMode string
}

func (c *Config) defaults() {
	if c.Workers <= 0 {
		c.Workers = 5
	}
	if c.TaskTimeout <= 0 {
		c.TaskTimeout = 120 * time.Second
	}
	if c.SameDomainDelay == 0 {
		c.SameDomainDelay = 50 * time.Millisecond
	}
	if c.WorkerCreationDelay == 0 {
		c.WorkerCreationDelay = 5 * time.Millisecond
	}
	if c.MonitorInterval <= 0 {
		c.MonitorInterval = 2 * time.Second
	}
	if c.ExtractMode == "" {
		c.ExtractMode = ModeDOM
	}
}

// Sessions applies and renews mirror sessions on pages.
type Sessions interface {
	Apply(ctx context.Context, page browser.Page, host string)
	Authenticate(ctx context.Context, page browser.Page) bool
}

// Mirrors picks the mirror for the next task.
type Mirrors interface {
	Next() string
}

// Recorder persists derived records.
type Recorder interface {
	CreateIfAbsent(ctx context.Context, rec metastore.Record) (bool, error)
}

// Executor runs scrape batches.
type Executor struct {
	cfg      Config
	launcher browser.Launcher
	sessions Sessions
	mirrors  Mirrors
	store    Recorder
	logger   *slog.Logger
	batchID  idgen.Generator
}

// New creates an Executor.
func New(cfg Config, l browser.Launcher, s Sessions, m Mirrors, store Recorder, logger *slog.Logger) *Executor {
	cfg.defaults()
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{
		cfg:      cfg,
		launcher: l,
		sessions: s,
		mirrors:  m,
		store:    store,
		logger:   logger,
		batchID:  idgen.Prefixed("batch_", idgen.NanoID(10)),
	}
}

// Run scrapes ids as one batch and returns the records it derived. Ids
// without usable text, and failed tasks, are absent from the result.
func (e *Executor) Run(ctx context.Context, ids []int64) []metastore.Record {
	if len(ids) == 0 {
		return nil
	}
	batch := e.batchID()
	ctx = trace.WithAttrs(ctx, "batch", batch)
	log := e.logger.With("batch", batch)
	start := time.Now()

	inst, err := e.launcher.Launch(ctx)
	if err != nil {
		log.Error("scrape: launch browser", "error", err)
		return nil
	}
	defer func() {
		if err := inst.Close(); err != nil {
			log.Warn("scrape: close browser", "error", err)
		}
	}()

	p := NewPool(ctx, e.cfg, func(ctx context.Context, t Task) (metastore.Record, bool, error) {
		return e.scrape(ctx, inst, t, log)
	}, log)
	for _, id := range ids {
		p.Submit(Task{ID: id, URL: e.mirrors.Next() + DetailPath + strconv.FormatInt(id, 10)})
	}
	recs := p.Wait()

	log.Info("scrape: batch done", "ids", len(ids), "records", len(recs), "duration", time.Since(start))
	return recs
}

// scrape handles one detail page.
func (e *Executor) scrape(ctx context.Context, inst browser.Instance, t Task, log *slog.Logger) (metastore.Record, bool, error) {
	host := session.Hostname(t.URL)
	page, err := inst.NewPage(ctx, browser.PageOptions{TargetHost: host, Block: true})
	if err != nil {
		return metastore.Record{}, false, err
	}
	defer page.Close()

	e.sessions.Apply(ctx, page, host)
	if err := page.Navigate(ctx, t.URL); err != nil {
		return metastore.Record{}, false, err
	}

	if session.IsLoginURL(page.URL()) {
		log.Info("scrape: session expired, logging in", "host", host)
		if !e.sessions.Authenticate(ctx, page) {
			return metastore.Record{}, false, fmt.Errorf("scrape: login failed on %s", host)
		}
		if err := page.Navigate(ctx, t.URL); err != nil {
			return metastore.Record{}, false, err
		}
		if session.IsLoginURL(page.URL()) {
			return metastore.Record{}, false, fmt.Errorf("scrape: still on login page after login on %s", host)
		}
	}

	src, err := e.source(ctx, page)
	if err != nil {
		return metastore.Record{}, false, err
	}
	rec, ok := analyze.Analyze(ctx, t.ID, src)
	if !ok {
		log.Info("scrape: description not found", "id", t.ID)
		return metastore.Record{}, false, nil
	}

	rec.CreatedAt = time.Now()
	if _, err := e.store.CreateIfAbsent(ctx, rec); err != nil {
		log.Error("scrape: store record", "id", t.ID, "error", err)
	}
	return rec, true, nil
}

func (e *Executor) source(ctx context.Context, page browser.Page) (analyze.TextSource, error) {
	if e.cfg.ExtractMode != ModeHTML {
		return page, nil
	}
	html, err := page.HTML(ctx)
	if err != nil {
		return nil, err
	}
	return analyze.NewDocumentSource(html)
}
