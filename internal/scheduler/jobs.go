package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hazyhaar/flmw/internal/catalog"
	"github.com/hazyhaar/flmw/internal/metastore"
)

// Default intervals.
const (
	SessionRefreshInterval = 2 * time.Hour
	PrefetchInterval       = 25 * time.Minute
)

// SessionChecker validates or renews the session of a mirror.
type SessionChecker interface {
	EnsureValid(ctx context.Context, baseURL string) bool
}

// SessionRefresh returns a job that checks every non-empty mirror in order.
func SessionRefresh(s SessionChecker, interval time.Duration, mirrors ...string) Job {
	return Job{
		Name:     "session-refresh",
		Interval: interval,
		Run: func(ctx context.Context) error {
			var errs []error
			for _, m := range mirrors {
				if m == "" {
					continue
				}
				if !s.EnsureValid(ctx, m) {
					errs = append(errs, fmt.Errorf("scheduler: session check failed for %s", m))
				}
			}
			return errors.Join(errs...)
		},
	}
}

// LatestLister lists the newest catalog items of a category.
type LatestLister interface {
	Latest(ctx context.Context, category, limit int) ([]catalog.Item, error)
}

// Lookup reads cached records.
type Lookup interface {
	FindByIDs(ctx context.Context, ids []int64) (map[int64]metastore.Record, error)
}

// Scraper derives records for ids.
type Scraper interface {
	Run(ctx context.Context, ids []int64) []metastore.Record
}

// Prefetch warms the cache with the newest items of each category.
type Prefetch struct {
	Catalog LatestLister
	Store   Lookup
	Scraper Scraper

	Categories []int         // Default: catalog.DefaultCategories.
	Limit      int           // Default: 10.
	Pause      time.Duration // Before each category. Default: 1s.
	Logger     *slog.Logger
}

func (p *Prefetch) defaults() {
	if p.Categories == nil {
		p.Categories = catalog.DefaultCategories
	}
	if p.Limit <= 0 {
		p.Limit = 10
	}
	if p.Pause == 0 {
		p.Pause = time.Second
	}
	if p.Logger == nil {
		p.Logger = slog.Default()
	}
}

// Job wraps p as a scheduler job.
func (p Prefetch) Job(interval time.Duration) Job {
	p.defaults()
	return Job{Name: "prefetch", Interval: interval, Run: p.Run}
}

// Run walks every category once. A failing category is logged and the
// walk continues.
func (p Prefetch) Run(ctx context.Context) error {
	p.defaults()
	var errs []error
	for _, cat := range p.Categories {
		if err := sleepCtx(ctx, p.Pause); err != nil {
			return err
		}
		if err := p.category(ctx, cat); err != nil {
			p.Logger.Warn("scheduler: prefetch category", "category", cat, "error", err)
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (p Prefetch) category(ctx context.Context, cat int) error {
	p.Logger.Info("scheduler: prefetch category", "category", cat)
	items, err := p.Catalog.Latest(ctx, cat, p.Limit)
	if err != nil {
		return fmt.Errorf("scheduler: latest %d: %w", cat, err)
	}
	ids := catalog.IDs(items)
	cached, err := p.Store.FindByIDs(ctx, ids)
	if err != nil {
		return fmt.Errorf("scheduler: lookup %d: %w", cat, err)
	}

	var missing []int64
	for _, id := range ids {
		if _, ok := cached[id]; !ok {
			missing = append(missing, id)
		}
	}
	if len(missing) == 0 {
		return nil
	}
	recs := p.Scraper.Run(ctx, missing)
	p.Logger.Info("scheduler: prefetched", "category", cat, "missing", len(missing), "records", len(recs))
	return nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
