// Package intercept rewrites catalog listing responses on their way through
// the proxy, annotating each item with the cached detail-page metadata.
//
// Rewriting is fail-open: whatever goes wrong, the client receives a valid
// payload, the original bytes when enrichment was not possible.
package intercept

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/hazyhaar/flmw/internal/metastore"
)

// DefaultAltCategory always carries the alternate-subtitle tag.
const DefaultAltCategory = "Filme HD-RO"

// Lookup reads cached records.
type Lookup interface {
	FindByIDs(ctx context.Context, ids []int64) (map[int64]metastore.Record, error)
}

// Scraper derives records for ids missing from the cache.
type Scraper interface {
	Run(ctx context.Context, ids []int64) []metastore.Record
}

// Pipeline enriches listing payloads.
type Pipeline struct {
	Store   Lookup
	Scraper Scraper
	// Tag is appended to names of items with the alternate subtitle.
	Tag string
	// AltCategory is the category that always gets Tag. Default: DefaultAltCategory.
	AltCategory string
	Logger      *slog.Logger
}

// Outcome is the result of Rewrite. Body is always forwardable: when Err
// is set it holds the original bytes.
type Outcome struct {
	Body     []byte
	Enriched bool
	Err      error
}

func passthrough(body []byte, err error) Outcome {
	return Outcome{Body: body, Err: err}
}

// Rewrite enriches a listing body. Ids missing from the cache are scraped
// synchronously as one batch before the response is built.
func (p *Pipeline) Rewrite(ctx context.Context, body []byte) Outcome {
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	var items []map[string]any
	if err := dec.Decode(&items); err != nil {
		return passthrough(body, fmt.Errorf("intercept: parse listing: %w", err))
	}
	if len(items) == 0 {
		return passthrough(body, nil)
	}

	ids := make([]int64, 0, len(items))
	for _, it := range items {
		if id, ok := itemID(it["id"]); ok {
			ids = append(ids, id)
		}
	}

	cached, err := p.Store.FindByIDs(ctx, ids)
	if err != nil {
		return passthrough(body, fmt.Errorf("intercept: lookup: %w", err))
	}

	if missing := missingIDs(ids, cached); len(missing) > 0 {
		p.logger().Info("intercept: scraping missing ids", "cached", len(cached), "missing", len(missing))
		// The batch outlives a client disconnect; its records serve the next listing.
		for _, rec := range p.Scraper.Run(context.WithoutCancel(ctx), missing) {
			if _, ok := cached[rec.ID]; !ok {
				cached[rec.ID] = rec
			}
		}
	}

	for _, it := range items {
		p.annotate(it, cached)
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(items); err != nil {
		return passthrough(body, fmt.Errorf("intercept: encode listing: %w", err))
	}
	return Outcome{Body: bytes.TrimSuffix(buf.Bytes(), []byte("\n")), Enriched: true}
}

// annotate marks one item and extends its name.
func (p *Pipeline) annotate(it map[string]any, cached map[int64]metastore.Record) {
	var (
		rec   metastore.Record
		found bool
	)
	if id, ok := itemID(it["id"]); ok {
		rec, found = cached[id]
	}

	it["intercepted"] = true
	if found && !rec.CreatedAt.IsZero() {
		it["middlewareCache"] = map[string]any{"updatedAt": formatTime(rec)}
	} else {
		it["middlewareCache"] = false
	}

	name, ok := it["name"].(string)
	if !ok {
		return
	}
	altCategory := p.AltCategory
	if altCategory == "" {
		altCategory = DefaultAltCategory
	}
	if cat, _ := it["category"].(string); cat == altCategory || (found && rec.AltSubtitle) {
		name += "." + p.Tag
	}
	if found && rec.Resolution != "" {
		name += "." + rec.Resolution
	}
	it["name"] = name
}

func formatTime(rec metastore.Record) string {
	return rec.CreatedAt.UTC().Format("2006-01-02T15:04:05.000Z07:00")
}

// itemID accepts numeric and numeric-string ids.
func itemID(v any) (int64, bool) {
	switch id := v.(type) {
	case json.Number:
		n, err := id.Int64()
		return n, err == nil
	case string:
		n, err := strconv.ParseInt(id, 10, 64)
		return n, err == nil
	}
	return 0, false
}

func missingIDs(ids []int64, cached map[int64]metastore.Record) []int64 {
	seen := make(map[int64]bool, len(ids))
	var missing []int64
	for _, id := range ids {
		if _, ok := cached[id]; ok || seen[id] {
			continue
		}
		seen[id] = true
		missing = append(missing, id)
	}
	return missing
}

func (p *Pipeline) logger() *slog.Logger {
	if p.Logger != nil {
		return p.Logger
	}
	return slog.Default()
}
