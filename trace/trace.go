// Package trace provides transparent SQL tracing for modernc.org/sqlite.
//
// It registers a "sqlite-trace" driver that wraps the standard "sqlite"
// driver and logs every Exec and Query through slog: Debug normally, Warn
// above SlowThreshold, Error on failure. The request trace ID set by
// shield.TraceID is attached when the query runs under a request context,
// and so are the attributes set with WithAttrs (scrape batch, scheduler job).
//
//	db, err := dbopen.Open("cache.sqlite", dbopen.WithDriver(trace.DriverName))
package trace

import (
	"context"
	"database/sql"
	"log/slog"
	"time"

	sqlite "modernc.org/sqlite"
)

// DriverName is the database/sql name of the tracing driver.
const DriverName = "sqlite-trace"

// SlowThreshold is the duration above which a statement is logged at Warn.
var SlowThreshold = 100 * time.Millisecond

func init() {
	sql.Register(DriverName, &TracingDriver{
		Driver: &sqlite.Driver{},
	})
}

type attrsKey struct{}

// WithAttrs returns a context whose statements are logged with args
// (key/value pairs or slog.Attr) after any attributes already set.
func WithAttrs(ctx context.Context, args ...any) context.Context {
	var r slog.Record
	r.Add(args...)
	attrs := append([]slog.Attr(nil), Attrs(ctx)...)
	r.Attrs(func(a slog.Attr) bool {
		attrs = append(attrs, a)
		return true
	})
	return context.WithValue(ctx, attrsKey{}, attrs)
}

// Attrs returns the attributes set with WithAttrs.
func Attrs(ctx context.Context) []slog.Attr {
	attrs, _ := ctx.Value(attrsKey{}).([]slog.Attr)
	return attrs
}
