// Command flmw is a caching reverse proxy for the catalog API. Listing
// responses are enriched with subtitle and resolution metadata scraped from
// detail pages in a headless browser.
//
// Usage:
//
//	flmw                       # configuration from the environment
//	flmw -config flmw.yaml     # YAML file, environment still overrides
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"golang.org/x/sync/errgroup"
	"gopkg.in/natefinch/lumberjack.v2"
	_ "modernc.org/sqlite"

	"github.com/hazyhaar/flmw/dbopen"
	"github.com/hazyhaar/flmw/internal/balancer"
	"github.com/hazyhaar/flmw/internal/browser"
	"github.com/hazyhaar/flmw/internal/catalog"
	"github.com/hazyhaar/flmw/internal/config"
	"github.com/hazyhaar/flmw/internal/intercept"
	"github.com/hazyhaar/flmw/internal/metastore"
	"github.com/hazyhaar/flmw/internal/scheduler"
	"github.com/hazyhaar/flmw/internal/scrape"
	"github.com/hazyhaar/flmw/internal/session"
	"github.com/hazyhaar/flmw/shield"
	"github.com/hazyhaar/flmw/trace"
)

func main() {
	configPath := flag.String("config", os.Getenv("FLMW_CONFIG"), "path to optional YAML config file")
	logLevel := flag.String("log-level", "", "log level: debug, info, warn, error (overrides LOG_LEVEL)")
	flag.Parse()

	cfg, err := config.Load(*configPath, nil)
	if err != nil {
		slog.Error("flmw: config", "error", err)
		os.Exit(1)
	}
	if *logLevel != "" {
		cfg.LogLevel = *logLevel
	}

	logger := slog.New(slog.NewJSONHandler(logWriter(cfg.LogFile), &slog.HandlerOptions{Level: parseLevel(cfg.LogLevel)}))
	slog.SetDefault(logger)

	if err := cfg.Validate(); err != nil {
		logger.Error("flmw: config", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("flmw: fatal", "error", err)
		os.Exit(1)
	}
}

func parseLevel(s string) slog.Level {
	switch s {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// logWriter is stdout, teed into a size-rotated file when path is set.
func logWriter(path string) io.Writer {
	if path == "" {
		return os.Stdout
	}
	return io.MultiWriter(os.Stdout, &lumberjack.Logger{
		Filename:   path,
		MaxSize:    50, // MB
		MaxBackups: 5,
		MaxAge:     28, // days
		Compress:   true,
	})
}

func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	logger.Info("flmw: booting", "primary", cfg.Domain, "secondary", cfg.SecondaryDomain)

	if err := os.MkdirAll(cfg.SessionDir, 0o700); err != nil {
		return fmt.Errorf("session dir: %w", err)
	}

	var dbOpts []dbopen.Option
	if cfg.SQLTrace {
		dbOpts = append(dbOpts, dbopen.WithDriver(trace.DriverName))
	}
	store, err := metastore.Open(cfg.CacheDB, dbOpts...)
	if err != nil {
		return fmt.Errorf("open cache db: %w", err)
	}
	defer store.Close()

	browsers := browser.NewManager(browser.Config{
		Headless:    cfg.Browser.Headless,
		Bin:         cfg.Browser.Bin,
		RemoteURL:   cfg.Browser.Remote,
		XvfbDisplay: cfg.Browser.XvfbDisplay,
	}, logger)
	defer browsers.Close()

	sessions := session.New(cfg.SessionDir, session.Credentials{
		User:     cfg.User,
		Password: cfg.Password,
	}, browsers, logger)

	logger.Info("flmw: updating login sessions")
	if !sessions.EnsureValid(ctx, cfg.BaseURL()) {
		return errors.New("authentication against the primary mirror failed; check FL_USER and FL_PASS")
	}
	if sec := cfg.SecondaryURL(); sec != "" && !sessions.EnsureValid(ctx, sec) {
		logger.Warn("flmw: secondary mirror authentication failed", "url", sec)
	}

	mirrors := balancer.New(cfg.BaseURL(), cfg.SecondaryURL())
	executor := scrape.New(scrape.Config{
		Workers:     cfg.Scrape.Workers,
		TaskTimeout: cfg.Scrape.TaskTimeout,
		Monitor:     cfg.Scrape.Monitor,
		ExtractMode: cfg.Scrape.ExtractMode,
	}, browsers, sessions, mirrors, store, logger)

	target, err := url.Parse(cfg.BaseURL())
	if err != nil {
		return fmt.Errorf("primary url: %w", err)
	}
	pipeline := &intercept.Pipeline{
		Store:   store,
		Scraper: executor,
		Tag:     cfg.AltSubTag,
		Logger:  logger,
	}
	handler := newRouter(store, intercept.NewProxy(target, pipeline, logger))

	cat := catalog.New(catalog.Config{
		BaseURL: cfg.BaseURL(),
		User:    cfg.User,
		Passkey: cfg.Passkey,
	})
	sched := scheduler.New(logger,
		scheduler.SessionRefresh(sessions, scheduler.SessionRefreshInterval, cfg.BaseURL(), cfg.SecondaryURL()),
		scheduler.Prefetch{
			Catalog: cat,
			Store:   store,
			Scraper: executor,
			Logger:  logger,
		}.Job(scheduler.PrefetchInterval),
	)

	srv := newServer(cfg.Addr(), handler)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("flmw: server starting", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		sched.Run(gctx)
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("flmw: shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		return err
	}
	logger.Info("flmw: stopped")
	return nil
}

// newServer builds the listener. There is no write deadline: a listing
// response is held until its whole scrape batch is done, which can take
// several task timeouts when more ids are missing than there are workers.
func newServer(addr string, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
}

// recordCounter is the slice of the store /healthz needs.
type recordCounter interface {
	Count(ctx context.Context) (int, error)
}

// newRouter mounts /healthz and sends everything else to proxy.
func newRouter(store recordCounter, proxy http.Handler) http.Handler {
	r := chi.NewRouter()
	for _, mw := range shield.DefaultProxyStack() {
		r.Use(mw)
	}

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		n, err := store.Count(r.Context())
		if err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "error", "error": err.Error()})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "records": n})
	})
	r.Handle("/*", proxy)
	return r
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
