package main

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

type countStub struct {
	n   int
	err error
}

func (c countStub) Count(context.Context) (int, error) { return c.n, c.err }

func TestRouter_Healthz(t *testing.T) {
	proxy := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("healthz must not reach the proxy")
	})
	h := newRouter(countStub{n: 42}, proxy)

	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	var body map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if body["status"] != "ok" || body["records"] != float64(42) {
		t.Errorf("body = %v", body)
	}
	if w.Header().Get("X-Trace-ID") == "" {
		t.Error("missing X-Trace-ID from shield stack")
	}
}

func TestRouter_HealthzStoreDown(t *testing.T) {
	h := newRouter(countStub{err: errors.New("disk I/O error")}, http.NotFoundHandler())
	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d", w.Code)
	}
}

func TestRouter_ProxiesEverythingElse(t *testing.T) {
	var paths []string
	proxy := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		paths = append(paths, r.URL.Path)
		w.WriteHeader(http.StatusTeapot)
	})
	h := newRouter(countStub{}, proxy)

	for _, p := range []string{"/api.php", "/", "/details.php"} {
		w := httptest.NewRecorder()
		h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, p+"?id=1", nil))
		if w.Code != http.StatusTeapot {
			t.Errorf("%s: status = %d", p, w.Code)
		}
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/takelogin.php", nil))
	if len(paths) != 4 {
		t.Errorf("proxied paths = %v", paths)
	}
}

func TestParseLevel(t *testing.T) {
	tests := map[string]slog.Level{
		"debug": slog.LevelDebug,
		"info":  slog.LevelInfo,
		"warn":  slog.LevelWarn,
		"error": slog.LevelError,
		"":      slog.LevelInfo,
		"bogus": slog.LevelInfo,
	}
	for in, want := range tests {
		if got := parseLevel(in); got != want {
			t.Errorf("parseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestLogWriter(t *testing.T) {
	if logWriter("") != os.Stdout {
		t.Error("empty path should log to stdout only")
	}

	path := filepath.Join(t.TempDir(), "logs", "flmw.log")
	w := logWriter(path)
	slog.New(slog.NewJSONHandler(w, nil)).Info("flmw: test line", "k", "v")

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("log file: %v", err)
	}
	if !strings.Contains(string(data), `"msg":"flmw: test line"`) {
		t.Errorf("log file = %s", data)
	}
}

func TestNewServer_HoldsSlowResponses(t *testing.T) {
	hold := 200 * time.Millisecond
	srv := newServer("127.0.0.1:0", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(hold)
		w.Write([]byte(`[{"id":1,"intercepted":true}]`))
	}))
	if srv.WriteTimeout != 0 {
		t.Fatalf("WriteTimeout = %v, want none: listings wait for their scrape batch", srv.WriteTimeout)
	}
	// Shrink the other timeouts below the hold time; the response must
	// still be delivered in full.
	srv.ReadHeaderTimeout = hold / 4
	srv.IdleTimeout = hold / 4

	ln, err := net.Listen("tcp", srv.Addr)
	if err != nil {
		t.Fatal(err)
	}
	go srv.Serve(ln)
	t.Cleanup(func() { srv.Close() })

	resp, err := http.Get("http://" + ln.Addr().String() + "/api.php")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read held response: %v", err)
	}
	if string(body) != `[{"id":1,"intercepted":true}]` {
		t.Errorf("body = %s", body)
	}
}
