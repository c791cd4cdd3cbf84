package catalog

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/hazyhaar/flmw/horosafe"
)

func TestLatest(t *testing.T) {
	var got *http.Request
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`[{"id":11,"name":"Movie.2024","category":"Filme HD","size":123},{"id":12,"name":"Other","category":"Filme HD-RO"}]`))
	}))
	defer srv.Close()

	c := New(Config{BaseURL: srv.URL, User: "alice", Passkey: "pk"})
	items, err := c.Latest(context.Background(), 26, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(items) != 2 || items[0].ID != 11 || items[1].Category != "Filme HD-RO" {
		t.Errorf("items = %+v", items)
	}
	if ids := IDs(items); len(ids) != 2 || ids[1] != 12 {
		t.Errorf("ids = %v", ids)
	}

	if got.URL.Path != ListingPath {
		t.Errorf("path = %q", got.URL.Path)
	}
	q := got.URL.Query()
	want := map[string]string{
		"username": "alice",
		"passkey":  "pk",
		"action":   "latest-torrents",
		"category": "26",
		"limit":    "10",
	}
	for k, v := range want {
		if q.Get(k) != v {
			t.Errorf("query %s = %q, want %q", k, q.Get(k), v)
		}
	}
}

func TestLatest_StatusError(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "nope", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	_, err := New(Config{BaseURL: srv.URL, Attempts: 2, RetryDelay: time.Millisecond}).Latest(context.Background(), 1, 10)
	var se *StatusError
	if !errors.As(err, &se) || se.Code != http.StatusServiceUnavailable {
		t.Fatalf("err = %v, want StatusError 503", err)
	}
	if calls.Load() != 2 {
		t.Errorf("calls = %d, want 2 (5xx is retried)", calls.Load())
	}
}

func TestLatest_ClientErrorNotRetried(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "forbidden", http.StatusForbidden)
	}))
	defer srv.Close()

	_, err := New(Config{BaseURL: srv.URL, RetryDelay: time.Millisecond}).Latest(context.Background(), 1, 10)
	var se *StatusError
	if !errors.As(err, &se) || se.Code != http.StatusForbidden {
		t.Fatalf("err = %v, want StatusError 403", err)
	}
	if calls.Load() != 1 {
		t.Errorf("calls = %d, want 1", calls.Load())
	}
}

func TestLatest_RecoversAfterTransientFailure(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			http.Error(w, "upstream hiccup", http.StatusBadGateway)
			return
		}
		w.Write([]byte(`[{"id":5}]`))
	}))
	defer srv.Close()

	items, err := New(Config{BaseURL: srv.URL, RetryDelay: time.Millisecond}).Latest(context.Background(), 1, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(items) != 1 || items[0].ID != 5 {
		t.Errorf("items = %+v", items)
	}
}

func TestLatest_BadJSON(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"error":"invalid passkey"}`))
	}))
	defer srv.Close()

	if _, err := New(Config{BaseURL: srv.URL}).Latest(context.Background(), 1, 10); err == nil {
		t.Fatal("expected decode error")
	}
}

func TestLatest_BodyLimit(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("[" + strings.Repeat(`{"id":1},`, 100) + `{"id":2}]`))
	}))
	defer srv.Close()

	_, err := New(Config{BaseURL: srv.URL, MaxBytes: 64}).Latest(context.Background(), 1, 10)
	if !errors.Is(err, horosafe.ErrResponseTooLarge) {
		t.Fatalf("err = %v, want ErrResponseTooLarge", err)
	}
}

func TestItem_StringAndNumberIDs(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`[{"id":"13","name":"Quoted"},{"id":14,"name":"Plain"},{"name":"NoID"}]`))
	}))
	defer srv.Close()

	items, err := New(Config{BaseURL: srv.URL}).Latest(context.Background(), 1, 10)
	if err != nil {
		t.Fatal(err)
	}
	if ids := IDs(items); len(ids) != 3 || ids[0] != 13 || ids[1] != 14 || ids[2] != 0 {
		t.Errorf("ids = %v", ids)
	}
	if items[0].Name != "Quoted" {
		t.Errorf("name = %q", items[0].Name)
	}
}

func TestItem_BadIDNotRetried(t *testing.T) {
	for _, body := range []string{`[{"id":"abc"}]`, `[{"id":1.5}]`} {
		t.Run(body, func(t *testing.T) {
			var calls atomic.Int32
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				calls.Add(1)
				w.Write([]byte(body))
			}))
			defer srv.Close()

			_, err := New(Config{BaseURL: srv.URL, RetryDelay: time.Millisecond}).Latest(context.Background(), 1, 10)
			if err == nil {
				t.Fatal("expected decode error")
			}
			if calls.Load() != 1 {
				t.Errorf("calls = %d, want 1", calls.Load())
			}
		})
	}
}
