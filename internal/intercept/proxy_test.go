package intercept

import (
	"bytes"
	"compress/gzip"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"testing"

	"github.com/hazyhaar/flmw/internal/metastore"
)

func newProxyServer(t *testing.T, upstream http.Handler, scraper Scraper) *httptest.Server {
	t.Helper()
	up := httptest.NewServer(upstream)
	t.Cleanup(up.Close)
	target, err := url.Parse(up.URL)
	if err != nil {
		t.Fatal(err)
	}
	p := &Pipeline{Store: staticLookup{}, Scraper: scraper, Tag: "RO-SUB"}
	srv := httptest.NewServer(NewProxy(target, p, nil))
	t.Cleanup(srv.Close)
	return srv
}

func TestProxy_RewritesListing(t *testing.T) {
	var (
		gotHost   string
		gotAccept string
	)
	upstream := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotHost = r.Host
		gotAccept = r.Header.Get("Accept-Encoding")
		w.Header().Set("Content-Type", "application/json; charset=utf-8")
		w.Write([]byte(`[{"id":2,"name":"Movie","category":"Filme HD"}]`))
	})
	scraper := &fakeScraper{records: map[int64]metastore.Record{
		2: {ID: 2, AltSubtitle: true, Resolution: "1920x1080", CreatedAt: created},
	}}
	srv := newProxyServer(t, upstream, scraper)

	req, _ := http.NewRequest(http.MethodGet, srv.URL+"/api.php?action=latest-torrents", nil)
	req.Header.Set("Accept-Encoding", "br")
	resp, err := http.DefaultTransport.RoundTrip(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)

	if !strings.Contains(string(body), `"name":"Movie.RO-SUB.1920x1080"`) || !strings.Contains(string(body), `"intercepted":true`) {
		t.Errorf("body = %s", body)
	}
	if cl := resp.Header.Get("Content-Length"); cl != strconv.Itoa(len(body)) {
		t.Errorf("Content-Length = %q, body is %d bytes", cl, len(body))
	}
	if gotAccept == "br" {
		t.Error("client Accept-Encoding must not reach upstream on the listing path")
	}
	if gotHost == "" || gotHost == strings.TrimPrefix(srv.URL, "http://") {
		t.Errorf("upstream Host = %q, want the upstream's own host", gotHost)
	}
}

func TestProxy_PassesOtherPathsUntouched(t *testing.T) {
	var compressed bytes.Buffer
	zw := gzip.NewWriter(&compressed)
	zw.Write([]byte(`[{"id":1,"name":"Movie"}]`))
	zw.Close()
	payload := compressed.Bytes()

	upstream := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Content-Encoding", "gzip")
		w.Write(payload)
	})
	scraper := &fakeScraper{}
	srv := newProxyServer(t, upstream, scraper)

	req, _ := http.NewRequest(http.MethodGet, srv.URL+"/browse.php", nil)
	req.Header.Set("Accept-Encoding", "gzip")
	resp, err := http.DefaultTransport.RoundTrip(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)

	if !bytes.Equal(body, payload) {
		t.Error("non-listing body must be byte-identical")
	}
	if len(scraper.batches) != 0 {
		t.Error("scraper must not run for other paths")
	}
}

func TestProxy_ListingNonJSONPassesThrough(t *testing.T) {
	upstream := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		w.Write([]byte(`[{"id":1}]`))
	})
	scraper := &fakeScraper{}
	srv := newProxyServer(t, upstream, scraper)

	resp, err := http.Get(srv.URL + "/api.php")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if string(body) != `[{"id":1}]` || len(scraper.batches) != 0 {
		t.Errorf("body = %s, batches = %v", body, scraper.batches)
	}
}

func TestProxy_UpstreamDown(t *testing.T) {
	target, _ := url.Parse("http://127.0.0.1:1")
	srv := httptest.NewServer(NewProxy(target, &Pipeline{Store: staticLookup{}, Scraper: &fakeScraper{}}, nil))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/api.php")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadGateway {
		t.Errorf("status = %d, want 502", resp.StatusCode)
	}
}

func TestApplies(t *testing.T) {
	mk := func(path, ct string) *http.Response {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		resp := &http.Response{Header: http.Header{}, Request: req}
		resp.Header.Set("Content-Type", ct)
		return resp
	}
	tests := []struct {
		path, ct string
		want     bool
	}{
		{"/api.php", "application/json", true},
		{"/api.php?action=latest-torrents", "application/json; charset=utf-8", true},
		{"/api.php", "text/html", false},
		{"/browse.php", "application/json", false},
		{"/api.php", "", false},
	}
	for _, tt := range tests {
		if got := Applies(mk(tt.path, tt.ct)); got != tt.want {
			t.Errorf("Applies(%s, %q) = %v, want %v", tt.path, tt.ct, got, tt.want)
		}
	}
}

func TestProxy_OversizedListingForwardedUnmodified(t *testing.T) {
	prev := MaxListingBytes
	MaxListingBytes = 64
	t.Cleanup(func() { MaxListingBytes = prev })

	listing := "[" + strings.Repeat(`{"id":1,"name":"Movie"},`, 20) + `{"id":2,"name":"Movie"}]`
	upstream := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(listing))
	})
	scraper := &fakeScraper{}
	srv := newProxyServer(t, upstream, scraper)

	resp, err := http.Get(srv.URL + "/api.php")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	if string(body) != listing {
		t.Errorf("body = %d bytes, want the %d upstream bytes unchanged", len(body), len(listing))
	}
	if len(scraper.batches) != 0 {
		t.Errorf("oversized listing must not be scraped, batches = %v", scraper.batches)
	}
}

func TestProxy_ListingAtLimitIsRewritten(t *testing.T) {
	listing := `[{"id":1,"name":"Movie"}]`
	prev := MaxListingBytes
	MaxListingBytes = int64(len(listing))
	t.Cleanup(func() { MaxListingBytes = prev })

	upstream := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(listing))
	})
	srv := newProxyServer(t, upstream, &fakeScraper{})

	resp, err := http.Get(srv.URL + "/api.php")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(body), `"intercepted":true`) {
		t.Errorf("body = %s", body)
	}
}
