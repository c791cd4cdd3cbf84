package intercept

import (
	"bytes"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strconv"

	"github.com/hazyhaar/flmw/horosafe"
	"github.com/hazyhaar/flmw/internal/catalog"
	"github.com/hazyhaar/flmw/shield"
)

// MaxListingBytes caps the listing body buffered for rewriting. Larger
// listings are forwarded unmodified.
var MaxListingBytes = horosafe.MaxResponseBody

// Applies reports whether resp is a JSON listing response.
func Applies(resp *http.Response) bool {
	if resp.Request == nil || resp.Request.URL.Path != catalog.ListingPath {
		return false
	}
	mt, _, err := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	return err == nil && mt == "application/json"
}

// NewProxy returns a reverse proxy to target whose listing responses go
// through p. Everything else is forwarded untouched.
func NewProxy(target *url.URL, p *Pipeline, logger *slog.Logger) *httputil.ReverseProxy {
	if logger == nil {
		logger = slog.Default()
	}
	return &httputil.ReverseProxy{
		Rewrite: func(pr *httputil.ProxyRequest) {
			pr.SetURL(target)
			pr.SetXForwarded()
			if pr.In.URL.Path == catalog.ListingPath {
				// Let the transport negotiate and decode compression itself.
				pr.Out.Header.Del("Accept-Encoding")
			}
		},
		ModifyResponse: func(resp *http.Response) error {
			if !Applies(resp) {
				return nil
			}
			log := shield.GetLogger(resp.Request.Context())
			if ce := resp.Header.Get("Content-Encoding"); ce != "" && ce != "identity" {
				log.Warn("intercept: encoded listing passed through", "encoding", ce)
				return nil
			}

			body, err := io.ReadAll(io.LimitReader(resp.Body, MaxListingBytes+1))
			if err != nil || int64(len(body)) > MaxListingBytes {
				// Replay what was read ahead of the rest of the stream.
				log.Warn("intercept: listing forwarded unmodified",
					"read", len(body), "limit", MaxListingBytes, "error", err)
				resp.Body = replayBody{io.MultiReader(bytes.NewReader(body), resp.Body), resp.Body}
				return nil
			}
			resp.Body.Close()

			out := p.Rewrite(resp.Request.Context(), body)
			if out.Err != nil {
				log.Warn("intercept: listing forwarded unmodified", "error", out.Err)
			}
			resp.Body = io.NopCloser(bytes.NewReader(out.Body))
			resp.ContentLength = int64(len(out.Body))
			resp.Header.Set("Content-Length", strconv.Itoa(len(out.Body)))
			return nil
		},
		ErrorHandler: func(w http.ResponseWriter, r *http.Request, err error) {
			logger.Error("intercept: upstream error",
				"method", r.Method, "path", r.URL.Path, "error", err)
			http.Error(w, "Bad gateway", http.StatusBadGateway)
		},
	}
}

// replayBody reads from r and closes the original upstream body.
type replayBody struct {
	io.Reader
	io.Closer
}
