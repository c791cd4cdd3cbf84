// Package browser drives Chrome through Rod for detail-page scraping and
// login flows. Callers depend on the Launcher, Instance and Page interfaces;
// Manager and its rod-backed pages are the production implementation.
package browser

import (
	"context"
	"time"
)

// Cookie is one browser cookie. JSON names follow the DevTools protocol so
// session files stay readable by other CDP tooling.
type Cookie struct {
	Name     string  `json:"name"`
	Value    string  `json:"value"`
	Domain   string  `json:"domain"`
	Path     string  `json:"path"`
	Expires  float64 `json:"expires"`
	Size     int     `json:"size,omitempty"`
	HTTPOnly bool    `json:"httpOnly"`
	Secure   bool    `json:"secure"`
	Session  bool    `json:"session"`
	SameSite string  `json:"sameSite,omitempty"`
}

// PageOptions configures a new page.
type PageOptions struct {
	// TargetHost restricts sub-requests to this hostname when Block is set.
	TargetHost string
	// Block enables request interception with the configured block list.
	Block bool
}

// Page is the subset of page operations flmw needs.
type Page interface {
	// Navigate loads url and returns once the DOM is parsed.
	Navigate(ctx context.Context, url string) error
	// URL is the current page URL, or "" when unknown.
	URL() string
	// Has reports whether selector matches an element right now.
	Has(ctx context.Context, selector string) (bool, error)
	// Type clicks the element matched by selector and types text into it.
	Type(ctx context.Context, selector, text string) error
	// SubmitAndWait clicks selector and waits for the resulting navigation.
	SubmitAndWait(ctx context.Context, selector string) error
	// Text returns the innerText of the first match of selector, so <br>
	// and block boundaries read as newlines. The lookup is bounded by the
	// selector timeout; no match is not an error.
	Text(ctx context.Context, selector string) (string, bool, error)
	// HTML returns the serialized document.
	HTML(ctx context.Context) (string, error)
	Cookies(ctx context.Context) ([]Cookie, error)
	SetCookies(ctx context.Context, cookies []Cookie) error
	Close() error
}

// Instance is one running browser (or browser context).
type Instance interface {
	NewPage(ctx context.Context, opts PageOptions) (Page, error)
	Close() error
}

// Launcher starts browser instances.
type Launcher interface {
	Launch(ctx context.Context) (Instance, error)
}

// Config configures the browser manager.
type Config struct {
	// Headless runs Chrome without a window. When false and XvfbDisplay is
	// set, an Xvfb display is started for the headful browser.
	Headless bool

	// Bin is the Chrome binary. Empty lets Rod find or download one.
	Bin string

	// RemoteURL is the WebSocket URL of an external Chrome instance. Each
	// Launch then opens an incognito context instead of a process.
	RemoteURL string

	// BlockTypes lists resource types aborted on intercepted pages.
	// Default: DefaultBlockTypes.
	BlockTypes []string

	// Stealth applies go-rod/stealth evasions to new pages. Default: true.
	Stealth *bool

	// SelectorTimeout bounds a single Text lookup. Default: 500ms.
	SelectorTimeout time.Duration

	// XvfbDisplay for headful mode, e.g. ":99". Empty disables Xvfb.
	XvfbDisplay string
}

func (c *Config) defaults() {
	if c.BlockTypes == nil {
		c.BlockTypes = DefaultBlockTypes
	}
	if c.Stealth == nil {
		on := true
		c.Stealth = &on
	}
	if c.SelectorTimeout <= 0 {
		c.SelectorTimeout = 500 * time.Millisecond
	}
}
