// Package session keeps authenticated cookie sets per mirror hostname, in
// memory and on disk, and performs the login flow when they lapse.
//
// Every browser failure is logged and reported as false: an unauthenticated
// mirror is a state to recover from, not an error to propagate.
package session

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/hazyhaar/flmw/horosafe"
	"github.com/hazyhaar/flmw/internal/browser"
)

// Login form selectors.
const (
	UserField     = "#username"
	PasswordField = "#password"
	SubmitButton  = `input[type=submit][value="Login"]`
)

// checkTimeout bounds a whole EnsureValid round (launch, visit, login).
const checkTimeout = 2 * time.Minute

// Entry is the cookie set that authenticates one hostname.
type Entry []browser.Cookie

// Credentials are the account used for the login form.
type Credentials struct {
	User     string
	Password string
}

// Manager owns the session map. It is safe for concurrent use.
type Manager struct {
	dir      string
	creds    Credentials
	launcher browser.Launcher
	logger   *slog.Logger

	mu      sync.RWMutex
	entries map[string]Entry
}

// New creates a Manager persisting to dir.
func New(dir string, creds Credentials, l browser.Launcher, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		dir:      dir,
		creds:    creds,
		launcher: l,
		logger:   logger,
		entries:  make(map[string]Entry),
	}
}

// IsLoginURL reports whether u is the site's login page.
func IsLoginURL(u string) bool {
	return strings.Contains(u, "login.php")
}

// Hostname returns the hostname of rawURL, or "" when it does not parse.
func Hostname(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	return u.Hostname()
}

// Get returns the in-memory entry for host.
func (m *Manager) Get(host string) (Entry, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.entries[host]
	return e, ok
}

func (m *Manager) path(host string) (string, error) {
	if err := horosafe.ValidateIdentifier(host); err != nil {
		return "", fmt.Errorf("session: host: %w", err)
	}
	return horosafe.SafePath(m.dir, "session_"+host+".json")
}

// LoadPersisted reads the cookie file for host. A missing, unreadable or
// malformed file, or an empty cookie list, yields false.
func (m *Manager) LoadPersisted(host string) (Entry, bool) {
	p, err := m.path(host)
	if err != nil {
		m.logger.Warn("session: bad host", "host", host, "error", err)
		return nil, false
	}
	data, err := os.ReadFile(p)
	if err != nil {
		if !os.IsNotExist(err) {
			m.logger.Warn("session: read file", "path", p, "error", err)
		}
		return nil, false
	}
	var e Entry
	if err := json.Unmarshal(data, &e); err != nil {
		m.logger.Warn("session: malformed file", "path", p, "error", err)
		return nil, false
	}
	if len(e) == 0 {
		return nil, false
	}
	return e, true
}

// Apply installs the session for host on page: the in-memory entry if any,
// else the persisted one (which is then cached). Failures are logged.
func (m *Manager) Apply(ctx context.Context, page browser.Page, host string) {
	e, ok := m.Get(host)
	if !ok {
		e, ok = m.LoadPersisted(host)
		if !ok {
			return
		}
		m.mu.Lock()
		if _, exists := m.entries[host]; !exists {
			m.entries[host] = e
		}
		m.mu.Unlock()
	}
	if err := page.SetCookies(ctx, e); err != nil {
		m.logger.Warn("session: apply cookies", "host", host, "error", err)
	}
}

// Authenticate submits the login form on page. On success the resulting
// cookies replace the session of the landing hostname.
func (m *Manager) Authenticate(ctx context.Context, page browser.Page) bool {
	for _, sel := range []string{UserField, PasswordField} {
		has, err := page.Has(ctx, sel)
		if err != nil {
			m.logger.Warn("session: login form", "selector", sel, "error", err)
			return false
		}
		if !has {
			m.logger.Warn("session: login field missing", "selector", sel, "url", page.URL())
			return false
		}
	}

	if err := page.Type(ctx, UserField, m.creds.User); err != nil {
		m.logger.Warn("session: type user", "error", err)
		return false
	}
	if err := page.Type(ctx, PasswordField, m.creds.Password); err != nil {
		m.logger.Warn("session: type password", "error", err)
		return false
	}
	if err := page.SubmitAndWait(ctx, SubmitButton); err != nil {
		m.logger.Warn("session: submit login", "error", err)
		return false
	}

	landed := page.URL()
	if IsLoginURL(landed) {
		m.logger.Warn("session: login rejected", "url", landed)
		return false
	}
	if !m.capture(ctx, page, Hostname(landed)) {
		return false
	}
	m.logger.Info("session: logged in", "host", Hostname(landed))
	return true
}

// EnsureValid checks the session against baseURL in a fresh browser and
// logs in again when the site redirects to its login page.
func (m *Manager) EnsureValid(ctx context.Context, baseURL string) bool {
	ctx, cancel := context.WithTimeout(ctx, checkTimeout)
	defer cancel()

	host := Hostname(baseURL)
	inst, err := m.launcher.Launch(ctx)
	if err != nil {
		m.logger.Error("session: launch browser", "host", host, "error", err)
		return false
	}
	defer inst.Close()

	page, err := inst.NewPage(ctx, browser.PageOptions{})
	if err != nil {
		m.logger.Error("session: open page", "host", host, "error", err)
		return false
	}
	defer page.Close()

	m.Apply(ctx, page, host)
	if err := page.Navigate(ctx, baseURL); err != nil {
		m.logger.Error("session: visit", "url", baseURL, "error", err)
		return false
	}

	if !IsLoginURL(page.URL()) {
		if !m.capture(ctx, page, host) {
			return false
		}
		m.logger.Info("session: still valid", "host", host)
		return true
	}
	return m.Authenticate(ctx, page)
}

// capture stores the page's cookies for host in memory and on disk.
func (m *Manager) capture(ctx context.Context, page browser.Page, host string) bool {
	cookies, err := page.Cookies(ctx)
	if err != nil {
		m.logger.Warn("session: read cookies", "host", host, "error", err)
		return false
	}
	m.mu.Lock()
	m.entries[host] = Entry(cookies)
	m.mu.Unlock()

	if err := m.persist(host, cookies); err != nil {
		m.logger.Warn("session: persist", "host", host, "error", err)
	}
	return true
}

// persist writes the cookie file through a temp file and rename.
func (m *Manager) persist(host string, cookies []browser.Cookie) error {
	p, err := m.path(host)
	if err != nil {
		return err
	}
	if cookies == nil {
		cookies = []browser.Cookie{}
	}
	data, err := json.MarshalIndent(cookies, "", "  ")
	if err != nil {
		return fmt.Errorf("session: marshal: %w", err)
	}
	if err := os.MkdirAll(m.dir, 0o700); err != nil {
		return fmt.Errorf("session: mkdir: %w", err)
	}
	tmp, err := os.CreateTemp(m.dir, ".session_*.tmp")
	if err != nil {
		return fmt.Errorf("session: temp file: %w", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("session: write: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("session: close: %w", err)
	}
	if err := os.Rename(tmp.Name(), filepath.Clean(p)); err != nil {
		return fmt.Errorf("session: rename: %w", err)
	}
	return nil
}
