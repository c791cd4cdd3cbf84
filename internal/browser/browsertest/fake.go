// Package browsertest provides in-memory fakes of the browser interfaces.
package browsertest

import (
	"context"
	"errors"
	"strings"
	"sync"

	"github.com/hazyhaar/flmw/internal/browser"
)

// Site describes what a fake browser serves.
type Site struct {
	mu sync.Mutex

	// LoggedIn reports whether the current cookies authenticate.
	LoggedIn bool
	// Texts maps page URL to selector to textContent.
	Texts map[string]map[string]string
	// HTML maps page URL to the document returned by HTML.
	HTML map[string]string
	// LoginFields reports whether the login page renders its form.
	LoginFields bool
	// AcceptLogin makes submitting the login form succeed.
	AcceptLogin bool
	// IssuedCookies are returned by Cookies after a successful visit.
	IssuedCookies []browser.Cookie
	// NavigateErr fails every navigation.
	NavigateErr error

	Navigations []string
	Typed       map[string]string
	Applied     [][]browser.Cookie
	Launches    int
	Closed      int
}

// Launcher returns a browser.Launcher backed by s.
func (s *Site) Launcher() browser.Launcher { return launcher{s} }

type launcher struct{ s *Site }

func (l launcher) Launch(ctx context.Context) (browser.Instance, error) {
	l.s.mu.Lock()
	l.s.Launches++
	l.s.mu.Unlock()
	return instance{l.s}, nil
}

type instance struct{ s *Site }

func (i instance) NewPage(ctx context.Context, opts browser.PageOptions) (browser.Page, error) {
	return &Page{Site: i.s}, nil
}

func (i instance) Close() error {
	i.s.mu.Lock()
	i.s.Closed++
	i.s.mu.Unlock()
	return nil
}

// NavigationCount returns how many navigations happened.
func (s *Site) NavigationCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.Navigations)
}

// Page is a fake browser.Page. A navigation to any URL lands on
// "<url-origin>/login.php" unless the site is logged in.
type Page struct {
	Site *Site
	url  string
}

var errNoElement = errors.New("browsertest: element not found")

func (p *Page) Navigate(ctx context.Context, url string) error {
	s := p.Site
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Navigations = append(s.Navigations, url)
	if s.NavigateErr != nil {
		return s.NavigateErr
	}
	if !s.LoggedIn {
		p.url = origin(url) + "/login.php"
		return nil
	}
	p.url = url
	return nil
}

func (p *Page) URL() string { return p.url }

func (p *Page) onLogin() bool { return strings.Contains(p.url, "login.php") }

func (p *Page) Has(ctx context.Context, selector string) (bool, error) {
	s := p.Site
	s.mu.Lock()
	defer s.mu.Unlock()
	if p.onLogin() && s.LoginFields {
		return selector == "#username" || selector == "#password", nil
	}
	_, ok := s.Texts[p.url][selector]
	return ok, nil
}

func (p *Page) Type(ctx context.Context, selector, text string) error {
	s := p.Site
	s.mu.Lock()
	defer s.mu.Unlock()
	if !p.onLogin() || !s.LoginFields {
		return errNoElement
	}
	if s.Typed == nil {
		s.Typed = make(map[string]string)
	}
	s.Typed[selector] = text
	return nil
}

func (p *Page) SubmitAndWait(ctx context.Context, selector string) error {
	s := p.Site
	s.mu.Lock()
	defer s.mu.Unlock()
	if !p.onLogin() || !s.LoginFields {
		return errNoElement
	}
	if s.AcceptLogin {
		s.LoggedIn = true
		p.url = strings.TrimSuffix(p.url, "login.php") + "index.php"
	}
	return nil
}

func (p *Page) Text(ctx context.Context, selector string) (string, bool, error) {
	s := p.Site
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.Texts[p.url][selector]
	return v, ok, nil
}

func (p *Page) HTML(ctx context.Context) (string, error) {
	s := p.Site
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.HTML[p.url], nil
}

func (p *Page) Cookies(ctx context.Context) ([]browser.Cookie, error) {
	s := p.Site
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]browser.Cookie(nil), s.IssuedCookies...), nil
}

func (p *Page) SetCookies(ctx context.Context, cookies []browser.Cookie) error {
	s := p.Site
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Applied = append(s.Applied, cookies)
	return nil
}

func (p *Page) Close() error { return nil }

func origin(u string) string {
	if i := strings.Index(u, "://"); i >= 0 {
		if j := strings.IndexByte(u[i+3:], '/'); j >= 0 {
			return u[:i+3+j]
		}
	}
	return strings.TrimRight(u, "/")
}
