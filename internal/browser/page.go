package browser

import (
	"context"
	"fmt"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/proto"
	"github.com/go-rod/stealth"
)

// NewPage opens a tab, stealthed unless disabled, with optional request
// interception.
func (r *rodInstance) NewPage(ctx context.Context, opts PageOptions) (Page, error) {
	var (
		page *rod.Page
		err  error
	)
	if *r.cfg.Stealth {
		page, err = stealth.Page(r.browser)
	} else {
		page, err = r.browser.Page(proto.TargetCreateTarget{URL: ""})
	}
	if err != nil {
		return nil, fmt.Errorf("browser: create tab: %w", err)
	}

	p := &rodPage{page: page, selectorTimeout: r.cfg.SelectorTimeout}
	if opts.Block {
		p.router = applyResourceBlocking(page, NewBlockSet(r.cfg.BlockTypes), opts.TargetHost)
	}
	return p, nil
}

// rodPage adapts a Rod page to Page.
type rodPage struct {
	page            *rod.Page
	router          *rod.HijackRouter
	selectorTimeout time.Duration
}

func (p *rodPage) Navigate(ctx context.Context, url string) error {
	pg := p.page.Context(ctx)
	wait := pg.WaitNavigation(proto.PageLifecycleEventNameDOMContentLoaded)
	if err := pg.Navigate(url); err != nil {
		return fmt.Errorf("browser: navigate %s: %w", url, err)
	}
	wait()
	return ctx.Err()
}

func (p *rodPage) URL() string {
	info, err := p.page.Info()
	if err != nil {
		return ""
	}
	return info.URL
}

func (p *rodPage) Has(ctx context.Context, selector string) (bool, error) {
	has, _, err := p.page.Context(ctx).Has(selector)
	if err != nil {
		return false, fmt.Errorf("browser: has %q: %w", selector, err)
	}
	return has, nil
}

func (p *rodPage) Type(ctx context.Context, selector, text string) error {
	el, err := p.page.Context(ctx).Element(selector)
	if err != nil {
		return fmt.Errorf("browser: find %q: %w", selector, err)
	}
	if err := el.Click(proto.InputMouseButtonLeft, 1); err != nil {
		return fmt.Errorf("browser: click %q: %w", selector, err)
	}
	if err := el.Input(text); err != nil {
		return fmt.Errorf("browser: type %q: %w", selector, err)
	}
	return nil
}

func (p *rodPage) SubmitAndWait(ctx context.Context, selector string) error {
	pg := p.page.Context(ctx)
	wait := pg.WaitNavigation(proto.PageLifecycleEventNameNetworkAlmostIdle)
	el, err := pg.Element(selector)
	if err != nil {
		return fmt.Errorf("browser: find %q: %w", selector, err)
	}
	if err := el.Click(proto.InputMouseButtonLeft, 1); err != nil {
		return fmt.Errorf("browser: click %q: %w", selector, err)
	}
	wait()
	return ctx.Err()
}

func (p *rodPage) Text(ctx context.Context, selector string) (string, bool, error) {
	ctx, cancel := context.WithTimeout(ctx, p.selectorTimeout)
	defer cancel()

	els, err := p.page.Context(ctx).Elements(selector)
	if err != nil {
		return "", false, fmt.Errorf("browser: query %q: %w", selector, err)
	}
	if len(els) == 0 {
		return "", false, nil
	}
	text, err := els[0].Text()
	if err != nil {
		return "", false, fmt.Errorf("browser: innerText %q: %w", selector, err)
	}
	return text, true, nil
}

func (p *rodPage) HTML(ctx context.Context) (string, error) {
	html, err := p.page.Context(ctx).HTML()
	if err != nil {
		return "", fmt.Errorf("browser: get DOM: %w", err)
	}
	return html, nil
}

func (p *rodPage) Cookies(ctx context.Context) ([]Cookie, error) {
	cs, err := p.page.Context(ctx).Cookies(nil)
	if err != nil {
		return nil, fmt.Errorf("browser: cookies: %w", err)
	}
	return fromProto(cs), nil
}

func (p *rodPage) SetCookies(ctx context.Context, cookies []Cookie) error {
	if len(cookies) == 0 {
		return nil
	}
	if err := p.page.Context(ctx).SetCookies(toProto(cookies)); err != nil {
		return fmt.Errorf("browser: set cookies: %w", err)
	}
	return nil
}

func (p *rodPage) Close() error {
	if p.router != nil {
		p.router.Stop()
	}
	return p.page.Close()
}
