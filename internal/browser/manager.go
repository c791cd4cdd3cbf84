package browser

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/cdp"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/launcher/flags"
)

// chromeFlags trims background work and rendering cost for short-lived
// scraping sessions.
var chromeFlags = []string{
	"--disable-gl-drawing-for-tests",
	"--disable-canvas-aa",
	"--disable-2d-canvas-clip-aa",
	"--disable-features=Translate,OptimizationHints,MediaRouter",
	"--disable-extensions",
	"--disable-component-extensions-with-background-pages",
	"--disable-background-networking",
	"--disable-component-update",
	"--disable-client-side-phishing-detection",
	"--disable-sync",
	"--metrics-recording-only",
	"--disable-default-apps",
	"--no-default-browser-check",
	"--no-first-run",
	"--disable-backgrounding-occluded-windows",
	"--disable-renderer-backgrounding",
	"--disable-background-timer-throttling",
	"--disable-ipc-flooding-protection",
	"--password-store=basic",
	"--use-mock-keychain",
	"--force-fieldtrials=*BackgroundTracing/default/",
	"--disable-setuid-sandbox",
	"--disable-blink-features=AutomationControlled",
}

// splitFlag turns "--name=value" into its launcher form.
func splitFlag(f string) (flags.Flag, []string) {
	f = strings.TrimPrefix(f, "--")
	name, value, ok := strings.Cut(f, "=")
	if !ok {
		return flags.Flag(name), nil
	}
	return flags.Flag(name), []string{value}
}

// Manager launches one Chrome per Launch call, or opens an incognito
// context on a remote Chrome when RemoteURL is set.
type Manager struct {
	cfg    Config
	logger *slog.Logger

	mu     sync.Mutex
	xvfb   *exec.Cmd
	closed bool
}

// NewManager creates a browser Manager.
func NewManager(cfg Config, logger *slog.Logger) *Manager {
	cfg.defaults()
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{cfg: cfg, logger: logger}
}

// Launch starts a browser. The caller owns the returned Instance and must
// Close it.
func (m *Manager) Launch(ctx context.Context) (Instance, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, fmt.Errorf("browser: manager is closed")
	}
	headful := !m.cfg.Headless && m.cfg.XvfbDisplay != "" && m.cfg.RemoteURL == ""
	if headful {
		if err := m.startXvfb(); err != nil {
			m.mu.Unlock()
			return nil, fmt.Errorf("browser: xvfb: %w", err)
		}
	}
	m.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("browser: launch: %w", err)
	}

	var (
		wsURL string
		l     *launcher.Launcher
	)
	if m.cfg.RemoteURL != "" {
		wsURL = m.cfg.RemoteURL
		m.logger.Debug("browser: connecting to remote", "url", wsURL)
	} else {
		l = launcher.New().Headless(m.cfg.Headless).NoSandbox(true)
		if m.cfg.Bin != "" {
			l = l.Bin(m.cfg.Bin)
		}
		if headful {
			l = l.Env(append(os.Environ(), "DISPLAY="+m.cfg.XvfbDisplay)...)
		}
		for _, f := range chromeFlags {
			name, values := splitFlag(f)
			l = l.Set(name, values...)
		}
		u, err := l.Launch()
		if err != nil {
			return nil, fmt.Errorf("browser: launch: %w", err)
		}
		wsURL = u
		m.logger.Debug("browser: launched local chrome", "url", wsURL, "headless", m.cfg.Headless)
	}

	// A remote Chrome is shared: own its websocket so Close can disconnect
	// without sending Browser.close.
	var ws *cdp.WebSocket
	b := rod.New()
	if m.cfg.RemoteURL != "" {
		ws = &cdp.WebSocket{}
		if err := ws.Connect(ctx, wsURL, nil); err != nil {
			return nil, fmt.Errorf("browser: connect: %w", err)
		}
		b = b.Client(cdp.New().Start(ws))
	} else {
		b = b.ControlURL(wsURL)
	}
	if err := b.Connect(); err != nil {
		if l != nil {
			l.Kill()
		}
		if ws != nil {
			ws.Close()
		}
		return nil, fmt.Errorf("browser: connect: %w", err)
	}

	inst := &rodInstance{browser: b, launcher: l, ws: ws, cfg: m.cfg, logger: m.logger}
	if ws != nil {
		// Isolate this batch from other users of the remote browser.
		ctxBrowser, err := b.Incognito()
		if err != nil {
			ws.Close()
			return nil, fmt.Errorf("browser: incognito: %w", err)
		}
		inst.browser = ctxBrowser
	}
	return inst, nil
}

// Close stops Xvfb and rejects further launches.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	m.stopXvfb()
	return nil
}

// startXvfb launches an Xvfb virtual display for headful mode. Caller holds m.mu.
func (m *Manager) startXvfb() error {
	if m.xvfb != nil {
		return nil
	}
	display := m.cfg.XvfbDisplay
	cmd := exec.Command("Xvfb", display, "-screen", "0", "1920x1080x24", "-ac")
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start xvfb: %w", err)
	}
	m.xvfb = cmd

	// Give Xvfb a moment to initialise.
	time.Sleep(500 * time.Millisecond)

	m.logger.Info("browser: xvfb started", "display", display, "pid", cmd.Process.Pid)
	return nil
}

func (m *Manager) stopXvfb() {
	if m.xvfb == nil {
		return
	}
	if m.xvfb.Process != nil {
		m.xvfb.Process.Kill()
		m.xvfb.Wait()
	}
	m.logger.Info("browser: xvfb stopped")
	m.xvfb = nil
}

// rodInstance is one launched Chrome (or remote incognito context).
type rodInstance struct {
	browser  *rod.Browser
	launcher *launcher.Launcher
	ws       *cdp.WebSocket // remote only
	cfg      Config
	logger   *slog.Logger
}

// Close shuts a local Chrome down. On a remote Chrome it disposes the
// incognito context and drops the connection.
func (r *rodInstance) Close() error {
	err := r.browser.Close()
	if r.ws != nil {
		r.ws.Close()
	}
	if r.launcher != nil {
		r.launcher.Cleanup()
	}
	if err != nil {
		return fmt.Errorf("browser: close: %w", err)
	}
	return nil
}
