// Package hackium wires configuration, plugins, the automation engine and the
// page lifecycle manager into one launchable instance.
package hackium

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"hackium/internal/browser"
	"hackium/internal/config"
	"hackium/internal/engine"
	"hackium/internal/engine/rodengine"
	"hackium/internal/logging"
	"hackium/internal/plugin"

	"golang.org/x/sync/errgroup"
)

var (
	// ErrNotLaunched is returned by operations that need a running browser.
	ErrNotLaunched = errors.New("browser not launched")
	// ErrClosed is returned once the instance or its browser has gone away.
	ErrClosed = errors.New("hackium is closed")
)

// defaultPageGrace is how long Launch waits for the browser's own first page
// before opening one.
const defaultPageGrace = 2 * time.Second

// Option configures a Hackium.
type Option func(*Hackium)

// WithPlugins appends plugins. Hooks run in the order plugins are given.
func WithPlugins(p ...plugin.Plugin) Option {
	return func(h *Hackium) { h.plugins = append(h.plugins, p...) }
}

// WithLauncher replaces the go-rod launcher.
func WithLauncher(l engine.Launcher) Option {
	return func(h *Hackium) { h.launcher = l }
}

// WithConfigFile merges the YAML file at path under the command-line layer.
func WithConfigFile(path string) Option {
	return func(h *Hackium) { h.configFile = path }
}

// Hackium is one configured browser instance.
type Hackium struct {
	cfg        *config.Config
	plugins    plugin.Set
	launcher   engine.Launcher
	configFile string
	pageGrace  time.Duration

	mu         sync.Mutex
	engine     engine.Engine
	session    *browser.Session
	manager    *browser.Manager
	cancelRun  context.CancelFunc
	runDone    chan struct{}
	closed     bool
	unpause    chan struct{}
}

// New resolves configuration: preInit hooks see the command-line layer, which
// is then merged over the config file and the defaults, and postInit hooks
// see the result.
func New(cli *config.Config, opts ...Option) (*Hackium, error) {
	h := &Hackium{pageGrace: defaultPageGrace}
	for _, o := range opts {
		o(h)
	}
	if h.launcher == nil {
		h.launcher = rodengine.NewLauncher()
	}
	if cli == nil {
		cli = &config.Config{}
	}

	if err := h.plugins.PreInit(cli); err != nil {
		return nil, err
	}

	base, err := config.Load(h.configFile)
	if err != nil {
		return nil, err
	}
	cfg, err := config.Merge(base, nil, cli)
	if err != nil {
		return nil, err
	}

	if err := h.plugins.PostInit(cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	h.cfg = cfg
	logging.Get(logging.CategoryBoot).Debug("configuration resolved: %d injections, %d interceptors, watch=%v",
		len(cfg.Inject), len(cfg.Interceptor), cfg.WatchEnabled())
	return h, nil
}

// Config returns the resolved configuration.
func (h *Hackium) Config() *config.Config { return h.cfg }

// LaunchOptions builds the engine options from the configuration. A
// configured new-tab home URL is also handed to Chrome as its homepage.
func (h *Hackium) LaunchOptions() engine.LaunchOptions {
	opts := engine.LaunchOptions{
		Headless:     h.cfg.HeadlessEnabled(),
		DevTools:     h.cfg.DevToolsEnabled(),
		ChromeBin:    h.cfg.ChromeBin,
		UserDataDir:  h.cfg.UserDataDir,
		ControlURL:   h.cfg.ControlURL,
		Env:          append([]string(nil), h.cfg.Env...),
		ChromeOutput: h.cfg.ChromeOutputEnabled(),
	}
	if home := h.cfg.NewTab.URL; home != "" {
		opts.Args = append(opts.Args, "--homepage="+home)
	}
	return opts
}

// Launch starts the browser and returns its session once the first page is
// instrumented and active.
func (h *Hackium) Launch(ctx context.Context) (*browser.Session, error) {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil, ErrClosed
	}
	if h.session != nil {
		s := h.session
		h.mu.Unlock()
		return s, nil
	}
	h.mu.Unlock()

	log := logging.Get(logging.CategoryBoot)
	opts := h.LaunchOptions()
	if err := h.plugins.PreLaunch(&opts); err != nil {
		return nil, err
	}

	launchCtx, cancel := context.WithTimeout(ctx, h.cfg.GetLaunchTimeout())
	defer cancel()

	log.Debug("launching browser (headless=%v, control_url=%q)", opts.Headless, opts.ControlURL)
	eng, err := h.launcher.Launch(launchCtx, opts)
	if err != nil {
		return nil, fmt.Errorf("launch browser: %w", err)
	}
	version, err := eng.Version(launchCtx)
	if err != nil {
		log.Warn("could not read browser version: %v", err)
	}

	session := browser.NewSession(h.cfg, eng, version)
	manager := browser.NewManager(session, h.plugins)

	firstPage := make(chan *browser.Page, 1)
	off := session.OnTargetCreated(func(t *browser.Target) {
		if !t.Info().IsPage() {
			return
		}
		if p, err := t.Page(launchCtx); err == nil && p != nil {
			select {
			case firstPage <- p:
			default:
			}
		}
	})
	defer off()

	runCtx, cancelRun := context.WithCancel(context.Background())
	runDone := make(chan struct{})
	go func() {
		defer close(runDone)
		if err := manager.Run(runCtx); err != nil {
			logging.Get(logging.CategoryTarget).Error("target discovery stopped: %v", err)
		}
	}()

	h.mu.Lock()
	h.engine, h.session, h.manager = eng, session, manager
	h.cancelRun, h.runDone = cancelRun, runDone
	h.mu.Unlock()

	fail := func(err error) (*browser.Session, error) {
		_ = h.Close()
		return nil, err
	}

	if err := h.plugins.PostLaunch(ctx, session, opts); err != nil {
		return fail(err)
	}

	page, err := h.resolveFirstPage(launchCtx, manager, firstPage)
	if err != nil {
		return fail(err)
	}
	page.Activate()

	if err := h.plugins.PostBrowserInit(ctx, session, opts); err != nil {
		return fail(err)
	}
	logging.Boot("browser ready (%s), session %s", version, session.ID)
	return session, nil
}

// resolveFirstPage takes the browser's first page, or opens one, and loads
// the configured URL in it.
func (h *Hackium) resolveFirstPage(ctx context.Context, m *browser.Manager, first <-chan *browser.Page) (*browser.Page, error) {
	url := h.cfg.URL

	var page *browser.Page
	select {
	case page = <-first:
	case <-time.After(h.pageGrace):
		target := url
		if target == "" {
			target = "about:blank"
		}
		p, err := m.NewPage(ctx, target)
		if err != nil {
			return nil, fmt.Errorf("open first page: %w", err)
		}
		return p, nil
	case <-ctx.Done():
		return nil, fmt.Errorf("waiting for first page: %w", ctx.Err())
	}

	if url != "" && page.URL() != url {
		if err := page.Navigate(ctx, url); err != nil {
			return nil, fmt.Errorf("open %s: %w", url, err)
		}
	}
	return page, nil
}

// Session returns the running session.
func (h *Hackium) Session() (*browser.Session, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.session == nil {
		return nil, ErrNotLaunched
	}
	return h.session, nil
}

// NewPage opens a new instrumented page.
func (h *Hackium) NewPage(ctx context.Context, url string) (*browser.Page, error) {
	h.mu.Lock()
	m := h.manager
	h.mu.Unlock()
	if m == nil {
		return nil, ErrNotLaunched
	}
	return m.NewPage(ctx, url)
}

// Done is closed when target discovery stops, usually because the browser
// went away.
func (h *Hackium) Done() <-chan struct{} {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.runDone == nil {
		ch := make(chan struct{})
		return ch
	}
	return h.runDone
}

// Close stops target discovery, releases every page and closes the browser.
func (h *Hackium) Close() error {
	h.mu.Lock()
	if h.closed || h.engine == nil {
		h.mu.Unlock()
		return nil
	}
	h.closed = true
	eng, manager, cancelRun, runDone := h.engine, h.manager, h.cancelRun, h.runDone
	h.mu.Unlock()

	cancelRun()

	var g errgroup.Group
	g.Go(func() error {
		manager.Shutdown()
		return nil
	})
	g.Go(func() error {
		if err := eng.Close(); err != nil {
			return fmt.Errorf("close browser: %w", err)
		}
		return nil
	})
	err := g.Wait()
	<-runDone
	manager.Shutdown()

	logging.Boot("browser closed")
	return err
}
