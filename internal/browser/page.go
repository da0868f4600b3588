package browser

import (
	"context"
	"fmt"
	"sync"

	"hackium/internal/client"
	"hackium/internal/config"
	"hackium/internal/engine"
	"hackium/internal/events"
	"hackium/internal/injection"
	"hackium/internal/interceptor"
	"hackium/internal/logging"
)

// Action is work that needs the in-page client to be loaded.
type Action func(ctx context.Context) error

// Page is the host-side wrapper of one page target.
type Page struct {
	session *Session
	target  *Target
	handle  engine.PageHandle
	cfg     config.PageConfig

	injections   *injection.Cache
	interceptors *interceptor.Registry

	// ctx lives as long as the page and scopes the watcher and queued actions.
	ctx    context.Context
	cancel context.CancelFunc

	mu           sync.Mutex
	clientLoaded bool
	queue        []Action
	closed       bool
	drained      chan struct{} // closed once the queue has run

	clientEvents events.Dispatcher[client.Event]
}

type pageOptions struct {
	isolate bool
	loader  interceptor.Loader
	reader  injection.ReadFunc
}

func newPage(s *Session, t *Target, h engine.PageHandle, cfg config.PageConfig, opts pageOptions) *Page {
	ctx, cancel := context.WithCancel(context.Background())
	p := &Page{
		session: s,
		target:  t,
		handle:  h,
		cfg:     cfg,
		ctx:     ctx,
		cancel:  cancel,
		drained: make(chan struct{}),
	}
	p.injections = injection.NewCache(cfg.InjectionFiles, cfg.PWD)
	if opts.reader != nil {
		p.injections.WithReader(opts.reader)
	}
	p.interceptors = interceptor.NewRegistry(interceptor.Options{
		Files:   cfg.InterceptorFiles,
		PWD:     cfg.PWD,
		Watch:   cfg.Watch,
		Isolate: opts.isolate,
	}, s)
	if opts.loader != nil {
		p.interceptors.WithLoader(opts.loader)
	}
	return p
}

// instrument wires the client bridge, then injections, then interceptors.
func (p *Page) instrument(ctx context.Context) error {
	log := logging.Get(logging.CategoryPage)
	log.Debug("instrumenting page %s", p.TargetID())

	if err := p.exposeBridge(ctx); err != nil {
		return err
	}

	if _, err := p.injections.Load(ctx); err != nil {
		return fmt.Errorf("load injections: %w", err)
	}
	p.injections.Apply(ctx, p.handle)

	p.interceptors.Load(ctx)
	p.interceptors.Register(ctx, p.handle)
	if err := p.interceptors.Watch(p.ctx); err != nil {
		log.Warn("page %s: %v", p.TargetID(), err)
	}
	return nil
}

// TargetID returns the id of the backing target.
func (p *Page) TargetID() string { return p.handle.TargetID() }

// URL returns the page's current URL.
func (p *Page) URL() string { return p.handle.URL() }

// Target returns the backing target.
func (p *Page) Target() *Target { return p.target }

// Handle returns the engine page.
func (p *Page) Handle() engine.PageHandle { return p.handle }

// Config returns the instrumentation settings the page was created with.
func (p *Page) Config() config.PageConfig { return p.cfg }

// ClientLoaded reports whether the in-page client announced itself.
func (p *Page) ClientLoaded() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.clientLoaded
}

// ExecuteOrQueue returns action for the caller to run if the client is
// loaded. Otherwise action is queued until the client loads and nil is
// returned. Queued actions run one after another on a goroutine of their
// own, with the page's context.
func (p *Page) ExecuteOrQueue(action Action) Action {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.clientLoaded {
		return action
	}
	p.queue = append(p.queue, action)
	logging.Get(logging.CategoryPage).Debug("page %s: queued action %d until client loads", p.handle.TargetID(), len(p.queue))
	return nil
}

// Drained is closed once the client has loaded and every queued action has
// run.
func (p *Page) Drained() <-chan struct{} { return p.drained }

// Queued returns the number of actions waiting for the client.
func (p *Page) Queued() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.queue)
}

// On subscribes fn to a client event by name.
func (p *Page) On(name string, fn func(client.Event)) (off func()) {
	return p.clientEvents.On(client.EventPrefix+name, fn)
}

// Injections returns the rendered scripts in evaluation order.
func (p *Page) Injections() []injection.Script { return p.injections.Scripts() }

// ReloadInjections re-reads every injection file and applies the result.
func (p *Page) ReloadInjections(ctx context.Context) error {
	if _, err := p.injections.Reload(ctx); err != nil {
		return err
	}
	p.injections.Apply(ctx, p.handle)
	return nil
}

// Interceptors returns the page's interceptors in chain order.
func (p *Page) Interceptors() []*interceptor.Descriptor { return p.interceptors.Descriptors() }

// AddInterceptor appends an interceptor that runs after the configured ones.
func (p *Page) AddInterceptor(ctx context.Context, d *interceptor.Descriptor) error {
	return p.interceptors.Add(ctx, d)
}

// ReloadInterceptor re-imports one interceptor file in place.
func (p *Page) ReloadInterceptor(ctx context.Context, path string) error {
	return p.interceptors.Reload(ctx, injection.Resolve(p.cfg.PWD, path))
}

// Evaluate runs src in the current document.
func (p *Page) Evaluate(ctx context.Context, src string) error {
	return p.handle.Evaluate(ctx, src)
}

// Navigate loads url.
func (p *Page) Navigate(ctx context.Context, url string) error {
	return p.handle.Navigate(ctx, url)
}

// Closed reports whether the page has been torn down.
func (p *Page) Closed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

// shutdown releases host-side resources without closing the remote page.
func (p *Page) shutdown() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	p.queue = nil
	p.mu.Unlock()

	p.cancel()
	p.interceptors.Close()
}

// Close tears the page down and closes it in the browser.
func (p *Page) Close() error {
	p.shutdown()
	if err := p.handle.Close(); err != nil && !engine.IsTargetClosed(err) {
		return fmt.Errorf("close page %s: %w", p.handle.TargetID(), err)
	}
	return nil
}
