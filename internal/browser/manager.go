package browser

import (
	"context"
	"fmt"
	"sync"
	"time"

	"hackium/internal/engine"
	"hackium/internal/injection"
	"hackium/internal/interceptor"
	"hackium/internal/logging"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var pagesInstrumented = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: "hackium",
	Name:      "pages_instrumented_total",
	Help:      "Page targets that completed instrumentation.",
})

// PageHooks run around every page creation.
type PageHooks interface {
	PrePageCreate(ctx context.Context, s *Session) error
	PostPageCreate(ctx context.Context, s *Session, p *Page) error
}

// Manager turns engine target events into instrumented targets.
type Manager struct {
	session *Session
	hooks   PageHooks

	loader interceptor.Loader
	reader injection.ReadFunc

	wg sync.WaitGroup
}

// NewManager creates a manager for s. hooks may be nil.
func NewManager(s *Session, hooks PageHooks) *Manager {
	return &Manager{session: s, hooks: hooks}
}

// WithInterceptorLoader overrides how every page imports interceptor modules.
func (m *Manager) WithInterceptorLoader(l interceptor.Loader) *Manager {
	m.loader = l
	return m
}

// WithInjectionReader overrides how every page reads injection files.
func (m *Manager) WithInjectionReader(fn injection.ReadFunc) *Manager {
	m.reader = fn
	return m
}

// Session returns the managed session.
func (m *Manager) Session() *Session { return m.session }

// Run consumes target events until ctx is done or the engine stops sending.
// Each created target is set up on its own goroutine; Run waits for them
// before returning.
func (m *Manager) Run(ctx context.Context) error {
	ch, err := m.session.engine.Events(ctx)
	if err != nil {
		return fmt.Errorf("subscribe to targets: %w", err)
	}
	defer m.wg.Wait()

	log := logging.Get(logging.CategoryTarget)
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-ch:
			if !ok {
				return nil
			}
			switch ev.Kind {
			case engine.TargetCreated:
				t, err := m.register(ev.Info)
				if err != nil {
					log.Warn("target %s: %v", ev.Info.ID, err)
					continue
				}
				m.wg.Add(1)
				go func() {
					defer m.wg.Done()
					if err := m.initialize(ctx, t); err != nil {
						log.Warn("target %s: %v", t.ID(), err)
					}
				}()
			case engine.TargetInfoChanged:
				if t := m.session.lookup(ev.Info.ID); t != nil {
					t.updateInfo(ev.Info)
				}
			case engine.TargetDestroyed:
				m.OnTargetDestroyed(ev.Info.ID)
			}
		}
	}
}

// OnTargetCreated creates the target for info. Page targets are instrumented
// before the session announces them.
func (m *Manager) OnTargetCreated(ctx context.Context, info engine.TargetInfo) (*Target, error) {
	t, err := m.register(info)
	if err != nil {
		return nil, err
	}
	if err := m.initialize(ctx, t); err != nil {
		return nil, err
	}
	return t, nil
}

func (m *Manager) register(info engine.TargetInfo) (*Target, error) {
	t := newTarget(m.session, info, m.createPage)
	if err := m.session.addTarget(t); err != nil {
		return nil, fmt.Errorf("target %s: %w", info.ID, err)
	}
	logging.Get(logging.CategoryTarget).Debug("target %s created (%s %s)", info.ID, info.Type, info.URL)
	return t, nil
}

func (m *Manager) initialize(ctx context.Context, t *Target) error {
	log := logging.Get(logging.CategoryTarget)

	if t.Info().IsPage() {
		if err := m.settle(ctx, t); err != nil {
			if m.session.cfg.AbortOnNewTabTimeout() {
				m.session.removeTarget(t.ID())
				return err
			}
			log.Warn("target %s: %v, continuing", t.ID(), err)
		}

		if _, err := t.Page(ctx); err != nil {
			if engine.IsTargetClosed(err) {
				log.Debug("target %s closed during instrumentation: %v", t.ID(), err)
				return nil
			}
			m.session.removeTarget(t.ID())
			return err
		}
	}

	if m.session.lookup(t.ID()) != t {
		// Destroyed while being set up.
		if p := t.resolvedPage(); p != nil {
			p.shutdown()
		}
		return nil
	}
	t.markReady()
	m.session.targetEvents.Emit(EventTargetCreated, t)
	return nil
}

// settle waits for a target opened on the new-tab placeholder to reach the
// configured home URL. Without a home URL nothing redirects such tabs and
// they settle at once.
func (m *Manager) settle(ctx context.Context, t *Target) error {
	cfg := m.session.cfg
	placeholder := cfg.GetNewTabPlaceholder()
	home := cfg.NewTab.URL
	if home == "" || t.URL() != placeholder {
		return nil
	}

	done := make(chan struct{})
	var once sync.Once
	off := t.OnInfoChanged(func(info engine.TargetInfo) {
		if info.URL == home {
			once.Do(func() { close(done) })
		}
	})
	defer off()
	if t.URL() == home {
		return nil
	}

	timeout := cfg.GetSettleTimeout()
	logging.TargetDebug("target %s opened on %s, waiting up to %s for %s", t.ID(), placeholder, timeout, home)
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-done:
		return nil
	case <-timer.C:
		return fmt.Errorf("target %s after %s: %w", t.ID(), timeout, ErrNewTabTimeout)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// createPage resolves the engine page for t and instruments it inside the
// page hooks.
func (m *Manager) createPage(ctx context.Context, t *Target) (*Page, error) {
	s := m.session
	if m.hooks != nil {
		if err := m.hooks.PrePageCreate(ctx, s); err != nil {
			return nil, err
		}
	}

	h, err := s.engine.Page(ctx, t.ID())
	if err != nil {
		return nil, fmt.Errorf("attach to %s: %w", t.ID(), err)
	}

	p := newPage(s, t, h, s.cfg.Page(), pageOptions{
		isolate: s.cfg.IsolateInterceptors(),
		loader:  m.loader,
		reader:  m.reader,
	})
	if err := p.instrument(ctx); err != nil {
		p.shutdown()
		return nil, err
	}

	if m.hooks != nil {
		if err := m.hooks.PostPageCreate(ctx, s, p); err != nil {
			p.shutdown()
			return nil, err
		}
	}
	pagesInstrumented.Inc()
	logging.PageDebug("page %s instrumented (%d injections, %d interceptors)",
		t.ID(), len(p.Injections()), len(p.Interceptors()))
	return p, nil
}

// OnTargetDestroyed forgets the target and tears down its page.
func (m *Manager) OnTargetDestroyed(id string) {
	t := m.session.removeTarget(id)
	if t == nil {
		return
	}
	if p := t.resolvedPage(); p != nil {
		p.shutdown()
	}
	logging.Get(logging.CategoryTarget).Debug("target %s destroyed", id)
	if t.isReady() {
		m.session.targetEvents.Emit(EventTargetDestroyed, t)
	}
}

// NewPage opens a target at url and returns its page once instrumented.
// Run must be consuming events.
func (m *Manager) NewPage(ctx context.Context, url string) (*Page, error) {
	var (
		mu    sync.Mutex
		want  string
		found = make(chan *Target, 1)
		seen  = make(map[string]*Target)
	)
	off := m.session.OnTargetCreated(func(t *Target) {
		mu.Lock()
		defer mu.Unlock()
		if want != "" && t.ID() == want {
			select {
			case found <- t:
			default:
			}
			return
		}
		seen[t.ID()] = t
	})
	defer off()

	id, err := m.session.engine.NewTarget(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", url, err)
	}

	mu.Lock()
	want = id
	if t, ok := seen[id]; ok {
		found <- t
	}
	mu.Unlock()

	select {
	case t := <-found:
		return t.Page(ctx)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Shutdown releases the host-side resources of every page without closing
// anything in the browser.
func (m *Manager) Shutdown() {
	for _, t := range m.session.allTargets() {
		if p := t.resolvedPage(); p != nil {
			p.shutdown()
		}
	}
}
