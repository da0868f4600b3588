// Package browser turns the engine's raw target notifications into
// instrumented pages. A Session tracks every known target, the Manager creates
// and instruments them, and each Page carries the client bridge, its
// injection cache and its interceptor registry.
package browser

import (
	"errors"
	"sort"
	"sync"
	"time"

	"hackium/internal/config"
	"hackium/internal/engine"
	"hackium/internal/events"
	"hackium/internal/logging"

	"github.com/google/uuid"
)

var (
	// ErrTargetExists is returned when a target id is created twice.
	ErrTargetExists = errors.New("target already exists")
	// ErrNewTabTimeout is produced when a new tab never leaves the placeholder URL.
	ErrNewTabTimeout = errors.New("new tab did not settle")
	// ErrNoActivePage is returned while no live page has been activated.
	ErrNoActivePage = errors.New("no active page")
	// ErrNotPage is returned when a page is requested for a non-page target.
	ErrNotPage = errors.New("target is not a page")
)

// Session event names.
const (
	EventActivePageChanged = "activePageChanged"
	EventTargetCreated     = "targetCreated"
	EventTargetDestroyed   = "targetDestroyed"
	EventTargetInfoChanged = "targetInfoChanged"
)

// Session is the state of one running browser.
type Session struct {
	ID        string
	CreatedAt time.Time

	cfg     *config.Config
	engine  engine.Engine
	version string

	mu      sync.RWMutex
	targets map[string]*Target
	active  *Page

	pageEvents   events.Dispatcher[*Page]
	targetEvents events.Dispatcher[*Target]
}

// NewSession creates a session over a connected engine. version is the
// product string interceptors see through the host handle.
func NewSession(cfg *config.Config, eng engine.Engine, version string) *Session {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	return &Session{
		ID:        uuid.NewString(),
		CreatedAt: time.Now(),
		cfg:       cfg,
		engine:    eng,
		version:   version,
		targets:   make(map[string]*Target),
	}
}

// Config returns the resolved configuration.
func (s *Session) Config() *config.Config { return s.cfg }

// Version implements sdk.Host.
func (s *Session) Version() string { return s.version }

func (s *Session) addTarget(t *Target) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.targets[t.ID()]; ok {
		return ErrTargetExists
	}
	s.targets[t.ID()] = t
	return nil
}

func (s *Session) removeTarget(id string) *Target {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.targets[id]
	if !ok {
		return nil
	}
	delete(s.targets, id)
	return t
}

func (s *Session) lookup(id string) *Target {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.targets[id]
}

// Target returns a target that has finished creation.
func (s *Session) Target(id string) (*Target, bool) {
	t := s.lookup(id)
	if t == nil || !t.isReady() {
		return nil, false
	}
	return t, true
}

// Targets returns every target that has finished creation, oldest first.
func (s *Session) Targets() []*Target {
	s.mu.RLock()
	out := make([]*Target, 0, len(s.targets))
	for _, t := range s.targets {
		if t.isReady() {
			out = append(out, t)
		}
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].seq < out[j].seq })
	return out
}

// Pages returns the instrumented pages, oldest first.
func (s *Session) Pages() []*Page {
	var out []*Page
	for _, t := range s.Targets() {
		if p := t.resolvedPage(); p != nil {
			out = append(out, p)
		}
	}
	return out
}

// ActivePage returns the page most recently activated from inside the
// browser. It fails with ErrNoActivePage before any activation and after the
// active page's target is gone.
func (s *Session) ActivePage() (*Page, error) {
	s.mu.RLock()
	p := s.active
	s.mu.RUnlock()
	if p == nil || p.Closed() {
		return nil, ErrNoActivePage
	}
	return p, nil
}

// setActivePage is only called from the client bridge's pageActivated
// handler. Every activation is announced, including re-activation of the
// current page.
func (s *Session) setActivePage(p *Page) {
	if p == nil {
		return
	}
	s.mu.Lock()
	s.active = p
	s.mu.Unlock()

	logging.Get(logging.CategoryPage).Debug("active page is now %s (%s)", p.TargetID(), p.URL())
	s.pageEvents.Emit(EventActivePageChanged, p)
}

// OnActivePageChanged subscribes fn to page activations.
func (s *Session) OnActivePageChanged(fn func(*Page)) (off func()) {
	return s.pageEvents.On(EventActivePageChanged, fn)
}

// OnTargetCreated subscribes fn to targets that finished creation. Page
// targets are fully instrumented by the time fn runs.
func (s *Session) OnTargetCreated(fn func(*Target)) (off func()) {
	return s.targetEvents.On(EventTargetCreated, fn)
}

// OnTargetDestroyed subscribes fn to target removal.
func (s *Session) OnTargetDestroyed(fn func(*Target)) (off func()) {
	return s.targetEvents.On(EventTargetDestroyed, fn)
}

func (s *Session) allTargets() []*Target {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Target, 0, len(s.targets))
	for _, t := range s.targets {
		out = append(out, t)
	}
	return out
}
