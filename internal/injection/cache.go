// Package injection builds and applies the ordered scripts every document of
// a page runs before its own code.
package injection

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"hackium/internal/client"
	"hackium/internal/engine"
	"hackium/internal/logging"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"golang.org/x/sync/errgroup"
)

var failures = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: "hackium",
	Name:      "injection_failures_total",
	Help:      "Injection files that could not be read or evaluated.",
})

// Script is one rendered injection.
type Script struct {
	Name   string
	Path   string
	Source string
}

// Evaluator is the page surface Apply needs.
type Evaluator interface {
	Evaluate(ctx context.Context, src string) error
	EvaluateOnNewDocument(ctx context.Context, src string) (remove func() error, err error)
}

// ReadFunc reads one injection file.
type ReadFunc func(path string) ([]byte, error)

// Cache holds the rendered scripts for one page.
type Cache struct {
	files []string
	pwd   string
	read  ReadFunc

	mu      sync.RWMutex
	scripts []Script

	// applyMu serializes Apply and guards the registrations it owns.
	applyMu  sync.Mutex
	applied  bool
	removers []func() error
}

// NewCache creates a cache for files resolved against pwd.
func NewCache(files []string, pwd string) *Cache {
	return &Cache{
		files: append([]string(nil), files...),
		pwd:   pwd,
		read:  os.ReadFile,
	}
}

// WithReader overrides how files are read.
func (c *Cache) WithReader(fn ReadFunc) *Cache {
	c.read = fn
	return c
}

// Resolve returns path as absolute, relative paths being taken from pwd.
func Resolve(pwd, path string) string {
	if filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(pwd, path)
}

// Load rebuilds the cache: the bridge script first, then configured files in
// order. Unreadable files are dropped with a warning.
func (c *Cache) Load(ctx context.Context) ([]Script, error) {
	log := logging.Get(logging.CategoryInjection)

	sources := make([]*Script, len(c.files))
	g, gctx := errgroup.WithContext(ctx)
	for i, f := range c.files {
		location := Resolve(c.pwd, f)
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			log.Debug("reading %s (originally %s)", location, f)
			data, err := c.read(location)
			if err != nil {
				log.Warn("couldn't read %s: %v", location, err)
				failures.Inc()
				return nil
			}
			sources[i] = &Script{Name: filepath.Base(f), Path: location, Source: client.Render(string(data))}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("load injections: %w", err)
	}

	scripts := make([]Script, 0, len(c.files)+1)
	scripts = append(scripts, Script{
		Name:   client.BridgeName,
		Path:   client.BridgeName,
		Source: client.Render(client.BridgeSource()),
	})
	for _, s := range sources {
		if s != nil {
			scripts = append(scripts, *s)
		}
	}
	log.Debug("read %d of %d injection files", len(scripts)-1, len(c.files))

	c.mu.Lock()
	c.scripts = scripts
	c.mu.Unlock()
	return Clone(scripts), nil
}

// Reload clears and recomputes the cache.
func (c *Cache) Reload(ctx context.Context) ([]Script, error) {
	c.mu.Lock()
	c.scripts = nil
	c.mu.Unlock()
	return c.Load(ctx)
}

// Scripts returns the cached scripts in evaluation order.
func (c *Cache) Scripts() []Script {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return Clone(c.scripts)
}

// Apply evaluates every cached script in the current document and registers
// it for every future document. Later calls replace the registrations of the
// previous call and leave the current document alone, so a document never
// runs two versions of the cache. Failures are logged, never returned.
func (c *Cache) Apply(ctx context.Context, page Evaluator) {
	c.applyMu.Lock()
	defer c.applyMu.Unlock()

	log := logging.Get(logging.CategoryInjection)
	scripts := c.Scripts()
	first := !c.applied
	c.applied = true
	log.Debug("adding %d scripts to evaluate on every load", len(scripts))

	stale := c.removers
	c.removers = make([]func() error, 0, len(scripts))
	for _, s := range scripts {
		if first {
			if err := page.Evaluate(ctx, s.Source); err != nil {
				log.Debug("evaluate %s in current document: %v", s.Name, err)
			}
		}
		remove, err := page.EvaluateOnNewDocument(ctx, s.Source)
		if err != nil {
			log.Warn("register %s for new documents: %v", s.Name, err)
			failures.Inc()
			continue
		}
		c.removers = append(c.removers, remove)
	}

	// The new set is registered before the old one goes, so no document
	// starts without the bridge.
	for _, remove := range stale {
		if err := remove(); err != nil && !engine.IsTargetClosed(err) {
			log.Warn("remove stale injection: %v", err)
		}
	}
	if len(stale) > 0 {
		log.Debug("replaced %d registered scripts", len(stale))
	}
}

// Registered returns how many scripts are registered for new documents.
func (c *Cache) Registered() int {
	c.applyMu.Lock()
	defer c.applyMu.Unlock()
	return len(c.removers)
}

// Clone copies a script list.
func Clone(in []Script) []Script {
	if in == nil {
		return nil
	}
	return append([]Script(nil), in...)
}
