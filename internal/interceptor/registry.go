package interceptor

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"hackium/internal/engine"
	"hackium/internal/injection"
	"hackium/internal/logging"
	"hackium/pkg/sdk"

	"github.com/google/uuid"
)

// Interceptable is the page surface the registry registers handlers on.
type Interceptable interface {
	InterceptResponses(ctx context.Context, patterns []sdk.RequestPattern, handler engine.ResponseHandler) (engine.Registration, error)
}

// Options configure a page's registry.
type Options struct {
	Files   []string
	PWD     string
	Watch   bool
	Isolate bool
}

// slot is one position in the chain. File slots keep their position across
// reloads; the descriptor inside is swapped.
type slot struct {
	path string
	desc atomic.Pointer[Descriptor]
	reg  engine.Registration // guarded by Registry.mu
}

// Registry owns the interceptors of one page.
type Registry struct {
	opts   Options
	host   sdk.Host
	loader Loader

	mu      sync.Mutex
	slots   []*slot
	page    Interceptable
	watcher *Watcher
}

// NewRegistry creates an empty registry.
func NewRegistry(opts Options, host sdk.Host) *Registry {
	return &Registry{opts: opts, host: host, loader: FileLoader{}}
}

// WithLoader overrides how modules are imported.
func (r *Registry) WithLoader(l Loader) *Registry {
	r.loader = l
	return r
}

// Load imports every configured file that does not yet have a slot, in
// configured order. Modules that fail to load are logged and skipped.
// It returns the number of modules loaded.
func (r *Registry) Load(ctx context.Context) int {
	log := logging.Get(logging.CategoryInterceptor)
	log.Debug("loading %d interceptor modules", len(r.opts.Files))

	loaded := 0
	for _, f := range r.opts.Files {
		path := injection.Resolve(r.opts.PWD, f)
		if abs, err := filepath.Abs(path); err == nil {
			path = abs
		}
		if r.find(path) != nil {
			continue
		}
		log.Debug("reading interceptor module from %s", path)
		d, err := r.loader.Load(ctx, path)
		if err != nil {
			log.Warn("could not load interceptor %s: %v", path, err)
			continue
		}
		d.Path = path
		d.Version = 1
		s := &slot{path: path}
		s.desc.Store(d)

		r.mu.Lock()
		r.slots = append(r.slots, s)
		r.mu.Unlock()
		loaded++
	}
	return loaded
}

func (r *Registry) find(path string) *slot {
	r.mu.Lock()
	defer r.mu.Unlock()
	if path == "" {
		return nil
	}
	for _, s := range r.slots {
		if s.path == path {
			return s
		}
	}
	return nil
}

// Register binds every slot without a live handler to page, in slot order.
// Registration failures leave that slot unregistered and are only logged.
// It returns the number of handlers registered by this call.
func (r *Registry) Register(ctx context.Context, page Interceptable) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.page = page

	n := 0
	for _, s := range r.slots {
		if s.reg != nil {
			continue
		}
		if r.registerLocked(ctx, s) {
			n++
		}
	}
	return n
}

func (r *Registry) registerLocked(ctx context.Context, s *slot) bool {
	d := s.desc.Load()
	log := logging.Get(logging.CategoryInterceptor)
	log.Debug("registering interceptor %s v%d for patterns %v", d.Name, d.Version, d.Patterns)

	reg, err := r.page.InterceptResponses(ctx, d.Patterns, r.handler(d))
	if err != nil {
		log.Warn("could not register interceptor %s: %v", d.Name, err)
		return false
	}
	s.reg = reg
	return true
}

func (r *Registry) disableLocked(s *slot) {
	if s.reg == nil {
		return
	}
	if err := s.reg.Disable(); err != nil && !engine.IsTargetClosed(err) {
		logging.Get(logging.CategoryInterceptor).Warn("disable interceptor %s: %v", s.desc.Load().Name, err)
	}
	s.reg = nil
}

// Add appends an interceptor that is not backed by a file. It runs after
// every configured interceptor and is registered at once if the registry is
// bound to a page.
func (r *Registry) Add(ctx context.Context, d *Descriptor) error {
	if d == nil || d.Transform == nil {
		return errors.New("interceptor without a transform")
	}
	cp := *d
	if cp.Name == "" {
		cp.Name = "dynamic-" + uuid.NewString()[:8]
	}
	cp.Version = 1
	s := &slot{path: cp.Path}
	s.desc.Store(&cp)

	r.mu.Lock()
	defer r.mu.Unlock()
	r.slots = append(r.slots, s)
	if r.page != nil && !r.registerLocked(ctx, s) {
		return fmt.Errorf("register interceptor %s: not registered", cp.Name)
	}
	return nil
}

// Reload re-imports the module at path and swaps it into its slot. If the
// import fails the previous interceptor stays live. Handlers from the
// reloaded slot onward are disabled before any replacement is registered, so
// chain order is preserved.
func (r *Registry) Reload(ctx context.Context, path string) error {
	log := logging.Get(logging.CategoryInterceptor)
	s := r.find(path)
	if s == nil {
		return fmt.Errorf("no interceptor loaded from %s", path)
	}

	d, err := r.loader.Load(ctx, path)
	if err != nil {
		log.Warn("reload of %s failed, keeping previous version: %v", path, err)
		return fmt.Errorf("reload %s: %w", path, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	prev := s.desc.Load()
	d.Path = path
	d.Version = prev.Version + 1

	idx := -1
	for i, x := range r.slots {
		if x == s {
			idx = i
			break
		}
	}
	if idx < 0 {
		return fmt.Errorf("interceptor %s was removed during reload", path)
	}

	tail := r.slots[idx:]
	live := make([]bool, len(tail))
	for i, x := range tail {
		live[i] = x.reg != nil
		r.disableLocked(x)
	}
	s.desc.Store(d)
	reloads.Inc()
	log.Debug("reloaded interceptor %s as v%d", d.Name, d.Version)

	if r.page == nil {
		return nil
	}
	for i, x := range tail {
		if live[i] || x == s {
			r.registerLocked(ctx, x)
		}
	}
	return nil
}

// Descriptors returns the current descriptor of every slot, in chain order.
func (r *Registry) Descriptors() []*Descriptor {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Descriptor, len(r.slots))
	for i, s := range r.slots {
		out[i] = s.desc.Load()
	}
	return out
}

// Live returns the number of slots holding a registered handler.
func (r *Registry) Live() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, s := range r.slots {
		if s.reg != nil {
			n++
		}
	}
	return n
}

// Watch starts hot reloading configured files when the options ask for it.
func (r *Registry) Watch(ctx context.Context) error {
	if !r.opts.Watch {
		return nil
	}
	r.mu.Lock()
	if r.watcher != nil {
		r.mu.Unlock()
		return nil
	}
	var paths []string
	for _, s := range r.slots {
		if s.path != "" {
			paths = append(paths, s.path)
		}
	}
	r.mu.Unlock()
	if len(paths) == 0 {
		return nil
	}

	w, err := NewWatcher(paths, func(path string) {
		if err := r.Reload(ctx, path); err != nil {
			logging.Get(logging.CategoryInterceptor).Debug("watch reload: %v", err)
		}
	})
	if err != nil {
		return fmt.Errorf("watch interceptors: %w", err)
	}
	if err := w.Start(ctx); err != nil {
		return err
	}

	r.mu.Lock()
	r.watcher = w
	r.mu.Unlock()
	return nil
}

// Close stops watching and disables every handler.
func (r *Registry) Close() {
	r.mu.Lock()
	w := r.watcher
	r.watcher = nil
	r.page = nil
	for _, s := range r.slots {
		r.disableLocked(s)
	}
	r.mu.Unlock()
	if w != nil {
		w.Stop()
	}
}

// handler adapts one descriptor to the engine. The descriptor is captured, so
// a handler keeps running the code it was registered with.
func (r *Registry) handler(d *Descriptor) engine.ResponseHandler {
	debugf := sdk.DebugFunc(logging.Debugf(logging.CategoryInterceptor))
	return func(ctx context.Context, ev *sdk.Event) (*sdk.Response, error) {
		log := logging.Get(logging.CategoryInterceptor)
		log.Debug("intercepted response for %s (%s v%d)", ev.Request.URL, d.Name, d.Version)
		interceptions.WithLabelValues(d.Name).Inc()

		prev := ev.Response
		in := &sdk.Event{Request: ev.Request, Response: prev.Clone()}

		start := time.Now()
		out, err := invoke(ctx, d, r.host, in, debugf)
		transformDuration.WithLabelValues(d.Name).Observe(time.Since(start).Seconds())
		if err != nil {
			transformErrors.WithLabelValues(d.Name).Inc()
			if r.opts.Isolate {
				log.Warn("interceptor %s failed on %s, passing response through: %v", d.Name, ev.Request.URL, err)
				return prev, nil
			}
			return nil, fmt.Errorf("interceptor %s: %w", d.Name, err)
		}
		if out == nil {
			return in.Response, nil
		}
		return out, nil
	}
}

func invoke(ctx context.Context, d *Descriptor, host sdk.Host, ev *sdk.Event, debugf sdk.DebugFunc) (out *sdk.Response, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("panic: %v\n%s", rec, debug.Stack())
		}
	}()
	return d.Transform(ctx, host, ev, debugf)
}
