// Package enginetest provides an in-memory engine for tests. It records every
// primitive a page is asked to perform and simulates responses flowing through
// registered interception handlers.
package enginetest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"hackium/internal/engine"
	"hackium/pkg/sdk"

	"github.com/gobwas/glob"
)

// ErrTargetClosed mimics the protocol error of a target going away.
var ErrTargetClosed = errors.New("Protocol error (Target.attachToTarget): Target closed.")

// Engine is a fake engine.Engine.
type Engine struct {
	mu      sync.Mutex
	events  chan engine.TargetEvent
	pages   map[string]*Page
	nextID  int
	closed  bool
	version string

	// PageErr, when set, is returned by Page for matching target ids.
	PageErr func(targetID string) error
}

var _ engine.Engine = (*Engine)(nil)

// New returns an empty fake engine.
func New() *Engine {
	return &Engine{
		events:  make(chan engine.TargetEvent, 256),
		pages:   make(map[string]*Page),
		version: "HeadlessChrome/fake",
	}
}

// Launcher returns a launcher that hands out e and records the options.
func (e *Engine) Launcher(seen *engine.LaunchOptions) engine.Launcher {
	return engine.LauncherFunc(func(_ context.Context, opts engine.LaunchOptions) (engine.Engine, error) {
		if seen != nil {
			*seen = opts
		}
		return e, nil
	})
}

func (e *Engine) Events(ctx context.Context) (<-chan engine.TargetEvent, error) {
	return e.events, nil
}

// AddTarget registers a target and emits its creation.
func (e *Engine) AddTarget(info engine.TargetInfo) *Page {
	e.mu.Lock()
	if info.ID == "" {
		e.nextID++
		info.ID = fmt.Sprintf("T%d", e.nextID)
	}
	if info.Type == "" {
		info.Type = engine.TargetTypePage
	}
	var p *Page
	if info.IsPage() {
		p = newPage(info.ID, info.URL)
		e.pages[info.ID] = p
	}
	e.mu.Unlock()

	e.emit(engine.TargetEvent{Kind: engine.TargetCreated, Info: info})
	return p
}

// ChangeTarget emits an info change and updates the page URL.
func (e *Engine) ChangeTarget(info engine.TargetInfo) {
	e.mu.Lock()
	if p, ok := e.pages[info.ID]; ok {
		p.setURL(info.URL)
	}
	e.mu.Unlock()
	e.emit(engine.TargetEvent{Kind: engine.TargetInfoChanged, Info: info})
}

// DestroyTarget removes a target and emits its destruction.
func (e *Engine) DestroyTarget(id string) {
	e.mu.Lock()
	delete(e.pages, id)
	e.mu.Unlock()
	e.emit(engine.TargetEvent{Kind: engine.TargetDestroyed, Info: engine.TargetInfo{ID: id}})
}

func (e *Engine) emit(ev engine.TargetEvent) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return
	}
	e.events <- ev
}

// PageByID returns the fake page for id.
func (e *Engine) PageByID(id string) *Page {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.pages[id]
}

func (e *Engine) Page(ctx context.Context, targetID string) (engine.PageHandle, error) {
	if e.PageErr != nil {
		if err := e.PageErr(targetID); err != nil {
			return nil, err
		}
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	p, ok := e.pages[targetID]
	if !ok {
		return nil, fmt.Errorf("no target with given id %s: %w", targetID, ErrTargetClosed)
	}
	return p, nil
}

func (e *Engine) NewTarget(ctx context.Context, url string) (string, error) {
	p := e.AddTarget(engine.TargetInfo{URL: url})
	return p.id, nil
}

func (e *Engine) Version(ctx context.Context) (string, error) { return e.version, nil }

// Close ends the event stream.
func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.closed {
		e.closed = true
		close(e.events)
	}
	return nil
}

// Page is a fake engine.PageHandle.
type Page struct {
	id string

	mu            sync.Mutex
	url           string
	calls         []string
	evaluated     []string
	onNewDocument []docScript
	nextScript    int
	removed       int
	bindings      map[string]engine.BindingFunc
	regs          []*Registration
	closed        bool

	// Failure injection.
	ExposeErr    error
	EvaluateErr  error
	InterceptErr error
}

var _ engine.PageHandle = (*Page)(nil)

func newPage(id, url string) *Page {
	return &Page{id: id, url: url, bindings: make(map[string]engine.BindingFunc)}
}

func (p *Page) TargetID() string { return p.id }

func (p *Page) URL() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.url
}

func (p *Page) setURL(u string) {
	p.mu.Lock()
	p.url = u
	p.mu.Unlock()
}

func (p *Page) record(call string) {
	p.calls = append(p.calls, call)
}

func (p *Page) Evaluate(ctx context.Context, src string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.record("evaluate")
	if p.EvaluateErr != nil {
		return p.EvaluateErr
	}
	p.evaluated = append(p.evaluated, src)
	return nil
}

type docScript struct {
	id  int
	src string
}

func (p *Page) EvaluateOnNewDocument(ctx context.Context, src string) (func() error, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.record("evaluateOnNewDocument")
	if p.EvaluateErr != nil {
		return nil, p.EvaluateErr
	}
	p.nextScript++
	id := p.nextScript
	p.onNewDocument = append(p.onNewDocument, docScript{id: id, src: src})
	return func() error { return p.removeScript(id) }, nil
}

func (p *Page) removeScript(id int) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.record("removeScriptOnNewDocument")
	for i, s := range p.onNewDocument {
		if s.id == id {
			p.onNewDocument = append(p.onNewDocument[:i], p.onNewDocument[i+1:]...)
			p.removed++
			return nil
		}
	}
	return fmt.Errorf("no script with given identifier %d", id)
}

func (p *Page) ExposeFunction(ctx context.Context, name string, fn engine.BindingFunc) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.record("expose:" + name)
	if p.ExposeErr != nil {
		return p.ExposeErr
	}
	p.bindings[name] = fn
	return nil
}

func (p *Page) InterceptResponses(ctx context.Context, patterns []sdk.RequestPattern, handler engine.ResponseHandler) (engine.Registration, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.record("intercept")
	if p.InterceptErr != nil {
		return nil, p.InterceptErr
	}
	r := &Registration{page: p, Patterns: patterns, handler: handler}
	for _, pat := range patterns {
		u := pat.URLPattern
		if u == "" {
			u = "*"
		}
		g, err := glob.Compile(u)
		if err != nil {
			return nil, fmt.Errorf("compile %q: %w", u, err)
		}
		r.globs = append(r.globs, g)
		r.types = append(r.types, pat.ResourceType)
	}
	p.regs = append(p.regs, r)
	return r, nil
}

func (p *Page) Navigate(ctx context.Context, url string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.record("navigate:" + url)
	p.url = url
	return nil
}

func (p *Page) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}

// Closed reports whether Close was called.
func (p *Page) Closed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

// Calls returns the ordered primitive log.
func (p *Page) Calls() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.calls...)
}

// Evaluated returns scripts evaluated in the current document, in order.
func (p *Page) Evaluated() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.evaluated...)
}

// OnNewDocument returns the scripts still registered for future documents,
// in registration order.
func (p *Page) OnNewDocument() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, len(p.onNewDocument))
	for i, s := range p.onNewDocument {
		out[i] = s.src
	}
	return out
}

// RemovedScripts returns how many new-document scripts were unregistered.
func (p *Page) RemovedScripts() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.removed
}

// HasBinding reports whether name was exposed.
func (p *Page) HasBinding(name string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.bindings[name]
	return ok
}

// Call invokes an exposed binding the way in-page script would.
func (p *Page) Call(name string, arg any) error {
	p.mu.Lock()
	fn, ok := p.bindings[name]
	p.mu.Unlock()
	if !ok {
		return fmt.Errorf("%s is not a function", name)
	}
	raw, err := json.Marshal(arg)
	if err != nil {
		return err
	}
	fn(raw)
	return nil
}

// ActiveRegistrations returns the number of enabled interception handlers.
func (p *Page) ActiveRegistrations() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, r := range p.regs {
		if !r.disabled {
			n++
		}
	}
	return n
}

// Registrations returns every registration ever made, in order.
func (p *Page) Registrations() []*Registration {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]*Registration(nil), p.regs...)
}

// Respond pushes a response through matching handlers in registration order
// and returns what the engine would send onward. A handler error abandons the
// chain and the original response is returned with the error.
func (p *Page) Respond(ctx context.Context, req *sdk.Request, resp *sdk.Response) (*sdk.Response, error) {
	p.mu.Lock()
	var chain []*Registration
	for _, r := range p.regs {
		if !r.disabled && r.matches(req.URL, req.ResourceType) {
			chain = append(chain, r)
		}
	}
	p.mu.Unlock()

	original := resp.Clone()
	current := resp
	for _, r := range chain {
		out, err := r.handler(ctx, &sdk.Event{Request: req, Response: current})
		if err != nil {
			return original, err
		}
		if out != nil {
			current = out
		}
	}
	return current, nil
}

// Registration is a fake engine.Registration.
type Registration struct {
	page     *Page
	Patterns []sdk.RequestPattern
	globs    []glob.Glob
	types    []string
	handler  engine.ResponseHandler
	disabled bool
}

func (r *Registration) matches(url, resourceType string) bool {
	for i, g := range r.globs {
		if r.types[i] != "" && !strings.EqualFold(r.types[i], resourceType) {
			continue
		}
		if g.Match(url) {
			return true
		}
	}
	return false
}

// Disable implements engine.Registration.
func (r *Registration) Disable() error {
	r.page.mu.Lock()
	defer r.page.mu.Unlock()
	r.page.record("disable")
	r.disabled = true
	return nil
}

// Disabled reports whether Disable was called.
func (r *Registration) Disabled() bool {
	r.page.mu.Lock()
	defer r.page.mu.Unlock()
	return r.disabled
}
