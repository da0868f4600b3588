// Package rodengine implements the engine boundary over go-rod.
package rodengine

import (
	"context"
	"fmt"
	"sync"

	"hackium/internal/engine"
	"hackium/internal/logging"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"
)

// Engine is a connected rod browser.
type Engine struct {
	browser  *rod.Browser
	launcher *launcher.Launcher // nil when attached to an existing browser

	ctx    context.Context
	cancel context.CancelFunc

	mu    sync.Mutex
	pages map[string]*Page
}

var _ engine.Engine = (*Engine)(nil)

func newEngine(browser *rod.Browser, l *launcher.Launcher) *Engine {
	ctx, cancel := context.WithCancel(context.Background())
	return &Engine{
		browser:  browser,
		launcher: l,
		ctx:      ctx,
		cancel:   cancel,
		pages:    make(map[string]*Page),
	}
}

// Events streams target discovery notifications.
func (e *Engine) Events(ctx context.Context) (<-chan engine.TargetEvent, error) {
	out := make(chan engine.TargetEvent, 64)
	send := func(ev engine.TargetEvent) {
		select {
		case out <- ev:
		case <-ctx.Done():
		}
	}

	b := e.browser.Context(ctx)
	wait := b.EachEvent(
		func(ev *proto.TargetTargetCreated) {
			send(engine.TargetEvent{Kind: engine.TargetCreated, Info: toTargetInfo(ev.TargetInfo)})
		},
		func(ev *proto.TargetTargetInfoChanged) {
			send(engine.TargetEvent{Kind: engine.TargetInfoChanged, Info: toTargetInfo(ev.TargetInfo)})
		},
		func(ev *proto.TargetTargetDestroyed) {
			e.forget(string(ev.TargetID))
			send(engine.TargetEvent{Kind: engine.TargetDestroyed, Info: engine.TargetInfo{ID: string(ev.TargetID)}})
		},
	)

	// Subscribe before enabling discovery so existing targets are reported.
	if err := (proto.TargetSetDiscoverTargets{Discover: true}).Call(b); err != nil {
		return nil, fmt.Errorf("enable target discovery: %w", err)
	}

	go func() {
		defer close(out)
		wait()
		logging.Get(logging.CategoryEngine).Debug("target event stream ended")
	}()
	return out, nil
}

func toTargetInfo(t *proto.TargetTargetInfo) engine.TargetInfo {
	if t == nil {
		return engine.TargetInfo{}
	}
	return engine.TargetInfo{
		ID:               string(t.TargetID),
		Type:             string(t.Type),
		URL:              t.URL,
		Title:            t.Title,
		BrowserContextID: string(t.BrowserContextID),
		OpenerID:         string(t.OpenerID),
	}
}

// Page returns the page handle for a page-type target.
func (e *Engine) Page(ctx context.Context, targetID string) (engine.PageHandle, error) {
	e.mu.Lock()
	if p, ok := e.pages[targetID]; ok {
		e.mu.Unlock()
		return p, nil
	}
	e.mu.Unlock()

	rp, err := e.browser.Context(ctx).PageFromTarget(proto.TargetTargetID(targetID))
	if err != nil {
		return nil, fmt.Errorf("attach to target %s: %w", targetID, err)
	}
	// Detach the page from the caller's context; it lives until closed.
	p := newPage(e.ctx, rp.Context(e.ctx))

	e.mu.Lock()
	defer e.mu.Unlock()
	if existing, ok := e.pages[targetID]; ok {
		p.cancel()
		return existing, nil
	}
	e.pages[targetID] = p
	return p, nil
}

func (e *Engine) forget(targetID string) {
	e.mu.Lock()
	p, ok := e.pages[targetID]
	delete(e.pages, targetID)
	e.mu.Unlock()
	if ok {
		p.cancel()
	}
}

// NewTarget opens a new page target at url.
func (e *Engine) NewTarget(ctx context.Context, url string) (string, error) {
	res, err := proto.TargetCreateTarget{URL: url}.Call(e.browser.Context(ctx))
	if err != nil {
		return "", fmt.Errorf("create target: %w", err)
	}
	return string(res.TargetID), nil
}

// Version returns the browser product string.
func (e *Engine) Version(ctx context.Context) (string, error) {
	v, err := e.browser.Context(ctx).Version()
	if err != nil {
		return "", fmt.Errorf("browser version: %w", err)
	}
	return v.Product, nil
}

// Close disconnects and, when this engine launched the browser, kills it.
func (e *Engine) Close() error {
	e.cancel()
	err := e.browser.Close()
	if e.launcher != nil {
		e.launcher.Kill()
		e.launcher.Cleanup()
	}
	return err
}
