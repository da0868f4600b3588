package rodengine

import (
	"context"
	"encoding/json"
	"fmt"

	"hackium/internal/engine"
	"hackium/internal/logging"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/proto"
	"github.com/ysmood/gson"
)

// Page wraps a rod page with the engine.PageHandle primitives.
type Page struct {
	page   *rod.Page
	ctx    context.Context
	cancel context.CancelFunc

	fetch *fetchInterceptor
}

var _ engine.PageHandle = (*Page)(nil)

func newPage(parent context.Context, rp *rod.Page) *Page {
	ctx, cancel := context.WithCancel(parent)
	p := &Page{page: rp.Context(ctx), ctx: ctx, cancel: cancel}
	p.fetch = newFetchInterceptor(p.page)
	return p
}

func (p *Page) TargetID() string { return string(p.page.TargetID) }

func (p *Page) URL() string {
	info, err := p.page.Info()
	if err != nil {
		return ""
	}
	return info.URL
}

// Evaluate runs src as a classic script in the current document.
func (p *Page) Evaluate(ctx context.Context, src string) error {
	res, err := proto.RuntimeEvaluate{Expression: src, AwaitPromise: true}.Call(p.page.Context(ctx))
	if err != nil {
		return fmt.Errorf("evaluate: %w", err)
	}
	if res.ExceptionDetails != nil {
		return fmt.Errorf("evaluate: %s", describeException(res.ExceptionDetails))
	}
	return nil
}

func describeException(d *proto.RuntimeExceptionDetails) string {
	if d.Exception != nil && d.Exception.Description != "" {
		return d.Exception.Description
	}
	return d.Text
}

// EvaluateOnNewDocument registers src to run before page scripts. The
// returned remover is bound to the page's lifetime, not ctx.
func (p *Page) EvaluateOnNewDocument(ctx context.Context, src string) (func() error, error) {
	res, err := proto.PageAddScriptToEvaluateOnNewDocument{Source: src}.Call(p.page.Context(ctx))
	if err != nil {
		return nil, fmt.Errorf("evaluate on new document: %w", err)
	}
	return func() error {
		return proto.PageRemoveScriptToEvaluateOnNewDocument{Identifier: res.Identifier}.Call(p.page)
	}, nil
}

// ExposeFunction binds a page-global function to fn. Calls are delivered in
// the order the page makes them. The binding lives as long as the page, not
// ctx.
func (p *Page) ExposeFunction(ctx context.Context, name string, fn engine.BindingFunc) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	_, err := p.page.Expose(name, func(arg gson.JSON) (interface{}, error) {
		raw, err := arg.MarshalJSON()
		if err != nil {
			logging.Get(logging.CategoryEngine).Warn("binding %s: bad payload: %v", name, err)
			return nil, nil
		}
		fn(json.RawMessage(raw))
		return nil, nil
	})
	if err != nil {
		return fmt.Errorf("expose %s: %w", name, err)
	}
	return nil
}

func (p *Page) Navigate(ctx context.Context, url string) error {
	if err := p.page.Context(ctx).Navigate(url); err != nil {
		return fmt.Errorf("navigate %s: %w", url, err)
	}
	return nil
}

func (p *Page) Close() error {
	defer p.cancel()
	return p.page.Close()
}
