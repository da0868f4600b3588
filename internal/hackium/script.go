package hackium

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"hackium/internal/browser"
	"hackium/internal/client"
	"hackium/internal/injection"
	"hackium/internal/logging"

	"github.com/dop251/goja"
	"github.com/dop251/goja_nodejs/console"
	"github.com/dop251/goja_nodejs/require"
)

type scriptConsole struct {
	log *logging.Logger
}

func (c scriptConsole) Log(msg string)   { c.log.Info("%s", msg) }
func (c scriptConsole) Warn(msg string)  { c.log.Warn("%s", msg) }
func (c scriptConsole) Error(msg string) { c.log.Error("%s", msg) }

// RunScripts runs the configured execute scripts in order and returns their
// results. It stops at the first failing script.
func (h *Hackium) RunScripts(ctx context.Context, args []string) ([]any, error) {
	results := make([]any, 0, len(h.cfg.Execute))
	for _, file := range h.cfg.Execute {
		res, err := h.RunScript(ctx, file, args)
		if err != nil {
			return results, err
		}
		results = append(results, res)
	}
	return results, nil
}

// RunScript runs file against the launched browser. The file is the body of
// an async function, so it may await and return a value. It sees hackium,
// page (the active page), pages, args, __filename, __dirname, console and a
// require rooted at the file's directory.
func (h *Hackium) RunScript(ctx context.Context, file string, args []string) (any, error) {
	session, err := h.Session()
	if err != nil {
		return nil, err
	}
	path := injection.Resolve(h.cfg.Page().PWD, file)
	src, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read script %s: %w", file, err)
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", file, err)
	}

	log := logging.Get(logging.CategoryScript).With("script", filepath.Base(abs))
	log.Debug("running %s", abs)

	// Naming the program after the file roots relative requires there.
	prog, err := goja.Compile(abs, "(async function hackiumScript() {\n"+string(src)+"\n})()", false)
	if err != nil {
		return nil, fmt.Errorf("compile %s: %w", file, err)
	}

	vm := goja.New()
	registry := require.NewRegistry()
	registry.RegisterNativeModule(console.ModuleName, console.RequireWithPrinter(scriptConsole{log: log}))
	registry.Enable(vm)
	console.Enable(vm)

	r := &scriptRun{ctx: ctx, h: h, vm: vm}
	active, _ := session.ActivePage()
	globals := map[string]any{
		"hackium":    r.hackiumObject(),
		"page":       r.pageValue(active),
		"pages":      r.pagesValue(session.Pages()),
		"args":       append([]string{}, args...),
		"__filename": abs,
		"__dirname":  filepath.Dir(abs),
	}
	for name, v := range globals {
		if err := vm.Set(name, v); err != nil {
			return nil, fmt.Errorf("bind %s: %w", name, err)
		}
	}

	stop := context.AfterFunc(ctx, func() { vm.Interrupt(ctx.Err()) })
	defer stop()

	res, err := vm.RunProgram(prog)
	if err != nil {
		var interrupted *goja.InterruptedError
		if errors.As(err, &interrupted) {
			return nil, fmt.Errorf("script %s interrupted: %w", file, ctx.Err())
		}
		return nil, fmt.Errorf("script %s: %w", file, err)
	}

	p, ok := res.Export().(*goja.Promise)
	if !ok {
		return res.Export(), nil
	}
	switch p.State() {
	case goja.PromiseStateFulfilled:
		log.Debug("finished %s", abs)
		return p.Result().Export(), nil
	case goja.PromiseStateRejected:
		return nil, fmt.Errorf("script %s: %v", file, p.Result())
	default:
		return nil, fmt.Errorf("script %s did not settle", file)
	}
}

// scriptRun binds Go operations into one script runtime. Every call blocks
// the script until it completes.
type scriptRun struct {
	ctx context.Context
	h   *Hackium
	vm  *goja.Runtime
}

func (r *scriptRun) hackiumObject() *goja.Object {
	o := r.vm.NewObject()
	_ = o.Set("version", client.Version)
	_ = o.Set("newPage", func(url string) (goja.Value, error) {
		p, err := r.h.NewPage(r.ctx, url)
		if err != nil {
			return nil, err
		}
		return r.pageValue(p), nil
	})
	_ = o.Set("pages", func() (goja.Value, error) {
		s, err := r.h.Session()
		if err != nil {
			return nil, err
		}
		return r.pagesValue(s.Pages()), nil
	})
	_ = o.Set("activePage", func() (goja.Value, error) {
		s, err := r.h.Session()
		if err != nil {
			return nil, err
		}
		p, err := s.ActivePage()
		if err != nil {
			return goja.Null(), nil
		}
		return r.pageValue(p), nil
	})
	_ = o.Set("pause", func() error { return r.h.Pause(r.ctx) })
	_ = o.Set("unpause", r.h.Unpause)
	return o
}

func (r *scriptRun) pagesValue(pages []*browser.Page) goja.Value {
	out := make([]any, 0, len(pages))
	for _, p := range pages {
		out = append(out, r.pageValue(p))
	}
	return r.vm.NewArray(out...)
}

func (r *scriptRun) pageValue(p *browser.Page) goja.Value {
	if p == nil {
		return goja.Null()
	}
	o := r.vm.NewObject()
	_ = o.Set("targetId", p.TargetID())
	_ = o.Set("url", p.URL)
	_ = o.Set("clientLoaded", p.ClientLoaded)
	_ = o.Set("navigate", func(url string) error { return p.Navigate(r.ctx, url) })
	_ = o.Set("evaluate", func(src string) error { return p.Evaluate(r.ctx, src) })
	_ = o.Set("reloadInjections", func() error { return p.ReloadInjections(r.ctx) })
	_ = o.Set("activate", p.Activate)
	_ = o.Set("close", p.Close)
	return o
}
