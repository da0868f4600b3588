package interceptor

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"

	"hackium/internal/logging"
	"hackium/pkg/sdk"

	"github.com/dop251/goja"
	"github.com/dop251/goja_nodejs/console"
	"github.com/dop251/goja_nodejs/require"
)

type consolePrinter struct {
	log *logging.Logger
}

func (p consolePrinter) Log(msg string)   { p.log.Debug("%s", msg) }
func (p consolePrinter) Warn(msg string)  { p.log.Warn("%s", msg) }
func (p consolePrinter) Error(msg string) { p.log.Error("%s", msg) }

// LoadJS evaluates a CommonJS interceptor module in a fresh goja runtime.
// The module exports `intercept` (an array of request patterns) and
// `interceptor(host, interception, debug)` returning the response or a
// promise of it.
func LoadJS(path string) (*Descriptor, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", path, err)
	}
	name := filepath.Base(abs)
	log := logging.Get(logging.CategoryInterceptor).With("module", name)

	vm := goja.New()
	vm.SetFieldNameMapper(goja.TagFieldNameMapper("json", true))

	registry := require.NewRegistry()
	registry.RegisterNativeModule(console.ModuleName, console.RequireWithPrinter(consolePrinter{log: log}))
	registry.Enable(vm)
	console.Enable(vm)

	// Calling require through the runtime turns syntax errors and top-level
	// throws into returned errors instead of panics.
	req, ok := goja.AssertFunction(vm.Get("require"))
	if !ok {
		return nil, fmt.Errorf("evaluate %s: require is not enabled", path)
	}
	exports, err := req(goja.Undefined(), vm.ToValue(abs))
	if err != nil {
		return nil, fmt.Errorf("evaluate %s: %w", path, err)
	}
	if exports == nil || goja.IsUndefined(exports) || goja.IsNull(exports) {
		return nil, fmt.Errorf("%s: module has no exports", path)
	}
	obj := exports.ToObject(vm)

	var patterns []sdk.RequestPattern
	iv := obj.Get("intercept")
	if iv == nil || goja.IsUndefined(iv) {
		return nil, fmt.Errorf("%s: missing export 'intercept'", path)
	}
	if err := vm.ExportTo(iv, &patterns); err != nil {
		return nil, fmt.Errorf("%s: bad 'intercept' export: %w", path, err)
	}

	fn, ok := goja.AssertFunction(obj.Get("interceptor"))
	if !ok {
		return nil, fmt.Errorf("%s: export 'interceptor' is not a function", path)
	}

	rt := &jsRuntime{vm: vm, fn: fn}
	return &Descriptor{
		Name:      name,
		Path:      abs,
		Patterns:  patterns,
		Transform: rt.transform,
	}, nil
}

// jsRuntime serializes calls into one goja runtime, which is not goroutine safe.
type jsRuntime struct {
	mu sync.Mutex
	vm *goja.Runtime
	fn goja.Callable
}

func (r *jsRuntime) transform(ctx context.Context, host sdk.Host, ev *sdk.Event, debug sdk.DebugFunc) (*sdk.Response, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	stop := context.AfterFunc(ctx, func() { r.vm.Interrupt(ctx.Err()) })
	defer func() {
		stop()
		r.vm.ClearInterrupt()
	}()

	res, err := r.fn(goja.Undefined(), r.vm.ToValue(host), r.vm.ToValue(ev), r.vm.ToValue(debug))
	if err != nil {
		var interrupted *goja.InterruptedError
		if errors.As(err, &interrupted) {
			return nil, fmt.Errorf("interceptor interrupted: %w", ctx.Err())
		}
		return nil, err
	}

	if p, ok := res.Export().(*goja.Promise); ok {
		switch p.State() {
		case goja.PromiseStateFulfilled:
			res = p.Result()
		case goja.PromiseStateRejected:
			return nil, fmt.Errorf("interceptor promise rejected: %v", p.Result().Export())
		default:
			return nil, fmt.Errorf("interceptor promise did not settle")
		}
	}

	if res == nil || goja.IsUndefined(res) || goja.IsNull(res) {
		return nil, nil
	}
	if resp, ok := res.Export().(*sdk.Response); ok {
		return resp, nil
	}
	var resp sdk.Response
	if err := r.vm.ExportTo(res, &resp); err != nil {
		return nil, fmt.Errorf("interceptor returned a non-response value: %w", err)
	}
	return &resp, nil
}
