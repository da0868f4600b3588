package interceptor

import (
	"context"
	"fmt"
	"go/parser"
	"go/token"
	"os"
	"path/filepath"

	"hackium/pkg/sdk"

	"github.com/traefik/yaegi/interp"
	"github.com/traefik/yaegi/stdlib"
)

// goInterceptorFunc is the signature a Go module's Interceptor must have.
type goInterceptorFunc = func(sdk.Host, *sdk.Event, sdk.DebugFunc) (*sdk.Response, error)

// LoadGo interprets a Go interceptor module with a fresh yaegi interpreter.
// The module declares `var Intercept []sdk.RequestPattern` and
// `func Interceptor(sdk.Host, *sdk.Event, sdk.DebugFunc) (*sdk.Response, error)`.
func LoadGo(path string) (*Descriptor, error) {
	src, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	file, err := parser.ParseFile(token.NewFileSet(), path, src, parser.PackageClauseOnly)
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	pkg := file.Name.Name

	i := interp.New(interp.Options{})
	if err := i.Use(stdlib.Symbols); err != nil {
		return nil, fmt.Errorf("failed to load stdlib: %w", err)
	}
	if err := i.Use(sdk.Symbols); err != nil {
		return nil, fmt.Errorf("failed to load sdk: %w", err)
	}
	if _, err := i.Eval(string(src)); err != nil {
		return nil, fmt.Errorf("evaluate %s: %w", path, err)
	}

	pv, err := i.Eval(pkg + ".Intercept")
	if err != nil {
		return nil, fmt.Errorf("%s: Intercept not found: %w", path, err)
	}
	patterns, ok := pv.Interface().([]sdk.RequestPattern)
	if !ok {
		return nil, fmt.Errorf("%s: Intercept has type %s, want []sdk.RequestPattern", path, pv.Type())
	}

	fv, err := i.Eval(pkg + ".Interceptor")
	if err != nil {
		return nil, fmt.Errorf("%s: Interceptor not found: %w", path, err)
	}
	fn, ok := fv.Interface().(goInterceptorFunc)
	if !ok {
		return nil, fmt.Errorf("%s: Interceptor has incorrect signature (expected: func(sdk.Host, *sdk.Event, sdk.DebugFunc) (*sdk.Response, error))", path)
	}

	return &Descriptor{
		Name:     filepath.Base(path),
		Path:     path,
		Patterns: patterns,
		Transform: func(_ context.Context, host sdk.Host, ev *sdk.Event, debug sdk.DebugFunc) (*sdk.Response, error) {
			return fn(host, ev, debug)
		},
	}, nil
}
