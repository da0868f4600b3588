// Package interceptor loads response-transforming modules and chains them
// over a page's matching network responses.
package interceptor

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"hackium/pkg/sdk"
)

// Descriptor is one loaded interceptor. A reload produces a new Descriptor
// with a higher Version for the same slot.
type Descriptor struct {
	Name      string
	Path      string // empty for interceptors added at runtime
	Version   int
	Patterns  []sdk.RequestPattern
	Transform sdk.TransformFunc
}

// Loader imports an interceptor module from disk. Every call must import
// afresh so edited files are picked up.
type Loader interface {
	Load(ctx context.Context, path string) (*Descriptor, error)
}

// LoaderFunc adapts a func to Loader.
type LoaderFunc func(ctx context.Context, path string) (*Descriptor, error)

// Load implements Loader.
func (f LoaderFunc) Load(ctx context.Context, path string) (*Descriptor, error) {
	return f(ctx, path)
}

// FileLoader dispatches on file extension: .go modules run in yaegi, .js
// modules in goja.
type FileLoader struct{}

// Load implements Loader.
func (FileLoader) Load(ctx context.Context, path string) (*Descriptor, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".go":
		return LoadGo(path)
	case ".js", ".cjs":
		return LoadJS(path)
	default:
		return nil, fmt.Errorf("unsupported interceptor module %s (want .go or .js)", path)
	}
}
