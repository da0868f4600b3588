// Package engine defines the boundary between hackium and the browser
// automation engine. Everything above this package talks to targets and pages
// through these interfaces; rodengine implements them over go-rod.
package engine

import (
	"context"
	"encoding/json"
	"strings"

	"hackium/pkg/sdk"
)

// Target types reported by the engine.
const (
	TargetTypePage = "page"
)

// TargetInfo describes one remote target.
type TargetInfo struct {
	ID               string
	Type             string
	URL              string
	Title            string
	BrowserContextID string
	OpenerID         string
}

// IsPage reports whether the target backs a page.
func (t TargetInfo) IsPage() bool { return t.Type == TargetTypePage }

// TargetEventKind enumerates discovery notifications.
type TargetEventKind int

const (
	TargetCreated TargetEventKind = iota
	TargetInfoChanged
	TargetDestroyed
)

func (k TargetEventKind) String() string {
	switch k {
	case TargetCreated:
		return "created"
	case TargetInfoChanged:
		return "info_changed"
	case TargetDestroyed:
		return "destroyed"
	default:
		return "unknown"
	}
}

// TargetEvent is one discovery notification.
type TargetEvent struct {
	Kind TargetEventKind
	Info TargetInfo
}

// BindingFunc receives the raw JSON argument passed to an exposed function.
type BindingFunc func(payload json.RawMessage)

// ResponseHandler transforms one intercepted response. It returns the
// response to send onward.
type ResponseHandler func(ctx context.Context, ev *sdk.Event) (*sdk.Response, error)

// Registration is a live interception callback.
type Registration interface {
	Disable() error
}

// PageHandle is the engine's page primitive set.
type PageHandle interface {
	TargetID() string
	URL() string
	// Evaluate runs src in the currently loaded document.
	Evaluate(ctx context.Context, src string) error
	// EvaluateOnNewDocument registers src to run before page scripts in every
	// future document. remove unregisters it.
	EvaluateOnNewDocument(ctx context.Context, src string) (remove func() error, err error)
	// ExposeFunction installs a page-global function that forwards its
	// argument to fn.
	ExposeFunction(ctx context.Context, name string, fn BindingFunc) error
	// InterceptResponses registers handler for responses matching patterns.
	// Handlers registered on the same page see each other's output in
	// registration order.
	InterceptResponses(ctx context.Context, patterns []sdk.RequestPattern, handler ResponseHandler) (Registration, error)
	Navigate(ctx context.Context, url string) error
	Close() error
}

// Engine is a connected browser.
type Engine interface {
	// Events streams target discovery until ctx is done or the engine closes.
	Events(ctx context.Context) (<-chan TargetEvent, error)
	// Page returns the page handle for a page-type target.
	Page(ctx context.Context, targetID string) (PageHandle, error)
	// NewTarget opens a new page target at url and returns its id.
	NewTarget(ctx context.Context, url string) (string, error)
	Version(ctx context.Context) (string, error)
	Close() error
}

// LaunchOptions are handed to the engine launcher after plugins see them.
type LaunchOptions struct {
	Headless     bool
	DevTools     bool
	ChromeBin    string
	UserDataDir  string
	ControlURL   string
	Env          []string
	Args         []string
	ChromeOutput bool
}

// Launcher starts or attaches to a browser.
type Launcher interface {
	Launch(ctx context.Context, opts LaunchOptions) (Engine, error)
}

// LauncherFunc adapts a func to Launcher.
type LauncherFunc func(ctx context.Context, opts LaunchOptions) (Engine, error)

// Launch implements Launcher.
func (f LauncherFunc) Launch(ctx context.Context, opts LaunchOptions) (Engine, error) {
	return f(ctx, opts)
}

var closedTargetMessages = []string{
	"Target closed",
	"Session closed",
	"No target with given id",
	"Cannot find context with specified id",
	"Execution context was destroyed",
}

// IsTargetClosed reports whether err is the protocol race of a target going
// away mid-operation.
func IsTargetClosed(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	for _, m := range closedTargetMessages {
		if strings.Contains(msg, m) {
			return true
		}
	}
	return false
}
