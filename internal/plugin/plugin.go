// Package plugin defines lifecycle hooks external code can attach to hackium
// without touching its control flow.
package plugin

import (
	"context"
	"fmt"

	"hackium/internal/browser"
	"hackium/internal/config"
	"hackium/internal/engine"
	"hackium/internal/logging"
)

// Lifecycle phases, in the order they run.
const (
	PhasePreInit         = "preInit"
	PhasePostInit        = "postInit"
	PhasePreLaunch       = "preLaunch"
	PhasePostLaunch      = "postLaunch"
	PhasePostBrowserInit = "postBrowserInit"
	PhasePrePageCreate   = "prePageCreate"
	PhasePostPageCreate  = "postPageCreate"
)

// Plugin is a set of optional hooks. Any hook may be nil.
type Plugin struct {
	Name string

	// PreInit sees the command-line configuration before defaults and the
	// config file are merged in.
	PreInit func(cfg *config.Config) error
	// PostInit sees the final configuration.
	PostInit func(cfg *config.Config) error
	// PreLaunch may change how the browser is launched.
	PreLaunch func(opts *engine.LaunchOptions) error
	// PostLaunch runs once the browser is connected.
	PostLaunch func(ctx context.Context, s *browser.Session, opts engine.LaunchOptions) error
	// PostBrowserInit runs after the first page is resolved and activated.
	PostBrowserInit func(ctx context.Context, s *browser.Session, opts engine.LaunchOptions) error

	PrePageCreate  func(ctx context.Context, s *browser.Session) error
	PostPageCreate func(ctx context.Context, s *browser.Session, p *browser.Page) error
}

// HookError is returned when a hook fails. Remaining hooks of the phase are
// skipped.
type HookError struct {
	Plugin string
	Phase  string
	Err    error
}

func (e *HookError) Error() string {
	return fmt.Sprintf("plugin %s: %s: %v", e.Plugin, e.Phase, e.Err)
}

func (e *HookError) Unwrap() error { return e.Err }

// Set runs hooks of every plugin in registration order.
type Set []Plugin

var _ browser.PageHooks = Set(nil)

func (s Set) run(phase string, call func(p Plugin) (bool, error)) error {
	for i, p := range s {
		name := p.Name
		if name == "" {
			name = fmt.Sprintf("#%d", i)
		}
		ran, err := call(p)
		if !ran {
			continue
		}
		logging.PluginDebug("%s: %s", name, phase)
		if err != nil {
			return &HookError{Plugin: name, Phase: phase, Err: err}
		}
	}
	return nil
}

func (s Set) PreInit(cfg *config.Config) error {
	return s.run(PhasePreInit, func(p Plugin) (bool, error) {
		if p.PreInit == nil {
			return false, nil
		}
		return true, p.PreInit(cfg)
	})
}

func (s Set) PostInit(cfg *config.Config) error {
	return s.run(PhasePostInit, func(p Plugin) (bool, error) {
		if p.PostInit == nil {
			return false, nil
		}
		return true, p.PostInit(cfg)
	})
}

func (s Set) PreLaunch(opts *engine.LaunchOptions) error {
	return s.run(PhasePreLaunch, func(p Plugin) (bool, error) {
		if p.PreLaunch == nil {
			return false, nil
		}
		return true, p.PreLaunch(opts)
	})
}

func (s Set) PostLaunch(ctx context.Context, sess *browser.Session, opts engine.LaunchOptions) error {
	return s.run(PhasePostLaunch, func(p Plugin) (bool, error) {
		if p.PostLaunch == nil {
			return false, nil
		}
		return true, p.PostLaunch(ctx, sess, opts)
	})
}

func (s Set) PostBrowserInit(ctx context.Context, sess *browser.Session, opts engine.LaunchOptions) error {
	return s.run(PhasePostBrowserInit, func(p Plugin) (bool, error) {
		if p.PostBrowserInit == nil {
			return false, nil
		}
		return true, p.PostBrowserInit(ctx, sess, opts)
	})
}

// PrePageCreate implements browser.PageHooks.
func (s Set) PrePageCreate(ctx context.Context, sess *browser.Session) error {
	return s.run(PhasePrePageCreate, func(p Plugin) (bool, error) {
		if p.PrePageCreate == nil {
			return false, nil
		}
		return true, p.PrePageCreate(ctx, sess)
	})
}

// PostPageCreate implements browser.PageHooks.
func (s Set) PostPageCreate(ctx context.Context, sess *browser.Session, page *browser.Page) error {
	return s.run(PhasePostPageCreate, func(p Plugin) (bool, error) {
		if p.PostPageCreate == nil {
			return false, nil
		}
		return true, p.PostPageCreate(ctx, sess, page)
	})
}
