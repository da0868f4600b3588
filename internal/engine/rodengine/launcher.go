package rodengine

import (
	"context"
	"fmt"
	"os"
	"strings"

	"hackium/internal/engine"
	"hackium/internal/logging"

	"github.com/cenkalti/backoff/v4"
	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/launcher/flags"
)

// Launcher launches Chrome through rod's launcher, or attaches to an existing
// browser when LaunchOptions.ControlURL is set.
type Launcher struct {
	// MaxRetries bounds connection attempts to an existing browser.
	MaxRetries uint64
}

var _ engine.Launcher = (*Launcher)(nil)

// NewLauncher returns a launcher with default retry settings.
func NewLauncher() *Launcher {
	return &Launcher{MaxRetries: 5}
}

// Launch starts or attaches to a browser.
func (l *Launcher) Launch(ctx context.Context, opts engine.LaunchOptions) (engine.Engine, error) {
	if opts.ControlURL != "" {
		return l.attach(ctx, opts.ControlURL)
	}

	lc := buildLauncher(opts)
	controlURL, err := lc.Launch()
	if err != nil {
		return nil, fmt.Errorf("launch chrome: %w", err)
	}
	logging.Get(logging.CategoryEngine).Debug("launched chrome at %s", controlURL)

	browser := rod.New().ControlURL(controlURL)
	if err := browser.Connect(); err != nil {
		lc.Kill()
		return nil, fmt.Errorf("connect to chrome: %w", err)
	}
	return newEngine(browser, lc), nil
}

func buildLauncher(opts engine.LaunchOptions) *launcher.Launcher {
	lc := launcher.New().
		Headless(opts.Headless).
		Devtools(opts.DevTools).
		Leakless(true)
	if opts.ChromeBin != "" {
		lc = lc.Bin(opts.ChromeBin)
	}
	if opts.UserDataDir != "" {
		lc = lc.UserDataDir(opts.UserDataDir)
	}
	if len(opts.Env) > 0 {
		lc = lc.Env(append(os.Environ(), opts.Env...)...)
	}
	if opts.ChromeOutput {
		lc = lc.Logger(os.Stderr)
	}
	for _, rawFlag := range opts.Args {
		flagStr := strings.TrimLeft(rawFlag, "-")
		name, val, hasVal := strings.Cut(flagStr, "=")
		if hasVal {
			lc = lc.Set(flags.Flag(name), val)
		} else {
			lc = lc.Set(flags.Flag(name))
		}
	}
	return lc
}

// attach connects to a running browser, retrying while it comes up.
func (l *Launcher) attach(ctx context.Context, controlURL string) (engine.Engine, error) {
	log := logging.Get(logging.CategoryEngine)
	var browser *rod.Browser

	op := func() error {
		u, err := launcher.ResolveURL(controlURL)
		if err != nil {
			log.Debug("resolve %s: %v", controlURL, err)
			return err
		}
		b := rod.New().ControlURL(u)
		if err := b.Connect(); err != nil {
			log.Debug("connect %s: %v", u, err)
			return err
		}
		browser = b
		return nil
	}

	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), l.MaxRetries), ctx)
	if err := backoff.Retry(op, policy); err != nil {
		return nil, fmt.Errorf("attach to %s: %w", controlURL, err)
	}
	return newEngine(browser, nil), nil
}
