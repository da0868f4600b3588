package browser

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"hackium/internal/client"
	"hackium/internal/config"
	"hackium/internal/engine"
	"hackium/internal/engine/enginetest"
	"hackium/internal/interceptor"
	"hackium/pkg/sdk"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type fixture struct {
	engine  *enginetest.Engine
	cfg     *config.Config
	session *Session
	manager *Manager
	files   map[string]string
}

func newFixture(t *testing.T, mutate func(*config.Config)) *fixture {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.PWD = "/work"
	if mutate != nil {
		mutate(cfg)
	}
	f := &fixture{
		engine: enginetest.New(),
		cfg:    cfg,
		files:  map[string]string{},
	}
	f.session = NewSession(cfg, f.engine, "HeadlessChrome/fake")
	f.manager = NewManager(f.session, nil).
		WithInjectionReader(func(path string) ([]byte, error) {
			src, ok := f.files[path]
			if !ok {
				return nil, fmt.Errorf("open %s: no such file", path)
			}
			return []byte(src), nil
		}).
		WithInterceptorLoader(interceptor.LoaderFunc(func(_ context.Context, path string) (*interceptor.Descriptor, error) {
			suffix, ok := f.files[path]
			if !ok {
				return nil, fmt.Errorf("cannot find module %s", path)
			}
			return &interceptor.Descriptor{
				Name:     filepath.Base(path),
				Patterns: []sdk.RequestPattern{{URLPattern: "*"}},
				Transform: func(_ context.Context, _ sdk.Host, ev *sdk.Event, _ sdk.DebugFunc) (*sdk.Response, error) {
					ev.Response.Body += suffix
					return ev.Response, nil
				},
			}, nil
		}))
	return f
}

// create adds a target to the fake engine and runs it through the manager
// directly.
func (f *fixture) create(t *testing.T, url string) (*Target, *enginetest.Page) {
	t.Helper()
	fp := f.engine.AddTarget(engine.TargetInfo{URL: url})
	tg, err := f.manager.OnTargetCreated(context.Background(), engine.TargetInfo{
		ID:   fp.TargetID(),
		Type: engine.TargetTypePage,
		URL:  url,
	})
	require.NoError(t, err)
	return tg, fp
}

func envelope(name string, data any) map[string]any {
	return map[string]any{"owner": client.Owner, "name": name, "data": data}
}

func TestOnTargetCreated_InstrumentsBeforeAnnouncing(t *testing.T) {
	f := newFixture(t, nil)

	var sawBinding, sawInjection bool
	f.session.OnTargetCreated(func(tg *Target) {
		fp := f.engine.PageByID(tg.ID())
		sawBinding = fp.HasBinding(client.HandlerName)
		sawInjection = len(fp.OnNewDocument()) > 0
	})

	tg, _ := f.create(t, "https://example.test/")
	assert.True(t, sawBinding, "bridge function exposed before listeners run")
	assert.True(t, sawInjection, "injections applied before listeners run")

	got, ok := f.session.Target(tg.ID())
	require.True(t, ok)
	assert.Same(t, tg, got)
}

func TestOnTargetCreated_InstrumentationOrder(t *testing.T) {
	f := newFixture(t, func(c *config.Config) { c.Interceptor = []string{"a.go"} })
	f.files["/work/a.go"] = "A"

	_, fp := f.create(t, "https://example.test/")

	calls := fp.Calls()
	require.NotEmpty(t, calls)
	assert.Equal(t, "expose:"+client.HandlerName, calls[0])
	assert.Equal(t, "intercept", calls[len(calls)-1])
}

func TestOnTargetCreated_InjectionOrder(t *testing.T) {
	f := newFixture(t, func(c *config.Config) { c.Inject = []string{"x.js", "missing.js", "/abs/y.js"} })
	f.files["/work/x.js"] = "window.x = 1;"
	f.files["/abs/y.js"] = "window.y = '%%%clientid%%%';"

	tg, fp := f.create(t, "https://example.test/")
	p, err := tg.Page(context.Background())
	require.NoError(t, err)

	var names []string
	for _, s := range p.Injections() {
		names = append(names, s.Name)
	}
	assert.Equal(t, []string{client.BridgeName, "x.js", "y.js"}, names)

	docs := fp.OnNewDocument()
	require.Len(t, docs, 3)
	assert.Contains(t, docs[0], client.HandlerName)
	assert.Equal(t, "window.x = 1;", docs[1])
	assert.Equal(t, "window.y = 'hackium';", docs[2])
	assert.Equal(t, docs, fp.Evaluated(), "each script also runs in the current document")
}

func TestOnTargetCreated_DuplicateID(t *testing.T) {
	f := newFixture(t, nil)
	tg, _ := f.create(t, "https://example.test/")

	_, err := f.manager.OnTargetCreated(context.Background(), tg.Info())
	require.ErrorIs(t, err, ErrTargetExists)
}

func TestOnTargetCreated_TargetClosedIsSwallowed(t *testing.T) {
	f := newFixture(t, nil)
	f.engine.PageErr = func(string) error { return enginetest.ErrTargetClosed }

	announced := 0
	f.session.OnTargetCreated(func(*Target) { announced++ })

	fp := f.engine.AddTarget(engine.TargetInfo{URL: "https://example.test/"})
	_, err := f.manager.OnTargetCreated(context.Background(), engine.TargetInfo{ID: fp.TargetID(), Type: engine.TargetTypePage})
	require.NoError(t, err)

	assert.Equal(t, 0, announced)
	_, ok := f.session.Target(fp.TargetID())
	assert.False(t, ok)
}

func TestOnTargetCreated_OtherFailuresPropagate(t *testing.T) {
	f := newFixture(t, nil)
	fp := f.engine.AddTarget(engine.TargetInfo{URL: "https://example.test/"})
	fp.ExposeErr = errors.New("binding refused")

	_, err := f.manager.OnTargetCreated(context.Background(), engine.TargetInfo{ID: fp.TargetID(), Type: engine.TargetTypePage})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "binding refused")
	assert.Nil(t, f.session.lookup(fp.TargetID()))
}

func TestOnTargetCreated_NonPageTarget(t *testing.T) {
	f := newFixture(t, nil)
	tg, err := f.manager.OnTargetCreated(context.Background(), engine.TargetInfo{ID: "SW1", Type: "service_worker"})
	require.NoError(t, err)

	_, err = tg.Page(context.Background())
	assert.ErrorIs(t, err, ErrNotPage)
	assert.Empty(t, f.session.Pages())
	assert.Len(t, f.session.Targets(), 1)
}

type recordingHooks struct {
	mu     sync.Mutex
	calls  []string
	preErr error
}

func (h *recordingHooks) PrePageCreate(_ context.Context, _ *Session) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.calls = append(h.calls, "pre")
	return h.preErr
}

func (h *recordingHooks) PostPageCreate(_ context.Context, _ *Session, p *Page) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.calls = append(h.calls, "post:"+p.TargetID())
	return nil
}

func TestOnTargetCreated_PageHooks(t *testing.T) {
	f := newFixture(t, nil)
	hooks := &recordingHooks{}
	f.manager.hooks = hooks

	tg, _ := f.create(t, "https://example.test/")
	assert.Equal(t, []string{"pre", "post:" + tg.ID()}, hooks.calls)

	hooks.preErr = errors.New("vetoed")
	fp := f.engine.AddTarget(engine.TargetInfo{URL: "https://example.test/2"})
	_, err := f.manager.OnTargetCreated(context.Background(), engine.TargetInfo{ID: fp.TargetID(), Type: engine.TargetTypePage})
	require.ErrorIs(t, err, hooks.preErr)
	assert.False(t, fp.HasBinding(client.HandlerName), "nothing instrumented after a failed pre hook")
}

func TestPage_ChainsConfiguredInterceptors(t *testing.T) {
	f := newFixture(t, func(c *config.Config) { c.Interceptor = []string{"a.js", "b.js", "broken.js"} })
	f.files["/work/a.js"] = "A"
	f.files["/work/b.js"] = "B"

	tg, fp := f.create(t, "https://example.test/")
	p, err := tg.Page(context.Background())
	require.NoError(t, err)

	assert.Len(t, p.Interceptors(), 2)
	assert.Equal(t, 2, fp.ActiveRegistrations())

	got, err := fp.Respond(context.Background(),
		&sdk.Request{URL: "https://example.test/app.js"},
		&sdk.Response{Status: 200, Body: "x"})
	require.NoError(t, err)
	assert.True(t, strings.HasSuffix(got.Body, "xAB"))

	require.NoError(t, p.AddInterceptor(context.Background(), &interceptor.Descriptor{
		Patterns: []sdk.RequestPattern{{URLPattern: "*"}},
		Transform: func(_ context.Context, _ sdk.Host, ev *sdk.Event, _ sdk.DebugFunc) (*sdk.Response, error) {
			ev.Response.Body += "D"
			return ev.Response, nil
		},
	}))
	got, err = fp.Respond(context.Background(), &sdk.Request{URL: "https://example.test/"}, &sdk.Response{Body: "x"})
	require.NoError(t, err)
	assert.Equal(t, "xABD", got.Body)

	f.files["/work/a.js"] = "A2"
	require.NoError(t, p.ReloadInterceptor(context.Background(), "a.js"))
	got, err = fp.Respond(context.Background(), &sdk.Request{URL: "https://example.test/"}, &sdk.Response{Body: "x"})
	require.NoError(t, err)
	assert.Equal(t, "xA2BD", got.Body)
}

func TestPage_ReloadInjections(t *testing.T) {
	f := newFixture(t, func(c *config.Config) { c.Inject = []string{"x.js"} })
	f.files["/work/x.js"] = "v1"
	tg, fp := f.create(t, "https://example.test/")
	p, _ := tg.Page(context.Background())

	evaluated := len(fp.Evaluated())

	f.files["/work/x.js"] = "v2"
	require.NoError(t, p.ReloadInjections(context.Background()))
	f.files["/work/x.js"] = "v3"
	require.NoError(t, p.ReloadInjections(context.Background()))

	docs := fp.OnNewDocument()
	require.Len(t, docs, 2, "exactly one bridge and one user script remain registered")
	assert.Contains(t, docs[0], client.HandlerName)
	assert.Equal(t, "v3", docs[1])
	assert.NotContains(t, docs, "v1")
	assert.NotContains(t, docs, "v2")
	assert.Equal(t, 4, fp.RemovedScripts())
	assert.Equal(t, "v3", p.Injections()[1].Source)
	assert.Len(t, fp.Evaluated(), evaluated, "the current document is not evaluated again")
}

func TestRun_TracksTargets(t *testing.T) {
	f := newFixture(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.manager.Run(ctx) }()
	defer func() {
		cancel()
		require.NoError(t, <-done)
	}()

	destroyed := make(chan string, 1)
	f.session.OnTargetDestroyed(func(tg *Target) { destroyed <- tg.ID() })

	opened, cancelOpen := context.WithTimeout(ctx, 5*time.Second)
	defer cancelOpen()
	p, err := f.manager.NewPage(opened, "https://example.test/")
	require.NoError(t, err)
	require.NotNil(t, p)
	assert.True(t, f.engine.PageByID(p.TargetID()).HasBinding(client.HandlerName))
	assert.Len(t, f.session.Pages(), 1)

	f.engine.ChangeTarget(engine.TargetInfo{ID: p.TargetID(), Type: engine.TargetTypePage, URL: "https://example.test/next", Title: "Next"})
	require.Eventually(t, func() bool { return p.Target().Info().Title == "Next" }, time.Second, 5*time.Millisecond)

	f.engine.DestroyTarget(p.TargetID())
	select {
	case id := <-destroyed:
		assert.Equal(t, p.TargetID(), id)
	case <-time.After(5 * time.Second):
		t.Fatal("target was not destroyed")
	}
	assert.True(t, p.Closed())
	assert.Empty(t, f.session.Targets())
}

func TestRun_NewTabSettles(t *testing.T) {
	f := newFixture(t, func(c *config.Config) {
		c.NewTab.URL = "about:blank"
		c.NewTab.SettleTimeout = "5s"
	})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.manager.Run(ctx) }()
	defer func() {
		cancel()
		require.NoError(t, <-done)
	}()

	created := make(chan *Target, 1)
	f.session.OnTargetCreated(func(tg *Target) { created <- tg })

	fp := f.engine.AddTarget(engine.TargetInfo{URL: "chrome://newtab/"})
	select {
	case <-created:
		t.Fatal("new tab announced before settling")
	case <-time.After(50 * time.Millisecond):
	}

	f.engine.ChangeTarget(engine.TargetInfo{ID: fp.TargetID(), Type: engine.TargetTypePage, URL: "about:blank"})
	select {
	case tg := <-created:
		assert.Equal(t, "about:blank", tg.URL())
	case <-time.After(5 * time.Second):
		t.Fatal("new tab never settled")
	}
}

func TestOnTargetCreated_NewTabWithoutHomeSettlesAtOnce(t *testing.T) {
	f := newFixture(t, func(c *config.Config) {
		c.NewTab.SettleTimeout = "5s"
		c.NewTab.Policy = config.NewTabAbort
	})
	fp := f.engine.AddTarget(engine.TargetInfo{URL: "chrome://newtab/"})

	start := time.Now()
	tg, err := f.manager.OnTargetCreated(context.Background(), engine.TargetInfo{
		ID: fp.TargetID(), Type: engine.TargetTypePage, URL: "chrome://newtab/",
	})
	require.NoError(t, err, "a user-opened tab is kept under the abort policy")
	assert.Less(t, time.Since(start), time.Second)
	assert.True(t, tg.isReady())
}

func TestOnTargetCreated_NewTabTimeoutPolicy(t *testing.T) {
	tests := []struct {
		policy  string
		wantErr bool
	}{
		{config.NewTabAbsorb, false},
		{config.NewTabAbort, true},
	}
	for _, tt := range tests {
		t.Run(tt.policy, func(t *testing.T) {
			f := newFixture(t, func(c *config.Config) {
				c.NewTab.URL = "about:blank"
				c.NewTab.SettleTimeout = "10ms"
				c.NewTab.Policy = tt.policy
			})
			fp := f.engine.AddTarget(engine.TargetInfo{URL: "chrome://newtab/"})
			tg, err := f.manager.OnTargetCreated(context.Background(), engine.TargetInfo{
				ID: fp.TargetID(), Type: engine.TargetTypePage, URL: "chrome://newtab/",
			})
			if tt.wantErr {
				require.ErrorIs(t, err, ErrNewTabTimeout)
				assert.Nil(t, f.session.lookup(fp.TargetID()))
				assert.False(t, fp.HasBinding(client.HandlerName))
				return
			}
			require.NoError(t, err)
			assert.True(t, tg.isReady())
			assert.True(t, fp.HasBinding(client.HandlerName))
		})
	}
}
