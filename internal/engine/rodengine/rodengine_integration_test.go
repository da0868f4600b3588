//go:build integration

package rodengine

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"hackium/internal/engine"
	"hackium/pkg/sdk"

	"github.com/stretchr/testify/require"
)

func launchHeadless(t *testing.T) *Engine {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	e, err := NewLauncher().Launch(ctx, engine.LaunchOptions{Headless: true})
	if err != nil {
		t.Skipf("Chrome not available: %v", err)
	}
	t.Cleanup(func() { _ = e.Close() })
	return e.(*Engine)
}

func TestIntegration_TargetDiscoveryAndChainedInterception(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/app.js":
			w.Header().Set("Content-Type", "application/javascript")
			fmt.Fprint(w, `window.__body = "x"`)
		default:
			w.Header().Set("Content-Type", "text/html")
			fmt.Fprint(w, `<html><body><script src="/app.js"></script></body></html>`)
		}
	}))
	defer srv.Close()

	e := launchHeadless(t)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	events, err := e.Events(ctx)
	require.NoError(t, err)

	id, err := e.NewTarget(ctx, "about:blank")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		for {
			select {
			case ev := <-events:
				if ev.Kind == engine.TargetCreated && ev.Info.ID == id {
					return true
				}
			default:
				return false
			}
		}
	}, 10*time.Second, 50*time.Millisecond)

	page, err := e.Page(ctx, id)
	require.NoError(t, err)

	appendTo := func(s string) engine.ResponseHandler {
		return func(_ context.Context, ev *sdk.Event) (*sdk.Response, error) {
			ev.Response.Body = strings.TrimSuffix(ev.Response.Body, `"`) + s + `"`
			return ev.Response, nil
		}
	}
	pattern := []sdk.RequestPattern{{URLPattern: "*app.js"}}
	_, err = page.InterceptResponses(ctx, pattern, appendTo("A"))
	require.NoError(t, err)
	_, err = page.InterceptResponses(ctx, pattern, appendTo("B"))
	require.NoError(t, err)

	got := make(chan json.RawMessage, 1)
	require.NoError(t, page.ExposeFunction(ctx, "__report", func(p json.RawMessage) { got <- p }))

	require.NoError(t, page.Navigate(ctx, srv.URL))
	require.Eventually(t, func() bool {
		_ = page.Evaluate(ctx, `window.__report && window.__body && window.__report(window.__body)`)
		select {
		case p := <-got:
			return string(p) == `"xAB"`
		default:
			return false
		}
	}, 10*time.Second, 100*time.Millisecond)
}
