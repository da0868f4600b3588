package interceptor

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"hackium/pkg/sdk"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeModule(t *testing.T, name, src string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(src), 0644))
	return path
}

func sampleEvent(body string) *sdk.Event {
	return &sdk.Event{
		Request:  &sdk.Request{URL: "https://example.test/app.js", Method: "GET", ResourceType: "Script"},
		Response: &sdk.Response{Status: 200, Headers: map[string]string{"content-type": "text/javascript"}, Body: body},
	}
}

func noDebug(string, ...any) {}

func TestLoadJS_ModifiesResponse(t *testing.T) {
	path := writeModule(t, "upper.js", `
exports.intercept = [{ urlPattern: "*.js", resourceType: "Script" }];
exports.interceptor = function (host, interception, debug) {
  debug("running in %s", host.version());
  interception.response.body = interception.response.body + "!";
  return interception.response;
};
`)
	d, err := FileLoader{}.Load(context.Background(), path)
	require.NoError(t, err)

	assert.Equal(t, "upper.js", d.Name)
	require.Len(t, d.Patterns, 1)
	assert.Equal(t, "*.js", d.Patterns[0].URLPattern)
	assert.Equal(t, "Script", d.Patterns[0].ResourceType)

	out, err := d.Transform(context.Background(), fakeHost{}, sampleEvent("x"), noDebug)
	require.NoError(t, err)
	assert.Equal(t, "x!", out.Body)
	assert.Equal(t, 200, out.Status)
}

func TestLoadJS_ObjectAndPromiseResults(t *testing.T) {
	tests := []struct {
		name     string
		body     string
		wantNil  bool
		wantBody string
		wantErr  bool
	}{
		{
			name:     "plain object",
			body:     `return { status: 201, headers: {}, body: "replaced" };`,
			wantBody: "replaced",
		},
		{
			name:    "undefined keeps response",
			body:    `return undefined;`,
			wantNil: true,
		},
		{
			name:    "thrown error",
			body:    `throw new Error("nope");`,
			wantErr: true,
		},
		{
			name:    "rejected promise",
			body:    `return Promise.reject(new Error("nope"));`,
			wantErr: true,
		},
		{
			name:     "resolved promise",
			body:     `return Promise.resolve({ status: 200, headers: {}, body: "async" });`,
			wantBody: "async",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeModule(t, "mod.js", `
module.exports = {
  intercept: [{ urlPattern: "*" }],
  interceptor: function (host, interception, debug) { `+tt.body+` }
};
`)
			d, err := LoadJS(path)
			require.NoError(t, err)

			out, err := d.Transform(context.Background(), fakeHost{}, sampleEvent("x"), noDebug)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			if tt.wantNil {
				assert.Nil(t, out)
				return
			}
			require.NotNil(t, out)
			assert.Equal(t, tt.wantBody, out.Body)
		})
	}
}

func TestLoadJS_Interrupted(t *testing.T) {
	path := writeModule(t, "spin.js", `
exports.intercept = [{ urlPattern: "*" }];
exports.interceptor = function () { for (;;) {} };
`)
	d, err := LoadJS(path)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = d.Transform(ctx, fakeHost{}, sampleEvent("x"), noDebug)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestLoadJS_BadExports(t *testing.T) {
	tests := []struct {
		name string
		src  string
	}{
		{"missing intercept", `exports.interceptor = function () {};`},
		{"interceptor not a function", `exports.intercept = []; exports.interceptor = 1;`},
		{"syntax error", `exports.intercept = [;`},
		{"top-level throw", `throw new Error("not today");`},
		{"require of missing module", `require("./nowhere.js"); exports.intercept = [];`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadJS(writeModule(t, "bad.js", tt.src))
			assert.Error(t, err)
		})
	}
}

func TestLoadGo_ModifiesResponse(t *testing.T) {
	path := writeModule(t, "banner.go", `package main

import (
	"strings"

	"hackium/pkg/sdk"
)

var Intercept = []sdk.RequestPattern{{URLPattern: "*.js", RequestStage: sdk.StageResponse}}

func Interceptor(host sdk.Host, ev *sdk.Event, debug sdk.DebugFunc) (*sdk.Response, error) {
	debug("host %s", host.Version())
	ev.Response.Body = strings.ToUpper(ev.Response.Body) + "!"
	return ev.Response, nil
}
`)
	d, err := FileLoader{}.Load(context.Background(), path)
	require.NoError(t, err)

	assert.Equal(t, "banner.go", d.Name)
	require.Len(t, d.Patterns, 1)
	assert.Equal(t, sdk.StageResponse, d.Patterns[0].RequestStage)

	out, err := d.Transform(context.Background(), fakeHost{}, sampleEvent("x"), noDebug)
	require.NoError(t, err)
	assert.Equal(t, "X!", out.Body)
}

func TestLoadGo_BadModules(t *testing.T) {
	tests := []struct {
		name string
		src  string
	}{
		{"missing Intercept", "package main\n\nimport \"hackium/pkg/sdk\"\n\nfunc Interceptor(sdk.Host, *sdk.Event, sdk.DebugFunc) (*sdk.Response, error) { return nil, nil }\n"},
		{"wrong signature", "package main\n\nimport \"hackium/pkg/sdk\"\n\nvar Intercept = []sdk.RequestPattern{}\n\nfunc Interceptor() {}\n"},
		{"does not parse", "not go"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadGo(writeModule(t, "bad.go", tt.src))
			assert.Error(t, err)
		})
	}
}

func TestFileLoader_UnsupportedExtension(t *testing.T) {
	_, err := FileLoader{}.Load(context.Background(), "/tmp/module.py")
	assert.Error(t, err)
}

func TestRegistry_BrokenJSModuleSkipped(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "good.js"), []byte(`
exports.intercept = [{ urlPattern: "*" }];
exports.interceptor = function (host, ev) { ev.response.body += "G"; return ev.response; };
`), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "broken.js"), []byte(`exports.intercept = [;`), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "throws.js"), []byte(`throw new Error("boom");`), 0644))

	r := NewRegistry(Options{Files: []string{"broken.js", "throws.js", "good.js"}, PWD: dir}, fakeHost{})
	page := newPage()

	require.NotPanics(t, func() {
		assert.Equal(t, 1, r.Load(context.Background()))
	})
	r.Register(context.Background(), page)
	defer r.Close()

	got, err := respond(t, page, "x")
	require.NoError(t, err)
	assert.Equal(t, "xG", got.Body)
}
