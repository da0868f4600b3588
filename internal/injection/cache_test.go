package injection

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"hackium/internal/client"
	"hackium/internal/logging"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func writeFiles(t *testing.T, dir string, files map[string]string) {
	t.Helper()
	for name, body := range files {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(body), 0644))
	}
}

func names(scripts []Script) []string {
	out := make([]string, len(scripts))
	for i, s := range scripts {
		out[i] = s.Name
	}
	return out
}

func TestLoad_BridgeFirstThenConfiguredOrder(t *testing.T) {
	dir := t.TempDir()
	writeFiles(t, dir, map[string]string{
		"x.js": "// x",
		"y.js": "// y",
		"c.js": "// c",
	})

	tests := []struct {
		name  string
		files []string
		want  []string
	}{
		{"two files", []string{"x.js", "y.js"}, []string{"hackium.js", "x.js", "y.js"}},
		{"reverse order", []string{"y.js", "x.js"}, []string{"hackium.js", "y.js", "x.js"}},
		{"three files", []string{"c.js", "x.js", "y.js"}, []string{"hackium.js", "c.js", "x.js", "y.js"}},
		{"none", nil, []string{"hackium.js"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := NewCache(tt.files, dir)
			got, err := c.Load(context.Background())
			require.NoError(t, err)
			assert.Equal(t, tt.want, names(got))
			assert.Equal(t, tt.want, names(c.Scripts()))
		})
	}
}

func TestLoad_OrderSurvivesSlowReads(t *testing.T) {
	// The first file finishes last; order must still follow configuration.
	release := make(chan struct{})
	var once sync.Once
	read := func(path string) ([]byte, error) {
		if strings.HasSuffix(path, "slow.js") {
			<-release
		} else {
			once.Do(func() { close(release) })
		}
		return []byte("// " + filepath.Base(path)), nil
	}

	c := NewCache([]string{"slow.js", "fast.js"}, "/base").WithReader(read)
	got, err := c.Load(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"hackium.js", "slow.js", "fast.js"}, names(got))
	assert.Equal(t, "/base/slow.js", got[1].Path)
}

func TestLoad_MissingFileDroppedWithWarning(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	restore := logging.SetLogger(zap.New(core))
	defer restore()

	dir := t.TempDir()
	writeFiles(t, dir, map[string]string{"b.js": "// b"})

	c := NewCache([]string{"missing.js", "b.js"}, dir)
	got, err := c.Load(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []string{"hackium.js", "b.js"}, names(got))
	assert.Equal(t, 1, logs.FilterMessageSnippet("missing.js").Len())
}

func TestLoad_AbsolutePathsAndRendering(t *testing.T) {
	dir := t.TempDir()
	abs := filepath.Join(dir, "abs.js")
	require.NoError(t, os.WriteFile(abs, []byte("window['%%%clienteventhandler%%%'] && '%%%unknown%%%'"), 0644))

	c := NewCache([]string{abs}, "/elsewhere")
	got, err := c.Load(context.Background())
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "window['"+client.HandlerName+"'] && '%%%unknown%%%'", got[1].Source)
	assert.NotContains(t, got[0].Source, "%%%")
}

func TestReload_RecomputesFromDisk(t *testing.T) {
	dir := t.TempDir()
	writeFiles(t, dir, map[string]string{"a.js": "// v1"})

	c := NewCache([]string{"a.js"}, dir)
	_, err := c.Load(context.Background())
	require.NoError(t, err)

	writeFiles(t, dir, map[string]string{"a.js": "// v2"})
	got, err := c.Reload(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "// v2", got[1].Source)
}

type recordingPage struct {
	now, later []string
	all        []string
	nowErr     error
	laterErr   error
	next       int
	live       map[int]string
}

func (p *recordingPage) Evaluate(_ context.Context, src string) error {
	p.now = append(p.now, src)
	return p.nowErr
}

func (p *recordingPage) EvaluateOnNewDocument(_ context.Context, src string) (func() error, error) {
	p.all = append(p.all, src)
	if p.laterErr != nil {
		return nil, p.laterErr
	}
	p.later = append(p.later, src)
	if p.live == nil {
		p.live = make(map[int]string)
	}
	p.next++
	id := p.next
	p.live[id] = src
	return func() error {
		if _, ok := p.live[id]; !ok {
			return errors.New("already removed")
		}
		delete(p.live, id)
		return nil
	}, nil
}

// registered returns the live new-document scripts in registration order.
func (p *recordingPage) registered() []string {
	var out []string
	for id := 1; id <= p.next; id++ {
		if src, ok := p.live[id]; ok {
			out = append(out, src)
		}
	}
	return out
}

func TestApply_EvaluatesNowAndOnNewDocument(t *testing.T) {
	dir := t.TempDir()
	writeFiles(t, dir, map[string]string{"x.js": "// x", "y.js": "// y"})

	c := NewCache([]string{"x.js", "y.js"}, dir)
	_, err := c.Load(context.Background())
	require.NoError(t, err)

	page := &recordingPage{nowErr: errors.New("document torn down")}
	c.Apply(context.Background(), page)

	require.Len(t, page.now, 3)
	assert.Equal(t, page.now, page.later, "a failing current-document evaluation does not stop registration")
	assert.Contains(t, page.now[0], client.HandlerName)
	assert.Equal(t, "// x", page.now[1])
	assert.Equal(t, "// y", page.now[2])
}

func TestApply_ReplacesPreviousRegistrations(t *testing.T) {
	dir := t.TempDir()
	writeFiles(t, dir, map[string]string{"x.js": "// v1"})

	c := NewCache([]string{"x.js"}, dir)
	_, err := c.Load(context.Background())
	require.NoError(t, err)

	page := &recordingPage{}
	c.Apply(context.Background(), page)
	require.Len(t, page.registered(), 2)

	writeFiles(t, dir, map[string]string{"x.js": "// v2"})
	_, err = c.Reload(context.Background())
	require.NoError(t, err)
	c.Apply(context.Background(), page)

	docs := page.registered()
	require.Len(t, docs, 2, "one bridge and one user script after reload")
	assert.Contains(t, docs[0], client.HandlerName)
	assert.Equal(t, "// v2", docs[1])
	assert.NotContains(t, docs, "// v1")
	assert.Equal(t, 2, c.Registered())
	assert.Len(t, page.now, 2, "reload does not evaluate into the current document again")
}

func TestApply_FailedRegistrationNotTracked(t *testing.T) {
	dir := t.TempDir()
	writeFiles(t, dir, map[string]string{"x.js": "// x"})

	c := NewCache([]string{"x.js"}, dir)
	_, err := c.Load(context.Background())
	require.NoError(t, err)

	page := &recordingPage{laterErr: errors.New("Target closed")}
	c.Apply(context.Background(), page)
	assert.Len(t, page.all, 2)
	assert.Zero(t, c.Registered())
	assert.Empty(t, page.registered())
}
