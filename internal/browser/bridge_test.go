package browser

import (
	"context"
	"errors"
	"testing"
	"time"

	"hackium/internal/client"
	"hackium/internal/logging"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func waitDrained(t *testing.T, p *Page) {
	t.Helper()
	select {
	case <-p.Drained():
	case <-time.After(5 * time.Second):
		t.Fatal("queued actions did not finish")
	}
}

func TestPage_ExecuteOrQueue(t *testing.T) {
	f := newFixture(t, nil)
	tg, fp := f.create(t, "https://example.test/")
	p, err := tg.Page(context.Background())
	require.NoError(t, err)

	var ran []int
	mk := func(i int, err error) Action {
		return func(context.Context) error {
			ran = append(ran, i)
			return err
		}
	}

	assert.Nil(t, p.ExecuteOrQueue(mk(1, nil)))
	assert.Nil(t, p.ExecuteOrQueue(mk(2, errors.New("action failed"))))
	assert.Nil(t, p.ExecuteOrQueue(mk(3, nil)))
	assert.Equal(t, 3, p.Queued())
	assert.Empty(t, ran)

	require.NoError(t, fp.Call(client.HandlerName, envelope(client.EventClientLoaded, nil)))
	waitDrained(t, p)
	assert.Equal(t, []int{1, 2, 3}, ran, "queued actions run once in order, past failures")
	assert.True(t, p.ClientLoaded())
	assert.Equal(t, 0, p.Queued())

	require.NoError(t, fp.Call(client.HandlerName, envelope(client.EventClientLoaded, nil)))
	assert.Equal(t, []int{1, 2, 3}, ran, "a second load does not drain again")

	action := p.ExecuteOrQueue(mk(4, nil))
	require.NotNil(t, action, "loaded pages hand the action back")
	require.NoError(t, action(context.Background()))
	assert.Equal(t, []int{1, 2, 3, 4}, ran)
}

func TestPage_LegacyLoadedName(t *testing.T) {
	f := newFixture(t, nil)
	tg, fp := f.create(t, "https://example.test/")
	p, _ := tg.Page(context.Background())

	ran := false
	p.ExecuteOrQueue(func(context.Context) error { ran = true; return nil })
	require.NoError(t, fp.Call(client.HandlerName, envelope(client.EventClientLoadedLegacy, nil)))
	waitDrained(t, p)
	assert.True(t, ran)
}

func TestPage_QueuedActionFailureIsLogged(t *testing.T) {
	core, logs := observer.New(zap.WarnLevel)
	restore := logging.SetLogger(zap.New(core))
	defer restore()

	f := newFixture(t, nil)
	tg, fp := f.create(t, "https://example.test/")
	p, _ := tg.Page(context.Background())

	p.ExecuteOrQueue(func(context.Context) error { return errors.New("no element") })
	require.NoError(t, fp.Call(client.HandlerName, envelope(client.EventClientLoaded, nil)))
	waitDrained(t, p)

	entries := logs.FilterMessageSnippet("no element").All()
	require.Len(t, entries, 1)
}

func TestPage_QueuedActionCanWaitForClientEvents(t *testing.T) {
	f := newFixture(t, nil)
	tg, fp := f.create(t, "https://example.test/")
	p, _ := tg.Page(context.Background())

	var got string
	p.ExecuteOrQueue(func(ctx context.Context) error {
		ready := make(chan client.Event, 1)
		off := p.On("ready", func(ev client.Event) {
			select {
			case ready <- ev:
			default:
			}
		})
		defer off()
		select {
		case ev := <-ready:
			got = ev.Name
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	})

	loaded := make(chan error, 1)
	go func() { loaded <- fp.Call(client.HandlerName, envelope(client.EventClientLoaded, nil)) }()
	select {
	case err := <-loaded:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("client load blocked behind a queued action")
	}

	require.Eventually(t, func() bool {
		_ = fp.Call(client.HandlerName, envelope("ready", nil))
		select {
		case <-p.Drained():
			return true
		default:
			return false
		}
	}, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, "ready", got)
}

func TestSession_PageActivated(t *testing.T) {
	f := newFixture(t, nil)

	_, err := f.session.ActivePage()
	require.ErrorIs(t, err, ErrNoActivePage)

	var notified []*Page
	f.session.OnActivePageChanged(func(p *Page) { notified = append(notified, p) })

	t1, fp1 := f.create(t, "https://example.test/one")
	t2, fp2 := f.create(t, "https://example.test/two")
	p1, _ := t1.Page(context.Background())
	p2, _ := t2.Page(context.Background())

	require.NoError(t, fp2.Call(client.HandlerName, envelope(client.EventPageActivated, nil)))
	active, err := f.session.ActivePage()
	require.NoError(t, err)
	assert.Same(t, p2, active)
	require.Len(t, notified, 1)
	assert.Same(t, p2, notified[0])

	require.NoError(t, fp1.Call(client.HandlerName, envelope(client.EventPageActivated, nil)))
	active, _ = f.session.ActivePage()
	assert.Same(t, p1, active)
	assert.Len(t, notified, 2)

	f.manager.OnTargetDestroyed(t1.ID())
	_, err = f.session.ActivePage()
	assert.ErrorIs(t, err, ErrNoActivePage, "a destroyed active page is not returned")
}

func TestPage_ClientEvents(t *testing.T) {
	f := newFixture(t, nil)
	tg, fp := f.create(t, "https://example.test/")
	p, _ := tg.Page(context.Background())

	var got []client.Event
	off := p.On("selection", func(ev client.Event) { got = append(got, ev) })

	require.NoError(t, fp.Call(client.HandlerName, envelope("selection", map[string]string{"text": "hi"})))
	require.NoError(t, fp.Call(client.HandlerName, map[string]any{"owner": "someone-else", "name": "selection"}))
	require.NoError(t, fp.Call(client.HandlerName, "not an envelope"))

	require.Len(t, got, 1)
	var payload struct{ Text string }
	require.NoError(t, got[0].Decode(&payload))
	assert.Equal(t, "hi", payload.Text)

	off()
	require.NoError(t, fp.Call(client.HandlerName, envelope("selection", nil)))
	assert.Len(t, got, 1)
}
