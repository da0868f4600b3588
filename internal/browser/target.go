package browser

import (
	"context"
	"sync"
	"sync/atomic"

	"hackium/internal/engine"
	"hackium/internal/events"
)

var targetSeq atomic.Uint64

// Target is the host-side handle of one engine target.
type Target struct {
	session *Session
	seq     uint64

	mu    sync.RWMutex
	info  engine.TargetInfo
	ready bool

	resolve  func(ctx context.Context) (*Page, error)
	pageOnce sync.Once
	page     *Page
	pageErr  error

	infoEvents events.Dispatcher[engine.TargetInfo]
}

func newTarget(s *Session, info engine.TargetInfo, resolve func(ctx context.Context, t *Target) (*Page, error)) *Target {
	t := &Target{session: s, seq: targetSeq.Add(1), info: info}
	t.resolve = func(ctx context.Context) (*Page, error) { return resolve(ctx, t) }
	return t
}

// ID returns the engine target id.
func (t *Target) ID() string { return t.Info().ID }

// Type returns the engine target type.
func (t *Target) Type() string { return t.Info().Type }

// URL returns the last reported URL.
func (t *Target) URL() string { return t.Info().URL }

// Info returns the last reported target info.
func (t *Target) Info() engine.TargetInfo {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.info
}

// Session returns the owning session.
func (t *Target) Session() *Session { return t.session }

// Page returns the instrumented page backing this target. The first call
// creates and instruments it; later calls return the same result.
func (t *Target) Page(ctx context.Context) (*Page, error) {
	if !t.Info().IsPage() {
		return nil, ErrNotPage
	}
	t.pageOnce.Do(func() {
		p, err := t.resolve(ctx)
		t.mu.Lock()
		t.page, t.pageErr = p, err
		t.mu.Unlock()
	})
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.page, t.pageErr
}

// resolvedPage returns the page if Page already succeeded.
func (t *Target) resolvedPage() *Page {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.page
}

// OnInfoChanged subscribes fn to info updates for this target.
func (t *Target) OnInfoChanged(fn func(engine.TargetInfo)) (off func()) {
	return t.infoEvents.On(EventTargetInfoChanged, fn)
}

func (t *Target) updateInfo(info engine.TargetInfo) {
	t.mu.Lock()
	if info.Type == "" {
		info.Type = t.info.Type
	}
	t.info = info
	t.mu.Unlock()
	t.infoEvents.Emit(EventTargetInfoChanged, info)
}

func (t *Target) markReady() {
	t.mu.Lock()
	t.ready = true
	t.mu.Unlock()
}

func (t *Target) isReady() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.ready
}
