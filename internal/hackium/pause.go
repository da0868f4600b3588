package hackium

import (
	"context"

	"hackium/internal/logging"
)

// Pause blocks until Unpause is called, ctx is done or the browser goes away.
// Only one caller is paused at a time: pausing again releases the earlier
// caller.
func (h *Hackium) Pause(ctx context.Context) error {
	log := logging.Get(logging.CategoryScript)

	h.mu.Lock()
	if h.unpause != nil {
		log.Warn("already paused, releasing the previous pause")
		close(h.unpause)
	}
	ch := make(chan struct{})
	h.unpause = ch
	h.mu.Unlock()

	log.Info("paused, waiting for unpause")
	select {
	case <-ch:
		return nil
	case <-h.Done():
		h.clearPause(ch)
		return ErrClosed
	case <-ctx.Done():
		h.clearPause(ch)
		return ctx.Err()
	}
}

// Unpause releases the current Pause. It reports whether anything was paused.
func (h *Hackium) Unpause() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.unpause == nil {
		logging.Get(logging.CategoryScript).Warn("unpause called while not paused")
		return false
	}
	close(h.unpause)
	h.unpause = nil
	return true
}

// Paused reports whether a Pause is waiting.
func (h *Hackium) Paused() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.unpause != nil
}

func (h *Hackium) clearPause(ch chan struct{}) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.unpause == ch {
		h.unpause = nil
	}
}
