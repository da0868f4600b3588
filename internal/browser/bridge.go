package browser

import (
	"context"
	"encoding/json"
	"fmt"

	"hackium/internal/client"
	"hackium/internal/logging"
)

func (p *Page) exposeBridge(ctx context.Context) error {
	logging.Get(logging.CategoryBridge).Debug("exposing %s on %s", client.HandlerName, p.handle.TargetID())
	if err := p.handle.ExposeFunction(ctx, client.HandlerName, p.onBridgeMessage); err != nil {
		return fmt.Errorf("expose client bridge: %w", err)
	}
	return nil
}

// onBridgeMessage receives every envelope the in-page client sends.
func (p *Page) onBridgeMessage(raw json.RawMessage) {
	log := logging.Get(logging.CategoryBridge)
	ev, ok, err := client.DecodeEnvelope(raw)
	if err != nil {
		log.Warn("page %s: %v", p.handle.TargetID(), err)
		return
	}
	if !ok {
		return
	}
	log.Debug("client event %s from %s", ev.Name, p.handle.TargetID())

	switch {
	case client.IsClientLoaded(ev.Name):
		p.onClientLoaded()
	case ev.Name == client.EventPageActivated:
		p.session.setActivePage(p)
	}
	p.clientEvents.Emit(ev.Topic(), ev)
}

// onClientLoaded marks the client loaded and drains the queue once, in
// submission order. The drain runs on its own goroutine so the binding
// callback returns and later client events keep flowing while actions run.
func (p *Page) onClientLoaded() {
	p.mu.Lock()
	if p.clientLoaded || p.closed {
		p.mu.Unlock()
		return
	}
	p.clientLoaded = true
	queue := p.queue
	p.queue = nil
	p.mu.Unlock()

	if len(queue) == 0 {
		close(p.drained)
		return
	}
	go p.drain(queue)
}

func (p *Page) drain(queue []Action) {
	defer close(p.drained)
	log := logging.Get(logging.CategoryPage)
	log.Debug("page %s: client loaded, running %d queued actions", p.handle.TargetID(), len(queue))
	for i, action := range queue {
		if err := action(p.ctx); err != nil {
			log.Warn("page %s: queued action %d failed: %v", p.handle.TargetID(), i, err)
		}
	}
}

// Activate delivers a pageActivated event as if the in-page client had sent
// it. The launcher uses it to activate the first page.
func (p *Page) Activate() {
	raw, err := json.Marshal(client.Envelope{Owner: client.Owner, Name: client.EventPageActivated})
	if err != nil {
		return
	}
	p.onBridgeMessage(raw)
}
