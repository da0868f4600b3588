// Package client holds the in-page side of hackium: the bridge script that is
// injected first into every document, the string table its placeholders are
// rendered from, and the event values it delivers back to the host.
package client

import (
	_ "embed"
	"encoding/json"
	"fmt"
	"regexp"
)

// Version is the running hackium version. Overridden at build time with
// -ldflags "-X hackium/internal/client.Version=...".
var Version = "0.4.0"

// Owner tags every envelope the bridge sends.
const Owner = "hackium"

// Reserved client event names.
const (
	EventClientLoaded       = "onClientLoaded"
	EventClientLoadedLegacy = "clientLoaded"
	EventPageActivated      = "pageActivated"
)

// EventPrefix namespaces client events on a page's dispatcher.
const EventPrefix = "hackiumclient:"

// BridgeName is the pseudo path of the built-in bridge script.
const BridgeName = "hackium.js"

//go:embed assets/hackium.js
var bridgeSource string

// BridgeSource returns the unrendered bridge script.
func BridgeSource() string { return bridgeSource }

// Strings returns the placeholder table.
func Strings() map[string]string {
	return map[string]string{
		"clientid":           Owner,
		"clienteventhandler": HandlerName,
		"HACKIUM_VERSION":    Version,
	}
}

// HandlerName is the page-global function the host exposes for client events.
const HandlerName = "__hackium_internal_onEvent"

var tokenRe = regexp.MustCompile(`%%%(.+?)%%%`)

// Render substitutes %%%token%%% placeholders. Unknown tokens are left intact.
func Render(src string) string {
	table := Strings()
	return tokenRe.ReplaceAllStringFunc(src, func(m string) string {
		key := tokenRe.FindStringSubmatch(m)[1]
		if v, ok := table[key]; ok {
			return v
		}
		return m
	})
}

// Event is one structured notification sent from in-page script.
type Event struct {
	Name    string
	Payload json.RawMessage
}

// Topic returns the dispatcher name the event is emitted under.
func (e Event) Topic() string { return EventPrefix + e.Name }

// Decode unmarshals the payload into v.
func (e Event) Decode(v any) error {
	if len(e.Payload) == 0 {
		return nil
	}
	return json.Unmarshal(e.Payload, v)
}

// Envelope is the wire shape posted by the bridge script.
type Envelope struct {
	Owner string          `json:"owner"`
	Name  string          `json:"name"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// DecodeEnvelope parses raw bridge input. ok is false for envelopes owned by
// someone else, which are not errors.
func DecodeEnvelope(raw []byte) (ev Event, ok bool, err error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return Event{}, false, fmt.Errorf("decode client envelope: %w", err)
	}
	if env.Owner != Owner {
		return Event{}, false, nil
	}
	if env.Name == "" {
		return Event{}, false, fmt.Errorf("client envelope without a name")
	}
	return Event{Name: env.Name, Payload: env.Data}, true, nil
}

// IsClientLoaded reports whether name is the loaded signal.
func IsClientLoaded(name string) bool {
	return name == EventClientLoaded || name == EventClientLoadedLegacy
}
