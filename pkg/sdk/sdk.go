// Package sdk defines the types shared between hackium and interceptor modules.
//
// A Go interceptor module is a single file in package main that imports
// "hackium/pkg/sdk" and declares:
//
//	var Intercept = []sdk.RequestPattern{{URLPattern: "*.js", RequestStage: sdk.StageResponse}}
//
//	func Interceptor(host sdk.Host, ev *sdk.Event, debug sdk.DebugFunc) (*sdk.Response, error) {
//		ev.Response.Body += "\n// seen by hackium"
//		return ev.Response, nil
//	}
//
// The module is interpreted, not compiled, so it is picked up again when the
// file changes.
package sdk

import "context"

// Request stages understood by the interception layer.
const (
	StageRequest  = "Request"
	StageResponse = "Response"
)

// RequestPattern selects which network events an interceptor sees.
// URLPattern uses the devtools wildcard syntax (* and ?).
type RequestPattern struct {
	URLPattern   string `json:"urlPattern,omitempty" yaml:"url_pattern,omitempty"`
	ResourceType string `json:"resourceType,omitempty" yaml:"resource_type,omitempty"`
	RequestStage string `json:"requestStage,omitempty" yaml:"request_stage,omitempty"`
}

// Request is the request half of an intercepted exchange.
type Request struct {
	URL          string            `json:"url"`
	Method       string            `json:"method"`
	Headers      map[string]string `json:"headers"`
	ResourceType string            `json:"resourceType"`
}

// Response is what an interceptor receives and returns. Body is text.
type Response struct {
	Status  int               `json:"status"`
	Headers map[string]string `json:"headers"`
	Body    string            `json:"body"`
}

// Clone returns a deep copy of r.
func (r *Response) Clone() *Response {
	if r == nil {
		return nil
	}
	out := &Response{Status: r.Status, Body: r.Body, Headers: make(map[string]string, len(r.Headers))}
	for k, v := range r.Headers {
		out.Headers[k] = v
	}
	return out
}

// Event is handed to an interceptor for each matching response.
// Response holds the output of the previous interceptor in the chain when
// there is one, otherwise the original response from the network.
type Event struct {
	Request  *Request  `json:"request"`
	Response *Response `json:"response"`
}

// Host is the handle interceptors receive for the running browser.
type Host interface {
	Version() string
}

// DebugFunc logs through hackium's interceptor debug channel.
type DebugFunc func(format string, args ...any)

// TransformFunc is the host-side shape every loaded interceptor is reduced to.
type TransformFunc func(ctx context.Context, host Host, ev *Event, debug DebugFunc) (*Response, error)
